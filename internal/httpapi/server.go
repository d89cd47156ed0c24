package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/pageel/pageel/internal/collections"
	"github.com/pageel/pageel/internal/remote"
	"github.com/pageel/pageel/internal/session"
	"github.com/pageel/pageel/internal/settings"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// PingInterval keeps sync streams alive; zero means 30s.
	PingInterval time.Duration
	// OriginPatterns are passed to the websocket handshake.
	OriginPatterns []string
}

type Server struct {
	session     *session.Session
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(sess *session.Session) *Server {
	return NewServerWithConfig(sess, ServerConfig{})
}

func NewServerWithConfig(sess *session.Session, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{session: sess, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "workspace" && r.Method == http.MethodGet:
		requiredScope = ScopeWorkspaceRead
		route = "workspace"
	case len(parts) == 2 && parts[1] == "bootstrap" && r.Method == http.MethodPost:
		requiredScope = ScopeWorkspaceWrite
		route = "bootstrap"
	case len(parts) == 2 && parts[1] == "collections" && r.Method == http.MethodGet:
		requiredScope = ScopeWorkspaceRead
		route = "collections_list"
	case len(parts) == 2 && parts[1] == "collections" && r.Method == http.MethodPost:
		requiredScope = ScopeWorkspaceWrite
		route = "collection_create"
	case len(parts) == 3 && parts[1] == "collections" && r.Method == http.MethodPatch:
		requiredScope = ScopeWorkspaceWrite
		route = "collection_edit"
	case len(parts) == 3 && parts[1] == "collections" && r.Method == http.MethodDelete:
		requiredScope = ScopeWorkspaceWrite
		route = "collection_remove"
	case len(parts) == 4 && parts[1] == "collections" && parts[3] == "select" && r.Method == http.MethodPost:
		requiredScope = ScopeWorkspaceWrite
		route = "collection_select"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		requiredScope = ScopeWorkspaceRead
		route = "stats"
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodGet:
		requiredScope = ScopeSettingsRead
		route = "settings_get"
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodPut:
		requiredScope = ScopeSettingsWrite
		route = "settings_put"
	case len(parts) == 3 && parts[1] == "settings" && parts[2] == "export" && r.Method == http.MethodGet:
		requiredScope = ScopeSettingsRead
		route = "settings_export"
	case len(parts) == 3 && parts[1] == "settings" && parts[2] == "import" && r.Method == http.MethodPost:
		requiredScope = ScopeSettingsWrite
		route = "settings_import"
	case len(parts) == 3 && parts[1] == "setup" && parts[2] == "finish" && r.Method == http.MethodPost:
		requiredScope = ScopeSettingsWrite
		route = "setup_finish"
	case len(parts) == 2 && parts[1] == "config" && r.Method == http.MethodDelete:
		requiredScope = ScopeConfigDelete
		route = "config_delete"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "sync_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.session.RepoID(), requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "workspace":
		s.handleWorkspace(w, r, correlationID)
	case "bootstrap":
		s.handleBootstrap(w, r, correlationID)
	case "collections_list":
		s.handleCollections(w, r, correlationID)
	case "collection_create":
		s.handleCreateCollection(w, r, correlationID)
	case "collection_edit":
		s.handleEditCollection(w, r, parts[2], correlationID)
	case "collection_remove":
		s.handleRemoveCollection(w, r, parts[2], correlationID)
	case "collection_select":
		s.handleSelectCollection(w, r, parts[2], correlationID)
	case "stats":
		s.handleStats(w, r, correlationID)
	case "settings_get":
		s.handleGetSettings(w, r, correlationID)
	case "settings_put":
		s.handlePutSettings(w, r, correlationID)
	case "settings_export":
		s.handleExportSettings(w, r, correlationID)
	case "settings_import":
		s.handleImportSettings(w, r, correlationID)
	case "setup_finish":
		s.handleFinishSetup(w, r, correlationID)
	case "config_delete":
		s.handleDeleteConfig(w, r, correlationID)
	case "sync_status":
		writeJSON(w, http.StatusOK, s.session.SyncStatus())
	case "sync_stream":
		s.handleSyncStream(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type workspaceResponse struct {
	Workspace     *collections.Workspace `json:"workspace"`
	SetupComplete bool                   `json:"setupComplete"`
}

func (s *Server) handleWorkspace(w http.ResponseWriter, _ *http.Request, correlationID string) {
	resp := workspaceResponse{SetupComplete: s.session.SetupComplete()}
	if ws, ok := s.session.Workspace(); ok {
		resp.Workspace = &ws
	}
	writeJSON(w, http.StatusOK, resp)
}

type bootstrapResponse struct {
	Source        string               `json:"source"`
	Imported      int                  `json:"imported"`
	Applied       []string             `json:"applied,omitempty"`
	Settings      settings.AppSettings `json:"settings"`
	Suggestions   any                  `json:"suggestions,omitempty"`
	SetupComplete bool                 `json:"setupComplete"`
	Ready         bool                 `json:"ready"`
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request, correlationID string) {
	out, err := s.session.Bootstrap(r.Context())
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	resp := bootstrapResponse{
		Source:        string(out.Source),
		Imported:      out.Imported,
		Applied:       out.Applied,
		Settings:      out.Settings,
		SetupComplete: out.SetupComplete,
		Ready:         out.Ready,
	}
	if out.Suggestions != nil {
		resp.Suggestions = out.Suggestions
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCollections(w http.ResponseWriter, _ *http.Request, correlationID string) {
	ws, ok := s.session.Workspace()
	if !ok {
		writeDomainError(w, session.ErrNoWorkspace, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collections":        ws.Collections,
		"activeCollectionId": ws.ActiveCollectionID,
	})
}

type collectionRequest struct {
	Name       string                `json:"name"`
	PostsPath  string                `json:"postsPath"`
	ImagesPath string                `json:"imagesPath"`
	Template   *collections.Template `json:"template,omitempty"`
}

func (c collectionRequest) input() collections.Input {
	return collections.Input{Name: c.Name, PostsPath: c.PostsPath, ImagesPath: c.ImagesPath, Template: c.Template}
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req collectionRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	c, err := s.session.CreateCollection(r.Context(), req.input())
	if err != nil && !isSyncError(err) {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, collectionResult(c, err))
}

func (s *Server) handleEditCollection(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var req collectionRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	c, err := s.session.EditCollection(r.Context(), id, req.input())
	if err != nil && !isSyncError(err) {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, collectionResult(c, err))
}

func (s *Server) handleRemoveCollection(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	err := s.session.RemoveCollection(r.Context(), id)
	if err != nil && !isSyncError(err) {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, syncResult(err))
}

func (s *Server) handleSelectCollection(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	err := s.session.SelectCollection(r.Context(), id)
	if err != nil && !isSyncError(err) {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, syncResult(err))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	stats, err := s.session.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	app, err := s.session.Settings(r.Context())
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	app, err := s.session.Settings(r.Context())
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	if !s.decodeJSONBody(w, r, correlationID, &app) {
		return
	}
	err = s.session.SaveSettings(r.Context(), app)
	if err != nil && !isSyncError(err) {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, syncResult(err))
}

func (s *Server) handleFinishSetup(w http.ResponseWriter, r *http.Request, correlationID string) {
	app, err := s.session.Settings(r.Context())
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	if !s.decodeJSONBody(w, r, correlationID, &app) {
		return
	}
	err = s.session.FinishSetup(r.Context(), app)
	if err != nil && !isSyncError(err) {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, syncResult(err))
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.session.DeleteConfig(r.Context()); err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleExportSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	format, err := settings.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	data, err := s.session.ExportSettings(r.Context(), format)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	contentType := "application/json"
	if format == settings.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImportSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	format, err := settings.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	written, err := s.session.ImportSettings(r.Context(), body, format)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": written})
}

// handleSyncStream pushes every sync status transition over a websocket
// until the client goes away.
func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := conn.CloseRead(r.Context())
	updates, unsubscribe := s.session.Subscribe()
	defer unsubscribe()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, status)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// isSyncError reports whether err came from pushing the artifact, in which
// case the local change was applied and the response carries the failure.
func isSyncError(err error) bool {
	return err != nil && !isDomainError(err)
}

func isDomainError(err error) bool {
	return errors.Is(err, collections.ErrValidation) ||
		errors.Is(err, session.ErrNoWorkspace) ||
		errors.Is(err, session.ErrUnknownCollection) ||
		errors.Is(err, session.ErrNotReady) ||
		errors.Is(err, settings.ErrInvalidValue) ||
		errors.Is(err, settings.ErrInvalidImport)
}

type syncResponse struct {
	Saved     bool   `json:"saved"`
	SyncError string `json:"syncError,omitempty"`
	Conflict  bool   `json:"conflict,omitempty"`
}

func syncResult(err error) syncResponse {
	if err == nil {
		return syncResponse{Saved: true}
	}
	return syncResponse{SyncError: err.Error(), Conflict: errors.Is(err, remote.ErrConflict)}
}

func collectionResult(c collections.Collection, err error) map[string]any {
	return map[string]any{"collection": c, "sync": syncResult(err)}
}

func writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	var verr *collections.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":          "validation_error",
			"message":       verr.Message,
			"field":         verr.Field,
			"correlationId": correlationID,
		})
	case errors.Is(err, session.ErrUnknownCollection):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, session.ErrNoWorkspace):
		writeError(w, http.StatusConflict, "bootstrap_required", err.Error(), correlationID)
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusUnprocessableEntity, "setup_incomplete", err.Error(), correlationID)
	case errors.Is(err, settings.ErrInvalidValue), errors.Is(err, settings.ErrInvalidImport):
		writeError(w, http.StatusBadRequest, "invalid_settings", err.Error(), correlationID)
	case errors.Is(err, remote.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "remote_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
