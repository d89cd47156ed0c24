// Package session drives one repository's workspace: bootstrap, collection
// edits, settings, setup and reset. Every remote-mutating flow saves the
// configuration artifact and hands the write to the sync tracker.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pageel/pageel/internal/bootstrap"
	"github.com/pageel/pageel/internal/cache"
	"github.com/pageel/pageel/internal/collections"
	"github.com/pageel/pageel/internal/remote"
	"github.com/pageel/pageel/internal/settings"
	"github.com/pageel/pageel/internal/syncer"
)

var (
	ErrNoWorkspace       = errors.New("workspace not initialised")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrNotReady          = errors.New("setup is incomplete")
)

const (
	defaultCollectionID   = "default"
	defaultCollectionName = "Default"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger  Logger
	Now     func() time.Time
	Tracker syncer.TrackerOptions
	// ScanTimeout bounds repository discovery during Bootstrap.
	ScanTimeout time.Duration
}

type Session struct {
	repoID     string
	repo       remote.Repository
	kv         cache.KV
	store      *collections.Store
	reconciler *syncer.Reconciler
	tracker    *syncer.Tracker
	sequencer  *bootstrap.Sequencer
	logger     Logger
	now        func() time.Time

	mu            sync.Mutex
	setupComplete bool
	suggestions   *bootstrap.Suggestions
}

func New(repoID string, repo remote.Repository, kv cache.KV, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	store := collections.NewStore(context.Background(), kv, collections.StoreOptions{Logger: opts.Logger, Now: now})
	reconciler := syncer.NewReconciler(repo, syncer.ReconcilerOptions{Logger: opts.Logger, Now: now})
	trackerOpts := opts.Tracker
	if trackerOpts.Logger == nil {
		trackerOpts.Logger = opts.Logger
	}
	return &Session{
		repoID:     repoID,
		repo:       repo,
		kv:         kv,
		store:      store,
		reconciler: reconciler,
		tracker:    syncer.NewTracker(repo, trackerOpts),
		sequencer:  bootstrap.New(store, reconciler, repo, kv, bootstrap.Options{Logger: opts.Logger, ScanTimeout: opts.ScanTimeout}),
		logger:     opts.Logger,
		now:        now,
	}
}

func (s *Session) RepoID() string {
	return s.repoID
}

// Bootstrap resolves the workspace and settings for the session's
// repository.
func (s *Session) Bootstrap(ctx context.Context) (bootstrap.Outcome, error) {
	out, err := s.sequencer.Run(ctx, s.repoID)
	if err != nil {
		return out, err
	}
	s.mu.Lock()
	s.setupComplete = out.SetupComplete
	s.suggestions = out.Suggestions
	s.mu.Unlock()
	return out, nil
}

func (s *Session) SetupComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupComplete
}

func (s *Session) Workspace() (collections.Workspace, bool) {
	return s.store.Workspace()
}

func (s *Session) ActiveCollection() (collections.Collection, bool) {
	return s.store.ActiveCollection()
}

func (s *Session) Settings(ctx context.Context) (settings.AppSettings, error) {
	app, _, err := settings.Load(ctx, s.kv, s.repoID)
	return app, err
}

func (s *Session) SyncStatus() syncer.Status {
	return s.tracker.Status()
}

func (s *Session) Subscribe() (<-chan syncer.Status, func()) {
	return s.tracker.Subscribe()
}

// Reload rereads the resident workspace from the cache, picking up writes
// made by another process sharing it.
func (s *Session) Reload(ctx context.Context) {
	s.store.Reload(ctx)
}

func (s *Session) Close() {
	s.tracker.Close()
}

// CreateCollection validates in, adds the collection and saves the
// artifact. The collection is kept locally even when the save fails.
func (s *Session) CreateCollection(ctx context.Context, in collections.Input) (collections.Collection, error) {
	ws, ok := s.store.Workspace()
	if !ok {
		return collections.Collection{}, ErrNoWorkspace
	}
	id, err := collections.ValidateInput(in, ws.Collections, "")
	if err != nil {
		return collections.Collection{}, err
	}
	in = in.Normalize()
	c := collections.NewCollection(id, in.Name, in.PostsPath, in.ImagesPath, in.Template, s.now().UTC())
	if !s.store.AddCollection(ctx, c) {
		return collections.Collection{}, &collections.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("a collection with id %q already exists", id),
		}
	}
	c, _ = s.find(id)
	return c, s.push(ctx)
}

// EditCollection applies in to the collection with id. The id itself never
// changes.
func (s *Session) EditCollection(ctx context.Context, id string, in collections.Input) (collections.Collection, error) {
	ws, ok := s.store.Workspace()
	if !ok {
		return collections.Collection{}, ErrNoWorkspace
	}
	if _, found := ws.Find(id); !found {
		return collections.Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, id)
	}
	if _, err := collections.ValidateInput(in, ws.Collections, id); err != nil {
		return collections.Collection{}, err
	}
	in = in.Normalize()
	s.store.UpdateCollection(ctx, id, collections.CollectionPatch{
		Name:       &in.Name,
		PostsPath:  &in.PostsPath,
		ImagesPath: &in.ImagesPath,
		Template:   in.Template,
	})
	c, _ := s.find(id)
	return c, s.push(ctx)
}

func (s *Session) RemoveCollection(ctx context.Context, id string) error {
	if _, ok := s.store.Workspace(); !ok {
		return ErrNoWorkspace
	}
	if !s.store.RemoveCollection(ctx, id) {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, id)
	}
	return s.push(ctx)
}

// SelectCollection makes id active. Unlike the store it rejects ids that
// do not exist.
func (s *Session) SelectCollection(ctx context.Context, id string) error {
	if _, ok := s.store.Workspace(); !ok {
		return ErrNoWorkspace
	}
	if _, ok := s.find(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, id)
	}
	s.store.SetActiveCollection(ctx, id)
	return s.push(ctx)
}

// SaveSettings validates and caches app, merges it into the workspace and,
// when the artifact already exists, writes it back.
func (s *Session) SaveSettings(ctx context.Context, app settings.AppSettings) error {
	if err := settings.Validate(app); err != nil {
		return err
	}
	if err := settings.Save(ctx, s.kv, s.repoID, app); err != nil {
		return err
	}
	s.store.UpdateSettings(ctx, app.Patch())
	exists, err := s.reconciler.Exists(ctx)
	if err != nil {
		s.logf("check %s failed: %v", s.reconciler.Path(), err)
		return nil
	}
	if !exists {
		return nil
	}
	return s.push(ctx)
}

// FinishSetup completes first-run setup from app. A workspace without
// collections gets a default collection built from the chosen paths and the
// template suggested during bootstrap.
func (s *Session) FinishSetup(ctx context.Context, app settings.AppSettings) error {
	if !settings.IsSetupComplete(app) {
		return ErrNotReady
	}
	if err := settings.Validate(app); err != nil {
		return err
	}
	ws, ok := s.store.Workspace()
	if !ok {
		return ErrNoWorkspace
	}
	if err := settings.Save(ctx, s.kv, s.repoID, app); err != nil {
		return err
	}
	s.store.UpdateSettings(ctx, app.Patch())
	if len(ws.Collections) == 0 {
		s.mu.Lock()
		var tmpl *collections.Template
		if s.suggestions != nil {
			tmpl = s.suggestions.Template
		}
		s.mu.Unlock()
		s.store.AddCollection(ctx, collections.NewCollection(defaultCollectionID, defaultCollectionName, app.PostsPath, app.ImagesPath, tmpl, s.now().UTC()))
	}
	s.mu.Lock()
	s.setupComplete = true
	s.mu.Unlock()
	return s.push(ctx)
}

// DeleteConfig removes the remote artifact, the per-repo cache keys and the
// resident workspace, leaving an empty workspace for the repository.
func (s *Session) DeleteConfig(ctx context.Context) error {
	deleted, err := s.reconciler.Delete(ctx)
	if err != nil {
		return err
	}
	if deleted {
		s.tracker.MarkWrite(s.now())
	}
	if err := settings.RemoveRepoKeys(ctx, s.kv, s.repoID); err != nil {
		return err
	}
	s.store.Clear(ctx)
	s.store.InitWorkspace(ctx, s.repoID)
	s.mu.Lock()
	s.setupComplete = false
	s.suggestions = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) ExportSettings(ctx context.Context, format settings.Format) ([]byte, error) {
	return settings.Export(ctx, s.kv, s.repoID, format)
}

// ImportSettings writes imported values to the cache and merges them into
// the workspace. Nothing is written when any value is invalid.
func (s *Session) ImportSettings(ctx context.Context, data []byte, format settings.Format) ([]string, error) {
	written, err := settings.Import(ctx, s.kv, s.repoID, data, format)
	if err != nil {
		return written, err
	}
	app, err := s.Settings(ctx)
	if err != nil {
		return written, err
	}
	s.store.UpdateSettings(ctx, app.Patch())
	return written, nil
}

func (s *Session) push(ctx context.Context) error {
	ws, ok := s.store.Workspace()
	if !ok {
		return ErrNoWorkspace
	}
	if _, err := s.reconciler.Push(ctx, ws); err != nil {
		s.logf("save workspace %s failed: %v", s.repoID, err)
		return err
	}
	s.tracker.MarkWrite(s.now())
	return nil
}

func (s *Session) find(id string) (collections.Collection, bool) {
	ws, ok := s.store.Workspace()
	if !ok {
		return collections.Collection{}, false
	}
	return ws.Find(id)
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
