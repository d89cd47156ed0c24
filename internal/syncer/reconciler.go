// Package syncer pushes workspace state to the remote configuration
// artifact and tracks when the remote has caught up with local writes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pageel/pageel/internal/collections"
	"github.com/pageel/pageel/internal/pageelrc"
	"github.com/pageel/pageel/internal/remote"
)

const (
	MessageUpdate = "chore: update pageel config"
	MessageCreate = "chore: create pageel config"
	MessageDelete = "chore: delete pageel-core config"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ReconcilerOptions struct {
	// Path overrides the artifact location; defaults to pageelrc.FileName.
	Path   string
	Logger Logger
	Now    func() time.Time
}

// Reconciler reads and writes the configuration artifact under optimistic
// concurrency. Every write first fetches the current version token.
type Reconciler struct {
	repo   remote.Repository
	path   string
	logger Logger
	now    func() time.Time
}

func NewReconciler(repo remote.Repository, opts ReconcilerOptions) *Reconciler {
	path := opts.Path
	if path == "" {
		path = pageelrc.FileName
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{repo: repo, path: path, logger: opts.Logger, now: now}
}

func (r *Reconciler) Path() string {
	return r.path
}

// Push encodes ws and writes it, updating when the artifact exists and
// creating it otherwise. A stale token surfaces as a *remote.ConflictError.
func (r *Reconciler) Push(ctx context.Context, ws collections.Workspace) (string, error) {
	data, err := pageelrc.Marshal(pageelrc.Encode(ws))
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", r.path, err)
	}
	token, err := r.repo.VersionToken(ctx, r.path)
	switch {
	case err == nil:
		newToken, err := r.repo.WriteFile(ctx, r.path, string(data), MessageUpdate, token)
		if err != nil {
			return "", fmt.Errorf("update %s: %w", r.path, err)
		}
		return newToken, nil
	case errors.Is(err, remote.ErrNotFound):
		newToken, err := r.repo.WriteFile(ctx, r.path, string(data), MessageCreate, "")
		if err != nil {
			return "", fmt.Errorf("create %s: %w", r.path, err)
		}
		return newToken, nil
	default:
		return "", fmt.Errorf("fetch version token for %s: %w", r.path, err)
	}
}

// Save is Push with failures logged and reported as false.
func (r *Reconciler) Save(ctx context.Context, ws collections.Workspace) bool {
	if _, err := r.Push(ctx, ws); err != nil {
		r.logf("save workspace %s failed: %v", ws.RepoID, err)
		return false
	}
	return true
}

// Load fetches and decodes the artifact. A missing file or any read failure
// yields NotFound; the read error is logged.
func (r *Reconciler) Load(ctx context.Context) pageelrc.Result {
	file, err := r.repo.ReadFile(ctx, r.path)
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			r.logf("read %s failed: %v", r.path, err)
		}
		return pageelrc.Result{Status: pageelrc.NotFound}
	}
	result := pageelrc.DecodeAt([]byte(file.Content), r.now())
	if result.Status == pageelrc.Malformed {
		r.logf("ignoring malformed %s: %s", r.path, result.Detail)
	}
	if len(result.Dropped) > 0 {
		r.logf("ignoring invalid values in %s: %s", r.path, strings.Join(result.Dropped, ", "))
	}
	return result
}

// ReadRaw returns the artifact bytes without decoding.
func (r *Reconciler) ReadRaw(ctx context.Context) ([]byte, error) {
	file, err := r.repo.ReadFile(ctx, r.path)
	if err != nil {
		return nil, err
	}
	return []byte(file.Content), nil
}

// Exists reports whether the artifact is present on the remote.
func (r *Reconciler) Exists(ctx context.Context) (bool, error) {
	_, err := r.repo.VersionToken(ctx, r.path)
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the artifact using its current token. It reports false
// without error when there was nothing to delete.
func (r *Reconciler) Delete(ctx context.Context) (bool, error) {
	token, err := r.repo.VersionToken(ctx, r.path)
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch version token for %s: %w", r.path, err)
	}
	if err := r.repo.DeleteFile(ctx, r.path, token, MessageDelete); err != nil {
		return false, fmt.Errorf("delete %s: %w", r.path, err)
	}
	return true, nil
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
