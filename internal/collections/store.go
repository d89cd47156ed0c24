package collections

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pageel/pageel/internal/cache"
)

// CacheKey is the cache entry holding the persisted workspace.
const CacheKey = "pageel-collections"

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	Logger Logger
	Now    func() time.Time
}

// Store owns the single resident workspace. Reads return deep copies and
// every mutation is written through to the cache before the call returns.
// Mutations never fail; cache write errors are logged.
type Store struct {
	mu        sync.RWMutex
	kv        cache.KV
	logger    Logger
	now       func() time.Time
	workspace *Workspace
}

type persistedEnvelope struct {
	State struct {
		Workspace *Workspace `json:"workspace"`
	} `json:"state"`
	Version int `json:"version"`
}

// NewStore builds a store backed by kv and hydrates it from the last
// persisted workspace, if any.
func NewStore(ctx context.Context, kv cache.KV, opts StoreOptions) *Store {
	if kv == nil {
		kv = cache.NewMemoryKV()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{kv: kv, logger: opts.Logger, now: now}
	s.Reload(ctx)
	return s
}

// Reload replaces the resident workspace with the cached copy. A missing or
// unreadable entry leaves the store empty.
func (s *Store) Reload(ctx context.Context) {
	raw, ok, err := s.kv.Get(ctx, CacheKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspace = nil
	if err != nil {
		s.logf("read cached workspace failed: %v", err)
		return
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	var env persistedEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logf("cached workspace is corrupt, starting empty: %v", err)
		return
	}
	if env.State.Workspace != nil {
		ws := env.State.Workspace.Clone()
		s.workspace = &ws
	}
}

// InitWorkspace makes repoID the resident workspace. Re-initialising the
// resident repository keeps its state.
func (s *Store) InitWorkspace(ctx context.Context, repoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workspace != nil && s.workspace.RepoID == repoID {
		return
	}
	now := s.now().UTC()
	s.workspace = &Workspace{
		RepoID:      repoID,
		Collections: []Collection{},
		Settings:    DefaultSettings(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.persistLocked(ctx)
}

// Workspace returns a copy of the resident workspace.
func (s *Store) Workspace() (Workspace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.workspace == nil {
		return Workspace{}, false
	}
	return s.workspace.Clone(), true
}

// ActiveCollection returns the active collection. A dangling active id
// reports false.
func (s *Store) ActiveCollection() (Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.workspace == nil || s.workspace.ActiveCollectionID == "" {
		return Collection{}, false
	}
	c, ok := s.workspace.Find(s.workspace.ActiveCollectionID)
	if !ok {
		return Collection{}, false
	}
	return c.Clone(), true
}

// SetActiveCollection records id as active without checking that it exists.
func (s *Store) SetActiveCollection(ctx context.Context, id string) {
	s.mutate(ctx, func(w *Workspace, now time.Time) bool {
		w.ActiveCollectionID = id
		w.UpdatedAt = now
		return true
	})
}

// AddCollection appends c unless its id is already present. The first
// collection added to a workspace without an active one becomes active.
func (s *Store) AddCollection(ctx context.Context, c Collection) bool {
	return s.mutate(ctx, func(w *Workspace, now time.Time) bool {
		if _, exists := w.Find(c.ID); exists {
			return false
		}
		c = c.Clone()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = c.CreatedAt
		}
		w.Collections = append(w.Collections, c)
		if w.ActiveCollectionID == "" {
			w.ActiveCollectionID = c.ID
		}
		w.UpdatedAt = now
		return true
	})
}

func (s *Store) UpdateCollection(ctx context.Context, id string, patch CollectionPatch) bool {
	return s.mutate(ctx, func(w *Workspace, now time.Time) bool {
		for i, c := range w.Collections {
			if c.ID != id {
				continue
			}
			next := patch.apply(c)
			next.UpdatedAt = now
			w.Collections[i] = next
			w.UpdatedAt = now
			return true
		}
		return false
	})
}

// RemoveCollection deletes the collection with id. Removing the active
// collection activates the first remaining one, or none.
func (s *Store) RemoveCollection(ctx context.Context, id string) bool {
	return s.mutate(ctx, func(w *Workspace, now time.Time) bool {
		idx := -1
		for i, c := range w.Collections {
			if c.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
		w.Collections = append(w.Collections[:idx], w.Collections[idx+1:]...)
		if w.ActiveCollectionID == id {
			w.ActiveCollectionID = ""
			if len(w.Collections) > 0 {
				w.ActiveCollectionID = w.Collections[0].ID
			}
		}
		w.UpdatedAt = now
		return true
	})
}

// UpdateSettings merges patch into the workspace settings.
func (s *Store) UpdateSettings(ctx context.Context, patch SettingsPatch) {
	s.mutate(ctx, func(w *Workspace, now time.Time) bool {
		w.Settings = patch.Apply(w.Settings)
		w.UpdatedAt = now
		return true
	})
}

// Clear drops the resident workspace and its cache entry.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspace = nil
	if err := s.kv.Remove(ctx, CacheKey); err != nil {
		s.logf("remove cached workspace failed: %v", err)
	}
}

func (s *Store) mutate(ctx context.Context, fn func(w *Workspace, now time.Time) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workspace == nil {
		return false
	}
	next := s.workspace.Clone()
	if !fn(&next, s.now().UTC()) {
		return false
	}
	s.workspace = &next
	s.persistLocked(ctx)
	return true
}

func (s *Store) persistLocked(ctx context.Context) {
	var env persistedEnvelope
	env.State.Workspace = s.workspace
	data, err := json.Marshal(env)
	if err != nil {
		s.logf("encode workspace failed: %v", err)
		return
	}
	if err := s.kv.Set(ctx, CacheKey, string(data)); err != nil {
		s.logf("persist workspace failed: %v", err)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
