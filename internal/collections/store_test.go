package collections

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pageel/pageel/internal/cache"
)

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *cache.MemoryKV, *fixedClock) {
	t.Helper()
	kv := cache.NewMemoryKV()
	clock := &fixedClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(context.Background(), kv, StoreOptions{Now: clock.Now}), kv, clock
}

func blog(now time.Time) Collection {
	return NewCollection("blog", "Blog", "src/content/blog", "public/images", nil, now)
}

func TestStoreInitWorkspaceKeepsSameRepo(t *testing.T) {
	ctx := context.Background()
	store, _, clock := newTestStore(t)

	store.InitWorkspace(ctx, "octo/blog")
	store.AddCollection(ctx, blog(clock.Now()))
	store.InitWorkspace(ctx, "octo/blog")

	ws, ok := store.Workspace()
	if !ok {
		t.Fatalf("expected resident workspace")
	}
	if len(ws.Collections) != 1 {
		t.Fatalf("expected re-init to keep collections, got %d", len(ws.Collections))
	}

	store.InitWorkspace(ctx, "octo/docs")
	ws, _ = store.Workspace()
	if ws.RepoID != "octo/docs" || len(ws.Collections) != 0 || ws.ActiveCollectionID != "" {
		t.Fatalf("expected fresh workspace for a new repo, got %+v", ws)
	}
	if ws.Settings != DefaultSettings() {
		t.Fatalf("expected default settings, got %+v", ws.Settings)
	}
}

func TestStoreAddCollectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _, clock := newTestStore(t)
	store.InitWorkspace(ctx, "octo/blog")

	if !store.AddCollection(ctx, blog(clock.Now())) {
		t.Fatalf("expected first add to apply")
	}
	if store.AddCollection(ctx, blog(clock.Now())) {
		t.Fatalf("expected duplicate add to be ignored")
	}
	ws, _ := store.Workspace()
	if len(ws.Collections) != 1 {
		t.Fatalf("expected one collection, got %d", len(ws.Collections))
	}
	if ws.ActiveCollectionID != "blog" {
		t.Fatalf("expected first collection to become active, got %q", ws.ActiveCollectionID)
	}

	store.AddCollection(ctx, NewCollection("docs", "Docs", "docs", "docs/img", nil, clock.Now()))
	ws, _ = store.Workspace()
	if ws.ActiveCollectionID != "blog" {
		t.Fatalf("expected active collection to stay blog, got %q", ws.ActiveCollectionID)
	}
}

func TestStoreRemoveActiveCollectionReassigns(t *testing.T) {
	ctx := context.Background()
	store, _, clock := newTestStore(t)
	store.InitWorkspace(ctx, "octo/blog")
	store.AddCollection(ctx, blog(clock.Now()))
	store.AddCollection(ctx, NewCollection("docs", "Docs", "docs", "docs/img", nil, clock.Now()))
	store.AddCollection(ctx, NewCollection("notes", "Notes", "notes", "notes/img", nil, clock.Now()))
	store.SetActiveCollection(ctx, "docs")

	store.RemoveCollection(ctx, "docs")
	ws, _ := store.Workspace()
	if ws.ActiveCollectionID != "blog" {
		t.Fatalf("expected first remaining collection to become active, got %q", ws.ActiveCollectionID)
	}

	store.RemoveCollection(ctx, "notes")
	ws, _ = store.Workspace()
	if ws.ActiveCollectionID != "blog" {
		t.Fatalf("removing an inactive collection must not change the active one, got %q", ws.ActiveCollectionID)
	}

	store.RemoveCollection(ctx, "blog")
	ws, _ = store.Workspace()
	if ws.ActiveCollectionID != "" || len(ws.Collections) != 0 {
		t.Fatalf("expected empty workspace with no active collection, got %+v", ws)
	}
	if store.RemoveCollection(ctx, "blog") {
		t.Fatalf("expected removing a missing collection to report false")
	}
}

func TestStoreActiveCollectionDanglingReference(t *testing.T) {
	ctx := context.Background()
	store, _, clock := newTestStore(t)
	if _, ok := store.ActiveCollection(); ok {
		t.Fatalf("expected no active collection without a workspace")
	}
	store.SetActiveCollection(ctx, "ghost")
	if _, ok := store.Workspace(); ok {
		t.Fatalf("set active without a workspace must not create one")
	}

	store.InitWorkspace(ctx, "octo/blog")
	store.AddCollection(ctx, blog(clock.Now()))
	store.SetActiveCollection(ctx, "ghost")
	ws, _ := store.Workspace()
	if ws.ActiveCollectionID != "ghost" {
		t.Fatalf("expected active id to be set without existence check")
	}
	if _, ok := store.ActiveCollection(); ok {
		t.Fatalf("expected dangling active id to resolve to nothing")
	}
	store.SetActiveCollection(ctx, "blog")
	active, ok := store.ActiveCollection()
	if !ok || active.ID != "blog" {
		t.Fatalf("expected blog active, got %+v", active)
	}
}

func TestStoreUpdateCollectionBumpsTimestamps(t *testing.T) {
	ctx := context.Background()
	store, _, clock := newTestStore(t)
	store.InitWorkspace(ctx, "octo/blog")
	created := clock.Now()
	store.AddCollection(ctx, blog(created))

	clock.Advance(time.Minute)
	name := "Engineering Blog"
	tmpl := &Template{Fields: []TemplateField{{Name: "title", Type: FieldString, Required: true}}}
	if !store.UpdateCollection(ctx, "blog", CollectionPatch{Name: &name, Template: tmpl}) {
		t.Fatalf("expected update to apply")
	}
	tmpl.Fields[0].Name = "mutated"

	ws, _ := store.Workspace()
	c := ws.Collections[0]
	if c.ID != "blog" || c.Name != name || c.PostsPath != "src/content/blog" {
		t.Fatalf("unexpected collection after update: %+v", c)
	}
	if c.Template == nil || c.Template.Fields[0].Name != "title" {
		t.Fatalf("expected stored template to be isolated from caller, got %+v", c.Template)
	}
	if !c.CreatedAt.Equal(created) || !c.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected timestamps created=%s updated=%s", c.CreatedAt, c.UpdatedAt)
	}
	if !ws.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("expected workspace updatedAt bumped, got %s", ws.UpdatedAt)
	}
	if store.UpdateCollection(ctx, "missing", CollectionPatch{Name: &name}) {
		t.Fatalf("expected update of missing collection to be a no-op")
	}
}

func TestStoreUpdateSettingsMerges(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	store.InitWorkspace(ctx, "octo/blog")

	domain := "https://example.dev"
	size := 800.0
	store.UpdateSettings(ctx, SettingsPatch{DomainURL: &domain, MaxImageSize: &size})
	ws, _ := store.Workspace()
	if ws.Settings.DomainURL != domain || ws.Settings.MaxImageSize != 800 {
		t.Fatalf("expected patch applied, got %+v", ws.Settings)
	}
	if ws.Settings.ProjectType != DefaultSettings().ProjectType {
		t.Fatalf("expected untouched fields to keep defaults")
	}
}

func TestStorePersistsAndHydrates(t *testing.T) {
	ctx := context.Background()
	store, kv, clock := newTestStore(t)
	store.InitWorkspace(ctx, "octo/blog")
	store.AddCollection(ctx, blog(clock.Now()))

	raw, ok, err := kv.Get(ctx, CacheKey)
	if err != nil || !ok {
		t.Fatalf("expected persisted workspace, ok=%v err=%v", ok, err)
	}
	var env struct {
		State struct {
			Workspace struct {
				RepoID string `json:"repoId"`
			} `json:"workspace"`
		} `json:"state"`
		Version int `json:"version"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.State.Workspace.RepoID != "octo/blog" {
		t.Fatalf("unexpected persisted envelope %s", raw)
	}

	restored := NewStore(ctx, kv, StoreOptions{})
	ws, ok := restored.Workspace()
	if !ok || len(ws.Collections) != 1 || ws.Collections[0].ID != "blog" {
		t.Fatalf("expected hydrated workspace, got %+v", ws)
	}

	restored.Clear(ctx)
	if _, ok := restored.Workspace(); ok {
		t.Fatalf("expected cleared store")
	}
	if _, ok, _ := kv.Get(ctx, CacheKey); ok {
		t.Fatalf("expected cache entry removed on clear")
	}
}

type recordingLogger struct {
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, format)
}

func TestStoreIgnoresCorruptCache(t *testing.T) {
	ctx := context.Background()
	kv := cache.NewMemoryKV()
	_ = kv.Set(ctx, CacheKey, "{broken")
	logger := &recordingLogger{}
	store := NewStore(ctx, kv, StoreOptions{Logger: logger})
	if _, ok := store.Workspace(); ok {
		t.Fatalf("expected empty store for corrupt cache")
	}
	if len(logger.lines) != 1 || !strings.Contains(logger.lines[0], "corrupt") {
		t.Fatalf("expected corrupt cache to be logged, got %v", logger.lines)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store, _, clock := newTestStore(t)
	store.InitWorkspace(ctx, "octo/blog")
	store.AddCollection(ctx, blog(clock.Now()))

	ws, _ := store.Workspace()
	ws.Collections[0].Name = "changed"
	again, _ := store.Workspace()
	if again.Collections[0].Name != "Blog" {
		t.Fatalf("expected reads to be isolated from caller mutation")
	}
}
