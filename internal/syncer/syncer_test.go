package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pageel/pageel/internal/collections"
	"github.com/pageel/pageel/internal/pageelrc"
	"github.com/pageel/pageel/internal/remote"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func testWorkspace() collections.Workspace {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return collections.Workspace{
		RepoID: "acme/blog",
		Collections: []collections.Collection{
			collections.NewCollection("blog", "Blog", "src/content/blog", "public/images", nil, now),
		},
		ActiveCollectionID: "blog",
		Settings:           collections.DefaultSettings(),
	}
}

func TestReconcilerCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	repo := remote.NewMemoryRepository()
	r := NewReconciler(repo, ReconcilerOptions{})

	if !r.Save(ctx, testWorkspace()) {
		t.Fatalf("expected create to succeed")
	}
	if got := repo.LastMessage(pageelrc.FileName); got != MessageCreate {
		t.Fatalf("expected create message, got %q", got)
	}

	ws := testWorkspace()
	ws.Settings.DomainURL = "https://blog.example.com"
	if !r.Save(ctx, ws) {
		t.Fatalf("expected update to succeed")
	}
	if got := repo.LastMessage(pageelrc.FileName); got != MessageUpdate {
		t.Fatalf("expected update message, got %q", got)
	}

	result := r.Load(ctx)
	if !result.Found() {
		t.Fatalf("expected found, got %s", result.Status)
	}
	if len(result.Config.Collections) != 1 || result.Config.Collections[0].ID != "blog" {
		t.Fatalf("unexpected collections: %+v", result.Config.Collections)
	}
	if result.Config.Settings.DomainURL == nil || *result.Config.Settings.DomainURL != "https://blog.example.com" {
		t.Fatalf("expected domain to round trip, got %+v", result.Config.Settings.DomainURL)
	}
}

type staleTokenRepo struct {
	*remote.MemoryRepository
}

func (s staleTokenRepo) VersionToken(ctx context.Context, path string) (string, error) {
	if _, err := s.MemoryRepository.VersionToken(ctx, path); err != nil {
		return "", err
	}
	return "rev_stale", nil
}

func TestReconcilerSurfacesConflict(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemoryRepository()
	original := mem.Seed(pageelrc.FileName, `{"version":2,"collections":[]}`)
	logger := &captureLogger{}
	r := NewReconciler(staleTokenRepo{mem}, ReconcilerOptions{Logger: logger})

	_, err := r.Push(ctx, testWorkspace())
	if !errors.Is(err, remote.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *remote.ConflictError
	if !errors.As(err, &conflict) || conflict.CurrentToken != original {
		t.Fatalf("expected conflict error carrying current token, got %#v", err)
	}
	file, err := mem.ReadFile(ctx, pageelrc.FileName)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if file.Token != original || file.Content != `{"version":2,"collections":[]}` {
		t.Fatalf("remote artifact changed after conflict: %+v", file)
	}

	if r.Save(ctx, testWorkspace()) {
		t.Fatalf("expected save to report failure")
	}
	if !logger.contains("save workspace acme/blog failed") {
		t.Fatalf("expected failure to be logged, got %v", logger.lines)
	}
}

func TestReconcilerLoadOutcomes(t *testing.T) {
	ctx := context.Background()
	repo := remote.NewMemoryRepository()
	logger := &captureLogger{}
	r := NewReconciler(repo, ReconcilerOptions{Logger: logger})

	if got := r.Load(ctx).Status; got != pageelrc.NotFound {
		t.Fatalf("expected not found on empty repo, got %s", got)
	}

	repo.Seed(pageelrc.FileName, "{not json")
	if got := r.Load(ctx).Status; got != pageelrc.Malformed {
		t.Fatalf("expected malformed, got %s", got)
	}
	if !logger.contains("ignoring malformed") {
		t.Fatalf("expected malformed artifact to be logged")
	}
}

func TestReconcilerDelete(t *testing.T) {
	ctx := context.Background()
	repo := remote.NewMemoryRepository()
	r := NewReconciler(repo, ReconcilerOptions{})

	deleted, err := r.Delete(ctx)
	if err != nil || deleted {
		t.Fatalf("expected no-op delete, got %v %v", deleted, err)
	}
	if !r.Save(ctx, testWorkspace()) {
		t.Fatalf("save failed")
	}
	exists, err := r.Exists(ctx)
	if err != nil || !exists {
		t.Fatalf("expected artifact to exist: %v %v", exists, err)
	}
	deleted, err = r.Delete(ctx)
	if err != nil || !deleted {
		t.Fatalf("expected delete, got %v %v", deleted, err)
	}
	if got := repo.LastMessage(pageelrc.FileName); got != MessageDelete {
		t.Fatalf("expected delete message, got %q", got)
	}
	if exists, _ := r.Exists(ctx); exists {
		t.Fatalf("expected artifact to be gone")
	}
}

type fakePushSource struct {
	mu    sync.Mutex
	at    time.Time
	err   error
	calls int
}

func (f *fakePushSource) PushTimestamp(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.at, f.err
}

func (f *fakePushSource) set(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = at
}

func waitForState(t *testing.T, ch <-chan Status, want State) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case status, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed before reaching %s", want)
			}
			if status.State == want {
				return status
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestTrackerConfirmsWithinTolerance(t *testing.T) {
	write := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	source := &fakePushSource{at: write.Add(-time.Minute)}
	tracker := NewTracker(source, TrackerOptions{Interval: 2 * time.Millisecond, Tolerance: 10 * time.Second, MaxAttempts: -1})
	defer tracker.Close()

	ch, cancel := tracker.Subscribe()
	defer cancel()
	if status := <-ch; !status.Synced() {
		t.Fatalf("expected initial synced status, got %+v", status)
	}

	tracker.MarkWrite(write)
	waitForState(t, ch, Pending)
	if tracker.Status().Synced() {
		t.Fatalf("expected dirty state while remote lags")
	}

	// Push recorded slightly before the local write time, within tolerance.
	source.set(write.Add(-5 * time.Second))
	status := waitForState(t, ch, Synced)
	if !status.LastPush.Equal(write.Add(-5*time.Second)) || !status.LastWrite.Equal(write) {
		t.Fatalf("unexpected synced status: %+v", status)
	}
}

func TestTrackerGivesUpAfterMaxAttempts(t *testing.T) {
	source := &fakePushSource{err: errors.New("rate limited")}
	logger := &captureLogger{}
	tracker := NewTracker(source, TrackerOptions{Interval: time.Millisecond, MaxAttempts: 3, Logger: logger})
	defer tracker.Close()

	ch, cancel := tracker.Subscribe()
	defer cancel()
	tracker.MarkWrite(time.Now())
	status := waitForState(t, ch, Unconfirmed)
	if status.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", status.Attempts)
	}
	if !logger.contains("rate limited") {
		t.Fatalf("expected poll errors to be logged")
	}
}

func TestTrackerLatestWriteWins(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	source := &fakePushSource{at: first}
	tracker := NewTracker(source, TrackerOptions{Interval: 50 * time.Millisecond, Tolerance: time.Second, MaxAttempts: -1})
	defer tracker.Close()

	tracker.MarkWrite(first)
	tracker.MarkWrite(second)

	time.Sleep(150 * time.Millisecond)
	status := tracker.Status()
	if status.Synced() || !status.LastWrite.Equal(second) {
		t.Fatalf("expected the superseding write to stay pending, got %+v", status)
	}
}

func TestTrackerCloseStopsPolling(t *testing.T) {
	source := &fakePushSource{}
	tracker := NewTracker(source, TrackerOptions{Interval: time.Millisecond, MaxAttempts: -1})
	ch, _ := tracker.Subscribe()
	tracker.MarkWrite(time.Now())
	tracker.Close()

	source.mu.Lock()
	calls := source.calls
	source.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	source.mu.Lock()
	defer source.mu.Unlock()
	if source.calls != calls {
		t.Fatalf("expected no polls after close, got %d more", source.calls-calls)
	}
	for range ch {
	}
	if tracker.Status().State != Pending {
		t.Fatalf("expected pending state to survive close")
	}
	tracker.MarkWrite(time.Now())
}

func TestJitteredInterval(t *testing.T) {
	base := 3 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("expected no jitter, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.5, 0); got != 1500*time.Millisecond {
		t.Fatalf("expected lower bound, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 2, 1); got != 6*time.Second {
		t.Fatalf("expected ratio clamp to 1, got %s", got)
	}
}
