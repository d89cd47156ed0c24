package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestGitRepositoryCommitsConditionalWrites(t *testing.T) {
	ctx := context.Background()
	commitTime := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	repo, err := OpenGitRepository(t.TempDir(), GitOptions{Now: func() time.Time { return commitTime }})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := repo.ReadFile(ctx, ".pageelrc.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on empty repository, got %v", err)
	}
	if _, err := repo.PushTimestamp(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found push timestamp before first commit, got %v", err)
	}

	token, err := repo.WriteFile(ctx, ".pageelrc.json", `{"version":2}`, "chore: create pageel config", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	file, err := repo.ReadFile(ctx, ".pageelrc.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if file.Content != `{"version":2}` || file.Token != token {
		t.Fatalf("unexpected file %+v (token %s)", file, token)
	}
	pushedAt, err := repo.PushTimestamp(ctx)
	if err != nil {
		t.Fatalf("push timestamp: %v", err)
	}
	if !pushedAt.Equal(commitTime) {
		t.Fatalf("expected commit time %s, got %s", commitTime, pushedAt)
	}

	if _, err := repo.WriteFile(ctx, ".pageelrc.json", "{}", "chore: update pageel config", "deadbeef"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale token, got %v", err)
	}
	if _, err := repo.WriteFile(ctx, ".pageelrc.json", "{}", "chore: create pageel config", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict creating existing file, got %v", err)
	}

	next, err := repo.WriteFile(ctx, ".pageelrc.json", `{"version":2,"collections":[]}`, "chore: update pageel config", token)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next == token {
		t.Fatalf("expected new blob hash")
	}

	if err := repo.DeleteFile(ctx, ".pageelrc.json", next, "chore: delete pageel-core config"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.ReadFile(ctx, ".pageelrc.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestGitRepositoryListAndScan(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenGitRepository(t.TempDir(), GitOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for path, content := range map[string]string{
		"src/content/blog/a.md":   "# a",
		"public/images/cover.png": "png",
		"CNAME":                   "blog.example.org",
	} {
		if _, err := repo.WriteFile(ctx, path, content, "seed "+path, ""); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}

	entries, err := repo.ListFiles(ctx, "src/content")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || !entries[0].Dir || entries[0].Path != "src/content/blog" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if _, err := repo.ListFiles(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	dirs, err := repo.ScanContentDirectories(ctx)
	if err != nil || len(dirs) != 1 || dirs[0] != "src/content/blog" {
		t.Fatalf("unexpected content dirs %v (%v)", dirs, err)
	}
	url, err := repo.FindProductionURL(ctx)
	if err != nil || url != "https://blog.example.org" {
		t.Fatalf("unexpected url %q (%v)", url, err)
	}
}

func TestGitRepositoryUnchangedWriteKeepsToken(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenGitRepository(t.TempDir(), GitOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	token, err := repo.WriteFile(ctx, ".pageelrc.json", `{"version":2}`, "chore: create pageel config", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := repo.WriteFile(ctx, ".pageelrc.json", `{"version":2}`, "chore: update pageel config", token)
	if err != nil {
		t.Fatalf("rewrite with identical content: %v", err)
	}
	if again != token {
		t.Fatalf("expected token %s to be kept, got %s", token, again)
	}
	if _, err := repo.WriteFile(ctx, ".pageelrc.json", `{"version":2}`, "chore: update pageel config", "deadbeef"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected stale token to conflict even for identical content, got %v", err)
	}

	iter, err := repo.repo.Log(&git.LogOptions{})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	commits := 0
	_ = iter.ForEach(func(*object.Commit) error {
		commits++
		return nil
	})
	if commits != 1 {
		t.Fatalf("expected a single commit, got %d", commits)
	}

	wt, err := repo.repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	status, err := wt.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsClean() {
		t.Fatalf("expected clean worktree, got %s", status)
	}
}
