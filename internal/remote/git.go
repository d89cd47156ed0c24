package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitRepository serves a local git working copy as a Repository. Blob
// hashes at HEAD are the version tokens, each write is one commit, and the
// HEAD commit time stands in for the push timestamp.
type GitRepository struct {
	mu         sync.Mutex
	root       string
	repo       *git.Repository
	author     object.Signature
	remoteName string
	pushToken  string
	now        func() time.Time
}

type GitOptions struct {
	AuthorName  string
	AuthorEmail string
	// RemoteName, when set, receives a push after every commit.
	RemoteName string
	// PushToken authenticates pushes over HTTPS.
	PushToken string
	Now       func() time.Time
}

// OpenGitRepository opens the working copy at root, initialising an empty
// repository when none exists.
func OpenGitRepository(root string, opts GitOptions) (*GitRepository, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("git repository root is required")
	}
	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(root, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", root, err)
	}
	name := strings.TrimSpace(opts.AuthorName)
	if name == "" {
		name = "pageel"
	}
	email := strings.TrimSpace(opts.AuthorEmail)
	if email == "" {
		email = "pageel@localhost"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GitRepository{
		root:       root,
		repo:       repo,
		author:     object.Signature{Name: name, Email: email},
		remoteName: strings.TrimSpace(opts.RemoteName),
		pushToken:  strings.TrimSpace(opts.PushToken),
		now:        now,
	}, nil
}

func (g *GitRepository) ReadFile(ctx context.Context, path string) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	path = normalizePath(path)
	file, err := g.headFileLocked(path)
	if err != nil {
		return File{}, err
	}
	content, err := file.Contents()
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return File{Path: path, Content: content, Token: file.Hash.String()}, nil
}

func (g *GitRepository) WriteFile(ctx context.Context, path, content, message, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path = normalizePath(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.currentTokenLocked(path)
	if err != nil {
		return "", err
	}
	switch {
	case current == "" && token != "":
		return "", &ConflictError{Path: path, ExpectedToken: token}
	case current != "" && token != current:
		return "", &ConflictError{Path: path, ExpectedToken: token, CurrentToken: current}
	}

	next := plumbing.ComputeHash(plumbing.BlobObject, []byte(content)).String()
	if next == current {
		return current, nil
	}

	var previous []byte
	if current != "" {
		file, err := g.headFileLocked(path)
		if err != nil {
			return "", err
		}
		old, err := file.Contents()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		previous = []byte(old)
	}

	fullPath := filepath.Join(g.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return "", err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return "", err
	}
	if _, err := wt.Add(path); err != nil {
		g.restoreLocked(wt, path, fullPath, current != "", previous)
		return "", fmt.Errorf("stage %s: %w", path, err)
	}
	if err := g.commitLocked(wt, message); err != nil {
		g.restoreLocked(wt, path, fullPath, current != "", previous)
		return "", err
	}
	if err := g.pushLocked(ctx); err != nil {
		return "", err
	}
	return next, nil
}

// restoreLocked puts path back to its HEAD state after a failed write.
func (g *GitRepository) restoreLocked(wt *git.Worktree, path, fullPath string, existed bool, previous []byte) {
	if !existed {
		if _, err := wt.Remove(path); err != nil {
			_ = os.Remove(fullPath)
		}
		return
	}
	if err := os.WriteFile(fullPath, previous, 0o644); err != nil {
		return
	}
	_, _ = wt.Add(path)
}

func (g *GitRepository) DeleteFile(ctx context.Context, path, token, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = normalizePath(path)
	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.currentTokenLocked(path)
	if err != nil {
		return err
	}
	if current == "" {
		return ErrNotFound
	}
	if token != current {
		return &ConflictError{Path: path, ExpectedToken: token, CurrentToken: current}
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	if _, err := wt.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := g.commitLocked(wt, message); err != nil {
		return err
	}
	return g.pushLocked(ctx)
}

func (g *GitRepository) VersionToken(ctx context.Context, path string) (string, error) {
	file, err := g.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return file.Token, nil
}

func (g *GitRepository) PushTimestamp(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	commit, err := g.headCommitLocked()
	if err != nil {
		return time.Time{}, err
	}
	return commit.Committer.When.UTC(), nil
}

func (g *GitRepository) ListFiles(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir = normalizePath(dir)
	g.mu.Lock()
	defer g.mu.Unlock()
	commit, err := g.headCommitLocked()
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	if dir != "" {
		tree, err = tree.Tree(dir)
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
	}
	entries := make([]Entry, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		entryPath := entry.Name
		if dir != "" {
			entryPath = dir + "/" + entry.Name
		}
		entries = append(entries, Entry{Path: entryPath, Name: entry.Name, Dir: entry.Mode == filemode.Dir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (g *GitRepository) ScanContentDirectories(ctx context.Context) ([]string, error) {
	files, err := g.allPaths(ctx)
	if err != nil {
		return nil, err
	}
	return ContentDirectories(files), nil
}

func (g *GitRepository) ScanImageDirectories(ctx context.Context) ([]string, error) {
	files, err := g.allPaths(ctx)
	if err != nil {
		return nil, err
	}
	return ImageDirectories(files), nil
}

func (g *GitRepository) FindProductionURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return ProductionURLFromFiles(func(path string) (string, bool) {
		file, err := g.headFileLocked(path)
		if err != nil {
			return "", false
		}
		content, err := file.Contents()
		if err != nil {
			return "", false
		}
		return content, true
	}), nil
}

func (g *GitRepository) allPaths(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	commit, err := g.headCommitLocked()
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	iter, err := commit.Files()
	if err != nil {
		return nil, err
	}
	var paths []string
	err = iter.ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	})
	return paths, err
}

func (g *GitRepository) headCommitLocked() (*object.Commit, error) {
	ref, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g.repo.CommitObject(ref.Hash())
}

func (g *GitRepository) headFileLocked(path string) (*object.File, error) {
	commit, err := g.headCommitLocked()
	if err != nil {
		return nil, err
	}
	file, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	return file, err
}

func (g *GitRepository) currentTokenLocked(path string) (string, error) {
	file, err := g.headFileLocked(path)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return file.Hash.String(), nil
}

func (g *GitRepository) commitLocked(wt *git.Worktree, message string) error {
	author := g.author
	author.When = g.now()
	if _, err := wt.Commit(message, &git.CommitOptions{Author: &author}); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (g *GitRepository) pushLocked(ctx context.Context) error {
	if g.remoteName == "" {
		return nil
	}
	opts := &git.PushOptions{RemoteName: g.remoteName}
	if g.pushToken != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: g.pushToken}
	}
	if err := g.repo.PushContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", g.remoteName, err)
	}
	return nil
}
