package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is a revisioned in-process repository. Every write or
// delete advances the revision counter and the recorded push time.
type MemoryRepository struct {
	mu         sync.RWMutex
	files      map[string]memoryFile
	revCounter uint64
	pushedAt   time.Time
	homepage   string
	now        func() time.Time
	commits    []Commit
}

// Commit is one recorded write or delete.
type Commit struct {
	Path     string
	Message  string
	Revision string
	At       time.Time
}

type memoryFile struct {
	content  string
	revision string
}

type MemoryOption func(*MemoryRepository)

// WithClock overrides the clock used to stamp push times.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHomepage sets the URL FindProductionURL reports before falling back to
// site configuration files.
func WithHomepage(url string) MemoryOption {
	return func(r *MemoryRepository) {
		r.homepage = strings.TrimSpace(url)
	}
}

func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		files: map[string]memoryFile{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.pushedAt = r.now().UTC()
	return r
}

// Seed stores content without a token check, as an out-of-band push would.
func (r *MemoryRepository) Seed(path, content string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	path = normalizePath(path)
	revision := r.nextRevisionLocked()
	r.files[path] = memoryFile{content: content, revision: revision}
	r.pushedAt = r.now().UTC()
	return revision
}

func (r *MemoryRepository) ReadFile(ctx context.Context, path string) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	path = normalizePath(path)
	file, ok := r.files[path]
	if !ok {
		return File{}, ErrNotFound
	}
	return File{Path: path, Content: file.content, Token: file.revision}, nil
}

func (r *MemoryRepository) WriteFile(ctx context.Context, path, content, message, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path = normalizePath(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.files[path]
	switch {
	case !exists && token != "":
		return "", &ConflictError{Path: path, ExpectedToken: token}
	case exists && token != existing.revision:
		return "", &ConflictError{Path: path, ExpectedToken: token, CurrentToken: existing.revision}
	}
	revision := r.nextRevisionLocked()
	r.files[path] = memoryFile{content: content, revision: revision}
	r.pushedAt = r.now().UTC()
	r.commits = append(r.commits, Commit{Path: path, Message: message, Revision: revision, At: r.pushedAt})
	return revision, nil
}

func (r *MemoryRepository) DeleteFile(ctx context.Context, path, token, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = normalizePath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, exists := r.files[path]
	if !exists {
		return ErrNotFound
	}
	if token != existing.revision {
		return &ConflictError{Path: path, ExpectedToken: token, CurrentToken: existing.revision}
	}
	delete(r.files, path)
	revision := r.nextRevisionLocked()
	r.pushedAt = r.now().UTC()
	r.commits = append(r.commits, Commit{Path: path, Message: message, Revision: revision, At: r.pushedAt})
	return nil
}

// Commits returns every write and delete in order.
func (r *MemoryRepository) Commits() []Commit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Commit(nil), r.commits...)
}

// LastMessage returns the message of the latest commit touching path.
func (r *MemoryRepository) LastMessage(path string) string {
	path = normalizePath(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.commits) - 1; i >= 0; i-- {
		if r.commits[i].Path == path {
			return r.commits[i].Message
		}
	}
	return ""
}

func (r *MemoryRepository) VersionToken(ctx context.Context, path string) (string, error) {
	file, err := r.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return file.Token, nil
}

func (r *MemoryRepository) PushTimestamp(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pushedAt, nil
}

// SetPushTimestamp overrides the recorded push time, modelling a host that
// records pushes on its own clock.
func (r *MemoryRepository) SetPushTimestamp(ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushedAt = ts.UTC()
}

func (r *MemoryRepository) ListFiles(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir = normalizePath(dir)
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]Entry{}
	for filePath := range r.files {
		if !strings.HasPrefix(filePath, prefix) {
			continue
		}
		rest := strings.TrimPrefix(filePath, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			name := rest[:idx]
			seen[name] = Entry{Path: prefix + name, Name: name, Dir: true}
			continue
		}
		seen[rest] = Entry{Path: filePath, Name: rest}
	}
	if len(seen) == 0 && dir != "" {
		return nil, ErrNotFound
	}
	entries := make([]Entry, 0, len(seen))
	for _, entry := range seen {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (r *MemoryRepository) ScanContentDirectories(ctx context.Context) ([]string, error) {
	files, err := r.allPaths(ctx)
	if err != nil {
		return nil, err
	}
	return ContentDirectories(files), nil
}

func (r *MemoryRepository) ScanImageDirectories(ctx context.Context) ([]string, error) {
	files, err := r.allPaths(ctx)
	if err != nil {
		return nil, err
	}
	return ImageDirectories(files), nil
}

func (r *MemoryRepository) FindProductionURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.homepage != "" {
		return r.homepage, nil
	}
	return ProductionURLFromFiles(func(path string) (string, bool) {
		file, ok := r.files[path]
		return file.content, ok
	}), nil
}

func (r *MemoryRepository) allPaths(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.files))
	for filePath := range r.files {
		paths = append(paths, filePath)
	}
	sort.Strings(paths)
	return paths, nil
}

func (r *MemoryRepository) nextRevisionLocked() string {
	r.revCounter++
	return fmt.Sprintf("rev_%d", r.revCounter)
}
