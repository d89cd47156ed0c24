package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// FileKV keeps every key in one JSON object on disk. Writes replace the file
// atomically; Watch picks up edits made by other processes.
type FileKV struct {
	path   string
	logger Logger

	mu     sync.Mutex
	loaded bool
	values map[string]string
	// last is the encoded form most recently read or written by this
	// process, used to tell external edits from our own.
	last []byte
}

func NewFileKV(path string) *FileKV {
	return &FileKV{path: strings.TrimSpace(path)}
}

func (f *FileKV) SetLogger(logger Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logger = logger
}

func (f *FileKV) Path() string {
	return f.path
}

func (f *FileKV) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoadedLocked(); err != nil {
		return "", false, err
	}
	value, ok := f.values[key]
	return value, ok, nil
}

func (f *FileKV) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoadedLocked(); err != nil {
		return err
	}
	f.values[key] = value
	return f.flushLocked()
}

func (f *FileKV) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoadedLocked(); err != nil {
		return err
	}
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flushLocked()
}

func (f *FileKV) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(f.values))
	for key := range f.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch blocks until ctx is done, calling onChange after the backing file
// is modified by another writer. Bursts of events are coalesced.
func (f *FileKV) Watch(ctx context.Context, onChange func()) error {
	if f.path == "" {
		return ErrInvalidInput
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory so atomic renames over the file are observed.
	if err := watcher.Add(dir); err != nil {
		return err
	}

	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			changed, err := f.reload()
			if err != nil {
				f.logf("cache reload %s failed: %v", f.path, err)
				continue
			}
			if changed && onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logf("cache watcher error: %v", err)
		}
	}
}

func (f *FileKV) reload() (bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded && bytes.Equal(data, f.last) {
		return false, nil
	}
	values, err := decodeFileValues(data)
	if err != nil {
		return false, err
	}
	f.values = values
	f.last = data
	f.loaded = true
	return true, nil
}

func (f *FileKV) ensureLoadedLocked() error {
	if f.loaded {
		return nil
	}
	if f.path == "" {
		return ErrInvalidInput
	}
	data, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	values, err := decodeFileValues(data)
	if err != nil {
		return err
	}
	f.values = values
	f.last = data
	f.loaded = true
	return nil
}

func (f *FileKV) flushLocked() error {
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.path, data, 0o600); err != nil {
		return err
	}
	f.last = data
	return nil
}

func (f *FileKV) logf(format string, args ...any) {
	f.mu.Lock()
	logger := f.logger
	f.mu.Unlock()
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func decodeFileValues(data []byte) (map[string]string, error) {
	values := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
