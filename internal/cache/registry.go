package cache

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type Factory func(dsn string) (KV, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes BuildFromDSN route DSNs with scheme to factory.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// BuildFromDSN opens the store named by dsn. An empty DSN yields an
// in-memory store; a bare path is a JSON file.
func BuildFromDSN(dsn string) (KV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryKV(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileKV(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryKV(), nil
	case "postgres", "postgresql":
		return NewPostgresKV(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteKV(path)
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
