package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/pageel/pageel/internal/cache"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a user-facing name (or file extension) to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), ".")) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported settings format %q", name)
}

// Snapshot collects every cached setting for repoID as typed values.
// Missing keys are omitted.
func Snapshot(ctx context.Context, kv cache.KV, repoID string) (map[string]any, error) {
	out := map[string]any{}
	for _, key := range Keys() {
		f := schema[key]
		raw, ok, err := kv.Get(ctx, f.CacheKey(repoID))
		if err != nil {
			return nil, fmt.Errorf("read setting %s: %w", key, err)
		}
		if !ok {
			continue
		}
		v, err := f.Parse(raw)
		if err != nil {
			continue
		}
		out[key] = v
	}
	return out, nil
}

// Export serialises the cached settings for repoID.
func Export(ctx context.Context, kv cache.KV, repoID string, format Format) ([]byte, error) {
	values, err := Snapshot(ctx, kv, repoID)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatYAML:
		return yaml.Marshal(values)
	case FormatJSON, "":
		return json.MarshalIndent(values, "", "  ")
	}
	return nil, fmt.Errorf("unsupported settings format %q", format)
}

// Import validates every known key in data and, only if all of them pass,
// writes them to the cache. Unknown keys are ignored. It returns the keys
// written.
func Import(ctx context.Context, kv cache.KV, repoID string, data []byte, format Format) ([]string, error) {
	var doc map[string]any
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatJSON, "":
		err = json.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("unsupported settings format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: expected an object", ErrInvalidImport)
	}

	pending := map[string]string{}
	var result *multierror.Error
	for _, key := range Keys() {
		v, ok := doc[key]
		if !ok {
			continue
		}
		raw, err := schema[key].Normalize(v)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		pending[key] = raw
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	written := make([]string, 0, len(pending))
	for _, key := range Keys() {
		raw, ok := pending[key]
		if !ok {
			continue
		}
		if err := kv.Set(ctx, schema[key].CacheKey(repoID), raw); err != nil {
			return written, fmt.Errorf("import %s: %w", key, err)
		}
		written = append(written, key)
	}
	return written, nil
}
