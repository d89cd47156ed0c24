// Package settings describes every user-editable setting once, as a
// declarative schema, and reuses it for cache loading, artifact merging,
// and import/export.
package settings

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

const (
	KeyProjectType             = "projectType"
	KeyPostsPath               = "postsPath"
	KeyImagesPath              = "imagesPath"
	KeyDomainURL               = "domainUrl"
	KeyPostFileTypes           = "postFileTypes"
	KeyImageFileTypes          = "imageFileTypes"
	KeyPublishDateSource       = "publishDateSource"
	KeyImageCompressionEnabled = "imageCompressionEnabled"
	KeyMaxImageSize            = "maxImageSize"
	KeyImageResizeMaxWidth     = "imageResizeMaxWidth"
	KeyNewPostCommit           = "newPostCommit"
	KeyUpdatePostCommit        = "updatePostCommit"
	KeyNewImageCommit          = "newImageCommit"
	KeyUpdateImageCommit       = "updateImageCommit"
	KeyPostTemplate            = "postTemplate"
	KeyPostTableColumns        = "postTableColumns"
	KeyPostTableColumnWidths   = "postTableColumnWidths"
	KeyLanguage                = "pageel-core-lang"
)

type Kind int

const (
	KindString Kind = iota
	KindEnum
	KindBool
	KindNumber
	KindURL
	KindJSON
)

// Field is one schema entry. PerRepo fields are cached under
// "<key>_<repo>", the rest under the bare key.
type Field struct {
	Key     string
	Kind    Kind
	PerRepo bool
	Options []string
	// Min and Max bound KindNumber values when non-zero.
	Min float64
	Max float64
}

var schema = map[string]Field{
	KeyProjectType:             {Key: KeyProjectType, Kind: KindEnum, PerRepo: true, Options: []string{"astro", "github"}},
	KeyPostsPath:               {Key: KeyPostsPath, Kind: KindString, PerRepo: true},
	KeyImagesPath:              {Key: KeyImagesPath, Kind: KindString, PerRepo: true},
	KeyDomainURL:               {Key: KeyDomainURL, Kind: KindURL, PerRepo: true},
	KeyPostFileTypes:           {Key: KeyPostFileTypes, Kind: KindString},
	KeyImageFileTypes:          {Key: KeyImageFileTypes, Kind: KindString},
	KeyPublishDateSource:       {Key: KeyPublishDateSource, Kind: KindEnum, Options: []string{"file", "system"}},
	KeyImageCompressionEnabled: {Key: KeyImageCompressionEnabled, Kind: KindBool},
	KeyMaxImageSize:            {Key: KeyMaxImageSize, Kind: KindNumber, Min: 1},
	KeyImageResizeMaxWidth:     {Key: KeyImageResizeMaxWidth, Kind: KindNumber, Min: 1},
	KeyNewPostCommit:           {Key: KeyNewPostCommit, Kind: KindString},
	KeyUpdatePostCommit:        {Key: KeyUpdatePostCommit, Kind: KindString},
	KeyNewImageCommit:          {Key: KeyNewImageCommit, Kind: KindString},
	KeyUpdateImageCommit:       {Key: KeyUpdateImageCommit, Kind: KindString},
	KeyPostTemplate:            {Key: KeyPostTemplate, Kind: KindJSON, PerRepo: true},
	KeyPostTableColumns:        {Key: KeyPostTableColumns, Kind: KindJSON, PerRepo: true},
	KeyPostTableColumnWidths:   {Key: KeyPostTableColumnWidths, Kind: KindJSON, PerRepo: true},
	KeyLanguage:                {Key: KeyLanguage, Kind: KindEnum, Options: []string{"en", "vi"}},
}

// Lookup returns the schema entry for key.
func Lookup(key string) (Field, bool) {
	f, ok := schema[key]
	return f, ok
}

// Keys returns every schema key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(schema))
	for key := range schema {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// CacheKey is where the field's value lives in the local cache.
func (f Field) CacheKey(repoID string) string {
	if f.PerRepo {
		return f.Key + "_" + repoID
	}
	return f.Key
}

// Normalize validates a typed value (decoded JSON or YAML) and returns its
// cache string form. Strings are never coerced to numbers or booleans.
func (f Field) Normalize(v any) (string, error) {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return "", f.invalid(v)
		}
		return s, nil
	case KindEnum:
		s, ok := v.(string)
		if !ok || !contains(f.Options, s) {
			return "", f.invalid(v)
		}
		return s, nil
	case KindURL:
		s, ok := v.(string)
		if !ok || (s != "" && !isHTTPURL(s)) {
			return "", f.invalid(v)
		}
		return s, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return "", f.invalid(v)
		}
		return cast.ToString(b), nil
	case KindNumber:
		if !isNumber(v) {
			return "", f.invalid(v)
		}
		n, err := cast.ToFloat64E(v)
		if err != nil || (f.Min != 0 && n < f.Min) || (f.Max != 0 && n > f.Max) {
			return "", f.invalid(v)
		}
		return cast.ToString(n), nil
	case KindJSON:
		if s, ok := v.(string); ok {
			if !json.Valid([]byte(s)) {
				return "", f.invalid(v)
			}
			return s, nil
		}
		if v == nil {
			return "", f.invalid(v)
		}
		data, err := json.Marshal(toJSONCompatible(v))
		if err != nil {
			return "", f.invalid(v)
		}
		return string(data), nil
	}
	return "", f.invalid(v)
}

// Parse converts a cached string back to the field's typed value.
func (f Field) Parse(raw string) (any, error) {
	switch f.Kind {
	case KindBool:
		return cast.ToBoolE(raw)
	case KindNumber:
		return cast.ToFloat64E(strings.TrimSpace(raw))
	case KindJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Key, err)
		}
		return v, nil
	default:
		return raw, nil
	}
}

func (f Field) invalid(v any) error {
	return &InvalidValueError{Key: f.Key, Value: v}
}

// InvalidValueError reports a value rejected by the schema.
type InvalidValueError struct {
	Key   string
	Value any
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value for setting '%s': %v", e.Key, e.Value)
}

func (e *InvalidValueError) Is(target error) bool {
	return target == ErrInvalidValue
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}

// toJSONCompatible rewrites YAML-decoded maps with non-string keys so they
// can be JSON encoded.
func toJSONCompatible(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[cast.ToString(k)] = toJSONCompatible(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONCompatible(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONCompatible(val)
		}
		return out
	default:
		return v
	}
}
