package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"

	"github.com/pageel/pageel/internal/cache"
	"github.com/pageel/pageel/internal/collections"
)

var (
	ErrInvalidValue  = errors.New("invalid setting value")
	ErrInvalidImport = errors.New("invalid settings import")
)

// AppSettings is the flat settings view of one repository: the workspace
// settings plus the single-collection paths kept for older setups.
type AppSettings struct {
	collections.WorkspaceSettings
	PostsPath  string `json:"postsPath"`
	ImagesPath string `json:"imagesPath"`
}

// Defaults returns AppSettings seeded from collections.DefaultSettings.
func Defaults() AppSettings {
	return AppSettings{WorkspaceSettings: collections.DefaultSettings()}
}

// Presence records which per-repo keys were found in the cache.
type Presence struct {
	ProjectType bool
	PostsPath   bool
	ImagesPath  bool
	DomainURL   bool
}

// Complete reports whether the cached project type and paths are all set.
func (p Presence) Complete() bool {
	return p.ProjectType && p.PostsPath && p.ImagesPath
}

// IsSetupComplete reports whether s has enough to start editing: posts and
// images paths, plus a domain unless the project is a plain GitHub repo.
func IsSetupComplete(s AppSettings) bool {
	if strings.TrimSpace(s.PostsPath) == "" || strings.TrimSpace(s.ImagesPath) == "" {
		return false
	}
	if s.ProjectType == collections.ProjectTypeGitHub {
		return true
	}
	return strings.TrimSpace(s.DomainURL) != ""
}

// Load reads every cached setting for repoID on top of Defaults. Values
// that fail to parse keep their default.
func Load(ctx context.Context, kv cache.KV, repoID string) (AppSettings, Presence, error) {
	s := Defaults()
	var presence Presence
	for _, key := range Keys() {
		f := schema[key]
		if f.Kind == KindJSON || key == KeyLanguage {
			continue
		}
		raw, ok, err := kv.Get(ctx, f.CacheKey(repoID))
		if err != nil {
			return s, presence, fmt.Errorf("load setting %s: %w", key, err)
		}
		if !ok {
			continue
		}
		switch key {
		case KeyProjectType:
			presence.ProjectType = raw != ""
		case KeyPostsPath:
			presence.PostsPath = raw != ""
		case KeyImagesPath:
			presence.ImagesPath = raw != ""
		case KeyDomainURL:
			presence.DomainURL = raw != ""
		}
		s.setCached(key, raw)
	}
	return s, presence, nil
}

func (s *AppSettings) setCached(key, raw string) {
	switch key {
	case KeyImageCompressionEnabled:
		s.ImageCompressionEnabled = raw == "true"
	case KeyMaxImageSize:
		n, err := cast.ToFloat64E(strings.TrimSpace(raw))
		if err != nil {
			return
		}
		s.MaxImageSize = clampImageSize(n)
	case KeyImageResizeMaxWidth:
		n, err := cast.ToFloat64E(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			return
		}
		s.ImageResizeMaxWidth = n
	default:
		s.setString(key, raw)
	}
}

func clampImageSize(n float64) float64 {
	switch {
	case n < 10:
		return 500
	case n > 1024:
		return 1024
	default:
		return n
	}
}

func (s *AppSettings) setString(key, v string) {
	switch key {
	case KeyProjectType:
		s.ProjectType = v
	case KeyPostsPath:
		s.PostsPath = v
	case KeyImagesPath:
		s.ImagesPath = v
	case KeyDomainURL:
		s.DomainURL = v
	case KeyPostFileTypes:
		s.PostFileTypes = v
	case KeyImageFileTypes:
		s.ImageFileTypes = v
	case KeyPublishDateSource:
		s.PublishDateSource = v
	case KeyNewPostCommit:
		s.NewPostCommit = v
	case KeyUpdatePostCommit:
		s.UpdatePostCommit = v
	case KeyNewImageCommit:
		s.NewImageCommit = v
	case KeyUpdateImageCommit:
		s.UpdateImageCommit = v
	}
}

// values returns the typed value of every scalar setting held by s.
func (s AppSettings) values() map[string]any {
	return map[string]any{
		KeyProjectType:             s.ProjectType,
		KeyPostsPath:               s.PostsPath,
		KeyImagesPath:              s.ImagesPath,
		KeyDomainURL:               s.DomainURL,
		KeyPostFileTypes:           s.PostFileTypes,
		KeyImageFileTypes:          s.ImageFileTypes,
		KeyPublishDateSource:       s.PublishDateSource,
		KeyImageCompressionEnabled: s.ImageCompressionEnabled,
		KeyMaxImageSize:            s.MaxImageSize,
		KeyImageResizeMaxWidth:     s.ImageResizeMaxWidth,
		KeyNewPostCommit:           s.NewPostCommit,
		KeyUpdatePostCommit:        s.UpdatePostCommit,
		KeyNewImageCommit:          s.NewImageCommit,
		KeyUpdateImageCommit:       s.UpdateImageCommit,
	}
}

// Save writes every scalar setting of s to the cache.
func Save(ctx context.Context, kv cache.KV, repoID string, s AppSettings) error {
	for key, v := range s.values() {
		f := schema[key]
		raw := cast.ToString(v)
		if err := kv.Set(ctx, f.CacheKey(repoID), raw); err != nil {
			return fmt.Errorf("save setting %s: %w", key, err)
		}
	}
	return nil
}

// ApplyFields merges fields (as returned by pageelrc.Fields) into s. Each
// value is checked against the schema; unknown keys and rejected values are
// dropped. JSON blob fields are not part of AppSettings and are returned in
// blobs, already encoded for the cache.
func ApplyFields(s AppSettings, fields map[string]any) (out AppSettings, applied []string, blobs map[string]string) {
	blobs = map[string]string{}
	for _, key := range Keys() {
		v, ok := fields[key]
		if !ok {
			continue
		}
		f := schema[key]
		raw, err := f.Normalize(v)
		if err != nil {
			continue
		}
		if f.Kind == KindJSON {
			blobs[key] = raw
			applied = append(applied, key)
			continue
		}
		if key == KeyLanguage {
			continue
		}
		switch f.Kind {
		case KindBool:
			s.ImageCompressionEnabled = raw == "true"
		case KindNumber:
			n := cast.ToFloat64(raw)
			if key == KeyMaxImageSize {
				s.MaxImageSize = n
			} else {
				s.ImageResizeMaxWidth = n
			}
		default:
			s.setString(key, raw)
		}
		applied = append(applied, key)
	}
	return s, applied, blobs
}

// SaveBlobs stores encoded JSON blobs under their per-repo cache keys.
func SaveBlobs(ctx context.Context, kv cache.KV, repoID string, blobs map[string]string) error {
	for key, raw := range blobs {
		f, ok := schema[key]
		if !ok || f.Kind != KindJSON {
			continue
		}
		if err := kv.Set(ctx, f.CacheKey(repoID), raw); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return nil
}

// RemoveRepoKeys deletes every per-repo key for repoID.
func RemoveRepoKeys(ctx context.Context, kv cache.KV, repoID string) error {
	for _, key := range Keys() {
		f := schema[key]
		if !f.PerRepo {
			continue
		}
		if err := kv.Remove(ctx, f.CacheKey(repoID)); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}

// Patch converts s to a workspace settings patch covering every field.
func (s AppSettings) Patch() collections.SettingsPatch {
	w := s.WorkspaceSettings
	return collections.SettingsPatch{
		ProjectType:             &w.ProjectType,
		DomainURL:               &w.DomainURL,
		PostFileTypes:           &w.PostFileTypes,
		ImageFileTypes:          &w.ImageFileTypes,
		PublishDateSource:       &w.PublishDateSource,
		ImageCompressionEnabled: &w.ImageCompressionEnabled,
		MaxImageSize:            &w.MaxImageSize,
		ImageResizeMaxWidth:     &w.ImageResizeMaxWidth,
		NewPostCommit:           &w.NewPostCommit,
		UpdatePostCommit:        &w.UpdatePostCommit,
		NewImageCommit:          &w.NewImageCommit,
		UpdateImageCommit:       &w.UpdateImageCommit,
	}
}

// Validate checks every scalar setting of s against the schema and reports
// all rejected values together.
func Validate(s AppSettings) error {
	var result *multierror.Error
	values := s.values()
	for _, key := range Keys() {
		v, ok := values[key]
		if !ok {
			continue
		}
		if _, err := schema[key].Normalize(v); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
