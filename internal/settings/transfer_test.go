package settings

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageel/pageel/internal/cache"
)

func seededCache(t *testing.T) *cache.MemoryKV {
	t.Helper()
	ctx := context.Background()
	kv := cache.NewMemoryKV()
	s := Defaults()
	s.ProjectType = "astro"
	s.PostsPath = "src/content/blog"
	s.ImagesPath = "public/images"
	s.DomainURL = "https://blog.example.com"
	require.NoError(t, Save(ctx, kv, "acme/blog", s))
	require.NoError(t, SaveBlobs(ctx, kv, "acme/blog", map[string]string{
		KeyPostTemplate: `{"fields":[{"name":"title","type":"string"}]}`,
	}))
	require.NoError(t, kv.Set(ctx, KeyLanguage, "vi"))
	return kv
}

func TestExportImportRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			ctx := context.Background()
			data, err := Export(ctx, seededCache(t), "acme/blog", format)
			require.NoError(t, err)

			target := cache.NewMemoryKV()
			written, err := Import(ctx, target, "other/site", data, format)
			require.NoError(t, err)
			assert.Contains(t, written, KeyPostTemplate)
			assert.Contains(t, written, KeyLanguage)

			got, presence, err := Load(ctx, target, "other/site")
			require.NoError(t, err)
			assert.True(t, presence.Complete())
			assert.Equal(t, "astro", got.ProjectType)
			assert.Equal(t, "https://blog.example.com", got.DomainURL)
			assert.Equal(t, 500.0, got.MaxImageSize)
			assert.True(t, got.ImageCompressionEnabled)

			lang, _, _ := target.Get(ctx, KeyLanguage)
			assert.Equal(t, "vi", lang)
			tmpl, ok, _ := target.Get(ctx, "postTemplate_other/site")
			require.True(t, ok)
			assert.JSONEq(t, `{"fields":[{"name":"title","type":"string"}]}`, tmpl)
		})
	}
}

func TestImportAbortsOnAnyInvalidValue(t *testing.T) {
	ctx := context.Background()
	kv := cache.NewMemoryKV()
	doc := `{
  "postsPath": "content",
  "maxImageSize": "big",
  "publishDateSource": "tomorrow",
  "unknownKey": 1
}`
	written, err := Import(ctx, kv, "acme/blog", []byte(doc), FormatJSON)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidImport))
	assert.Contains(t, err.Error(), "maxImageSize")
	assert.Contains(t, err.Error(), "publishDateSource")
	assert.Empty(t, written)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestImportIgnoresUnknownKeys(t *testing.T) {
	ctx := context.Background()
	kv := cache.NewMemoryKV()
	doc := "postsPath: content\nimageCompressionEnabled: false\ntheme: dark\n"
	written, err := Import(ctx, kv, "acme/blog", []byte(doc), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyImageCompressionEnabled, KeyPostsPath}, written)

	raw, _, _ := kv.Get(ctx, KeyImageCompressionEnabled)
	assert.Equal(t, "false", raw)
}

func TestImportRejectsNonObject(t *testing.T) {
	_, err := Import(context.Background(), cache.NewMemoryKV(), "acme/blog", []byte(`[1,2]`), FormatJSON)
	assert.True(t, errors.Is(err, ErrInvalidImport))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(".YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("toml")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "toml"))
}
