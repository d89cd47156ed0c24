// Package collections holds the workspace data model and the Store that
// keeps the resident workspace in memory and in the local cache.
package collections

import (
	"encoding/json"
	"strings"
	"time"
)

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldDate    FieldType = "date"
	FieldArray   FieldType = "array"
	FieldBoolean FieldType = "boolean"
	FieldNumber  FieldType = "number"
	FieldObject  FieldType = "object"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldDate, FieldArray, FieldBoolean, FieldNumber, FieldObject:
		return true
	}
	return false
}

type TemplateField struct {
	Name         string    `json:"name" yaml:"name"`
	Type         FieldType `json:"type" yaml:"type"`
	Required     bool      `json:"required,omitempty" yaml:"required,omitempty"`
	DefaultValue any       `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Template is the ordered frontmatter schema of a collection.
type Template struct {
	Fields []TemplateField `json:"fields" yaml:"fields"`
}

type Collection struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Icon         string             `json:"icon,omitempty"`
	PostsPath    string             `json:"postsPath"`
	ImagesPath   string             `json:"imagesPath"`
	Template     *Template          `json:"template,omitempty"`
	TableColumns []string           `json:"tableColumns,omitempty"`
	ColumnWidths map[string]float64 `json:"columnWidths,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

const (
	ProjectTypeGitHub = "github"
	ProjectTypeAstro  = "astro"

	PublishDateFile   = "file"
	PublishDateSystem = "system"
)

type WorkspaceSettings struct {
	ProjectType             string  `json:"projectType"`
	DomainURL               string  `json:"domainUrl"`
	PostFileTypes           string  `json:"postFileTypes"`
	ImageFileTypes          string  `json:"imageFileTypes"`
	PublishDateSource       string  `json:"publishDateSource"`
	ImageCompressionEnabled bool    `json:"imageCompressionEnabled"`
	MaxImageSize            float64 `json:"maxImageSize"`
	ImageResizeMaxWidth     float64 `json:"imageResizeMaxWidth"`
	NewPostCommit           string  `json:"newPostCommit"`
	UpdatePostCommit        string  `json:"updatePostCommit"`
	NewImageCommit          string  `json:"newImageCommit"`
	UpdateImageCommit       string  `json:"updateImageCommit"`
}

// DefaultSettings returns the settings a freshly created workspace starts with.
func DefaultSettings() WorkspaceSettings {
	return WorkspaceSettings{
		ProjectType:             ProjectTypeGitHub,
		PostFileTypes:           ".md,.mdx",
		ImageFileTypes:          ".png,.jpg,.jpeg,.gif,.webp,.svg,.avif",
		PublishDateSource:       PublishDateFile,
		ImageCompressionEnabled: true,
		MaxImageSize:            500,
		ImageResizeMaxWidth:     1024,
		NewPostCommit:           "feat(content): add post \"{filename}\"",
		UpdatePostCommit:        "fix(content): update post \"{filename}\"",
		NewImageCommit:          "feat(assets): add image \"{filename}\"",
		UpdateImageCommit:       "fix(assets): update image \"{filename}\"",
	}
}

// SettingsPatch carries a partial settings update; nil fields are left as is.
type SettingsPatch struct {
	ProjectType             *string
	DomainURL               *string
	PostFileTypes           *string
	ImageFileTypes          *string
	PublishDateSource       *string
	ImageCompressionEnabled *bool
	MaxImageSize            *float64
	ImageResizeMaxWidth     *float64
	NewPostCommit           *string
	UpdatePostCommit        *string
	NewImageCommit          *string
	UpdateImageCommit       *string
}

func (p SettingsPatch) Apply(s WorkspaceSettings) WorkspaceSettings {
	setString(&s.ProjectType, p.ProjectType)
	setString(&s.DomainURL, p.DomainURL)
	setString(&s.PostFileTypes, p.PostFileTypes)
	setString(&s.ImageFileTypes, p.ImageFileTypes)
	setString(&s.PublishDateSource, p.PublishDateSource)
	if p.ImageCompressionEnabled != nil {
		s.ImageCompressionEnabled = *p.ImageCompressionEnabled
	}
	if p.MaxImageSize != nil {
		s.MaxImageSize = *p.MaxImageSize
	}
	if p.ImageResizeMaxWidth != nil {
		s.ImageResizeMaxWidth = *p.ImageResizeMaxWidth
	}
	setString(&s.NewPostCommit, p.NewPostCommit)
	setString(&s.UpdatePostCommit, p.UpdatePostCommit)
	setString(&s.NewImageCommit, p.NewImageCommit)
	setString(&s.UpdateImageCommit, p.UpdateImageCommit)
	return s
}

// IsEmpty reports whether the patch changes nothing.
func (p SettingsPatch) IsEmpty() bool {
	return p == SettingsPatch{}
}

// CollectionPatch carries a partial collection update. The id is not
// patchable.
type CollectionPatch struct {
	Name         *string
	Icon         *string
	PostsPath    *string
	ImagesPath   *string
	Template     *Template
	TableColumns []string
	ColumnWidths map[string]float64
}

func (p CollectionPatch) apply(c Collection) Collection {
	setString(&c.Name, p.Name)
	setString(&c.Icon, p.Icon)
	setString(&c.PostsPath, p.PostsPath)
	setString(&c.ImagesPath, p.ImagesPath)
	if p.Template != nil {
		c.Template = p.Template.Clone()
	}
	if p.TableColumns != nil {
		c.TableColumns = append([]string(nil), p.TableColumns...)
	}
	if p.ColumnWidths != nil {
		c.ColumnWidths = cloneWidths(p.ColumnWidths)
	}
	return c
}

type Workspace struct {
	RepoID             string            `json:"repoId"`
	Collections        []Collection      `json:"collections"`
	ActiveCollectionID string            `json:"activeCollectionId"`
	Settings           WorkspaceSettings `json:"settings"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Find returns the collection with id.
func (w Workspace) Find(id string) (Collection, bool) {
	for _, c := range w.Collections {
		if c.ID == id {
			return c, true
		}
	}
	return Collection{}, false
}

// NewCollection stamps a collection with the given creation time.
func NewCollection(id, name, postsPath, imagesPath string, template *Template, now time.Time) Collection {
	return Collection{
		ID:         id,
		Name:       name,
		PostsPath:  postsPath,
		ImagesPath: imagesPath,
		Template:   template.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// DeriveID lower-cases name and collapses every run of characters outside
// [a-z0-9] into a single hyphen.
func DeriveID(name string) string {
	var b strings.Builder
	inRun := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('-')
			inRun = true
		}
	}
	return b.String()
}

func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := &Template{Fields: make([]TemplateField, len(t.Fields))}
	for i, f := range t.Fields {
		f.DefaultValue = cloneValue(f.DefaultValue)
		out.Fields[i] = f
	}
	return out
}

func (c Collection) Clone() Collection {
	c.Template = c.Template.Clone()
	if c.TableColumns != nil {
		c.TableColumns = append([]string(nil), c.TableColumns...)
	}
	c.ColumnWidths = cloneWidths(c.ColumnWidths)
	return c
}

func (w Workspace) Clone() Workspace {
	if w.Collections != nil {
		cols := make([]Collection, len(w.Collections))
		for i, c := range w.Collections {
			cols[i] = c.Clone()
		}
		w.Collections = cols
	}
	return w
}

func cloneWidths(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// cloneValue deep-copies JSON-like default values.
func cloneValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
