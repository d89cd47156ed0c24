// Package pageelrc reads and writes the .pageelrc.json configuration
// artifact. The shape of version 2 documents is validated against an
// embedded JSON Schema and invalid values inside them are dropped one by
// one; version 1 documents are migrated on read and never written.
package pageelrc

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pageel/pageel/internal/collections"
)

// FileName is the artifact's path at the repository root.
const FileName = ".pageelrc.json"

const (
	schemaURL            = "https://pageel.dev/schema/pageelrc.v2.json"
	legacyCollectionID   = "default"
	legacyCollectionName = "Default"
	currentSchemaVersion = 2
	legacySchemaVersion  = 1
)

//go:embed pageelrc.schema.json
var schemaSource string

// v2Schemas holds the document shape and the per-value schemas used to
// filter settings, commit messages and template fields.
type v2Schemas struct {
	document       *jsonschema.Schema
	settings       *jsonschema.Schema
	commitMessages *jsonschema.Schema
	templateField  *jsonschema.Schema
}

var v2Schema = mustCompileSchemas()

func mustCompileSchemas() v2Schemas {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaSource))
	if err != nil {
		panic(fmt.Sprintf("pageelrc: parse embedded schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		panic(fmt.Sprintf("pageelrc: add embedded schema: %v", err))
	}
	return v2Schemas{
		document:       compiler.MustCompile(schemaURL),
		settings:       compiler.MustCompile(schemaURL + "#/$defs/settings"),
		commitMessages: compiler.MustCompile(schemaURL + "#/$defs/commitMessages"),
		templateField:  compiler.MustCompile(schemaURL + "#/$defs/templateField"),
	}
}

type Status int

const (
	NotFound Status = iota
	Found
	Malformed
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Malformed:
		return "malformed"
	default:
		return "not_found"
	}
}

// Config is the decoded, generation-independent content of an artifact.
type Config struct {
	// Version is the schema generation the document was written in.
	Version            int
	Collections        []collections.Collection
	ActiveCollectionID string
	Settings           collections.SettingsPatch
}

// Result is the outcome of Decode. Config is set only when Status is Found;
// Detail explains a Malformed result. Dropped names the values of a Found
// document that were ignored as invalid, such as "settings.maxImageSize".
type Result struct {
	Status  Status
	Config  *Config
	Detail  string
	Dropped []string
}

func (r Result) Found() bool {
	return r.Status == Found && r.Config != nil
}

// Artifact is the version 2 wire shape.
type Artifact struct {
	Version            int                  `json:"version"`
	Collections        []ArtifactCollection `json:"collections"`
	ActiveCollectionID string               `json:"activeCollectionId,omitempty"`
	Settings           ArtifactSettings     `json:"settings"`
	CommitMessages     *CommitMessages      `json:"commitMessages,omitempty"`
}

type ArtifactCollection struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	PostsPath  string                `json:"postsPath"`
	ImagesPath string                `json:"imagesPath"`
	Template   *collections.Template `json:"template,omitempty"`
}

type ArtifactSettings struct {
	ProjectType             *string  `json:"projectType,omitempty"`
	DomainURL               *string  `json:"domainUrl,omitempty"`
	PostFileTypes           *string  `json:"postFileTypes,omitempty"`
	ImageFileTypes          *string  `json:"imageFileTypes,omitempty"`
	PublishDateSource       *string  `json:"publishDateSource,omitempty"`
	ImageCompressionEnabled *bool    `json:"imageCompressionEnabled,omitempty"`
	MaxImageSize            *float64 `json:"maxImageSize,omitempty"`
	ImageResizeMaxWidth     *float64 `json:"imageResizeMaxWidth,omitempty"`
}

type CommitMessages struct {
	NewPost     *string `json:"newPost,omitempty"`
	UpdatePost  *string `json:"updatePost,omitempty"`
	NewImage    *string `json:"newImage,omitempty"`
	UpdateImage *string `json:"updateImage,omitempty"`
}

// Decode parses raw with decode-time timestamps taken from the wall clock.
func Decode(raw []byte) Result {
	return DecodeAt(raw, time.Now().UTC())
}

// DecodeAt parses raw and stamps every decoded collection with now, since
// the artifact carries no per-collection timestamps.
func DecodeAt(raw []byte, now time.Time) Result {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Result{Status: Malformed, Detail: "empty document"}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{Status: Malformed, Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Result{Status: NotFound, Detail: "document is not an object"}
	}

	if version, _ := obj["version"].(float64); version == currentSchemaVersion {
		if _, isArray := obj["collections"].([]any); isArray {
			return decodeV2(raw, now)
		}
	}
	if truthy(obj["projectType"]) || truthy(obj["paths"]) || truthy(obj["postsPath"]) {
		if cfg, ok := decodeLegacy(obj, now); ok {
			return Result{Status: Found, Config: cfg}
		}
	}
	return Result{Status: NotFound, Detail: "no collections data"}
}

// v2Document is the loosely typed version 2 shape. Everything below the
// collection ids and paths is filtered value by value.
type v2Document struct {
	Collections []struct {
		ID         string          `json:"id"`
		Name       json.RawMessage `json:"name"`
		PostsPath  string          `json:"postsPath"`
		ImagesPath string          `json:"imagesPath"`
		Template   json.RawMessage `json:"template"`
	} `json:"collections"`
	ActiveCollectionID json.RawMessage `json:"activeCollectionId"`
	Settings           json.RawMessage `json:"settings"`
	CommitMessages     json.RawMessage `json:"commitMessages"`
}

func decodeV2(raw []byte, now time.Time) Result {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Result{Status: Malformed, Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := v2Schema.document.Validate(inst); err != nil {
		return Result{Status: Malformed, Detail: err.Error()}
	}
	var doc v2Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{Status: Malformed, Detail: err.Error()}
	}

	var dropped []string
	cfg := &Config{
		Version:     currentSchemaVersion,
		Collections: make([]collections.Collection, 0, len(doc.Collections)),
	}
	for i, c := range doc.Collections {
		name := c.ID
		if len(c.Name) > 0 && string(c.Name) != "null" {
			if err := json.Unmarshal(c.Name, &name); err != nil || strings.TrimSpace(name) == "" {
				name = c.ID
				dropped = append(dropped, fmt.Sprintf("collections[%d].name", i))
			}
		}
		tmpl, lost := decodeTemplate(c.Template, fmt.Sprintf("collections[%d].template", i))
		dropped = append(dropped, lost...)
		cfg.Collections = append(cfg.Collections, collections.NewCollection(c.ID, name, c.PostsPath, c.ImagesPath, tmpl, now))
	}

	if len(doc.ActiveCollectionID) > 0 && string(doc.ActiveCollectionID) != "null" {
		if err := json.Unmarshal(doc.ActiveCollectionID, &cfg.ActiveCollectionID); err != nil {
			dropped = append(dropped, "activeCollectionId")
		}
	}
	if cfg.ActiveCollectionID == "" && len(cfg.Collections) > 0 {
		cfg.ActiveCollectionID = cfg.Collections[0].ID
	}

	settings, lost := validMembers(doc.Settings, v2Schema.settings, "settings")
	dropped = append(dropped, lost...)
	commits, lost := validMembers(doc.CommitMessages, v2Schema.commitMessages, "commitMessages")
	dropped = append(dropped, lost...)

	cfg.Settings = collections.SettingsPatch{
		ProjectType:             member[string](settings, "projectType"),
		DomainURL:               member[string](settings, "domainUrl"),
		PostFileTypes:           member[string](settings, "postFileTypes"),
		ImageFileTypes:          member[string](settings, "imageFileTypes"),
		PublishDateSource:       member[string](settings, "publishDateSource"),
		ImageCompressionEnabled: member[bool](settings, "imageCompressionEnabled"),
		MaxImageSize:            member[float64](settings, "maxImageSize"),
		ImageResizeMaxWidth:     member[float64](settings, "imageResizeMaxWidth"),
		NewPostCommit:           member[string](commits, "newPost"),
		UpdatePostCommit:        member[string](commits, "updatePost"),
		NewImageCommit:          member[string](commits, "newImage"),
		UpdateImageCommit:       member[string](commits, "updateImage"),
	}
	return Result{Status: Found, Config: cfg, Dropped: dropped}
}

// validMembers returns the members of the object in raw that sch accepts
// one at a time, and the prefixed names of the rest. A value that is not an
// object is dropped whole.
func validMembers(raw json.RawMessage, sch *jsonschema.Schema, prefix string) (map[string]json.RawMessage, []string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, []string{prefix}
	}
	var dropped []string
	for key, value := range members {
		v, err := jsonschema.UnmarshalJSON(bytes.NewReader(value))
		if err == nil {
			err = sch.Validate(map[string]any{key: v})
		}
		if err != nil {
			delete(members, key)
			dropped = append(dropped, prefix+"."+key)
		}
	}
	sort.Strings(dropped)
	return members, dropped
}

func member[T any](members map[string]json.RawMessage, key string) *T {
	raw, ok := members[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

// decodeTemplate keeps the fields of a {"fields": [...]} template that pass
// the field schema. A template left without fields decodes as nil.
func decodeTemplate(raw json.RawMessage, prefix string) (*collections.Template, []string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var shape struct {
		Fields []json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, []string{prefix}
	}
	var (
		tmpl    collections.Template
		dropped []string
	)
	for i, rawField := range shape.Fields {
		name := fmt.Sprintf("%s.fields[%d]", prefix, i)
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawField))
		if err == nil {
			err = v2Schema.templateField.Validate(inst)
		}
		var field collections.TemplateField
		if err == nil {
			err = json.Unmarshal(rawField, &field)
		}
		if err != nil {
			dropped = append(dropped, name)
			continue
		}
		tmpl.Fields = append(tmpl.Fields, field)
	}
	if len(tmpl.Fields) == 0 {
		return nil, dropped
	}
	return &tmpl, dropped
}

func decodeLegacy(obj map[string]any, now time.Time) (*Config, bool) {
	paths, _ := obj["paths"].(map[string]any)
	postsPath := firstString(lookup(paths, "posts"), obj["postsPath"])
	imagesPath := firstString(lookup(paths, "images"), obj["imagesPath"])
	if postsPath == "" || imagesPath == "" {
		return nil, false
	}

	settings, _ := obj["settings"].(map[string]any)
	compression, _ := lookup(settings, "imageCompression").(map[string]any)
	commitMessages, _ := obj["commitMessages"].(map[string]any)
	commits, _ := obj["commits"].(map[string]any)

	patch := collections.SettingsPatch{
		ProjectType:             optString(obj["projectType"]),
		DomainURL:               optString(obj["domainUrl"]),
		PostFileTypes:           optString(lookup(settings, "postFileTypes")),
		ImageFileTypes:          optString(lookup(settings, "imageFileTypes")),
		PublishDateSource:       optString(lookup(settings, "publishDateSource")),
		ImageCompressionEnabled: optBool(lookup(settings, "imageCompressionEnabled")),
		MaxImageSize:            firstNumber(lookup(settings, "maxImageSize"), lookup(compression, "maxSize")),
		ImageResizeMaxWidth:     firstNumber(lookup(settings, "imageResizeMaxWidth"), lookup(compression, "maxWidth")),
		NewPostCommit:           optString(firstString(lookup(commitMessages, "newPost"), lookup(commits, "newPost"))),
		UpdatePostCommit:        optString(firstString(lookup(commitMessages, "updatePost"), lookup(commits, "updatePost"))),
		NewImageCommit:          optString(firstString(lookup(commitMessages, "newImage"), lookup(commits, "newImage"))),
		UpdateImageCommit:       optString(firstString(lookup(commitMessages, "updateImage"), lookup(commits, "updateImage"))),
	}

	var tmpl *collections.Template
	if templates, ok := obj["templates"].(map[string]any); ok {
		tmpl = legacyTemplate(templates["frontmatter"])
	}
	col := collections.NewCollection(legacyCollectionID, legacyCollectionName, postsPath, imagesPath, tmpl, now)
	return &Config{
		Version:            legacySchemaVersion,
		Collections:        []collections.Collection{col},
		ActiveCollectionID: legacyCollectionID,
		Settings:           patch,
	}, true
}

// legacyTemplate accepts either {"fields": [...]} or a bare field list.
func legacyTemplate(v any) *collections.Template {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var tmpl collections.Template
	if _, isList := v.([]any); isList {
		if err := json.Unmarshal(data, &tmpl.Fields); err != nil {
			return nil
		}
	} else if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil
	}
	for _, f := range tmpl.Fields {
		if f.Name == "" || !f.Type.Valid() {
			return nil
		}
	}
	if len(tmpl.Fields) == 0 {
		return nil
	}
	return &tmpl
}

// Encode renders ws in the version 2 shape. Timestamps, icons and
// presentation hints stay local.
func Encode(ws collections.Workspace) Artifact {
	s := ws.Settings
	artifact := Artifact{
		Version:            currentSchemaVersion,
		Collections:        make([]ArtifactCollection, 0, len(ws.Collections)),
		ActiveCollectionID: ws.ActiveCollectionID,
		Settings: ArtifactSettings{
			ProjectType:             strPtr(s.ProjectType),
			PostFileTypes:           strPtr(s.PostFileTypes),
			ImageFileTypes:          strPtr(s.ImageFileTypes),
			PublishDateSource:       strPtr(s.PublishDateSource),
			ImageCompressionEnabled: &s.ImageCompressionEnabled,
			MaxImageSize:            &s.MaxImageSize,
			ImageResizeMaxWidth:     &s.ImageResizeMaxWidth,
		},
		CommitMessages: &CommitMessages{
			NewPost:     strPtr(s.NewPostCommit),
			UpdatePost:  strPtr(s.UpdatePostCommit),
			NewImage:    strPtr(s.NewImageCommit),
			UpdateImage: strPtr(s.UpdateImageCommit),
		},
	}
	if s.DomainURL != "" {
		artifact.Settings.DomainURL = strPtr(s.DomainURL)
	}
	for _, c := range ws.Collections {
		artifact.Collections = append(artifact.Collections, ArtifactCollection{
			ID:         c.ID,
			Name:       c.Name,
			PostsPath:  c.PostsPath,
			ImagesPath: c.ImagesPath,
			Template:   c.Template.Clone(),
		})
	}
	return artifact
}

// Marshal renders an artifact as the indented JSON committed to the
// repository.
func Marshal(a Artifact) ([]byte, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, err
	}
	return data, nil
}

func lookup(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(values ...any) *float64 {
	for _, v := range values {
		if n, ok := v.(float64); ok && n != 0 {
			return &n
		}
	}
	return nil
}

func optString(v any) *string {
	if s, ok := v.(string); ok && s != "" {
		return &s
	}
	return nil
}

func optBool(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}
