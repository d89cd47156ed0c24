package collections

import (
	"bytes"
	"fmt"
	"time"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"
)

var (
	yamlFrontmatter = frontmatter.NewFormat("---", "---", yaml.Unmarshal)
	dateLayouts     = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
)

// InferTemplate builds a template from the YAML frontmatter of a markdown
// document, keeping the document's field order. It returns nil when the
// document has no frontmatter.
func InferTemplate(markdown []byte) (*Template, error) {
	var doc yaml.Node
	if _, err := frontmatter.Parse(bytes.NewReader(markdown), &doc, yamlFrontmatter); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("frontmatter is not a mapping")
	}
	tmpl := &Template{Fields: make([]TemplateField, 0, len(root.Content)/2)}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		tmpl.Fields = append(tmpl.Fields, TemplateField{
			Name: key.Value,
			Type: fieldTypeOf(value),
		})
	}
	if len(tmpl.Fields) == 0 {
		return nil, nil
	}
	return tmpl, nil
}

func fieldTypeOf(node *yaml.Node) FieldType {
	switch node.Kind {
	case yaml.SequenceNode:
		return FieldArray
	case yaml.MappingNode:
		return FieldObject
	case yaml.AliasNode:
		if node.Alias != nil {
			return fieldTypeOf(node.Alias)
		}
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!bool":
			return FieldBoolean
		case "!!int", "!!float":
			return FieldNumber
		case "!!timestamp":
			return FieldDate
		case "!!str":
			if looksLikeDate(node.Value) {
				return FieldDate
			}
		}
	}
	return FieldString
}

func looksLikeDate(value string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}
