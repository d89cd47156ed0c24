package collections

import (
	"errors"
	"fmt"
	"strings"
)

var ErrValidation = errors.New("validation failed")

// ValidationError names the offending input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Input is user-entered collection data before it becomes a Collection.
type Input struct {
	Name       string
	PostsPath  string
	ImagesPath string
	Template   *Template
}

// Normalize trims surrounding whitespace from every text field.
func (in Input) Normalize() Input {
	in.Name = strings.TrimSpace(in.Name)
	in.PostsPath = strings.TrimSpace(in.PostsPath)
	in.ImagesPath = strings.TrimSpace(in.ImagesPath)
	return in
}

// ValidateInput checks in against the existing collections and returns the
// derived id. editingID excludes the collection being edited from the
// duplicate check; pass "" when creating.
func ValidateInput(in Input, existing []Collection, editingID string) (string, error) {
	in = in.Normalize()
	if in.Name == "" {
		return "", &ValidationError{Field: "name", Message: "name is required"}
	}
	if in.PostsPath == "" {
		return "", &ValidationError{Field: "postsPath", Message: "posts path is required"}
	}
	if in.ImagesPath == "" {
		return "", &ValidationError{Field: "imagesPath", Message: "images path is required"}
	}
	id := DeriveID(in.Name)
	if strings.Trim(id, "-") == "" {
		return "", &ValidationError{Field: "name", Message: "name must contain a letter or digit"}
	}
	if in.Template != nil {
		for i, f := range in.Template.Fields {
			if strings.TrimSpace(f.Name) == "" {
				return "", &ValidationError{Field: "template", Message: fmt.Sprintf("field %d has no name", i)}
			}
			if !f.Type.Valid() {
				return "", &ValidationError{Field: "template", Message: fmt.Sprintf("field %q has unknown type %q", f.Name, f.Type)}
			}
		}
	}
	for _, c := range existing {
		if c.ID == editingID {
			continue
		}
		if c.ID == id {
			return "", &ValidationError{Field: "name", Message: fmt.Sprintf("a collection with id %q already exists", id)}
		}
	}
	return id, nil
}
