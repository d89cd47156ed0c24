package collections

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestDeriveID(t *testing.T) {
	cases := map[string]string{
		"My Blog!!":        "my-blog",
		"Blog":             "blog",
		"  Projects  2026": "-projects-2026",
		"Docs/Guides":      "docs-guides",
		"Café":             "caf-",
	}
	for name, want := range cases {
		if got := DeriveID(name); got != want {
			t.Fatalf("DeriveID(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestDeriveIDMatchesCollapsedRuns(t *testing.T) {
	nonAlnumRun := regexp.MustCompile(`[^a-z0-9]+`)
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		got := DeriveID(name)
		want := nonAlnumRun.ReplaceAllString(strings.ToLower(name), "-")
		if got != want {
			t.Fatalf("DeriveID(%q) = %q, want %q", name, got, want)
		}
		if strings.Contains(got, "--") {
			t.Fatalf("DeriveID(%q) = %q contains a doubled hyphen", name, got)
		}
	})
}

func TestValidateInputRequiresFields(t *testing.T) {
	cases := []struct {
		in    Input
		field string
	}{
		{Input{Name: " ", PostsPath: "p", ImagesPath: "i"}, "name"},
		{Input{Name: "Blog", PostsPath: "", ImagesPath: "i"}, "postsPath"},
		{Input{Name: "Blog", PostsPath: "p", ImagesPath: "  "}, "imagesPath"},
		{Input{Name: "!!!", PostsPath: "p", ImagesPath: "i"}, "name"},
		{Input{Name: "Blog", PostsPath: "p", ImagesPath: "i", Template: &Template{Fields: []TemplateField{{Name: "x", Type: "color"}}}}, "template"},
	}
	for _, tc := range cases {
		_, err := ValidateInput(tc.in, nil, "")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for %+v, got %v", tc.in, err)
		}
		if verr.Field != tc.field {
			t.Fatalf("expected field %s, got %s", tc.field, verr.Field)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected errors.Is ErrValidation")
		}
	}
}

func TestValidateInputRejectsDuplicateExceptSelf(t *testing.T) {
	now := time.Now()
	existing := []Collection{
		NewCollection("my-blog", "My Blog", "a", "b", nil, now),
		NewCollection("docs", "Docs", "c", "d", nil, now),
	}
	if _, err := ValidateInput(Input{Name: "My  Blog", PostsPath: "x", ImagesPath: "y"}, existing, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected duplicate id to be rejected, got %v", err)
	}
	id, err := ValidateInput(Input{Name: "My Blog", PostsPath: "x", ImagesPath: "y"}, existing, "my-blog")
	if err != nil || id != "my-blog" {
		t.Fatalf("expected edit of itself to pass, got id=%q err=%v", id, err)
	}
	if _, err := ValidateInput(Input{Name: "Docs", PostsPath: "x", ImagesPath: "y"}, existing, "my-blog"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected rename onto another collection's id to be rejected, got %v", err)
	}
	id, err = ValidateInput(Input{Name: " Projects ", PostsPath: " x ", ImagesPath: "y"}, existing, "")
	if err != nil || id != "projects" {
		t.Fatalf("expected trimmed name to derive projects, got id=%q err=%v", id, err)
	}
}
