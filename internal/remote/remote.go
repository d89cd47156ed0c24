package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version token conflict")
)

// ConflictError is returned when a conditional write or delete presents a
// version token that does not match the file's current token.
type ConflictError struct {
	Path          string
	ExpectedToken string
	CurrentToken  string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "version token conflict"
	}
	return fmt.Sprintf("version token conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

type File struct {
	Path    string
	Content string
	Token   string
}

type Entry struct {
	Path string
	Name string
	Dir  bool
}

// Repository is the remote version-controlled store holding a user's
// content and the configuration artifact. WriteFile creates the file when
// token is empty and otherwise performs a conditional update.
type Repository interface {
	ReadFile(ctx context.Context, path string) (File, error)
	WriteFile(ctx context.Context, path, content, message, token string) (string, error)
	DeleteFile(ctx context.Context, path, token, message string) error
	VersionToken(ctx context.Context, path string) (string, error)
	PushTimestamp(ctx context.Context) (time.Time, error)
	ListFiles(ctx context.Context, dir string) ([]Entry, error)
	ScanContentDirectories(ctx context.Context) ([]string, error)
	ScanImageDirectories(ctx context.Context) ([]string, error)
	FindProductionURL(ctx context.Context) (string, error)
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}
