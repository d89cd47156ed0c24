package session

import (
	"context"
	"errors"

	"github.com/pageel/pageel/internal/remote"
)

type Stats struct {
	CollectionID string `json:"collectionId"`
	Posts        int    `json:"posts"`
	Images       int    `json:"images"`
}

// Stats counts post and image files directly under the active collection's
// directories, matching the workspace's configured file types. A missing
// directory counts as empty.
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	c, ok := s.store.ActiveCollection()
	if !ok {
		return Stats{}, ErrUnknownCollection
	}
	ws, _ := s.store.Workspace()
	posts, err := s.countFiles(ctx, c.PostsPath, extensionMatcher(ws.Settings.PostFileTypes, remote.IsPostFile))
	if err != nil {
		return Stats{}, err
	}
	images, err := s.countFiles(ctx, c.ImagesPath, extensionMatcher(ws.Settings.ImageFileTypes, remote.IsImageFile))
	if err != nil {
		return Stats{}, err
	}
	return Stats{CollectionID: c.ID, Posts: posts, Images: images}, nil
}

func (s *Session) countFiles(ctx context.Context, dir string, match func(string) bool) (int, error) {
	entries, err := s.repo.ListFiles(ctx, dir)
	if errors.Is(err, remote.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if !entry.Dir && match(entry.Name) {
			n++
		}
	}
	return n, nil
}

// extensionMatcher matches the extensions in list, or falls back when the
// list is empty.
func extensionMatcher(list string, fallback func(string) bool) func(string) bool {
	exts := remote.ParseExtensions(list)
	if len(exts) == 0 {
		return fallback
	}
	return func(name string) bool {
		return remote.HasExtension(name, exts)
	}
}
