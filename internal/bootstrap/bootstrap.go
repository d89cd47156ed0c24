// Package bootstrap resolves a repository's workspace and settings when it
// is selected: resident state first, then the remote artifact, then the
// local cache, and finally a repository scan.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pageel/pageel/internal/cache"
	"github.com/pageel/pageel/internal/collections"
	"github.com/pageel/pageel/internal/pageelrc"
	"github.com/pageel/pageel/internal/remote"
	"github.com/pageel/pageel/internal/settings"
	"github.com/pageel/pageel/internal/syncer"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Source string

const (
	SourceCache     Source = "cache"
	SourceArtifact  Source = "artifact"
	SourceDiscovery Source = "discovery"
)

// Suggestions are the scan results offered to the user during setup.
type Suggestions struct {
	DomainURL   string                `json:"domainUrl,omitempty"`
	ContentDirs []string              `json:"contentDirs"`
	ImageDirs   []string              `json:"imageDirs"`
	Template    *collections.Template `json:"template,omitempty"`
}

type Outcome struct {
	RepoID   string
	Settings settings.AppSettings
	Source   Source
	// Imported counts collections added from the remote artifact.
	Imported int
	// Applied lists artifact fields accepted by the settings schema.
	Applied     []string
	Suggestions *Suggestions
	// SetupComplete is true when cached or artifact settings already
	// describe a usable setup. Ready reports whether the resolved settings
	// would pass the finish-setup check.
	SetupComplete bool
	Ready         bool
}

type Options struct {
	Logger Logger
	// ScanTimeout bounds the discovery step; zero means no extra bound.
	ScanTimeout time.Duration
}

type Sequencer struct {
	store      *collections.Store
	reconciler *syncer.Reconciler
	repo       remote.Repository
	kv         cache.KV
	logger     Logger
	timeout    time.Duration
}

func New(store *collections.Store, reconciler *syncer.Reconciler, repo remote.Repository, kv cache.KV, opts Options) *Sequencer {
	return &Sequencer{
		store:      store,
		reconciler: reconciler,
		repo:       repo,
		kv:         kv,
		logger:     opts.Logger,
		timeout:    opts.ScanTimeout,
	}
}

// Run executes the bootstrap steps for repoID. Remote failures never abort
// the run; only cache errors and cancellation are returned.
func (s *Sequencer) Run(ctx context.Context, repoID string) (Outcome, error) {
	out := Outcome{RepoID: repoID}

	s.store.InitWorkspace(ctx, repoID)
	out.Imported = s.importCollections(ctx)

	app, presence, err := settings.Load(ctx, s.kv, repoID)
	if err != nil {
		return out, err
	}
	out.Settings = app
	if presence.Complete() {
		out.Source = SourceCache
		out.SetupComplete = true
		out.Ready = settings.IsSetupComplete(app)
		return out, nil
	}

	if applied, ok := s.applyArtifact(ctx, repoID, &out.Settings); ok {
		out.Applied = applied
		if settings.IsSetupComplete(out.Settings) {
			if err := settings.Save(ctx, s.kv, repoID, out.Settings); err != nil {
				return out, err
			}
			out.Source = SourceArtifact
			out.SetupComplete = true
			out.Ready = true
			return out, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	suggestions, err := s.discover(ctx)
	if err != nil {
		return out, err
	}
	out.Source = SourceDiscovery
	out.Suggestions = suggestions
	if out.Settings.PostsPath == "" && len(suggestions.ContentDirs) > 0 {
		out.Settings.PostsPath = suggestions.ContentDirs[0]
	}
	if out.Settings.ImagesPath == "" && len(suggestions.ImageDirs) > 0 {
		out.Settings.ImagesPath = suggestions.ImageDirs[0]
	}
	if out.Settings.DomainURL == "" {
		out.Settings.DomainURL = suggestions.DomainURL
	}
	out.Ready = settings.IsSetupComplete(out.Settings)
	return out, nil
}

// importCollections loads the remote artifact into an empty workspace.
func (s *Sequencer) importCollections(ctx context.Context) int {
	ws, ok := s.store.Workspace()
	if !ok || len(ws.Collections) > 0 {
		return 0
	}
	result := s.reconciler.Load(ctx)
	if !result.Found() {
		return 0
	}
	added := 0
	for _, c := range result.Config.Collections {
		if s.store.AddCollection(ctx, c) {
			added++
		}
	}
	if id := result.Config.ActiveCollectionID; id != "" {
		if current, _ := s.store.Workspace(); current.ActiveCollectionID != id {
			s.store.SetActiveCollection(ctx, id)
		}
	}
	if !result.Config.Settings.IsEmpty() {
		s.store.UpdateSettings(ctx, result.Config.Settings)
	}
	s.logf("loaded %d collections from %s", added, s.reconciler.Path())
	return added
}

// applyArtifact merges whitelisted artifact fields into app and stores the
// template and table blobs. It reports false when no artifact was readable.
func (s *Sequencer) applyArtifact(ctx context.Context, repoID string, app *settings.AppSettings) ([]string, bool) {
	raw, err := s.reconciler.ReadRaw(ctx)
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			s.logf("read %s failed: %v", s.reconciler.Path(), err)
		}
		return nil, false
	}
	fields, err := pageelrc.Fields(raw)
	if err != nil {
		s.logf("ignoring unreadable %s: %v", s.reconciler.Path(), err)
		return nil, false
	}
	next, applied, blobs := settings.ApplyFields(*app, fields)
	*app = next
	if err := settings.SaveBlobs(ctx, s.kv, repoID, blobs); err != nil {
		s.logf("store artifact blobs failed: %v", err)
	}
	return applied, true
}

// discover runs the three repository scans concurrently. Individual scan
// failures are logged and leave that suggestion empty.
func (s *Sequencer) discover(parent context.Context) (*Suggestions, error) {
	ctx := parent
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	out := &Suggestions{ContentDirs: []string{}, ImageDirs: []string{}}
	var g errgroup.Group
	g.Go(func() error {
		url, err := s.repo.FindProductionURL(ctx)
		if err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			s.logf("find production url failed: %v", err)
			return nil
		}
		out.DomainURL = url
		return nil
	})
	g.Go(func() error {
		dirs, err := s.repo.ScanContentDirectories(ctx)
		if err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			s.logf("scan content directories failed: %v", err)
			return nil
		}
		if dirs != nil {
			out.ContentDirs = dirs
		}
		if len(dirs) > 0 {
			out.Template = s.suggestTemplate(ctx, dirs[0])
		}
		return nil
	})
	g.Go(func() error {
		dirs, err := s.repo.ScanImageDirectories(ctx)
		if err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			s.logf("scan image directories failed: %v", err)
			return nil
		}
		if dirs != nil {
			out.ImageDirs = dirs
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// suggestTemplate infers a frontmatter template from the first post file
// in dir.
func (s *Sequencer) suggestTemplate(ctx context.Context, dir string) *collections.Template {
	entries, err := s.repo.ListFiles(ctx, dir)
	if err != nil {
		s.logf("list %s failed: %v", dir, err)
		return nil
	}
	for _, entry := range entries {
		if entry.Dir || !remote.IsPostFile(entry.Name) {
			continue
		}
		file, err := s.repo.ReadFile(ctx, entry.Path)
		if err != nil {
			s.logf("read %s failed: %v", entry.Path, err)
			return nil
		}
		tmpl, err := collections.InferTemplate([]byte(file.Content))
		if err != nil {
			s.logf("infer template from %s failed: %v", path.Base(entry.Path), err)
			return nil
		}
		return tmpl
	}
	return nil
}

func (s *Sequencer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// String renders an outcome for CLI output.
func (o Outcome) String() string {
	return fmt.Sprintf("repo=%s source=%s complete=%t ready=%t posts=%q images=%q",
		o.RepoID, o.Source, o.SetupComplete, o.Ready, o.Settings.PostsPath, o.Settings.ImagesPath)
}
