package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/pageel/pageel/internal/bootstrap"
	"github.com/pageel/pageel/internal/cache"
	"github.com/pageel/pageel/internal/collections"
	"github.com/pageel/pageel/internal/httpapi"
	"github.com/pageel/pageel/internal/session"
	"github.com/pageel/pageel/internal/settings"
	"github.com/pageel/pageel/internal/syncer"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pageel",
		Short:         "Pageel keeps a content repository's collections and settings in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addConfigFlags(root)
	root.PersistentFlags().Duration("wait", 0, "wait up to this long for the remote to confirm writes")

	collectionsCmd := &cobra.Command{Use: "collections", Short: "Manage collections"}
	collectionsCmd.AddCommand(
		newCollectionsListCmd(),
		newCollectionsAddCmd(),
		newCollectionsEditCmd(),
		newCollectionsRemoveCmd(),
		newCollectionsSelectCmd(),
	)
	settingsCmd := &cobra.Command{Use: "settings", Short: "Export or import settings"}
	settingsCmd.AddCommand(newSettingsExportCmd(), newSettingsImportCmd())

	root.AddCommand(
		newServeCmd(),
		newBootstrapCmd(),
		newStatusCmd(),
		collectionsCmd,
		settingsCmd,
		newFinishSetupCmd(),
		newDeleteConfigCmd(),
		newTokenCmd(),
		newLoginCmd(),
		newLogoutCmd(),
	)
	return root
}

type app struct {
	cfg     config
	logger  *logrus.Entry
	kv      cache.KV
	session *session.Session
	outcome bootstrap.Outcome
}

// runSession opens the configured repository and cache, bootstraps the
// workspace and hands the session to fn.
func runSession(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.requireRepo(); err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	token, err := cfg.resolveToken()
	if err != nil {
		logger.Warnf("token lookup failed: %v", err)
	}
	repo, err := openRepository(cfg, token)
	if err != nil {
		return err
	}
	kv, err := cache.BuildFromDSN(cfg.CacheDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer func() {
		if err := cache.Close(kv); err != nil {
			logger.Warnf("close cache: %v", err)
		}
	}()
	if fileKV, ok := kv.(*cache.FileKV); ok {
		fileKV.SetLogger(logger.WithField("component", "cache"))
	}

	sess := session.New(cfg.Repo, repo, kv, session.Options{
		Logger:      logger.WithField("component", "session"),
		Tracker:     cfg.trackerOptions(logger),
		ScanTimeout: cfg.ScanTimeout,
	})
	defer sess.Close()

	ctx := cmd.Context()
	outcome, err := sess.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	logger.Debugf("bootstrap: %s", outcome)

	if err := fn(ctx, &app{cfg: cfg, logger: logger, kv: kv, session: sess, outcome: outcome}); err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")
	if wait > 0 {
		status := waitForSync(ctx, sess, wait)
		fmt.Fprintf(cmd.OutOrStdout(), "sync: %s\n", status.State)
	}
	return nil
}

// waitForSync blocks until the remote confirms the last write, polling
// gives up, or timeout elapses.
func waitForSync(ctx context.Context, sess *session.Session, timeout time.Duration) syncer.Status {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	last := sess.SyncStatus()
	for {
		if last.State != syncer.Pending {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case status, ok := <-updates:
			if !ok {
				return last
			}
			last = status
		}
	}
}

// reportSync prints a failed artifact push without failing the command:
// the local change has already been applied.
func reportSync(cmd *cobra.Command, err error) error {
	if err == nil {
		return nil
	}
	if isLocalError(err) {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "saved locally, sync failed: %v\n", err)
	return nil
}

func isLocalError(err error) bool {
	return errors.Is(err, collections.ErrValidation) ||
		errors.Is(err, session.ErrNoWorkspace) ||
		errors.Is(err, session.ErrUnknownCollection) ||
		errors.Is(err, session.ErrNotReady) ||
		errors.Is(err, settings.ErrInvalidValue) ||
		errors.Is(err, settings.ErrInvalidImport)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd() *cobra.Command {
	var originPatterns []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for one repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				if fileKV, ok := a.kv.(*cache.FileKV); ok {
					go func() {
						err := fileKV.Watch(ctx, func() {
							a.logger.Infof("cache %s changed, reloading workspace", fileKV.Path())
							a.session.Reload(ctx)
						})
						if err != nil {
							a.logger.Warnf("cache watch stopped: %v", err)
						}
					}()
				}
				handler := httpapi.NewServerWithConfig(a.session, httpapi.ServerConfig{
					JWTSecret:      a.cfg.JWTSecret,
					RateLimitMax:   a.cfg.RateLimitMax,
					OriginPatterns: originPatterns,
				})
				server := &http.Server{Addr: a.cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				errCh := make(chan error, 1)
				go func() {
					a.logger.Infof("pageel listening on %s", a.cfg.Addr)
					errCh <- server.ListenAndServe()
				}()
				select {
				case err := <-errCh:
					return fmt.Errorf("server failed: %w", err)
				case <-ctx.Done():
					a.logger.Infof("pageel stopping: %v", ctx.Err())
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				}
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().StringSliceVar(&originPatterns, "origin", nil, "allowed websocket origins")
	return cmd
}

func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Hydrate the workspace from cache, the remote config file or discovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, a.outcome.String())
				if a.outcome.Suggestions != nil {
					return writeJSON(out, a.outcome.Suggestions)
				}
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the workspace and sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				ws, _ := a.session.Workspace()
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"workspace":     ws,
					"setupComplete": a.session.SetupComplete(),
					"source":        a.outcome.Source,
					"sync":          a.session.SyncStatus(),
				})
			})
		},
	}
}

func newCollectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				ws, _ := a.session.Workspace()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ACTIVE\tID\tNAME\tPOSTS\tIMAGES")
				for _, c := range ws.Collections {
					marker := ""
					if c.ID == ws.ActiveCollectionID {
						marker = "*"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, c.ID, c.Name, c.PostsPath, c.ImagesPath)
				}
				return tw.Flush()
			})
		},
	}
}

func addCollectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("posts", "", "posts directory")
	cmd.Flags().String("images", "", "images directory")
}

func newCollectionsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				in := collections.Input{}
				in.Name, _ = cmd.Flags().GetString("name")
				in.PostsPath, _ = cmd.Flags().GetString("posts")
				in.ImagesPath, _ = cmd.Flags().GetString("images")
				c, err := a.session.CreateCollection(ctx, in)
				if err != nil && isLocalError(err) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", c.ID)
				return reportSync(cmd, err)
			})
		},
	}
	addCollectionFlags(cmd)
	return cmd
}

func newCollectionsEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Rename a collection or change its directories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				ws, _ := a.session.Workspace()
				current, ok := ws.Find(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", session.ErrUnknownCollection, args[0])
				}
				in := collections.Input{
					Name:       current.Name,
					PostsPath:  current.PostsPath,
					ImagesPath: current.ImagesPath,
					Template:   current.Template,
				}
				if cmd.Flags().Changed("name") {
					in.Name, _ = cmd.Flags().GetString("name")
				}
				if cmd.Flags().Changed("posts") {
					in.PostsPath, _ = cmd.Flags().GetString("posts")
				}
				if cmd.Flags().Changed("images") {
					in.ImagesPath, _ = cmd.Flags().GetString("images")
				}
				_, err := a.session.EditCollection(ctx, args[0], in)
				if err != nil && isLocalError(err) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", args[0])
				return reportSync(cmd, err)
			})
		},
	}
	addCollectionFlags(cmd)
	return cmd
}

func newCollectionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				err := a.session.RemoveCollection(ctx, args[0])
				if err != nil && isLocalError(err) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return reportSync(cmd, err)
			})
		},
	}
}

func newCollectionsSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <id>",
		Short: "Make a collection active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				err := a.session.SelectCollection(ctx, args[0])
				if err != nil && isLocalError(err) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "active %s\n", args[0])
				return reportSync(cmd, err)
			})
		},
	}
}

func newSettingsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export cached settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")
			if name == "" && output != "" {
				name = filepath.Ext(output)
			}
			format, err := settings.ParseFormat(name)
			if err != nil {
				return err
			}
			return runSession(cmd, func(ctx context.Context, a *app) error {
				data, err := a.session.ExportSettings(ctx, format)
				if err != nil {
					return err
				}
				if output == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o644)
			})
		},
	}
	cmd.Flags().String("format", "", "json or yaml (default from --output extension, else json)")
	cmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	return cmd
}

func newSettingsImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import settings from a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("format")
			if name == "" {
				name = filepath.Ext(args[0])
			}
			format, err := settings.ParseFormat(name)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return runSession(cmd, func(ctx context.Context, a *app) error {
				written, err := a.session.ImportSettings(ctx, data, format)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d settings: %s\n", len(written), strings.Join(written, ", "))
				return nil
			})
		},
	}
	cmd.Flags().String("format", "", "json or yaml (default from file extension)")
	return cmd
}

func newFinishSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finish-setup",
		Short: "Complete first-run setup and create the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, func(ctx context.Context, a *app) error {
				chosen := a.outcome.Settings
				if cmd.Flags().Changed("posts") {
					chosen.PostsPath, _ = cmd.Flags().GetString("posts")
				}
				if cmd.Flags().Changed("images") {
					chosen.ImagesPath, _ = cmd.Flags().GetString("images")
				}
				if cmd.Flags().Changed("domain") {
					chosen.DomainURL, _ = cmd.Flags().GetString("domain")
				}
				if cmd.Flags().Changed("project-type") {
					chosen.ProjectType, _ = cmd.Flags().GetString("project-type")
				}
				err := a.session.FinishSetup(ctx, chosen)
				if err != nil && isLocalError(err) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "setup complete: posts=%s images=%s\n", chosen.PostsPath, chosen.ImagesPath)
				return reportSync(cmd, err)
			})
		},
	}
	cmd.Flags().String("posts", "", "posts directory (default: discovered)")
	cmd.Flags().String("images", "", "images directory (default: discovered)")
	cmd.Flags().String("domain", "", "production URL")
	cmd.Flags().String("project-type", "", "astro or github")
	return cmd
}

func newDeleteConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-config",
		Short: "Delete the remote config file and reset local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("refusing to delete without --yes")
			}
			return runSession(cmd, func(ctx context.Context, a *app) error {
				if err := a.session.DeleteConfig(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "config deleted")
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "confirm deletion")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.requireRepo(); err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("jwt secret is required (--jwt-secret or PAGEEL_JWT_SECRET)")
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := httpapi.IssueToken(cfg.JWTSecret, cfg.Repo, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().String("subject", "cli", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes (default: all)")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the repository access token in the OS keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.requireRepo(); err != nil {
				return err
			}
			token := strings.TrimSpace(cfg.Token)
			if token == "" {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
				if err != nil {
					return err
				}
				token = strings.TrimSpace(string(data))
			}
			if token == "" {
				return errors.New("token is required (--token, PAGEEL_TOKEN or stdin)")
			}
			if err := keyring.Set(keyringService, cfg.Repo, token); err != nil {
				return fmt.Errorf("store token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token stored for %s\n", cfg.Repo)
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored repository access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.requireRepo(); err != nil {
				return err
			}
			if err := keyring.Delete(keyringService, cfg.Repo); err != nil && !errors.Is(err, keyring.ErrNotFound) {
				return fmt.Errorf("delete token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token removed for %s\n", cfg.Repo)
			return nil
		},
	}
}
