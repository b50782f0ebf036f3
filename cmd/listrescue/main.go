// listrescue repairs damaged mailing-list exports: it rebuilds RFC 822
// messages from the export records, renders them to documents and merges
// the result into a single consolidated archive.
//
// Usage:
//
//	listrescue rebuild    Reconstruct messages from the damaged export
//	listrescue render     Render rebuilt messages to documents
//	listrescue merge      Consolidate rendered documents
//	listrescue run        rebuild + render + merge in one go
//	listrescue publish    Copy artifacts to the publish destination
//	listrescue serve      Start the status API
//	listrescue version    Print version information
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eslider/listrescue/internal/archive"
	"github.com/eslider/listrescue/internal/config"
	"github.com/eslider/listrescue/internal/merge"
	"github.com/eslider/listrescue/internal/render"
	"github.com/eslider/listrescue/internal/rescue"
	"github.com/eslider/listrescue/internal/state"
	"github.com/eslider/listrescue/internal/storage"
	"github.com/eslider/listrescue/internal/web"
)

var version = "1.0.0-dev"

var (
	configPath string
	logLevel   string
	force      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "listrescue",
		Short:         "Rebuild and archive a damaged mailing-list export",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "listrescue.yml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	mergeCmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge rendered documents into the consolidated archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, env *environment) error {
				return env.svc.Consolidate(ctx, newMerger(env), force)
			})
		},
	}
	mergeCmd.Flags().BoolVar(&force, "force", false, "merge even when no document was rendered this run")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "rebuild",
			Short: "Reconstruct messages from the damaged export",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), func(ctx context.Context, env *environment) error {
					_, err := env.svc.Rebuild(ctx)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "render",
			Short: "Render rebuilt messages to documents",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), func(ctx context.Context, env *environment) error {
					_, err := env.svc.Render(ctx, newPipeline(env))
					return err
				})
			},
		},
		mergeCmd,
		&cobra.Command{
			Use:   "run",
			Short: "Rebuild, render and merge in one go",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), func(ctx context.Context, env *environment) error {
					if _, err := env.svc.Rebuild(ctx); err != nil {
						return err
					}
					if _, err := env.svc.Render(ctx, newPipeline(env)); err != nil {
						return err
					}
					return env.svc.Consolidate(ctx, newMerger(env), false)
				})
			},
		},
		&cobra.Command{
			Use:   "publish",
			Short: "Copy artifacts to the publish destination",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), func(ctx context.Context, env *environment) error {
					dest := env.cfg.OutputDir + "-published"
					store, err := storage.NewBlobStore(ctx, dest)
					if err != nil {
						return err
					}
					pub := storage.NewPublisher(env.logger, store, env.cfg.PublishPrefix)
					_, err = pub.Publish(ctx, env.cfg.OutputDir)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Start the read-only status API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), func(ctx context.Context, env *environment) error {
					router := web.NewRouter(web.Config{States: env.states, OutDir: env.cfg.OutputDir})
					env.logger.Info("status API listening", "addr", env.cfg.ListenAddr)
					srv := &http.Server{Addr: env.cfg.ListenAddr, Handler: router}
					go func() {
						<-ctx.Done()
						srv.Close()
					}()
					if err := srv.ListenAndServe(); err != http.ErrServerClosed {
						return err
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("listrescue %s\n", version)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// environment bundles everything a subcommand needs.
type environment struct {
	cfg    config.Config
	logger *slog.Logger
	states *state.DB
	svc    *rescue.Service
}

func withService(ctx context.Context, fn func(context.Context, *environment) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(logLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}
	states, err := state.Open(cfg.OutputDir)
	if err != nil {
		return err
	}
	defer states.Close()

	layout := archive.Layout{MessagesDir: cfg.MessagesDir, AttachmentsDir: cfg.AttachmentsDir}
	env := &environment{
		cfg:    cfg,
		logger: logger,
		states: states,
		svc:    rescue.NewService(logger, layout, cfg.OutputDir, states),
	}
	return fn(ctx, env)
}

func newPipeline(env *environment) *render.Pipeline {
	renderer := &render.Renderer{
		Binary:    env.cfg.Renderer.Binary,
		ExtraArgs: env.cfg.Renderer.ExtraArgs,
		Timeout:   env.cfg.Renderer.Timeout.Std(),
	}
	return render.NewPipeline(renderer, env.logger, env.cfg.Renderer.Workers, env.cfg.OutputDir)
}

func newMerger(env *environment) *merge.Merger {
	m := merge.New(env.logger, env.cfg.Merge.Tool)
	if env.cfg.Merge.BatchSize > 0 {
		m.BatchSize = env.cfg.Merge.BatchSize
	}
	if env.cfg.Merge.ExternalThreshold > 0 {
		m.ExternalThreshold = env.cfg.Merge.ExternalThreshold
	}
	if t := env.cfg.Merge.Timeout.Std(); t > 0 {
		m.Timeout = t
	}
	return m
}

func setupLogger(levelName string) *slog.Logger {
	level := new(slog.LevelVar)
	switch levelName {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
