// Package main is the checkq command: the dispatch server plus the
// operator commands for migrations, tokens and cache maintenance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/platform/postgres"
	"github.com/phrazzld/checkq/internal/service/auth"
	"github.com/phrazzld/checkq/internal/service/dispatch"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "checkq",
		Short:         "checkq dispatches verification tasks to worker pools",
		Long:          "checkq accepts batches of items from owners, hands them to worker pools exactly once, bills each resolved item once and streams progress over websockets.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file (default ./config.yaml if present)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newCacheCmd(opts),
	)
	return rootCmd
}

// initialize loads configuration and sets up structured logging.
func (o *rootOptions) initialize() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Debug("configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel),
		slog.Bool("database_url_present", cfg.Database.URL != ""))
	return cfg, log, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := opts.initialize()
			if err != nil {
				return err
			}

			db, err := postgres.Open(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			if migrate {
				if err := postgres.Migrate(ctx, db, "up", log); err != nil {
					_ = db.Close()
					return err
				}
			}

			var signaler dispatch.PoolSignaler
			var closeSignaler func() error
			if cfg.Kafka.Enabled() {
				ks, err := newKafkaSignaler(ctx, cfg.Kafka, log)
				if err != nil {
					_ = db.Close()
					return err
				}
				signaler, closeSignaler = ks, ks.Close
			}

			app, err := newApplication(ctx, cfg, log, db, postgresStores(db, log), signaler)
			if err != nil {
				if closeSignaler != nil {
					_ = closeSignaler()
				}
				_ = db.Close()
				return err
			}
			if closeSignaler != nil {
				app.addCloser(closeSignaler)
			}

			return app.startHTTPServer(ctx, app.setupRouter())
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <" + strings.Join(postgres.MigrationCommands, "|") + ">",
		Short:     "Manage the database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: postgres.MigrationCommands,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := opts.initialize()
			if err != nil {
				return err
			}
			db, err := postgres.Open(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return postgres.Migrate(ctx, db, args[0], log)
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue access tokens for owners and worker pools",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "owner <owner-uuid>",
			Short: "Issue an owner access token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ownerID, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid owner id %q: %w", args[0], err)
				}
				return printToken(cmd, opts, func(ctx context.Context, svc auth.JWTService) (string, error) {
					return svc.GenerateToken(ctx, ownerID)
				})
			},
		},
		&cobra.Command{
			Use:   "pool <pool-id>",
			Short: "Issue a worker pool token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return printToken(cmd, opts, func(ctx context.Context, svc auth.JWTService) (string, error) {
					return svc.GeneratePoolToken(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

func printToken(
	cmd *cobra.Command,
	opts *rootOptions,
	issue func(ctx context.Context, svc auth.JWTService) (string, error),
) error {
	cfg, _, err := opts.initialize()
	if err != nil {
		return err
	}
	svc, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := issue(cmd.Context(), svc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the negative result cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := opts.initialize()
			if err != nil {
				return err
			}
			db, err := postgres.Open(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			n, err := postgres.NewPostgresNegativeCacheStore(db).Purge(ctx, time.Now())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired entries\n", n)
			return nil
		},
	})
	return cmd
}
