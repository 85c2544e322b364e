package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/app"
	"github.com/rpattn/feeddelta/internal/config"
	"github.com/rpattn/feeddelta/internal/logging"
)

var configDir string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "feeddelta",
	Short:         "Daily feed snapshot ingestion and delta generation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run migrations and serve the admin API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			if err := a.Migrate(); err != nil {
				return err
			}
			return serve(ctx, a)
		})
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest the feed files of one as-of date",
	Long: `Ingest locates <feed>_<YYYYMMDD>.csv for every requested feed in the
configured input directory, refreshes the snapshot of that date and records
the delta against the previous day. Feeds default to ingestion.enabled_feeds.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rawDate, _ := cmd.Flags().GetString("as-of")
		rawFeeds, _ := cmd.Flags().GetString("feeds")
		asOf, err := time.Parse(time.DateOnly, rawDate)
		if err != nil {
			return fmt.Errorf("--as-of must be YYYY-MM-DD: %w", err)
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			feeds, err := a.ParseFeeds(rawFeeds)
			if err != nil {
				return err
			}
			runID, err := a.Orchestrator.Run(ctx, asOf, feeds)
			if err != nil {
				return fmt.Errorf("run %s failed: %w", runID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s succeeded for %s\n", runID, asOf.Format(time.DateOnly))
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app.App) error {
			return a.Migrate()
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", ".", "Directory containing config.yaml and .env")

	ingestCmd.Flags().String("as-of", "", "As-of date (YYYY-MM-DD)")
	ingestCmd.Flags().String("feeds", "", "Comma separated feed names")
	_ = ingestCmd.MarkFlagRequired("as-of")

	rootCmd.AddCommand(serveCmd, ingestCmd, migrateCmd)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serve(ctx context.Context, a *app.App) error {
	server := &http.Server{
		Addr:        a.Config.Server.Addr,
		Handler:     a.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("starting admin API", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
