// Package cmd defines and implements the CLI commands for the statcache executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/config"
	"github.com/JakeFAU/statcache/internal/refresh"
	"github.com/JakeFAU/statcache/internal/server"
	"github.com/JakeFAU/statcache/internal/statcache"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface the commands use.
// Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Startup(ctx context.Context)
	Get(ctx context.Context, key string) (statcache.Entry, error)
	Keys() []string
	Warm(ctx context.Context, keys []string, parallelism int) []refresh.WarmResult
	ExportSnapshot(ctx context.Context, dest string) (string, int, error)
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// loadConfig is swapped in tests.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "statcache",
		Short: "Serves scraped KBO prediction stats from a refresh-on-expiry cache.",
		Long: `statcache keeps scraped prediction pages in a durable keyed cache.
Fresh entries are served directly; expired or missing keys are refreshed
once per key with bounded retries, or taken from a published snapshot
when live scraping is disabled.`,
		SilenceUsage: true,

		// Builds the application once config is loaded and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env STATCACHE_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newWarmCmd())
	cmd.AddCommand(newExportCmd())

	return cmd
}

// resolveApp fetches the App stored by PersistentPreRunE.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
