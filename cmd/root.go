// Package cmd defines and implements the CLI commands for the trailnotes
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/app"
	"github.com/JakeFAU/trailnotes/internal/config"
	"github.com/JakeFAU/trailnotes/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can inject
// an isolated metrics registry.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

type runtime struct {
	cfg    config.Config
	app    *app.App
	logger *zap.Logger
}

// newRootCmd creates and configures the root command. The returned shutdown
// func flushes reports and releases clients; it must run after Execute even
// when the subcommand failed, since a failure report is the one that alerts.
func newRootCmd() (*cobra.Command, func(ctx context.Context) error) {
	var (
		cfgFile string
		rt      *runtime
	)
	cmd := &cobra.Command{
		Use:   "trailnotes",
		Short: "Keeps a trail journal site's location data current.",
		Long: `trailnotes runs the trail journal pipeline: it scrapes live tracking
data, merges path datasets, indexes photo locations, probes the public site,
and restores a recovery snapshot when the author stops checking in.`,
		SilenceUsage: true,

		// Builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			rt = &runtime{cfg: cfg, app: appInstance, logger: logger}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, rt))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the TRAILNOTES_ prefix)")

	cmd.AddCommand(newServeCmd())
	for _, shot := range oneShots {
		cmd.AddCommand(newRunCmd(shot))
	}

	shutdown := func(ctx context.Context) error {
		if rt == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		closeErr := rt.app.Close(shutdownCtx)
		// Sync fails on non-file sinks such as a terminal; that is not an error.
		_ = rt.logger.Sync()
		rt = nil
		return closeErr
	}
	return cmd, shutdown
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(appKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. Cancellation on SIGINT or SIGTERM reaches
// every running component through the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, shutdown := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	err = errors.Join(err, shutdown(ctx))
	if err != nil {
		zap.L().Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
