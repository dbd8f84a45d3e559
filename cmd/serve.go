package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/trailnotes/internal/app"
)

// newServeCmd creates the long-running service: cron-driven jobs, the image
// queue consumer, and the ops HTTP server.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the image worker, and the ops HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	logger := rt.logger
	sched, err := rt.app.NewScheduler()
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.cfg.Server.Port),
		Handler:           rt.app.NewServer(sched).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sched.Start()

	if j, ok := rt.app.Job(app.JobImages); ok {
		g.Go(func() error {
			logger.Info("Image worker started")
			stats := rt.app.Runner().Loop(gctx, j, rt.app.LoopConfig(false))
			logger.Info("Image worker stopped", zap.Int("runs", stats.Runs), zap.Int("failures", stats.Failures))
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("HTTP server started", zap.Int("port", rt.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := sched.Stop(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}
