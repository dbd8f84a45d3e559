package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/app"
	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

type oneShot struct {
	job   string
	short string
}

var oneShots = []oneShot{
	{app.JobScrape, "Fetch the live tracking source once and overwrite its dataset"},
	{app.JobMerge, "Merge every path dataset into the published output once"},
	{app.JobImages, "Drain the image notification queue, then exit"},
	{app.JobStatus, "Probe the public site once and record the result"},
	{app.JobDeadman, "Check the liveness marker once, restoring the snapshot when stale"},
}

// newRunCmd builds a command that performs one invocation of a job, for use
// from an external scheduler. A skipped invocation exits zero.
func newRunCmd(shot oneShot) *cobra.Command {
	return &cobra.Command{
		Use:   shot.job,
		Short: shot.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			j, ok := rt.app.Job(shot.job)
			if !ok {
				return trail.ConfigErr(shot.job, errors.New("job is not enabled in the configuration"))
			}

			if shot.job == app.JobImages {
				stats := rt.app.Runner().Loop(cmd.Context(), j, rt.app.LoopConfig(true))
				rt.logger.Info("Image queue drained", zap.Int("runs", stats.Runs), zap.Int("failures", stats.Failures))
				if stats.Failures > 0 {
					return fmt.Errorf("%d of %d image notifications failed", stats.Failures, stats.Runs)
				}
				return nil
			}

			rep, err := rt.app.Runner().Run(cmd.Context(), j)
			switch {
			case rep.Outcome == report.OutcomeSkipped:
				rt.logger.Info("Another invocation holds the slot; skipped", zap.String("job", shot.job))
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %s\n", shot.job, rep.Outcome, rep.Duration)
			return nil
		},
	}
}
