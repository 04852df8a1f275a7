package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

// ErrRunFailed is returned when a waited run ends failed.
var ErrRunFailed = errors.New("run failed")

type runOptions struct {
	sourceID  string
	volume    int
	chunkSize int
	force     bool
	tags      map[string]string
	wait      bool
	poll      time.Duration
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one run for a source",
		Long: `Records a pending run for a source and prints its ID. A serve process
sharing the same database picks the run up on its next watchdog sweep.

With --wait the run is processed by workers in this process and the command
blocks until the run is completed or failed, printing the final run as JSON.
Other pending runs are left to serve.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			return runRun(cmd, appInstance, opts)
		}),
	}
	cmd.Flags().StringVar(&opts.sourceID, "source", "", "source id to ingest (required)")
	cmd.Flags().IntVar(&opts.volume, "volume", 0, "expected page count, overrides the source estimate")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", 0, "pages per chunk")
	cmd.Flags().BoolVar(&opts.force, "force", false, "analyze every record, even unchanged ones")
	cmd.Flags().StringToStringVar(&opts.tags, "tag", nil, "run tags as key=value")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "process the run here and wait for it to finish")
	cmd.Flags().DurationVar(&opts.poll, "poll", time.Second, "status poll interval with --wait")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runRun(cmd *cobra.Command, appInstance App, opts *runOptions) error {
	ctx := cmd.Context()
	if opts.wait {
		appInstance.StartWorkers(ctx)
	}

	runID, err := appInstance.StartRun(ctx, opts.sourceID, pipeline.RunOptions{
		VolumeEstimate: opts.volume,
		MaxChunkSize:   opts.chunkSize,
		ForceAnalysis:  opts.force,
		Tags:           opts.tags,
	})
	if err != nil {
		return err
	}
	appInstance.Logger().Info("run queued", zap.String("run_id", runID), zap.String("source_id", opts.sourceID))

	if !opts.wait {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), runID)
		return err
	}

	run, err := appInstance.WaitRun(ctx, runID, opts.poll)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	if run.Status == pipeline.StatusFailed {
		if run.Error != nil {
			return fmt.Errorf("%w: %s: %s", ErrRunFailed, run.Error.Kind, run.Error.Message)
		}
		return ErrRunFailed
	}
	return nil
}
