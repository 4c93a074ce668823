package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/stepstreams/engine"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/pipeline"
	"github.com/c360/stepstreams/stream"
)

func replayCmd(flags *globalFlags) *cobra.Command {
	var (
		from      string
		limit     int
		idle      time.Duration
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "replay <pipeline> <stream>",
		Short: "Re-run the segment of a pipeline that consumes a stream over stored records",
		Long: `Re-run the resume segment of a pipeline over the records already stored
in one of its source streams. Records are read outside any consumer group:
group positions do not move and nothing is acknowledged. Anything the
replayed segment publishes is published for real.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := stream.ParseOffset(from)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}

			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cfg.Metrics.Enabled = false
			logger := flags.logger(cfg, cmd.ErrOrStderr())

			eng, err := engine.New(cfg, engine.WithLogger(logger), engine.WithVersion(Version))
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}

			ctx := cmd.Context()
			if err := eng.Open(ctx); err != nil {
				return fmt.Errorf("open engine: %w", err)
			}
			defer func() {
				if err := eng.Stop(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("engine stop failed", "error", err)
				}
			}()

			result, err := eng.Replay(ctx, args[0], args[1], engine.ReplayOptions{
				From:      offset,
				Limit:     limit,
				Idle:      idle,
				BatchSize: batchSize,
			}, func(msg *message.StreamMessage, out *pipeline.Outcome) {
				if out.Err != nil {
					logger.Warn("replayed record failed",
						"stream", msg.Stream, "offset", msg.Offset, "error", out.Err)
					return
				}
				logger.Debug("replayed record",
					"stream", msg.Stream, "offset", msg.Offset, "status", out.Status)
			})
			if err != nil {
				return err
			}

			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d of %d replayed records failed", result.Failed, result.Processed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "new", `first sequence to replay, "new" starts at the beginning`)
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of records, 0 for all")
	cmd.Flags().DurationVar(&idle, "idle", engine.DefaultReplayIdle, "stop when no record arrives for this long")
	cmd.Flags().IntVar(&batchSize, "batch-size", stream.DefaultBatchSize, "records per read")
	return cmd
}
