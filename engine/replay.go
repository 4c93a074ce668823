package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/pipeline"
	"github.com/c360/stepstreams/stream"
)

// DefaultReplayIdle is how long Replay waits for more records before it
// considers the stream exhausted
const DefaultReplayIdle = 500 * time.Millisecond

// ReplayOptions bound a replay
type ReplayOptions struct {
	// From is the first sequence to re-run; OffsetNew starts at the beginning
	From stream.Offset
	// Limit caps the number of records, 0 means no limit
	Limit int
	// Idle ends the replay when no record arrives for this long
	Idle time.Duration
	// BatchSize caps records per read
	BatchSize int
}

// ReplayResult summarizes a replay
type ReplayResult struct {
	Pipeline  string `json:"pipeline"`
	Stream    string `json:"stream"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	// Last is the offset of the last record re-run
	Last string `json:"last,omitempty"`
}

// Replay re-runs the segment of the named pipeline that consumes source
// over the records stored in source, starting at opts.From. It reads
// outside any consumer group, so group cursors are not moved and nothing
// is acknowledged. fn, when not nil, sees every record and its outcome.
// Publications made by replayed segments are real publications.
func (e *Engine) Replay(
	ctx context.Context, name, source string, opts ReplayOptions,
	fn func(*message.StreamMessage, *pipeline.Outcome),
) (*ReplayResult, error) {
	def, ok := e.definitions[name]
	if !ok {
		return nil, errors.WrapInvalid(ErrUnknownPipeline, "Engine", "Replay", "find pipeline "+name)
	}
	if !slices.Contains(def.SourceStreams(), source) {
		return nil, errors.WrapInvalid(pipeline.ErrUnknownStream, "Engine", "Replay",
			fmt.Sprintf("find stream %s in pipeline %s", source, name))
	}
	executor, err := e.readyExecutor()
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "Replay", "replay "+name)
	}
	transport := e.Transport()

	if opts.Idle <= 0 {
		opts.Idle = DefaultReplayIdle
	}
	next := max(opts.From.Seq(), 1)
	result := &ReplayResult{Pipeline: name, Stream: source}
	logger := e.logger.With("pipeline", name, "stream", source)
	logger.Info("replay started", "from", next, "limit", opts.Limit)

	for opts.Limit == 0 || result.Processed < opts.Limit {
		batch := opts.BatchSize
		if opts.Limit > 0 {
			remaining := opts.Limit - result.Processed
			if batch <= 0 || batch > remaining {
				batch = remaining
			}
		}

		deliveries, err := transport.Read(ctx, stream.ReadRequest{
			Stream:        source,
			Offset:        stream.OffsetAt(next),
			BatchSize:     batch,
			Timeout:       opts.Idle,
			BatchInterval: min(opts.Idle/5, stream.DefaultBatchInterval),
		})
		if err != nil {
			return result, errors.Wrap(err, "Engine", "Replay", fmt.Sprintf("read %s from %d", source, next))
		}
		if len(deliveries) == 0 {
			break
		}

		for _, d := range deliveries {
			msg := d.Message
			out := executor.Resume(ctx, def, msg)
			e.metrics.recordInvocation(name, entryReplay, out)
			e.metrics.recordReplayed(name, source)

			result.Processed++
			if out.Err != nil {
				result.Failed++
			}
			result.Last = msg.Offset
			if fn != nil {
				fn(msg, out)
			}

			seq, err := strconv.ParseUint(msg.Offset, 10, 64)
			if err != nil {
				return result, errors.WrapInvalid(err, "Engine", "Replay", "parse offset "+msg.Offset)
			}
			next = seq + 1
		}
	}

	logger.Info("replay finished", "processed", result.Processed, "failed", result.Failed, "last", result.Last)
	return result, nil
}
