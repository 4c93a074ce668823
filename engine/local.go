package engine

import (
	"context"
	"time"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/pipeline"
	"github.com/c360/stepstreams/stream"
)

// drainTimeout is how long one drain read waits for a record
const drainTimeout = 20 * time.Millisecond

// Drain runs every consumer route in the calling goroutine until a full
// pass over all routes reads nothing. It is the local counterpart of
// Start: an invocation that published to streams is carried through its
// resume segments before Drain returns. Successful records are
// acknowledged; failed ones are left pending, as a consumer would.
//
// fn, when not nil, sees every record and its outcome in processing order.
func (e *Engine) Drain(ctx context.Context, fn func(*message.StreamMessage, *pipeline.Outcome)) (int, error) {
	executor, err := e.readyExecutor()
	if err != nil {
		return 0, errors.Wrap(err, "Engine", "Drain", "drain routes")
	}

	e.mu.Lock()
	routes := e.consumers
	started := e.started
	transport := e.transport
	e.mu.Unlock()
	if started {
		return 0, errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Drain", "drain while consumers run")
	}

	for _, r := range routes {
		if err := transport.EnsureConsumerGroup(ctx, r.cfg.Stream, r.cfg.Group); err != nil {
			return 0, errors.Wrap(err, "Engine", "Drain", "ensure consumer group "+r.cfg.Group)
		}
	}

	total := 0
	for {
		progressed := false
		for _, r := range routes {
			deliveries, err := transport.Read(ctx, stream.ReadRequest{
				Stream:        r.cfg.Stream,
				Group:         r.cfg.Group,
				Datatypes:     r.cfg.Datatypes,
				BatchSize:     r.cfg.BatchSize,
				Timeout:       drainTimeout,
				BatchInterval: drainTimeout / 4,
			})
			if err != nil {
				return total, errors.Wrap(err, "Engine", "Drain", "read "+r.cfg.Stream)
			}

			for _, d := range deliveries {
				progressed = true
				total++

				out := executor.Resume(ctx, r.def, d.Message)
				e.metrics.recordInvocation(r.def.Name(), entryLocal, out)
				if out.Err == nil {
					if err := d.Ack(ctx); err != nil {
						return total, errors.Wrap(err, "Engine", "Drain", "ack "+d.Message.Offset)
					}
				}
				if fn != nil {
					fn(d.Message, out)
				}
			}
		}
		if !progressed {
			return total, nil
		}
	}
}
