package stream

import (
	"context"

	"golang.org/x/time/rate"
)

// fetchFunc returns up to max records that are available right now
type fetchFunc func(ctx context.Context, max int) ([]*Delivery, error)

// poll calls fetch at most once per BatchInterval until at least one
// accepted record arrives or Timeout elapses. Records whose type is not in
// req.Datatypes are acknowledged and dropped. A timeout with nothing read
// returns an empty slice and no error.
func poll(ctx context.Context, req ReadRequest, fetch fetchFunc, onSkip func(*Delivery)) ([]*Delivery, error) {
	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(req.BatchInterval), 1)
	out := []*Delivery{}

	for {
		// Wait fails early when the next token lies past the deadline.
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return out, nil
		}

		batch, err := fetch(waitCtx, req.BatchSize-len(out))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		for _, d := range batch {
			if !req.accepts(d.Message.Type) {
				if err := d.Ack(ctx); err != nil {
					return nil, err
				}
				if onSkip != nil {
					onSkip(d)
				}
				continue
			}
			out = append(out, d)
		}

		if len(out) > 0 {
			return out, nil
		}
	}
}
