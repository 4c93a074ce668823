package stages

import (
	"context"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pipeline"
)

// CombineConfig configures a combine member
type CombineConfig struct {
	// Slots are the member results to gather, keyed by slot name
	Slots []string `json:"slots"`
	// IncludePayload adds the group input under "payload"
	IncludePayload bool `json:"include_payload,omitempty"`
}

// newCombine builds a collector member that gathers slots into one object
func newCombine(params map[string]any) (pipeline.Impl, error) {
	var cfg CombineConfig
	if err := decode(KindCombine, params, &cfg); err != nil {
		return pipeline.Impl{}, err
	}
	if len(cfg.Slots) == 0 && !cfg.IncludePayload {
		return pipeline.Impl{}, errors.WrapInvalid(errors.ErrMissingConfig, "Stages", KindCombine, "slots are required")
	}

	return pipeline.Impl{Member: func(ctx context.Context, _ *pipeline.Invocation, c *pipeline.Collector) (any, error) {
		result := make(map[string]any, len(cfg.Slots)+1)
		if cfg.IncludePayload {
			v, err := c.Get(ctx, pipeline.PayloadSlot)
			if err != nil {
				return nil, err
			}
			result[pipeline.PayloadSlot] = v
		}
		for _, slot := range cfg.Slots {
			v, err := c.Get(ctx, slot)
			if err != nil {
				return nil, err
			}
			result[slot] = v
		}
		return result, nil
	}}, nil
}
