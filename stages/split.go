package stages

import (
	"context"
	"fmt"
	"iter"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pipeline"
)

// SplitConfig configures a split stage
type SplitConfig struct {
	// Field holds the array to split, dot paths allowed
	Field string `json:"field"`
	// As wraps each element in an object under this key. Without it,
	// object elements are emitted as they are and other elements under "value".
	As string `json:"as,omitempty"`
	// Keep copies these top-level fields of the parent into every item
	Keep []string `json:"keep,omitempty"`
}

func (o options) split(params map[string]any) (pipeline.Impl, error) {
	var cfg SplitConfig
	if err := decode(KindSplit, params, &cfg); err != nil {
		return pipeline.Impl{}, err
	}
	if cfg.Field == "" {
		return pipeline.Impl{}, errors.WrapInvalid(errors.ErrMissingConfig, "Stages", KindSplit, "field is required")
	}

	return pipeline.Impl{Spawn: func(ctx context.Context, _ *pipeline.Invocation, payload any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			data, err := object(KindSplit, payload)
			if err != nil {
				yield(nil, err)
				return
			}
			raw, ok := lookup(data, cfg.Field)
			if !ok {
				yield(nil, errors.WrapInvalid(errors.ErrInvalidData, "Stages", KindSplit,
					fmt.Sprintf("field %s missing", cfg.Field)))
				return
			}
			elements, ok := raw.([]any)
			if !ok {
				yield(nil, errors.WrapInvalid(errors.ErrInvalidData, "Stages", KindSplit,
					fmt.Sprintf("field %s is %T, not an array", cfg.Field, raw)))
				return
			}

			for _, element := range elements {
				if ctx.Err() != nil {
					return
				}
				o.metrics.recordSplit()
				if !yield(cfg.item(data, element), nil) {
					return
				}
			}
		}
	}}, nil
}

func (c SplitConfig) item(parent map[string]any, element any) map[string]any {
	var item map[string]any
	switch {
	case c.As != "":
		item = map[string]any{c.As: element}
	default:
		if obj, ok := element.(map[string]any); ok {
			item = make(map[string]any, len(obj)+len(c.Keep))
			for k, v := range obj {
				item[k] = v
			}
		} else {
			item = map[string]any{"value": element}
		}
	}
	for _, key := range c.Keep {
		if v, ok := parent[key]; ok {
			if _, exists := item[key]; !exists {
				item[key] = v
			}
		}
	}
	return item
}
