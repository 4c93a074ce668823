package stages

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pipeline"
)

// FilterConfig configures a filter stage
type FilterConfig struct {
	Rules []FilterRule `json:"rules"`
	// Match is "all" (default) or "any"
	Match string `json:"match,omitempty"`
}

// FilterRule is one condition on a payload field
type FilterRule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

var operators = []string{"eq", "ne", "gt", "gte", "lt", "lte", "contains"}

// Validate checks the rules
func (c FilterConfig) Validate() error {
	if c.Match != "" && c.Match != "all" && c.Match != "any" {
		return fmt.Errorf("match must be all or any, got %q", c.Match)
	}
	for i, r := range c.Rules {
		if r.Field == "" {
			return fmt.Errorf("rule %d has no field", i)
		}
		if !slices.Contains(operators, r.Operator) {
			return fmt.Errorf("rule %d has unknown operator %q", i, r.Operator)
		}
	}
	return nil
}

// Matches reports whether data satisfies the rules. No rules match everything.
func (c FilterConfig) Matches(data map[string]any) bool {
	if len(c.Rules) == 0 {
		return true
	}
	if c.Match == "any" {
		return slices.ContainsFunc(c.Rules, func(r FilterRule) bool { return r.matches(data) })
	}
	for _, r := range c.Rules {
		if !r.matches(data) {
			return false
		}
	}
	return true
}

func (r FilterRule) matches(data map[string]any) bool {
	value, ok := lookup(data, r.Field)
	if !ok || value == nil {
		return false
	}

	switch r.Operator {
	case "eq":
		return fmt.Sprint(value) == fmt.Sprint(r.Value)
	case "ne":
		return fmt.Sprint(value) != fmt.Sprint(r.Value)
	case "gt", "gte", "lt", "lte":
		a, aok := number(value)
		b, bok := number(r.Value)
		if !aok || !bok {
			return false
		}
		switch r.Operator {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "contains":
		if list, ok := value.([]any); ok {
			return slices.ContainsFunc(list, func(v any) bool { return fmt.Sprint(v) == fmt.Sprint(r.Value) })
		}
		return strings.Contains(fmt.Sprint(value), fmt.Sprint(r.Value))
	default:
		return false
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// filter builds a spawn that emits the payload when it matches, and nothing otherwise
func (o options) filter(params map[string]any) (pipeline.Impl, error) {
	var cfg FilterConfig
	if err := decode(KindFilter, params, &cfg); err != nil {
		return pipeline.Impl{}, err
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Impl{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Stages", KindFilter, "validate rules")
	}

	return pipeline.Impl{Spawn: func(_ context.Context, _ *pipeline.Invocation, payload any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			data, err := object(KindFilter, payload)
			if err != nil {
				yield(nil, err)
				return
			}
			matched := cfg.Matches(data)
			o.metrics.recordFilter(matched)
			if matched {
				yield(payload, nil)
			}
		}
	}}, nil
}
