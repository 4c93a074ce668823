package stages

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pipeline"
)

// MapConfig configures a map stage
type MapConfig struct {
	Mappings     []FieldMapping `json:"mappings,omitempty"`
	AddFields    map[string]any `json:"add_fields,omitempty"`
	RemoveFields []string       `json:"remove_fields,omitempty"`
}

// FieldMapping moves a field, optionally transforming string values
type FieldMapping struct {
	SourceField string `json:"source_field"`
	TargetField string `json:"target_field"`
	// Transform is copy (default), uppercase, lowercase or trim
	Transform string `json:"transform,omitempty"`
}

var transforms = []string{"", "copy", "uppercase", "lowercase", "trim"}

// Validate checks the mappings
func (c MapConfig) Validate() error {
	for i, m := range c.Mappings {
		if m.SourceField == "" || m.TargetField == "" {
			return fmt.Errorf("mapping %d needs source_field and target_field", i)
		}
		if !slices.Contains(transforms, m.Transform) {
			return fmt.Errorf("mapping %d has unknown transform %q", i, m.Transform)
		}
	}
	return nil
}

// Apply returns a new object with removals, mappings and static fields
// applied in that order
func (c MapConfig) Apply(data map[string]any) (result map[string]any, mapped, removed int) {
	result = make(map[string]any, len(data))
	for key, value := range data {
		if slices.Contains(c.RemoveFields, key) {
			removed++
			continue
		}
		result[key] = value
	}

	for _, m := range c.Mappings {
		value, ok := data[m.SourceField]
		if !ok {
			continue
		}
		result[m.TargetField] = transform(value, m.Transform)
		if m.SourceField != m.TargetField {
			delete(result, m.SourceField)
		}
		mapped++
	}

	maps.Copy(result, c.AddFields)
	return result, mapped, removed
}

func transform(value any, kind string) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch kind {
	case "uppercase":
		return strings.ToUpper(s)
	case "lowercase":
		return strings.ToLower(s)
	case "trim":
		return strings.TrimSpace(s)
	default:
		return value
	}
}

func (o options) mapper(params map[string]any) (pipeline.Impl, error) {
	var cfg MapConfig
	if err := decode(KindMap, params, &cfg); err != nil {
		return pipeline.Impl{}, err
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Impl{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Stages", KindMap, "validate mappings")
	}

	return pipeline.Impl{Step: func(_ context.Context, _ *pipeline.Invocation, payload any) (any, error) {
		data, err := object(KindMap, payload)
		if err != nil {
			return nil, err
		}
		result, mapped, removed := cfg.Apply(data)
		o.metrics.recordFields("mapped", mapped)
		o.metrics.recordFields("removed", removed)
		o.metrics.recordFields("added", len(cfg.AddFields))
		return result, nil
	}}, nil
}
