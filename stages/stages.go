package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pipeline"
)

// Stage kind names
const (
	KindFilter  = "filter"
	KindMap     = "map"
	KindSplit   = "split"
	KindCombine = "combine"
	KindStore   = "store"
	KindLog     = "log"
)

// Register adds every built-in stage kind to reg
func Register(reg *pipeline.Registry, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	kinds := map[string]pipeline.Factory{
		KindFilter:  o.filter,
		KindMap:     o.mapper,
		KindSplit:   o.split,
		KindCombine: newCombine,
		KindStore:   newStore,
		KindLog:     newLog,
	}
	for _, kind := range []string{KindFilter, KindMap, KindSplit, KindCombine, KindStore, KindLog} {
		if err := reg.RegisterKind(kind, kinds[kind]); err != nil {
			return err
		}
	}
	return nil
}

// Option configures Register
type Option func(*options)

type options struct {
	metrics *Metrics
}

// WithMetrics attaches stage metrics
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// decode binds stage parameters to a typed config
func decode(kind string, params map[string]any, into any) error {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.WrapInvalid(err, "Stages", kind, "encode parameters")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Stages", kind, "decode parameters")
	}
	return nil
}

// object returns payload as a JSON object. Typed payloads are converted
// through their JSON form.
func object(kind string, payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case map[string]any:
		return p, nil
	case nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Stages", kind, "payload is nil")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Stages", kind, "encode payload")
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: payload of type %T is not an object", errors.ErrInvalidData, payload),
			"Stages", kind, "convert payload")
	}
	return obj, nil
}

// lookup returns a field by dot-separated path
func lookup(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}

	var current any = data
	for part := range strings.SplitSeq(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}
