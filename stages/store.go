package stages

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pipeline"
)

// StoreConfig configures a store stage.
//
// Key is a text/template rendered with .Payload (the payload object),
// .InvocationID, .OperationID and .Event, for example
// "orders/{{.Payload.id}}".
type StoreConfig struct {
	Key string `json:"key"`
	// Op is put (default) or get
	Op string `json:"op,omitempty"`
	// Into names the payload field a get writes the loaded value to
	Into string `json:"into,omitempty"`
	// MissingOK makes a get of a missing key leave the payload unchanged
	MissingOK bool `json:"missing_ok,omitempty"`
}

type keyData struct {
	Payload      map[string]any
	InvocationID string
	OperationID  string
	Event        string
}

// newStore builds a step that writes the payload to, or enriches it from,
// the invocation's storage capability. The payload passes through.
func newStore(params map[string]any) (pipeline.Impl, error) {
	var cfg StoreConfig
	if err := decode(KindStore, params, &cfg); err != nil {
		return pipeline.Impl{}, err
	}
	if cfg.Key == "" {
		return pipeline.Impl{}, errors.WrapInvalid(errors.ErrMissingConfig, "Stages", KindStore, "key is required")
	}
	switch cfg.Op {
	case "", "put":
	case "get":
		if cfg.Into == "" {
			return pipeline.Impl{}, errors.WrapInvalid(errors.ErrMissingConfig, "Stages", KindStore, "into is required for get")
		}
	default:
		return pipeline.Impl{}, errors.WrapInvalid(errors.ErrInvalidConfig, "Stages", KindStore,
			fmt.Sprintf("unknown op %q", cfg.Op))
	}

	tmpl, err := template.New("key").Option("missingkey=error").Parse(cfg.Key)
	if err != nil {
		return pipeline.Impl{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Stages", KindStore, "parse key")
	}

	return pipeline.Impl{Step: func(ctx context.Context, inv *pipeline.Invocation, payload any) (any, error) {
		store := inv.Store()
		if store == nil {
			return nil, errors.WrapFatal(errors.ErrMissingConfig, "Stages", KindStore, "no storage capability")
		}

		data, err := object(KindStore, payload)
		if err != nil {
			return nil, err
		}

		var key strings.Builder
		err = tmpl.Execute(&key, keyData{
			Payload:      data,
			InvocationID: inv.ID(),
			OperationID:  inv.OperationID(),
			Event:        inv.Event(),
		})
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Stages", KindStore, "render key")
		}

		if cfg.Op == "get" {
			return load(ctx, cfg, store, key.String(), data)
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Stages", KindStore, "encode payload")
		}
		if err := store.Put(ctx, key.String(), raw); err != nil {
			return nil, err
		}
		return payload, nil
	}}, nil
}

type getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

func load(ctx context.Context, cfg StoreConfig, store getter, key string, data map[string]any) (any, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		if cfg.MissingOK && stderrors.Is(err, errors.ErrKeyNotFound) {
			return data, nil
		}
		return nil, err
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "Stages", KindStore,
			fmt.Sprintf("decode %s", key))
	}

	result := make(map[string]any, len(data)+1)
	for k, v := range data {
		result[k] = v
	}
	result[cfg.Into] = value
	return result, nil
}
