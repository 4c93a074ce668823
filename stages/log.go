package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pipeline"
)

// LogConfig configures a log stage
type LogConfig struct {
	Message string `json:"message,omitempty"`
	// Level is debug, info (default), warn or error
	Level string `json:"level,omitempty"`
	// Fields are payload fields added as attributes; empty logs none
	Fields []string `json:"fields,omitempty"`
}

// newLog builds a pass-through step that logs the payload with the invocation logger
func newLog(params map[string]any) (pipeline.Impl, error) {
	var cfg LogConfig
	if err := decode(KindLog, params, &cfg); err != nil {
		return pipeline.Impl{}, err
	}

	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return pipeline.Impl{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Stages", KindLog, "parse level")
		}
	}
	if cfg.Message == "" {
		cfg.Message = "payload"
	}

	return pipeline.Impl{Step: func(ctx context.Context, inv *pipeline.Invocation, payload any) (any, error) {
		logger := inv.Logger()
		if !logger.Enabled(ctx, level) {
			return payload, nil
		}

		attrs := []any{"event", inv.Event()}
		if len(cfg.Fields) > 0 {
			if data, err := object(KindLog, payload); err == nil {
				for _, f := range cfg.Fields {
					if v, ok := lookup(data, f); ok {
						attrs = append(attrs, f, v)
					}
				}
			}
		} else {
			attrs = append(attrs, "payload_type", fmt.Sprintf("%T", payload))
		}
		logger.Log(ctx, level, cfg.Message, attrs...)
		return payload, nil
	}}, nil
}
