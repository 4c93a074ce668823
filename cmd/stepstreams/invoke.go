package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/stepstreams/config"
	"github.com/c360/stepstreams/engine"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/pipeline"
	"github.com/c360/stepstreams/storage"
)

// invokeResult is the JSON printed by invoke
type invokeResult struct {
	*pipeline.Outcome
	Error   string          `json:"error,omitempty"`
	Resumed []resumedRecord `json:"resumed,omitempty"`
}

// resumedRecord is one stream record carried through a resume segment
// during a local invocation
type resumedRecord struct {
	Stream  string          `json:"stream"`
	Offset  string          `json:"offset"`
	Status  pipeline.Status `json:"status"`
	Payload any             `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newInvokeResult(out *pipeline.Outcome) *invokeResult {
	r := &invokeResult{Outcome: out}
	if out.Err != nil {
		r.Error = out.Err.Error()
	}
	return r
}

func (r *invokeResult) failed() bool {
	if r.Error != "" {
		return true
	}
	for _, rec := range r.Resumed {
		if rec.Error != "" {
			return true
		}
	}
	return false
}

func invokeCmd(flags *globalFlags) *cobra.Command {
	var (
		data     string
		file     string
		id       string
		subject  string
		tracking map[string]string
		local    bool
	)

	cmd := &cobra.Command{
		Use:   "invoke <pipeline>",
		Short: "Run a pipeline once with a JSON payload and print its outcome",
		Long: `Run a pipeline once and print the outcome as JSON.

The payload is read from --data, from --file, or from stdin with --file=-.
With --local the transport and storage are replaced by in-memory ones, so
no NATS server is needed, and every record the invocation publishes is
carried through its resume segments before the command returns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := flags.logger(cfg, cmd.ErrOrStderr())

			payload, err := readPayload(cmd.InOrStdin(), data, file)
			if err != nil {
				return err
			}

			if local {
				cfg.Transport.Kind = config.TransportMemory
				cfg.Storage.Backend = storage.BackendMemory
				cfg.Metrics.Enabled = false
			}

			eng, err := engine.New(cfg, engine.WithLogger(logger), engine.WithVersion(Version))
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}

			ctx := cmd.Context()
			if err := eng.Open(ctx); err != nil {
				return fmt.Errorf("open engine: %w", err)
			}
			defer func() {
				if err := eng.Stop(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("engine stop failed", "error", err)
				}
			}()

			opts := []pipeline.InvocationOption{pipeline.WithTracking(tracking)}
			if id != "" {
				opts = append(opts, pipeline.WithInvocationID(id))
			}
			if subject != "" {
				opts = append(opts, pipeline.WithAuth(pipeline.Auth{Subject: subject}))
			}

			out, err := eng.Invoke(ctx, args[0], payload, opts...)
			if err != nil {
				return err
			}
			result := newInvokeResult(out)

			if local && len(out.Published) > 0 {
				if _, err := eng.Drain(ctx, func(msg *message.StreamMessage, o *pipeline.Outcome) {
					result.Resumed = append(result.Resumed, resumedFrom(msg, o))
				}); err != nil {
					return fmt.Errorf("drain streams: %w", err)
				}
			}

			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.failed() {
				return fmt.Errorf("pipeline %s failed", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the JSON payload from a file, - for stdin")
	cmd.Flags().StringVar(&id, "id", "", "invocation ID, generated when empty")
	cmd.Flags().StringVar(&subject, "subject", "", "authenticated subject attached to the invocation")
	cmd.Flags().StringToStringVar(&tracking, "track", nil, "tracking values carried with the invocation, key=value")
	cmd.Flags().BoolVar(&local, "local", false, "run against in-memory streams and storage")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	return cmd
}

func resumedFrom(msg *message.StreamMessage, out *pipeline.Outcome) resumedRecord {
	rec := resumedRecord{
		Stream:  msg.Stream,
		Offset:  msg.Offset,
		Status:  out.Status,
		Payload: out.Payload(),
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	return rec
}

// readPayload decodes the invocation payload; no input means a nil payload
func readPayload(stdin io.Reader, data, file string) (any, error) {
	var raw []byte
	switch {
	case data != "":
		raw = []byte(data)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = b
	default:
		return nil, nil
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return payload, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
