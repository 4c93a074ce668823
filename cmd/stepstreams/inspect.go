package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360/stepstreams/engine"
	"github.com/c360/stepstreams/pipeline"
)

func validateCmd(flags *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and build every pipeline without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			result, err := engine.Validate(cfg)
			if err != nil {
				return err
			}

			switch strings.ToLower(format) {
			case "json":
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			case "text", "":
				renderValidation(cmd.OutOrStdout(), result)
			default:
				return fmt.Errorf("unknown format %q: use text or json", format)
			}

			if !result.Valid() {
				return &engine.ValidationError{Result: result}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func renderValidation(w io.Writer, result *engine.ValidationResult) {
	for _, p := range result.Pipelines {
		_, _ = fmt.Fprintf(w, "OK: pipeline %q (%d stages, %d segments", p.Name, p.Stages, p.Segments)
		if len(p.Sources) > 0 {
			_, _ = fmt.Fprintf(w, ", consumes %s", strings.Join(p.Sources, ", "))
		}
		_, _ = fmt.Fprintln(w, ")")
	}
	for _, issue := range result.Warnings {
		_, _ = fmt.Fprintf(w, "WARN: %s: %s\n", issue.Pipeline, issue.Message)
	}
	for _, issue := range result.Errors {
		_, _ = fmt.Fprintf(w, "ERROR: %s: %s\n", issue.Pipeline, issue.Message)
	}
}

func graphCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <pipeline>",
		Short: "Print a pipeline as a Graphviz DOT digraph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			eng, err := engine.New(cfg, engine.WithLogger(flags.logger(cfg, cmd.ErrOrStderr())))
			if err != nil {
				return fmt.Errorf("create engine: %w", err)
			}
			def, ok := eng.Definition(args[0])
			if !ok {
				return fmt.Errorf("unknown pipeline %q, configured: %s",
					args[0], strings.Join(eng.Pipelines(), ", "))
			}
			dot, err := pipeline.Graph(def)
			if err != nil {
				return fmt.Errorf("render %s: %w", args[0], err)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
			return err
		},
	}
}
