package engine

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/c360/stepstreams/config"
	"github.com/c360/stepstreams/message"
	"github.com/c360/stepstreams/pipeline"
)

// Issue types
const (
	IssueBuild         = "build"
	IssueSharedStream  = "shared_stream"
	IssueUnusedSetting = "unused_consumer"
	IssueUnknownType   = "unknown_datatype"
)

// ValidationIssue is one problem found in the pipeline configuration
type ValidationIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"` // "error" or "warning"
	Pipeline string `json:"pipeline"`
	Message  string `json:"message"`

	err error
}

// PipelineSummary describes one pipeline that built cleanly
type PipelineSummary struct {
	Name     string   `json:"name"`
	Stages   int      `json:"stages"`
	Segments int      `json:"segments"`
	Sources  []string `json:"sources,omitempty"`
}

// ValidationResult contains the outcome of validating every pipeline
type ValidationResult struct {
	Pipelines []PipelineSummary `json:"pipelines"`
	Errors    []ValidationIssue `json:"errors"`
	Warnings  []ValidationIssue `json:"warnings"`
}

// Valid reports whether no errors were found
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// ValidationError wraps a result with errors
type ValidationError struct {
	Result *ValidationResult
}

func (e *ValidationError) Error() string {
	if e.Result == nil || len(e.Result.Errors) == 0 {
		return "pipeline validation failed"
	}
	msgs := make([]string, 0, len(e.Result.Errors))
	for _, issue := range e.Result.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", issue.Pipeline, issue.Message))
	}
	return fmt.Sprintf("pipeline validation failed: %d errors, %d warnings: %s",
		len(e.Result.Errors), len(e.Result.Warnings), strings.Join(msgs, "; "))
}

// Unwrap returns the build errors behind the result
func (e *ValidationError) Unwrap() []error {
	if e.Result == nil {
		return nil
	}
	var errs []error
	for _, issue := range e.Result.Errors {
		if issue.err != nil {
			errs = append(errs, issue.err)
		}
	}
	return errs
}

// Validate builds every pipeline of cfg against the built-in stage kinds
// plus the stages registered through WithStages, without connecting
// anything. Unlike New it reports every problem instead of the first.
func Validate(cfg *config.Config, opts ...Option) (*ValidationResult, error) {
	e := &Engine{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.codec == nil {
		e.codec = message.NewCodec(nil)
	}
	reg, err := e.buildStageRegistry()
	if err != nil {
		return nil, err
	}
	result, _ := validatePipelines(cfg, reg, e.codec.Registry())
	return result, nil
}

// validatePipelines builds every configured pipeline and returns the
// definitions that built
func validatePipelines(
	cfg *config.Config, reg *pipeline.Registry, types *message.Registry,
) (*ValidationResult, map[string]*pipeline.Definition) {
	result := &ValidationResult{Errors: []ValidationIssue{}, Warnings: []ValidationIssue{}}
	defs := make(map[string]*pipeline.Definition, len(cfg.Pipelines))
	consumers := make(map[string][]string) // source stream -> pipelines

	for _, p := range cfg.Pipelines {
		def, err := reg.Build(p.DefinitionSpec)
		if err != nil {
			result.Errors = append(result.Errors, ValidationIssue{
				Type: IssueBuild, Severity: "error", Pipeline: p.Name, Message: err.Error(), err: err,
			})
			continue
		}
		defs[p.Name] = def

		sources := def.SourceStreams()
		for _, s := range sources {
			consumers[s] = append(consumers[s], p.Name)
		}
		result.Pipelines = append(result.Pipelines, PipelineSummary{
			Name:     p.Name,
			Stages:   len(def.Stages()),
			Segments: len(def.Segments()),
			Sources:  sources,
		})

		if len(sources) == 0 && !isZeroConsumer(p.Consumer) {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Type: IssueUnusedSetting, Severity: "warning", Pipeline: p.Name,
				Message: "consumer settings are ignored, the pipeline has no shuffle",
			})
		}

		for _, s := range p.Consumer.Datatypes {
			t, err := message.ParseType(s)
			if err == nil && types != nil && !types.Known(t) {
				result.Warnings = append(result.Warnings, ValidationIssue{
					Type: IssueUnknownType, Severity: "warning", Pipeline: p.Name,
					Message: fmt.Sprintf("datatype %s is not registered, payloads decode as generic JSON", s),
				})
			}
		}
	}

	for _, s := range slices.Sorted(maps.Keys(consumers)) {
		if names := consumers[s]; len(names) > 1 {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Type: IssueSharedStream, Severity: "warning", Pipeline: strings.Join(names, ","),
				Message: fmt.Sprintf("stream %s is consumed by %d pipelines, each resumes every record",
					s, len(names)),
			})
		}
	}

	return result, defs
}

func isZeroConsumer(c config.ConsumerConfig) bool {
	return c.Group == "" && len(c.Datatypes) == 0 && c.BatchSize == 0 && c.Timeout == 0 &&
		c.BatchInterval == 0 && c.Concurrency == 0 && !c.NakOnFailure && c.DrainTimeout == 0
}
