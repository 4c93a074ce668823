package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stepstreams/config"
	"github.com/c360/stepstreams/errors"
	"github.com/c360/stepstreams/pipeline"
)

func TestValidate(t *testing.T) {
	shared := ordersPipeline()
	shared.Name = "orders-copy"

	greet := greetPipeline()
	greet.Consumer = config.ConsumerConfig{Concurrency: 4}

	orders := ordersPipeline()
	orders.Consumer = config.ConsumerConfig{Datatypes: []string{"shop.order.v1"}}

	broken := config.PipelineConfig{DefinitionSpec: pipeline.DefinitionSpec{
		Name:   "broken",
		Stages: []pipeline.StageSpec{{Name: "x", Kind: "filter", With: map[string]any{"rules": "nope"}}},
	}}

	cfg := testConfig(orders, shared, greet, broken)
	result, err := Validate(cfg, WithStages(testStages))
	require.NoError(t, err)

	assert.False(t, result.Valid())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "broken", result.Errors[0].Pipeline)
	assert.Equal(t, IssueBuild, result.Errors[0].Type)

	types := map[string]string{}
	for _, w := range result.Warnings {
		types[w.Type] = w.Pipeline
	}
	assert.Equal(t, map[string]string{
		IssueUnknownType:   "orders",
		IssueSharedStream:  "orders,orders-copy",
		IssueUnusedSetting: "greet",
	}, types)

	require.Len(t, result.Pipelines, 3)
	assert.Equal(t, PipelineSummary{Name: "orders", Stages: 4, Segments: 2, Sources: []string{"order-lines"}},
		result.Pipelines[0])
	assert.Equal(t, 1, result.Pipelines[2].Segments)
}

func TestValidate_Clean(t *testing.T) {
	result, err := Validate(testConfig(ordersPipeline()), WithStages(testStages))
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidationError(t *testing.T) {
	cause := errors.WrapInvalid(errors.ErrUnknownStage, "Registry", "Build", "resolve ghost")
	ve := &ValidationError{Result: &ValidationResult{
		Errors: []ValidationIssue{{Type: IssueBuild, Pipeline: "p", Message: "unknown stage: ghost", err: cause}},
	}}

	assert.Equal(t, "pipeline validation failed: 1 errors, 0 warnings: p: unknown stage: ghost", ve.Error())
	assert.ErrorIs(t, ve, errors.ErrUnknownStage)
	assert.Equal(t, "pipeline validation failed", (&ValidationError{}).Error())
}
