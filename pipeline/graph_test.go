package pipeline

import (
	"context"
	"testing"

	"github.com/awalterschulze/gographviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph(t *testing.T) {
	member := func(context.Context, *Invocation, *Collector) (any, error) { return nil, nil }
	def := mustDefinition(t, "orders",
		Step("validate", addOne),
		Spawn("lines", emit(1, 2)),
		Shuffle("order-lines"),
		Collect(Group{
			Name:     "enrich",
			Terminal: "merge",
			Members: []Member{
				{Name: "price", Fn: member},
				{Name: "stock", Fn: member, Requires: []string{PayloadSlot}},
				{Name: "merge", Fn: member, Requires: []string{"price", "stock"}},
			},
		}),
		Step("store", double),
	)

	dot, err := Graph(def)
	require.NoError(t, err)

	assert.Contains(t, dot, "cluster_segment_0")
	assert.Contains(t, dot, "cluster_segment_1")
	assert.Contains(t, dot, "cluster_group_enrich")
	assert.Contains(t, dot, "cylinder")
	assert.Contains(t, dot, "trapezium")
	assert.Contains(t, dot, `"stream:order-lines"`)
	assert.Contains(t, dot, `"enrich.merge"`)
	assert.Contains(t, dot, "peripheries=2")

	// output must parse back as DOT
	ast, err := gographviz.ParseString(dot)
	require.NoError(t, err)
	parsed := gographviz.NewGraph()
	require.NoError(t, gographviz.Analyse(ast, parsed))
	assert.True(t, parsed.IsNode(`"validate"`))
	assert.True(t, parsed.IsNode(`"store"`))
	assert.True(t, parsed.Directed)
}

func TestGraph_SingleSegment(t *testing.T) {
	def := mustDefinition(t, "simple", Step("A", addOne), Step("B", double))

	dot, err := Graph(def)
	require.NoError(t, err)
	assert.Contains(t, dot, "cluster_segment_0")
	assert.NotContains(t, dot, "cluster_segment_1")
	assert.NotContains(t, dot, "cylinder")
}
