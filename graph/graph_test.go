package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/superstep/channel"
	"github.com/tailored-agentic-units/superstep/graph"
)

func noopHandler() graph.Handler {
	return graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
		return &graph.Result{}, nil
	})
}

func lastValueSpec() channel.Spec {
	return channel.Spec{Variant: channel.VariantLastValue}
}

func reducerSpec() channel.Spec {
	return channel.Spec{
		Variant: channel.VariantBinaryOperator,
		Reducer: func(existing, update any) (any, error) { return update, nil },
	}
}

func TestGraph_AddNode(t *testing.T) {
	tests := []struct {
		name        string
		nodeID      string
		spec        graph.NodeSpec
		expectError bool
	}{
		{
			name:        "valid node",
			nodeID:      "work",
			spec:        graph.NodeSpec{Handler: noopHandler()},
			expectError: false,
		},
		{
			name:        "empty id",
			nodeID:      "",
			spec:        graph.NodeSpec{Handler: noopHandler()},
			expectError: true,
		},
		{
			name:        "nil handler",
			nodeID:      "work",
			spec:        graph.NodeSpec{},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.New("test")
			err := g.AddNode(tt.nodeID, tt.spec)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			// Duplicate registration is always rejected.
			err = g.AddNode(tt.nodeID, tt.spec)
			require.Error(t, err)
		})
	}
}

func TestGraph_AddEdgeRequiresNodes(t *testing.T) {
	g := graph.New("test")
	require.NoError(t, g.AddNode("a", graph.NodeSpec{Handler: noopHandler()}))

	require.Error(t, g.AddEdge("a", "missing"))
	require.Error(t, g.AddEdge("missing", "a"))
	require.Error(t, g.AddEdge("", "a"))
}

func TestGraph_AddChannelRejectsDuplicates(t *testing.T) {
	g := graph.New("test")
	require.NoError(t, g.AddChannel("state", lastValueSpec()))
	require.Error(t, g.AddChannel("state", lastValueSpec()))
	require.Error(t, g.AddChannel("", lastValueSpec()))
}

func TestCompile_RequiresNodesAndEntryPoint(t *testing.T) {
	g := graph.New("empty")
	_, err := g.Compile()
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, g.AddNode("a", graph.NodeSpec{Handler: noopHandler()}))
	_, err = g.Compile()
	require.ErrorAs(t, err, &verr)

	require.NoError(t, g.AddEntryPoint("a"))
	_, err = g.Compile()
	require.NoError(t, err)
}

func TestCompile_RejectsUndeclaredChannels(t *testing.T) {
	tests := []struct {
		name string
		spec graph.NodeSpec
	}{
		{
			name: "undeclared read",
			spec: graph.NodeSpec{Handler: noopHandler(), Reads: []string{"ghost"}},
		},
		{
			name: "undeclared write",
			spec: graph.NodeSpec{Handler: noopHandler(), Writes: []string{"ghost"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.New("test")
			require.NoError(t, g.AddNode("a", tt.spec))
			require.NoError(t, g.AddEntryPoint("a"))

			_, err := g.Compile()
			var verr *graph.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, "ghost")
		})
	}
}

func TestCompile_RejectsControlEdgeCycle(t *testing.T) {
	g := graph.New("cyclic")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.AddNode(id, graph.NodeSpec{Handler: noopHandler()}))
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))
	require.NoError(t, g.AddEdge("c", "a"))
	require.NoError(t, g.AddEntryPoint("a"))

	_, err := g.Compile()
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "cycle")
	assert.Len(t, verr.Nodes, 3)
}

func TestCompile_RejectsSelfEdge(t *testing.T) {
	g := graph.New("self")
	require.NoError(t, g.AddNode("loop", graph.NodeSpec{Handler: noopHandler()}))
	require.NoError(t, g.AddEdge("loop", "loop"))
	require.NoError(t, g.AddEntryPoint("loop"))

	_, err := g.Compile()
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCompile_RejectsUnorderedNonReducingWriters(t *testing.T) {
	g := graph.New("conflict")
	require.NoError(t, g.AddChannel("state", lastValueSpec()))
	require.NoError(t, g.AddNode("w1", graph.NodeSpec{Handler: noopHandler(), Writes: []string{"state"}}))
	require.NoError(t, g.AddNode("w2", graph.NodeSpec{Handler: noopHandler(), Writes: []string{"state"}}))
	require.NoError(t, g.AddEntryPoint("w1"))

	_, err := g.Compile()
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"w1", "w2"}, verr.Nodes)
}

func TestCompile_AllowsOrderedNonReducingWriters(t *testing.T) {
	g := graph.New("ordered")
	require.NoError(t, g.AddChannel("state", lastValueSpec()))
	require.NoError(t, g.AddNode("w1", graph.NodeSpec{Handler: noopHandler(), Writes: []string{"state"}}))
	require.NoError(t, g.AddNode("w2", graph.NodeSpec{Handler: noopHandler(), Writes: []string{"state"}}))
	require.NoError(t, g.AddEdge("w1", "w2"))
	require.NoError(t, g.AddEntryPoint("w1"))

	_, err := g.Compile()
	require.NoError(t, err)
}

func TestCompile_AllowsConcurrentReducingWriters(t *testing.T) {
	g := graph.New("reducing")
	require.NoError(t, g.AddChannel("sum", reducerSpec()))
	require.NoError(t, g.AddNode("w1", graph.NodeSpec{Handler: noopHandler(), Writes: []string{"sum"}}))
	require.NoError(t, g.AddNode("w2", graph.NodeSpec{Handler: noopHandler(), Writes: []string{"sum"}}))
	require.NoError(t, g.AddEntryPoint("w1"))
	require.NoError(t, g.AddEntryPoint("w2"))

	_, err := g.Compile()
	require.NoError(t, err)
}

func TestPredicates(t *testing.T) {
	values := graph.Snapshot{"status": "approved", "count": 3}

	tests := []struct {
		name      string
		predicate graph.Predicate
		want      bool
	}{
		{"always", graph.Always(), true},
		{"value exists", graph.ValueExists("status"), true},
		{"value missing", graph.ValueExists("ghost"), false},
		{"value equals", graph.ValueEquals("status", "approved"), true},
		{"value differs", graph.ValueEquals("status", "rejected"), false},
		{"not", graph.Not(graph.ValueExists("ghost")), true},
		{"and", graph.And(graph.ValueExists("status"), graph.ValueEquals("count", 3)), true},
		{"and short-circuits", graph.And(graph.ValueExists("ghost"), graph.ValueEquals("count", 3)), false},
		{"or", graph.Or(graph.ValueExists("ghost"), graph.ValueEquals("count", 3)), true},
		{"or all false", graph.Or(graph.ValueExists("ghost"), graph.ValueEquals("count", 4)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.predicate(values))
		})
	}
}
