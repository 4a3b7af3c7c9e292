package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/superstep/channel"
	"github.com/tailored-agentic-units/superstep/checkpoint"
	"github.com/tailored-agentic-units/superstep/config"
	"github.com/tailored-agentic-units/superstep/engine"
	"github.com/tailored-agentic-units/superstep/graph"
)

var saverSeq atomic.Int64

// registerSaver registers a fresh memory saver under a unique name so
// tests can inspect exactly what one execution persisted.
func registerSaver(t *testing.T) (string, checkpoint.Saver) {
	t.Helper()
	name := fmt.Sprintf("engine-test-saver-%d", saverSeq.Add(1))
	saver := checkpoint.NewMemorySaver()
	checkpoint.RegisterSaver(name, saver)
	return name, saver
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func sumReducer(existing, update any) (any, error) {
	return asFloat(existing) + asFloat(update), nil
}

func sumSpec() channel.Spec {
	return channel.Spec{
		Variant: channel.VariantBinaryOperator,
		Reducer: sumReducer,
		Seed:    0,
		HasSeed: true,
	}
}

// counterGraph increments "count" by one per superstep until it reaches
// target, then quiesces by writing nothing.
func counterGraph(t *testing.T, target float64) *graph.Compiled {
	t.Helper()

	g := graph.New("counter")
	require.NoError(t, g.AddChannel("count", sumSpec()))
	require.NoError(t, g.AddNode("inc", graph.NodeSpec{
		Reads:  []string{"count"},
		Writes: []string{"count"},
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			value, _ := input.Value("count")
			if asFloat(value) >= target {
				return &graph.Result{}, nil
			}
			return &graph.Result{Updates: map[string][]any{"count": {1}}}, nil
		}),
	}))
	require.NoError(t, g.AddEntryPoint("inc"))

	compiled, err := g.Compile()
	require.NoError(t, err)
	return compiled
}

func testConfig(name string) config.EngineConfig {
	cfg := config.DefaultEngineConfig(name)
	cfg.Observer = "noop"
	return cfg
}

func newEngine(t *testing.T, compiled *graph.Compiled, cfg config.EngineConfig) *engine.Engine {
	t.Helper()
	e, err := engine.New(compiled, cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestInvoke_CounterRunsToQuiescence(t *testing.T) {
	e := newEngine(t, counterGraph(t, 5), testConfig("counter"))

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)

	assert.EqualValues(t, 5, asFloat(outcome.Values["count"]))
	// Five incrementing supersteps plus the final no-write superstep.
	assert.Equal(t, 6, outcome.Supersteps)
	assert.False(t, outcome.Interrupted)
	assert.Empty(t, outcome.NodeErrors)
	assert.NotEmpty(t, outcome.ExecutionID)
}

func TestInvoke_InputSeedsChannels(t *testing.T) {
	e := newEngine(t, counterGraph(t, 5), testConfig("counter"))

	outcome, err := e.Invoke(context.Background(), map[string]any{"count": 3})
	require.NoError(t, err)

	assert.EqualValues(t, 5, asFloat(outcome.Values["count"]))
	assert.Equal(t, 3, outcome.Supersteps)
}

func TestInvoke_UnknownInputChannel(t *testing.T) {
	e := newEngine(t, counterGraph(t, 5), testConfig("counter"))

	_, err := e.Invoke(context.Background(), map[string]any{"ghost": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestInvoke_FanOutFanIn(t *testing.T) {
	g := graph.New("fan")
	require.NoError(t, g.AddChannel("work", channel.Spec{Variant: channel.VariantLastValue}))
	require.NoError(t, g.AddChannel("partial", sumSpec()))
	require.NoError(t, g.AddChannel("total", channel.Spec{Variant: channel.VariantLastValue}))

	require.NoError(t, g.AddNode("split", graph.NodeSpec{
		Writes: []string{"work"},
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			return &graph.Result{Updates: map[string][]any{"work": {"go"}}}, nil
		}),
	}))
	for i := 1; i <= 5; i++ {
		require.NoError(t, g.AddNode(fmt.Sprintf("add%d", i), graph.NodeSpec{
			Reads:  []string{"work"},
			Writes: []string{"partial"},
			Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
				return &graph.Result{Updates: map[string][]any{"partial": {1}}}, nil
			}),
		}))
	}
	require.NoError(t, g.AddNode("join", graph.NodeSpec{
		Reads:  []string{"partial"},
		Writes: []string{"total"},
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			value, _ := input.Value("partial")
			return &graph.Result{Updates: map[string][]any{"total": {value}}}, nil
		}),
	}))
	require.NoError(t, g.AddEntryPoint("split"))

	compiled, err := g.Compile()
	require.NoError(t, err)
	e := newEngine(t, compiled, testConfig("fan"))

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)

	// Five concurrent +1 writers reduced into partial within a single
	// superstep, copied to total by join.
	assert.EqualValues(t, 5, asFloat(outcome.Values["total"]))
}

func TestInvoke_EphemeralReadableNextSuperstep(t *testing.T) {
	var observed atomic.Value
	g := graph.New("relay")
	require.NoError(t, g.AddChannel("note", channel.Spec{Variant: channel.VariantEphemeralValue}))

	require.NoError(t, g.AddNode("producer", graph.NodeSpec{
		Writes: []string{"note"},
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			return &graph.Result{Updates: map[string][]any{"note": {"hello"}}}, nil
		}),
	}))
	require.NoError(t, g.AddNode("consumer", graph.NodeSpec{
		Reads: []string{"note"},
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			if value, ok := input.Value("note"); ok {
				observed.Store(value)
			}
			return &graph.Result{}, nil
		}),
	}))
	require.NoError(t, g.AddEntryPoint("producer"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	e := newEngine(t, compiled, testConfig("relay"))

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)

	// The ephemeral write survives its own superstep boundary so the
	// triggered reader observes it, and is gone once consumed.
	assert.Equal(t, "hello", observed.Load())
	assert.NotContains(t, outcome.Values, "note")
}

func TestInvoke_OrderedWritersApplyInExecutionOrder(t *testing.T) {
	writer := func(value string) graph.NodeSpec {
		return graph.NodeSpec{
			Writes: []string{"x"},
			Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
				return &graph.Result{Updates: map[string][]any{"x": {value}}}, nil
			}),
		}
	}

	// Declaration order deliberately reverses the control-edge order.
	g := graph.New("ordered")
	require.NoError(t, g.AddChannel("x", channel.Spec{Variant: channel.VariantLastValue}))
	require.NoError(t, g.AddNode("second", writer("second")))
	require.NoError(t, g.AddNode("first", writer("first")))
	require.NoError(t, g.AddEdge("first", "second"))
	require.NoError(t, g.AddEntryPoint("first"))
	require.NoError(t, g.AddEntryPoint("second"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	e := newEngine(t, compiled, testConfig("ordered"))

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)

	// The edge that legalized two writers of a LastValue channel also
	// decides whose write lands last.
	assert.Equal(t, "second", outcome.Values["x"])
}

func TestInvoke_ConditionalEdgesRoute(t *testing.T) {
	build := func(t *testing.T, status string) (*graph.Compiled, *atomic.Int32, *atomic.Int32) {
		var approved, rejected atomic.Int32
		g := graph.New("review")
		require.NoError(t, g.AddChannel("status", channel.Spec{Variant: channel.VariantLastValue}))

		require.NoError(t, g.AddNode("review", graph.NodeSpec{
			Writes: []string{"status"},
			Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
				return &graph.Result{Updates: map[string][]any{"status": {status}}}, nil
			}),
		}))
		require.NoError(t, g.AddNode("approve", graph.NodeSpec{
			Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
				approved.Add(1)
				return &graph.Result{}, nil
			}),
		}))
		require.NoError(t, g.AddNode("reject", graph.NodeSpec{
			Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
				rejected.Add(1)
				return &graph.Result{}, nil
			}),
		}))
		require.NoError(t, g.AddConditionalEdge("review", "approve", graph.ValueEquals("status", "approved")))
		require.NoError(t, g.AddConditionalEdge("review", "reject", graph.Not(graph.ValueEquals("status", "approved"))))
		require.NoError(t, g.AddEntryPoint("review"))

		compiled, err := g.Compile()
		require.NoError(t, err)
		return compiled, &approved, &rejected
	}

	t.Run("approved", func(t *testing.T) {
		compiled, approved, rejected := build(t, "approved")
		e := newEngine(t, compiled, testConfig("review"))
		_, err := e.Invoke(context.Background(), nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, approved.Load())
		assert.EqualValues(t, 0, rejected.Load())
	})

	t.Run("rejected", func(t *testing.T) {
		compiled, approved, rejected := build(t, "rejected")
		e := newEngine(t, compiled, testConfig("review"))
		_, err := e.Invoke(context.Background(), nil)
		require.NoError(t, err)
		assert.EqualValues(t, 0, approved.Load())
		assert.EqualValues(t, 1, rejected.Load())
	})
}

func TestInvoke_SuperstepLimit(t *testing.T) {
	g := graph.New("spinner")
	require.NoError(t, g.AddNode("spin", graph.NodeSpec{
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			return &graph.Result{Next: []string{"spin"}}, nil
		}),
	}))
	require.NoError(t, g.AddEntryPoint("spin"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	cfg := testConfig("spinner")
	cfg.MaxSupersteps = 5
	e := newEngine(t, compiled, cfg)

	_, err = e.Invoke(context.Background(), nil)
	var lerr *engine.LimitExceededError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 5, lerr.Supersteps)
}

func TestInvoke_QuiescenceAtSuperstepLimit(t *testing.T) {
	// Counting to 5 quiesces on superstep six exactly; reaching the limit
	// with no eligible work left is a normal completion.
	cfg := testConfig("counter")
	cfg.MaxSupersteps = 6
	e := newEngine(t, counterGraph(t, 5), cfg)

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, outcome.Supersteps)
	assert.EqualValues(t, 5, asFloat(outcome.Values["count"]))
}

func TestInvoke_FailFastAborts(t *testing.T) {
	boom := errors.New("handler exploded")
	g := graph.New("fragile")
	require.NoError(t, g.AddNode("breaks", graph.NodeSpec{
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			return nil, boom
		}),
	}))
	require.NoError(t, g.AddEntryPoint("breaks"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	e := newEngine(t, compiled, testConfig("fragile"))

	_, err = e.Invoke(context.Background(), nil)
	var aerr *engine.AbortedError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "breaks", aerr.Node)
	assert.Equal(t, 0, aerr.Superstep)
	assert.ErrorIs(t, err, boom)
}

func TestInvoke_BestEffortRecordsFailures(t *testing.T) {
	boom := errors.New("handler exploded")
	g := graph.New("tolerant")
	require.NoError(t, g.AddChannel("out", channel.Spec{Variant: channel.VariantLastValue}))
	require.NoError(t, g.AddNode("breaks", graph.NodeSpec{
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			return nil, boom
		}),
	}))
	require.NoError(t, g.AddNode("works", graph.NodeSpec{
		Writes: []string{"out"},
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			return &graph.Result{Updates: map[string][]any{"out": {"done"}}}, nil
		}),
	}))
	require.NoError(t, g.AddEntryPoint("breaks"))
	require.NoError(t, g.AddEntryPoint("works"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	cfg := testConfig("tolerant")
	cfg.Scheduler.FailFast = false
	e := newEngine(t, compiled, cfg)

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, outcome.NodeErrors["breaks"], boom)
	assert.Equal(t, "done", outcome.Values["out"])
}

func TestInvoke_UndeclaredWriteAborts(t *testing.T) {
	g := graph.New("sneaky")
	require.NoError(t, g.AddChannel("declared", channel.Spec{Variant: channel.VariantLastValue}))
	require.NoError(t, g.AddNode("cheat", graph.NodeSpec{
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			return &graph.Result{Updates: map[string][]any{"declared": {1}}}, nil
		}),
	}))
	require.NoError(t, g.AddEntryPoint("cheat"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	e := newEngine(t, compiled, testConfig("sneaky"))

	_, err = e.Invoke(context.Background(), nil)
	var aerr *engine.AbortedError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "cheat", aerr.Node)
	assert.ErrorIs(t, err, channel.ErrInvalidOperation)
}

func TestInvoke_ExecuteTimeoutDiscardsAllWrites(t *testing.T) {
	g := graph.New("slow")
	require.NoError(t, g.AddChannel("x", channel.Spec{Variant: channel.VariantLastValue}))
	require.NoError(t, g.AddNode("fast", graph.NodeSpec{
		Writes: []string{"x"},
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			return &graph.Result{Updates: map[string][]any{"x": {"written"}}}, nil
		}),
	}))
	require.NoError(t, g.AddNode("stuck", graph.NodeSpec{
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}))
	require.NoError(t, g.AddEntryPoint("fast"))
	require.NoError(t, g.AddEntryPoint("stuck"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	cfg := testConfig("slow")
	cfg.ExecuteTimeout = 50 * time.Millisecond
	e := newEngine(t, compiled, cfg)

	stream, err := e.Stream(context.Background(), nil)
	require.NoError(t, err)

	var events []engine.StreamEvent
	for ev := range stream.Events() {
		events = append(events, ev)
	}

	_, err = stream.Wait()
	var aerr *engine.AbortedError
	require.ErrorAs(t, err, &aerr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The fast node's buffered write was discarded with the superstep:
	// no write phase ran, so no stream event was emitted.
	assert.Empty(t, events)
}

func TestInvoke_RetryReRunsTimedOutSuperstep(t *testing.T) {
	var attempts atomic.Int32
	g := graph.New("flaky")
	require.NoError(t, g.AddChannel("out", channel.Spec{Variant: channel.VariantLastValue}))
	require.NoError(t, g.AddNode("eventually", graph.NodeSpec{
		Writes: []string{"out"},
		Handler: graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
			if attempts.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &graph.Result{Updates: map[string][]any{"out": {"ok"}}}, nil
		}),
	}))
	require.NoError(t, g.AddEntryPoint("eventually"))
	compiled, err := g.Compile()
	require.NoError(t, err)

	cfg := testConfig("flaky")
	cfg.ExecuteTimeout = 50 * time.Millisecond
	cfg.Retry.MaxAttempts = 2
	e := newEngine(t, compiled, cfg)

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "ok", outcome.Values["out"])
	assert.EqualValues(t, 2, attempts.Load())
}

func TestStream_EmitsPerNodePerSuperstep(t *testing.T) {
	e := newEngine(t, counterGraph(t, 3), testConfig("counter"))

	stream, err := e.Stream(context.Background(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, stream.ExecutionID())

	var events []engine.StreamEvent
	for ev := range stream.Events() {
		events = append(events, ev)
	}

	outcome, err := stream.Wait()
	require.NoError(t, err)
	assert.EqualValues(t, 3, asFloat(outcome.Values["count"]))

	// Three incrementing supersteps plus the final no-write superstep.
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, i, ev.Superstep)
		assert.Equal(t, "inc", ev.Node)
	}
	assert.Equal(t, map[string][]any{"count": {1}}, events[0].Deltas)
	assert.Empty(t, events[3].Deltas)
}

func TestInterruptResume_MatchesUninterruptedRun(t *testing.T) {
	reference := newEngine(t, counterGraph(t, 5), testConfig("counter"))
	expected, err := reference.Invoke(context.Background(), nil)
	require.NoError(t, err)

	e := newEngine(t, counterGraph(t, 5), testConfig("counter"))
	require.NoError(t, e.RequestInterrupt("inc"))

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, outcome.Interrupted)
	assert.Equal(t, "inc", outcome.InterruptedAt)
	assert.Equal(t, 1, outcome.Supersteps)

	// The pause is superstep-aligned: the interrupting node's write is
	// already applied.
	paused, err := e.Snapshot(outcome.ExecutionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, asFloat(paused["count"]))

	final, err := e.Resume(context.Background(), outcome.ExecutionID)
	require.NoError(t, err)
	assert.False(t, final.Interrupted)
	assert.EqualValues(t, asFloat(expected.Values["count"]), asFloat(final.Values["count"]))
	assert.Equal(t, expected.Supersteps, final.Supersteps)

	// The execution is no longer paused.
	_, err = e.Snapshot(outcome.ExecutionID)
	require.ErrorIs(t, err, engine.ErrNotPaused)
}

func TestRequestInterrupt_UnknownNode(t *testing.T) {
	e := newEngine(t, counterGraph(t, 5), testConfig("counter"))
	require.Error(t, e.RequestInterrupt("ghost"))
}

func TestResume_UnknownExecution(t *testing.T) {
	e := newEngine(t, counterGraph(t, 5), testConfig("counter"))
	_, err := e.Resume(context.Background(), "no-such-execution")
	require.ErrorIs(t, err, engine.ErrNotPaused)
}

func TestResume_FromCheckpointInFreshEngine(t *testing.T) {
	cfg := testConfig("counter")
	cfg.Checkpoint.Saver = "memory"
	cfg.Checkpoint.Interval = 1
	cfg.Checkpoint.Preserve = true

	e := newEngine(t, counterGraph(t, 5), cfg)
	require.NoError(t, e.RequestInterrupt("inc"))

	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, outcome.Interrupted)
	require.NoError(t, outcome.CheckpointErr)
	e.Close()

	// A fresh engine has no in-memory paused state; Resume must restore
	// from the shared "memory" saver.
	fresh := newEngine(t, counterGraph(t, 5), cfg)
	final, err := fresh.Resume(context.Background(), outcome.ExecutionID)
	require.NoError(t, err)

	assert.EqualValues(t, 5, asFloat(final.Values["count"]))
	assert.False(t, final.Interrupted)
}

func TestInvoke_CheckpointsAtInterval(t *testing.T) {
	name, saver := registerSaver(t)

	cfg := testConfig("counter")
	cfg.Checkpoint.Saver = name
	cfg.Checkpoint.Interval = 2
	cfg.Checkpoint.Preserve = true

	e := newEngine(t, counterGraph(t, 5), cfg)
	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, outcome.CheckpointErr)

	cps, err := saver.List(context.Background(), outcome.ExecutionID, 0)
	require.NoError(t, err)

	// Six supersteps with interval 2: generations 2, 4, 6 newest-first.
	require.Len(t, cps, 3)
	assert.Equal(t, 6, cps[0].Generation)
	assert.Equal(t, 2, cps[2].Generation)
}

func TestInvoke_CleansCheckpointsUnlessPreserved(t *testing.T) {
	name, saver := registerSaver(t)

	cfg := testConfig("counter")
	cfg.Checkpoint.Saver = name
	cfg.Checkpoint.Interval = 1

	e := newEngine(t, counterGraph(t, 3), cfg)
	outcome, err := e.Invoke(context.Background(), nil)
	require.NoError(t, err)

	cps, err := saver.List(context.Background(), outcome.ExecutionID, 0)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestNew_UnknownObserver(t *testing.T) {
	cfg := testConfig("counter")
	cfg.Observer = "no-such-observer"
	_, err := engine.New(counterGraph(t, 1), cfg)
	require.Error(t, err)
}

func TestNew_UnknownSaver(t *testing.T) {
	cfg := testConfig("counter")
	cfg.Checkpoint.Saver = "no-such-saver"
	cfg.Checkpoint.Interval = 1
	_, err := engine.New(counterGraph(t, 1), cfg)
	require.Error(t, err)
}
