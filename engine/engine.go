// Package engine drives compiled graphs through bulk-synchronous
// supersteps.
//
// Each superstep runs four phases. The read phase plans the superstep's
// task set and captures per-node snapshots of declared input channels.
// The execute phase runs the tasks on the work-stealing scheduler; writes
// are buffered, never applied mid-step. The write phase applies the
// buffered updates through each channel's own semantics and runs the
// superstep-boundary hooks. The optional checkpoint phase hands a
// generation-numbered snapshot of every tracked channel to the configured
// saver. The loop continues until quiescence: no channel changed and no
// node was requested, so no node has new eligible input.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/superstep/channel"
	"github.com/tailored-agentic-units/superstep/checkpoint"
	"github.com/tailored-agentic-units/superstep/config"
	"github.com/tailored-agentic-units/superstep/graph"
	"github.com/tailored-agentic-units/superstep/observability"
	"github.com/tailored-agentic-units/superstep/scheduler"
)

// Engine executes a compiled graph. One engine serves any number of
// sequential or concurrent executions of its graph; each execution owns
// an isolated channel registry.
type Engine struct {
	graph    *graph.Compiled
	cfg      config.EngineConfig
	observer observability.Observer
	sched    *scheduler.Scheduler
	saver    checkpoint.Saver

	mu         sync.Mutex
	interrupts map[string]bool
	paused     map[string]*execution
}

// Outcome is the terminal state of a completed or paused execution.
type Outcome struct {
	ExecutionID string

	// Supersteps is the number of completed supersteps.
	Supersteps int

	// Values holds the final (or paused) value of every readable
	// channel.
	Values map[string]any

	// NodeErrors records per-node failures under the best-effort
	// failure policy. Empty under fail-fast, which aborts instead.
	NodeErrors map[string]error

	// Interrupted is true when the execution paused at a requested
	// interrupt instead of quiescing; InterruptedAt names the node.
	Interrupted   bool
	InterruptedAt string

	// CheckpointErr reports a saver failure, if any. Saver failures do
	// not fail the execution.
	CheckpointErr error
}

// execution is the mutable state of one run.
type execution struct {
	id            string
	registry      *channel.Registry
	superstep     int
	triggers      []string
	requested     []string
	nodeErrors    map[string]error
	interruptedAt string
	checkpointErr error
}

// New creates an engine for a compiled graph. Zero-valued cfg fields
// receive defaults (see config.DefaultEngineConfig); the failure policy
// cfg.Scheduler.FailFast is taken as given. The observer and checkpoint
// saver names are resolved through their registries; checkpointing is
// active only when cfg.Checkpoint.Interval > 0.
func New(compiled *graph.Compiled, cfg config.EngineConfig) (*Engine, error) {
	if compiled == nil {
		return nil, fmt.Errorf("compiled graph cannot be nil")
	}
	if cfg.Name == "" {
		cfg.Name = compiled.Name()
	}
	if cfg.Observer == "" {
		cfg.Observer = "noop"
	}
	if cfg.MaxSupersteps <= 0 {
		cfg.MaxSupersteps = config.DefaultEngineConfig(cfg.Name).MaxSupersteps
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	observer, err := observability.GetObserver(cfg.Observer)
	if err != nil {
		return nil, err
	}

	var saver checkpoint.Saver
	if cfg.Checkpoint.Interval > 0 {
		saver, err = checkpoint.GetSaver(cfg.Checkpoint.Saver)
		if err != nil {
			return nil, err
		}
	}

	return &Engine{
		graph:      compiled,
		cfg:        cfg,
		observer:   observer,
		sched:      scheduler.New(cfg.Scheduler, observer),
		saver:      saver,
		interrupts: make(map[string]bool),
		paused:     make(map[string]*execution),
	}, nil
}

// Close stops the engine's scheduler. Outstanding executions must settle
// first.
func (e *Engine) Close() {
	e.sched.Close()
}

// Invoke runs the graph to quiescence, abort, superstep limit, or a
// requested interrupt. input seeds named channels before the first
// superstep; channels that change become initial triggers alongside the
// graph's entry points.
func (e *Engine) Invoke(ctx context.Context, input map[string]any) (*Outcome, error) {
	ex, err := e.newExecution(ctx, input)
	if err != nil {
		return nil, err
	}

	e.event(ctx, EventExecutionStart, observability.LevelInfo, map[string]any{
		"execution": ex.id,
		"graph":     e.graph.Name(),
	})

	outcome, err := e.run(ctx, ex, nil)
	e.finishEvent(ctx, ex, outcome, err)
	return outcome, err
}

// StreamEvent reports one node's applied writes after a write phase.
type StreamEvent struct {
	Superstep int
	Node      string

	// Deltas holds the update batches the node produced, keyed by
	// channel name, exactly as applied.
	Deltas map[string][]any
}

// Stream is a handle on a streaming execution. Consume Events until it
// closes, then call Wait for the outcome. Emission blocks on the
// consumer: a slow reader suspends the execution between supersteps
// rather than dropping events.
type Stream struct {
	executionID string
	mailbox     *channel.Mailbox[StreamEvent]
	group       *errgroup.Group
	outcome     *Outcome
	err         error
}

// ExecutionID identifies the running execution.
func (s *Stream) ExecutionID() string { return s.executionID }

// Events returns the event channel. It closes when the execution
// finishes, aborts, or pauses.
func (s *Stream) Events() <-chan StreamEvent { return s.mailbox.Drain() }

// Wait blocks until the execution settles and returns its outcome.
func (s *Stream) Wait() (*Outcome, error) {
	s.err = s.group.Wait()
	return s.outcome, s.err
}

// Stream runs the graph like Invoke while emitting one StreamEvent per
// completed node after each write phase.
func (e *Engine) Stream(ctx context.Context, input map[string]any) (*Stream, error) {
	ex, err := e.newExecution(ctx, input)
	if err != nil {
		return nil, err
	}

	e.event(ctx, EventExecutionStart, observability.LevelInfo, map[string]any{
		"execution": ex.id,
		"graph":     e.graph.Name(),
		"streaming": true,
	})

	s := &Stream{
		executionID: ex.id,
		mailbox:     channel.NewMailbox[StreamEvent](ctx, 16),
	}
	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	group.Go(func() error {
		defer s.mailbox.Close()
		outcome, err := e.run(gctx, ex, func(c context.Context, ev StreamEvent) error {
			return s.mailbox.Send(c, ev)
		})
		s.outcome = outcome
		e.finishEvent(gctx, ex, outcome, err)
		return err
	})
	return s, nil
}

// RequestInterrupt arranges for the next execution that completes the
// named node to pause at the end of that node's superstep, after its
// writes are applied. The request is one-shot: it is consumed by the
// first execution it pauses.
func (e *Engine) RequestInterrupt(node string) error {
	if _, ok := e.graph.Node(node); !ok {
		return fmt.Errorf("unknown node %s", node)
	}
	e.mu.Lock()
	e.interrupts[node] = true
	e.mu.Unlock()
	return nil
}

// Snapshot returns the channel values of a paused execution.
func (e *Engine) Snapshot(executionID string) (map[string]any, error) {
	e.mu.Lock()
	ex, ok := e.paused[executionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPaused, executionID)
	}
	return e.values(ex), nil
}

// Resume continues a paused execution from its next superstep boundary,
// re-entering the read phase against the then-current channel state. An
// execution unknown to this engine is restored from its latest
// checkpoint when a saver is configured.
func (e *Engine) Resume(ctx context.Context, executionID string) (*Outcome, error) {
	e.mu.Lock()
	ex, ok := e.paused[executionID]
	if ok {
		delete(e.paused, executionID)
	}
	e.mu.Unlock()

	if !ok {
		if e.saver == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotPaused, executionID)
		}
		restored, err := e.restore(ctx, executionID)
		if err != nil {
			return nil, err
		}
		ex = restored
	}
	ex.interruptedAt = ""

	e.event(ctx, EventResume, observability.LevelInfo, map[string]any{
		"execution": ex.id,
		"superstep": ex.superstep,
	})

	outcome, err := e.run(ctx, ex, nil)
	e.finishEvent(ctx, ex, outcome, err)
	return outcome, err
}

// newExecution builds an isolated channel registry and seeds it with the
// input updates.
func (e *Engine) newExecution(ctx context.Context, input map[string]any) (*execution, error) {
	registry, err := e.buildRegistry()
	if err != nil {
		return nil, err
	}

	ex := &execution{
		id:         uuid.NewString(),
		registry:   registry,
		nodeErrors: make(map[string]error),
	}

	for name := range input {
		if _, ok := registry.Get(name); !ok {
			return nil, fmt.Errorf("input references unknown channel %s", name)
		}
	}
	for _, name := range registry.Names() {
		value, ok := input[name]
		if !ok {
			continue
		}
		changed, err := registry.Update(ctx, name, []any{value})
		if err != nil {
			return nil, err
		}
		if changed {
			ex.triggers = append(ex.triggers, name)
		}
	}
	return ex, nil
}

func (e *Engine) buildRegistry() (*channel.Registry, error) {
	registry := channel.NewRegistry(e.observer)
	for _, name := range e.graph.Channels() {
		spec, _ := e.graph.ChannelSpec(name)
		if err := registry.Add(name, spec); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// restore rebuilds an execution from its latest checkpoint.
func (e *Engine) restore(ctx context.Context, executionID string) (*execution, error) {
	cp, found, err := e.saver.Load(ctx, executionID, "")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, executionID)
	}

	registry, err := e.buildRegistry()
	if err != nil {
		return nil, err
	}
	if err := registry.Restore(ctx, cp.Channels); err != nil {
		return nil, err
	}

	return &execution{
		id:         executionID,
		registry:   registry,
		superstep:  cp.Generation,
		triggers:   metadataStrings(cp.Metadata["triggers"]),
		requested:  metadataStrings(cp.Metadata["requested"]),
		nodeErrors: make(map[string]error),
	}, nil
}

// metadataStrings recovers a string slice from checkpoint metadata, which
// arrives as []any after a JSON round-trip.
func metadataStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// values reads the current value of every readable channel.
func (e *Engine) values(ex *execution) map[string]any {
	out := make(map[string]any)
	for _, name := range ex.registry.Names() {
		value, err := ex.registry.Value(name)
		if err != nil {
			continue
		}
		out[name] = value
	}
	return out
}

func (e *Engine) outcome(ex *execution, interrupted bool) *Outcome {
	return &Outcome{
		ExecutionID:   ex.id,
		Supersteps:    ex.superstep,
		Values:        e.values(ex),
		NodeErrors:    ex.nodeErrors,
		Interrupted:   interrupted,
		InterruptedAt: ex.interruptedAt,
		CheckpointErr: ex.checkpointErr,
	}
}

func (e *Engine) event(ctx context.Context, eventType observability.EventType, level observability.Level, data map[string]any) {
	e.observer.OnEvent(ctx, observability.Event{
		Type:      eventType,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "engine",
		Data:      data,
	})
}

func (e *Engine) finishEvent(ctx context.Context, ex *execution, outcome *Outcome, err error) {
	switch {
	case err != nil:
		e.event(ctx, EventExecutionAborted, observability.LevelError, map[string]any{
			"execution": ex.id,
			"superstep": ex.superstep,
			"error":     err.Error(),
		})
	case outcome.Interrupted:
		e.event(ctx, EventInterrupt, observability.LevelInfo, map[string]any{
			"execution": ex.id,
			"superstep": ex.superstep,
			"node":      outcome.InterruptedAt,
		})
	default:
		e.event(ctx, EventExecutionComplete, observability.LevelInfo, map[string]any{
			"execution":  ex.id,
			"supersteps": outcome.Supersteps,
		})
	}
}
