package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/superstep/channel"
	"github.com/tailored-agentic-units/superstep/checkpoint"
	"github.com/tailored-agentic-units/superstep/graph"
	"github.com/tailored-agentic-units/superstep/observability"
	"github.com/tailored-agentic-units/superstep/scheduler"
)

// emitFunc delivers one stream event; a blocked emit suspends the run.
type emitFunc func(ctx context.Context, ev StreamEvent) error

// run drives the superstep loop until quiescence, limit, abort, or
// interrupt. On abort the in-flight superstep's buffered writes are
// discarded before any channel is touched, so the registry never holds a
// partial superstep.
func (e *Engine) run(ctx context.Context, ex *execution, emit emitFunc) (*Outcome, error) {
	for {
		if err := context.Cause(ctx); err != nil {
			return nil, e.abortErr(ex, "", err)
		}

		specs := e.graph.Plan(ex.superstep, ex.triggers, ex.requested)
		if len(specs) == 0 {
			break
		}
		// Quiescing after exactly MaxSupersteps is a normal completion;
		// the limit fires only when eligible work remains.
		if ex.superstep >= e.cfg.MaxSupersteps {
			return nil, &LimitExceededError{ExecutionID: ex.id, Supersteps: ex.superstep}
		}

		e.event(ctx, EventSuperstepStart, observability.LevelVerbose, map[string]any{
			"execution": ex.id,
			"superstep": ex.superstep,
			"tasks":     len(specs),
		})

		// Read phase: capture per-node snapshots against superstep-start
		// state, then run each read channel's consume hook once.
		snapshots, readSet, err := e.readPhase(ex, specs)
		if err != nil {
			return nil, e.abortErr(ex, "", err)
		}
		for _, name := range ex.registry.Names() {
			if !readSet[name] {
				continue
			}
			if _, err := ex.registry.Consume(name); err != nil {
				return nil, e.abortErr(ex, "", err)
			}
		}

		// Execute phase: writes stay buffered in the task results.
		results, err := e.executePhase(ctx, ex, specs, snapshots)
		if err != nil {
			return nil, err
		}

		completed := make(map[string]*graph.Result, len(results))
		for _, res := range results {
			if res.Err != nil {
				ex.nodeErrors[res.ID] = res.Err
				continue
			}
			if out, ok := res.Value.(*graph.Result); ok && out != nil {
				completed[res.ID] = out
			} else {
				completed[res.ID] = &graph.Result{}
			}
		}

		// Write phase: apply buffered updates channel by channel, then
		// run the superstep-boundary hooks.
		changed, err := e.writePhase(ctx, ex, specs, completed)
		if err != nil {
			return nil, err
		}

		values := graph.Snapshot(e.values(ex))
		requested := e.nextRequested(specs, completed, values)

		ex.triggers = changed
		ex.requested = requested
		ex.superstep++

		e.event(ctx, EventSuperstepComplete, observability.LevelVerbose, map[string]any{
			"execution": ex.id,
			"superstep": ex.superstep - 1,
			"changed":   len(changed),
		})

		if emit != nil {
			for _, spec := range specs {
				out, ok := completed[spec.Node.ID]
				if !ok {
					continue
				}
				ev := StreamEvent{
					Superstep: ex.superstep - 1,
					Node:      spec.Node.ID,
					Deltas:    out.Updates,
				}
				if err := emit(ctx, ev); err != nil {
					return nil, e.abortErr(ex, "", err)
				}
			}
		}

		// Checkpoint phase.
		if e.saver != nil && ex.superstep%e.cfg.Checkpoint.Interval == 0 {
			e.checkpointNow(ctx, ex, "")
		}

		if node := e.takeInterrupt(specs, completed); node != "" {
			ex.interruptedAt = node
			if e.saver != nil {
				e.checkpointNow(ctx, ex, node)
			}
			e.mu.Lock()
			e.paused[ex.id] = ex
			e.mu.Unlock()
			return e.outcome(ex, true), nil
		}
	}

	if e.saver != nil && !e.cfg.Checkpoint.Preserve {
		if err := e.saver.Delete(ctx, ex.id, ""); err != nil && ex.checkpointErr == nil {
			ex.checkpointErr = &CheckpointError{ExecutionID: ex.id, Generation: ex.superstep, Cause: err}
		}
	}
	return e.outcome(ex, false), nil
}

// readPhase snapshots each planned node's declared reads. Empty channels
// are omitted from the snapshot rather than treated as failures.
func (e *Engine) readPhase(ex *execution, specs []graph.TaskSpec) (map[string]graph.Snapshot, map[string]bool, error) {
	snapshots := make(map[string]graph.Snapshot, len(specs))
	readSet := make(map[string]bool)

	for _, spec := range specs {
		snap := make(graph.Snapshot, len(spec.Node.Reads))
		for _, name := range spec.Node.Reads {
			readSet[name] = true
			value, err := ex.registry.Value(name)
			if err != nil {
				if errors.Is(err, channel.ErrEmptyChannel) {
					continue
				}
				return nil, nil, err
			}
			snap[name] = value
		}
		snapshots[spec.Node.ID] = snap
	}
	return snapshots, readSet, nil
}

// executePhase submits the superstep's tasks and awaits them, honoring
// the execute-phase timeout and retry policy. Nothing is applied here;
// failed or timed-out attempts leave the registry untouched, so a retry
// re-runs from the same snapshots.
func (e *Engine) executePhase(ctx context.Context, ex *execution, specs []graph.TaskSpec, snapshots map[string]graph.Snapshot) ([]scheduler.Result, error) {
	attempts := e.cfg.Retry.MaxAttempts

	for attempt := 1; ; attempt++ {
		var deadline time.Time
		if e.cfg.ExecuteTimeout > 0 {
			deadline = time.Now().Add(e.cfg.ExecuteTimeout)
		}

		tasks := make([]scheduler.Task, 0, len(specs))
		for _, spec := range specs {
			node := spec.Node
			snap := snapshots[node.ID]
			tasks = append(tasks, scheduler.Task{
				ID:       node.ID,
				Priority: node.Priority,
				Deadline: deadline,
				Timeout:  node.Timeout,
				After:    spec.DependsOn,
				Run: func(tctx context.Context) (any, error) {
					return node.Handler.Execute(tctx, snap)
				},
			})
		}

		batch, err := e.sched.Submit(ctx, tasks)
		if err != nil {
			return nil, e.abortErr(ex, "", err)
		}

		waitCtx, cancel := ctx, func() {}
		if !deadline.IsZero() {
			waitCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		results, waitErr := batch.Wait(waitCtx)
		cancel()

		if waitErr == nil {
			return results, nil
		}

		timedOut := errors.Is(waitErr, context.DeadlineExceeded) || errors.Is(waitErr, scheduler.ErrTaskTimeout)
		if timedOut && attempt < attempts && ctx.Err() == nil {
			continue
		}
		return nil, e.abortErr(ex, failedNode(results, waitErr), waitErr)
	}
}

// writePhase applies each completed node's buffered updates. Batches are
// collected in intra-superstep dependency order, so when a control or data
// path ordered two writers of a single-writer channel, the later writer's
// value lands last. Updates to a channel the node never declared abort the
// superstep; so does any channel-level update or finish failure.
func (e *Engine) writePhase(ctx context.Context, ex *execution, specs []graph.TaskSpec, completed map[string]*graph.Result) ([]string, error) {
	updates := make(map[string][]any)
	for _, spec := range dependencyOrder(specs) {
		out, ok := completed[spec.Node.ID]
		if !ok {
			continue
		}
		declared := make(map[string]bool, len(spec.Node.Writes))
		for _, name := range spec.Node.Writes {
			declared[name] = true
		}
		for name, batch := range out.Updates {
			if !declared[name] {
				err := fmt.Errorf("%w: node %s wrote undeclared channel %s",
					channel.ErrInvalidOperation, spec.Node.ID, name)
				return nil, e.abortErr(ex, spec.Node.ID, err)
			}
			updates[name] = append(updates[name], batch...)
		}
	}

	changedSet := make(map[string]bool)
	for _, name := range ex.registry.Names() {
		batch, ok := updates[name]
		if !ok || len(batch) == 0 {
			continue
		}
		didChange, err := ex.registry.Update(ctx, name, batch)
		if err != nil {
			return nil, e.abortErr(ex, "", err)
		}
		if didChange {
			changedSet[name] = true
		}
	}

	// Superstep-boundary hooks. A channel written this superstep keeps
	// its hook until the next superstep's write phase, giving readers one
	// full read phase to observe the value before an EphemeralValue or a
	// non-accumulating Topic clears it.
	for _, name := range ex.registry.Names() {
		if len(updates[name]) > 0 {
			continue
		}
		didChange, err := ex.registry.Finish(name)
		if err != nil {
			return nil, e.abortErr(ex, "", err)
		}
		if didChange {
			changedSet[name] = true
		}
	}

	var changed []string
	for _, name := range ex.registry.Names() {
		if changedSet[name] {
			changed = append(changed, name)
		}
	}
	return changed, nil
}

// dependencyOrder arranges a superstep's specs so every task follows its
// intra-superstep dependencies, matching the order the scheduler released
// them. Ties keep planning order.
func dependencyOrder(specs []graph.TaskSpec) []graph.TaskSpec {
	remaining := make(map[string]map[string]bool, len(specs))
	for _, spec := range specs {
		deps := make(map[string]bool, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			deps[dep] = true
		}
		remaining[spec.Node.ID] = deps
	}

	ordered := make([]graph.TaskSpec, 0, len(specs))
	done := make(map[string]bool, len(specs))
	for len(ordered) < len(specs) {
		progressed := false
		for _, spec := range specs {
			id := spec.Node.ID
			if done[id] || len(remaining[id]) > 0 {
				continue
			}
			done[id] = true
			ordered = append(ordered, spec)
			for _, other := range specs {
				delete(remaining[other.Node.ID], id)
			}
			progressed = true
		}
		if progressed {
			continue
		}
		// The resolver hands out acyclic dependency sets; anything still
		// blocked here keeps planning order.
		for _, spec := range specs {
			if !done[spec.Node.ID] {
				ordered = append(ordered, spec)
			}
		}
		break
	}
	return ordered
}

// nextRequested gathers the nodes activated for the next superstep by
// Result.Next and by control edges whose predicates pass against
// post-write values. Edge targets that already ran this superstep are
// not re-requested; they were ordered behind their predecessor instead.
func (e *Engine) nextRequested(specs []graph.TaskSpec, completed map[string]*graph.Result, values graph.Snapshot) []string {
	ranNow := make(map[string]bool, len(completed))
	for id := range completed {
		ranNow[id] = true
	}

	seen := make(map[string]bool)
	var requested []string
	add := func(id string) {
		if seen[id] {
			return
		}
		if _, ok := e.graph.Node(id); !ok {
			return
		}
		seen[id] = true
		requested = append(requested, id)
	}

	for _, spec := range specs {
		out, ok := completed[spec.Node.ID]
		if !ok {
			continue
		}
		for _, id := range out.Next {
			add(id)
		}
		for _, edge := range e.graph.EdgesFrom(spec.Node.ID) {
			if edge.Predicate != nil && !edge.Predicate(values) {
				continue
			}
			if ranNow[edge.To] {
				continue
			}
			add(edge.To)
		}
	}
	return requested
}

// checkpointNow saves the registry snapshot at the current generation.
// Failures are recorded on the execution, never propagated: a broken
// saver must not take down a healthy run.
func (e *Engine) checkpointNow(ctx context.Context, ex *execution, interruptedAt string) {
	snapshot, err := ex.registry.Checkpoint(ctx)
	var id string
	if err == nil {
		meta := checkpoint.Metadata{
			"triggers":  ex.triggers,
			"requested": ex.requested,
		}
		if interruptedAt != "" {
			meta["interrupted_at"] = interruptedAt
		}
		id, err = e.saver.Save(ctx, ex.id, ex.superstep, snapshot, meta)
	}
	if err != nil {
		ex.checkpointErr = &CheckpointError{ExecutionID: ex.id, Generation: ex.superstep, Cause: err}
		e.event(ctx, EventCheckpointSave, observability.LevelWarning, map[string]any{
			"execution":  ex.id,
			"generation": ex.superstep,
			"error":      err.Error(),
		})
		return
	}
	e.event(ctx, EventCheckpointSave, observability.LevelVerbose, map[string]any{
		"execution":  ex.id,
		"generation": ex.superstep,
		"checkpoint": id,
	})
}

// takeInterrupt consumes the first pending interrupt matching a node that
// completed this superstep, in planning order.
func (e *Engine) takeInterrupt(specs []graph.TaskSpec, completed map[string]*graph.Result) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, spec := range specs {
		id := spec.Node.ID
		if _, ok := completed[id]; !ok {
			continue
		}
		if e.interrupts[id] {
			delete(e.interrupts, id)
			return id
		}
	}
	return ""
}

func (e *Engine) abortErr(ex *execution, node string, cause error) error {
	return &AbortedError{ExecutionID: ex.id, Superstep: ex.superstep, Node: node, Cause: cause}
}

// failedNode attributes a batch failure to the task that produced it.
func failedNode(results []scheduler.Result, cause error) string {
	var fallback string
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		if errors.Is(res.Err, cause) || errors.Is(cause, res.Err) {
			return res.ID
		}
		if fallback == "" {
			fallback = res.ID
		}
	}
	return fallback
}
