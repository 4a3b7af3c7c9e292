// Package scheduler implements a work-stealing worker pool for batches of
// prioritized, interdependent tasks.
//
// Each worker owns a local deque: the owner pushes and pops at the bottom,
// idle workers steal from the top of a victim holding more than one task.
// Submission orders a batch by effective priority (base priority plus a
// deadline urgency boost) and deals it round-robin across the deques, so
// every owner finds its highest-priority task at the bottom while thieves
// drain low-priority work from the top.
//
// A counting admission gate caps simultaneously executing tasks
// independently of the worker count; Suspend releases the caller's slot
// around external waits, permitting cooperative oversubscription.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tailored-agentic-units/superstep/config"
	"github.com/tailored-agentic-units/superstep/observability"
)

type worker struct {
	index int
	deque *deque
}

// Scheduler executes task batches over a fixed worker pool. It is safe
// for concurrent use; batches from different submitters interleave over
// the same workers.
type Scheduler struct {
	cfg      config.SchedulerConfig
	observer observability.Observer
	workers  []*worker
	gate     *semaphore.Weighted
	metrics  *Metrics

	// tokens carries one token per queued task. Its capacity equals the
	// total deque capacity, so emitting never blocks and no wakeup is
	// ever lost.
	tokens chan struct{}

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	next   atomic.Int64
	closed atomic.Bool
}

// New creates a scheduler and starts its workers. Zero-valued config
// fields fall back to DefaultSchedulerConfig, except FailFast which is
// taken as given; a nil observer is replaced with NoOpObserver.
func New(cfg config.SchedulerConfig, observer observability.Observer) *Scheduler {
	merged := config.DefaultSchedulerConfig()
	merged.Merge(&cfg)
	merged.FailFast = cfg.FailFast
	if merged.Workers <= 0 {
		merged.Workers = runtime.NumCPU()
	}
	if merged.MaxConcurrent <= 0 {
		merged.MaxConcurrent = int64(merged.Workers)
	}
	if observer == nil {
		observer = observability.NoOpObserver{}
	}

	s := &Scheduler{
		cfg:      merged,
		observer: observer,
		gate:     semaphore.NewWeighted(merged.MaxConcurrent),
		metrics:  newMetrics(merged.Workers),
		tokens:   make(chan struct{}, merged.Workers*merged.QueueCapacity),
	}
	s.ctx, s.stop = context.WithCancel(context.Background())

	s.workers = make([]*worker, merged.Workers)
	for i := range s.workers {
		s.workers[i] = &worker{index: i, deque: newDeque(merged.QueueCapacity)}
	}
	s.wg.Add(len(s.workers))
	for _, w := range s.workers {
		go s.run(w)
	}
	return s
}

// Metrics returns the scheduler's counters.
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}

// Close stops the workers. Callers must let outstanding batches settle
// (Wait) before closing; queued tasks of an unfinished batch are not
// drained after Close.
func (s *Scheduler) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stop()
	s.wg.Wait()
}

// Submit validates a batch, enqueues its runnable tasks, and returns a
// handle to await or abort it. Tasks with unmet After dependencies stay
// pending until every dependency settles. The whole batch shares a
// cancellation context derived from ctx.
func (s *Scheduler) Submit(ctx context.Context, tasks []Task) (*Batch, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	bctx, cancel := context.WithCancelCause(ctx)
	b := &Batch{
		scheduler:  s,
		ctx:        bctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		results:    make(map[string]Result, len(tasks)),
		pending:    make(map[string]*task),
		unmet:      make(map[string]map[string]bool),
		dependents: make(map[string][]string),
		remaining:  len(tasks),
	}

	seen := make(map[string]bool, len(tasks))
	for _, spec := range tasks {
		if spec.ID == "" {
			cancel(nil)
			return nil, fmt.Errorf("task id cannot be empty")
		}
		if spec.Run == nil {
			cancel(nil)
			return nil, fmt.Errorf("task %s has no run function", spec.ID)
		}
		if seen[spec.ID] {
			cancel(nil)
			return nil, fmt.Errorf("duplicate task id %s", spec.ID)
		}
		seen[spec.ID] = true
		b.order = append(b.order, spec.ID)
	}

	now := time.Now()
	var ready []*task
	for i, spec := range tasks {
		t := &task{
			spec:      spec,
			seq:       i,
			batch:     b,
			effective: effectivePriority(spec, now, s.cfg.ShortThreshold, s.cfg.LongThreshold),
		}
		if len(spec.After) == 0 {
			ready = append(ready, t)
			continue
		}
		deps := make(map[string]bool, len(spec.After))
		for _, dep := range spec.After {
			if !seen[dep] {
				cancel(nil)
				return nil, fmt.Errorf("task %s depends on unknown task %s", spec.ID, dep)
			}
			if dep == spec.ID {
				cancel(nil)
				return nil, fmt.Errorf("task %s depends on itself", spec.ID)
			}
			deps[dep] = true
			b.dependents[dep] = append(b.dependents[dep], spec.ID)
		}
		b.pending[spec.ID] = t
		b.unmet[spec.ID] = deps
	}

	if len(tasks) == 0 {
		close(b.done)
		return b, nil
	}

	// Ascending sort puts the highest-priority task at the bottom of its
	// deque where the owner pops first; thieves steal the low-priority
	// top. Equal priorities sort by descending sequence so the oldest
	// task lands nearest the owner.
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].effective != ready[j].effective {
			return ready[i].effective < ready[j].effective
		}
		return ready[i].seq > ready[j].seq
	})

	s.metrics.recordSubmitted(len(tasks))
	s.observer.OnEvent(ctx, observability.Event{
		Type:      EventBatchSubmit,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "scheduler",
		Data: map[string]any{
			"tasks":   len(tasks),
			"pending": len(b.pending),
		},
	})

	for _, t := range ready {
		if err := s.deal(t); err != nil {
			cancel(err)
			return nil, err
		}
	}
	return b, nil
}

// deal places a task on the next deque in round-robin order, spilling to
// the following workers when one is full.
func (s *Scheduler) deal(t *task) error {
	n := len(s.workers)
	start := int(s.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		w := s.workers[(start+i)%n]
		if w.deque.pushBottom(t) {
			s.tokens <- struct{}{}
			return nil
		}
	}
	return fmt.Errorf("task %s: %w", t.spec.ID, ErrQueueFull)
}

// enqueue places a promoted task, preferring the queue of the worker that
// released it. A task that fits nowhere settles immediately with
// ErrQueueFull.
func (s *Scheduler) enqueue(w *worker, t *task) {
	if w != nil && w.deque.pushBottom(t) {
		s.tokens <- struct{}{}
		return
	}
	if err := s.deal(t); err != nil {
		t.batch.finish(nil, t, nil, err)
	}
}

func (s *Scheduler) run(w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.tokens:
		}

		t := w.deque.popBottom()
		if t == nil {
			t = s.steal(w)
		}
		if t == nil {
			// The task this token announced sits alone on a busy
			// owner's deque, where it cannot be stolen. Return the
			// token and back off.
			s.tokens <- struct{}{}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		s.execute(w, t)
	}
}

// steal scans the other workers and takes the oldest task from the first
// victim holding more than one.
func (s *Scheduler) steal(w *worker) *task {
	n := len(s.workers)
	for i := 1; i < n; i++ {
		victim := s.workers[(w.index+i)%n]
		t := victim.deque.stealTop()
		if t == nil {
			continue
		}
		s.metrics.recordSteal()
		s.observer.OnEvent(s.ctx, observability.Event{
			Type:      EventTaskSteal,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "scheduler",
			Data: map[string]any{
				"task":   t.spec.ID,
				"thief":  w.index,
				"victim": victim.index,
			},
		})
		return t
	}
	return nil
}

func (s *Scheduler) execute(w *worker, t *task) {
	b := t.batch
	if err := context.Cause(b.ctx); err != nil {
		s.metrics.recordCompleted(w.index)
		b.finish(w, t, nil, err)
		return
	}

	if err := s.gate.Acquire(b.ctx, 1); err != nil {
		s.metrics.recordCompleted(w.index)
		b.finish(w, t, nil, context.Cause(b.ctx))
		return
	}
	sl := &slot{sem: s.gate}
	sl.held.Store(true)
	defer func() {
		if sl.held.Load() {
			s.gate.Release(1)
		}
	}()

	ctx := context.WithValue(b.ctx, slotKey{}, sl)
	cancel := func() {}
	if t.spec.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.spec.Timeout)
	}
	defer cancel()

	s.observer.OnEvent(ctx, observability.Event{
		Type:      EventTaskStart,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "scheduler",
		Data: map[string]any{
			"task":     t.spec.ID,
			"worker":   w.index,
			"priority": t.effective,
		},
	})

	value, err := s.invoke(ctx, t)
	if err != nil && t.spec.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("task %s: %w", t.spec.ID, ErrTaskTimeout)
	}

	s.metrics.recordCompleted(w.index)
	s.observer.OnEvent(ctx, observability.Event{
		Type:      EventTaskComplete,
		Level:     taskLevel(err),
		Timestamp: time.Now(),
		Source:    "scheduler",
		Data: map[string]any{
			"task":   t.spec.ID,
			"worker": w.index,
			"error":  err != nil,
		},
	})

	b.finish(w, t, value, err)
}

// invoke runs the task body with panic containment.
func (s *Scheduler) invoke(ctx context.Context, t *task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.recordPanic()
			err = &PanicError{TaskID: t.spec.ID, Value: r, Stack: debug.Stack()}
		}
	}()
	return t.spec.Run(ctx)
}

func taskLevel(err error) observability.Level {
	if err != nil {
		return observability.LevelWarning
	}
	return observability.LevelVerbose
}
