package scheduler

import "sync/atomic"

type MetricsSnapshot struct {
	Submitted int64
	Completed int64
	Steals    int64
	Panics    int64

	// PerWorker holds the number of tasks each worker executed, indexed
	// by worker.
	PerWorker []int64
}

type Metrics struct {
	submitted atomic.Int64
	completed atomic.Int64
	steals    atomic.Int64
	panics    atomic.Int64
	perWorker []atomic.Int64
}

func newMetrics(workers int) *Metrics {
	return &Metrics{perWorker: make([]atomic.Int64, workers)}
}

func (m *Metrics) recordSubmitted(delta int) {
	m.submitted.Add(int64(delta))
}

func (m *Metrics) recordCompleted(worker int) {
	m.completed.Add(1)
	m.perWorker[worker].Add(1)
}

func (m *Metrics) recordSteal() {
	m.steals.Add(1)
}

func (m *Metrics) recordPanic() {
	m.panics.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	perWorker := make([]int64, len(m.perWorker))
	for i := range m.perWorker {
		perWorker[i] = m.perWorker[i].Load()
	}
	return MetricsSnapshot{
		Submitted: m.submitted.Load(),
		Completed: m.completed.Load(),
		Steals:    m.steals.Load(),
		Panics:    m.panics.Load(),
		PerWorker: perWorker,
	}
}
