package scheduler

import "github.com/tailored-agentic-units/superstep/observability"

const (
	EventBatchSubmit   observability.EventType = "scheduler.batch.submit"
	EventBatchComplete observability.EventType = "scheduler.batch.complete"
	EventTaskStart     observability.EventType = "scheduler.task.start"
	EventTaskComplete  observability.EventType = "scheduler.task.complete"
	EventTaskSteal     observability.EventType = "scheduler.task.steal"
)
