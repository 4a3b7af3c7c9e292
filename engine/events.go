package engine

import "github.com/tailored-agentic-units/superstep/observability"

const (
	EventExecutionStart    observability.EventType = "engine.execution.start"
	EventExecutionComplete observability.EventType = "engine.execution.complete"
	EventExecutionAborted  observability.EventType = "engine.execution.aborted"
	EventSuperstepStart    observability.EventType = "engine.superstep.start"
	EventSuperstepComplete observability.EventType = "engine.superstep.complete"
	EventCheckpointSave    observability.EventType = "engine.checkpoint.save"
	EventInterrupt         observability.EventType = "engine.interrupt"
	EventResume            observability.EventType = "engine.resume"
)
