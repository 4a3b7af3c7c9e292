package channel

import "github.com/tailored-agentic-units/superstep/observability"

const (
	EventChannelUpdate     observability.EventType = "channel.update"
	EventChannelCheckpoint observability.EventType = "channel.checkpoint"
	EventChannelRestore    observability.EventType = "channel.restore"
)
