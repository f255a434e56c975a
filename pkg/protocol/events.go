package protocol

// Stream event kinds emitted during a turn. Delivered in adapter order to the
// submitter's handler and replayed on /control/v1/events.
const (
	EventResponseDelta     = "response.delta"
	EventResponseCompleted = "response.completed"
	EventUsageUpdated      = "usage.updated"
	EventToolCallStarted   = "tool.call.started"
	EventToolCallCompleted = "tool.call.completed"
	EventToolPolicyDenied  = "tool.policy.denied"
	EventProviderError     = "provider.error"
)

// Runtime event names broadcast on the gateway bus.
const (
	EventGatewayState      = "gateway.state"
	EventGatewayDegraded   = "gateway.degraded"
	EventGatewayShutdown   = "gateway.shutdown"
	EventRestartRequested  = "restart.requested"
	EventSessionCreated    = "session.created"
	EventSessionDeleted    = "session.deleted"
	EventSessionRenamed    = "session.renamed"
	EventSessionTrimmed    = "session.trimmed"
	EventLaneUpdated       = "lane.updated"
	EventProviderSwitched  = "provider.switched"
	EventProviderTripped   = "provider.tripped"
	EventEvolutionStarted  = "evolution.started"
	EventEvolutionStep     = "evolution.step"
	EventEvolutionFinished = "evolution.finished"
	EventRetentionSwept    = "retention.swept"
	EventToolsStale        = "tools.stale"
)

// WebSocket frame types on /control/v1/ws.
const (
	FrameHello    = "hello"
	FrameEvent    = "event"
	FrameChatSend = "chat.send"
	FrameChatDone = "chat.done"
	FrameError    = "error"
)
