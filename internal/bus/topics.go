package bus

// Queue and dispatch topics.
const (
	TopicDispatchEnqueued  = "dispatch.enqueued"
	TopicDispatchCoalesced = "dispatch.coalesced"
	TopicDispatchStarted   = "dispatch.started"
	TopicDispatchFinished  = "dispatch.finished"
	TopicDispatchRetrying  = "dispatch.retrying"
	TopicDispatchGaveUp    = "dispatch.gave_up"
)

// Channel topics.
const (
	TopicMessageInbound  = "message.inbound"
	TopicMessageOutbound = "message.outbound"
)

// Agent streaming topics.
const (
	TopicStreamChunk = "stream.chunk"
	TopicStreamFinal = "stream.final"
)

// IPC topics.
const (
	TopicIPCProcessed = "ipc.processed"
	TopicIPCRejected  = "ipc.rejected"
)

// Scheduler topics.
const (
	TopicTaskFired   = "task.fired"
	TopicTaskSkipped = "task.skipped"
)

// DispatchEvent is the payload for dispatch.* topics.
type DispatchEvent struct {
	Folder  string
	Attempt int
	Reason  string
}

// InboundEvent is the payload for message.inbound.
type InboundEvent struct {
	ChatAddress string
	MessageID   string
	Dispatched  bool
}

// StreamChunkEvent carries a partial agent reply for streaming-capable
// channels.
type StreamChunkEvent struct {
	Folder      string
	ChatAddress string
	RunID       string
	Text        string
}

// IPCEvent is the payload for ipc.processed and ipc.rejected.
type IPCEvent struct {
	Folder string
	Kind   string
	File   string
	Reason string
}

// TaskFiredEvent is the payload for task.fired and task.skipped.
type TaskFiredEvent struct {
	TaskID string
	Folder string
	Reason string
}
