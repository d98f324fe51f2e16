package bus

// Event kinds emitted by the runtime. Every event carries the owning minion
// and, where applicable, the message it belongs to.
const (
	EventStreamStart    = "stream-start"
	EventStreamDelta    = "stream-delta"
	EventToolCallStart  = "tool-call-start"
	EventToolCallDelta  = "tool-call-delta"
	EventToolCallEnd    = "tool-call-end"
	EventReasoningDelta = "reasoning-delta"
	EventReasoningEnd   = "reasoning-end"
	EventUsageDelta     = "usage-delta"
	EventStreamEnd      = "stream-end"
	EventStreamAbort    = "stream-abort"
	EventError          = "error"

	EventRuntimeStatus = "runtime-status"
	EventInitStart     = "init-start"
	EventInitOutput    = "init-output"
	EventInitEnd       = "init-end"
	EventBashOutput    = "bash-output"
)

// Event is a broadcastable runtime event.
type Event struct {
	Kind      string `json:"kind"`
	MinionID  string `json:"minionId"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix ms; replayed events keep their original stamp
	Payload   any    `json:"payload,omitempty"`
}

// Handler receives a broadcast event.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription. Consumers register
// (id, handler) pairs; slow consumers never block the publisher.
type Publisher interface {
	Subscribe(id string, handler Handler)
	Unsubscribe(id string)
	Publish(event Event)
}
