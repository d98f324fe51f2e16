// Package providers defines the language-model streaming contract the
// runtime drives, plus a scripted simulator for tests and offline use. Real
// provider SDK adapters satisfy Provider behind this interface.
package providers

import (
	"context"
	"encoding/json"

	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/tools"
)

// Kind names a provider family. Pipeline shaping differs per family.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindSimulator Kind = "simulator"
)

// ThinkingLevel is the requested reasoning effort.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// Request is the fully prepared payload for one stream.
type Request struct {
	MinionID string
	Model    string
	System   string
	// AdditionalSystemInstructions is appended to System (hard-restart
	// notices and similar).
	AdditionalSystemInstructions string
	Messages                     []chat.Message
	Tools                        []tools.Tool
	// RequiredTool forces the provider's tool choice.
	RequiredTool       string
	PromptCacheKey     string
	PreviousResponseID string
	Thinking           ThinkingLevel
}

// EventType enumerates provider stream events.
type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"
	EventToolCallStart  EventType = "tool-call-start"
	EventToolCallDelta  EventType = "tool-call-delta"
	EventToolCallEnd    EventType = "tool-call-end"
	EventUsage          EventType = "usage"
	EventResponseID     EventType = "response-id"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// Event is one unit of provider output. Error and Finish are terminal.
type Event struct {
	Type EventType

	Text       string
	ToolCallID string
	ToolName   string
	InputDelta string
	Input      json.RawMessage
	Output     *tools.Result
	Usage      *chat.Usage
	ResponseID string
	// ParentToolCallID is set on nested events produced by programmatic
	// tool calling inside a code_execution run.
	ParentToolCallID string
	FinishReason     string
	Err              error
	ErrKind          chat.ErrorKind
}

// Stream is one live provider response. The channel closes after a terminal
// event; Close cancels the underlying request.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Provider opens streams.
type Provider interface {
	Kind() Kind
	Stream(ctx context.Context, req Request) (Stream, error)
}
