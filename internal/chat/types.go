package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Part types.
const (
	PartText        = "text"
	PartReasoning   = "reasoning"
	PartDynamicTool = "dynamic-tool"
	PartFile        = "file"
)

// Dynamic-tool part states.
const (
	ToolStateInputStreaming  = "input-streaming"
	ToolStateInputAvailable  = "input-available"
	ToolStateOutputAvailable = "output-available"
	ToolStateOutputError     = "output-error"
)

// Part is one ordered segment of a message. The Type field selects which of
// the remaining fields are meaningful.
type Part struct {
	Type string `json:"type"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// dynamic-tool
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`

	// file
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Compaction markers stored on message metadata.
const (
	CompactedUser = "user"
	CompactedAuto = "auto"
)

// Usage tracks token consumption for one request or one accumulated bucket.
type Usage struct {
	InputTokens         int     `json:"inputTokens"`
	OutputTokens        int     `json:"outputTokens"`
	CacheReadTokens     int     `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int     `json:"cacheCreationTokens,omitempty"`
	ReasoningTokens     int     `json:"reasoningTokens,omitempty"`
	CostUSD             float64 `json:"costUsd,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheCreationTokens += o.CacheCreationTokens
	u.ReasoningTokens += o.ReasoningTokens
	u.CostUSD += o.CostUSD
}

// Metadata carries per-message bookkeeping. HistorySequence is assigned
// exactly once, by the history store on append.
type Metadata struct {
	HistorySequence int    `json:"historySequence,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"` // unix ms
	Model           string `json:"model,omitempty"`
	AgentID         string `json:"agentId,omitempty"`

	Partial   bool      `json:"partial,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorType,omitempty"`

	Compacted          string `json:"compacted,omitempty"` // "", "user", "auto"
	CompactionBoundary bool   `json:"compactionBoundary,omitempty"`
	CompactionEpoch    int    `json:"compactionEpoch,omitempty"`

	ProviderMetadata map[string]json.RawMessage `json:"providerMetadata,omitempty"`
	Usage            *Usage                     `json:"usage,omitempty"`

	Synthetic bool `json:"synthetic,omitempty"`
	UIVisible bool `json:"uiVisible,omitempty"`

	// FileAtMentionSnapshot records @-mentioned files captured when a seed
	// message was built, so a hard restart can re-append it verbatim.
	FileAtMentionSnapshot []string `json:"fileAtMentionSnapshot,omitempty"`
}

// Message is one entry in a minion's history log.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// NewMessage builds a message with a fresh ID and current timestamp.
func NewMessage(role Role, parts ...Part) Message {
	return Message{
		ID:       uuid.NewString(),
		Role:     role,
		Parts:    parts,
		Metadata: Metadata{Timestamp: time.Now().UnixMilli()},
	}
}

// TextPart is a convenience constructor.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// Text concatenates all text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// HasContent reports whether the message carries any non-empty part.
func (m *Message) HasContent() bool {
	for _, p := range m.Parts {
		switch p.Type {
		case PartText, PartReasoning:
			if p.Text != "" {
				return true
			}
		case PartDynamicTool, PartFile:
			return true
		}
	}
	return false
}

// ReasoningOnly reports whether the message has reasoning parts and nothing else.
func (m *Message) ReasoningOnly() bool {
	sawReasoning := false
	for _, p := range m.Parts {
		switch p.Type {
		case PartReasoning:
			if p.Text != "" {
				sawReasoning = true
			}
		case PartText:
			if p.Text != "" {
				return false
			}
		default:
			return false
		}
	}
	return sawReasoning
}

// IsDurableBoundary reports whether the message is a compaction boundary that
// may truncate the provider payload. Boundaries written before epochs existed
// (epoch 0) are not durable and must be ignored.
func (m *Message) IsDurableBoundary() bool {
	return m.Metadata.CompactionBoundary && m.Metadata.CompactionEpoch >= 1
}
