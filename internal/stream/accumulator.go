package stream

import (
	"encoding/json"

	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/providers"
)

// accumulator folds provider events into the placeholder message. It is
// only touched from the stream's own goroutine.
type accumulator struct {
	base     chat.Message
	parts    []chat.Part
	usage    chat.Usage
	respID   string
	inputBuf map[string]string // tool call id -> streamed input text
	partIdx  map[string]int    // tool call id -> index in parts
}

func newAccumulator(placeholder chat.Message) *accumulator {
	return &accumulator{
		base:     placeholder,
		inputBuf: make(map[string]string),
		partIdx:  make(map[string]int),
	}
}

func (a *accumulator) text(delta string) {
	if n := len(a.parts); n > 0 && a.parts[n-1].Type == chat.PartText {
		a.parts[n-1].Text += delta
		return
	}
	a.parts = append(a.parts, chat.Part{Type: chat.PartText, Text: delta})
}

func (a *accumulator) reasoning(delta string) {
	if n := len(a.parts); n > 0 && a.parts[n-1].Type == chat.PartReasoning {
		a.parts[n-1].Text += delta
		return
	}
	a.parts = append(a.parts, chat.Part{Type: chat.PartReasoning, Text: delta})
}

func (a *accumulator) toolStart(callID, name string) {
	a.partIdx[callID] = len(a.parts)
	a.parts = append(a.parts, chat.Part{
		Type:       chat.PartDynamicTool,
		ToolCallID: callID,
		ToolName:   name,
		State:      chat.ToolStateInputStreaming,
	})
}

func (a *accumulator) toolDelta(callID, inputDelta string) {
	a.inputBuf[callID] += inputDelta
	i, ok := a.partIdx[callID]
	if !ok {
		return
	}
	// Input streams as JSON text fragments. A half-received object would
	// fail RawMessage marshaling and poison every snapshot write, so the
	// part only carries input once the buffered text parses.
	if buf := a.inputBuf[callID]; json.Valid([]byte(buf)) {
		a.parts[i].Input = json.RawMessage(buf)
	}
}

func (a *accumulator) toolEnd(ev providers.Event) {
	i, ok := a.partIdx[ev.ToolCallID]
	if !ok {
		a.toolStart(ev.ToolCallID, ev.ToolName)
		i = a.partIdx[ev.ToolCallID]
	}
	part := &a.parts[i]
	switch {
	case ev.Input != nil:
		part.Input = ev.Input
	case part.Input == nil:
		if buf := a.inputBuf[ev.ToolCallID]; json.Valid([]byte(buf)) {
			part.Input = json.RawMessage(buf)
		}
	}
	part.State = chat.ToolStateOutputAvailable
	if ev.Output != nil {
		if raw, err := json.Marshal(ev.Output); err == nil {
			part.Output = raw
		}
		if ev.Output.IsError {
			part.State = chat.ToolStateOutputError
			part.ErrorText = ev.Output.Content
		}
	}
}

func (a *accumulator) responseID(id string) {
	a.respID = id
}

// snapshot renders the current message state. Partial snapshots go to the
// partial slot; the final one replaces the placeholder.
func (a *accumulator) snapshot(partial bool) chat.Message {
	msg := a.base
	msg.Parts = make([]chat.Part, len(a.parts))
	copy(msg.Parts, a.parts)
	msg.Metadata.Partial = partial
	if a.usage != (chat.Usage{}) {
		u := a.usage
		msg.Metadata.Usage = &u
	}
	if a.respID != "" {
		meta := make(map[string]json.RawMessage, len(msg.Metadata.ProviderMetadata)+1)
		for k, v := range msg.Metadata.ProviderMetadata {
			meta[k] = v
		}
		if raw, err := json.Marshal(a.respID); err == nil {
			meta["responseId"] = raw
		}
		msg.Metadata.ProviderMetadata = meta
	}
	return msg
}
