package stream

import (
	"github.com/latticehq/lattice/internal/bus"
	"github.com/latticehq/lattice/internal/chat"
)

// Replay re-emits the event sequence for a minion's in-flight partial, if
// one exists. The sequence is deterministic and timestamps come from the
// persisted record, never from now: a reconnecting subscriber sees exactly
// what the live stream emitted.
func (m *Manager) Replay(minionID string, emit func(bus.Event)) (bool, error) {
	partial, ok, err := m.hist.ReadPartial(minionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	ts := partial.Metadata.Timestamp
	send := func(kind string, payload any) {
		emit(bus.Event{
			Kind:      kind,
			MinionID:  minionID,
			MessageID: partial.ID,
			Timestamp: ts,
			Payload:   payload,
		})
	}

	send(bus.EventStreamStart, nil)
	for _, p := range partial.Parts {
		switch p.Type {
		case chat.PartText:
			if p.Text != "" {
				send(bus.EventStreamDelta, map[string]any{"delta": p.Text})
			}
		case chat.PartReasoning:
			if p.Text != "" {
				send(bus.EventReasoningDelta, map[string]any{"delta": p.Text})
				send(bus.EventReasoningEnd, nil)
			}
		case chat.PartDynamicTool:
			payload := map[string]any{"toolCallId": p.ToolCallID, "toolName": p.ToolName}
			send(bus.EventToolCallStart, payload)
			if p.State == chat.ToolStateOutputAvailable || p.State == chat.ToolStateOutputError {
				done := map[string]any{"toolCallId": p.ToolCallID, "toolName": p.ToolName}
				if p.Input != nil {
					done["input"] = p.Input
				}
				if p.Output != nil {
					done["output"] = p.Output
				}
				send(bus.EventToolCallEnd, done)
			}
		}
	}
	if partial.Metadata.Usage != nil {
		send(bus.EventUsageDelta, map[string]any{"usage": *partial.Metadata.Usage})
	}
	if partial.Metadata.Error != "" {
		send(bus.EventError, map[string]any{
			"message":   partial.Metadata.Error,
			"errorType": string(partial.Metadata.ErrorKind),
		})
	}
	return true, nil
}
