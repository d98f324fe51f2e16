package history

import (
	"encoding/json"

	"github.com/latticehq/lattice/internal/chat"
)

// Message aliases the shared chat message type; the store neither adds nor
// hides fields.
type Message = chat.Message

// decodeMessage parses one persisted message, upgrading legacy metadata keys
// written by earlier builds:
//
//   - "historySeq" → "historySequence"
//   - boolean "compacted" → "user"
func decodeMessage(data []byte) (Message, error) {
	var raw struct {
		ID       string                     `json:"id"`
		Role     chat.Role                  `json:"role"`
		Parts    []chat.Part                `json:"parts"`
		Metadata map[string]json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, err
	}

	if raw.Metadata != nil {
		if v, ok := raw.Metadata["historySeq"]; ok {
			if _, exists := raw.Metadata["historySequence"]; !exists {
				raw.Metadata["historySequence"] = v
			}
			delete(raw.Metadata, "historySeq")
		}
		if v, ok := raw.Metadata["compacted"]; ok {
			var b bool
			if err := json.Unmarshal(v, &b); err == nil {
				if b {
					raw.Metadata["compacted"] = json.RawMessage(`"user"`)
				} else {
					delete(raw.Metadata, "compacted")
				}
			}
		}
	}

	metaBytes, err := json.Marshal(raw.Metadata)
	if err != nil {
		return Message{}, err
	}
	var meta chat.Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return Message{}, err
	}

	return Message{ID: raw.ID, Role: raw.Role, Parts: raw.Parts, Metadata: meta}, nil
}
