package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WritePartial atomically replaces the minion's single in-flight assistant
// message. At most one partial exists per minion.
func (s *Store) WritePartial(minionID string, msg Message) error {
	return s.minions.Locks.WithLock(minionID, func() error {
		dir, err := s.minions.EnsureSessionDir(minionID)
		if err != nil {
			return err
		}
		return atomicWrite(dir, s.partialPath(minionID), func(f *os.File) error {
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			return enc.Encode(msg)
		})
	})
}

// ReadPartial returns the current partial, or (zero, false) when none exists.
func (s *Store) ReadPartial(minionID string) (Message, bool, error) {
	data, err := os.ReadFile(s.partialPath(minionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("read partial: %w", err)
	}
	msg, err := decodeMessage(data)
	if err != nil {
		return Message{}, false, fmt.Errorf("decode partial: %w", err)
	}
	return msg, true, nil
}

// DeletePartial removes the partial slot. Absence is tolerated.
func (s *Store) DeletePartial(minionID string) error {
	return s.minions.Locks.WithLock(minionID, func() error {
		err := os.Remove(s.partialPath(minionID))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

// CommitPartial folds the partial into the log: when a placeholder with the
// same id exists it is updated in place, otherwise the partial is appended.
// Empty partials are discarded. The commit is all-or-nothing: the partial
// file is deleted only after the log write succeeded. Idempotent — a missing
// partial is a no-op.
func (s *Store) CommitPartial(minionID string) error {
	msg, ok, err := s.ReadPartial(minionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if msg.HasContent() {
		msg.Metadata.Partial = true
		if _, err := s.GetMessage(minionID, msg.ID); err == nil {
			if err := s.Update(minionID, msg); err != nil {
				return err
			}
		} else {
			if _, err := s.Append(minionID, msg); err != nil {
				return err
			}
		}
	} else if msg.ID != "" {
		// Empty partial: drop its placeholder too, nothing worth keeping.
		if err := s.DeleteMessage(minionID, msg.ID); err != nil {
			return err
		}
	}

	return s.DeletePartial(minionID)
}

func (s *Store) partialPath(minionID string) string {
	return filepath.Join(s.minions.SessionDir(minionID), partialFile)
}
