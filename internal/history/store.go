// Package history is the single source of truth for a minion's message log:
// an append-only chat.jsonl plus a mutable partial.json slot, both under the
// minion's session directory.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/minion"
)

const (
	chatLogFile = "chat.jsonl"
	partialFile = "partial.json"
)

// ErrNotFound is returned when an operation targets a message id that is not
// in the log.
var ErrNotFound = errors.New("message not found")

// Store owns per-minion history logs. All mutations for one minion are
// serialized by a per-minion mutex; file writes additionally go through the
// shared minion file locks.
type Store struct {
	minions *minion.Store

	mu   sync.Mutex
	logs map[string]*minionLog
}

type minionLog struct {
	mu     sync.Mutex
	loaded bool
	msgs   []chat.Message
}

// NewStore creates a history store over the given minion store.
func NewStore(minions *minion.Store) *Store {
	return &Store{minions: minions, logs: make(map[string]*minionLog)}
}

func (s *Store) logFor(minionID string) *minionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[minionID]
	if !ok {
		l = &minionLog{}
		s.logs[minionID] = l
	}
	return l
}

// withLog runs fn with the minion's log loaded and locked.
func (s *Store) withLog(minionID string, fn func(l *minionLog) error) error {
	l := s.logFor(minionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		msgs, err := s.readLog(minionID)
		if err != nil {
			return err
		}
		l.msgs = msgs
		l.loaded = true
	}
	return fn(l)
}

// Append assigns the next historySequence to msg and appends it to the log.
// The assigned sequence is returned. Sequences are assigned exactly once,
// here and nowhere else.
func (s *Store) Append(minionID string, msg chat.Message) (int, error) {
	var seq int
	err := s.withLog(minionID, func(l *minionLog) error {
		seq = l.maxSequence() + 1
		msg.Metadata.HistorySequence = seq
		l.msgs = append(l.msgs, msg)
		return s.appendLine(minionID, msg)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Update replaces the entry with msg.ID, preserving its historySequence.
func (s *Store) Update(minionID string, msg chat.Message) error {
	return s.withLog(minionID, func(l *minionLog) error {
		for i := range l.msgs {
			if l.msgs[i].ID == msg.ID {
				msg.Metadata.HistorySequence = l.msgs[i].Metadata.HistorySequence
				l.msgs[i] = msg
				return s.rewriteLog(minionID, l.msgs)
			}
		}
		return fmt.Errorf("update %s: %w", msg.ID, ErrNotFound)
	})
}

// DeleteMessage removes the entry with the given id. Absence is tolerated.
func (s *Store) DeleteMessage(minionID, id string) error {
	return s.withLog(minionID, func(l *minionLog) error {
		for i := range l.msgs {
			if l.msgs[i].ID == id {
				l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
				return s.rewriteLog(minionID, l.msgs)
			}
		}
		return nil
	})
}

// TruncateAfterMessage removes all entries strictly after the matching id;
// the matching entry itself is retained.
func (s *Store) TruncateAfterMessage(minionID, id string) error {
	return s.withLog(minionID, func(l *minionLog) error {
		for i := range l.msgs {
			if l.msgs[i].ID == id {
				if i+1 < len(l.msgs) {
					l.msgs = l.msgs[:i+1]
					return s.rewriteLog(minionID, l.msgs)
				}
				return nil
			}
		}
		return fmt.Errorf("truncate after %s: %w", id, ErrNotFound)
	})
}

// ClearHistory drops the entire log. Used by the sidekick hard restart.
func (s *Store) ClearHistory(minionID string) error {
	return s.withLog(minionID, func(l *minionLog) error {
		l.msgs = nil
		return s.rewriteLog(minionID, nil)
	})
}

// GetMessage returns the entry with the given id.
func (s *Store) GetMessage(minionID, id string) (chat.Message, error) {
	var out chat.Message
	err := s.withLog(minionID, func(l *minionLog) error {
		for i := range l.msgs {
			if l.msgs[i].ID == id {
				out = l.msgs[i]
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

// FullHistory returns a copy of the complete log.
func (s *Store) FullHistory(minionID string) ([]chat.Message, error) {
	var out []chat.Message
	err := s.withLog(minionID, func(l *minionLog) error {
		out = append([]chat.Message(nil), l.msgs...)
		return nil
	})
	return out, err
}

// HistoryFromLatestBoundary returns the slice starting at the latest durable
// compaction boundary, or the full history when no durable boundary exists.
// Malformed boundaries (epoch 0) never truncate.
func (s *Store) HistoryFromLatestBoundary(minionID string) ([]chat.Message, error) {
	var out []chat.Message
	err := s.withLog(minionID, func(l *minionLog) error {
		start := 0
		for i := len(l.msgs) - 1; i >= 0; i-- {
			if l.msgs[i].IsDurableBoundary() {
				start = i
				break
			}
		}
		out = append([]chat.Message(nil), l.msgs[start:]...)
		return nil
	})
	return out, err
}

// IterateDirection selects the traversal order for IterateFullHistory.
type IterateDirection int

const (
	Forward IterateDirection = iota
	Backward
)

// IterateFullHistory streams the log in chunks to chunkFn. Returning false
// from chunkFn stops the iteration.
func (s *Store) IterateFullHistory(minionID string, dir IterateDirection, chunkFn func([]chat.Message) bool) error {
	const chunkSize = 200
	msgs, err := s.FullHistory(minionID)
	if err != nil {
		return err
	}
	if dir == Backward {
		for end := len(msgs); end > 0; end -= chunkSize {
			start := end - chunkSize
			if start < 0 {
				start = 0
			}
			if !chunkFn(msgs[start:end]) {
				return nil
			}
		}
		return nil
	}
	for start := 0; start < len(msgs); start += chunkSize {
		end := start + chunkSize
		if end > len(msgs) {
			end = len(msgs)
		}
		if !chunkFn(msgs[start:end]) {
			return nil
		}
	}
	return nil
}

func (l *minionLog) maxSequence() int {
	max := 0
	for i := range l.msgs {
		if l.msgs[i].Metadata.HistorySequence > max {
			max = l.msgs[i].Metadata.HistorySequence
		}
	}
	return max
}

// --- file I/O ---

func (s *Store) chatLogPath(minionID string) string {
	return filepath.Join(s.minions.SessionDir(minionID), chatLogFile)
}

func (s *Store) readLog(minionID string) ([]chat.Message, error) {
	f, err := os.Open(s.chatLogPath(minionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open chat log: %w", err)
	}
	defer f.Close()

	var msgs []chat.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := decodeMessage(line)
		if err != nil {
			slog.Warn("history.skip_bad_line", "minion", minionID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan chat log: %w", err)
	}
	return msgs, nil
}

func (s *Store) appendLine(minionID string, msg chat.Message) error {
	return s.minions.Locks.WithLock(minionID, func() error {
		if _, err := s.minions.EnsureSessionDir(minionID); err != nil {
			return err
		}
		f, err := os.OpenFile(s.chatLogPath(minionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open chat log for append: %w", err)
		}
		defer f.Close()
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append chat log: %w", err)
		}
		return nil
	})
}

// rewriteLog writes the whole log atomically (temp file + rename) so readers
// never observe a torn file.
func (s *Store) rewriteLog(minionID string, msgs []chat.Message) error {
	return s.minions.Locks.WithLock(minionID, func() error {
		dir, err := s.minions.EnsureSessionDir(minionID)
		if err != nil {
			return err
		}
		return atomicWrite(dir, s.chatLogPath(minionID), func(f *os.File) error {
			w := bufio.NewWriter(f)
			for i := range msgs {
				data, err := json.Marshal(msgs[i])
				if err != nil {
					return err
				}
				if _, err := w.Write(append(data, '\n')); err != nil {
					return err
				}
			}
			return w.Flush()
		})
	})
}

// atomicWrite writes via a temp file in dir and renames it over path.
func atomicWrite(dir, path string, fill func(*os.File) error) error {
	tmp, err := os.CreateTemp(dir, ".write-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
