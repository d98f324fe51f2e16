// Package events provides a generic replayable event buffer: an in-memory
// state per key with JSON persistence and a serializer that turns state back
// into the event sequence that produced it.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/latticehq/lattice/internal/bus"
)

// Store keeps one state value per key. Replay prefers the in-memory state and
// falls back to the persisted JSON file.
type Store[S any] struct {
	mu     sync.Mutex
	states map[string]S

	// Path resolves the persistence file for a key.
	Path func(key string) string
	// Serialize converts a state into the event sequence to emit on replay.
	Serialize func(key string, state S) []bus.Event
	// ShouldWrite, when set, is re-checked immediately before each persist so
	// a queued write never recreates a directory whose owner was deleted.
	ShouldWrite func(key string) bool
}

// NewStore creates an empty store.
func NewStore[S any]() *Store[S] {
	return &Store[S]{states: make(map[string]S)}
}

// Get returns the in-memory state for key.
func (s *Store[S]) Get(key string) (S, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	return st, ok
}

// Set replaces the in-memory state for key.
func (s *Store[S]) Set(key string, state S) {
	s.mu.Lock()
	s.states[key] = state
	s.mu.Unlock()
}

// Update mutates the state for key under the store lock. It is a no-op when
// the key has no state.
func (s *Store[S]) Update(key string, fn func(S) S) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return false
	}
	s.states[key] = fn(st)
	return true
}

// Delete drops the in-memory state. The persisted file is left untouched.
func (s *Store[S]) Delete(key string) {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
}

// Persist writes the current state for key to disk.
func (s *Store[S]) Persist(key string) error {
	s.mu.Lock()
	state, ok := s.states[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.PersistState(key, state)
}

// PersistState writes an explicit state value for key without touching the
// in-memory copy. Callers that must persist before mutating memory use this.
func (s *Store[S]) PersistState(key string, state S) error {
	if s.ShouldWrite != nil && !s.ShouldWrite(key) {
		return nil
	}

	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Load reads the persisted state for key without touching memory.
func (s *Store[S]) Load(key string) (S, bool, error) {
	var state S
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return state, false, nil
		}
		return state, false, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, false, fmt.Errorf("decode persisted state: %w", err)
	}
	return state, true, nil
}

// Replay emits the event sequence for key via emit. In-memory state wins;
// otherwise the persisted file is used. Returns false when neither exists.
func (s *Store[S]) Replay(key string, emit func(bus.Event)) (bool, error) {
	state, ok := s.Get(key)
	if !ok {
		var err error
		state, ok, err = s.Load(key)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, e := range s.Serialize(key, state) {
		emit(e)
	}
	return true, nil
}
