// Package initstate tracks per-minion init-hook lifecycle: runtime setup,
// hook execution with ring-buffered output, persistence to init-status.json,
// and replay for late subscribers.
package initstate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/latticehq/lattice/internal/bus"
	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/minion"
)

const (
	// MaxLines bounds the retained output; older lines are dropped and
	// counted in TruncatedLines.
	MaxLines = 500

	// hookTimeoutBudget is how long WaitForInit is willing to wait once the
	// hook phase has started.
	hookTimeoutBudget = 5 * time.Minute

	statusFile = "init-status.json"
)

// Status of an init run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Phase of an init run.
type Phase string

const (
	PhaseRuntimeSetup Phase = "runtime_setup"
	PhaseInitHook     Phase = "init_hook"
)

// OutputLine is one captured line of hook output.
type OutputLine struct {
	Line      string `json:"line"`
	IsError   bool   `json:"isError,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// State is the persisted init status for one minion.
type State struct {
	Status         Status       `json:"status"`
	Phase          Phase        `json:"phase"`
	HookPath       string       `json:"hookPath"`
	StartTime      int64        `json:"startTime"`
	HookStartTime  int64        `json:"hookStartTime,omitempty"`
	Lines          []OutputLine `json:"lines"`
	TruncatedLines int          `json:"truncatedLines,omitempty"`
	ExitCode       *int         `json:"exitCode,omitempty"`
	EndTime        int64        `json:"endTime,omitempty"`
}

type minionWaiters struct {
	completion    chan struct{}
	hookPhase     chan struct{}
	completeOnce  sync.Once
	hookPhaseOnce sync.Once
}

func (w *minionWaiters) resolveCompletion() { w.completeOnce.Do(func() { close(w.completion) }) }
func (w *minionWaiters) resolveHookPhase()  { w.hookPhaseOnce.Do(func() { close(w.hookPhase) }) }

// Manager owns init state for all minions in the process.
type Manager struct {
	store   *events.Store[State]
	minions *minion.Store
	pub     bus.Publisher

	mu      sync.Mutex
	waiters map[string]*minionWaiters
}

// NewManager creates an init-state manager persisting under the minion store.
func NewManager(minions *minion.Store, pub bus.Publisher) *Manager {
	m := &Manager{
		minions: minions,
		pub:     pub,
		waiters: make(map[string]*minionWaiters),
	}
	st := events.NewStore[State]()
	st.Path = func(minionID string) string {
		return filepath.Join(minions.SessionDir(minionID), statusFile)
	}
	st.ShouldWrite = minions.SessionDirExists
	st.Serialize = m.serialize
	m.store = st
	return m
}

// StartInit creates the running state and emits init-start.
func (m *Manager) StartInit(minionID, hookPath string) error {
	if _, err := m.minions.EnsureSessionDir(minionID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	state := State{
		Status:    StatusRunning,
		Phase:     PhaseRuntimeSetup,
		HookPath:  hookPath,
		StartTime: now,
	}
	m.store.Set(minionID, state)

	m.mu.Lock()
	m.waiters[minionID] = &minionWaiters{
		completion: make(chan struct{}),
		hookPhase:  make(chan struct{}),
	}
	m.mu.Unlock()

	m.pub.Publish(bus.Event{
		Kind: bus.EventInitStart, MinionID: minionID, Timestamp: now,
		Payload: map[string]any{"hookPath": hookPath, "phase": PhaseRuntimeSetup},
	})
	return nil
}

// AppendOutput records one line of hook output, dropping the oldest when the
// buffer exceeds MaxLines.
func (m *Manager) AppendOutput(minionID, line string, isError bool) {
	now := time.Now().UnixMilli()
	ok := m.store.Update(minionID, func(s State) State {
		s.Lines = append(s.Lines, OutputLine{Line: line, IsError: isError, Timestamp: now})
		if len(s.Lines) > MaxLines {
			drop := len(s.Lines) - MaxLines
			s.Lines = append([]OutputLine(nil), s.Lines[drop:]...)
			s.TruncatedLines += drop
		}
		return s
	})
	if !ok {
		return
	}
	m.pub.Publish(bus.Event{
		Kind: bus.EventInitOutput, MinionID: minionID, Timestamp: now,
		Payload: map[string]any{"line": line, "isError": isError},
	})
}

// EnterHookPhase marks the transition from runtime setup to hook execution
// and unblocks waiters gating their timeout on it.
func (m *Manager) EnterHookPhase(minionID string) {
	now := time.Now().UnixMilli()
	m.store.Update(minionID, func(s State) State {
		s.Phase = PhaseInitHook
		s.HookStartTime = now
		return s
	})

	m.mu.Lock()
	w := m.waiters[minionID]
	m.mu.Unlock()
	if w != nil {
		w.resolveHookPhase()
	}
}

// EndInit finalizes the init run. The state is persisted before memory is
// mutated or the init-end event is emitted: if the end event is visible, the
// file exists.
func (m *Manager) EndInit(minionID string, exitCode int) error {
	state, ok := m.store.Get(minionID)
	if !ok {
		return nil
	}

	state.ExitCode = &exitCode
	state.EndTime = time.Now().UnixMilli()
	if exitCode == 0 {
		state.Status = StatusSuccess
	} else {
		state.Status = StatusError
	}

	persistErr := m.store.PersistState(minionID, state)
	m.store.Set(minionID, state)

	if persistErr != nil {
		// Replay reconstructs init-end from the file, so an event the file
		// cannot back would desync the two. Waiters still unblock.
		slog.Warn("initstate.persist_failed", "minion", minionID, "error", persistErr)
		m.resolveWaiters(minionID)
		return fmt.Errorf("persist init state: %w", persistErr)
	}

	payload := map[string]any{"exitCode": exitCode, "status": state.Status}
	if state.TruncatedLines > 0 {
		payload["truncatedLines"] = state.TruncatedLines
	}
	m.pub.Publish(bus.Event{
		Kind: bus.EventInitEnd, MinionID: minionID, Timestamp: state.EndTime,
		Payload: payload,
	})

	m.resolveWaiters(minionID)
	return nil
}

func (m *Manager) resolveWaiters(minionID string) {
	m.mu.Lock()
	w := m.waiters[minionID]
	delete(m.waiters, minionID)
	m.mu.Unlock()
	if w != nil {
		w.resolveHookPhase()
		w.resolveCompletion()
	}
}

// State returns the current in-memory state, if any.
func (m *Manager) State(minionID string) (State, bool) {
	return m.store.Get(minionID)
}

// WaitForInit blocks until init completes, the context is canceled, or the
// hook budget runs out. It never returns an error: a timeout is logged and
// the caller proceeds. The timeout clock only starts once the hook phase has
// begun, anchored at hookStartTime.
func (m *Manager) WaitForInit(ctx context.Context, minionID string) {
	state, ok := m.store.Get(minionID)
	if !ok || state.Status != StatusRunning {
		return
	}
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	w := m.waiters[minionID]
	m.mu.Unlock()
	if w == nil {
		return
	}

	hookCh := w.hookPhase
	var timer *time.Timer
	var timeoutC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.completion:
			return
		case <-ctx.Done():
			return
		case <-hookCh:
			hookCh = nil
			// The state may have been cleared between resolving hookPhase and
			// this read; proceed with a full budget in that case.
			remaining := hookTimeoutBudget
			if s, ok := m.store.Get(minionID); ok && s.HookStartTime > 0 {
				remaining = hookTimeoutBudget - time.Since(time.UnixMilli(s.HookStartTime))
			}
			if remaining <= 0 {
				slog.Warn("initstate.wait_timeout", "minion", minionID)
				return
			}
			timer = time.NewTimer(remaining)
			timeoutC = timer.C
		case <-timeoutC:
			slog.Warn("initstate.wait_timeout", "minion", minionID)
			return
		}
	}
}

// ClearInMemoryState drops the in-memory record and unblocks any waiters.
// The persisted file is left untouched.
func (m *Manager) ClearInMemoryState(minionID string) {
	m.store.Delete(minionID)

	m.mu.Lock()
	w := m.waiters[minionID]
	delete(m.waiters, minionID)
	m.mu.Unlock()
	if w != nil {
		w.resolveHookPhase()
		w.resolveCompletion()
	}
}

// Replay re-emits the init event sequence for a minion via emit, preferring
// in-memory state and falling back to init-status.json.
func (m *Manager) Replay(minionID string, emit func(bus.Event)) (bool, error) {
	return m.store.Replay(minionID, emit)
}

// serialize reconstructs the event sequence from a state snapshot. Original
// timestamps are preserved; persisted logs exceeding MaxLines are truncated
// with a retroactive count.
func (m *Manager) serialize(minionID string, s State) []bus.Event {
	lines := s.Lines
	truncated := s.TruncatedLines
	if len(lines) > MaxLines {
		truncated += len(lines) - MaxLines
		lines = lines[len(lines)-MaxLines:]
	}

	evts := []bus.Event{{
		Kind: bus.EventInitStart, MinionID: minionID, Timestamp: s.StartTime,
		Payload: map[string]any{"hookPath": s.HookPath, "phase": PhaseRuntimeSetup},
	}}
	for _, l := range lines {
		evts = append(evts, bus.Event{
			Kind: bus.EventInitOutput, MinionID: minionID, Timestamp: l.Timestamp,
			Payload: map[string]any{"line": l.Line, "isError": l.IsError},
		})
	}
	if s.Status != StatusRunning {
		payload := map[string]any{"status": s.Status}
		if s.ExitCode != nil {
			payload["exitCode"] = *s.ExitCode
		}
		if truncated > 0 {
			payload["truncatedLines"] = truncated
		}
		evts = append(evts, bus.Event{
			Kind: bus.EventInitEnd, MinionID: minionID, Timestamp: s.EndTime,
			Payload: payload,
		})
	}
	return evts
}
