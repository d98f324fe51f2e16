// Package stream owns the per-minion streaming state machine: at most one
// active provider stream per minion, multiplexed into persisted history and
// broadcast events.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/latticehq/lattice/internal/bus"
	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/history"
	"github.com/latticehq/lattice/internal/providers"
)

// State of one minion's stream slot.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateErrored    State = "errored"
	StateAborted    State = "aborted"
)

// partialWriteInterval throttles partial.json writes during streaming. The
// final write on any terminal transition is never skipped.
const partialWriteInterval = 200 * time.Millisecond

// StartOptions begins one stream.
type StartOptions struct {
	MinionID string
	AgentID  string
	Provider providers.Provider
	Request  providers.Request
}

// StopOptions controls an abort.
type StopOptions struct {
	// Soft lets already-received provider events finish draining.
	Soft bool
	// AbandonPartial discards the accumulated partial instead of committing.
	AbandonPartial bool
	AbortReason    string
}

// Result is the terminal outcome of one stream.
type Result struct {
	MessageID string
	Message   chat.Message
	Usage     chat.Usage
	Err       error
	ErrKind   chat.ErrorKind
	Aborted   bool
}

// Running is a handle on an in-flight stream.
type Running struct {
	MessageID string
	done      chan struct{}
	result    Result
}

// Wait blocks until the stream reaches a terminal state or ctx is done.
func (r *Running) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type activeStream struct {
	minionID  string
	messageID string
	token     string
	tempDir   string
	cancel    context.CancelFunc
	running   *Running

	mu             sync.Mutex
	state          State
	abandonPartial bool
	abortReason    string
	provStream     providers.Stream
}

// Manager runs streams. One per process.
type Manager struct {
	hist   *history.Store
	pub    bus.Publisher
	tracer trace.Tracer

	mu     sync.Mutex
	active map[string]*activeStream

	lostMu sync.Mutex
	lost   map[string]map[string]bool
}

// NewManager creates a stream manager over the history store and event bus.
func NewManager(hist *history.Store, pub bus.Publisher) *Manager {
	return &Manager{
		hist:   hist,
		pub:    pub,
		tracer: otel.Tracer("lattice/stream"),
		active: make(map[string]*activeStream),
		lost:   make(map[string]map[string]bool),
	}
}

// StateFor reports the minion's current stream state.
func (m *Manager) StateFor(minionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.active[minionID]
	if !ok {
		return StateIdle
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.state
}

// StartStream appends the assistant placeholder, then spawns the provider
// stream. The placeholder takes its historySequence before any provider I/O
// so crash recovery always finds it.
func (m *Manager) StartStream(ctx context.Context, opts StartOptions) (*Running, error) {
	m.mu.Lock()
	if _, busy := m.active[opts.MinionID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("minion %s already has an active stream", opts.MinionID)
	}

	placeholder := chat.NewMessage(chat.RoleAssistant)
	placeholder.Metadata.Model = opts.Request.Model
	placeholder.Metadata.AgentID = opts.AgentID
	if _, err := m.hist.Append(opts.MinionID, placeholder); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("append placeholder: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "lattice-stream-*")
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	as := &activeStream{
		minionID:  opts.MinionID,
		messageID: placeholder.ID,
		token:     uuid.NewString(),
		tempDir:   tempDir,
		cancel:    cancel,
		running:   &Running{MessageID: placeholder.ID, done: make(chan struct{})},
		state:     StateStarting,
	}
	m.active[opts.MinionID] = as
	m.mu.Unlock()

	go m.run(sctx, as, opts, placeholder)
	return as.running, nil
}

// StopStream aborts the minion's stream, if any. Stopping an idle minion is
// a no-op.
func (m *Manager) StopStream(minionID string, opts StopOptions) {
	m.mu.Lock()
	as, ok := m.active[minionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	as.mu.Lock()
	as.abandonPartial = opts.AbandonPartial
	as.abortReason = opts.AbortReason
	ps := as.provStream
	as.mu.Unlock()

	if ps != nil && !opts.Soft {
		_ = ps.Close()
	}
	as.cancel()
}

func (m *Manager) run(ctx context.Context, as *activeStream, opts StartOptions, placeholder chat.Message) {
	ctx, span := m.tracer.Start(ctx, "stream.run",
		trace.WithAttributes(
			attribute.String("minion.id", opts.MinionID),
			attribute.String("stream.token", as.token),
			attribute.String("model", opts.Request.Model),
		))
	defer span.End()
	defer m.cleanup(as)

	acc := newAccumulator(placeholder)
	limiter := rate.NewLimiter(rate.Every(partialWriteInterval), 1)

	ps, err := opts.Provider.Stream(ctx, opts.Request)
	if err != nil {
		if ctx.Err() != nil {
			m.finishAborted(as, acc)
			return
		}
		m.finishError(as, acc, err, chat.KindOf(err))
		return
	}
	as.mu.Lock()
	as.provStream = ps
	as.mu.Unlock()
	defer ps.Close()

	first := true
	for {
		select {
		case <-ctx.Done():
			if m.drainPending(as, acc, limiter, ps) {
				return
			}
			m.finishAborted(as, acc)
			return
		case ev, ok := <-ps.Events():
			if !ok {
				// Channel closed without a terminal event: treat as abort.
				m.finishAborted(as, acc)
				return
			}
			if first {
				first = false
				as.mu.Lock()
				as.state = StateStreaming
				as.mu.Unlock()
				m.emit(as, bus.EventStreamStart, nil)
			}
			if done := m.handleEvent(as, acc, limiter, ev); done {
				return
			}
		}
	}
}

// drainPending folds events the provider had already queued when the abort
// fired, so the committed partial carries everything received. The drain
// never blocks: a soft stop leaves the provider stream open. Returns true
// when a queued terminal event finished the stream on its own.
func (m *Manager) drainPending(as *activeStream, acc *accumulator, limiter *rate.Limiter, ps providers.Stream) bool {
	for {
		select {
		case ev, ok := <-ps.Events():
			if !ok {
				return false
			}
			if done := m.handleEvent(as, acc, limiter, ev); done {
				return true
			}
		default:
			return false
		}
	}
}

// handleEvent folds one provider event into the accumulator and broadcasts
// it. Returns true on a terminal event.
func (m *Manager) handleEvent(as *activeStream, acc *accumulator, limiter *rate.Limiter, ev providers.Event) bool {
	switch ev.Type {
	case providers.EventTextDelta:
		acc.text(ev.Text)
		m.emit(as, bus.EventStreamDelta, map[string]any{"delta": ev.Text})

	case providers.EventReasoningDelta:
		acc.reasoning(ev.Text)
		m.emit(as, bus.EventReasoningDelta, map[string]any{"delta": ev.Text})

	case providers.EventReasoningEnd:
		m.emit(as, bus.EventReasoningEnd, nil)

	case providers.EventToolCallStart:
		acc.toolStart(ev.ToolCallID, ev.ToolName)
		m.emit(as, bus.EventToolCallStart, toolPayload(ev))

	case providers.EventToolCallDelta:
		acc.toolDelta(ev.ToolCallID, ev.InputDelta)
		m.emit(as, bus.EventToolCallDelta, toolPayload(ev))

	case providers.EventToolCallEnd:
		acc.toolEnd(ev)
		m.emit(as, bus.EventToolCallEnd, toolPayload(ev))

	case providers.EventUsage:
		if ev.Usage != nil {
			acc.usage.Add(*ev.Usage)
		}
		m.emit(as, bus.EventUsageDelta, map[string]any{"usage": ev.Usage})

	case providers.EventResponseID:
		acc.responseID(ev.ResponseID)

	case providers.EventFinish:
		m.finalize(as, acc)
		return true

	case providers.EventError:
		kind := ev.ErrKind
		if kind == "" {
			kind = chat.KindOf(ev.Err)
		}
		m.finishError(as, acc, ev.Err, kind)
		return true
	}

	if limiter.Allow() {
		if err := m.hist.WritePartial(as.minionID, acc.snapshot(true)); err != nil {
			slog.Warn("stream.partial_write_failed", "minion", as.minionID, "error", err)
		}
	}
	return false
}

// finalize commits the finished message: placeholder updated in place,
// partial slot removed, stream-end broadcast.
func (m *Manager) finalize(as *activeStream, acc *accumulator) {
	as.mu.Lock()
	as.state = StateFinalizing
	as.mu.Unlock()

	final := acc.snapshot(false)
	if err := m.hist.Update(as.minionID, final); err != nil {
		slog.Error("stream.finalize_update_failed", "minion", as.minionID, "error", err)
	}
	if err := m.hist.DeletePartial(as.minionID); err != nil {
		slog.Warn("stream.partial_delete_failed", "minion", as.minionID, "error", err)
	}
	as.running.result = Result{MessageID: as.messageID, Message: final, Usage: acc.usage}
	m.emit(as, bus.EventStreamEnd, map[string]any{"usage": acc.usage})
	slog.Info("stream.end", "minion", as.minionID, "message", as.messageID)
}

// finishError keeps the partial on disk for recovery, flags the placeholder,
// and broadcasts the error.
func (m *Manager) finishError(as *activeStream, acc *accumulator, err error, kind chat.ErrorKind) {
	as.mu.Lock()
	as.state = StateErrored
	as.mu.Unlock()

	msg := acc.snapshot(true)
	msg.Metadata.Error = err.Error()
	msg.Metadata.ErrorKind = kind
	if werr := m.hist.WritePartial(as.minionID, msg); werr != nil {
		slog.Warn("stream.partial_write_failed", "minion", as.minionID, "error", werr)
	}
	if uerr := m.hist.Update(as.minionID, msg); uerr != nil {
		slog.Warn("stream.error_update_failed", "minion", as.minionID, "error", uerr)
	}
	as.running.result = Result{MessageID: as.messageID, Message: msg, Usage: acc.usage, Err: err, ErrKind: kind}
	m.emit(as, bus.EventError, map[string]any{"message": err.Error(), "errorType": string(kind)})
	slog.Warn("stream.error", "minion", as.minionID, "message", as.messageID, "kind", kind, "error", err)
}

// finishAborted commits or abandons the partial per the stop options and
// broadcasts stream-abort.
func (m *Manager) finishAborted(as *activeStream, acc *accumulator) {
	as.mu.Lock()
	as.state = StateAborted
	abandon := as.abandonPartial
	reason := as.abortReason
	as.mu.Unlock()

	if abandon {
		if err := m.hist.DeletePartial(as.minionID); err != nil {
			slog.Warn("stream.partial_delete_failed", "minion", as.minionID, "error", err)
		}
		if err := m.hist.DeleteMessage(as.minionID, as.messageID); err != nil {
			slog.Warn("stream.placeholder_delete_failed", "minion", as.minionID, "error", err)
		}
	} else {
		if err := m.hist.WritePartial(as.minionID, acc.snapshot(true)); err != nil {
			slog.Warn("stream.partial_write_failed", "minion", as.minionID, "error", err)
		}
		if err := m.hist.CommitPartial(as.minionID); err != nil {
			slog.Warn("stream.partial_commit_failed", "minion", as.minionID, "error", err)
		}
	}
	as.running.result = Result{MessageID: as.messageID, Usage: acc.usage, Aborted: true}
	m.emit(as, bus.EventStreamAbort, map[string]any{"abortReason": reason})
	slog.Info("stream.abort", "minion", as.minionID, "message", as.messageID, "reason", reason)
}

func (m *Manager) cleanup(as *activeStream) {
	if err := os.RemoveAll(as.tempDir); err != nil {
		slog.Debug("stream.tempdir_cleanup_failed", "dir", as.tempDir, "error", err)
	}
	m.mu.Lock()
	delete(m.active, as.minionID)
	m.mu.Unlock()
	close(as.running.done)
}

func (m *Manager) emit(as *activeStream, kind string, payload any) {
	m.pub.Publish(bus.Event{
		Kind:      kind,
		MinionID:  as.minionID,
		MessageID: as.messageID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
}

// EmitAbortSynthetic broadcasts a stream-abort for a send that never reached
// StartStream, so UIs can leave the starting state. The message id is
// synthetic: no placeholder exists yet.
func (m *Manager) EmitAbortSynthetic(minionID, messageID, reason string) {
	m.pub.Publish(bus.Event{
		Kind:      bus.EventStreamAbort,
		MinionID:  minionID,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{"abortReason": reason},
	})
}

// MarkResponseIDLost records a provider response id the server reported
// lost; IsResponseIDLost filters it from previousResponseId lookups.
func (m *Manager) MarkResponseIDLost(minionID, responseID string) {
	m.lostMu.Lock()
	defer m.lostMu.Unlock()
	set, ok := m.lost[minionID]
	if !ok {
		set = make(map[string]bool)
		m.lost[minionID] = set
	}
	set[responseID] = true
}

// IsResponseIDLost is the pipeline predicate for one minion.
func (m *Manager) IsResponseIDLost(minionID string) func(string) bool {
	return func(responseID string) bool {
		m.lostMu.Lock()
		defer m.lostMu.Unlock()
		return m.lost[minionID][responseID]
	}
}

func toolPayload(ev providers.Event) map[string]any {
	p := map[string]any{
		"toolCallId": ev.ToolCallID,
		"toolName":   ev.ToolName,
	}
	if ev.InputDelta != "" {
		p["inputDelta"] = ev.InputDelta
	}
	if ev.Input != nil {
		p["input"] = ev.Input
	}
	if ev.Output != nil {
		p["output"] = ev.Output
	}
	if ev.ParentToolCallID != "" {
		// Nested programmatic tool calls ride under the parent assistant
		// message; the parent call id keeps them attributable.
		p["parentToolCallId"] = ev.ParentToolCallID
	}
	return p
}
