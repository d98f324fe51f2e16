package providers

import (
	"context"
	"errors"
	"sync"

	"github.com/latticehq/lattice/internal/chat"
)

// Script is the canned event sequence for one simulated stream.
type Script struct {
	Events []Event
	// OpenErr fails the stream before any event.
	OpenErr error
}

// Simulator plays back scripted streams in request order. Tests use it to
// provoke exact provider behavior: context-exceeded errors, tool calls,
// multi-part answers.
type Simulator struct {
	mu       sync.Mutex
	scripts  []Script
	requests []Request
}

// NewSimulator creates a simulator with a fixed playlist.
func NewSimulator(scripts ...Script) *Simulator {
	return &Simulator{scripts: scripts}
}

// Push appends another scripted stream.
func (s *Simulator) Push(script Script) {
	s.mu.Lock()
	s.scripts = append(s.scripts, script)
	s.mu.Unlock()
}

// Requests returns every request seen so far, in order.
func (s *Simulator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Simulator) Kind() Kind { return KindSimulator }

func (s *Simulator) Stream(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.scripts) == 0 {
		s.mu.Unlock()
		return nil, errors.New("simulator: no script queued")
	}
	script := s.scripts[0]
	s.scripts = s.scripts[1:]
	s.mu.Unlock()

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}

	ch := make(chan Event)
	st := &simStream{events: ch, cancel: make(chan struct{})}
	go func() {
		defer close(ch)
		for _, ev := range script.Events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			case <-st.cancel:
				return
			}
		}
	}()
	return st, nil
}

type simStream struct {
	events    chan Event
	cancel    chan struct{}
	closeOnce sync.Once
}

func (st *simStream) Events() <-chan Event { return st.events }

func (st *simStream) Close() error {
	st.closeOnce.Do(func() { close(st.cancel) })
	return nil
}

// ContextExceededScript is a stream that fails immediately with the
// context_exceeded kind.
func ContextExceededScript() Script {
	return Script{Events: []Event{{
		Type:    EventError,
		Err:     errors.New("input length exceeds context window"),
		ErrKind: chat.ErrContextExceeded,
	}}}
}

// TextScript is a stream that emits text deltas and finishes cleanly.
func TextScript(chunks ...string) Script {
	var evs []Event
	for _, c := range chunks {
		evs = append(evs, Event{Type: EventTextDelta, Text: c})
	}
	evs = append(evs,
		Event{Type: EventUsage, Usage: &chat.Usage{InputTokens: 10, OutputTokens: 5}},
		Event{Type: EventFinish, FinishReason: "stop"},
	)
	return Script{Events: evs}
}
