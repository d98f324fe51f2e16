// Package delegated holds tool calls that are answered out-of-band: the
// stream registers a pending call, an external client later answers or
// cancels it.
package delegated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicate is returned when a (minion, toolCallId) pair is registered twice.
var ErrDuplicate = errors.New("delegated tool call already pending")

// Pending is one outstanding delegated tool call. Exactly one of Answer or
// Cancel fulfills it.
type Pending struct {
	MinionID   string
	ToolCallID string
	ToolName   string
	CreatedAt  time.Time

	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

// Wait blocks until the call is answered, canceled, or ctx ends.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) fulfill(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

type key struct{ minionID, toolCallID string }

// Registry is the process-wide pending map. The runtime uses one shared
// instance by contract; tests may create their own.
type Registry struct {
	mu      sync.Mutex
	pending map[key]*Pending
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[key]*Pending)}
}

var defaultRegistry = NewRegistry()

// Default returns the shared process-wide registry.
func Default() *Registry { return defaultRegistry }

// RegisterPending records a new pending call. Duplicate registration for the
// same (minion, toolCallId) is an invariant violation and fails loudly.
func (r *Registry) RegisterPending(minionID, toolCallID, toolName string) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{minionID, toolCallID}
	if _, exists := r.pending[k]; exists {
		return nil, fmt.Errorf("%w: minion %s call %s", ErrDuplicate, minionID, toolCallID)
	}
	p := &Pending{
		MinionID:   minionID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		CreatedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	r.pending[k] = p
	return p, nil
}

// Answer fulfills a pending call with a result.
func (r *Registry) Answer(minionID, toolCallID string, result json.RawMessage) bool {
	p := r.take(minionID, toolCallID)
	if p == nil {
		return false
	}
	p.fulfill(result, nil)
	return true
}

// Cancel fails a pending call with a reason.
func (r *Registry) Cancel(minionID, toolCallID, reason string) bool {
	p := r.take(minionID, toolCallID)
	if p == nil {
		return false
	}
	p.fulfill(nil, errors.New(reason))
	return true
}

// CancelAll fails every outstanding call for the minion, each exactly once.
func (r *Registry) CancelAll(minionID, reason string) int {
	r.mu.Lock()
	var taken []*Pending
	for k, p := range r.pending {
		if k.minionID == minionID {
			taken = append(taken, p)
			delete(r.pending, k)
		}
	}
	r.mu.Unlock()

	for _, p := range taken {
		p.fulfill(nil, errors.New(reason))
	}
	return len(taken)
}

// LatestPending returns the newest pending call for the minion by CreatedAt.
func (r *Registry) LatestPending(minionID string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Pending
	for k, p := range r.pending {
		if k.minionID != minionID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	return latest, latest != nil
}

// PendingCount reports outstanding calls for a minion.
func (r *Registry) PendingCount(minionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.pending {
		if k.minionID == minionID {
			n++
		}
	}
	return n
}

// Reset drops all pending entries without fulfilling them. Test hook only.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.pending = make(map[key]*Pending)
	r.mu.Unlock()
}

func (r *Registry) take(minionID, toolCallID string) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{minionID, toolCallID}
	p, ok := r.pending[k]
	if !ok {
		return nil
	}
	delete(r.pending, k)
	return p
}
