// Package usage maintains the per-minion cumulative token/cost ledger,
// persisted as session-usage.json. Accumulation is add-only: costs are never
// subtracted, so deleting messages cannot distort the ledger.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/minion"
)

const usageFile = "session-usage.json"

// LastRequest records the most recent request's usage.
type LastRequest struct {
	Model     string     `json:"model"`
	Usage     chat.Usage `json:"usage"`
	Timestamp int64      `json:"timestamp"` // unix ms
}

// SessionUsage is the persisted ledger for one minion.
type SessionUsage struct {
	Version      int                    `json:"version"`
	ByModel      map[string]*chat.Usage `json:"byModel"`
	LastRequest  *LastRequest           `json:"lastRequest,omitempty"`
	RolledUpFrom []string               `json:"rolledUpFrom,omitempty"`
}

func newSessionUsage() *SessionUsage {
	return &SessionUsage{Version: 1, ByModel: make(map[string]*chat.Usage)}
}

func (u *SessionUsage) rolledUp(childID string) bool {
	for _, id := range u.RolledUpFrom {
		if id == childID {
			return true
		}
	}
	return false
}

// Total sums usage across models. Cost is the sum of per-model costs.
func (u *SessionUsage) Total() chat.Usage {
	var total chat.Usage
	for _, mu := range u.ByModel {
		total.Add(*mu)
	}
	return total
}

// Ledger owns all minions' session usage. Reads and writes for one minion go
// through the shared per-minion file lock.
type Ledger struct {
	minions *minion.Store

	mu    sync.Mutex
	cache map[string]*SessionUsage
}

// NewLedger creates a ledger over the minion store.
func NewLedger(minions *minion.Store) *Ledger {
	return &Ledger{minions: minions, cache: make(map[string]*SessionUsage)}
}

// Record accumulates one request's usage for a model and updates lastRequest.
func (l *Ledger) Record(minionID, model string, u chat.Usage) error {
	return l.mutate(minionID, func(s *SessionUsage) {
		bucket, ok := s.ByModel[model]
		if !ok {
			bucket = &chat.Usage{}
			s.ByModel[model] = bucket
		}
		bucket.Add(u)
		s.LastRequest = &LastRequest{Model: model, Usage: u, Timestamp: time.Now().UnixMilli()}
	})
}

// RollUpIntoParent folds a finished child's usage into the parent ledger.
// The child id is recorded in rolledUpFrom: repeat invocations for the same
// child accumulate nothing.
func (l *Ledger) RollUpIntoParent(parentID, childID string, byModel map[string]chat.Usage) error {
	return l.mutate(parentID, func(s *SessionUsage) {
		if s.rolledUp(childID) {
			return
		}
		for model, u := range byModel {
			bucket, ok := s.ByModel[model]
			if !ok {
				bucket = &chat.Usage{}
				s.ByModel[model] = bucket
			}
			bucket.Add(u)
		}
		s.RolledUpFrom = append(s.RolledUpFrom, childID)
		sort.Strings(s.RolledUpFrom)
	})
}

// SessionUsage returns a deep copy of the minion's ledger.
func (l *Ledger) SessionUsage(minionID string) (*SessionUsage, error) {
	var out *SessionUsage
	err := l.minions.Locks.WithLock(minionID, func() error {
		s, err := l.loadLocked(minionID)
		if err != nil {
			return err
		}
		out = s.clone()
		return nil
	})
	return out, err
}

// RebuildFromMessages recomputes the ledger from scratch out of message
// metadata. Roll-up records are preserved: a rebuild must not re-open the
// door to double-counting children.
func (l *Ledger) RebuildFromMessages(minionID string, msgs []chat.Message) error {
	return l.mutate(minionID, func(s *SessionUsage) {
		rolledUpFrom := s.RolledUpFrom
		s.ByModel = make(map[string]*chat.Usage)
		s.LastRequest = nil
		s.RolledUpFrom = rolledUpFrom
		for i := range msgs {
			meta := &msgs[i].Metadata
			if meta.Usage == nil || meta.Model == "" {
				continue
			}
			bucket, ok := s.ByModel[meta.Model]
			if !ok {
				bucket = &chat.Usage{}
				s.ByModel[meta.Model] = bucket
			}
			bucket.Add(*meta.Usage)
			s.LastRequest = &LastRequest{Model: meta.Model, Usage: *meta.Usage, Timestamp: meta.Timestamp}
		}
	})
}

// DropCache evicts the in-memory copy. Next read reloads from disk.
func (l *Ledger) DropCache(minionID string) {
	l.mu.Lock()
	delete(l.cache, minionID)
	l.mu.Unlock()
}

func (l *Ledger) mutate(minionID string, fn func(*SessionUsage)) error {
	return l.minions.Locks.WithLock(minionID, func() error {
		s, err := l.loadLocked(minionID)
		if err != nil {
			return err
		}
		fn(s)
		return l.persistLocked(minionID, s)
	})
}

// loadLocked returns the cached ledger, reading from disk on first touch.
// Caller must hold the minion file lock.
func (l *Ledger) loadLocked(minionID string) (*SessionUsage, error) {
	l.mu.Lock()
	s, ok := l.cache[minionID]
	l.mu.Unlock()
	if ok {
		return s, nil
	}

	s = newSessionUsage()
	data, err := os.ReadFile(l.path(minionID))
	if err == nil {
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("decode session usage: %w", err)
		}
		if s.ByModel == nil {
			s.ByModel = make(map[string]*chat.Usage)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	l.mu.Lock()
	l.cache[minionID] = s
	l.mu.Unlock()
	return s, nil
}

func (l *Ledger) persistLocked(minionID string, s *SessionUsage) error {
	dir, err := l.minions.EnsureSessionDir(minionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".usage-*.tmp")
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
	if err := os.Rename(tmpPath, l.path(minionID)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (l *Ledger) path(minionID string) string {
	return filepath.Join(l.minions.SessionDir(minionID), usageFile)
}

func (u *SessionUsage) clone() *SessionUsage {
	cp := &SessionUsage{Version: u.Version, ByModel: make(map[string]*chat.Usage, len(u.ByModel))}
	for model, mu := range u.ByModel {
		c := *mu
		cp.ByModel[model] = &c
	}
	if u.LastRequest != nil {
		lr := *u.LastRequest
		cp.LastRequest = &lr
	}
	cp.RolledUpFrom = append([]string(nil), u.RolledUpFrom...)
	return cp
}
