// Package artifacts manages the derived files under a minion's session dir:
// the post-compaction diff bundle and archived sidekick transcripts and
// patches.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/latticehq/lattice/internal/minion"
)

const (
	postCompactionFile = "post-compaction.json"
	// maxDiffBytes caps a single file's diff text inside the bundle.
	maxDiffBytes = 50 * 1024
)

// Diff is one file's change since the compaction summary was produced.
type Diff struct {
	Path      string `json:"path"`
	Diff      string `json:"diff"`
	Truncated bool   `json:"truncated,omitempty"`
}

// PostCompaction is attached to the first request after a compaction and
// discarded on success or on the first context-exceeded retry.
type PostCompaction struct {
	Version   int    `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	Diffs     []Diff `json:"diffs"`
}

// FileChange is a before/after snapshot of one file.
type FileChange struct {
	Path   string
	Before string
	After  string
}

// Store reads and writes artifact files per minion.
type Store struct {
	minions *minion.Store
}

// NewStore creates an artifact store over the session root.
func NewStore(minions *minion.Store) *Store {
	return &Store{minions: minions}
}

// BuildPostCompaction computes diffs for the given changes and writes the
// bundle. Oversized diffs are cut at the byte cap and flagged.
func (s *Store) BuildPostCompaction(minionID string, changes []FileChange) error {
	dmp := diffmatchpatch.New()
	pc := &PostCompaction{Version: 1, CreatedAt: time.Now().UnixMilli()}
	for _, ch := range changes {
		patches := dmp.PatchMake(ch.Before, dmp.DiffMain(ch.Before, ch.After, false))
		text := dmp.PatchToText(patches)
		d := Diff{Path: ch.Path, Diff: text}
		if len(text) > maxDiffBytes {
			d.Diff = text[:maxDiffBytes]
			d.Truncated = true
		}
		pc.Diffs = append(pc.Diffs, d)
	}
	return s.writeJSON(minionID, postCompactionFile, pc)
}

// LoadPostCompaction returns the pending bundle, if any.
func (s *Store) LoadPostCompaction(minionID string) (*PostCompaction, bool, error) {
	path := filepath.Join(s.minions.SessionDir(minionID), postCompactionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var pc PostCompaction
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, false, fmt.Errorf("parse %s: %w", postCompactionFile, err)
	}
	return &pc, true, nil
}

// DiscardPostCompaction removes the bundle. Missing file is fine: discards
// happen on both success and retry paths.
func (s *Store) DiscardPostCompaction(minionID string) error {
	return s.minions.Locks.WithLock(minionID, func() error {
		path := filepath.Join(s.minions.SessionDir(minionID), postCompactionFile)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

// writeJSON persists one artifact file atomically under the minion lock,
// re-checking that the session dir still exists so a racing minion deletion
// is not resurrected.
func (s *Store) writeJSON(minionID, name string, v any) error {
	return s.minions.Locks.WithLock(minionID, func() error {
		dir, err := s.minions.EnsureSessionDir(minionID)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		tmp, err := os.CreateTemp(dir, "."+name+"-*")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		return os.Rename(tmp.Name(), filepath.Join(dir, name))
	})
}
