package minion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManagedPrefix guards destructive operations: only directories created by
// the runtime carry it, and only those may be deleted.
const ManagedPrefix = "lattice-"

// RuntimeKind selects where a minion's tools execute.
type RuntimeKind string

const (
	RuntimeLocal     RuntimeKind = "local"
	RuntimeContainer RuntimeKind = "container"
	RuntimeRemote    RuntimeKind = "remote"
)

// RuntimeConfig describes the execution environment bound to a minion.
type RuntimeConfig struct {
	Kind  RuntimeKind `json:"kind"`
	Image string      `json:"image,omitempty"` // container runtime
	Host  string      `json:"host,omitempty"`  // remote runtime
}

// Minion is a durable named session bound to a project path and a runtime.
// Identity is ID; a minion owns the session directory returned by Store.SessionDir.
type Minion struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name"`
	ProjectPath           string        `json:"projectPath"`
	ProjectName           string        `json:"projectName"`
	RuntimeConfig         RuntimeConfig `json:"runtimeConfig"`
	ParentMinionID        string        `json:"parentMinionId,omitempty"`
	AgentID               string        `json:"agentId,omitempty"`
	AgentSwitchingEnabled bool          `json:"agentSwitchingEnabled,omitempty"`
}

// IsSidekick reports whether the minion was spawned by another minion.
func (m *Minion) IsSidekick() bool { return m.ParentMinionID != "" }

// Store resolves per-minion session directories under a single root and owns
// the file-lock table serializing writes into them.
type Store struct {
	root  string
	Locks *FileLocks
}

// NewStore creates a store rooted at dir. The directory is created lazily on
// first write, not here — a deleted root must not be resurrected by reads.
func NewStore(root string) *Store {
	return &Store{root: root, Locks: NewFileLocks()}
}

// Root returns the sessions root directory.
func (s *Store) Root() string { return s.root }

// SessionDir returns S(id), the directory owning all persisted state for a minion.
func (s *Store) SessionDir(minionID string) string {
	return filepath.Join(s.root, ManagedPrefix+sanitizeSegment(minionID))
}

// EnsureSessionDir creates S(id) if missing.
func (s *Store) EnsureSessionDir(minionID string) (string, error) {
	dir := s.SessionDir(minionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// SessionDirExists reports whether S(id) is present. Queued writers re-check
// this before writing so a removed minion's directory is never recreated.
func (s *Store) SessionDirExists(minionID string) bool {
	st, err := os.Stat(s.SessionDir(minionID))
	return err == nil && st.IsDir()
}

// DeleteMinionEventually removes a minion's session directory. It refuses
// directories whose base name does not carry the managed prefix.
func (s *Store) DeleteMinionEventually(minionID string) error {
	dir := s.SessionDir(minionID)
	if !strings.HasPrefix(filepath.Base(dir), ManagedPrefix) {
		return fmt.Errorf("refusing to delete unmanaged directory %q", dir)
	}
	return s.Locks.WithLock(minionID, func() error {
		return os.RemoveAll(dir)
	})
}

// sanitizeSegment makes an ID safe for use as a directory name.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
