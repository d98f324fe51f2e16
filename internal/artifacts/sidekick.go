package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	transcriptsIndexFile = "sidekick-transcripts.json"
	transcriptsDir       = "sidekick-transcripts"
	patchesIndexFile     = "sidekick-patches.json"
	patchesDir           = "sidekick-patches"
)

// TranscriptEntry records one archived sidekick conversation.
type TranscriptEntry struct {
	ChildMinionID string `json:"childMinionId"`
	ArchivedAt    int64  `json:"archivedAt"`
	Dir           string `json:"dir"`
}

// TranscriptIndex is the parent-side index of archived child transcripts.
type TranscriptIndex struct {
	Version                int                        `json:"version"`
	ArtifactsByChildTaskID map[string]TranscriptEntry `json:"artifactsByChildTaskId"`
}

// PatchEntry records one archived git-patch series from a sidekick.
type PatchEntry struct {
	ChildMinionID string `json:"childMinionId"`
	ArchivedAt    int64  `json:"archivedAt"`
	Mbox          string `json:"mbox"`
}

// PatchIndex is the parent-side index of archived patch series.
type PatchIndex struct {
	Version                int                   `json:"version"`
	ArtifactsByChildTaskID map[string]PatchEntry `json:"artifactsByChildTaskId"`
}

// ArchiveSidekickTranscript copies the child's chat.jsonl and partial.json
// into the parent's transcript area and indexes them under the task id.
// Archival survives later deletion of the child minion.
func (s *Store) ArchiveSidekickTranscript(parentID, childTaskID, childMinionID string) error {
	childDir := s.minions.SessionDir(childMinionID)
	destRel := filepath.Join(transcriptsDir, childTaskID)
	destDir := filepath.Join(s.minions.SessionDir(parentID), destRel)

	if _, err := s.minions.EnsureSessionDir(parentID); err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for _, name := range []string{"chat.jsonl", "partial.json"} {
		if err := copyFile(filepath.Join(childDir, name), filepath.Join(destDir, name)); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}

	index, err := s.loadTranscriptIndex(parentID)
	if err != nil {
		return err
	}
	index.ArtifactsByChildTaskID[childTaskID] = TranscriptEntry{
		ChildMinionID: childMinionID,
		ArchivedAt:    time.Now().UnixMilli(),
		Dir:           destRel,
	}
	return s.writeJSON(parentID, transcriptsIndexFile, index)
}

func (s *Store) loadTranscriptIndex(parentID string) (*TranscriptIndex, error) {
	index := &TranscriptIndex{Version: 1, ArtifactsByChildTaskID: map[string]TranscriptEntry{}}
	path := filepath.Join(s.minions.SessionDir(parentID), transcriptsIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, index); err != nil {
		return nil, fmt.Errorf("parse %s: %w", transcriptsIndexFile, err)
	}
	if index.ArtifactsByChildTaskID == nil {
		index.ArtifactsByChildTaskID = map[string]TranscriptEntry{}
	}
	return index, nil
}

// TranscriptFor returns the archived entry for a child task, if any.
func (s *Store) TranscriptFor(parentID, childTaskID string) (TranscriptEntry, bool, error) {
	index, err := s.loadTranscriptIndex(parentID)
	if err != nil {
		return TranscriptEntry{}, false, err
	}
	entry, ok := index.ArtifactsByChildTaskID[childTaskID]
	return entry, ok, nil
}

// ArchiveSidekickPatches stores a git format-patch series for a child task.
func (s *Store) ArchiveSidekickPatches(parentID, childTaskID, childMinionID string, series []byte) error {
	mboxRel := filepath.Join(patchesDir, childTaskID, "series.mbox")
	mboxPath := filepath.Join(s.minions.SessionDir(parentID), mboxRel)

	if _, err := s.minions.EnsureSessionDir(parentID); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(mboxPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(mboxPath, series, 0o644); err != nil {
		return err
	}

	index := &PatchIndex{Version: 1, ArtifactsByChildTaskID: map[string]PatchEntry{}}
	path := filepath.Join(s.minions.SessionDir(parentID), patchesIndexFile)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, index); err != nil {
			return fmt.Errorf("parse %s: %w", patchesIndexFile, err)
		}
		if index.ArtifactsByChildTaskID == nil {
			index.ArtifactsByChildTaskID = map[string]PatchEntry{}
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	index.ArtifactsByChildTaskID[childTaskID] = PatchEntry{
		ChildMinionID: childMinionID,
		ArchivedAt:    time.Now().UnixMilli(),
		Mbox:          mboxRel,
	}
	return s.writeJSON(parentID, patchesIndexFile, index)
}

// copyFile tolerates a missing source: a sidekick without a partial slot is
// normal.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
