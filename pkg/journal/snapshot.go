package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/tree"
)

// Snapshot is the Scenes subtree at a journal sequence.
type Snapshot struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Document  []byte    `json:"document"` // native encoded format.Document
}

// CreateSnapshot exports the Scenes subtree of s and checkpoints the
// journal. It must run on the store goroutine.
func (j *Journal) CreateSnapshot(s *tree.Store) (*Snapshot, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	scenes := s.Scenes()
	defer scenes.Close()
	doc, err := s.ExportDocument(scenes, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	seq, err := j.Checkpoint()
	if err != nil {
		return nil, fmt.Errorf("journal: checkpoint failed: %w", err)
	}
	data, err := format.Marshal(doc, format.Native)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	return &Snapshot{Sequence: seq, Timestamp: time.Now(), Document: data}, nil
}

// Decode returns the snapshot's document.
func (snap *Snapshot) Decode() (*format.Document, error) {
	return format.Unmarshal(snap.Document)
}

// SaveSnapshot writes snap to path through a temporary file and an
// atomic rename.
func SaveSnapshot(snap *Snapshot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("journal: failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("journal: failed to create snapshot file: %w", err)
	}
	if err := json.NewEncoder(file).Encode(snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("journal: failed to encode snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("journal: failed to sync snapshot: %w", err)
	}
	file.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("journal: failed to rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open snapshot: %w", err)
	}
	defer file.Close()

	var snap Snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("journal: failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
