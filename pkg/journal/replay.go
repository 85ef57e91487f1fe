package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/tree"
)

// ReadEntries reads every intact entry of the journal file at path.
// Entries that fail to decode or whose checksum does not match are
// skipped.
func ReadEntries(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open: %w", err)
	}
	defer file.Close()

	var entries []Entry
	dec := json.NewDecoder(file)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) || errors.Is(err, io.ErrUnexpectedEOF) {
				// The decoder cannot resynchronize after a syntax error.
				break
			}
			continue
		}
		if e.Checksum != checksum(e.Data) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadEntriesAfter reads the entries with a sequence above after.
func ReadEntriesAfter(path string, after uint64) ([]Entry, error) {
	all, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out, nil
}

// Decode returns the change carried by e. Checkpoints decode to ok=false.
func (e Entry) Decode() (c tree.Change, ok bool, err error) {
	if e.Op == OpCheckpoint {
		return c, false, nil
	}
	op, known := tree.ParseChangeOp(e.Op)
	if !known {
		return c, false, fmt.Errorf("journal: unknown operation: %s", e.Op)
	}
	var r Record
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return c, false, fmt.Errorf("journal: failed to unmarshal %s: %w", e.Op, err)
	}
	c, err = r.Change(op)
	if err != nil {
		return c, false, err
	}
	return c, true, nil
}

// ReplayEntry applies one entry to s.
func ReplayEntry(s *tree.Store, e Entry) error {
	c, ok, err := e.Decode()
	if err != nil || !ok {
		return err
	}
	return s.ApplyChange(c)
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Applied int
	Skipped int
	Failed  int
	Last    uint64 // sequence of the last entry read
}

// Replay applies entries in order. Failing entries are logged and counted
// but do not stop the replay.
func Replay(s *tree.Store, entries []Entry, log *zap.Logger) ReplayResult {
	if log == nil {
		log = zap.NewNop()
	}
	var res ReplayResult
	for _, e := range entries {
		res.Last = e.Sequence
		c, ok, err := e.Decode()
		switch {
		case err != nil:
			res.Failed++
			log.Warn("journal entry undecodable", zap.Uint64("seq", e.Sequence), zap.Error(err))
			continue
		case !ok:
			res.Skipped++
			continue
		}
		if err := s.ApplyChange(c); err != nil {
			res.Failed++
			log.Warn("journal entry failed", zap.Uint64("seq", e.Sequence), zap.String("op", e.Op), zap.Error(err))
			continue
		}
		res.Applied++
	}
	return res
}

// Recover rebuilds the Scenes subtree of s from the snapshot at
// snapshotPath, if any, and the journal in dir. The metanodes of every
// journaled node must already be registered. Replayed changes are marked
// remote; a recorder attached afterwards does not journal them again
// unless it records remote changes.
func Recover(s *tree.Store, dir, snapshotPath string, log *zap.Logger) (ReplayResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var after uint64
	if snapshotPath != "" {
		snap, err := LoadSnapshot(snapshotPath)
		switch {
		case err == nil:
			doc, err := snap.Decode()
			if err != nil {
				return ReplayResult{}, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
			}
			scenes := s.Scenes()
			n, err := s.ImportDocument(scenes, doc, 0, 0, 0)
			scenes.Close()
			if err != nil {
				return ReplayResult{}, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
			}
			n.Close()
			after = snap.Sequence
		case !errors.Is(err, os.ErrNotExist):
			return ReplayResult{}, err
		}
	}

	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ReplayResult{Last: after}, nil
	}
	entries, err := ReadEntriesAfter(path, after)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	res := Replay(s, entries, log)
	if res.Last < after {
		res.Last = after
	}
	log.Info("journal recovered",
		zap.Uint64("snapshot", after),
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed))
	return res, nil
}
