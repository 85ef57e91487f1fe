package journal

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/tree"
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// RecordRemote journals changes applied from peers or a replay.
	RecordRemote bool

	// SnapshotPath enables compaction: once the journal holds more than
	// Config.MaxEntries entries, the next Update saves a snapshot there
	// and rotates the journal.
	SnapshotPath string
}

// Recorder feeds a store's change feed into a journal. Nodes flagged
// NoHistory or Transient are never journaled.
type Recorder struct {
	store   *tree.Store
	journal *Journal
	opts    RecorderOptions
	sub     tree.Subscription
	log     *zap.Logger

	compacting atomic.Bool
	failures   atomic.Int64
}

// Attach registers a recorder on s. It must be called on the store
// goroutine.
func Attach(s *tree.Store, j *Journal, opts RecorderOptions) *Recorder {
	r := &Recorder{store: s, journal: j, opts: opts, log: j.log}
	r.sub = s.AddChangeSink(r.record)
	return r
}

// Detach stops recording.
func (r *Recorder) Detach() {
	if r.sub != 0 {
		r.store.Unsubscribe(r.sub)
		r.sub = 0
	}
}

// Failures returns the number of changes that could not be journaled.
func (r *Recorder) Failures() int64 { return r.failures.Load() }

func (r *Recorder) record(c tree.Change) {
	if c.NoHistory || c.Transient || (c.Remote && !r.opts.RecordRemote) {
		return
	}
	if _, err := r.journal.AppendChange(c); err != nil {
		r.failures.Add(1)
		r.log.Error("journal append failed", zap.Stringer("op", c.Op), zap.Stringer("node", c.Node), zap.Error(err))
		return
	}
	max := r.journal.config.MaxEntries
	if r.opts.SnapshotPath != "" && max > 0 && r.journal.entries.Load() > max && r.compacting.CompareAndSwap(false, true) {
		r.store.Post(r.compact)
	}
}

func (r *Recorder) compact(s *tree.Store) {
	defer r.compacting.Store(false)
	if err := r.Compact(); err != nil {
		r.log.Error("journal compaction failed", zap.Error(err))
	}
}

// Compact saves a snapshot to the configured path and rotates the
// journal. It must run on the store goroutine.
func (r *Recorder) Compact() error {
	if r.opts.SnapshotPath == "" {
		return nil
	}
	snap, err := r.journal.CreateSnapshot(r.store)
	if err != nil {
		return err
	}
	if err := SaveSnapshot(snap, r.opts.SnapshotPath); err != nil {
		return err
	}
	if err := r.journal.Rotate(); err != nil {
		return err
	}
	r.log.Info("journal compacted", zap.Uint64("sequence", snap.Sequence), zap.String("snapshot", r.opts.SnapshotPath))
	return nil
}
