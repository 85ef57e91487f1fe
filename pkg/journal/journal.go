// Package journal provides a write-ahead change journal for a VRTree store.
//
// Every committed tree.Change is appended to an append-only log as a JSON
// entry carrying a monotonically increasing sequence number and a CRC32
// checksum. Together with a snapshot of the Scenes subtree, the journal
// rebuilds the store after a crash:
//
//	snapshot (sequence N)  +  entries N+1 ... M  =  state at M
//
// Sync modes:
//   - "immediate": fsync after each entry (safest, slowest)
//   - "batch": fsync from a background goroutine every BatchSyncInterval
//   - "none": flush only on Sync and Close
//
// Example:
//
//	j, err := journal.Open(journal.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer j.Close()
//
//	rec := journal.Attach(store, j, journal.RecorderOptions{})
//	defer rec.Detach()
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FileName is the journal file inside Config.Dir.
const FileName = "journal.log"

// Sync modes.
const (
	SyncImmediate = "immediate"
	SyncBatch     = "batch"
	SyncNone      = "none"
)

// Errors returned by the journal.
var (
	ErrClosed         = errors.New("journal: closed")
	ErrCorrupted      = errors.New("journal: corrupted entry")
	ErrSnapshotFailed = errors.New("journal: snapshot failed")
	ErrRecoveryFailed = errors.New("journal: recovery failed")
)

// Config configures a Journal.
type Config struct {
	// Dir holds the journal file and snapshots.
	Dir string

	// SyncMode is one of SyncImmediate, SyncBatch or SyncNone.
	SyncMode string

	// BatchSyncInterval is the flush period in batch mode.
	BatchSyncInterval time.Duration

	// MaxEntries triggers Rotate from the recorder when exceeded.
	// Zero disables rotation.
	MaxEntries int64

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dir:               "data/journal",
		SyncMode:          SyncBatch,
		BatchSyncInterval: 100 * time.Millisecond,
		MaxEntries:        100000,
	}
}

// Entry is one journal line.
type Entry struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Op        string    `json:"op"`
	Data      []byte    `json:"data"`
	Checksum  uint32    `json:"checksum"`
}

// OpCheckpoint marks a snapshot boundary. It carries no change.
const OpCheckpoint = "checkpoint"

// Journal is an append-only change log. It is safe for concurrent use.
type Journal struct {
	mu       sync.Mutex
	config   *Config
	log      *zap.Logger
	file     *os.File
	writer   *bufio.Writer
	encoder  *json.Encoder
	sequence atomic.Uint64
	entries  atomic.Int64
	closed   atomic.Bool

	syncTicker *time.Ticker
	stopSync   chan struct{}
	syncDone   chan struct{}

	totalWrites   atomic.Int64
	totalSyncs    atomic.Int64
	lastSyncTime  atomic.Int64
	lastEntryTime atomic.Int64
}

// Stats describes the journal state.
type Stats struct {
	Sequence      uint64
	EntryCount    int64
	TotalWrites   int64
	TotalSyncs    int64
	LastSyncTime  time.Time
	LastEntryTime time.Time
	Closed        bool
}

// Open opens or creates the journal in cfg.Dir. A nil cfg uses
// DefaultConfig.
func Open(cfg *Config) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.SyncMode {
	case "":
		cfg.SyncMode = SyncBatch
	case SyncImmediate, SyncBatch, SyncNone:
	default:
		return nil, fmt.Errorf("journal: unknown sync mode %q", cfg.SyncMode)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}
	path := filepath.Join(cfg.Dir, FileName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open file: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	j := &Journal{
		config:   cfg,
		log:      log.Named("journal"),
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024),
		stopSync: make(chan struct{}),
		syncDone: make(chan struct{}),
	}
	j.encoder = json.NewEncoder(j.writer)

	if seq, count, err := lastSequence(path); err == nil {
		j.sequence.Store(seq)
		j.entries.Store(count)
	}

	if cfg.SyncMode == SyncBatch && cfg.BatchSyncInterval > 0 {
		j.syncTicker = time.NewTicker(cfg.BatchSyncInterval)
		go j.batchSyncLoop()
	} else {
		close(j.syncDone)
	}
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return filepath.Join(j.config.Dir, FileName)
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.config.Dir }

func lastSequence(path string) (uint64, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	var (
		last  uint64
		count int64
	)
	dec := json.NewDecoder(file)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		last = e.Sequence
		count++
	}
	return last, count, nil
}

func (j *Journal) batchSyncLoop() {
	defer close(j.syncDone)
	for {
		select {
		case <-j.syncTicker.C:
			if err := j.Sync(); err != nil && !errors.Is(err, ErrClosed) {
				j.log.Warn("batch sync failed", zap.Error(err))
			}
		case <-j.stopSync:
			return
		}
	}
}

// Append writes one entry and returns its sequence number.
func (j *Journal) Append(op string, data any) (uint64, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("journal: failed to marshal data: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.sequence.Add(1)
	entry := Entry{
		Sequence:  seq,
		Timestamp: time.Now(),
		Op:        op,
		Data:      raw,
		Checksum:  checksum(raw),
	}
	if err := j.encoder.Encode(&entry); err != nil {
		return 0, fmt.Errorf("journal: failed to write entry: %w", err)
	}
	j.entries.Add(1)
	j.totalWrites.Add(1)
	j.lastEntryTime.Store(time.Now().UnixNano())

	if j.config.SyncMode == SyncImmediate {
		return seq, j.syncLocked()
	}
	return seq, nil
}

// Sync flushes buffered entries and, unless the sync mode is none,
// fsyncs the file.
func (j *Journal) Sync() error {
	if j.closed.Load() {
		return ErrClosed
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("journal: flush failed: %w", err)
	}
	if j.config.SyncMode != SyncNone {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync failed: %w", err)
		}
	}
	j.totalSyncs.Add(1)
	j.lastSyncTime.Store(time.Now().UnixNano())
	return nil
}

type checkpointData struct {
	Time     time.Time `json:"time"`
	Sequence uint64    `json:"sequence"`
}

// Checkpoint appends a checkpoint marker and returns the sequence it
// covers.
func (j *Journal) Checkpoint() (uint64, error) {
	covered := j.sequence.Load()
	if _, err := j.Append(OpCheckpoint, checkpointData{Time: time.Now(), Sequence: covered}); err != nil {
		return 0, err
	}
	return covered, nil
}

// Rotate truncates the journal after a snapshot covering every entry has
// been saved. The sequence keeps counting.
func (j *Journal) Rotate() error {
	if j.closed.Load() {
		return ErrClosed
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.syncLocked(); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("journal: truncate failed: %w", err)
	}
	j.entries.Store(0)
	j.log.Debug("journal rotated", zap.Uint64("sequence", j.sequence.Load()))
	return nil
}

// Close flushes pending entries, stops the sync goroutine and closes the
// file. Closing twice is a no-op.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	if j.syncTicker != nil {
		j.syncTicker.Stop()
		close(j.stopSync)
	}
	<-j.syncDone

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.syncLocked(); err != nil {
		j.log.Warn("final sync failed", zap.Error(err))
	}
	return j.file.Close()
}

// Stats returns current statistics.
func (j *Journal) Stats() Stats {
	var lastSync, lastEntry time.Time
	if t := j.lastSyncTime.Load(); t > 0 {
		lastSync = time.Unix(0, t)
	}
	if t := j.lastEntryTime.Load(); t > 0 {
		lastEntry = time.Unix(0, t)
	}
	return Stats{
		Sequence:      j.sequence.Load(),
		EntryCount:    j.entries.Load(),
		TotalWrites:   j.totalWrites.Load(),
		TotalSyncs:    j.totalSyncs.Load(),
		LastSyncTime:  lastSync,
		LastEntryTime: lastEntry,
		Closed:        j.closed.Load(),
	}
}

// Sequence returns the last assigned sequence number.
func (j *Journal) Sequence() uint64 {
	return j.sequence.Load()
}

func checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
