package collab

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/journal"
	"github.com/orneryd/vrtree/pkg/tree"
)

// FrameType names a wire frame.
type FrameType string

const (
	FrameHello    FrameType = "hello"
	FrameSnapshot FrameType = "snapshot"
	FrameChange   FrameType = "change"
)

// Frame is one JSON message between peers.
type Frame struct {
	Type  FrameType `json:"type"`
	From  uuid.UUID `json:"from"`
	Clock uint64    `json:"clock"`

	// change
	Op     string          `json:"op,omitempty"`
	Change *journal.Record `json:"change,omitempty"`

	// snapshot
	Snapshot   []byte `json:"snapshot,omitempty"`
	Compressed bool   `json:"compressed,omitempty"`
}

// Stamp orders concurrent writes: higher clock wins, ties go to the
// higher peer id.
type Stamp struct {
	Clock uint64
	Peer  uuid.UUID
}

// After reports whether a wins over b.
func (a Stamp) After(b Stamp) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return bytes.Compare(a.Peer[:], b.Peer[:]) > 0
}

func (f *Frame) stamp() Stamp { return Stamp{Clock: f.Clock, Peer: f.From} }

func changeFrame(from uuid.UUID, clock uint64, c tree.Change) ([]byte, error) {
	rec := journal.NewRecord(c)
	return json.Marshal(&Frame{Type: FrameChange, From: from, Clock: clock, Op: c.Op.String(), Change: &rec})
}

func (f *Frame) change() (tree.Change, error) {
	if f.Change == nil {
		return tree.Change{}, fmt.Errorf("collab: change frame without change")
	}
	op, ok := tree.ParseChangeOp(f.Op)
	if !ok {
		return tree.Change{}, fmt.Errorf("collab: unknown op %q", f.Op)
	}
	return f.Change.Change(op)
}

// snapshotFrame encodes doc as text, compressing it with zstd when it is
// larger than threshold.
func snapshotFrame(from uuid.UUID, clock uint64, doc *format.Document, threshold int) ([]byte, error) {
	data, err := format.Marshal(doc, format.Text)
	if err != nil {
		return nil, err
	}
	f := &Frame{Type: FrameSnapshot, From: from, Clock: clock, Snapshot: data}
	if threshold >= 0 && len(data) > threshold {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("collab: zstd writer: %w", err)
		}
		f.Snapshot = enc.EncodeAll(data, nil)
		f.Compressed = true
		enc.Close()
	}
	return json.Marshal(f)
}

func (f *Frame) document() (*format.Document, error) {
	data := f.Snapshot
	if f.Compressed {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("collab: zstd reader: %w", err)
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(f.Snapshot, nil); err != nil {
			return nil, fmt.Errorf("collab: decompress snapshot: %w", err)
		}
	}
	return format.Unmarshal(data)
}
