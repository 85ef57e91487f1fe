package collab

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/tree"
)

// Field names of the per-node registers that are not properties.
const (
	fieldName   = "\x00name"
	fieldParent = "\x00parent"
)

func changeField(c tree.Change) string {
	switch c.Op {
	case tree.OpRename:
		return fieldName
	case tree.OpMove:
		return fieldParent
	}
	return c.Property
}

func (h *Hub) onLocalChange(c tree.Change) {
	if c.Remote || c.Transient || h.applying > 0 {
		return
	}
	st := Stamp{Clock: h.tick(), Peer: h.id}
	switch c.Op {
	case tree.OpDelete:
		h.tombstones[c.Node] = st
		h.forget(c.Node)
	case tree.OpSet, tree.OpRename, tree.OpMove:
		h.registers[fieldKey{c.Node, changeField(c)}] = st
	}
	msg, err := changeFrame(h.id, st.Clock, c)
	if err != nil {
		h.log.Error("encoding change failed", zap.Stringer("op", c.Op), zap.Error(err))
		return
	}
	if n := h.broadcast(msg, nil); n > 0 {
		h.sent.Add(1)
	}
}

// receive runs on a peer's read goroutine.
func (h *Hub) receive(p *peer, msg []byte) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		h.log.Warn("undecodable frame", zap.Error(err))
		return
	}
	switch f.Type {
	case FrameHello:
		p.id.Store(f.From)
		h.observe(f.Clock)
		if !p.dialed {
			h.store.Post(func(*tree.Store) { h.sendSnapshot(p) })
		}
	case FrameSnapshot, FrameChange:
		h.store.Post(func(*tree.Store) { h.apply(p, &f, msg) })
	default:
		h.log.Warn("unknown frame", zap.String("type", string(f.Type)))
	}
}

func (h *Hub) sendSnapshot(p *peer) {
	if h.ctx.Err() != nil || p.isClosed() {
		return
	}
	scenes := h.store.Scenes()
	doc, err := h.store.ExportDocument(scenes, 0)
	scenes.Close()
	if err != nil {
		h.log.Error("snapshot export failed", zap.Error(err))
		return
	}
	msg, err := snapshotFrame(h.id, h.clock.Load(), doc, h.opts.CompressThreshold)
	if err != nil {
		h.log.Error("snapshot encoding failed", zap.Error(err))
		return
	}
	p.send(msg)
	h.log.Debug("snapshot sent", zap.Int("nodes", doc.Count()), zap.Int("bytes", len(msg)))
}

// apply runs on the store goroutine. from may be nil for frames that did
// not arrive over a connection.
func (h *Hub) apply(from *peer, f *Frame, raw []byte) {
	if h.ctx.Err() != nil {
		return
	}
	h.observe(f.Clock)
	switch f.Type {
	case FrameSnapshot:
		h.applySnapshot(f)
	case FrameChange:
		c, err := f.change()
		if err != nil {
			h.log.Warn("bad change frame", zap.Error(err))
			return
		}
		if !h.accept(c, f.stamp()) {
			h.dropped.Add(1)
			return
		}
		h.applying++
		err = h.store.ApplyChange(c)
		h.applying--
		if err != nil {
			h.log.Debug("remote change not applied", zap.Stringer("op", c.Op), zap.Stringer("node", c.Node), zap.Error(err))
			h.store.ClearLastError()
		} else {
			h.applied.Add(1)
		}
		if raw != nil && h.broadcast(raw, from) > 0 {
			h.relayed.Add(1)
		}
	}
}

func (h *Hub) applySnapshot(f *Frame) {
	doc, err := f.document()
	if err != nil {
		h.log.Warn("bad snapshot", zap.Error(err))
		return
	}
	doc.Roots = h.dropTombstoned(doc.Roots)
	scenes := h.store.Scenes()
	defer scenes.Close()
	h.applying++
	n, err := h.store.ImportDocument(scenes, doc, tree.Merge, 0, 0)
	h.applying--
	if err != nil {
		h.log.Error("snapshot merge failed", zap.Error(err))
		return
	}
	n.Close()
	h.log.Info("snapshot merged", zap.Stringer("from", f.From), zap.Int("nodes", doc.Count()))
}

func (h *Hub) dropTombstoned(recs []*format.NodeRecord) []*format.NodeRecord {
	out := recs[:0]
	for _, r := range recs {
		if _, dead := h.tombstones[r.ID]; dead {
			continue
		}
		r.Children = h.dropTombstoned(r.Children)
		out = append(out, r)
	}
	return out
}

// accept decides whether a remote change wins over local state and
// records its stamp.
func (h *Hub) accept(c tree.Change, st Stamp) bool {
	if t, dead := h.tombstones[c.Node]; dead {
		if c.Op == tree.OpDelete && st.After(t) {
			h.tombstones[c.Node] = st
		}
		return false
	}
	switch c.Op {
	case tree.OpCreate:
		return true
	case tree.OpDelete:
		h.tombstones[c.Node] = st
		h.forget(c.Node)
		return true
	}
	key := fieldKey{c.Node, changeField(c)}
	if cur, ok := h.registers[key]; ok && !st.After(cur) {
		return false
	}
	h.registers[key] = st
	return true
}

// forget drops the registers of a deleted node.
func (h *Hub) forget(id uuid.UUID) {
	for k := range h.registers {
		if k.node == id {
			delete(h.registers, k)
		}
	}
}
