package journal

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/tree"
)

// Record is the serialized form of a tree.Change.
type Record struct {
	Node     uuid.UUID               `json:"node"`
	Parent   uuid.UUID               `json:"parent"`
	Index    int                     `json:"index,omitempty"`
	Meta     string                  `json:"meta,omitempty"`
	Version  int                     `json:"version,omitempty"`
	Flags    uint32                  `json:"flags,omitempty"`
	Name     string                  `json:"name,omitempty"`
	Property string                  `json:"property,omitempty"`
	Value    *format.PropertyRecord  `json:"value,omitempty"`
	Values   []format.PropertyRecord `json:"values,omitempty"`
}

// NewRecord encodes c. The op is carried by the entry, not the record.
func NewRecord(c tree.Change) Record {
	r := Record{
		Node:     c.Node,
		Parent:   c.Parent,
		Index:    c.Index,
		Meta:     c.Meta,
		Version:  c.Version,
		Flags:    uint32(c.Flags),
		Name:     c.Name,
		Property: c.Property,
	}
	if c.Op == tree.OpSet {
		pr := format.FromValue(c.Property, c.Value)
		r.Value = &pr
	}
	for _, pv := range c.Values {
		r.Values = append(r.Values, format.FromValue(pv.Name, pv.Value))
	}
	return r
}

// Change decodes the record back into a change of kind op.
func (r Record) Change(op tree.ChangeOp) (tree.Change, error) {
	c := tree.Change{
		Op:       op,
		Node:     r.Node,
		Parent:   r.Parent,
		Index:    r.Index,
		Meta:     r.Meta,
		Version:  r.Version,
		Flags:    tree.MetaFlag(r.Flags),
		Name:     r.Name,
		Property: r.Property,
	}
	if op == tree.OpSet {
		if r.Value == nil {
			return c, fmt.Errorf("%w: set of %s without value", ErrCorrupted, r.Property)
		}
		v, err := r.Value.Value()
		if err != nil {
			return c, err
		}
		c.Value = v
	}
	for _, pr := range r.Values {
		v, err := pr.Value()
		if err != nil {
			return c, err
		}
		c.Values = append(c.Values, tree.PropertyValue{Name: pr.Name, Value: v})
	}
	return c, nil
}

// AppendChange writes c to the journal.
func (j *Journal) AppendChange(c tree.Change) (uint64, error) {
	return j.Append(c.Op.String(), NewRecord(c))
}
