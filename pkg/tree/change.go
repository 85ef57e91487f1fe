package tree

import (
	"github.com/google/uuid"

	"github.com/orneryd/vrtree/pkg/value"
)

// ChangeOp is the kind of a committed mutation.
type ChangeOp uint8

const (
	OpCreate ChangeOp = iota + 1
	OpDelete
	OpSet
	OpRename
	OpMove
)

var changeOpNames = map[ChangeOp]string{
	OpCreate: "create",
	OpDelete: "delete",
	OpSet:    "set",
	OpRename: "rename",
	OpMove:   "move",
}

func (o ChangeOp) String() string {
	if n, ok := changeOpNames[o]; ok {
		return n
	}
	return "unknown"
}

// ParseChangeOp is the inverse of ChangeOp.String.
func ParseChangeOp(s string) (ChangeOp, bool) {
	for op, n := range changeOpNames {
		if n == s {
			return op, true
		}
	}
	return 0, false
}

// PropertyValue is a named property value carried by a create change.
type PropertyValue struct {
	Name  string
	Value value.Value
}

// Change is one committed mutation of the tree, as delivered to change
// sinks. Journals and peers replay changes with ApplyChange.
type Change struct {
	Op        ChangeOp
	Node      uuid.UUID
	Parent    uuid.UUID // create, move
	Index     int       // create, move: position among the parent's children
	Meta      string
	Version   int      // create
	Flags     MetaFlag // create: flags beyond the metanode's
	Name      string   // create, rename
	Property  string   // set
	Value     value.Value
	Values    []PropertyValue // create
	Remote    bool            // produced while applying a remote change
	NoHistory bool
	Transient bool
}

func (s *Store) changeCreate(n *node) Change {
	c := Change{
		Op:        OpCreate,
		Node:      n.id,
		Index:     n.pos(),
		Meta:      n.meta.name(),
		Version:   n.meta.version,
		Flags:     n.flags &^ n.meta.flags,
		Name:      n.name,
		NoHistory: n.flags&NoHistory != 0,
		Transient: n.flags&Transient != 0,
	}
	if n.parent != nil {
		c.Parent = n.parent.id
	}
	for i, p := range n.meta.props {
		if !n.values[i].Equal(p.Default) {
			c.Values = append(c.Values, PropertyValue{Name: p.Name, Value: n.values[i].Clone()})
		}
	}
	return c
}

// ApplyChange replays a change produced by another store. Changes emitted
// while applying are marked Remote so they are not sent back.
func (s *Store) ApplyChange(c Change) error {
	const op = "ApplyChange"
	s.remote++
	defer func() { s.remote-- }()

	switch c.Op {
	case OpCreate:
		return s.applyCreate(op, c)
	case OpDelete:
		n, err := s.NodeFromUUID(c.Node)
		if err != nil {
			return err
		}
		defer n.Close()
		return s.DeleteNode(n)
	case OpSet:
		n, err := s.NodeFromUUID(c.Node)
		if err != nil {
			return err
		}
		defer n.Close()
		return s.SetValue(n, Name(c.Property), c.Value)
	case OpRename:
		n, err := s.NodeFromUUID(c.Node)
		if err != nil {
			return err
		}
		defer n.Close()
		return s.SetNodeName(n, c.Name)
	case OpMove:
		n, err := s.NodeFromUUID(c.Node)
		if err != nil {
			return err
		}
		defer n.Close()
		p, err := s.NodeFromUUID(c.Parent)
		if err != nil {
			return err
		}
		defer p.Close()
		after := s.siblingBefore(p.n, n.n, c.Index)
		defer after.Close()
		return s.SetParentEx(n, p, after)
	}
	return s.fail(op, InvalidParameter, "unknown change op %d", c.Op)
}

func (s *Store) applyCreate(op string, c Change) error {
	if _, exists := s.nodes[c.Node]; exists {
		return s.fail(op, NotAllowed, "node %s already exists", c.Node)
	}
	ch, ok := s.metas[c.Meta]
	if !ok || ch.current == nil {
		return s.fail(op, InvalidMetanode, "unknown metanode %q", c.Meta)
	}
	m, err := s.metaAt(op, ch, c.Version)
	if err != nil {
		return err
	}
	p, err := s.NodeFromUUID(c.Parent)
	if err != nil {
		return err
	}
	defer p.Close()
	n, err := s.createNode(op, p, m, c.Name, c.Flags, c.Node)
	if err != nil {
		return err
	}
	defer n.Close()
	if c.Index >= 0 && c.Index < len(p.n.children)-1 {
		after := s.siblingBefore(p.n, n.n, c.Index)
		err := s.SetParentEx(n, p, after)
		after.Close()
		if err != nil {
			return err
		}
	}
	for _, pv := range c.Values {
		if err := s.SetValue(n, Name(pv.Name), pv.Value); err != nil {
			return err
		}
	}
	if m != ch.current {
		migrated, err := s.MigrateNode(n)
		if err != nil {
			return err
		}
		migrated.Close()
	}
	return nil
}

// siblingBefore returns a handle to the child of p that should precede n
// for n to end up at index, ignoring n itself. nil means first.
func (s *Store) siblingBefore(p, n *node, index int) *Node {
	if index <= 0 {
		return nil
	}
	i := 0
	var prev *node
	for _, c := range p.children {
		if c == n {
			continue
		}
		if i == index {
			break
		}
		prev = c
		i++
	}
	return s.handle(prev)
}
