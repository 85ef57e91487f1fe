package tree

import (
	"encoding/binary"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/value"
)

// node is the store-owned record behind a Node handle.
type node struct {
	id       uuid.UUID
	meta     *meta
	name     string
	flags    MetaFlag
	parent   *node
	children []*node
	values   []value.Value
	dirty    []bool
	spy      bool // a descendant changed under a NodeSpy ancestor
	user     map[*UserSlot]any
	alive    bool
	builtin  bool
	index    *childIndex
}

type childKey struct {
	meta string
	name string
}

// childIndex backs name and type lookups of a ChildMap parent. Lists are
// kept in sibling order.
type childIndex struct {
	byKey  map[childKey][]*node
	byType map[string][]*node
}

func newChildIndex() *childIndex {
	return &childIndex{byKey: make(map[childKey][]*node), byType: make(map[string][]*node)}
}

func (ix *childIndex) add(c *node) {
	k := childKey{c.meta.name(), c.name}
	ix.byKey[k] = append(ix.byKey[k], c)
	ix.byType[k.meta] = append(ix.byType[k.meta], c)
}

func (ix *childIndex) remove(c *node, name string) {
	k := childKey{c.meta.name(), name}
	ix.byKey[k] = deleteNode(ix.byKey[k], c)
	if len(ix.byKey[k]) == 0 {
		delete(ix.byKey, k)
	}
	ix.byType[k.meta] = deleteNode(ix.byType[k.meta], c)
	if len(ix.byType[k.meta]) == 0 {
		delete(ix.byType, k.meta)
	}
}

func deleteNode(list []*node, c *node) []*node {
	return slices.DeleteFunc(list, func(x *node) bool { return x == c })
}

func (n *node) indexChild(c *node) {
	if n.index != nil {
		n.index.add(c)
	}
}

// reindex rebuilds the child index after an out-of-order insertion.
func (n *node) reindex() {
	if n.index == nil {
		return
	}
	n.index = newChildIndex()
	for _, c := range n.children {
		n.index.add(c)
	}
}

func (n *node) removeChild(c *node) int {
	i := slices.Index(n.children, c)
	if i < 0 {
		return -1
	}
	n.children = slices.Delete(n.children, i, i+1)
	if n.index != nil {
		n.index.remove(c, c.name)
	}
	c.parent = nil
	return i
}

func (n *node) pos() int {
	if n.parent == nil {
		return 0
	}
	return slices.Index(n.parent.children, n)
}

func (n *node) protected() bool {
	for p := n; p != nil; p = p.parent {
		if p.flags&Protected != 0 {
			return true
		}
	}
	return false
}

func (n *node) isAncestorOf(c *node) bool {
	for p := c.parent; p != nil; p = p.parent {
		if p == n {
			return true
		}
	}
	return false
}

// walk visits the subtree rooted at n in pre-order.
func (n *node) walk(fn func(*node)) {
	fn(n)
	for _, c := range slices.Clone(n.children) {
		c.walk(fn)
	}
}

// walkPost visits the subtree rooted at n children first.
func (n *node) walkPost(fn func(*node)) {
	for _, c := range slices.Clone(n.children) {
		c.walkPost(fn)
	}
	fn(n)
}

// Node is a handle to a node. Handles are cheap and owned by the caller;
// Close releases the claim without affecting the node.
type Node struct {
	s      *Store
	n      *node
	closed bool
}

// Valid reports whether the handle is open and the node still exists.
func (h *Node) Valid() bool {
	return h != nil && !h.closed && h.n != nil && h.n.alive
}

// Close releases the handle. It is safe to call more than once.
func (h *Node) Close() {
	if h == nil || h.closed {
		return
	}
	h.closed = true
	if h.s != nil {
		h.s.openNodes--
	}
}

// ID returns the node's UUID, or uuid.Nil for an invalid handle.
func (h *Node) ID() uuid.UUID {
	if !h.Valid() {
		return uuid.Nil
	}
	return h.n.id
}

func (s *Store) handle(n *node) *Node {
	if n == nil {
		return nil
	}
	s.openNodes++
	return &Node{s: s, n: n}
}

func (s *Store) nodeOf(op string, h *Node) (*node, error) {
	if h == nil || h.closed || h.n == nil || h.s != s {
		return nil, s.fail(op, InvalidHandle, "node handle is not valid")
	}
	if !h.n.alive {
		return nil, s.fail(op, InvalidHandle, "node was deleted")
	}
	return h.n, nil
}

// newNode builds and links a node without notifying anyone.
func (s *Store) newNode(parent *node, m *meta, name string, flags MetaFlag, id uuid.UUID) *node {
	n := &node{
		id:     id,
		meta:   m,
		name:   name,
		flags:  m.flags | flags,
		parent: parent,
		values: make([]value.Value, len(m.props)),
		dirty:  make([]bool, len(m.props)),
		alive:  true,
	}
	for i, p := range m.props {
		n.values[i] = p.Default.Clone()
	}
	if n.flags&ChildMap != 0 {
		n.index = newChildIndex()
	}
	if parent != nil {
		parent.children = append(parent.children, n)
		parent.indexChild(n)
	}
	m.instances++
	s.nodes[id] = n
	s.structureChanged()
	return n
}

// moveAfter repositions n directly after its sibling prev.
func (s *Store) moveAfter(n, prev *node) {
	p := n.parent
	p.children = slices.DeleteFunc(p.children, func(x *node) bool { return x == n })
	i := slices.Index(p.children, prev)
	p.children = slices.Insert(p.children, i+1, n)
	p.reindex()
}

func (s *Store) createNode(op string, parent *Node, m *meta, name string, flags MetaFlag, id uuid.UUID) (*Node, error) {
	if err := s.guard(op, PermModify); err != nil {
		return nil, err
	}
	p, err := s.nodeOf(op, parent)
	if err != nil {
		return nil, err
	}
	if m.chain.name == MetaRoot {
		return nil, s.fail(op, NotAllowed, "only one root node may exist")
	}
	if id == uuid.Nil {
		id = uuid.New()
	} else if _, taken := s.nodes[id]; taken {
		return nil, s.fail(op, NotAllowed, "node id %s is already in use", id)
	}
	n := s.newNode(p, m, name, flags, id)
	s.logNode("node created", n)
	s.emitNode(EventCreated, n)
	s.emitChild(EventChildAdded, p, n)
	s.emitChange(s.changeCreate(n))
	return s.handle(n), nil
}

// CreateNode creates a node of the current version of metaName as the
// last child of parent.
func (s *Store) CreateNode(parent *Node, metaName, name string) (*Node, error) {
	return s.CreateNodeEx(parent, metaName, name, 0, uuid.Nil)
}

// CreateNodeEx creates a node with extra flags and an explicit id. A nil
// id generates a new one; an id already in use fails with NotAllowed.
func (s *Store) CreateNodeEx(parent *Node, metaName, name string, flags MetaFlag, id uuid.UUID) (*Node, error) {
	const op = "CreateNode"
	c, ok := s.metas[metaName]
	if !ok || c.current == nil {
		return nil, s.fail(op, InvalidMetanode, "unknown metanode %q", metaName)
	}
	return s.createNode(op, parent, c.current, name, flags, id)
}

// FindOrCreateChild returns the first child of parent with the given
// metanode and name, creating it when there is none.
func (s *Store) FindOrCreateChild(parent *Node, metaName, name string) (*Node, error) {
	return s.FindOrCreateChildEx(parent, metaName, name, 0)
}

// FindOrCreateChildEx is FindOrCreateChild with creation flags.
func (s *Store) FindOrCreateChildEx(parent *Node, metaName, name string, flags MetaFlag) (*Node, error) {
	const op = "FindOrCreateChild"
	p, err := s.nodeOf(op, parent)
	if err != nil {
		return nil, err
	}
	if c := s.findChild(p, metaName, name); c != nil {
		return s.handle(c), nil
	}
	return s.CreateNodeEx(parent, metaName, name, flags, uuid.Nil)
}

// findChild looks up a child by metanode and name, through the child
// index when the parent has one.
func (s *Store) findChild(p *node, metaName, name string) *node {
	if p.index != nil {
		if list := p.index.byKey[childKey{metaName, name}]; len(list) > 0 {
			return list[0]
		}
		return nil
	}
	for _, c := range p.children {
		if c.name == name && c.meta.name() == metaName {
			return c
		}
	}
	return nil
}

// DeleteNode removes n and its whole subtree.
//
// Destroying observers fire bottom-up: every child is reported before its
// parent. The subtree is then detached, ChildRemoved fires on the former
// parent and finally every handle to the subtree becomes invalid.
func (s *Store) DeleteNode(n *Node) error {
	const op = "DeleteNode"
	if err := s.guard(op, PermModify); err != nil {
		return err
	}
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return err
	}
	if nd.builtin {
		return s.fail(op, NotAllowed, "built-in node %s cannot be deleted", nd.name)
	}
	if nd.protected() {
		return s.fail(op, NotAllowed, "node %s is protected", nd.name)
	}
	nd.walkPost(func(x *node) {
		if x.alive {
			s.emitNode(EventDestroying, x)
		}
	})
	if !nd.alive {
		return nil
	}
	parent := nd.parent
	if parent != nil {
		parent.removeChild(nd)
		nd.parent = parent // kept for the change record and observers
	}
	s.emitChange(Change{Op: OpDelete, Node: nd.id, Meta: nd.meta.name(), Name: nd.name, NoHistory: nd.flags&NoHistory != 0, Transient: nd.flags&Transient != 0})
	if parent != nil {
		s.emitChild(EventChildRemoved, parent, nd)
	}
	nd.parent = nil
	s.logNode("node deleted", nd)
	s.kill(nd)
	return nil
}

// kill invalidates a detached subtree.
func (s *Store) kill(nd *node) {
	nd.walk(func(x *node) {
		x.alive = false
		if s.nodes[x.id] == x {
			delete(s.nodes, x.id)
			delete(s.nodeEvents, x.id)
			delete(s.instanceMigrations, x.id)
		}
		if x.meta.instances > 0 {
			x.meta.instances--
		}
	})
	s.structureChanged()
}

// CloneNode copies src under parent with a fresh id. Only properties
// marked as cloned keep their values; the others get defaults. With
// recursive the subtree is copied too. Nodes of NoClone metanodes are
// skipped.
func (s *Store) CloneNode(parent, src *Node, recursive bool) (*Node, error) {
	const op = "CloneNode"
	if err := s.guard(op, PermModify); err != nil {
		return nil, err
	}
	p, err := s.nodeOf(op, parent)
	if err != nil {
		return nil, err
	}
	from, err := s.nodeOf(op, src)
	if err != nil {
		return nil, err
	}
	if from.builtin || from.flags&NoClone != 0 {
		return nil, s.fail(op, NotAllowed, "node %s cannot be cloned", from.name)
	}
	type plan struct {
		src      *node
		children []*plan
	}
	var snapshot func(n *node) *plan
	snapshot = func(n *node) *plan {
		pl := &plan{src: n}
		if recursive {
			for _, c := range n.children {
				if c.flags&NoClone == 0 {
					pl.children = append(pl.children, snapshot(c))
				}
			}
		}
		return pl
	}
	var build func(pl *plan, under *node) *node
	build = func(pl *plan, under *node) *node {
		n := s.newNode(under, pl.src.meta, pl.src.name, pl.src.flags&^pl.src.meta.flags, uuid.New())
		for i, def := range pl.src.meta.props {
			if def.Cloned() {
				n.values[i] = pl.src.values[i].Clone()
			}
		}
		s.emitNode(EventCreated, n)
		s.emitChild(EventChildAdded, under, n)
		s.emitChange(s.changeCreate(n))
		for _, c := range pl.children {
			build(c, n)
		}
		return n
	}
	return s.handle(build(snapshot(from), p)), nil
}

// SetParent moves n to the end of newParent's children.
func (s *Store) SetParent(n, newParent *Node) error {
	const op = "SetParent"
	if err := s.guard(op, PermModify); err != nil {
		return err
	}
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return err
	}
	p, err := s.nodeOf(op, newParent)
	if err != nil {
		return err
	}
	if len(p.children) == 0 {
		return s.SetParentEx(n, newParent, nil)
	}
	tail := p.children[len(p.children)-1]
	if tail == nd {
		return nil
	}
	last := s.handle(tail)
	defer last.Close()
	return s.SetParentEx(n, newParent, last)
}

// SetParentEx moves n under newParent directly after the sibling after.
// A nil after makes n the first child.
func (s *Store) SetParentEx(n, newParent, after *Node) error {
	const op = "SetParent"
	if err := s.guard(op, PermModify); err != nil {
		return err
	}
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return err
	}
	p, err := s.nodeOf(op, newParent)
	if err != nil {
		return err
	}
	var prev *node
	if after != nil {
		if prev, err = s.nodeOf(op, after); err != nil {
			return err
		}
		if prev.parent != p || prev == nd {
			return s.fail(op, InvalidParameter, "sibling %s is not a child of %s", prev.name, p.name)
		}
	}
	if nd.builtin || nd.protected() {
		return s.fail(op, NotAllowed, "node %s cannot be moved", nd.name)
	}
	if nd == p || nd.isAncestorOf(p) {
		return s.fail(op, NotAllowed, "node %s cannot become its own descendant", nd.name)
	}
	old := nd.parent
	old.removeChild(nd)
	i := 0
	if prev != nil {
		i = slices.Index(p.children, prev) + 1
	}
	p.children = slices.Insert(p.children, i, nd)
	nd.parent = p
	if i == len(p.children)-1 {
		p.indexChild(nd)
	} else {
		p.reindex()
	}
	s.structureChanged()

	s.emitParent(nd, p, old)
	if old != p {
		s.emitChild(EventChildRemoved, old, nd)
	}
	s.emitChild(EventChildAdded, p, nd)
	s.emitChange(Change{Op: OpMove, Node: nd.id, Parent: p.id, Index: i, Meta: nd.meta.name(), NoHistory: nd.flags&NoHistory != 0, Transient: nd.flags&Transient != 0})
	return nil
}

// NodeName returns the name of n, or "" for an invalid handle.
func (s *Store) NodeName(n *Node) string {
	nd, err := s.nodeOf("NodeName", n)
	if err != nil {
		return ""
	}
	return nd.name
}

// IsNodeName reports whether n is named name.
func (s *Store) IsNodeName(n *Node, name string) bool {
	nd, err := s.nodeOf("IsNodeName", n)
	return err == nil && nd.name == name
}

// SetNodeName renames n.
func (s *Store) SetNodeName(n *Node, name string) error {
	const op = "SetNodeName"
	if err := s.guard(op, PermModify); err != nil {
		return err
	}
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return err
	}
	if nd.builtin {
		return s.fail(op, NotAllowed, "built-in node %s cannot be renamed", nd.name)
	}
	if nd.name == name {
		return nil
	}
	nd.name = name
	if nd.parent != nil {
		nd.parent.reindex()
	}
	s.structureChanged()
	s.emitNode(EventRenamed, nd)
	s.emitChange(Change{Op: OpRename, Node: nd.id, Meta: nd.meta.name(), Name: name, NoHistory: nd.flags&NoHistory != 0, Transient: nd.flags&Transient != 0})
	return nil
}

// NodeMetaName returns the metanode name of n.
func (s *Store) NodeMetaName(n *Node) string {
	nd, err := s.nodeOf("NodeMetaName", n)
	if err != nil {
		return ""
	}
	return nd.meta.name()
}

// NodeMetaNode returns a handle to the metanode version of n.
func (s *Store) NodeMetaNode(n *Node) (*MetaNode, error) {
	nd, err := s.nodeOf("NodeMetaNode", n)
	if err != nil {
		return nil, err
	}
	return s.metaHandle(nd.meta), nil
}

// NodeVersion returns the metanode version of n, or -1.
func (s *Store) NodeVersion(n *Node) int {
	const op = "NodeVersion"
	if s.guard(op, PermRead) != nil {
		return -1
	}
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return -1
	}
	return nd.meta.version
}

// NodeFlags returns the effective flags of n.
func (s *Store) NodeFlags(n *Node) MetaFlag {
	nd, err := s.nodeOf("NodeFlags", n)
	if err != nil {
		return 0
	}
	return nd.flags
}

// IsType reports whether n is of metanode metaName or carries a trait of
// that name.
func (s *Store) IsType(n *Node, metaName string) bool {
	nd, err := s.nodeOf("IsType", n)
	if err != nil {
		return false
	}
	return nd.meta.name() == metaName || nd.meta.hasTrait(metaName)
}

// UUID returns the identifier of n.
func (s *Store) UUID(n *Node) (uuid.UUID, error) {
	const op = "UUID"
	if err := s.guard(op, PermRead); err != nil {
		return uuid.Nil, err
	}
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return uuid.Nil, err
	}
	return nd.id, nil
}

// UUIDParts returns the identifier of n as two 64-bit halves, most
// significant first.
func (s *Store) UUIDParts(n *Node) (lo, hi uint64, err error) {
	id, err := s.UUID(n)
	if err != nil {
		return 0, 0, err
	}
	lo, hi = SplitUUID(id)
	return lo, hi, nil
}

// SplitUUID splits id into its low and high 64-bit halves.
func SplitUUID(id uuid.UUID) (lo, hi uint64) {
	return binary.BigEndian.Uint64(id[8:]), binary.BigEndian.Uint64(id[:8])
}

// JoinUUID is the inverse of SplitUUID.
func JoinUUID(lo, hi uint64) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], hi)
	binary.BigEndian.PutUint64(id[8:], lo)
	return id
}

// NodeFromUUID returns a handle to the node with the given id.
func (s *Store) NodeFromUUID(id uuid.UUID) (*Node, error) {
	const op = "NodeFromUUID"
	if err := s.guard(op, PermRead); err != nil {
		return nil, err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, s.fail(op, InvalidHandle, "no node with id %s", id)
	}
	return s.handle(n), nil
}

// IsNodeHandleValid reports whether n refers to a live node.
func (s *Store) IsNodeHandleValid(n *Node) bool {
	if s.guard("IsNodeHandleValid", PermRead) != nil {
		return false
	}
	return n.Valid() && n.s == s
}

// CopyNodeHandle returns a second handle to the node of n.
func (s *Store) CopyNodeHandle(n *Node) (*Node, error) {
	nd, err := s.nodeOf("CopyNodeHandle", n)
	if err != nil {
		return nil, err
	}
	return s.handle(nd), nil
}

// IsSameNode reports whether a and b refer to the same node.
func (s *Store) IsSameNode(a, b *Node) bool {
	return a.Valid() && b.Valid() && a.n == b.n
}

// IsAncestor reports whether ancestor is a strict ancestor of n.
func (s *Store) IsAncestor(ancestor, n *Node) bool {
	if !ancestor.Valid() || !n.Valid() {
		return false
	}
	return ancestor.n.isAncestorOf(n.n)
}

// CompareNode reports whether a and b have the same metanode version and
// equal property values. With checkName the names must match too.
func (s *Store) CompareNode(a, b *Node, checkName bool) bool {
	x, err := s.nodeOf("CompareNode", a)
	if err != nil {
		return false
	}
	y, err := s.nodeOf("CompareNode", b)
	if err != nil {
		return false
	}
	if x.meta != y.meta || (checkName && x.name != y.name) {
		return false
	}
	for i := range x.values {
		if !x.values[i].Equal(y.values[i]) {
			return false
		}
	}
	return true
}

// Parent returns the parent of n, or nil for the root.
func (s *Store) Parent(n *Node) *Node {
	nd, err := s.nodeOf("Parent", n)
	if err != nil {
		return nil
	}
	return s.handle(nd.parent)
}

// ChildCount returns the number of children of n.
func (s *Store) ChildCount(n *Node) int {
	nd, err := s.nodeOf("ChildCount", n)
	if err != nil {
		return 0
	}
	return len(nd.children)
}

// Child returns the i-th child of n, or nil.
func (s *Store) Child(n *Node, i int) *Node {
	nd, err := s.nodeOf("Child", n)
	if err != nil || i < 0 || i >= len(nd.children) {
		return nil
	}
	return s.handle(nd.children[i])
}

// FirstChild returns the first child of n, or nil.
func (s *Store) FirstChild(n *Node) *Node { return s.Child(n, 0) }

// LastChild returns the last child of n, or nil.
func (s *Store) LastChild(n *Node) *Node {
	return s.Child(n, s.ChildCount(n)-1)
}

// NextSibling returns the sibling after n, or nil.
func (s *Store) NextSibling(n *Node) *Node { return s.sibling("NextSibling", n, 1) }

// PrevSibling returns the sibling before n, or nil.
func (s *Store) PrevSibling(n *Node) *Node { return s.sibling("PrevSibling", n, -1) }

func (s *Store) sibling(op string, n *Node, dir int) *Node {
	nd, err := s.nodeOf(op, n)
	if err != nil || nd.parent == nil {
		return nil
	}
	i := nd.pos() + dir
	if i < 0 || i >= len(nd.parent.children) {
		return nil
	}
	return s.handle(nd.parent.children[i])
}

// FirstChildOfType returns the first child of n of metanode metaName.
func (s *Store) FirstChildOfType(n *Node, metaName string) *Node {
	nd, err := s.nodeOf("FirstChildOfType", n)
	if err != nil {
		return nil
	}
	if nd.index != nil {
		if list := nd.index.byType[metaName]; len(list) > 0 {
			return s.handle(list[0])
		}
		return nil
	}
	for _, c := range nd.children {
		if c.meta.name() == metaName {
			return s.handle(c)
		}
	}
	return nil
}

// NextSiblingOfType returns the next sibling of n of metanode metaName.
func (s *Store) NextSiblingOfType(n *Node, metaName string) *Node {
	return s.siblingOfType("NextSiblingOfType", n, metaName, 1)
}

// PrevSiblingOfType returns the previous sibling of n of metanode metaName.
func (s *Store) PrevSiblingOfType(n *Node, metaName string) *Node {
	return s.siblingOfType("PrevSiblingOfType", n, metaName, -1)
}

func (s *Store) siblingOfType(op string, n *Node, metaName string, dir int) *Node {
	nd, err := s.nodeOf(op, n)
	if err != nil || nd.parent == nil {
		return nil
	}
	p := nd.parent
	if p.index != nil && nd.meta.name() == metaName {
		list := p.index.byType[metaName]
		i := slices.Index(list, nd) + dir
		if i >= 0 && i < len(list) {
			return s.handle(list[i])
		}
		return nil
	}
	for i := nd.pos() + dir; i >= 0 && i < len(p.children); i += dir {
		if c := p.children[i]; c.meta.name() == metaName {
			return s.handle(c)
		}
	}
	return nil
}

// Walk visits the subtree of n in pre-order. Handles passed to fn are
// closed when fn returns. Returning false skips the children of a node.
func (s *Store) Walk(n *Node, fn func(n *Node, depth int) bool) error {
	nd, err := s.nodeOf("Walk", n)
	if err != nil {
		return err
	}
	var visit func(x *node, depth int)
	visit = func(x *node, depth int) {
		if !x.alive {
			return
		}
		h := s.handle(x)
		descend := fn(h, depth)
		h.Close()
		if !descend {
			return
		}
		for _, c := range slices.Clone(x.children) {
			visit(c, depth+1)
		}
	}
	visit(nd, 0)
	return nil
}

// UserSlot keys plugin-defined data attached to nodes.
type UserSlot struct {
	name   string
	closed bool
}

// Name returns the slot name.
func (u *UserSlot) Name() string { return u.name }

// NewUserSlot allocates a slot for per-node user data.
func (s *Store) NewUserSlot(name string) (*UserSlot, error) {
	if err := s.guard("NewUserSlot", PermModify); err != nil {
		return nil, err
	}
	return &UserSlot{name: name}, nil
}

// DeleteUserSlot removes the slot and the data it holds on every node.
func (s *Store) DeleteUserSlot(slot *UserSlot) error {
	if slot == nil || slot.closed {
		return s.fail("DeleteUserSlot", InvalidHandle, "user slot is not valid")
	}
	for _, n := range s.nodes {
		delete(n.user, slot)
	}
	slot.closed = true
	return nil
}

// SetUserData stores v on n under slot. A nil v clears the entry.
func (s *Store) SetUserData(n *Node, slot *UserSlot, v any) error {
	const op = "SetUserData"
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return err
	}
	if slot == nil || slot.closed {
		return s.fail(op, InvalidHandle, "user slot is not valid")
	}
	if v == nil {
		delete(nd.user, slot)
		return nil
	}
	if nd.user == nil {
		nd.user = make(map[*UserSlot]any)
	}
	nd.user[slot] = v
	return nil
}

// UserData returns the value stored on n under slot, or nil.
func (s *Store) UserData(n *Node, slot *UserSlot) (any, error) {
	const op = "UserData"
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return nil, err
	}
	if slot == nil || slot.closed {
		return nil, s.fail(op, InvalidHandle, "user slot is not valid")
	}
	return nd.user[slot], nil
}

func (s *Store) logNode(msg string, nd *node) {
	s.debug(msg, zap.String("meta", nd.meta.name()), zap.String("name", nd.name), zap.Stringer("id", nd.id))
}
