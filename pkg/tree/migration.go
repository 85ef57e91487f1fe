package tree

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MetaTransform mutates a metanode builder into the adjacent version. An
// up transform receives a builder at the migration's source version and
// must shape it into the target version; a down transform does the
// reverse.
type MetaTransform func(mg *Migration, b *MetaNode) error

// InstanceTransform moves a node across one migration and returns the
// node at the far side. Upgrade transforms receive nodes at any version at
// or below the source version and usually start with PrepareNode.
type InstanceTransform func(mg *Migration, n *Node) (*Node, error)

// InstanceMigrationFunc is notified after a node was migrated to a new
// version. n is the replacement node; it keeps the original UUID.
type InstanceMigrationFunc func(n *Node, userData any)

// migration transforms version index into index+1 of one metanode.
type migration struct {
	chain     *chain
	index     int
	up, down  MetaTransform
	upgrade   InstanceTransform
	downgrade InstanceTransform
}

type instanceMigration struct {
	fn       InstanceMigrationFunc
	userData any
}

// Migration is a handle to one step of a metanode's migration chain.
type Migration struct {
	s      *Store
	mg     *migration
	closed bool
}

// Valid reports whether the handle is open.
func (h *Migration) Valid() bool { return h != nil && !h.closed && h.mg != nil }

// Close releases the handle.
func (h *Migration) Close() {
	if h != nil {
		h.closed = true
	}
}

// Store returns the store the migration belongs to.
func (h *Migration) Store() *Store { return h.s }

// MetaName returns the name of the migrated metanode.
func (h *Migration) MetaName() string {
	if !h.Valid() {
		return ""
	}
	return h.mg.chain.name
}

// From returns the source version. The target version is From()+1.
func (h *Migration) From() int {
	if !h.Valid() {
		return -1
	}
	return h.mg.index
}

// SetUp sets the schema transform from the source to the target version.
func (h *Migration) SetUp(fn MetaTransform) { h.mg.up = fn }

// SetDown sets the schema transform from the target to the source version.
func (h *Migration) SetDown(fn MetaTransform) { h.mg.down = fn }

// SetUpgrade sets the per-instance upgrade.
func (h *Migration) SetUpgrade(fn InstanceTransform) { h.mg.upgrade = fn }

// SetDowngrade sets the per-instance downgrade.
func (h *Migration) SetDowngrade(fn InstanceTransform) { h.mg.downgrade = fn }

// Prev returns the previous migration of the chain, or nil.
func (h *Migration) Prev() *Migration {
	if !h.Valid() || h.mg.index == 0 {
		return nil
	}
	return &Migration{s: h.s, mg: h.mg.chain.migrations[h.mg.index-1]}
}

// Next returns the next migration of the chain, or nil.
func (h *Migration) Next() *Migration {
	if !h.Valid() || h.mg.index+1 >= len(h.mg.chain.migrations) {
		return nil
	}
	return &Migration{s: h.s, mg: h.mg.chain.migrations[h.mg.index+1]}
}

func (s *Store) migrationOf(op string, h *Migration) (*migration, error) {
	if !h.Valid() || h.s != s {
		return nil, s.fail(op, InvalidHandle, "migration handle is not valid")
	}
	return h.mg, nil
}

// AddMigration registers the next migration of a metanode being built.
// setup runs immediately and configures the migration; the up transform it
// sets is then applied to the builder, and the builder's version grows by
// one. Migrations can only be added to builders made by CreateMetaNode.
//
// The up transform works on a copy of the builder. If setup or the
// transform fails the builder is left as it was.
func (s *Store) AddMigration(b *MetaNode, setup func(mg *Migration) error) error {
	const op = "AddMigration"
	m, err := s.builderOf(op, b)
	if err != nil {
		return err
	}
	c := m.chain
	if c.current != nil {
		return s.fail(op, NotAllowed, "metanode %s is already published", c.name)
	}
	if m.version != len(c.migrations) {
		return s.fail(op, MissingMigrations, "builder %s is at v%d with %d migrations", c.name, m.version, len(c.migrations))
	}
	mg := &migration{chain: c, index: len(c.migrations)}
	h := &Migration{s: s, mg: mg}
	defer h.Close()
	if setup != nil {
		if err := setup(h); err != nil {
			return s.wrapFail(op, InvalidParameter, err, "migration %s v%d setup", c.name, mg.index)
		}
	}
	if mg.up != nil {
		scratch := copyMeta(m, m.version)
		sh := s.metaHandle(scratch)
		err := mg.up(h, sh)
		sh.Close()
		if err != nil {
			return s.wrapFail(op, InvalidParameter, err, "migration %s v%d up", c.name, mg.index)
		}
		m.flags = scratch.flags
		m.props = scratch.props
		m.byName = scratch.byName
		m.traits = scratch.traits
		m.symbols = scratch.symbols
	}
	c.migrations = append(c.migrations, mg)
	m.version++
	return nil
}

// MigrationAt returns migration index of a published metanode, converting
// version index into index+1.
func (s *Store) MigrationAt(metaName string, index int) (*Migration, error) {
	const op = "MigrationAt"
	c, ok := s.metas[metaName]
	if !ok || c.current == nil {
		return nil, s.fail(op, InvalidMetanode, "unknown metanode %q", metaName)
	}
	if index < 0 || index >= len(c.migrations) {
		return nil, s.fail(op, InvalidParameter, "%s has no migration %d", metaName, index)
	}
	return &Migration{s: s, mg: c.migrations[index]}, nil
}

// metaAt returns a published version of a chain, building missing older
// versions by walking down transforms from the current version.
func (s *Store) metaAt(op string, c *chain, version int) (*meta, error) {
	if c.current == nil {
		return nil, s.fail(op, InvalidMetanode, "metanode %s is not published", c.name)
	}
	if version < 0 || version > c.current.version {
		return nil, s.fail(op, MissingMigrations, "metanode %s has no version %d", c.name, version)
	}
	if m, ok := c.versions[version]; ok {
		return m, nil
	}
	next, err := s.metaAt(op, c, version+1)
	if err != nil {
		return nil, err
	}
	mg := c.migrations[version]
	if mg.down == nil && mg.up != nil {
		return nil, s.fail(op, MissingMigrations, "metanode %s has no down transform from v%d", c.name, version+1)
	}
	m := copyMeta(next, version)
	if mg.down != nil {
		h := &Migration{s: s, mg: mg}
		err := mg.down(h, s.metaHandle(m))
		h.Close()
		if err != nil {
			return nil, s.wrapFail(op, MissingMigrations, err, "metanode %s down to v%d", c.name, version)
		}
	}
	m.state = metaPublished
	c.versions[version] = m
	s.debug("metanode version materialized", zapMeta(m)...)
	return m, nil
}

// CreateIntermediateMetaNodes materializes every version strictly between
// start and end. It returns the number of versions created, or -1 when a
// link of the chain is missing.
func (s *Store) CreateIntermediateMetaNodes(start, end *MetaNode) int {
	const op = "CreateIntermediateMetaNodes"
	a, err := s.metaOf(op, start)
	if err != nil {
		return -1
	}
	b, err := s.metaOf(op, end)
	if err != nil {
		return -1
	}
	if a.chain != b.chain {
		s.fail(op, InvalidParameter, "%s and %s are different metanodes", a.name(), b.name())
		return -1
	}
	lo, hi := a.version, b.version
	if lo > hi {
		lo, hi = hi, lo
	}
	created := 0
	for v := lo + 1; v < hi; v++ {
		if _, ok := a.chain.versions[v]; !ok {
			created++
		}
	}
	for v := lo + 1; v < hi; v++ {
		if _, err := s.metaAt(op, a.chain, v); err != nil {
			return -1
		}
	}
	return created
}

// PrepareNode brings n to the version adjacent to mg. A node older than
// the migration's source is upgraded through the previous migration; a
// node newer than its target is downgraded through the next one. A node
// already on either side is returned as a new handle.
func (s *Store) PrepareNode(mg *Migration, n *Node) (*Node, error) {
	const op = "PrepareNode"
	m, err := s.migrationOf(op, mg)
	if err != nil {
		return nil, err
	}
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return nil, err
	}
	if nd.meta.chain != m.chain {
		return nil, s.fail(op, InvalidParameter, "node %s is not a %s", nd.name, m.chain.name)
	}
	v := nd.meta.version
	switch {
	case v < m.index:
		return s.step(op, m.chain.migrations[m.index-1], n, true)
	case v > m.index+1:
		return s.step(op, m.chain.migrations[m.index+1], n, false)
	}
	return s.handle(nd), nil
}

// step runs one instance transform, falling back to the default
// prepare/create/copy/finish sequence when none is set.
func (s *Store) step(op string, m *migration, n *Node, up bool) (*Node, error) {
	h := &Migration{s: s, mg: m}
	defer h.Close()
	fn := m.downgrade
	if up {
		fn = m.upgrade
	}
	if fn == nil {
		fn = defaultStep
	}
	s.silent++
	out, err := fn(h, n)
	s.silent--
	if err != nil {
		return nil, s.wrapFail(op, MissingMigrations, err, "%s step %d", m.chain.name, m.index)
	}
	if out == nil || !out.Valid() {
		return nil, s.fail(op, MissingMigrations, "%s step %d produced no node", m.chain.name, m.index)
	}
	want := m.index
	if up {
		want++
	}
	if out.n.meta.version != want {
		v := out.n.meta.version
		out.Close()
		return nil, s.fail(op, MissingMigrations, "%s step %d produced v%d, want v%d", m.chain.name, m.index, v, want)
	}
	return out, nil
}

func defaultStep(mg *Migration, n *Node) (*Node, error) {
	s := mg.s
	prepared, err := s.PrepareNode(mg, n)
	if err != nil {
		return nil, err
	}
	defer prepared.Close()
	created, err := s.CreateCurrentNode(mg, prepared)
	if err != nil {
		return nil, err
	}
	if err := s.CopyKnownProperties(mg, prepared, created); err != nil {
		created.Close()
		return nil, err
	}
	if err := s.MigrationFinish(mg, prepared, created); err != nil {
		created.Close()
		return nil, err
	}
	return created, nil
}

// CreateCurrentNode creates the counterpart of old on the other side of
// mg, as the sibling right after old. Property values are defaults.
func (s *Store) CreateCurrentNode(mg *Migration, old *Node) (*Node, error) {
	const op = "CreateCurrentNode"
	m, err := s.migrationOf(op, mg)
	if err != nil {
		return nil, err
	}
	nd, err := s.nodeOf(op, old)
	if err != nil {
		return nil, err
	}
	var target int
	switch nd.meta.version {
	case m.index:
		target = m.index + 1
	case m.index + 1:
		target = m.index
	default:
		return nil, s.fail(op, InvalidParameter, "node at v%d is not adjacent to migration %d", nd.meta.version, m.index)
	}
	tm, err := s.metaAt(op, m.chain, target)
	if err != nil {
		return nil, err
	}
	created := s.newNode(nd.parent, tm, nd.name, nd.flags&^nd.meta.flags, uuid.New())
	if nd.parent != nil {
		s.moveAfter(created, nd)
	}
	return s.handle(created), nil
}

// CopyKnownProperties copies every property whose name and type are the
// same in both nodes. Renamed or retyped properties are left at their
// defaults for the transform to handle.
func (s *Store) CopyKnownProperties(mg *Migration, from, to *Node) error {
	const op = "CopyKnownProperties"
	if _, err := s.migrationOf(op, mg); err != nil {
		return err
	}
	a, err := s.nodeOf(op, from)
	if err != nil {
		return err
	}
	b, err := s.nodeOf(op, to)
	if err != nil {
		return err
	}
	for i, p := range b.meta.props {
		j, ok := a.meta.byName[p.Name]
		if !ok || a.meta.props[j].Type != p.Type {
			continue
		}
		b.values[i] = a.values[j].Clone()
		b.dirty[i] = a.dirty[j]
	}
	return nil
}

// MigrationFinish completes a step: the children of old move to created,
// created takes over the UUID and user data of old, and old is deleted
// without notifying observers. The handle old becomes invalid.
func (s *Store) MigrationFinish(mg *Migration, old, created *Node) error {
	const op = "MigrationFinish"
	if _, err := s.migrationOf(op, mg); err != nil {
		return err
	}
	a, err := s.nodeOf(op, old)
	if err != nil {
		return err
	}
	b, err := s.nodeOf(op, created)
	if err != nil {
		return err
	}
	if a == b || a.builtin {
		return s.fail(op, NotAllowed, "cannot replace node %s", a.name)
	}
	for _, c := range a.children {
		c.parent = b
		b.children = append(b.children, c)
		b.indexChild(c)
	}
	a.children = nil
	a.index = nil

	if a.parent != nil {
		a.parent.removeChild(a)
	}
	delete(s.nodes, a.id)
	delete(s.nodes, b.id)
	a.alive = false
	b.id = a.id
	s.nodes[b.id] = b
	if a.user != nil {
		if b.user == nil {
			b.user = make(map[*UserSlot]any, len(a.user))
		}
		for k, v := range a.user {
			b.user[k] = v
		}
	}
	if a.meta.instances > 0 {
		a.meta.instances--
	}
	s.structureChanged()
	old.Close()
	return nil
}

// AddInstanceMigration registers fn to be called each time the node with
// the UUID of n is migrated to another version.
func (s *Store) AddInstanceMigration(n *Node, fn InstanceMigrationFunc, userData any) error {
	const op = "AddInstanceMigration"
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return err
	}
	if fn == nil {
		return s.fail(op, InvalidParameter, "nil callback")
	}
	s.instanceMigrations[nd.id] = append(s.instanceMigrations[nd.id], instanceMigration{fn: fn, userData: userData})
	return nil
}

// MigrateNode moves n to the current version of its metanode.
func (s *Store) MigrateNode(n *Node) (*Node, error) {
	nd, err := s.nodeOf("MigrateNode", n)
	if err != nil {
		return nil, err
	}
	return s.MigrateNodeTo(n, nd.meta.chain.current.version)
}

// MigrateNodeTo moves n to version, one migration at a time. The returned
// node keeps the UUID of n; n itself is invalid afterwards unless it was
// already at version.
func (s *Store) MigrateNodeTo(n *Node, version int) (*Node, error) {
	const op = "MigrateNode"
	nd, err := s.nodeOf(op, n)
	if err != nil {
		return nil, err
	}
	c := nd.meta.chain
	if version < 0 || version > c.current.version {
		return nil, s.fail(op, MissingMigrations, "metanode %s has no version %d", c.name, version)
	}
	from := nd.meta.version
	if from == version {
		return s.handle(nd), nil
	}
	cur := s.handle(nd)
	for cur.n.meta.version != version {
		v := cur.n.meta.version
		var next *Node
		if v < version {
			next, err = s.step(op, c.migrations[v], cur, true)
		} else {
			next, err = s.step(op, c.migrations[v-1], cur, false)
		}
		cur.Close()
		if err != nil {
			return nil, err
		}
		cur = next
	}
	s.debug("node migrated", zap.String("meta", c.name), zap.Int("from", from), zap.Int("to", version), zap.Stringer("id", cur.n.id))
	for _, im := range append([]instanceMigration(nil), s.instanceMigrations[cur.n.id]...) {
		h := s.handle(cur.n)
		im.fn(h, im.userData)
		h.Close()
	}
	return cur, nil
}

// CreateNodeVersion creates a node of an older metanode version. The node
// must be migrated before it can be used with current-version indexes.
func (s *Store) CreateNodeVersion(parent *Node, metaName, name string, version int) (*Node, error) {
	const op = "CreateNodeVersion"
	c, ok := s.metas[metaName]
	if !ok || c.current == nil {
		return nil, s.fail(op, InvalidMetanode, "unknown metanode %q", metaName)
	}
	m, err := s.metaAt(op, c, version)
	if err != nil {
		return nil, err
	}
	return s.createNode(op, parent, m, name, 0, uuid.Nil)
}

func zapMeta(m *meta) []zap.Field {
	return []zap.Field{zap.String("meta", m.name()), zap.Int("version", m.version), zap.Int("properties", len(m.props))}
}
