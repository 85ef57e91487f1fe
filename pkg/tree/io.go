package tree

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/value"
)

// SaveTree writes root and its subtree to path. Built-in nodes are not
// written themselves; their children become the document roots. Nested and
// Monolithic are accepted for compatibility: documents are always written
// as a single self-contained file.
func (s *Store) SaveTree(root *Node, path string, flags IOFlag) error {
	const op = "SaveTree"
	doc, saved, err := s.export(op, root, flags)
	if err != nil {
		return err
	}
	enc := format.Guess
	switch {
	case flags&FormatMachine != 0:
		enc = format.Native
	case flags&FormatHuman != 0:
		enc = format.Text
	}
	if err := format.WriteFile(path, doc, enc); err != nil {
		return s.wrapFail(op, InvalidParameter, err, "save %s", path)
	}
	for _, n := range saved {
		n.spy = false
		for i := range n.dirty {
			n.dirty[i] = false
		}
	}
	s.info("tree saved", zap.String("path", path), zap.Int("nodes", len(saved)))
	return nil
}

// ExportDocument builds the document SaveTree would write, without
// touching dirty flags.
func (s *Store) ExportDocument(root *Node, flags IOFlag) (*format.Document, error) {
	doc, _, err := s.export("ExportDocument", root, flags)
	return doc, err
}

func (s *Store) export(op string, root *Node, flags IOFlag) (*format.Document, []*node, error) {
	if err := s.guard(op, PermRead); err != nil {
		return nil, nil, err
	}
	nd, err := s.nodeOf(op, root)
	if err != nil {
		return nil, nil, err
	}
	doc := &format.Document{Version: format.CurrentVersion, Kind: format.KindScene}
	switch {
	case flags&SystemDocument != 0:
		doc.Kind = format.KindSystem
	case flags&OverlayDocument != 0:
		doc.Kind = format.KindOverlay
	}

	var saved []*node
	var visit func(n *node) *format.NodeRecord
	visit = func(n *node) *format.NodeRecord {
		if n.flags&(NoSave|DevNoSave|Transient) != 0 && flags&ForceSave == 0 {
			return nil
		}
		rec := &format.NodeRecord{
			ID:      n.id,
			Meta:    n.meta.name(),
			Version: n.meta.version,
			Name:    n.name,
			Flags:   uint32(n.flags &^ n.meta.flags),
		}
		for i, def := range n.meta.props {
			if !def.Saved() && flags&IgnoreUnsavedProperties == 0 {
				continue
			}
			if flags&ChangedOnly != 0 && !n.dirty[i] {
				continue
			}
			rec.Properties = append(rec.Properties, format.FromValue(def.Name, n.values[i]))
		}
		saved = append(saved, n)
		for _, c := range n.children {
			if cr := visit(c); cr != nil {
				rec.Children = append(rec.Children, cr)
			}
		}
		return rec
	}

	starts := []*node{nd}
	if flags&SaveSiblingsToo != 0 && nd.parent != nil {
		starts = nd.parent.children[nd.pos():]
	}
	for _, start := range starts {
		if start.builtin {
			for _, c := range start.children {
				if rec := visit(c); rec != nil {
					doc.Roots = append(doc.Roots, rec)
				}
			}
			continue
		}
		if rec := visit(start); rec != nil {
			doc.Roots = append(doc.Roots, rec)
		}
	}
	return doc, saved, nil
}

// LoadTree reads path and builds its nodes under target. It returns the
// node built for the first document root, or nil for an empty document.
//
// Records saved at an older metanode version are created at that version
// and migrated to the current one. Records newer than the registry fail
// the whole load with MissingMigrations before anything is modified.
func (s *Store) LoadTree(target *Node, path string, flags IOFlag, build BuildFlag, metaFlags MetaFlag) (*Node, error) {
	const op = "LoadTree"
	doc, err := format.ReadFile(path)
	if err != nil {
		return nil, s.wrapFail(op, InvalidParameter, err, "load %s", path)
	}
	n, err := s.ImportDocument(target, doc, flags, build, metaFlags)
	if err == nil {
		s.info("tree loaded", zap.String("path", path), zap.Int("records", doc.Count()))
	}
	return n, err
}

// loadPlan holds everything resolved before a document touches the tree.
type loadPlan struct {
	metas  map[*format.NodeRecord]*meta
	skip   map[*format.NodeRecord]bool
	values map[*format.NodeRecord][]planValue
	nodeID map[*format.NodeRecord]uuid.UUID
	ids    map[uuid.UUID]uuid.UUID // document id -> tree id, for links
}

type planValue struct {
	index PropertyIndex
	value value.Value
}

type pendingLink struct {
	n     *node
	index PropertyIndex
	to    uuid.UUID
}

// ImportDocument builds doc under target. See LoadTree.
func (s *Store) ImportDocument(target *Node, doc *format.Document, flags IOFlag, build BuildFlag, metaFlags MetaFlag) (*Node, error) {
	const op = "ImportDocument"
	if err := s.guard(op, PermModify); err != nil {
		return nil, err
	}
	parent, err := s.nodeOf(op, target)
	if err != nil {
		return nil, err
	}
	plan, err := s.planLoad(op, doc, flags, build)
	if err != nil {
		return nil, err
	}

	var (
		links   []pendingLink
		migrate []*node
		created []uuid.UUID
		first   *node
	)
	var visit func(r *format.NodeRecord, under *node, depth int) *node
	visit = func(r *format.NodeRecord, under *node, depth int) *node {
		if plan.skip[r] {
			return nil
		}
		m := plan.metas[r]
		n := s.mergeTarget(r, under, depth, flags, build)
		merged := n != nil
		if !merged {
			n = s.newNode(under, m, r.Name, MetaFlag(r.Flags)|metaFlags, plan.nodeID[r])
			created = append(created, n.id)
			if m != m.chain.current {
				migrate = append(migrate, n)
			}
		}
		for _, pv := range plan.values[r] {
			switch {
			case n.meta != m:
				s.warn("merge target has another version", zap.String("meta", r.Meta), zap.String("name", r.Name))
			case pv.value.Type().Kind == value.KindLink:
				links = append(links, pendingLink{n: n, index: pv.index, to: pv.value.Link()})
			case merged:
				s.set("ImportDocument", n, m.props[pv.index], pv.value, 0)
			default:
				n.values[pv.index] = pv.value
			}
		}
		if !merged {
			s.emitNode(EventCreated, n)
			s.emitChild(EventChildAdded, under, n)
		}
		for _, c := range r.Children {
			visit(c, n, depth+1)
		}
		return n
	}
	for _, r := range doc.Roots {
		if n := visit(r, parent, 0); n != nil && first == nil {
			first = n
		}
	}

	for _, l := range links {
		to := l.to
		if mapped, ok := plan.ids[to]; ok {
			to = mapped
		}
		l.n.values[l.index] = value.NewLink(to)
	}
	for _, n := range migrate {
		h := s.handle(n)
		migrated, err := s.MigrateNode(h)
		h.Close()
		if err != nil {
			return nil, err
		}
		if n == first {
			first = migrated.n
		}
		migrated.Close()
	}
	for _, id := range created {
		if n, ok := s.nodes[id]; ok {
			s.emitChange(s.changeCreate(n))
		}
	}
	if first == nil {
		return nil, nil
	}
	return s.handle(first), nil
}

// mergeTarget returns the existing node a record merges into, or nil when
// the record creates a new node.
func (s *Store) mergeTarget(r *format.NodeRecord, under *node, depth int, flags IOFlag, build BuildFlag) *node {
	if flags&Merge != 0 {
		if n, ok := s.nodes[r.ID]; ok && n.meta.name() == r.Meta {
			return n
		}
	}
	if build&MergeAll != 0 || (build&MergeRoots != 0 && depth == 0) {
		return s.findChild(under, r.Meta, r.Name)
	}
	return nil
}

// planLoad resolves metanodes, ids and values of every record so that a
// document that cannot be loaded is rejected before the tree changes.
func (s *Store) planLoad(op string, doc *format.Document, flags IOFlag, build BuildFlag) (*loadPlan, error) {
	plan := &loadPlan{
		metas:  make(map[*format.NodeRecord]*meta),
		skip:   make(map[*format.NodeRecord]bool),
		values: make(map[*format.NodeRecord][]planValue),
		nodeID: make(map[*format.NodeRecord]uuid.UUID),
		ids:    make(map[uuid.UUID]uuid.UUID),
	}
	claimed := make(map[uuid.UUID]bool)
	var err error
	var visit func(r *format.NodeRecord) bool
	visit = func(r *format.NodeRecord) bool {
		c, ok := s.metas[r.Meta]
		if !ok || c.current == nil {
			if build&AllowMissingMetanodes != 0 {
				s.warn("skipping node of unknown metanode", zap.String("meta", r.Meta), zap.String("name", r.Name))
				plan.skip[r] = true
				return true
			}
			err = s.fail(op, InvalidMetanode, "unknown metanode %q", r.Meta)
			return false
		}
		if c.name == MetaRoot {
			err = s.fail(op, NotAllowed, "documents cannot contain a root node")
			return false
		}
		m, merr := s.metaAt(op, c, r.Version)
		if merr != nil {
			err = merr
			return false
		}
		plan.metas[r] = m

		if flags&Merge != 0 && flags&UUIDsMustExist != 0 {
			if _, exists := s.nodes[r.ID]; !exists {
				err = s.fail(op, InvalidParameter, "node %s does not exist", r.ID)
				return false
			}
		}
		id := r.ID
		existing, taken := s.nodes[id]
		mergeable := taken && flags&Merge != 0 && existing.meta.name() == r.Meta
		switch {
		case flags&NewUUIDs != 0 || id == uuid.Nil:
			id = uuid.New()
		case claimed[id] || (taken && !mergeable):
			s.warn("regenerating colliding node id", zap.Stringer("id", id), zap.String("name", r.Name))
			id = uuid.New()
		}
		claimed[id] = true
		plan.nodeID[r] = id
		if r.ID != uuid.Nil {
			plan.ids[r.ID] = id
		}

		for _, pr := range r.Properties {
			i, ok := m.byName[pr.Name]
			if !ok {
				if build&AllowMissingAttribs != 0 {
					s.warn("skipping unknown property", zap.String("meta", r.Meta), zap.String("property", pr.Name))
					continue
				}
				err = s.fail(op, InvalidProperty, "%s v%d has no property %q", r.Meta, m.version, pr.Name)
				return false
			}
			v, verr := pr.Value()
			if verr == nil {
				v, verr = conform(v, m.props[i].Type)
			}
			if verr != nil {
				if build&AllowInvalidAttribs != 0 {
					s.warn("skipping invalid property", zap.String("property", pr.Name), zap.Error(verr))
					continue
				}
				err = s.wrapFail(op, InvalidParameter, verr, "%s.%s", r.Meta, pr.Name)
				return false
			}
			plan.values[r] = append(plan.values[r], planValue{index: i, value: v})
		}
		for _, ch := range r.Children {
			if !visit(ch) {
				return false
			}
		}
		return true
	}
	for _, r := range doc.Roots {
		if !visit(r) {
			return nil, err
		}
	}
	return plan, nil
}
