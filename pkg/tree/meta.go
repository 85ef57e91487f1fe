package tree

import (
	"sort"
	"strings"

	"github.com/orneryd/vrtree/pkg/value"
)

type metaState uint8

const (
	metaBuilding metaState = iota
	metaPublished
	metaDeleted
)

// PropertyIndex is a schema-scoped ordinal of a property. It is stable for
// the lifetime of one metanode version and valid for every node of that
// version.
type PropertyIndex uint32

// InvalidIndex is returned when a property cannot be resolved.
const InvalidIndex PropertyIndex = 0xFFFFFFFF

// Property describes one property of a metanode version.
type Property struct {
	Name       string
	Index      PropertyIndex
	Type       value.Type
	Default    value.Value
	Min, Max   []float64 // optional range hint
	Flags      PropFlag
	LinkFilter []string // metanode names or traits a link may target
	FileFilter string
	TypeTag    string // free-form semantic tag, e.g. "colour" or "url"
	Hints      []GuiHint
}

// Saved reports whether the property is written by SaveTree.
func (p Property) Saved() bool { return p.Flags&PropNoSave == 0 }

// Cloned reports whether the property is copied by CloneNode.
func (p Property) Cloned() bool { return p.Flags&PropNoClone == 0 }

// Trait is a purpose tag attached to a metanode.
type Trait struct {
	Name    string
	Primary PropertyIndex
}

// Symbol is a named integer constant usable with enum accessors.
type Symbol struct {
	Name  string
	Value int32
}

// GuiHint is editor metadata for a property. Value is a bool, int,
// float64 or string.
type GuiHint struct {
	Property string
	Name     string
	Value    any
}

// chain groups every version of one metanode name with its migrations.
type chain struct {
	name       string
	migrations []*migration
	versions   map[int]*meta
	current    *meta
	builder    *meta // reserves name until published or released
}

type meta struct {
	chain     *chain
	version   int
	flags     MetaFlag
	props     []*Property
	byName    map[string]PropertyIndex
	traits    []Trait
	symbols   []Symbol
	state     metaState
	instances int
}

func newMeta(c *chain, version int, flags MetaFlag) *meta {
	return &meta{chain: c, version: version, flags: flags, byName: make(map[string]PropertyIndex)}
}

func (m *meta) name() string { return m.chain.name }

func (m *meta) prop(i PropertyIndex) *Property {
	if int(i) < len(m.props) {
		return m.props[i]
	}
	return nil
}

func (m *meta) hasTrait(name string) bool {
	for _, t := range m.traits {
		if t.Name == name {
			return true
		}
	}
	return false
}

// copyMeta clones a metanode version into a new builder.
func copyMeta(src *meta, version int) *meta {
	m := newMeta(src.chain, version, src.flags)
	for _, p := range src.props {
		cp := *p
		cp.Min = append([]float64(nil), p.Min...)
		cp.Max = append([]float64(nil), p.Max...)
		cp.LinkFilter = append([]string(nil), p.LinkFilter...)
		cp.Hints = append([]GuiHint(nil), p.Hints...)
		m.props = append(m.props, &cp)
		m.byName[cp.Name] = cp.Index
	}
	m.traits = append([]Trait(nil), src.traits...)
	m.symbols = append([]Symbol(nil), src.symbols...)
	return m
}

// reindex renumbers properties after a removal.
func (m *meta) reindex() {
	m.byName = make(map[string]PropertyIndex, len(m.props))
	for i, p := range m.props {
		p.Index = PropertyIndex(i)
		m.byName[p.Name] = p.Index
	}
}

// MetaNode is a handle to a metanode version.
type MetaNode struct {
	s      *Store
	m      *meta
	closed bool
}

// Valid reports whether the handle is open and its metanode still exists.
func (h *MetaNode) Valid() bool {
	return h != nil && !h.closed && h.m != nil && h.m.state != metaDeleted
}

// Close releases the handle. Closing the builder of a metanode that was
// never published discards it and frees the name.
func (h *MetaNode) Close() {
	if h == nil || h.closed {
		return
	}
	h.closed = true
	if m := h.m; m != nil && m.state == metaBuilding && m.chain.builder == m {
		m.state = metaDeleted
		h.s.release(m.chain)
	}
}

// release drops the name reservation of a chain that has no published
// version.
func (s *Store) release(c *chain) {
	c.builder = nil
	if c.current == nil && len(c.versions) == 0 && s.metas[c.name] == c {
		delete(s.metas, c.name)
	}
}

// Name returns the metanode name, or "" for an invalid handle.
func (h *MetaNode) Name() string {
	if !h.Valid() {
		return ""
	}
	return h.m.name()
}

// Version returns the metanode version, or -1 for an invalid handle.
func (h *MetaNode) Version() int {
	if !h.Valid() {
		return -1
	}
	return h.m.version
}

// Published reports whether the metanode can be instantiated.
func (h *MetaNode) Published() bool {
	return h.Valid() && h.m.state == metaPublished
}

// Flags returns the metanode flags.
func (h *MetaNode) Flags() MetaFlag {
	if !h.Valid() {
		return 0
	}
	return h.m.flags
}

func (s *Store) metaHandle(m *meta) *MetaNode {
	return &MetaNode{s: s, m: m}
}

func (s *Store) metaOf(op string, h *MetaNode) (*meta, error) {
	if !h.Valid() || h.s != s {
		return nil, s.fail(op, InvalidHandle, "metanode handle is not valid")
	}
	return h.m, nil
}

func (s *Store) builderOf(op string, h *MetaNode) (*meta, error) {
	m, err := s.metaOf(op, h)
	if err != nil {
		return nil, err
	}
	if m.state != metaBuilding {
		return nil, s.fail(op, InvalidMetanode, "metanode %s v%d is already finished", m.name(), m.version)
	}
	return m, nil
}

// CreateMetaNode starts building a new metanode at version 0.
func (s *Store) CreateMetaNode(name string) (*MetaNode, error) {
	return s.CreateMetaNodeEx(name, 0)
}

// CreateMetaNodeEx starts building a new metanode with flags.
func (s *Store) CreateMetaNodeEx(name string, flags MetaFlag) (*MetaNode, error) {
	const op = "CreateMetaNode"
	if name == "" || strings.ContainsAny(name, "/[]") {
		return nil, s.fail(op, InvalidParameter, "invalid metanode name %q", name)
	}
	if c, ok := s.metas[name]; ok {
		if c.current != nil {
			return nil, s.fail(op, InvalidMetanode, "metanode %s is already registered", name)
		}
		return nil, s.fail(op, InvalidMetanode, "metanode %s is already being built", name)
	}
	c := &chain{name: name, versions: make(map[int]*meta)}
	m := newMeta(c, 0, flags)
	c.builder = m
	s.metas[name] = c
	return s.metaHandle(m), nil
}

// DeleteMetaNode discards an unpublished builder. Published metanodes are
// permanent until the store closes.
func (s *Store) DeleteMetaNode(h *MetaNode) error {
	const op = "DeleteMetaNode"
	m, err := s.metaOf(op, h)
	if err != nil {
		return err
	}
	if m.state == metaPublished || m.instances > 0 {
		return s.fail(op, NotAllowed, "metanode %s v%d is published", m.name(), m.version)
	}
	m.state = metaDeleted
	if m.chain.builder == m {
		s.release(m.chain)
	}
	h.Close()
	return nil
}

// FinishMetaNode publishes a builder. The builder handle is closed and a
// handle to the published metanode is returned.
//
// A builder created with CreateMetaNode becomes the current version of its
// name. A builder created with CopyMetaNode registers the version it was
// copied to, if that version does not exist yet.
func (s *Store) FinishMetaNode(h *MetaNode) (*MetaNode, error) {
	const op = "FinishMetaNode"
	m, err := s.builderOf(op, h)
	if err != nil {
		return nil, err
	}
	c := m.chain
	if _, exists := c.versions[m.version]; exists {
		return nil, s.fail(op, NotAllowed, "metanode %s v%d already exists", c.name, m.version)
	}
	if c.current == nil && m.version != len(c.migrations) {
		return nil, s.fail(op, MissingMigrations, "metanode %s has %d migrations but version %d", c.name, len(c.migrations), m.version)
	}
	if c.current != nil && m.version > c.current.version {
		return nil, s.fail(op, MissingMigrations, "metanode %s v%d is newer than current v%d", c.name, m.version, c.current.version)
	}
	m.state = metaPublished
	c.versions[m.version] = m
	if c.builder == m {
		c.builder = nil
	}
	if c.current == nil {
		c.current = m
		s.debug("metanode published", zapMeta(m)...)
	}
	h.Close()
	return s.metaHandle(m), nil
}

// CopyMetaNode creates a builder seeded with the properties, traits and
// symbols of other, at version other.Version()+versionDelta.
func (s *Store) CopyMetaNode(other *MetaNode, versionDelta int) (*MetaNode, error) {
	const op = "CopyMetaNode"
	src, err := s.metaOf(op, other)
	if err != nil {
		return nil, err
	}
	v := src.version + versionDelta
	if v < 0 {
		return nil, s.fail(op, InvalidParameter, "version %d out of range", v)
	}
	return s.metaHandle(copyMeta(src, v)), nil
}

// MetaNodeByName returns the current published version of a metanode.
func (s *Store) MetaNodeByName(name string) (*MetaNode, error) {
	const op = "MetaNodeByName"
	c, ok := s.metas[name]
	if !ok || c.current == nil {
		return nil, s.fail(op, InvalidMetanode, "unknown metanode %q", name)
	}
	return s.metaHandle(c.current), nil
}

// MetaNodeVersion returns a specific version of a metanode, materializing
// it through the migration chain when it does not exist yet.
func (s *Store) MetaNodeVersion(name string, version int) (*MetaNode, error) {
	const op = "MetaNodeVersion"
	c, ok := s.metas[name]
	if !ok || c.current == nil {
		return nil, s.fail(op, InvalidMetanode, "unknown metanode %q", name)
	}
	m, err := s.metaAt(op, c, version)
	if err != nil {
		return nil, err
	}
	return s.metaHandle(m), nil
}

// CurrentMetaNodeVersion returns the current version of a metanode.
func (s *Store) CurrentMetaNodeVersion(name string) (int, error) {
	c, ok := s.metas[name]
	if !ok || c.current == nil {
		return -1, s.fail("CurrentMetaNodeVersion", InvalidMetanode, "unknown metanode %q", name)
	}
	return c.current.version, nil
}

// MetaNodeNames returns the names of all published metanodes, sorted.
func (s *Store) MetaNodeNames() []string {
	names := make([]string, 0, len(s.metas))
	for n, c := range s.metas {
		if c.current != nil {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// PropertiesCount returns the number of properties of a metanode, or -1.
func (s *Store) PropertiesCount(h *MetaNode) int {
	m, err := s.metaOf("PropertiesCount", h)
	if err != nil {
		return -1
	}
	return len(m.props)
}

// Properties returns copies of all property definitions in index order.
func (s *Store) Properties(h *MetaNode) []Property {
	m, err := s.metaOf("Properties", h)
	if err != nil {
		return nil
	}
	out := make([]Property, len(m.props))
	for i, p := range m.props {
		out[i] = *p
	}
	return out
}

// PropertyInfo returns a copy of one property definition.
func (s *Store) PropertyInfo(h *MetaNode, p Prop) (Property, error) {
	const op = "PropertyInfo"
	m, err := s.metaOf(op, h)
	if err != nil {
		return Property{}, err
	}
	def := m.prop(p.propIndex(m))
	if def == nil {
		return Property{}, s.fail(op, InvalidProperty, "%s has no property %v", m.name(), p)
	}
	return *def, nil
}

// PropertyOf resolves a property name on the current version of a
// metanode. The index is valid for every node of that version.
func (s *Store) PropertyOf(metaName, propName string) PropertyIndex {
	c, ok := s.metas[metaName]
	if !ok || c.current == nil {
		s.fail("PropertyOf", InvalidMetanode, "unknown metanode %q", metaName)
		return InvalidIndex
	}
	i, ok := c.current.byName[propName]
	if !ok {
		s.fail("PropertyOf", InvalidProperty, "%s has no property %q", metaName, propName)
		return InvalidIndex
	}
	return i
}

// PropertyOption configures a property added with AddProperty.
type PropertyOption func(*Property)

// WithDefault sets the default value. Numeric defaults are converted to
// the property type.
func WithDefault(v value.Value) PropertyOption {
	return func(p *Property) { p.Default = v }
}

// WithRange sets an inclusive range hint, one bound per element.
func WithRange(min, max []float64) PropertyOption {
	return func(p *Property) {
		p.Min = append([]float64(nil), min...)
		p.Max = append([]float64(nil), max...)
	}
}

// WithLinkFilter restricts link targets to the comma-separated metanode
// names or traits.
func WithLinkFilter(filter string) PropertyOption {
	return func(p *Property) { p.LinkFilter = splitList(filter) }
}

// WithFileFilter sets the file extension filter of a file property.
func WithFileFilter(filter string) PropertyOption {
	return func(p *Property) { p.FileFilter = filter }
}

// WithTypeTag attaches a free-form semantic tag.
func WithTypeTag(tag string) PropertyOption {
	return func(p *Property) { p.TypeTag = tag }
}

// WithFlags sets property flags.
func WithFlags(flags PropFlag) PropertyOption {
	return func(p *Property) { p.Flags |= flags }
}

// AddProperty appends a property to a builder and returns its index.
func (s *Store) AddProperty(h *MetaNode, name string, typ value.Type, opts ...PropertyOption) (PropertyIndex, error) {
	const op = "AddProperty"
	m, err := s.builderOf(op, h)
	if err != nil {
		return InvalidIndex, err
	}
	if name == "" {
		return InvalidIndex, s.fail(op, InvalidParameter, "empty property name")
	}
	if _, dup := m.byName[name]; dup {
		return InvalidIndex, s.fail(op, InvalidParameter, "%s already has property %q", m.name(), name)
	}
	if !typ.Valid() {
		return InvalidIndex, s.fail(op, InvalidParameter, "invalid type for %q", name)
	}
	p := &Property{Name: name, Index: PropertyIndex(len(m.props)), Type: typ}
	for _, o := range opts {
		o(p)
	}
	if p.Default.IsZero() {
		p.Default = value.Zero(typ)
	} else {
		def, err := conform(p.Default, typ)
		if err != nil {
			return InvalidIndex, s.wrapFail(op, InvalidParameter, err, "default for %q", name)
		}
		p.Default = def
	}
	if (p.Min != nil || p.Max != nil) && (!typ.Kind.Numeric() || len(p.Min) != typ.Elems() || len(p.Max) != typ.Elems()) {
		return InvalidIndex, s.fail(op, InvalidParameter, "range for %q does not match %s", name, typ)
	}
	m.props = append(m.props, p)
	m.byName[name] = p.Index
	return p.Index, nil
}

// SetPropertyFlag turns a property flag on or off on a builder.
func (s *Store) SetPropertyFlag(h *MetaNode, name string, flag PropFlag, on bool) error {
	const op = "SetPropertyFlag"
	m, err := s.builderOf(op, h)
	if err != nil {
		return err
	}
	i, ok := m.byName[name]
	if !ok {
		return s.fail(op, InvalidProperty, "%s has no property %q", m.name(), name)
	}
	if on {
		m.props[i].Flags |= flag
	} else {
		m.props[i].Flags &^= flag
	}
	return nil
}

// AddSymbol adds a named integer constant.
func (s *Store) AddSymbol(h *MetaNode, name string, v int32) error {
	const op = "AddSymbol"
	m, err := s.builderOf(op, h)
	if err != nil {
		return err
	}
	for _, sym := range m.symbols {
		if sym.Name == name {
			return s.fail(op, InvalidParameter, "%s already has symbol %q", m.name(), name)
		}
	}
	m.symbols = append(m.symbols, Symbol{Name: name, Value: v})
	return nil
}

// AddTrait tags the metanode with a trait.
func (s *Store) AddTrait(h *MetaNode, name string) error {
	return s.AddTraitEx(h, name, InvalidIndex)
}

// AddTraitEx tags the metanode with a trait whose primary property is idx.
func (s *Store) AddTraitEx(h *MetaNode, name string, primary PropertyIndex) error {
	const op = "AddTrait"
	m, err := s.builderOf(op, h)
	if err != nil {
		return err
	}
	if name == "" {
		return s.fail(op, InvalidParameter, "empty trait name")
	}
	if primary != InvalidIndex && m.prop(primary) == nil {
		return s.fail(op, InvalidProperty, "primary property %d out of range", primary)
	}
	if !m.hasTrait(name) {
		m.traits = append(m.traits, Trait{Name: name, Primary: primary})
	}
	return nil
}

// AddGuiHint attaches editor metadata to a property. v must be a bool,
// int, float64 or string.
func (s *Store) AddGuiHint(h *MetaNode, propName, hint string, v any) error {
	const op = "AddGuiHint"
	m, err := s.builderOf(op, h)
	if err != nil {
		return err
	}
	i, ok := m.byName[propName]
	if !ok {
		return s.fail(op, InvalidProperty, "%s has no property %q", m.name(), propName)
	}
	switch v.(type) {
	case bool, int, float64, string:
	default:
		return s.fail(op, InvalidParameter, "unsupported hint value %T", v)
	}
	p := m.props[i]
	p.Hints = append(p.Hints, GuiHint{Property: propName, Name: hint, Value: v})
	return nil
}

// Traits returns the traits of a metanode.
func (s *Store) Traits(h *MetaNode) []Trait {
	m, err := s.metaOf("Traits", h)
	if err != nil {
		return nil
	}
	return append([]Trait(nil), m.traits...)
}

// Symbols returns the symbols of a metanode.
func (s *Store) Symbols(h *MetaNode) []Symbol {
	m, err := s.metaOf("Symbols", h)
	if err != nil {
		return nil
	}
	return append([]Symbol(nil), m.symbols...)
}

// HasTrait reports whether a metanode carries a trait.
func (s *Store) HasTrait(h *MetaNode, name string) bool {
	m, err := s.metaOf("HasTrait", h)
	return err == nil && m.hasTrait(name)
}

// RemoveProperty deletes a property from a builder. Later properties are
// renumbered.
func (s *Store) RemoveProperty(h *MetaNode, name string) error {
	const op = "RemoveProperty"
	m, err := s.builderOf(op, h)
	if err != nil {
		return err
	}
	i, ok := m.byName[name]
	if !ok {
		return s.fail(op, InvalidProperty, "%s has no property %q", m.name(), name)
	}
	m.props = append(m.props[:i], m.props[i+1:]...)
	m.reindex()
	for j := range m.traits {
		switch t := &m.traits[j]; {
		case t.Primary == i:
			t.Primary = InvalidIndex
		case t.Primary != InvalidIndex && t.Primary > i:
			t.Primary--
		}
	}
	return nil
}

// ChangeProperty changes the type of a property on a builder. The default
// resets to the zero value of the new type and the range hint is dropped.
func (s *Store) ChangeProperty(h *MetaNode, name string, typ value.Type) error {
	const op = "ChangeProperty"
	m, err := s.builderOf(op, h)
	if err != nil {
		return err
	}
	i, ok := m.byName[name]
	if !ok {
		return s.fail(op, InvalidProperty, "%s has no property %q", m.name(), name)
	}
	if !typ.Valid() {
		return s.fail(op, InvalidParameter, "invalid type for %q", name)
	}
	p := m.props[i]
	p.Type = typ
	p.Default = value.Zero(typ)
	p.Min, p.Max = nil, nil
	return nil
}

// ChangePropertyName renames a property on a builder, keeping its index.
func (s *Store) ChangePropertyName(h *MetaNode, name, newName string) error {
	const op = "ChangePropertyName"
	m, err := s.builderOf(op, h)
	if err != nil {
		return err
	}
	i, ok := m.byName[name]
	if !ok {
		return s.fail(op, InvalidProperty, "%s has no property %q", m.name(), name)
	}
	if _, dup := m.byName[newName]; dup || newName == "" {
		return s.fail(op, InvalidParameter, "cannot rename %q to %q", name, newName)
	}
	m.props[i].Name = newName
	delete(m.byName, name)
	m.byName[newName] = i
	return nil
}

// conform converts v to typ. Numeric kinds convert into each other when
// the element counts agree, or when the target is a vector. String kinds
// convert when the element counts agree.
func conform(v value.Value, typ value.Type) (value.Value, error) {
	vt := v.Type()
	if vt == typ {
		return v, nil
	}
	sameCount := typ.Shape == value.Vector || v.Len() == typ.Elems()
	switch {
	case vt.Kind.Numeric() && typ.Kind.Numeric() && sameCount:
		return value.FromFloat64s(typ, v.Float64s())
	case vt.Kind == value.KindString && typ.Kind == value.KindString && sameCount:
		return value.FromStrings(typ, v.Strings())
	}
	return value.Value{}, value.ErrKind
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
