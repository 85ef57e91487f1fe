package tree

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/orneryd/vrtree/pkg/value"
)

// Prop addresses a property of a node, either by Name or by a
// PropertyIndex resolved once with PropertyOf. Index access skips the name
// lookup and is valid for every node of the same metanode version.
type Prop interface {
	propIndex(m *meta) PropertyIndex
}

// Name addresses a property by name.
type Name string

func (n Name) propIndex(m *meta) PropertyIndex {
	if i, ok := m.byName[string(n)]; ok {
		return i
	}
	return InvalidIndex
}

func (i PropertyIndex) propIndex(m *meta) PropertyIndex {
	if int(i) < len(m.props) {
		return i
	}
	return InvalidIndex
}

type postedSet struct {
	node  *node
	meta  *meta
	index PropertyIndex
	value value.Value
	flags SetFlag
}

func (s *Store) resolve(op string, h *Node, p Prop) (*node, *Property, error) {
	nd, err := s.nodeOf(op, h)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, s.fail(op, InvalidProperty, "no property given")
	}
	i := p.propIndex(nd.meta)
	if i == InvalidIndex {
		return nil, nil, s.fail(op, InvalidProperty, "%s has no property %v", nd.meta.name(), p)
	}
	return nd, nd.meta.props[i], nil
}

func (s *Store) get(op string, h *Node, p Prop) (value.Value, *Property, error) {
	nd, def, err := s.resolve(op, h, p)
	if err != nil {
		return value.Value{}, nil, err
	}
	return nd.values[def.Index], def, nil
}

// set is the single write path of every accessor.
func (s *Store) set(op string, nd *node, def *Property, v value.Value, flags SetFlag) error {
	if err := s.guard(op, PermModify); err != nil {
		return err
	}
	if flags&UserChange != 0 && def.Flags&PropReadOnly != 0 {
		return s.fail(op, NotAllowed, "property %s.%s is read-only", nd.meta.name(), def.Name)
	}
	v, err := conform(v, def.Type)
	if err != nil {
		return s.wrapFail(op, InvalidParameter, err, "%s.%s wants %s", nd.meta.name(), def.Name, def.Type)
	}
	if def.Type.Kind == value.KindLink {
		if err := s.checkLink(op, def, v.Link()); err != nil {
			return err
		}
	}
	if flags&ByPost != 0 {
		s.posted = append(s.posted, postedSet{node: nd, meta: nd.meta, index: def.Index, value: v.Clone(), flags: flags &^ ByPost})
		return nil
	}
	nd.values[def.Index] = v.Clone()
	nd.dirty[def.Index] = true
	for p := nd.parent; p != nil; p = p.parent {
		if p.flags&NodeSpy != 0 {
			p.spy = true
		}
	}
	s.emitNode(EventValuesChanged, nd)
	s.emitChange(Change{
		Op:        OpSet,
		Node:      nd.id,
		Meta:      nd.meta.name(),
		Property:  def.Name,
		Value:     v.Clone(),
		NoHistory: nd.flags&NoHistory != 0,
		Transient: nd.flags&Transient != 0,
	})
	return nil
}

// checkLink enforces the link filter of def. An empty link is always
// allowed.
func (s *Store) checkLink(op string, def *Property, id uuid.UUID) error {
	if id == uuid.Nil || len(def.LinkFilter) == 0 {
		return nil
	}
	target, ok := s.nodes[id]
	if !ok {
		return s.fail(op, InvalidParameter, "link target %s does not exist", id)
	}
	for _, f := range def.LinkFilter {
		if target.meta.name() == f || target.meta.hasTrait(f) {
			return nil
		}
	}
	return s.fail(op, InvalidParameter, "link %s cannot target a %s", def.Name, target.meta.name())
}

func (s *Store) setOn(op string, h *Node, p Prop, v value.Value, flags []SetFlag) error {
	nd, def, err := s.resolve(op, h, p)
	if err != nil {
		return err
	}
	return s.set(op, nd, def, v, joinSetFlags(flags))
}

// PropertySize returns the number of bytes ReadProperty needs.
func (s *Store) PropertySize(n *Node, p Prop) (int, error) {
	v, _, err := s.get("PropertySize", n, p)
	if err != nil {
		return 0, err
	}
	return v.Size(), nil
}

// ReadProperty copies the raw form of a property into buf and returns the
// bytes written. An empty buf is a size query: it returns the size needed
// and no error. A short non-empty buffer fails with InvalidParameter and
// also returns the size needed.
func (s *Store) ReadProperty(n *Node, p Prop, buf []byte) (int, error) {
	const op = "ReadProperty"
	v, _, err := s.get(op, n, p)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return v.Size(), nil
	}
	size, err := v.Read(buf)
	if errors.Is(err, value.ErrShortBuffer) {
		return size, s.wrapFail(op, InvalidParameter, err, "need %d bytes, have %d", size, len(buf))
	}
	return size, nil
}

// PropertyBytes returns a copy of the raw form of a property.
func (s *Store) PropertyBytes(n *Node, p Prop) ([]byte, error) {
	v, _, err := s.get("PropertyBytes", n, p)
	if err != nil {
		return nil, err
	}
	return v.Bytes(), nil
}

// WriteProperty sets a property from its raw form. World kinds accept
// either float or double elements.
func (s *Store) WriteProperty(n *Node, p Prop, buf []byte, flags ...SetFlag) error {
	const op = "WriteProperty"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	v, err := value.FromBytes(def.Type, buf)
	if err != nil {
		return s.wrapFail(op, InvalidParameter, err, "%s.%s", nd.meta.name(), def.Name)
	}
	return s.set(op, nd, def, v, joinSetFlags(flags))
}

// GetValue returns a copy of a property value.
func (s *Store) GetValue(n *Node, p Prop) (value.Value, error) {
	v, _, err := s.get("GetValue", n, p)
	return v.Clone(), err
}

// SetValue sets a property. v must have the property's type, or a numeric
// or string type with the same element count.
func (s *Store) SetValue(n *Node, p Prop, v value.Value, flags ...SetFlag) error {
	return s.setOn("SetValue", n, p, v, flags)
}

func (s *Store) getScalar(op string, n *Node, p Prop) (value.Value, error) {
	v, def, err := s.get(op, n, p)
	if err != nil {
		return value.Value{}, err
	}
	if def.Type.Shape != value.Scalar || !def.Type.Kind.Numeric() {
		return value.Value{}, s.fail(op, InvalidProperty, "%s is a %s", def.Name, def.Type)
	}
	return v, nil
}

// GetBool returns a bool property.
func (s *Store) GetBool(n *Node, p Prop) (bool, error) {
	v, err := s.getScalar("GetBool", n, p)
	return v.Bool(), err
}

// SetBool sets a bool property.
func (s *Store) SetBool(n *Node, p Prop, b bool, flags ...SetFlag) error {
	return s.setOn("SetBool", n, p, value.NewBool(b), flags)
}

// GetChar returns a char property.
func (s *Store) GetChar(n *Node, p Prop) (int8, error) {
	v, err := s.getScalar("GetChar", n, p)
	return int8(v.Double()), err
}

// SetChar sets a char property.
func (s *Store) SetChar(n *Node, p Prop, c int8, flags ...SetFlag) error {
	return s.setOn("SetChar", n, p, value.NewChar(c), flags)
}

// GetInt returns an int property.
func (s *Store) GetInt(n *Node, p Prop) (int32, error) {
	v, err := s.getScalar("GetInt", n, p)
	return v.Int(), err
}

// SetInt sets an int property.
func (s *Store) SetInt(n *Node, p Prop, i int32, flags ...SetFlag) error {
	return s.setOn("SetInt", n, p, value.NewInt(i), flags)
}

// GetFloat returns a float property.
func (s *Store) GetFloat(n *Node, p Prop) (float32, error) {
	v, err := s.getScalar("GetFloat", n, p)
	return float32(v.Double()), err
}

// SetFloat sets a float property.
func (s *Store) SetFloat(n *Node, p Prop, f float32, flags ...SetFlag) error {
	return s.setOn("SetFloat", n, p, value.NewFloat(f), flags)
}

// GetDouble returns a double property.
func (s *Store) GetDouble(n *Node, p Prop) (float64, error) {
	v, err := s.getScalar("GetDouble", n, p)
	return v.Double(), err
}

// SetDouble sets a double property.
func (s *Store) SetDouble(n *Node, p Prop, f float64, flags ...SetFlag) error {
	return s.setOn("SetDouble", n, p, value.NewDouble(f), flags)
}

// GetWorld returns a world float property at build precision.
func (s *Store) GetWorld(n *Node, p Prop) (float64, error) {
	v, err := s.getScalar("GetWorld", n, p)
	return v.Double(), err
}

// SetWorld sets a world float property.
func (s *Store) SetWorld(n *Node, p Prop, f float64, flags ...SetFlag) error {
	return s.setOn("SetWorld", n, p, value.NewWorld(f), flags)
}

// GetString returns a string, file or stream property.
func (s *Store) GetString(n *Node, p Prop) (string, error) {
	const op = "GetString"
	v, def, err := s.get(op, n, p)
	if err != nil {
		return "", err
	}
	if def.Type.Kind != value.KindString || def.Type.Shape != value.Scalar {
		return "", s.fail(op, InvalidProperty, "%s is a %s", def.Name, def.Type)
	}
	return v.Text(), nil
}

// SetString sets a string, file or stream property.
func (s *Store) SetString(n *Node, p Prop, str string, flags ...SetFlag) error {
	const op = "SetString"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	if def.Type.Kind != value.KindString || def.Type.Shape != value.Scalar {
		return s.fail(op, InvalidParameter, "%s is a %s", def.Name, def.Type)
	}
	return s.set(op, nd, def, value.NewStringTyped(def.Type, str), joinSetFlags(flags))
}

// LinkID returns the id referenced by a link property, uuid.Nil if empty.
func (s *Store) LinkID(n *Node, p Prop) (uuid.UUID, error) {
	const op = "LinkID"
	v, def, err := s.get(op, n, p)
	if err != nil {
		return uuid.Nil, err
	}
	if def.Type.Kind != value.KindLink {
		return uuid.Nil, s.fail(op, InvalidProperty, "%s is a %s", def.Name, def.Type)
	}
	return v.Link(), nil
}

// GetLink returns a handle to the node referenced by a link property. An
// empty link or a link to a deleted node returns nil without error.
func (s *Store) GetLink(n *Node, p Prop) (*Node, error) {
	id, err := s.LinkID(n, p)
	if err != nil || id == uuid.Nil {
		return nil, err
	}
	return s.handle(s.nodes[id]), nil
}

// SetLink points a link property at target. A nil target clears it.
func (s *Store) SetLink(n *Node, p Prop, target *Node, flags ...SetFlag) error {
	id := uuid.Nil
	if target != nil {
		t, err := s.nodeOf("SetLink", target)
		if err != nil {
			return err
		}
		id = t.id
	}
	return s.setOn("SetLink", n, p, value.NewLink(id), flags)
}

// ArrayLen returns the element count of a property.
func (s *Store) ArrayLen(n *Node, p Prop) (int, error) {
	v, _, err := s.get("ArrayLen", n, p)
	if err != nil {
		return 0, err
	}
	return v.Len(), nil
}

// GetFloat64s returns every element of a numeric property.
func (s *Store) GetFloat64s(n *Node, p Prop) ([]float64, error) {
	const op = "GetFloat64s"
	v, def, err := s.get(op, n, p)
	if err != nil {
		return nil, err
	}
	if !def.Type.Kind.Numeric() {
		return nil, s.fail(op, InvalidProperty, "%s is a %s", def.Name, def.Type)
	}
	return v.Float64s(), nil
}

// SetFloat64s replaces every element of a numeric property. Fixed-size
// properties require the exact element count.
func (s *Store) SetFloat64s(n *Node, p Prop, vals []float64, flags ...SetFlag) error {
	const op = "SetFloat64s"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	v, err := value.FromFloat64s(def.Type, vals)
	if err != nil {
		return s.wrapFail(op, InvalidParameter, err, "%s.%s", nd.meta.name(), def.Name)
	}
	return s.set(op, nd, def, v, joinSetFlags(flags))
}

type number interface {
	~int8 | ~int32 | ~float32 | ~float64
}

func toNumbers[T number](vals []float64) []T {
	out := make([]T, len(vals))
	for i, f := range vals {
		out[i] = T(f)
	}
	return out
}

func fromNumbers[T number](vals []T) []float64 {
	out := make([]float64, len(vals))
	for i, x := range vals {
		out[i] = float64(x)
	}
	return out
}

// GetChars returns a char array or vector property.
func (s *Store) GetChars(n *Node, p Prop) ([]int8, error) {
	vals, err := s.GetFloat64s(n, p)
	return toNumbers[int8](vals), err
}

// SetChars sets a char array or vector property.
func (s *Store) SetChars(n *Node, p Prop, vals []int8, flags ...SetFlag) error {
	return s.SetFloat64s(n, p, fromNumbers(vals), flags...)
}

// GetInts returns an int array or vector property.
func (s *Store) GetInts(n *Node, p Prop) ([]int32, error) {
	vals, err := s.GetFloat64s(n, p)
	return toNumbers[int32](vals), err
}

// SetInts sets an int array or vector property.
func (s *Store) SetInts(n *Node, p Prop, vals []int32, flags ...SetFlag) error {
	return s.SetFloat64s(n, p, fromNumbers(vals), flags...)
}

// GetFloats returns a float array or vector property.
func (s *Store) GetFloats(n *Node, p Prop) ([]float32, error) {
	vals, err := s.GetFloat64s(n, p)
	return toNumbers[float32](vals), err
}

// SetFloats sets a float array or vector property.
func (s *Store) SetFloats(n *Node, p Prop, vals []float32, flags ...SetFlag) error {
	return s.SetFloat64s(n, p, fromNumbers(vals), flags...)
}

// GetStrings returns a string array or vector property.
func (s *Store) GetStrings(n *Node, p Prop) ([]string, error) {
	const op = "GetStrings"
	v, def, err := s.get(op, n, p)
	if err != nil {
		return nil, err
	}
	if def.Type.Kind != value.KindString {
		return nil, s.fail(op, InvalidProperty, "%s is a %s", def.Name, def.Type)
	}
	return v.Strings(), nil
}

// SetStrings replaces every element of a string property.
func (s *Store) SetStrings(n *Node, p Prop, vals []string, flags ...SetFlag) error {
	const op = "SetStrings"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	v, err := value.FromStrings(def.Type, vals)
	if err != nil {
		return s.wrapFail(op, InvalidParameter, err, "%s.%s", nd.meta.name(), def.Name)
	}
	return s.set(op, nd, def, v, joinSetFlags(flags))
}

// GetElement returns element i of a numeric property.
func (s *Store) GetElement(n *Node, p Prop, i int) (float64, error) {
	const op = "GetElement"
	v, def, err := s.get(op, n, p)
	if err != nil {
		return 0, err
	}
	f, err := v.Float64At(i)
	if err != nil {
		return 0, s.wrapFail(op, InvalidParameter, err, "%s[%d]", def.Name, i)
	}
	return f, nil
}

// SetElement replaces element i of a numeric property.
func (s *Store) SetElement(n *Node, p Prop, i int, f float64, flags ...SetFlag) error {
	const op = "SetElement"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	v, err := nd.values[def.Index].WithFloat64At(i, f)
	if err != nil {
		return s.wrapFail(op, InvalidParameter, err, "%s[%d]", def.Name, i)
	}
	return s.set(op, nd, def, v, joinSetFlags(flags))
}

// GetStringElement returns element i of a string property.
func (s *Store) GetStringElement(n *Node, p Prop, i int) (string, error) {
	const op = "GetStringElement"
	v, def, err := s.get(op, n, p)
	if err != nil {
		return "", err
	}
	str, err := v.StringAt(i)
	if err != nil {
		return "", s.wrapFail(op, InvalidParameter, err, "%s[%d]", def.Name, i)
	}
	return str, nil
}

// SetStringElement replaces element i of a string property.
func (s *Store) SetStringElement(n *Node, p Prop, i int, str string, flags ...SetFlag) error {
	const op = "SetStringElement"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	v, err := nd.values[def.Index].WithStringAt(i, str)
	if err != nil {
		return s.wrapFail(op, InvalidParameter, err, "%s[%d]", def.Name, i)
	}
	return s.set(op, nd, def, v, joinSetFlags(flags))
}

// Resize changes the length of a vector property. New elements are zero.
func (s *Store) Resize(n *Node, p Prop, length int, flags ...SetFlag) error {
	const op = "Resize"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	if def.Type.Shape != value.Vector || length < 0 {
		return s.fail(op, InvalidParameter, "cannot resize %s (%s) to %d", def.Name, def.Type, length)
	}
	cur := nd.values[def.Index]
	var v value.Value
	if def.Type.Kind == value.KindString {
		strs := cur.Strings()
		if length < len(strs) {
			strs = strs[:length]
		}
		strs = append(strs, make([]string, length-len(strs))...)
		v, err = value.FromStrings(def.Type, strs)
	} else {
		vals := cur.Float64s()
		if length < len(vals) {
			vals = vals[:length]
		}
		vals = append(vals, make([]float64, length-len(vals))...)
		v, err = value.FromFloat64s(def.Type, vals)
	}
	if err != nil {
		return s.wrapFail(op, InvalidParameter, err, "%s", def.Name)
	}
	return s.set(op, nd, def, v, joinSetFlags(flags))
}

// SetEnum sets an int property to the value of one of its metanode's
// symbols.
func (s *Store) SetEnum(n *Node, p Prop, symbol string, flags ...SetFlag) error {
	const op = "SetEnum"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(nd.meta.symbols, func(sym Symbol) bool { return sym.Name == symbol })
	if i < 0 {
		return s.fail(op, InvalidParameter, "%s has no symbol %q", nd.meta.name(), symbol)
	}
	return s.set(op, nd, def, value.NewInt(nd.meta.symbols[i].Value), joinSetFlags(flags))
}

// GetEnum returns the name of the first symbol whose value equals the int
// property.
func (s *Store) GetEnum(n *Node, p Prop) (string, error) {
	const op = "GetEnum"
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return "", err
	}
	cur := nd.values[def.Index].Int()
	for _, sym := range nd.meta.symbols {
		if sym.Value == cur {
			return sym.Name, nil
		}
	}
	return "", s.fail(op, InvalidParameter, "%s.%s = %d matches no symbol", nd.meta.name(), def.Name, cur)
}

// IsEnumValue reports whether the int property currently equals the
// value of symbol.
func (s *Store) IsEnumValue(n *Node, p Prop, symbol string) bool {
	nd, def, err := s.resolve("IsEnumValue", n, p)
	if err != nil {
		return false
	}
	cur := nd.values[def.Index].Int()
	for _, sym := range nd.meta.symbols {
		if sym.Name == symbol {
			return sym.Value == cur
		}
	}
	return false
}

// IsDirty reports whether a property was set since the last save or
// ClearDirty.
func (s *Store) IsDirty(n *Node, p Prop) bool {
	nd, def, err := s.resolve("IsDirty", n, p)
	return err == nil && nd.dirty[def.Index]
}

// IsNodeDirty reports whether any property of n is dirty, or, for NodeSpy
// nodes, whether anything below changed.
func (s *Store) IsNodeDirty(n *Node) bool {
	nd, err := s.nodeOf("IsNodeDirty", n)
	return err == nil && nd.isDirty()
}

func (n *node) isDirty() bool {
	return n.spy || slices.Contains(n.dirty, true)
}

// ClearDirty resets the dirty state of n and optionally its subtree.
func (s *Store) ClearDirty(n *Node, recursive bool) error {
	nd, err := s.nodeOf("ClearDirty", n)
	if err != nil {
		return err
	}
	reset := func(x *node) {
		x.spy = false
		for i := range x.dirty {
			x.dirty[i] = false
		}
	}
	if !recursive {
		reset(nd)
		return nil
	}
	nd.walk(reset)
	return nil
}

func (i PropertyIndex) String() string { return fmt.Sprintf("#%d", uint32(i)) }
