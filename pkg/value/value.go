package value

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Common value errors.
var (
	ErrUnknownType = errors.New("value: unknown type")
	ErrSize        = errors.New("value: buffer size does not match type")
	ErrShortBuffer = errors.New("value: buffer too small")
	ErrIndex       = errors.New("value: element index out of range")
	ErrKind        = errors.New("value: kind mismatch")
)

// Value is one typed property cell.
//
// Values have copy semantics: every mutator returns a new Value and never
// touches the receiver's storage, so a Value handed out by a store can be
// kept by the caller without aliasing the node.
type Value struct {
	typ  Type
	raw  []byte   // numeric and link elements, little-endian
	strs []string // string elements
}

// Zero returns the default value of t: zeroed elements for scalar and
// fixed shapes, an empty sequence for vectors.
func Zero(t Type) Value {
	v := Value{typ: t}
	n := t.Elems()
	if t.Kind == KindString {
		if n > 0 {
			v.strs = make([]string, n)
		}
		return v
	}
	if n > 0 {
		v.raw = make([]byte, n*t.Kind.ElemSize())
	}
	return v
}

// NewBool returns a bool value.
func NewBool(b bool) Value {
	v := Zero(Bool)
	if b {
		v.raw[0] = 1
	}
	return v
}

// NewChar returns a char value.
func NewChar(c int8) Value {
	v := Zero(Char)
	v.raw[0] = byte(c)
	return v
}

// NewInt returns an int value.
func NewInt(i int32) Value {
	v := Zero(Int)
	binary.LittleEndian.PutUint32(v.raw, uint32(i))
	return v
}

// NewFloat returns a float value.
func NewFloat(f float32) Value {
	v := Zero(Float)
	binary.LittleEndian.PutUint32(v.raw, math.Float32bits(f))
	return v
}

// NewDouble returns a double value.
func NewDouble(f float64) Value {
	v := Zero(Double)
	binary.LittleEndian.PutUint64(v.raw, math.Float64bits(f))
	return v
}

// NewWorld returns a world float value at build precision.
func NewWorld(f float64) Value {
	v := Zero(World)
	putElem(KindWorld, v.raw, f)
	return v
}

// NewString returns a string value.
func NewString(s string) Value {
	return Value{typ: String, strs: []string{s}}
}

// NewLink returns a link value referencing id. uuid.Nil is an empty link.
func NewLink(id uuid.UUID) Value {
	v := Zero(Link)
	copy(v.raw, id[:])
	return v
}

// FromFloat64s builds a numeric value of type t from vals. Scalar and fixed
// types require exactly Elems() values.
func FromFloat64s(t Type, vals []float64) (Value, error) {
	if !t.Valid() || !t.Kind.Numeric() {
		return Value{}, fmt.Errorf("%w: %s is not numeric", ErrKind, t)
	}
	if t.Shape != Vector && len(vals) != t.Elems() {
		return Value{}, fmt.Errorf("%w: %s wants %d elements, got %d", ErrSize, t, t.Elems(), len(vals))
	}
	size := t.Kind.ElemSize()
	v := Value{typ: t, raw: make([]byte, len(vals)*size)}
	for i, f := range vals {
		putElem(t.Kind, v.raw[i*size:], f)
	}
	return v, nil
}

// FromStrings builds a string value of type t.
func FromStrings(t Type, vals []string) (Value, error) {
	if !t.Valid() || t.Kind != KindString {
		return Value{}, fmt.Errorf("%w: %s is not a string type", ErrKind, t)
	}
	if t.Shape != Vector && len(vals) != t.Elems() {
		return Value{}, fmt.Errorf("%w: %s wants %d elements, got %d", ErrSize, t, t.Elems(), len(vals))
	}
	return Value{typ: t, strs: append([]string(nil), vals...)}, nil
}

// FromBytes decodes the raw wire form of a value of type t.
//
// Strings are NUL terminated; a scalar string without a terminator uses the
// whole buffer. World kinds accept either 4 or 8 byte elements and are
// coerced to build precision.
func FromBytes(t Type, buf []byte) (Value, error) {
	if !t.Valid() {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if t.Kind == KindString {
		return stringsFromBytes(t, buf)
	}
	size := t.Kind.ElemSize()
	n := t.Elems()
	if t.Shape == Vector {
		switch {
		case len(buf)%size == 0:
			n = len(buf) / size
		case t.Kind == KindWorld && len(buf)%otherWorldSize() == 0:
			n = len(buf) / otherWorldSize()
		default:
			return Value{}, fmt.Errorf("%w: %d bytes for %s", ErrSize, len(buf), t)
		}
	}
	if len(buf) == n*size {
		return Value{typ: t, raw: append([]byte(nil), buf...)}, nil
	}
	if t.Kind == KindWorld && len(buf) == n*otherWorldSize() {
		vals := make([]float64, n)
		w := otherWorldSize()
		for i := range vals {
			if w == 4 {
				vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
			} else {
				vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
			}
		}
		return FromFloat64s(t, vals)
	}
	return Value{}, fmt.Errorf("%w: %d bytes for %s", ErrSize, len(buf), t)
}

func stringsFromBytes(t Type, buf []byte) (Value, error) {
	if t.Shape == Scalar {
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			buf = buf[:i]
		}
		return NewStringTyped(t, string(buf)), nil
	}
	var strs []string
	for len(buf) > 0 {
		i := bytes.IndexByte(buf, 0)
		if i < 0 {
			strs = append(strs, string(buf))
			break
		}
		strs = append(strs, string(buf[:i]))
		buf = buf[i+1:]
	}
	if t.Shape == Fixed {
		if len(strs) > t.Count {
			return Value{}, fmt.Errorf("%w: %d strings for %s", ErrSize, len(strs), t)
		}
		for len(strs) < t.Count {
			strs = append(strs, "")
		}
	}
	return Value{typ: t, strs: strs}, nil
}

// NewStringTyped returns a scalar string value carrying a string semantic
// such as File or Stream.
func NewStringTyped(t Type, s string) Value {
	return Value{typ: t, strs: []string{s}}
}

func otherWorldSize() int {
	if WorldSize == 8 {
		return 4
	}
	return 8
}

// Type returns the value's type.
func (v Value) Type() Type { return v.typ }

// IsZero reports whether v is the zero Value (no type).
func (v Value) IsZero() bool { return v.typ.Kind == KindInvalid }

// Len returns the element count.
func (v Value) Len() int {
	if v.typ.Kind == KindString {
		return len(v.strs)
	}
	if size := v.typ.Kind.ElemSize(); size > 0 {
		return len(v.raw) / size
	}
	return 0
}

// Size returns the number of bytes Read needs.
func (v Value) Size() int {
	if v.typ.Kind != KindString {
		return len(v.raw)
	}
	n := 0
	for _, s := range v.strs {
		n += len(s) + 1
	}
	return n
}

// Read copies the wire form of v into buf and returns the number of bytes
// written. A short buffer fails with ErrShortBuffer and returns the
// required size.
func (v Value) Read(buf []byte) (int, error) {
	size := v.Size()
	if len(buf) < size {
		return size, ErrShortBuffer
	}
	if v.typ.Kind != KindString {
		return copy(buf, v.raw), nil
	}
	off := 0
	for _, s := range v.strs {
		off += copy(buf[off:], s)
		buf[off] = 0
		off++
	}
	return off, nil
}

// Bytes returns a freshly allocated copy of the wire form.
func (v Value) Bytes() []byte {
	buf := make([]byte, v.Size())
	v.Read(buf)
	return buf
}

// Float64s converts every element to float64. Non-numeric values return nil.
func (v Value) Float64s() []float64 {
	if !v.typ.Kind.Numeric() {
		return nil
	}
	size := v.typ.Kind.ElemSize()
	out := make([]float64, len(v.raw)/size)
	for i := range out {
		out[i] = getElem(v.typ.Kind, v.raw[i*size:])
	}
	return out
}

// Float64At returns element i as float64.
func (v Value) Float64At(i int) (float64, error) {
	if !v.typ.Kind.Numeric() {
		return 0, fmt.Errorf("%w: %s is not numeric", ErrKind, v.typ)
	}
	if i < 0 || i >= v.Len() {
		return 0, fmt.Errorf("%w: %d of %d", ErrIndex, i, v.Len())
	}
	return getElem(v.typ.Kind, v.raw[i*v.typ.Kind.ElemSize():]), nil
}

// WithFloat64At returns a copy of v with element i replaced.
func (v Value) WithFloat64At(i int, f float64) (Value, error) {
	if !v.typ.Kind.Numeric() {
		return Value{}, fmt.Errorf("%w: %s is not numeric", ErrKind, v.typ)
	}
	if i < 0 || i >= v.Len() {
		return Value{}, fmt.Errorf("%w: %d of %d", ErrIndex, i, v.Len())
	}
	out := v.Clone()
	putElem(v.typ.Kind, out.raw[i*v.typ.Kind.ElemSize():], f)
	return out, nil
}

// Strings returns the string elements. Non-string values return nil.
func (v Value) Strings() []string {
	if v.typ.Kind != KindString {
		return nil
	}
	return append([]string(nil), v.strs...)
}

// StringAt returns string element i.
func (v Value) StringAt(i int) (string, error) {
	if v.typ.Kind != KindString {
		return "", fmt.Errorf("%w: %s is not a string type", ErrKind, v.typ)
	}
	if i < 0 || i >= len(v.strs) {
		return "", fmt.Errorf("%w: %d of %d", ErrIndex, i, len(v.strs))
	}
	return v.strs[i], nil
}

// WithStringAt returns a copy of v with string element i replaced.
func (v Value) WithStringAt(i int, s string) (Value, error) {
	if v.typ.Kind != KindString {
		return Value{}, fmt.Errorf("%w: %s is not a string type", ErrKind, v.typ)
	}
	if i < 0 || i >= len(v.strs) {
		return Value{}, fmt.Errorf("%w: %d of %d", ErrIndex, i, len(v.strs))
	}
	out := v.Clone()
	out.strs[i] = s
	return out, nil
}

// Bool returns the first element as a bool.
func (v Value) Bool() bool {
	f, _ := v.Float64At(0)
	return f != 0
}

// Int returns the first element as an int32.
func (v Value) Int() int32 {
	f, _ := v.Float64At(0)
	return int32(f)
}

// Double returns the first element as a float64.
func (v Value) Double() float64 {
	f, _ := v.Float64At(0)
	return f
}

// Text returns the first string element, or "" for non-string values.
func (v Value) Text() string {
	s, _ := v.StringAt(0)
	return s
}

// Link returns the referenced node id of a link value.
func (v Value) Link() uuid.UUID {
	var id uuid.UUID
	if v.typ.Kind == KindLink && len(v.raw) >= LinkSize {
		copy(id[:], v.raw)
	}
	return id
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	out := Value{typ: v.typ}
	if v.raw != nil {
		out.raw = append([]byte(nil), v.raw...)
	}
	if v.strs != nil {
		out.strs = append([]string(nil), v.strs...)
	}
	return out
}

// Equal reports whether a and b have the same type and elements.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	if v.typ.Kind == KindString {
		if len(v.strs) != len(o.strs) {
			return false
		}
		for i := range v.strs {
			if v.strs[i] != o.strs[i] {
				return false
			}
		}
		return true
	}
	return bytes.Equal(v.raw, o.raw)
}

// String formats v for logs and tree dumps.
func (v Value) String() string {
	switch v.typ.Kind {
	case KindInvalid:
		return "<invalid>"
	case KindLink:
		if id := v.Link(); id != uuid.Nil {
			return id.String()
		}
		return "<nil>"
	case KindString:
		if v.typ.Shape == Scalar {
			return strconv.Quote(v.Text())
		}
		parts := make([]string, len(v.strs))
		for i, s := range v.strs {
			parts[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	vals := v.Float64s()
	if v.typ.Shape == Scalar && len(vals) == 1 {
		if v.typ.Kind == KindBool {
			return strconv.FormatBool(vals[0] != 0)
		}
		return strconv.FormatFloat(vals[0], 'g', -1, 64)
	}
	parts := make([]string, len(vals))
	for i, f := range vals {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func putElem(k Kind, dst []byte, f float64) {
	switch k {
	case KindBool:
		if f != 0 {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case KindChar:
		dst[0] = byte(int8(f))
	case KindInt:
		binary.LittleEndian.PutUint32(dst, uint32(int32(f)))
	case KindFloat:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
	case KindDouble:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
	case KindWorld:
		if WorldSize == 8 {
			binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
		} else {
			binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
		}
	}
}

func getElem(k Kind, src []byte) float64 {
	switch k {
	case KindBool:
		if src[0] != 0 {
			return 1
		}
		return 0
	case KindChar:
		return float64(int8(src[0]))
	case KindInt:
		return float64(int32(binary.LittleEndian.Uint32(src)))
	case KindFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	case KindDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	case KindWorld:
		if WorldSize == 8 {
			return math.Float64frombits(binary.LittleEndian.Uint64(src))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	}
	return 0
}
