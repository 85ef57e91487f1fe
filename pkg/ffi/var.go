// Package ffi is the foreign function interface of a VRTree host.
//
// Values cross the interface as Var variants. Functions are registered by
// name in a Registry and invoked with a slice of Vars, returning a single
// Var. Event functions run in response to node events and read the
// triggering nodes from the event registers ("__Self", "__Other").
// A Script embeds a Go interpreter whose code calls registered functions
// through the "vrtree" package and can export its own functions.
package ffi

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/orneryd/vrtree/pkg/tree"
	"github.com/orneryd/vrtree/pkg/value"
)

// Kind is the dynamic type of a Var.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindDouble
	KindString
	KindVec2
	KindVec3
	KindVec4
	KindMat3
	KindMat4
	KindSphere
	KindQuat
	KindPlane
	KindRay
	KindAABB
	KindNode
)

var kindNames = [...]string{
	KindNil:    "nil",
	KindBool:   "bool",
	KindInt:    "int",
	KindDouble: "double",
	KindString: "string",
	KindVec2:   "vec2",
	KindVec3:   "vec3",
	KindVec4:   "vec4",
	KindMat3:   "mat3",
	KindMat4:   "mat4",
	KindSphere: "sphere",
	KindQuat:   "quat",
	KindPlane:  "plane",
	KindRay:    "ray",
	KindAABB:   "aabb",
	KindNode:   "node",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// width is the element count of the numeric array kinds.
func (k Kind) width() int {
	switch k {
	case KindVec2:
		return 2
	case KindVec3:
		return 3
	case KindVec4, KindSphere, KindQuat, KindPlane:
		return 4
	case KindRay, KindAABB:
		return 6
	case KindMat3:
		return 9
	case KindMat4:
		return 16
	}
	return 0
}

// ErrType is returned when a Var is read as the wrong kind.
var ErrType = errors.New("ffi: wrong variant type")

// Var is an immutable variant.
type Var struct {
	kind Kind
	b    bool
	i    int
	d    float64
	s    string
	nums []float64
	node uuid.UUID
}

// Nil is the empty variant.
func Nil() Var { return Var{} }

func MakeBool(b bool) Var       { return Var{kind: KindBool, b: b} }
func MakeInt(i int) Var         { return Var{kind: KindInt, i: i} }
func MakeDouble(d float64) Var  { return Var{kind: KindDouble, d: d} }
func MakeString(s string) Var   { return Var{kind: KindString, s: s} }
func MakeVec2(v [2]float64) Var { return makeNums(KindVec2, v[:]) }
func MakeVec3(v [3]float64) Var { return makeNums(KindVec3, v[:]) }
func MakeVec4(v [4]float64) Var { return makeNums(KindVec4, v[:]) }
func MakeMat3(v [9]float64) Var { return makeNums(KindMat3, v[:]) }
func MakeMat4(v [16]float64) Var {
	return makeNums(KindMat4, v[:])
}

// MakeSphere wraps centre xyz and radius.
func MakeSphere(v [4]float64) Var { return makeNums(KindSphere, v[:]) }

// MakeQuat wraps vector xyz and angle.
func MakeQuat(v [4]float64) Var { return makeNums(KindQuat, v[:]) }

// MakePlane wraps normal xyz and distance.
func MakePlane(v [4]float64) Var { return makeNums(KindPlane, v[:]) }

// MakeRay wraps origin xyz and direction xyz.
func MakeRay(v [6]float64) Var { return makeNums(KindRay, v[:]) }

// MakeAABB wraps min xyz and max xyz.
func MakeAABB(v [6]float64) Var { return makeNums(KindAABB, v[:]) }

func makeNums(k Kind, v []float64) Var {
	return Var{kind: k, nums: append([]float64(nil), v...)}
}

// MakeNode wraps a node. The Var refers to the node by UUID and stays
// valid after n is closed.
func MakeNode(s *tree.Store, n *tree.Node) (Var, error) {
	id, err := s.UUID(n)
	if err != nil {
		return Var{}, err
	}
	return Var{kind: KindNode, node: id}, nil
}

// Kind returns the variant's type.
func (v Var) Kind() Kind { return v.kind }

// IsNil reports whether v is the empty variant.
func (v Var) IsNil() bool { return v.kind == KindNil }

func (v Var) want(k Kind) error {
	if v.kind != k {
		return fmt.Errorf("%w: %s, want %s", ErrType, v.kind, k)
	}
	return nil
}

func (v Var) Bool() (bool, error) { return v.b, v.want(KindBool) }

// Int returns an int variant, truncating a double.
func (v Var) Int() (int, error) {
	if v.kind == KindDouble {
		return int(v.d), nil
	}
	return v.i, v.want(KindInt)
}

// Double returns a double variant, widening an int.
func (v Var) Double() (float64, error) {
	if v.kind == KindInt {
		return float64(v.i), nil
	}
	return v.d, v.want(KindDouble)
}

func (v Var) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprint(v.b)
	case KindInt:
		return fmt.Sprint(v.i)
	case KindDouble:
		return fmt.Sprint(v.d)
	case KindString:
		return v.s
	case KindNode:
		return "node(" + v.node.String() + ")"
	}
	return fmt.Sprintf("%s%v", v.kind, v.nums)
}

// Str returns a string variant.
func (v Var) Str() (string, error) { return v.s, v.want(KindString) }

// Floats returns the elements of a numeric array variant of kind k.
func (v Var) Floats(k Kind) ([]float64, error) {
	if err := v.want(k); err != nil {
		return nil, err
	}
	return append([]float64(nil), v.nums...), nil
}

func (v Var) Vec2() (out [2]float64, err error) { return out, v.copyTo(KindVec2, out[:]) }
func (v Var) Vec3() (out [3]float64, err error) { return out, v.copyTo(KindVec3, out[:]) }
func (v Var) Vec4() (out [4]float64, err error) { return out, v.copyTo(KindVec4, out[:]) }
func (v Var) Mat3() (out [9]float64, err error) { return out, v.copyTo(KindMat3, out[:]) }
func (v Var) Mat4() (out [16]float64, err error) {
	return out, v.copyTo(KindMat4, out[:])
}
func (v Var) Sphere() (out [4]float64, err error) { return out, v.copyTo(KindSphere, out[:]) }
func (v Var) Quat() (out [4]float64, err error)   { return out, v.copyTo(KindQuat, out[:]) }
func (v Var) Plane() (out [4]float64, err error)  { return out, v.copyTo(KindPlane, out[:]) }
func (v Var) Ray() (out [6]float64, err error)    { return out, v.copyTo(KindRay, out[:]) }
func (v Var) AABB() (out [6]float64, err error)   { return out, v.copyTo(KindAABB, out[:]) }

func (v Var) copyTo(k Kind, out []float64) error {
	if err := v.want(k); err != nil {
		return err
	}
	copy(out, v.nums)
	return nil
}

// NodeID returns the UUID of a node variant.
func (v Var) NodeID() (uuid.UUID, error) { return v.node, v.want(KindNode) }

// Node opens a new handle to the node of a node variant.
func (v Var) Node(s *tree.Store) (*tree.Node, error) {
	if err := v.want(KindNode); err != nil {
		return nil, err
	}
	return s.NodeFromUUID(v.node)
}

// Any returns v as a plain Go value: nil, bool, int, float64, string,
// a float64 array of the kind's width, or a uuid.UUID for nodes.
func (v Var) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindDouble:
		return v.d
	case KindString:
		return v.s
	case KindNode:
		return v.node
	case KindVec2:
		return [2]float64(v.nums)
	case KindVec3:
		return [3]float64(v.nums)
	case KindVec4, KindSphere, KindQuat, KindPlane:
		return [4]float64(v.nums)
	case KindRay, KindAABB:
		return [6]float64(v.nums)
	case KindMat3:
		return [9]float64(v.nums)
	case KindMat4:
		return [16]float64(v.nums)
	}
	return nil
}

// FromAny wraps a plain Go value. Fixed float64 arrays map to vectors and
// matrices; six element arrays are ambiguous and must be built with
// MakeRay or MakeAABB.
func FromAny(x any) (Var, error) {
	switch t := x.(type) {
	case nil:
		return Nil(), nil
	case Var:
		return t, nil
	case bool:
		return MakeBool(t), nil
	case int:
		return MakeInt(t), nil
	case int32:
		return MakeInt(int(t)), nil
	case int64:
		return MakeInt(int(t)), nil
	case float32:
		return MakeDouble(float64(t)), nil
	case float64:
		return MakeDouble(t), nil
	case string:
		return MakeString(t), nil
	case uuid.UUID:
		return Var{kind: KindNode, node: t}, nil
	case [2]float64:
		return MakeVec2(t), nil
	case [3]float64:
		return MakeVec3(t), nil
	case [4]float64:
		return MakeVec4(t), nil
	case [9]float64:
		return MakeMat3(t), nil
	case [16]float64:
		return MakeMat4(t), nil
	}
	return Var{}, fmt.Errorf("%w: cannot wrap %T", ErrType, x)
}

var semanticKinds = map[value.Semantic]Kind{
	value.SemVec2:    KindVec2,
	value.SemVec3:    KindVec3,
	value.SemVec4:    KindVec4,
	value.SemMat3:    KindMat3,
	value.SemMat4:    KindMat4,
	value.SemMat4_2D: KindMat4,
	value.SemSphere:  KindSphere,
	value.SemQuat:    KindQuat,
	value.SemPlane:   KindPlane,
	value.SemRay:     KindRay,
	value.SemAABB:    KindAABB,
}

// FromValue converts a scalar or geometric property value.
func FromValue(pv value.Value) (Var, error) {
	t := pv.Type()
	if t.Shape == value.Scalar {
		switch t.Kind {
		case value.KindBool:
			return MakeBool(pv.Float64s()[0] != 0), nil
		case value.KindChar, value.KindInt:
			return MakeInt(int(pv.Float64s()[0])), nil
		case value.KindFloat, value.KindDouble, value.KindWorld:
			return MakeDouble(pv.Float64s()[0]), nil
		case value.KindString:
			return MakeString(pv.Strings()[0]), nil
		case value.KindLink:
			if id := pv.Link(); id != uuid.Nil {
				return Var{kind: KindNode, node: id}, nil
			}
			return Nil(), nil
		}
	}
	if k, ok := semanticKinds[t.Semantic]; ok && t.Shape == value.Fixed && t.Kind.Numeric() {
		return makeNums(k, pv.Float64s()), nil
	}
	return Var{}, fmt.Errorf("%w: no variant for %s", ErrType, t)
}

// Value converts v into a value of type t.
func (v Var) Value(t value.Type) (value.Value, error) {
	switch v.kind {
	case KindNil:
		return value.Zero(t), nil
	case KindString:
		return value.FromStrings(t, []string{v.s})
	case KindNode:
		if t.Kind != value.KindLink {
			return value.Value{}, fmt.Errorf("%w: node into %s", ErrType, t)
		}
		return value.NewLink(v.node), nil
	case KindBool:
		f := 0.0
		if v.b {
			f = 1
		}
		return value.FromFloat64s(t, []float64{f})
	case KindInt:
		return value.FromFloat64s(t, []float64{float64(v.i)})
	case KindDouble:
		return value.FromFloat64s(t, []float64{v.d})
	}
	return value.FromFloat64s(t, v.nums)
}
