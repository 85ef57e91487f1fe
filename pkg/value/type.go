// Package value provides the typed cells that back node properties.
//
// Every property of a metanode is described by a Type (element kind, shape,
// element count and an optional semantic tag) and every node stores one Value
// per property. Values are held in their raw little-endian wire form so that
// byte-level access (Read/FromBytes) is a copy, and typed access is a
// projection over the same bytes.
//
// Shapes:
//   - Scalar: exactly one element (bool, int, string, link, ...)
//   - Fixed: a fixed number of elements (vec3f, mat4d, array<int>[8], ...)
//   - Vector: a resizable sequence (vector<char>, vector<string>, ...)
//
// World precision:
//
// The World kind is a float whose width is chosen at build time. The default
// build stores 64-bit world floats; building with the vrtree_world32 tag
// switches to 32-bit. Byte-level setters accept either width for world
// kinds and coerce transparently.
//
// Example:
//
//	v := value.NewInt(5)
//	buf := make([]byte, v.Size())
//	v.Read(buf)
//
//	p, err := value.FromBytes(value.Int, buf)
package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the element kind of a property value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindChar
	KindInt
	KindFloat
	KindDouble
	KindWorld
	KindString
	KindLink
)

var kindNames = map[Kind]string{
	KindInvalid: "invalid",
	KindBool:    "bool",
	KindChar:    "char",
	KindInt:     "int",
	KindFloat:   "float",
	KindDouble:  "double",
	KindWorld:   "world",
	KindString:  "string",
	KindLink:    "link",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ElemSize returns the byte width of one element. Strings are variable
// width and report 0.
func (k Kind) ElemSize() int {
	switch k {
	case KindBool, KindChar:
		return 1
	case KindInt, KindFloat:
		return 4
	case KindDouble:
		return 8
	case KindWorld:
		return WorldSize
	case KindLink:
		return LinkSize
	}
	return 0
}

// Numeric reports whether elements of the kind convert to and from float64.
func (k Kind) Numeric() bool {
	switch k {
	case KindBool, KindChar, KindInt, KindFloat, KindDouble, KindWorld:
		return true
	}
	return false
}

// LinkSize is the byte width of a link element (a 128-bit node id).
const LinkSize = 16

// Shape describes how many elements a value holds.
type Shape uint8

const (
	Scalar Shape = iota
	Fixed
	Vector
)

// Semantic tags a type with a well-known meaning. Tags never change storage,
// only naming and which typed accessors apply.
type Semantic uint8

const (
	SemNone Semantic = iota
	SemVec2
	SemVec3
	SemVec4
	SemMat3
	SemMat4
	SemMat4_2D
	SemSphere
	SemQuat
	SemPlane
	SemRay
	SemAABB
	SemRGB
	SemRGBA
	SemArray
	SemFile
	SemStream
)

// Type fully describes the storage of a property value.
type Type struct {
	Kind     Kind
	Shape    Shape
	Count    int // element count for Fixed shapes
	Semantic Semantic
}

// Common types.
var (
	Invalid = Type{}
	Bool    = Type{Kind: KindBool}
	Char    = Type{Kind: KindChar}
	Int     = Type{Kind: KindInt}
	Float   = Type{Kind: KindFloat}
	Double  = Type{Kind: KindDouble}
	World   = Type{Kind: KindWorld}
	String  = Type{Kind: KindString}
	Link    = Type{Kind: KindLink}
	File    = Type{Kind: KindString, Semantic: SemFile}
	Stream  = Type{Kind: KindString, Semantic: SemStream}

	Vec2i = fixed(KindInt, 2, SemVec2)
	Vec2f = fixed(KindFloat, 2, SemVec2)
	Vec2d = fixed(KindDouble, 2, SemVec2)
	Vec2w = fixed(KindWorld, 2, SemVec2)
	Vec3i = fixed(KindInt, 3, SemVec3)
	Vec3f = fixed(KindFloat, 3, SemVec3)
	Vec3d = fixed(KindDouble, 3, SemVec3)
	Vec3w = fixed(KindWorld, 3, SemVec3)
	Vec4i = fixed(KindInt, 4, SemVec4)
	Vec4f = fixed(KindFloat, 4, SemVec4)
	Vec4d = fixed(KindDouble, 4, SemVec4)
	Vec4w = fixed(KindWorld, 4, SemVec4)

	Mat3f   = fixed(KindFloat, 9, SemMat3)
	Mat3d   = fixed(KindDouble, 9, SemMat3)
	Mat3w   = fixed(KindWorld, 9, SemMat3)
	Mat4f   = fixed(KindFloat, 16, SemMat4)
	Mat4d   = fixed(KindDouble, 16, SemMat4)
	Mat4w   = fixed(KindWorld, 16, SemMat4)
	Mat4w2D = fixed(KindWorld, 16, SemMat4_2D)

	Sphere = fixed(KindWorld, 4, SemSphere)
	Quat   = fixed(KindDouble, 4, SemQuat)
	Plane  = fixed(KindWorld, 4, SemPlane)
	Ray    = fixed(KindWorld, 6, SemRay)
	AABB   = fixed(KindWorld, 6, SemAABB)
	RGB    = fixed(KindFloat, 3, SemRGB)
	RGBA   = fixed(KindFloat, 4, SemRGBA)
)

func fixed(k Kind, n int, s Semantic) Type {
	return Type{Kind: k, Shape: Fixed, Count: n, Semantic: s}
}

// ArrayOf returns a fixed-size array type of n elements.
func ArrayOf(k Kind, n int) Type {
	return Type{Kind: k, Shape: Fixed, Count: n, Semantic: SemArray}
}

// VectorOf returns a resizable vector type.
func VectorOf(k Kind) Type {
	return Type{Kind: k, Shape: Vector}
}

// Valid reports whether t describes a storable type.
func (t Type) Valid() bool {
	if t.Kind == KindInvalid || t.Kind > KindLink {
		return false
	}
	switch t.Shape {
	case Scalar:
		return t.Count == 0
	case Fixed:
		return t.Count > 0 && t.Kind != KindLink
	case Vector:
		return t.Count == 0 && t.Kind != KindLink
	}
	return false
}

// Equal compares two types for storage equality. Semantic tags are
// compared as well, so a vec3f is not a rgb.
func (t Type) Equal(o Type) bool {
	return t == o
}

// Elems returns the number of elements a default value of t holds.
func (t Type) Elems() int {
	switch t.Shape {
	case Scalar:
		return 1
	case Fixed:
		return t.Count
	}
	return 0
}

var fixedNames = map[string]Type{
	"vec2i": Vec2i, "vec2f": Vec2f, "vec2d": Vec2d, "vec2w": Vec2w,
	"vec3i": Vec3i, "vec3f": Vec3f, "vec3d": Vec3d, "vec3w": Vec3w,
	"vec4i": Vec4i, "vec4f": Vec4f, "vec4d": Vec4d, "vec4w": Vec4w,
	"mat3f": Mat3f, "mat3d": Mat3d, "mat3w": Mat3w,
	"mat4f": Mat4f, "mat4d": Mat4d, "mat4w": Mat4w, "mat4w2d": Mat4w2D,
	"sphere": Sphere, "quat": Quat, "plane": Plane, "ray": Ray, "aabb": AABB,
	"rgb": RGB, "rgba": RGBA,
	"file": File, "stream": Stream,
}

var typeNames = func() map[Type]string {
	m := make(map[Type]string, len(fixedNames))
	for n, t := range fixedNames {
		m[t] = n
	}
	return m
}()

// String returns the canonical type name used by file formats and schema
// dumps, e.g. "int", "vec3w", "array<float>[4]", "vector<string>".
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	switch t.Shape {
	case Scalar:
		return t.Kind.String()
	case Fixed:
		return fmt.Sprintf("array<%s>[%d]", t.Kind, t.Count)
	case Vector:
		return fmt.Sprintf("vector<%s>", t.Kind)
	}
	return "invalid"
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if t, ok := fixedNames[s]; ok {
		return t, nil
	}
	if k, ok := parseKind(s); ok {
		return Type{Kind: k}, nil
	}
	if rest, ok := strings.CutPrefix(s, "vector<"); ok {
		name, ok := strings.CutSuffix(rest, ">")
		if k, kok := parseKind(name); ok && kok {
			t := VectorOf(k)
			if t.Valid() {
				return t, nil
			}
		}
	}
	if rest, ok := strings.CutPrefix(s, "array<"); ok {
		name, count, found := strings.Cut(rest, ">[")
		count, cok := strings.CutSuffix(count, "]")
		if k, kok := parseKind(name); found && cok && kok {
			n, err := strconv.Atoi(count)
			if err == nil {
				t := ArrayOf(k, n)
				if t.Valid() {
					return t, nil
				}
			}
		}
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

func parseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s && k != KindInvalid {
			return k, true
		}
	}
	return KindInvalid, false
}
