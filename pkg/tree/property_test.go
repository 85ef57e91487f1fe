package tree

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vrtree/pkg/value"
)

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	root := scenes(t, s)
	w := mustCreate(t, s, root, "Widget", "w1")

	changed := 0
	s.OnValuesChanged("Widget", func(n *Node, _ any) {
		changed++
		assert.True(t, s.IsSameNode(w, n))
	}, nil)

	assert.False(t, s.IsDirty(w, Name("count")))
	require.NoError(t, s.SetInt(w, Name("count"), 7))

	got, err := s.GetInt(w, Name("count"))
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)
	assert.True(t, s.IsDirty(w, Name("count")))
	assert.False(t, s.IsDirty(w, Name("label")))
	assert.True(t, s.IsNodeDirty(w))
	assert.Equal(t, 1, changed)

	t.Run("by_index", func(t *testing.T) {
		idx := s.PropertyOf("Widget", "count")
		require.NotEqual(t, InvalidIndex, idx)
		got, err := s.GetInt(w, idx)
		require.NoError(t, err)
		assert.Equal(t, int32(7), got)

		_, err = s.GetInt(w, PropertyIndex(99))
		assert.ErrorIs(t, err, ErrInvalidProperty)
	})

	t.Run("unknown_property", func(t *testing.T) {
		_, err := s.GetInt(w, Name("nope"))
		assert.ErrorIs(t, err, ErrInvalidProperty)
		assert.ErrorIs(t, s.SetInt(w, Name("nope"), 1), ErrInvalidProperty)
	})

	t.Run("wrong_accessor", func(t *testing.T) {
		_, err := s.GetString(w, Name("count"))
		assert.ErrorIs(t, err, ErrInvalidProperty)
		assert.ErrorIs(t, s.SetString(w, Name("count"), "x"), ErrInvalidParameter)
		_, err = s.GetInt(w, Name("label"))
		assert.ErrorIs(t, err, ErrInvalidProperty)
	})

	t.Run("numeric_conversion", func(t *testing.T) {
		require.NoError(t, s.SetDouble(w, Name("count"), 3.0))
		got, err := s.GetInt(w, Name("count"))
		require.NoError(t, err)
		assert.Equal(t, int32(3), got)

		assert.ErrorIs(t, s.SetValue(w, Name("label"), value.NewInt(3)), ErrInvalidParameter)
	})

	t.Run("strings", func(t *testing.T) {
		require.NoError(t, s.SetString(w, Name("label"), "hello"))
		got, err := s.GetString(w, Name("label"))
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("value_copy", func(t *testing.T) {
		v, err := s.GetValue(w, Name("count"))
		require.NoError(t, err)
		assert.Equal(t, value.Int, v.Type())
	})
}

func TestRawAccess(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	root := scenes(t, s)
	w := mustCreate(t, s, root, "Widget", "w1")
	require.NoError(t, s.SetInt(w, Name("count"), 7))

	size, err := s.PropertySize(w, Name("count"))
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	t.Run("size_query", func(t *testing.T) {
		s.ClearLastError()
		n, err := s.ReadProperty(w, Name("count"), nil)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, OK, s.LastError())

		n, err = s.ReadProperty(w, Name("count"), []byte{})
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, OK, s.LastError())
	})

	t.Run("short_buffer", func(t *testing.T) {
		n, err := s.ReadProperty(w, Name("count"), make([]byte, 2))
		assert.ErrorIs(t, err, ErrInvalidParameter)
		assert.Equal(t, 4, n)
	})

	t.Run("round_trip", func(t *testing.T) {
		buf := make([]byte, 4)
		n, err := s.ReadProperty(w, Name("count"), buf)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf))

		binary.LittleEndian.PutUint32(buf, 11)
		require.NoError(t, s.WriteProperty(w, Name("count"), buf))
		got, err := s.GetInt(w, Name("count"))
		require.NoError(t, err)
		assert.Equal(t, int32(11), got)
	})

	t.Run("world_accepts_either_width", func(t *testing.T) {
		buf := make([]byte, 12)
		for i, f := range []float32{1, 2, 3} {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		require.NoError(t, s.WriteProperty(w, Name("pos"), buf))
		got, err := s.GetVec3(w, Name("pos"))
		require.NoError(t, err)
		assert.Equal(t, [3]float64{1, 2, 3}, got)
	})

	t.Run("bad_size", func(t *testing.T) {
		assert.ErrorIs(t, s.WriteProperty(w, Name("count"), []byte{1}), ErrInvalidParameter)
	})

	t.Run("bytes_are_a_copy", func(t *testing.T) {
		b, err := s.PropertyBytes(w, Name("count"))
		require.NoError(t, err)
		b[0] = 0xff
		got, _ := s.GetInt(w, Name("count"))
		assert.Equal(t, int32(11), got)
	})
}

func TestArrays(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	root := scenes(t, s)
	w := mustCreate(t, s, root, "Widget", "w1")

	n, err := s.ArrayLen(w, Name("weights"))
	require.NoError(t, err)
	assert.Zero(t, n)

	t.Run("element_out_of_range", func(t *testing.T) {
		assert.ErrorIs(t, s.SetElement(w, Name("weights"), 3, 1), ErrInvalidParameter)
		_, err := s.GetStringElement(w, Name("tags"), 0)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("resize", func(t *testing.T) {
		require.NoError(t, s.Resize(w, Name("weights"), 3))
		require.NoError(t, s.SetElement(w, Name("weights"), 2, 0.5))
		got, err := s.GetFloats(w, Name("weights"))
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0, 0.5}, got)

		require.NoError(t, s.Resize(w, Name("weights"), 1))
		n, _ := s.ArrayLen(w, Name("weights"))
		assert.Equal(t, 1, n)

		assert.ErrorIs(t, s.Resize(w, Name("pos"), 4), ErrInvalidParameter)
	})

	t.Run("strings", func(t *testing.T) {
		require.NoError(t, s.SetStrings(w, Name("tags"), []string{"a", "b"}))
		require.NoError(t, s.SetStringElement(w, Name("tags"), 1, "c"))
		got, err := s.GetStrings(w, Name("tags"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, got)
		e, err := s.GetStringElement(w, Name("tags"), 0)
		require.NoError(t, err)
		assert.Equal(t, "a", e)
	})

	t.Run("fixed_size_is_enforced", func(t *testing.T) {
		assert.ErrorIs(t, s.SetFloat64s(w, Name("pos"), []float64{1, 2}), ErrInvalidParameter)
		require.NoError(t, s.SetFloat64s(w, Name("pos"), []float64{4, 5, 6}))
		x, err := s.GetElement(w, Name("pos"), 1)
		require.NoError(t, err)
		assert.Equal(t, 5.0, x)
	})
}

func TestReadOnlyProperty(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s, func(b *MetaNode) {
		_, err := b.s.AddProperty(b, "serial", value.Int, WithFlags(PropReadOnly))
		require.NoError(t, err)
	})
	root := scenes(t, s)
	w := mustCreate(t, s, root, "Widget", "w1")

	assert.ErrorIs(t, s.SetInt(w, Name("serial"), 1, UserChange), ErrNotAllowed)
	require.NoError(t, s.SetInt(w, Name("serial"), 2))
	got, _ := s.GetInt(w, Name("serial"))
	assert.Equal(t, int32(2), got)
}

func TestLinks(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	registerSimple(t, s, "Group", 0)
	b, err := s.CreateMetaNode("Holder")
	require.NoError(t, err)
	_, err = s.AddProperty(b, "ref", value.Link, WithLinkFilter("Widget"))
	require.NoError(t, err)
	m, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	m.Close()

	root := scenes(t, s)
	h := mustCreate(t, s, root, "Holder", "h")
	w := mustCreate(t, s, root, "Widget", "w")
	g := mustCreate(t, s, root, "Group", "g")

	got, err := s.GetLink(h, Name("ref"))
	require.NoError(t, err)
	assert.Nil(t, got, "empty link")

	assert.ErrorIs(t, s.SetLink(h, Name("ref"), g), ErrInvalidParameter)
	require.NoError(t, s.SetLink(h, Name("ref"), w))

	got, err = s.GetLink(h, Name("ref"))
	require.NoError(t, err)
	assert.True(t, s.IsSameNode(w, got))
	got.Close()

	id, err := s.LinkID(h, Name("ref"))
	require.NoError(t, err)
	assert.Equal(t, w.ID(), id)

	require.NoError(t, s.DeleteNode(w))
	got, err = s.GetLink(h, Name("ref"))
	require.NoError(t, err)
	assert.Nil(t, got, "dangling links resolve to nothing")

	require.NoError(t, s.SetLink(h, Name("ref"), nil), "clearing is always allowed")
}

func TestByPost(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	root := scenes(t, s)
	w := mustCreate(t, s, root, "Widget", "w1")
	gone := mustCreate(t, s, root, "Widget", "gone")

	changed := 0
	s.OnValuesChanged("", func(*Node, any) { changed++ }, nil)
	var ticks []float64
	s.OnUpdate(func(dt float64, _ any) {
		ticks = append(ticks, dt)
		assert.Zero(t, s.PendingPosts(), "posted sets run before update observers")
	}, nil)

	require.NoError(t, s.SetInt(w, Name("count"), 9, ByPost))
	require.NoError(t, s.SetInt(gone, Name("count"), 9, ByPost))
	assert.Equal(t, 2, s.PendingPosts())
	got, _ := s.GetInt(w, Name("count"))
	assert.Equal(t, int32(5), got, "deferred until Update")
	assert.Zero(t, changed)

	require.NoError(t, s.DeleteNode(gone))
	s.Update(0.5)

	got, _ = s.GetInt(w, Name("count"))
	assert.Equal(t, int32(9), got)
	assert.Equal(t, 1, changed, "the set on the deleted node is dropped")
	assert.Equal(t, []float64{0.5}, ticks)

	t.Run("validation_is_immediate", func(t *testing.T) {
		assert.ErrorIs(t, s.SetString(w, Name("count"), "x", ByPost), ErrInvalidParameter)
		assert.Zero(t, s.PendingPosts())
	})
}

func TestEnums(t *testing.T) {
	s := newTestStore(t)
	b, err := s.CreateMetaNode("Light")
	require.NoError(t, err)
	_, err = s.AddProperty(b, "mode", value.Int)
	require.NoError(t, err)
	for i, name := range []string{"Off", "On", "Blink"} {
		require.NoError(t, s.AddSymbol(b, name, int32(i)))
	}
	m, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	m.Close()

	root := scenes(t, s)
	l := mustCreate(t, s, root, "Light", "l")

	got, err := s.GetEnum(l, Name("mode"))
	require.NoError(t, err)
	assert.Equal(t, "Off", got)

	require.NoError(t, s.SetEnum(l, Name("mode"), "Blink"))
	got, err = s.GetEnum(l, Name("mode"))
	require.NoError(t, err)
	assert.Equal(t, "Blink", got)
	assert.True(t, s.IsEnumValue(l, Name("mode"), "Blink"))
	assert.False(t, s.IsEnumValue(l, Name("mode"), "On"))
	assert.False(t, s.IsEnumValue(l, Name("mode"), "Nope"))

	assert.ErrorIs(t, s.SetEnum(l, Name("mode"), "Nope"), ErrInvalidParameter)

	require.NoError(t, s.SetInt(l, Name("mode"), 42))
	_, err = s.GetEnum(l, Name("mode"))
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestNodeSpy(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	registerSimple(t, s, "Spy", NodeSpy)
	registerSimple(t, s, "Group", 0)
	root := scenes(t, s)

	spy := mustCreate(t, s, root, "Spy", "spy")
	g := mustCreate(t, s, spy, "Group", "g")
	w := mustCreate(t, s, g, "Widget", "w")

	assert.False(t, s.IsNodeDirty(spy))
	require.NoError(t, s.SetInt(w, Name("count"), 1))
	assert.True(t, s.IsNodeDirty(spy))
	assert.False(t, s.IsNodeDirty(g), "only NodeSpy ancestors are marked")

	require.NoError(t, s.ClearDirty(spy, false))
	assert.False(t, s.IsNodeDirty(spy))
	assert.True(t, s.IsNodeDirty(w))

	require.NoError(t, s.SetInt(w, Name("count"), 2))
	require.NoError(t, s.ClearDirty(spy, true))
	assert.False(t, s.IsNodeDirty(spy))
	assert.False(t, s.IsNodeDirty(w))
}

func TestGeometry(t *testing.T) {
	s := newTestStore(t)
	b, err := s.CreateMetaNode("Shape")
	require.NoError(t, err)
	for _, p := range []struct {
		name string
		typ  value.Type
	}{
		{"p2", value.Vec2f},
		{"p4", value.Vec4d},
		{"rot", value.Mat3d},
		{"m", value.Mat4f},
		{"bounds", value.Sphere},
		{"q", value.Quat},
		{"plane", value.Plane},
		{"ray", value.Ray},
		{"box", value.AABB},
		{"color", value.RGB},
		{"tint", value.RGBA},
	} {
		_, err := s.AddProperty(b, p.name, p.typ)
		require.NoError(t, err, p.name)
	}
	m, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	m.Close()
	root := scenes(t, s)
	n := mustCreate(t, s, root, "Shape", "n")

	require.NoError(t, s.SetVec2(n, Name("p2"), [2]float64{1, 2}))
	v2, err := s.GetVec2(n, Name("p2"))
	require.NoError(t, err)
	assert.Equal(t, [2]float64{1, 2}, v2)

	require.NoError(t, s.SetVec4(n, Name("p4"), [4]float64{1, 2, 3, 4}))
	v4, err := s.GetVec4(n, Name("p4"))
	require.NoError(t, err)
	assert.Equal(t, [4]float64{1, 2, 3, 4}, v4)

	rot := [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	require.NoError(t, s.SetMat3(n, Name("rot"), rot))
	gotRot, err := s.GetMat3(n, Name("rot"))
	require.NoError(t, err)
	assert.Equal(t, rot, gotRot)

	require.NoError(t, s.SetMat4(n, Name("m"), identity4))
	gotM, err := s.GetMat4(n, Name("m"))
	require.NoError(t, err)
	assert.Equal(t, identity4, gotM)

	require.NoError(t, s.SetSphere(n, Name("bounds"), [4]float64{0, 0, 0, 2}))
	sp, err := s.GetSphere(n, Name("bounds"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, sp[3])

	require.NoError(t, s.SetQuat(n, Name("q"), [4]float64{0, 0, 0, 1}))
	require.NoError(t, s.SetPlane(n, Name("plane"), [4]float64{0, 1, 0, 0}))
	require.NoError(t, s.SetRay(n, Name("ray"), [6]float64{0, 0, 0, 0, 0, -1}))
	require.NoError(t, s.SetAABB(n, Name("box"), [6]float64{-1, -1, -1, 1, 1, 1}))
	box, err := s.GetAABB(n, Name("box"))
	require.NoError(t, err)
	assert.Equal(t, [6]float64{-1, -1, -1, 1, 1, 1}, box)

	require.NoError(t, s.SetRGB(n, Name("color"), [3]float64{0.5, 0.25, 1}))
	c, err := s.GetRGB(n, Name("color"))
	require.NoError(t, err)
	assert.Equal(t, [3]float64{0.5, 0.25, 1}, c)
	require.NoError(t, s.SetRGBA(n, Name("tint"), [4]float64{1, 1, 1, 0.5}))

	t.Run("semantic_mismatch", func(t *testing.T) {
		_, err := s.GetVec4(n, Name("q"))
		assert.ErrorIs(t, err, ErrInvalidProperty)
		assert.ErrorIs(t, s.SetRGB(n, Name("p2"), [3]float64{}), ErrInvalidParameter)
		_, err = s.GetQuat(n, Name("tint"))
		assert.ErrorIs(t, err, ErrInvalidProperty)
	})
}

func translation(x, y, z float64) [16]float64 {
	m := identity4
	m[12], m[13], m[14] = x, y, z
	return m
}

func TestWorldTransform(t *testing.T) {
	s := newTestStore(t)
	registerSimple(t, s, "Group", 0)

	b, err := s.CreateMetaNode("Xform")
	require.NoError(t, err)
	id, err := value.FromFloat64s(value.Mat4d, identity4[:])
	require.NoError(t, err)
	_, err = s.AddProperty(b, "matrix", value.Mat4d, WithDefault(id))
	require.NoError(t, err)
	require.NoError(t, s.AddTraitEx(b, TraitTransform, 0))
	m, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	m.Close()

	root := scenes(t, s)
	parent := mustCreate(t, s, root, "Xform", "parent")
	group := mustCreate(t, s, parent, "Group", "plain")
	child := mustCreate(t, s, group, "Xform", "child")

	require.NoError(t, s.SetMat4(parent, Name("matrix"), translation(1, 2, 3)))
	require.NoError(t, s.SetMat4(child, Name("matrix"), translation(10, 0, 0)))

	world, err := s.WorldTransform(child)
	require.NoError(t, err)
	assert.Equal(t, translation(11, 2, 3), world)

	world, err = s.WorldTransform(group)
	require.NoError(t, err)
	assert.Equal(t, translation(1, 2, 3), world, "nodes without a transform inherit")
}
