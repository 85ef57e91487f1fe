package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vrtree/pkg/value"
)

func TestMetaNodeLifecycle(t *testing.T) {
	s := newTestStore(t)

	b, err := s.CreateMetaNode("Lamp")
	require.NoError(t, err)
	assert.False(t, b.Published())
	assert.Equal(t, 0, b.Version())

	idx, err := s.AddProperty(b, "power", value.Float, WithRange([]float64{0}, []float64{100}))
	require.NoError(t, err)
	assert.Equal(t, PropertyIndex(0), idx)

	lamp, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	defer lamp.Close()
	assert.False(t, b.Valid(), "builder handle is invalid after finish")
	assert.True(t, lamp.Published())
	assert.Equal(t, "Lamp", lamp.Name())

	t.Run("published_metanode_is_immutable", func(t *testing.T) {
		_, err := s.AddProperty(lamp, "colour", value.RGB)
		assert.ErrorIs(t, err, ErrInvalidMetanode)
		assert.ErrorIs(t, s.AddTrait(lamp, "light"), ErrInvalidMetanode)
	})

	t.Run("published_metanode_cannot_be_deleted", func(t *testing.T) {
		assert.ErrorIs(t, s.DeleteMetaNode(lamp), ErrNotAllowed)
	})

	t.Run("duplicate_name", func(t *testing.T) {
		_, err := s.CreateMetaNode("Lamp")
		assert.ErrorIs(t, err, ErrInvalidMetanode)
	})

	t.Run("lookup_returns_current", func(t *testing.T) {
		m, err := s.MetaNodeByName("Lamp")
		require.NoError(t, err)
		defer m.Close()
		assert.Equal(t, 0, m.Version())
		assert.Equal(t, 1, s.PropertiesCount(m))
		info, err := s.PropertyInfo(m, Name("power"))
		require.NoError(t, err)
		assert.Equal(t, []float64{100}, info.Max)
		assert.Contains(t, s.MetaNodeNames(), "Lamp")
	})
}

func TestDeleteBuilder(t *testing.T) {
	s := newTestStore(t)

	b, err := s.CreateMetaNode("Scratch")
	require.NoError(t, err)
	require.NoError(t, s.DeleteMetaNode(b))
	assert.False(t, b.Valid())

	// the name is free again
	b2, err := s.CreateMetaNode("Scratch")
	require.NoError(t, err)
	_, err = s.FinishMetaNode(b2)
	require.NoError(t, err)
}

func TestClosedBuilderFreesName(t *testing.T) {
	s := newTestStore(t)

	b, err := s.CreateMetaNode("Draft")
	require.NoError(t, err)
	_, err = s.AddProperty(b, "x", value.Int)
	require.NoError(t, err)
	b.Close()
	assert.False(t, b.Valid())
	assert.NotContains(t, s.MetaNodeNames(), "Draft")

	b2, err := s.CreateMetaNode("Draft")
	require.NoError(t, err)
	m, err := s.FinishMetaNode(b2)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 0, s.PropertiesCount(m), "the closed builder's properties are gone")

	t.Run("closing_published_handle_keeps_name", func(t *testing.T) {
		m.Close()
		again, err := s.MetaNodeByName("Draft")
		require.NoError(t, err)
		again.Close()
		_, err = s.CreateMetaNode("Draft")
		assert.ErrorIs(t, err, ErrInvalidMetanode)
	})

	t.Run("copy_builder_close_keeps_name", func(t *testing.T) {
		pub, err := s.MetaNodeByName("Draft")
		require.NoError(t, err)
		defer pub.Close()
		cp, err := s.CopyMetaNode(pub, 1)
		require.NoError(t, err)
		cp.Close()
		_, err = s.MetaNodeByName("Draft")
		assert.NoError(t, err)
	})
}

func TestAddProperty(t *testing.T) {
	s := newTestStore(t)
	b, err := s.CreateMetaNode("Thing")
	require.NoError(t, err)

	t.Run("default_is_converted", func(t *testing.T) {
		_, err := s.AddProperty(b, "scale", value.Double, WithDefault(value.NewInt(2)))
		require.NoError(t, err)
	})

	t.Run("duplicate_property", func(t *testing.T) {
		_, err := s.AddProperty(b, "scale", value.Double)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("invalid_type", func(t *testing.T) {
		_, err := s.AddProperty(b, "bad", value.Type{Kind: value.KindLink, Shape: value.Vector})
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("range_must_match_elements", func(t *testing.T) {
		_, err := s.AddProperty(b, "offset", value.Vec2f, WithRange([]float64{0}, []float64{1}))
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("default_of_wrong_kind", func(t *testing.T) {
		_, err := s.AddProperty(b, "title", value.String, WithDefault(value.NewInt(1)))
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	require.NoError(t, s.SetPropertyFlag(b, "scale", PropReadOnly, true))
	require.NoError(t, s.AddSymbol(b, "Small", 1))
	assert.ErrorIs(t, s.AddSymbol(b, "Small", 2), ErrInvalidParameter)
	require.NoError(t, s.AddTraitEx(b, "Scalable", 0))
	assert.ErrorIs(t, s.AddTraitEx(b, "Broken", 9), ErrInvalidProperty)
	require.NoError(t, s.AddGuiHint(b, "scale", "step", 0.5))
	assert.ErrorIs(t, s.AddGuiHint(b, "scale", "step", []int{1}), ErrInvalidParameter)

	m, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	defer m.Close()

	props := s.Properties(m)
	require.Len(t, props, 1)
	assert.Equal(t, 2.0, props[0].Default.Double())
	assert.NotZero(t, props[0].Flags&PropReadOnly)
	assert.Equal(t, []GuiHint{{Property: "scale", Name: "step", Value: 0.5}}, props[0].Hints)
	assert.True(t, s.HasTrait(m, "Scalable"))
	assert.Equal(t, []Symbol{{Name: "Small", Value: 1}}, s.Symbols(m))
	assert.Equal(t, PropertyIndex(0), s.PropertyOf("Thing", "scale"))
	assert.Equal(t, InvalidIndex, s.PropertyOf("Thing", "nope"))
}

func TestCopyMetaNode(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	widget, err := s.MetaNodeByName("Widget")
	require.NoError(t, err)
	defer widget.Close()

	t.Run("copy_is_a_mutable_builder", func(t *testing.T) {
		b, err := s.CopyMetaNode(widget, 0)
		require.NoError(t, err)
		assert.False(t, b.Published())
		require.NoError(t, s.ChangePropertyName(b, "count", "quantity"))
		require.NoError(t, s.RemoveProperty(b, "label"))
		require.NoError(t, s.ChangeProperty(b, "pos", value.Vec3d))

		props := s.Properties(b)
		assert.Equal(t, "quantity", props[0].Name)
		assert.Equal(t, PropertyIndex(1), props[1].Index, "later properties are renumbered")
		assert.Equal(t, value.Vec3d, props[1].Type)

		// the source is untouched
		assert.Equal(t, "count", s.Properties(widget)[0].Name)
		require.NoError(t, s.DeleteMetaNode(b))
	})

	t.Run("finishing_a_newer_copy_needs_migrations", func(t *testing.T) {
		b, err := s.CopyMetaNode(widget, 1)
		require.NoError(t, err)
		_, err = s.FinishMetaNode(b)
		assert.ErrorIs(t, err, ErrMissingMigrations)
	})

	t.Run("negative_version", func(t *testing.T) {
		_, err := s.CopyMetaNode(widget, -1)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
}
