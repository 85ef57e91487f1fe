package value

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZero(t *testing.T) {
	t.Run("scalar_int_is_zeroed", func(t *testing.T) {
		v := Zero(Int)
		assert.Equal(t, 4, v.Size())
		assert.Equal(t, int32(0), v.Int())
	})

	t.Run("fixed_has_count_elements", func(t *testing.T) {
		v := Zero(Mat4d)
		assert.Equal(t, 16, v.Len())
		assert.Equal(t, 16*8, v.Size())
	})

	t.Run("vector_is_empty", func(t *testing.T) {
		v := Zero(VectorOf(KindInt))
		assert.Equal(t, 0, v.Len())
		assert.Equal(t, 0, v.Size())
	})

	t.Run("string_is_empty_terminated", func(t *testing.T) {
		v := Zero(String)
		assert.Equal(t, 1, v.Size())
		assert.Equal(t, "", v.Text())
	})
}

func TestReadAndFromBytes(t *testing.T) {
	t.Run("size_query_then_fill", func(t *testing.T) {
		v := NewString("hello")
		n, err := v.Read(nil)
		require.ErrorIs(t, err, ErrShortBuffer)
		assert.Equal(t, 6, n)

		buf := make([]byte, n)
		n, err = v.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello\x00"), buf[:n])
	})

	t.Run("int_round_trip", func(t *testing.T) {
		v := NewInt(-42)
		got, err := FromBytes(Int, v.Bytes())
		require.NoError(t, err)
		assert.True(t, v.Equal(got))
		assert.Equal(t, int32(-42), got.Int())
	})

	t.Run("wrong_size_rejected_for_fixed", func(t *testing.T) {
		_, err := FromBytes(Vec3f, make([]byte, 8))
		assert.ErrorIs(t, err, ErrSize)
	})

	t.Run("world_accepts_float32_elements", func(t *testing.T) {
		buf := make([]byte, 12)
		for i, f := range []float32{1.5, 2.5, -3} {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		v, err := FromBytes(Vec3w, buf)
		require.NoError(t, err)
		assert.Equal(t, []float64{1.5, 2.5, -3}, v.Float64s())
	})

	t.Run("world_accepts_float64_elements", func(t *testing.T) {
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(0.25))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(8))
		v, err := FromBytes(Vec2w, buf)
		require.NoError(t, err)
		assert.Equal(t, []float64{0.25, 8}, v.Float64s())
	})

	t.Run("string_vector_split_on_nul", func(t *testing.T) {
		v, err := FromBytes(VectorOf(KindString), []byte("a\x00bc\x00\x00"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "bc", ""}, v.Strings())
	})

	t.Run("scalar_string_without_terminator", func(t *testing.T) {
		v, err := FromBytes(String, []byte("abc"))
		require.NoError(t, err)
		assert.Equal(t, "abc", v.Text())
	})

	t.Run("int_vector_from_bytes", func(t *testing.T) {
		src, err := FromFloat64s(VectorOf(KindInt), []float64{1, 2, 3})
		require.NoError(t, err)
		v, err := FromBytes(VectorOf(KindInt), src.Bytes())
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3}, v.Float64s())
	})
}

func TestElementAccess(t *testing.T) {
	v, err := FromFloat64s(ArrayOf(KindDouble, 3), []float64{1, 2, 3})
	require.NoError(t, err)

	t.Run("reads_element", func(t *testing.T) {
		f, err := v.Float64At(1)
		require.NoError(t, err)
		assert.Equal(t, 2.0, f)
	})

	t.Run("out_of_range_fails", func(t *testing.T) {
		_, err := v.Float64At(3)
		assert.ErrorIs(t, err, ErrIndex)
		_, err = v.WithFloat64At(-1, 0)
		assert.ErrorIs(t, err, ErrIndex)
	})

	t.Run("with_element_copies", func(t *testing.T) {
		w, err := v.WithFloat64At(0, 9)
		require.NoError(t, err)
		assert.Equal(t, []float64{9, 2, 3}, w.Float64s())
		assert.Equal(t, []float64{1, 2, 3}, v.Float64s())
	})

	t.Run("string_element", func(t *testing.T) {
		s, err := FromStrings(VectorOf(KindString), []string{"x", "y"})
		require.NoError(t, err)
		s2, err := s.WithStringAt(1, "z")
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "z"}, s2.Strings())
		_, err = s.StringAt(2)
		assert.ErrorIs(t, err, ErrIndex)
	})
}

func TestScalars(t *testing.T) {
	assert.True(t, NewBool(true).Bool())
	assert.False(t, NewBool(false).Bool())
	assert.Equal(t, int32(-3), NewChar(-3).Int())
	assert.Equal(t, 1.5, NewFloat(1.5).Double())
	assert.Equal(t, 0.1, NewDouble(0.1).Double())
	assert.Equal(t, 2.0, NewWorld(2).Double())

	id := uuid.New()
	assert.Equal(t, id, NewLink(id).Link())
	assert.Equal(t, uuid.Nil, Zero(Link).Link())
}

func TestFromFloat64sValidation(t *testing.T) {
	_, err := FromFloat64s(Vec3f, []float64{1, 2})
	assert.ErrorIs(t, err, ErrSize)

	_, err = FromFloat64s(String, []float64{1})
	assert.ErrorIs(t, err, ErrKind)

	_, err = FromStrings(Int, []string{"1"})
	assert.ErrorIs(t, err, ErrKind)
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "5", NewInt(5).String())
	assert.Equal(t, "true", NewBool(true).String())
	assert.Equal(t, `"a"`, NewString("a").String())
	v, _ := FromFloat64s(Vec2i, []float64{1, 2})
	assert.Equal(t, "(1, 2)", v.String())
}
