package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeNames(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
	}{
		{"int", Int},
		{"world", World},
		{"link", Link},
		{"vec3w", Vec3w},
		{"mat4w2d", Mat4w2D},
		{"rgba", RGBA},
		{"file", File},
		{"array<float>[5]", ArrayOf(KindFloat, 5)},
		{"vector<string>", VectorOf(KindString)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.typ.String())
			parsed, err := ParseType(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, parsed)
		})
	}
}

func TestParseTypeRejects(t *testing.T) {
	for _, s := range []string{"", "nope", "vector<link>", "array<int>[0]", "array<int>[x]", "vector<int"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseType(s)
			assert.ErrorIs(t, err, ErrUnknownType)
		})
	}
}

func TestTypeValid(t *testing.T) {
	assert.True(t, Int.Valid())
	assert.True(t, VectorOf(KindChar).Valid())
	assert.False(t, Invalid.Valid())
	assert.False(t, ArrayOf(KindLink, 2).Valid())
	assert.False(t, Type{Kind: KindInt, Count: 3}.Valid())
}
