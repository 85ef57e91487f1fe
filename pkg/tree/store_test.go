package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s := newTestStore(t)

	t.Run("builtin_tree", func(t *testing.T) {
		root := s.Root()
		defer root.Close()
		assert.Equal(t, "/", s.Path(root))
		assert.Nil(t, s.Parent(root))

		for path, meta := range map[string]string{
			"/Scenes":           MetaScenes,
			"/Libraries":        MetaLibraries,
			"/Libraries/System": MetaLibrary,
			"/Users":            MetaUsers,
			"/Users/local":      MetaUser,
		} {
			n, err := s.Find(root, path)
			require.NoError(t, err, path)
			assert.Equal(t, meta, s.NodeMetaName(n), path)
			n.Close()
		}
		assert.Equal(t, 6, s.NodeCount())
	})

	t.Run("this_user_is_transient", func(t *testing.T) {
		u := s.ThisUser()
		defer u.Close()
		assert.NotZero(t, s.NodeFlags(u)&Transient)
	})

	t.Run("builtins_cannot_be_deleted", func(t *testing.T) {
		sc := s.Scenes()
		defer sc.Close()
		err := s.DeleteNode(sc)
		assert.ErrorIs(t, err, ErrNotAllowed)
		assert.Equal(t, NotAllowed, s.LastError())
	})

	t.Run("custom_user_name", func(t *testing.T) {
		s2 := New(Options{UserName: "alice"})
		defer s2.Close()
		u := s2.ThisUser()
		defer u.Close()
		assert.Equal(t, "alice", s2.NodeName(u))
	})
}

func TestOpenHandles(t *testing.T) {
	s := newTestStore(t)
	base := s.CountOpenNodeHandles()

	root := s.Root()
	dup, err := s.CopyNodeHandle(root)
	require.NoError(t, err)
	assert.Equal(t, base+2, s.CountOpenNodeHandles())
	assert.True(t, s.IsSameNode(root, dup))

	root.Close()
	root.Close()
	assert.Equal(t, base+1, s.CountOpenNodeHandles())
	assert.True(t, dup.Valid(), "closing one handle leaves the other open")
	dup.Close()
	assert.Equal(t, base, s.CountOpenNodeHandles())
}

func TestClose(t *testing.T) {
	s := New(Options{})
	root := s.Root()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, root.Valid())
}

func TestLastError(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateNode(nil, "Nope", "x")
	require.Error(t, err)
	assert.Equal(t, InvalidMetanode, s.LastError())
	assert.Contains(t, s.LastErrorString(), "Nope")
	assert.Equal(t, OK, s.LastError(), "LastErrorString clears")

	t.Run("level_without_errors_does_not_record", func(t *testing.T) {
		s.SetErrorLevel(LevelWarnings)
		defer s.SetErrorLevel(LevelErrors | LevelWarnings)
		_, err := s.CreateNode(nil, "Nope", "x")
		require.Error(t, err)
		assert.Equal(t, OK, s.LastError())
	})

	t.Run("code_of", func(t *testing.T) {
		assert.Equal(t, OK, CodeOf(nil))
		assert.Equal(t, InvalidMetanode, CodeOf(err))
		assert.Equal(t, "invalid metanode", CodeOf(err).String())
	})
}
