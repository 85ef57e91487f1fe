package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/vrtree/pkg/value"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Options{})
	t.Cleanup(func() { s.Close() })
	return s
}

// registerWidget publishes the Widget metanode: count int (default 5),
// label string, pos vec3w, tags vector<string>, weights vector<float>,
// target link.
func registerWidget(t *testing.T, s *Store, opts ...func(b *MetaNode)) {
	t.Helper()
	b, err := s.CreateMetaNode("Widget")
	require.NoError(t, err)
	_, err = s.AddProperty(b, "count", value.Int, WithDefault(value.NewInt(5)))
	require.NoError(t, err)
	_, err = s.AddProperty(b, "label", value.String)
	require.NoError(t, err)
	_, err = s.AddProperty(b, "pos", value.Vec3w)
	require.NoError(t, err)
	_, err = s.AddProperty(b, "tags", value.VectorOf(value.KindString))
	require.NoError(t, err)
	_, err = s.AddProperty(b, "weights", value.VectorOf(value.KindFloat))
	require.NoError(t, err)
	_, err = s.AddProperty(b, "target", value.Link)
	require.NoError(t, err)
	for _, o := range opts {
		o(b)
	}
	m, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	m.Close()
}

// registerSimple publishes a metanode without properties.
func registerSimple(t *testing.T, s *Store, name string, flags MetaFlag) {
	t.Helper()
	b, err := s.CreateMetaNodeEx(name, flags)
	require.NoError(t, err)
	m, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	m.Close()
}

func mustCreate(t *testing.T, s *Store, parent *Node, metaName, name string) *Node {
	t.Helper()
	n, err := s.CreateNode(parent, metaName, name)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n
}

func scenes(t *testing.T, s *Store) *Node {
	t.Helper()
	n := s.Scenes()
	t.Cleanup(n.Close)
	return n
}
