package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverOrder(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	registerSimple(t, s, "Group", 0)
	root := scenes(t, s)

	var calls []string
	s.OnCreated("", func(n *Node, ud any) { calls = append(calls, ud.(string)) }, "any-1")
	s.OnCreated("Widget", func(n *Node, ud any) { calls = append(calls, ud.(string)) }, "widget-1")
	s.OnCreated("", func(n *Node, ud any) { calls = append(calls, ud.(string)) }, "any-2")
	s.OnCreated("Widget", func(n *Node, ud any) { calls = append(calls, ud.(string)) }, "widget-2")
	s.OnCreated("Group", func(n *Node, ud any) { calls = append(calls, ud.(string)) }, "group")

	mustCreate(t, s, root, "Widget", "w")
	assert.Equal(t, []string{"widget-1", "widget-2", "any-1", "any-2"}, calls,
		"metanode observers run in registration order before wildcard observers")

	calls = nil
	mustCreate(t, s, root, "Group", "g")
	assert.Equal(t, []string{"group", "any-1", "any-2"}, calls)
}

func TestObserverHandles(t *testing.T) {
	s := newTestStore(t)
	registerSimple(t, s, "Group", 0)
	root := scenes(t, s)
	base := s.CountOpenNodeHandles()

	var kept *Node
	s.OnCreated("Group", func(n *Node, _ any) {
		var err error
		kept, err = s.CopyNodeHandle(n)
		require.NoError(t, err)
	}, nil)
	n, err := s.CreateNode(root, "Group", "g")
	require.NoError(t, err)

	assert.Equal(t, base+2, s.CountOpenNodeHandles(), "callback handles are closed after the call")
	assert.True(t, s.IsSameNode(n, kept))
	n.Close()
	kept.Close()
	assert.Equal(t, base, s.CountOpenNodeHandles())
}

func onGroupA(*Node, any) {}
func onGroupB(*Node, any) {}

func TestRemoveObserver(t *testing.T) {
	s := newTestStore(t)

	s.OnCreated("Group", onGroupA, 1)
	s.OnCreated("Group", onGroupA, 2)
	s.OnCreated("Group", onGroupB, 1)
	s.OnCreated("", onGroupA, 1)

	assert.Equal(t, 1, s.RemoveEx(EventCreated, "Group", NodeFunc(onGroupA), 2))
	assert.Equal(t, 0, s.RemoveEx(EventCreated, "Group", NodeFunc(onGroupA), 2))
	assert.Equal(t, 1, s.Remove(EventCreated, "Group", NodeFunc(onGroupA)))
	assert.Equal(t, 0, s.Remove(EventDestroying, "Group", NodeFunc(onGroupB)))
	assert.Equal(t, 1, s.Remove(EventCreated, "", NodeFunc(onGroupA)))

	sub := s.OnRenamed("", onGroupB, nil)
	assert.True(t, s.Unsubscribe(sub))
	assert.False(t, s.Unsubscribe(sub))

	t.Run("incomparable_user_data", func(t *testing.T) {
		data := []int{1}
		s.OnCreated("X", onGroupA, data)
		s.OnCreated("X", onGroupA, map[string]int{})
		assert.Equal(t, 0, s.RemoveEx(EventCreated, "X", NodeFunc(onGroupA), []int{1}))
		assert.Equal(t, 1, s.RemoveEx(EventCreated, "X", NodeFunc(onGroupA), data))
	})
}

func TestRemoveDuringDispatch(t *testing.T) {
	s := newTestStore(t)
	registerSimple(t, s, "Group", 0)
	root := scenes(t, s)

	second := 0
	var secondSub Subscription
	s.OnCreated("", func(*Node, any) { s.Unsubscribe(secondSub) }, nil)
	secondSub = s.OnCreated("", func(*Node, any) { second++ }, nil)

	mustCreate(t, s, root, "Group", "g")
	assert.Zero(t, second, "an observer removed earlier in the same dispatch is skipped")
}

func TestChildAndParentEvents(t *testing.T) {
	s := newTestStore(t)
	registerSimple(t, s, "Group", 0)
	root := scenes(t, s)

	var added []string
	s.OnChildAdded(MetaScenes, func(p, c *Node, _ any) {
		added = append(added, s.NodeName(p)+"/"+s.NodeName(c))
	}, nil)
	g := mustCreate(t, s, root, "Group", "g")
	assert.Equal(t, []string{"Scenes/g"}, added)

	var moved []string
	s.OnParentChanged("Group", func(n, np, op *Node, _ any) {
		moved = append(moved, s.NodeName(n)+":"+s.NodeName(op)+"->"+s.NodeName(np))
	}, nil)
	c := mustCreate(t, s, g, "Group", "c")
	require.NoError(t, s.SetParent(c, root))
	assert.Equal(t, []string{"c:g->Scenes"}, moved)
}

func TestNodeEvents(t *testing.T) {
	s := newTestStore(t)
	registerSimple(t, s, "Group", 0)
	root := scenes(t, s)
	button := mustCreate(t, s, root, "Group", "button")
	hand := mustCreate(t, s, root, "Group", "hand")

	var got []string
	_, err := s.OnNodeEvent(button, "Activate", func(n, other *Node, ud any) {
		got = append(got, s.NodeName(n)+"<"+s.NodeName(other)+">"+ud.(string))
	}, "ud")
	require.NoError(t, err)
	sub, err := s.OnNodeEvent(button, "Touch", func(n, other *Node, ud any) {
		got = append(got, "touch")
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.FireNodeEvent(button, "Activate", hand))
	require.NoError(t, s.FireNodeEvent(hand, "Activate", button))
	require.NoError(t, s.FireNodeEvent(button, "Touch", nil))
	assert.Equal(t, []string{"button<hand>ud", "touch"}, got)

	assert.True(t, s.Unsubscribe(sub))
	require.NoError(t, s.FireNodeEvent(button, "Touch", nil))
	assert.Len(t, got, 2)

	_, err = s.OnNodeEvent(button, "", func(*Node, *Node, any) {}, nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	require.NoError(t, s.DeleteNode(button))
	assert.ErrorIs(t, s.FireNodeEvent(button, "Activate", nil), ErrInvalidHandle)
	assert.Empty(t, s.nodeEvents, "deleting a node drops its event registrations")
}

func TestChangeSink(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	registerSimple(t, s, "Group", 0)
	root := scenes(t, s)

	var ops []string
	sub := s.AddChangeSink(func(c Change) { ops = append(ops, c.Op.String()) })

	w := mustCreate(t, s, root, "Widget", "w")
	g := mustCreate(t, s, root, "Group", "g")
	require.NoError(t, s.SetInt(w, Name("count"), 1))
	require.NoError(t, s.SetNodeName(w, "w2"))
	require.NoError(t, s.SetParent(w, g))
	require.NoError(t, s.DeleteNode(g))

	assert.Equal(t, []string{"create", "create", "set", "rename", "move", "delete"}, ops)

	s.Unsubscribe(sub)
	mustCreate(t, s, root, "Group", "quiet")
	assert.Len(t, ops, 6)

	for _, name := range []string{"create", "delete", "set", "rename", "move"} {
		op, ok := ParseChangeOp(name)
		assert.True(t, ok)
		assert.Equal(t, name, op.String())
	}
	_, ok := ParseChangeOp("explode")
	assert.False(t, ok)
}

func TestApplyChange(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	for _, s := range []*Store{a, b} {
		registerWidget(t, s)
		registerSimple(t, s, "Group", 0)
	}

	var remote []bool
	b.AddChangeSink(func(c Change) { remote = append(remote, c.Remote) })
	a.AddChangeSink(func(c Change) {
		require.NoError(t, b.ApplyChange(c), c.Op.String())
	})

	root := scenes(t, a)
	g := mustCreate(t, a, root, "Group", "g")
	first := mustCreate(t, a, g, "Widget", "first")
	second := mustCreate(t, a, g, "Widget", "second")
	require.NoError(t, a.SetInt(first, Name("count"), 42))
	require.NoError(t, a.SetNodeName(second, "renamed"))
	require.NoError(t, a.SetParentEx(second, g, nil))

	bRoot := scenes(t, b)
	bg, err := b.Find(bRoot, "g")
	require.NoError(t, err)
	defer bg.Close()
	assert.Equal(t, g.ID(), bg.ID())

	c0 := b.Child(bg, 0)
	c1 := b.Child(bg, 1)
	defer c0.Close()
	defer c1.Close()
	assert.Equal(t, "renamed", b.NodeName(c0))
	assert.Equal(t, "first", b.NodeName(c1))
	count, err := b.GetInt(c1, Name("count"))
	require.NoError(t, err)
	assert.Equal(t, int32(42), count)

	require.NoError(t, a.DeleteNode(first))
	assert.Equal(t, 1, b.ChildCount(bg))

	require.NotEmpty(t, remote)
	for _, r := range remote {
		assert.True(t, r)
	}

	t.Run("duplicate_create", func(t *testing.T) {
		err := b.ApplyChange(Change{Op: OpCreate, Node: g.ID(), Parent: bRoot.ID(), Meta: "Group"})
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("unknown_op", func(t *testing.T) {
		assert.ErrorIs(t, b.ApplyChange(Change{Op: 99}), ErrInvalidParameter)
	})
}

func TestSilentMigration(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s, renameCount(true))
	root := scenes(t, s)

	old, err := s.CreateNodeVersion(root, "Widget", "w", 0)
	require.NoError(t, err)
	defer old.Close()

	var ops []ChangeOp
	s.AddChangeSink(func(c Change) { ops = append(ops, c.Op) })
	changed := 0
	s.OnValuesChanged("", func(*Node, any) { changed++ }, nil)

	n, err := s.MigrateNode(old)
	require.NoError(t, err)
	defer n.Close()
	assert.Empty(t, ops)
	assert.Zero(t, changed)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "values-changed", EventValuesChanged.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
