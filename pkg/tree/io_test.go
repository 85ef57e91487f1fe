package tree

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vrtree/pkg/format"
)

// buildScene creates /Scenes/parent{child} with a link from parent to
// child and returns parent.
func buildScene(t *testing.T, s *Store) *Node {
	t.Helper()
	root := scenes(t, s)
	parent := mustCreate(t, s, root, "Widget", "parent")
	child := mustCreate(t, s, parent, "Widget", "child")
	require.NoError(t, s.SetInt(parent, Name("count"), 7))
	require.NoError(t, s.SetString(parent, Name("label"), "top"))
	require.NoError(t, s.SetVec3(parent, Name("pos"), [3]float64{1, 2, 3}))
	require.NoError(t, s.SetStrings(parent, Name("tags"), []string{"a", "b"}))
	require.NoError(t, s.SetLink(parent, Name("target"), child))
	return parent
}

func TestSaveLoad(t *testing.T) {
	for _, tc := range []struct {
		name  string
		file  string
		flags IOFlag
	}{
		{"text", "scene.vrtxt", FormatHuman},
		{"native", "scene.vrnative", FormatMachine},
		{"guess_from_extension", "scene.yaml", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := newTestStore(t)
			registerWidget(t, src)
			parent := buildScene(t, src)
			path := filepath.Join(t.TempDir(), tc.file)

			root := scenes(t, src)
			require.NoError(t, src.SaveTree(root, path, tc.flags))
			assert.False(t, src.IsNodeDirty(parent), "saving clears dirty flags")

			dst := newTestStore(t)
			registerWidget(t, dst)
			var created []ChangeOp
			dst.AddChangeSink(func(c Change) { created = append(created, c.Op) })

			dstRoot := scenes(t, dst)
			loaded, err := dst.LoadTree(dstRoot, path, 0, 0, 0)
			require.NoError(t, err)
			defer loaded.Close()

			assert.Equal(t, parent.ID(), loaded.ID(), "ids survive a load into an empty store")
			assert.Equal(t, "/Scenes/parent", dst.Path(loaded))
			assert.Equal(t, []ChangeOp{OpCreate, OpCreate}, created)

			count, err := dst.GetInt(loaded, Name("count"))
			require.NoError(t, err)
			assert.Equal(t, int32(7), count)
			pos, err := dst.GetVec3(loaded, Name("pos"))
			require.NoError(t, err)
			assert.Equal(t, [3]float64{1, 2, 3}, pos)
			tags, err := dst.GetStrings(loaded, Name("tags"))
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, tags)

			target, err := dst.GetLink(loaded, Name("target"))
			require.NoError(t, err)
			require.NotNil(t, target)
			defer target.Close()
			assert.Equal(t, "child", dst.NodeName(target))
			assert.False(t, dst.IsNodeDirty(loaded), "loaded values are clean")
		})
	}
}

func TestLoadCollidingIDs(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	parent := buildScene(t, s)
	root := scenes(t, s)

	doc, err := s.ExportDocument(parent, 0)
	require.NoError(t, err)
	copyNode, err := s.ImportDocument(root, doc, 0, 0, 0)
	require.NoError(t, err)
	defer copyNode.Close()

	assert.NotEqual(t, parent.ID(), copyNode.ID())
	assert.Equal(t, "/Scenes/parent[1]", s.Path(copyNode))

	target, err := s.GetLink(copyNode, Name("target"))
	require.NoError(t, err)
	defer target.Close()
	p := s.Parent(target)
	defer p.Close()
	assert.True(t, s.IsSameNode(copyNode, p), "links are remapped to the copied nodes")

	t.Run("new_uuids", func(t *testing.T) {
		other := newTestStore(t)
		registerWidget(t, other)
		r := scenes(t, other)
		n, err := other.ImportDocument(r, doc, NewUUIDs, 0, 0)
		require.NoError(t, err)
		defer n.Close()
		assert.NotEqual(t, parent.ID(), n.ID())
	})
}

func TestExportFlags(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	b, err := s.CreateMetaNodeEx("Scratch", NoSave)
	require.NoError(t, err)
	m, err := s.FinishMetaNode(b)
	require.NoError(t, err)
	m.Close()
	root := scenes(t, s)
	w := mustCreate(t, s, root, "Widget", "w")
	mustCreate(t, s, root, "Scratch", "tmp")

	t.Run("builtin_roots_are_not_written", func(t *testing.T) {
		doc, err := s.ExportDocument(root, 0)
		require.NoError(t, err)
		require.Len(t, doc.Roots, 1)
		assert.Equal(t, "w", doc.Roots[0].Name)
		assert.Equal(t, format.KindScene, doc.Kind)
	})

	t.Run("force_save", func(t *testing.T) {
		doc, err := s.ExportDocument(root, ForceSave|SystemDocument)
		require.NoError(t, err)
		assert.Len(t, doc.Roots, 2)
		assert.Equal(t, format.KindSystem, doc.Kind)
	})

	t.Run("changed_only", func(t *testing.T) {
		require.NoError(t, s.SetInt(w, Name("count"), 1))
		doc, err := s.ExportDocument(w, ChangedOnly)
		require.NoError(t, err)
		require.Len(t, doc.Roots[0].Properties, 1)
		assert.Equal(t, "count", doc.Roots[0].Properties[0].Name)
	})

	t.Run("unsaved_properties", func(t *testing.T) {
		s2 := newTestStore(t)
		registerWidget(t, s2, func(b *MetaNode) {
			require.NoError(t, b.s.SetPropertyFlag(b, "label", PropNoSave, true))
		})
		r := scenes(t, s2)
		n := mustCreate(t, s2, r, "Widget", "n")
		doc, err := s2.ExportDocument(n, 0)
		require.NoError(t, err)
		assert.Nil(t, doc.Roots[0].Property("label"))
		doc, err = s2.ExportDocument(n, IgnoreUnsavedProperties)
		require.NoError(t, err)
		assert.NotNil(t, doc.Roots[0].Property("label"))
	})

	t.Run("users_are_transient", func(t *testing.T) {
		users := s.Users()
		defer users.Close()
		doc, err := s.ExportDocument(users, 0)
		require.NoError(t, err)
		assert.Empty(t, doc.Roots)
	})

	t.Run("siblings", func(t *testing.T) {
		doc, err := s.ExportDocument(w, SaveSiblingsToo|ForceSave)
		require.NoError(t, err)
		assert.Len(t, doc.Roots, 2)
	})
}

func widgetRecord(name string, version int, props ...format.PropertyRecord) *format.NodeRecord {
	return &format.NodeRecord{ID: uuid.New(), Meta: "Widget", Version: version, Name: name, Properties: props}
}

func TestLoadRejectsBeforeModifying(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	root := scenes(t, s)

	good := widgetRecord("good", 0, format.PropertyRecord{Name: "count", Type: "int", Num: []float64{3}})
	for _, tc := range []struct {
		name    string
		bad     *format.NodeRecord
		want    error
		lenient BuildFlag
	}{
		{"unknown_metanode", &format.NodeRecord{ID: uuid.New(), Meta: "Gadget", Name: "g"}, ErrInvalidMetanode, AllowMissingMetanodes},
		{"unknown_property", widgetRecord("p", 0, format.PropertyRecord{Name: "nope", Type: "int", Num: []float64{1}}), ErrInvalidProperty, AllowMissingAttribs},
		{"invalid_value", widgetRecord("v", 0, format.PropertyRecord{Name: "label", Type: "int", Num: []float64{1}}), ErrInvalidParameter, AllowInvalidAttribs},
		{"bad_type", widgetRecord("t", 0, format.PropertyRecord{Name: "count", Type: "banana"}), ErrInvalidParameter, AllowInvalidAttribs},
	} {
		t.Run(tc.name, func(t *testing.T) {
			doc := &format.Document{Version: format.CurrentVersion, Roots: []*format.NodeRecord{good, tc.bad}}
			before := s.NodeCount()

			_, err := s.ImportDocument(root, doc, NewUUIDs, 0, 0)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, s.NodeCount(), "nothing was created")

			n, err := s.ImportDocument(root, doc, NewUUIDs, tc.lenient, 0)
			require.NoError(t, err)
			n.Close()
			assert.Greater(t, s.NodeCount(), before)
		})
	}

	t.Run("newer_version", func(t *testing.T) {
		doc := &format.Document{Version: format.CurrentVersion, Roots: []*format.NodeRecord{good, widgetRecord("future", 3)}}
		before := s.NodeCount()
		_, err := s.ImportDocument(root, doc, NewUUIDs, AllowMissingAttribs|AllowInvalidAttribs, 0)
		assert.ErrorIs(t, err, ErrMissingMigrations)
		assert.Equal(t, before, s.NodeCount())
	})

	t.Run("root_record", func(t *testing.T) {
		doc := &format.Document{Version: format.CurrentVersion, Roots: []*format.NodeRecord{{Meta: MetaRoot, Name: "r"}}}
		_, err := s.ImportDocument(root, doc, 0, 0, 0)
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("empty", func(t *testing.T) {
		n, err := s.ImportDocument(root, &format.Document{Version: format.CurrentVersion}, 0, 0, 0)
		require.NoError(t, err)
		assert.Nil(t, n)
	})
}

func TestLoadMigratesOldRecords(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s, renameCount(true))
	root := scenes(t, s)

	rec := widgetRecord("old", 0,
		format.PropertyRecord{Name: "count", Type: "int", Num: []float64{7}},
		format.PropertyRecord{Name: "label", Type: "string", Str: []string{"kept"}},
	)
	rec.Children = []*format.NodeRecord{widgetRecord("kid", 0)}
	doc := &format.Document{Version: format.CurrentVersion, Roots: []*format.NodeRecord{rec}}

	n, err := s.ImportDocument(root, doc, 0, 0, 0)
	require.NoError(t, err)
	defer n.Close()

	assert.Equal(t, 1, s.NodeVersion(n))
	assert.Equal(t, rec.ID, n.ID())
	label, err := s.GetString(n, Name("label"))
	require.NoError(t, err)
	assert.Equal(t, "kept", label)
	q, err := s.GetInt(n, Name("quantity"))
	require.NoError(t, err)
	assert.Equal(t, int32(5), q)

	kid := s.FirstChild(n)
	require.NotNil(t, kid)
	defer kid.Close()
	assert.Equal(t, 1, s.NodeVersion(kid))
}

func TestLoadMerge(t *testing.T) {
	s := newTestStore(t)
	registerWidget(t, s)
	root := scenes(t, s)
	w := mustCreate(t, s, root, "Widget", "w")

	t.Run("by_uuid", func(t *testing.T) {
		rec := &format.NodeRecord{ID: w.ID(), Meta: "Widget", Name: "w",
			Properties: []format.PropertyRecord{{Name: "count", Type: "int", Num: []float64{11}}}}
		doc := &format.Document{Version: format.CurrentVersion, Roots: []*format.NodeRecord{rec}}
		before := s.NodeCount()

		changed := 0
		sub := s.OnValuesChanged("Widget", func(*Node, any) { changed++ }, nil)
		defer s.Unsubscribe(sub)

		n, err := s.ImportDocument(root, doc, Merge, 0, 0)
		require.NoError(t, err)
		defer n.Close()
		assert.True(t, s.IsSameNode(w, n))
		assert.Equal(t, before, s.NodeCount())
		got, _ := s.GetInt(w, Name("count"))
		assert.Equal(t, int32(11), got)
		assert.Equal(t, 1, changed)
	})

	t.Run("uuids_must_exist", func(t *testing.T) {
		doc := &format.Document{Version: format.CurrentVersion, Roots: []*format.NodeRecord{widgetRecord("x", 0)}}
		_, err := s.ImportDocument(root, doc, Merge|UUIDsMustExist, 0, 0)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("roots_by_name", func(t *testing.T) {
		rec := widgetRecord("w", 0, format.PropertyRecord{Name: "count", Type: "int", Num: []float64{12}})
		rec.Children = []*format.NodeRecord{widgetRecord("w", 0)}
		doc := &format.Document{Version: format.CurrentVersion, Roots: []*format.NodeRecord{rec}}

		n, err := s.ImportDocument(root, doc, 0, MergeRoots, 0)
		require.NoError(t, err)
		defer n.Close()
		assert.True(t, s.IsSameNode(w, n))
		got, _ := s.GetInt(w, Name("count"))
		assert.Equal(t, int32(12), got)
		assert.Equal(t, 1, s.ChildCount(w), "only roots merge")
	})
}
