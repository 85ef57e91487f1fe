package format

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vrtree/pkg/value"
)

func sampleDocument() *Document {
	child := &NodeRecord{
		ID:      uuid.New(),
		Meta:    "Light",
		Version: 2,
		Name:    "key",
		Properties: []PropertyRecord{
			FromValue("colour", mustValue(value.FromFloat64s(value.RGB, []float64{1, 0.5, 0.25}))),
			FromValue("label", value.NewString("key light")),
		},
	}
	return &Document{
		Version: CurrentVersion,
		Kind:    KindScene,
		Roots: []*NodeRecord{{
			ID:      uuid.New(),
			Meta:    "Group",
			Name:    "stage",
			Flags:   1 << 5,
			Properties: []PropertyRecord{
				FromValue("target", value.NewLink(child.ID)),
				FromValue("tags", mustValue(value.FromStrings(value.VectorOf(value.KindString), []string{"a", "b"}))),
			},
			Children: []*NodeRecord{child},
		}},
	}
}

func mustValue(v value.Value, err error) value.Value {
	if err != nil {
		panic(err)
	}
	return v
}

func TestEncodeDecode(t *testing.T) {
	for _, enc := range []Encoding{Text, Native} {
		t.Run(enc.String(), func(t *testing.T) {
			doc := sampleDocument()
			data, err := Marshal(doc, enc)
			require.NoError(t, err)
			assert.Equal(t, enc, Sniff(data))

			got, err := Unmarshal(data)
			require.NoError(t, err)
			if diff := cmp.Diff(doc, got); diff != "" {
				t.Errorf("document mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()

	t.Run("extension_selects_encoding", func(t *testing.T) {
		path := filepath.Join(dir, "scene.vrnative")
		require.NoError(t, WriteFile(path, sampleDocument(), Guess))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, Native, Sniff(data))

		doc, err := ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 2, doc.Count())
	})

	t.Run("unknown_extension_writes_text", func(t *testing.T) {
		path := filepath.Join(dir, "scene.dat")
		require.NoError(t, WriteFile(path, sampleDocument(), Guess))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, Text, Sniff(data))
		assert.Contains(t, string(data), "meta: Group")
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := ReadFile(filepath.Join(dir, "nope.vrtxt"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		path string
		want Encoding
		ok   bool
	}{
		{"a.vrtxt", Text, true},
		{"a.YAML", Text, true},
		{"a.vrnative", Native, true},
		{"a.obj", Guess, false},
	}
	for _, tt := range tests {
		got, ok := EncodingFor(tt.path)
		assert.Equal(t, tt.want, got, tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
	}
}

func TestValidate(t *testing.T) {
	t.Run("rejects_future_version", func(t *testing.T) {
		doc := &Document{Version: CurrentVersion + 1}
		assert.ErrorIs(t, doc.Validate(), ErrVersion)
	})

	t.Run("rejects_record_without_meta", func(t *testing.T) {
		doc := &Document{Version: CurrentVersion, Roots: []*NodeRecord{{ID: uuid.New(), Name: "x"}}}
		assert.Error(t, doc.Validate())
	})
}

func TestPropertyRecordValue(t *testing.T) {
	t.Run("empty_link", func(t *testing.T) {
		r := FromValue("target", value.NewLink(uuid.Nil))
		assert.Empty(t, r.Link)
		v, err := r.Value()
		require.NoError(t, err)
		assert.Equal(t, uuid.Nil, v.Link())
	})

	t.Run("world_vector", func(t *testing.T) {
		v := mustValue(value.FromFloat64s(value.Vec3w, []float64{1, 2, 3}))
		got, err := FromValue("pos", v).Value()
		require.NoError(t, err)
		assert.True(t, v.Equal(got))
	})

	t.Run("wrong_element_count", func(t *testing.T) {
		r := PropertyRecord{Name: "pos", Type: "vec3f", Num: []float64{1, 2}}
		_, err := r.Value()
		assert.ErrorIs(t, err, ErrBadValue)
	})

	t.Run("unknown_type", func(t *testing.T) {
		r := PropertyRecord{Name: "x", Type: "quaternion9"}
		_, err := r.Value()
		assert.ErrorIs(t, err, ErrBadValue)
	})
}
