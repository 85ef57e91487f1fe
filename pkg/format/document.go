// Package format defines the persisted form of a VRTree and its two
// interchangeable encodings.
//
// A Document is a forest of NodeRecords. Each record carries the node's
// UUID, metanode name and version, name, flags, property values and
// children. Values are stored by property name together with their type
// name, so a document can be loaded against a registry whose metanodes
// have since evolved.
//
// Encodings:
//   - Text: human readable YAML (.vrtxt, .yaml, .yml)
//   - Native: compact binary, a magic header followed by a zstd
//     compressed gob stream (.vrnative)
//
// Example:
//
//	doc := &format.Document{Version: format.CurrentVersion}
//	doc.Roots = append(doc.Roots, rec)
//	if err := format.WriteFile("scene.vrtxt", doc, format.Guess); err != nil {
//		return err
//	}
package format

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/orneryd/vrtree/pkg/value"
)

// CurrentVersion is the document layout version written by this package.
const CurrentVersion = 1

// Document kinds.
const (
	KindScene   = "scene"
	KindSystem  = "system"
	KindOverlay = "overlay"
)

// Errors returned by decoding.
var (
	ErrUnknownFormat = errors.New("format: unknown document format")
	ErrVersion       = errors.New("format: unsupported document version")
	ErrBadValue      = errors.New("format: invalid property value")
)

// Document is a serialized forest of nodes.
type Document struct {
	Version int           `yaml:"version"`
	Kind    string        `yaml:"kind,omitempty"`
	Roots   []*NodeRecord `yaml:"roots"`
}

// NodeRecord is one serialized node.
type NodeRecord struct {
	ID         uuid.UUID        `yaml:"id"`
	Meta       string           `yaml:"meta"`
	Version    int              `yaml:"version"`
	Name       string           `yaml:"name"`
	Flags      uint32           `yaml:"flags,omitempty"`
	Properties []PropertyRecord `yaml:"properties,omitempty"`
	Children   []*NodeRecord    `yaml:"children,omitempty"`
}

// PropertyRecord is one serialized property value. Exactly one of Num,
// Str or Link is used depending on the type's kind.
type PropertyRecord struct {
	Name string    `yaml:"name" json:"name"`
	Type string    `yaml:"type" json:"type"`
	Num  []float64 `yaml:"num,flow,omitempty" json:"num,omitempty"`
	Str  []string  `yaml:"str,omitempty" json:"str,omitempty"`
	Link string    `yaml:"link,omitempty" json:"link,omitempty"`
}

// Property returns the record of the named property, or nil.
func (r *NodeRecord) Property(name string) *PropertyRecord {
	for i := range r.Properties {
		if r.Properties[i].Name == name {
			return &r.Properties[i]
		}
	}
	return nil
}

// Walk visits every record of the document in pre-order. Returning false
// skips the children of a record.
func (d *Document) Walk(fn func(r *NodeRecord, depth int) bool) {
	var visit func(r *NodeRecord, depth int)
	visit = func(r *NodeRecord, depth int) {
		if !fn(r, depth) {
			return
		}
		for _, c := range r.Children {
			visit(c, depth+1)
		}
	}
	for _, r := range d.Roots {
		visit(r, 0)
	}
}

// Count returns the number of records in the document.
func (d *Document) Count() int {
	n := 0
	d.Walk(func(*NodeRecord, int) bool {
		n++
		return true
	})
	return n
}

// Validate checks the document version and record invariants.
func (d *Document) Validate() error {
	if d.Version < 1 || d.Version > CurrentVersion {
		return fmt.Errorf("%w: %d", ErrVersion, d.Version)
	}
	var err error
	d.Walk(func(r *NodeRecord, _ int) bool {
		if err != nil {
			return false
		}
		switch {
		case r.Meta == "":
			err = fmt.Errorf("format: node %s has no metanode", r.ID)
		case r.Version < 0:
			err = fmt.Errorf("format: node %s has negative version", r.ID)
		}
		return err == nil
	})
	return err
}

// FromValue encodes a property value.
func FromValue(name string, v value.Value) PropertyRecord {
	r := PropertyRecord{Name: name, Type: v.Type().String()}
	switch k := v.Type().Kind; {
	case k == value.KindLink:
		if id := v.Link(); id != uuid.Nil {
			r.Link = id.String()
		}
	case k == value.KindString:
		r.Str = v.Strings()
	default:
		r.Num = v.Float64s()
	}
	return r
}

// Value decodes the record into a value of its recorded type.
func (r PropertyRecord) Value() (value.Value, error) {
	t, err := value.ParseType(r.Type)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: %s: %v", ErrBadValue, r.Name, err)
	}
	var v value.Value
	switch t.Kind {
	case value.KindLink:
		id := uuid.Nil
		if r.Link != "" {
			if id, err = uuid.Parse(r.Link); err != nil {
				return value.Value{}, fmt.Errorf("%w: %s: %v", ErrBadValue, r.Name, err)
			}
		}
		return value.NewLink(id), nil
	case value.KindString:
		strs := r.Str
		if t.Shape == value.Scalar && len(strs) == 0 {
			strs = []string{""}
		}
		v, err = value.FromStrings(t, strs)
	default:
		v, err = value.FromFloat64s(t, r.Num)
	}
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: %s: %v", ErrBadValue, r.Name, err)
	}
	return v, nil
}
