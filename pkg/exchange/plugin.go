// Package exchange hosts import and export plugins.
//
// A Plugin describes itself through Info and may implement Importer,
// Exporter and Prober. Plugins are registered with a Registry, which
// checks their API version and dependencies, verifies their signature,
// hands them a Host for logging, dialogs, progress and permission checks,
// and routes XImport, XImportAndMerge and XExport calls to them by name
// or file extension.
//
// Plugins touch the tree from the goroutine that owns the Store: call the
// X* functions from there, or let a Watcher post them.
package exchange

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/orneryd/vrtree/pkg/tree"
)

// Plugin API version implemented by this host.
const (
	APIVersionMajor = 1
	APIVersionMinor = 3
)

var (
	ErrVersion           = errors.New("exchange: incompatible plugin API version")
	ErrDuplicate         = errors.New("exchange: plugin already registered")
	ErrMissingDependency = errors.New("exchange: missing plugin dependency")
	ErrDependencyCycle   = errors.New("exchange: plugin dependency cycle")
	ErrInUse             = errors.New("exchange: plugin is a dependency of another plugin")
	ErrNoPlugin          = errors.New("exchange: no plugin for file")
	ErrUnknownPlugin     = errors.New("exchange: unknown plugin")
	ErrInit              = errors.New("exchange: plugin init failed")
	ErrSignature         = errors.New("exchange: plugin signature rejected")
	ErrNoQuestionHandler = errors.New("exchange: no question callback registered")
)

// Info describes a plugin.
type Info struct {
	// Name is the full plugin name and must be unique.
	Name string
	// ShortName is the import shortcut, e.g. "fbx".
	ShortName string
	// Version is human readable, e.g. "1.0.5".
	Version string
	// Depends lists plugin names or short names that must be registered
	// first.
	Depends []string
	// FFINamespace prefixes the plugin's FFI functions.
	FFINamespace string
	// Signature is a license granting the plugin store permissions.
	Signature string
	// DefaultRecipe and ExportDefaultRecipe name recipe files.
	DefaultRecipe       string
	ExportDefaultRecipe string
	// Formats is the XML list of accepted file types.
	Formats string
	// Settings is the XML settings recipe shown to users.
	Settings string
	// APIMajor and APIMinor are the plugin API version it was built for.
	// Zero means the current version.
	APIMajor, APIMinor int
}

// Plugin is implemented by every plugin.
type Plugin interface {
	Info() Info
	// Init is called once after registration checks pass.
	Init(h Host) error
	// Cleanup is called before the plugin is unregistered.
	Cleanup() error
}

// ImportRequest carries the arguments of an import.
type ImportRequest struct {
	File   string
	Store  *tree.Store
	Root   *tree.Node
	Scenes *tree.Node
	Libs   *tree.Node
	// Flags are OR-ed onto created nodes.
	Flags tree.MetaFlag
	// MergeOptions, when set, asks the importer to merge onto existing
	// nodes. The node's properties carry the merge settings.
	MergeOptions *tree.Node
	// Recipe is a path to a recipe file, possibly empty.
	Recipe string
}

// ExportRequest carries the arguments of an export.
type ExportRequest struct {
	File   string
	Store  *tree.Store
	Root   *tree.Node
	Scenes *tree.Node
	Libs   *tree.Node
	Recipe string
}

// Importer is implemented by plugins that read files into the tree.
type Importer interface {
	Import(ctx context.Context, req ImportRequest) error
}

// Exporter is implemented by plugins that write the tree to files.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) error
}

// Prober is implemented by importers that can inspect a file before
// claiming it. It is called concurrently and must not touch the tree.
type Prober interface {
	CanImport(ctx context.Context, file string) (bool, error)
}

// FileType is one entry of a plugin's format list.
type FileType struct {
	Ext  string `xml:"ext,attr"`
	Desc string `xml:"desc,attr"`
}

type fileTypes struct {
	XMLName xml.Name   `xml:"filetypes"`
	Types   []FileType `xml:"type"`
}

// ParseFormats parses a <filetypes> document. Extensions are returned
// lower case without a leading dot.
func ParseFormats(doc string) ([]FileType, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	var ft fileTypes
	if err := xml.Unmarshal([]byte(doc), &ft); err != nil {
		return nil, fmt.Errorf("exchange: parse formats: %w", err)
	}
	out := make([]FileType, 0, len(ft.Types))
	for _, t := range ft.Types {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t.Ext), "."))
		if ext == "" {
			return nil, fmt.Errorf("exchange: parse formats: empty ext attribute")
		}
		out = append(out, FileType{Ext: ext, Desc: t.Desc})
	}
	return out, nil
}

// Control kinds allowed in a settings page.
const (
	ControlStringEdit = "StringEdit"
	ControlIntBox     = "IntBox"
	ControlSelection  = "Selection"
	ControlCheck      = "Check"
	ControlFloatBox   = "FloatBox"
)

// Control is one setting.
type Control struct {
	XMLName  xml.Name
	Label    string `xml:"label,attr"`
	Name     string `xml:"name,attr"`
	Value    string `xml:"value,attr"`
	Min      string `xml:"min,attr"`
	Max      string `xml:"max,attr"`
	Options  string `xml:"options,attr"`
	ReadOnly string `xml:"readonly,attr"`
	Desc     string `xml:"desc,attr"`
}

// Kind returns the control's element name.
func (c Control) Kind() string { return c.XMLName.Local }

// Choices splits a Selection's options.
func (c Control) Choices() []string {
	if c.Options == "" {
		return nil
	}
	parts := strings.Split(c.Options, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Page groups controls.
type Page struct {
	Name     string    `xml:"name,attr"`
	Controls []Control `xml:",any"`
}

// Recipe is a parsed settings document.
type Recipe struct {
	XMLName xml.Name `xml:"recipe"`
	Pages   []Page   `xml:"Page"`
}

// ParseSettings parses a <recipe> document and checks control values.
func ParseSettings(doc string) (*Recipe, error) {
	if strings.TrimSpace(doc) == "" {
		return &Recipe{}, nil
	}
	var r Recipe
	if err := xml.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("exchange: parse settings: %w", err)
	}
	for _, p := range r.Pages {
		for _, c := range p.Controls {
			if err := c.check(); err != nil {
				return nil, fmt.Errorf("exchange: parse settings: page %q: %w", p.Name, err)
			}
		}
	}
	return &r, nil
}

func (c Control) check() error {
	numeric := func(bits int, vals ...string) error {
		for _, v := range vals {
			if v == "" {
				continue
			}
			var err error
			if bits == 0 {
				_, err = strconv.ParseFloat(v, 32)
			} else {
				_, err = strconv.ParseInt(v, 10, bits)
			}
			if err != nil {
				return fmt.Errorf("%s %q: bad number %q", c.Kind(), c.Name, v)
			}
		}
		return nil
	}
	switch c.Kind() {
	case ControlStringEdit:
		return nil
	case ControlIntBox:
		return numeric(8, c.Value, c.Min, c.Max)
	case ControlCheck:
		return numeric(8, c.Value)
	case ControlFloatBox:
		return numeric(0, c.Value, c.Min, c.Max)
	case ControlSelection:
		if c.Value != "" && len(c.Choices()) > 0 {
			for _, o := range c.Choices() {
				if o == c.Value {
					return nil
				}
			}
			return fmt.Errorf("selection %q: value %q is not an option", c.Name, c.Value)
		}
		return nil
	}
	return fmt.Errorf("unknown control %q", c.Kind())
}

// Defaults returns the default value of every named control.
func (r *Recipe) Defaults() map[string]string {
	out := make(map[string]string)
	for _, p := range r.Pages {
		for _, c := range p.Controls {
			if c.Name != "" {
				out[c.Name] = c.Value
			}
		}
	}
	return out
}
