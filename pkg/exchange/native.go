package exchange

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/tree"
)

// NativeName is the name of the built-in plugin for vrtree documents.
const NativeName = "VRTree Native"

// MergeAllProperty on a merge options node selects MergeAll over
// MergeRoots.
const MergeAllProperty = "mergeAll"

// Native imports and exports .vrtxt and .vrnative documents.
type Native struct {
	host Host
}

// NewNative returns the built-in document plugin.
func NewNative() *Native { return &Native{} }

func (n *Native) Info() Info {
	return Info{
		Name:      NativeName,
		ShortName: "native",
		Version:   fmt.Sprintf("%d.%d", APIVersionMajor, APIVersionMinor),
		Formats: `<filetypes>
  <type ext="vrtxt" desc="VRTree text document"/>
  <type ext="vrnative" desc="VRTree native document"/>
</filetypes>`,
		Settings: `<recipe>
  <Page name="Import">
    <Check label="Merge everything" name="mergeAll" value="0" desc="Merge every level instead of roots only"/>
  </Page>
</recipe>`,
	}
}

func (n *Native) Init(h Host) error {
	n.host = h
	return nil
}

func (n *Native) Cleanup() error {
	n.host = nil
	return nil
}

// CanImport accepts native files only when they carry the native header,
// and any text file.
func (n *Native) CanImport(_ context.Context, file string) (bool, error) {
	enc, ok := format.EncodingFor(file)
	if !ok {
		return false, nil
	}
	if enc == format.Text {
		return true, nil
	}
	f, err := os.Open(file)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, 16)
	k, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false, err
	}
	return format.Sniff(head[:k]) == format.Native, nil
}

func (n *Native) Import(ctx context.Context, req ImportRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := format.ReadFile(req.File)
	if err != nil {
		return err
	}
	total := doc.Count()
	n.progress(0, total, "Importing "+req.File)

	target := req.Scenes
	if target == nil {
		target = req.Store.Scenes()
		defer target.Close()
	}
	var flags tree.IOFlag
	var build tree.BuildFlag
	if req.MergeOptions != nil {
		flags |= tree.Merge
		build |= tree.MergeRoots
		if all, err := req.Store.GetBool(req.MergeOptions, tree.Name(MergeAllProperty)); err == nil && all {
			build |= tree.MergeAll
		}
		req.Store.ClearLastError()
	}
	root, err := req.Store.ImportDocument(target, doc, flags, build, req.Flags)
	if err != nil {
		return err
	}
	root.Close()
	n.progress(total, total, "")
	return nil
}

func (n *Native) Export(ctx context.Context, req ExportRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from := req.Scenes
	if from == nil {
		from = req.Store.Scenes()
		defer from.Close()
	}
	doc, err := req.Store.ExportDocument(from, 0)
	if err != nil {
		return err
	}
	return format.WriteFile(req.File, doc, format.Guess)
}

func (n *Native) progress(cur, max int, msg string) {
	if n.host != nil {
		n.host.ProgressYield(cur, max, msg)
	}
}
