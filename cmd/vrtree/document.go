package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/orneryd/vrtree/pkg/archive"
	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/tree"
	"github.com/orneryd/vrtree/pkg/value"
)

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print a document as a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, _ := cmd.Flags().GetBool("props")
			ids, _ := cmd.Flags().GetBool("ids")
			noColor, _ := cmd.Flags().GetBool("no-color")

			doc, err := format.ReadFile(args[0])
			if err != nil {
				return err
			}
			dump(cmd.OutOrStdout(), doc, dumpOptions{props: props, ids: ids, noColor: noColor})
			return nil
		},
	}
	cmd.Flags().BoolP("props", "p", false, "Show property values")
	cmd.Flags().Bool("ids", false, "Show node UUIDs")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	return cmd
}

type dumpOptions struct {
	props, ids, noColor bool
}

func dump(w io.Writer, doc *format.Document, opts dumpOptions) {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	if opts.noColor {
		for _, c := range []*color.Color{bold, cyan, green, gray} {
			c.DisableColor()
		}
	}

	gray.Fprintf(w, "%s document v%d, %d nodes\n", docKind(doc), doc.Version, doc.Count())
	doc.Walk(func(r *format.NodeRecord, depth int) bool {
		indent := strings.Repeat("  ", depth)
		fmt.Fprint(w, indent)
		bold.Fprint(w, r.Name)
		fmt.Fprint(w, " ")
		cyan.Fprintf(w, "%s@%d", r.Meta, r.Version)
		if opts.ids {
			gray.Fprintf(w, " %s", r.ID)
		}
		fmt.Fprintln(w)
		if opts.props {
			for _, p := range r.Properties {
				fmt.Fprint(w, indent, "  ")
				green.Fprint(w, p.Name)
				fmt.Fprintf(w, " = %s\n", propertyText(p))
			}
		}
		return true
	})
}

func docKind(doc *format.Document) string {
	if doc.Kind == "" {
		return format.KindScene
	}
	return doc.Kind
}

func propertyText(p format.PropertyRecord) string {
	switch {
	case p.Link != "":
		return "-> " + p.Link
	case p.Str != nil:
		quoted := make([]string, len(p.Str))
		for i, s := range p.Str {
			quoted[i] = strconv.Quote(s)
		}
		if len(quoted) == 1 {
			return quoted[0]
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	case len(p.Num) == 1:
		return strconv.FormatFloat(p.Num[0], 'g', -1, 64)
	}
	nums := make([]string, len(p.Num))
	for i, n := range p.Num {
		nums[i] = strconv.FormatFloat(n, 'g', -1, 64)
	}
	return "(" + strings.Join(nums, ", ") + ")"
}

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Convert a document between text and native encodings",
		Long: `Convert a document between the text (.vrtxt, .yaml) and native
(.vrnative) encodings. The output encoding follows the output extension
unless --encoding is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("encoding")
			enc, err := parseEncoding(name)
			if err != nil {
				return err
			}
			doc, err := format.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := format.WriteFile(args[1], doc, enc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "converted %d nodes to %s\n", doc.Count(), args[1])
			return nil
		},
	}
	cmd.Flags().String("encoding", "guess", "Output encoding: guess, text or native")
	return cmd
}

func parseEncoding(name string) (format.Encoding, error) {
	for _, e := range []format.Encoding{format.Guess, format.Text, format.Native} {
		if strings.EqualFold(name, e.String()) {
			return e, nil
		}
	}
	return format.Guess, fmt.Errorf("unknown encoding %q", name)
}

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema <file>",
		Short: "List the metanodes a document uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noColor, _ := cmd.Flags().GetBool("no-color")
			doc, err := format.ReadFile(args[0])
			if err != nil {
				return err
			}
			printSchemas(cmd.OutOrStdout(), schemaOf(doc), noColor)
			return nil
		},
	}
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	return cmd
}

func printSchemas(w io.Writer, schemas []archive.Schema, noColor bool) {
	cyan := color.New(color.Bold, color.FgCyan)
	green := color.New(color.FgGreen)
	if noColor {
		cyan.DisableColor()
		green.DisableColor()
	}
	for _, sc := range schemas {
		cyan.Fprintf(w, "%s@%d\n", sc.Name, sc.Version)
		for _, p := range sc.Properties {
			fmt.Fprint(w, "  ")
			green.Fprint(w, p.Name)
			fmt.Fprintf(w, " %s\n", p.Type)
		}
	}
}

// schemaOf infers one schema per (metanode, version) from the properties
// the document's nodes carry. Properties missing on some nodes are still
// part of the schema.
func schemaOf(doc *format.Document) []archive.Schema {
	type key struct {
		name    string
		version int
	}
	byKey := make(map[key]*archive.Schema)
	seen := make(map[key]map[string]bool)
	doc.Walk(func(r *format.NodeRecord, _ int) bool {
		k := key{r.Meta, r.Version}
		sc, ok := byKey[k]
		if !ok {
			sc = &archive.Schema{Name: r.Meta, Version: r.Version}
			byKey[k] = sc
			seen[k] = make(map[string]bool)
		}
		for _, p := range r.Properties {
			if seen[k][p.Name] {
				continue
			}
			seen[k][p.Name] = true
			sc.Properties = append(sc.Properties, archive.PropertySchema{Name: p.Name, Type: p.Type})
		}
		return true
	})
	out := make([]archive.Schema, 0, len(byKey))
	for _, sc := range byKey {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// registerSchemas publishes every schema whose metanode is not registered
// yet. Only version 0 can be published without migrations.
func registerSchemas(s *tree.Store, schemas []archive.Schema) error {
	for _, sc := range schemas {
		if m, err := s.MetaNodeByName(sc.Name); err == nil {
			m.Close()
			continue
		}
		s.ClearLastError()
		if sc.Version != 0 {
			return fmt.Errorf("metanode %s: version %d needs migrations", sc.Name, sc.Version)
		}
		b, err := s.CreateMetaNodeEx(sc.Name, tree.MetaFlag(sc.Flags))
		if err != nil {
			return err
		}
		for _, p := range sc.Properties {
			typ, err := value.ParseType(p.Type)
			if err != nil {
				b.Close()
				return fmt.Errorf("metanode %s: %w", sc.Name, err)
			}
			if _, err := s.AddProperty(b, p.Name, typ); err != nil {
				b.Close()
				return err
			}
		}
		m, err := s.FinishMetaNode(b)
		if err != nil {
			b.Close()
			return err
		}
		m.Close()
	}
	return nil
}
