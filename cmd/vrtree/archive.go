package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/orneryd/vrtree/pkg/archive"
	"github.com/orneryd/vrtree/pkg/format"
)

func newArchiveCmd() *cobra.Command {
	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Document archive operations",
	}
	archiveCmd.PersistentFlags().String("dir", "", "Archive directory (default: archive.dir from config)")

	archiveCmd.AddCommand(&cobra.Command{
		Use:   "save <file>",
		Short: "Archive every root of a document",
		Args:  cobra.ExactArgs(1),
		RunE: withArchive(func(cmd *cobra.Command, a *archive.Archive, args []string) error {
			doc, err := format.ReadFile(args[0])
			if err != nil {
				return err
			}
			schemas := schemaOf(doc)
			for _, r := range doc.Roots {
				sub := &format.Document{Version: doc.Version, Kind: doc.Kind, Roots: []*format.NodeRecord{r}}
				if err := a.Put(r.ID, r.Name, r.Meta, sub, schemas...); err != nil {
					return fmt.Errorf("archiving %s: %w", r.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", r.ID, r.Name)
			}
			return nil
		}),
	})

	archiveCmd.AddCommand(&cobra.Command{
		Use:   "load <id|name> <out>",
		Short: "Write an archived document to a file",
		Args:  cobra.ExactArgs(2),
		RunE: withArchive(func(cmd *cobra.Command, a *archive.Archive, args []string) error {
			id, err := resolveID(a, args[0])
			if err != nil {
				return err
			}
			e, doc, err := a.Get(id)
			if err != nil {
				return err
			}
			if err := format.WriteFile(args[1], doc, format.Guess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d nodes) to %s\n", e.Name, e.Nodes, args[1])
			return nil
		}),
	})

	archiveCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived documents",
		Args:  cobra.NoArgs,
		RunE: withArchive(func(cmd *cobra.Command, a *archive.Archive, args []string) error {
			entries, err := a.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "archive is empty")
				return nil
			}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{e.ID.String(), e.Name, e.Meta, strconv.Itoa(e.Nodes), e.SavedAt.Format(time.RFC3339)}
			}
			renderTable(cmd.OutOrStdout(), []string{"ID", "NAME", "META", "NODES", "SAVED"}, rows)
			return nil
		}),
	})

	archiveCmd.AddCommand(&cobra.Command{
		Use:   "delete <id|name>",
		Short: "Remove an archived document",
		Args:  cobra.ExactArgs(1),
		RunE: withArchive(func(cmd *cobra.Command, a *archive.Archive, args []string) error {
			id, err := resolveID(a, args[0])
			if err != nil {
				return err
			}
			return a.Delete(id)
		}),
	})
	return archiveCmd
}

func withArchive(fn func(*cobra.Command, *archive.Archive, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if dir == "" {
			dir = cfg.Archive.Dir
		}
		a, err := archive.Open(archive.Options{
			Dir:            dir,
			SyncWrites:     cfg.Archive.SyncWrites,
			BlockCacheSize: cfg.Archive.CacheBytes(),
		})
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

// resolveID accepts a UUID or a unique entry name.
func resolveID(a *archive.Archive, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	ids, err := a.FindByName(ref)
	if err != nil {
		return uuid.Nil, err
	}
	switch len(ids) {
	case 0:
		return uuid.Nil, fmt.Errorf("no archived document named %q", ref)
	case 1:
		return ids[0], nil
	}
	return uuid.Nil, fmt.Errorf("%d archived documents are named %q, use an id", len(ids), ref)
}

func renderTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	bold := color.New(color.Bold, color.FgCyan)
	for i, h := range headers {
		bold.Fprint(w, padRight(h, widths[i]))
		if i < len(headers)-1 {
			fmt.Fprint(w, "  ")
		}
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		for i, cell := range row {
			fmt.Fprint(w, padRight(cell, widths[i]))
			if i < len(row)-1 {
				fmt.Fprint(w, "  ")
			}
		}
		fmt.Fprintln(w)
	}
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
