// Package main provides the vrtree CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/config"
	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/tree"
	"github.com/orneryd/vrtree/pkg/vrtree"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vrtree",
		Short: "vrtree - versioned, observable scene graph",
		Long: `vrtree is a scene graph store with typed properties, versioned
metanodes, change observers and peer to peer synchronization.

The CLI inspects and converts vrtree documents, manages the
document archive and runs a synchronizing node.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./vrtree.yaml, $HOME/.vrtree, /etc/vrtree)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			major, minor := vrtree.APIVersion()
			fmt.Fprintf(cmd.OutOrStdout(), "vrtree v%s (%s), plugin API %d.%d\n", version, commit, major, minor)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a vrtree node",
		Long: `Run a vrtree node: replay the journal, watch the drop folder and
synchronize with the configured peers until interrupted.`,
		RunE: runServe,
	}
	serveCmd.Flags().String("schema", "", "Document whose metanodes are registered at startup")
	serveCmd.Flags().StringSlice("import", nil, "Files imported into Scenes at startup")
	serveCmd.Flags().Duration("tick", 16*time.Millisecond, "Update interval")
	serveCmd.Flags().Int("port", -1, "Network port (overrides config, enables networking)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newDumpCmd(), newConvertCmd(), newSchemaCmd(), newArchiveCmd(), newLicenseCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	schemaFile, _ := cmd.Flags().GetString("schema")
	imports, _ := cmd.Flags().GetStringSlice("import")
	tick, _ := cmd.Flags().GetDuration("tick")
	port, _ := cmd.Flags().GetInt("port")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port >= 0 {
		cfg.Network.Enabled = true
		cfg.Network.Port = port
	}

	opts := vrtree.Options{}
	if schemaFile != "" {
		doc, err := format.ReadFile(schemaFile)
		if err != nil {
			return fmt.Errorf("reading schema: %w", err)
		}
		opts.Schema = func(s *tree.Store) error { return registerSchemas(s, schemaOf(doc)) }
	}

	vr, err := vrtree.Init(cfg, opts)
	if err != nil {
		return err
	}
	defer vr.Shutdown()
	log := vr.Logger()

	s := vr.Store()
	for _, file := range imports {
		scenes, libs := s.Scenes(), s.Libraries()
		err := vr.Exchange().XImport(context.Background(), file, s, scenes, libs, "")
		scenes.Close()
		libs.Close()
		if err != nil {
			return fmt.Errorf("importing %s: %w", file, err)
		}
		log.Info("imported", zap.String("file", file))
	}

	if h := vr.Hub(); h != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "vrtree node %s listening on %s\n", h.ID(), h.Addr())
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-sigChan:
			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
			return vr.Shutdown()
		case now := <-ticker.C:
			vr.Update(now.Sub(last).Seconds())
			last = now
		}
	}
}
