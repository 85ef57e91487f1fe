// Package vrtree assembles a ready to use scene graph runtime from a
// config.Config: the tree store, logging, licensing, the change journal,
// the badger archive, the exchange plugin registry with its drop folder,
// the FFI registry and script interpreter, and the collaboration hub.
//
// The store is not safe for concurrent use. Init, Update and Shutdown
// must be called from the goroutine that owns the store; everything
// arriving from other goroutines (peer changes, drop folder imports) is
// queued and applied during Update.
//
// Example:
//
//	cfg, _ := config.Load("")
//	ctx, err := vrtree.Init(cfg, vrtree.Options{Schema: registerMetanodes})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ctx.Shutdown()
//
//	for range time.Tick(16 * time.Millisecond) {
//		ctx.Update(0.016)
//	}
package vrtree

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/archive"
	"github.com/orneryd/vrtree/pkg/audit"
	"github.com/orneryd/vrtree/pkg/auth"
	"github.com/orneryd/vrtree/pkg/collab"
	"github.com/orneryd/vrtree/pkg/config"
	"github.com/orneryd/vrtree/pkg/exchange"
	"github.com/orneryd/vrtree/pkg/ffi"
	"github.com/orneryd/vrtree/pkg/journal"
	"github.com/orneryd/vrtree/pkg/logging"
	"github.com/orneryd/vrtree/pkg/tree"
	"github.com/orneryd/vrtree/pkg/value"
)

// Errors returned by Context.
var (
	ErrClosed          = errors.New("vrtree: context is shut down")
	ErrNetworkDisabled = errors.New("vrtree: networking is disabled")
	ErrPrecision       = errors.New("vrtree: world precision does not match this build")
)

// APIVersion returns the plugin API version implemented by this build.
func APIVersion() (major, minor int) {
	return exchange.APIVersionMajor, exchange.APIVersionMinor
}

// Options carries what cannot come from a config file.
type Options struct {
	// Logger replaces the logger built from config.Logging.
	Logger *zap.Logger

	// Schema registers the application's metanodes. It runs before the
	// journal is replayed, since replay needs every journaled metanode.
	Schema func(s *tree.Store) error

	// Plugins are registered after the built-in native plugin.
	Plugins []exchange.Plugin

	// Hooks route plugin messages, questions and progress to the host.
	Hooks exchange.Hooks
}

// Context owns every runtime component. Accessors return nil for
// components disabled in the config.
type Context struct {
	cfg   *config.Config
	log   *zap.Logger
	level zap.AtomicLevel
	owned bool // log was built here and is synced on shutdown

	store    *tree.Store
	verifier *auth.Verifier
	security *tree.SecurityContext
	audit    *audit.Logger

	journal  *journal.Journal
	recorder *journal.Recorder
	archive  *archive.Archive
	plugins  *exchange.Registry
	watcher  *exchange.Watcher
	ffi      *ffi.Registry
	script   *ffi.Script
	hub      *collab.Hub

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	bgWg   sync.WaitGroup
}

// Init validates cfg and starts every enabled component. A nil cfg uses
// config.DefaultConfig. On error everything already started is shut
// down again.
func Init(cfg *config.Config, opts Options) (*Context, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Store.WorldPrecision != value.WorldSize*8 {
		return nil, fmt.Errorf("%w: configured %d bits, built with %d", ErrPrecision, cfg.Store.WorldPrecision, value.WorldSize*8)
	}
	levels, err := ParseErrorLevels(cfg.Store.ErrorLevels)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.ApplyRuntimeMemory()

	c := &Context{cfg: cfg, stop: make(chan struct{})}
	if opts.Logger != nil {
		c.log = opts.Logger
		c.level = zap.NewAtomicLevel()
	} else {
		c.log, c.level, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		c.owned = true
	}
	c.log.Info("initializing vrtree", zap.Stringer("config", cfg))

	if err := c.start(opts, levels); err != nil {
		c.Shutdown()
		return nil, err
	}
	c.log.Info("vrtree ready",
		zap.Bool("journal", c.journal != nil),
		zap.Bool("archive", c.archive != nil),
		zap.Bool("network", c.hub != nil),
		zap.Bool("watcher", c.watcher != nil))
	return c, nil
}

func (c *Context) start(opts Options, levels tree.ErrorLevel) error {
	cfg := c.cfg
	var err error

	if cfg.Security.AuditLog != "" {
		c.audit, err = audit.NewLogger(audit.Config{
			Enabled:    true,
			Path:       cfg.Security.AuditLog,
			SyncWrites: cfg.Security.AuditSync,
			AlertOn:    []audit.EventType{audit.EventLicenseRejected},
		})
		if err != nil {
			return err
		}
		c.audit.SetAlertCallback(func(e audit.Event) {
			c.log.Warn("license rejected", zap.String("name", e.Name), zap.String("reason", e.Reason))
		})
	}

	if cfg.Security.LicenseKey != "" {
		if c.verifier, err = auth.NewVerifierHex(cfg.Security.LicenseKey); err != nil {
			return fmt.Errorf("license key: %w", err)
		}
	}
	topts := tree.Options{
		Logger:          c.log,
		UserName:        cfg.Store.UserName,
		RequireSecurity: cfg.Store.RequireSecurity,
		PathCacheSize:   cfg.Store.PathCacheSize,
	}
	if c.verifier != nil {
		topts.Verifier = c.verifier
	}
	c.store = tree.New(topts)
	c.store.SetErrorLevel(levels)
	c.store.SetImmediateErrorLog(cfg.Store.ImmediateErrorLog)

	if cfg.Security.LicenseFile != "" {
		data, err := os.ReadFile(cfg.Security.LicenseFile)
		if err != nil {
			return fmt.Errorf("failed to read license: %w", err)
		}
		c.security, err = c.store.RequestSecurityContext(data, cfg.Security.Name)
		if err != nil {
			c.auditLog(c.audit.LogLicense(cfg.Security.Name, 0, err))
			return fmt.Errorf("license rejected: %w", err)
		}
		c.auditLog(c.audit.LogLicense(cfg.Security.Name, c.security.Permissions(), nil))
		c.log.Info("license accepted", zap.Stringer("permissions", c.security.Permissions()))
	}

	if opts.Schema != nil {
		if err := opts.Schema(c.store); err != nil {
			return fmt.Errorf("schema registration failed: %w", err)
		}
	}

	if cfg.Journal.Enabled {
		if err := c.openJournal(); err != nil {
			return err
		}
	}

	if cfg.Archive.Enabled {
		c.archive, err = archive.Open(archive.Options{
			Dir:            cfg.Archive.Dir,
			InMemory:       cfg.Archive.InMemory,
			SyncWrites:     cfg.Archive.SyncWrites,
			BlockCacheSize: cfg.Archive.CacheBytes(),
			Logger:         c.log,
		})
		if err != nil {
			return err
		}
		if cfg.Archive.GCInterval > 0 && !cfg.Archive.InMemory {
			c.bgWg.Add(1)
			go c.archiveGC(cfg.Archive.GCInterval)
		}
	}

	c.ffi = ffi.NewRegistry(c.log)
	if err := c.registerBuiltins(); err != nil {
		return err
	}
	if c.script, err = ffi.NewScript(c.ffi, ffi.DefaultScriptPackages); err != nil {
		return err
	}
	if cfg.Exchange.ScriptDir != "" {
		if err := c.loadScripts(cfg.Exchange.ScriptDir); err != nil {
			return err
		}
	}

	xopts := exchange.Options{Logger: c.log, Hooks: c.auditHooks(opts.Hooks)}
	if c.verifier != nil {
		xopts.Verifier = c.verifier
	}
	c.plugins = exchange.NewRegistry(xopts)
	all := append([]exchange.Plugin{exchange.NewNative()}, opts.Plugins...)
	if err := c.plugins.RegisterAll(all...); err != nil {
		return err
	}
	for _, info := range c.plugins.Plugins() {
		c.auditLog(c.audit.Log(audit.Event{
			Type:       audit.EventPluginRegistered,
			Name:       info.Name,
			Resource:   "plugin",
			ResourceID: info.Version,
			Success:    true,
		}))
	}
	if cfg.Exchange.DropDir != "" {
		c.watcher, err = exchange.NewWatcher(c.plugins, c.store, exchange.WatcherOptions{
			Dir:      cfg.Exchange.DropDir,
			Debounce: cfg.Exchange.Debounce,
			Logger:   c.log,
		})
		if err != nil {
			return err
		}
	}

	if cfg.Network.Enabled {
		if err := c.startNetwork(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) openJournal() error {
	cfg := c.cfg.Journal
	res, err := journal.Recover(c.store, cfg.Dir, cfg.SnapshotFile, c.log)
	if err != nil {
		return err
	}
	if res.Applied+res.Failed > 0 {
		c.auditLog(c.audit.Log(audit.Event{
			Type:     audit.EventRestore,
			Resource: "journal",
			Success:  res.Failed == 0,
			Metadata: map[string]string{
				"applied": strconv.Itoa(res.Applied),
				"failed":  strconv.Itoa(res.Failed),
			},
		}))
		c.log.Info("journal replayed",
			zap.Int("applied", res.Applied),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
			zap.Uint64("last", res.Last))
	}
	c.journal, err = journal.Open(&journal.Config{
		Dir:               cfg.Dir,
		SyncMode:          cfg.SyncMode,
		BatchSyncInterval: cfg.BatchSyncInterval,
		MaxEntries:        cfg.MaxEntries,
		Logger:            c.log,
	})
	if err != nil {
		return err
	}
	c.recorder = journal.Attach(c.store, c.journal, journal.RecorderOptions{
		RecordRemote: cfg.RecordRemote,
		SnapshotPath: cfg.SnapshotFile,
	})
	return nil
}

func (c *Context) startNetwork() error {
	cfg := c.cfg.Network
	hopts := collab.Options{
		Path:              cfg.Path,
		BulkThreshold:     int64(cfg.BulkThreshold),
		CompressThreshold: cfg.CompressThreshold,
		Logger:            c.log,
	}
	if cfg.PeerID != "" {
		id, err := uuid.Parse(cfg.PeerID)
		if err != nil {
			return fmt.Errorf("invalid network.peer_id: %w", err)
		}
		hopts.PeerID = id
	}
	c.hub = collab.New(c.store, hopts)
	if err := c.hub.Init(cfg.Port); err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		host, port, err := splitPeer(p)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = c.hub.Connect(ctx, host, port)
			cancel()
		}
		if err != nil {
			// Peers may come up later and dial us instead.
			c.log.Warn("peer unreachable", zap.String("peer", p), zap.Error(err))
		}
	}
	return nil
}

// auditHooks records plugin permission requests before answering them.
func (c *Context) auditHooks(h exchange.Hooks) exchange.Hooks {
	if c.audit == nil {
		return h
	}
	ask := h.RequestPermission
	h.RequestPermission = func(plugin string, want tree.Permission, cancelCaption string) tree.Permission {
		var granted tree.Permission
		if ask != nil {
			granted = ask(plugin, want, cancelCaption)
		}
		c.auditLog(c.audit.LogPermissionRequest(plugin, want, granted))
		return granted
	}
	return h
}

func (c *Context) auditLog(err error) {
	if err != nil {
		c.log.Error("audit log write failed", zap.Error(err))
	}
}

func splitPeer(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}

func (c *Context) archiveGC(every time.Duration) {
	defer c.bgWg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if err := c.archive.RunGC(); err != nil {
				c.log.Debug("archive gc", zap.Error(err))
			}
		}
	}
}

// registerBuiltins exposes host services to FFI callers and scripts.
func (c *Context) registerBuiltins() error {
	log := c.log.Named("script")
	builtins := []struct {
		name string
		argc int
		fn   ffi.Func
	}{
		{"log", 1, func(args []ffi.Var, _ any) (ffi.Var, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = a.String()
			}
			log.Info(strings.Join(parts, " "))
			return ffi.Nil(), nil
		}},
		{"apiVersion", 0, func([]ffi.Var, any) (ffi.Var, error) {
			major, minor := APIVersion()
			return ffi.MakeString(fmt.Sprintf("%d.%d", major, minor)), nil
		}},
		{"hasPermission", 1, func(args []ffi.Var, _ any) (ffi.Var, error) {
			name, err := args[0].Str()
			if err != nil {
				return ffi.Nil(), err
			}
			p, ok := tree.ParsePermission(name)
			if !ok {
				return ffi.Nil(), fmt.Errorf("unknown permission %q", name)
			}
			return ffi.MakeBool(c.store.HasPermission(p)), nil
		}},
	}
	for _, b := range builtins {
		if err := c.ffi.Register(b.name, b.fn, b.argc, nil); err != nil {
			return err
		}
	}
	return nil
}

// loadScripts evaluates every .go file in dir in name order.
func (c *Context) loadScripts(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		src, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := c.script.Eval(context.Background(), string(src)); err != nil {
			return fmt.Errorf("script %s: %w", filepath.Base(f), err)
		}
		c.log.Debug("script loaded", zap.String("file", f))
	}
	return nil
}

// Audit returns the security audit log, or nil when it is disabled.
func (c *Context) Audit() *audit.Logger { return c.audit }

// Store returns the scene graph.
func (c *Context) Store() *tree.Store { return c.store }

// Config returns the configuration the context was started with.
func (c *Context) Config() *config.Config { return c.cfg }

// Logger returns the root logger.
func (c *Context) Logger() *zap.Logger { return c.log }

// SetLogLevel changes the level of a logger built from the config.
func (c *Context) SetLogLevel(l string) error { return c.level.UnmarshalText([]byte(l)) }

func (c *Context) Archive() *archive.Archive    { return c.archive }
func (c *Context) Journal() *journal.Journal    { return c.journal }
func (c *Context) Exchange() *exchange.Registry { return c.plugins }
func (c *Context) FFI() *ffi.Registry           { return c.ffi }
func (c *Context) Script() *ffi.Script          { return c.script }
func (c *Context) Hub() *collab.Hub             { return c.hub }

// Connect dials another vrtree process.
func (c *Context) Connect(ctx context.Context, addr string, port int) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.hub == nil {
		return ErrNetworkDisabled
	}
	return c.hub.Connect(ctx, addr, port)
}

// Update applies queued work and delivers pending observer callbacks.
func (c *Context) Update(dt float64) {
	if c.isClosed() {
		return
	}
	c.store.Update(dt)
}

// BulkData reports whether the network has a backlog worth waiting for
// before producing more changes.
func (c *Context) BulkData() bool {
	return c.hub != nil && c.hub.BulkData()
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown stops every component in reverse start order. It is safe to
// call more than once.
func (c *Context) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.bgWg.Wait()

	var errs []error
	if c.watcher != nil {
		errs = append(errs, c.watcher.Close())
	}
	if c.hub != nil {
		errs = append(errs, c.hub.Close())
	}
	if c.plugins != nil {
		errs = append(errs, c.plugins.Close())
	}
	if c.recorder != nil {
		c.recorder.Detach()
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive close: %w", err))
		}
	}
	if c.security != nil {
		errs = append(errs, c.store.CloseSecurityContext(c.security))
		c.auditLog(c.audit.Log(audit.Event{Type: audit.EventContextClosed, Name: c.security.Name(), Resource: "store", Success: true}))
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	if c.audit != nil {
		c.auditLog(c.audit.Log(audit.Event{Type: audit.EventShutdown, Success: true}))
		errs = append(errs, c.audit.Close())
	}
	if c.log != nil {
		c.log.Info("vrtree shut down")
		if c.owned {
			_ = c.log.Sync()
		}
	}
	return errors.Join(errs...)
}

// ParseErrorLevels turns level names (errors, warnings, debug, info) into
// a tree.ErrorLevel mask.
func ParseErrorLevels(names []string) (tree.ErrorLevel, error) {
	var mask tree.ErrorLevel
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "errors":
			mask |= tree.LevelErrors
		case "warnings":
			mask |= tree.LevelWarnings
		case "debug":
			mask |= tree.LevelDebug
		case "info":
			mask |= tree.LevelInfo
		default:
			return 0, fmt.Errorf("unknown error level %q", n)
		}
	}
	return mask, nil
}
