package exchange

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/vrtree/pkg/logging"
	"github.com/orneryd/vrtree/pkg/tree"
)

// Options configures a Registry.
type Options struct {
	Logger *zap.Logger
	// Verifier checks plugin signatures. Without one every plugin is
	// granted all permissions.
	Verifier tree.Verifier
	Hooks    Hooks
}

type entry struct {
	plugin   Plugin
	info     Info
	formats  []FileType
	settings *Recipe
	host     *host
}

func (e *entry) matches(name string) bool {
	return e.info.Name == name || (e.info.ShortName != "" && strings.EqualFold(e.info.ShortName, name))
}

func (e *entry) accepts(ext string) bool {
	for _, f := range e.formats {
		if f.Ext == ext {
			return true
		}
	}
	return false
}

// Registry holds registered plugins.
type Registry struct {
	opts Options
	log  *zap.Logger

	mu      sync.RWMutex
	entries []*entry
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{opts: opts, log: opts.Logger}
}

func (r *Registry) find(name string) *entry {
	for _, e := range r.entries {
		if e.matches(name) {
			return e
		}
	}
	return nil
}

// Register checks p and calls its Init. Dependencies must already be
// registered.
func (r *Registry) Register(p Plugin) error {
	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("exchange: plugin has no name")
	}
	major, minor := info.APIMajor, info.APIMinor
	if major == 0 && minor == 0 {
		major, minor = APIVersionMajor, APIVersionMinor
	}
	if major != APIVersionMajor || minor > APIVersionMinor {
		return fmt.Errorf("%w: %s wants %d.%d, host is %d.%d", ErrVersion, info.Name, major, minor, APIVersionMajor, APIVersionMinor)
	}
	formats, err := ParseFormats(info.Formats)
	if err != nil {
		return fmt.Errorf("%s: %w", info.Name, err)
	}
	settings, err := ParseSettings(info.Settings)
	if err != nil {
		return fmt.Errorf("%s: %w", info.Name, err)
	}

	r.mu.RLock()
	dup := r.find(info.Name) != nil || (info.ShortName != "" && r.find(info.ShortName) != nil)
	var missing []string
	for _, d := range info.Depends {
		if r.find(d) == nil {
			missing = append(missing, d)
		}
	}
	r.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, info.Name)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s needs %s", ErrMissingDependency, info.Name, strings.Join(missing, ", "))
	}

	perms := tree.PermAll
	if r.opts.Verifier != nil {
		perms = 0
		if info.Signature != "" {
			perms, err = r.opts.Verifier.Verify([]byte(info.Signature), info.Name)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrSignature, info.Name, err)
			}
		}
	}

	e := &entry{
		plugin:   p,
		info:     info,
		formats:  formats,
		settings: settings,
		host: &host{
			plugin: info.Name,
			sink:   logging.NewPluginSink(r.log, info.Name),
			hooks:  r.opts.Hooks,
			perms:  perms,
		},
	}
	if err := p.Init(e.host); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInit, info.Name, err)
	}

	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	r.log.Info("plugin registered",
		zap.String("plugin", info.Name),
		zap.String("version", info.Version),
		zap.Int("formats", len(formats)),
		zap.Stringer("permissions", perms))
	return nil
}

// RegisterAll registers plugins in dependency order. Dependencies may be
// earlier registrations or members of ps.
func (r *Registry) RegisterAll(ps ...Plugin) error {
	infos := make([]Info, len(ps))
	for i, p := range ps {
		infos[i] = p.Info()
	}
	inBatch := func(name string) int {
		for i, in := range infos {
			if in.Name == name || (in.ShortName != "" && strings.EqualFold(in.ShortName, name)) {
				return i
			}
		}
		return -1
	}

	done := make([]bool, len(ps))
	for registered := 0; registered < len(ps); {
		progress := false
		for i, p := range ps {
			if done[i] {
				continue
			}
			ready := true
			for _, d := range infos[i].Depends {
				if j := inBatch(d); j >= 0 && !done[j] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if err := r.Register(p); err != nil {
				return err
			}
			done[i] = true
			registered++
			progress = true
		}
		if !progress {
			var stuck []string
			for i, d := range done {
				if !d {
					stuck = append(stuck, infos[i].Name)
				}
			}
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
		}
	}
	return nil
}

// Unregister calls the plugin's Cleanup and removes it.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	e := r.find(name)
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	for _, other := range r.entries {
		for _, d := range other.info.Depends {
			if other != e && e.matches(d) {
				r.mu.Unlock()
				return fmt.Errorf("%w: %s needs %s", ErrInUse, other.info.Name, e.info.Name)
			}
		}
	}
	r.entries = slices.DeleteFunc(r.entries, func(x *entry) bool { return x == e })
	r.mu.Unlock()
	return e.plugin.Cleanup()
}

// Close cleans up every plugin, newest first.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].plugin.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entries[i].info.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Plugins returns the registered plugins' descriptions in order.
func (r *Registry) Plugins() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.info
	}
	return out
}

// Settings returns the parsed settings recipe of a plugin.
func (r *Registry) Settings(name string) (*Recipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.find(name)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return e.settings, nil
}

// ImportExtensions lists the extensions some importer accepts.
func (r *Registry) ImportExtensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, e := range r.entries {
		if _, ok := e.plugin.(Importer); !ok {
			continue
		}
		for _, f := range e.formats {
			if !slices.Contains(out, f.Ext) {
				out = append(out, f.Ext)
			}
		}
	}
	slices.Sort(out)
	return out
}

func extOf(file string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(file), "."))
}

// candidates returns plugins named name, or accepting file's extension,
// that satisfy want.
func (r *Registry) candidates(file, name string, want func(Plugin) bool) ([]*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name != "" {
		e := r.find(name)
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		if !want(e.plugin) {
			return nil, fmt.Errorf("%w: %s cannot handle %s", ErrNoPlugin, name, file)
		}
		return []*entry{e}, nil
	}
	ext := extOf(file)
	var out []*entry
	for _, e := range r.entries {
		if want(e.plugin) && e.accepts(ext) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPlugin, file)
	}
	return out, nil
}

// importerFor picks the importer for file. When several accept the
// extension they are probed concurrently and the earliest registered one
// that accepts the file wins.
func (r *Registry) importerFor(ctx context.Context, file, name string) (*entry, error) {
	cands, err := r.candidates(file, name, func(p Plugin) bool { _, ok := p.(Importer); return ok })
	if err != nil {
		return nil, err
	}
	if len(cands) == 1 {
		return cands[0], nil
	}

	ok := make([]bool, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range cands {
		prober, isProber := e.plugin.(Prober)
		if !isProber {
			ok[i] = true
			continue
		}
		g.Go(func() error {
			accept, err := prober.CanImport(gctx, file)
			if err != nil {
				r.log.Debug("probe failed", zap.String("plugin", e.info.Name), zap.Error(err))
				return nil
			}
			ok[i] = accept
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, e := range cands {
		if ok[i] {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: no importer accepted %s", ErrNoPlugin, file)
}

// XImport imports file onto scenes and libs. importer names the plugin
// to use; empty picks one by extension.
func (r *Registry) XImport(ctx context.Context, file string, s *tree.Store, scenes, libs *tree.Node, importer string) error {
	return r.XImportAndMerge(ctx, file, s, scenes, libs, nil, importer)
}

// XImportAndMerge imports file, merging onto existing nodes when
// mergeOptions is set.
func (r *Registry) XImportAndMerge(ctx context.Context, file string, s *tree.Store, scenes, libs, mergeOptions *tree.Node, importer string) error {
	e, err := r.importerFor(ctx, file, importer)
	if err != nil {
		return err
	}
	if !e.host.HasPermission("modify") {
		return fmt.Errorf("%w: %s may not modify the tree", ErrSignature, e.info.Name)
	}
	root := s.Root()
	defer root.Close()
	recipe := e.info.DefaultRecipe
	r.log.Info("importing", zap.String("file", file), zap.String("plugin", e.info.Name), zap.Bool("merge", mergeOptions != nil))
	err = e.plugin.(Importer).Import(ctx, ImportRequest{
		File:         file,
		Store:        s,
		Root:         root,
		Scenes:       scenes,
		Libs:         libs,
		MergeOptions: mergeOptions,
		Recipe:       recipe,
	})
	if err != nil {
		return fmt.Errorf("exchange: %s import %s: %w", e.info.Name, file, err)
	}
	return nil
}

// XExport writes scenes and libs to file. exporter names the plugin to
// use; empty picks one by extension.
func (r *Registry) XExport(ctx context.Context, file string, s *tree.Store, scenes, libs *tree.Node, exporter string) error {
	cands, err := r.candidates(file, exporter, func(p Plugin) bool { _, ok := p.(Exporter); return ok })
	if err != nil {
		return err
	}
	e := cands[0]
	if !e.host.HasPermission("read") {
		return fmt.Errorf("%w: %s may not read the tree", ErrSignature, e.info.Name)
	}
	root := s.Root()
	defer root.Close()
	r.log.Info("exporting", zap.String("file", file), zap.String("plugin", e.info.Name))
	err = e.plugin.(Exporter).Export(ctx, ExportRequest{
		File:   file,
		Store:  s,
		Root:   root,
		Scenes: scenes,
		Libs:   libs,
		Recipe: e.info.ExportDefaultRecipe,
	})
	if err != nil {
		return fmt.Errorf("exchange: %s export %s: %w", e.info.Name, file, err)
	}
	return nil
}
