package exchange

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/tree"
)

// WatcherOptions configures a drop-folder Watcher.
type WatcherOptions struct {
	Dir string
	// Debounce waits for writes to a file to settle. Defaults to 200ms.
	Debounce time.Duration
	// Importer forces a plugin; empty picks one by extension.
	Importer string
	// ImportExisting imports files already in Dir at start.
	ImportExisting bool
	// OnImport is called on the store goroutine after each import.
	OnImport func(file string, err error)
	Logger   *zap.Logger
}

// Watcher imports files dropped into a directory. Imports are posted to
// the store and run during its next Update.
type Watcher struct {
	watcher *fsnotify.Watcher
	reg     *Registry
	store   *tree.Store
	opts    WatcherOptions
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher starts watching opts.Dir.
func NewWatcher(reg *Registry, s *tree.Store, opts WatcherOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(opts.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", opts.Dir, err)
	}

	w := &Watcher{
		watcher:  fw,
		reg:      reg,
		store:    s,
		opts:     opts,
		log:      opts.Logger.With(zap.String("dir", opts.Dir)),
		pending:  make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
	}
	if opts.ImportExisting {
		entries, err := os.ReadDir(opts.Dir)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to list %s: %w", opts.Dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				w.consider(filepath.Join(opts.Dir, e.Name()))
			}
		}
	}

	w.wg.Add(1)
	go w.watch()
	w.log.Info("watching drop folder")
	return w, nil
}

func (w *Watcher) watch() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.consider(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-w.stopChan:
			return
		}
	}
}

// consider schedules file for import if some importer accepts it.
func (w *Watcher) consider(file string) {
	base := filepath.Base(file)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
		return
	}
	if !slices.Contains(w.reg.ImportExtensions(), extOf(file)) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[file]; ok {
		t.Stop()
	}
	w.pending[file] = time.AfterFunc(w.opts.Debounce, func() { w.flush(file) })
}

func (w *Watcher) flush(file string) {
	w.mu.Lock()
	delete(w.pending, file)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	w.store.Post(func(s *tree.Store) {
		scenes, libs := s.Scenes(), s.Libraries()
		defer scenes.Close()
		defer libs.Close()
		err := w.reg.XImport(context.Background(), file, s, scenes, libs, w.opts.Importer)
		if err != nil {
			w.log.Warn("drop import failed", zap.String("file", file), zap.Error(err))
		} else {
			w.log.Info("drop imported", zap.String("file", file))
		}
		if w.opts.OnImport != nil {
			w.opts.OnImport(file, err)
		}
	})
}

// Close stops watching. Imports already posted still run.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	return w.watcher.Close()
}
