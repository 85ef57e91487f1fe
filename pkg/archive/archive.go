// Package archive stores VRTree documents in BadgerDB.
//
// An archive keeps saved subtrees keyed by the UUID of their root node,
// a name index, and the schema of every metanode a saved document
// referenced, so a later session can tell whether its registry can load
// an entry before touching the tree.
//
// Key Structure:
//   - Documents: 0x01 + rootUUID -> JSON(Entry), document native encoded
//   - Name Index: 0x02 + name + 0x00 + rootUUID -> empty
//   - Schemas: 0x03 + metanode name -> JSON(Schema)
//
// Example:
//
//	a, err := archive.Open(archive.Options{Dir: "./data/archive"})
//	if err != nil {
//		return err
//	}
//	defer a.Close()
//
//	id, err := a.Save(store, node)
//	...
//	restored, err := a.Load(store, scenes, id, 0)
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/format"
	"github.com/orneryd/vrtree/pkg/tree"
)

const (
	prefixDoc    = byte(0x01)
	prefixName   = byte(0x02)
	prefixSchema = byte(0x03)
)

// Errors returned by the archive.
var (
	ErrClosed   = errors.New("archive: closed")
	ErrNotFound = errors.New("archive: entry not found")
	ErrEmpty    = errors.New("archive: nothing to save")
	ErrSchema   = errors.New("archive: schema mismatch")
)

// Options configures an Archive.
type Options struct {
	// Dir holds the database files. Required unless InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// BlockCacheSize is badger's block cache in bytes. Zero uses 32 MiB.
	BlockCacheSize int64

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Entry is one archived document.
type Entry struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Meta     string    `json:"meta"`
	Nodes    int       `json:"nodes"`
	SavedAt  time.Time `json:"saved_at"`
	Document []byte    `json:"document,omitempty"`
}

// Schema describes one metanode version as it was when a document using
// it was archived.
type Schema struct {
	Name       string           `json:"name"`
	Version    int              `json:"version"`
	Flags      uint32           `json:"flags,omitempty"`
	Properties []PropertySchema `json:"properties,omitempty"`
}

// PropertySchema describes one property of a Schema.
type PropertySchema struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Flags uint32 `json:"flags,omitempty"`
}

// Archive is a badger-backed document archive. It is safe for concurrent
// use; methods taking a *tree.Store must run on that store's goroutine.
type Archive struct {
	db     *badger.DB
	log    *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Open opens or creates an archive.
func Open(opts Options) (*Archive, error) {
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = bo.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		bo = bo.WithSyncWrites(true)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cache := opts.BlockCacheSize
	if cache <= 0 {
		cache = 32 << 20
	}
	bo = bo.WithLogger(badgerLogger{log.Named("badger").Sugar()}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(cache).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to open BadgerDB: %w", err)
	}
	return &Archive{db: db, log: log.Named("archive")}, nil
}

// badgerLogger routes badger's internal logging to zap. Info is demoted to
// debug; badger is chatty about compactions.
type badgerLogger struct{ l *zap.SugaredLogger }

func (b badgerLogger) Errorf(f string, args ...any)   { b.l.Errorf(f, args...) }
func (b badgerLogger) Warningf(f string, args ...any) { b.l.Warnf(f, args...) }
func (b badgerLogger) Infof(f string, args ...any)    { b.l.Debugf(f, args...) }
func (b badgerLogger) Debugf(f string, args ...any)   { b.l.Debugf(f, args...) }

func docKey(id uuid.UUID) []byte {
	return append([]byte{prefixDoc}, id[:]...)
}

func nameKey(name string, id uuid.UUID) []byte {
	key := make([]byte, 0, 2+len(name)+16)
	key = append(key, prefixName)
	key = append(key, name...)
	key = append(key, 0x00)
	return append(key, id[:]...)
}

func namePrefix(name string) []byte {
	key := make([]byte, 0, 2+len(name))
	key = append(key, prefixName)
	key = append(key, name...)
	return append(key, 0x00)
}

func schemaKey(name string) []byte {
	return append([]byte{prefixSchema}, name...)
}

func (a *Archive) check() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// Save archives n and its subtree under n's UUID, replacing any previous
// entry with that id, and records the schema of every metanode used.
func (a *Archive) Save(s *tree.Store, n *tree.Node) (uuid.UUID, error) {
	if err := a.check(); err != nil {
		return uuid.Nil, err
	}
	id, err := s.UUID(n)
	if err != nil {
		return uuid.Nil, err
	}
	doc, err := s.ExportDocument(n, 0)
	if err != nil {
		return uuid.Nil, err
	}
	if len(doc.Roots) == 0 {
		return uuid.Nil, ErrEmpty
	}
	schemas := collectSchemas(s, doc)
	if err := a.Put(id, s.NodeName(n), s.NodeMetaName(n), doc, schemas...); err != nil {
		return uuid.Nil, err
	}
	a.log.Debug("subtree archived", zap.Stringer("id", id), zap.Int("nodes", doc.Count()))
	return id, nil
}

// collectSchemas describes the current version of every metanode doc
// references.
func collectSchemas(s *tree.Store, doc *format.Document) []Schema {
	seen := make(map[string]bool)
	var out []Schema
	doc.Walk(func(r *format.NodeRecord, _ int) bool {
		if seen[r.Meta] {
			return true
		}
		seen[r.Meta] = true
		m, err := s.MetaNodeVersion(r.Meta, r.Version)
		if err != nil {
			return true
		}
		defer m.Close()
		sc := Schema{Name: r.Meta, Version: m.Version(), Flags: uint32(m.Flags())}
		for _, p := range s.Properties(m) {
			sc.Properties = append(sc.Properties, PropertySchema{Name: p.Name, Type: p.Type.String(), Flags: uint32(p.Flags)})
		}
		out = append(out, sc)
		return true
	})
	return out
}

// Put stores doc under id together with the given schemas.
func (a *Archive) Put(id uuid.UUID, name, meta string, doc *format.Document, schemas ...Schema) error {
	if err := a.check(); err != nil {
		return err
	}
	data, err := format.Marshal(doc, format.Native)
	if err != nil {
		return err
	}
	e := Entry{ID: id, Name: name, Meta: meta, Nodes: doc.Count(), SavedAt: time.Now().UTC(), Document: data}
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("archive: failed to encode entry: %w", err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		if old, err := getEntry(txn, id); err == nil && old.Name != name {
			if err := txn.Delete(nameKey(old.Name, id)); err != nil {
				return err
			}
		}
		if err := txn.Set(docKey(id), raw); err != nil {
			return err
		}
		if err := txn.Set(nameKey(name, id), []byte{}); err != nil {
			return err
		}
		for _, sc := range schemas {
			raw, err := json.Marshal(&sc)
			if err != nil {
				return fmt.Errorf("archive: failed to encode schema: %w", err)
			}
			if err := txn.Set(schemaKey(sc.Name), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func getEntry(txn *badger.Txn, id uuid.UUID) (*Entry, error) {
	item, err := txn.Get(docKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("archive: failed to decode entry %s: %w", id, err)
	}
	return &e, nil
}

// Get returns the entry stored under id, including its document.
func (a *Archive) Get(id uuid.UUID) (*Entry, *format.Document, error) {
	if err := a.check(); err != nil {
		return nil, nil, err
	}
	var e *Entry
	err := a.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	doc, err := format.Unmarshal(e.Document)
	if err != nil {
		return nil, nil, err
	}
	e.Document = nil
	return e, doc, nil
}

// Load builds the entry stored under id below target. Loading with
// tree.Merge updates nodes that still exist instead of duplicating them.
func (a *Archive) Load(s *tree.Store, target *tree.Node, id uuid.UUID, flags tree.IOFlag) (*tree.Node, error) {
	_, doc, err := a.Get(id)
	if err != nil {
		return nil, err
	}
	if err := a.Compatible(s, doc); err != nil {
		return nil, err
	}
	return s.ImportDocument(target, doc, flags, 0, 0)
}

// Merge is Load with tree.Merge: nodes that still exist take the archived
// values, missing ones are recreated.
func (a *Archive) Merge(s *tree.Store, target *tree.Node, id uuid.UUID) (*tree.Node, error) {
	return a.Load(s, target, id, tree.Merge)
}

// Compatible reports ErrSchema when doc references a metanode s does not
// know or a version newer than the registered one. Metanodes whose
// archived schema no longer matches the registry are logged.
func (a *Archive) Compatible(s *tree.Store, doc *format.Document) error {
	var problems []string
	seen := make(map[string]bool)
	doc.Walk(func(r *format.NodeRecord, _ int) bool {
		if seen[r.Meta] {
			return true
		}
		seen[r.Meta] = true
		cur, err := s.CurrentMetaNodeVersion(r.Meta)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("%s: not registered", r.Meta))
		case r.Version > cur:
			problems = append(problems, fmt.Sprintf("%s: version %d is newer than %d", r.Meta, r.Version, cur))
		}
		return true
	})
	for name := range seen {
		sc, err := a.Schema(name)
		if err != nil {
			continue
		}
		cur, err := s.CurrentMetaNodeVersion(name)
		if err == nil && cur == sc.Version {
			if drift := schemaDrift(s, sc); drift != "" {
				a.log.Warn("archived schema differs from registry", zap.String("meta", name), zap.String("drift", drift))
			}
		}
	}
	s.ClearLastError()
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %v", ErrSchema, problems)
	}
	return nil
}

func schemaDrift(s *tree.Store, sc *Schema) string {
	m, err := s.MetaNodeByName(sc.Name)
	if err != nil {
		return "missing"
	}
	defer m.Close()
	props := s.Properties(m)
	if len(props) != len(sc.Properties) {
		return fmt.Sprintf("%d properties, archived %d", len(props), len(sc.Properties))
	}
	for i, p := range props {
		if p.Name != sc.Properties[i].Name || p.Type.String() != sc.Properties[i].Type {
			return fmt.Sprintf("property %d is %s %s, archived %s %s", i, p.Name, p.Type, sc.Properties[i].Name, sc.Properties[i].Type)
		}
	}
	return ""
}

// Delete removes the entry stored under id.
func (a *Archive) Delete(id uuid.UUID) error {
	if err := a.check(); err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(nameKey(e.Name, id)); err != nil {
			return err
		}
		return txn.Delete(docKey(id))
	})
}

// List returns every entry without documents, newest first.
func (a *Archive) List() ([]Entry, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	var out []Entry
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixDoc}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				a.log.Warn("skipping undecodable entry", zap.Binary("key", it.Item().KeyCopy(nil)), zap.Error(err))
				continue
			}
			e.Document = nil
			out = append(out, e)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, err
}

// FindByName returns the ids of entries whose root has name.
func (a *Archive) FindByName(name string) ([]uuid.UUID, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	prefix := namePrefix(name)
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			id, err := uuid.FromBytes(bytes.Clone(key[len(prefix):]))
			if err == nil {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

// Schema returns the archived schema of a metanode.
func (a *Archive) Schema(name string) (*Schema, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	var sc Schema
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: schema %s", ErrNotFound, name)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sc)
		})
	})
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// Schemas returns every archived schema sorted by name.
func (a *Archive) Schemas() ([]Schema, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	var out []Schema
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixSchema}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sc Schema
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &sc) }); err != nil {
				continue
			}
			out = append(out, sc)
		}
		return nil
	})
	return out, err
}

// Sync forces pending writes to disk.
func (a *Archive) Sync() error {
	if err := a.check(); err != nil {
		return err
	}
	return a.db.Sync()
}

// RunGC runs value log garbage collection. badger.ErrNoRewrite means
// there was nothing to collect and is not reported.
func (a *Archive) RunGC() error {
	if err := a.check(); err != nil {
		return err
	}
	if err := a.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

// Close closes the database. Closing twice is a no-op.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}
