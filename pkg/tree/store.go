// Package tree implements the VRTree store: a versioned, observable,
// property-typed scene graph.
//
// The store holds three kinds of entities:
//
//   - Metanodes: named, versioned schemas with ordered typed properties.
//     A metanode is authored in a mutable builder state and published with
//     FinishMetaNode. Its version equals the number of migrations added
//     while it was being built.
//   - Migrations: transforms between adjacent metanode versions, both at
//     schema level (up/down) and at instance level (upgrade/downgrade).
//   - Nodes: instances of a metanode arranged in a single tree under the
//     built-in root, each carrying one value per property.
//
// Every entity is reached through a handle (*Node, *MetaNode, *Migration,
// *UserSlot, *SecurityContext). Handles are owned by the caller and must be
// closed; closing a handle never deletes the entity, and deleting a node
// invalidates every outstanding handle to it.
//
// Threading:
//
// A Store is not safe for concurrent use. All operations are expected to
// run on one goroutine (the host's update loop) and observers run inline.
// Other goroutines hand work to the store with Post, which is drained by
// Update.
//
// Example:
//
//	s := tree.New(tree.Options{})
//	defer s.Close()
//
//	b, _ := s.CreateMetaNode("Widget")
//	s.AddProperty(b, "count", value.Int, tree.WithDefault(value.NewInt(5)))
//	widget, _ := s.FinishMetaNode(b)
//	defer widget.Close()
//
//	root := s.Root()
//	defer root.Close()
//	w, _ := s.CreateNode(root, "Widget", "w1")
//	defer w.Close()
//
//	s.SetInt(w, tree.Name("count"), 7)
package tree

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/cache"
)

// Built-in metanode names.
const (
	MetaRoot      = "Root"
	MetaScenes    = "Scenes"
	MetaLibraries = "Libraries"
	MetaLibrary   = "Library"
	MetaUsers     = "Users"
	MetaUser      = "User"
)

// Options configures a Store.
type Options struct {
	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// UserName names the local user node under Users. Defaults to "local".
	UserName string

	// RequireSecurity makes guarded operations fail with
	// InvalidSecurityContext unless a security context grants them.
	RequireSecurity bool

	// Verifier checks licenses passed to RequestSecurityContext.
	Verifier Verifier

	// PathCacheSize bounds the Find path cache. Zero uses the default.
	PathCacheSize int
}

// Store is the node graph, metanode registry and migration engine.
type Store struct {
	log  *zap.Logger
	opts Options

	metas map[string]*chain
	nodes map[uuid.UUID]*node

	root, scenes, libraries, sysLibrary, users, thisUser *node

	openNodes int
	nextSub   Subscription
	silent    int // suppresses observers and the change feed
	remote    int // marks changes as Remote while ApplyChange runs

	observers          map[EventKind][]*subscription
	nodeEvents         map[uuid.UUID][]*subscription
	sinks              []*subscription
	posted             []postedSet
	instanceMigrations map[uuid.UUID][]instanceMigration

	inboxMu sync.Mutex
	inbox   []func(*Store)

	contexts []*SecurityContext

	paths *cache.LRU[string, uuid.UUID]

	errLevel     ErrorLevel
	immediateLog bool
	lastCode     Code
	lastMsg      string

	closed bool
}

// New creates a store with the built-in metanodes and root nodes.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UserName == "" {
		opts.UserName = "local"
	}
	s := &Store{
		log:                opts.Logger,
		opts:               opts,
		metas:              make(map[string]*chain),
		nodes:              make(map[uuid.UUID]*node),
		observers:          make(map[EventKind][]*subscription),
		nodeEvents:         make(map[uuid.UUID][]*subscription),
		instanceMigrations: make(map[uuid.UUID][]instanceMigration),
		paths:              cache.New[string, uuid.UUID](opts.PathCacheSize),
		errLevel:           LevelErrors | LevelWarnings,
	}
	s.bootstrap()
	return s
}

// bootstrap registers the built-in metanodes and creates the fixed roots:
//
//	Root
//	├── Scenes
//	├── Libraries
//	│   └── System
//	└── Users
//	    └── <UserName>
func (s *Store) bootstrap() {
	for _, b := range []struct {
		name  string
		flags MetaFlag
	}{
		{MetaRoot, 0},
		{MetaScenes, 0},
		{MetaLibraries, 0},
		{MetaLibrary, 0},
		{MetaUsers, NoSave},
		{MetaUser, Transient | NoSave},
	} {
		c := &chain{name: b.name, versions: make(map[int]*meta)}
		m := newMeta(c, 0, b.flags)
		m.state = metaPublished
		c.versions[0] = m
		c.current = m
		s.metas[b.name] = c
	}

	s.root = s.newNode(nil, s.metas[MetaRoot].current, "Root", 0, builtinID("/"))
	s.scenes = s.newNode(s.root, s.metas[MetaScenes].current, "Scenes", 0, builtinID("/Scenes"))
	s.libraries = s.newNode(s.root, s.metas[MetaLibraries].current, "Libraries", 0, builtinID("/Libraries"))
	s.sysLibrary = s.newNode(s.libraries, s.metas[MetaLibrary].current, "System", NoSave, builtinID("/Libraries/System"))
	s.users = s.newNode(s.root, s.metas[MetaUsers].current, "Users", 0, builtinID("/Users"))
	s.thisUser = s.newNode(s.users, s.metas[MetaUser].current, s.opts.UserName, 0, builtinID("/Users/"+s.opts.UserName))
	for _, n := range []*node{s.root, s.scenes, s.libraries, s.sysLibrary, s.users, s.thisUser} {
		n.builtin = true
	}
}

// builtinID derives the fixed id of a built-in node from its path, so
// every store agrees on the ids of the roots that changes refer to.
func builtinID(path string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("vrtree:"+path))
}

// Logger returns the store's logger.
func (s *Store) Logger() *zap.Logger { return s.log }

// Close releases every node and metanode. Handles still held by callers
// become invalid. Close is idempotent.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	st := s.paths.Stats()
	s.debug("store closed", zap.Int("nodes", len(s.nodes)), zap.Uint64("path_hits", st.Hits), zap.Uint64("path_misses", st.Misses))
	for _, n := range s.nodes {
		n.alive = false
	}
	s.nodes = make(map[uuid.UUID]*node)
	s.metas = make(map[string]*chain)
	s.observers = make(map[EventKind][]*subscription)
	s.nodeEvents = make(map[uuid.UUID][]*subscription)
	s.sinks = nil
	s.posted = nil
	s.paths.Clear()
	return nil
}

// Root returns a handle to the root node.
func (s *Store) Root() *Node { return s.handle(s.root) }

// Scenes returns a handle to the scenes node.
func (s *Store) Scenes() *Node { return s.handle(s.scenes) }

// Libraries returns a handle to the libraries node.
func (s *Store) Libraries() *Node { return s.handle(s.libraries) }

// SystemLibrary returns a handle to the system library node.
func (s *Store) SystemLibrary() *Node { return s.handle(s.sysLibrary) }

// Users returns a handle to the users node.
func (s *Store) Users() *Node { return s.handle(s.users) }

// ThisUser returns a handle to the local user node.
func (s *Store) ThisUser() *Node { return s.handle(s.thisUser) }

// CountOpenNodeHandles returns the number of node handles not yet closed.
func (s *Store) CountOpenNodeHandles() int { return s.openNodes }

// PathCacheStats reports how well Find resolutions are being reused.
func (s *Store) PathCacheStats() cache.Stats { return s.paths.Stats() }

// NodeCount returns the number of live nodes including the built-in roots.
func (s *Store) NodeCount() int { return len(s.nodes) }

func (s *Store) nextSubscription() Subscription {
	s.nextSub++
	return s.nextSub
}

// structureChanged drops cached path resolutions.
func (s *Store) structureChanged() {
	s.paths.Clear()
}
