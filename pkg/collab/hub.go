// Package collab keeps VRTree stores on several hosts in sync.
//
// A Hub listens for peers (Init) and dials them (Connect) over websockets.
// Local mutations from the store's change feed are broadcast as JSON
// frames; frames from peers are queued with Store.Post and applied on the
// store goroutine during Update. A peer that accepts a connection first
// sends a snapshot of its Scenes subtree, merged by UUID on the dialing
// side.
//
// Concurrent writes are reconciled last-writer-wins per node field,
// ordered by (Lamport clock, peer id). Deletes leave tombstones that win
// over every later write to the node. Transient nodes are never sent.
//
// Example:
//
//	hub := collab.New(store, collab.Options{Logger: log})
//	if err := hub.Init(7420); err != nil {
//		return err
//	}
//	defer hub.Close()
//
//	for running {
//		store.Update(dt) // applies queued remote changes
//	}
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orneryd/vrtree/pkg/tree"
)

// Errors returned by the hub.
var (
	ErrClosed    = errors.New("collab: hub closed")
	ErrListening = errors.New("collab: already listening")
)

// Options configures a Hub.
type Options struct {
	// PeerID identifies this hub. Defaults to a random UUID.
	PeerID uuid.UUID

	// Path is the websocket endpoint. Defaults to "/vrtree".
	Path string

	// BulkThreshold is the number of queued outgoing bytes above which
	// BulkData reports true. Defaults to 64 KiB.
	BulkThreshold int64

	// CompressThreshold is the snapshot size above which snapshots are
	// zstd compressed. Defaults to 16 KiB; negative disables compression.
	CompressThreshold int

	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

type fieldKey struct {
	node  uuid.UUID
	field string
}

// Stats counts frames handled by a hub.
type Stats struct {
	Peers   int
	Sent    int64
	Applied int64
	Dropped int64
	Relayed int64
}

// Hub synchronizes one store with its peers.
type Hub struct {
	store *tree.Store
	opts  Options
	id    uuid.UUID
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	peers map[*peer]struct{}
	srv   *http.Server
	ln    net.Listener
	wg    sync.WaitGroup

	upgrader websocket.Upgrader
	clock    atomic.Uint64
	pending  atomic.Int64
	sent     atomic.Int64
	applied  atomic.Int64
	dropped  atomic.Int64
	relayed  atomic.Int64

	// store goroutine only
	sub        tree.Subscription
	registers  map[fieldKey]Stamp
	tombstones map[uuid.UUID]Stamp
	applying   int
}

// New creates a hub for s and subscribes it to the change feed. It must
// be called on the store goroutine.
func New(s *tree.Store, opts Options) *Hub {
	if opts.PeerID == uuid.Nil {
		opts.PeerID = uuid.New()
	}
	if opts.Path == "" {
		opts.Path = "/vrtree"
	}
	if opts.BulkThreshold <= 0 {
		opts.BulkThreshold = 64 << 10
	}
	if opts.CompressThreshold == 0 {
		opts.CompressThreshold = 16 << 10
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:  s,
		opts:   opts,
		id:     opts.PeerID,
		log:    log.Named("collab").With(zap.Stringer("peer", opts.PeerID)),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		registers:  make(map[fieldKey]Stamp),
		tombstones: make(map[uuid.UUID]Stamp),
	}
	h.sub = s.AddChangeSink(h.onLocalChange)
	return h
}

// ID returns the hub's peer id.
func (h *Hub) ID() uuid.UUID { return h.id }

// Init starts accepting peers on port. Port 0 picks a free port; see Addr.
func (h *Hub) Init(port int) error {
	if h.ctx.Err() != nil {
		return ErrClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.srv != nil {
		return ErrListening
	}
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("collab: listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(h.opts.Path, h.serveWS)
	h.ln = ln
	h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("server stopped", zap.Error(err))
		}
	}()
	h.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Addr returns the listening address, or nil before Init.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "closing", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	h.start(newPeer(h, conn, false))
}

// Connect dials the hub listening at addr:port.
func (h *Hub) Connect(ctx context.Context, addr string, port int) error {
	if h.ctx.Err() != nil {
		return ErrClosed
	}
	url := "ws://" + net.JoinHostPort(addr, strconv.Itoa(port)) + h.opts.Path
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("collab: dial %s: %w", url, err)
	}
	h.start(newPeer(h, conn, true))
	h.log.Info("connected", zap.String("url", url))
	return nil
}

func (h *Hub) start(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := p.run()
		h.mu.Lock()
		delete(h.peers, p)
		h.mu.Unlock()
		h.log.Debug("peer disconnected", zap.Stringer("id", p.peerID()), zap.Error(err))
	}()

	hello, err := json.Marshal(&Frame{Type: FrameHello, From: h.id, Clock: h.clock.Load()})
	if err == nil {
		p.send(hello)
	}
}

// Peers returns the number of connected peers.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// BulkData reports whether more outgoing data is queued than the bulk
// threshold. Hosts may throttle local edits while it is true.
func (h *Hub) BulkData() bool {
	return h.pending.Load() > h.opts.BulkThreshold
}

// Stats returns frame counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Peers:   h.Peers(),
		Sent:    h.sent.Load(),
		Applied: h.applied.Load(),
		Dropped: h.dropped.Load(),
		Relayed: h.relayed.Load(),
	}
}

func (h *Hub) broadcast(msg []byte, except *peer) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for p := range h.peers {
		if p != except {
			p.send(msg)
			n++
		}
	}
	return n
}

func (h *Hub) tick() uint64 { return h.clock.Add(1) }

// observe advances the Lamport clock past a received clock.
func (h *Hub) observe(remote uint64) {
	for {
		cur := h.clock.Load()
		if remote <= cur || h.clock.CompareAndSwap(cur, remote) {
			return
		}
	}
}

// Close disconnects every peer and stops listening. It must be called on
// the store goroutine.
func (h *Hub) Close() error {
	if h.ctx.Err() != nil {
		return nil
	}
	h.cancel()
	h.mu.Lock()
	srv := h.srv
	h.mu.Unlock()
	var err error
	if srv != nil {
		err = srv.Close()
	}
	h.wg.Wait()
	h.store.Unsubscribe(h.sub)
	h.log.Info("hub closed")
	return err
}
