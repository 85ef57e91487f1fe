package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period, shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest frame accepted from a peer.
	maxFrameSize = 64 << 20

	sendBuffer = 1024
)

var errSendOverflow = errors.New("collab: peer send buffer full")

// peer is one websocket connection.
type peer struct {
	hub    *Hub
	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	id     atomic.Value // uuid.UUID, set by the hello frame
	dialed bool
	log    *zap.Logger

	// mu orders send against the final drain of out.
	mu     sync.Mutex
	closed bool
}

func newPeer(h *Hub, conn *websocket.Conn, dialed bool) *peer {
	ctx, cancel := context.WithCancel(h.ctx)
	return &peer{
		hub:    h,
		conn:   conn,
		out:    make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		dialed: dialed,
		log:    h.log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

func (p *peer) peerID() uuid.UUID {
	if id, ok := p.id.Load().(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// run pumps frames until the connection fails or the hub closes.
func (p *peer) run() error {
	g, ctx := errgroup.WithContext(p.ctx)
	g.Go(func() error { return p.readLoop(ctx) })
	g.Go(func() error { return p.writeLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return p.conn.Close()
	})
	err := g.Wait()
	p.cancel()
	p.drain()
	return err
}

// drain marks the peer closed and releases the bytes still queued.
func (p *peer) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for {
		select {
		case msg := <-p.out:
			p.hub.pending.Add(-int64(len(msg)))
		default:
			return
		}
	}
}

func (p *peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *peer) readLoop(ctx context.Context) error {
	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Warn("peer read failed", zap.Error(err))
			}
			return err
		}
		p.hub.receive(p, msg)
	}
}

func (p *peer) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()

		case msg := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := p.conn.WriteMessage(websocket.TextMessage, msg)
			p.hub.pending.Add(-int64(len(msg)))
			if err != nil {
				return err
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// send queues msg. A peer that cannot keep up is disconnected.
func (p *peer) send(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.hub.pending.Add(int64(len(msg)))
	select {
	case p.out <- msg:
	default:
		p.hub.pending.Add(-int64(len(msg)))
		p.log.Warn("disconnecting slow peer", zap.Error(errSendOverflow))
		p.cancel()
	}
}
