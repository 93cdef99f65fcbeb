package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"docsync/internal/protocol"
)

// Transport is a full-duplex binary message channel to one peer.
// ReadMessage is called from a single goroutine; the write methods are
// called from another single goroutine.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// WritePing sends a liveness probe.
	WritePing() error
	// SetPongHandler registers the callback for probe responses.
	SetPongHandler(fn func())
	// Close ends the transport with a close code and reason. It must be safe
	// to call concurrently with the read and write methods.
	Close(code int, reason string) error
}

// Conn binds one transport to one session.
type Conn struct {
	ID string

	transport Transport
	cfg       Config
	send      chan []byte
	pong      atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps a transport. The connection is not attached to any session
// until Serve runs.
func NewConn(t Transport, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		ID:        uuid.NewString(),
		transport: t,
		cfg:       cfg,
		send:      make(chan []byte, cfg.SendBuffer),
		closed:    make(chan struct{}),
	}
	c.pong.Store(true)
	t.SetPongHandler(func() { c.pong.Store(true) })
	return c
}

// Serve attaches the connection to the session for identity and pumps
// frames until either side closes. The connection's presence entries are
// retracted and its session reference released before Serve returns.
func (c *Conn) Serve(ctx context.Context, reg *Registry, identity string) error {
	s, err := reg.Resolve(ctx, identity)
	if err != nil {
		c.Close(websocket.CloseTryAgainLater, "document unavailable")
		return err
	}
	defer reg.Release(s)

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close(websocket.CloseGoingAway, "server shutting down")
		case <-c.closed:
		}
	}()

	if err := s.post(func() { s.join(c) }); err != nil {
		c.Close(websocket.CloseInternalServerErr, "document unavailable")
		return err
	}
	defer s.post(func() { s.leave(c) })

	return c.readPump(s)
}

func (c *Conn) readPump(s *Session) error {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.Close(websocket.CloseNormalClosure, "")
			return nil
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.cfg.Logger.Printf("%s: protocol violation from %s: %v", s.ID, c.ID, err)
			c.Close(websocket.CloseProtocolError, "malformed frame")
			return err
		}
		if c.cfg.Verbose {
			c.cfg.Logger.Printf("%s: %s frame from %s (%d bytes)", s.ID, msg.Type, c.ID, len(msg.Payload))
		}
		if err := s.post(func() { s.deliver(c, msg) }); err != nil {
			c.Close(websocket.CloseGoingAway, "document closed")
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}
			return err
		}
	}
}

// writePump owns every write to the transport: queued frames and the
// liveness probe. A peer that has not answered the previous probe by the
// next tick is closed.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.transport.WriteMessage(frame); err != nil {
				c.cfg.Logger.Printf("connection %s: write failed: %v", c.ID, err)
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if !c.pong.CompareAndSwap(true, false) {
				c.cfg.Logger.Printf("connection %s: liveness timeout", c.ID)
				c.Close(websocket.CloseGoingAway, "liveness timeout")
				return
			}
			if err := c.transport.WritePing(); err != nil {
				c.cfg.Logger.Printf("connection %s: ping failed: %v", c.ID, err)
				c.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// enqueue queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Conn) enqueue(frame []byte) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the connection down. Only the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.transport.Close(code, reason)
	})
}

// Closed is closed once Close has run.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
