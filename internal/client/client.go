// Package client is a websocket peer for the sync service. It keeps a local
// replica of one document in step with the server and publishes presence.
// The load-test simulation in this package is built on it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"docsync/internal/awareness"
	"docsync/internal/crdt"
	"docsync/internal/protocol"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: connection closed")

// remote tags updates that arrived from the server.
type remote struct{}

// Options configures a Client.
type Options struct {
	// ServerURL is the service base URL, http(s) or ws(s).
	ServerURL string
	Document  string
	Token     string
	// ClientID attributes local edits and presence. Zero picks a random one.
	ClientID uint64
	// PresenceInterval renews published presence so the server does not
	// expire it. Zero disables renewal.
	PresenceInterval time.Duration
	WriteTimeout     time.Duration
	Logger           *log.Logger
}

// Client is one connected editor.
type Client struct {
	ID       string
	ClientID uint64

	opts   Options
	conn   *websocket.Conn
	doc    *crdt.Doc
	logger *log.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	peers         *awareness.Table
	presence      json.RawMessage
	presenceClock uint64
	awaitingState bool

	synced     chan struct{}
	syncOnce   sync.Once
	done       chan struct{}
	closeOnce  sync.Once
	err        error
	operations atomic.Int64
	received   atomic.Int64
	errors     atomic.Int64
}

// Stats counts the traffic of one client.
type Stats struct {
	OperationsSent int64
	OperationsRecv int64
	Errors         int64
}

// Dial connects to the document and starts the sync handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Document == "" {
		return nil, errors.New("client: missing document")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	u, err := WebSocketURL(opts.ServerURL, opts.Document, opts.Token)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	if opts.ClientID == 0 {
		opts.ClientID = uint64(id.ID())
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Document, err)
	}

	c := &Client{
		ID:       id.String(),
		ClientID: opts.ClientID,
		opts:     opts,
		conn:     conn,
		doc:      crdt.New(opts.ClientID),
		logger:   opts.Logger,
		peers:    awareness.NewTable(),
		synced:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readPump()
	if opts.PresenceInterval > 0 {
		go c.renewPresence()
	}

	if err := c.write(protocol.EncodeSyncStep1(c.doc.StateVector())); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// WebSocketURL builds the upgrade URL for a document.
func WebSocketURL(serverURL, document, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("location", document)
	if token != "" {
		q.Set("authorization", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WaitSynced blocks until the client holds everything the server had when
// it joined.
func (c *Client) WaitSynced(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Insert types text at pos and sends the resulting update.
func (c *Client) Insert(pos int, text string) error {
	update, err := c.doc.Insert(pos, text)
	if err != nil {
		return err
	}
	return c.sendUpdate(update)
}

// Delete removes n characters at pos and sends the resulting update.
func (c *Client) Delete(pos, n int) error {
	update, err := c.doc.Delete(pos, n)
	if err != nil {
		return err
	}
	return c.sendUpdate(update)
}

func (c *Client) sendUpdate(update []byte) error {
	if err := c.write(protocol.EncodeUpdate(update)); err != nil {
		c.errors.Add(1)
		return err
	}
	c.operations.Add(1)
	return nil
}

// Text returns the local replica's content.
func (c *Client) Text() string {
	return c.doc.Text()
}

// Len returns the local replica's length in characters.
func (c *Client) Len() int {
	return c.doc.Len()
}

// SetPresence publishes state for this client. A nil state withdraws it.
func (c *Client) SetPresence(state json.RawMessage) error {
	c.mu.Lock()
	c.presence = state
	c.presenceClock++
	frame := protocol.EncodeAwareness(awareness.EncodeDelta(awareness.Entry{
		Client: c.ClientID,
		Clock:  c.presenceClock,
		State:  state,
	}))
	c.mu.Unlock()
	return c.write(frame)
}

// Presence returns the states other clients have published.
func (c *Client) Presence() map[uint64]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]json.RawMessage)
	for _, id := range c.peers.Clients() {
		if state, ok := c.peers.State(id); ok {
			out[id] = state
		}
	}
	return out
}

func (c *Client) renewPresence() {
	ticker := time.NewTicker(c.opts.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			state := c.presence
			c.mu.Unlock()
			if state == nil {
				continue
			}
			if err := c.SetPresence(state); err != nil {
				c.logger.Printf("Client %s presence renewal failed: %v", c.ID, err)
				return
			}
		}
	}
}

// Stats returns the traffic counters.
func (c *Client) Stats() Stats {
	return Stats{
		OperationsSent: c.operations.Load(),
		OperationsRecv: c.received.Load(),
		Errors:         c.errors.Load(),
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil after a normal close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close withdraws presence and closes the connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	c.mu.Lock()
	published := c.presence != nil
	c.mu.Unlock()
	if published {
		_ = c.SetPresence(nil)
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteTimeout))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(c.opts.WriteTimeout):
	}
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.conn.Close()
		close(c.done)
	})
}

func (c *Client) write(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Client) readPump() {
	var err error
	defer func() { c.shutdown(err) }()

	for {
		var data []byte
		_, data, err = c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Printf("Client %s websocket error: %v", c.ID, err)
			}
			return
		}

		var msg protocol.Message
		if msg, err = protocol.Decode(data); err != nil {
			c.errors.Add(1)
			return
		}
		if herr := c.handle(msg); herr != nil {
			c.errors.Add(1)
			c.logger.Printf("Client %s dropped %s frame: %v", c.ID, msg.Type, herr)
		}
	}
}

func (c *Client) handle(msg protocol.Message) error {
	if msg.Type == protocol.MessageAwareness {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := c.peers.Apply(msg.Payload)
		return err
	}

	switch msg.Sync {
	case protocol.SyncStep1:
		diff, err := c.doc.DiffSince(msg.Payload)
		if err != nil {
			return err
		}
		if diff != nil {
			if err := c.write(protocol.EncodeSyncStep2(diff)); err != nil {
				return err
			}
		}
		behind, err := c.behind(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.awaitingState = behind
		c.mu.Unlock()
		if !behind {
			c.markSynced()
		}
	case protocol.SyncStep2:
		if _, err := c.doc.MergeDelta(msg.Payload, remote{}); err != nil {
			return err
		}
		c.mu.Lock()
		waiting := c.awaitingState
		c.awaitingState = false
		c.mu.Unlock()
		if waiting {
			c.markSynced()
		}
	case protocol.SyncUpdate:
		c.received.Add(1)
		if _, err := c.doc.MergeDelta(msg.Payload, remote{}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) markSynced() {
	c.syncOnce.Do(func() { close(c.synced) })
}

// behind reports whether the server's state vector covers changes the
// local replica lacks. The server's step-2 reply follows its step-1 when
// it does.
func (c *Client) behind(serverVector []byte) (bool, error) {
	server, err := crdt.DecodeStateVector(serverVector)
	if err != nil {
		return false, err
	}
	local, err := crdt.DecodeStateVector(c.doc.StateVector())
	if err != nil {
		return false, err
	}
	for client, clock := range server {
		if local[client] < clock {
			return true, nil
		}
	}
	return false, nil
}
