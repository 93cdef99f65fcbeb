// Package session hosts live collaboration rooms.
//
// A Registry maps each document identity to at most one Session. A Session
// owns the replicated document, the presence table and the set of attached
// connections, and mutates them only from its own goroutine: connections and
// the registry hand it work as closures over an unbuffered channel. A Conn
// pumps frames between one transport and its session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"docsync/internal/awareness"
	"docsync/internal/protocol"
	"docsync/internal/store"
)

// ErrSessionClosed is returned for any operation on a closed session.
var ErrSessionClosed = errors.New("session closed")

// maxPendingFrames caps the frames buffered per connection while loading.
const maxPendingFrames = 1024

// State is the lifecycle stage of a session.
type State int32

const (
	StateLoading State = iota
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// member is the session-side record of an attached connection.
type member struct {
	// controlled holds the presence client IDs this connection introduced.
	controlled map[uint64]struct{}
	// pending holds frames received while the session was loading.
	pending []protocol.Message
}

type loadResult struct {
	snapshot []byte
	err      error
}

// Session is one live collaboration room.
type Session struct {
	ID string

	store    store.Store
	registry *Registry
	cfg      Config
	logger   *log.Logger

	calls  chan func()
	loaded chan loadResult
	done   chan struct{}
	state  atomic.Int32

	// Owned by the run loop.
	doc        Document
	presence   *awareness.Table
	conns      map[*Conn]*member
	dirty      bool
	backlog    [][]byte
	cancelLoad context.CancelFunc

	// Guarded by registry.mu.
	refs     int
	draining bool
}

func newSession(id string, reg *Registry) *Session {
	return &Session{
		ID:       id,
		store:    reg.store,
		registry: reg,
		cfg:      reg.cfg,
		logger:   reg.cfg.Logger,
		calls:    make(chan func()),
		loaded:   make(chan loadResult, 1),
		done:     make(chan struct{}),
		presence: awareness.NewTable(),
		conns:    make(map[*Conn]*member),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Done is closed once the session has reached StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) debugf(format string, args ...any) {
	if s.cfg.Verbose {
		s.logger.Printf(format, args...)
	}
}

// post hands fn to the run loop.
func (s *Session) post(fn func()) error {
	select {
	case s.calls <- fn:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// do runs fn on the run loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := s.post(func() { fn(); close(ran) }); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) run() {
	defer close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IOTimeout)
	defer cancel()
	s.cancelLoad = cancel
	go func() {
		snapshot, err := s.store.LoadDocument(ctx, s.ID)
		s.loaded <- loadResult{snapshot: snapshot, err: err}
	}()

	var tick <-chan time.Time
	for {
		select {
		case res := <-s.loaded:
			s.cancelLoad()
			if s.State() != StateLoading {
				break
			}
			if res.err != nil {
				s.fail(res.err)
				break
			}
			if err := s.ready(res.snapshot); err != nil {
				s.fail(err)
				break
			}
			ticker := time.NewTicker(s.cfg.CompactInterval)
			defer ticker.Stop()
			tick = ticker.C
		case fn := <-s.calls:
			fn()
		case <-tick:
			s.maintain()
		}
		if s.State() == StateClosed {
			return
		}
	}
}

// ready loads the snapshot and replays frames buffered while loading.
func (s *Session) ready(snapshot []byte) error {
	doc := s.cfg.NewDocument()
	if _, err := doc.MergeDelta(snapshot, nil); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	doc.OnChange(s.onDocChange)
	s.doc = doc
	s.setState(StateReady)
	s.debugf("%s: ready with %d connections", s.ID, len(s.conns))

	for c, m := range s.conns {
		s.greet(c)
		pending := m.pending
		m.pending = nil
		for _, msg := range pending {
			if _, ok := s.conns[c]; !ok {
				break
			}
			s.handleMessage(c, msg)
		}
	}
	return nil
}

// fail closes a session whose document could not be loaded.
func (s *Session) fail(err error) {
	s.logger.Printf("%s: load failed: %v", s.ID, err)
	for c := range s.conns {
		delete(s.conns, c)
		c.Close(websocket.CloseInternalServerErr, "document unavailable")
	}
	s.finish()
}

func (s *Session) finish() {
	s.registry.remove(s)
	s.setState(StateClosed)
}

// drain runs the final flush and compaction, then closes the session.
func (s *Session) drain() {
	if s.State() == StateLoading {
		s.cancelLoad()
		for c := range s.conns {
			delete(s.conns, c)
			c.Close(websocket.CloseGoingAway, "document closing")
		}
		s.finish()
		return
	}

	s.setState(StateDraining)
	for c := range s.conns {
		s.dropConn(c)
		c.Close(websocket.CloseGoingAway, "document closing")
	}
	if s.flush() {
		s.compact()
	} else {
		s.logger.Printf("%s: closing with %d updates not persisted", s.ID, len(s.backlog))
	}
	if n := s.doc.Pending(); n > 0 {
		s.logger.Printf("%s: closing with %d items still missing their dependencies, discarding them", s.ID, n)
	}
	s.finish()
	s.debugf("%s: closed", s.ID)
}

func (s *Session) join(c *Conn) {
	s.conns[c] = &member{controlled: make(map[uint64]struct{})}
	s.debugf("%s: connection %s joined (%d attached)", s.ID, c.ID, len(s.conns))
	if s.State() == StateReady {
		s.greet(c)
	}
}

func (s *Session) leave(c *Conn) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	s.dropConn(c)
	s.debugf("%s: connection %s left (%d attached)", s.ID, c.ID, len(s.conns))
}

// greet starts the handshake: the server's state vector plus every known
// presence state.
func (s *Session) greet(c *Conn) {
	if !s.send(c, protocol.EncodeSyncStep1(s.doc.StateVector())) {
		return
	}
	if clients := s.presence.Clients(); len(clients) > 0 {
		s.send(c, protocol.EncodeAwareness(s.presence.Encode(clients)))
	}
}

func (s *Session) deliver(c *Conn, msg protocol.Message) {
	m, ok := s.conns[c]
	if !ok {
		return
	}
	if s.State() == StateLoading {
		if len(m.pending) >= maxPendingFrames {
			s.logger.Printf("%s: connection %s exceeded %d frames while loading", s.ID, c.ID, maxPendingFrames)
			s.dropConn(c)
			c.Close(websocket.ClosePolicyViolation, "too many frames while loading")
			return
		}
		m.pending = append(m.pending, msg)
		return
	}
	s.handleMessage(c, msg)
}

// handleMessage processes one frame. Failures are contained to the frame.
func (s *Session) handleMessage(c *Conn, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("%s: panic handling %s frame from %s: %v", s.ID, msg.Type, c.ID, r)
		}
	}()

	switch msg.Type {
	case protocol.MessageSync:
		switch msg.Sync {
		case protocol.SyncStep1:
			diff, err := s.doc.DiffSince(msg.Payload)
			if err != nil {
				s.logger.Printf("%s: bad state vector from %s: %v", s.ID, c.ID, err)
				return
			}
			if len(diff) > 0 {
				s.send(c, protocol.EncodeSyncStep2(diff))
			}
		case protocol.SyncStep2, protocol.SyncUpdate:
			if _, err := s.doc.MergeDelta(msg.Payload, c); err != nil {
				s.logger.Printf("%s: bad update from %s: %v", s.ID, c.ID, err)
			}
		}
	case protocol.MessageAwareness:
		change, err := s.presence.Apply(msg.Payload)
		if err != nil {
			s.logger.Printf("%s: bad presence delta from %s: %v", s.ID, c.ID, err)
			return
		}
		if m, ok := s.conns[c]; ok {
			for _, id := range change.Added {
				m.controlled[id] = struct{}{}
			}
			for _, id := range change.Removed {
				delete(m.controlled, id)
			}
		}
		if changed := change.Changed(); len(changed) > 0 {
			s.broadcast(protocol.EncodeAwareness(s.presence.Encode(changed)), c)
		}
	}
}

// onDocChange persists and fans out every update applied to the document.
// The append is issued before any sibling sees the update.
func (s *Session) onDocChange(update []byte, origin any) {
	s.persist(update)
	s.dirty = true
	from, _ := origin.(*Conn)
	s.broadcast(protocol.EncodeUpdate(update), from)
}

func (s *Session) persist(update []byte) {
	s.backlog = append(s.backlog, update)
	s.flush()
}

// flush appends backlogged updates in order and reports whether the
// backlog is empty afterwards.
func (s *Session) flush() bool {
	for len(s.backlog) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IOTimeout)
		err := s.store.AppendUpdate(ctx, s.ID, s.backlog[0])
		cancel()
		if err != nil {
			s.logger.Printf("%s: append failed, %d updates pending: %v", s.ID, len(s.backlog), err)
			return false
		}
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
	}
	return true
}

func (s *Session) compact() {
	if !s.dirty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IOTimeout)
	defer cancel()
	if err := s.store.Compact(ctx, s.ID); err != nil {
		s.logger.Printf("%s: compaction failed: %v", s.ID, err)
		return
	}
	s.dirty = false
	s.debugf("%s: compacted", s.ID)
}

// maintain runs on every tick: expire presence, retry appends, compact.
func (s *Session) maintain() {
	if change := s.presence.Expire(s.cfg.PresenceTimeout); !change.Empty() {
		for _, m := range s.conns {
			for _, id := range change.Removed {
				delete(m.controlled, id)
			}
		}
		s.broadcast(protocol.EncodeAwareness(s.presence.Encode(change.Removed)), nil)
	}
	if !s.flush() {
		return
	}
	s.compact()
}

// send queues a frame for one connection, dropping the connection if it
// cannot keep up.
func (s *Session) send(c *Conn, frame []byte) bool {
	if c.enqueue(frame) {
		return true
	}
	if _, ok := s.conns[c]; ok {
		s.logger.Printf("%s: dropping connection %s: send failed", s.ID, c.ID)
		s.dropConn(c)
	}
	c.Close(websocket.ClosePolicyViolation, "send buffer full")
	return false
}

func (s *Session) broadcast(frame []byte, except *Conn) {
	var failed []*Conn
	for c := range s.conns {
		if c == except {
			continue
		}
		if !c.enqueue(frame) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		if _, ok := s.conns[c]; !ok {
			continue
		}
		s.logger.Printf("%s: dropping connection %s: send failed", s.ID, c.ID)
		s.dropConn(c)
		c.Close(websocket.ClosePolicyViolation, "send buffer full")
	}
}

// dropConn detaches c and retracts the presence entries it controlled.
func (s *Session) dropConn(c *Conn) {
	m, ok := s.conns[c]
	if !ok {
		return
	}
	delete(s.conns, c)
	if len(m.controlled) == 0 {
		return
	}
	ids := make([]uint64, 0, len(m.controlled))
	for id := range m.controlled {
		ids = append(ids, id)
	}
	if change := s.presence.Remove(ids); !change.Empty() {
		s.broadcast(protocol.EncodeAwareness(s.presence.Encode(change.Removed)), nil)
	}
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	Connections    int    `json:"connections"`
	Presence       int    `json:"presence"`
	Dirty          bool   `json:"dirty"`
	PendingAppends int    `json:"pending_appends"`
}

// Stats reports the session's current counters.
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	out := make(chan Stats, 1)
	err := s.do(ctx, func() {
		out <- Stats{
			ID:             s.ID,
			State:          s.State().String(),
			Connections:    len(s.conns),
			Presence:       s.presence.Len(),
			Dirty:          s.dirty,
			PendingAppends: len(s.backlog),
		}
	})
	if err != nil {
		return Stats{}, err
	}
	return <-out, nil
}

type snapshotResult struct {
	state []byte
	err   error
}

// Snapshot returns the full document state once the session is ready.
func (s *Session) Snapshot(ctx context.Context) ([]byte, error) {
	out := make(chan snapshotResult, 1)
	err := s.do(ctx, func() {
		if s.doc == nil {
			out <- snapshotResult{err: fmt.Errorf("%s: %s", s.ID, s.State())}
			return
		}
		out <- snapshotResult{state: s.doc.EncodeState()}
	})
	if err != nil {
		return nil, err
	}
	r := <-out
	return r.state, r.err
}
