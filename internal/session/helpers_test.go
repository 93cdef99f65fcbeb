package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docsync/internal/crdt"
	"docsync/internal/protocol"
	"docsync/internal/store"
)

const waitFor = 2 * time.Second

// journal is an ordered record of store and transport events shared by a test.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) index(entry string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	name    string
	journal *journal

	in     chan []byte
	out    chan []byte
	pings  atomic.Int64
	onPong atomic.Value // func()

	// acked counts frames the reader returned and then came back for more,
	// i.e. frames fully handed to the session.
	acked      atomic.Int64
	pendingAck bool

	autoPong   atomic.Bool
	failWrites atomic.Bool
	// stall makes writes hang until the transport is closed.
	stall atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	closeCode atomic.Int64
}

func newFakeTransport(name string, j *journal) *fakeTransport {
	t := &fakeTransport{
		name:    name,
		journal: j,
		in:      make(chan []byte, 64),
		out:     make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
	t.autoPong.Store(true)
	return t
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	if t.pendingAck {
		t.pendingAck = false
		t.acked.Add(1)
	}
	select {
	case data := <-t.in:
		t.pendingAck = true
		return data, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	if t.failWrites.Load() {
		return errors.New("broken pipe")
	}
	if t.stall.Load() {
		<-t.closed
		return errTransportClosed
	}
	if t.journal != nil {
		if msg, err := protocol.Decode(data); err == nil {
			t.journal.add("write:%s:%s", t.name, frameKind(msg))
		}
	}
	select {
	case t.out <- data:
		return nil
	case <-t.closed:
		return errTransportClosed
	}
}

func (t *fakeTransport) WritePing() error {
	t.pings.Add(1)
	if t.autoPong.Load() {
		if fn, ok := t.onPong.Load().(func()); ok {
			fn()
		}
	}
	return nil
}

func (t *fakeTransport) SetPongHandler(fn func()) {
	t.onPong.Store(fn)
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.closeCode.Store(int64(code))
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func frameKind(msg protocol.Message) string {
	if msg.Type == protocol.MessageSync {
		return msg.Sync.String()
	}
	return msg.Type.String()
}

// recordingStore wraps a MemoryStore, journals calls and can inject
// failures or block loads and compactions.
type recordingStore struct {
	*store.MemoryStore
	journal *journal

	loadGate    chan struct{}
	compactGate chan struct{}

	appendErr    atomic.Value // error
	compactErr   atomic.Value // error
	appendCalls  atomic.Int64
	compactCalls atomic.Int64
}

func newRecordingStore(j *journal) *recordingStore {
	return &recordingStore{MemoryStore: store.NewMemoryStore(), journal: j}
}

func (r *recordingStore) failAppends(err error)    { r.appendErr.Store(errBox{err}) }
func (r *recordingStore) failCompactions(err error) { r.compactErr.Store(errBox{err}) }

type errBox struct{ err error }

func loadErr(v *atomic.Value) error {
	if b, ok := v.Load().(errBox); ok {
		return b.err
	}
	return nil
}

func (r *recordingStore) LoadDocument(ctx context.Context, id string) ([]byte, error) {
	if r.loadGate != nil {
		select {
		case <-r.loadGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.MemoryStore.LoadDocument(ctx, id)
}

func (r *recordingStore) AppendUpdate(ctx context.Context, id string, update []byte) error {
	r.appendCalls.Add(1)
	if err := loadErr(&r.appendErr); err != nil {
		return err
	}
	if r.journal != nil {
		r.journal.add("append:%s:%d", id, r.MemoryStore.LogLength(id))
	}
	return r.MemoryStore.AppendUpdate(ctx, id, update)
}

func (r *recordingStore) Compact(ctx context.Context, id string) error {
	r.compactCalls.Add(1)
	if r.compactGate != nil {
		<-r.compactGate
	}
	if err := loadErr(&r.compactErr); err != nil {
		return err
	}
	return r.MemoryStore.Compact(ctx, id)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CompactInterval = 20 * time.Millisecond
	cfg.PingInterval = time.Hour
	cfg.IOTimeout = time.Second
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func newTestRegistry(t *testing.T, st store.Store, cfg Config, docs ...string) *Registry {
	t.Helper()
	for _, id := range docs {
		require.NoError(t, st.CreateDocument(context.Background(), id))
	}
	reg := NewRegistry(st, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg
}

// peer is a simulated client: a fake transport served by a Conn, plus a
// local replica.
type peer struct {
	t      *testing.T
	tr     *fakeTransport
	conn   *Conn
	doc    *crdt.Doc
	served chan error
	sent   int64
}

func connect(t *testing.T, reg *Registry, id, name string, clientID uint64, j *journal) *peer {
	t.Helper()
	tr := newFakeTransport(name, j)
	p := &peer{
		t:      t,
		tr:     tr,
		conn:   NewConn(tr, reg.Config()),
		doc:    crdt.New(clientID),
		served: make(chan error, 1),
	}
	go func() { p.served <- p.conn.Serve(context.Background(), reg, id) }()
	t.Cleanup(func() { p.tr.Close(1000, "") })
	return p
}

// send delivers a frame and waits until the connection has handed it to
// the session and is reading again.
func (p *peer) send(frame []byte) {
	p.t.Helper()
	p.sent++
	p.tr.in <- frame
	require.Eventually(p.t, func() bool {
		return p.tr.acked.Load() >= p.sent || p.tr.isClosed()
	}, waitFor, time.Millisecond)
}

func (p *peer) next() protocol.Message {
	p.t.Helper()
	select {
	case data := <-p.tr.out:
		msg, err := protocol.Decode(data)
		require.NoError(p.t, err)
		return msg
	case <-time.After(waitFor):
		p.t.Fatalf("%s: no frame received", p.tr.name)
		return protocol.Message{}
	}
}

// nextOf skips frames until one of the given kind arrives.
func (p *peer) nextOf(kind string) protocol.Message {
	p.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-p.tr.out:
			msg, err := protocol.Decode(data)
			require.NoError(p.t, err)
			if frameKind(msg) == kind {
				return msg
			}
		case <-deadline:
			p.t.Fatalf("%s: no %s frame received", p.tr.name, kind)
			return protocol.Message{}
		}
	}
}

// expectNone asserts that no frame other than those in ignore arrives within d.
func (p *peer) expectNone(d time.Duration, ignore ...string) {
	p.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-p.tr.out:
			msg, err := protocol.Decode(data)
			require.NoError(p.t, err)
			skip := false
			for _, k := range ignore {
				if frameKind(msg) == k {
					skip = true
				}
			}
			if !skip {
				p.t.Fatalf("%s: unexpected %s frame", p.tr.name, frameKind(msg))
			}
		case <-deadline:
			return
		}
	}
}

// greeted consumes the server's opening step-1.
func (p *peer) greeted() protocol.Message {
	p.t.Helper()
	msg := p.next()
	require.Equal(p.t, protocol.MessageSync, msg.Type)
	require.Equal(p.t, protocol.SyncStep1, msg.Sync)
	return msg
}

func (p *peer) insert(pos int, text string) []byte {
	p.t.Helper()
	u, err := p.doc.Insert(pos, text)
	require.NoError(p.t, err)
	return u
}

func (p *peer) apply(msg protocol.Message) {
	p.t.Helper()
	_, err := p.doc.MergeDelta(msg.Payload, "server")
	require.NoError(p.t, err)
}

func (p *peer) disconnect() {
	p.t.Helper()
	p.tr.Close(1000, "bye")
	select {
	case <-p.served:
	case <-time.After(waitFor):
		p.t.Fatalf("%s: Serve did not return", p.tr.name)
	}
}

func stats(t *testing.T, s *Session) Stats {
	t.Helper()
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s did not close", s.ID)
	}
}

func lookup(t *testing.T, reg *Registry, id string) *Session {
	t.Helper()
	var s *Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = reg.Lookup(id)
		return ok
	}, waitFor, time.Millisecond)
	return s
}

func storedText(t *testing.T, st store.Store, id string) string {
	t.Helper()
	snapshot, err := st.LoadDocument(context.Background(), id)
	require.NoError(t, err)
	return crdtText(t, snapshot)
}

func crdtText(t *testing.T, snapshot []byte) string {
	t.Helper()
	d := crdt.New(999)
	_, err := d.MergeDelta(snapshot, nil)
	require.NoError(t, err)
	return d.Text()
}
