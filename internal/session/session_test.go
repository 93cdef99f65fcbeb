package session

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/crdt"
	"docsync/internal/protocol"
)

const quiet = 100 * time.Millisecond

func TestEndToEndScenarios(t *testing.T) {
	st := newRecordingStore(nil)
	reg := newTestRegistry(t, st, testConfig(), "noteA")

	// A: empty document, empty vector, nothing to reply.
	x := connect(t, reg, "noteA", "x", 1, nil)
	x.greeted()
	x.send(protocol.EncodeSyncStep1(x.doc.StateVector()))
	x.expectNone(quiet)

	// B: the only connection sends an update; it is stored, never echoed.
	x.send(protocol.EncodeUpdate(x.insert(0, "hello")))
	x.expectNone(quiet)
	assert.Equal(t, "hello", storedText(t, st, "noteA"))

	// C: a second client catches up, then receives X's next update.
	y := connect(t, reg, "noteA", "y", 2, nil)
	y.greeted()
	y.send(protocol.EncodeSyncStep1(y.doc.StateVector()))
	y.apply(y.nextOf("step2"))
	assert.Equal(t, "hello", y.doc.Text())

	x.send(protocol.EncodeUpdate(x.insert(5, " world")))
	y.apply(y.nextOf("update"))
	assert.Equal(t, "hello world", y.doc.Text())
	x.expectNone(quiet)
	assert.Equal(t, "hello world", storedText(t, st, "noteA"))

	// D: everyone leaves, the session closes and a newcomer gets a fresh
	// session that reloads both updates.
	s := lookup(t, reg, "noteA")
	x.disconnect()
	y.disconnect()
	waitClosed(t, s)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, StateClosed, s.State())

	z := connect(t, reg, "noteA", "z", 3, nil)
	z.greeted()
	z.send(protocol.EncodeSyncStep1(z.doc.StateVector()))
	z.apply(z.nextOf("step2"))
	assert.Equal(t, "hello world", z.doc.Text())
	assert.NotSame(t, s, lookup(t, reg, "noteA"))
}

func TestAppendIssuedBeforeBroadcast(t *testing.T) {
	j := &journal{}
	st := newRecordingStore(j)
	cfg := testConfig()
	cfg.CompactInterval = time.Hour
	reg := newTestRegistry(t, st, cfg, "doc")

	x := connect(t, reg, "doc", "x", 1, j)
	x.greeted()
	y := connect(t, reg, "doc", "y", 2, j)
	y.greeted()

	x.send(protocol.EncodeUpdate(x.insert(0, "a")))
	y.apply(y.nextOf("update"))

	appended := j.index("append:doc:0")
	broadcast := j.index("write:y:update")
	require.NotEqual(t, -1, appended)
	require.NotEqual(t, -1, broadcast)
	assert.Less(t, appended, broadcast)
	assert.Equal(t, -1, j.index("write:x:update"), "the origin must not receive its own update")
}

func TestReloadAfterRestart(t *testing.T) {
	st := newRecordingStore(nil)
	reg := newTestRegistry(t, st, testConfig(), "doc")

	x := connect(t, reg, "doc", "x", 1, nil)
	x.greeted()
	x.send(protocol.EncodeUpdate(x.insert(0, "durable")))
	require.Eventually(t, func() bool { return st.appendCalls.Load() == 1 }, waitFor, time.Millisecond)

	// Abandon the process state; only the store survives.
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))

	reg2 := newTestRegistry(t, st, testConfig())
	y := connect(t, reg2, "doc", "y", 2, nil)
	y.greeted()
	y.send(protocol.EncodeSyncStep1(y.doc.StateVector()))
	y.apply(y.nextOf("step2"))
	assert.Equal(t, "durable", y.doc.Text())
}

func TestCompaction(t *testing.T) {
	st := newRecordingStore(nil)
	reg := newTestRegistry(t, st, testConfig(), "doc")

	x := connect(t, reg, "doc", "x", 1, nil)
	x.greeted()
	s := lookup(t, reg, "doc")

	time.Sleep(5 * testConfig().CompactInterval)
	assert.Zero(t, st.compactCalls.Load(), "a clean session never compacts")

	for _, text := range []string{"a", "b", "c"} {
		x.send(protocol.EncodeUpdate(x.insert(x.doc.Len(), text)))
	}
	require.Eventually(t, func() bool {
		return st.compactCalls.Load() >= 1 && !stats(t, s).Dirty
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1, st.LogLength("doc"))
	assert.Equal(t, "abc", storedText(t, st, "doc"))

	calls := st.compactCalls.Load()
	time.Sleep(5 * testConfig().CompactInterval)
	assert.Equal(t, calls, st.compactCalls.Load(), "no compaction until the next update")
}

func TestCompactionFailureRetried(t *testing.T) {
	st := newRecordingStore(nil)
	st.failCompactions(errors.New("disk full"))
	reg := newTestRegistry(t, st, testConfig(), "doc")

	x := connect(t, reg, "doc", "x", 1, nil)
	x.greeted()
	s := lookup(t, reg, "doc")
	x.send(protocol.EncodeUpdate(x.insert(0, "a")))

	require.Eventually(t, func() bool { return st.compactCalls.Load() >= 2 }, waitFor, time.Millisecond)
	assert.True(t, stats(t, s).Dirty)

	st.failCompactions(nil)
	require.Eventually(t, func() bool { return !stats(t, s).Dirty }, waitFor, time.Millisecond)
	assert.Equal(t, 1, st.LogLength("doc"))
}

func TestAppendFailureRetried(t *testing.T) {
	st := newRecordingStore(nil)
	st.failAppends(errors.New("connection refused"))
	reg := newTestRegistry(t, st, testConfig(), "doc")

	x := connect(t, reg, "doc", "x", 1, nil)
	x.greeted()
	y := connect(t, reg, "doc", "y", 2, nil)
	y.greeted()
	s := lookup(t, reg, "doc")

	x.send(protocol.EncodeUpdate(x.insert(0, "hi")))
	y.apply(y.nextOf("update"))
	assert.Equal(t, "hi", y.doc.Text(), "a failed append does not hold back the broadcast")
	assert.Equal(t, 1, stats(t, s).PendingAppends)
	assert.Zero(t, st.compactCalls.Load(), "no compaction while appends are pending")

	st.failAppends(nil)
	require.Eventually(t, func() bool { return stats(t, s).PendingAppends == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, "hi", storedText(t, st, "doc"))
}

func TestFramesBufferedWhileLoading(t *testing.T) {
	st := newRecordingStore(nil)
	seed := crdt.New(50)
	u, err := seed.Insert(0, "seed")
	require.NoError(t, err)
	require.NoError(t, st.CreateDocument(context.Background(), "doc"))
	require.NoError(t, st.AppendUpdate(context.Background(), "doc", u))

	st.loadGate = make(chan struct{})
	reg := newTestRegistry(t, st, testConfig())

	x := connect(t, reg, "doc", "x", 1, nil)
	x.send(protocol.EncodeSyncStep1(x.doc.StateVector()))
	s := lookup(t, reg, "doc")
	assert.Equal(t, "loading", stats(t, s).State)
	x.expectNone(quiet)

	close(st.loadGate)
	x.greeted()
	x.apply(x.nextOf("step2"))
	assert.Equal(t, "seed", x.doc.Text())
	assert.Equal(t, "ready", stats(t, s).State)
}

func TestLoadFailureClosesConnections(t *testing.T) {
	st := newRecordingStore(nil)
	reg := newTestRegistry(t, st, testConfig())

	x := connect(t, reg, "missing", "x", 1, nil)
	select {
	case <-x.served:
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	assert.True(t, x.tr.isClosed())
	code := int(x.tr.closeCode.Load())
	assert.Contains(t, []int{websocket.CloseInternalServerErr, websocket.CloseTryAgainLater}, code)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, waitFor, time.Millisecond)
}

func TestBadPayloadKeepsConnection(t *testing.T) {
	st := newRecordingStore(nil)
	reg := newTestRegistry(t, st, testConfig(), "doc")

	x := connect(t, reg, "doc", "x", 1, nil)
	x.greeted()
	s := lookup(t, reg, "doc")

	x.send(protocol.EncodeUpdate([]byte{0x05}))
	x.send(protocol.EncodeSyncStep1([]byte{0x09}))
	x.send(protocol.EncodeAwareness([]byte{0x01, 0x01}))
	assert.False(t, x.tr.isClosed())

	x.send(protocol.EncodeUpdate(x.insert(0, "ok")))
	require.Eventually(t, func() bool { return st.appendCalls.Load() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, stats(t, s).Connections)
}

func TestClosedSessionRejectsCalls(t *testing.T) {
	st := newRecordingStore(nil)
	reg := newTestRegistry(t, st, testConfig(), "doc")

	s, err := reg.Resolve(context.Background(), "doc")
	require.NoError(t, err)
	reg.Release(s)
	waitClosed(t, s)

	_, err = s.Stats(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestStatsWithCancelledContext(t *testing.T) {
	st := newRecordingStore(nil)
	reg := newTestRegistry(t, st, testConfig(), "doc")

	x := connect(t, reg, "doc", "x", 1, nil)
	x.greeted()
	s := lookup(t, reg, "doc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		got, err := s.Stats(ctx)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, Stats{}, got)
		} else {
			assert.Equal(t, 1, got.Connections)
		}
		_, err = s.Snapshot(ctx)
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	}
	assert.Equal(t, 1, stats(t, s).Connections)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCloseReportsItemsMissingDependencies(t *testing.T) {
	var out lockedBuffer
	cfg := testConfig()
	cfg.Logger = log.New(&out, "", 0)
	st := newRecordingStore(nil)
	reg := newTestRegistry(t, st, cfg, "doc")

	x := connect(t, reg, "doc", "x", 1, nil)
	x.greeted()
	s := lookup(t, reg, "doc")

	x.insert(0, "ab")
	x.send(protocol.EncodeUpdate(x.insert(2, "cd")))
	assert.Zero(t, st.appendCalls.Load(), "items waiting on their origin are not persisted")

	x.disconnect()
	waitClosed(t, s)
	assert.Contains(t, out.String(), "doc: closing with 2 items still missing their dependencies")
}
