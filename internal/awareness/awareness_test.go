package awareness

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func state(s string) json.RawMessage { return json.RawMessage(s) }

func TestApply_AddUpdateRemove(t *testing.T) {
	tbl := NewTable()

	change, err := tbl.Apply(EncodeDelta(Entry{Client: 7, Clock: 1, State: state(`{"name":"ann"}`)}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, change.Added)
	assert.Equal(t, 1, tbl.Len())

	change, err = tbl.Apply(EncodeDelta(Entry{Client: 7, Clock: 2, State: state(`{"name":"ann","cursor":3}`)}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, change.Updated)
	got, ok := tbl.State(7)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"ann","cursor":3}`, string(got))

	change, err = tbl.Apply(EncodeDelta(Entry{Client: 7, Clock: 2}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, change.Removed, "null state at the same clock removes a present client")
	assert.Equal(t, 0, tbl.Len())
	_, ok = tbl.State(7)
	assert.False(t, ok)
}

func TestApply_StaleClockIgnored(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Apply(EncodeDelta(Entry{Client: 1, Clock: 5, State: state(`"x"`)}))
	require.NoError(t, err)

	change, err := tbl.Apply(EncodeDelta(Entry{Client: 1, Clock: 4, State: state(`"old"`)}))
	require.NoError(t, err)
	assert.True(t, change.Empty())

	got, _ := tbl.State(1)
	assert.Equal(t, `"x"`, string(got))
}

func TestApply_Malformed(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Apply(nil)
	assert.ErrorIs(t, err, ErrMalformedDelta)

	_, err = tbl.Apply(EncodeDelta(Entry{Client: 1, Clock: 1, State: state(`{not json`)}))
	assert.ErrorIs(t, err, ErrMalformedDelta)

	// Declares two entries but carries one.
	delta := EncodeDelta(Entry{Client: 1, Clock: 1, State: state(`1`)})
	delta[0] = 2
	_, err = tbl.Apply(delta)
	assert.ErrorIs(t, err, ErrMalformedDelta)
}

func TestApply_TruncatedDeltaLeavesTableUntouched(t *testing.T) {
	tbl := NewTable()
	delta := EncodeDelta(
		Entry{Client: 10, Clock: 1, State: state(`{"user":"x"}`)},
		Entry{Client: 11, Clock: 1, State: state(`"y"`)},
	)
	delta = delta[:len(delta)-2]

	change, err := tbl.Apply(delta)
	assert.ErrorIs(t, err, ErrMalformedDelta)
	assert.True(t, change.Empty())
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, []byte{0x00}, tbl.Encode([]uint64{10}), "client 10 must not be recorded")

	_, err = tbl.Apply(EncodeDelta(
		Entry{Client: 10, Clock: 1, State: state(`{"user":"x"}`)},
		Entry{Client: 11, Clock: 1, State: state(`{broken`)},
	))
	assert.ErrorIs(t, err, ErrMalformedDelta)
	assert.Equal(t, 0, tbl.Len())
}

func TestRemove_BumpsClock(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Apply(EncodeDelta(
		Entry{Client: 1, Clock: 3, State: state(`"a"`)},
		Entry{Client: 2, Clock: 1, State: state(`"b"`)},
	))
	require.NoError(t, err)

	change := tbl.Remove([]uint64{1, 99})
	assert.Equal(t, []uint64{1}, change.Removed)
	assert.Equal(t, []uint64{2}, tbl.Clients())

	entries, err := DecodeDelta(tbl.Encode([]uint64{1}))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(4), entries[0].Clock)
	assert.Nil(t, entries[0].State)

	// A peer applying the removal drops the client too.
	peer := NewTable()
	_, err = peer.Apply(EncodeDelta(Entry{Client: 1, Clock: 3, State: state(`"a"`)}))
	require.NoError(t, err)
	change, err = peer.Apply(tbl.Encode([]uint64{1}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, change.Removed)
	assert.Equal(t, 0, peer.Len())
}

func TestExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable()
	tbl.now = func() time.Time { return now }

	_, err := tbl.Apply(EncodeDelta(Entry{Client: 1, Clock: 1, State: state(`"a"`)}))
	require.NoError(t, err)
	now = now.Add(20 * time.Second)
	_, err = tbl.Apply(EncodeDelta(Entry{Client: 2, Clock: 1, State: state(`"b"`)}))
	require.NoError(t, err)

	now = now.Add(15 * time.Second)
	change := tbl.Expire(30 * time.Second)
	assert.Equal(t, []uint64{1}, change.Removed)
	assert.Equal(t, []uint64{2}, tbl.Clients())

	assert.True(t, tbl.Expire(0).Empty())
}

func TestEncode_SnapshotRoundTrip(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Apply(EncodeDelta(
		Entry{Client: 3, Clock: 2, State: state(`{"c":3}`)},
		Entry{Client: 1, Clock: 1, State: state(`{"c":1}`)},
	))
	require.NoError(t, err)

	other := NewTable()
	change, err := other.Apply(tbl.Encode(tbl.Clients()))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 3}, change.Added)
	assert.Equal(t, tbl.Clients(), other.Clients())

	entries, err := DecodeDelta(tbl.Encode([]uint64{42}))
	require.NoError(t, err)
	assert.Empty(t, entries, "unknown clients are skipped")
}
