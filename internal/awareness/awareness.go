// Package awareness keeps the ephemeral per-client presence state of one
// document (cursor positions, user names, ...). It is never persisted.
//
// Deltas use the y-protocols awareness layout: a count followed by
// (clientID, clock, JSON state) triples, where a JSON null state removes the
// client. A Table is not safe for concurrent use; it belongs to the session
// goroutine that owns the document.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"docsync/internal/wire"
)

// ErrMalformedDelta is returned when a presence delta cannot be decoded.
var ErrMalformedDelta = errors.New("awareness: malformed delta")

var null = []byte("null")

// Change lists the client IDs affected by an applied delta.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Changed returns added, updated and removed IDs in one slice.
func (c Change) Changed() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type entry struct {
	clock uint64
	// state is nil once the client has been removed; the clock is kept so
	// stale deltas for the client are still rejected.
	state       json.RawMessage
	lastUpdated time.Time
}

// Table maps client IDs to their latest presence state.
type Table struct {
	entries map[uint64]*entry
	now     func() time.Time
}

// NewTable returns an empty presence table.
func NewTable() *Table {
	return &Table{
		entries: make(map[uint64]*entry),
		now:     time.Now,
	}
}

// Apply merges an encoded delta into the table. An entry wins when its
// clock is newer, or equal with a null state for a client that is present.
// The whole delta is decoded first; a malformed delta leaves the table
// untouched.
func (t *Table) Apply(delta []byte) (Change, error) {
	var change Change
	entries, err := DecodeDelta(delta)
	if err != nil {
		return change, err
	}

	now := t.now()
	for _, en := range entries {
		e, known := t.entries[en.Client]
		var currClock uint64
		present := false
		if known {
			currClock = e.clock
			present = e.state != nil
		}
		if !(currClock < en.Clock || (currClock == en.Clock && en.State == nil && present)) {
			continue
		}

		if !known {
			e = &entry{}
			t.entries[en.Client] = e
		}
		switch {
		case en.State == nil:
			if present {
				change.Removed = append(change.Removed, en.Client)
			}
		case present:
			change.Updated = append(change.Updated, en.Client)
		default:
			change.Added = append(change.Added, en.Client)
		}
		e.clock = en.Clock
		e.state = en.State
		e.lastUpdated = now
	}
	return change, nil
}

// Remove drops the given clients, bumping their clocks so peers accept the
// removal. Clients that are not present are ignored.
func (t *Table) Remove(clients []uint64) Change {
	var change Change
	now := t.now()
	for _, client := range clients {
		e, ok := t.entries[client]
		if !ok || e.state == nil {
			continue
		}
		e.state = nil
		e.clock++
		e.lastUpdated = now
		change.Removed = append(change.Removed, client)
	}
	return change
}

// Expire removes every present client whose state has not been renewed within timeout.
func (t *Table) Expire(timeout time.Duration) Change {
	if timeout <= 0 {
		return Change{}
	}
	now := t.now()
	var stale []uint64
	for client, e := range t.entries {
		if e.state != nil && now.Sub(e.lastUpdated) >= timeout {
			stale = append(stale, client)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return t.Remove(stale)
}

// Encode builds a delta describing the current state of clients. Removed
// clients are encoded with a null state; unknown clients are skipped.
func (t *Table) Encode(clients []uint64) []byte {
	known := make([]uint64, 0, len(clients))
	for _, c := range clients {
		if _, ok := t.entries[c]; ok {
			known = append(known, c)
		}
	}

	e := wire.NewEncoder()
	e.WriteVarUint(uint64(len(known)))
	for _, c := range known {
		en := t.entries[c]
		e.WriteVarUint(c)
		e.WriteVarUint(en.clock)
		if en.state == nil {
			e.WriteVarString("null")
		} else {
			e.WriteVarString(string(en.state))
		}
	}
	return e.Bytes()
}

// Clients returns the IDs of present clients in ascending order.
func (t *Table) Clients() []uint64 {
	out := make([]uint64, 0, len(t.entries))
	for c, e := range t.entries {
		if e.state != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns the presence state of client, if present.
func (t *Table) State(client uint64) (json.RawMessage, bool) {
	e, ok := t.entries[client]
	if !ok || e.state == nil {
		return nil, false
	}
	return e.state, true
}

// Len returns the number of present clients.
func (t *Table) Len() int {
	n := 0
	for _, e := range t.entries {
		if e.state != nil {
			n++
		}
	}
	return n
}

// Entry is one element of a presence delta.
type Entry struct {
	Client uint64
	Clock  uint64
	// State is the JSON state, or nil for a removal.
	State json.RawMessage
}

// EncodeDelta builds a delta from explicit entries; clients use it to
// announce their own state.
func EncodeDelta(entries ...Entry) []byte {
	e := wire.NewEncoder()
	e.WriteVarUint(uint64(len(entries)))
	for _, en := range entries {
		e.WriteVarUint(en.Client)
		e.WriteVarUint(en.Clock)
		if en.State == nil {
			e.WriteVarString("null")
		} else {
			e.WriteVarString(string(en.State))
		}
	}
	return e.Bytes()
}

// DecodeDelta parses and validates a delta without applying it.
func DecodeDelta(delta []byte) ([]Entry, error) {
	d := wire.NewDecoder(delta)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	entries := make([]Entry, 0, min(n, uint64(len(delta))))
	for i := uint64(0); i < n; i++ {
		var en Entry
		if en.Client, err = d.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
		if en.Clock, err = d.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
		raw, err := d.ReadVarString()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
		}
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("%w: client %d state is not JSON", ErrMalformedDelta, en.Client)
		}
		if !bytes.Equal(bytes.TrimSpace([]byte(raw)), null) {
			en.State = json.RawMessage(raw)
		}
		entries = append(entries, en)
	}
	return entries, nil
}
