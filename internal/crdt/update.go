package crdt

import (
	"errors"
	"fmt"
	"sort"

	"docsync/internal/wire"
)

// ErrMalformedUpdate is returned when an update or state vector cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// ID identifies an item by the replica that created it and that replica's
// contiguous per-client clock.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) less(other ID) bool {
	if id.Client != other.Client {
		return id.Client < other.Client
	}
	return id.Clock < other.Clock
}

// Item represents a single character in the sequence with its positioning info.
type Item struct {
	ID ID
	// Origin is the item this one was inserted after; nil means the start of the document.
	Origin *ID
	// Lamport orders concurrent siblings sharing an origin.
	Lamport uint64
	Content string
}

// Update is a decoded delta: new items plus deleted item IDs.
type Update struct {
	Items   []Item
	Deletes []ID
}

// IsEmpty reports whether the update carries nothing.
func (u *Update) IsEmpty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// Encode serialises the update. Items and deletes are sorted first so equal
// updates always encode to equal bytes.
func (u *Update) Encode() []byte {
	sort.Slice(u.Items, func(i, j int) bool { return u.Items[i].ID.less(u.Items[j].ID) })
	sort.Slice(u.Deletes, func(i, j int) bool { return u.Deletes[i].less(u.Deletes[j]) })

	e := wire.NewEncoder()
	e.WriteVarUint(uint64(len(u.Items)))
	for _, it := range u.Items {
		e.WriteVarUint(it.ID.Client)
		e.WriteVarUint(it.ID.Clock)
		if it.Origin == nil {
			e.WriteVarUint(0)
		} else {
			e.WriteVarUint(1)
			e.WriteVarUint(it.Origin.Client)
			e.WriteVarUint(it.Origin.Clock)
		}
		e.WriteVarUint(it.Lamport)
		e.WriteVarString(it.Content)
	}
	e.WriteVarUint(uint64(len(u.Deletes)))
	for _, id := range u.Deletes {
		e.WriteVarUint(id.Client)
		e.WriteVarUint(id.Clock)
	}
	return e.Bytes()
}

// DecodeUpdate parses an encoded update. An empty input is an empty update.
func DecodeUpdate(b []byte) (*Update, error) {
	u := &Update{}
	if len(b) == 0 {
		return u, nil
	}
	d := wire.NewDecoder(b)

	n, err := d.ReadVarUint()
	if err != nil {
		return nil, malformed(err)
	}
	for i := uint64(0); i < n; i++ {
		var it Item
		if it.ID, err = readID(d); err != nil {
			return nil, malformed(err)
		}
		hasOrigin, err := d.ReadVarUint()
		if err != nil {
			return nil, malformed(err)
		}
		switch hasOrigin {
		case 0:
		case 1:
			origin, err := readID(d)
			if err != nil {
				return nil, malformed(err)
			}
			it.Origin = &origin
		default:
			return nil, fmt.Errorf("%w: origin flag %d", ErrMalformedUpdate, hasOrigin)
		}
		if it.Lamport, err = d.ReadVarUint(); err != nil {
			return nil, malformed(err)
		}
		if it.Content, err = d.ReadVarString(); err != nil {
			return nil, malformed(err)
		}
		u.Items = append(u.Items, it)
	}

	n, err = d.ReadVarUint()
	if err != nil {
		return nil, malformed(err)
	}
	for i := uint64(0); i < n; i++ {
		id, err := readID(d)
		if err != nil {
			return nil, malformed(err)
		}
		u.Deletes = append(u.Deletes, id)
	}
	return u, nil
}

// MergeUpdates unions several encoded updates into one without integrating
// them into a document. Stores use it to collapse an update log into a snapshot.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	items := make(map[ID]Item)
	deletes := make(map[ID]struct{})
	for _, b := range updates {
		u, err := DecodeUpdate(b)
		if err != nil {
			return nil, err
		}
		for _, it := range u.Items {
			items[it.ID] = it
		}
		for _, id := range u.Deletes {
			deletes[id] = struct{}{}
		}
	}

	merged := &Update{
		Items:   make([]Item, 0, len(items)),
		Deletes: make([]ID, 0, len(deletes)),
	}
	for _, it := range items {
		merged.Items = append(merged.Items, it)
	}
	for id := range deletes {
		merged.Deletes = append(merged.Deletes, id)
	}
	return merged.Encode(), nil
}

// StateVector maps each client to the next clock this replica expects from it.
type StateVector map[uint64]uint64

// Encode serialises the vector sorted by client.
func (sv StateVector) Encode() []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := wire.NewEncoder()
	e.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		e.WriteVarUint(c)
		e.WriteVarUint(sv[c])
	}
	return e.Bytes()
}

// DecodeStateVector parses an encoded state vector. An empty input is the empty vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(b) == 0 {
		return sv, nil
	}
	d := wire.NewDecoder(b)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, malformed(err)
	}
	for i := uint64(0); i < n; i++ {
		c, err := d.ReadVarUint()
		if err != nil {
			return nil, malformed(err)
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, malformed(err)
		}
		sv[c] = clock
	}
	return sv, nil
}

func readID(d *wire.Decoder) (ID, error) {
	client, err := d.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	clock, err := d.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
}
