// Package crdt provides the replicated text document the sync server keeps
// per room.
//
// It is a replicated growable array: every character is an item hanging off
// the item it was typed after, siblings are ordered by Lamport timestamp and
// client, and the text is the pre-order walk of that tree. Deletes are
// tombstones kept in a delete set. Any two replicas that have seen the same
// items and deletes produce the same text and the same encoded state,
// whatever order the updates arrived in.
package crdt

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrOutOfRange is returned by local edits addressing a position past the end of the text.
var ErrOutOfRange = errors.New("crdt: position out of range")

// ChangeFunc is called after every mutation with the newly applied update
// and the origin passed to MergeDelta (nil for local edits).
type ChangeFunc func(update []byte, origin any)

type node struct {
	item     Item
	deleted  bool
	children []*node
}

// precedes orders siblings: newer inserts sit closer to their origin.
func (n *node) precedes(other *node) bool {
	if n.item.Lamport != other.item.Lamport {
		return n.item.Lamport > other.item.Lamport
	}
	return n.item.ID.Client > other.item.ID.Client
}

// Doc is a replicated text document. It is safe for concurrent use; change
// handlers run after the internal lock is released.
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	lamport  uint64
	root     node
	nodes    map[ID]*node
	sv       StateVector
	deleted  map[ID]struct{}
	pending  map[ID]Item
	handlers []ChangeFunc
}

// New creates an empty document whose local edits are attributed to clientID.
func New(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		nodes:    make(map[ID]*node),
		sv:       make(StateVector),
		deleted:  make(map[ID]struct{}),
		pending:  make(map[ID]Item),
	}
}

// Pending returns the number of received items still waiting for their
// dependencies. They are not part of the state until those arrive.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// OnChange registers fn to be called after every applied change.
func (d *Doc) OnChange(fn func(update []byte, origin any)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

// StateVector returns the encoded state vector of integrated items.
func (d *Doc) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Encode()
}

// DiffSince returns everything this replica has that the peer described by
// vector has not seen. The delete set is always included. The result is
// empty when there is nothing to send.
func (d *Doc) DiffSince(vector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(vector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	u := &Update{}
	for id, n := range d.nodes {
		if id.Clock >= sv[id.Client] {
			u.Items = append(u.Items, n.item)
		}
	}
	for id := range d.deleted {
		u.Deletes = append(u.Deletes, id)
	}
	if u.IsEmpty() {
		return nil, nil
	}
	return u.Encode(), nil
}

// EncodeState returns the whole integrated state as a single update.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := &Update{
		Items:   make([]Item, 0, len(d.nodes)),
		Deletes: make([]ID, 0, len(d.deleted)),
	}
	for _, n := range d.nodes {
		u.Items = append(u.Items, n.item)
	}
	for id := range d.deleted {
		u.Deletes = append(u.Deletes, id)
	}
	return u.Encode()
}

// MergeDelta applies a remote update. Items whose dependencies are missing
// wait until they arrive. It returns the portion that changed this replica,
// or nil when nothing new was applied; handlers fire only in the latter case.
func (d *Doc) MergeDelta(update []byte, origin any) ([]byte, error) {
	u, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	applied := &Update{}
	for _, it := range u.Items {
		if it.ID.Clock < d.sv[it.ID.Client] {
			continue
		}
		if _, ok := d.pending[it.ID]; ok {
			continue
		}
		d.pending[it.ID] = it
	}
	for _, id := range u.Deletes {
		if _, ok := d.deleted[id]; ok {
			continue
		}
		d.deleted[id] = struct{}{}
		if n, ok := d.nodes[id]; ok {
			n.deleted = true
		}
		applied.Deletes = append(applied.Deletes, id)
	}
	applied.Items = d.integratePending()
	return d.commit(applied, origin), nil
}

// Insert types text at pos on behalf of the local client.
func (d *Doc) Insert(pos int, text string) ([]byte, error) {
	d.mu.Lock()
	visible := d.visible()
	if pos < 0 || pos > len(visible) {
		d.mu.Unlock()
		return nil, ErrOutOfRange
	}

	var origin *ID
	if pos > 0 {
		id := visible[pos-1].item.ID
		origin = &id
	}
	applied := &Update{}
	for _, r := range text {
		it := Item{
			ID:      ID{Client: d.clientID, Clock: d.sv[d.clientID]},
			Origin:  origin,
			Lamport: d.lamport,
			Content: string(r),
		}
		d.integrate(it)
		applied.Items = append(applied.Items, it)
		id := it.ID
		origin = &id
	}
	return d.commit(applied, nil), nil
}

// Delete removes n characters starting at pos on behalf of the local client.
func (d *Doc) Delete(pos, n int) ([]byte, error) {
	d.mu.Lock()
	visible := d.visible()
	if pos < 0 || n < 0 || pos+n > len(visible) {
		d.mu.Unlock()
		return nil, ErrOutOfRange
	}

	applied := &Update{}
	for _, nd := range visible[pos : pos+n] {
		nd.deleted = true
		d.deleted[nd.item.ID] = struct{}{}
		applied.Deletes = append(applied.Deletes, nd.item.ID)
	}
	return d.commit(applied, nil), nil
}

// Text returns the current visible content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	for _, n := range d.visible() {
		b.WriteString(n.item.Content)
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visible())
}

// commit encodes applied, releases the lock and notifies handlers.
// Must be called with d.mu held.
func (d *Doc) commit(applied *Update, origin any) []byte {
	if applied.IsEmpty() {
		d.mu.Unlock()
		return nil
	}
	encoded := applied.Encode()
	handlers := append([]ChangeFunc(nil), d.handlers...)
	d.mu.Unlock()

	for _, fn := range handlers {
		fn(encoded, origin)
	}
	return encoded
}

// integratePending integrates every pending item whose dependencies are
// present, repeating until no more progress is possible.
func (d *Doc) integratePending() []Item {
	var integrated []Item
	for {
		ready := make([]Item, 0)
		for _, it := range d.pending {
			if d.canIntegrate(it) {
				ready = append(ready, it)
			}
		}
		if len(ready) == 0 {
			return integrated
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].ID.less(ready[j].ID) })
		progress := false
		for _, it := range ready {
			// An earlier item in this batch may have unblocked or superseded it.
			if !d.canIntegrate(it) {
				continue
			}
			delete(d.pending, it.ID)
			d.integrate(it)
			integrated = append(integrated, it)
			progress = true
		}
		if !progress {
			return integrated
		}
	}
}

func (d *Doc) canIntegrate(it Item) bool {
	if it.ID.Clock != d.sv[it.ID.Client] {
		return false
	}
	if it.Origin != nil {
		if _, ok := d.nodes[*it.Origin]; !ok {
			return false
		}
	}
	return true
}

func (d *Doc) integrate(it Item) {
	parent := &d.root
	if it.Origin != nil {
		parent = d.nodes[*it.Origin]
	}

	n := &node{item: it}
	if _, ok := d.deleted[it.ID]; ok {
		n.deleted = true
	}

	i := sort.Search(len(parent.children), func(i int) bool {
		return n.precedes(parent.children[i])
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = n

	d.nodes[it.ID] = n
	d.sv[it.ID.Client] = it.ID.Clock + 1
	if it.Lamport >= d.lamport {
		d.lamport = it.Lamport + 1
	}
}

// visible returns the non-deleted nodes in document order.
func (d *Doc) visible() []*node {
	out := make([]*node, 0, len(d.nodes))
	stack := make([]*node, 0, 16)
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !n.deleted {
			out = append(out, n)
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	return out
}
