// Package crdt implements the replicated character sequence behind a care note.
//
// Every inserted rune carries a globally unique ID (a Lamport clock plus the
// client that produced it) and the ID of its left neighbour at insert time.
// Concurrent inserts after the same neighbour are ordered by ID, so replicas
// converge no matter the order in which update fragments arrive. Deleted runes
// stay in the sequence as tombstones.
package crdt

import "strings"

// ID identifies one inserted rune.
type ID struct {
	Client string
	Clock  uint64
}

// Less orders IDs by clock, then by client.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// OpKind is the type of a single operation inside an update fragment.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is one entry of an update fragment. An insert covers a run of runes whose
// IDs share a client and have consecutive clocks starting at ID.Clock; each
// rune after the first has the previous rune as its origin.
type Op struct {
	Kind    OpKind
	ID      ID
	Origin  *ID
	Text    string
	Deleted bool
}

// Update is an immutable fragment of operations.
type Update struct {
	Ops []Op
}

// Empty reports whether the update carries no operations.
func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// Merge concatenates fragments. The result applies the same as applying each
// fragment in turn.
func Merge(updates ...Update) Update {
	var merged Update
	for _, u := range updates {
		merged.Ops = append(merged.Ops, u.Ops...)
	}
	return merged
}

type item struct {
	id      ID
	origin  *ID
	value   rune
	deleted bool
}

// Doc is a single replica. It is not safe for concurrent use; the owner
// serializes access.
type Doc struct {
	client  string
	clock   uint64
	items   []*item
	index   map[ID]*item
	pending []Op
}

// NewDoc returns an empty replica whose local edits are attributed to client.
func NewDoc(client string) *Doc {
	return &Doc{
		client: client,
		index:  make(map[ID]*item),
	}
}

// FromState decodes a durable state into a new replica.
func FromState(client string, state []byte) (*Doc, error) {
	update, err := Decode(state)
	if err != nil {
		return nil, err
	}
	doc := NewDoc(client)
	doc.Apply(update)
	return doc, nil
}

// Client returns the replica's client identifier.
func (d *Doc) Client() string {
	return d.client
}

// Apply integrates a fragment. Operations whose dependencies are not known yet
// are buffered and retried after later fragments. Applying the same fragment
// twice has no further effect. It reports whether the visible or tombstone
// state changed.
func (d *Doc) Apply(u Update) bool {
	for _, op := range u.Ops {
		d.pending = append(d.pending, expand(op)...)
	}
	return d.drain()
}

// ApplyEncoded decodes and applies a binary fragment.
func (d *Doc) ApplyEncoded(b []byte) (bool, error) {
	update, err := Decode(b)
	if err != nil {
		return false, err
	}
	return d.Apply(update), nil
}

// Pending returns the number of buffered operations waiting on dependencies.
func (d *Doc) Pending() int {
	return len(d.pending)
}

func (d *Doc) drain() bool {
	changed := false
	for {
		progress := false
		rest := make([]Op, 0, len(d.pending))
		for _, op := range d.pending {
			applied, mutated := d.integrate(op)
			if !applied {
				rest = append(rest, op)
				continue
			}
			progress = true
			if mutated {
				changed = true
			}
		}
		d.pending = rest
		if !progress || len(rest) == 0 {
			return changed
		}
	}
}

// integrate applies a single-rune insert or a delete. applied is false when a
// dependency is still missing.
func (d *Doc) integrate(op Op) (applied bool, mutated bool) {
	switch op.Kind {
	case OpInsert:
		if existing, ok := d.index[op.ID]; ok {
			if op.Deleted && !existing.deleted {
				existing.deleted = true
				return true, true
			}
			return true, false
		}
		start := 0
		if op.Origin != nil {
			pos := d.position(*op.Origin)
			if pos < 0 {
				return false, false
			}
			start = pos + 1
		}
		for start < len(d.items) && op.ID.Less(d.items[start].id) {
			start++
		}
		it := &item{id: op.ID, value: []rune(op.Text)[0], deleted: op.Deleted}
		if op.Origin != nil {
			origin := *op.Origin
			it.origin = &origin
		}
		d.items = append(d.items, nil)
		copy(d.items[start+1:], d.items[start:])
		d.items[start] = it
		d.index[op.ID] = it
		d.observe(op.ID.Clock)
		return true, true
	case OpDelete:
		target, ok := d.index[op.ID]
		if !ok {
			return false, false
		}
		if target.deleted {
			return true, false
		}
		target.deleted = true
		return true, true
	default:
		return true, false
	}
}

func (d *Doc) observe(clock uint64) {
	if clock > d.clock {
		d.clock = clock
	}
}

func (d *Doc) position(id ID) int {
	if _, ok := d.index[id]; !ok {
		return -1
	}
	for i, it := range d.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// expand splits an insert run into single-rune operations.
func expand(op Op) []Op {
	if op.Kind != OpInsert {
		return []Op{op}
	}
	runes := []rune(op.Text)
	if len(runes) == 0 {
		return nil
	}
	out := make([]Op, 0, len(runes))
	origin := op.Origin
	for i, r := range runes {
		id := ID{Client: op.ID.Client, Clock: op.ID.Clock + uint64(i)}
		out = append(out, Op{Kind: OpInsert, ID: id, Origin: origin, Text: string(r), Deleted: op.Deleted})
		prev := id
		origin = &prev
	}
	return out
}

// Text returns the visible content.
func (d *Doc) Text() string {
	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (d *Doc) visible() []*item {
	out := make([]*item, 0, len(d.items))
	for _, it := range d.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

// Insert places text at the visible rune offset pos and returns the fragment
// to broadcast. Offsets past the end append.
func (d *Doc) Insert(pos int, text string) Update {
	n := len([]rune(text))
	if n == 0 {
		return Update{}
	}
	vis := d.visible()
	if pos > len(vis) {
		pos = len(vis)
	}
	if pos < 0 {
		pos = 0
	}
	op := Op{Kind: OpInsert, ID: ID{Client: d.client, Clock: d.clock + 1}, Text: text}
	if pos > 0 {
		origin := vis[pos-1].id
		op.Origin = &origin
	}
	u := Update{Ops: []Op{op}}
	d.Apply(u)
	return u
}

// Delete removes count visible runes starting at pos.
func (d *Doc) Delete(pos, count int) Update {
	vis := d.visible()
	if pos < 0 {
		pos = 0
	}
	end := pos + count
	if end > len(vis) {
		end = len(vis)
	}
	var u Update
	for i := pos; i < end; i++ {
		u.Ops = append(u.Ops, Op{Kind: OpDelete, ID: vis[i].id})
	}
	d.Apply(u)
	return u
}

// Replace swaps the whole visible content for text as a forward edit, so
// replicas that merge it converge on text.
func (d *Doc) Replace(text string) Update {
	removed := d.Delete(0, d.Len())
	inserted := d.Insert(0, text)
	return Merge(removed, inserted)
}

// StateUpdate returns a fragment carrying the full replica state, including
// tombstones and buffered operations.
func (d *Doc) StateUpdate() Update {
	var u Update
	for _, it := range d.items {
		if n := len(u.Ops); n > 0 {
			last := &u.Ops[n-1]
			runLen := uint64(len([]rune(last.Text)))
			if last.Deleted == it.deleted &&
				it.id.Client == last.ID.Client &&
				it.id.Clock == last.ID.Clock+runLen &&
				it.origin != nil &&
				*it.origin == (ID{Client: last.ID.Client, Clock: last.ID.Clock + runLen - 1}) {
				last.Text += string(it.value)
				continue
			}
		}
		op := Op{Kind: OpInsert, ID: it.id, Text: string(it.value), Deleted: it.deleted}
		if it.origin != nil {
			origin := *it.origin
			op.Origin = &origin
		}
		u.Ops = append(u.Ops, op)
	}
	u.Ops = append(u.Ops, sortedPending(d.pending)...)
	return u
}

// EncodeState returns the binary durable state.
func (d *Doc) EncodeState() []byte {
	return Encode(d.StateUpdate())
}

func sortedPending(ops []Op) []Op {
	out := make([]Op, len(ops))
	copy(out, ops)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && pendingLess(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func pendingLess(a, b Op) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.ID.Less(b.ID)
}
