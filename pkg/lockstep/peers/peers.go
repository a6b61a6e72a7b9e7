// Package peers implements the fixed-capacity peer table a session uses to track the other players it knows about.
//
// Slots are claimed first-free and are stable for the life of the peer (no compaction).
// Occupancy is a bitmask; Count is always the popcount of that mask.
package peers

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
	"github.com/rs/zerolog"
)

const (
	// Slots is the number of peers a table can hold.
	Slots = 18
	// DefaultLimit is the number of peers that may be connected (or connecting) at once.
	DefaultLimit = 8
)

// Status is the connection state of a single peer.
type Status uint8

const (
	// known, but no connection attempted
	StatusSet Status = iota + 1
	// we asked the server to mediate; waiting for it to acknowledge
	StatusAwaiting
	// the server is mediating; waiting for Establish and the direct handshake
	StatusPending
	// direct handshake complete
	StatusConnected
	// peer lists and object announcements exchanged; fetches outstanding
	StatusExchanging
	// no fetches outstanding from this peer
	StatusSynced
)

func (s Status) String() string {
	switch s {
	case StatusSet:
		return "SET"
	case StatusAwaiting:
		return "AWAITING"
	case StatusPending:
		return "PENDING"
	case StatusConnected:
		return "CONNECTED"
	case StatusExchanging:
		return "EXCHANGING"
	case StatusSynced:
		return "SYNCED"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether s counts against the connection limit.
func (s Status) Live() bool {
	return s >= StatusAwaiting && s <= StatusSynced
}

// Direct reports whether s implies a completed direct handshake.
func (s Status) Direct() bool {
	return s >= StatusConnected && s <= StatusSynced
}

// legal transitions; staying put is always legal
var transitions = map[Status][]Status{
	StatusSet:        {StatusAwaiting, StatusPending},
	StatusAwaiting:   {StatusPending, StatusSet},
	StatusPending:    {StatusConnected, StatusSet},
	StatusConnected:  {StatusExchanging},
	StatusExchanging: {StatusSynced},
	StatusSynced:     {StatusExchanging},
}

// A Peer is a single occupied slot.
type Peer struct {
	Slot   int
	ID     lockstep.PeerID
	Addr   netip.AddrPort
	Status Status
	// conn flag advertised by the peer
	Flags uint8
	// 0 if no transport handle is held
	Handle transport.Handle
	// the peer is removed once this passes; zero means never
	Deadline time.Time
}

func (p Peer) Zerolog(ev *zerolog.Event) {
	ev.Int("slot", p.Slot).
		Uint32("id", p.ID).
		Str("addr", p.Addr.String()).
		Str("status", p.Status.String()).
		Uint32("handle", uint32(p.Handle))
}

//#region errors

var (
	ErrExists = errors.New("peer is already in the table")
	ErrSelf   = errors.New("cannot insert self as a peer")
	ErrFull   = errors.New("peer table is full")
)

// ErrBadSlot is returned when a slot is out of range or unoccupied.
func ErrBadSlot(slot int) error {
	return fmt.Errorf("slot %d is not occupied", slot)
}

// ErrBadTransition is returned when a status change is not permitted by the peer state machine.
func ErrBadTransition(from, to Status) error {
	return fmt.Errorf("illegal status transition %v -> %v", from, to)
}

//#endregion errors

// Table is a fixed-capacity registry of peers.
// Not safe for concurrent use; owned by a single session.
type Table struct {
	self  lockstep.PeerID
	limit int
	mask  uint32
	slots [Slots]Peer
}

// New returns an empty table that refuses self and admits at most limit live connections.
// A non-positive limit is replaced by DefaultLimit.
func New(self lockstep.PeerID, limit int) *Table {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Table{self: self, limit: limit}
}

// SetSelf updates the id the table refuses to insert.
// Called once registration assigns an id.
func (t *Table) SetSelf(id lockstep.PeerID) {
	t.self = id
}

func (t *Table) occupied(slot int) bool {
	return slot >= 0 && slot < Slots && t.mask&(1<<slot) != 0
}

// Insert claims the first free slot for id, with status Set.
// If id is already present, its slot is returned alongside ErrExists and the table is unchanged.
func (t *Table) Insert(id lockstep.PeerID, addr netip.AddrPort, flags uint8) (slot int, err error) {
	if id == t.self || id == lockstep.ServerID {
		return -1, ErrSelf
	}
	if s, found := t.FindByID(id); found {
		return s, ErrExists
	}
	free := ^t.mask & (1<<Slots - 1)
	if free == 0 {
		return -1, ErrFull
	}
	slot = bits.TrailingZeros32(free)
	t.mask |= 1 << slot
	t.slots[slot] = Peer{Slot: slot, ID: id, Addr: addr, Status: StatusSet, Flags: flags}
	return slot, nil
}

// Get returns a copy of the peer in slot.
func (t *Table) Get(slot int) (Peer, bool) {
	if !t.occupied(slot) {
		return Peer{}, false
	}
	return t.slots[slot], true
}

// FindByID returns the slot holding id.
func (t *Table) FindByID(id lockstep.PeerID) (slot int, found bool) {
	for i := range Slots {
		if t.occupied(i) && t.slots[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// FindByAddr returns the slot holding the peer reachable at addr.
func (t *Table) FindByAddr(addr netip.AddrPort) (slot int, found bool) {
	for i := range Slots {
		if t.occupied(i) && t.slots[i].Addr == addr {
			return i, true
		}
	}
	return -1, false
}

// FindByHandle returns the slot whose peer owns transport handle h.
func (t *Table) FindByHandle(h transport.Handle) (slot int, found bool) {
	if h == 0 {
		return -1, false
	}
	for i := range Slots {
		if t.occupied(i) && t.slots[i].Handle == h {
			return i, true
		}
	}
	return -1, false
}

// Remove vacates slot, returning the peer that held it.
// The caller is responsible for releasing the peer's transport handle.
func (t *Table) Remove(slot int) (Peer, bool) {
	if !t.occupied(slot) {
		return Peer{}, false
	}
	p := t.slots[slot]
	t.mask &^= 1 << slot
	t.slots[slot] = Peer{}
	return p, true
}

// SetStatus moves the peer in slot to status, if the transition is legal.
func (t *Table) SetStatus(slot int, status Status) error {
	if !t.occupied(slot) {
		return ErrBadSlot(slot)
	}
	from := t.slots[slot].Status
	if from == status {
		return nil
	}
	for _, to := range transitions[from] {
		if to == status {
			t.slots[slot].Status = status
			return nil
		}
	}
	return ErrBadTransition(from, status)
}

// SetAddr updates the endpoint of the peer in slot.
// Used when the rendezvous server reports the endpoint it observed, which may differ from the advertised one.
func (t *Table) SetAddr(slot int, addr netip.AddrPort) error {
	if !t.occupied(slot) {
		return ErrBadSlot(slot)
	}
	t.slots[slot].Addr = addr
	return nil
}

// SetHandle records the transport handle held on behalf of the peer in slot.
func (t *Table) SetHandle(slot int, h transport.Handle) error {
	if !t.occupied(slot) {
		return ErrBadSlot(slot)
	}
	t.slots[slot].Handle = h
	return nil
}

// Touch sets the deadline of the peer in slot.
func (t *Table) Touch(slot int, deadline time.Time) error {
	if !t.occupied(slot) {
		return ErrBadSlot(slot)
	}
	t.slots[slot].Deadline = deadline
	return nil
}

// Count returns the number of occupied slots.
func (t *Table) Count() int {
	return bits.OnesCount32(t.mask)
}

// Connected returns the number of peers that have completed the direct handshake.
func (t *Table) Connected() (n int) {
	for i := range Slots {
		if t.occupied(i) && t.slots[i].Status.Direct() {
			n++
		}
	}
	return n
}

// InFlight returns the number of peers awaiting mediation or the direct handshake.
func (t *Table) InFlight() (n int) {
	for i := range Slots {
		if t.occupied(i) && (t.slots[i].Status == StatusAwaiting || t.slots[i].Status == StatusPending) {
			n++
		}
	}
	return n
}

// HasCapacity reports whether another connection may be started without exceeding the limit.
func (t *Table) HasCapacity() bool {
	return t.Connected()+t.InFlight() < t.limit
}

// Limit returns the connection limit.
func (t *Table) Limit() int {
	return t.limit
}

// Expired returns the slots whose deadline is set and not after now, in ascending order.
func (t *Table) Expired(now time.Time) (slots []int) {
	for i := range Slots {
		if t.occupied(i) && !t.slots[i].Deadline.IsZero() && !t.slots[i].Deadline.After(now) {
			slots = append(slots, i)
		}
	}
	return slots
}

// Range calls fn on a copy of each peer in ascending slot order.
// Halts early if fn returns false. fn may modify the table.
func (t *Table) Range(fn func(Peer) bool) {
	for i := range Slots {
		if t.occupied(i) {
			if !fn(t.slots[i]) {
				return
			}
		}
	}
}

// Zerolog attaches a summary of the table to the given log event.
func (t *Table) Zerolog(ev *zerolog.Event) {
	ev.Int("count", t.Count()).
		Int("connected", t.Connected()).
		Int("in-flight", t.InFlight()).
		Str("mask", fmt.Sprintf("%018b", t.mask))
}
