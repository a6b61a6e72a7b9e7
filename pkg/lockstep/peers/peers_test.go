package peers_test

import (
	"errors"
	"math/bits"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	. "github.com/rflandau/Lockstep/internal/testsupport"
	"github.com/rflandau/Lockstep/pkg/lockstep/peers"
)

func addr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), uint16(4000+i))
}

// fills a fresh table with peers 1..Slots.
func full(t *testing.T) *peers.Table {
	t.Helper()
	tbl := peers.New(100, 0)
	for i := 1; i <= peers.Slots; i++ {
		if _, err := tbl.Insert(uint32(i), addr(i), 0); err != nil {
			t.Fatal(err)
		}
	}
	return tbl
}

func TestTable_Insert(t *testing.T) {
	t.Run("uniqueness", func(t *testing.T) {
		tbl := peers.New(100, 0)
		slot, err := tbl.Insert(5, addr(5), 0)
		if err != nil {
			t.Fatal(err)
		}
		again, err := tbl.Insert(5, addr(6), 1)
		if !errors.Is(err, peers.ErrExists) {
			t.Fatal(ExpectedActual(peers.ErrExists, err))
		} else if again != slot {
			t.Fatal("duplicate insert should report the original slot", ExpectedActual(slot, again))
		}
		if found, _ := tbl.FindByID(5); found != slot {
			t.Fatal(ExpectedActual(slot, found))
		}
		if tbl.Count() != 1 {
			t.Fatal(ExpectedActual(1, tbl.Count()))
		}
		if p, _ := tbl.Get(slot); p.Addr != addr(5) || p.Status != peers.StatusSet {
			t.Fatal("original peer was modified", p)
		}
	})
	t.Run("self", func(t *testing.T) {
		tbl := peers.New(100, 0)
		if _, err := tbl.Insert(100, addr(1), 0); !errors.Is(err, peers.ErrSelf) {
			t.Fatal(ExpectedActual(peers.ErrSelf, err))
		}
		if _, err := tbl.Insert(0, addr(1), 0); !errors.Is(err, peers.ErrSelf) {
			t.Fatal("the server id must be refused", ExpectedActual(peers.ErrSelf, err))
		}
		tbl.SetSelf(7)
		if _, err := tbl.Insert(100, addr(1), 0); err != nil {
			t.Fatal(err)
		}
	})
	t.Run("capacity", func(t *testing.T) {
		tbl := full(t)
		if tbl.Count() != peers.Slots {
			t.Fatal(ExpectedActual(peers.Slots, tbl.Count()))
		}
		if _, err := tbl.Insert(9999, addr(99), 0); !errors.Is(err, peers.ErrFull) {
			t.Fatal(ExpectedActual(peers.ErrFull, err))
		}
		if tbl.Count() != peers.Slots {
			t.Fatal("failed insert changed the count", ExpectedActual(peers.Slots, tbl.Count()))
		}
		if _, found := tbl.FindByID(9999); found {
			t.Fatal("failed insert is findable")
		}
	})
	t.Run("slots are stable and reused first-free", func(t *testing.T) {
		tbl := full(t)
		s7, _ := tbl.FindByID(7)
		s9, _ := tbl.FindByID(9)
		tbl.Remove(s7)
		if s, _ := tbl.FindByID(9); s != s9 {
			t.Fatal("removal moved another peer", ExpectedActual(s9, s))
		}
		s, err := tbl.Insert(50, addr(50), 0)
		if err != nil {
			t.Fatal(err)
		} else if s != s7 {
			t.Fatal("expected the vacated slot to be reused", ExpectedActual(s7, s))
		}
	})
}

// Randomly inserts and removes peers, checking that Count always equals the number of findable peers.
func TestTable_CountInvariant(t *testing.T) {
	tbl := peers.New(1000, 0)
	live := map[uint32]bool{}
	for range 500 {
		id := uint32(1 + rand.IntN(40))
		if rand.IntN(2) == 0 {
			if _, err := tbl.Insert(id, addr(int(id)), 0); err == nil {
				live[id] = true
			}
		} else if s, found := tbl.FindByID(id); found {
			tbl.Remove(s)
			delete(live, id)
		}
		if tbl.Count() != len(live) {
			t.Fatal("count drifted", ExpectedActual(len(live), tbl.Count()))
		}
		var ranged, mask int
		tbl.Range(func(p peers.Peer) bool {
			ranged++
			mask |= 1 << p.Slot
			return true
		})
		if ranged != tbl.Count() || bits.OnesCount(uint(mask)) != tbl.Count() {
			t.Fatal("range disagrees with count", ranged, tbl.Count())
		}
	}
}

func TestTable_SetStatus(t *testing.T) {
	tbl := peers.New(100, 2)
	a, _ := tbl.Insert(1, addr(1), 0)
	b, _ := tbl.Insert(2, addr(2), 0)
	c, _ := tbl.Insert(3, addr(3), 0)

	if err := tbl.SetStatus(a, peers.StatusConnected); err == nil {
		t.Fatal("Set -> Connected must be rejected")
	}
	for _, s := range []peers.Status{peers.StatusAwaiting, peers.StatusPending, peers.StatusConnected, peers.StatusExchanging, peers.StatusSynced, peers.StatusExchanging} {
		if err := tbl.SetStatus(a, s); err != nil {
			t.Fatal(err)
		}
	}
	// remote-initiated: Awaiting skipped
	if err := tbl.SetStatus(b, peers.StatusPending); err != nil {
		t.Fatal(err)
	}
	if tbl.Connected() != 1 || tbl.InFlight() != 1 {
		t.Fatal("bad counters", tbl.Connected(), tbl.InFlight())
	}
	if tbl.HasCapacity() {
		t.Fatal("limit of 2 is reached; expected no capacity")
	}
	// Awaiting and Pending are exclusive
	if p, _ := tbl.Get(b); p.Status != peers.StatusPending {
		t.Fatal(ExpectedActual(peers.StatusPending, p.Status))
	}
	if err := tbl.SetStatus(c, peers.StatusSynced); err == nil {
		t.Fatal("Set -> Synced must be rejected")
	}
	if err := tbl.SetStatus(17, peers.StatusSet); err == nil {
		t.Fatal("expected error on unoccupied slot")
	}
}

func TestTable_Lookup(t *testing.T) {
	tbl := peers.New(100, 0)
	s, _ := tbl.Insert(42, addr(42), 1)
	tbl.SetHandle(s, 9)

	if got, _ := tbl.FindByAddr(addr(42)); got != s {
		t.Fatal(ExpectedActual(s, got))
	}
	if got, _ := tbl.FindByHandle(9); got != s {
		t.Fatal(ExpectedActual(s, got))
	}
	if _, found := tbl.FindByHandle(0); found {
		t.Fatal("handle 0 must never match")
	}
	p, ok := tbl.Remove(s)
	if !ok || p.Handle != 9 || p.ID != 42 {
		t.Fatal("remove must return the evicted peer so its handle can be released", p)
	}
	if _, ok := tbl.Remove(s); ok {
		t.Fatal("double remove succeeded")
	}
}

func TestTable_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tbl := peers.New(100, 0)
	a, _ := tbl.Insert(1, addr(1), 0)
	b, _ := tbl.Insert(2, addr(2), 0)
	tbl.Insert(3, addr(3), 0) // never expires
	tbl.Touch(a, now.Add(time.Second))
	tbl.Touch(b, now.Add(time.Minute))

	if exp := tbl.Expired(now); len(exp) != 0 {
		t.Fatal("nothing should be expired yet", exp)
	}
	if exp := tbl.Expired(now.Add(2 * time.Second)); len(exp) != 1 || exp[0] != a {
		t.Fatal("expected only a to expire", exp)
	}
	if exp := tbl.Expired(now.Add(time.Hour)); len(exp) != 2 {
		t.Fatal("expected a and b to expire", exp)
	}
}
