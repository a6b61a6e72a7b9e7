package quictransport_test

import (
	"net"
	"testing"
	"time"

	. "github.com/rflandau/Lockstep/internal/testsupport"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport/quictransport"
)

func newTransport(t *testing.T, opts ...quictransport.Option) *quictransport.Transport {
	t.Helper()
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(RandomLocalhostAddrPort()))
	if err != nil {
		t.Skip("failed to bind a local socket: ", err)
	}
	tr, err := quictransport.New(conn, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// pull services tr (and drives others) until it has collected want events.
func pull(t *testing.T, tr transport.Transport, want int, others ...transport.Transport) []transport.Event {
	t.Helper()
	var evs []transport.Event
	Eventually(3*time.Second, 5*time.Millisecond, func() bool {
		for _, o := range others {
			if err := o.Service(); err != nil {
				t.Fatal(err)
			}
		}
		if err := tr.Service(); err != nil {
			t.Fatal(err)
		}
		for ev, ok := tr.PullEvent(); ok; ev, ok = tr.PullEvent() {
			evs = append(evs, ev)
		}
		return len(evs) >= want
	})
	if len(evs) < want {
		t.Fatal("did not collect enough events", ExpectedActual(want, len(evs)))
	}
	return evs
}

func TestTransport(t *testing.T) {
	a, b := newTransport(t), newTransport(t)

	h, err := a.Connect(b.LocalAddr(), transport.Reliable)
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := a.Connect(b.LocalAddr(), 0); again != h {
		t.Fatal("expected handle reuse", ExpectedActual(h, again))
	}

	// queued until the background dial completes
	if err := a.Send(h, []byte("reliable"), transport.Reliable); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(h, []byte("datagram"), 0); err != nil {
		t.Fatal(err)
	}

	evs := pull(t, b, 3, a)
	if evs[0].Type != transport.EventConnect || evs[0].From != a.LocalAddr() {
		t.Fatal("expected a connect event from a", evs[0])
	}
	got := map[string]bool{}
	for _, ev := range evs[1:] {
		if ev.Type == transport.EventReceive {
			got[string(ev.Data)] = true
		}
	}
	if !got["reliable"] {
		t.Error("reliable payload was not received")
	}

	// reply over the inbound connection
	if err := b.Send(evs[0].Handle, []byte("pong"), transport.Reliable); err != nil {
		t.Fatal(err)
	}
	back := pull(t, a, 1, b)
	if back[0].Type != transport.EventReceive || back[0].Handle != h || string(back[0].Data) != "pong" {
		t.Fatal("bad reply", back[0])
	}

	if err := a.Disconnect(h); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(h, []byte("x"), 0); err == nil {
		t.Fatal("expected send on a released handle to fail")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	a := newTransport(t, quictransport.WithDialTimeout(100*time.Millisecond))
	nobody := RandomLocalhostAddrPort()

	start := time.Now()
	h, err := a.Connect(nobody, transport.Reliable)
	if err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took > 50*time.Millisecond {
		t.Fatal("Connect waited on the dial", took)
	}
	if err := a.Send(h, []byte("hello?"), transport.Reliable); err != nil {
		t.Fatal("expected the send to be queued", err)
	}

	evs := pull(t, a, 1)
	if evs[0].Type != transport.EventDisconnect || evs[0].Handle != h || evs[0].From != nobody {
		t.Fatal("expected the failed dial to release the handle", evs[0])
	}
	if err := a.Send(h, []byte("x"), transport.Reliable); err == nil {
		t.Fatal("expected send on a released handle to fail")
	}
}

func TestSend_Backlog(t *testing.T) {
	a := newTransport(t, quictransport.WithDialTimeout(time.Second))
	h, err := a.Connect(RandomLocalhostAddrPort(), transport.Reliable)
	if err != nil {
		t.Fatal(err)
	}
	for i := range quictransport.MaxPending {
		if err := a.Send(h, []byte{byte(i)}, transport.Reliable); err != nil {
			t.Fatal(i, err)
		}
	}
	if err := a.Send(h, []byte("one too many"), transport.Reliable); err != quictransport.ErrBacklogFull {
		t.Fatal(ExpectedActual(quictransport.ErrBacklogFull, err))
	}
}
