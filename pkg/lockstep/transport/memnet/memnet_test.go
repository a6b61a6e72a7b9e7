package memnet_test

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	. "github.com/rflandau/Lockstep/internal/testsupport"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport/memnet"
)

func TestNetwork(t *testing.T) {
	var n memnet.Network
	a := n.MustListen("10.0.0.1:1")
	b := n.MustListen("10.0.0.2:2")
	defer a.Close()
	defer b.Close()

	if _, err := n.Listen(netip.MustParseAddrPort("10.0.0.1:1")); !errors.Is(err, memnet.ErrAddrInUse) {
		t.Fatal(ExpectedActual(memnet.ErrAddrInUse, err))
	}

	if _, err := a.WriteTo([]byte("ping"), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	nr, from, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	// truncated like a real datagram socket
	if nr != 2 || string(buf) != "pi" || from.String() != "10.0.0.1:1" {
		t.Fatal("bad read", nr, string(buf), from)
	}

	// unbound destinations are silently dropped
	if _, err := a.WriteTo([]byte("x"), memnet.Addr(netip.MustParseAddrPort("10.9.9.9:9"))); err != nil {
		t.Fatal(err)
	}

	t.Run("drop", func(t *testing.T) {
		n.Drop = func(_, _ netip.AddrPort, _ []byte) bool { return true }
		defer func() { n.Drop = nil }()
		a.WriteTo([]byte("lost"), b.LocalAddr())
		b.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		defer b.SetReadDeadline(time.Time{})
		if _, _, err := b.ReadFrom(buf); !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatal(ExpectedActual(os.ErrDeadlineExceeded, err))
		}
	})
}

func TestPacketConn_Close(t *testing.T) {
	var n memnet.Network
	a := n.MustListen("10.0.0.1:0")
	if port := a.LocalAddr().(memnet.Addr).AddrPort().Port(); port == 0 {
		t.Fatal("port was not assigned")
	}

	done := make(chan error)
	go func() {
		_, _, err := a.ReadFrom(make([]byte, 8))
		done <- err
	}()
	a.Close()
	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatal(ExpectedActual(net.ErrClosed, err))
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock ReadFrom")
	}
	if _, err := a.WriteTo([]byte{1}, a.LocalAddr()); !errors.Is(err, net.ErrClosed) {
		t.Fatal(ExpectedActual(net.ErrClosed, err))
	}
	// address is free again
	if _, err := n.Listen(a.LocalAddr().(memnet.Addr).AddrPort()); err != nil {
		t.Fatal(err)
	}
}
