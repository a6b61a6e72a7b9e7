// Package memnet is an in-memory datagram network.
// Each PacketConn satisfies net.PacketConn, so anything built on sockets (including the datagram transport) can be run
// in-process, without ports, and deterministically.
package memnet

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// DefaultQueueDepth is the number of datagrams a PacketConn buffers before dropping.
const DefaultQueueDepth = 256

// Addr is the net.Addr of a PacketConn.
type Addr netip.AddrPort

func (a Addr) Network() string { return "memnet" }
func (a Addr) String() string  { return netip.AddrPort(a).String() }

// AddrPort returns a as a netip.AddrPort.
func (a Addr) AddrPort() netip.AddrPort { return netip.AddrPort(a) }

// A Network routes datagrams between the PacketConns bound to it.
// The zero value is ready for use.
type Network struct {
	mu       sync.Mutex
	conns    map[netip.AddrPort]*PacketConn
	nextPort uint16
	// Drop, if set, is consulted for every datagram; returning true silently discards it.
	Drop func(from, to netip.AddrPort, b []byte) bool
}

var ErrAddrInUse = errors.New("address already in use")

// Listen binds a new PacketConn to addr.
// If addr's port is 0, an unused port is chosen.
func (n *Network) Listen(addr netip.AddrPort) (*PacketConn, error) {
	if !addr.Addr().IsValid() {
		return nil, &net.AddrError{Err: "invalid address", Addr: addr.String()}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns == nil {
		n.conns = make(map[netip.AddrPort]*PacketConn)
	}
	if addr.Port() == 0 {
		for {
			n.nextPort++
			if n.nextPort < 1024 {
				n.nextPort = 1024
			}
			candidate := netip.AddrPortFrom(addr.Addr(), n.nextPort)
			if _, taken := n.conns[candidate]; !taken {
				addr = candidate
				break
			}
		}
	} else if _, taken := n.conns[addr]; taken {
		return nil, fmt.Errorf("%w: %v", ErrAddrInUse, addr)
	}
	pc := &PacketConn{
		net:    n,
		local:  addr,
		rx:     make(chan packet, DefaultQueueDepth),
		closed: make(chan struct{}),
	}
	n.conns[addr] = pc
	return pc, nil
}

// MustListen is Listen, but panics on error.
func (n *Network) MustListen(addr string) *PacketConn {
	pc, err := n.Listen(netip.MustParseAddrPort(addr))
	if err != nil {
		panic(err)
	}
	return pc
}

func (n *Network) deliver(from, to netip.AddrPort, b []byte) {
	n.mu.Lock()
	dst, found := n.conns[to]
	drop := n.Drop
	n.mu.Unlock()
	if !found || (drop != nil && drop(from, to, b)) {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case dst.rx <- packet{from: from, data: cp}:
	case <-dst.closed:
	default: // queue full; datagrams are lossy
	}
}

func (n *Network) unbind(addr netip.AddrPort) {
	n.mu.Lock()
	delete(n.conns, addr)
	n.mu.Unlock()
}

type packet struct {
	from netip.AddrPort
	data []byte
}

// A PacketConn is one endpoint on a Network.
type PacketConn struct {
	net   *Network
	local netip.AddrPort

	rx        chan packet
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
}

// ReadFrom blocks until a datagram arrives, the read deadline passes, or the conn is closed.
// Datagrams larger than b are truncated.
//
// NOTE: changing the read deadline does not wake a ReadFrom that is already blocked.
func (pc *PacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	pc.mu.Lock()
	deadline := pc.readDeadline
	pc.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	// prefer reporting closure over draining leftover datagrams
	select {
	case <-pc.closed:
		return 0, nil, net.ErrClosed
	default:
	}
	select {
	case p := <-pc.rx:
		return copy(b, p.data), Addr(p.from), nil
	case <-pc.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo sends b to addr. Datagrams to unbound addresses are silently dropped.
func (pc *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-pc.closed:
		return 0, net.ErrClosed
	default:
	}
	to, err := addrPortOf(addr)
	if err != nil {
		return 0, err
	}
	pc.net.deliver(pc.local, to, b)
	return len(b), nil
}

func addrPortOf(addr net.Addr) (netip.AddrPort, error) {
	var ap netip.AddrPort
	if a, ok := addr.(interface{ AddrPort() netip.AddrPort }); ok {
		ap = a.AddrPort()
	} else {
		var err error
		if ap, err = netip.ParseAddrPort(addr.String()); err != nil {
			return ap, err
		}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// Close unbinds the conn and unblocks any pending reads. Idempotent.
func (pc *PacketConn) Close() error {
	pc.closeOnce.Do(func() {
		close(pc.closed)
		pc.net.unbind(pc.local)
	})
	return nil
}

func (pc *PacketConn) LocalAddr() net.Addr { return Addr(pc.local) }

func (pc *PacketConn) SetDeadline(t time.Time) error {
	return pc.SetReadDeadline(t)
}

func (pc *PacketConn) SetReadDeadline(t time.Time) error {
	pc.mu.Lock()
	pc.readDeadline = t
	pc.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op; writes never block.
func (pc *PacketConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.PacketConn = (*PacketConn)(nil)
