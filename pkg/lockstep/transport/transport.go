// Package transport defines the connection-oriented, poll-driven transport the session and rendezvous server are built on,
// plus a datagram implementation over any net.PacketConn.
//
// A Transport is driven by a single goroutine: call Service() once per tick, then drain PullEvent() until it reports false.
// Implementations may run internal goroutines, but all handle bookkeeping and event delivery happen inside Service/PullEvent.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// A Handle identifies a remote endpoint the transport is tracking.
// The zero Handle is never issued.
type Handle uint32

// SendFlags alter how a payload is delivered.
type SendFlags uint8

const (
	// Reliable requests ordered, retransmitted delivery if the implementation supports it.
	// Implementations without reliability treat it as a hint.
	Reliable SendFlags = 1 << iota
)

// EventType is the kind of an Event.
type EventType uint8

const (
	// A previously unknown remote endpoint reached us. Handle is newly issued.
	EventConnect EventType = iota + 1
	// A payload arrived. Data is owned by the receiver.
	EventReceive
	// A handle was released by the transport (idle timeout or remote close).
	// Handles released via Disconnect do not generate this event.
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "CONNECT"
	case EventReceive:
		return "RECEIVE"
	case EventDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// An Event is a single occurrence pulled from a transport.
type Event struct {
	Type   EventType
	Handle Handle
	From   netip.AddrPort
	Data   []byte
}

// Transport is the collaborator interface consumed by the session and the rendezvous server.
type Transport interface {
	// Connect returns a handle for the given endpoint, reusing the existing handle if one is live.
	Connect(addr netip.AddrPort, flags SendFlags) (Handle, error)
	// Send transmits b to the endpoint behind h.
	Send(h Handle, b []byte, flags SendFlags) error
	// Service moves pending network activity into the event queue and releases idle handles.
	Service() error
	// PullEvent pops the next queued event, if any. Never blocks.
	PullEvent() (Event, bool)
	// Disconnect releases h. Subsequent use of h returns ErrUnknownHandle.
	Disconnect(h Handle) error
	// LocalAddr is the endpoint this transport is bound to.
	LocalAddr() netip.AddrPort
	// Close releases every handle and the underlying socket.
	Close() error
}

var (
	ErrClosed = errors.New("transport is closed")
)

// ErrUnknownHandle is returned when an operation references a handle the transport is not tracking.
func ErrUnknownHandle(h Handle) error {
	return fmt.Errorf("unknown handle %d", h)
}

// AddrPortOf converts a net.Addr into a netip.AddrPort, unmapping IPv4-mapped addresses.
// Returns the zero AddrPort if addr cannot be interpreted.
func AddrPortOf(addr net.Addr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	var ap netip.AddrPort
	if a, ok := addr.(interface{ AddrPort() netip.AddrPort }); ok {
		ap = a.AddrPort()
	} else {
		var err error
		if ap, err = netip.ParseAddrPort(addr.String()); err != nil {
			return netip.AddrPort{}
		}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
