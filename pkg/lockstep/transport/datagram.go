package transport

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rs/zerolog"
)

// a single datagram handed from the reader goroutine to Service
type datagram struct {
	from netip.AddrPort
	data []byte
}

type endpoint struct {
	addr     netip.AddrPort
	lastSeen time.Time
}

// Datagram is a Transport over a net.PacketConn.
// Delivery is best-effort; the Reliable flag is accepted but not honoured.
//
// Datagram is not safe for concurrent use; drive it from a single goroutine.
type Datagram struct {
	log         *zerolog.Logger
	pconn       net.PacketConn
	local       netip.AddrPort
	idleTimeout time.Duration
	queueDepth  int
	now         func() time.Time

	rx      chan datagram
	readErr atomic.Pointer[error] // set by the reader goroutine as it exits
	closed  atomic.Bool

	next    Handle
	handles map[Handle]*endpoint
	byAddr  map[netip.AddrPort]Handle
	events  []Event
}

// New wraps pconn in a datagram transport and starts its reader goroutine.
// The transport takes ownership of pconn and closes it on Close.
func New(pconn net.PacketConn, opts ...Option) *Datagram {
	d := &Datagram{
		pconn:       pconn,
		local:       AddrPortOf(pconn.LocalAddr()),
		idleTimeout: DefaultIdleTimeout,
		queueDepth:  DefaultQueueDepth,
		now:         time.Now,
		handles:     make(map[Handle]*endpoint),
		byAddr:      make(map[netip.AddrPort]Handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"local"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("local", d.local.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		d.log = &l
	}
	d.rx = make(chan datagram, d.queueDepth)

	go d.read()

	return d
}

// read slurps datagrams off the socket until it is closed.
func (d *Datagram) read() {
	defer close(d.rx)
	for {
		buf := make([]byte, lockstep.MaxPacketSize)
		n, from, err := d.pconn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.log.Warn().Err(err).Msg("packet read error, returning...")
			}
			d.readErr.Store(&err)
			return
		}
		if n == 0 {
			d.log.Debug().Msg("zero byte message received")
			continue
		}
		ap := AddrPortOf(from)
		if !ap.IsValid() {
			d.log.Debug().Str("sender", from.String()).Msg("dropping datagram from uninterpretable address")
			continue
		}
		select {
		case d.rx <- datagram{from: ap, data: buf[:n]}:
		default:
			d.log.Debug().Str("sender", ap.String()).Msg("receive queue full, dropping datagram")
		}
	}
}

// handleFor returns the live handle for addr, issuing a new one if necessary.
func (d *Datagram) handleFor(addr netip.AddrPort) (h Handle, fresh bool) {
	if h, found := d.byAddr[addr]; found {
		return h, false
	}
	d.next++
	h = d.next
	d.handles[h] = &endpoint{addr: addr, lastSeen: d.now()}
	d.byAddr[addr] = h
	return h, true
}

// Connect returns the handle for addr. No packets are exchanged.
func (d *Datagram) Connect(addr netip.AddrPort, _ SendFlags) (Handle, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if !addr.IsValid() {
		return 0, &net.AddrError{Err: "invalid address", Addr: addr.String()}
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	h, fresh := d.handleFor(addr)
	if fresh {
		d.log.Debug().Uint32("handle", uint32(h)).Str("remote", addr.String()).Msg("handle issued")
	}
	return h, nil
}

// Send writes b to the endpoint behind h.
func (d *Datagram) Send(h Handle, b []byte, _ SendFlags) error {
	if d.closed.Load() {
		return ErrClosed
	}
	ep, found := d.handles[h]
	if !found {
		return ErrUnknownHandle(h)
	}
	if len(b) > int(lockstep.MaxPacketSize) {
		d.log.Warn().Int("size", len(b)).Msg("packet is greater than max packet size. It may be truncated on receipt.")
	}
	n, err := d.pconn.WriteTo(b, net.UDPAddrFromAddrPort(ep.addr))
	if err != nil {
		return err
	} else if n != len(b) {
		d.log.Warn().Int("total bytes written", n).Int("packet length", len(b)).Msg("short write")
	}
	return nil
}

// Service moves every buffered datagram into the event queue, then releases idle handles.
func (d *Datagram) Service() error {
	if d.closed.Load() {
		return ErrClosed
	}
	now := d.now()
drain:
	for {
		select {
		case dg, ok := <-d.rx:
			if !ok {
				break drain
			}
			h, fresh := d.handleFor(dg.from)
			if fresh {
				d.events = append(d.events, Event{Type: EventConnect, Handle: h, From: dg.from})
			}
			d.handles[h].lastSeen = now
			d.events = append(d.events, Event{Type: EventReceive, Handle: h, From: dg.from, Data: dg.data})
		default:
			break drain
		}
	}

	if d.idleTimeout > 0 {
		for h, ep := range d.handles {
			if now.Sub(ep.lastSeen) > d.idleTimeout {
				d.release(h)
				d.events = append(d.events, Event{Type: EventDisconnect, Handle: h, From: ep.addr})
				d.log.Debug().Uint32("handle", uint32(h)).Str("remote", ep.addr.String()).Msg("handle idled out")
			}
		}
	}

	if errp := d.readErr.Load(); errp != nil && !errors.Is(*errp, net.ErrClosed) {
		return *errp
	}
	return nil
}

// PullEvent pops the oldest queued event.
func (d *Datagram) PullEvent() (Event, bool) {
	if len(d.events) == 0 {
		return Event{}, false
	}
	ev := d.events[0]
	d.events[0] = Event{}
	d.events = d.events[1:]
	return ev, true
}

func (d *Datagram) release(h Handle) {
	if ep, found := d.handles[h]; found {
		delete(d.byAddr, ep.addr)
		delete(d.handles, h)
	}
}

// Disconnect forgets h.
func (d *Datagram) Disconnect(h Handle) error {
	if _, found := d.handles[h]; !found {
		return ErrUnknownHandle(h)
	}
	d.release(h)
	return nil
}

// Handles returns the number of live handles.
func (d *Datagram) Handles() int {
	return len(d.handles)
}

func (d *Datagram) LocalAddr() netip.AddrPort {
	return d.local
}

// Close shuts down the socket. Idempotent.
func (d *Datagram) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	clear(d.handles)
	clear(d.byAddr)
	d.events = nil
	return d.pconn.Close()
}

var _ Transport = (*Datagram)(nil)
