// Package quictransport implements transport.Transport over QUIC.
//
// Every endpoint shares a single UDP socket (a quic.Transport), so the port a player registers with the rendezvous
// server is the same port peers dial directly. Unreliable sends travel as QUIC datagrams; reliable sends each get their
// own unidirectional stream.
//
// Both sides of a rendezvous dial simultaneously, so a remote endpoint may be reachable over more than one connection.
// All connections to the same remote address share a single handle.
//
// No method blocks. Connect hands back a handle immediately and dials in the background; sends on a handle that is
// still dialing (or whose connection has no free stream) are queued and flushed by Service. A failed dial surfaces
// as an EventDisconnect for the handle.
package quictransport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
	"github.com/rs/zerolog"
)

const (
	// DefaultDialTimeout bounds how long a background dial may take before the handle is released.
	DefaultDialTimeout = 3 * time.Second
	// MaxPending is the number of sends queued per handle while it waits for a connection or a free stream.
	MaxPending = 64
	// DefaultIdleTimeout is handed to quic-go as MaxIdleTimeout.
	DefaultIdleTimeout = 30 * time.Second

	alpn = "lockstep"
)

type rawKind uint8

const (
	rawOpened rawKind = iota
	rawData
	rawClosed
	rawDialed
	rawDialFailed
)

// activity handed from connection goroutines to Service
type raw struct {
	kind rawKind
	conn *quic.Conn
	data []byte
	// set for dial results
	h   transport.Handle
	err error
}

type queued struct {
	b     []byte
	flags transport.SendFlags
}

type endpoint struct {
	addr  netip.AddrPort
	conns []*quic.Conn
	// a Connect-initiated dial is in flight
	dialing bool
	// sends waiting on a connection or a free stream
	pending []queued
}

var ErrBacklogFull = errors.New("too many sends are waiting on this handle")

// Option function to set various options on the QUIC transport.
type Option func(*Transport)

// WithLogger replaces the transport's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithDialTimeout overwrites DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

// WithIdleTimeout overwrites DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(t *Transport) { t.idleTimeout = d }
}

// Transport is a transport.Transport backed by quic-go.
// Like the datagram transport, it must be driven from a single goroutine.
type Transport struct {
	log         *zerolog.Logger
	udp         *net.UDPConn
	qt          *quic.Transport
	ln          *quic.Listener
	serverTLS   *tls.Config
	clientTLS   *tls.Config
	conf        *quic.Config
	dialTimeout time.Duration
	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	rx     chan raw

	next    transport.Handle
	handles map[transport.Handle]*endpoint
	byAddr  map[netip.AddrPort]transport.Handle
	byConn  map[*quic.Conn]transport.Handle
	events  []transport.Event
	closed  bool
}

// New starts listening for QUIC connections on conn.
// The transport takes ownership of conn.
func New(conn *net.UDPConn, opts ...Option) (*Transport, error) {
	t := &Transport{
		udp:         conn,
		dialTimeout: DefaultDialTimeout,
		idleTimeout: DefaultIdleTimeout,
		rx:          make(chan raw, 512),
		handles:     make(map[transport.Handle]*endpoint),
		byAddr:      make(map[netip.AddrPort]transport.Handle),
		byConn:      make(map[*quic.Conn]transport.Handle),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("local", conn.LocalAddr().String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		t.log = &l
	}

	var err error
	if t.serverTLS, t.clientTLS, err = tlsConfigs(); err != nil {
		return nil, err
	}
	t.conf = &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  t.idleTimeout,
		KeepAlivePeriod: t.idleTimeout / 3,
	}

	t.qt = &quic.Transport{Conn: conn}
	if t.ln, err = t.qt.Listen(t.serverTLS, t.conf); err != nil {
		return nil, err
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.accept()

	return t, nil
}

// accept hands every inbound connection to Service and spins up its readers.
func (t *Transport) accept() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn().Err(err).Msg("accept failed, returning...")
			}
			return
		}
		t.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")
		t.push(raw{kind: rawOpened, conn: conn})
		t.watch(conn)
	}
}

func (t *Transport) push(r raw) bool {
	select {
	case t.rx <- r:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// watch spins up the datagram and stream readers for conn.
func (t *Transport) watch(conn *quic.Conn) {
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		for {
			b, err := conn.ReceiveDatagram(t.ctx)
			if err != nil {
				t.push(raw{kind: rawClosed, conn: conn})
				return
			}
			t.push(raw{kind: rawData, conn: conn, data: b})
		}
	}()
	go func() {
		defer t.wg.Done()
		for {
			s, err := conn.AcceptUniStream(t.ctx)
			if err != nil {
				return
			}
			b, err := io.ReadAll(io.LimitReader(s, int64(lockstep.MaxPacketSize)+1))
			if err != nil {
				t.log.Debug().Err(err).Msg("failed to read stream")
				continue
			} else if len(b) > int(lockstep.MaxPacketSize) {
				s.CancelRead(0)
				t.log.Debug().Msg("dropping oversized stream payload")
				continue
			}
			t.push(raw{kind: rawData, conn: conn, data: b})
		}
	}()
}

func remoteOf(conn *quic.Conn) netip.AddrPort {
	return transport.AddrPortOf(conn.RemoteAddr())
}

// attach associates conn with the handle for its remote address, issuing one if necessary.
func (t *Transport) attach(conn *quic.Conn) (h transport.Handle, fresh bool) {
	addr := remoteOf(conn)
	h, found := t.byAddr[addr]
	if !found {
		t.next++
		h, fresh = t.next, true
		t.handles[h] = &endpoint{addr: addr}
		t.byAddr[addr] = h
	}
	t.handles[h].conns = append(t.handles[h].conns, conn)
	t.byConn[conn] = h
	return h, fresh
}

// Connect returns the handle for addr, dialing it in the background if no connection exists yet.
// Sends on the handle are queued until the dial completes.
func (t *Transport) Connect(addr netip.AddrPort, _ transport.SendFlags) (transport.Handle, error) {
	if t.closed {
		return 0, transport.ErrClosed
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if h, found := t.byAddr[addr]; found {
		return h, nil
	}
	t.next++
	h := t.next
	t.handles[h] = &endpoint{addr: addr, dialing: true}
	t.byAddr[addr] = h

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.dialTimeout)
		defer cancel()
		conn, err := t.qt.Dial(ctx, net.UDPAddrFromAddrPort(addr), t.clientTLS, t.conf)
		if err != nil {
			t.push(raw{kind: rawDialFailed, h: h, err: err})
			return
		}
		if !t.push(raw{kind: rawDialed, conn: conn, h: h}) {
			conn.CloseWithError(0, "transport closed")
		}
	}()
	return h, nil
}

// Send transmits b as a datagram or, if Reliable is given, on a fresh uni stream.
// If h is still dialing or its connection has no free stream, b is queued for a later Service.
func (t *Transport) Send(h transport.Handle, b []byte, flags transport.SendFlags) error {
	if t.closed {
		return transport.ErrClosed
	}
	ep, found := t.handles[h]
	if !found || (len(ep.conns) == 0 && !ep.dialing) {
		return transport.ErrUnknownHandle(h)
	}
	if len(ep.conns) == 0 {
		return t.enqueue(ep, b, flags)
	}
	return t.sendOn(ep, b, flags)
}

func (t *Transport) enqueue(ep *endpoint, b []byte, flags transport.SendFlags) error {
	if len(ep.pending) >= MaxPending {
		return ErrBacklogFull
	}
	ep.pending = append(ep.pending, queued{b: slices.Clone(b), flags: flags})
	return nil
}

// sendOn writes b to the first connection of ep without waiting on the network.
func (t *Transport) sendOn(ep *endpoint, b []byte, flags transport.SendFlags) error {
	conn := ep.conns[0]
	if flags&transport.Reliable == 0 {
		if err := conn.SendDatagram(b); err == nil {
			return nil
		} else {
			// datagrams can be refused (too large, unsupported); fall back to a stream
			t.log.Debug().Err(err).Msg("datagram refused, sending reliably")
		}
	}
	s, err := conn.OpenUniStream()
	if err != nil {
		// out of streams until the peer grants more
		t.log.Debug().Err(err).Str("remote", ep.addr.String()).Msg("no free stream, queueing")
		return t.enqueue(ep, b, flags|transport.Reliable)
	}
	b = slices.Clone(b)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.SetWriteDeadline(time.Now().Add(t.dialTimeout))
		if _, err := s.Write(b); err != nil {
			s.CancelWrite(0)
			t.log.Debug().Err(err).Str("remote", ep.addr.String()).Msg("stream write failed")
			return
		}
		s.Close()
	}()
	return nil
}

// flush retries every queued send on ep.
func (t *Transport) flush(ep *endpoint) {
	if len(ep.conns) == 0 || len(ep.pending) == 0 {
		return
	}
	q := ep.pending
	ep.pending = nil
	for _, p := range q {
		if err := t.sendOn(ep, p.b, p.flags); err != nil {
			t.log.Warn().Err(err).Str("remote", ep.addr.String()).Msg("dropping queued send")
		}
	}
}

// Service moves connection activity into the event queue and flushes queued sends.
func (t *Transport) Service() error {
	if t.closed {
		return transport.ErrClosed
	}
	for {
		select {
		case r := <-t.rx:
			t.apply(r)
		default:
			for _, ep := range t.handles {
				t.flush(ep)
			}
			return nil
		}
	}
}

func (t *Transport) apply(r raw) {
	switch r.kind {
	case rawOpened:
		if h, fresh := t.attach(r.conn); fresh {
			t.events = append(t.events, transport.Event{Type: transport.EventConnect, Handle: h, From: remoteOf(r.conn)})
		}
	case rawDialed:
		ep, found := t.handles[r.h]
		if !found { // released while dialing
			r.conn.CloseWithError(0, "disconnect")
			return
		}
		ep.dialing = false
		ep.conns = append(ep.conns, r.conn)
		t.byConn[r.conn] = r.h
		t.watch(r.conn)
	case rawDialFailed:
		ep, found := t.handles[r.h]
		if !found {
			return
		}
		ep.dialing = false
		if len(ep.conns) > 0 { // the remote dialed us in the meantime
			return
		}
		t.log.Debug().Err(r.err).Str("remote", ep.addr.String()).Msg("dial failed")
		delete(t.handles, r.h)
		delete(t.byAddr, ep.addr)
		t.events = append(t.events, transport.Event{Type: transport.EventDisconnect, Handle: r.h, From: ep.addr})
	case rawData:
		h, found := t.byConn[r.conn]
		if !found { // handle was released while data was in flight
			return
		}
		t.events = append(t.events, transport.Event{Type: transport.EventReceive, Handle: h, From: t.handles[h].addr, Data: r.data})
	case rawClosed:
		h, found := t.byConn[r.conn]
		if !found {
			return
		}
		delete(t.byConn, r.conn)
		ep := t.handles[h]
		for i, c := range ep.conns {
			if c == r.conn {
				ep.conns = append(ep.conns[:i], ep.conns[i+1:]...)
				break
			}
		}
		if len(ep.conns) == 0 && !ep.dialing {
			delete(t.handles, h)
			delete(t.byAddr, ep.addr)
			t.events = append(t.events, transport.Event{Type: transport.EventDisconnect, Handle: h, From: ep.addr})
		}
	}
}

func (t *Transport) PullEvent() (transport.Event, bool) {
	if len(t.events) == 0 {
		return transport.Event{}, false
	}
	ev := t.events[0]
	t.events[0] = transport.Event{}
	t.events = t.events[1:]
	return ev, true
}

// Disconnect closes every connection behind h.
func (t *Transport) Disconnect(h transport.Handle) error {
	ep, found := t.handles[h]
	if !found {
		return transport.ErrUnknownHandle(h)
	}
	for _, c := range ep.conns {
		delete(t.byConn, c)
		c.CloseWithError(0, "disconnect")
	}
	delete(t.handles, h)
	delete(t.byAddr, ep.addr)
	return nil
}

func (t *Transport) LocalAddr() netip.AddrPort {
	return transport.AddrPortOf(t.qt.Conn.LocalAddr())
}

// Close tears down every connection, the listener, and the socket.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	for h := range t.handles {
		t.Disconnect(h)
	}
	t.cancel()
	lnErr := t.ln.Close()
	qtErr := t.qt.Close()
	t.wg.Wait()
	udpErr := t.udp.Close()
	if err := errors.Join(lnErr, qtErr, udpErr); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
