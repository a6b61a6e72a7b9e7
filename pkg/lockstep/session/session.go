// Package session implements the client side of Lockstep: registration with a rendezvous server, peer discovery,
// server-mediated connection establishment, object synchronization, and input sharing.
//
// A Session is driven by calling Tick once per frame from a single goroutine.
// Tick never blocks; Login is a blocking convenience wrapper around Register and Tick.
package session

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/inputlog"
	"github.com/rflandau/Lockstep/pkg/lockstep/objcache"
	"github.com/rflandau/Lockstep/pkg/lockstep/peers"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
	"github.com/rflandau/Lockstep/pkg/lockstep/world"
	"github.com/rs/zerolog"
)

// State is the coarse state of a session.
type State uint8

const (
	StateIdle State = iota
	StateRegistering
	StateRegistered
	StateDiscoveringPeers
	StateConnectingPeers
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRegistering:
		return "REGISTERING"
	case StateRegistered:
		return "REGISTERED"
	case StateDiscoveringPeers:
		return "DISCOVERING_PEERS"
	case StateConnectingPeers:
		return "CONNECTING_PEERS"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// ObjectTable is the live object set the session synchronizes.
type ObjectTable interface {
	objcache.ObjectStore
	Get(id lockstep.ObjectID) ([]byte, bool)
	IDs() []lockstep.ObjectID
}

// Simulation consumes replayed inputs.
type Simulation interface {
	ApplyInput(e inputlog.Entry)
}

//#region errors

var (
	ErrRegistrationPending = errors.New("a registration is already in flight")
	ErrRegistrationTimeout = errors.New("registration timed out")
	ErrNotRegistered       = errors.New("session is not registered")
	ErrClosed              = errors.New("session is closed")
)

// ErrBadAddr is returned when the rendezvous server address is unusable.
func ErrBadAddr(addr netip.AddrPort) error {
	return fmt.Errorf("address %v is not a valid address+port", addr)
}

//#endregion errors

// A Session is one player's view of the game network.
type Session struct {
	log      *zerolog.Logger
	tr       transport.Transport
	server   netip.AddrPort
	objects  ObjectTable
	sim      Simulation
	hasher   protocol.Hasher
	now      func() time.Time
	limit    int
	connFlag uint8
	timeouts struct {
		register, list, keepalive, peer, handshake, skew time.Duration
	}
	logCapacity int

	onRegistered         func(Registration)
	onRegistrationFailed func(error)

	state        State
	closed       bool
	serverHandle transport.Handle
	// identity assigned by the server; zero until registered
	id       lockstep.PeerID
	key      lockstep.Key
	external netip.AddrPort

	reg struct {
		pending  bool
		deadline time.Time
		// result of the most recently resolved registration
		done   bool
		result Registration
		err    error
	}
	lastList      time.Time
	lastKeepalive time.Time

	peers  *peers.Table
	cache  *objcache.Cache
	inputs *inputlog.Log
	in     *inputlog.Pipe
	out    *inputlog.Pipe

	events   chan Event
	deferred []func()
}

// New returns an idle session that will talk to the rendezvous server at server over tr.
// The caller retains ownership of tr.
func New(tr transport.Transport, server netip.AddrPort, opts ...Option) (*Session, error) {
	if !server.IsValid() {
		return nil, ErrBadAddr(server)
	}
	s := &Session{
		tr:     tr,
		server: netip.AddrPortFrom(server.Addr().Unmap(), server.Port()),
		now:    time.Now,
		limit:  peers.DefaultLimit,
		events: make(chan Event, DefaultEventQueue),
	}
	s.timeouts.register = DefaultRegisterTimeout
	s.timeouts.list = DefaultListInterval
	s.timeouts.keepalive = DefaultKeepaliveInterval
	s.timeouts.peer = DefaultPeerTimeout
	s.timeouts.handshake = DefaultHandshakeTimeout
	s.timeouts.skew = DefaultMaxSkew

	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"peer"},
			TimeFormat:  "15:04:05",
		}).With().
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		s.log = &l
	}
	if s.objects == nil {
		s.objects = world.New()
	}
	if s.hasher == nil {
		s.hasher = protocol.DefaultHasher
	}

	s.peers = peers.New(lockstep.ServerID, s.limit)
	cacheLog := s.log.With().Str("component", "objcache").Logger()
	s.cache = objcache.New(s.objects, objcache.WithClock(s.now), objcache.WithLogger(&cacheLog))
	s.inputs = inputlog.NewLog(s.logCapacity)
	s.in = inputlog.NewPipe(0)
	s.out = inputlog.NewPipe(0)

	s.log.Debug().Func(s.Zerolog).Msg("session created")
	return s, nil
}

//#region getters

// ID returns the id assigned by the rendezvous server (0 until registered).
func (s *Session) ID() lockstep.PeerID { return s.id }

// Key returns the shared key handed out by the rendezvous server.
func (s *Session) Key() lockstep.Key { return s.key }

// External returns our endpoint as observed by the rendezvous server.
func (s *Session) External() netip.AddrPort { return s.external }

// State returns the coarse state of the session as of the last tick.
func (s *Session) State() State { return s.state }

// Registered reports whether the session holds an id and key.
func (s *Session) Registered() bool { return s.id != lockstep.ServerID }

// Events returns the channel tick results are published on.
// Events are dropped if the channel is full.
func (s *Session) Events() <-chan Event { return s.events }

// PeerCount returns the number of peers in the peer table.
func (s *Session) PeerCount() int { return s.peers.Count() }

// Peers returns a snapshot of the peer table.
func (s *Session) Peers() []peers.Peer {
	out := make([]peers.Peer, 0, s.peers.Count())
	s.peers.Range(func(p peers.Peer) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Peer returns the current view of the peer with the given id.
func (s *Session) Peer(id lockstep.PeerID) (peers.Peer, bool) {
	slot, found := s.peers.FindByID(id)
	if !found {
		return peers.Peer{}, false
	}
	return s.peers.Get(slot)
}

// Outstanding returns the number of object fetches in flight.
func (s *Session) Outstanding() int { return s.cache.Len() }

// Inputs returns a copy of the retained input log, oldest first.
func (s *Session) Inputs() []inputlog.Entry { return s.inputs.Entries() }

// NearestInput returns the newest retained input for id that is not after ts.
// This is the best-known state of the object at ts when reconciling.
func (s *Session) NearestInput(id lockstep.ObjectID, ts uint32) (inputlog.Entry, bool) {
	return s.inputs.FindNearestFor(id, ts)
}

//#endregion getters

// Zerolog attaches the session's state to the given log event.
func (s *Session) Zerolog(ev *zerolog.Event) {
	ev.Uint32("id", s.id).
		Str("state", s.state.String()).
		Str("server", s.server.String()).
		Func(s.peers.Zerolog)
}

// publish queues an event without blocking.
func (s *Session) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("event", ev.Type.String()).Msg("event queue full, dropping event")
	}
}

// Tick advances the session by one frame: it services the transport, dispatches every queued packet, expires peers,
// drives discovery and connection, retries or evicts stale fetches, replays new inputs into the simulation, and
// flushes captured inputs to peers.
// Login callbacks fire at the end of the tick that resolved them.
func (s *Session) Tick() error {
	if s.closed {
		return ErrClosed
	}
	now := s.now()
	defer s.runDeferred()

	if err := s.tr.Service(); err != nil {
		return fmt.Errorf("failed to service transport: %w", err)
	}
	for ev, ok := s.tr.PullEvent(); ok; ev, ok = s.tr.PullEvent() {
		s.handleEvent(ev, now)
	}

	if s.reg.pending && !now.Before(s.reg.deadline) {
		s.failRegistration(ErrRegistrationTimeout)
	}

	if s.Registered() {
		for _, slot := range s.peers.Expired(now) {
			s.removePeer(slot, errors.New("timed out"))
		}
		s.discover(now)
		if _, err := s.connectPeers(now); err != nil {
			s.log.Warn().Err(err).Msg("failed to connect peers")
		}
		s.keepalive(now)
		s.sweepCache(now)
		s.syncStatus()
	}

	s.mergeInputs()
	s.replay()
	s.flushInputs(now)

	s.updateState()
	return nil
}

func (s *Session) runDeferred() {
	d := s.deferred
	s.deferred = nil
	for _, f := range d {
		f()
	}
}

func (s *Session) updateState() {
	switch {
	case s.reg.pending:
		s.state = StateRegistering
	case !s.Registered():
		s.state = StateIdle
	case s.peers.Connected() > 0:
		s.state = StateActive
	case s.peers.Count() == 0:
		s.state = StateDiscoveringPeers
	default:
		s.state = StateConnectingPeers
	}
}

// removePeer evicts the peer in slot, releasing its transport handle and any fetches requested from it.
// Every removal path goes through here.
func (s *Session) removePeer(slot int, reason error) {
	p, ok := s.peers.Remove(slot)
	if !ok {
		return
	}
	if p.Handle != 0 {
		if err := s.tr.Disconnect(p.Handle); err != nil {
			s.log.Debug().Err(err).Uint32("handle", uint32(p.Handle)).Msg("handle already released")
		}
	}
	if dropped := s.cache.Drop(p.ID); len(dropped) > 0 {
		s.log.Debug().Uint32("peer", p.ID).Int("fetches", len(dropped)).Msg("dropped fetches of removed peer")
	}
	s.log.Info().Func(p.Zerolog).AnErr("reason", reason).Msg("peer removed")
	if p.Status.Direct() {
		s.publish(Event{Type: EventPeerLost, Peer: p.ID, Err: reason})
	}
}

// Close releases every transport handle the session holds.
// The transport itself is left open.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for slot := range peers.Slots {
		if p, ok := s.peers.Remove(slot); ok && p.Handle != 0 {
			errs = append(errs, s.tr.Disconnect(p.Handle))
		}
	}
	if s.serverHandle != 0 {
		errs = append(errs, s.tr.Disconnect(s.serverHandle))
		s.serverHandle = 0
	}
	return errors.Join(errs...)
}
