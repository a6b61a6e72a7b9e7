package session

import (
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to the session constructor to configure it.

const (
	// DefaultRegisterTimeout is how long a registration may go unanswered before it fails.
	DefaultRegisterTimeout = 5 * time.Second
	// DefaultListInterval is how often LIST is sent while we know of no peers.
	DefaultListInterval = 5 * time.Second
	// DefaultKeepaliveInterval is how often the server and connected peers are reminded we exist.
	DefaultKeepaliveInterval = 20 * time.Second
	// DefaultPeerTimeout is how long a peer may go silent before it is removed.
	DefaultPeerTimeout = 60 * time.Second
	// DefaultHandshakeTimeout bounds mediation plus the direct handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultMaxSkew is the clock skew tolerated on signed headers.
	DefaultMaxSkew = 30 * time.Second
	// DefaultEventQueue is the buffer size of the Events channel.
	DefaultEventQueue = 64
)

// Option function to set various options on the session.
// Uses defaults if an option is not set.
type Option func(*Session)

// WithLogger replaces the session's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithLoginHandlers installs callbacks invoked at the end of the tick that resolved a registration.
// Either may be nil.
func WithLoginHandlers(ok func(Registration), fail func(error)) Option {
	return func(s *Session) {
		s.onRegistered = ok
		s.onRegistrationFailed = fail
	}
}

// WithObjects replaces the default in-memory object table.
func WithObjects(objs ObjectTable) Option {
	return func(s *Session) { s.objects = objs }
}

// WithSimulation installs the simulation inputs are replayed into.
func WithSimulation(sim Simulation) Option {
	return func(s *Session) { s.sim = sim }
}

// WithHasher replaces protocol.DefaultHasher for signing and verifying headers.
func WithHasher(h protocol.Hasher) Option {
	return func(s *Session) { s.hasher = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithConnectionLimit overwrites peers.DefaultLimit.
func WithConnectionLimit(n int) Option {
	return func(s *Session) { s.limit = n }
}

// WithConnFlag sets the flag advertised to other peers via the rendezvous server.
func WithConnFlag(f uint8) Option {
	return func(s *Session) { s.connFlag = f }
}

// WithRegisterTimeout overwrites DefaultRegisterTimeout.
func WithRegisterTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeouts.register = d }
}

// WithListInterval overwrites DefaultListInterval.
func WithListInterval(d time.Duration) Option {
	return func(s *Session) { s.timeouts.list = d }
}

// WithKeepaliveInterval overwrites DefaultKeepaliveInterval.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(s *Session) { s.timeouts.keepalive = d }
}

// WithPeerTimeout overwrites DefaultPeerTimeout.
func WithPeerTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeouts.peer = d }
}

// WithHandshakeTimeout overwrites DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeouts.handshake = d }
}

// WithMaxSkew overwrites DefaultMaxSkew. 0 disables skew checking.
func WithMaxSkew(d time.Duration) Option {
	return func(s *Session) { s.timeouts.skew = d }
}

// WithLogCapacity overwrites inputlog.DefaultLogCapacity.
func WithLogCapacity(n int) Option {
	return func(s *Session) { s.logCapacity = n }
}
