package rendezvous

import (
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to the rendezvous server constructor to configure it.

const (
	// DefaultRegistrationTTL is how long a player stays listed without sending a LIST.
	DefaultRegistrationTTL = 60 * time.Second
	// DefaultConveyTimeout is how long the target of a mediation has to accept or decline.
	DefaultConveyTimeout = 5 * time.Second
	// DefaultTickInterval is how often Serve services the transport.
	DefaultTickInterval = 5 * time.Millisecond
	// DefaultMaxSkew is the clock skew tolerated on signed headers.
	DefaultMaxSkew = 30 * time.Second
)

// Option function to set various options on the rendezvous server.
// Uses defaults if an option is not set.
type Option func(*Server)

// WithLogger replaces the server's default logger with the given logger.
// To disable logging, pass a disabled zerolog logger.
func WithLogger(l *zerolog.Logger) Option {
	if l == nil {
		panic("cannot set logger to nil")
	}
	return func(s *Server) { s.log = l }
}

// WithKey fixes the realm key handed to every player instead of generating one.
// A zero key is ignored.
func WithKey(k lockstep.Key) Option {
	return func(s *Server) {
		if k != 0 {
			s.key = k
		}
	}
}

// WithHasher replaces protocol.DefaultHasher. Players must use the same hasher.
func WithHasher(h protocol.Hasher) Option {
	return func(s *Server) { s.hasher = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithRegistrationTTL overwrites DefaultRegistrationTTL.
func WithRegistrationTTL(d time.Duration) Option {
	return func(s *Server) { s.ttl.registration = d }
}

// WithConveyTimeout overwrites DefaultConveyTimeout.
func WithConveyTimeout(d time.Duration) Option {
	return func(s *Server) { s.ttl.convey = d }
}

// WithTickInterval overwrites DefaultTickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithMaxSkew overwrites DefaultMaxSkew. 0 disables skew checking.
func WithMaxSkew(d time.Duration) Option {
	return func(s *Server) { s.skew = d }
}

// WithRegistry registers the server's metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithHumaAPI overrides the default huma API instance.
// NOTE: routes are built onto the given API, potentially destructively.
func WithHumaAPI(api huma.API) Option {
	return func(s *Server) { s.api = api }
}
