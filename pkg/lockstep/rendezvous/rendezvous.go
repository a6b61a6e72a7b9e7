/*
Package rendezvous implements the middleman server players register with.

The server authenticates players (INSERT), hands out their id, the realm key, and the endpoint it observed them at,
lists registered players (LIST), and mediates direct connections between them (CONVEY).
It is built on the same poll-driven transport.Transport as the player session: a single goroutine services the
transport, dispatches packets, and sweeps expired registrations and mediations.

An HTTP handler (Handler) exposes a huma-documented GET /status endpoint and prometheus metrics at /metrics.
*/
package rendezvous

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rflandau/Lockstep/internal/misc"
	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/expiring"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
	"github.com/rs/zerolog"
)

const (
	apiName    = "Lockstep Rendezvous"
	apiVersion = "0.1.0"
)

var (
	ErrNilTransport = errors.New("transport cannot be nil")
	ErrNilStore     = errors.New("store cannot be nil")
	ErrRunning      = errors.New("server is already running")
)

// a registered player
type client struct {
	id       lockstep.PeerID
	username string
	// endpoint as observed by us
	addr   netip.AddrPort
	handle transport.Handle
	flags  uint8
}

func (c client) entry() protocol.PeerEntry {
	return protocol.PeerEntry{ID: c.id, Addr: c.addr, ConnFlag: c.flags}
}

// a mediation awaiting the target's verdict
type mediation struct {
	requester, target lockstep.PeerID
}

// Server is a rendezvous server.
// Drive it with Serve, Start/Stop, or by calling Tick directly.
type Server struct {
	log          *zerolog.Logger
	tr           transport.Transport
	store        Store
	key          lockstep.Key
	hasher       protocol.Hasher
	now          func() time.Time
	skew         time.Duration
	tickInterval time.Duration
	ttl          struct {
		registration, convey time.Duration
	}

	clients *expiring.Table[lockstep.PeerID, client]
	conveys *expiring.Table[mediation, struct{}]
	// owned by the serving goroutine
	byHandle map[transport.Handle]lockstep.PeerID

	registry *prometheus.Registry
	metrics  *metrics
	api      huma.API
	mux      *http.ServeMux
	listen   netip.AddrPort
	started  time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a rendezvous server answering on tr and authenticating against store.
// The server takes ownership of neither.
func New(tr transport.Transport, store Store, opts ...Option) (*Server, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if store == nil {
		return nil, ErrNilStore
	}
	s := &Server{
		tr:           tr,
		store:        store,
		now:          time.Now,
		skew:         DefaultMaxSkew,
		tickInterval: DefaultTickInterval,
		clients:      expiring.New[lockstep.PeerID, client](),
		conveys:      expiring.New[mediation, struct{}](),
		byHandle:     make(map[transport.Handle]lockstep.PeerID),
		mux:          http.NewServeMux(),
		listen:       tr.LocalAddr(),
	}
	s.ttl.registration = DefaultRegistrationTTL
	s.ttl.convey = DefaultConveyTimeout

	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"peer"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("component", "rendezvous").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		s.log = &l
	}
	if s.key == 0 {
		s.key = misc.RandomNonZero()
	}
	if s.hasher == nil {
		s.hasher = protocol.DefaultHasher
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	if s.api == nil {
		s.api = humago.New(s.mux, huma.DefaultConfig(apiName, apiVersion))
	}
	s.buildEndpoints()
	s.started = s.now()

	s.log.Debug().Func(s.Zerolog).Msg("rendezvous server created")
	return s, nil
}

//#region getters

// Key returns the realm key handed to every player.
func (s *Server) Key() lockstep.Key { return s.key }

// Addr returns the endpoint the server's transport is bound to.
func (s *Server) Addr() netip.AddrPort { return s.listen }

// ClientCount returns the number of registered players (including those awaiting a sweep).
func (s *Server) ClientCount() int { return s.clients.Len() }

// PendingConveys returns the number of mediations awaiting the target's verdict.
func (s *Server) PendingConveys() int { return s.conveys.Len() }

// Handler returns the HTTP handler serving the status API and metrics.
func (s *Server) Handler() http.Handler { return s.mux }

//#endregion getters

// Zerolog attaches the server's state to the given log event.
func (s *Server) Zerolog(ev *zerolog.Event) {
	ev.Str("listen", s.listen.String()).
		Int("clients", s.clients.Len()).
		Int("pending conveys", s.conveys.Len())
}

//#region run

// Serve runs the server loop until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		return lockstep.ErrNilCtx
	}
	s.log.Info().Str("address", s.listen.String()).Msg("serving...")
	t := time.NewTicker(s.tickInterval)
	defer t.Stop()
	for {
		if err := s.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("server loop shutting down")
			return nil
		case <-t.C:
		}
	}
}

// Start runs Serve on a new goroutine.
func (s *Server) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel, s.done = cancel, make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.Serve(ctx); err != nil {
			s.log.Error().Err(err).Msg("server loop died")
		}
	}()
	return nil
}

// Stop halts a server started with Start, waiting for the loop to exit.
// Ineffectual if the server is not running.
func (s *Server) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

// Tick services the transport once, handles every queued event, and sweeps expired state.
// Tick must not be called concurrently with itself or with a running Serve.
func (s *Server) Tick(ctx context.Context) error {
	if err := s.tr.Service(); err != nil {
		return err
	}
	now := s.now()
	for ev, ok := s.tr.PullEvent(); ok; ev, ok = s.tr.PullEvent() {
		s.handleEvent(ctx, ev, now)
	}
	s.sweep(now)
	return nil
}

func (s *Server) sweep(now time.Time) {
	s.clients.Sweep(now, func(id lockstep.PeerID, c client) {
		s.log.Debug().Uint32("peer", id).Msg("registration expired")
		s.unbind(c)
	})
	s.conveys.Sweep(now, func(m mediation, _ struct{}) {
		s.metrics.mediations.WithLabelValues("timeout").Inc()
		if r, found := s.clients.Load(m.requester); found {
			s.sendConvey(r, protocol.VerdictReject, protocol.PeerEntry{ID: m.target})
		}
	})
	s.metrics.clients.Set(float64(s.clients.Len()))
	s.metrics.pendingConv.Set(float64(s.conveys.Len()))
}

// unbind releases the transport handle held for c.
func (s *Server) unbind(c client) {
	if s.byHandle[c.handle] != c.id {
		return
	}
	delete(s.byHandle, c.handle)
	if err := s.tr.Disconnect(c.handle); err != nil {
		s.log.Debug().Err(err).Uint32("handle", uint32(c.handle)).Msg("handle already released")
	}
}

//#endregion run

//#region http

const (
	EPStatus  = "/status"
	EPMetrics = "/metrics"
)

// StatusResp is the response to GET /status.
type StatusResp struct {
	Body struct {
		Listen         string `json:"listen" example:"203.0.113.7:7400" doc:"endpoint the server answers players on"`
		Clients        int    `json:"clients" example:"12" doc:"number of registered players"`
		PendingConveys int    `json:"pending_conveys" example:"1" doc:"mediations awaiting the target's verdict"`
		Uptime         string `json:"uptime" example:"1h2m3s" doc:"time since the server was created"`
	}
}

func (s *Server) buildEndpoints() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        EPStatus,
		Summary:     "Report the rendezvous server's status",
	}, s.handleStatus)
	s.mux.Handle(EPMetrics, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*StatusResp, error) {
	resp := &StatusResp{}
	resp.Body.Listen = s.listen.String()
	resp.Body.Clients = s.clients.Len()
	resp.Body.PendingConveys = s.conveys.Len()
	resp.Body.Uptime = s.now().Sub(s.started).Round(time.Second).String()
	return resp, nil
}

//#endregion http
