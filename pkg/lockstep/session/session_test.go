package session_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	. "github.com/rflandau/Lockstep/internal/testsupport"
	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/inputlog"
	"github.com/rflandau/Lockstep/pkg/lockstep/peers"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rflandau/Lockstep/pkg/lockstep/session"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport/memnet"
	"github.com/rs/zerolog"
)

var serverAP = netip.MustParseAddrPort("10.0.0.1:7400")

// scripted is a hand-driven stand-in for the rendezvous server.
type scripted struct {
	t     *testing.T
	pconn *memnet.PacketConn
}

func newScripted(t *testing.T, network *memnet.Network) *scripted {
	pconn, err := network.Listen(serverAP)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pconn.Close() })
	return &scripted{t: t, pconn: pconn}
}

// read returns the next packet sent to the server.
func (s *scripted) read() (*protocol.Header, []byte, net.Addr) {
	s.t.Helper()
	buf := make([]byte, lockstep.MaxPacketSize)
	s.pconn.SetReadDeadline(time.Now().Add(time.Second))
	n, from, err := s.pconn.ReadFrom(buf)
	if err != nil {
		s.t.Fatal("server did not receive a packet: ", err)
	}
	hdr, body, err := protocol.Split(buf[:n])
	if err != nil {
		s.t.Fatal(err)
	}
	return hdr, body, from
}

func (s *scripted) write(to net.Addr, hdr protocol.Header, key lockstep.Key, body []byte) {
	s.t.Helper()
	if key != 0 {
		hdr.Sign(key, time.Now(), nil)
	}
	pkt, err := protocol.Compose(hdr.Serialize(), body)
	if err != nil {
		s.t.Fatal(err)
	}
	if _, err := s.pconn.WriteTo(pkt, to); err != nil {
		s.t.Fatal(err)
	}
}

func newSession(t *testing.T, network *memnet.Network, addr string, opts ...session.Option) *session.Session {
	t.Helper()
	tr := transport.New(network.MustListen(addr))
	l := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)
	s, err := session.New(tr, serverAP, append([]session.Option{session.WithLogger(&l)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(); tr.Close() })
	return s
}

func TestNew_BadAddr(t *testing.T) {
	var network memnet.Network
	tr := transport.New(network.MustListen("10.0.0.2:5000"))
	defer tr.Close()
	if _, err := session.New(tr, netip.AddrPort{}); err == nil {
		t.Fatal("expected an error for an invalid server address")
	}
}

func TestRegister(t *testing.T) {
	const key lockstep.Key = 0xAABBCCDD
	var network memnet.Network
	srv := newScripted(t, &network)

	var (
		got   session.Registration
		calls int
	)
	s := newSession(t, &network, "10.0.0.2:5000", session.WithLoginHandlers(
		func(r session.Registration) { got = r; calls++ },
		func(err error) { t.Error("unexpected registration failure: ", err) },
	))
	if s.State() != session.StateIdle {
		t.Fatal(ExpectedActual(session.StateIdle, s.State()))
	}

	if err := s.Register("alice", "hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("alice", "hunter2"); !errors.Is(err, session.ErrRegistrationPending) {
		t.Fatal(ExpectedActual(session.ErrRegistrationPending, err))
	}

	hdr, body, from := srv.read()
	if hdr.Op != protocol.OpInsert || hdr.HasKey() || hdr.DstID != lockstep.ServerID {
		t.Fatal("unexpected INSERT header", hdr)
	}
	req, err := protocol.UnmarshalInsertRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Username != "alice" {
		t.Fatal(ExpectedActual("alice", req.Username))
	}
	if req.Digest != sha256.Sum256([]byte("hunter2")) {
		t.Fatal("password digest mismatch")
	}

	external := netip.MustParseAddrPort("203.0.113.9:40000")
	accept := protocol.InsertAccept{ID: 7, Key: key, External: external}
	srv.write(from, protocol.Header{Op: protocol.OpOK, DstID: 7}, key, protocol.Reply(protocol.OpInsert, accept.Marshal()))

	if !Eventually(time.Second, time.Millisecond, func() bool {
		if err := s.Tick(); err != nil {
			t.Fatal(err)
		}
		return calls > 0
	}) {
		t.Fatal("login handler was never called")
	}
	if calls != 1 {
		t.Fatal(ExpectedActual(1, calls))
	}
	if got.ID != 7 || got.Key != key || got.External != external || got.Peers != 0 {
		t.Fatal("bad registration", got)
	}
	if s.ID() != 7 || s.Key() != key || !s.Registered() || s.PeerCount() != 0 {
		t.Fatal("session did not adopt its registration", s.ID(), s.Key(), s.PeerCount())
	}
	if s.State() != session.StateDiscoveringPeers {
		t.Fatal(ExpectedActual(session.StateDiscoveringPeers, s.State()))
	}
	select {
	case ev := <-s.Events():
		if ev.Type != session.EventRegistered || ev.Registration != got {
			t.Fatal("unexpected event", ev)
		}
	default:
		t.Fatal("no event was published")
	}

	// subsequent packets are signed with the key we were given
	if err := s.RequestPeerList(); err != nil {
		t.Fatal(err)
	}
	hdr, _, _ = srv.read()
	if hdr.Op != protocol.OpList || hdr.SrcID != 7 {
		t.Fatal("unexpected LIST header", hdr)
	}
	if err := hdr.Verify(key, time.Now(), time.Second, nil); err != nil {
		t.Fatal(err)
	}
}

func TestRegister_BundledPeers(t *testing.T) {
	const key lockstep.Key = 99
	var network memnet.Network
	srv := newScripted(t, &network)
	s := newSession(t, &network, "10.0.0.2:5000")

	if err := s.Register("bob", "pw"); err != nil {
		t.Fatal(err)
	}
	_, _, from := srv.read()
	accept := protocol.InsertAccept{ID: 2, Key: key, External: netip.MustParseAddrPort("10.0.0.2:5000"),
		Peers: []protocol.PeerEntry{
			{ID: 1, Addr: netip.MustParseAddrPort("10.0.0.3:5000"), ConnFlag: 1},
			{ID: 2, Addr: netip.MustParseAddrPort("10.0.0.2:5000")}, // ourselves
		}}
	srv.write(from, protocol.Header{Op: protocol.OpOK, DstID: 2}, key, protocol.Reply(protocol.OpInsert, accept.Marshal()))

	Eventually(time.Second, time.Millisecond, func() bool { s.Tick(); return s.Registered() })
	if s.PeerCount() != 1 {
		t.Fatal(ExpectedActual(1, s.PeerCount()))
	}
	// the new peer is immediately handed to the server for mediation
	hdr, body, _ := srv.read()
	if hdr.Op != protocol.OpConvey {
		t.Fatal(ExpectedActual(protocol.OpConvey, hdr.Op))
	}
	c, err := protocol.UnmarshalConvey(body)
	if err != nil {
		t.Fatal(err)
	}
	if c.Verdict != protocol.VerdictRequest || c.Peer.ID != 1 {
		t.Fatal("unexpected convey", c)
	}
	if p, _ := s.Peer(1); p.Status != peers.StatusAwaiting {
		t.Fatal(ExpectedActual(peers.StatusAwaiting, p.Status))
	}
}

func TestRegister_BadCredentials(t *testing.T) {
	var network memnet.Network
	srv := newScripted(t, &network)
	var failure error
	s := newSession(t, &network, "10.0.0.2:5000", session.WithLoginHandlers(nil, func(err error) { failure = err }))

	if err := s.Register("alice", "wrong"); err != nil {
		t.Fatal(err)
	}
	_, _, from := srv.read()
	fault, err := protocol.MarshalFault(lockstep.ErrnoBadCredentials, "")
	if err != nil {
		t.Fatal(err)
	}
	srv.write(from, protocol.Header{Op: protocol.OpError}, 0, protocol.Reply(protocol.OpInsert, fault))

	Eventually(time.Second, time.Millisecond, func() bool { s.Tick(); return failure != nil })
	if !errors.Is(failure, lockstep.Errno{Num: lockstep.ErrnoBadCredentials}) {
		t.Fatal(ExpectedActual(error(lockstep.Errno{Num: lockstep.ErrnoBadCredentials}), failure))
	}
	if s.Registered() {
		t.Fatal("session registered despite rejection")
	}
	// a failed registration can be retried
	if err := s.Register("alice", "right"); err != nil {
		t.Fatal(err)
	}
}

func TestRegister_Timeout(t *testing.T) {
	var network memnet.Network
	newScripted(t, &network) // never answers
	s := newSession(t, &network, "10.0.0.2:5000", session.WithRegisterTimeout(20*time.Millisecond))

	if err := s.Register("alice", "pw"); err != nil {
		t.Fatal(err)
	}
	var ev session.Event
	if !Eventually(time.Second, time.Millisecond, func() bool {
		s.Tick()
		select {
		case ev = <-s.Events():
			return true
		default:
			return false
		}
	}) {
		t.Fatal("no event was published")
	}
	if ev.Type != session.EventRegistrationFailed || !errors.Is(ev.Err, session.ErrRegistrationTimeout) {
		t.Fatal("unexpected event", ev)
	}
	if s.State() != session.StateIdle {
		t.Fatal(ExpectedActual(session.StateIdle, s.State()))
	}
}

func TestLogin(t *testing.T) {
	var network memnet.Network
	newScripted(t, &network)
	s := newSession(t, &network, "10.0.0.2:5000")

	//lint:ignore SA1012 testing the nil guard
	if _, err := s.Login(nil, "a", "b"); !errors.Is(err, lockstep.ErrNilCtx) {
		t.Fatal(ExpectedActual(lockstep.ErrNilCtx, err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Login(ctx, "a", "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal(ExpectedActual(context.DeadlineExceeded, err))
	}
	// the registration is still in flight
	if err := s.Register("a", "b"); !errors.Is(err, session.ErrRegistrationPending) {
		t.Fatal(ExpectedActual(session.ErrRegistrationPending, err))
	}
}

func TestClosed(t *testing.T) {
	var network memnet.Network
	s := newSession(t, &network, "10.0.0.2:5000")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Tick(); !errors.Is(err, session.ErrClosed) {
		t.Fatal(ExpectedActual(session.ErrClosed, err))
	}
	if err := s.Register("a", "b"); !errors.Is(err, session.ErrClosed) {
		t.Fatal(ExpectedActual(session.ErrClosed, err))
	}
	if _, err := s.ConnectPeers(); !errors.Is(err, session.ErrNotRegistered) {
		t.Fatal(ExpectedActual(session.ErrNotRegistered, err))
	}
}

func TestCaptureInput_PipeFull(t *testing.T) {
	var network memnet.Network
	s := newSession(t, &network, "10.0.0.2:5000", session.WithLogCapacity(64))
	e := func(ts uint32) inputlog.Entry {
		return inputlog.Entry{ObjectID: 1, Type: inputlog.TypeMovement, Timestamp: ts}
	}
	for i := range inputlog.DefaultPipeCapacity {
		if err := s.CaptureInput(e(uint32(100 + i))); err != nil {
			t.Fatal(i, err)
		}
	}
	if err := s.CaptureInput(e(1000)); !errors.Is(err, inputlog.ErrPipeFull) {
		t.Fatal(ExpectedActual(inputlog.ErrPipeFull, err))
	}
	// a refused input never reaches the log
	if n := len(s.Inputs()); n != inputlog.DefaultPipeCapacity {
		t.Fatal(ExpectedActual(inputlog.DefaultPipeCapacity, n))
	}
	want := uint32(100 + inputlog.DefaultPipeCapacity - 1)
	if got, found := s.NearestInput(1, 1000); !found || got.Timestamp != want {
		t.Fatal("refused input was logged", ExpectedActual(want, got.Timestamp))
	}
}

func TestNearestInput(t *testing.T) {
	var network memnet.Network
	s := newSession(t, &network, "10.0.0.2:5000")
	for _, e := range []inputlog.Entry{
		{ObjectID: 1, Type: inputlog.TypeMovement, Timestamp: 100, Movement: [2]float32{1, 0}},
		{ObjectID: 1, Type: inputlog.TypeMovement, Timestamp: 110, Movement: [2]float32{0, 1}},
		{ObjectID: 2, Type: inputlog.TypeMovement, Timestamp: 105},
	} {
		if err := s.CaptureInput(e); err != nil {
			t.Fatal(err)
		}
	}

	e, found := s.NearestInput(1, 108)
	if !found || e.Timestamp != 100 || e.Movement != [2]float32{1, 0} {
		t.Fatal("bad nearest input for object 1 at 108", found, e)
	}
	if e, found = s.NearestInput(1, 110); !found || e.Timestamp != 110 {
		t.Fatal("bad nearest input for object 1 at 110", found, e)
	}
	if _, found = s.NearestInput(2, 104); found {
		t.Fatal("object 2 has no input at or before 104")
	}
	if _, found = s.NearestInput(3, 1000); found {
		t.Fatal("object 3 has no inputs")
	}
}
