package session

// requests.go contains the operations a caller invokes directly and the outbound half of each tick.

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/inputlog"
	"github.com/rflandau/Lockstep/pkg/lockstep/peers"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
)

// loginPoll is how often Login ticks while it waits.
const loginPoll = 5 * time.Millisecond

// maxIDsPerPacket keeps GET bodies within a single datagram.
const maxIDsPerPacket = 256

//#region send helpers

// header composes a header from us to dst, signed if we hold a key.
func (s *Session) header(op protocol.Op, dst lockstep.PeerID) []byte {
	hdr := protocol.Header{Op: op, DstID: dst, SrcID: s.id}
	if s.Registered() {
		hdr.Sign(s.key, s.now(), s.hasher)
	}
	return hdr.Serialize()
}

// sendServer sends op+body to the rendezvous server, (re)establishing the server handle if necessary.
func (s *Session) sendServer(op protocol.Op, body []byte) error {
	if s.serverHandle == 0 {
		h, err := s.tr.Connect(s.server, transport.Reliable)
		if err != nil {
			return err
		}
		s.serverHandle = h
	}
	pkt, err := protocol.Compose(s.header(op, lockstep.ServerID), body)
	if err != nil {
		return err
	}
	return s.tr.Send(s.serverHandle, pkt, transport.Reliable)
}

// sendPeer sends op+body directly to p.
func (s *Session) sendPeer(p peers.Peer, op protocol.Op, body []byte, flags transport.SendFlags) error {
	if p.Handle == 0 {
		return transport.ErrUnknownHandle(0)
	}
	pkt, err := protocol.Compose(s.header(op, p.ID), body)
	if err != nil {
		return err
	}
	return s.tr.Send(p.Handle, pkt, flags)
}

func (s *Session) sendConvey(v protocol.Verdict, peer protocol.PeerEntry) error {
	return s.sendServer(protocol.OpConvey, protocol.Convey{Verdict: v, Peer: peer}.Marshal())
}

// sendGet requests ids from p, splitting across packets as needed.
func (s *Session) sendGet(p peers.Peer, ids []lockstep.ObjectID) {
	for len(ids) > 0 {
		n := min(len(ids), maxIDsPerPacket)
		if err := s.sendPeer(p, protocol.OpGet, protocol.AppendIDList(nil, ids[:n]), transport.Reliable); err != nil {
			s.log.Warn().Err(err).Uint32("peer", p.ID).Msg("failed to send GET")
		}
		ids = ids[n:]
	}
}

//#endregion send helpers

//#region registration

// Register sends an INSERT for username to the rendezvous server and returns immediately.
// The password is hashed (SHA-256) before it leaves the process.
// The outcome is delivered by a later Tick: as an Event and via the login handlers, if installed.
//
// Only one registration may be in flight at a time.
func (s *Session) Register(username, password string) error {
	if s.closed {
		return ErrClosed
	}
	if s.reg.pending {
		return ErrRegistrationPending
	}
	req := protocol.InsertRequest{Username: username, Digest: sha256.Sum256([]byte(password)), Flags: s.connFlag}
	body, err := req.Marshal()
	if err != nil {
		return err
	}
	// registering anew drops whatever identity we held
	s.id, s.key = lockstep.ServerID, 0
	s.peers.SetSelf(lockstep.ServerID)

	if err := s.sendServer(protocol.OpInsert, body); err != nil {
		return err
	}
	s.reg.pending, s.reg.done = true, false
	s.reg.deadline = s.now().Add(s.timeouts.register)
	s.state = StateRegistering
	s.log.Debug().Str("username", username).Msg("registration sent")
	return nil
}

// Login registers and ticks until the registration resolves or ctx is done.
// If ctx ends first, the registration stays in flight and resolves on a later Tick.
func (s *Session) Login(ctx context.Context, username, password string) (Registration, error) {
	if ctx == nil {
		return Registration{}, lockstep.ErrNilCtx
	}
	if err := s.Register(username, password); err != nil {
		return Registration{}, err
	}
	for {
		if err := s.Tick(); err != nil {
			return Registration{}, err
		}
		if s.reg.done {
			return s.reg.result, s.reg.err
		}
		select {
		case <-ctx.Done():
			return Registration{}, ctx.Err()
		case <-time.After(loginPoll):
		}
	}
}

func (s *Session) completeRegistration(r Registration) {
	s.reg.pending, s.reg.done = false, true
	s.reg.result, s.reg.err = r, nil
	s.publish(Event{Type: EventRegistered, Registration: r})
	if s.onRegistered != nil {
		s.deferred = append(s.deferred, func() { s.onRegistered(r) })
	}
}

func (s *Session) failRegistration(err error) {
	s.reg.pending, s.reg.done = false, true
	s.reg.result, s.reg.err = Registration{}, err
	s.log.Warn().Err(err).Msg("registration failed")
	s.publish(Event{Type: EventRegistrationFailed, Err: err})
	if s.onRegistrationFailed != nil {
		s.deferred = append(s.deferred, func() { s.onRegistrationFailed(err) })
	}
}

//#endregion registration

//#region discovery

// RequestPeerList asks the rendezvous server for the current peer list.
func (s *Session) RequestPeerList() error {
	if !s.Registered() {
		return ErrNotRegistered
	}
	now := s.now()
	s.lastList, s.lastKeepalive = now, now
	return s.sendServer(protocol.OpList, nil)
}

// discover sends LIST periodically while we know of no peers.
func (s *Session) discover(now time.Time) {
	if s.peers.Count() != 0 || now.Sub(s.lastList) < s.timeouts.list {
		return
	}
	if err := s.RequestPeerList(); err != nil {
		s.log.Warn().Err(err).Msg("failed to request peer list")
	}
}

// keepalive refreshes our registration with the server and re-announces our objects to connected peers.
func (s *Session) keepalive(now time.Time) {
	if now.Sub(s.lastKeepalive) < s.timeouts.keepalive {
		return
	}
	if err := s.RequestPeerList(); err != nil {
		s.log.Warn().Err(err).Msg("failed to send keepalive")
	}
	s.peers.Range(func(p peers.Peer) bool {
		if p.Status.Direct() {
			s.announceObjects(p)
		}
		return true
	})
}

// ConnectPeers asks the rendezvous server to mediate a connection to each known, unconnected peer, stopping once the
// connection limit is reached.
// Returns the number of mediations started.
func (s *Session) ConnectPeers() (int, error) {
	return s.connectPeers(s.now())
}

func (s *Session) connectPeers(now time.Time) (started int, err error) {
	if !s.Registered() {
		return 0, ErrNotRegistered
	}
	s.peers.Range(func(p peers.Peer) bool {
		if !s.peers.HasCapacity() {
			return false
		}
		if p.Status != peers.StatusSet {
			return true
		}
		if err = s.sendConvey(protocol.VerdictRequest, protocol.PeerEntry{ID: p.ID}); err != nil {
			return false
		}
		s.peers.SetStatus(p.Slot, peers.StatusAwaiting)
		s.peers.Touch(p.Slot, now.Add(s.timeouts.handshake))
		s.log.Debug().Uint32("peer", p.ID).Msg("requested mediation")
		started++
		return true
	})
	return started, err
}

//#endregion discovery

//#region objects

// announceObjects tells p which objects we hold.
func (s *Session) announceObjects(p peers.Peer) {
	ids := s.objects.IDs()
	for {
		n := min(len(ids), maxIDsPerPacket)
		if err := s.sendPeer(p, protocol.OpExchange, protocol.AppendIDList([]byte{byte(protocol.ExchangeObjects)}, ids[:n]), transport.Reliable); err != nil {
			s.log.Warn().Err(err).Uint32("peer", p.ID).Msg("failed to announce objects")
			return
		}
		ids = ids[n:]
		if len(ids) == 0 {
			return
		}
	}
}

// sweepCache re-sends GETs for stale fetches.
func (s *Session) sweepCache(now time.Time) {
	retry, evicted := s.cache.Sweep(now)
	bySource := map[lockstep.PeerID][]lockstep.ObjectID{}
	for _, e := range retry {
		bySource[e.Source] = append(bySource[e.Source], e.ObjectID)
	}
	for src, ids := range bySource {
		slot, found := s.peers.FindByID(src)
		if !found {
			continue
		}
		p, _ := s.peers.Get(slot)
		s.sendGet(p, ids)
	}
	if len(evicted) > 0 {
		s.log.Debug().Int("count", len(evicted)).Msg("evicted unanswered fetches")
	}
}

// syncStatus moves exchanging peers with nothing outstanding to Synced.
func (s *Session) syncStatus() {
	s.peers.Range(func(p peers.Peer) bool {
		if p.Status == peers.StatusExchanging && s.cache.Outstanding(p.ID) == 0 {
			s.peers.SetStatus(p.Slot, peers.StatusSynced)
			s.log.Debug().Uint32("peer", p.ID).Msg("peer synced")
			s.publish(Event{Type: EventPeerSynced, Peer: p.ID})
		}
		return true
	})
}

//#endregion objects

//#region inputs

// CaptureInput records a locally generated input and stages it for peers.
// If the out pipe is full the input is refused outright; it is neither logged nor replayed.
func (s *Session) CaptureInput(e inputlog.Entry) error {
	if s.out.Full() {
		return inputlog.ErrPipeFull
	}
	if _, err := s.inputs.Push(e); err != nil {
		return err
	}
	return s.out.Push(e)
}

// mergeInputs moves peer inputs from the in pipe into the log.
func (s *Session) mergeInputs() {
	for _, e := range s.in.Entries() {
		if _, err := s.inputs.Push(e); err != nil && !errors.Is(err, inputlog.ErrTooOld) {
			s.log.Debug().Err(err).Func(e.Zerolog).Msg("failed to merge input")
		}
	}
	s.in.Clear()
}

// replay feeds every input modified since the last tick into the simulation.
func (s *Session) replay() {
	if s.sim != nil {
		for ok := s.inputs.Begin(); ok; ok = s.inputs.Next() {
			e, _ := s.inputs.Current()
			s.sim.ApplyInput(e)
		}
	}
	s.inputs.Flush()
}

// flushInputs shares captured inputs with every connected peer.
func (s *Session) flushInputs(now time.Time) {
	if s.out.Len() == 0 {
		return
	}
	defer s.out.Clear()
	b, err := inputlog.Pack(s.out, inputlog.KindCaptured)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to pack inputs")
		return
	}
	s.peers.Range(func(p peers.Peer) bool {
		if p.Status.Direct() {
			if err := s.sendPeer(p, protocol.OpUpdate, b, 0); err != nil {
				s.log.Debug().Err(err).Uint32("peer", p.ID).Msg("failed to send UPDATE")
			}
		}
		return true
	})
}

//#endregion inputs
