package rendezvous

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
)

const (
	// peers bundled with OK(INSERT) such that the reply fits a single packet
	maxBundled = (int(lockstep.MaxPacketSize) - protocol.ExtendedHeaderLen - 1 - 26) / protocol.PeerEntryLen
	// peers returned by OK(LIST) such that the reply fits a single packet
	maxListed = (int(lockstep.MaxPacketSize) - protocol.ExtendedHeaderLen - 1 - 2) / protocol.PeerEntryLen
)

func (s *Server) handleEvent(ctx context.Context, ev transport.Event, now time.Time) {
	switch ev.Type {
	case transport.EventConnect:
		s.log.Debug().Uint32("handle", uint32(ev.Handle)).Str("from", ev.From.String()).Msg("new remote endpoint")
	case transport.EventDisconnect:
		id, found := s.byHandle[ev.Handle]
		if !found {
			return
		}
		delete(s.byHandle, ev.Handle)
		if c, found := s.clients.Load(id); found && c.handle == ev.Handle {
			s.clients.Delete(id)
			s.log.Debug().Uint32("peer", id).Msg("transport released player")
		}
	case transport.EventReceive:
		s.dispatch(ctx, ev, now)
	}
}

func (s *Server) dispatch(ctx context.Context, ev transport.Event, now time.Time) {
	hdr, body, err := protocol.Split(ev.Data)
	if err != nil {
		s.metrics.dropped.Inc()
		s.log.Debug().Err(err).Str("from", ev.From.String()).Msg("dropping undecodable packet")
		return
	}
	if errs := hdr.Validate(); len(errs) > 0 || hdr.DstID != lockstep.ServerID {
		s.metrics.dropped.Inc()
		s.log.Debug().Errs("errors", errs).Func(hdr.Zerolog).Msg("dropping invalid packet")
		return
	}
	if hdr.Op == protocol.OpInsert {
		s.metrics.packets.WithLabelValues(hdr.Op.String()).Inc()
		s.handleInsert(ctx, ev, body, now)
		return
	}

	// everything else must carry the realm key before it earns any reply
	if err := hdr.Verify(s.key, now, s.skew, s.hasher); err != nil {
		s.metrics.dropped.Inc()
		s.log.Debug().Err(err).Func(hdr.Zerolog).Msg("dropping unverified packet")
		return
	}
	c, found := s.clients.Load(hdr.SrcID)
	if !found {
		s.metrics.dropped.Inc()
		s.respondError(ev.Handle, hdr.SrcID, hdr.Op, lockstep.ErrnoUnknownPeer, "not registered")
		return
	}
	if c.handle != ev.Handle {
		// only a fresh INSERT may move a registration to another endpoint
		s.metrics.dropped.Inc()
		s.log.Debug().Func(hdr.Zerolog).Str("from", ev.From.String()).Str("registered", c.addr.String()).
			Msg("dropping packet from unregistered endpoint")
		return
	}
	s.clients.Refresh(c.id, now.Add(s.ttl.registration))
	s.metrics.packets.WithLabelValues(hdr.Op.String()).Inc()

	switch hdr.Op {
	case protocol.OpList:
		s.respondSuccess(c.handle, c.id, protocol.OpList, protocol.AppendPeerList(nil, s.peerList(c.id, maxListed)))
	case protocol.OpConvey:
		s.handleConvey(c, body, now)
	default:
		s.respondError(c.handle, c.id, hdr.Op, lockstep.ErrnoMalformedBody, "op is not served by the rendezvous server")
	}
}

// handleInsert authenticates a player and registers it at the endpoint the packet arrived from.
func (s *Server) handleInsert(ctx context.Context, ev transport.Event, body []byte, now time.Time) {
	req, err := protocol.UnmarshalInsertRequest(body)
	if err != nil {
		s.respondError(ev.Handle, lockstep.ServerID, protocol.OpInsert, lockstep.ErrnoMalformedBody, err.Error())
		return
	}
	id, err := s.store.Authenticate(ctx, req.Username, req.Digest)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			s.log.Info().Str("username", req.Username).Str("from", ev.From.String()).Msg("bad credentials")
			s.respondError(ev.Handle, lockstep.ServerID, protocol.OpInsert, lockstep.ErrnoBadCredentials, "")
			return
		}
		s.log.Error().Err(err).Str("username", req.Username).Msg("store failed to authenticate")
		s.respondError(ev.Handle, lockstep.ServerID, protocol.OpInsert, lockstep.ErrnoUnspecified, "store failure")
		return
	}

	// a login replaces whatever this account or this endpoint was registered as
	if old, found := s.clients.Delete(id); found && old.handle != ev.Handle {
		s.unbind(old)
	}
	if prev, found := s.byHandle[ev.Handle]; found && prev != id {
		s.clients.Delete(prev)
	}

	c := client{id: id, username: req.Username, addr: ev.From, handle: ev.Handle, flags: req.Flags}
	s.clients.Store(id, c, now.Add(s.ttl.registration))
	s.byHandle[ev.Handle] = id

	accept := protocol.InsertAccept{ID: id, Key: s.key, External: ev.From, Peers: s.peerList(id, maxBundled)}
	s.respondSuccess(ev.Handle, id, protocol.OpInsert, accept.Marshal())
	s.metrics.logins.Inc()
	s.log.Info().Uint32("peer", id).Str("username", req.Username).Str("from", ev.From.String()).Msg("player registered")
}

// handleConvey advances a mediation between c and another player.
func (s *Server) handleConvey(c client, body []byte, now time.Time) {
	cv, err := protocol.UnmarshalConvey(body)
	if err != nil {
		s.respondError(c.handle, c.id, protocol.OpConvey, lockstep.ErrnoMalformedBody, err.Error())
		return
	}
	l := s.log.With().Uint32("peer", c.id).Str("verdict", cv.Verdict.String()).Uint32("about", cv.Peer.ID).Logger()

	switch cv.Verdict {
	case protocol.VerdictRequest:
		target, found := s.clients.Load(cv.Peer.ID)
		if !found || target.id == c.id {
			l.Debug().Msg("target is not registered")
			s.metrics.mediations.WithLabelValues("rejected").Inc()
			s.sendConvey(c, protocol.VerdictReject, protocol.PeerEntry{ID: cv.Peer.ID})
			return
		}
		s.conveys.Store(mediation{requester: c.id, target: target.id}, struct{}{}, now.Add(s.ttl.convey))
		s.sendConvey(c, protocol.VerdictPending, target.entry())
		s.sendConvey(target, protocol.VerdictProceed, c.entry())
	case protocol.VerdictAccept:
		m := mediation{requester: cv.Peer.ID, target: c.id}
		if _, found := s.conveys.Delete(m); !found {
			s.respondError(c.handle, c.id, protocol.OpConvey, lockstep.ErrnoUnknownPeer, "no pending mediation")
			return
		}
		requester, found := s.clients.Load(m.requester)
		if !found {
			l.Debug().Msg("requester left before the mediation completed")
			return
		}
		s.metrics.mediations.WithLabelValues("established").Inc()
		s.sendConvey(requester, protocol.VerdictEstablish, c.entry())
		s.sendConvey(c, protocol.VerdictEstablish, requester.entry())
		l.Debug().Msg("mediation established")
	case protocol.VerdictDecline:
		m := mediation{requester: cv.Peer.ID, target: c.id}
		if _, found := s.conveys.Delete(m); !found {
			return
		}
		s.metrics.mediations.WithLabelValues("declined").Inc()
		if requester, found := s.clients.Load(m.requester); found {
			s.sendConvey(requester, protocol.VerdictReject, protocol.PeerEntry{ID: c.id})
		}
	default:
		s.respondError(c.handle, c.id, protocol.OpConvey, lockstep.ErrnoMalformedBody, "verdict is not sent by players")
	}
}

// peerList returns up to limit registered players other than exclude, in ascending id order.
func (s *Server) peerList(exclude lockstep.PeerID, limit int) []protocol.PeerEntry {
	var entries []protocol.PeerEntry
	s.clients.RangeLocked(func(id lockstep.PeerID, c client) bool {
		if id != exclude {
			entries = append(entries, c.entry())
		}
		return true
	})
	slices.SortFunc(entries, func(a, b protocol.PeerEntry) int { return cmp.Compare(a.ID, b.ID) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

//#region responses

// send signs and sends a packet to the player behind h.
func (s *Server) send(h transport.Handle, dst lockstep.PeerID, op protocol.Op, body []byte) {
	hdr := protocol.Header{Op: op, DstID: dst, SrcID: lockstep.ServerID}
	hdr.Sign(s.key, s.now(), s.hasher)
	pkt, err := protocol.Compose(hdr.Serialize(), body)
	if err != nil {
		s.log.Error().Err(err).Str("op", op.String()).Msg("failed to compose packet")
		return
	}
	if err := s.tr.Send(h, pkt, transport.Reliable); err != nil {
		s.log.Warn().Err(err).Uint32("peer", dst).Str("op", op.String()).Msg("failed to send")
	}
}

func (s *Server) sendConvey(to client, v protocol.Verdict, about protocol.PeerEntry) {
	s.send(to.handle, to.id, protocol.OpConvey, protocol.Convey{Verdict: v, Peer: about}.Marshal())
}

// respondSuccess answers re with OK.
func (s *Server) respondSuccess(h transport.Handle, dst lockstep.PeerID, re protocol.Op, payload []byte) {
	s.send(h, dst, protocol.OpOK, protocol.Reply(re, payload))
}

// respondError answers re with ERROR carrying errno and reason.
func (s *Server) respondError(h transport.Handle, dst lockstep.PeerID, re protocol.Op, errno uint16, reason string) {
	s.metrics.faults.WithLabelValues(re.String()).Inc()
	fault, err := protocol.MarshalFault(errno, reason)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal fault")
		return
	}
	s.send(h, dst, protocol.OpError, protocol.Reply(re, fault))
}

//#endregion responses
