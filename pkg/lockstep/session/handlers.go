package session

// handlers.go contains the inbound half of each tick: transport events and the per-op packet handlers.

import (
	"errors"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/inputlog"
	"github.com/rflandau/Lockstep/pkg/lockstep/peers"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rflandau/Lockstep/pkg/lockstep/transport"
)

var (
	errHandleReleased = errors.New("transport released the handle")
	errRejected       = errors.New("rendezvous server rejected the connection")
)

func (s *Session) handleEvent(ev transport.Event, now time.Time) {
	switch ev.Type {
	case transport.EventConnect:
		s.log.Debug().Uint32("handle", uint32(ev.Handle)).Str("from", ev.From.String()).Msg("new remote endpoint")
	case transport.EventDisconnect:
		if ev.Handle == s.serverHandle {
			s.serverHandle = 0
			return
		}
		if slot, found := s.peers.FindByHandle(ev.Handle); found {
			// the transport already let go of the handle
			s.peers.SetHandle(slot, 0)
			s.removePeer(slot, errHandleReleased)
		}
	case transport.EventReceive:
		s.dispatch(ev, now)
	}
}

// dispatch validates a packet and hands it to the handler for its op.
// Anything malformed, misaddressed, or unverifiable is dropped.
func (s *Session) dispatch(ev transport.Event, now time.Time) {
	hdr, body, err := protocol.Split(ev.Data)
	if err != nil {
		s.log.Debug().Err(err).Str("from", ev.From.String()).Msg("dropping undecodable packet")
		return
	}
	if errs := hdr.Validate(); len(errs) > 0 {
		s.log.Debug().Errs("errors", errs).Func(hdr.Zerolog).Msg("dropping invalid packet")
		return
	}
	fromServer := s.serverHandle != 0 && ev.Handle == s.serverHandle && hdr.SrcID == lockstep.ServerID

	if !s.Registered() {
		// until we have a key, only the verdict on our INSERT is of interest
		if !fromServer || (hdr.Op != protocol.OpOK && hdr.Op != protocol.OpError) {
			s.log.Debug().Func(hdr.Zerolog).Msg("dropping packet received while unregistered")
			return
		}
	} else {
		if hdr.DstID != s.id {
			s.log.Debug().Func(hdr.Zerolog).Msg("dropping misaddressed packet")
			return
		}
		if err := hdr.Verify(s.key, now, s.timeouts.skew, s.hasher); err != nil {
			s.log.Debug().Err(err).Func(hdr.Zerolog).Msg("dropping unverified packet")
			return
		}
	}

	if fromServer {
		s.handleServer(hdr, body, now)
		return
	}
	slot, found := s.peers.FindByID(hdr.SrcID)
	if !found {
		s.log.Debug().Func(hdr.Zerolog).Msg("dropping packet from unknown peer")
		return
	}
	p, _ := s.peers.Get(slot)
	if !p.Status.Live() {
		s.log.Debug().Func(p.Zerolog).Str("op", hdr.Op.String()).Msg("dropping packet from unmediated peer")
		return
	}
	if p.Handle == 0 {
		// the remote dialed us before we dialed it
		s.peers.SetHandle(slot, ev.Handle)
		s.peers.SetAddr(slot, ev.From)
		p.Handle, p.Addr = ev.Handle, ev.From
	} else if p.Handle != ev.Handle {
		// the key is shared realm-wide, so a valid MAC does not prove the sender is this peer
		s.log.Debug().Func(p.Zerolog).Str("from", ev.From.String()).Msg("dropping packet from unexpected endpoint")
		return
	}
	if p.Status.Direct() {
		s.peers.Touch(slot, now.Add(s.timeouts.peer))
	}
	s.handlePeer(p, hdr, body, now)
}

//#region server

func (s *Session) handleServer(hdr *protocol.Header, body []byte, now time.Time) {
	switch hdr.Op {
	case protocol.OpOK:
		re, payload, err := protocol.SplitReply(body)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping empty OK")
			return
		}
		switch re {
		case protocol.OpInsert:
			s.handleInsertOK(hdr, payload, now)
		case protocol.OpList:
			entries, _, err := protocol.DecodePeerList(payload)
			if err != nil {
				s.log.Debug().Err(err).Msg("dropping malformed peer list")
				return
			}
			added := s.addPeers(entries, now)
			s.log.Debug().Int("listed", len(entries)).Int("added", added).Msg("received peer list")
		default:
			s.log.Debug().Err(lockstep.ErrUnexpectedResponseType(re.String())).Msg("ignoring OK")
		}
	case protocol.OpError:
		re, payload, err := protocol.SplitReply(body)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping empty ERROR")
			return
		}
		fault, err := protocol.UnmarshalFault(payload)
		if err != nil {
			fault = lockstep.Errno{Num: lockstep.ErrnoUnspecified, AdditionalInfo: err.Error()}
		}
		if re == protocol.OpInsert && s.reg.pending {
			s.failRegistration(fault)
			return
		}
		s.log.Warn().Str("re", re.String()).Err(fault).Msg("rendezvous server returned an error")
	case protocol.OpConvey:
		c, err := protocol.UnmarshalConvey(body)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed CONVEY")
			return
		}
		s.handleConvey(c, now)
	default:
		s.log.Debug().Func(hdr.Zerolog).Msg("dropping unexpected op from server")
	}
}

func (s *Session) handleInsertOK(hdr *protocol.Header, payload []byte, now time.Time) {
	if !s.reg.pending {
		s.log.Debug().Msg("dropping unsolicited INSERT reply")
		return
	}
	acc, err := protocol.UnmarshalInsertAccept(payload)
	if err != nil {
		s.failRegistration(err)
		return
	}
	if acc.ID == lockstep.ServerID {
		s.failRegistration(lockstep.Errno{Num: lockstep.ErrnoMalformedBody, AdditionalInfo: "assigned the reserved id"})
		return
	}
	// a signed reply must be signed with the key it hands out
	if hdr.HasKey() {
		if err := hdr.Verify(acc.Key, now, s.timeouts.skew, s.hasher); err != nil {
			s.failRegistration(err)
			return
		}
	}

	s.id, s.key, s.external = acc.ID, acc.Key, acc.External
	s.peers.SetSelf(acc.ID)
	s.lastList, s.lastKeepalive = now, now
	s.addPeers(acc.Peers, now)

	r := Registration{ID: acc.ID, Key: acc.Key, External: acc.External, Peers: len(acc.Peers)}
	s.log.Info().Uint32("id", r.ID).Str("external", r.External.String()).Int("peers", r.Peers).Msg("registered")
	s.completeRegistration(r)
}

// addPeers inserts each unknown entry with status Set, refreshing the deadline of entries already known but
// unconnected. Returns the number of peers added.
func (s *Session) addPeers(entries []protocol.PeerEntry, now time.Time) (added int) {
	for _, e := range entries {
		slot, err := s.peers.Insert(e.ID, e.Addr, e.ConnFlag)
		switch {
		case err == nil:
			added++
		case errors.Is(err, peers.ErrExists):
			if p, _ := s.peers.Get(slot); p.Status != peers.StatusSet {
				continue
			}
			s.peers.SetAddr(slot, e.Addr)
		case errors.Is(err, peers.ErrFull):
			return added
		default: // ourselves
			continue
		}
		s.peers.Touch(slot, now.Add(s.timeouts.peer))
	}
	return added
}

func (s *Session) handleConvey(c protocol.Convey, now time.Time) {
	l := s.log.With().Str("verdict", c.Verdict.String()).Uint32("peer", c.Peer.ID).Logger()
	slot, found := s.peers.FindByID(c.Peer.ID)
	switch c.Verdict {
	case protocol.VerdictPending:
		if !found {
			return
		}
		if err := s.peers.SetStatus(slot, peers.StatusPending); err != nil {
			l.Debug().Err(err).Msg("ignoring verdict")
			return
		}
		s.peers.Touch(slot, now.Add(s.timeouts.handshake))
	case protocol.VerdictProceed:
		var counted bool
		if found {
			p, _ := s.peers.Get(slot)
			counted = p.Status == peers.StatusAwaiting || p.Status == peers.StatusPending
			if p.Status.Direct() {
				l.Debug().Msg("already connected")
				return
			}
		} else {
			var err error
			if slot, err = s.peers.Insert(c.Peer.ID, c.Peer.Addr, c.Peer.ConnFlag); err != nil {
				l.Debug().Err(err).Msg("no room for peer")
				s.decline(c.Peer.ID)
				return
			}
		}
		if !counted && !s.peers.HasCapacity() {
			l.Debug().Msg("at connection limit")
			s.decline(c.Peer.ID)
			return
		}
		s.peers.SetStatus(slot, peers.StatusPending)
		s.peers.Touch(slot, now.Add(s.timeouts.handshake))
		err := s.sendConvey(protocol.VerdictAccept, protocol.PeerEntry{ID: c.Peer.ID, Addr: s.external, ConnFlag: s.connFlag})
		if err != nil {
			l.Warn().Err(err).Msg("failed to accept")
		}
	case protocol.VerdictEstablish:
		if !found {
			l.Debug().Msg("establish for unknown peer")
			return
		}
		s.establish(slot, c.Peer, now)
	case protocol.VerdictReject:
		if found {
			s.removePeer(slot, errRejected)
		}
	default:
		l.Debug().Msg("unexpected verdict")
	}
}

func (s *Session) decline(id lockstep.PeerID) {
	if err := s.sendConvey(protocol.VerdictDecline, protocol.PeerEntry{ID: id}); err != nil {
		s.log.Warn().Err(err).Uint32("peer", id).Msg("failed to decline")
	}
}

// establish dials the peer at the endpoint the server observed and opens the direct handshake.
func (s *Session) establish(slot int, entry protocol.PeerEntry, now time.Time) {
	p, _ := s.peers.Get(slot)
	if p.Status.Direct() {
		return
	}
	if err := s.peers.SetStatus(slot, peers.StatusPending); err != nil {
		s.log.Debug().Err(err).Uint32("peer", p.ID).Msg("cannot establish")
		return
	}
	if entry.Addr.IsValid() {
		s.peers.SetAddr(slot, entry.Addr)
		p.Addr = entry.Addr
	}
	if p.Handle == 0 {
		h, err := s.tr.Connect(p.Addr, transport.Reliable)
		if err != nil {
			s.removePeer(slot, err)
			return
		}
		s.peers.SetHandle(slot, h)
		p.Handle = h
	}
	s.peers.Touch(slot, now.Add(s.timeouts.handshake))
	if err := s.sendPeer(p, protocol.OpExchange, []byte{byte(protocol.ExchangeHello), s.connFlag}, transport.Reliable); err != nil {
		s.log.Warn().Err(err).Uint32("peer", p.ID).Msg("failed to send HELLO")
	}
}

//#endregion server

//#region peers

func (s *Session) handlePeer(p peers.Peer, hdr *protocol.Header, body []byte, now time.Time) {
	switch hdr.Op {
	case protocol.OpExchange:
		s.handleExchange(p, body, now)
	case protocol.OpGet:
		ids, _, err := protocol.DecodeIDList(body)
		if err != nil {
			s.log.Debug().Err(err).Uint32("peer", p.ID).Msg("dropping malformed GET")
			return
		}
		s.submit(p, ids, now)
	case protocol.OpSubmit:
		ts, objs, err := protocol.UnmarshalSubmit(body)
		if err != nil {
			s.log.Debug().Err(err).Uint32("peer", p.ID).Msg("dropping malformed SUBMIT")
			return
		}
		if _, err := s.cache.Submit(objs, ts, p.ID); err != nil {
			s.log.Warn().Err(err).Uint32("peer", p.ID).Msg("rejected submission")
		}
	case protocol.OpUpdate:
		if !p.Status.Direct() {
			return
		}
		kind, pushed, err := inputlog.Unpack(body, s.in)
		if err != nil {
			s.log.Debug().Err(err).Uint32("peer", p.ID).Int("pushed", pushed).Msg("input share not fully accepted")
			return
		}
		s.log.Debug().Uint32("peer", p.ID).Str("kind", kind.String()).Int("inputs", pushed).Msg("received inputs")
	default:
		s.log.Debug().Func(hdr.Zerolog).Msg("dropping unexpected op from peer")
	}
}

func (s *Session) handleExchange(p peers.Peer, body []byte, now time.Time) {
	kind, rest, err := protocol.SplitExchange(body)
	if err != nil {
		s.log.Debug().Err(err).Uint32("peer", p.ID).Msg("dropping malformed EXCHANGE")
		return
	}
	switch kind {
	case protocol.ExchangeHello:
		if err := s.sendPeer(p, protocol.OpExchange, []byte{byte(protocol.ExchangeHelloAck), s.connFlag}, transport.Reliable); err != nil {
			s.log.Warn().Err(err).Uint32("peer", p.ID).Msg("failed to send HELLO_ACK")
			return
		}
		s.startExchange(p, now)
	case protocol.ExchangeHelloAck:
		s.startExchange(p, now)
	case protocol.ExchangePeers:
		if !p.Status.Direct() {
			return
		}
		entries, _, err := protocol.DecodePeerList(rest)
		if err != nil {
			s.log.Debug().Err(err).Uint32("peer", p.ID).Msg("dropping malformed peer exchange")
			return
		}
		s.addPeers(entries, now)
	case protocol.ExchangeObjects:
		if !p.Status.Direct() {
			return
		}
		ids, _, err := protocol.DecodeIDList(rest)
		if err != nil {
			s.log.Debug().Err(err).Uint32("peer", p.ID).Msg("dropping malformed object announcement")
			return
		}
		needed, err := s.cache.Insert(ids, p.ID)
		if err != nil {
			s.log.Warn().Err(err).Uint32("peer", p.ID).Int("needed", len(needed)).Msg("object cache is full")
		}
		if len(needed) == 0 {
			return
		}
		if p.Status == peers.StatusSynced {
			s.peers.SetStatus(p.Slot, peers.StatusExchanging)
		}
		s.sendGet(p, needed)
	}
}

// startExchange completes the handshake with p: it is announced as connected, and our peers and objects are sent
// to it.
func (s *Session) startExchange(p peers.Peer, now time.Time) {
	if p.Status != peers.StatusPending {
		return
	}
	if err := s.peers.SetStatus(p.Slot, peers.StatusConnected); err != nil {
		s.log.Debug().Err(err).Msg("cannot connect peer")
		return
	}
	s.peers.Touch(p.Slot, now.Add(s.timeouts.peer))
	s.log.Info().Uint32("peer", p.ID).Str("addr", p.Addr.String()).Msg("peer connected")
	s.publish(Event{Type: EventPeerConnected, Peer: p.ID})

	var known []protocol.PeerEntry
	s.peers.Range(func(o peers.Peer) bool {
		if o.ID != p.ID {
			known = append(known, protocol.PeerEntry{ID: o.ID, Addr: o.Addr, ConnFlag: o.Flags})
		}
		return true
	})
	// a full table (17 entries) fits well within a single packet
	if err := s.sendPeer(p, protocol.OpExchange, protocol.AppendPeerList([]byte{byte(protocol.ExchangePeers)}, known), transport.Reliable); err != nil {
		s.log.Warn().Err(err).Uint32("peer", p.ID).Msg("failed to exchange peers")
	}
	s.announceObjects(p)
	s.peers.SetStatus(p.Slot, peers.StatusExchanging)
}

// submit answers a GET with as many SUBMITs as it takes to carry every requested object we hold.
func (s *Session) submit(p peers.Peer, ids []lockstep.ObjectID, now time.Time) {
	const budget = int(lockstep.MaxPacketSize) - protocol.ExtendedHeaderLen - 6
	ts := protocol.TimeMod(now)
	var (
		batch []protocol.SubmitObject
		size  int
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		body, err := protocol.MarshalSubmit(ts, batch)
		if err == nil {
			err = s.sendPeer(p, protocol.OpSubmit, body, transport.Reliable)
		}
		if err != nil {
			s.log.Warn().Err(err).Uint32("peer", p.ID).Msg("failed to send SUBMIT")
		}
		batch, size = batch[:0], 0
	}
	for _, id := range ids {
		data, ok := s.objects.Get(id)
		if !ok {
			continue
		}
		n := 6 + len(data)
		if n > budget {
			s.log.Warn().Uint32("object", id).Int("size", len(data)).Msg("object too large to submit")
			continue
		}
		if size+n > budget {
			flush()
		}
		batch = append(batch, protocol.SubmitObject{ID: id, Data: data})
		size += n
	}
	flush()
}

//#endregion peers
