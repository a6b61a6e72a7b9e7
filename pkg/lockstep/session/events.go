package session

import (
	"net/netip"

	"github.com/rflandau/Lockstep/pkg/lockstep"
)

// EventType is the kind of an Event.
type EventType uint8

const (
	// registration succeeded; Registration is populated
	EventRegistered EventType = iota + 1
	// registration was refused or timed out; Err is populated
	EventRegistrationFailed
	// the direct handshake with Peer completed
	EventPeerConnected
	// Peer has no outstanding fetches
	EventPeerSynced
	// a connected Peer was removed; Err describes why
	EventPeerLost
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "REGISTERED"
	case EventRegistrationFailed:
		return "REGISTRATION_FAILED"
	case EventPeerConnected:
		return "PEER_CONNECTED"
	case EventPeerSynced:
		return "PEER_SYNCED"
	case EventPeerLost:
		return "PEER_LOST"
	default:
		return "UNKNOWN"
	}
}

// Registration is the result of a successful INSERT.
type Registration struct {
	ID  lockstep.PeerID
	Key lockstep.Key
	// our endpoint as observed by the rendezvous server
	External netip.AddrPort
	// number of peers bundled with the reply
	Peers int
}

// An Event is something a tick produced that the caller may want to react to.
type Event struct {
	Type         EventType
	Peer         lockstep.PeerID
	Registration Registration
	Err          error
}
