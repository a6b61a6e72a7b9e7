// Package lockstep is the parent package of the Lockstep networking layer.
// It contains child packages protocol (wire header and body codecs), transport (datagram plumbing), peers (the peer table),
// objcache (deduplicated object fetches), inputlog (replicated input history), session (the client state machine), and
// rendezvous (the middleman server players register with).
// Child packages are mostly self-contained; the parent package provides the few shared types.
package lockstep

import (
	"errors"
	"strconv"
)

// PeerID is the unique identifier the rendezvous server hands a player on registration.
// ServerID (0) is reserved for the rendezvous server itself.
type PeerID = uint32

// ObjectID identifies a piece of simulation state kept consistent across peers.
type ObjectID = uint32

// Key is the shared session secret distributed by the rendezvous server.
// Possession of it is proven by the header key hash; it is never put on the wire.
type Key = uint32

// ServerID is the PeerID of the rendezvous server.
const ServerID PeerID = 0

// MaxPacketSize specifies the buffer size used to hold UDP payloads.
// Every Lockstep message must fit into a single datagram; 1200B keeps us under common MTUs even when tunnelled.
const MaxPacketSize uint16 = 1200

var ErrNilCtx = errors.New("do not pass nil contexts; use context.TODO or context.Background instead")

// ErrUnexpectedResponseType indicates that a response was of the wrong op.
type ErrUnexpectedResponseType string

func (e ErrUnexpectedResponseType) Error() string {
	return "unexpected response type: " + string(e)
}

// Errno values carried in the body of ERROR packets.
const (
	ErrnoUnspecified uint16 = iota
	ErrnoMalformedBody
	ErrnoBadCredentials
	ErrnoUnknownPeer
	ErrnoCapacity
	ErrnoUnauthorized
	ErrnoDeclined
)

// Errno provides an error type for, and a way to compare, errnos returned by a remote node.
type Errno struct {
	Num            uint16
	AdditionalInfo string
}

func (e Errno) Error() string {
	base := strconv.FormatUint(uint64(e.Num), 10)
	if e.AdditionalInfo != "" {
		return base + " (" + e.AdditionalInfo + ")"
	}
	return base
}

// Is checks if the given error's errno matches ours.
// It does not care about AdditionalInfo.
func (e Errno) Is(target error) bool {
	if target == nil {
		return false
	}
	targetErrno, ok := target.(Errno)
	if !ok {
		return false
	}
	return targetErrno.Num == e.Num
}

