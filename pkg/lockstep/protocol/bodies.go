package protocol

// bodies.go contains the codecs for everything that follows the header.
// Each Marshal/Append function is paired with an Unmarshal/Decode function; decoders never panic on short input.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/rflandau/Lockstep/pkg/lockstep"
)

//#region peer entries

// PeerEntryLen is the size of a single peer entry on the wire.
const PeerEntryLen int = 23

// A PeerEntry describes where a peer can be reached.
// Used in peer lists (INSERT/LIST replies, EXCHANGE Peers) and in CONVEY bodies.
type PeerEntry struct {
	ID   lockstep.PeerID
	Addr netip.AddrPort
	// non-zero if the peer is currently accepting new connections
	ConnFlag uint8
}

// Append writes e to the end of b.
// IPv4 addresses are written IPv4-mapped.
func (e PeerEntry) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, e.ID)
	a16 := e.Addr.Addr().As16()
	b = append(b, a16[:]...)
	b = binary.BigEndian.AppendUint16(b, e.Addr.Port())
	return append(b, e.ConnFlag)
}

// DecodePeerEntry reads a single entry from the front of b.
func DecodePeerEntry(b []byte) (PeerEntry, error) {
	if len(b) < PeerEntryLen {
		return PeerEntry{}, ErrShortBody
	}
	var a16 [16]byte
	copy(a16[:], b[4:20])
	return PeerEntry{
		ID:       binary.BigEndian.Uint32(b[0:4]),
		Addr:     netip.AddrPortFrom(netip.AddrFrom16(a16).Unmap(), binary.BigEndian.Uint16(b[20:22])),
		ConnFlag: b[22],
	}, nil
}

// AppendPeerList writes a count-prefixed list of entries to the end of b.
func AppendPeerList(b []byte, entries []PeerEntry) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(entries)))
	for _, e := range entries {
		b = e.Append(b)
	}
	return b
}

// DecodePeerList reads a count-prefixed list of entries from the front of b, returning the number of bytes consumed.
func DecodePeerList(b []byte) (entries []PeerEntry, n int, err error) {
	if len(b) < 2 {
		return nil, 0, ErrShortBody
	}
	count := int(binary.BigEndian.Uint16(b))
	n = 2
	if len(b) < n+count*PeerEntryLen {
		return nil, 0, fmt.Errorf("%w: peer list declares %d entries", ErrShortBody, count)
	}
	entries = make([]PeerEntry, count)
	for i := range count {
		entries[i], _ = DecodePeerEntry(b[n:])
		n += PeerEntryLen
	}
	return entries, n, nil
}

//#endregion peer entries

//#region id lists

// AppendIDList writes count:u16 followed by each id to the end of b.
func AppendIDList(b []byte, ids []lockstep.ObjectID) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(ids)))
	for _, id := range ids {
		b = binary.BigEndian.AppendUint32(b, id)
	}
	return b
}

// DecodeIDList reads a count-prefixed id list from the front of b, returning the number of bytes consumed.
func DecodeIDList(b []byte) (ids []lockstep.ObjectID, n int, err error) {
	if len(b) < 2 {
		return nil, 0, ErrShortBody
	}
	count := int(binary.BigEndian.Uint16(b))
	n = 2
	if len(b) < n+count*4 {
		return nil, 0, fmt.Errorf("%w: id list declares %d ids", ErrShortBody, count)
	}
	ids = make([]lockstep.ObjectID, count)
	for i := range count {
		ids[i] = binary.BigEndian.Uint32(b[n:])
		n += 4
	}
	return ids, n, nil
}

//#endregion id lists

//#region replies

// Reply prefixes payload with the op being answered, forming the body of an OK or ERROR packet.
func Reply(re Op, payload []byte) []byte {
	return append([]byte{byte(re)}, payload...)
}

// SplitReply is the inverse of Reply.
func SplitReply(body []byte) (re Op, payload []byte, err error) {
	if len(body) < 1 {
		return 0, nil, ErrShortBody
	}
	return Op(body[0]), body[1:], nil
}

//#endregion replies

//#region INSERT

// DigestLen is the length of the client-side password digest (SHA-256).
const DigestLen int = 32

var ErrBadUsername = errors.New("username must be 1-255 bytes")

// InsertRequest is the body of an INSERT sent by a player.
type InsertRequest struct {
	Username string
	Digest   [DigestLen]byte
	// ConnFlag advertised to other peers in lists
	Flags uint8
}

func (r InsertRequest) Marshal() ([]byte, error) {
	if len(r.Username) == 0 || len(r.Username) > 255 {
		return nil, ErrBadUsername
	}
	b := make([]byte, 0, 1+len(r.Username)+DigestLen+1)
	b = append(b, byte(len(r.Username)))
	b = append(b, r.Username...)
	b = append(b, r.Digest[:]...)
	return append(b, r.Flags), nil
}

func UnmarshalInsertRequest(b []byte) (InsertRequest, error) {
	var r InsertRequest
	if len(b) < 1 {
		return r, ErrShortBody
	}
	ulen := int(b[0])
	if ulen == 0 {
		return r, ErrBadUsername
	}
	if len(b) != 1+ulen+DigestLen+1 {
		return r, fmt.Errorf("%w: expected %dB, got %dB", ErrShortBody, 1+ulen+DigestLen+1, len(b))
	}
	r.Username = string(b[1 : 1+ulen])
	copy(r.Digest[:], b[1+ulen:1+ulen+DigestLen])
	r.Flags = b[len(b)-1]
	return r, nil
}

// InsertAccept is the payload of an OK(INSERT).
type InsertAccept struct {
	ID  lockstep.PeerID
	Key lockstep.Key
	// the player's endpoint as observed by the rendezvous server
	External netip.AddrPort
	// initial peers bundled with the reply
	Peers []PeerEntry
}

func (a InsertAccept) Marshal() []byte {
	b := make([]byte, 0, 4+4+18+2+len(a.Peers)*PeerEntryLen)
	b = binary.BigEndian.AppendUint32(b, a.ID)
	b = binary.BigEndian.AppendUint32(b, a.Key)
	a16 := a.External.Addr().As16()
	b = append(b, a16[:]...)
	b = binary.BigEndian.AppendUint16(b, a.External.Port())
	return AppendPeerList(b, a.Peers)
}

func UnmarshalInsertAccept(b []byte) (InsertAccept, error) {
	var a InsertAccept
	if len(b) < 26 {
		return a, ErrShortBody
	}
	a.ID = binary.BigEndian.Uint32(b[0:4])
	a.Key = binary.BigEndian.Uint32(b[4:8])
	var a16 [16]byte
	copy(a16[:], b[8:24])
	a.External = netip.AddrPortFrom(netip.AddrFrom16(a16).Unmap(), binary.BigEndian.Uint16(b[24:26]))
	peers, _, err := DecodePeerList(b[26:])
	if err != nil {
		return a, err
	}
	a.Peers = peers
	return a, nil
}

//#endregion INSERT

//#region CONVEY

// Verdict is the step of rendezvous mediation a CONVEY represents.
type Verdict uint8

const (
	// player -> server: please mediate a connection to Peer.ID
	VerdictRequest Verdict = iota + 1
	// server -> requester: mediation is under way; Peer.ID has been asked
	VerdictPending
	// server -> target: Peer wants to connect to you
	VerdictProceed
	// target -> server: I will take the connection; Peer is my own endpoint
	VerdictAccept
	// target -> server: I cannot take the connection
	VerdictDecline
	// server -> both: dial Peer directly
	VerdictEstablish
	// server -> requester: Peer is unreachable
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictRequest:
		return "REQUEST"
	case VerdictPending:
		return "PENDING"
	case VerdictProceed:
		return "PROCEED"
	case VerdictAccept:
		return "ACCEPT"
	case VerdictDecline:
		return "DECLINE"
	case VerdictEstablish:
		return "ESTABLISH"
	case VerdictReject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Convey is the body of a CONVEY packet.
type Convey struct {
	Verdict Verdict
	// the peer the verdict is about (never the sender or recipient of the packet itself)
	Peer PeerEntry
}

func (c Convey) Marshal() []byte {
	return c.Peer.Append([]byte{byte(c.Verdict)})
}

func UnmarshalConvey(b []byte) (Convey, error) {
	if len(b) != 1+PeerEntryLen {
		return Convey{}, ErrShortBody
	}
	v := Verdict(b[0])
	if v.String() == "UNKNOWN" {
		return Convey{}, fmt.Errorf("unknown verdict %d", b[0])
	}
	e, err := DecodePeerEntry(b[1:])
	return Convey{Verdict: v, Peer: e}, err
}

//#endregion CONVEY

//#region EXCHANGE

// ExchangeKind is the first byte of an EXCHANGE body.
type ExchangeKind uint8

const (
	// opens the direct handshake; body: conn flag
	ExchangeHello ExchangeKind = iota + 1
	// completes the direct handshake; body: conn flag
	ExchangeHelloAck
	// peer-list exchange; body: peer list
	ExchangePeers
	// announcement of the sender's objects; body: id list
	ExchangeObjects
)

func (k ExchangeKind) String() string {
	switch k {
	case ExchangeHello:
		return "HELLO"
	case ExchangeHelloAck:
		return "HELLO_ACK"
	case ExchangePeers:
		return "PEERS"
	case ExchangeObjects:
		return "OBJECTS"
	default:
		return "UNKNOWN"
	}
}

// SplitExchange peels the kind off the front of an EXCHANGE body.
func SplitExchange(body []byte) (ExchangeKind, []byte, error) {
	if len(body) < 1 {
		return 0, nil, ErrShortBody
	}
	k := ExchangeKind(body[0])
	if k.String() == "UNKNOWN" {
		return 0, nil, fmt.Errorf("unknown exchange kind %d", body[0])
	}
	return k, body[1:], nil
}

//#endregion EXCHANGE

//#region SUBMIT

// SubmitObject is a single object carried by a SUBMIT.
type SubmitObject struct {
	ID   lockstep.ObjectID
	Data []byte
}

// MarshalSubmit composes a SUBMIT body: ts:u32, count:u16, {id:u32, len:u16, data}*.
func MarshalSubmit(ts uint32, objs []SubmitObject) ([]byte, error) {
	size := 6
	for _, o := range objs {
		if len(o.Data) > 0xFFFF {
			return nil, fmt.Errorf("object %d: %w", o.ID, ErrBodyTooLong)
		}
		size += 6 + len(o.Data)
	}
	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint32(b, ts)
	b = binary.BigEndian.AppendUint16(b, uint16(len(objs)))
	for _, o := range objs {
		b = binary.BigEndian.AppendUint32(b, o.ID)
		b = binary.BigEndian.AppendUint16(b, uint16(len(o.Data)))
		b = append(b, o.Data...)
	}
	return b, nil
}

// UnmarshalSubmit is the inverse of MarshalSubmit.
// Object data aliases b.
func UnmarshalSubmit(b []byte) (ts uint32, objs []SubmitObject, err error) {
	if len(b) < 6 {
		return 0, nil, ErrShortBody
	}
	ts = binary.BigEndian.Uint32(b[0:4])
	count := int(binary.BigEndian.Uint16(b[4:6]))
	off := 6
	if len(b) < off+count*6 {
		return 0, nil, fmt.Errorf("%w: submit declares %d objects", ErrShortBody, count)
	}
	objs = make([]SubmitObject, 0, count)
	for range count {
		if len(b) < off+6 {
			return 0, nil, ErrShortBody
		}
		id := binary.BigEndian.Uint32(b[off:])
		l := int(binary.BigEndian.Uint16(b[off+4:]))
		off += 6
		if len(b) < off+l {
			return 0, nil, ErrShortBody
		}
		objs = append(objs, SubmitObject{ID: id, Data: b[off : off+l]})
		off += l
	}
	if off != len(b) {
		return 0, nil, ErrTrailingBytes
	}
	return ts, objs, nil
}

//#endregion SUBMIT
