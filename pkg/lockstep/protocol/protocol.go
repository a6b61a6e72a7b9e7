/*
Package protocol contains tools for interacting with the L5 Lockstep header and the bodies that follow it.

Includes structs that can be composed into a header; you should never have to interact with the raw bits or endian-ness of the header.

	    0               1               2               3
	    0 1 2 3 4 5 6 7 0 1 2 3 4 5 6 7 0 1 2 3 4 5 6 7 0 1 2 3 4 5 6 7

		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|      Op       |     Flags     |           Reserved            |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                        Destination ID                         |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                          Source ID                            |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                 Time Mod (iff HasKey is set)                  |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                 Key Hash (iff HasKey is set)                  |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

All multi-byte fields are in network byte order.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rs/zerolog"
)

const (
	// FixedHeaderLen is the length (in bytes) of the header when HasKey is unset.
	FixedHeaderLen int = 12
	// ExtendedHeaderLen is the length (in bytes) of the header when HasKey is set.
	ExtendedHeaderLen int = 20
)

// Flags is the bitfield carried in the second byte of the header.
type Flags uint8

const (
	// FlagHasKey indicates that the header carries TimeMod and KeyHash.
	FlagHasKey Flags = 1 << iota

	knownFlags = FlagHasKey
)

// A Header represents a deconstructed Lockstep packet header.
// The state of Header is never guaranteed; call .Validate() to verify before using.
type Header struct {
	// Type of message.
	Op Op
	Flags Flags
	// Unused by this version of the protocol; carried through untouched so relayed headers are byte-identical.
	Reserved uint16
	// Intended recipient. lockstep.ServerID when addressed to the rendezvous server.
	DstID lockstep.PeerID
	// Sender. 0 prior to registration.
	SrcID lockstep.PeerID
	// Sender's clock (unix milliseconds mod 2^32) at the time of signing.
	// Only meaningful when FlagHasKey is set; never 0 in that case.
	TimeMod uint32
	// Proof of possession of the shared key. See Hasher.
	KeyHash uint32
}

//#region errors

var (
	ErrShortHeader   = errors.New("buffer is too short to contain a header")
	ErrUnknownOp     = errors.New("op must be an enumerated op-code")
	ErrUnknownFlags  = errors.New("flags contain unknown bits")
	ErrZeroTimeMod   = errors.New("time mod must be non-zero when HasKey is set")
	ErrUnsigned      = errors.New("header does not carry a key hash")
	ErrBadKeyHash    = errors.New("key hash does not match")
	ErrStaleTimeMod  = errors.New("time mod is outside the accepted clock skew")
	ErrShortBody     = errors.New("body is too short")
	ErrBodyTooLong   = errors.New("body exceeds maximum packet size")
	ErrTrailingBytes = errors.New("body contains trailing bytes")
)

//#endregion errors

// HasKey reports whether FlagHasKey is set.
func (hdr *Header) HasKey() bool {
	return hdr.Flags&FlagHasKey != 0
}

// Len returns the number of bytes hdr occupies on the wire.
func (hdr *Header) Len() int {
	if hdr.HasKey() {
		return ExtendedHeaderLen
	}
	return FixedHeaderLen
}

// appendFixed appends the first FixedHeaderLen bytes of the header to b.
func (hdr *Header) appendFixed(b []byte) []byte {
	b = append(b, byte(hdr.Op), byte(hdr.Flags))
	b = binary.BigEndian.AppendUint16(b, hdr.Reserved)
	b = binary.BigEndian.AppendUint32(b, hdr.DstID)
	return binary.BigEndian.AppendUint32(b, hdr.SrcID)
}

// Serialize returns hdr in network-byte-order.
// The extension is written iff FlagHasKey is set; existing TimeMod and KeyHash are written as-is (no re-signing),
// making Serialize suitable for relaying an already-decoded header.
//
// NOTE: Does NOT imply .Validate() and thus does NOT error on invalid data.
//
// Performs a single allocation of hdr.Len() size.
func (hdr *Header) Serialize() []byte {
	b := hdr.appendFixed(make([]byte, 0, hdr.Len()))
	if hdr.HasKey() {
		b = binary.BigEndian.AppendUint32(b, hdr.TimeMod)
		b = binary.BigEndian.AppendUint32(b, hdr.KeyHash)
	}
	return b
}

// Deserialize populates hdr's fields from the front of b, returning the number of bytes consumed (12 or 20).
// Clobbers existing data.
//
// The extension is read only if FlagHasKey is set and its TimeMod is non-zero. A HasKey header with a zero TimeMod
// consumes 12 bytes and keeps zeroed TimeMod and KeyHash, so it fails Validate and Verify.
//
// Does NOT validate fields.
// If an error occurs, hdr will be left in a partially clobbered state which is considered undefined.
func (hdr *Header) Deserialize(b []byte) (n int, err error) {
	if len(b) < FixedHeaderLen {
		return 0, ErrShortHeader
	}
	hdr.Op = Op(b[0])
	hdr.Flags = Flags(b[1])
	hdr.Reserved = binary.BigEndian.Uint16(b[2:4])
	hdr.DstID = binary.BigEndian.Uint32(b[4:8])
	hdr.SrcID = binary.BigEndian.Uint32(b[8:12])
	hdr.TimeMod, hdr.KeyHash = 0, 0
	if !hdr.HasKey() {
		return FixedHeaderLen, nil
	}
	if len(b) < ExtendedHeaderLen {
		return 0, ErrShortHeader
	}
	if binary.BigEndian.Uint32(b[12:16]) == 0 {
		// not a signature; the extension is left to the body and Validate reports the flag
		return FixedHeaderLen, nil
	}
	hdr.TimeMod = binary.BigEndian.Uint32(b[12:16])
	hdr.KeyHash = binary.BigEndian.Uint32(b[16:20])
	return ExtendedHeaderLen, nil
}

// Sign stamps hdr with the given time and key, setting FlagHasKey.
func (hdr *Header) Sign(key lockstep.Key, now time.Time, h Hasher) {
	if h == nil {
		h = DefaultHasher
	}
	hdr.Flags |= FlagHasKey
	hdr.TimeMod = TimeMod(now)
	hdr.KeyHash = h(key, hdr.TimeMod, hdr.appendFixed(make([]byte, 0, FixedHeaderLen)))
}

// Verify checks that hdr was signed with key.
// If maxSkew is greater than zero, TimeMod must also be within maxSkew of now (wraparound-aware).
func (hdr *Header) Verify(key lockstep.Key, now time.Time, maxSkew time.Duration, h Hasher) error {
	if !hdr.HasKey() {
		return ErrUnsigned
	}
	if h == nil {
		h = DefaultHasher
	}
	if h(key, hdr.TimeMod, hdr.appendFixed(make([]byte, 0, FixedHeaderLen))) != hdr.KeyHash {
		return ErrBadKeyHash
	}
	if maxSkew > 0 {
		delta := int64(int32(TimeMod(now) - hdr.TimeMod))
		if delta < 0 {
			delta = -delta
		}
		if delta > maxSkew.Milliseconds() {
			return ErrStaleTimeMod
		}
	}
	return nil
}

// Validate tests each field in header, returning a list of issues.
func (hdr *Header) Validate() (errors []error) {
	if hdr.Op.String() == "UNKNOWN" {
		errors = append(errors, ErrUnknownOp)
	}
	if hdr.Flags&^knownFlags != 0 {
		errors = append(errors, ErrUnknownFlags)
	}
	if hdr.HasKey() && hdr.TimeMod == 0 {
		errors = append(errors, ErrZeroTimeMod)
	}
	return errors
}

// Zerolog attaches header's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (hdr *Header) Zerolog(ev *zerolog.Event) {
	ev.Str("op", hdr.Op.String()).
		Uint32("dst", hdr.DstID).
		Uint32("src", hdr.SrcID).
		Bool("signed", hdr.HasKey())
	if hdr.HasKey() {
		ev.Uint32("time mod", hdr.TimeMod)
	}
}

// TimeMod returns t as unix milliseconds mod 2^32.
// 0 is reserved to mean "unsigned", so it is nudged to 1.
func TimeMod(t time.Time) uint32 {
	tm := uint32(t.UnixMilli())
	if tm == 0 {
		return 1
	}
	return tm
}

// Serialize consumes the given data and returns it serialized as a Lockstep header.
// If a key is given, the header is signed with it using DefaultHasher and the current time (making it 20 bytes).
// Only the first element in key is used (if multiple are given).
func Serialize(op Op, dst, src lockstep.PeerID, key ...lockstep.Key) []byte {
	hdr := Header{Op: op, DstID: dst, SrcID: src}
	if len(key) >= 1 {
		hdr.Sign(key[0], time.Now(), DefaultHasher)
	}
	return hdr.Serialize()
}

// Deserialize returns a header built from the front of b and the number of bytes consumed.
//
// Does NOT validate fields.
func Deserialize(b []byte) (*Header, int, error) {
	hdr := &Header{}
	n, err := hdr.Deserialize(b)
	return hdr, n, err
}

// Split deserializes the header at the front of pkt and returns it alongside the remaining body.
// The body aliases pkt.
func Split(pkt []byte) (*Header, []byte, error) {
	hdr, n, err := Deserialize(pkt)
	if err != nil {
		return nil, nil, err
	}
	return hdr, pkt[n:], nil
}

// Compose concatenates a serialized header and body into a single datagram, ensuring it fits into a packet.
func Compose(hdr []byte, body ...[]byte) ([]byte, error) {
	total := len(hdr)
	for _, b := range body {
		total += len(b)
	}
	if total > int(lockstep.MaxPacketSize) {
		return nil, fmt.Errorf("%w (%dB > %dB)", ErrBodyTooLong, total, lockstep.MaxPacketSize)
	}
	out := make([]byte, 0, total)
	out = append(out, hdr...)
	for _, b := range body {
		out = append(out, b...)
	}
	return out, nil
}
