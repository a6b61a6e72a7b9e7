package protocol

import (
	"encoding/binary"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"golang.org/x/crypto/blake2b"
)

// A Hasher produces the 32-bit key hash for a header.
// fixed is the first FixedHeaderLen bytes of the header as they appear on the wire (with FlagHasKey set).
type Hasher func(key lockstep.Key, timeMod uint32, fixed []byte) uint32

// DefaultHasher is used whenever a nil Hasher is given.
var DefaultHasher Hasher = MAC

// DJB2 is the legacy key hash: djb2 over key‖time_mod (both big-endian).
// It does not cover the rest of the header and is trivially forgeable by anyone who observes a few samples;
// only use it when talking to nodes that cannot speak MAC.
func DJB2(key lockstep.Key, timeMod uint32, _ []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], key)
	binary.BigEndian.PutUint32(buf[4:8], timeMod)
	var h uint32 = 5381
	for _, c := range buf {
		h = h*33 + uint32(c)
	}
	return h
}

// MAC is a keyed BLAKE2b-256 over the fixed header‖time_mod, truncated to its first 32 bits.
// Binding the fixed header means a captured hash cannot be replayed onto a different op, source, or destination.
func MAC(key lockstep.Key, timeMod uint32, fixed []byte) uint32 {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], key)
	h, err := blake2b.New256(k[:])
	if err != nil { // only possible if the key is longer than 64B
		panic(err)
	}
	h.Write(fixed)
	var tm [4]byte
	binary.BigEndian.PutUint32(tm[:], timeMod)
	h.Write(tm[:])
	return binary.BigEndian.Uint32(h.Sum(nil)[:4])
}
