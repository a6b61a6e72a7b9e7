// Package misc holds small internal utilities shared across packages that do not belong to any one of them.
package misc

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	mrand "math/rand/v2"
)

// RandomPort returns a random port number from 1024 - 65535
func RandomPort() uint16 {
	return uint16(1024 + mrand.Uint32N((math.MaxUint16 - 1024)))
}

// RandomNonZero returns a cryptographically random, non-zero uint32.
// Used for realm keys, where 0 means "no key".
func RandomNonZero() uint32 {
	var b [4]byte
	for {
		rand.Read(b[:])
		if v := binary.BigEndian.Uint32(b[:]); v != 0 {
			return v
		}
	}
}
