package protocol_test

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	. "github.com/rflandau/Lockstep/internal/testsupport"
	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
)

// Tests that Serialize -> Deserialize recovers op, dst, and src exactly and that the presence of a key dictates the header length.
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name string
		op   protocol.Op
		dst  lockstep.PeerID
		src  lockstep.PeerID
		key  []lockstep.Key
	}{
		{"INSERT to server, unsigned", protocol.OpInsert, lockstep.ServerID, 0, nil},
		{"LIST signed", protocol.OpList, lockstep.ServerID, 7, []lockstep.Key{0xAABBCCDD}},
		{"EXCHANGE max ids", protocol.OpExchange, math.MaxUint32, math.MaxUint32, []lockstep.Key{1}},
		{"UPDATE zero key", protocol.OpUpdate, 3, 4, []lockstep.Key{0}},
		{"ERROR unsigned", protocol.OpError, 9, lockstep.ServerID, nil},
	}
	// sprinkle in some random cases
	for range 20 {
		var key []lockstep.Key
		if rand.IntN(2) == 0 {
			key = []lockstep.Key{rand.Uint32()}
		}
		tests = append(tests, struct {
			name string
			op   protocol.Op
			dst  lockstep.PeerID
			src  lockstep.PeerID
			key  []lockstep.Key
		}{"random", protocol.Op(1 + rand.IntN(9)), rand.Uint32(), rand.Uint32(), key})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := protocol.Serialize(tt.op, tt.dst, tt.src, tt.key...)
			expectedLen := protocol.FixedHeaderLen
			if len(tt.key) > 0 {
				expectedLen = protocol.ExtendedHeaderLen
			}
			if len(b) != expectedLen {
				t.Fatal("bad serialized length", ExpectedActual(expectedLen, len(b)))
			}

			hdr, n, err := protocol.Deserialize(b)
			if err != nil {
				t.Fatal(err)
			} else if n != expectedLen {
				t.Error("bad consumed count", ExpectedActual(expectedLen, n))
			}
			if hdr.Op != tt.op {
				t.Error("bad op", ExpectedActual(tt.op, hdr.Op))
			}
			if hdr.DstID != tt.dst {
				t.Error("bad dst", ExpectedActual(tt.dst, hdr.DstID))
			}
			if hdr.SrcID != tt.src {
				t.Error("bad src", ExpectedActual(tt.src, hdr.SrcID))
			}
			if hdr.HasKey() != (len(tt.key) > 0) {
				t.Error("bad HasKey", ExpectedActual(len(tt.key) > 0, hdr.HasKey()))
			}
			if errs := hdr.Validate(); len(errs) != 0 {
				t.Error("unexpected validation errors", errs)
			}
			if len(tt.key) > 0 {
				if err := hdr.Verify(tt.key[0], time.Now(), time.Second, nil); err != nil {
					t.Error("failed to verify own signature: ", err)
				}
			}
		})
	}
}

// Tests that re-serializing a decoded header reproduces the original bytes (the relay path).
func TestHeader_SerializeCopy(t *testing.T) {
	hdr := protocol.Header{Op: protocol.OpConvey, Reserved: 0xBEEF, DstID: 12, SrcID: 40}
	hdr.Sign(0x1234, time.Now(), protocol.DJB2)
	orig := hdr.Serialize()

	decoded, _, err := protocol.Deserialize(orig)
	if err != nil {
		t.Fatal(err)
	}
	if cp := decoded.Serialize(); !bytes.Equal(orig, cp) {
		t.Fatal("copy is not byte-identical", ExpectedActual(orig, cp))
	}
	if decoded.Reserved != 0xBEEF {
		t.Error("reserved was not carried through", ExpectedActual(0xBEEF, decoded.Reserved))
	}
}

func TestDeserialize_Short(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		for i := range protocol.FixedHeaderLen {
			if _, _, err := protocol.Deserialize(make([]byte, i)); !errors.Is(err, protocol.ErrShortHeader) {
				t.Error("bad error for length", i, ExpectedActual(protocol.ErrShortHeader, err))
			}
		}
	})
	t.Run("extended", func(t *testing.T) {
		b := protocol.Serialize(protocol.OpList, 0, 1, 5)
		if _, _, err := protocol.Deserialize(b[:protocol.ExtendedHeaderLen-1]); !errors.Is(err, protocol.ErrShortHeader) {
			t.Error(ExpectedActual(protocol.ErrShortHeader, err))
		}
	})
	t.Run("zero time mod", func(t *testing.T) {
		b := []byte{byte(protocol.OpList), byte(protocol.FlagHasKey), 0, 0, 0, 0, 0, 0, 0, 0, 0, 7,
			0, 0, 0, 0, 0xAA, 0xBB, 0xCC, 0xDD}
		var hdr protocol.Header
		n, err := hdr.Deserialize(b)
		if err != nil {
			t.Fatal(err)
		}
		if n != protocol.FixedHeaderLen {
			t.Error("only the fixed header is consumed", ExpectedActual(protocol.FixedHeaderLen, n))
		}
		if hdr.TimeMod != 0 || hdr.KeyHash != 0 || hdr.SrcID != 7 {
			t.Error("bad fields", hdr)
		}
		if errs := hdr.Validate(); len(errs) != 1 || !errors.Is(errs[0], protocol.ErrZeroTimeMod) {
			t.Error(ExpectedActual([]error{protocol.ErrZeroTimeMod}, errs))
		}
		if err := hdr.Verify(5, time.Now(), 0, nil); !errors.Is(err, protocol.ErrBadKeyHash) && !errors.Is(err, protocol.ErrUnsigned) {
			t.Error("an unsigned extension must not verify", err)
		}
	})
}

func TestHeader_Verify(t *testing.T) {
	const key lockstep.Key = 0xAABBCCDD
	now := time.Now()

	for name, h := range map[string]protocol.Hasher{"MAC": protocol.MAC, "DJB2": protocol.DJB2} {
		t.Run(name, func(t *testing.T) {
			hdr := protocol.Header{Op: protocol.OpGet, DstID: 1, SrcID: 2}
			hdr.Sign(key, now, h)

			if err := hdr.Verify(key, now, time.Second, h); err != nil {
				t.Fatal(err)
			}
			if err := hdr.Verify(key+1, now, time.Second, h); !errors.Is(err, protocol.ErrBadKeyHash) {
				t.Error("wrong key", ExpectedActual(protocol.ErrBadKeyHash, err))
			}
			if err := hdr.Verify(key, now.Add(time.Minute), time.Second, h); !errors.Is(err, protocol.ErrStaleTimeMod) {
				t.Error("stale", ExpectedActual(protocol.ErrStaleTimeMod, err))
			}
			if err := hdr.Verify(key, now.Add(time.Minute), 0, h); err != nil {
				t.Error("skew checking should be disabled when maxSkew is 0: ", err)
			}
		})
	}

	t.Run("MAC binds the fixed header", func(t *testing.T) {
		hdr := protocol.Header{Op: protocol.OpGet, DstID: 1, SrcID: 2}
		hdr.Sign(key, now, protocol.MAC)
		hdr.SrcID = 3
		if err := hdr.Verify(key, now, time.Second, protocol.MAC); !errors.Is(err, protocol.ErrBadKeyHash) {
			t.Error(ExpectedActual(protocol.ErrBadKeyHash, err))
		}
	})
	t.Run("unsigned", func(t *testing.T) {
		hdr := protocol.Header{Op: protocol.OpGet}
		if err := hdr.Verify(key, now, 0, nil); !errors.Is(err, protocol.ErrUnsigned) {
			t.Error(ExpectedActual(protocol.ErrUnsigned, err))
		}
	})
}

func TestHeader_Validate(t *testing.T) {
	hdr := protocol.Header{Op: 0, Flags: 0b10000000}
	errs := hdr.Validate()
	if !slices.Contains(errs, protocol.ErrUnknownOp) || !slices.Contains(errs, protocol.ErrUnknownFlags) {
		t.Error("missing validation errors", errs)
	}
}

func TestCompose(t *testing.T) {
	hdr := protocol.Serialize(protocol.OpSubmit, 1, 2)
	if _, err := protocol.Compose(hdr, make([]byte, int(lockstep.MaxPacketSize))); !errors.Is(err, protocol.ErrBodyTooLong) {
		t.Error(ExpectedActual(protocol.ErrBodyTooLong, err))
	}
	pkt, err := protocol.Compose(hdr, []byte{1, 2}, []byte{3})
	if err != nil {
		t.Fatal(err)
	}
	h, body, err := protocol.Split(pkt)
	if err != nil {
		t.Fatal(err)
	} else if h.Op != protocol.OpSubmit || !bytes.Equal(body, []byte{1, 2, 3}) {
		t.Error("bad split", h.Op, body)
	}
}
