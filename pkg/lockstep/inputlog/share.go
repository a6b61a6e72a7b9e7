package inputlog

// share.go contains the input-share codec carried by UPDATE packets:
// kind:u8, count:u16, {object:u32, type:u8, ts:u32, payload}*
// where payload is two float32s for movement and three for direction.

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
)

// Kind is the first byte of an input share.
type Kind uint8

const (
	// inputs captured by the sender
	KindCaptured Kind = iota + 1
	// inputs the sender is relaying on behalf of another peer
	KindRelayed
)

func (k Kind) String() string {
	switch k {
	case KindCaptured:
		return "CAPTURED"
	case KindRelayed:
		return "RELAYED"
	default:
		return "UNKNOWN"
	}
}

var ErrEmpty = errors.New("nothing to pack")

const (
	entryHeaderLen = 4 + 1 + 4
	// smallest encoded entry (a movement)
	minEntryLen = entryHeaderLen + 8
)

func appendEntry(b []byte, e Entry) ([]byte, error) {
	if _, err := e.Type.payloadLen(); err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint32(b, e.ObjectID)
	b = append(b, byte(e.Type))
	b = binary.BigEndian.AppendUint32(b, e.Timestamp)
	switch e.Type {
	case TypeMovement:
		for _, f := range e.Movement {
			b = binary.BigEndian.AppendUint32(b, math.Float32bits(f))
		}
	case TypeDirection:
		for _, f := range e.Direction {
			b = binary.BigEndian.AppendUint32(b, math.Float32bits(f))
		}
	}
	return b, nil
}

// Pack serializes the pipe's entries, sorted by timestamp, into an input share.
// The pipe is not cleared.
func Pack(p *Pipe, kind Kind) ([]byte, error) {
	if p.Len() == 0 {
		return nil, ErrEmpty
	}
	entries := p.Entries()
	slices.SortStableFunc(entries, func(a, b Entry) int { return cmp.Compare(int32(a.Timestamp-b.Timestamp), 0) })

	b := make([]byte, 0, 3+len(entries)*(entryHeaderLen+12))
	b = append(b, byte(kind))
	b = binary.BigEndian.AppendUint16(b, uint16(len(entries)))
	var err error
	for _, e := range entries {
		if b, err = appendEntry(b, e); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Unpack decodes an input share, pushing each entry into p.
// The share is fully validated before anything is pushed. If p fills, ErrPipeFull is returned alongside the number of
// entries that were pushed.
func Unpack(b []byte, p *Pipe) (kind Kind, pushed int, err error) {
	if len(b) < 3 {
		return 0, 0, protocol.ErrShortBody
	}
	kind = Kind(b[0])
	count := int(binary.BigEndian.Uint16(b[1:3]))
	off := 3
	if count*minEntryLen > len(b)-off {
		return 0, 0, fmt.Errorf("%w: %d entries declared", protocol.ErrShortBody, count)
	}
	entries := make([]Entry, 0, count)
	for range count {
		if len(b) < off+entryHeaderLen {
			return 0, 0, protocol.ErrShortBody
		}
		e := Entry{
			ObjectID:  binary.BigEndian.Uint32(b[off:]),
			Type:      Type(b[off+4]),
			Timestamp: binary.BigEndian.Uint32(b[off+5:]),
		}
		off += entryHeaderLen
		plen, err := e.Type.payloadLen()
		if err != nil {
			return 0, 0, err
		}
		if len(b) < off+plen {
			return 0, 0, fmt.Errorf("%w: %v payload", protocol.ErrShortBody, e.Type)
		}
		for i := range plen / 4 {
			f := math.Float32frombits(binary.BigEndian.Uint32(b[off+i*4:]))
			if e.Type == TypeMovement {
				e.Movement[i] = f
			} else {
				e.Direction[i] = f
			}
		}
		off += plen
		entries = append(entries, e)
	}
	if off != len(b) {
		return 0, 0, protocol.ErrTrailingBytes
	}
	for _, e := range entries {
		if err := p.Push(e); err != nil {
			return kind, pushed, err
		}
		pushed++
	}
	return kind, pushed, nil
}
