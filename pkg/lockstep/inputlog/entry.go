// Package inputlog keeps the replicated history of player inputs.
//
// Inputs are captured locally or received from peers, staged in bounded pipes, and merged into a Log: a fixed-size,
// timestamp-ordered sliding window that the simulation replays from whenever late data lands in the past.
package inputlog

import (
	"fmt"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rs/zerolog"
)

// Type identifies which payload an Entry carries.
type Type uint8

const (
	TypeMovement Type = iota + 1
	TypeDirection
)

func (t Type) String() string {
	switch t {
	case TypeMovement:
		return "MOVEMENT"
	case TypeDirection:
		return "DIRECTION"
	default:
		return "UNKNOWN"
	}
}

// payloadLen is the number of bytes the type's payload occupies on the wire.
func (t Type) payloadLen() (int, error) {
	switch t {
	case TypeMovement:
		return 8, nil
	case TypeDirection:
		return 12, nil
	default:
		return 0, fmt.Errorf("unknown input type %d", t)
	}
}

// An Entry is a single captured input.
// Only the field matching Type is meaningful.
type Entry struct {
	ObjectID  lockstep.ObjectID
	Type      Type
	Timestamp uint32
	Movement  [2]float32
	Direction [3]float32
}

func (e Entry) Zerolog(ev *zerolog.Event) {
	ev.Uint32("object", e.ObjectID).
		Str("type", e.Type.String()).
		Uint32("ts", e.Timestamp)
}
