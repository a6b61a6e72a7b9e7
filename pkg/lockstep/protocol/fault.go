package protocol

import (
	"github.com/rflandau/Lockstep/pkg/lockstep"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MarshalFault encodes an errno and reason as the payload of an ERROR packet.
// Faults are a protobuf Struct so fields can be added without versioning the fixed wire layout.
func MarshalFault(errno uint16, reason string) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"errno":  float64(errno),
		"reason": reason,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// UnmarshalFault decodes the payload of an ERROR packet into an Errno.
func UnmarshalFault(b []byte) (lockstep.Errno, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return lockstep.Errno{}, err
	}
	return lockstep.Errno{
		Num:            uint16(s.GetFields()["errno"].GetNumberValue()),
		AdditionalInfo: s.GetFields()["reason"].GetStringValue(),
	}, nil
}
