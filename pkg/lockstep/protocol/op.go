package protocol

// Op is the message type carried in the first byte of every header.
type Op uint8

const (
	// Sent by a player to the rendezvous server to register/log in.
	// Answered by OK(INSERT) carrying id, key, and bundled peers, or ERROR(INSERT).
	OpInsert Op = iota + 1
	// Sent by a player to the rendezvous server to request the list of registered peers.
	// Also serves as the player's keepalive.
	OpList
	// Rendezvous mediation. See Verdict for the individual steps.
	OpConvey
	// Peer-to-peer handshake and discovery. See ExchangeKind.
	OpExchange
	// Peer-to-peer request for objects by id.
	OpGet
	// Peer-to-peer answer to GET, carrying object data.
	OpSubmit
	// Peer-to-peer input share.
	OpUpdate
	// Positive reply. The first body byte is the op being answered.
	OpOK
	// Negative reply. The first body byte is the op being answered; the remainder is a fault.
	OpError
)

// String returns the string representation of the given Op.
// It is just a big switch statement.
func (op Op) String() string {
	switch op {
	case OpInsert:
		return "INSERT"
	case OpList:
		return "LIST"
	case OpConvey:
		return "CONVEY"
	case OpExchange:
		return "EXCHANGE"
	case OpGet:
		return "GET"
	case OpSubmit:
		return "SUBMIT"
	case OpUpdate:
		return "UPDATE"
	case OpOK:
		return "OK"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
