package messages

// MessageType tags the per-type structured header carried by a Message
// envelope. Values are stable on the wire; do not renumber.
type MessageType uint16

const (
	TypeInvalid MessageType = 0
	TypeHello   MessageType = 1
	TypeAck     MessageType = 2
	TypeStored  MessageType = 3
	TypeRecord  MessageType = 4
	TypePing    MessageType = 5
	TypePong    MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeAck:
		return "ACK"
	case TypeStored:
		return "STORED"
	case TypeRecord:
		return "RECORD"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return "Invalid MessageType"
	}
}

// checksumByType records, per type, whether the frame carries a cksum
// field; the same table applies at every protocol version. needs_checksum is a pure function over this table: hot-path
// data frames get integrity coverage, control traffic does not pay for it.
var checksumByType = map[MessageType]bool{
	TypeInvalid: false,
	TypeHello:   false,
	TypeAck:     false,
	TypeStored:  true,
	TypeRecord:  true,
	TypePing:    false,
	TypePong:    false,
}

// NeedsChecksum reports whether frames of type t at protocol version proto
// carry a cksum field. proto is accepted for forward compatibility with a
// future checksum rollout gated by negotiated version; the current table is
// proto-independent.
func NeedsChecksum(t MessageType, proto uint16) bool {
	return checksumByType[t]
}

// AckStatus is the negotiation outcome carried in an ACK header.
type AckStatus uint16

const (
	AckOk                  AckStatus = 0
	AckProtoNoSupport      AckStatus = 1
	AckInvalidCluster      AckStatus = 2
	AckDestinationMismatch AckStatus = 3
)

func (s AckStatus) String() string {
	switch s {
	case AckOk:
		return "Ok"
	case AckProtoNoSupport:
		return "ProtoNoSupport"
	case AckInvalidCluster:
		return "InvalidCluster"
	case AckDestinationMismatch:
		return "DestinationMismatch"
	default:
		return "Unknown AckStatus"
	}
}

// CloseReason is delivered to every pending on-sent callback and then once
// to on-close when a Connection transitions to Closing/Closed.
type CloseReason uint8

const (
	CloseUnspecified         CloseReason = 0
	CloseNotInConfig         CloseReason = 1
	CloseNoBufs              CloseReason = 2
	CloseUnreachable         CloseReason = 3
	CloseProtoNoSupport      CloseReason = 4
	CloseInvalidCluster      CloseReason = 5
	CloseDestinationMismatch CloseReason = 6
	CloseTimedOut            CloseReason = 7
	CloseConnFailed          CloseReason = 8
	CloseBadMessage          CloseReason = 9
	CloseInternal            CloseReason = 10
	CloseCancelled           CloseReason = 11
	CloseShutdown            CloseReason = 12
)

func (r CloseReason) String() string {
	switch r {
	case CloseUnspecified:
		return "Unspecified"
	case CloseNotInConfig:
		return "NotInConfig"
	case CloseNoBufs:
		return "NoBufs"
	case CloseUnreachable:
		return "Unreachable"
	case CloseProtoNoSupport:
		return "ProtoNoSupport"
	case CloseInvalidCluster:
		return "InvalidCluster"
	case CloseDestinationMismatch:
		return "DestinationMismatch"
	case CloseTimedOut:
		return "TimedOut"
	case CloseConnFailed:
		return "ConnFailed"
	case CloseBadMessage:
		return "BadMessage"
	case CloseInternal:
		return "Internal"
	case CloseCancelled:
		return "Cancelled"
	case CloseShutdown:
		return "Shutdown"
	default:
		return "Unknown CloseReason"
	}
}

// ParseCloseReason maps a CloseReason name (as produced by String) back to
// its value, for settings that name an outcome textually, e.g.
// MessageErrorInjectionStatus.
func ParseCloseReason(s string) (CloseReason, bool) {
	for r := CloseUnspecified; r <= CloseShutdown; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return CloseUnspecified, false
}

// StoreStatus is the result code returned by configstore operations.
type StoreStatus uint16

const (
	StoreOk              StoreStatus = 0
	StoreNotFound        StoreStatus = 1
	StoreVersionMismatch StoreStatus = 2
	StoreAccess          StoreStatus = 3
	StoreUpToDate        StoreStatus = 4
	StoreAgain           StoreStatus = 5
	StoreBadMessage      StoreStatus = 6
	StoreInvalidParam    StoreStatus = 7
	StoreInvalidConfig   StoreStatus = 8
	StoreShutdown        StoreStatus = 9
)

func (s StoreStatus) String() string {
	switch s {
	case StoreOk:
		return "Ok"
	case StoreNotFound:
		return "NotFound"
	case StoreVersionMismatch:
		return "VersionMismatch"
	case StoreAccess:
		return "Access"
	case StoreUpToDate:
		return "UpToDate"
	case StoreAgain:
		return "Again"
	case StoreBadMessage:
		return "BadMessage"
	case StoreInvalidParam:
		return "InvalidParam"
	case StoreInvalidConfig:
		return "InvalidConfig"
	case StoreShutdown:
		return "Shutdown"
	default:
		return "Unknown StoreStatus"
	}
}

// MinProtocolSupported and MaxProtocolSupported bound this build's protocol
// range; HELLO advertises [MinProtocolSupported, MaxProtocolSupported].
const (
	MinProtocolSupported uint16 = 1
	MaxProtocolSupported uint16 = 2
)

// Negotiate computes the two-sided clamp described in the GLOSSARY:
// negotiated = min(localMax, peerMax), and it must be >= max(localMin, peerMin).
// ok is false when the ranges do not overlap.
func Negotiate(localMin, localMax, peerMin, peerMax uint16) (negotiated uint16, ok bool) {
	lo := localMin
	if peerMin > lo {
		lo = peerMin
	}
	hi := localMax
	if peerMax < hi {
		hi = peerMax
	}
	if lo > hi {
		return 0, false
	}
	return hi, true
}
