package worker

import "fmt"

// Kind tags what a timer Group guards. Unlike the election package's fixed
// per-role enum, a Group here also carries the ConnID it belongs to, so
// ReleaseGroupEvent cancels exactly one connection's timer and never a
// sibling connection's.
type Kind uint8

const (
	KindInvalid          Kind = 0
	KindHandshakeTimeout Kind = 1
	KindConnectThrottle  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeTimeout:
		return "HandshakeTimeout"
	case KindConnectThrottle:
		return "ConnectThrottle"
	default:
		return "Invalid Kind"
	}
}

// Group is the comparable value go-schedule's Scheduler[Group] groups
// timers by. Two Groups are equal iff both Kind and ConnID match, which is
// exactly the granularity ReleaseGroupEvent needs to cancel one
// connection's handshake timer without touching any other connection's.
type Group struct {
	Kind   Kind
	ConnID uint32
}

func (g Group) String() string {
	return fmt.Sprintf("%s[connID=%d]", g.Kind, g.ConnID)
}

func HandshakeTimeoutGroup(connID uint32) Group {
	return Group{Kind: KindHandshakeTimeout, ConnID: connID}
}

func ConnectThrottleGroup(connID uint32) Group {
	return Group{Kind: KindConnectThrottle, ConnID: connID}
}
