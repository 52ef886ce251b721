package worker

import (
	"github.com/RakhithJK/LogDevice/messages"
)

// RequestType discriminates registries, e.g. "running get-rsm-snapshot
// requests" vs. "running record-append requests".
type RequestType uint16

// RequestID is the correlation id (rqid) a reply message is addressed to.
type RequestID uint64

// Request is a unit of work scheduled on a Worker. Run executes once, on
// the Worker goroutine, when the request is first posted. OnReply executes
// zero or more times thereafter, also on the Worker goroutine, once per
// correlated reply frame, until the request is explicitly cancelled or
// removes itself.
type Request interface {
	Type() RequestType
	ID() RequestID
	Run(w *Worker)
	OnReply(from messages.PeerAddress, msg *messages.Message)
}
