package conn

import "github.com/RakhithJK/LogDevice/messages"

// OnSentFunc fires exactly once per accepted message. messages.CloseUnspecified
// means the frame reached the wire; any other messages.CloseReason means it
// never did and carries the reason (ProtoNoSupport, TimedOut, Cancelled, the
// Connection's eventual close reason, etc).
type OnSentFunc func(reason messages.CloseReason)

// OnCloseFunc fires exactly once when the Connection transitions into
// Closing, after every pending OnSentFunc for that Connection has already
// fired with the same reason. Registered on Connection itself (not on the
// pendingSend/outputFrame record) so it survives a message's move from the
// serialization queue into the output buffer, and survives the frame being
// flushed to the wire — it only fires once the Connection actually closes.
type OnCloseFunc func(reason messages.CloseReason)

// pendingSend is one entry of the pre-handshake serialization queue.
// The message is held un-encoded because the protocol version is not yet
// known; reservedBytes charges the budget at MinProtocolSupported as an
// upper bound until the real encoded size is known post-handshake.
type pendingSend struct {
	msg           *messages.Message
	onSent        OnSentFunc
	reservedBytes int
}

// outputFrame is one already-encoded entry of the post-handshake output
// buffer. It remembers its on-sent callback and exact byte size so
// BufferedBytes() and budget release stay exact. msg is retained so a
// cancellation marked after encoding is still observed at the wire stage.
type outputFrame struct {
	msg    *messages.Message
	bytes  []byte
	onSent OnSentFunc
	size   int
}
