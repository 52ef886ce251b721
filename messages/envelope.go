package messages

// Message is the closed tagged variant of message kinds carried inside a
// frame. Exactly one of the typed fields is non-nil; callers dispatch with
// a type switch on Type() rather than virtual dispatch on a polymorphic
// base.
type Message struct {
	Txseq  uint64
	Txtime int64

	// Cancelled marks the message to be dropped when it reaches the wire
	// stage; its on-sent still fires, with the configured outcome. Local
	// metadata, never encoded into the frame.
	Cancelled bool

	Hello  *Hello
	Ack    *Ack
	Stored *Stored
	Record *Record
	Ping   *Ping
	Pong   *Pong
}

// Type reports the MessageType of whichever variant is populated, or
// TypeInvalid if none is.
func (m *Message) Type() MessageType {
	switch {
	case m.Hello != nil:
		return TypeHello
	case m.Ack != nil:
		return TypeAck
	case m.Stored != nil:
		return TypeStored
	case m.Record != nil:
		return TypeRecord
	case m.Ping != nil:
		return TypePing
	case m.Pong != nil:
		return TypePong
	default:
		return TypeInvalid
	}
}

// MinProtocol is the lowest negotiated protocol version under which this
// variant may be transmitted. The serialization queue charges a pending
// send at MinProtocolSupported regardless of this value; this value gates
// transmission once the connection is Handshaken.
func (m *Message) MinProtocol() uint16 {
	switch {
	case m.Record != nil:
		return m.Record.MinProtocol
	default:
		return MinProtocolSupported
	}
}

// Hello is the initiator's handshake frame: proto_min/proto_max it
// supports plus the optional cluster-name / destination / build-info tail
// fields gated by config.Settings.Include{ClusterName,Destination}OnHandshake.
type Hello struct {
	ProtoMin uint16
	ProtoMax uint16
	Flags    uint8

	HasDestination   bool
	DestinationIndex uint32
	DestinationGen   uint32

	ClusterName string
	BuildInfo   string
}

// Ack is the handshake reply: negotiated protocol or a rejection Status.
type Ack struct {
	Options   uint8
	Rqid      uint64
	ClientIdx uint32
	Proto     uint16
	Status    AckStatus
}

// Stored acknowledges persistence of a previously sent Record.
type Stored struct {
	Rqid   uint64
	Status uint16
}

// Record carries application log-record payload bytes; it is the
// checksum-covered, min-protocol-gated hot-path message type.
type Record struct {
	Rqid        uint64
	MinProtocol uint16
	Payload     []byte
}

// Ping/Pong are liveness probes, exempt from checksum coverage.
type Ping struct {
	Nonce uint64
}

type Pong struct {
	Nonce uint64
}
