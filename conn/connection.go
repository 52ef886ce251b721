// Package conn implements the per-peer Connection: handshake state
// machine, serialization queue, output buffer, and budget-gated sends.
//
// Every exported method that touches Connection-internal state must be
// invoked on the owning Worker goroutine; there are no mutexes here by
// design (see arbiter's "// invoked on arbiter goroutine" convention) —
// the comment above each such method marks the invariant instead of a lock
// enforcing it.
package conn

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/RakhithJK/LogDevice/config"
	"github.com/RakhithJK/LogDevice/errs"
	"github.com/RakhithJK/LogDevice/logging"
	"github.com/RakhithJK/LogDevice/messages"
	"github.com/RakhithJK/LogDevice/worker"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

var connIDGen atomic.Uint32

func nextConnID() uint32 {
	return connIDGen.Add(1)
}

// PeerClass partitions the Sender's output budget.
type PeerClass uint8

const (
	ClassServer PeerClass = 1
	ClassClient PeerClass = 2
)

func (c PeerClass) String() string {
	switch c {
	case ClassServer:
		return "Server"
	case ClassClient:
		return "Client"
	default:
		return "Unknown PeerClass"
	}
}

// Budget is the admission hook a Sender supplies so Connection never
// imports sender (which already imports conn), avoiding a cycle. Sender
// owns the per-socket/per-class/combined bookkeeping; Connection only asks
// and, on success, is the one to release on its own close/drain.
type Budget interface {
	TryReserve(class PeerClass, connID uint32, bytes int) bool
	Release(class PeerClass, connID uint32, bytes int)
}

// Registry lets Connection remove itself from the Sender's index. Per the
// Open Question #2 decision, RemoveConnection is invoked before any
// on-sent/on-close callback, so a callback that reentrantly calls Send
// always misses the closing Connection and creates a fresh one.
type Registry interface {
	RemoveConnection(connID uint32)
}

// SendOutcome is the synchronous result of Send.
type SendOutcome uint8

const (
	SendQueued SendOutcome = iota
	SendNotInConfig
	SendUnreachable
	SendNoBufs
	SendProtoNoSupport
	SendShutdown
)

func (o SendOutcome) String() string {
	switch o {
	case SendQueued:
		return "Queued"
	case SendNotInConfig:
		return "NotInConfig"
	case SendUnreachable:
		return "Unreachable"
	case SendNoBufs:
		return "NoBufs"
	case SendProtoNoSupport:
		return "ProtoNoSupport"
	case SendShutdown:
		return "Shutdown"
	default:
		return "Unknown SendOutcome"
	}
}

// Connection is exclusively owned by one worker.Worker; see package doc.
type Connection struct {
	connID     uint32
	peer       messages.PeerAddress
	class      PeerClass
	outbound   bool // true if this side dialed (and so sends HELLO first)
	descriptor string

	w        *worker.Worker
	budget   Budget
	registry Registry
	settings *config.Settings

	netConn net.Conn

	state       State
	closeReason messages.CloseReason

	// negotiatedProto is written only on the Worker goroutine (OnAck /
	// OnHelloReceived) but also read by the ReadLoop goroutine to pick the
	// decode protocol, hence atomic rather than a bare field. 0 until
	// Handshaken.
	negotiatedProto atomic.Uint32

	serializationQueue []*pendingSend
	outputBuffer       []*outputFrame
	bufferedBytes      int
	bytesPending       int // sum of reservedBytes across serializationQueue + size across outputBuffer not yet released

	writing bool // a write loop is already draining outputBuffer

	onCloseCallbacks []OnCloseFunc // registered by every admitted Send, regardless of which queue/buffer currently holds the frame
}

// NewConnection constructs a Connection in state Fresh, registered under
// connID = a process-wide monotonic counter (mirroring
// protocol.Server.getNextConnID's atomic.Uint32).
func NewConnection(
	w *worker.Worker,
	budget Budget,
	registry Registry,
	settings *config.Settings,
	peer messages.PeerAddress,
	class PeerClass,
	outbound bool,
) *Connection {
	connID := nextConnID()
	c := &Connection{
		connID:   connID,
		peer:     peer,
		class:    class,
		outbound: outbound,

		w:        w,
		budget:   budget,
		registry: registry,
		settings: settings,

		state: StateFresh,
	}
	c.descriptor = fmt.Sprintf("[%d]%s<%s>", connID, settings.LogPrefix, peer)
	return c
}

func (c *Connection) ConnID() uint32 {
	return c.connID
}

func (c *Connection) Peer() messages.PeerAddress {
	return c.peer
}

// invoked on Worker goroutine. BindClient assigns the server-side ClientID
// to an accepted inbound Connection, which until then carries the
// placeholder ClientID 0.
func (c *Connection) BindClient(id messages.ClientID) {
	c.peer = messages.ClientPeer(id)
	c.descriptor = fmt.Sprintf("[%d]%s<%s>", c.connID, c.settings.LogPrefix, c.peer)
}

// invoked on Worker goroutine
func (c *Connection) IsHandshaken() bool {
	return c.state == StateHandshaken
}

// invoked on Worker goroutine
func (c *Connection) BufferedBytes() int {
	return c.bufferedBytes
}

// invoked on Worker goroutine
func (c *Connection) BytesPending() int {
	return c.bytesPending
}

// invoked on Worker goroutine. Connect adopts an already-established
// net.Conn (dialed by Dialer for outbound, accepted by Listener for
// inbound), arms the handshake timer, and on the outbound side sends HELLO.
func (c *Connection) Connect(netConn net.Conn) error {
	if c.state != StateFresh {
		return fmt.Errorf("%s: connID=%d: %w", c.descriptor, c.connID, errs.ErrAlreadyHandshaken)
	}

	c.netConn = netConn
	c.state = StateConnecting

	c.armHandshakeTimeout()

	if c.outbound {
		return c.sendHello()
	}

	c.state = StateHandshakeSent
	return nil
}

// invoked on Worker goroutine
func (c *Connection) armHandshakeTimeout() {
	timeout := c.settings.HandshakeTimeoutOrDefault()
	group := worker.HandshakeTimeoutGroup(c.connID)

	c.w.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[worker.Group]{
			AsyncVariant: scheduler.TimerAsync(
				false,
				[]worker.Group{group},
				timeout,
				func() {
					// invoked on Worker goroutine
					if c.state == StateHandshaken || c.state == StateClosing || c.state == StateClosed {
						return
					}
					logging.WithDescriptor(c.settings.LogPrefix, c.descriptor).Warn("handshake timed out")
					c.Close(messages.CloseTimedOut)
				},
				nil,
			),
		},
	)
}

// invoked on Worker goroutine
func (c *Connection) releaseHandshakeTimeout() {
	c.w.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[worker.Group]{
			Group: worker.HandshakeTimeoutGroup(c.connID),
		},
	)
}

// invoked on Worker goroutine
func (c *Connection) sendHello() error {
	hello := &messages.Hello{
		ProtoMin: c.settings.MinProtocolVersion,
		ProtoMax: c.settings.MaxProtocolVersion,
	}
	if c.settings.IncludeClusterNameOnHandshake {
		hello.ClusterName = c.settings.ClusterName
	}
	if c.settings.IncludeDestinationOnHandshake {
		if node, isServer := c.peer.Node(); isServer {
			hello.HasDestination = true
			hello.DestinationIndex = node.Index
			hello.DestinationGen = node.Generation
		}
	}

	frame, err := messages.Encode(&messages.Message{Hello: hello}, messages.MinProtocolSupported)
	if err != nil {
		return err
	}

	c.state = StateHandshakeSent
	return c.writeRaw(frame)
}

// invoked on Worker goroutine. OnAck processes the peer's handshake reply
// and drives Connecting/HandshakeSent -> Handshaken | Closing(err).
func (c *Connection) OnAck(ack *messages.Ack) {
	if c.state != StateHandshakeSent && c.state != StateConnecting {
		c.Close(messages.CloseBadMessage)
		return
	}

	c.releaseHandshakeTimeout()

	if ack.Status != messages.AckOk {
		reason := ackStatusToCloseReason(ack.Status)
		c.failQueueWith(reason)
		c.Close(reason)
		return
	}

	c.negotiatedProto.Store(uint32(ack.Proto))
	c.state = StateHandshaken
	c.drainSerializationQueue()
}

func ackStatusToCloseReason(s messages.AckStatus) messages.CloseReason {
	switch s {
	case messages.AckProtoNoSupport:
		return messages.CloseProtoNoSupport
	case messages.AckInvalidCluster:
		return messages.CloseInvalidCluster
	case messages.AckDestinationMismatch:
		return messages.CloseDestinationMismatch
	default:
		return messages.CloseInternal
	}
}

// invoked on Worker goroutine. OnHelloReceived is the acceptor's side:
// compute negotiation and reply with ACK.
func (c *Connection) OnHelloReceived(hello *messages.Hello, localMin, localMax uint16, rqid uint64, clientIdx uint32) {
	if c.state != StateHandshakeSent {
		c.Close(messages.CloseBadMessage)
		return
	}

	c.releaseHandshakeTimeout()

	status := messages.AckOk
	if hello.ClusterName != "" && c.settings.ClusterName != "" && hello.ClusterName != c.settings.ClusterName {
		status = messages.AckInvalidCluster
	}
	if status == messages.AckOk && hello.HasDestination {
		if hello.DestinationIndex != c.settings.SelfIndex ||
			(hello.DestinationGen != 0 && c.settings.SelfGeneration != 0 && hello.DestinationGen != c.settings.SelfGeneration) {
			status = messages.AckDestinationMismatch
		}
	}

	var negotiated uint16
	if status == messages.AckOk {
		var ok bool
		negotiated, ok = messages.Negotiate(localMin, localMax, hello.ProtoMin, hello.ProtoMax)
		if !ok {
			status = messages.AckProtoNoSupport
		}
	}

	ack := &messages.Ack{
		Rqid:      rqid,
		ClientIdx: clientIdx,
		Proto:     negotiated,
		Status:    status,
	}
	frame, err := messages.Encode(&messages.Message{Ack: ack}, messages.MinProtocolSupported)
	if err != nil {
		c.Close(messages.CloseInternal)
		return
	}
	if err := c.writeRaw(frame); err != nil {
		c.Close(messages.CloseConnFailed)
		return
	}

	if status != messages.AckOk {
		reason := ackStatusToCloseReason(status)
		c.failQueueWith(reason)
		c.Close(reason)
		return
	}

	c.negotiatedProto.Store(uint32(negotiated))
	c.state = StateHandshaken
	c.drainSerializationQueue()
}

// negotiated returns the handshake-agreed protocol version, 0 before
// Handshaken. Safe from any goroutine.
func (c *Connection) negotiated() uint16 {
	return uint16(c.negotiatedProto.Load())
}

// invoked on Worker goroutine. Validates every queued pendingSend against
// the negotiated protocol, encodes the survivors in FIFO order, and
// appends to the output buffer, returning the reserved/actual byte
// difference to the budget as it goes.
func (c *Connection) drainSerializationQueue() {
	queue := c.serializationQueue
	c.serializationQueue = nil

	negotiated := c.negotiated()
	for _, ps := range queue {
		if ps.msg.Cancelled {
			c.releaseReservation(ps.reservedBytes)
			c.fireOnSent(ps.onSent, c.cancelOutcome())
			continue
		}

		if ps.msg.MinProtocol() > negotiated {
			c.releaseReservation(ps.reservedBytes)
			c.fireOnSent(ps.onSent, messages.CloseProtoNoSupport)
			continue
		}

		actualBytes, err := messages.ReservationSize(ps.msg, negotiated)
		if err != nil {
			c.releaseReservation(ps.reservedBytes)
			c.fireOnSent(ps.onSent, messages.CloseInternal)
			continue
		}

		// budget already holds reservedBytes (an upper bound at
		// MinProtocolSupported); true up to the exact encoded size.
		if actualBytes < ps.reservedBytes {
			c.releaseReservation(ps.reservedBytes - actualBytes)
		} else if actualBytes > ps.reservedBytes {
			delta := actualBytes - ps.reservedBytes
			if !c.budget.TryReserve(c.class, c.connID, delta) {
				c.releaseReservation(ps.reservedBytes)
				c.fireOnSent(ps.onSent, messages.CloseNoBufs)
				continue
			}
			c.bytesPending += delta
		}

		frame, err := messages.Encode(ps.msg, negotiated)
		if err != nil {
			c.releaseReservation(actualBytes)
			c.fireOnSent(ps.onSent, messages.CloseInternal)
			continue
		}

		c.outputBuffer = append(c.outputBuffer, &outputFrame{
			msg:    ps.msg,
			bytes:  frame,
			onSent: ps.onSent,
			size:   len(frame),
		})
		c.bufferedBytes += len(frame)
	}

	c.flush()
}

// invoked on Worker goroutine. Send admits synchronously; on success,
// ownership of msg transfers to the Connection.
func (c *Connection) Send(msg *messages.Message, onSent OnSentFunc, onClose OnCloseFunc) SendOutcome {
	switch c.state {
	case StateClosing, StateClosed:
		return SendShutdown
	}

	// an inbound socket that has not completed its handshake cannot be
	// sent to: the peer has to say HELLO first, and nothing this side
	// does can make that happen.
	if !c.outbound && c.state != StateHandshaken {
		return SendUnreachable
	}

	if c.state == StateHandshaken && msg.MinProtocol() > c.negotiated() {
		return SendProtoNoSupport
	}

	if chance := c.settings.MessageErrorInjectionChancePercent; chance > 0 && rand.Intn(100) < int(chance) {
		msg.Cancelled = true
	}

	proto := messages.MinProtocolSupported
	if c.state == StateHandshaken {
		proto = c.negotiated()
	}
	size, err := messages.ReservationSize(msg, proto)
	if err != nil {
		return SendProtoNoSupport
	}

	if !c.budget.TryReserve(c.class, c.connID, size) {
		return SendNoBufs
	}

	if c.state == StateHandshaken {
		frame, err := messages.Encode(msg, c.negotiated())
		if err != nil {
			c.releaseReservation(size)
			return SendProtoNoSupport
		}
		c.outputBuffer = append(c.outputBuffer, &outputFrame{
			msg:    msg,
			bytes:  frame,
			onSent: onSent,
			size:   len(frame),
		})
		c.bufferedBytes += len(frame)
		c.bytesPending += len(frame)
		c.registerOnClose(onClose)
		c.flush()
		return SendQueued
	}

	c.serializationQueue = append(c.serializationQueue, &pendingSend{
		msg:           msg,
		onSent:        onSent,
		reservedBytes: size,
	})
	c.bytesPending += size
	c.registerOnClose(onClose)
	return SendQueued
}

// invoked on Worker goroutine. registerOnClose tracks onClose against the
// Connection itself rather than against whichever queue/buffer entry the
// message currently occupies, so the callback survives the message's move
// from serializationQueue to outputBuffer and survives the frame being
// flushed to the wire — it only fires once, from Close.
func (c *Connection) registerOnClose(onClose OnCloseFunc) {
	if onClose == nil {
		return
	}
	c.onCloseCallbacks = append(c.onCloseCallbacks, onClose)
}

func (c *Connection) releaseReservation(bytes int) {
	if bytes <= 0 {
		return
	}
	c.budget.Release(c.class, c.connID, bytes)
	c.bytesPending -= bytes
}

// invoked on Worker goroutine. fireOnSent removes no state itself — callers
// must have already removed the record that produced onSent from
// serializationQueue/outputBuffer before calling this, so a reentrant
// Send/Close inside onSent observes current, not stale, Connection state.
func (c *Connection) fireOnSent(onSent OnSentFunc, reason messages.CloseReason) {
	if onSent == nil {
		return
	}
	onSent(reason)
}

// invoked on Worker goroutine. flush drains the output buffer to the wire
// in FIFO order, firing each frame's on-sent immediately after its bytes
// are written, so on-sent callbacks fire in send order.
func (c *Connection) flush() {
	if c.writing || c.netConn == nil {
		return
	}
	c.writing = true
	defer func() { c.writing = false }()

	for len(c.outputBuffer) > 0 {
		frame := c.outputBuffer[0]
		// remove before invoking onSent: a reentrant Send from within
		// onSent must see frame already gone from outputBuffer.
		c.outputBuffer = c.outputBuffer[1:]
		c.bufferedBytes -= frame.size

		if frame.msg != nil && frame.msg.Cancelled {
			c.bytesPending -= frame.size
			c.budget.Release(c.class, c.connID, frame.size)
			c.fireOnSent(frame.onSent, c.cancelOutcome())
			continue
		}

		err := c.writeRaw(frame.bytes)
		c.bytesPending -= frame.size
		c.budget.Release(c.class, c.connID, frame.size)

		if err != nil {
			c.fireOnSent(frame.onSent, messages.CloseConnFailed)
			c.Close(messages.CloseConnFailed)
			return
		}
		c.fireOnSent(frame.onSent, messages.CloseUnspecified)
	}
}

func (c *Connection) writeRaw(buf []byte) error {
	if c.netConn == nil {
		return fmt.Errorf("%s: %w", c.descriptor, errs.ErrConnectionClosing)
	}
	c.netConn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	_, err := c.netConn.Write(buf)
	return err
}

// cancelOutcome is the CloseReason a cancelled message's on-sent observes
// at the wire stage: MessageErrorInjectionStatus when it names one, else
// Cancelled.
func (c *Connection) cancelOutcome() messages.CloseReason {
	if reason, ok := messages.ParseCloseReason(c.settings.MessageErrorInjectionStatus); ok {
		return reason
	}
	return messages.CloseCancelled
}

// invoked on Worker goroutine. failQueueWith drains serializationQueue,
// firing every pending onSent with reason and releasing every reservation,
// without touching outputBuffer (Close does that separately).
func (c *Connection) failQueueWith(reason messages.CloseReason) {
	queue := c.serializationQueue
	c.serializationQueue = nil

	for _, ps := range queue {
		c.releaseReservation(ps.reservedBytes)
		c.fireOnSent(ps.onSent, reason)
	}
}

// invoked on Worker goroutine. Close unregisters from the Sender, drops
// the output buffer, fails every pending on-sent with reason, then fires
// every on-close exactly once. It is idempotent: a second call observes
// state already Closing/Closed and returns immediately.
func (c *Connection) Close(reason messages.CloseReason) {
	if c.state == StateClosing || c.state == StateClosed {
		return
	}

	// (1) transition to Closing
	c.state = StateClosing
	c.closeReason = reason

	c.releaseHandshakeTimeout()

	// (6) remove from Sender's index before any callback fires, so a
	// reentrant Send from inside onClose never finds this Connection.
	if c.registry != nil {
		c.registry.RemoveConnection(c.connID)
	}

	// (2) drop the output buffer, releasing its budget
	outputBuffer := c.outputBuffer
	c.outputBuffer = nil
	c.bufferedBytes = 0
	for _, frame := range outputBuffer {
		c.releaseReservation(frame.size)
	}

	// collect every pending callback before firing any of them, so that a
	// reentrant onClose-triggered Send (landing on a fresh Connection
	// since we've already unregistered) can't be mistaken for a record of
	// this Connection's own queue.
	pendingQueue := c.serializationQueue
	c.serializationQueue = nil

	// collected up front (before any callback fires) so a reentrant Send
	// from inside one of these callbacks — landing on a fresh Connection,
	// since we've already unregistered — can't append to this slice.
	onCloseCallbacks := c.onCloseCallbacks
	c.onCloseCallbacks = nil

	// (3) fire every pending on-sent with reason
	for _, frame := range outputBuffer {
		c.fireOnSent(frame.onSent, reason)
	}
	for _, ps := range pendingQueue {
		c.releaseReservation(ps.reservedBytes)
		c.fireOnSent(ps.onSent, reason)
	}

	if c.netConn != nil {
		c.netConn.Close()
	}

	c.state = StateClosed

	// (4) fire every on-close exactly once
	for _, cb := range onCloseCallbacks {
		cb(reason)
	}

	logging.WithDescriptor(c.settings.LogPrefix, c.descriptor).WithField("reason", reason.String()).Info("connection closed")
}

// ReadLoop reads frames off netConn until EOF/error, dispatching each via
// handleFrame. Mirrors protocol.Server.ReadLoop's read-then-dispatch shape,
// generalized from a fixed ParticipantInit/Exit/Vote/Ack switch to the
// messages.MessageType catalogue. A malformed frame (bad checksum, unknown
// type, truncated/oversized length) closes with CloseBadMessage, distinct
// from the CloseConnFailed used for a genuine I/O failure.
func (c *Connection) ReadLoop(handleFrame func(*Connection, *messages.Message)) {
	closeReason := messages.CloseConnFailed

	defer func() {
		c.w.Add(func() {
			if c.state != StateClosed {
				c.Close(closeReason)
			}
		})
	}()

	for {
		msg, err := messages.DecodeMessage(c.netConn, c.currentDecodeProto())
		if err != nil {
			if err != io.EOF {
				logging.WithDescriptor(c.settings.LogPrefix, c.descriptor).Debugf("read loop ending: %s", err.Error())
			}
			if isBadMessage(err) {
				closeReason = messages.CloseBadMessage
			}
			return
		}

		scopedMsg := msg
		err = c.w.Add(func() {
			handleFrame(c, scopedMsg)
		})
		if err != nil {
			return
		}
	}
}

// isBadMessage reports whether err stems from a malformed frame on the wire
// rather than a transport-level failure (EOF, reset, timeout).
func isBadMessage(err error) bool {
	return errors.Is(err, errs.ErrChecksumMismatch) ||
		errors.Is(err, errs.ErrUnknownMessageType) ||
		errors.Is(err, errs.ErrFrameTooShort) ||
		errors.Is(err, errs.ErrFrameTooLarge) ||
		errors.Is(err, errs.ErrDecodeFailed)
}

// currentDecodeProto is called from the ReadLoop goroutine; the negotiated
// protocol is read atomically, so a frame arriving right after handshake
// completion decodes at the agreed version, never a stale one.
func (c *Connection) currentDecodeProto() uint16 {
	if p := c.negotiated(); p != 0 {
		return p
	}
	return messages.MinProtocolSupported
}
