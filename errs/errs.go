// Package errs collects sentinel errors shared across the messaging core,
// grouped by the component that raises them.
package errs

import (
	"fmt"
)

// messages: frame codec
var ErrFrameTooShort = fmt.Errorf("frame shorter than header length")
var ErrFrameTooLarge = fmt.Errorf("frame length exceeds MaxPayloadLen")
var ErrUnknownMessageType = fmt.Errorf("unrecognized message type")
var ErrChecksumMismatch = fmt.Errorf("frame checksum mismatch")
var ErrDecodeFailed = fmt.Errorf("msgpack payload decode failed")
var ErrEncodeFailed = fmt.Errorf("msgpack payload encode failed")

// conn: handshake and connection lifecycle
var ErrAlreadyHandshaken = fmt.Errorf("connection already completed handshake")
var ErrConnectionClosing = fmt.Errorf("connection is closing or closed")

// throttle: connect throttle
var ErrThrottled = fmt.Errorf("connect attempt suppressed by throttle")

// sender: budget admission
var ErrPeerNotFound = fmt.Errorf("no connection registered for peer")

// worker: single-threaded executor
var ErrDispatchQueueFull = fmt.Errorf("failed to enqueue onto worker event channel")
var ErrWorkerShuttingDown = fmt.Errorf("worker is shutting down")

// configstore: versioned config store
var ErrReadModifyWriteExhausted = fmt.Errorf("ReadModifyWrite exhausted retry budget")
