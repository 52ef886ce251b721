package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/RakhithJK/LogDevice/errs"
)

const (
	// typicalBufferLen seeds the encode buffer, mirroring the transport
	// layer's pre-sized bytes.Buffer for the common small-frame case.
	typicalBufferLen int = 256

	// MaxPayloadLen is the policy limit enforced on Decode; frames
	// advertising a larger len fail TooBig (ErrFrameTooLarge) before any
	// payload bytes are read.
	MaxPayloadLen uint32 = 1 << 20 // 1 MiB

	lenFieldLen   = 4
	typeFieldLen  = 2
	cksumFieldLen = 8
)

func payloadOf(msg *Message) any {
	switch {
	case msg.Hello != nil:
		return msg.Hello
	case msg.Ack != nil:
		return msg.Ack
	case msg.Stored != nil:
		return msg.Stored
	case msg.Record != nil:
		return msg.Record
	case msg.Ping != nil:
		return msg.Ping
	case msg.Pong != nil:
		return msg.Pong
	default:
		return nil
	}
}

// Encode serializes msg into a complete on-wire frame at protocol version
// proto: [len:u32][type:u16][cksum:u64]?[msgpack payload]. len covers the
// exact byte count of the envelope including every header field present.
func Encode(msg *Message, proto uint16) ([]byte, error) {
	t := msg.Type()
	if t == TypeInvalid {
		return nil, fmt.Errorf("encode: %w: empty Message variant", errs.ErrUnknownMessageType)
	}

	payload := payloadOf(msg)

	body := new(bytes.Buffer)
	body.Grow(typicalBufferLen)
	err := msgpack.NewEncoder(body).Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode: %w: %w", errs.ErrEncodeFailed, err)
	}
	payloadBytes := body.Bytes()

	hasCksum := NeedsChecksum(t, proto)
	headerLen := lenFieldLen + typeFieldLen
	if hasCksum {
		headerLen += cksumFieldLen
	}
	frameLen := headerLen + len(payloadBytes)

	frame := make([]byte, frameLen)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(frameLen))
	binary.LittleEndian.PutUint16(frame[4:6], uint16(t))

	offset := 6
	if hasCksum {
		cksum := xxhash.Sum64(payloadBytes)
		binary.LittleEndian.PutUint64(frame[offset:offset+8], cksum)
		offset += 8
	}
	copy(frame[offset:], payloadBytes)

	return frame, nil
}

// Header is the fixed-field result of Decode: the length and type fields
// plus the checksum when present, exposed so callers can log/validate
// before committing to type-specific msgpack decode.
type Header struct {
	Len      uint32
	Type     MessageType
	Cksum    uint64
	HasCksum bool
}

// Decode reads one complete frame from r at protocol version proto. It
// reads the 4-byte length first and fully buffers exactly that many
// further bytes before any type-specific parsing, so an unknown-to-this-
// protocol type can still be skipped by a caller that only needs Header.
// The returned io.Reader is positioned at the start of the msgpack payload
// tail; callers decode into the concrete struct for Header.Type themselves,
// or call DecodeMessage for the common case.
func Decode(r io.Reader, proto uint16) (Header, io.Reader, error) {
	lenBuf := make([]byte, lenFieldLen)
	_, err := io.ReadFull(r, lenBuf)
	if err != nil {
		return Header{}, nil, fmt.Errorf("decode: read len: %w", err)
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf)

	if frameLen < lenFieldLen+typeFieldLen {
		return Header{}, nil, fmt.Errorf("decode: frameLen=%d: %w", frameLen, errs.ErrFrameTooShort)
	}
	if frameLen > MaxPayloadLen {
		return Header{}, nil, fmt.Errorf("decode: frameLen=%d: %w", frameLen, errs.ErrFrameTooLarge)
	}

	rest := make([]byte, frameLen-lenFieldLen)
	_, err = io.ReadFull(r, rest)
	if err != nil {
		return Header{}, nil, fmt.Errorf("decode: read body: %w", err)
	}

	t := MessageType(binary.LittleEndian.Uint16(rest[0:2]))
	hasCksum := NeedsChecksum(t, proto)

	offset := typeFieldLen
	var cksum uint64
	if hasCksum {
		if len(rest) < offset+cksumFieldLen {
			return Header{}, nil, fmt.Errorf("decode: frameLen=%d too short for cksum field: %w", frameLen, errs.ErrFrameTooShort)
		}
		cksum = binary.LittleEndian.Uint64(rest[offset : offset+cksumFieldLen])
		offset += cksumFieldLen
	}

	payloadBytes := rest[offset:]
	if hasCksum {
		actual := xxhash.Sum64(payloadBytes)
		if actual != cksum {
			return Header{}, nil, fmt.Errorf("decode: type=%s: %w", t, errs.ErrChecksumMismatch)
		}
	}

	return Header{
		Len:      frameLen,
		Type:     t,
		Cksum:    cksum,
		HasCksum: hasCksum,
	}, bytes.NewReader(payloadBytes), nil
}

// DecodeMessage decodes a full frame into a Message, dispatching on
// Header.Type to the concrete payload struct.
func DecodeMessage(r io.Reader, proto uint16) (*Message, error) {
	header, payloadReader, err := Decode(r, proto)
	if err != nil {
		return nil, err
	}

	msg := &Message{}
	dec := msgpack.NewDecoder(payloadReader)

	switch header.Type {
	case TypeHello:
		msg.Hello = &Hello{}
		err = dec.Decode(msg.Hello)
	case TypeAck:
		msg.Ack = &Ack{}
		err = dec.Decode(msg.Ack)
	case TypeStored:
		msg.Stored = &Stored{}
		err = dec.Decode(msg.Stored)
	case TypeRecord:
		msg.Record = &Record{}
		err = dec.Decode(msg.Record)
	case TypePing:
		msg.Ping = &Ping{}
		err = dec.Decode(msg.Ping)
	case TypePong:
		msg.Pong = &Pong{}
		err = dec.Decode(msg.Pong)
	default:
		return nil, fmt.Errorf("decode: type=%d: %w", header.Type, errs.ErrUnknownMessageType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode: type=%s: %w: %w", header.Type, errs.ErrDecodeFailed, err)
	}

	return msg, nil
}

// ReservationSize returns the byte size a message would occupy if encoded
// right now at proto, used both for pre-handshake charging at
// MinProtocolSupported and for post-handshake charging at the negotiated
// version.
func ReservationSize(msg *Message, proto uint16) (int, error) {
	frame, err := Encode(msg, proto)
	if err != nil {
		return 0, err
	}
	return len(frame), nil
}
