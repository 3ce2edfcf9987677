package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType is the 1-byte message-type code prefixing every binary frame.
type FrameType byte

const (
	FrameRequest      FrameType = 1
	FrameResponse     FrameType = 2
	FrameNotification FrameType = 3
	FrameHeartbeat    FrameType = 4
	FrameHandshake    FrameType = 5
)

// maxFrameLength bounds a single frame's payload to guard against a garbled
// length header turning into an unbounded allocation.
const maxFrameLength = 64 << 20 // 64 MiB

func frameTypeFor(t Type) FrameType {
	switch t {
	case TypeResponse:
		return FrameResponse
	case TypeNotification:
		return FrameNotification
	case TypeHeartbeat:
		return FrameHeartbeat
	case TypeSecurityHandshake:
		return FrameHandshake
	default:
		return FrameRequest
	}
}

// EncodeFrame wraps payload (a JSON-encoded message) in the length-prefixed
// binary frame format: [type:1][length:4 BE][payload].
func EncodeFrame(t FrameType, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// EncodeMessageFrame is a convenience that encodes m to JSON and frames it,
// picking the frame type from m.MessageType.
func EncodeMessageFrame(m *Message) ([]byte, error) {
	payload, err := m.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return EncodeFrame(frameTypeFor(m.MessageType), payload), nil
}

// MalformedFrameError reports an impossible length header.
type MalformedFrameError struct {
	Length uint32
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: impossible length %d", e.Length)
}

// ReadFrame reads one frame from r, tolerating the partial reads a stream
// socket delivers: it loops on io.ReadFull until the header and payload are
// fully consumed.
func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	t := FrameType(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if length > maxFrameLength {
		return 0, nil, &MalformedFrameError{Length: length}
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return t, payload, nil
}

// ReadMessageFrame reads and decodes one message from r.
func ReadMessageFrame(r io.Reader) (*Message, error) {
	_, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	m, err := FromJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("%w", &ProtocolError{Cause: err})
	}
	return m, nil
}

// ProtocolError reports a frame whose payload is not a well-formed message.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %v", e.Cause) }
func (e *ProtocolError) Unwrap() error { return e.Cause }
