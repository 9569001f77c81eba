package packet

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrorMessageLength is the fixed size of the message buffer carried by
// error packets. Longer messages are truncated, shorter ones null-padded.
const ErrorMessageLength = 32

// ErrorPayloadSize is the packed wire size of an ErrorPayload:
// error_type:u32 timestamp:i64 msg:[ErrorMessageLength]byte.
const ErrorPayloadSize = 4 + 8 + ErrorMessageLength

// ErrShortErrorPayload is returned when an error packet's payload is too
// small to decode.
var ErrShortErrorPayload = errors.New("packet: error payload too short")

// ErrorPayload is the body of a TypeError packet.
type ErrorPayload struct {
	// Kind is the error enum value (the cerver package's ErrorKind).
	Kind uint32

	// Timestamp is the sender's unix time at generation.
	Timestamp int64

	// Msg is the human-readable message, at most ErrorMessageLength bytes.
	Msg string
}

// NewErrorPayload stamps an error payload with the current time.
func NewErrorPayload(kind uint32, msg string) ErrorPayload {
	return ErrorPayload{
		Kind:      kind,
		Timestamp: time.Now().Unix(),
		Msg:       msg,
	}
}

// Marshal encodes the payload packed, msg null-padded to its fixed length.
func (e ErrorPayload) Marshal() []byte {
	out := make([]byte, ErrorPayloadSize)
	binary.NativeEndian.PutUint32(out[0:4], e.Kind)
	binary.NativeEndian.PutUint64(out[4:12], uint64(e.Timestamp))
	copy(out[12:12+ErrorMessageLength], e.Msg)
	return out
}

// ParseErrorPayload decodes an ErrorPayload from b.
func ParseErrorPayload(b []byte) (ErrorPayload, error) {
	if len(b) < ErrorPayloadSize {
		return ErrorPayload{}, ErrShortErrorPayload
	}

	msg := b[12 : 12+ErrorMessageLength]
	// Trim the null padding
	end := len(msg)
	for i, c := range msg {
		if c == 0 {
			end = i
			break
		}
	}

	return ErrorPayload{
		Kind:      binary.NativeEndian.Uint32(b[0:4]),
		Timestamp: int64(binary.NativeEndian.Uint64(b[4:12])),
		Msg:       string(msg[:end]),
	}, nil
}

// FrameError builds a complete TypeError packet carrying the payload.
func FrameError(kind uint32, msg string) []byte {
	return Frame(TypeError, RequestNone, NewErrorPayload(kind, msg).Marshal())
}
