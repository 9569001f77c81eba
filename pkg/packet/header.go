package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolID is the magic value leading every packet. Both ends of a
// connection must have been built with the same value.
const ProtocolID uint32 = 0x43455256 // "CERV"

// ProtocolVersion identifies the wire protocol revision. Check() requires
// exact equality of both halves, so peers must run identical builds.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// CurrentVersion is the protocol version this build speaks.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 6}

// HeaderSize is the fixed size of the wire header in bytes.
//
// Layout (all fields native byte order, packed):
//
//	magic:u32 version:{u16 major, u16 minor}
//	packet_type:u32 request_type:u32
//	packet_size:u32 sock_fd:i32
//
// Byte order is host-native throughout; a cerver and its peers must run on
// machines of the same endianness. Portability between heterogeneous peers
// is explicitly not guaranteed.
const HeaderSize = 24

// Header is the fixed preamble of every packet.
type Header struct {
	Magic   uint32
	Version ProtocolVersion
	Type    Type

	// Request is the type-specific subtype (e.g. CerverPing, AuthCredentials,
	// or an application-defined request id for TypeApp packets).
	Request uint32

	// Size is the total packet size in bytes, header included.
	Size uint32

	// SockFD records the sender's socket fd. Informational only; receivers
	// must not act on it.
	SockFD int32
}

// Codec errors.
var (
	ErrShortHeader = errors.New("packet: not enough bytes for a header")
	ErrBadMagic    = errors.New("packet: bad protocol magic")
	ErrBadVersion  = errors.New("packet: protocol version mismatch")
	ErrBadSize     = errors.New("packet: declared size out of range")
)

// ParseHeader decodes a Header from the first HeaderSize bytes of b.
// It validates the magic and version; size validation is left to the
// reassembler, which knows the configured cap.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}

	h := Header{
		Magic: binary.NativeEndian.Uint32(b[0:4]),
		Version: ProtocolVersion{
			Major: binary.NativeEndian.Uint16(b[4:6]),
			Minor: binary.NativeEndian.Uint16(b[6:8]),
		},
		Type:    Type(binary.NativeEndian.Uint32(b[8:12])),
		Request: binary.NativeEndian.Uint32(b[12:16]),
		Size:    binary.NativeEndian.Uint32(b[16:20]),
		SockFD:  int32(binary.NativeEndian.Uint32(b[20:24])),
	}

	if h.Magic != ProtocolID {
		return Header{}, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != CurrentVersion {
		return Header{}, fmt.Errorf("%w: got %d.%d, want %d.%d",
			ErrBadVersion, h.Version.Major, h.Version.Minor,
			CurrentVersion.Major, CurrentVersion.Minor)
	}

	return h, nil
}

// Check reports whether the header's magic and version match this build.
func (h Header) Check() bool {
	return h.Magic == ProtocolID && h.Version == CurrentVersion
}

// PayloadSize returns the declared payload length.
func (h Header) PayloadSize() uint32 {
	if h.Size < HeaderSize {
		return 0
	}
	return h.Size - HeaderSize
}

// AppendTo encodes the header onto dst and returns the extended slice.
func (h Header) AppendTo(dst []byte) []byte {
	dst = binary.NativeEndian.AppendUint32(dst, h.Magic)
	dst = binary.NativeEndian.AppendUint16(dst, h.Version.Major)
	dst = binary.NativeEndian.AppendUint16(dst, h.Version.Minor)
	dst = binary.NativeEndian.AppendUint32(dst, uint32(h.Type))
	dst = binary.NativeEndian.AppendUint32(dst, h.Request)
	dst = binary.NativeEndian.AppendUint32(dst, h.Size)
	dst = binary.NativeEndian.AppendUint32(dst, uint32(h.SockFD))
	return dst
}

// NewHeader builds a header for a packet of the given type, request
// subtype and payload length.
func NewHeader(t Type, request uint32, payloadLen int) Header {
	return Header{
		Magic:   ProtocolID,
		Version: CurrentVersion,
		Type:    t,
		Request: request,
		Size:    uint32(HeaderSize + payloadLen),
	}
}

// Frame serializes a complete packet: header followed by payload.
func Frame(t Type, request uint32, payload []byte) []byte {
	h := NewHeader(t, request, len(payload))
	out := make([]byte, 0, h.Size)
	out = h.AppendTo(out)
	out = append(out, payload...)
	return out
}
