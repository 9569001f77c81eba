package packet

import (
	"fmt"

	"github.com/ermiry/cerver/pkg/bufpool"
)

// DefaultMaxPacketSize caps the declared total size a peer may announce.
// Anything larger fails the connection before any buffer is grown.
const DefaultMaxPacketSize = 8 << 20

// Reassembler turns an arbitrary sequence of byte chunks back into whole
// packets. The readiness loop appends whatever recv() produced; as long as
// the internal buffer holds a complete header and the declared total size
// has fully arrived, one packet is sliced off and emitted.
//
// A Reassembler belongs to exactly one connection and is driven only by
// that connection's reader, so it needs no locking.
type Reassembler struct {
	buf []byte
	max uint32
}

// NewReassembler creates a reassembler enforcing the given total-size cap.
// A cap of 0 selects DefaultMaxPacketSize.
func NewReassembler(maxPacketSize uint32) *Reassembler {
	if maxPacketSize == 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &Reassembler{max: maxPacketSize}
}

// Push appends freshly received bytes to the sliding buffer.
func (r *Reassembler) Push(b []byte) {
	r.buf = append(r.buf, b...)
}

// Pending returns the number of buffered bytes not yet emitted.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Next slices one complete packet off the front of the buffer.
//
// Returns (header, payload, nil) when a full packet was available. The
// payload is a fresh copy; the caller owns it. Returns (Header{}, nil, nil)
// when more bytes are needed. Returns a non-nil error when the buffered
// bytes cannot possibly form a valid packet - a bad magic, a version
// mismatch, or a declared size below HeaderSize or above the cap. The
// stream has then lost framing and nothing buffered after this point can
// be trusted; the buffer is left as it is until Reset.
func (r *Reassembler) Next() (Header, []byte, error) {
	if len(r.buf) < HeaderSize {
		return Header{}, nil, nil
	}

	h, err := ParseHeader(r.buf)
	if err != nil {
		return Header{}, nil, err
	}

	if h.Size < HeaderSize || h.Size > r.max {
		return Header{}, nil, fmt.Errorf("%w: declared %d (header %d, cap %d)",
			ErrBadSize, h.Size, HeaderSize, r.max)
	}

	if uint32(len(r.buf)) < h.Size {
		// Whole packet not here yet
		return Header{}, nil, nil
	}

	// Payload buffers are pooled; the handler pipeline returns them.
	payload := bufpool.GetUint32(h.PayloadSize())
	copy(payload, r.buf[HeaderSize:h.Size])

	// Slide the remainder to the front. Copying keeps the buffer from
	// pinning every chunk the connection ever received.
	rest := len(r.buf) - int(h.Size)
	copy(r.buf, r.buf[h.Size:])
	r.buf = r.buf[:rest]

	return h, payload, nil
}

// Reset discards all buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}
