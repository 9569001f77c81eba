// Package packet implements the cerver wire codec: the fixed packet
// header, framing, the error payload, and the stream reassembler that
// turns recv() chunks back into whole packets.
//
// The package does no I/O. The readiness loops feed it bytes and send
// whatever it frames.
package packet
