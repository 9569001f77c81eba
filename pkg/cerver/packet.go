package cerver

import (
	"github.com/ermiry/cerver/pkg/bufpool"
	"github.com/ermiry/cerver/pkg/packet"
)

// Packet is one received message travelling through the handler pipeline:
// the decoded header, the payload, and borrowed back-references for the
// handler's use. The readiness loop owns the walk Cerver -> Client ->
// Connection and guarantees the parents outlive the packet handle.
type Packet struct {
	Header packet.Header

	// Data is the payload. It is backed by a pooled buffer which the
	// pipeline returns after the handler runs, unless Retain was called.
	Data []byte

	// Back-references for handler use. Never owned by the packet.
	Cerver     *Cerver
	Client     *Client
	Connection *Connection

	retained bool
}

// Retain keeps the payload alive after the handler returns. Handlers that
// stash the packet (or its Data) beyond their own call must invoke it;
// otherwise the buffer goes back to the pool and will be reused.
func (p *Packet) Retain() {
	p.retained = true
}

// release returns the payload buffer to the pool. Called by the pipeline
// after the handler, and by every path that discards a packet.
func (p *Packet) release() {
	if p.retained || p.Data == nil {
		return
	}
	bufpool.Put(p.Data)
	p.Data = nil
}

// Reply frames a packet of the given type and request and sends it on
// this packet's connection.
func (p *Packet) Reply(t packet.Type, request uint32, payload []byte) error {
	out := packet.Frame(t, request, payload)
	err := p.Connection.Send(out)
	if err == nil && p.Cerver != nil {
		p.Cerver.stats.PacketsSent.Add(1)
		p.Cerver.stats.BytesSent.Add(uint64(len(out)))
	}
	return err
}
