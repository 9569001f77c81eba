package cerver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ermiry/cerver/pkg/bufpool"
	"github.com/ermiry/cerver/pkg/packet"
)

// ConnState is a connection's position in its lifecycle.
type ConnState int32

const (
	// StateNew is the instant between accept and registration.
	StateNew ConnState = iota

	// StateOpen means registered in a readiness loop and receiving.
	StateOpen

	// StateAuthenticated means the auth exchange completed.
	StateAuthenticated

	// StateDropping means a drop is in flight.
	StateDropping

	// StateClosed is terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateDropping:
		return "dropping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one TCP connection: a socket, the receive machinery, and
// a weak back-reference to the Client it belongs to. A Connection is owned
// by exactly one Client and watched by at most one readiness loop.
type Connection struct {
	sock   *Socket
	remote string

	// reasm rebuilds packets out of recv chunks. Only the owning
	// readiness loop touches it.
	reasm *packet.Reassembler

	// scratch is the pooled recv buffer, released exactly once on drop.
	scratch        []byte
	releaseScratch sync.Once

	// client is the owning Client. Borrowed: the registries own the
	// Client, and the drop path guarantees it outlives the Connection.
	client *Client

	// admin is set when this connection was promoted to the admin plane.
	admin *Admin

	state         atomic.Int32
	authenticated atomic.Bool
	badPackets    atomic.Int32
	lastActivity  atomic.Int64 // unix nanos

	stats PacketStats
}

func newConnection(fd int, remote string, recvBufSize int, maxPacketSize uint32) *Connection {
	c := &Connection{
		sock:    newSocket(fd),
		remote:  remote,
		reasm:   packet.NewReassembler(maxPacketSize),
		scratch: bufpool.Get(recvBufSize),
	}
	c.state.Store(int32(StateNew))
	c.touch()
	return c
}

// FD returns the underlying descriptor, -1 once closed.
func (c *Connection) FD() int32 {
	return c.sock.FD()
}

// RemoteAddr returns the peer address captured at accept time.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// Client returns the owning client.
func (c *Connection) Client() *Client {
	return c.client
}

// Admin returns the admin this connection serves, nil on the client plane.
func (c *Connection) Admin() *Admin {
	return c.admin
}

// State returns the connection's lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Authenticated reports whether the auth exchange completed.
func (c *Connection) Authenticated() bool {
	return c.authenticated.Load()
}

// BadPackets returns the malformed-packet count for this connection.
func (c *Connection) BadPackets() int {
	return int(c.badPackets.Load())
}

// LastActivity returns the time of the last receive or send.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Stats returns the connection's packet counters.
func (c *Connection) Stats() *PacketStats {
	return &c.stats
}

// Send writes a framed packet to the peer.
func (c *Connection) Send(b []byte) error {
	n, err := c.sock.Send(b)
	if err != nil {
		return err
	}
	c.touch()
	c.stats.PacketsSent.Add(1)
	c.stats.BytesSent.Add(uint64(n))
	if c.client != nil {
		c.client.stats.PacketsSent.Add(1)
		c.client.stats.BytesSent.Add(uint64(n))
	}
	return nil
}

// free releases pooled resources. Called once from the drop path.
func (c *Connection) free() {
	c.releaseScratch.Do(func() {
		bufpool.Put(c.scratch)
		c.scratch = nil
	})
	c.reasm.Reset()
}
