package cerver

import (
	"time"

	"github.com/google/uuid"
)

// Client is a logical peer: the set of connections that belong to it,
// plus optional session identity and user data. Clients live in their
// cerver's registry exactly as long as they have at least one live
// connection; the drop path removes and deletes them together with their
// last connection.
//
// The connection list is guarded by the owning plane's registry lock, not
// by the Client itself.
type Client struct {
	// ID is unique within the owning cerver for its whole lifetime.
	ID uint64

	// SessionID ties connections of the same logical session together.
	// Empty until assigned.
	SessionID string

	connections []*Connection

	// Data is embedder state attached to the client. DataDeleter, when
	// set, runs when the client is deleted.
	Data        any
	DataDeleter func(any)

	connectedAt time.Time
	stats       PacketStats
}

func newClient(id uint64) *Client {
	return &Client{
		ID:          id,
		connectedAt: time.Now(),
	}
}

// GenerateSessionID produces a fresh session identifier.
func GenerateSessionID() string {
	return uuid.NewString()
}

// ConnectedAt returns the client's creation time.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// Stats returns the client's packet counters.
func (c *Client) Stats() *PacketStats {
	return &c.stats
}

// Connections returns the client's live connections. The slice is shared;
// callers must hold the owning registry lock or treat it as a snapshot.
func (c *Client) Connections() []*Connection {
	return c.connections
}

// addConnection appends under the owning registry lock.
func (c *Client) addConnection(conn *Connection) {
	conn.client = c
	c.connections = append(c.connections, conn)
}

// removeConnection unlinks under the owning registry lock. Order of the
// remaining connections is preserved.
func (c *Client) removeConnection(conn *Connection) {
	for i, cc := range c.connections {
		if cc == conn {
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			return
		}
	}
}

// deleteData runs the user deleter, if any. Called exactly once when the
// client leaves the registry.
func (c *Client) deleteData() {
	if c.Data != nil && c.DataDeleter != nil {
		c.DataDeleter(c.Data)
	}
	c.Data = nil
}
