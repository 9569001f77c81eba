package cerver

import (
	"github.com/ermiry/cerver/internal/logger"
)

// dropByFD resolves an fd to its connection and drops it. Unknown fds
// are already-dropped fds; that is success.
func (c *Cerver) dropByFD(fd int32, reason string) {
	c.clientsMu.Lock()
	conn := c.connByFD[fd]
	c.clientsMu.Unlock()

	if conn != nil {
		c.dropConnection(conn, reason)
	}
}

// dropConnection tears one connection down: unregister from the
// readiness loop, close the socket, unlink from the owning client, and
// delete the client together with its last connection. Safe to call
// concurrently and repeatedly for the same connection: the poll-registry
// unregister is the gate, and the loser of that race returns at once.
func (c *Cerver) dropConnection(conn *Connection, reason string) {
	fd := conn.FD()
	if fd < 0 || !c.poller.Unregister(fd) {
		// Someone else won the race; their drop does the cleanup.
		return
	}

	conn.setState(StateDropping)

	logger.Debug("Dropping connection",
		"cerver", c.cfg.Name,
		"fd", fd,
		"address", conn.RemoteAddr(),
		"reason", reason)

	_ = conn.sock.Close()

	// The client leaves the registry in the same critical section that
	// unlinks its last connection, so no observer ever sees a client
	// without live connections.
	c.clientsMu.Lock()
	delete(c.connByFD, fd)

	client := conn.client
	lastConn := false
	if client != nil {
		client.removeConnection(conn)
		if len(client.connections) == 0 {
			delete(c.clients, client.ID)
			client.deleteData()
			lastConn = true
		}
	}
	c.clientsMu.Unlock()

	conn.free()
	conn.setState(StateClosed)

	c.stats.ConnectionsClosed.Add(1)
	c.metrics.RecordConnectionClosed(c.cfg.Name, "client")
	c.metrics.SetActiveConnections(c.cfg.Name, "client", c.ClientCount())

	c.triggerEvent(EventClientCloseConnection, client, conn)
	if lastConn {
		c.triggerEvent(EventClientDisconnected, client, conn)
	}
}

// dropAllConnections drops everything in the registry. Teardown only.
func (c *Cerver) dropAllConnections() {
	c.clientsMu.Lock()
	conns := make([]*Connection, 0, len(c.connByFD))
	for _, conn := range c.connByFD {
		conns = append(conns, conn)
	}
	c.clientsMu.Unlock()

	for _, conn := range conns {
		c.dropConnection(conn, "cerver teardown")
	}
}
