package cerver

import (
	"fmt"
	"time"

	"github.com/ermiry/cerver/internal/logger"
)

// PromoteToAdmin relabels an authenticated client-plane connection into
// the admin plane. This is the only way into the admin plane: the
// built-in auth handler calls it when a peer's admin credentials pass,
// and embedders may call it directly to promote a connection they have
// vetted by other means. The fd moves from the client readiness loop to
// the admin readiness loop inside one critical section spanning both
// registry locks; per the global order the admin lock is taken after
// the client lock.
//
// On success the connection answers to the admin plane's loop and
// handlers from the next poll iteration on.
func (c *Cerver) PromoteToAdmin(conn *Connection) (*Admin, error) {
	a := c.admin
	if a == nil {
		return nil, ErrAdminPlaneDisabled
	}
	if !conn.Authenticated() {
		return nil, ErrNotAuthenticated
	}

	c.clientsMu.Lock()
	a.adminsMu.Lock()
	unlock := func() {
		a.adminsMu.Unlock()
		c.clientsMu.Unlock()
	}

	fd := conn.FD()
	if fd < 0 {
		unlock()
		return nil, ErrSocketClosed
	}

	if len(a.admins) >= a.cfg.MaxAdmins {
		unlock()
		return nil, ErrAdminsFull
	}
	if conn.client != nil && len(conn.client.connections) > a.cfg.MaxAdminConnections {
		unlock()
		return nil, ErrAdminConnsFull
	}

	// Transfer the poll registration first: once the fd leaves the
	// client poller, a concurrent client-plane drop loses the race and
	// backs off.
	if !c.poller.Unregister(fd) {
		unlock()
		return nil, fmt.Errorf("cerver: connection fd %d no longer watched", fd)
	}
	if err := a.poller.Register(fd); err != nil {
		// Roll back so the connection keeps being served where it was.
		_ = c.poller.Register(fd)
		unlock()
		return nil, err
	}

	delete(c.connByFD, fd)

	client := conn.client
	var adminClient *Client
	client.removeConnection(conn)
	if len(client.connections) == 0 {
		// The whole client moves planes, user data included.
		delete(c.clients, client.ID)
		adminClient = client
	} else {
		adminClient = newClient(c.nextClientID.Add(1))
		adminClient.SessionID = client.SessionID
	}
	adminClient.addConnection(conn)

	admin := &Admin{
		ID:              newAdminID(),
		Client:          adminClient,
		authenticatedAt: time.Now(),
	}
	a.admins[admin.ID] = admin
	a.connByFD[fd] = conn
	conn.admin = admin

	unlock()

	a.stats.ConnectionsAccepted.Add(1)
	c.metrics.RecordConnectionAccepted(c.cfg.Name, "admin")

	logger.Info("Connection promoted to admin",
		"cerver", c.cfg.Name,
		"admin", admin.ID,
		"fd", fd,
		"address", conn.RemoteAddr())

	c.triggerEvent(EventAdminConnected, adminClient, conn)

	return admin, nil
}
