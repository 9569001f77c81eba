package cerver

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sys/unix"

	"github.com/ermiry/cerver/internal/logger"
	"github.com/ermiry/cerver/pkg/packet"
)

// Admin plane errors.
var (
	ErrAdminsFull         = errors.New("cerver: max admins reached")
	ErrAdminConnsFull     = errors.New("cerver: max admin connections reached")
	ErrNotAuthenticated   = errors.New("cerver: connection not authenticated")
	ErrAdminPlaneDisabled = errors.New("cerver: admin plane not enabled")
)

// Admin is one authenticated privileged peer.
type Admin struct {
	// ID is unique: the promotion unix timestamp plus a random suffix.
	ID string

	// Client groups the admin's connections.
	Client *Client

	// Data is embedder state attached to the admin. DataDeleter, when
	// set, runs when the admin is removed.
	Data        any
	DataDeleter func(any)

	authenticatedAt time.Time
}

func newAdminID() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// AdminCerver is the admin plane: a sibling readiness loop and registry
// scoped to authenticated admins, with stricter limits than the client
// plane. It has no listener of its own; connections enter exclusively by
// promotion, which relabels an authenticated client-plane connection and
// transfers its fd into this plane's loop (see Cerver.PromoteToAdmin).
type AdminCerver struct {
	cerver *Cerver
	cfg    AdminConfig

	poller *Poller

	// adminsMu guards admins, connByFD and the admins' connection
	// lists. In the global order it comes after the cerver's clientsMu.
	adminsMu sync.Mutex
	admins   map[string]*Admin
	connByFD map[int32]*Connection

	// authenticate judges admin credentials presented on the client
	// plane. Opaque to the core; nil rejects everyone, which keeps an
	// unconfigured admin plane shut.
	authenticate AuthFunc

	handlers [packet.MaxType]*Handler

	update         *updateRegistration
	updateInterval *updateRegistration

	stats CerverStats
}

func newAdminCerver(c *Cerver, cfg AdminConfig) (*AdminCerver, error) {
	poller, err := newPoller(c.cfg.Name+"-admins", cfg.MaxNFds, cfg.PollTimeout)
	if err != nil {
		return nil, err
	}

	a := &AdminCerver{
		cerver:   c,
		cfg:      cfg,
		poller:   poller,
		admins:   make(map[string]*Admin),
		connByFD: make(map[int32]*Connection),
	}

	a.handlers[packet.TypeCerver.Slot()] = newBuiltinHandler("admin-cerver", c.handleCerverPacket)
	a.handlers[packet.TypeError.Slot()] = newBuiltinHandler("admin-error", c.handleErrorPacket)

	return a, nil
}

// SetAuthenticate installs the credential check that promotes a
// connection to an Admin. Must be called before the cerver starts.
func (a *AdminCerver) SetAuthenticate(fn AuthFunc) error {
	if a.cerver.isRunning.Load() {
		return ErrAlreadyRunning
	}
	a.authenticate = fn
	return nil
}

// SetAppHandler installs the handler for TypeApp packets on the admin
// plane: the privileged command surface. Must be called before Start.
func (a *AdminCerver) SetAppHandler(h *Handler) error {
	if a.cerver.isRunning.Load() {
		return ErrAlreadyRunning
	}
	a.handlers[packet.TypeApp.Slot()] = h
	return nil
}

// SetUpdate installs a frame-paced callback on the admin plane.
func (a *AdminCerver) SetUpdate(fn UpdateFunc, args any, ticksPerSecond int) error {
	if a.cerver.isRunning.Load() {
		return ErrAlreadyRunning
	}
	if fn == nil || ticksPerSecond <= 0 {
		return nil
	}
	a.update = &updateRegistration{fn: fn, args: args, ticks: ticksPerSecond}
	return nil
}

// SetUpdateInterval installs a fixed-interval callback on the admin plane.
func (a *AdminCerver) SetUpdateInterval(fn UpdateFunc, args any, interval time.Duration) error {
	if a.cerver.isRunning.Load() {
		return ErrAlreadyRunning
	}
	if fn == nil || interval <= 0 {
		return nil
	}
	a.updateInterval = &updateRegistration{fn: fn, args: args, interval: interval}
	return nil
}

// AdminCount returns the number of registered admins.
func (a *AdminCerver) AdminCount() int {
	a.adminsMu.Lock()
	defer a.adminsMu.Unlock()
	return len(a.admins)
}

// AdminByID looks up a registered admin.
func (a *AdminCerver) AdminByID(id string) *Admin {
	a.adminsMu.Lock()
	defer a.adminsMu.Unlock()
	return a.admins[id]
}

// CurrentNFds returns the admin plane's watched-fd count.
func (a *AdminCerver) CurrentNFds() int {
	return a.poller.CurrentNFds()
}

// Stats returns the admin plane's counters.
func (a *AdminCerver) Stats() *CerverStats {
	return &a.stats
}

// startHandlers spins up the admin plane's queued handlers.
func (a *AdminCerver) startHandlers() {
	for _, h := range a.handlers {
		if h != nil {
			h.start(a.cerver)
		}
	}
}

// pollLoop is the admin plane's readiness loop, the client loop's
// sibling over the admin registries. There is no listening fd here:
// every watched fd arrived via promotion.
func (a *AdminCerver) pollLoop() error {
	c := a.cerver
	logger.Debug("Admin readiness loop started", "cerver", c.cfg.Name)

	for c.isRunning.Load() {
		ready, err := a.poller.wait()
		if err != nil {
			logger.Error("Admin readiness loop failed",
				"cerver", c.cfg.Name, "error", err)
			c.isRunning.Store(false)
			go c.Teardown()
			return err
		}

		for _, pfd := range ready {
			if !c.isRunning.Load() {
				break
			}

			if pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				a.dropByFD(pfd.Fd, "unexpected revent")
				continue
			}

			if pfd.Revents&unix.POLLIN != 0 {
				a.handleReadable(pfd.Fd)
			}
		}
	}

	logger.Debug("Admin readiness loop ended", "cerver", c.cfg.Name)
	return nil
}

// handleReadable mirrors the client plane's read path over the admin
// registries.
func (a *AdminCerver) handleReadable(fd int32) {
	c := a.cerver

	a.adminsMu.Lock()
	conn := a.connByFD[fd]
	a.adminsMu.Unlock()
	if conn == nil {
		return
	}

	n, err := unix.Read(int(fd), conn.scratch)
	switch {
	case err != nil:
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		a.dropConnection(conn, "recv failed: "+err.Error())
		return
	case n == 0:
		a.dropConnection(conn, "peer closed")
		return
	}

	conn.touch()
	conn.stats.BytesReceived.Add(uint64(n))
	a.stats.BytesReceived.Add(uint64(n))
	c.metrics.RecordBytesReceived(c.cfg.Name, "admin", n)

	conn.reasm.Push(conn.scratch[:n])

	for c.isRunning.Load() {
		h, payload, err := conn.reasm.Next()
		if err != nil {
			a.handleBadPacket(conn, err)
			return
		}
		if payload == nil {
			return
		}

		pkt := &Packet{
			Header:     h,
			Data:       payload,
			Cerver:     c,
			Client:     conn.client,
			Connection: conn,
		}

		conn.stats.PacketsReceived.Add(1)
		a.stats.PacketsReceived.Add(1)
		c.metrics.RecordPacketReceived(c.cfg.Name, "admin", h.Type.String())

		a.dispatch(pkt)

		if conn.State() == StateClosed || conn.State() == StateDropping {
			return
		}
	}
}

// dispatch routes an admin-plane packet. Every connection here passed
// the promotion gate, so there is no authentication check left to make.
func (a *AdminCerver) dispatch(pkt *Packet) {
	c := a.cerver

	var h *Handler
	if slot := pkt.Header.Type.Slot(); slot >= 0 {
		h = a.handlers[slot]
	}
	if h == nil {
		logger.Debug("No admin handler for packet type",
			"cerver", c.cfg.Name,
			"type", pkt.Header.Type.String(),
			"address", pkt.Connection.RemoteAddr())
		pkt.release()
		return
	}

	if h.Direct() {
		h.invoke(pkt)
		return
	}

	if !h.enqueue(pkt) {
		logger.Warn("Admin handler queue full, dropping packet",
			"cerver", c.cfg.Name,
			"handler", h.Name(),
			"address", pkt.Connection.RemoteAddr())
		c.metrics.RecordJobDropped(c.cfg.Name, h.Name())
		pkt.release()
	}
}

// handleBadPacket applies the admin plane's stricter bad-packet policy.
func (a *AdminCerver) handleBadPacket(conn *Connection, cause error) {
	c := a.cerver

	bad := conn.badPackets.Add(1)
	conn.stats.BadPackets.Add(1)
	a.stats.BadPackets.Add(1)
	c.metrics.RecordBadPacket(c.cfg.Name, "admin")

	logger.Debug("Bad packet on admin connection",
		"cerver", c.cfg.Name,
		"address", conn.RemoteAddr(),
		"bad_packets", bad,
		"error", cause)

	c.SendError(conn, ErrorPacket, "malformed packet")
	c.triggerError(ErrorPacket, conn.client, conn, cause.Error())

	conn.reasm.Reset()

	if isFatalFraming(cause) || int(bad) >= a.cfg.BadPacketsLimit {
		a.dropConnection(conn, "bad packet limit reached")
	}
}

// dropByFD resolves an admin-plane fd and drops it.
func (a *AdminCerver) dropByFD(fd int32, reason string) {
	a.adminsMu.Lock()
	conn := a.connByFD[fd]
	a.adminsMu.Unlock()

	if conn != nil {
		a.dropConnection(conn, reason)
	}
}

// dropConnection is the admin plane's idempotent drop path.
func (a *AdminCerver) dropConnection(conn *Connection, reason string) {
	c := a.cerver

	fd := conn.FD()
	if fd < 0 || !a.poller.Unregister(fd) {
		return
	}

	conn.setState(StateDropping)

	logger.Debug("Dropping admin connection",
		"cerver", c.cfg.Name,
		"fd", fd,
		"address", conn.RemoteAddr(),
		"reason", reason)

	_ = conn.sock.Close()

	a.adminsMu.Lock()
	delete(a.connByFD, fd)

	client := conn.client
	admin := conn.admin
	if client != nil {
		client.removeConnection(conn)
	}
	adminGone := admin != nil && (client == nil || len(client.connections) == 0)
	if adminGone {
		delete(a.admins, admin.ID)
		if admin.Data != nil && admin.DataDeleter != nil {
			admin.DataDeleter(admin.Data)
			admin.Data = nil
		}
		if client != nil {
			client.deleteData()
		}
	}
	a.adminsMu.Unlock()

	conn.free()
	conn.setState(StateClosed)

	a.stats.ConnectionsClosed.Add(1)
	c.metrics.RecordConnectionClosed(c.cfg.Name, "admin")

	c.triggerEvent(EventClientCloseConnection, client, conn)
	if adminGone {
		c.triggerEvent(EventAdminDisconnected, client, conn)
	}
}

// dropAllConnections drops every admin-plane connection. Teardown only.
func (a *AdminCerver) dropAllConnections() {
	a.adminsMu.Lock()
	conns := make([]*Connection, 0, len(a.connByFD))
	for _, conn := range a.connByFD {
		conns = append(conns, conn)
	}
	a.adminsMu.Unlock()

	for _, conn := range conns {
		a.dropConnection(conn, "cerver teardown")
	}
}

func (a *AdminCerver) stopHandlers() {
	for _, h := range a.handlers {
		if h != nil {
			h.stop()
		}
	}
}

// close releases the admin plane's poller. The watched fds were already
// closed by the drop path.
func (a *AdminCerver) close() {
	a.poller.close()
}

func (a *AdminCerver) statsWrite(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Admin Plane", "Value"})
	table.Append([]string{"admins", strconv.Itoa(a.AdminCount())})
	table.Append([]string{"watched fds", strconv.Itoa(a.CurrentNFds())})
	table.Append([]string{"promotions", u64(a.stats.ConnectionsAccepted.Load())})
	table.Append([]string{"connections closed", u64(a.stats.ConnectionsClosed.Load())})
	table.Append([]string{"packets received", u64(a.stats.PacketsReceived.Load())})
	table.Append([]string{"bad packets", u64(a.stats.BadPackets.Load())})
	table.Append([]string{"auth failures", u64(a.stats.AuthFailures.Load())})
	table.Render()
}
