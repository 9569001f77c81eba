package cerver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ermiry/cerver/internal/logger"
	"github.com/ermiry/cerver/pkg/packet"
)

// AuthFunc judges the credentials carried by a TypeAuth packet. A nil
// return authenticates the connection; any error rejects it.
type AuthFunc func(*Packet) error

// SetAuthenticate installs the client plane's credential check. Must be
// called before Start. Without one, every credential is accepted.
func (c *Cerver) SetAuthenticate(fn AuthFunc) error {
	if c.isRunning.Load() {
		return ErrAlreadyRunning
	}
	c.authenticate = fn
	return nil
}

// dispatch routes one packet to its handler. Runs on the readiness-loop
// goroutine; queued handlers bound the time spent here to one enqueue.
func (c *Cerver) dispatch(pkt *Packet) {
	if c.cfg.CheckPackets && !pkt.Header.Check() {
		c.handleBadPacket(pkt.Connection, packet.ErrBadMagic)
		pkt.release()
		return
	}

	h := c.handlerFor(pkt.Header.Type)
	if h == nil {
		logger.Debug("No handler for packet type",
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
		// Backpressure: the producer never blocks the poll loop. The
		// packet is logged and dropped.
		logger.Warn("Handler queue full, dropping packet",
			"cerver", c.cfg.Name,
			"handler", h.Name(),
			"type", pkt.Header.Type.String(),
			"address", pkt.Connection.RemoteAddr())
		c.metrics.RecordJobDropped(c.cfg.Name, h.Name())
		pkt.release()
	}
}

// sendInfoPacket announces the cerver right after accept: a TypeCerver /
// CerverInfo packet whose payload is the welcome message.
func (c *Cerver) sendInfoPacket(conn *Connection) {
	out := packet.Frame(packet.TypeCerver, packet.CerverInfo, []byte(c.cfg.WelcomeMessage))
	if err := conn.Send(out); err != nil {
		logger.Debug("Failed to send info packet",
			"cerver", c.cfg.Name,
			"address", conn.RemoteAddr(),
			"error", err)
		return
	}
	c.stats.PacketsSent.Add(1)
	c.stats.BytesSent.Add(uint64(len(out)))
	c.metrics.RecordPacketSent(c.cfg.Name, "client", len(out))
}

// handleCerverPacket is the built-in TypeCerver handler: ping, teardown
// notify and report.
func (c *Cerver) handleCerverPacket(pkt *Packet) {
	switch pkt.Header.Request {
	case packet.CerverPing:
		if err := pkt.Reply(packet.TypeCerver, packet.CerverPong, nil); err != nil {
			logger.Debug("Failed to answer ping",
				"cerver", c.cfg.Name,
				"address", pkt.Connection.RemoteAddr(),
				"error", err)
		}

	case packet.CerverTeardown:
		// Peers cannot tear the cerver down; the request is recorded
		// and ignored.
		logger.Warn("Peer requested teardown, ignoring",
			"cerver", c.cfg.Name,
			"address", pkt.Connection.RemoteAddr())

	case packet.CerverReport:
		report := fmt.Sprintf("%s clients=%d received=%d sent=%d",
			c.cfg.Name,
			c.ClientCount(),
			c.stats.PacketsReceived.Load(),
			c.stats.PacketsSent.Load())
		if err := pkt.Reply(packet.TypeCerver, packet.CerverReport, []byte(report)); err != nil {
			logger.Debug("Failed to send report",
				"cerver", c.cfg.Name,
				"address", pkt.Connection.RemoteAddr(),
				"error", err)
		}

	default:
		logger.Debug("Unknown cerver request",
			"cerver", c.cfg.Name,
			"request", pkt.Header.Request)
	}
}

// handleAuthPacket is the built-in TypeAuth handler. It judges the
// presented credentials with the embedder's AuthFunc, flips the
// connection's authenticated flag on success and counts a bad packet on
// failure; the uniform >= limit then drops the connection.
func (c *Cerver) handleAuthPacket(pkt *Packet) {
	conn := pkt.Connection

	switch pkt.Header.Request {
	case packet.AuthCredentials:
		var authErr error
		if c.authenticate != nil {
			authErr = c.authenticate(pkt)
		}

		if authErr == nil {
			conn.authenticated.Store(true)
			conn.setState(StateAuthenticated)

			if err := pkt.Reply(packet.TypeAuth, packet.AuthSuccess, nil); err != nil {
				logger.Debug("Failed to confirm auth",
					"cerver", c.cfg.Name,
					"address", conn.RemoteAddr(),
					"error", err)
			}
			c.triggerEvent(EventClientAuthSuccess, pkt.Client, conn)
			return
		}

		c.stats.AuthFailures.Add(1)
		bad := conn.badPackets.Add(1)
		conn.stats.BadPackets.Add(1)

		logger.Debug("Authentication failed",
			"cerver", c.cfg.Name,
			"address", conn.RemoteAddr(),
			"bad_packets", bad,
			"error", authErr)

		c.SendError(conn, ErrorFailedAuth, "invalid credentials")
		c.triggerError(ErrorFailedAuth, pkt.Client, conn, authErr.Error())
		c.triggerEvent(EventClientAuthFail, pkt.Client, conn)

		if int(bad) >= c.cfg.BadPacketsLimit {
			c.dropConnection(conn, "authentication failures")
		}

	case packet.AuthAdminCredentials:
		c.handleAdminAuth(pkt)

	default:
		logger.Debug("Unexpected auth request",
			"cerver", c.cfg.Name,
			"request", pkt.Header.Request,
			"address", conn.RemoteAddr())
	}
}

// handleAdminAuth judges admin credentials presented on the client plane
// and, when they pass, promotes the connection into the admin plane. A
// full admin registry answers with an error packet and the connection is
// closed.
func (c *Cerver) handleAdminAuth(pkt *Packet) {
	conn := pkt.Connection

	a := c.admin
	if a == nil {
		c.stats.AuthFailures.Add(1)
		c.SendError(conn, ErrorFailedAuth, ErrAdminPlaneDisabled.Error())
		c.triggerError(ErrorFailedAuth, pkt.Client, conn, ErrAdminPlaneDisabled.Error())
		c.triggerEvent(EventClientAuthFail, pkt.Client, conn)
		return
	}

	authErr := ErrAdminPlaneDisabled
	if a.authenticate != nil {
		authErr = a.authenticate(pkt)
	}

	if authErr != nil {
		a.stats.AuthFailures.Add(1)
		bad := conn.badPackets.Add(1)
		conn.stats.BadPackets.Add(1)

		logger.Warn("Admin authentication failed",
			"cerver", c.cfg.Name,
			"address", conn.RemoteAddr(),
			"error", authErr)

		c.SendError(conn, ErrorFailedAuth, "invalid admin credentials")
		c.triggerError(ErrorFailedAuth, pkt.Client, conn, authErr.Error())
		c.triggerEvent(EventClientAuthFail, pkt.Client, conn)

		// Admin credentials are judged against the admin plane's
		// stricter limit even while the connection is still client-side.
		if int(bad) >= a.cfg.BadPacketsLimit {
			c.dropConnection(conn, "admin authentication failures")
		}
		return
	}

	conn.authenticated.Store(true)
	conn.setState(StateAuthenticated)

	admin, err := c.PromoteToAdmin(conn)
	if err != nil {
		logger.Warn("Admin promotion refused",
			"cerver", c.cfg.Name,
			"address", conn.RemoteAddr(),
			"error", err)

		c.SendError(conn, ErrorFailedAuth, err.Error())
		c.dropConnection(conn, err.Error())
		return
	}

	if err := pkt.Reply(packet.TypeAuth, packet.AuthSuccess, []byte(admin.ID)); err != nil {
		logger.Debug("Failed to confirm admin auth",
			"cerver", c.cfg.Name,
			"address", conn.RemoteAddr(),
			"error", err)
	}

	c.triggerEvent(EventClientAuthSuccess, admin.Client, conn)

	logger.Info("Admin authenticated",
		"cerver", c.cfg.Name,
		"admin", admin.ID,
		"address", conn.RemoteAddr())
}

// handleRequestPacket is the built-in TypeRequest handler. The core does
// not serve files; requests are answered with the matching error packet
// and surfaced through the error-event table so the embedder can react.
func (c *Cerver) handleRequestPacket(pkt *Packet) {
	c.SendError(pkt.Connection, ErrorFileNotFound, "file serving not enabled")

	switch pkt.Header.Request {
	case requestGetFile:
		c.triggerError(ErrorGetFile, pkt.Client, pkt.Connection, "file serving not enabled")
	case requestSendFile:
		c.triggerError(ErrorSendFile, pkt.Client, pkt.Connection, "file serving not enabled")
	default:
		c.triggerError(ErrorUnknown, pkt.Client, pkt.Connection, "unknown request")
	}
}

// Requests carried by TypeRequest packets.
const (
	requestGetFile uint32 = iota
	requestSendFile
)

// handleGamePacket is the built-in TypeGame handler. Lobby management is
// not part of this build; game packets are logged and discarded.
func (c *Cerver) handleGamePacket(pkt *Packet) {
	logger.Debug("Game packet discarded: no game service",
		"cerver", c.cfg.Name,
		"request", pkt.Header.Request,
		"address", pkt.Connection.RemoteAddr())
}

// isFatalFraming reports whether a reassembler error means the
// connection must die immediately instead of burning a bad-packet count.
func isFatalFraming(err error) bool {
	return errors.Is(err, packet.ErrBadSize)
}

// sockaddrString renders an accepted peer's address.
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	default:
		return "unknown"
	}
}
