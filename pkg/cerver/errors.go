package cerver

import (
	"github.com/ermiry/cerver/internal/logger"
	"github.com/ermiry/cerver/pkg/packet"
)

// ErrorKind is the flat taxonomy every recoverable condition maps to.
// The values travel on the wire inside error packets.
type ErrorKind uint32

const (
	// ErrorNone is the zero value; never triggered.
	ErrorNone ErrorKind = iota

	// ErrorPacket covers malformed or rejected packets.
	ErrorPacket

	// ErrorFailedAuth covers failed authentication attempts.
	ErrorFailedAuth

	// ErrorGetFile and ErrorSendFile cover file request failures.
	ErrorGetFile
	ErrorSendFile

	// ErrorFileNotFound covers requests for files that do not exist.
	ErrorFileNotFound

	// ErrorCreateThread covers worker spawn failures.
	ErrorCreateThread

	// ErrorUnknown is the fallback for everything else.
	ErrorUnknown

	errorKindCount
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorPacket:
		return "packet-error"
	case ErrorFailedAuth:
		return "failed-auth"
	case ErrorGetFile:
		return "get-file"
	case ErrorSendFile:
		return "send-file"
	case ErrorFileNotFound:
		return "file-not-found"
	case ErrorCreateThread:
		return "create-thread"
	case ErrorUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ErrorEventData is the freshly allocated value passed to every error
// action.
type ErrorEventData struct {
	Cerver     *Cerver
	Client     *Client
	Connection *Connection

	// Args is whatever was registered alongside the action.
	Args any

	// Message is the human-readable error description, possibly empty.
	Message string
}

// ErrorAction is an embedder callback hooked to an error kind.
type ErrorAction func(*ErrorEventData)

type errorRegistration struct {
	action      ErrorAction
	args        any
	argsDeleter func(any)

	createThread     bool
	dropAfterTrigger bool
}

func (r *errorRegistration) deleteArgs() {
	if r.args != nil && r.argsDeleter != nil {
		r.argsDeleter(r.args)
	}
}

// RegisterErrorEvent installs an action for an error kind, replacing any
// previous one. Semantics mirror RegisterEvent.
func (c *Cerver) RegisterErrorEvent(
	kind ErrorKind,
	action ErrorAction,
	args any, argsDeleter func(any),
	createThread, dropAfterTrigger bool,
) {
	if kind >= errorKindCount || action == nil {
		return
	}

	reg := &errorRegistration{
		action:           action,
		args:             args,
		argsDeleter:      argsDeleter,
		createThread:     createThread,
		dropAfterTrigger: dropAfterTrigger,
	}

	c.errorsMu.Lock()
	old := c.errorEvents[kind]
	c.errorEvents[kind] = reg
	c.errorsMu.Unlock()

	if old != nil {
		old.deleteArgs()
	}
}

// UnregisterErrorEvent removes the action for an error kind.
func (c *Cerver) UnregisterErrorEvent(kind ErrorKind) {
	if kind >= errorKindCount {
		return
	}

	c.errorsMu.Lock()
	old := c.errorEvents[kind]
	c.errorEvents[kind] = nil
	c.errorsMu.Unlock()

	if old != nil {
		old.deleteArgs()
	}
}

// triggerError fires the action registered for kind, if any.
func (c *Cerver) triggerError(kind ErrorKind, client *Client, conn *Connection, message string) {
	c.errorsMu.Lock()
	reg := c.errorEvents[kind]
	c.errorsMu.Unlock()

	if reg == nil {
		return
	}

	data := &ErrorEventData{
		Cerver:     c,
		Client:     client,
		Connection: conn,
		Args:       reg.args,
		Message:    message,
	}

	if reg.createThread {
		go reg.action(data)
		if reg.dropAfterTrigger {
			c.UnregisterErrorEvent(kind)
		}
		return
	}

	reg.action(data)
	if reg.dropAfterTrigger {
		c.UnregisterErrorEvent(kind)
	}
}

// SendError frames an error packet of the given kind and sends it on the
// connection. Send failures are logged, not propagated: an error packet
// is best effort by definition.
func (c *Cerver) SendError(conn *Connection, kind ErrorKind, msg string) {
	if conn == nil {
		return
	}

	out := packet.FrameError(uint32(kind), msg)
	if err := conn.Send(out); err != nil {
		logger.Debug("Failed to send error packet",
			"cerver", c.cfg.Name,
			"address", conn.RemoteAddr(),
			"kind", kind.String(),
			"error", err)
		return
	}

	c.stats.PacketsSent.Add(1)
	c.stats.BytesSent.Add(uint64(len(out)))
}

// handleErrorPacket is the built-in TypeError handler: it decodes the
// payload and routes it through the error-event table. Errors reported by
// peers and errors raised locally share the same table.
func (c *Cerver) handleErrorPacket(pkt *Packet) {
	payload, err := packet.ParseErrorPayload(pkt.Data)
	if err != nil {
		logger.Debug("Discarding undecodable error packet",
			"cerver", c.cfg.Name,
			"address", pkt.Connection.RemoteAddr(),
			"error", err)
		return
	}

	kind := ErrorKind(payload.Kind)
	if kind == ErrorNone {
		return
	}
	if kind >= errorKindCount {
		kind = ErrorUnknown
	}

	c.triggerError(kind, pkt.Client, pkt.Connection, payload.Msg)
}
