package cerver

// EventKind enumerates the moments an embedder can hook.
type EventKind int

const (
	// EventStarted fires once the cerver is accepting connections.
	EventStarted EventKind = iota

	// EventTeardown fires once teardown completed.
	EventTeardown

	// EventClientConnected fires when a new client's first connection
	// is registered.
	EventClientConnected

	// EventClientNewConnection fires for every accepted connection.
	EventClientNewConnection

	// EventClientCloseConnection fires when a connection is dropped.
	EventClientCloseConnection

	// EventClientDisconnected fires when a client's last connection is
	// dropped and the client leaves the registry.
	EventClientDisconnected

	// EventClientAuthSuccess fires when a connection authenticates.
	EventClientAuthSuccess

	// EventClientAuthFail fires on a failed authentication attempt.
	EventClientAuthFail

	// EventAdminConnected fires when a connection is promoted to admin.
	EventAdminConnected

	// EventAdminDisconnected fires when an admin's last connection drops.
	EventAdminDisconnected

	eventKindCount
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventTeardown:
		return "teardown"
	case EventClientConnected:
		return "client-connected"
	case EventClientNewConnection:
		return "client-new-connection"
	case EventClientCloseConnection:
		return "client-close-connection"
	case EventClientDisconnected:
		return "client-disconnected"
	case EventClientAuthSuccess:
		return "client-auth-success"
	case EventClientAuthFail:
		return "client-auth-fail"
	case EventAdminConnected:
		return "admin-connected"
	case EventAdminDisconnected:
		return "admin-disconnected"
	default:
		return "unknown"
	}
}

// EventData is the freshly allocated value passed to every event action.
// Client and Connection are nil for events that have no subject peer.
type EventData struct {
	Cerver     *Cerver
	Client     *Client
	Connection *Connection

	// Args is whatever was registered alongside the action.
	Args any
}

// EventAction is an embedder callback hooked to an event kind.
type EventAction func(*EventData)

// eventRegistration is one installed action. At most one per kind.
type eventRegistration struct {
	action      EventAction
	args        any
	argsDeleter func(any)

	createThread     bool
	dropAfterTrigger bool
}

// RegisterEvent installs an action for an event kind. Re-registration
// replaces the previous action, deleting its args first. When
// createThread is set the action runs on its own goroutine per trigger;
// when dropAfterTrigger is set the action is unregistered after its first
// invocation.
func (c *Cerver) RegisterEvent(
	kind EventKind,
	action EventAction,
	args any, argsDeleter func(any),
	createThread, dropAfterTrigger bool,
) {
	if kind < 0 || kind >= eventKindCount || action == nil {
		return
	}

	reg := &eventRegistration{
		action:           action,
		args:             args,
		argsDeleter:      argsDeleter,
		createThread:     createThread,
		dropAfterTrigger: dropAfterTrigger,
	}

	c.eventsMu.Lock()
	old := c.events[kind]
	c.events[kind] = reg
	c.eventsMu.Unlock()

	if old != nil {
		old.deleteArgs()
	}
}

// UnregisterEvent removes the action for an event kind, deleting its
// args. A kind with no action installed is a no-op.
func (c *Cerver) UnregisterEvent(kind EventKind) {
	if kind < 0 || kind >= eventKindCount {
		return
	}

	c.eventsMu.Lock()
	old := c.events[kind]
	c.events[kind] = nil
	c.eventsMu.Unlock()

	if old != nil {
		old.deleteArgs()
	}
}

func (r *eventRegistration) deleteArgs() {
	if r.args != nil && r.argsDeleter != nil {
		r.argsDeleter(r.args)
	}
}

// triggerEvent fires the action registered for kind, if any, with a fresh
// EventData. Inline actions run on the caller's goroutine; createThread
// actions run detached. For dropAfterTrigger the action is unregistered
// after the call returns (inline) or right after the goroutine is
// launched (threaded), matching registration semantics.
func (c *Cerver) triggerEvent(kind EventKind, client *Client, conn *Connection) {
	c.eventsMu.Lock()
	reg := c.events[kind]
	c.eventsMu.Unlock()

	if reg == nil {
		return
	}

	data := &EventData{
		Cerver:     c,
		Client:     client,
		Connection: conn,
		Args:       reg.args,
	}

	if reg.createThread {
		go reg.action(data)
		if reg.dropAfterTrigger {
			c.UnregisterEvent(kind)
		}
		return
	}

	reg.action(data)
	if reg.dropAfterTrigger {
		c.UnregisterEvent(kind)
	}
}
