package cerver

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ermiry/cerver/internal/logger"
	"github.com/ermiry/cerver/pkg/metrics"
	"github.com/ermiry/cerver/pkg/packet"
)

// Lifecycle errors.
var (
	ErrAlreadyRunning = errors.New("cerver: already running")
	ErrNotRunning     = errors.New("cerver: not running")
)

// Cerver is the top-level aggregate: one listening socket, the client
// registry, the per-packet-type handler table, event and error tables,
// and optionally an admin plane sibling.
//
// Construction and configuration happen before Start; after Start only
// the exported thread-safe methods may be used.
type Cerver struct {
	cfg     Config
	created time.Time

	listenFD  int32
	boundPort atomic.Int32

	// ready is closed when the listener is accepting. Tests and
	// embedders block on it via WaitReady / BoundPort.
	ready chan struct{}

	poller *Poller

	// clientsMu guards clients, connByFD and every client's connection
	// list. It is the outermost lock in the global order.
	clientsMu    sync.Mutex
	clients      map[uint64]*Client
	connByFD     map[int32]*Connection
	nextClientID atomic.Uint64

	// handlers is indexed by packet type. Written only before Start.
	handlers [packet.MaxType]*Handler

	eventsMu sync.Mutex
	events   [eventKindCount]*eventRegistration

	errorsMu    sync.Mutex
	errorEvents [errorKindCount]*errorRegistration

	admin *AdminCerver

	isRunning    atomic.Bool
	teardownOnce sync.Once

	// stop is closed the moment teardown begins; done when it finished.
	stop chan struct{}
	done chan struct{}

	// authenticate, when set, judges TypeAuth credentials on the client
	// plane. Nil accepts everyone.
	authenticate AuthFunc

	// loopsWG tracks the plane loops and update goroutines so teardown
	// can join them.
	loopsWG sync.WaitGroup

	workers *workerPool

	update         *updateRegistration
	updateInterval *updateRegistration

	metrics *metrics.CerverMetrics
	stats   CerverStats

	numHandlersAlive   atomic.Int32
	numHandlersWorking atomic.Int32
}

// NewCerver builds a configured, stopped cerver. Zero config fields get
// defaults; an invalid configuration is an error, not a panic.
func NewCerver(cfg Config) (*Cerver, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Cerver{
		cfg:      cfg,
		created:  time.Now(),
		listenFD: -1,
		ready:    make(chan struct{}),
		clients:  make(map[uint64]*Client),
		connByFD: make(map[int32]*Connection),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		metrics:  metrics.NewCerverMetrics(),
	}

	// Built-in handlers. All direct: they are tiny and must observe
	// receive-thread context.
	c.handlers[packet.TypeCerver.Slot()] = newBuiltinHandler("cerver", c.handleCerverPacket)
	c.handlers[packet.TypeError.Slot()] = newBuiltinHandler("error", c.handleErrorPacket)
	c.handlers[packet.TypeAuth.Slot()] = newBuiltinHandler("auth", c.handleAuthPacket)
	c.handlers[packet.TypeRequest.Slot()] = newBuiltinHandler("request", c.handleRequestPacket)
	c.handlers[packet.TypeGame.Slot()] = newBuiltinHandler("game", c.handleGamePacket)

	if cfg.Admin.Enabled {
		admin, err := newAdminCerver(c, cfg.Admin)
		if err != nil {
			return nil, err
		}
		c.admin = admin
	}

	logger.Debug("Cerver created",
		"name", cfg.Name,
		"port", cfg.Port,
		"admin", cfg.Admin.Enabled)

	return c, nil
}

func newBuiltinHandler(name string, fn HandlerFunc) *Handler {
	h := NewHandler(name, fn)
	h.SetDirectHandle(true)
	return h
}

// Name returns the configured cerver name.
func (c *Cerver) Name() string {
	return c.cfg.Name
}

// Config returns a copy of the effective configuration.
func (c *Cerver) Config() Config {
	return c.cfg
}

// IsRunning reports whether Start has been called and Teardown has not
// begun yet.
func (c *Cerver) IsRunning() bool {
	return c.isRunning.Load()
}

// Admin returns the admin plane, nil when disabled.
func (c *Cerver) Admin() *AdminCerver {
	return c.admin
}

// Stats returns the cerver's counters.
func (c *Cerver) Stats() *CerverStats {
	return &c.stats
}

// SetAppHandlers installs the application and application-error handlers.
// Must be called before Start.
func (c *Cerver) SetAppHandlers(app, appError *Handler) error {
	if c.isRunning.Load() {
		return ErrAlreadyRunning
	}
	c.handlers[packet.TypeApp.Slot()] = app
	c.handlers[packet.TypeAppError.Slot()] = appError
	return nil
}

// SetCustomHandler installs the handler for TypeCustom packets, which
// also receives packets of unknown type. Must be called before Start.
func (c *Cerver) SetCustomHandler(h *Handler) error {
	if c.isRunning.Load() {
		return ErrAlreadyRunning
	}
	c.handlers[packet.TypeCustom.Slot()] = h
	return nil
}

// handlerFor resolves the handler table for a packet type. Unknown types
// and empty slots fall through to the custom handler; nil means drop.
func (c *Cerver) handlerFor(t packet.Type) *Handler {
	if slot := t.Slot(); slot >= 0 && c.handlers[slot] != nil {
		return c.handlers[slot]
	}
	return c.handlers[packet.TypeCustom.Slot()]
}

// Submit hands blocking work to the cerver's worker pool. It fails when
// the pool is saturated or the cerver is not running; handlers should
// surface that to the peer rather than block the dispatch path.
func (c *Cerver) Submit(work func()) error {
	if !c.isRunning.Load() {
		return ErrNotRunning
	}
	return c.workers.submit(work)
}

// NumHandlersAlive returns how many queued-handler workers exist.
func (c *Cerver) NumHandlersAlive() int {
	return int(c.numHandlersAlive.Load())
}

// NumHandlersWorking returns how many workers are inside a callable
// right now.
func (c *Cerver) NumHandlersWorking() int {
	return int(c.numHandlersWorking.Load())
}

// CurrentNFds returns the client plane's watched-fd count.
func (c *Cerver) CurrentNFds() int {
	return c.poller.CurrentNFds()
}

// ClientCount returns the number of registered clients.
func (c *Cerver) ClientCount() int {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	return len(c.clients)
}

// ClientByID looks up a registered client.
func (c *Cerver) ClientByID(id uint64) *Client {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	return c.clients[id]
}

// ConnectionByFD looks up a live connection on the client plane.
func (c *Cerver) ConnectionByFD(fd int32) *Connection {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()
	return c.connByFD[fd]
}

// BoundPort blocks until the listener is ready, then returns the port it
// is bound to.
func (c *Cerver) BoundPort() int {
	<-c.ready
	return int(c.boundPort.Load())
}

// WaitReady blocks until the cerver is accepting connections.
func (c *Cerver) WaitReady() {
	<-c.ready
}

// String implements fmt.Stringer for log friendliness.
func (c *Cerver) String() string {
	return fmt.Sprintf("cerver %s (:%d)", c.cfg.Name, c.cfg.Port)
}
