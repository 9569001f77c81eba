package cerver

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default configuration values, applied by applyDefaults for zero fields.
const (
	// DefaultPort is the port the test-message example has always used.
	DefaultPort = 7000

	// DefaultConnectionQueue is the listen(2) backlog.
	DefaultConnectionQueue = 10

	// DefaultPollTimeout bounds how long the client readiness loop sleeps,
	// which in turn bounds how fast it notices teardown.
	DefaultPollTimeout = 2 * time.Second

	// DefaultMaxNFds sizes the client plane's poll registry.
	DefaultMaxNFds = 128

	// DefaultReceiveBufferSize is the per-connection recv scratch size.
	DefaultReceiveBufferSize = 4096

	// DefaultNThreads sizes the worker pool for user blocking work.
	DefaultNThreads = 4

	// DefaultHandlerQueueSize bounds each non-direct handler's job queue.
	DefaultHandlerQueueSize = 128

	// DefaultBadPacketsLimit is the malformed-packet count at which a
	// connection is dropped.
	DefaultBadPacketsLimit = 8
)

// Admin plane defaults. The admin plane is deliberately stricter than the
// client plane: fewer fds, fewer peers, a shorter poll timeout and a lower
// tolerance for garbage.
const (
	DefaultAdminPollTimeout     = 1 * time.Second
	DefaultAdminMaxNFds         = 16
	DefaultMaxAdmins            = 4
	DefaultMaxAdminConnections  = 2
	DefaultAdminBadPacketsLimit = 4
)

// Config holds everything a Cerver needs before Start. Zero values are
// replaced with defaults; see the Default* constants.
//
// All fields are read-only after NewCerver.
type Config struct {
	// Name identifies the cerver in logs and stats.
	Name string `mapstructure:"name" validate:"required"`

	// Port is the TCP port to listen on. 0 selects DefaultPort;
	// BoundPort reports the port actually bound.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// Protocol selects the transport. Only "tcp" is supported.
	Protocol string `mapstructure:"protocol" validate:"omitempty,oneof=tcp"`

	// UseIPv6 binds an IPv6 listening socket instead of IPv4.
	UseIPv6 bool `mapstructure:"use_ipv6"`

	// ConnectionQueue is the listen(2) backlog.
	ConnectionQueue int `mapstructure:"connection_queue" validate:"min=0"`

	// PollTimeout is the readiness-loop wait bound. It only affects how
	// quickly the loop notices teardown; it is not an I/O timeout.
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=0"`

	// MaxNFds sizes the client plane's poll registry. The listening fd
	// takes one slot, so the cerver serves at most MaxNFds-1 connections.
	MaxNFds int `mapstructure:"max_n_fds" validate:"min=0"`

	// ReceiveBufferSize is the per-connection recv scratch buffer size.
	ReceiveBufferSize int `mapstructure:"receive_buffer_size" validate:"min=0"`

	// MaxPacketSize caps the total size a peer may declare in a header.
	// 0 selects the codec default.
	MaxPacketSize uint32 `mapstructure:"max_packet_size"`

	// CheckPackets re-verifies every dispatched header's magic and
	// version, answering mismatches with an error packet.
	CheckPackets bool `mapstructure:"check_packets"`

	// NThreads sizes the worker pool reserved for blocking work that
	// handlers offload with Submit. It is not in the dispatch path.
	NThreads int `mapstructure:"n_threads" validate:"min=0"`

	// HandlerQueueSize bounds every non-direct handler's job queue.
	// A full queue drops the incoming packet (logged).
	HandlerQueueSize int `mapstructure:"handler_queue_size" validate:"min=0"`

	// BadPacketsLimit drops a connection once its bad-packet counter
	// reaches it. The comparison is >= on every path.
	BadPacketsLimit int `mapstructure:"bad_packets_limit" validate:"min=0"`

	// WelcomeMessage, when set, is sent in the cerver info packet right
	// after accept.
	WelcomeMessage string `mapstructure:"welcome_message"`

	// Admin configures the admin plane. Disabled unless Admin.Enabled.
	Admin AdminConfig `mapstructure:"admin"`
}

// AdminConfig holds the admin plane's configuration. The plane has no
// listener of its own; admins present their credentials on the client
// plane and are promoted in.
type AdminConfig struct {
	// Enabled turns the admin plane on.
	Enabled bool `mapstructure:"enabled"`

	// MaxAdmins bounds the admin registry. Further promotions are
	// answered with an error packet and the fd is closed.
	MaxAdmins int `mapstructure:"max_admins" validate:"min=0"`

	// MaxAdminConnections bounds connections per admin.
	MaxAdminConnections int `mapstructure:"max_admin_connections" validate:"min=0"`

	// BadPacketsLimit is the admin plane's (stricter) bad-packet bound.
	BadPacketsLimit int `mapstructure:"bad_packets_limit" validate:"min=0"`

	// PollTimeout is the admin readiness loop's wait bound.
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=0"`

	// MaxNFds sizes the admin plane's poll registry.
	MaxNFds int `mapstructure:"max_n_fds" validate:"min=0"`
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Protocol == "" {
		c.Protocol = "tcp"
	}
	if c.ConnectionQueue == 0 {
		c.ConnectionQueue = DefaultConnectionQueue
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.MaxNFds == 0 {
		c.MaxNFds = DefaultMaxNFds
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if c.NThreads == 0 {
		c.NThreads = DefaultNThreads
	}
	if c.HandlerQueueSize == 0 {
		c.HandlerQueueSize = DefaultHandlerQueueSize
	}
	if c.BadPacketsLimit == 0 {
		c.BadPacketsLimit = DefaultBadPacketsLimit
	}

	if c.Admin.Enabled {
		if c.Admin.MaxAdmins == 0 {
			c.Admin.MaxAdmins = DefaultMaxAdmins
		}
		if c.Admin.MaxAdminConnections == 0 {
			c.Admin.MaxAdminConnections = DefaultMaxAdminConnections
		}
		if c.Admin.BadPacketsLimit == 0 {
			c.Admin.BadPacketsLimit = DefaultAdminBadPacketsLimit
		}
		if c.Admin.PollTimeout == 0 {
			c.Admin.PollTimeout = DefaultAdminPollTimeout
		}
		if c.Admin.MaxNFds == 0 {
			c.Admin.MaxNFds = DefaultAdminMaxNFds
		}
	}
}

// validate checks the configuration after defaults were applied.
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid cerver config: %w", err)
	}

	if c.Protocol != "tcp" {
		return fmt.Errorf("unsupported protocol %q: only tcp is available", c.Protocol)
	}
	if c.MaxNFds < 2 {
		return fmt.Errorf("max_n_fds %d too small: the listener needs a slot plus at least one connection", c.MaxNFds)
	}
	if c.Admin.Enabled && c.Admin.MaxNFds < 2 {
		return fmt.Errorf("admin max_n_fds %d too small", c.Admin.MaxNFds)
	}

	return nil
}
