package cerver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Name: "defaults"}
	cfg.applyDefaults()

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "tcp", cfg.Protocol)
	assert.Equal(t, DefaultConnectionQueue, cfg.ConnectionQueue)
	assert.Equal(t, DefaultPollTimeout, cfg.PollTimeout)
	assert.Equal(t, DefaultMaxNFds, cfg.MaxNFds)
	assert.Equal(t, DefaultReceiveBufferSize, cfg.ReceiveBufferSize)
	assert.Equal(t, DefaultNThreads, cfg.NThreads)
	assert.Equal(t, DefaultHandlerQueueSize, cfg.HandlerQueueSize)
	assert.Equal(t, DefaultBadPacketsLimit, cfg.BadPacketsLimit)

	// Admin defaults apply only when the plane is enabled.
	assert.Zero(t, cfg.Admin.MaxAdmins)

	cfg = Config{Name: "defaults", Admin: AdminConfig{Enabled: true}}
	cfg.applyDefaults()
	assert.Equal(t, DefaultMaxAdmins, cfg.Admin.MaxAdmins)
	assert.Equal(t, DefaultMaxAdminConnections, cfg.Admin.MaxAdminConnections)
	assert.Equal(t, DefaultAdminBadPacketsLimit, cfg.Admin.BadPacketsLimit)
	assert.Equal(t, DefaultAdminPollTimeout, cfg.Admin.PollTimeout)
	assert.Equal(t, DefaultAdminMaxNFds, cfg.Admin.MaxNFds)
}

func TestConfigValidation(t *testing.T) {
	// A name is required.
	_, err := NewCerver(Config{})
	assert.Error(t, err)

	// Only TCP is supported.
	_, err = NewCerver(Config{Name: "udp-attempt", Protocol: "udp"})
	assert.Error(t, err)

	// The registry needs room for the listener plus a connection.
	_, err = NewCerver(Config{Name: "tiny", MaxNFds: 1})
	assert.Error(t, err)

	c, err := NewCerver(Config{
		Name:        "valid",
		Port:        7000,
		PollTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "valid", c.Name())
	assert.False(t, c.IsRunning())
}

func TestSettersRefuseWhileRunning(t *testing.T) {
	c := startTestCerver(t, nil, nil)

	assert.ErrorIs(t, c.SetAppHandlers(echoHandler(true), nil), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetCustomHandler(echoHandler(true)), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetAuthenticate(func(*Packet) error { return nil }), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetUpdate(func(*CerverUpdate) {}, nil, 10), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetUpdateInterval(func(*CerverUpdate) {}, nil, time.Second), ErrAlreadyRunning)
}
