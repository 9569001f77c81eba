package cerver

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermiry/cerver/pkg/packet"
)

// startAdminCerver brings up a cerver with the admin plane enabled and
// the given credential check. Admins enter through the client plane: an
// AuthAdminCredentials packet that passes the check promotes the
// connection.
func startAdminCerver(t *testing.T, mutate func(*Config), auth AuthFunc, setup func(*Cerver)) *Cerver {
	t.Helper()

	c := startTestCerver(t, func(cfg *Config) {
		cfg.Admin.Enabled = true
		cfg.Admin.PollTimeout = 100 * time.Millisecond
		if mutate != nil {
			mutate(cfg)
		}
	}, func(c *Cerver) {
		if auth != nil {
			require.NoError(t, c.Admin().SetAuthenticate(auth))
		}
		if setup != nil {
			setup(c)
		}
	})

	return c
}

func TestAdminAuthRejected(t *testing.T) {
	var failed atomic.Int32

	c := startAdminCerver(t, nil,
		func(pkt *Packet) error { return fmt.Errorf("rejected") },
		func(c *Cerver) {
			c.RegisterEvent(EventClientAuthFail, func(*EventData) {
				failed.Add(1)
			}, nil, nil, false, false)
		})

	conn := dialTest(t, c.BoundPort())
	sendFrame(t, conn, packet.TypeAuth, packet.AuthAdminCredentials, []byte("whatever"))

	h, payload := readFrame(t, conn, time.Second)
	require.Equal(t, packet.TypeError, h.Type)
	perr, err := packet.ParseErrorPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(ErrorFailedAuth), perr.Kind)

	assert.Eventually(t, func() bool { return failed.Load() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.Admin().AdminCount())

	// The connection stays on the client plane and keeps being served.
	sendFrame(t, conn, packet.TypeCerver, packet.CerverPing, nil)
	h, _ = readFrame(t, conn, time.Second)
	assert.Equal(t, packet.CerverPong, h.Request)
	assert.Equal(t, 1, c.ClientCount())
}

func TestAdminAuthPromotes(t *testing.T) {
	var connected atomic.Int32

	c := startAdminCerver(t, nil,
		func(pkt *Packet) error {
			if string(pkt.Data) == "root" {
				return nil
			}
			return fmt.Errorf("bad admin credentials")
		},
		func(c *Cerver) {
			c.RegisterEvent(EventAdminConnected, func(*EventData) {
				connected.Add(1)
			}, nil, nil, false, false)
		})

	conn := dialTest(t, c.BoundPort())
	sendFrame(t, conn, packet.TypeAuth, packet.AuthAdminCredentials, []byte("root"))

	h, payload := readFrame(t, conn, time.Second)
	assert.Equal(t, packet.TypeAuth, h.Type)
	assert.Equal(t, packet.AuthSuccess, h.Request)
	assert.NotEmpty(t, payload, "success reply carries the admin id")

	assert.Eventually(t, func() bool { return connected.Load() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.Admin().AdminCount())

	// The fd changed planes: the client registry let go of the peer.
	assert.Equal(t, 0, c.ClientCount())
	assert.Equal(t, uint64(1), c.Admin().Stats().ConnectionsAccepted.Load())

	adminID := string(payload)
	admin := c.Admin().AdminByID(adminID)
	require.NotNil(t, admin)
	assert.Equal(t, adminID, admin.ID)

	// The admin plane's loop now serves the connection.
	sendFrame(t, conn, packet.TypeCerver, packet.CerverPing, nil)
	h, _ = readFrame(t, conn, time.Second)
	assert.Equal(t, packet.CerverPong, h.Request)
	assert.Equal(t, uint64(1), c.Admin().Stats().PacketsReceived.Load())
}

func TestAdminMaxAdminsRefused(t *testing.T) {
	c := startAdminCerver(t, func(cfg *Config) {
		cfg.Admin.MaxAdmins = 1
	}, func(pkt *Packet) error { return nil }, nil)

	// First admin takes the only seat.
	first := dialTest(t, c.BoundPort())
	sendFrame(t, first, packet.TypeAuth, packet.AuthAdminCredentials, []byte("root"))
	h, _ := readFrame(t, first, time.Second)
	require.Equal(t, packet.AuthSuccess, h.Request)
	require.Eventually(t, func() bool { return c.Admin().AdminCount() == 1 },
		time.Second, 10*time.Millisecond)

	// The next promotion attempt gets an error packet and the close,
	// even with valid credentials.
	second := dialTest(t, c.BoundPort())
	sendFrame(t, second, packet.TypeAuth, packet.AuthAdminCredentials, []byte("root"))

	h, payload := readFrame(t, second, time.Second)
	require.Equal(t, packet.TypeError, h.Type)
	perr, err := packet.ParseErrorPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(ErrorFailedAuth), perr.Kind)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	var one [1]byte
	_, err = second.Read(one[:])
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 1, c.Admin().AdminCount())
}

func TestAdminPlaneDisabledRejects(t *testing.T) {
	c := startTestCerver(t, nil, nil)

	conn := dialTest(t, c.BoundPort())
	sendFrame(t, conn, packet.TypeAuth, packet.AuthAdminCredentials, []byte("root"))

	h, payload := readFrame(t, conn, time.Second)
	require.Equal(t, packet.TypeError, h.Type)
	perr, err := packet.ParseErrorPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(ErrorFailedAuth), perr.Kind)
}

func TestAdminBadPacketLimitStricter(t *testing.T) {
	c := startAdminCerver(t, func(cfg *Config) {
		cfg.Admin.BadPacketsLimit = 2
	}, func(pkt *Packet) error { return nil }, nil)

	conn := dialTest(t, c.BoundPort())
	sendFrame(t, conn, packet.TypeAuth, packet.AuthAdminCredentials, []byte("root"))
	h, _ := readFrame(t, conn, time.Second)
	require.Equal(t, packet.AuthSuccess, h.Request)

	// Garbage on the admin plane burns its stricter budget.
	badHeader := packet.Frame(packet.TypeApp, 0, nil)
	badHeader[0] ^= 0xff

	_, err := conn.Write(badHeader)
	require.NoError(t, err)
	h, _ = readFrame(t, conn, time.Second)
	require.Equal(t, packet.TypeError, h.Type)

	_, err = conn.Write(badHeader)
	require.NoError(t, err)
	h, _ = readFrame(t, conn, time.Second)
	require.Equal(t, packet.TypeError, h.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var one [1]byte
	_, err = conn.Read(one[:])
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 0, c.Admin().AdminCount())
	assert.Equal(t, uint64(2), c.Admin().Stats().BadPackets.Load())
}

func TestPromoteToAdminDirect(t *testing.T) {
	// Embedders may also promote a vetted connection themselves; this
	// exercises the exported method the auth path goes through.
	c := startAdminCerver(t, nil, func(pkt *Packet) error { return nil },
		func(c *Cerver) {
			require.NoError(t, c.SetAuthenticate(func(pkt *Packet) error { return nil }))
		})

	conn := dialTest(t, c.BoundPort())
	sendFrame(t, conn, packet.TypeAuth, packet.AuthCredentials, []byte("anything"))
	h, _ := readFrame(t, conn, time.Second)
	require.Equal(t, packet.AuthSuccess, h.Request)

	require.Eventually(t, func() bool { return c.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	c.clientsMu.Lock()
	var target *Connection
	for _, cc := range c.connByFD {
		target = cc
	}
	c.clientsMu.Unlock()
	require.NotNil(t, target)
	require.True(t, target.Authenticated())

	clientFds := c.CurrentNFds()
	adminFds := c.Admin().CurrentNFds()

	admin, err := c.PromoteToAdmin(target)
	require.NoError(t, err)
	require.NotNil(t, admin)

	// The fd moved planes and the client registry let go of the peer.
	assert.Equal(t, clientFds-1, c.CurrentNFds())
	assert.Equal(t, adminFds+1, c.Admin().CurrentNFds())
	assert.Equal(t, 0, c.ClientCount())
	assert.Equal(t, 1, c.Admin().AdminCount())
	assert.Same(t, admin, target.Admin())

	// Promoting a connection that already moved fails cleanly.
	_, err = c.PromoteToAdmin(target)
	assert.Error(t, err)

	// The admin plane now serves the fd.
	sendFrame(t, conn, packet.TypeCerver, packet.CerverPing, nil)
	h, _ = readFrame(t, conn, time.Second)
	assert.Equal(t, packet.CerverPong, h.Request)
}
