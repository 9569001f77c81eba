package cerver

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermiry/cerver/pkg/packet"
)

// The app request used by the echo tests, mirroring the test-message
// example.
const testMsg uint32 = 0

// startTestCerver builds, configures and starts a cerver on the default
// port (Port 0 selects DefaultPort). setup runs before Start, which is where handlers and events must
// be registered.
func startTestCerver(t *testing.T, mutate func(*Config), setup func(*Cerver)) *Cerver {
	t.Helper()

	cfg := Config{
		Name:        "test-cerver",
		Port:        0,
		PollTimeout: 100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := NewCerver(cfg)
	require.NoError(t, err)

	if setup != nil {
		setup(c)
	}

	go func() { _ = c.Start() }()
	c.WaitReady()

	t.Cleanup(func() { _ = c.Teardown() })
	return c
}

func dialTest(t *testing.T, port int) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, typ packet.Type, req uint32, payload []byte) {
	t.Helper()

	_, err := conn.Write(packet.Frame(typ, req, payload))
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) (packet.Header, []byte) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))

	var hb [packet.HeaderSize]byte
	_, err := io.ReadFull(conn, hb[:])
	require.NoError(t, err)

	h, err := packet.ParseHeader(hb[:])
	require.NoError(t, err)

	payload := make([]byte, h.PayloadSize())
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)

	return h, payload
}

// echoHandler answers every testMsg with a testMsg carrying the same
// payload.
func echoHandler(direct bool) *Handler {
	h := NewHandler("app", func(pkt *Packet) {
		if pkt.Header.Request == testMsg {
			_ = pkt.Reply(packet.TypeApp, testMsg, pkt.Data)
		}
	})
	h.SetDirectHandle(direct)
	return h
}

func TestEchoDirectHandler(t *testing.T) {
	var closed atomic.Int32

	c := startTestCerver(t, nil, func(c *Cerver) {
		require.NoError(t, c.SetAppHandlers(echoHandler(true), nil))
		c.RegisterEvent(EventClientCloseConnection, func(*EventData) {
			closed.Add(1)
		}, nil, nil, false, false)
	})

	conn := dialTest(t, c.BoundPort())
	sendFrame(t, conn, packet.TypeApp, testMsg, nil)

	h, payload := readFrame(t, conn, time.Second)
	assert.Equal(t, packet.TypeApp, h.Type)
	assert.Equal(t, testMsg, h.Request)
	assert.Empty(t, payload)

	// Exactly one reply: the next read times out.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var one [1]byte
	_, err := conn.Read(one[:])
	nerr, ok := err.(net.Error)
	require.True(t, ok, "expected a timeout, got %v", err)
	assert.True(t, nerr.Timeout())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return closed.Load() == 1 },
		2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, c.ClientCount())
}

func TestQueuedHandlerPreservesOrder(t *testing.T) {
	const n = 50

	c := startTestCerver(t, nil, func(c *Cerver) {
		h := NewHandler("app", func(pkt *Packet) {
			time.Sleep(20 * time.Millisecond)
			_ = pkt.Reply(packet.TypeApp, pkt.Header.Request, nil)
		})
		require.NoError(t, c.SetAppHandlers(h, nil))
	})

	conn := dialTest(t, c.BoundPort())
	for i := uint32(0); i < n; i++ {
		sendFrame(t, conn, packet.TypeApp, i, nil)
	}

	deadline := time.Now().Add(5 * time.Second)
	for i := uint32(0); i < n; i++ {
		h, _ := readFrame(t, conn, time.Until(deadline))
		assert.Equal(t, i, h.Request, "replies out of order")
	}

	assert.Equal(t, 1, c.ClientCount())
}

func TestMalformedHeaderAccounting(t *testing.T) {
	c := startTestCerver(t, func(cfg *Config) {
		cfg.BadPacketsLimit = 2
	}, func(c *Cerver) {
		require.NoError(t, c.SetAppHandlers(echoHandler(true), nil))
	})

	conn := dialTest(t, c.BoundPort())

	badHeader := packet.Frame(packet.TypeApp, testMsg, nil)
	badHeader[0] ^= 0xff // break the magic

	// First offense: an error packet back, connection stays up.
	_, err := conn.Write(badHeader)
	require.NoError(t, err)

	h, payload := readFrame(t, conn, time.Second)
	require.Equal(t, packet.TypeError, h.Type)
	perr, err := packet.ParseErrorPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(ErrorPacket), perr.Kind)

	assert.Eventually(t, func() bool {
		return c.Stats().BadPackets.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// Valid traffic still flows.
	sendFrame(t, conn, packet.TypeApp, testMsg, nil)
	h, _ = readFrame(t, conn, time.Second)
	assert.Equal(t, packet.TypeApp, h.Type)

	// Second offense reaches the limit: error packet, then the drop.
	_, err = conn.Write(badHeader)
	require.NoError(t, err)

	h, _ = readFrame(t, conn, time.Second)
	require.Equal(t, packet.TypeError, h.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var one [1]byte
	_, err = conn.Read(one[:])
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool { return c.ClientCount() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestOversizedPacketDropsConnection(t *testing.T) {
	c := startTestCerver(t, func(cfg *Config) {
		cfg.MaxPacketSize = 1024
	}, nil)

	conn := dialTest(t, c.BoundPort())

	h := packet.NewHeader(packet.TypeApp, testMsg, 0)
	h.Size = 4096 // over the cap
	_, err := conn.Write(h.AppendTo(nil))
	require.NoError(t, err)

	// Error packet, then immediate close: size violations are fatal.
	eh, _ := readFrame(t, conn, time.Second)
	assert.Equal(t, packet.TypeError, eh.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var one [1]byte
	_, err = conn.Read(one[:])
	assert.ErrorIs(t, err, io.EOF)
}

func TestPayloadSplitAcrossWrites(t *testing.T) {
	c := startTestCerver(t, nil, func(c *Cerver) {
		require.NoError(t, c.SetAppHandlers(echoHandler(true), nil))
	})

	conn := dialTest(t, c.BoundPort())

	framed := packet.Frame(packet.TypeApp, testMsg, []byte("two-chunk payload"))
	half := len(framed) / 2

	_, err := conn.Write(framed[:half])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(framed[half:])
	require.NoError(t, err)

	// Exactly one dispatch, one echo.
	h, payload := readFrame(t, conn, time.Second)
	assert.Equal(t, packet.TypeApp, h.Type)
	assert.Equal(t, []byte("two-chunk payload"), payload)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var one [1]byte
	_, err = conn.Read(one[:])
	nerr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())
}

func TestPingPong(t *testing.T) {
	c := startTestCerver(t, nil, nil)

	conn := dialTest(t, c.BoundPort())
	sendFrame(t, conn, packet.TypeCerver, packet.CerverPing, nil)

	h, _ := readFrame(t, conn, time.Second)
	assert.Equal(t, packet.TypeCerver, h.Type)
	assert.Equal(t, packet.CerverPong, h.Request)
}

func TestWelcomeInfoPacket(t *testing.T) {
	const welcome = "Welcome - Simple Test Message Example"

	c := startTestCerver(t, func(cfg *Config) {
		cfg.WelcomeMessage = welcome
	}, nil)

	conn := dialTest(t, c.BoundPort())

	h, payload := readFrame(t, conn, time.Second)
	assert.Equal(t, packet.TypeCerver, h.Type)
	assert.Equal(t, packet.CerverInfo, h.Request)
	assert.Equal(t, welcome, string(payload))
}

func TestClientAuthFlow(t *testing.T) {
	var authOK, authFail atomic.Int32

	c := startTestCerver(t, nil, func(c *Cerver) {
		require.NoError(t, c.SetAuthenticate(func(pkt *Packet) error {
			if string(pkt.Data) == "secret" {
				return nil
			}
			return fmt.Errorf("bad credentials")
		}))
		c.RegisterEvent(EventClientAuthSuccess, func(*EventData) {
			authOK.Add(1)
		}, nil, nil, false, false)
		c.RegisterEvent(EventClientAuthFail, func(*EventData) {
			authFail.Add(1)
		}, nil, nil, false, false)
	})

	conn := dialTest(t, c.BoundPort())

	// Wrong credentials: failed-auth error packet, connection stays.
	sendFrame(t, conn, packet.TypeAuth, packet.AuthCredentials, []byte("nope"))
	h, payload := readFrame(t, conn, time.Second)
	require.Equal(t, packet.TypeError, h.Type)
	perr, err := packet.ParseErrorPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(ErrorFailedAuth), perr.Kind)

	// Right credentials: success reply, authenticated flag set.
	sendFrame(t, conn, packet.TypeAuth, packet.AuthCredentials, []byte("secret"))
	h, _ = readFrame(t, conn, time.Second)
	assert.Equal(t, packet.TypeAuth, h.Type)
	assert.Equal(t, packet.AuthSuccess, h.Request)

	assert.Eventually(t, func() bool { return authOK.Load() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), authFail.Load())
	assert.Equal(t, uint64(1), c.Stats().AuthFailures.Load())
}

func TestDropIdempotent(t *testing.T) {
	c := startTestCerver(t, nil, nil)

	conn := dialTest(t, c.BoundPort())
	sendFrame(t, conn, packet.TypeCerver, packet.CerverPing, nil)
	_, _ = readFrame(t, conn, time.Second)

	require.Eventually(t, func() bool { return c.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	c.clientsMu.Lock()
	var target *Connection
	for _, cc := range c.connByFD {
		target = cc
	}
	c.clientsMu.Unlock()
	require.NotNil(t, target)

	c.dropConnection(target, "test")
	assert.Equal(t, 0, c.ClientCount())
	assert.Equal(t, StateClosed, target.State())
	nfds := c.CurrentNFds()

	// The second drop finds the fd gone and leaves everything alone.
	c.dropConnection(target, "test again")
	assert.Equal(t, 0, c.ClientCount())
	assert.Equal(t, nfds, c.CurrentNFds())
	assert.Equal(t, uint64(1), c.Stats().ConnectionsClosed.Load())
}

func TestTeardownWithClients(t *testing.T) {
	var torndown atomic.Int32

	c := startTestCerver(t, nil, func(c *Cerver) {
		c.RegisterEvent(EventTeardown, func(*EventData) {
			torndown.Add(1)
		}, nil, nil, false, false)
	})

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i] = dialTest(t, c.BoundPort())
		sendFrame(t, conns[i], packet.TypeCerver, packet.CerverPing, nil)
		_, _ = readFrame(t, conns[i], time.Second)
	}

	require.Eventually(t, func() bool { return c.ClientCount() == 3 },
		time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Teardown())
	assert.Less(t, time.Since(start), c.Config().PollTimeout+2*time.Second)

	assert.Equal(t, int32(1), torndown.Load())
	assert.False(t, c.IsRunning())
	assert.Equal(t, 0, c.ClientCount())
	assert.Equal(t, 0, c.NumHandlersAlive())

	// Every client socket was closed server-side.
	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var one [1]byte
		_, err := conn.Read(one[:])
		assert.ErrorIs(t, err, io.EOF)
	}

	// Idempotent.
	require.NoError(t, c.Teardown())
	assert.Equal(t, int32(1), torndown.Load())
}

func TestFdReuseServesNewClientDistinctly(t *testing.T) {
	var ids []uint64
	idCh := make(chan uint64, 4)

	c := startTestCerver(t, nil, func(c *Cerver) {
		require.NoError(t, c.SetAppHandlers(echoHandler(true), nil))
		c.RegisterEvent(EventClientConnected, func(e *EventData) {
			idCh <- e.Client.ID
		}, nil, nil, false, false)
	})

	first := dialTest(t, c.BoundPort())
	sendFrame(t, first, packet.TypeApp, testMsg, []byte("one"))
	_, payload := readFrame(t, first, time.Second)
	assert.Equal(t, []byte("one"), payload)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return c.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// The kernel is now free to hand the same fd to the next accept.
	second := dialTest(t, c.BoundPort())
	sendFrame(t, second, packet.TypeApp, testMsg, []byte("two"))
	_, payload = readFrame(t, second, time.Second)
	assert.Equal(t, []byte("two"), payload)

	for len(idCh) > 0 {
		ids = append(ids, <-idCh)
	}
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1], "reused fd must belong to a fresh client")
	assert.Equal(t, 1, c.ClientCount())
}

func TestConnectionRefusedWhenPollFull(t *testing.T) {
	// MaxNFds 3 = listener + two connections.
	c := startTestCerver(t, func(cfg *Config) {
		cfg.MaxNFds = 3
	}, nil)

	c1 := dialTest(t, c.BoundPort())
	c2 := dialTest(t, c.BoundPort())
	sendFrame(t, c1, packet.TypeCerver, packet.CerverPing, nil)
	_, _ = readFrame(t, c1, time.Second)
	sendFrame(t, c2, packet.TypeCerver, packet.CerverPing, nil)
	_, _ = readFrame(t, c2, time.Second)

	require.Eventually(t, func() bool { return c.ClientCount() == 2 },
		time.Second, 10*time.Millisecond)

	// The third connection is accepted by the kernel but refused by the
	// registry: closed without ever being served.
	c3 := dialTest(t, c.BoundPort())
	require.NoError(t, c3.SetReadDeadline(time.Now().Add(2*time.Second)))
	var one [1]byte
	_, err := c3.Read(one[:])
	assert.ErrorIs(t, err, io.EOF)

	// The survivors keep being served.
	sendFrame(t, c1, packet.TypeCerver, packet.CerverPing, nil)
	h, _ := readFrame(t, c1, time.Second)
	assert.Equal(t, packet.CerverPong, h.Request)
	assert.Equal(t, 2, c.ClientCount())
}
