package cerver

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermiry/cerver/pkg/packet"
)

func newStartedCerver(t *testing.T) *Cerver {
	t.Helper()

	c, err := NewCerver(Config{Name: "handler-test", Port: 0})
	require.NoError(t, err)
	// Not started: handler tests drive the queue directly.
	c.isRunning.Store(true)
	t.Cleanup(func() {
		c.isRunning.Store(false)
	})
	return c
}

func testPacket(req uint32) *Packet {
	return &Packet{
		Header: packet.NewHeader(packet.TypeApp, req, 0),
	}
}

func TestHandlerQueueFIFO(t *testing.T) {
	c := newStartedCerver(t)

	var got []uint32
	done := make(chan struct{})

	h := NewHandler("fifo", func(pkt *Packet) {
		got = append(got, pkt.Header.Request)
		if len(got) == 10 {
			close(done)
		}
	})
	h.start(c)

	for i := uint32(0); i < 10; i++ {
		require.True(t, h.enqueue(testPacket(i)))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain the queue")
	}

	h.stop()

	for i, req := range got {
		assert.Equal(t, uint32(i), req)
	}
}

func TestHandlerQueueBound(t *testing.T) {
	c := newStartedCerver(t)

	block := make(chan struct{})
	h := NewHandler("bounded", func(pkt *Packet) {
		<-block
	})
	h.SetQueueSize(2)
	h.start(c)

	// One job occupies the worker; two fill the queue.
	require.True(t, h.enqueue(testPacket(0)))

	require.Eventually(t, func() bool { return c.NumHandlersWorking() == 1 },
		time.Second, 5*time.Millisecond)

	require.True(t, h.enqueue(testPacket(1)))
	require.True(t, h.enqueue(testPacket(2)))
	assert.Equal(t, 2, h.QueueLen())

	// The bound holds: the next enqueue is refused, nothing blocks.
	assert.False(t, h.enqueue(testPacket(3)))

	close(block)
	h.stop()
	assert.Zero(t, h.QueueLen())
}

func TestHandlerWorkerCounters(t *testing.T) {
	c := newStartedCerver(t)

	release := make(chan struct{})
	h := NewHandler("counters", func(pkt *Packet) {
		<-release
	})
	h.start(c)

	assert.Equal(t, 1, c.NumHandlersAlive())

	require.True(t, h.enqueue(testPacket(0)))
	require.Eventually(t, func() bool { return c.NumHandlersWorking() == 1 },
		time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return c.NumHandlersWorking() == 0 },
		time.Second, 5*time.Millisecond)

	h.stop()
	assert.Equal(t, 0, c.NumHandlersAlive())
}

func TestHandlerPanicRecovery(t *testing.T) {
	c := newStartedCerver(t)

	var calls atomic.Int32
	h := NewHandler("panicky", func(pkt *Packet) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	h.start(c)

	require.True(t, h.enqueue(testPacket(0)))
	require.True(t, h.enqueue(testPacket(1)))

	// The worker survives the panic and keeps serving.
	require.Eventually(t, func() bool { return calls.Load() == 2 },
		time.Second, 5*time.Millisecond)

	h.stop()
	assert.Equal(t, 0, c.NumHandlersAlive())
}

func TestDirectHandlerHasNoQueue(t *testing.T) {
	c := newStartedCerver(t)

	var calls atomic.Int32
	h := NewHandler("direct", func(pkt *Packet) {
		calls.Add(1)
	})
	h.SetDirectHandle(true)
	h.start(c)

	assert.Zero(t, h.QueueLen())
	assert.Equal(t, 0, c.NumHandlersAlive())

	h.invoke(testPacket(0))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerPoolBound(t *testing.T) {
	p := newWorkerPool(2)

	block := make(chan struct{})
	for i := 0; i < 2; i++ {
		require.NoError(t, p.submit(func() { <-block }))
	}

	assert.ErrorIs(t, p.submit(func() {}), ErrPoolSaturated)

	close(block)
	p.drain()

	// Capacity is back.
	assert.NoError(t, p.submit(func() {}))
	p.drain()
}
