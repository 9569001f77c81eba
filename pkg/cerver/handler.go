package cerver

import (
	"runtime/debug"
	"sync"

	"github.com/ermiry/cerver/internal/logger"
)

// HandlerFunc processes one packet. Handlers are expected to return
// promptly; blocking work belongs in the worker pool via Cerver.Submit.
type HandlerFunc func(*Packet)

// Job is one queued unit of handler work.
type Job struct {
	Args   any
	Packet *Packet
}

// Handler binds a callable to a packet type. By default packets are
// enqueued on a bounded FIFO drained by one worker goroutine, which
// preserves per-connection arrival order; SetDirectHandle makes the
// readiness loop invoke the callable inline instead.
type Handler struct {
	name   string
	fn     HandlerFunc
	direct bool

	queueSize int
	queue     chan *Job

	cerver *Cerver

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewHandler creates a queued handler around fn.
func NewHandler(name string, fn HandlerFunc) *Handler {
	return &Handler{
		name: name,
		fn:   fn,
	}
}

// SetDirectHandle switches between inline and queued invocation. Must be
// called before the cerver starts.
func (h *Handler) SetDirectHandle(direct bool) {
	h.direct = direct
}

// SetQueueSize overrides the cerver-wide job queue bound for this
// handler. Must be called before the cerver starts.
func (h *Handler) SetQueueSize(n int) {
	h.queueSize = n
}

// Name returns the handler's name.
func (h *Handler) Name() string {
	return h.name
}

// Direct reports whether the handler runs on the readiness-loop thread.
func (h *Handler) Direct() bool {
	return h.direct
}

// QueueLen returns the number of jobs waiting. Always 0 for direct
// handlers.
func (h *Handler) QueueLen() int {
	if h.queue == nil {
		return 0
	}
	return len(h.queue)
}

// start spins up the worker for queued handlers. Idempotent.
func (h *Handler) start(c *Cerver) {
	h.startOnce.Do(func() {
		h.cerver = c
		if h.direct {
			return
		}

		size := h.queueSize
		if size <= 0 {
			size = c.cfg.HandlerQueueSize
		}
		h.queue = make(chan *Job, size)

		h.wg.Add(1)
		c.numHandlersAlive.Add(1)
		go h.work()
	})
}

// work drains the job queue until it is closed and empty.
func (h *Handler) work() {
	defer h.wg.Done()
	defer h.cerver.numHandlersAlive.Add(-1)

	for job := range h.queue {
		h.cerver.numHandlersWorking.Add(1)
		h.invoke(job.Packet)
		h.cerver.numHandlersWorking.Add(-1)
		h.cerver.metrics.SetQueueDepth(h.cerver.cfg.Name, h.name, len(h.queue))
	}
}

// invoke runs the callable with panic recovery, then releases the packet.
// A panicking handler loses its packet but never takes the plane down.
func (h *Handler) invoke(pkt *Packet) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in packet handler",
				"handler", h.name,
				"type", pkt.Header.Type.String(),
				"error", r,
				"stack", string(debug.Stack()))
		}
		pkt.release()
	}()

	h.fn(pkt)
}

// enqueue pushes a packet onto the job queue without blocking. A full
// queue rejects the job: the caller logs and drops the packet, which is
// the framework's backpressure policy.
func (h *Handler) enqueue(pkt *Packet) bool {
	select {
	case h.queue <- &Job{Packet: pkt}:
		h.cerver.metrics.SetQueueDepth(h.cerver.cfg.Name, h.name, len(h.queue))
		return true
	default:
		return false
	}
}

// stop marks the queue as draining and joins the worker. The producers
// (the readiness loops) must have exited first; after that the close is
// what releases a worker parked on an empty queue.
func (h *Handler) stop() {
	h.stopOnce.Do(func() {
		if h.queue != nil {
			close(h.queue)
		}
		h.wg.Wait()
	})
}
