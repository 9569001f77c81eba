package cerver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ermiry/cerver/internal/logger"
)

// ErrPollFull is returned by Register when every slot is taken. The
// registry is left untouched; already-watched fds keep being served.
var ErrPollFull = errors.New("cerver: poll registry full")

// Poller is a readiness-loop registry: a fixed array of watched fds with
// fd = -1 marking free slots, guarded by one mutex. Each plane (client,
// admin) owns exactly one.
//
// The poll(2) call itself runs on a snapshot taken under the lock, so
// Register and Unregister never wait out a full poll timeout; a self-pipe
// wakes the sleeping loop whenever the registry changes.
type Poller struct {
	name    string
	timeout int // milliseconds

	mu      sync.Mutex
	fds     []unix.PollFd
	current int

	wakeR, wakeW int
	scratch      []unix.PollFd
}

func newPoller(name string, maxNFds int, timeout time.Duration) (*Poller, error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("poller %s: wake pipe: %w", name, err)
	}

	p := &Poller{
		name:    name,
		timeout: int(timeout.Milliseconds()),
		fds:     make([]unix.PollFd, maxNFds),
		wakeR:   pipe[0],
		wakeW:   pipe[1],
	}
	for i := range p.fds {
		p.fds[i].Fd = -1
	}

	return p, nil
}

// Register watches an fd for read readiness. Fails with ErrPollFull when
// no slot is free; no slot is mutated in that case.
func (p *Poller) Register(fd int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.fds {
		if p.fds[i].Fd < 0 {
			p.fds[i].Fd = fd
			p.fds[i].Events = unix.POLLIN
			p.current++
			p.wake()
			return nil
		}
	}

	return fmt.Errorf("%w: %s has %d fds", ErrPollFull, p.name, p.current)
}

// Unregister stops watching an fd. Returns false when the fd was not in
// the registry, which callers treat as "someone else already dropped it".
func (p *Poller) Unregister(fd int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.fds {
		if p.fds[i].Fd == fd {
			p.fds[i].Fd = -1
			p.fds[i].Events = 0
			p.current--
			p.wake()
			return true
		}
	}

	return false
}

// CurrentNFds returns the number of watched fds.
func (p *Poller) CurrentNFds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// wake nudges a sleeping wait(). Called with p.mu held; the pipe is
// non-blocking so a full pipe (wake already pending) is fine.
func (p *Poller) wake() {
	_, err := unix.Write(p.wakeW, []byte{0})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		logger.Warn("Poller wake failed", "poller", p.name, "error", err)
	}
}

// Wake nudges the loop from outside the registry lock, e.g. at teardown.
func (p *Poller) Wake() {
	p.mu.Lock()
	p.wake()
	p.mu.Unlock()
}

// wait blocks until at least one watched fd is ready or the timeout
// elapses. It returns the snapshot entries whose revents fired; a nil
// slice means a timeout or an interrupted call, both no-ops for the loop.
// A non-nil error is fatal to the plane.
func (p *Poller) wait() ([]unix.PollFd, error) {
	p.mu.Lock()
	snap := p.scratch[:0]
	snap = append(snap, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for i := range p.fds {
		if p.fds[i].Fd >= 0 {
			snap = append(snap, unix.PollFd{Fd: p.fds[i].Fd, Events: p.fds[i].Events})
		}
	}
	p.scratch = snap
	p.mu.Unlock()

	n, err := unix.Poll(snap, p.timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll on %s: %w", p.name, err)
	}
	if n == 0 {
		return nil, nil
	}

	if snap[0].Revents != 0 {
		p.drainWake()
	}

	ready := snap[1:]
	out := ready[:0]
	for _, pfd := range ready {
		if pfd.Revents != 0 {
			out = append(out, pfd)
		}
	}

	return out, nil
}

// drainWake empties the self-pipe so the next wait can sleep again.
func (p *Poller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// close releases the wake pipe. The watched fds belong to their
// connections and are closed on drop, not here.
func (p *Poller) close() {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
}
