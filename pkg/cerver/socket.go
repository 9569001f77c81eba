package cerver

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrSocketClosed is returned by Send after the socket was closed.
var ErrSocketClosed = errors.New("cerver: socket closed")

// Socket owns a file descriptor and serializes concurrent sends on it.
// Receives are not guarded: only the owning readiness loop reads.
type Socket struct {
	fd     atomic.Int32
	sendMu sync.Mutex
}

func newSocket(fd int) *Socket {
	s := &Socket{}
	s.fd.Store(int32(fd))
	return s
}

// FD returns the descriptor, or -1 after Close.
func (s *Socket) FD() int32 {
	return s.fd.Load()
}

// Send writes the whole buffer, retrying short writes. The socket is
// non-blocking, so EAGAIN waits for write readiness and retries. Safe for
// concurrent use; sends from different goroutines never interleave.
func (s *Socket) Send(b []byte) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	fd := s.fd.Load()
	if fd < 0 {
		return 0, ErrSocketClosed
	}

	sent := 0
	for sent < len(b) {
		n, err := unix.Write(int(fd), b[sent:])
		if n > 0 {
			sent += n
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if werr := waitWritable(fd); werr != nil {
				return sent, fmt.Errorf("wait writable: %w", werr)
			}
		default:
			return sent, fmt.Errorf("send on fd %d: %w", fd, err)
		}
	}

	return sent, nil
}

// waitWritable blocks until the fd accepts more bytes.
func waitWritable(fd int32) error {
	pfd := []unix.PollFd{{Fd: fd, Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(pfd, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// Close releases the descriptor. Idempotent: only the first call closes.
func (s *Socket) Close() error {
	fd := s.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	return unix.Close(int(fd))
}
