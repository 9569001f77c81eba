package cerver

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ermiry/cerver/internal/logger"
)

// Start opens the listening socket(s), launches the readiness loops and
// periodic goroutines, fires EventStarted, and blocks until Teardown
// completes. It returns nil on a clean stop and a descriptive error when
// the cerver could not come up or a plane died fatally.
func (c *Cerver) Start() error {
	if !c.isRunning.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var err error
	c.poller, err = newPoller(c.cfg.Name+"-clients", c.cfg.MaxNFds, c.cfg.PollTimeout)
	if err != nil {
		c.isRunning.Store(false)
		return err
	}

	listenFD, port, err := listen(c.cfg.Port, c.cfg.UseIPv6, c.cfg.ConnectionQueue)
	if err != nil {
		c.isRunning.Store(false)
		logger.Error("Failed to start cerver", "name", c.cfg.Name, "error", err)
		return err
	}
	c.listenFD = listenFD
	c.boundPort.Store(int32(port))

	// The listening fd takes slot 0 of the client plane.
	if err := c.poller.Register(listenFD); err != nil {
		_ = unix.Close(int(listenFD))
		c.isRunning.Store(false)
		return err
	}

	c.workers = newWorkerPool(c.cfg.NThreads)

	for _, h := range c.handlers {
		if h != nil {
			h.start(c)
		}
	}

	if c.admin != nil {
		c.admin.startHandlers()
	}

	registerCerver(c)

	group := new(errgroup.Group)

	c.loopsWG.Add(1)
	group.Go(func() error {
		defer c.loopsWG.Done()
		return c.clientPollLoop()
	})

	if c.admin != nil {
		c.loopsWG.Add(1)
		group.Go(func() error {
			defer c.loopsWG.Done()
			return c.admin.pollLoop()
		})
	}

	c.startUpdates(c.update, c.updateInterval, "client")
	if c.admin != nil {
		c.startUpdates(c.admin.update, c.admin.updateInterval, "admin")
	}

	logger.Info("Cerver started",
		"name", c.cfg.Name,
		"port", port,
		"admin", c.admin != nil)

	close(c.ready)
	c.triggerEvent(EventStarted, nil, nil)

	// A fatal plane error initiates teardown itself; a plain teardown
	// makes the loops return nil.
	loopErr := group.Wait()
	<-c.done

	return loopErr
}

// listen creates, binds and arms a non-blocking listening socket.
// Returns the fd and the actual bound port.
func listen(port int, ipv6 bool, backlog int) (int32, int, error) {
	domain := unix.AF_INET
	if ipv6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr
	if ipv6 {
		sa = &unix.SockaddrInet6{Port: port}
	} else {
		sa = &unix.SockaddrInet4{Port: port}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("bind port %d: %w", port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("getsockname: %w", err)
	}

	switch a := bound.(type) {
	case *unix.SockaddrInet4:
		port = a.Port
	case *unix.SockaddrInet6:
		port = a.Port
	}

	return int32(fd), port, nil
}

// clientPollLoop is the client plane's readiness loop. It runs until the
// cerver stops or poll fails unrecoverably; the latter initiates teardown
// so the process never keeps half a cerver alive.
func (c *Cerver) clientPollLoop() error {
	logger.Debug("Client readiness loop started", "cerver", c.cfg.Name)

	for c.isRunning.Load() {
		ready, err := c.poller.wait()
		if err != nil {
			logger.Error("Client readiness loop failed",
				"cerver", c.cfg.Name, "error", err)
			c.isRunning.Store(false)
			go c.Teardown()
			return err
		}

		for _, pfd := range ready {
			if !c.isRunning.Load() {
				break
			}

			if pfd.Fd == c.listenFD {
				if pfd.Revents&unix.POLLIN != 0 {
					c.acceptConnections()
				}
				continue
			}

			if pfd.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				c.dropByFD(pfd.Fd, "unexpected revent")
				continue
			}

			if pfd.Revents&unix.POLLIN != 0 {
				c.handleReadable(pfd.Fd)
			}
		}
	}

	logger.Debug("Client readiness loop ended", "cerver", c.cfg.Name)
	return nil
}

// acceptConnections drains the accept queue. The listener is
// non-blocking, so the loop ends on EAGAIN.
func (c *Cerver) acceptConnections() {
	for c.isRunning.Load() {
		nfd, sa, err := unix.Accept4(int(c.listenFD), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return
			}
			logger.Warn("Accept failed", "cerver", c.cfg.Name, "error", err)
			return
		}

		c.registerNewConnection(nfd, sockaddrString(sa))
	}
}

// registerNewConnection wires an accepted fd into a fresh Client and the
// readiness loop, then announces the cerver to the peer.
func (c *Cerver) registerNewConnection(fd int, remote string) {
	conn := newConnection(fd, remote, c.cfg.ReceiveBufferSize, c.cfg.MaxPacketSize)
	client := newClient(c.nextClientID.Add(1))

	c.clientsMu.Lock()
	client.addConnection(conn)
	c.clients[client.ID] = client
	c.connByFD[conn.FD()] = conn
	c.clientsMu.Unlock()

	if err := c.poller.Register(conn.FD()); err != nil {
		// No slot: undo the registration and refuse the peer.
		logger.Warn("Connection refused: poll registry full",
			"cerver", c.cfg.Name, "address", remote)

		c.clientsMu.Lock()
		client.removeConnection(conn)
		delete(c.clients, client.ID)
		delete(c.connByFD, conn.FD())
		c.clientsMu.Unlock()

		_ = conn.sock.Close()
		conn.free()
		return
	}

	conn.setState(StateOpen)

	c.stats.ConnectionsAccepted.Add(1)
	c.stats.ClientsRegistered.Add(1)
	c.metrics.RecordConnectionAccepted(c.cfg.Name, "client")
	c.metrics.SetActiveConnections(c.cfg.Name, "client", c.ClientCount())

	logger.Debug("Connection accepted",
		"cerver", c.cfg.Name,
		"client", client.ID,
		"fd", conn.FD(),
		"address", remote)

	if c.cfg.WelcomeMessage != "" {
		c.sendInfoPacket(conn)
	}

	c.triggerEvent(EventClientConnected, client, conn)
	c.triggerEvent(EventClientNewConnection, client, conn)
}

// handleReadable pulls bytes off a readable data fd and dispatches every
// complete packet the reassembler can slice off.
func (c *Cerver) handleReadable(fd int32) {
	c.clientsMu.Lock()
	conn := c.connByFD[fd]
	c.clientsMu.Unlock()
	if conn == nil {
		// Dropped between poll and dispatch; the fd may already belong
		// to a new connection next iteration.
		return
	}

	n, err := unix.Read(int(fd), conn.scratch)
	switch {
	case err != nil:
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return
		}
		c.dropConnection(conn, "recv failed: "+err.Error())
		return
	case n == 0:
		c.dropConnection(conn, "peer closed")
		return
	}

	conn.touch()
	conn.stats.BytesReceived.Add(uint64(n))
	if conn.client != nil {
		conn.client.stats.BytesReceived.Add(uint64(n))
	}
	c.stats.BytesReceived.Add(uint64(n))
	c.metrics.RecordBytesReceived(c.cfg.Name, "client", n)

	conn.reasm.Push(conn.scratch[:n])
	c.drainPackets(conn)
}

// drainPackets dispatches every complete packet buffered on a
// connection. Framing errors follow the bad-packet policy: a size
// violation kills the connection outright, while a magic or version
// mismatch answers with an error packet, discards the buffer, and drops
// only once the counter reaches the limit.
func (c *Cerver) drainPackets(conn *Connection) {
	for c.isRunning.Load() {
		h, payload, err := conn.reasm.Next()
		if err != nil {
			c.handleBadPacket(conn, err)
			return
		}
		if payload == nil {
			return
		}

		pkt := &Packet{
			Header:     h,
			Data:       payload,
			Cerver:     c,
			Client:     conn.client,
			Connection: conn,
		}

		conn.stats.PacketsReceived.Add(1)
		if conn.client != nil {
			conn.client.stats.PacketsReceived.Add(1)
		}
		c.stats.PacketsReceived.Add(1)
		c.metrics.RecordPacketReceived(c.cfg.Name, "client", h.Type.String())

		c.dispatch(pkt)

		if conn.State() == StateClosed || conn.State() == StateDropping {
			return
		}
		if conn.admin != nil {
			// Promoted mid-drain: the rest of the buffer belongs to the
			// admin plane's loop now.
			return
		}
	}
}

// handleBadPacket applies the malformed-framing policy to a connection.
func (c *Cerver) handleBadPacket(conn *Connection, cause error) {
	bad := conn.badPackets.Add(1)
	conn.stats.BadPackets.Add(1)
	c.stats.BadPackets.Add(1)
	c.metrics.RecordBadPacket(c.cfg.Name, "client")

	logger.Debug("Bad packet on connection",
		"cerver", c.cfg.Name,
		"address", conn.RemoteAddr(),
		"bad_packets", bad,
		"error", cause)

	c.SendError(conn, ErrorPacket, "malformed packet")
	c.triggerError(ErrorPacket, conn.client, conn, cause.Error())

	// Framing is lost; nothing later in the buffer can be trusted.
	conn.reasm.Reset()

	if isFatalFraming(cause) || int(bad) >= c.cfg.BadPacketsLimit {
		c.dropConnection(conn, "bad packet limit reached")
	}
}
