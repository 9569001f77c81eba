package cerver

import (
	"golang.org/x/sys/unix"

	"github.com/ermiry/cerver/internal/logger"
)

// Teardown stops the cerver: readiness loops exit within one poll
// timeout, handler queues drain and their workers join, every remaining
// connection is dropped, and EventTeardown fires exactly once.
//
// Idempotent: later calls wait for the first to finish and return nil.
func (c *Cerver) Teardown() error {
	c.teardownOnce.Do(c.teardown)
	<-c.done
	return nil
}

func (c *Cerver) teardown() {
	logger.Info("Cerver teardown initiated", "name", c.cfg.Name)

	// 1. Stop the world flag. Loops observe it on their next wake-up.
	c.isRunning.Store(false)
	close(c.stop)

	// 2. Kick the readiness loops out of poll and wait for them, along
	// with the update goroutines.
	if c.poller != nil {
		c.poller.Wake()
	}
	if c.admin != nil && c.admin.poller != nil {
		c.admin.poller.Wake()
	}
	c.loopsWG.Wait()

	// 3. Drain the handlers. The loops (the only producers) are gone,
	// so closing each queue releases its parked worker once empty.
	for _, h := range c.handlers {
		if h != nil {
			h.stop()
		}
	}
	if c.admin != nil {
		c.admin.stopHandlers()
	}

	// 4. Drop whatever connections are still around.
	c.dropAllConnections()
	if c.admin != nil {
		c.admin.dropAllConnections()
	}

	// 5. Release the listeners and pollers.
	if c.listenFD >= 0 {
		_ = unix.Close(int(c.listenFD))
		c.listenFD = -1
	}
	if c.poller != nil {
		c.poller.close()
	}
	if c.admin != nil {
		c.admin.close()
	}

	// 6. Let in-flight worker-pool tasks finish.
	if c.workers != nil {
		c.workers.drain()
	}

	unregisterCerver(c)

	c.triggerEvent(EventTeardown, nil, nil)

	logger.Info("Cerver teardown complete", "name", c.cfg.Name)
	close(c.done)
}
