package cerver

import (
	"sync"

	"github.com/ermiry/cerver/internal/logger"
)

// The process-scoped registry tracks every running cerver so End can
// stop them all. Everything else lives inside the Cerver value.
var (
	processMu      sync.Mutex
	runningCervers = make(map[*Cerver]struct{})
)

// Init prepares process-wide state. Call once before creating cervers;
// calling it again is harmless.
func Init() {
	logger.Debug("Cerver framework initialized")
}

// End tears down every cerver still running and releases process-wide
// state. Idempotent.
func End() {
	processMu.Lock()
	cervers := make([]*Cerver, 0, len(runningCervers))
	for c := range runningCervers {
		cervers = append(cervers, c)
	}
	processMu.Unlock()

	for _, c := range cervers {
		_ = c.Teardown()
	}

	logger.Debug("Cerver framework ended", "stopped", len(cervers))
}

func registerCerver(c *Cerver) {
	processMu.Lock()
	runningCervers[c] = struct{}{}
	processMu.Unlock()
}

func unregisterCerver(c *Cerver) {
	processMu.Lock()
	delete(runningCervers, c)
	processMu.Unlock()
}
