package cerver

import (
	"time"

	"github.com/ermiry/cerver/internal/logger"
)

// CerverUpdate is the shared value handed to every periodic callback.
type CerverUpdate struct {
	Cerver *Cerver

	// Args is whatever was registered alongside the callback.
	Args any
}

// UpdateFunc is a periodic embedder callback.
type UpdateFunc func(*CerverUpdate)

type updateRegistration struct {
	fn       UpdateFunc
	args     any
	ticks    int           // ticks per second, frame-paced update
	interval time.Duration // fixed interval update
}

// SetUpdate installs a frame-paced callback running ticksPerSecond times
// per second. Must be called before Start.
func (c *Cerver) SetUpdate(fn UpdateFunc, args any, ticksPerSecond int) error {
	if c.isRunning.Load() {
		return ErrAlreadyRunning
	}
	if fn == nil || ticksPerSecond <= 0 {
		return nil
	}
	c.update = &updateRegistration{fn: fn, args: args, ticks: ticksPerSecond}
	return nil
}

// SetUpdateInterval installs a callback running once every interval.
// Must be called before Start.
func (c *Cerver) SetUpdateInterval(fn UpdateFunc, args any, interval time.Duration) error {
	if c.isRunning.Load() {
		return ErrAlreadyRunning
	}
	if fn == nil || interval <= 0 {
		return nil
	}
	c.updateInterval = &updateRegistration{fn: fn, args: args, interval: interval}
	return nil
}

// startUpdates launches the configured periodic goroutines for a plane.
// Both end when the cerver stops running.
func (c *Cerver) startUpdates(update, interval *updateRegistration, plane string) {
	if update != nil {
		c.loopsWG.Add(1)
		go c.runUpdate(update, plane)
	}
	if interval != nil {
		c.loopsWG.Add(1)
		go c.runInterval(interval, plane)
	}
}

// runUpdate ticks the callback at the registered rate. The ticker gives
// a stable cadence; a slow callback simply eats its own frames.
func (c *Cerver) runUpdate(reg *updateRegistration, plane string) {
	defer c.loopsWG.Done()

	logger.Debug("Update loop started",
		"cerver", c.cfg.Name, "plane", plane, "ticks", reg.ticks)

	cu := &CerverUpdate{Cerver: c, Args: reg.args}
	ticker := time.NewTicker(time.Second / time.Duration(reg.ticks))
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.isRunning.Load() {
				return
			}
			reg.fn(cu)
		}
	}
}

// runInterval runs the callback once per registered interval.
func (c *Cerver) runInterval(reg *updateRegistration, plane string) {
	defer c.loopsWG.Done()

	logger.Debug("Interval loop started",
		"cerver", c.cfg.Name, "plane", plane, "interval", reg.interval)

	cu := &CerverUpdate{Cerver: c, Args: reg.args}
	ticker := time.NewTicker(reg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.isRunning.Load() {
				return
			}
			reg.fn(cu)
		}
	}
}
