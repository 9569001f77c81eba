// Package cerver implements a general-purpose TCP server framework.
//
// A Cerver accepts long-lived client connections, frames application
// messages as length-prefixed typed packets, and dispatches them to
// per-type handlers, either directly on the readiness-loop goroutine or
// through a bounded job queue drained by one worker per handler. A
// parallel admin plane, with its own readiness loop and registry, serves
// authenticated privileged peers.
//
// Architecture:
//
//	listen fd ──┐
//	client fds ─┴─> readiness loop ─> reassembler ─> dispatch ─┬─> direct handler
//	                                                           └─> job queue ─> worker
//
// The readiness loops are poll(2) based (golang.org/x/sys/unix); each
// plane owns a registry of watched fds guarded by a mutex, with fd = -1
// marking free slots. All connection drops are idempotent: the first
// unregister of an fd wins and later attempts are no-ops.
//
// Lock order, global and never reversed:
// clients -> admins -> poll -> queue -> socket send.
package cerver
