package cerver

import (
	"context"
	"errors"
	"runtime/debug"

	"golang.org/x/sync/semaphore"

	"github.com/ermiry/cerver/internal/logger"
)

// ErrPoolSaturated is returned by Submit when every worker slot is busy.
var ErrPoolSaturated = errors.New("cerver: worker pool saturated")

// workerPool bounds user-initiated blocking work. Handlers must return
// promptly, so anything slow gets pushed here; the pool is deliberately
// outside the packet-dispatch critical path.
type workerPool struct {
	sem  *semaphore.Weighted
	size int64
}

func newWorkerPool(size int) *workerPool {
	return &workerPool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// submit runs work on its own goroutine if a slot is free. It never
// blocks the caller.
func (p *workerPool) submit(work func()) error {
	if !p.sem.TryAcquire(1) {
		return ErrPoolSaturated
	}

	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in worker pool task",
					"error", r,
					"stack", string(debug.Stack()))
			}
		}()

		work()
	}()

	return nil
}

// drain waits for every in-flight task by acquiring the whole capacity.
func (p *workerPool) drain() {
	_ = p.sem.Acquire(context.Background(), p.size)
	p.sem.Release(p.size)
}
