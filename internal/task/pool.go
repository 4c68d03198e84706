package task

import (
	"sync"
	"sync/atomic"
)

// queueCapacity bounds how many submissions can wait behind the busy
// workers. Submissions beyond capacity block the caller.
const queueCapacity = 256

// Handle lets a queued unit of work be abandoned before it starts. Workers
// check it once, just before running; a cancelled handle is skipped.
type Handle struct {
	cancelled atomic.Bool
}

// Cancel marks the unit of work as abandoned.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

type job struct {
	handle *Handle
	run    func()
}

// pool is one fixed-size generation of workers. It is never resized; the
// WorkerPool swaps whole generations instead.
type pool struct {
	size  int
	queue chan job
}

func newPool(size int) *pool {
	if size < 1 {
		size = 1
	}
	p := &pool{size: size, queue: make(chan job, queueCapacity)}
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	for j := range p.queue {
		if j.handle != nil && j.handle.cancelled.Load() {
			continue
		}
		j.run()
	}
}

// drain stops intake; queued and running work finishes, then the workers
// exit.
func (p *pool) drain() {
	close(p.queue)
}

// WorkerPool is a bounded FIFO executor whose size can change at runtime.
// Resizing swaps in a fresh generation under a single indirection and lets
// the old generation drain; running work is never killed.
type WorkerPool struct {
	mu      sync.RWMutex
	current *pool
}

// NewWorkerPool creates a pool with size workers (minimum 1).
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{current: newPool(size)}
}

// Submit enqueues one unit of work. First submitted, first scheduled,
// subject to slot availability.
func (w *WorkerPool) Submit(h *Handle, run func()) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.current.queue <- job{handle: h, run: run}
}

// Resize replaces the worker generation. The old generation accepts no new
// submissions but completes everything already queued or running.
func (w *WorkerPool) Resize(size int) {
	w.mu.Lock()
	old := w.current
	w.current = newPool(size)
	w.mu.Unlock()
	old.drain()
}

// Size returns the current generation's worker count.
func (w *WorkerPool) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.size
}

// Shutdown drains the current generation. Meant for process exit; queued
// work still completes.
func (w *WorkerPool) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current.drain()
}
