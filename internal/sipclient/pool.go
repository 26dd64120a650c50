package sipclient

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// workerPool executes outbound call work without blocking the API caller.
// It keeps a minimum number of resident workers, grows to the maximum under
// load, and once the bounded queue is full the submitting goroutine runs the
// task itself (caller-runs backpressure).
type workerPool struct {
	tasks chan func()

	minWorkers int
	maxWorkers int
	workers    atomic.Int32

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

const workerIdleTimeout = 30 * time.Second

func newWorkerPool(minWorkers, maxWorkers, queueSize int) *workerPool {
	if minWorkers < 1 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}

	p := &workerPool{
		tasks:      make(chan func(), queueSize),
		minWorkers: minWorkers,
		maxWorkers: maxWorkers,
	}

	for i := 0; i < minWorkers; i++ {
		p.spawn(true)
	}
	return p
}

func (p *workerPool) spawn(resident bool) {
	p.workers.Add(1)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.workers.Add(-1)

		if resident {
			for task := range p.tasks {
				task()
			}
			return
		}

		// Surge workers exit after sitting idle
		idle := time.NewTimer(workerIdleTimeout)
		defer idle.Stop()
		for {
			select {
			case task, ok := <-p.tasks:
				if !ok {
					return
				}
				task()
				idle.Reset(workerIdleTimeout)
			case <-idle.C:
				return
			}
		}
	}()
}

// Submit runs the task on a pool worker. When the queue is full and the pool
// is at its maximum size, the task runs on the calling goroutine instead.
func (p *workerPool) Submit(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	select {
	case p.tasks <- task:
		p.mu.Unlock()
		return
	default:
	}

	if int(p.workers.Load()) < p.maxWorkers {
		p.spawn(false)
		select {
		case p.tasks <- task:
			p.mu.Unlock()
			return
		default:
		}
	}
	p.mu.Unlock()

	// Queue saturated: caller runs
	task()
}

// Shutdown stops accepting work and waits up to the given bound for queued
// tasks to drain. Tasks still running after the bound are abandoned.
func (p *workerPool) Shutdown(wait time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(wait):
		slog.Warn("[Pool] Shutdown timed out with tasks still running")
	}
}
