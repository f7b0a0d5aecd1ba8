package replication

import (
	"sync"

	"github.com/rs/zerolog"
)

// workerPool runs tasks on a fixed number of goroutines. Submit never blocks:
// tasks beyond the pool size wait in an unbounded FIFO queue. The pool size is
// the bound on concurrent outbound node calls.
type workerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newWorkerPool(size int, logger zerolog.Logger) *workerPool {
	if size <= 0 {
		size = 1
	}
	p := &workerPool{logger: logger}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

// Submit queues task. It fails with ErrPoolClosed after shutdown.
func (p *workerPool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *workerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting tasks, lets the workers drain the queue and waits
// for them to exit.
func (p *workerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *workerPool) work() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *workerPool) run(task func()) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error().Interface("panic", v).Msg("worker task panicked")
		}
	}()
	task()
}
