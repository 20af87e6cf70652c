// Package dispatch runs event handlers on a bounded set of workers and applies
// the drop-on-rejection policy once the pool is shut down.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/harbor_bpe/internal/logging"
	"github.com/austindbirch/harbor_bpe/internal/metrics"
)

var ErrPoolClosed = errors.New("dispatch pool is shut down")

// Pool executes jobs on at most size goroutines. The queue is unbounded; workers
// start on demand and exit after idleTimeout without work.
type Pool struct {
	size        int
	idleTimeout time.Duration

	mu      sync.Mutex
	queue   []func()
	workers int
	idle    int
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPool(size int, idleTimeout time.Duration) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0, got %d", size)
	}
	if idleTimeout <= 0 {
		idleTimeout = time.Minute
	}
	return &Pool{
		size:        size,
		idleTimeout: idleTimeout,
		wake:        make(chan struct{}, size),
		done:        make(chan struct{}),
	}, nil
}

// Submit queues job. It never blocks and fails only with ErrPoolClosed.
func (p *Pool) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.queue = append(p.queue, job)
	metrics.UpdateQueueDepth(float64(len(p.queue)))

	switch {
	case p.idle > 0:
		select {
		case p.wake <- struct{}{}:
		default:
		}
	case p.workers < p.size:
		p.workers++
		p.wg.Add(1)
		go p.work()
	}
	return nil
}

// Workers reports the number of live worker goroutines
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Pending reports the number of queued jobs
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) work() {
	defer p.wg.Done()
	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			job := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			metrics.UpdateQueueDepth(float64(len(p.queue)))
			p.mu.Unlock()
			p.run(job)
			continue
		}
		if p.closed {
			p.workers--
			p.mu.Unlock()
			return
		}
		p.idle++
		p.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.idleTimeout)

		select {
		case <-p.wake:
			p.markBusy()
		case <-p.done:
			p.markBusy()
		case <-timer.C:
			p.mu.Lock()
			p.idle--
			if len(p.queue) == 0 && !p.closed {
				p.workers--
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) markBusy() {
	p.mu.Lock()
	p.idle--
	p.mu.Unlock()
}

func (p *Pool) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Plain().WithField("panic", fmt.Sprint(r)).Error("dispatch job panicked")
		}
	}()
	job()
}

// Shutdown rejects new jobs, lets queued jobs finish and waits for the workers.
// It returns ctx.Err() if the workers outlive ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.done) })

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
