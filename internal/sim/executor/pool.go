// Package executor runs work off the tick goroutine and hands results back through
// a completion queue that the tick drains without blocking.
//
// Submit never blocks and Poll never blocks. Completions arrive in whatever order
// the workers finish. There is no retry and no backpressure here.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("executor closed")
	ErrPanic  = errors.New("work panicked")
)

// Work is one unit of dispatch. ctx is cancelled when the pool closes.
type Work[T any] func(ctx context.Context) (T, error)

type Handle struct {
	ID uint64
}

type Completion[T any] struct {
	Handle  Handle
	Value   T
	Err     error
	Elapsed time.Duration
}

type Stats struct {
	Workers        int
	Queued         int
	Running        int
	Ready          int
	SubmittedTotal uint64
	CompletedTotal uint64
	FailedTotal    uint64
	PanicTotal     uint64
}

type job[T any] struct {
	h    Handle
	work Work[T]
}

type Pool[T any] struct {
	logger  *zap.Logger
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []job[T]
	closed bool

	doneMu sync.Mutex
	done   []Completion[T]
	ready  chan struct{}

	nextID atomic.Uint64

	running        atomic.Int64
	submittedTotal atomic.Uint64
	completedTotal atomic.Uint64
	failedTotal    atomic.Uint64
	panicTotal     atomic.Uint64
}

func New[T any](workers int, logger *zap.Logger) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		logger:  logger.Named("executor"),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}, 1),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop()
		}()
	}
	return p
}

// Submit queues work and returns immediately.
func (p *Pool[T]) Submit(work Work[T]) Handle {
	h := Handle{ID: p.nextID.Add(1)}
	p.submittedTotal.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.complete(Completion[T]{Handle: h, Err: ErrClosed})
		return h
	}
	p.jobs = append(p.jobs, job[T]{h: h, work: work})
	p.mu.Unlock()
	p.cond.Signal()
	return h
}

// Poll returns at most limit completions (all when limit <= 0). It never waits.
func (p *Pool[T]) Poll(limit int) []Completion[T] {
	p.doneMu.Lock()
	defer p.doneMu.Unlock()
	n := len(p.done)
	if n == 0 {
		return nil
	}
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Completion[T], n)
	copy(out, p.done[:n])
	var zero Completion[T]
	for i := 0; i < n; i++ {
		p.done[i] = zero
	}
	p.done = p.done[n:]
	return out
}

// Ready is signalled (coalesced) whenever a completion becomes available.
func (p *Pool[T]) Ready() <-chan struct{} { return p.ready }

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	queued := len(p.jobs)
	p.mu.Unlock()
	p.doneMu.Lock()
	ready := len(p.done)
	p.doneMu.Unlock()
	return Stats{
		Workers:        p.workers,
		Queued:         queued,
		Running:        int(p.running.Load()),
		Ready:          ready,
		SubmittedTotal: p.submittedTotal.Load(),
		CompletedTotal: p.completedTotal.Load(),
		FailedTotal:    p.failedTotal.Load(),
		PanicTotal:     p.panicTotal.Load(),
	}
}

// Close cancels the pool context, lets workers finish what is queued, and waits.
// Completions produced during Close stay available to Poll.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool[T]) loop() {
	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.jobs) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.jobs[0]
		p.jobs[0] = job[T]{}
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		p.complete(p.run(j))
	}
}

func (p *Pool[T]) run(j job[T]) (c Completion[T]) {
	c.Handle = j.h
	start := time.Now()
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		c.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			p.panicTotal.Add(1)
			p.logger.Error("work panicked", zap.Uint64("handle", j.h.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			c.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	c.Value, c.Err = j.work(p.ctx)
	return c
}

func (p *Pool[T]) complete(c Completion[T]) {
	p.completedTotal.Add(1)
	if c.Err != nil {
		p.failedTotal.Add(1)
	}
	p.doneMu.Lock()
	p.done = append(p.done, c)
	p.doneMu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}
