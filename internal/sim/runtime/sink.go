package runtime

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"voxelstream.ai/internal/sim/lifecycle"
)

// Sink consumes the events of one tick. Publish runs on the tick goroutine and
// must not block; wrap slow consumers with NewAsync. The events slice and its
// buffers are shared by every sink and are read-only.
type Sink interface {
	Publish(tick uint64, events []lifecycle.Event)
}

type SinkFunc func(tick uint64, events []lifecycle.Event)

func (f SinkFunc) Publish(tick uint64, events []lifecycle.Event) { f(tick, events) }

type batch struct {
	tick   uint64
	events []lifecycle.Event
}

// Async hands batches to a writer goroutine and drops them when it falls behind.
type Async struct {
	name   string
	next   Sink
	logger *zap.Logger

	mu     sync.RWMutex
	ch     chan batch
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

func NewAsync(name string, next Sink, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		name:   name,
		next:   next,
		logger: logger.Named("sink").With(zap.String("sink", name)),
		ch:     make(chan batch, buffer),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for b := range a.ch {
			a.next.Publish(b.tick, b.events)
		}
	}()
	return a
}

func (a *Async) Publish(tick uint64, events []lifecycle.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- batch{tick: tick, events: events}:
	default:
		n := a.dropped.Add(1)
		// Log the first drop and then every 100th.
		if n == 1 || n%100 == 0 {
			a.logger.Warn("sink behind, dropping events", zap.Uint64("tick", tick), zap.Int("events", len(events)), zap.Uint64("dropped_batches", n))
		}
	}
}

func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting batches and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
