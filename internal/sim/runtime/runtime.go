// Package runtime drives a lifecycle.Manager from a single goroutine at a fixed
// tick rate. Other goroutines talk to it through request channels.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/lifecycle"
	"voxelstream.ai/internal/sim/voxel"
)

// ErrStopped is returned by requests made after Run has returned.
var ErrStopped = errors.New("runtime stopped")

type Config struct {
	TickRateHz      int
	ShutdownTimeout time.Duration
}

type Stats struct {
	Lifecycle      lifecycle.Stats `json:"lifecycle"`
	LastTickMicros int64           `json:"last_tick_us"`
	EventsTotal    uint64          `json:"events_total"`
}

type viewerReq struct {
	id     string
	pos    coord.Vec3
	remove bool
}

type callReq struct {
	fn   func(m *lifecycle.Manager)
	done chan struct{}
}

type Runtime struct {
	cfg    Config
	logger *zap.Logger
	mgr    *lifecycle.Manager

	viewers chan viewerReq
	calls   chan callReq
	stopped chan struct{}
	once    sync.Once

	sinksMu sync.RWMutex
	sinks   []Sink

	stats       atomic.Pointer[Stats]
	eventsTotal atomic.Uint64
}

func New(cfg Config, mgr *lifecycle.Manager, logger *zap.Logger) *Runtime {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		cfg:     cfg,
		logger:  logger.Named("runtime"),
		mgr:     mgr,
		viewers: make(chan viewerReq, 256),
		calls:   make(chan callReq),
		stopped: make(chan struct{}),
	}
	r.stats.Store(&Stats{Lifecycle: mgr.Stats()})
	return r
}

// AddSink registers a consumer for every tick's events. Safe to call while running.
func (r *Runtime) AddSink(s Sink) {
	r.sinksMu.Lock()
	r.sinks = append(r.sinks, s)
	r.sinksMu.Unlock()
}

// Run ticks until ctx is done or a fatal error occurs. On cancellation it drops
// every viewer, saves dirty chunks and waits for in-flight work, bounded by
// ShutdownTimeout.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.stopped) })

	interval := time.Second / time.Duration(r.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("runtime started", zap.Int("tick_rate_hz", r.cfg.TickRateHz))
	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case req := <-r.viewers:
			r.applyViewer(req)
		case req := <-r.calls:
			req.fn(r.mgr)
			close(req.done)
		case <-ticker.C:
			if err := r.step(); err != nil {
				return err
			}
		}
	}
}

func (r *Runtime) applyViewer(req viewerReq) {
	if req.remove {
		r.mgr.RemoveViewer(req.id)
		return
	}
	r.mgr.SetViewer(req.id, req.pos)
}

func (r *Runtime) step() error {
	start := time.Now()
	events, err := r.mgr.Tick()
	if len(events) > 0 {
		r.publish(r.mgr.CurrentTick(), events)
	}
	r.stats.Store(&Stats{
		Lifecycle:      r.mgr.Stats(),
		LastTickMicros: time.Since(start).Microseconds(),
		EventsTotal:    r.eventsTotal.Load(),
	})
	return err
}

func (r *Runtime) publish(tick uint64, events []lifecycle.Event) {
	r.eventsTotal.Add(uint64(len(events)))
	r.sinksMu.RLock()
	defer r.sinksMu.RUnlock()
	for _, s := range r.sinks {
		s.Publish(tick, events)
	}
}

func (r *Runtime) shutdown() error {
	deadline := time.Now().Add(r.cfg.ShutdownTimeout)
	for id := range r.mgr.Viewers() {
		r.mgr.RemoveViewer(id)
	}
	saves := r.mgr.Flush()
	r.logger.Info("runtime stopping", zap.Int("flush_saves", saves), zap.Int("in_flight", r.mgr.InFlight()))

	for {
		if err := r.step(); err != nil {
			return err
		}
		st := r.mgr.Stats()
		if st.InFlight == 0 && st.Records == 0 {
			r.logger.Info("runtime stopped", zap.Uint64("tick", st.Tick))
			return nil
		}
		if time.Now().After(deadline) {
			r.logger.Warn("shutdown timed out; edits may be lost", zap.Int("in_flight", st.InFlight), zap.Int("dirty", st.Dirty))
			return fmt.Errorf("shutdown: %d tasks in flight, %d dirty chunks after %s", st.InFlight, st.Dirty, r.cfg.ShutdownTimeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *Runtime) SetViewer(ctx context.Context, id string, pos coord.Vec3) error {
	return r.sendViewer(ctx, viewerReq{id: id, pos: pos})
}

func (r *Runtime) RemoveViewer(ctx context.Context, id string) error {
	return r.sendViewer(ctx, viewerReq{id: id, remove: true})
}

func (r *Runtime) sendViewer(ctx context.Context, req viewerReq) error {
	select {
	case r.viewers <- req:
		return nil
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the tick goroutine between ticks and waits for it.
func (r *Runtime) Do(ctx context.Context, fn func(m *lifecycle.Manager)) error {
	req := callReq{fn: fn, done: make(chan struct{})}
	select {
	case r.calls <- req:
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-r.stopped:
		return ErrStopped
	}
}

func (r *Runtime) Edit(ctx context.Context, pos coord.BlockPos, b voxel.Block) error {
	var err error
	if derr := r.Do(ctx, func(m *lifecycle.Manager) { err = m.Edit(pos, b) }); derr != nil {
		return derr
	}
	return err
}

func (r *Runtime) State(ctx context.Context, c coord.ChunkCoord) (lifecycle.State, bool, error) {
	var (
		st    lifecycle.State
		dirty bool
	)
	err := r.Do(ctx, func(m *lifecycle.Manager) {
		st = m.State(c)
		dirty = m.Dirty(c)
	})
	return st, dirty, err
}

func (r *Runtime) ChunkData(ctx context.Context, c coord.ChunkCoord) (*voxel.Buffer, bool, error) {
	var (
		buf *voxel.Buffer
		ok  bool
	)
	err := r.Do(ctx, func(m *lifecycle.Manager) { buf, ok = m.ChunkData(c) })
	return buf, ok, err
}

func (r *Runtime) ResidentCoords(ctx context.Context) ([]coord.ChunkCoord, error) {
	var out []coord.ChunkCoord
	err := r.Do(ctx, func(m *lifecycle.Manager) { out = m.ResidentCoords() })
	return out, err
}

// Stats is a snapshot from the end of the last tick. It never waits on the loop.
func (r *Runtime) Stats() Stats {
	return *r.stats.Load()
}
