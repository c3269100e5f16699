// Package lifecycle owns the chunk table and decides, once per tick, which chunks
// to load, keep, save or drop as viewers move.
//
// A Manager is not safe for concurrent use. One goroutine (the tick) calls every
// method. All slow work goes through the Dispatcher and comes back as completions
// that the next Tick folds in.
package lifecycle

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"voxelstream.ai/internal/persistence/chunkstore"
	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/executor"
	"voxelstream.ai/internal/sim/terrain/gen"
	"voxelstream.ai/internal/sim/voxel"
)

type record struct {
	state State
	data  *voxel.Buffer
	dirty bool

	// editSeq counts edits. A save clears dirty only if no edit landed after dispatch.
	editSeq     uint64
	removeAfter bool
	retryAt     uint64
	lastTouched uint64

	// handle of the in-flight task, zero when idle.
	handle uint64
}

type counters struct {
	loadsDispatched uint64
	savesDispatched uint64
	loaded          uint64
	generated       uint64
	saveFailures    uint64
	evicted         uint64
	checkpoints     uint64
}

type Manager struct {
	cfg    Config
	logger *zap.Logger
	tasks  *tasks
	disp   Dispatcher

	tick     uint64
	records  map[coord.ChunkCoord]*record
	inflight map[uint64]coord.ChunkCoord
	viewers  map[string]coord.ChunkCoord

	queued []Event
	fatal  error
	n      counters
}

func New(cfg Config, store chunkstore.Store, g Generator, d Dispatcher, logger *zap.Logger) *Manager {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("lifecycle")
	return &Manager{
		cfg:    cfg,
		logger: logger,
		tasks: &tasks{
			store:    store,
			gen:      g,
			logger:   logger,
			attempts: cfg.SaveAttempts,
			delay:    cfg.SaveRetryDelay,
		},
		disp:     d,
		records:  map[coord.ChunkCoord]*record{},
		inflight: map[uint64]coord.ChunkCoord{},
		viewers:  map[string]coord.ChunkCoord{},
	}
}

func (m *Manager) Config() Config { return m.cfg }

// CurrentTick is the number of the last completed Tick.
func (m *Manager) CurrentTick() uint64 { return m.tick }

// SetViewer adds or moves a viewer. The change takes effect on the next Tick.
func (m *Manager) SetViewer(id string, pos coord.Vec3) {
	m.viewers[id] = coord.WorldToChunk(pos)
}

func (m *Manager) RemoveViewer(id string) {
	delete(m.viewers, id)
}

// Viewers returns each viewer's current chunk.
func (m *Manager) Viewers() map[string]coord.ChunkCoord {
	out := make(map[string]coord.ChunkCoord, len(m.viewers))
	for id, c := range m.viewers {
		out[id] = c
	}
	return out
}

// Tick runs one pass of the lifecycle and returns the events produced, in order.
// The error is non-nil only for a fatal precondition violation; every later call
// returns the same error.
func (m *Manager) Tick() ([]Event, error) {
	if m.fatal != nil {
		return nil, m.fatal
	}
	m.tick++

	events := m.queued
	m.queued = nil
	for i := range events {
		events[i].Tick = m.tick
	}

	desired := m.desired()
	m.dispatchLoads(desired)
	events = m.evict(desired, events)
	m.checkpoint()

	events, err := m.drain(events)
	if err != nil {
		m.fatal = err
		m.logger.Error("fatal precondition violation", zap.Uint64("tick", m.tick), zap.Error(err))
		return events, err
	}
	return events, nil
}

// desired maps every in-world coordinate inside some viewer's retention box to
// its Chebyshev distance from the nearest viewer.
func (m *Manager) desired() map[coord.ChunkCoord]int {
	rh, rv := m.cfg.RadiusHorizontal, m.cfg.RadiusVertical
	out := make(map[coord.ChunkCoord]int, len(m.viewers)*(2*rh+1)*(2*rh+1)*(2*rv+1))
	for _, vc := range m.viewers {
		for dy := -rv; dy <= rv; dy++ {
			for dz := -rh; dz <= rh; dz++ {
				for dx := -rh; dx <= rh; dx++ {
					c := vc.Add(dx, dy, dz)
					if !c.InWorld() {
						continue
					}
					h, v := coord.Chebyshev(c, vc)
					d := max(h, v)
					if prev, ok := out[c]; !ok || d < prev {
						out[c] = d
					}
				}
			}
		}
	}
	for c := range out {
		if rec := m.records[c]; rec != nil {
			rec.lastTouched = m.tick
		}
	}
	return out
}

func (m *Manager) dispatchLoads(desired map[coord.ChunkCoord]int) {
	var todo []coord.ChunkCoord
	for c := range desired {
		if _, ok := m.records[c]; !ok {
			todo = append(todo, c)
		}
	}
	if len(todo) == 0 {
		return
	}
	sort.Slice(todo, func(i, j int) bool {
		di, dj := desired[todo[i]], desired[todo[j]]
		if di != dj {
			return di < dj
		}
		return todo[i].Less(todo[j])
	})
	if limit := m.cfg.MaxDispatchPerTick; limit > 0 && len(todo) > limit {
		todo = todo[:limit]
	}
	for _, c := range todo {
		rec := &record{state: Pending, lastTouched: m.tick}
		m.records[c] = rec
		m.submit(c, rec, m.tasks.loadOrGenerate(c))
		m.n.loadsDispatched++
	}
}

func (m *Manager) submit(c coord.ChunkCoord, rec *record, work executor.Work[TaskResult]) {
	h := m.disp.Submit(work)
	rec.handle = h.ID
	m.inflight[h.ID] = c
}

func (m *Manager) dispatchSave(c coord.ChunkCoord, rec *record, removeAfter bool) {
	rec.state = Saving
	rec.removeAfter = removeAfter
	m.submit(c, rec, m.tasks.save(c, rec.data.Clone(), rec.editSeq))
	m.n.savesDispatched++
}

func (m *Manager) evict(desired map[coord.ChunkCoord]int, events []Event) []Event {
	var out []coord.ChunkCoord
	for c, rec := range m.records {
		_, keep := desired[c]
		if rec.state == Saving {
			rec.removeAfter = !keep
			continue
		}
		if !keep && rec.state == Resident {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })

	for _, c := range out {
		rec := m.records[c]
		if rec.dirty {
			if rec.retryAt <= m.tick {
				m.dispatchSave(c, rec, true)
			}
			continue
		}
		events = m.remove(c, rec, events)
	}
	return events
}

func (m *Manager) remove(c coord.ChunkCoord, rec *record, events []Event) []Event {
	rec.state = Unloading
	rec.data = nil
	delete(m.records, c)
	m.n.evicted++
	return append(events, Event{Tick: m.tick, Kind: ChunkRemoved, Coord: c})
}

func (m *Manager) checkpoint() {
	every := m.cfg.CheckpointEveryTicks
	if every == 0 || m.tick%every != 0 {
		return
	}
	n := 0
	for c, rec := range m.records {
		if rec.state == Resident && rec.dirty && rec.retryAt <= m.tick {
			m.dispatchSave(c, rec, false)
			n++
		}
	}
	if n > 0 {
		m.n.checkpoints++
		m.logger.Debug("checkpoint", zap.Uint64("tick", m.tick), zap.Int("chunks", n))
	}
}

func (m *Manager) drain(events []Event) ([]Event, error) {
	for _, comp := range m.disp.Poll(m.cfg.MaxCompletionsPerTick) {
		c, ok := m.inflight[comp.Handle.ID]
		if !ok {
			m.logger.Warn("completion for unknown handle", zap.Uint64("handle", comp.Handle.ID))
			continue
		}
		delete(m.inflight, comp.Handle.ID)
		rec := m.records[c]
		if rec == nil || rec.handle != comp.Handle.ID {
			m.logger.Warn("completion without matching record", zap.Stringer("coord", c), zap.Uint64("handle", comp.Handle.ID))
			continue
		}
		rec.handle = 0

		switch rec.state {
		case Pending:
			var err error
			events, err = m.applyLoad(c, rec, comp, events)
			if err != nil {
				return events, err
			}
		case Saving:
			events = m.applySave(c, rec, comp, events)
		default:
			m.logger.Warn("completion in unexpected state", zap.Stringer("coord", c), zap.Stringer("state", rec.state))
		}
	}
	return events, nil
}

func (m *Manager) applyLoad(c coord.ChunkCoord, rec *record, comp executor.Completion[TaskResult], events []Event) ([]Event, error) {
	if comp.Err == nil && comp.Value.Buffer == nil {
		comp.Err = errors.New("load task returned no buffer")
	}
	if comp.Err != nil {
		var pe *gen.PreconditionError
		if errors.As(comp.Err, &pe) {
			return events, comp.Err
		}
		// Dropping the record lets the next Tick dispatch again if c is still wanted.
		delete(m.records, c)
		m.logger.Error("load task failed", zap.Stringer("coord", c), zap.Error(comp.Err))
		return events, nil
	}

	rec.state = Resident
	rec.data = comp.Value.Buffer
	rec.dirty = false
	if comp.Value.Source == FromGenerator {
		m.n.generated++
	} else {
		m.n.loaded++
	}
	return append(events, Event{Tick: m.tick, Kind: ChunkReady, Coord: c, Data: rec.data.Clone()}), nil
}

func (m *Manager) applySave(c coord.ChunkCoord, rec *record, comp executor.Completion[TaskResult], events []Event) []Event {
	if comp.Err != nil {
		m.n.saveFailures++
		rec.state = Resident
		rec.removeAfter = false
		rec.retryAt = m.tick + m.cfg.SaveRetryBackoffTicks
		m.logger.Warn("save failed; edits may be lost if the process exits before a retry succeeds",
			zap.Stringer("coord", c),
			zap.Int("attempts", comp.Value.Attempts),
			zap.Uint64("retry_at_tick", rec.retryAt),
			zap.Error(comp.Err),
		)
		return events
	}
	if comp.Value.Seq == rec.editSeq {
		rec.dirty = false
	}
	if rec.removeAfter && !rec.dirty {
		return m.remove(c, rec, events)
	}
	rec.state = Resident
	rec.removeAfter = false
	return events
}

// Edit applies a single block write to a resident chunk and marks it dirty.
func (m *Manager) Edit(pos coord.BlockPos, b voxel.Block) error {
	c, l := coord.SplitBlock(pos)
	rec, err := m.live(c)
	if err != nil {
		return fmt.Errorf("edit %d,%d,%d: %w", pos.X, pos.Y, pos.Z, err)
	}
	if rec.data.Set(l, b) {
		rec.dirty = true
		rec.editSeq++
		m.queued = append(m.queued, Event{Kind: BlockChanged, Coord: c, Pos: pos, Block: b})
	}
	return nil
}

// ReplaceChunk swaps the whole buffer of a resident chunk.
func (m *Manager) ReplaceChunk(c coord.ChunkCoord, buf *voxel.Buffer) error {
	if buf == nil {
		return fmt.Errorf("replace %s: nil buffer", c)
	}
	if buf.Version != voxel.FormatVersion {
		return fmt.Errorf("replace %s: buffer version %d", c, buf.Version)
	}
	rec, err := m.live(c)
	if err != nil {
		return fmt.Errorf("replace %s: %w", c, err)
	}
	rec.data = buf.Clone()
	rec.dirty = true
	rec.editSeq++
	m.queued = append(m.queued, Event{Kind: ChunkReady, Coord: c, Data: buf.Clone()})
	return nil
}

func (m *Manager) Block(pos coord.BlockPos) (voxel.Block, error) {
	c, l := coord.SplitBlock(pos)
	rec, err := m.live(c)
	if err != nil {
		return voxel.Air, fmt.Errorf("block %d,%d,%d: %w", pos.X, pos.Y, pos.Z, err)
	}
	return rec.data.Get(l), nil
}

// ChunkData returns a copy of a resident chunk.
func (m *Manager) ChunkData(c coord.ChunkCoord) (*voxel.Buffer, bool) {
	rec, err := m.live(c)
	if err != nil {
		return nil, false
	}
	return rec.data.Clone(), true
}

func (m *Manager) live(c coord.ChunkCoord) (*record, error) {
	rec := m.records[c]
	if rec == nil || (rec.state != Resident && rec.state != Saving) {
		return nil, ErrNotResident
	}
	return rec, nil
}

func (m *Manager) State(c coord.ChunkCoord) State {
	if rec := m.records[c]; rec != nil {
		return rec.state
	}
	return Unknown
}

func (m *Manager) Dirty(c coord.ChunkCoord) bool {
	rec := m.records[c]
	return rec != nil && rec.dirty
}

// Flush dispatches a save for every dirty resident chunk, ignoring retry backoff.
// It returns the number of saves dispatched.
func (m *Manager) Flush() int {
	n := 0
	for c, rec := range m.records {
		if rec.state == Resident && rec.dirty {
			m.dispatchSave(c, rec, false)
			n++
		}
	}
	return n
}

// InFlight is the number of dispatched tasks whose completion has not been applied.
func (m *Manager) InFlight() int { return len(m.inflight) }

// ResidentCoords lists chunks whose data is in memory, sorted.
func (m *Manager) ResidentCoords() []coord.ChunkCoord {
	out := make([]coord.ChunkCoord, 0, len(m.records))
	for c, rec := range m.records {
		if rec.state == Resident || rec.state == Saving {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Tick:            m.tick,
		Viewers:         len(m.viewers),
		Records:         len(m.records),
		InFlight:        len(m.inflight),
		LoadsDispatched: m.n.loadsDispatched,
		SavesDispatched: m.n.savesDispatched,
		Loaded:          m.n.loaded,
		Generated:       m.n.generated,
		SaveFailures:    m.n.saveFailures,
		Evicted:         m.n.evicted,
		Checkpoints:     m.n.checkpoints,
	}
	for _, rec := range m.records {
		switch rec.state {
		case Pending:
			s.Pending++
		case Resident:
			s.Resident++
		case Saving:
			s.Saving++
		}
		if rec.dirty {
			s.Dirty++
		}
	}
	return s
}
