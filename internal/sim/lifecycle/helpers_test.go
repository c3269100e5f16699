package lifecycle

import (
	"context"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voxelstream.ai/internal/persistence/chunkstore"
	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/executor"
	"voxelstream.ai/internal/sim/terrain/gen"
	"voxelstream.ai/internal/sim/voxel"
)

// manualDispatcher holds submitted work until the test runs it.
type manualDispatcher struct {
	next   uint64
	queued []manualJob
	done   []executor.Completion[TaskResult]
}

type manualJob struct {
	h    executor.Handle
	work executor.Work[TaskResult]
}

func (d *manualDispatcher) Submit(work executor.Work[TaskResult]) executor.Handle {
	d.next++
	h := executor.Handle{ID: d.next}
	d.queued = append(d.queued, manualJob{h: h, work: work})
	return h
}

func (d *manualDispatcher) Poll(limit int) []executor.Completion[TaskResult] {
	n := len(d.done)
	if limit > 0 && n > limit {
		n = limit
	}
	out := append([]executor.Completion[TaskResult](nil), d.done[:n]...)
	d.done = d.done[n:]
	return out
}

func (d *manualDispatcher) run(i int) {
	j := d.queued[i]
	d.queued = append(d.queued[:i], d.queued[i+1:]...)
	v, err := j.work(context.Background())
	d.done = append(d.done, executor.Completion[TaskResult]{Handle: j.h, Value: v, Err: err})
}

func (d *manualDispatcher) runAll() {
	for len(d.queued) > 0 {
		d.run(0)
	}
}

// runSome runs up to k random queued jobs, so completions arrive out of order.
func (d *manualDispatcher) runSome(r *rand.Rand, k int) {
	for ; k > 0 && len(d.queued) > 0; k-- {
		d.run(r.Intn(len(d.queued)))
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(c coord.ChunkCoord) (*voxel.Buffer, error) {
	return nil, &gen.PreconditionError{Coord: c, Reason: "always"}
}

func testConfig() Config {
	return Config{
		RadiusHorizontal: 1,
		RadiusVertical:   1,
		SaveAttempts:     3,
	}
}

func newManual(t *testing.T, cfg Config) (*Manager, *manualDispatcher, *chunkstore.Memory) {
	t.Helper()
	d := &manualDispatcher{}
	store := chunkstore.NewMemory()
	return New(cfg, store, gen.New(42, gen.Params{}), d, zap.NewNop()), d, store
}

func newPooled(t *testing.T, cfg Config) (*Manager, *chunkstore.Memory) {
	t.Helper()
	pool := executor.New[TaskResult](4, zap.NewNop())
	t.Cleanup(pool.Close)
	store := chunkstore.NewMemory()
	return New(cfg, store, gen.New(42, gen.Params{}), pool, zap.NewNop()), store
}

// centreOf returns a world position inside chunk c.
func centreOf(c coord.ChunkCoord) coord.Vec3 {
	o := coord.ChunkToWorldOrigin(c)
	return coord.Vec3{X: o.X + 8, Y: o.Y + 8, Z: o.Z + 8}
}

func box(center coord.ChunkCoord, rh, rv int) map[coord.ChunkCoord]bool {
	out := map[coord.ChunkCoord]bool{}
	for dy := -rv; dy <= rv; dy++ {
		for dz := -rh; dz <= rh; dz++ {
			for dx := -rh; dx <= rh; dx++ {
				c := center.Add(dx, dy, dz)
				if c.InWorld() {
					out[c] = true
				}
			}
		}
	}
	return out
}

func sortedKeys(set map[coord.ChunkCoord]bool) []coord.ChunkCoord {
	out := make([]coord.ChunkCoord, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// settleManual alternates run-all and Tick until nothing is in flight for two ticks.
// A backlog larger than the completion budget drains over many ticks, so it only
// gives up after 100 ticks in a row without the in-flight count reaching a new low.
func settleManual(t *testing.T, m *Manager, d *manualDispatcher) []Event {
	t.Helper()
	var all []Event
	idle, stalled := 0, 0
	low := m.InFlight()
	for stalled < 100 {
		d.runAll()
		ev, err := m.Tick()
		require.NoError(t, err)
		all = append(all, ev...)
		n := m.InFlight()
		if n == 0 {
			idle++
			if idle == 2 {
				return all
			}
			continue
		}
		idle = 0
		if n < low {
			low, stalled = n, 0
		} else {
			stalled++
		}
	}
	t.Fatalf("manager did not settle: %d in flight", m.InFlight())
	return nil
}

func settlePooled(t *testing.T, m *Manager) []Event {
	t.Helper()
	var all []Event
	idle := 0
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := m.Tick()
		require.NoError(t, err)
		all = append(all, ev...)
		if m.InFlight() == 0 {
			idle++
			if idle == 2 {
				return all
			}
		} else {
			idle = 0
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("manager did not settle")
	return nil
}

// checkInvariants inspects the table directly.
func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()
	seen := map[coord.ChunkCoord]uint64{}
	for h, c := range m.inflight {
		if prev, dup := seen[c]; dup {
			t.Fatalf("two tasks in flight for %s: %d and %d", c, prev, h)
		}
		seen[c] = h
	}
	for c, rec := range m.records {
		switch rec.state {
		case Pending, Saving:
			require.NotZero(t, rec.handle, "%s %s without handle", c, rec.state)
			require.Equal(t, c, m.inflight[rec.handle], "handle of %s", c)
		case Resident:
			require.Zero(t, rec.handle, "resident %s has a task", c)
		default:
			t.Fatalf("record %s in state %s", c, rec.state)
		}
		if rec.state == Resident || rec.state == Saving {
			require.NotNil(t, rec.data, "%s has no data", c)
		} else {
			require.Nil(t, rec.data, "%s has data while %s", c, rec.state)
		}
	}
}

func eventsOf(events []Event, kind EventKind) map[coord.ChunkCoord]int {
	out := map[coord.ChunkCoord]int{}
	for _, e := range events {
		if e.Kind == kind {
			out[e.Coord]++
		}
	}
	return out
}

// otherBlock picks a block different from cur.
func otherBlock(cur voxel.Block) voxel.Block {
	if cur == voxel.CrystalOre {
		return voxel.Snow
	}
	return voxel.CrystalOre
}
