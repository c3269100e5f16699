package runtime

import (
	"context"
	"time"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/lifecycle"
)

const pregenViewer = "pregen"

// Pregenerate drives mgr without a tick clock until every chunk within its configured
// radius of center has been loaded or generated, then evicts them all. Generated chunks
// are persisted by the load tasks themselves. wake, when non-nil, should fire as
// completions become available (executor.Pool.Ready).
func Pregenerate(ctx context.Context, mgr *lifecycle.Manager, wake <-chan struct{}, center coord.ChunkCoord) (lifecycle.Stats, error) {
	o := coord.ChunkToWorldOrigin(center)
	half := float64(coord.ChunkEdge) / 2
	mgr.SetViewer(pregenViewer, coord.Vec3{X: o.X + half, Y: o.Y + half, Z: o.Z + half})

	step := func(done func(lifecycle.Stats) bool) error {
		for {
			if _, err := mgr.Tick(); err != nil {
				return err
			}
			if done(mgr.Stats()) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	err := step(func(s lifecycle.Stats) bool { return s.Pending == 0 && s.InFlight == 0 && s.Records > 0 })
	if err != nil {
		return mgr.Stats(), err
	}
	mgr.RemoveViewer(pregenViewer)
	err = step(func(s lifecycle.Stats) bool { return s.Records == 0 && s.InFlight == 0 })
	return mgr.Stats(), err
}
