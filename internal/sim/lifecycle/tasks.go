package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"voxelstream.ai/internal/persistence/chunkstore"
	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/executor"
	"voxelstream.ai/internal/sim/voxel"
)

// tasks builds the work units. The store and generator are only touched from
// inside the returned closures, which run on executor workers.
type tasks struct {
	store  chunkstore.Store
	gen    Generator
	logger *zap.Logger

	attempts int
	delay    time.Duration
}

// loadOrGenerate loads c, falling back to generation on NotFound, IO or format
// errors. A freshly generated buffer is saved before the task returns.
func (t *tasks) loadOrGenerate(c coord.ChunkCoord) executor.Work[TaskResult] {
	return func(ctx context.Context) (TaskResult, error) {
		res := TaskResult{Kind: TaskLoad, Coord: c}

		buf, err := t.store.Load(ctx, c)
		if err == nil {
			res.Buffer, res.Source, res.Persisted = buf, FromStore, true
			return res, nil
		}
		if !errors.Is(err, chunkstore.ErrNotFound) {
			t.logger.Warn("load failed, regenerating", zap.Stringer("coord", c), zap.Error(err))
		}

		buf, err = t.gen.Generate(c)
		if err != nil {
			return res, err
		}
		res.Buffer, res.Source = buf, FromGenerator

		n, err := t.saveWithRetry(ctx, c, buf)
		res.Attempts = n
		if err != nil {
			t.logger.Warn("initial save failed", zap.Stringer("coord", c), zap.Int("attempts", n), zap.Error(err))
			return res, nil
		}
		res.Persisted = true
		return res, nil
	}
}

// save persists buf, which the caller has already copied out of the record.
func (t *tasks) save(c coord.ChunkCoord, buf *voxel.Buffer, seq uint64) executor.Work[TaskResult] {
	return func(ctx context.Context) (TaskResult, error) {
		res := TaskResult{Kind: TaskSave, Coord: c, Seq: seq}
		n, err := t.saveWithRetry(ctx, c, buf)
		res.Attempts = n
		return res, err
	}
}

func (t *tasks) saveWithRetry(ctx context.Context, c coord.ChunkCoord, buf *voxel.Buffer) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		err := t.store.Save(ctx, c, buf)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if attempt == t.attempts || ctx.Err() != nil {
			return attempt, lastErr
		}
		if t.delay > 0 {
			timer := time.NewTimer(time.Duration(attempt) * t.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, lastErr
			case <-timer.C:
			}
		}
	}
	return t.attempts, lastErr
}
