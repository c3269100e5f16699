package chunkstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/persistence/chunkcodec"
	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fsStore, err := OpenFS(filepath.Join(dir, "fs"))
	require.NoError(t, err)
	sq, err := OpenSQLite(filepath.Join(dir, "db", "chunks.sqlite"))
	require.NoError(t, err)
	lv, err := OpenLevelDB(filepath.Join(dir, "leveldb"))
	require.NoError(t, err)

	out := map[string]Store{
		"fs":      fsStore,
		"sqlite":  sq,
		"leveldb": lv,
		"memory":  NewMemory(),
	}
	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func pattern(seed int) *voxel.Buffer {
	b := voxel.New()
	for i := range b.Blocks {
		b.Blocks[i] = voxel.Block((i*seed + seed) % 16)
	}
	return b
}

func TestRoundTripAllBackends(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := coord.ChunkCoord{X: -2, Y: 5, Z: 7}

			_, err := s.Load(ctx, c)
			require.ErrorIs(t, err, ErrNotFound)

			first := pattern(3)
			require.NoError(t, s.Save(ctx, c, first))
			got, err := s.Load(ctx, c)
			require.NoError(t, err)
			require.True(t, first.Equal(got))

			// Overwrite.
			second := pattern(5)
			require.NoError(t, s.Save(ctx, c, second))
			got, err = s.Load(ctx, c)
			require.NoError(t, err)
			require.True(t, second.Equal(got))

			// Neighbours stay independent.
			_, err = s.Load(ctx, c.Add(1, 0, 0))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConcurrentDistinctCoords(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			errs := make(chan error, 32)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					c := coord.ChunkCoord{X: i, Y: 1, Z: -i}
					if err := s.Save(ctx, c, pattern(i+1)); err != nil {
						errs <- err
						return
					}
					got, err := s.Load(ctx, c)
					if err != nil {
						errs <- err
						return
					}
					if !got.Equal(pattern(i + 1)) {
						errs <- errors.New("mismatch at " + c.String())
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}
		})
	}
}

func TestOpenWorldSeed(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m, err := OpenWorld(ctx, s, 42)
			require.NoError(t, err)
			require.Equal(t, int64(42), m.Seed)
			require.Equal(t, coord.ChunkEdge, m.ChunkEdge)

			again, err := OpenWorld(ctx, s, 42)
			require.NoError(t, err)
			require.Equal(t, m.Seed, again.Seed)

			_, err = OpenWorld(ctx, s, 43)
			require.ErrorIs(t, err, ErrSeedMismatch)
		})
	}
}

func TestLoadCorruptIsFormatError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := coord.ChunkCoord{X: 1, Y: 1, Z: 1}
	m.PutRaw(c, []byte("garbage"))
	_, err := m.Load(ctx, c)
	require.ErrorIs(t, err, chunkcodec.ErrFormat)

	// A blob filed under the wrong key is rejected too.
	blob, err := chunkcodec.Encode(c.Add(1, 0, 0), pattern(2))
	require.NoError(t, err)
	m.PutRaw(c, blob)
	_, err = m.Load(ctx, c)
	require.ErrorIs(t, err, chunkcodec.ErrFormat)
}

func TestMemoryFailSave(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("disk full")
	m.SetFailSave(func(coord.ChunkCoord) error { return boom })

	err := m.Save(ctx, coord.ChunkCoord{}, pattern(1))
	var ioe *IOError
	require.ErrorAs(t, err, &ioe)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "save", ioe.Op)
	require.Equal(t, 0, m.Len())
}

func TestOpenByBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, b := range []string{"fs", "sqlite", "leveldb", "memory"} {
		p := filepath.Join(dir, b)
		if b == "sqlite" {
			p = filepath.Join(dir, "chunks.sqlite")
		}
		s, err := Open(ctx, Config{Backend: b, Path: p})
		require.NoError(t, err, b)
		require.NoError(t, s.Close())
	}
	_, err := Open(ctx, Config{Backend: "tape"})
	require.Error(t, err)
}

func TestSQLiteCount(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "c.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(ctx, coord.ChunkCoord{X: i}, pattern(i+1)))
	}
	require.NoError(t, s.Save(ctx, coord.ChunkCoord{X: 0}, pattern(9)))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
