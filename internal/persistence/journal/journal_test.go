package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/lifecycle"
	"voxelstream.ai/internal/sim/voxel"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	var out []Entry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestJournalWritesEntries(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, zap.NewNop())
	fixed := time.Date(2026, 3, 4, 5, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	c := coord.ChunkCoord{X: 1, Y: 2, Z: -3}
	buf := voxel.New()
	j.Publish(7, []lifecycle.Event{
		{Tick: 7, Kind: lifecycle.ChunkReady, Coord: c, Data: buf},
		{Tick: 7, Kind: lifecycle.BlockChanged, Coord: c, Pos: coord.BlockPos{X: 16, Y: 33, Z: -48}, Block: voxel.Stone},
	})
	j.Publish(8, []lifecycle.Event{{Tick: 8, Kind: lifecycle.ChunkRemoved, Coord: c}})
	require.NoError(t, j.Close())

	got := readEntries(t, filepath.Join(dir, "events-2026-03-04-05.jsonl.zst"))
	require.Len(t, got, 3)
	require.Equal(t, lifecycle.ChunkReady, got[0].Kind)
	require.Equal(t, buf.Digest(), got[0].Digest)
	require.Equal(t, [3]int{1, 2, -3}, got[0].Coord)
	require.Equal(t, "STONE", got[1].Block)
	require.Equal(t, &[3]int{16, 33, -48}, got[1].Pos)
	require.Equal(t, uint64(8), got[2].Tick)
	require.Empty(t, got[2].Digest)
}

func TestJournalRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, zap.NewNop())
	now := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	require.NoError(t, j.Append(Entry{Tick: 1}))
	now = now.Add(2 * time.Minute)
	require.NoError(t, j.Append(Entry{Tick: 2}, Entry{Tick: 3}))
	require.NoError(t, j.Close())

	require.Len(t, readEntries(t, filepath.Join(dir, "events-2026-01-01-23.jsonl.zst")), 1)
	require.Len(t, readEntries(t, filepath.Join(dir, "events-2026-01-02-00.jsonl.zst")), 2)
	require.Equal(t, "events-2026-01-02-00.jsonl.zst", SegmentName(now))
}

func TestJournalReopensHourAppendsFrame(t *testing.T) {
	dir := t.TempDir()
	hour := time.Date(2026, 2, 2, 2, 0, 0, 0, time.UTC)
	for tick := uint64(1); tick <= 2; tick++ {
		j := New(dir, zap.NewNop())
		j.now = func() time.Time { return hour }
		require.NoError(t, j.Append(Entry{Tick: tick, Kind: lifecycle.ChunkRemoved}))
		require.NoError(t, j.Close())
	}
	got := readEntries(t, filepath.Join(dir, SegmentName(hour)))
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[1].Tick)
}
