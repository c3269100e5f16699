package chunkcodec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

func sampleBuffer() *voxel.Buffer {
	b := voxel.New()
	for i := range b.Blocks {
		b.Blocks[i] = voxel.Block(i % 7)
	}
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := coord.ChunkCoord{X: -3, Y: 4, Z: 1 << 20}
	in := sampleBuffer()

	blob, err := Encode(c, in)
	require.NoError(t, err)
	require.Less(t, len(blob), voxel.Volume*2, "payload should compress")

	h, err := ReadHeader(blob)
	require.NoError(t, err)
	require.Equal(t, Version, h.Version)
	require.Equal(t, c, h.Coord)

	out, err := DecodeFor(c, blob)
	require.NoError(t, err)
	require.True(t, in.Equal(out))
}

func TestDecodeRejectsCorruption(t *testing.T) {
	c := coord.ChunkCoord{X: 1, Y: 2, Z: 3}
	blob, err := Encode(c, sampleBuffer())
	require.NoError(t, err)

	t.Run("short", func(t *testing.T) {
		_, err := DecodeFor(c, blob[:10])
		require.ErrorIs(t, err, ErrFormat)
	})
	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[0] = 'X'
		_, err := DecodeFor(c, bad)
		require.ErrorIs(t, err, ErrFormat)
	})
	t.Run("version", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		binary.LittleEndian.PutUint16(bad[4:6], Version+1)
		_, err := DecodeFor(c, bad)
		require.ErrorIs(t, err, ErrFormat)
	})
	t.Run("checksum", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		binary.LittleEndian.PutUint64(bad[24:32], 0xdeadbeef)
		_, err := DecodeFor(c, bad)
		require.ErrorIs(t, err, ErrFormat)
	})
	t.Run("payload", func(t *testing.T) {
		bad := append([]byte(nil), blob[:headerLen]...)
		bad = append(bad, []byte("not zstd at all")...)
		_, err := DecodeFor(c, bad)
		require.ErrorIs(t, err, ErrFormat)
	})
	t.Run("wrong coord", func(t *testing.T) {
		_, err := DecodeFor(coord.ChunkCoord{X: 9}, blob)
		require.ErrorIs(t, err, ErrFormat)
	})
}

func TestEncodeRejectsUnknownBufferVersion(t *testing.T) {
	b := sampleBuffer()
	b.Version = 99
	_, err := Encode(coord.ChunkCoord{}, b)
	require.ErrorIs(t, err, ErrFormat)
}
