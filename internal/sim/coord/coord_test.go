package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldToChunk(t *testing.T) {
	cases := []struct {
		pos  Vec3
		want ChunkCoord
	}{
		{Vec3{0, 0, 0}, ChunkCoord{0, 0, 0}},
		{Vec3{15.99, 15.99, 15.99}, ChunkCoord{0, 0, 0}},
		{Vec3{16, 64, 32}, ChunkCoord{1, 4, 2}},
		{Vec3{-0.01, 255, -16}, ChunkCoord{-1, 15, -1}},
		{Vec3{-16.5, 3, -17}, ChunkCoord{-2, 0, -2}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, WorldToChunk(tc.pos), "pos %+v", tc.pos)
	}
}

func TestLocalBlockIndexRoundTrip(t *testing.T) {
	for _, b := range []BlockPos{{0, 0, 0}, {-1, 0, -1}, {31, 200, -33}, {-160, 255, 17}} {
		c, l := SplitBlock(b)
		require.GreaterOrEqual(t, l.X, 0)
		require.Less(t, l.X, ChunkEdge)
		require.GreaterOrEqual(t, l.Z, 0)
		require.Less(t, l.Z, ChunkEdge)
		require.Equal(t, b, Join(c, l))
	}

	c, l := LocalBlockIndex(Vec3{X: -0.5, Y: 70.2, Z: 16.7})
	assert.Equal(t, ChunkCoord{-1, 4, 1}, c)
	assert.Equal(t, Local{15, 6, 0}, l)
}

func TestChunkToWorldOrigin(t *testing.T) {
	assert.Equal(t, Vec3{X: -32, Y: 64, Z: 16}, ChunkToWorldOrigin(ChunkCoord{-2, 4, 1}))
	assert.Equal(t, ChunkCoord{-2, 4, 1}, WorldToChunk(ChunkToWorldOrigin(ChunkCoord{-2, 4, 1})))
}

func TestInWorldAndChebyshev(t *testing.T) {
	assert.True(t, ChunkCoord{Y: 0}.InWorld())
	assert.True(t, ChunkCoord{Y: MaxChunkY}.InWorld())
	assert.False(t, ChunkCoord{Y: -1}.InWorld())
	assert.False(t, ChunkCoord{Y: MaxChunkY + 1}.InWorld())

	h, v := Chebyshev(ChunkCoord{0, 4, 0}, ChunkCoord{-3, 2, 1})
	assert.Equal(t, 3, h)
	assert.Equal(t, 2, v)
}
