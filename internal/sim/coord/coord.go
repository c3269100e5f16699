// Package coord converts between world positions, chunk coordinates and
// block-local coordinates. Everything here is pure.
package coord

import (
	"fmt"
	"math"
)

const (
	// ChunkEdge is the edge length of a chunk in blocks.
	ChunkEdge = 16

	// MinBlockY and MaxBlockY bound the world vertically (bedrock .. build limit).
	MinBlockY = 0
	MaxBlockY = 255

	MinChunkY = MinBlockY / ChunkEdge
	MaxChunkY = MaxBlockY / ChunkEdge
)

// ChunkCoord identifies a chunk in chunk-space. Comparable, so it can key maps directly.
type ChunkCoord struct {
	X, Y, Z int
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("%d,%d,%d", c.X, c.Y, c.Z)
}

// Add offsets c by the given chunk deltas.
func (c ChunkCoord) Add(dx, dy, dz int) ChunkCoord {
	return ChunkCoord{X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz}
}

// Column collapses the vertical axis.
func (c ChunkCoord) Column() ColumnCoord {
	return ColumnCoord{X: c.X, Z: c.Z}
}

// InWorld reports whether c lies inside the vertical range of the world.
func (c ChunkCoord) InWorld() bool {
	return c.Y >= MinChunkY && c.Y <= MaxChunkY
}

// Less orders coordinates by Y, then Z, then X.
func (c ChunkCoord) Less(o ChunkCoord) bool {
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	if c.Z != o.Z {
		return c.Z < o.Z
	}
	return c.X < o.X
}

// ColumnCoord is the horizontal position of a stack of chunks.
type ColumnCoord struct {
	X, Z int
}

// Vec3 is a continuous world position in blocks.
type Vec3 struct {
	X, Y, Z float64
}

// BlockPos is an integer world position of a single block.
type BlockPos struct {
	X, Y, Z int
}

// Local is a block position inside one chunk, each axis in [0, ChunkEdge).
type Local struct {
	X, Y, Z int
}

// Block returns the block containing p.
func (p Vec3) Block() BlockPos {
	return BlockPos{
		X: int(math.Floor(p.X)),
		Y: int(math.Floor(p.Y)),
		Z: int(math.Floor(p.Z)),
	}
}

// WorldToChunk returns the chunk containing the world position.
func WorldToChunk(p Vec3) ChunkCoord {
	return BlockToChunk(p.Block())
}

// BlockToChunk returns the chunk containing the block.
func BlockToChunk(b BlockPos) ChunkCoord {
	return ChunkCoord{
		X: FloorDiv(b.X, ChunkEdge),
		Y: FloorDiv(b.Y, ChunkEdge),
		Z: FloorDiv(b.Z, ChunkEdge),
	}
}

// ChunkToWorldOrigin returns the world position of the chunk's minimum corner.
func ChunkToWorldOrigin(c ChunkCoord) Vec3 {
	o := ChunkOriginBlock(c)
	return Vec3{X: float64(o.X), Y: float64(o.Y), Z: float64(o.Z)}
}

// ChunkOriginBlock is the integer form of ChunkToWorldOrigin.
func ChunkOriginBlock(c ChunkCoord) BlockPos {
	return BlockPos{X: c.X * ChunkEdge, Y: c.Y * ChunkEdge, Z: c.Z * ChunkEdge}
}

// LocalBlockIndex resolves a world position to its chunk and the block offset inside it.
func LocalBlockIndex(p Vec3) (ChunkCoord, Local) {
	return SplitBlock(p.Block())
}

// SplitBlock is LocalBlockIndex for integer positions.
func SplitBlock(b BlockPos) (ChunkCoord, Local) {
	return BlockToChunk(b), Local{
		X: Mod(b.X, ChunkEdge),
		Y: Mod(b.Y, ChunkEdge),
		Z: Mod(b.Z, ChunkEdge),
	}
}

// Join is the inverse of SplitBlock.
func Join(c ChunkCoord, l Local) BlockPos {
	o := ChunkOriginBlock(c)
	return BlockPos{X: o.X + l.X, Y: o.Y + l.Y, Z: o.Z + l.Z}
}

// Chebyshev returns the per-axis horizontal and vertical distances between two chunks.
func Chebyshev(a, b ChunkCoord) (horizontal, vertical int) {
	dx := AbsInt(a.X - b.X)
	dz := AbsInt(a.Z - b.Z)
	horizontal = dx
	if dz > horizontal {
		horizontal = dz
	}
	return horizontal, AbsInt(a.Y - b.Y)
}

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
