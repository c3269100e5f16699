package voxel

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"voxelstream.ai/internal/sim/coord"
)

// FormatVersion tags the in-memory layout of Buffer (x fastest, then z, then y).
const FormatVersion uint16 = 1

const Volume = coord.ChunkEdge * coord.ChunkEdge * coord.ChunkEdge

// Block is a block-type identifier.
type Block uint16

const (
	Air Block = iota
	Bedrock
	Stone
	Dirt
	Grass
	Sand
	Gravel
	Water
	Log
	Leaves
	CoalOre
	IronOre
	CopperOre
	CrystalOre
	Snow
	Cactus
)

var blockNames = [...]string{
	Air:        "AIR",
	Bedrock:    "BEDROCK",
	Stone:      "STONE",
	Dirt:       "DIRT",
	Grass:      "GRASS",
	Sand:       "SAND",
	Gravel:     "GRAVEL",
	Water:      "WATER",
	Log:        "LOG",
	Leaves:     "LEAVES",
	CoalOre:    "COAL_ORE",
	IronOre:    "IRON_ORE",
	CopperOre:  "COPPER_ORE",
	CrystalOre: "CRYSTAL_ORE",
	Snow:       "SNOW",
	Cactus:     "CACTUS",
}

func (b Block) String() string {
	if int(b) < len(blockNames) {
		return blockNames[b]
	}
	return "UNKNOWN"
}

// ParseBlock resolves a palette name. Matching is exact.
func ParseBlock(name string) (Block, bool) {
	for i, n := range blockNames {
		if n == name {
			return Block(i), true
		}
	}
	return Air, false
}

// Palette returns block names indexed by id.
func Palette() []string {
	out := make([]string, len(blockNames))
	copy(out, blockNames[:])
	return out
}

// Buffer is the dense block content of one chunk.
type Buffer struct {
	Version uint16
	Blocks  [Volume]Block
}

// New returns an all-air buffer tagged with the current format version.
func New() *Buffer {
	return &Buffer{Version: FormatVersion}
}

func Index(l coord.Local) int {
	return l.X + l.Z*coord.ChunkEdge + l.Y*coord.ChunkEdge*coord.ChunkEdge
}

func (b *Buffer) Get(l coord.Local) Block {
	return b.Blocks[Index(l)]
}

// Set writes a block and reports whether the content changed.
func (b *Buffer) Set(l coord.Local, v Block) bool {
	i := Index(l)
	if b.Blocks[i] == v {
		return false
	}
	b.Blocks[i] = v
	return true
}

// Clone returns a deep copy; the copy shares nothing with b.
func (b *Buffer) Clone() *Buffer {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

func (b *Buffer) Equal(o *Buffer) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.Version == o.Version && b.Blocks == o.Blocks
}

// IsEmpty reports whether every block is air.
func (b *Buffer) IsEmpty() bool {
	for _, v := range b.Blocks {
		if v != Air {
			return false
		}
	}
	return true
}

// Histogram counts blocks by id.
func (b *Buffer) Histogram() map[Block]int {
	out := map[Block]int{}
	for _, v := range b.Blocks {
		out[v]++
	}
	return out
}

// AppendRaw appends the little-endian encoding of the blocks to dst.
func (b *Buffer) AppendRaw(dst []byte) []byte {
	var tmp [2]byte
	for _, v := range b.Blocks {
		binary.LittleEndian.PutUint16(tmp[:], uint16(v))
		dst = append(dst, tmp[:]...)
	}
	return dst
}

// Digest hashes the block content deterministically.
func (b *Buffer) Digest() string {
	h := sha256.New()
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], b.Version)
	h.Write(tmp[:])
	h.Write(b.AppendRaw(make([]byte, 0, Volume*2)))
	return hex.EncodeToString(h.Sum(nil))
}
