// Package gen produces chunk content from (seed, chunk coordinate) alone.
//
// Two scopes feed every chunk. The column scope samples world-space noise keyed by
// the horizontal block position, so surface height, biome and caves line up across
// the whole vertical stack and across horizontal chunk borders. The chunk scope is
// a splitmix stream keyed by the full 3D chunk coordinate and drives placement that
// stays inside one chunk (ore veins, trees), biased by values read from the column
// scope. No scope depends on generation order.
package gen

import (
	"fmt"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

// Salts separate the noise channels derived from one world seed.
const (
	saltBiome     int64 = 101
	saltHeightLow int64 = 201
	saltHeightHi  int64 = 202
	saltCaveA     int64 = 301
	saltCaveB     int64 = 302
	saltChunk     int64 = 0x5eed_c0de
)

type Biome string

const (
	Plains Biome = "PLAINS"
	Forest Biome = "FOREST"
	Desert Biome = "DESERT"
)

func BiomeFrom(noise uint64) Biome {
	switch noise % 3 {
	case 0:
		return Plains
	case 1:
		return Forest
	default:
		return Desert
	}
}

// PreconditionError reports a generation request that can never succeed.
type PreconditionError struct {
	Coord  coord.ChunkCoord
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("generate %s: %s", e.Coord, e.Reason)
}

type Params struct {
	BiomeRegionSize int // blocks
	BaseHeight      int
	HeightAmplitude int
	SeaLevel        int
	SnowLine        int

	// Caves are carved where two noise fields are both near their midpoint.
	CaveBand   int
	CaveMinY   int
	SoilDepth  int
	OreVeins   int
	TreeChance int // permille per attempt
}

func DefaultParams() Params {
	return Params{
		BiomeRegionSize: 96,
		BaseHeight:      72,
		HeightAmplitude: 36,
		SeaLevel:        62,
		SnowLine:        150,
		CaveBand:        48,
		CaveMinY:        5,
		SoilDepth:       3,
		OreVeins:        3,
		TreeChance:      450,
	}
}

func (p *Params) applyDefaults() {
	d := DefaultParams()
	if p.BiomeRegionSize <= 0 {
		p.BiomeRegionSize = d.BiomeRegionSize
	}
	if p.BaseHeight <= 0 {
		p.BaseHeight = d.BaseHeight
	}
	if p.HeightAmplitude <= 0 {
		p.HeightAmplitude = d.HeightAmplitude
	}
	if p.SeaLevel <= 0 {
		p.SeaLevel = d.SeaLevel
	}
	if p.SnowLine <= 0 {
		p.SnowLine = d.SnowLine
	}
	if p.CaveBand <= 0 {
		p.CaveBand = d.CaveBand
	}
	if p.CaveMinY <= 0 {
		p.CaveMinY = d.CaveMinY
	}
	if p.SoilDepth <= 0 {
		p.SoilDepth = d.SoilDepth
	}
	if p.OreVeins <= 0 {
		p.OreVeins = d.OreVeins
	}
	if p.TreeChance <= 0 {
		p.TreeChance = d.TreeChance
	}
}

// Generator is immutable after New and safe for concurrent use.
type Generator struct {
	seed int64
	p    Params
}

func New(seed int64, p Params) *Generator {
	p.applyDefaults()
	return &Generator{seed: seed, p: p}
}

func (g *Generator) Seed() int64 { return g.seed }

// BiomeAt is the column-scope biome of a block column.
func (g *Generator) BiomeAt(x, z int) Biome {
	rx := coord.FloorDiv(x, g.p.BiomeRegionSize)
	rz := coord.FloorDiv(z, g.p.BiomeRegionSize)
	return BiomeFrom(Hash2(g.seed+saltBiome, rx, rz))
}

// SurfaceHeight is the y of the topmost solid block of a column.
func (g *Generator) SurfaceHeight(x, z int) int {
	low := Noise2(g.seed+saltHeightLow, x, z, 128) - noiseOne/2
	hi := Noise2(g.seed+saltHeightHi, x, z, 32) - noiseOne/2
	h := g.p.BaseHeight + low*g.p.HeightAmplitude/(noiseOne/2) + hi*g.p.HeightAmplitude/(noiseOne*2)
	if h < 1 {
		h = 1
	}
	if h > coord.MaxBlockY-8 {
		h = coord.MaxBlockY - 8
	}
	return h
}

func (g *Generator) isCave(x, y, z, surface int) bool {
	if y < g.p.CaveMinY || y >= surface-g.p.SoilDepth {
		return false
	}
	a := Noise3(g.seed+saltCaveA, x, y, z, 16) - noiseOne/2
	if a < -g.p.CaveBand || a > g.p.CaveBand {
		return false
	}
	b := Noise3(g.seed+saltCaveB, x, y, z, 16) - noiseOne/2
	return b >= -g.p.CaveBand && b <= g.p.CaveBand
}

type column struct {
	surface int
	biome   Biome
}

// Generate builds the chunk at c. Identical (seed, c) always yields identical bytes.
func (g *Generator) Generate(c coord.ChunkCoord) (*voxel.Buffer, error) {
	if !c.InWorld() {
		return nil, &PreconditionError{Coord: c, Reason: fmt.Sprintf("chunk y outside [%d,%d]", coord.MinChunkY, coord.MaxChunkY)}
	}
	buf := voxel.New()
	origin := coord.ChunkOriginBlock(c)

	var cols [coord.ChunkEdge * coord.ChunkEdge]column
	for lz := 0; lz < coord.ChunkEdge; lz++ {
		for lx := 0; lx < coord.ChunkEdge; lx++ {
			wx, wz := origin.X+lx, origin.Z+lz
			cols[lx+lz*coord.ChunkEdge] = column{
				surface: g.SurfaceHeight(wx, wz),
				biome:   g.BiomeAt(wx, wz),
			}
		}
	}

	for ly := 0; ly < coord.ChunkEdge; ly++ {
		wy := origin.Y + ly
		for lz := 0; lz < coord.ChunkEdge; lz++ {
			for lx := 0; lx < coord.ChunkEdge; lx++ {
				col := cols[lx+lz*coord.ChunkEdge]
				b := g.columnBlock(col, wy)
				if (b == voxel.Stone || b == voxel.Dirt || b == voxel.Sand) && g.isCave(origin.X+lx, wy, origin.Z+lz, col.surface) {
					b = voxel.Air
				}
				buf.Set(coord.Local{X: lx, Y: ly, Z: lz}, b)
			}
		}
	}

	g.decorate(c, buf, &cols)
	return buf, nil
}

func (g *Generator) columnBlock(col column, y int) voxel.Block {
	switch {
	case y == coord.MinBlockY:
		return voxel.Bedrock
	case y < col.surface-g.p.SoilDepth:
		return voxel.Stone
	case y < col.surface:
		if col.biome == Desert {
			return voxel.Sand
		}
		return voxel.Dirt
	case y == col.surface:
		switch {
		case col.surface >= g.p.SnowLine:
			return voxel.Snow
		case col.biome == Desert || col.surface <= g.p.SeaLevel:
			return voxel.Sand
		default:
			return voxel.Grass
		}
	case y <= g.p.SeaLevel:
		return voxel.Water
	default:
		return voxel.Air
	}
}

type oreSpec struct {
	block  voxel.Block
	maxY   int
	length int
	// bias is the extra vein count granted per biome.
	bias map[Biome]int
}

var ores = []oreSpec{
	{block: voxel.CoalOre, maxY: 160, length: 10, bias: map[Biome]int{Forest: 1}},
	{block: voxel.CopperOre, maxY: 96, length: 7, bias: map[Biome]int{Desert: 1}},
	{block: voxel.IronOre, maxY: 64, length: 6, bias: map[Biome]int{Plains: 1}},
	{block: voxel.CrystalOre, maxY: 24, length: 3},
}

// decorate runs the chunk scope: everything placed here stays inside c.
func (g *Generator) decorate(c coord.ChunkCoord, buf *voxel.Buffer, cols *[coord.ChunkEdge * coord.ChunkEdge]column) {
	r := newRNG(Hash3(g.seed^saltChunk, c.X, c.Y, c.Z))
	origin := coord.ChunkOriginBlock(c)
	centre := cols[8+8*coord.ChunkEdge]

	for _, o := range ores {
		if origin.Y > o.maxY {
			continue
		}
		veins := r.intn(g.p.OreVeins+1) + o.bias[centre.biome]
		for v := 0; v < veins; v++ {
			l := coord.Local{X: r.intn(coord.ChunkEdge), Y: r.intn(coord.ChunkEdge), Z: r.intn(coord.ChunkEdge)}
			for s := 0; s < o.length; s++ {
				if buf.Get(l) == voxel.Stone {
					buf.Set(l, o.block)
				}
				l = stepWithin(l, r.intn(6))
			}
		}
	}

	attempts := 2
	switch centre.biome {
	case Forest:
		attempts = 6
	case Desert:
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		lx := 2 + r.intn(coord.ChunkEdge-4)
		lz := 2 + r.intn(coord.ChunkEdge-4)
		roll := r.intn(1000)
		if roll >= ClampPermille(g.p.TreeChance) {
			continue
		}
		col := cols[lx+lz*coord.ChunkEdge]
		base := col.surface + 1 - origin.Y
		if col.biome == Desert {
			placeCactus(buf, lx, base, lz, 2+r.intn(2))
			continue
		}
		placeTree(buf, lx, base, lz, 4+r.intn(2))
	}
}

func stepWithin(l coord.Local, dir int) coord.Local {
	switch dir {
	case 0:
		l.X++
	case 1:
		l.X--
	case 2:
		l.Y++
	case 3:
		l.Y--
	case 4:
		l.Z++
	default:
		l.Z--
	}
	l.X = clampLocal(l.X)
	l.Y = clampLocal(l.Y)
	l.Z = clampLocal(l.Z)
	return l
}

func clampLocal(v int) int {
	if v < 0 {
		return 0
	}
	if v >= coord.ChunkEdge {
		return coord.ChunkEdge - 1
	}
	return v
}

// placeTree only places trees that fit entirely inside the chunk, so no tree is cut at a border.
func placeTree(buf *voxel.Buffer, x, base, z, height int) {
	top := base + height
	if base < 1 || top+1 >= coord.ChunkEdge {
		return
	}
	if buf.Get(coord.Local{X: x, Y: base - 1, Z: z}) != voxel.Grass {
		return
	}
	for y := base; y < top; y++ {
		buf.Set(coord.Local{X: x, Y: y, Z: z}, voxel.Log)
	}
	for y := top - 2; y <= top; y++ {
		for dz := -2; dz <= 2; dz++ {
			for dx := -2; dx <= 2; dx++ {
				if coord.AbsInt(dx)+coord.AbsInt(dz) > 3 {
					continue
				}
				l := coord.Local{X: x + dx, Y: y, Z: z + dz}
				if buf.Get(l) == voxel.Air {
					buf.Set(l, voxel.Leaves)
				}
			}
		}
	}
}

func placeCactus(buf *voxel.Buffer, x, base, z, height int) {
	if base < 1 || base+height >= coord.ChunkEdge {
		return
	}
	if buf.Get(coord.Local{X: x, Y: base - 1, Z: z}) != voxel.Sand {
		return
	}
	for y := base; y < base+height; y++ {
		buf.Set(coord.Local{X: x, Y: y, Z: z}, voxel.Cactus)
	}
}
