package gen

import "voxelstream.ai/internal/sim/coord"

// All noise is integer fixed-point so output is byte-identical across platforms.

const (
	noiseBits = 10
	noiseOne  = 1 << noiseBits
)

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func Hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// fade is smoothstep over [0, cell) scaled to [0, noiseOne].
func fade(t, cell int) int64 {
	u := int64(t) * noiseOne / int64(cell)
	return u * u * (3*noiseOne - 2*u) / (noiseOne * noiseOne)
}

func lerp(a, b, t int64) int64 {
	return a + (b-a)*t/noiseOne
}

func lattice2(seed int64, x, z int) int64 {
	return int64(Hash2(seed, x, z) & (noiseOne - 1))
}

func lattice3(seed int64, x, y, z int) int64 {
	return int64(Hash3(seed, x, y, z) & (noiseOne - 1))
}

// Noise2 is smooth value noise in [0, noiseOne) over a lattice of the given cell size.
func Noise2(seed int64, x, z, cell int) int {
	gx, gz := coord.FloorDiv(x, cell), coord.FloorDiv(z, cell)
	tx := fade(coord.Mod(x, cell), cell)
	tz := fade(coord.Mod(z, cell), cell)

	a := lerp(lattice2(seed, gx, gz), lattice2(seed, gx+1, gz), tx)
	b := lerp(lattice2(seed, gx, gz+1), lattice2(seed, gx+1, gz+1), tx)
	return int(lerp(a, b, tz))
}

// Noise3 is the 3D counterpart of Noise2.
func Noise3(seed int64, x, y, z, cell int) int {
	gx, gy, gz := coord.FloorDiv(x, cell), coord.FloorDiv(y, cell), coord.FloorDiv(z, cell)
	tx := fade(coord.Mod(x, cell), cell)
	ty := fade(coord.Mod(y, cell), cell)
	tz := fade(coord.Mod(z, cell), cell)

	x00 := lerp(lattice3(seed, gx, gy, gz), lattice3(seed, gx+1, gy, gz), tx)
	x10 := lerp(lattice3(seed, gx, gy+1, gz), lattice3(seed, gx+1, gy+1, gz), tx)
	x01 := lerp(lattice3(seed, gx, gy, gz+1), lattice3(seed, gx+1, gy, gz+1), tx)
	x11 := lerp(lattice3(seed, gx, gy+1, gz+1), lattice3(seed, gx+1, gy+1, gz+1), tx)
	return int(lerp(lerp(x00, x10, ty), lerp(x01, x11, ty), tz))
}

// rng is a splitmix64 stream. Each chunk gets its own, seeded from its coordinate.
type rng struct{ s uint64 }

func newRNG(seed uint64) *rng { return &rng{s: seed} }

func (r *rng) next() uint64 {
	r.s += 0x9e3779b97f4a7c15
	return mix64(r.s)
}

// intn returns a value in [0, n). n <= 0 yields 0.
func (r *rng) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.next() % uint64(n))
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}
