package coord

import "fmt"

// Key packs x into the low 32 bits and z into the high 32 bits.
func Key(x, z int32) int64 {
	return int64(uint32(x)) | int64(z)<<32
}

func X(key int64) int32 { return int32(key) }
func Z(key int64) int32 { return int32(key >> 32) }

type Pos struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

func FromKey(key int64) Pos { return Pos{X: X(key), Z: Z(key)} }

func (p Pos) Key() int64 { return Key(p.X, p.Z) }

func (p Pos) String() string { return fmt.Sprintf("[%d, %d]", p.X, p.Z) }

func (p Pos) Add(dx, dz int32) Pos { return Pos{X: p.X + dx, Z: p.Z + dz} }

func AbsInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func Chebyshev(ax, az, bx, bz int32) int32 {
	return max(AbsInt32(ax-bx), AbsInt32(az-bz))
}

// Shard returns the shard coordinate of v for the given shift. Arithmetic
// shifts floor toward negative infinity.
func Shard(v int32, shift uint) int32 { return v >> shift }

// FloorDiv and Mod assume b > 0.
func FloorDiv(a, b int32) int32 {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

func Mod(a, b int32) int32 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash2 is a deterministic seeded hash of a grid position.
func Hash2(seed int64, x, z int32) uint64 {
	ux := uint64(uint32(x))
	uz := uint64(uint32(z))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
