package worldgen

import "voxelcraft.ai/chunksys/internal/coord"

func hash2(seed int64, x, z int32) uint64 { return coord.Hash2(seed, x, z) }

type Biome uint8

const (
	Plains Biome = iota
	Forest
	Desert
)

var biomeNames = [...]string{"plains", "forest", "desert"}

func (b Biome) String() string {
	if int(b) < len(biomeNames) {
		return biomeNames[b]
	}
	return "unknown"
}

func biomeFrom(noise uint64) Biome {
	switch noise % 3 {
	case 0:
		return Plains
	case 1:
		return Forest
	default:
		return Desert
	}
}

func biomeAt(seed int64, x, z, regionSize int32) Biome {
	if regionSize <= 0 {
		regionSize = 1
	}
	return biomeFrom(hash2(seed, coord.FloorDiv(x, regionSize), coord.FloorDiv(z, regionSize)))
}

func clampPermille(v int) uint64 {
	return uint64(min(max(v, 0), 1000))
}

func scalePermille(base uint64, scalePermille int) uint64 {
	if scalePermille <= 0 {
		scalePermille = 1000
	}
	return min((base*uint64(scalePermille)+500)/1000, 1000)
}

// inCluster reports whether (x, z) lies within radius of the centre of a
// cluster. Each grid cell holds at most one cluster, present with the given
// probability.
func inCluster(seed int64, x, z, grid, radius int32, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := coord.FloorDiv(x, grid)
	gz := coord.FloorDiv(z, grid)
	r2 := int64(radius) * int64(radius)

	for dz := int32(-1); dz <= 1; dz++ {
		for dx := int32(-1); dx <= 1; dx++ {
			cgx, cgz := gx+dx, gz+dz
			h := hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}
			cx := cgx*grid + int32((h>>10)%uint64(grid))
			cz := cgz*grid + int32((h>>20)%uint64(grid))
			ddx, ddz := int64(x-cx), int64(z-cz)
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}
