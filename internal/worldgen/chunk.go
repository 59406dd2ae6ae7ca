// Package worldgen is a small deterministic generator for a flat world of
// 16x16 cell chunks. Each stage of the chunk pipeline reads and writes
// exactly the neighbourhood its stage declares.
package worldgen

import (
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
)

const (
	ChunkSize = 16
	CellCount = ChunkSize * ChunkSize
)

type Block uint16

const (
	Air Block = iota
	Dirt
	Grass
	Sand
	Stone
	Gravel
	Log
	CoalOre
	IronOre
	CopperOre
	CrystalOre
)

var blockNames = [...]string{"air", "dirt", "grass", "sand", "stone", "gravel", "log", "coal_ore", "iron_ore", "copper_ore", "crystal_ore"}

func (b Block) String() string {
	if int(b) < len(blockNames) {
		return blockNames[b]
	}
	return "unknown"
}

// Cell is a world cell coordinate.
type Cell struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

func (c Cell) Chunk() coord.Pos {
	return coord.Pos{X: coord.FloorDiv(c.X, ChunkSize), Z: coord.FloorDiv(c.Z, ChunkSize)}
}

type Spawn struct {
	Cell Cell   `json:"cell"`
	Kind string `json:"kind"`
}

// Chunk is the generated data of one chunk. Block, biome and light arrays
// are indexed x fastest, then z.
type Chunk struct {
	pos   coord.Pos
	stage atomic.Int32
	dirty atomic.Bool

	Blocks     [CellCount]Block
	Biomes     [CellCount]Biome
	Light      [CellCount]uint8
	Starts     []Cell
	References []Cell
	Spawns     []Spawn
}

var _ scheduling.Chunk = (*Chunk)(nil)

func newChunk(pos coord.Pos, s status.Stage) *Chunk {
	c := &Chunk{pos: pos}
	c.stage.Store(int32(s))
	return c
}

func (c *Chunk) Pos() coord.Pos      { return c.pos }
func (c *Chunk) Stage() status.Stage { return status.Stage(c.stage.Load()) }
func (c *Chunk) Dirty() bool         { return c.dirty.Load() }
func (c *Chunk) MarkSaved()          { c.dirty.Store(false) }

func (c *Chunk) SetStage(s status.Stage) {
	c.stage.Store(int32(s))
	c.dirty.Store(true)
}

func index(lx, lz int32) int { return int(lx + lz*ChunkSize) }

// local converts a world cell to an index, reporting whether it lies in c.
func (c *Chunk) local(x, z int32) (int, bool) {
	lx, lz := x-c.pos.X*ChunkSize, z-c.pos.Z*ChunkSize
	if lx < 0 || lz < 0 || lx >= ChunkSize || lz >= ChunkSize {
		return 0, false
	}
	return index(lx, lz), true
}

func (c *Chunk) Get(lx, lz int32) Block { return c.Blocks[index(lx, lz)] }

func (c *Chunk) set(i int, b Block) {
	if c.Blocks[i] == b {
		return
	}
	c.Blocks[i] = b
	c.dirty.Store(true)
}

// Digest hashes the block array.
func (c *Chunk) Digest() [32]byte {
	h := sha256.New()
	var tmp [2]byte
	for _, v := range c.Blocks {
		binary.LittleEndian.PutUint16(tmp[:], uint16(v))
		h.Write(tmp[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
