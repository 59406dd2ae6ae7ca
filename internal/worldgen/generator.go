package worldgen

import (
	"context"
	"encoding/json"
	"fmt"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
)

type Options struct {
	Seed            int64
	BiomeRegionSize int32
	// StructurePermille is the chance that a chunk holds a structure start.
	StructurePermille           int
	OreClusterScalePermille     int
	TerrainClusterScalePermille int
	SprinkleStonePermille       int
	SprinkleDirtPermille        int
	SprinkleLogPermille         int
	FeatureAttempts             int
	SpawnAttempts               int
}

func DefaultOptions(seed int64) Options {
	return Options{
		Seed:                        seed,
		BiomeRegionSize:             64,
		StructurePermille:           80,
		OreClusterScalePermille:     1000,
		TerrainClusterScalePermille: 1000,
		SprinkleStonePermille:       20,
		SprinkleDirtPermille:        30,
		SprinkleLogPermille:         15,
		FeatureAttempts:             2,
		SpawnAttempts:               3,
	}
}

// Generator implements the chunk pipeline over Chunk values.
type Generator struct {
	opts Options
}

var _ scheduling.Generator = (*Generator)(nil)

func New(opts Options) *Generator {
	def := DefaultOptions(opts.Seed)
	if opts.BiomeRegionSize <= 0 {
		opts.BiomeRegionSize = def.BiomeRegionSize
	}
	if opts.FeatureAttempts <= 0 {
		opts.FeatureAttempts = def.FeatureAttempts
	}
	if opts.SpawnAttempts <= 0 {
		opts.SpawnAttempts = def.SpawnAttempts
	}
	return &Generator{opts: opts}
}

func (g *Generator) NewChunk(pos coord.Pos) scheduling.Chunk {
	c := newChunk(pos, status.Empty)
	c.dirty.Store(true)
	return c
}

// view is the request's chunk plus its visible neighbours.
type view struct {
	self *Chunk
	nb   scheduling.NeighbourView
}

func (v view) chunk(pos coord.Pos) (*Chunk, error) {
	if pos == v.self.pos {
		return v.self, nil
	}
	n, ok := v.nb.Chunk(pos.X, pos.Z).(*Chunk)
	if !ok || n == nil {
		return nil, fmt.Errorf("worldgen: neighbour %s of %s not visible", pos, v.self.pos)
	}
	return n, nil
}

// cell returns the chunk holding a world cell and the cell's index in it.
func (v view) cell(x, z int32) (*Chunk, int, error) {
	c, err := v.chunk(Cell{X: x, Z: z}.Chunk())
	if err != nil {
		return nil, 0, err
	}
	i, _ := c.local(x, z)
	return c, i, nil
}

func (g *Generator) Generate(ctx context.Context, req scheduling.StageRequest) (scheduling.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := req.Chunk.(*Chunk)
	if !ok {
		return nil, fmt.Errorf("worldgen: unexpected chunk type %T", req.Chunk)
	}
	v := view{self: c, nb: req.Neighbours}
	var err error
	switch req.Stage {
	case status.StructureStarts:
		g.structureStarts(c)
	case status.StructureReferences:
		err = g.structureReferences(v)
	case status.Biomes:
		g.biomes(c)
	case status.Noise:
		err = g.noise(v)
	case status.Surface:
		err = g.surface(v)
	case status.Carvers:
		g.carvers(c)
	case status.Features:
		err = g.features(v)
	case status.Light:
		err = g.light(v)
	case status.Spawn:
		err = g.spawn(v)
	default:
		err = fmt.Errorf("worldgen: no work for stage %s", req.Stage)
	}
	if err != nil {
		return nil, err
	}
	c.dirty.Store(true)
	return c, nil
}

func (g *Generator) origin(c *Chunk) (int32, int32) {
	return c.pos.X * ChunkSize, c.pos.Z * ChunkSize
}

func (g *Generator) structureStarts(c *Chunk) {
	h := hash2(g.opts.Seed+11, c.pos.X, c.pos.Z)
	c.Starts = c.Starts[:0]
	if h%1000 >= clampPermille(g.opts.StructurePermille) {
		return
	}
	ox, oz := g.origin(c)
	c.Starts = append(c.Starts, Cell{
		X: ox + int32((h>>10)%ChunkSize),
		Z: oz + int32((h>>20)%ChunkSize),
	})
}

func (g *Generator) structureReferences(v view) error {
	c := v.self
	c.References = c.References[:0]
	for dz := int32(-2); dz <= 2; dz++ {
		for dx := int32(-2); dx <= 2; dx++ {
			n, err := v.chunk(c.pos.Add(dx, dz))
			if err != nil {
				return err
			}
			c.References = append(c.References, n.Starts...)
		}
	}
	return nil
}

func (g *Generator) biomes(c *Chunk) {
	ox, oz := g.origin(c)
	for lz := int32(0); lz < ChunkSize; lz++ {
		for lx := int32(0); lx < ChunkSize; lx++ {
			c.Biomes[index(lx, lz)] = biomeAt(g.opts.Seed, ox+lx, oz+lz, g.opts.BiomeRegionSize)
		}
	}
}

// biomeOf reads the biome of any cell within the view.
func (v view) biomeOf(x, z int32) (Biome, error) {
	c, i, err := v.cell(x, z)
	if err != nil {
		return 0, err
	}
	return c.Biomes[i], nil
}

func (g *Generator) noise(v view) error {
	c := v.self
	o := g.opts
	ox, oz := g.origin(c)
	ore := func(salt int64, x, z, grid, radius int32, base uint64) bool {
		return inCluster(o.Seed+salt, x, z, grid, radius, scalePermille(base, o.OreClusterScalePermille))
	}
	terrain := func(salt int64, x, z, grid, radius int32, base uint64) bool {
		return inCluster(o.Seed+salt, x, z, grid, radius, scalePermille(base, o.TerrainClusterScalePermille))
	}
	for lz := int32(0); lz < ChunkSize; lz++ {
		for lx := int32(0); lx < ChunkSize; lx++ {
			x, z := ox+lx, oz+lz
			i := index(lx, lz)
			biome := c.Biomes[i]
			b := Air
			switch {
			case ore(101, x, z, 192, 2, 200):
				b = CrystalOre
			case ore(102, x, z, 128, 3, 450):
				b = IronOre
			case ore(103, x, z, 128, 3, 450):
				b = CopperOre
			case ore(104, x, z, 64, 4, 650):
				b = CoalOre
			default:
				switch biome {
				case Forest:
					switch {
					case terrain(201, x, z, 48, 4, 450):
						b = Log
					case terrain(202, x, z, 32, 4, 500):
						b = Stone
					case terrain(203, x, z, 48, 3, 350):
						b = Dirt
					case terrain(204, x, z, 96, 2, 180):
						b = Gravel
					}
				case Desert:
					switch {
					case terrain(301, x, z, 48, 3, 550):
						b = Sand
					case terrain(302, x, z, 32, 4, 450):
						b = Stone
					case terrain(303, x, z, 96, 2, 200):
						b = Gravel
					}
				default:
					switch {
					case terrain(401, x, z, 48, 3, 400):
						b = Dirt
					case terrain(402, x, z, 32, 4, 500):
						b = Stone
					case terrain(403, x, z, 96, 2, 180):
						b = Gravel
					}
				}
				if b == Air {
					b = g.sprinkle(x, z, biome)
				}
			}
			// Biome borders that run along a chunk edge get a gravel seam.
			if b == Air && (lx == 0 || lz == 0) {
				west, err := v.biomeOf(x-1, z)
				if err != nil {
					return err
				}
				north, err := v.biomeOf(x, z-1)
				if err != nil {
					return err
				}
				if (lx == 0 && west != biome) || (lz == 0 && north != biome) {
					b = Gravel
				}
			}
			c.Blocks[i] = b
		}
	}
	return nil
}

func (g *Generator) sprinkle(x, z int32, biome Biome) Block {
	o := g.opts
	roll := hash2(o.Seed+999, x, z) % 1000
	stone := clampPermille(o.SprinkleStonePermille)
	dirt := stone + clampPermille(o.SprinkleDirtPermille)
	log := dirt + clampPermille(o.SprinkleLogPermille)
	switch {
	case roll < stone:
		return Stone
	case roll < dirt:
		if biome == Desert {
			return Sand
		}
		return Dirt
	case roll < log && biome == Forest:
		return Log
	}
	return Air
}

var cross = [4][2]int32{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

// surface grows grass on dirt unless desert touches it.
func (g *Generator) surface(v view) error {
	c := v.self
	ox, oz := g.origin(c)
	for lz := int32(0); lz < ChunkSize; lz++ {
		for lx := int32(0); lx < ChunkSize; lx++ {
			i := index(lx, lz)
			if c.Blocks[i] != Dirt || c.Biomes[i] == Desert {
				continue
			}
			grass := true
			for _, d := range cross {
				b, err := v.biomeOf(ox+lx+d[0], oz+lz+d[1])
				if err != nil {
					return err
				}
				if b == Desert {
					grass = false
					break
				}
			}
			if grass {
				c.Blocks[i] = Grass
			}
		}
	}
	return nil
}

const plazaRadius = 3

func nearStructure(refs []Cell, x, z int32) bool {
	for _, r := range refs {
		dx, dz := int64(x-r.X), int64(z-r.Z)
		if dx*dx+dz*dz <= plazaRadius*plazaRadius {
			return true
		}
	}
	return false
}

// carvers clears a plaza around every structure start in reach.
func (g *Generator) carvers(c *Chunk) {
	ox, oz := g.origin(c)
	for lz := int32(0); lz < ChunkSize; lz++ {
		for lx := int32(0); lx < ChunkSize; lx++ {
			if nearStructure(c.References, ox+lx, oz+lz) {
				c.Blocks[index(lx, lz)] = Air
			}
		}
	}
}

// features plants trees. A tree is a cross of logs and may reach one cell
// into a neighbouring chunk. Trees only ever turn air into logs, so the
// result does not depend on the order neighbours run in.
func (g *Generator) features(v view) error {
	c := v.self
	ox, oz := g.origin(c)
	for attempt := 0; attempt < g.opts.FeatureAttempts; attempt++ {
		h := hash2(g.opts.Seed+31+int64(attempt), c.pos.X, c.pos.Z)
		lx, lz := int32(h%ChunkSize), int32((h>>8)%ChunkSize)
		i := index(lx, lz)
		if c.Biomes[i] != Forest || (c.Blocks[i] != Air && c.Blocks[i] != Log) || nearStructure(c.References, ox+lx, oz+lz) {
			continue
		}
		c.set(i, Log)
		for _, d := range cross {
			n, j, err := v.cell(ox+lx+d[0], oz+lz+d[1])
			if err != nil {
				return err
			}
			if n.Blocks[j] == Air {
				n.set(j, Log)
			}
		}
	}
	return nil
}

const (
	maxLight  = 15
	lightStep = 4
)

func opaque(b Block) bool { return b != Air && b != Grass }

// light gives open cells full light and lets it fall off into solid cells,
// reading blocks one chunk out.
func (g *Generator) light(v view) error {
	const span = 3 * ChunkSize
	var blocks [span * span]Block
	for dz := int32(-1); dz <= 1; dz++ {
		for dx := int32(-1); dx <= 1; dx++ {
			n, err := v.chunk(v.self.pos.Add(dx, dz))
			if err != nil {
				return err
			}
			for lz := int32(0); lz < ChunkSize; lz++ {
				for lx := int32(0); lx < ChunkSize; lx++ {
					gx, gz := (dx+1)*ChunkSize+lx, (dz+1)*ChunkSize+lz
					blocks[gx+gz*span] = n.Blocks[index(lx, lz)]
				}
			}
		}
	}

	var level [span * span]uint8
	queue := make([]int32, 0, span*span)
	for i, b := range blocks {
		if !opaque(b) {
			level[i] = maxLight
			queue = append(queue, int32(i))
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if level[i] <= lightStep {
			continue
		}
		x, z := i%span, i/span
		for _, d := range cross {
			nx, nz := x+d[0], z+d[1]
			if nx < 0 || nz < 0 || nx >= span || nz >= span {
				continue
			}
			j := nx + nz*span
			if l := level[i] - lightStep; l > level[j] {
				level[j] = l
				queue = append(queue, j)
			}
		}
	}
	for lz := int32(0); lz < ChunkSize; lz++ {
		for lx := int32(0); lx < ChunkSize; lx++ {
			v.self.Light[index(lx, lz)] = level[(ChunkSize+lx)+(ChunkSize+lz)*span]
		}
	}
	return nil
}

var spawnKinds = [...]string{Plains: "sheep", Forest: "wolf", Desert: "husk"}

// spawn marks open cells where the biome's creatures appear. Herds only
// form away from biome borders.
func (g *Generator) spawn(v view) error {
	c := v.self
	ox, oz := g.origin(c)
	c.Spawns = c.Spawns[:0]
	for attempt := 0; attempt < g.opts.SpawnAttempts; attempt++ {
		h := hash2(g.opts.Seed+71+int64(attempt), c.pos.X, c.pos.Z)
		lx, lz := int32(h%ChunkSize), int32((h>>8)%ChunkSize)
		i := index(lx, lz)
		if opaque(c.Blocks[i]) {
			continue
		}
		border := false
		for _, d := range cross {
			b, err := v.biomeOf(ox+lx+d[0]*ChunkSize/2, oz+lz+d[1]*ChunkSize/2)
			if err != nil {
				return err
			}
			if b != c.Biomes[i] {
				border = true
				break
			}
		}
		if border {
			continue
		}
		c.Spawns = append(c.Spawns, Spawn{Cell: Cell{X: ox + lx, Z: oz + lz}, Kind: spawnKinds[c.Biomes[i]]})
	}
	return nil
}

// Promote attaches the entity and POI payloads of a freshly generated chunk.
// Payloads loaded from storage are kept as they are.
func (g *Generator) Promote(_ context.Context, chunk scheduling.Chunk, sl scheduling.Slices) (scheduling.Chunk, scheduling.Slices, error) {
	c, ok := chunk.(*Chunk)
	if !ok {
		return nil, sl, fmt.Errorf("worldgen: unexpected chunk type %T", chunk)
	}
	if sl.Entities == nil {
		b, err := json.Marshal(c.Spawns)
		if err != nil {
			return nil, sl, err
		}
		sl.Entities = scheduling.NewRawSlice(b, true)
	}
	if sl.POI == nil && len(c.Starts) > 0 {
		b, err := json.Marshal(c.Starts)
		if err != nil {
			return nil, sl, err
		}
		sl.POI = scheduling.NewRawSlice(b, true)
	}
	return c, sl, nil
}
