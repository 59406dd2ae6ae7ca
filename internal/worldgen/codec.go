package worldgen

import (
	"encoding/json"
	"fmt"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
)

const codecVersion = 1

type wireChunk struct {
	Version    int          `json:"v"`
	Pos        coord.Pos    `json:"pos"`
	Stage      status.Stage `json:"stage"`
	Blocks     string       `json:"blocks"`
	Biomes     string       `json:"biomes"`
	Light      string       `json:"light"`
	Starts     []Cell       `json:"starts,omitempty"`
	References []Cell       `json:"references,omitempty"`
	Spawns     []Spawn      `json:"spawns,omitempty"`
}

// Codec stores Chunk values as JSON with run-length encoded arrays.
type Codec struct{}

var _ scheduling.ChunkCodec = Codec{}

func widen[T ~uint8 | ~uint16](in []T) []uint16 {
	out := make([]uint16, len(in))
	for i, v := range in {
		out[i] = uint16(v)
	}
	return out
}

func (Codec) MarshalChunk(sc scheduling.Chunk) ([]byte, error) {
	c, ok := sc.(*Chunk)
	if !ok {
		return nil, fmt.Errorf("worldgen: unexpected chunk type %T", sc)
	}
	return json.Marshal(wireChunk{
		Version:    codecVersion,
		Pos:        c.pos,
		Stage:      c.Stage(),
		Blocks:     encodeRLE(widen(c.Blocks[:])),
		Biomes:     encodeRLE(widen(c.Biomes[:])),
		Light:      encodeRLE(widen(c.Light[:])),
		Starts:     c.Starts,
		References: c.References,
		Spawns:     c.Spawns,
	})
}

func (Codec) UnmarshalChunk(pos coord.Pos, data []byte) (scheduling.Chunk, error) {
	var w wireChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("worldgen: decode %s: %w", pos, err)
	}
	if w.Version != codecVersion {
		return nil, fmt.Errorf("worldgen: decode %s: version %d", pos, w.Version)
	}
	if w.Pos != pos {
		return nil, fmt.Errorf("worldgen: decode %s: payload is for %s", pos, w.Pos)
	}
	if !w.Stage.Valid() {
		return nil, fmt.Errorf("worldgen: decode %s: invalid stage", pos)
	}
	c := newChunk(pos, w.Stage)
	blocks, err := decodeRLE(w.Blocks, CellCount)
	if err != nil {
		return nil, fmt.Errorf("worldgen: decode %s blocks: %w", pos, err)
	}
	biomes, err := decodeRLE(w.Biomes, CellCount)
	if err != nil {
		return nil, fmt.Errorf("worldgen: decode %s biomes: %w", pos, err)
	}
	light, err := decodeRLE(w.Light, CellCount)
	if err != nil {
		return nil, fmt.Errorf("worldgen: decode %s light: %w", pos, err)
	}
	for i := range CellCount {
		c.Blocks[i] = Block(blocks[i])
		c.Biomes[i] = Biome(biomes[i])
		c.Light[i] = uint8(light[i])
	}
	c.Starts, c.References, c.Spawns = w.Starts, w.References, w.Spawns
	return c, nil
}
