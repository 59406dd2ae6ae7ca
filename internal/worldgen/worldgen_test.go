package worldgen

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
)

type gridView struct {
	chunks map[coord.Pos]*Chunk
	centre coord.Pos
	radius int
	stage  status.Stage
}

func (v gridView) Radius() int { return v.radius }

func (v gridView) Chunk(x, z int32) scheduling.Chunk {
	d := int(coord.Chebyshev(x, z, v.centre.X, v.centre.Z))
	if d > v.radius {
		return nil
	}
	c, ok := v.chunks[coord.Pos{X: x, Z: z}]
	if !ok || !c.Stage().IsOrAfter(v.stage.DirectRequirement(d)) {
		return nil
	}
	return c
}

// generateArea runs every stage for the chunks within radius of the origin,
// widening the generated area so each stage sees its neighbours.
func generateArea(t *testing.T, g *Generator, radius int32, target status.Stage) map[coord.Pos]*Chunk {
	t.Helper()
	margin := int32(0)
	for s := status.StructureStarts; s <= target; s++ {
		margin += int32(s.ReadRadius())
	}
	outer := radius + margin
	chunks := map[coord.Pos]*Chunk{}
	for z := -outer; z <= outer; z++ {
		for x := -outer; x <= outer; x++ {
			pos := coord.Pos{X: x, Z: z}
			chunks[pos] = g.NewChunk(pos).(*Chunk)
		}
	}
	reach := outer
	for s := status.StructureStarts; s <= target; s++ {
		reach -= int32(s.ReadRadius())
		for pos, c := range chunks {
			if coord.Chebyshev(pos.X, pos.Z, 0, 0) > reach {
				continue
			}
			if !s.EmptyWork() && s != status.Full {
				out, err := g.Generate(context.Background(), scheduling.StageRequest{
					Pos:        pos,
					Stage:      s,
					Chunk:      c,
					Neighbours: gridView{chunks: chunks, centre: pos, radius: s.ReadRadius(), stage: s},
				})
				require.NoError(t, err, "%s %s", pos, s)
				require.Same(t, c, out)
			}
			c.SetStage(s)
		}
	}
	return chunks
}

func TestGenerationIsDeterministic(t *testing.T) {
	a := generateArea(t, New(DefaultOptions(42)), 2, status.Spawn)
	b := generateArea(t, New(DefaultOptions(42)), 2, status.Spawn)
	other := generateArea(t, New(DefaultOptions(43)), 2, status.Spawn)

	differs := false
	for z := int32(-2); z <= 2; z++ {
		for x := int32(-2); x <= 2; x++ {
			pos := coord.Pos{X: x, Z: z}
			require.Equal(t, status.Spawn, a[pos].Stage())
			require.Equal(t, a[pos].Digest(), b[pos].Digest(), "%s", pos)
			if a[pos].Digest() != other[pos].Digest() {
				differs = true
			}
		}
	}
	require.True(t, differs, "seed has no effect")
}

func TestStructuresAreReferencedAndCarved(t *testing.T) {
	opts := DefaultOptions(7)
	opts.StructurePermille = 1000
	chunks := generateArea(t, New(opts), 1, status.Carvers)

	c := chunks[coord.Pos{}]
	require.Len(t, c.Starts, 1)
	require.Len(t, c.References, 25)
	start := c.Starts[0]
	require.Contains(t, c.References, start)
	i, ok := c.local(start.X, start.Z)
	require.True(t, ok)
	require.Equal(t, Air, c.Blocks[i])
}

func TestMissingNeighbourFails(t *testing.T) {
	g := New(DefaultOptions(1))
	c := g.NewChunk(coord.Pos{}).(*Chunk)
	c.SetStage(status.StructureStarts)
	_, err := g.Generate(context.Background(), scheduling.StageRequest{
		Stage:      status.StructureReferences,
		Chunk:      c,
		Neighbours: gridView{chunks: map[coord.Pos]*Chunk{}, radius: 2, stage: status.StructureReferences},
	})
	require.ErrorContains(t, err, "not visible")
}

func TestGenerateHonoursCancellation(t *testing.T) {
	g := New(DefaultOptions(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, scheduling.StageRequest{Stage: status.StructureStarts, Chunk: g.NewChunk(coord.Pos{})})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLightFallsOffIntoSolidCells(t *testing.T) {
	chunks := generateArea(t, New(DefaultOptions(5)), 0, status.Light)
	c := chunks[coord.Pos{}]
	for i, b := range c.Blocks {
		if !opaque(b) {
			require.Equal(t, uint8(maxLight), c.Light[i])
		} else {
			require.Less(t, c.Light[i], uint8(maxLight))
		}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	g := New(DefaultOptions(9))
	chunks := generateArea(t, g, 0, status.Spawn)
	c := chunks[coord.Pos{}]

	data, err := Codec{}.MarshalChunk(c)
	require.NoError(t, err)
	back, err := Codec{}.UnmarshalChunk(coord.Pos{}, data)
	require.NoError(t, err)
	got := back.(*Chunk)
	require.Equal(t, status.Spawn, got.Stage())
	require.False(t, got.Dirty())
	require.Equal(t, c.Blocks, got.Blocks)
	require.Equal(t, c.Biomes, got.Biomes)
	require.Equal(t, c.Light, got.Light)
	require.Equal(t, c.Digest(), got.Digest())

	_, err = Codec{}.UnmarshalChunk(coord.Pos{X: 1}, data)
	require.ErrorContains(t, err, "payload is for")
	_, err = Codec{}.UnmarshalChunk(coord.Pos{}, []byte(`{"v":1,"pos":{"x":0,"z":0},"stage":"full","blocks":"AQ==","biomes":"","light":""}`))
	require.Error(t, err)
}

func TestPromoteAttachesSpawnsAndStructures(t *testing.T) {
	opts := DefaultOptions(3)
	opts.StructurePermille = 1000
	g := New(opts)
	c := generateArea(t, g, 0, status.Spawn)[coord.Pos{}]

	_, sl, err := g.Promote(context.Background(), c, scheduling.Slices{})
	require.NoError(t, err)
	require.NotNil(t, sl.Entities)
	require.True(t, sl.Entities.Dirty())
	data, err := sl.Entities.Marshal()
	require.NoError(t, err)
	var spawns []Spawn
	require.NoError(t, json.Unmarshal(data, &spawns))
	require.Equal(t, c.Spawns, spawns)
	require.NotNil(t, sl.POI)

	loaded := scheduling.NewRawSlice([]byte("[]"), false)
	_, sl, err = g.Promote(context.Background(), c, scheduling.Slices{Entities: loaded})
	require.NoError(t, err)
	require.Same(t, loaded, sl.Entities)
}

func TestRLE(t *testing.T) {
	in := []uint16{1, 1, 1, 2, 2, 3, 7, 7, 7, 7, 9}
	out, err := decodeRLE(encodeRLE(in), len(in))
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = decodeRLE(encodeRLE(in), len(in)-1)
	require.Error(t, err)
	_, err = decodeRLE("!!", 1)
	require.Error(t, err)
}
