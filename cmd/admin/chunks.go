package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
	"voxelcraft.ai/chunksys/internal/worldgen"
)

func chunksCmd(args []string) error {
	if len(args) == 0 {
		return errors.New("chunks: expected list, show or stat")
	}
	sub := args[0]
	fs := flag.NewFlagSet("chunks "+sub, flag.ExitOnError)
	backend := fs.String("backend", "sqlite", "store backend: sqlite or leveldb")
	path := fs.String("path", "./data/chunks.db", "store path")
	kindName := fs.String("kind", "", "payload kind filter: chunk, entity or poi")
	limit := fs.Int("limit", 0, "max entries to list (0 = all)")
	x := fs.Int("x", 0, "chunk x (show)")
	z := fs.Int("z", 0, "chunk z (show)")
	_ = fs.Parse(args[1:])

	if *backend == "memory" {
		return errors.New("chunks: the memory backend has nothing to inspect")
	}
	if _, err := os.Stat(*path); err != nil {
		return fmt.Errorf("chunks: %w", err)
	}
	var kind *regionio.Kind
	if *kindName != "" {
		k, err := regionio.ParseKind(*kindName)
		if err != nil {
			return err
		}
		kind = &k
	}

	store, err := regionio.Open(*backend, *path, regionio.Options{})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	switch sub {
	case "list":
		return listChunks(ctx, store, kind, *limit, os.Stdout)
	case "show":
		k := regionio.KindChunk
		if kind != nil {
			k = *kind
		}
		v, err := showChunk(ctx, store, coord.Pos{X: int32(*x), Z: int32(*z)}, k)
		if err != nil {
			return err
		}
		return enc.Encode(v)
	case "stat":
		st, err := statChunks(ctx, store)
		if err != nil {
			return err
		}
		return enc.Encode(st)
	}
	return fmt.Errorf("chunks: unknown subcommand %q", sub)
}

// listChunks writes one JSON line per stored payload.
func listChunks(ctx context.Context, store *regionio.AsyncStore, kind *regionio.Kind, limit int, w io.Writer) error {
	enc := json.NewEncoder(w)
	n := 0
	errStop := errors.New("stop")
	err := store.Scan(ctx, func(e regionio.Entry) error {
		if kind != nil && e.Kind != *kind {
			return nil
		}
		if limit > 0 && n >= limit {
			return errStop
		}
		n++
		return enc.Encode(e)
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

type chunkSummary struct {
	Pos        coord.Pos        `json:"pos"`
	Stage      status.Stage     `json:"stage"`
	Digest     string           `json:"digest"`
	Blocks     map[string]int   `json:"blocks"`
	Biomes     map[string]int   `json:"biomes"`
	Starts     []worldgen.Cell  `json:"structure_starts,omitempty"`
	References []worldgen.Cell  `json:"structure_references,omitempty"`
	Spawns     []worldgen.Spawn `json:"spawns,omitempty"`
}

// showChunk decodes a chunk payload into a summary. Entity and POI payloads
// are returned as raw JSON.
func showChunk(ctx context.Context, store regionio.Store, pos coord.Pos, kind regionio.Kind) (any, error) {
	data, err := store.LoadData(ctx, pos, kind)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("no %s payload at %s", kind, pos)
	}
	if kind != regionio.KindChunk {
		return json.RawMessage(data), nil
	}
	sc, err := worldgen.Codec{}.UnmarshalChunk(pos, data)
	if err != nil {
		return nil, err
	}
	c := sc.(*worldgen.Chunk)
	digest := c.Digest()
	out := chunkSummary{
		Pos:        c.Pos(),
		Stage:      c.Stage(),
		Digest:     hex.EncodeToString(digest[:]),
		Blocks:     map[string]int{},
		Biomes:     map[string]int{},
		Starts:     c.Starts,
		References: c.References,
		Spawns:     c.Spawns,
	}
	for i := range c.Blocks {
		out.Blocks[c.Blocks[i].String()]++
		out.Biomes[c.Biomes[i].String()]++
	}
	return out, nil
}

type kindStat struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
	Bytes int    `json:"bytes"`
}

type storeStat struct {
	Kinds  []kindStat     `json:"kinds"`
	MinPos *coord.Pos     `json:"min_pos,omitempty"`
	MaxPos *coord.Pos     `json:"max_pos,omitempty"`
	Store  regionio.Stats `json:"store"`
}

func statChunks(ctx context.Context, store *regionio.AsyncStore) (storeStat, error) {
	byKind := map[regionio.Kind]*kindStat{}
	var st storeStat
	err := store.Scan(ctx, func(e regionio.Entry) error {
		ks := byKind[e.Kind]
		if ks == nil {
			ks = &kindStat{Kind: e.KindName}
			byKind[e.Kind] = ks
		}
		ks.Count++
		ks.Bytes += e.Size
		if st.MinPos == nil {
			lo, hi := e.Pos, e.Pos
			st.MinPos, st.MaxPos = &lo, &hi
		}
		st.MinPos.X, st.MinPos.Z = min(st.MinPos.X, e.Pos.X), min(st.MinPos.Z, e.Pos.Z)
		st.MaxPos.X, st.MaxPos.Z = max(st.MaxPos.X, e.Pos.X), max(st.MaxPos.Z, e.Pos.Z)
		return nil
	})
	if err != nil {
		return st, err
	}
	for _, ks := range byKind {
		st.Kinds = append(st.Kinds, *ks)
	}
	sort.Slice(st.Kinds, func(i, j int) bool { return st.Kinds[i].Kind < st.Kinds[j].Kind })
	st.Store = store.Stats()
	return st, nil
}
