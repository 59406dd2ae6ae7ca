package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/coord"
	persistlog "voxelcraft.ai/chunksys/internal/persistence/log"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
	"voxelcraft.ai/chunksys/internal/worldgen"
)

func seedStore(t *testing.T, backend string) *regionio.AsyncStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks."+backend)
	store, err := regionio.Open(backend, path, regionio.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g := worldgen.New(worldgen.DefaultOptions(3))
	for _, pos := range []coord.Pos{{X: -1, Z: 2}, {X: 4, Z: 0}} {
		data, err := worldgen.Codec{}.MarshalChunk(g.NewChunk(pos))
		require.NoError(t, err)
		require.NoError(t, store.SaveNow(pos, regionio.KindChunk, data))
	}
	require.NoError(t, store.SaveNow(coord.Pos{X: 4, Z: 0}, regionio.KindEntity, []byte(`[{"kind":"sheep"}]`)))
	return store
}

func TestListChunks(t *testing.T) {
	for _, backend := range []string{"sqlite", "leveldb"} {
		t.Run(backend, func(t *testing.T) {
			store := seedStore(t, backend)
			var buf bytes.Buffer
			require.NoError(t, listChunks(context.Background(), store, nil, 0, &buf))
			require.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 3)

			buf.Reset()
			kind := regionio.KindEntity
			require.NoError(t, listChunks(context.Background(), store, &kind, 0, &buf))
			var e regionio.Entry
			require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
			require.Equal(t, "entity", e.KindName)
			require.Equal(t, coord.Pos{X: 4, Z: 0}, e.Pos)

			buf.Reset()
			require.NoError(t, listChunks(context.Background(), store, nil, 1, &buf))
			require.Equal(t, 1, strings.Count(buf.String(), "\n"))
		})
	}
}

func TestShowChunk(t *testing.T) {
	store := seedStore(t, "sqlite")
	ctx := context.Background()

	v, err := showChunk(ctx, store, coord.Pos{X: -1, Z: 2}, regionio.KindChunk)
	require.NoError(t, err)
	sum := v.(chunkSummary)
	require.Equal(t, coord.Pos{X: -1, Z: 2}, sum.Pos)
	require.Equal(t, worldgen.CellCount, sum.Blocks["air"])
	require.Len(t, sum.Digest, 64)

	v, err = showChunk(ctx, store, coord.Pos{X: 4, Z: 0}, regionio.KindEntity)
	require.NoError(t, err)
	require.JSONEq(t, `[{"kind":"sheep"}]`, string(v.(json.RawMessage)))

	_, err = showChunk(ctx, store, coord.Pos{X: 9, Z: 9}, regionio.KindChunk)
	require.ErrorContains(t, err, "no chunk payload")
}

func TestStatChunks(t *testing.T) {
	store := seedStore(t, "leveldb")
	st, err := statChunks(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, st.Kinds, 2)
	require.Equal(t, "chunk", st.Kinds[0].Kind)
	require.Equal(t, 2, st.Kinds[0].Count)
	require.Equal(t, &coord.Pos{X: -1, Z: 0}, st.MinPos)
	require.Equal(t, &coord.Pos{X: 4, Z: 2}, st.MaxPos)
	require.Equal(t, "leveldb", st.Store.Backend)
}

func TestPrintEvents(t *testing.T) {
	dir := t.TempDir()
	sink := persistlog.NewSink(dir, nil)
	sink.Emit(scheduling.Event{Tick: 1, Kind: scheduling.EventHolderCreated, Pos: coord.Pos{X: 1}})
	sink.Emit(scheduling.Event{Tick: 2, Kind: scheduling.EventSaved, Pos: coord.Pos{X: 1}})
	require.NoError(t, sink.Close())

	var buf bytes.Buffer
	require.NoError(t, printEvents(dir, string(scheduling.EventSaved), &buf))
	var r persistlog.Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &r))
	require.Equal(t, int64(2), r.Tick)
	require.Equal(t, sink.Instance(), r.Instance)

	require.Error(t, printEvents(t.TempDir(), "", &buf))
}
