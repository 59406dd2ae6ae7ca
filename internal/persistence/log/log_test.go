package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/logging"
)

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	require.NoError(t, w.Write(map[string]int{"n": 1}))
	require.NoError(t, w.Write(map[string]int{"n": 2}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, w.Write(map[string]int{"n": 3}))
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Write(map[string]int{"n": 4}), errClosed)

	read := func(name string) []int {
		var got []int
		require.NoError(t, ReadJSONL(filepath.Join(dir, name), func(v map[string]int) error {
			got = append(got, v["n"])
			return nil
		}))
		return got
	}
	require.Equal(t, []int{1, 2}, read("events-20260301-10.jsonl.zst"))
	require.Equal(t, []int{3}, read("events-20260301-11.jsonl.zst"))
}

func TestWriterAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		w := NewJSONLZstdWriter(dir, "events")
		w.now = func() time.Time { return clock }
		require.NoError(t, w.Write(map[string]int{"n": i}))
		require.NoError(t, w.Close())
	}
	var got []int
	require.NoError(t, ReadJSONL(filepath.Join(dir, "events-20260301-10.jsonl.zst"), func(v map[string]int) error {
		got = append(got, v["n"])
		return nil
	}))
	require.Equal(t, []int{1, 2}, got)
}

func TestSinkRecordsEvents(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(dir, logging.Testing(t))
	_, err := uuid.Parse(s.Instance())
	require.NoError(t, err)

	s.Emit(scheduling.Event{Tick: 7, Kind: scheduling.EventHolderCreated, Pos: coord.Pos{X: 1, Z: -2}})
	s.Emit(scheduling.Event{Tick: 9, Kind: scheduling.EventSaved, Pos: coord.Pos{X: 1, Z: -2}, Fields: map[string]any{"kind": "chunk"}})
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	files, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl.zst"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var records []Record
	for _, f := range files {
		require.NoError(t, ReadJSONL(f, func(r Record) error {
			records = append(records, r)
			return nil
		}))
	}
	require.Len(t, records, 2)
	require.Equal(t, s.Instance(), records[0].Instance)
	require.Equal(t, scheduling.EventHolderCreated, records[0].Kind)
	require.Equal(t, coord.Pos{X: 1, Z: -2}, records[0].Pos)
	require.Equal(t, int64(9), records[1].Tick)
	require.Equal(t, "chunk", records[1].Fields["kind"])
}

func TestReadJSONLMissingFile(t *testing.T) {
	err := ReadJSONL(filepath.Join(t.TempDir(), "nope.jsonl.zst"), func(Record) error { return nil })
	require.ErrorIs(t, err, os.ErrNotExist)
}
