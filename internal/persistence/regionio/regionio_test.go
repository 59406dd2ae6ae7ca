package regionio

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/logging"
)

func TestCodecRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			codec, err := NewCodec(c)
			require.NoError(t, err)
			defer codec.Close()

			payload := []byte("stone stone dirt grass grass grass grass")
			frame := codec.Encode(KindEntity, payload)
			require.Equal(t, frameMagic, frame[:4])

			got, err := codec.Decode(KindEntity, frame)
			require.NoError(t, err)
			require.Equal(t, payload, got)

			empty, err := codec.Decode(KindPOI, codec.Encode(KindPOI, nil))
			require.NoError(t, err)
			require.Empty(t, empty)
		})
	}
}

func TestCodecDetectsCorruption(t *testing.T) {
	codec, err := NewCodec(CompressionNone)
	require.NoError(t, err)
	defer codec.Close()
	frame := codec.Encode(KindChunk, []byte("payload"))

	flipped := append([]byte(nil), frame...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = codec.Decode(KindChunk, flipped)
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = codec.Decode(KindEntity, frame)
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = codec.Decode(KindChunk, frame[:headerSize-1])
	require.ErrorIs(t, err, ErrCorrupt)

	zcodec, err := NewCodec(CompressionZstd)
	require.NoError(t, err)
	defer zcodec.Close()
	zframe := zcodec.Encode(KindChunk, []byte("payload payload payload"))
	zframe[headerSize+2] ^= 0xff
	_, err = zcodec.Decode(KindChunk, zframe)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestParseNames(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := ParseKind("region")
	require.Error(t, err)

	c, err := ParseCompression("")
	require.NoError(t, err)
	require.Equal(t, CompressionZstd, c)
	_, err = ParseCompression("lz4")
	require.Error(t, err)
}

type opener func(t *testing.T, dir string) (*AsyncStore, error)

func backends() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T, _ string) (*AsyncStore, error) {
			return NewMemory(Options{Log: logging.Testing(t)})
		},
		"sqlite": func(t *testing.T, dir string) (*AsyncStore, error) {
			return OpenSQLite(filepath.Join(dir, "chunks.db"), Options{Log: logging.Testing(t)})
		},
		"leveldb": func(t *testing.T, dir string) (*AsyncStore, error) {
			return OpenLevelDB(filepath.Join(dir, "chunks.ldb"), Options{Log: logging.Testing(t)})
		},
	}
}

func TestBackendRoundTrip(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s, err := open(t, dir)
			require.NoError(t, err)

			origin := coord.Pos{X: 0, Z: 0}
			far := coord.Pos{X: -40, Z: 17}
			require.NoError(t, s.ScheduleSave(origin, KindChunk, []byte("v1")))
			require.NoError(t, s.ScheduleSave(origin, KindChunk, []byte("v2")))
			require.NoError(t, s.ScheduleSave(origin, KindEntity, []byte("pigs")))
			require.NoError(t, s.SaveNow(far, KindPOI, []byte("bed")))

			got, err := s.LoadData(ctx, origin, KindChunk)
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), got)

			require.NoError(t, s.Flush(ctx))
			st := s.Stats()
			require.Zero(t, st.Pending)
			require.Equal(t, name, st.Backend)

			for pos, want := range map[coord.Pos]map[Kind]string{
				origin: {KindChunk: "v2", KindEntity: "pigs"},
				far:    {KindPOI: "bed"},
			} {
				for kind, payload := range want {
					got, err := s.LoadData(ctx, pos, kind)
					require.NoError(t, err)
					require.Equal(t, payload, string(got), "%s %s", pos, kind)
				}
			}
			missing, err := s.LoadData(ctx, far, KindChunk)
			require.NoError(t, err)
			require.Nil(t, missing)

			var entries []Entry
			require.NoError(t, s.Scan(ctx, func(e Entry) error {
				entries = append(entries, e)
				return nil
			}))
			require.Len(t, entries, 3)
			for _, e := range entries {
				require.NotZero(t, e.Checksum)
				require.False(t, e.SavedAt.IsZero())
			}

			require.NoError(t, s.Close())
			require.ErrorIs(t, s.ScheduleSave(origin, KindChunk, []byte("v3")), ErrClosed)
			_, err = s.LoadData(ctx, origin, KindChunk)
			require.ErrorIs(t, err, ErrClosed)

			if name == "memory" {
				return
			}
			reopened, err := open(t, dir)
			require.NoError(t, err)
			defer reopened.Close()
			got, err = reopened.LoadData(ctx, origin, KindChunk)
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), got)
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("region", t.TempDir(), Options{})
	require.Error(t, err)
}

// gateBackend blocks every put until released.
type gateBackend struct {
	memoryBackend
	entered chan struct{}
	release chan struct{}
	fail    error
}

func newGateBackend() *gateBackend {
	return &gateBackend{
		memoryBackend: memoryBackend{data: make(map[recordKey]memoryValue)},
		entered:       make(chan struct{}, 16),
		release:       make(chan struct{}),
	}
}

func (g *gateBackend) put(batch []record) error {
	g.entered <- struct{}{}
	<-g.release
	if g.fail != nil {
		return g.fail
	}
	return g.memoryBackend.put(batch)
}

func TestScheduleSaveReportsFullQueue(t *testing.T) {
	ctx := context.Background()
	b := newGateBackend()
	s, err := newAsyncStore(b, Options{QueueCapacity: 1, BatchSize: 1})
	require.NoError(t, err)

	pos := coord.Pos{X: 3, Z: 4}
	require.NoError(t, s.ScheduleSave(pos, KindChunk, []byte("first")))
	<-b.entered // the writer holds the first save
	require.NoError(t, s.ScheduleSave(pos, KindChunk, []byte("second")))
	require.ErrorIs(t, s.ScheduleSave(pos, KindChunk, []byte("third")), ErrQueueFull)

	st := s.Stats()
	require.Equal(t, uint64(1), st.Drops)
	require.Equal(t, 1, st.QueueDepth)
	require.Equal(t, 1, st.QueueCapacity)

	got, err := s.LoadData(ctx, pos, KindChunk)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)

	var wg sync.WaitGroup
	wg.Add(1)
	var saveErr error
	go func() {
		defer wg.Done()
		saveErr = s.SaveNow(pos, KindChunk, []byte("fallback"))
	}()
	close(b.release)
	wg.Wait()
	require.NoError(t, saveErr)
	require.NoError(t, s.Flush(ctx))

	got, err = s.LoadData(ctx, pos, KindChunk)
	require.NoError(t, err)
	require.Equal(t, []byte("fallback"), got)
	require.NoError(t, s.Close())
}

func TestWriteFailureIsReported(t *testing.T) {
	b := newGateBackend()
	b.fail = errors.New("disk on fire")
	close(b.release)
	s, err := newAsyncStore(b, Options{Log: logging.Testing(t)})
	require.NoError(t, err)
	defer s.Close()

	pos := coord.Pos{X: 1, Z: 1}
	err = s.SaveNow(pos, KindChunk, []byte("lost"))
	require.ErrorIs(t, err, b.fail)
	require.Equal(t, uint64(1), s.Stats().Failures)

	got, err := s.LoadData(context.Background(), pos, KindChunk)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFlushHonoursContext(t *testing.T) {
	b := newGateBackend()
	s, err := newAsyncStore(b, Options{QueueCapacity: 1, BatchSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		close(b.release)
		_ = s.Close()
	})

	require.NoError(t, s.ScheduleSave(coord.Pos{}, KindChunk, []byte("x")))
	<-b.entered
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Flush(ctx), context.DeadlineExceeded)
}
