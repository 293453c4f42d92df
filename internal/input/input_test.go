package input

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/tsdemux/internal/demux"
	"github.com/jmylchreest/tsdemux/internal/pipeline"
	"github.com/jmylchreest/tsdemux/internal/router"
	"github.com/jmylchreest/tsdemux/internal/testutil"
)

type fakeTarget struct {
	mu     sync.Mutex
	data   bytes.Buffer
	events []router.EventType
	ret    router.FlowReturn
	limit  int
}

func (f *fakeTarget) Chain(p []byte) router.FlowReturn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && f.data.Len() >= f.limit {
		return f.ret
	}
	f.data.Write(p)
	return router.FlowOK
}

func (f *fakeTarget) SinkEvent(ev router.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev.Type)
	return true
}

func compress(t *testing.T, c Compression, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch c {
	case CompressionGzip:
		w := gzip.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case CompressionBzip2:
		w, err := bzip2.NewWriter(&buf, nil)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case CompressionXZ:
		w, err := xz.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case CompressionBrotli:
		w := brotli.NewWriter(&buf)
		_, err := w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		buf.Write(data)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func sampleTS(t *testing.T) []byte {
	t.Helper()
	data, err := testutil.NewSampleDataGenerator().GenerateTS(testutil.DefaultSampleOptions())
	require.NoError(t, err)
	return data
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		header []byte
		want   Compression
	}{
		{"gzip", "a.ts.gz", []byte{0x1f, 0x8b, 0x08}, CompressionGzip},
		{"bzip2", "a.ts", []byte("BZh91AY"), CompressionBzip2},
		{"xz", "a", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, CompressionXZ},
		{"brotli by name", "capture.TS.BR", []byte{0x0b, 0x02}, CompressionBrotli},
		{"transport stream", "a.ts", []byte{0x47, 0x40, 0x00}, CompressionNone},
		{"short header", "a.ts", []byte{0x1f}, CompressionNone},
		{"empty", "", nil, CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.file, tt.header))
		})
	}
}

func TestCompression_String(t *testing.T) {
	assert.Equal(t, "none", CompressionNone.String())
	assert.Equal(t, "gzip", CompressionGzip.String())
	assert.Equal(t, "bzip2", CompressionBzip2.String())
	assert.Equal(t, "xz", CompressionXZ.String())
	assert.Equal(t, "brotli", CompressionBrotli.String())
}

func TestOpen_PlainFile(t *testing.T) {
	data := sampleTS(t)
	in, err := Open(writeFile(t, "sample.ts", data))
	require.NoError(t, err)
	defer in.Close()

	pull, seekable, sequential := in.Scheduling()
	assert.True(t, pull)
	assert.True(t, seekable)
	assert.False(t, sequential)
	require.NotNil(t, in.Provider())

	size, ok := in.Provider().Size()
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), size)

	assert.ErrorIs(t, in.Feed(context.Background(), &fakeTarget{}), ErrNotStreaming)
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.ts"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpen_CompressedFiles(t *testing.T) {
	data := sampleTS(t)
	tests := []struct {
		file string
		c    Compression
	}{
		{"sample.ts.gz", CompressionGzip},
		{"sample.ts.bz2", CompressionBzip2},
		{"sample.ts.xz", CompressionXZ},
		{"sample.ts.br", CompressionBrotli},
	}
	for _, tt := range tests {
		t.Run(tt.c.String(), func(t *testing.T) {
			in, err := Open(writeFile(t, tt.file, compress(t, tt.c, data)), WithChunkSize(4096))
			require.NoError(t, err)
			defer in.Close()

			assert.Equal(t, tt.c, in.Compression())
			pull, seekable, sequential := in.Scheduling()
			assert.False(t, pull)
			assert.False(t, seekable)
			assert.True(t, sequential)
			assert.Nil(t, in.Provider())

			target := &fakeTarget{}
			require.NoError(t, in.Feed(context.Background(), target))
			assert.Equal(t, data, target.data.Bytes())
			assert.Equal(t, []router.EventType{router.EventEOS}, target.events)
			assert.Equal(t, int64(len(data)), in.Produced())
		})
	}
}

func TestFeed_StopsOnDownstreamStatus(t *testing.T) {
	data := bytes.Repeat([]byte{0x47}, 10_000)

	t.Run("eos", func(t *testing.T) {
		in, err := OpenReader("stream", bytes.NewReader(data), WithChunkSize(1000))
		require.NoError(t, err)
		target := &fakeTarget{limit: 3000, ret: router.FlowEOS}
		require.NoError(t, in.Feed(context.Background(), target))
		assert.Equal(t, 3000, target.data.Len())
		assert.Empty(t, target.events)
	})

	t.Run("error", func(t *testing.T) {
		in, err := OpenReader("stream", bytes.NewReader(data), WithChunkSize(1000))
		require.NoError(t, err)
		target := &fakeTarget{limit: 1000, ret: router.FlowNotNegotiated}
		assert.ErrorIs(t, in.Feed(context.Background(), target), ErrDownstream)
	})

	t.Run("cancelled", func(t *testing.T) {
		in, err := OpenReader("stream", bytes.NewReader(data))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, in.Feed(ctx, &fakeTarget{}), context.Canceled)
	})
}

func TestCompressedInput_PushModePlayback(t *testing.T) {
	data := sampleTS(t)
	in, err := OpenReader("capture.ts.gz", bytes.NewReader(compress(t, CompressionGzip, data)), WithChunkSize(2048))
	require.NoError(t, err)
	defer in.Close()

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
	)
	consumer := consumerFunc(func(ch *router.Channel, p *demux.Packet) router.FlowReturn {
		mu.Lock()
		defer mu.Unlock()
		counts[ch.Name()]++
		return router.FlowOK
	})

	eos := make(chan struct{})
	el := pipeline.New(pipeline.Options{
		OnChannel: func(ch *router.Channel) { ch.Link(consumer) },
		Bus: func(m pipeline.Message) {
			if m.Type == pipeline.MessageEOS {
				close(eos)
			}
		},
	})
	defer el.Close()

	require.NoError(t, el.Activate(context.Background(), in))
	assert.Equal(t, pipeline.ModePush, el.Mode())
	require.NoError(t, in.Feed(context.Background(), el))

	select {
	case <-eos:
	case <-time.After(5 * time.Second):
		t.Fatal("no end of stream")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, counts["video_0"])
	assert.Equal(t, 94, counts["audio_0"])
}

type consumerFunc func(ch *router.Channel, p *demux.Packet) router.FlowReturn

func (f consumerFunc) HandleEvent(*router.Channel, router.Event) bool {
	return true
}

func (f consumerFunc) HandlePacket(ch *router.Channel, p *demux.Packet) router.FlowReturn {
	return f(ch, p)
}
