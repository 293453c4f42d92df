package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tsdemux/internal/container"
	"github.com/jmylchreest/tsdemux/internal/testutil"
	"github.com/jmylchreest/tsdemux/internal/timebase"
)

func sample(t *testing.T, opts testutil.SampleOptions) []byte {
	t.Helper()
	data, err := testutil.NewSampleDataGenerator().GenerateTS(opts)
	require.NoError(t, err)
	return data
}

func openEngine(t *testing.T, data []byte, seekable bool) *Engine {
	t.Helper()
	e := New(Options{})
	size := int64(len(data))
	if !seekable {
		size = 0
	}
	require.NoError(t, e.Open(context.Background(), bytes.NewReader(data), seekable, size))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func readAll(t *testing.T, e *Engine) []*container.RawPacket {
	t.Helper()
	var pkts []*container.RawPacket
	for {
		p, err := e.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			return pkts
		}
		require.NoError(t, err)
		pkts = append(pkts, p)
	}
}

func TestEngine_Open(t *testing.T) {
	opts := testutil.DefaultSampleOptions()
	opts.Private = true
	e := openEngine(t, sample(t, opts), true)

	streams := e.Streams()
	require.Len(t, streams, 4)

	tests := []struct {
		pid   uint16
		media container.MediaType
		codec container.Codec
	}{
		{testutil.VideoPID, container.MediaVideo, container.CodecH264},
		{testutil.AudioPID, container.MediaAudio, container.CodecAAC},
		{testutil.MetadataPID, container.MediaData, container.CodecID3},
		{testutil.PrivatePID, container.MediaUnknown, container.CodecUnknown},
	}
	for i, tt := range tests {
		t.Run(string(tt.codec), func(t *testing.T) {
			s := streams[i]
			assert.Equal(t, i, s.Index)
			assert.Equal(t, tt.pid, s.ID)
			assert.Equal(t, tt.media, s.Type)
			assert.Equal(t, tt.codec, s.Codec)
			assert.Equal(t, timebase.MPEGTS, s.TimeBase)
			assert.Equal(t, int64(testutil.Clock), s.StartTime)
		})
	}

	assert.Equal(t, 1920, streams[0].Width)
	assert.Equal(t, 1080, streams[0].Height)
	assert.Equal(t, 48000, streams[1].SampleRate)
	assert.Equal(t, 2, streams[1].Channels)

	assert.Equal(t, 0, e.DefaultStream())
	assert.Equal(t, int64(1_000_000), e.StartTime())
	assert.InDelta(t, 2_000_000, e.Duration(), 10_000)
}

func TestEngine_DefaultStreamFallsBackToAudio(t *testing.T) {
	opts := testutil.DefaultSampleOptions()
	opts.NoVideo = true
	e := openEngine(t, sample(t, opts), true)

	require.Len(t, e.Streams(), 2)
	assert.Equal(t, container.MediaAudio, e.Streams()[e.DefaultStream()].Type)
}

func TestEngine_ReadPacket(t *testing.T) {
	e := openEngine(t, sample(t, testutil.DefaultSampleOptions()), true)
	pkts := readAll(t, e)

	var video, audio, meta []*container.RawPacket
	for _, p := range pkts {
		switch p.StreamIndex {
		case 0:
			video = append(video, p)
		case 1:
			audio = append(audio, p)
		case 2:
			meta = append(meta, p)
		}
	}

	require.Len(t, video, 50)
	assert.Len(t, audio, 47*testutil.AACFramesPerPES)
	assert.Len(t, meta, 2)

	t.Run("video timestamps and keys", func(t *testing.T) {
		for i, p := range video {
			assert.Equal(t, int64(testutil.Clock)+int64(i)*3600, p.PTS)
			assert.Equal(t, i%10 == 0, p.Key, "frame %d", i)
		}
	})

	t.Run("audio split into frames", func(t *testing.T) {
		for i, p := range audio {
			assert.Equal(t, int64(testutil.Clock)+int64(i)*testutil.AACFrameTicks, p.PTS)
			assert.Equal(t, int64(testutil.AACFrameTicks), p.Duration)
			assert.Len(t, p.Data, 39)
			assert.True(t, p.Key)
		}
	})

	t.Run("metadata payload", func(t *testing.T) {
		assert.True(t, bytes.HasPrefix(meta[0].Data, []byte("ID3")))
	})

	t.Run("positions are packet aligned", func(t *testing.T) {
		for _, p := range video {
			assert.Zero(t, p.Pos%packetSize)
		}
	})

	t.Run("end of input is sticky", func(t *testing.T) {
		_, err := e.ReadPacket(context.Background())
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestEngine_OpenRejectsGarbage(t *testing.T) {
	e := New(Options{})
	err := e.Open(context.Background(), bytes.NewReader([]byte("definitely not a transport stream")), true, 33)
	assert.ErrorIs(t, err, container.ErrProbe)
}

func TestEngine_OpenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(Options{})
	err := e.Open(ctx, bytes.NewReader(sample(t, testutil.DefaultSampleOptions())), true, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_SearchIndex(t *testing.T) {
	e := openEngine(t, sample(t, testutil.DefaultSampleOptions()), true)

	// Keyframes every 10 frames: 90000, 126000, 162000, 198000, 234000.
	tests := []struct {
		name     string
		ts       int64
		backward bool
		want     int64
	}{
		{"exact", 162000, true, 162000},
		{"backward", 225000, true, 198000},
		{"forward", 225000, false, 234000},
		{"forward exact", 126000, false, 126000},
		{"before first forward", 0, false, 90000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.SearchIndex(0, tt.ts, tt.backward)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("before first backward", func(t *testing.T) {
		_, err := e.SearchIndex(0, 1000, true)
		assert.ErrorIs(t, err, container.ErrNoIndex)
	})

	t.Run("after last forward", func(t *testing.T) {
		_, err := e.SearchIndex(0, 260000, false)
		assert.ErrorIs(t, err, container.ErrNoIndex)
	})

	t.Run("not the default stream", func(t *testing.T) {
		_, err := e.SearchIndex(1, 100000, true)
		assert.ErrorIs(t, err, container.ErrNoIndex)
	})
}

func TestEngine_Seek(t *testing.T) {
	e := openEngine(t, sample(t, testutil.DefaultSampleOptions()), true)

	// consume part of the input first
	for range 20 {
		_, err := e.ReadPacket(context.Background())
		require.NoError(t, err)
	}

	require.NoError(t, e.Seek(context.Background(), 0, 225000, true))

	pkts := readAll(t, e)
	var first *container.RawPacket
	for _, p := range pkts {
		if p.StreamIndex == 0 {
			first = p
			break
		}
	}
	require.NotNil(t, first)
	assert.Equal(t, int64(198000), first.PTS)
	assert.True(t, first.Key)

	t.Run("back to the start", func(t *testing.T) {
		require.NoError(t, e.Seek(context.Background(), 0, 0, true))
		pkts := readAll(t, e)
		require.NotEmpty(t, pkts)
		var videos int
		for _, p := range pkts {
			if p.StreamIndex == 0 {
				videos++
			}
		}
		assert.Equal(t, 50, videos)
	})

	t.Run("forward past the last keyframe", func(t *testing.T) {
		assert.ErrorIs(t, e.Seek(context.Background(), 0, 260000, false), container.ErrNoIndex)
	})
}

func TestEngine_NotSeekable(t *testing.T) {
	e := openEngine(t, sample(t, testutil.DefaultSampleOptions()), false)

	assert.Equal(t, timebase.NoPTS, e.Duration())
	assert.ErrorIs(t, e.Seek(context.Background(), 0, 100000, true), container.ErrNotSeekable)

	pkts := readAll(t, e)
	assert.NotEmpty(t, pkts)
}

func TestEngine_Flush(t *testing.T) {
	e := openEngine(t, sample(t, testutil.DefaultSampleOptions()), false)

	for range 10 {
		_, err := e.ReadPacket(context.Background())
		require.NoError(t, err)
	}

	e.Flush()
	pkts := readAll(t, e)
	assert.NotEmpty(t, pkts)
	for _, p := range pkts {
		assert.GreaterOrEqual(t, p.PTS, int64(testutil.Clock))
	}
}

func TestEngine_CloseIdempotent(t *testing.T) {
	e := openEngine(t, sample(t, testutil.DefaultSampleOptions()), true)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Empty(t, e.Streams())
}
