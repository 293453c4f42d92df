package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

type unsizedProvider struct {
	*FileProvider
}

func (unsizedProvider) Size() (int64, bool) { return 0, false }

type failingProvider struct{}

func (failingProvider) ReadRange(context.Context, int64, int) ([]byte, error) {
	return nil, errors.New("boom")
}

func (failingProvider) Size() (int64, bool) { return 0, false }

func TestPullSource_Read(t *testing.T) {
	data := sequence(10)
	src := NewPullSource(NewFileProvider(bytes.NewReader(data), int64(len(data))))
	ctx := context.Background()

	got, err := src.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, data[:4], got)
	assert.Equal(t, int64(4), src.Offset())

	got, err = src.Read(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, data[4:], got, "short delivery at the end is returned as is")

	_, err = src.Read(ctx, 4)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(10), src.Offset(), "end of stream does not advance the cursor")
}

func TestPullSource_Seek(t *testing.T) {
	data := sequence(100)
	src := NewPullSource(NewFileProvider(bytes.NewReader(data), int64(len(data))))

	tests := []struct {
		name    string
		offset  int64
		whence  int
		want    int64
		wantErr error
	}{
		{"start", 10, io.SeekStart, 10, nil},
		{"current", 5, io.SeekCurrent, 15, nil},
		{"end", -20, io.SeekEnd, 80, nil},
		{"negative", -200, io.SeekEnd, 0, ErrInvalidSeek},
		{"bad whence", 0, 42, 0, ErrInvalidSeek},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := src.Seek(tt.offset, tt.whence)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pos)
			assert.Equal(t, tt.want, src.Offset())
		})
	}
}

func TestPullSource_SeekSizeKeepsCursor(t *testing.T) {
	data := sequence(64)
	src := NewPullSource(NewFileProvider(bytes.NewReader(data), int64(len(data))))

	_, err := src.Seek(12, io.SeekStart)
	require.NoError(t, err)

	size, err := src.Seek(0, SeekSize)
	require.NoError(t, err)
	assert.Equal(t, int64(64), size)
	assert.Equal(t, int64(12), src.Offset())
}

func TestPullSource_UnknownSize(t *testing.T) {
	data := sequence(8)
	src := NewPullSource(unsizedProvider{NewFileProvider(bytes.NewReader(data), int64(len(data)))})

	_, err := src.Seek(0, io.SeekEnd)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = src.Seek(0, SeekSize)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, ok := src.Size()
	assert.False(t, ok)
}

func TestPullSource_ProviderError(t *testing.T) {
	src := NewPullSource(failingProvider{})
	_, err := src.Read(context.Background(), 4)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "boom")
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.ts")
	require.NoError(t, os.WriteFile(path, sequence(300), 0o600))

	fp, err := OpenFile(path)
	require.NoError(t, err)
	defer fp.Close()

	size, ok := fp.Size()
	assert.True(t, ok)
	assert.Equal(t, int64(300), size)

	got, err := fp.ReadRange(context.Background(), 290, 188)
	require.NoError(t, err)
	assert.Len(t, got, 10)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing.ts"))
	assert.Error(t, err)
}

func TestPushSource_ReadWaitsForEnoughBytes(t *testing.T) {
	src := NewPushSource()
	ctx := context.Background()

	done := make(chan []byte, 1)
	go func() {
		b, err := src.Read(ctx, 6)
		assert.NoError(t, err)
		done <- b
	}()

	require.Eventually(t, func() bool { return src.Pending() == 6 }, time.Second, time.Millisecond)
	require.NoError(t, src.Push(ctx, []byte{1, 2, 3}))

	select {
	case <-done:
		t.Fatal("read returned before enough bytes were queued")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, src.Push(ctx, []byte{4, 5, 6, 7}))
	select {
	case b := <-done:
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, b)
	case <-time.After(time.Second):
		t.Fatal("read did not complete")
	}
	assert.Equal(t, 1, src.Queued())
	assert.Equal(t, 0, src.Pending())
}

func TestPushSource_EndOfStream(t *testing.T) {
	src := NewPushSource()
	ctx := context.Background()
	require.NoError(t, src.Push(ctx, []byte{1, 2, 3}))
	src.EndOfStream()

	b, err := src.Read(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, err = src.Read(ctx, 10)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, src.Push(ctx, []byte{4}), ErrEndOfStream)
}

func TestPushSource_EndOfStreamWakesReader(t *testing.T) {
	src := NewPushSource()
	errc := make(chan error, 1)
	go func() {
		_, err := src.Read(context.Background(), 4096)
		errc <- err
	}()

	require.Eventually(t, func() bool { return src.Pending() > 0 }, time.Second, time.Millisecond)
	src.EndOfStream()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("reader was not released")
	}
}

func TestPushSource_FlushDropsStaleBytes(t *testing.T) {
	src := NewPushSource()
	ctx := context.Background()

	done := make(chan []byte, 1)
	go func() {
		b, err := src.Read(ctx, 4)
		assert.NoError(t, err)
		done <- b
	}()

	require.Eventually(t, func() bool { return src.Pending() == 4 }, time.Second, time.Millisecond)
	require.NoError(t, src.Push(ctx, []byte{0xAA, 0xAA}))
	src.Flush()
	assert.Equal(t, 0, src.Queued())
	assert.False(t, src.EOS())

	require.NoError(t, src.Push(ctx, []byte{1, 2, 3, 4}))
	select {
	case b := <-done:
		assert.Equal(t, []byte{1, 2, 3, 4}, b)
	case <-time.After(time.Second):
		t.Fatal("read did not complete after flush")
	}
}

func TestPushSource_Flushing(t *testing.T) {
	src := NewPushSource()
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := src.Read(ctx, 4)
		errc <- err
	}()

	require.Eventually(t, func() bool { return src.Pending() == 4 }, time.Second, time.Millisecond)
	src.SetFlushing(true)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrFlushing)
	case <-time.After(time.Second):
		t.Fatal("flushing did not release reader")
	}
	assert.ErrorIs(t, src.Push(ctx, []byte{1}), ErrFlushing)

	src.SetFlushing(false)
	require.NoError(t, src.Push(ctx, []byte{1, 2, 3, 4}))
	b, err := src.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
}

func TestPushSource_ReadTimeout(t *testing.T) {
	src := NewPushSource(WithReadTimeout(10 * time.Millisecond))
	_, err := src.Read(context.Background(), 4)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestPushSource_ContextCancel(t *testing.T) {
	src := NewPushSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Read(ctx, 4)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPushSource_Backpressure(t *testing.T) {
	src := NewPushSource(WithMaxQueued(4))
	ctx := context.Background()
	require.NoError(t, src.Push(ctx, []byte{1, 2, 3, 4}))

	pushed := make(chan error, 1)
	go func() {
		pushed <- src.Push(ctx, []byte{5, 6})
	}()

	select {
	case <-pushed:
		t.Fatal("push did not wait for the reader")
	case <-time.After(20 * time.Millisecond):
	}

	b, err := src.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push was not released")
	}
	assert.Equal(t, 2, src.Queued())
}

func TestPushSource_NotSeekable(t *testing.T) {
	src := NewPushSource()
	_, err := src.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, ok := src.Size()
	assert.False(t, ok)
	assert.False(t, src.Seekable())

	src.EndOfStream()
	src.Reset()
	assert.False(t, src.EOS())
}
