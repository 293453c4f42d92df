package testutil

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTS_PacketAligned(t *testing.T) {
	data, err := NewSampleDataGenerator().GenerateTS(DefaultSampleOptions())
	require.NoError(t, err)
	require.NotEmpty(t, data)

	assert.Zero(t, len(data)%188)
	for off := 0; off < len(data); off += 188 {
		require.Equal(t, byte(0x47), data[off], "sync byte at %d", off)
	}
}

func TestGenerateTS_Deterministic(t *testing.T) {
	a, err := NewSampleDataGeneratorWithSeed(42).GenerateTS(DefaultSampleOptions())
	require.NoError(t, err)
	b, err := NewSampleDataGeneratorWithSeed(42).GenerateTS(DefaultSampleOptions())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateTS_Demuxes(t *testing.T) {
	data, err := NewSampleDataGenerator().GenerateTS(DefaultSampleOptions())
	require.NoError(t, err)

	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(data), astits.DemuxerOptPacketSize(188))
	counts := make(map[uint16]int)
	var pmt *astits.PMTData
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			break
		}
		require.NoError(t, err)
		if d.PMT != nil && pmt == nil {
			pmt = d.PMT
		}
		if d.PES != nil {
			counts[d.PID]++
		}
	}

	require.NotNil(t, pmt)
	assert.Len(t, pmt.ElementaryStreams, 3)
	assert.Equal(t, 50, counts[VideoPID])
	assert.Equal(t, 47, counts[AudioPID])
	assert.Equal(t, 2, counts[MetadataPID])
}

func TestTSBuilder_UndeclaredPID(t *testing.T) {
	_, err := NewTSBuilder().
		AddStream(VideoPID, StreamTypeH264).
		AddSample(Sample{PID: AudioPID, PTS: 0, Data: []byte{1}}).
		Bytes()
	assert.Error(t, err)
}

func TestADTSFrame_Header(t *testing.T) {
	f := NewSampleDataGenerator().ADTSFrame(32)
	require.Len(t, f, 39)

	assert.Equal(t, byte(0xff), f[0])
	assert.Equal(t, byte(0xf1), f[1])
	frameLen := int(f[3]&0x03)<<11 | int(f[4])<<3 | int(f[5]>>5)
	assert.Equal(t, 39, frameLen)
}

func TestID3Tag(t *testing.T) {
	tag := ID3Tag("hello")
	assert.True(t, bytes.HasPrefix(tag, []byte("ID3\x04\x00")))
	assert.Contains(t, string(tag), "TXXX")
}
