// Package testutil provides test utilities including sample transport
// stream generation.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/asticode/go-astits"
)

// PIDs used by generated samples.
const (
	VideoPID    uint16 = 0x100
	AudioPID    uint16 = 0x101
	MetadataPID uint16 = 0x102
	PrivatePID  uint16 = 0x103
)

// Stream types used by generated samples.
const (
	StreamTypeH264     astits.StreamType = 0x1b
	StreamTypeADTS     astits.StreamType = 0x0f
	StreamTypeMetadata astits.StreamType = 0x15
	StreamTypePrivate  astits.StreamType = 0x06
)

// Timing of generated samples in 90 kHz ticks.
const (
	Clock           = 90000
	AACFrameTicks   = 1024 * Clock / 48000
	AACFramesPerPES = 2
)

// Sample is one PES written to the transport stream.
type Sample struct {
	PID  uint16
	PTS  int64
	Key  bool
	Data []byte
}

// TSBuilder assembles a transport stream from declared streams and
// samples. Samples are written in PTS order.
type TSBuilder struct {
	streams []astits.PMTElementaryStream
	samples []Sample
	pcrPID  uint16
}

// NewTSBuilder creates an empty builder.
func NewTSBuilder() *TSBuilder {
	return &TSBuilder{}
}

// AddStream declares an elementary stream in the PMT. The first stream is
// the PCR carrier.
func (b *TSBuilder) AddStream(pid uint16, st astits.StreamType) *TSBuilder {
	b.streams = append(b.streams, astits.PMTElementaryStream{
		ElementaryPID: pid,
		StreamType:    st,
	})
	if len(b.streams) == 1 {
		b.pcrPID = pid
	}
	return b
}

// AddSample queues a PES.
func (b *TSBuilder) AddSample(s Sample) *TSBuilder {
	b.samples = append(b.samples, s)
	return b
}

func streamID(st astits.StreamType) uint8 {
	switch st {
	case StreamTypeH264:
		return 0xe0
	case StreamTypeADTS:
		return 0xc0
	default:
		return 0xbd
	}
}

// Bytes muxes the declared streams and samples.
func (b *TSBuilder) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	mx := astits.NewMuxer(context.Background(), &buf)

	types := make(map[uint16]astits.StreamType, len(b.streams))
	for _, es := range b.streams {
		if err := mx.AddElementaryStream(es); err != nil {
			return nil, fmt.Errorf("adding stream %d: %w", es.ElementaryPID, err)
		}
		types[es.ElementaryPID] = es.StreamType
	}
	mx.SetPCRPID(b.pcrPID)

	samples := make([]Sample, len(b.samples))
	copy(samples, b.samples)
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].PTS < samples[j].PTS })

	for _, s := range samples {
		st, ok := types[s.PID]
		if !ok {
			return nil, fmt.Errorf("sample for undeclared pid %d", s.PID)
		}
		d := &astits.MuxerData{
			PID: s.PID,
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					OptionalHeader: &astits.PESOptionalHeader{
						MarkerBits:      2,
						PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
						PTS:             &astits.ClockReference{Base: s.PTS},
					},
					StreamID: streamID(st),
				},
				Data: s.Data,
			},
		}
		if s.Key {
			d.AdaptationField = &astits.PacketAdaptationField{RandomAccessIndicator: true}
		}
		if _, err := mx.WriteData(d); err != nil {
			return nil, fmt.Errorf("writing sample at %d: %w", s.PTS, err)
		}
	}
	return buf.Bytes(), nil
}

// SampleOptions shapes a generated stream.
type SampleOptions struct {
	// Frames is the number of video frames.
	Frames int
	// FrameTicks is the video frame interval.
	FrameTicks int64
	// GOP is the keyframe interval in frames.
	GOP int
	// StartPTS is the timestamp of the first frame.
	StartPTS int64
	Audio    bool
	Metadata bool
	// Private adds a stream of an unsupported type.
	Private bool
	// NoVideo omits the video stream.
	NoVideo bool
}

// DefaultSampleOptions describes two seconds of 25 fps video with audio
// and timed metadata, starting one second in.
func DefaultSampleOptions() SampleOptions {
	return SampleOptions{
		Frames:     50,
		FrameTicks: Clock / 25,
		GOP:        10,
		StartPTS:   Clock,
		Audio:      true,
		Metadata:   true,
	}
}

// SampleDataGenerator produces deterministic sample payloads.
type SampleDataGenerator struct {
	rng *rand.Rand
}

// NewSampleDataGenerator creates a generator with a fixed seed.
func NewSampleDataGenerator() *SampleDataGenerator {
	return NewSampleDataGeneratorWithSeed(1)
}

// NewSampleDataGeneratorWithSeed creates a generator with the given seed.
func NewSampleDataGeneratorWithSeed(seed int64) *SampleDataGenerator {
	return &SampleDataGenerator{rng: rand.New(rand.NewSource(seed))} //nolint:gosec // test data
}

func (g *SampleDataGenerator) filler(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		// avoid start code emulation
		b[i] = byte(g.rng.Intn(0xfe) + 1)
	}
	return b
}

// H264AccessUnit returns an Annex B access unit. Key units carry SPS, PPS
// and an IDR slice; others a single non-IDR slice.
func (g *SampleDataGenerator) H264AccessUnit(key bool, size int) []byte {
	start := []byte{0, 0, 0, 1}
	var au []byte
	if key {
		au = append(au, start...)
		au = append(au, SPS...)
		au = append(au, start...)
		au = append(au, PPS...)
		au = append(au, start...)
		au = append(au, 0x65)
	} else {
		au = append(au, start...)
		au = append(au, 0x41)
	}
	return append(au, g.filler(size)...)
}

// SPS is a baseline profile sequence parameter set.
var SPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
}

// PPS is a picture parameter set matching SPS.
var PPS = []byte{0x68, 0xcb, 0x83, 0xcb, 0x20}

// ADTSFrame returns an AAC-LC ADTS frame for 48 kHz stereo.
func (g *SampleDataGenerator) ADTSFrame(payload int) []byte {
	frameLen := 7 + payload
	hdr := []byte{
		0xff, 0xf1,
		0x01<<6 | 0x03<<2 | 0,
		0x02<<6 | byte(frameLen>>11)&0x03,
		byte(frameLen >> 3),
		byte(frameLen&0x07)<<5 | 0x1f,
		0xfc,
	}
	return append(hdr, g.filler(payload)...)
}

// ID3Tag returns a minimal ID3v2.4 tag with a single TXXX frame.
func ID3Tag(text string) []byte {
	body := append([]byte{0x03}, []byte(text)...)
	frame := append([]byte("TXXX"), syncsafe(len(body))...)
	frame = append(frame, 0, 0)
	frame = append(frame, body...)
	tag := append([]byte("ID3"), 0x04, 0x00, 0x00)
	tag = append(tag, syncsafe(len(frame))...)
	return append(tag, frame...)
}

func syncsafe(n int) []byte {
	return []byte{byte(n>>21) & 0x7f, byte(n>>14) & 0x7f, byte(n>>7) & 0x7f, byte(n) & 0x7f}
}

// GenerateTS builds a transport stream shaped by opts.
func (g *SampleDataGenerator) GenerateTS(opts SampleOptions) ([]byte, error) {
	b := NewTSBuilder()
	if !opts.NoVideo {
		b.AddStream(VideoPID, StreamTypeH264)
	}
	if opts.Audio {
		b.AddStream(AudioPID, StreamTypeADTS)
	}
	if opts.Metadata {
		b.AddStream(MetadataPID, StreamTypeMetadata)
	}
	if opts.Private {
		b.AddStream(PrivatePID, StreamTypePrivate)
	}

	end := opts.StartPTS + int64(opts.Frames)*opts.FrameTicks
	if !opts.NoVideo {
		for i := 0; i < opts.Frames; i++ {
			key := opts.GOP > 0 && i%opts.GOP == 0
			b.AddSample(Sample{
				PID:  VideoPID,
				PTS:  opts.StartPTS + int64(i)*opts.FrameTicks,
				Key:  key,
				Data: g.H264AccessUnit(key, 200),
			})
		}
	}
	if opts.Audio {
		for pts := opts.StartPTS; pts < end; pts += AACFrameTicks * AACFramesPerPES {
			var data []byte
			for range AACFramesPerPES {
				data = append(data, g.ADTSFrame(32)...)
			}
			b.AddSample(Sample{PID: AudioPID, PTS: pts, Key: true, Data: data})
		}
	}
	if opts.Metadata {
		for pts := opts.StartPTS; pts < end; pts += Clock {
			b.AddSample(Sample{PID: MetadataPID, PTS: pts, Key: true, Data: ID3Tag(fmt.Sprintf("t=%d", pts))})
		}
	}
	if opts.Private {
		for pts := opts.StartPTS; pts < end; pts += Clock {
			b.AddSample(Sample{PID: PrivatePID, PTS: pts, Key: true, Data: g.filler(16)})
		}
	}
	return b.Bytes()
}
