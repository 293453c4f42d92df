package mpegts

import (
	"strings"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"golang.org/x/text/encoding/charmap"

	"github.com/jmylchreest/tsdemux/internal/container"
)

// Stream types carried in the PMT.
const (
	streamTypeMPEG2Video astits.StreamType = 0x02
	streamTypeMPEG1Audio astits.StreamType = 0x03
	streamTypeMPEG2Audio astits.StreamType = 0x04
	streamTypeADTS       astits.StreamType = 0x0f
	streamTypeMetadata   astits.StreamType = 0x15
	streamTypeH264       astits.StreamType = 0x1b
	streamTypeH265       astits.StreamType = 0x24
	streamTypeAC3        astits.StreamType = 0x81
	streamTypeEAC3       astits.StreamType = 0x87
)

const (
	aacSamplesPerFrame = 1024
	adtsMinHeaderSize  = 7
)

// classify maps a PMT stream type to a media type and codec.
func classify(st astits.StreamType) (container.MediaType, container.Codec) {
	switch st {
	case streamTypeH264:
		return container.MediaVideo, container.CodecH264
	case streamTypeH265:
		return container.MediaVideo, container.CodecH265
	case streamTypeMPEG2Video:
		return container.MediaVideo, container.CodecMPEG2
	case streamTypeADTS:
		return container.MediaAudio, container.CodecAAC
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
		return container.MediaAudio, container.CodecMP3
	case streamTypeAC3:
		return container.MediaAudio, container.CodecAC3
	case streamTypeEAC3:
		return container.MediaAudio, container.CodecEAC3
	case streamTypeMetadata:
		return container.MediaData, container.CodecID3
	default:
		return container.MediaUnknown, container.CodecUnknown
	}
}

// adtsSampleRates is indexed by the ADTS sampling frequency index.
var adtsSampleRates = [16]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// parseADTSHeader reads the audio configuration from an ADTS header.
func parseADTSHeader(data []byte) *mpeg4audio.AudioSpecificConfig {
	if len(data) < adtsMinHeaderSize || data[0] != 0xff || data[1]&0xf0 != 0xf0 {
		return nil
	}

	profile := ((data[2] >> 6) & 0x03) + 1
	sampleRate := adtsSampleRates[(data[2]>>2)&0x0f]
	channelConfig := int(((data[2] & 0x01) << 2) | ((data[3] >> 6) & 0x03))
	if sampleRate == 0 {
		return nil
	}

	channels := channelConfig
	if channelConfig == 7 {
		channels = 8
	}

	objectType := mpeg4audio.ObjectTypeAACLC
	if profile != 2 {
		objectType = mpeg4audio.ObjectType(profile)
	}

	return &mpeg4audio.AudioSpecificConfig{
		Type:         objectType,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
}

// splitADTS splits a PES payload into ADTS frames, headers included.
// Trailing bytes that do not form a complete frame are dropped.
func splitADTS(data []byte) [][]byte {
	var frames [][]byte
	for len(data) >= adtsMinHeaderSize {
		if data[0] != 0xff || data[1]&0xf0 != 0xf0 {
			break
		}
		frameLen := int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
		if frameLen < adtsMinHeaderSize || frameLen > len(data) {
			break
		}
		frames = append(frames, data[:frameLen])
		data = data[frameLen:]
	}
	return frames
}

// h264Info scans an access unit for a sequence parameter set and returns
// the coded picture size.
func h264Info(data []byte) (width, height int, ok bool) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return 0, 0, false
	}
	for _, nalu := range au {
		if len(nalu) == 0 || h264.NALUType(nalu[0]&0x1f) != h264.NALUTypeSPS {
			continue
		}
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			return 0, 0, false
		}
		return sps.Width(), sps.Height(), true
	}
	return 0, 0, false
}

// h264Key reports whether an Annex B access unit can be decoded on its own.
func h264Key(data []byte) (bool, bool) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return false, false
	}
	return h264.IsRandomAccess(au), true
}

var dvbCharmaps = map[byte]*charmap.Charmap{
	1: charmap.ISO8859_1, 2: charmap.ISO8859_2, 3: charmap.ISO8859_3,
	4: charmap.ISO8859_4, 5: charmap.ISO8859_5, 6: charmap.ISO8859_6,
	7: charmap.ISO8859_7, 8: charmap.ISO8859_8, 9: charmap.ISO8859_9,
	10: charmap.ISO8859_10, 13: charmap.ISO8859_13, 14: charmap.ISO8859_14,
	15: charmap.ISO8859_15, 16: charmap.ISO8859_16,
}

// decodeDVBString decodes a DVB text field. A leading byte below 0x20
// selects the character table; otherwise Latin-1 is assumed.
func decodeDVBString(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	cm := charmap.ISO8859_1
	switch c := b[0]; {
	case c >= 0x20:
	case c >= 0x01 && c <= 0x0b:
		if m, ok := dvbCharmaps[c+4]; ok {
			cm = m
		}
		b = b[1:]
	case c == 0x10 && len(b) >= 3:
		if m, ok := dvbCharmaps[b[2]]; ok {
			cm = m
		}
		b = b[3:]
	case c == 0x15:
		return cleanDVBString(string(b[1:]))
	default:
		b = b[1:]
	}

	out, err := cm.NewDecoder().Bytes(b)
	if err != nil {
		return cleanDVBString(string(b))
	}
	return cleanDVBString(string(out))
}

// cleanDVBString drops DVB control codes (U+0080 to U+009F).
func cleanDVBString(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r >= 0x80 && r <= 0x9f {
			return -1
		}
		return r
	}, s))
}

// streamTags collects tags from elementary stream descriptors.
func streamTags(es *astits.PMTElementaryStream) map[string]string {
	tags := make(map[string]string)
	for _, d := range es.ElementaryStreamDescriptors {
		if d == nil {
			continue
		}
		if d.ISO639LanguageAndAudioType != nil {
			if lang := strings.TrimSpace(string(d.ISO639LanguageAndAudioType.Language)); lang != "" {
				tags["language"] = lang
			}
		}
	}
	return tags
}

// serviceTags collects the service name and provider from an SDT.
func serviceTags(sdt *astits.SDTData) map[string]string {
	tags := make(map[string]string)
	for _, svc := range sdt.Services {
		for _, d := range svc.Descriptors {
			if d == nil || d.Service == nil {
				continue
			}
			if name := decodeDVBString(d.Service.Name); name != "" {
				tags["service_name"] = name
			}
			if provider := decodeDVBString(d.Service.Provider); provider != "" {
				tags["service_provider"] = provider
			}
			return tags
		}
	}
	return tags
}
