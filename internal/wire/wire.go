// Package wire frames decoded media into the relay's self-describing
// buffers.
//
// Every buffer starts with an 8 byte header:
//
//	video: tag, resolution index, 0x01, 0x01, pts ms (big endian uint32)
//	audio: tag, bytes per sample, channels, sample rate index, pts ms
//
// followed by planar 4:2:0 picture data or interleaved samples. Table
// indices that do not match are sent as 0xFF.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/muxable/framerelay/internal/codec"
)

const HeaderSize = 8

const (
	TagVideo byte = 0x01
	TagAudio byte = 0x02
)

// IndexUnknown is returned by the table lookups when nothing matches.
const IndexUnknown = -1

// Resolution is one entry of the resolution table.
type Resolution struct {
	Width, Height int
}

// Resolutions is the resolution table, indexed by header byte 1.
var Resolutions = []Resolution{
	{256, 144},
	{640, 360},
	{800, 600},
	{1280, 720},
	{1920, 1080},
}

// SampleRates is the sample rate table, indexed by header byte 3.
var SampleRates = []int{8000, 12000, 16000, 32000, 44100, 48000, 96000}

func ResolutionIndex(width, height int) int {
	for i, r := range Resolutions {
		if r.Width == width && r.Height == height {
			return i
		}
	}
	return IndexUnknown
}

func SampleRateIndex(rate int) int {
	for i, r := range SampleRates {
		if r == rate {
			return i
		}
	}
	return IndexUnknown
}

// PTSMillis converts a stream timestamp to milliseconds. An undefined pts
// becomes 0. ok is false for negative timestamps, which must not be sent.
func PTSMillis(pts int64, tb codec.Rational) (ms uint32, ok bool) {
	if pts == codec.NoPTS {
		return 0, true
	}
	if pts < 0 {
		return 0, false
	}
	if !tb.Valid() {
		return 0, true
	}
	return uint32(pts * 1000 * int64(tb.Num) / int64(tb.Den)), true
}

func indexByte(i int) byte {
	if i < 0 || i > 0xFE {
		return 0xFF
	}
	return byte(i)
}

func PutVideoHeader(b []byte, resolution int, pts uint32) {
	b[0] = TagVideo
	b[1] = indexByte(resolution)
	b[2] = 0x01
	b[3] = 0x01
	binary.BigEndian.PutUint32(b[4:8], pts)
}

func PutAudioHeader(b []byte, bytesPerSample, channels, rate int, pts uint32) {
	b[0] = TagAudio
	b[1] = byte(bytesPerSample)
	b[2] = byte(channels)
	b[3] = indexByte(rate)
	binary.BigEndian.PutUint32(b[4:8], pts)
}

// Header is a decoded frame header. Resolution and SampleRate are table
// indices, IndexUnknown when out of band.
type Header struct {
	Media          codec.MediaType
	Resolution     int
	BytesPerSample int
	Channels       int
	SampleRate     int
	PTS            uint32
}

var ErrShortBuffer = errors.New("wire: buffer shorter than header")

func tableIndex(b byte) int {
	if b == 0xFF {
		return IndexUnknown
	}
	return int(b)
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	h := Header{PTS: binary.BigEndian.Uint32(b[4:8])}
	switch b[0] {
	case TagVideo:
		h.Media = codec.MediaVideo
		h.Resolution = tableIndex(b[1])
	case TagAudio:
		h.Media = codec.MediaAudio
		h.BytesPerSample = int(b[1])
		h.Channels = int(b[2])
		h.SampleRate = tableIndex(b[3])
	default:
		return Header{}, fmt.Errorf("wire: unknown media tag 0x%02x", b[0])
	}
	return h, nil
}
