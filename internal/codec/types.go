package codec

import (
	"fmt"
	"math"
)

// MediaType follows the AVMediaType numbering.
type MediaType int

const (
	MediaUnknown MediaType = -1
	MediaVideo   MediaType = 0
	MediaAudio   MediaType = 1
)

func (m MediaType) String() string {
	switch m {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// NoPTS marks an undefined timestamp, same value as AV_NOPTS_VALUE.
const NoPTS int64 = math.MinInt64

// Rational is a num/den pair used for time bases and frame rates.
type Rational struct {
	Num, Den int
}

func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// PixelFormat values match AVPixelFormat so backends can cast directly.
// Hardware surface formats are opaque and only ever compared.
type PixelFormat int

const (
	PixelFormatNone    PixelFormat = -1
	PixelFormatYUV420P PixelFormat = 0
	PixelFormatNV12    PixelFormat = 23
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatNone:
		return "none"
	case PixelFormatYUV420P:
		return "yuv420p"
	case PixelFormatNV12:
		return "nv12"
	default:
		return fmt.Sprintf("pixfmt(%d)", int(f))
	}
}

// SampleFormat values match AVSampleFormat.
type SampleFormat int

const (
	SampleFormatNone SampleFormat = iota - 1
	SampleFormatU8
	SampleFormatS16
	SampleFormatS32
	SampleFormatFLT
	SampleFormatDBL
	SampleFormatU8P
	SampleFormatS16P
	SampleFormatS32P
	SampleFormatFLTP
	SampleFormatDBLP
	SampleFormatS64
	SampleFormatS64P
)

var sampleFormatNames = map[SampleFormat]string{
	SampleFormatU8:   "u8",
	SampleFormatS16:  "s16",
	SampleFormatS32:  "s32",
	SampleFormatFLT:  "flt",
	SampleFormatDBL:  "dbl",
	SampleFormatU8P:  "u8p",
	SampleFormatS16P: "s16p",
	SampleFormatS32P: "s32p",
	SampleFormatFLTP: "fltp",
	SampleFormatDBLP: "dblp",
	SampleFormatS64:  "s64",
	SampleFormatS64P: "s64p",
}

func (f SampleFormat) String() string {
	if name, ok := sampleFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("samplefmt(%d)", int(f))
}

// BytesPerSample returns the size of one sample of one channel, or 0 for an
// unknown format.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFormatU8, SampleFormatU8P:
		return 1
	case SampleFormatS16, SampleFormatS16P:
		return 2
	case SampleFormatS32, SampleFormatS32P, SampleFormatFLT, SampleFormatFLTP:
		return 4
	case SampleFormatDBL, SampleFormatDBLP, SampleFormatS64, SampleFormatS64P:
		return 8
	default:
		return 0
	}
}

func (f SampleFormat) IsPlanar() bool {
	switch f {
	case SampleFormatU8P, SampleFormatS16P, SampleFormatS32P, SampleFormatFLTP, SampleFormatDBLP, SampleFormatS64P:
		return true
	default:
		return false
	}
}

// VideoShape is a width/height/pixel format triple. A zero width and height
// means the source's native size.
type VideoShape struct {
	Width, Height int
	Format        PixelFormat
}

func (s VideoShape) IsNative() bool {
	return s.Width == 0 && s.Height == 0
}

func (s VideoShape) String() string {
	return fmt.Sprintf("%dx%d/%s", s.Width, s.Height, s.Format)
}

// Transport selects the RTSP lower transport.
type Transport int

const (
	TransportTCP Transport = iota
	TransportUDP
)

func (t Transport) String() string {
	if t == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// ParseTransport accepts "tcp" and "udp".
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "tcp", "":
		return TransportTCP, nil
	case "udp":
		return TransportUDP, nil
	default:
		return TransportTCP, fmt.Errorf("unknown transport %q", s)
	}
}

// HWDeviceType names a hardware acceleration device, for example "vaapi".
type HWDeviceType string

// HWConfig is one hardware configuration a decoder supports.
type HWConfig struct {
	Device      HWDeviceType
	PixelFormat PixelFormat
}

// ScaleFilter selects the scaling algorithm.
type ScaleFilter int

const (
	ScalePoint ScaleFilter = iota
	ScaleBilinear
)

// CodecParameters describes an elementary stream's coded properties.
type CodecParameters struct {
	ID         int
	Name       string
	Width      int
	Height     int
	Format     int
	SampleRate int
	Channels   int
}

// Stream is one elementary stream inside a container.
type Stream struct {
	Index     int
	Media     MediaType
	TimeBase  Rational
	FrameRate Rational
	Codec     CodecParameters

	// Native is the backend's stream handle.
	Native any
}
