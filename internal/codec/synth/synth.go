// Package synth is an in-memory media backend. It produces deterministic
// audio and video streams and can be scripted to fail the way network
// inputs do, which makes the relay pipeline testable without FFmpeg.
package synth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/muxable/framerelay/internal/codec"
)

// HWFormat is the pixel format of frames decoded on the synth device.
const HWFormat codec.PixelFormat = 1000

// DeviceType is the hardware device the library accepts by default.
const DeviceType codec.HWDeviceType = "synth"

// VideoConfig describes the generated video stream. A zero Format is
// YUV420P.
type VideoConfig struct {
	Codec     string
	Width     int
	Height    int
	Format    codec.PixelFormat
	FrameRate codec.Rational
	TimeBase  codec.Rational
	Packets   int
	HWConfigs []codec.HWConfig

	// Corrupt lists packet indices the decoder rejects.
	Corrupt []int
	// PTS overrides the timestamp of packet i.
	PTS func(i int) int64
}

// AudioConfig describes the generated audio stream. A zero Format is U8.
type AudioConfig struct {
	Codec      string
	SampleRate int
	Channels   int
	Format     codec.SampleFormat
	Samples    int
	TimeBase   codec.Rational
	Packets    int

	Corrupt []int
	PTS     func(i int) int64
}

// Config scripts a Library.
type Config struct {
	Video *VideoConfig
	Audio *AudioConfig

	// OpenFailures is the number of leading OpenInput calls that fail.
	OpenFailures int
	// BlockOpen makes OpenInput block until interrupted.
	BlockOpen bool
	// StreamInfoError is returned by FindStreamInfo.
	StreamInfoError error
	// ReadFailures maps a packet position to the number of transient read
	// errors returned before that packet is delivered.
	ReadFailures map[int]int
	// FailAfter breaks the byte stream for good after that many packets.
	FailAfter int
	// StallAfter blocks reads after that many packets until interrupted.
	StallAfter int
	// Realtime delivers packets no faster than their timestamps.
	Realtime bool
	Clock    clock.Clock

	// HWDevices lists the device types NewHWDevice accepts.
	HWDevices []codec.HWDeviceType
}

// Resources counts live backend objects.
type Resources struct {
	Containers int
	Decoders   int
	Devices    int
	Scalers    int
}

func (r Resources) Total() int {
	return r.Containers + r.Decoders + r.Devices + r.Scalers
}

// Library implements codec.Library.
type Library struct {
	cfg Config

	mu     sync.Mutex
	opens  int
	builds int
	live   Resources
}

var _ codec.Library = (*Library)(nil)

func New(cfg Config) *Library {
	if cfg.Video != nil {
		v := *cfg.Video
		if v.Codec == "" {
			v.Codec = "h264"
		}
		if v.Width == 0 || v.Height == 0 {
			v.Width, v.Height = 1280, 720
		}
		if !v.FrameRate.Valid() {
			v.FrameRate = codec.Rational{Num: 25, Den: 1}
		}
		if !v.TimeBase.Valid() {
			v.TimeBase = codec.Rational{Num: 1, Den: 90000}
		}
		cfg.Video = &v
	}
	if cfg.Audio != nil {
		a := *cfg.Audio
		if a.Codec == "" {
			a.Codec = "aac"
		}
		if a.SampleRate == 0 {
			a.SampleRate = 48000
		}
		if a.Channels == 0 {
			a.Channels = 2
		}
		if a.Samples == 0 {
			a.Samples = 1024
		}
		if !a.TimeBase.Valid() {
			a.TimeBase = codec.Rational{Num: 1, Den: a.SampleRate}
		}
		cfg.Audio = &a
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if len(cfg.HWDevices) == 0 {
		cfg.HWDevices = []codec.HWDeviceType{DeviceType}
	}
	return &Library{cfg: cfg}
}

// Live returns the number of objects created and not yet closed.
func (l *Library) Live() Resources {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// Opens returns the number of OpenInput calls made so far.
func (l *Library) Opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

// ScalerBuilds returns the number of scalers created so far.
func (l *Library) ScalerBuilds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.builds
}

func (l *Library) track(f func(r *Resources)) {
	l.mu.Lock()
	f(&l.live)
	l.mu.Unlock()
}

func (l *Library) OpenInput(ctx context.Context, url string, opts codec.InputOptions) (codec.Container, error) {
	l.mu.Lock()
	l.opens++
	attempt := l.opens
	l.mu.Unlock()

	if l.cfg.BlockOpen {
		for {
			if ctx.Err() != nil || (opts.Interrupt != nil && opts.Interrupt()) {
				return nil, fmt.Errorf("avformat_open_input: %w", codec.ErrExit)
			}
			time.Sleep(time.Millisecond)
		}
	}
	if attempt <= l.cfg.OpenFailures {
		return nil, &codec.Error{Op: "avformat_open_input", Code: -111, Msg: "Connection refused"}
	}

	l.track(func(r *Resources) { r.Containers++ })
	return newContainer(l, opts), nil
}

func (l *Library) FindDecoder(st *codec.Stream) (codec.DecoderInfo, error) {
	switch st.Media {
	case codec.MediaVideo:
		if l.cfg.Video == nil {
			return nil, codec.ErrDecoderNotFound
		}
		return &decoderInfo{lib: l, name: l.cfg.Video.Codec, hw: l.cfg.Video.HWConfigs}, nil
	case codec.MediaAudio:
		if l.cfg.Audio == nil {
			return nil, codec.ErrDecoderNotFound
		}
		return &decoderInfo{lib: l, name: l.cfg.Audio.Codec}, nil
	}
	return nil, codec.ErrDecoderNotFound
}

func (l *Library) NewHWDevice(typ codec.HWDeviceType) (codec.HWDevice, error) {
	for _, t := range l.cfg.HWDevices {
		if t == typ {
			l.track(func(r *Resources) { r.Devices++ })
			return &device{lib: l, typ: typ}, nil
		}
	}
	return nil, &codec.Error{Op: "av_hwdevice_ctx_create", Code: -22, Msg: "Invalid argument"}
}

func (l *Library) NewScaler(src, dst codec.VideoShape, filter codec.ScaleFilter) (codec.Scaler, error) {
	if src.Width <= 0 || src.Height <= 0 || dst.Width <= 0 || dst.Height <= 0 {
		return nil, &codec.Error{Op: "sws_getContext", Code: -22, Msg: "Invalid argument"}
	}
	if src.Format != codec.PixelFormatYUV420P && src.Format != codec.PixelFormatNV12 {
		return nil, &codec.Error{Op: "sws_getContext", Code: -22, Msg: "Invalid argument"}
	}
	if dst.Format != codec.PixelFormatYUV420P {
		return nil, &codec.Error{Op: "sws_getContext", Code: -22, Msg: "Invalid argument"}
	}
	l.mu.Lock()
	l.builds++
	l.live.Scalers++
	l.mu.Unlock()
	return newScaler(l, src, dst), nil
}
