package synth

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/muxable/framerelay/internal/codec"
)

// Scheme is the URL scheme served by this package.
const Scheme = "synth"

// IsURL reports whether raw names a synthetic input.
func IsURL(raw string) bool {
	return strings.HasPrefix(raw, Scheme+"://")
}

// FromURL builds a realtime Config from a URL such as
//
//	synth://?video=1280x720&fps=25&audio=48000x2&seconds=30
//
// video=none or audio=none drops that stream.
func FromURL(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, err
	}
	if u.Scheme != Scheme {
		return Config{}, fmt.Errorf("unexpected scheme %q", u.Scheme)
	}
	q := u.Query()

	seconds := 10
	if s := q.Get("seconds"); s != "" {
		if seconds, err = strconv.Atoi(s); err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid seconds %q", s)
		}
	}

	cfg := Config{Realtime: q.Get("realtime") != "0"}

	if v := q.Get("video"); v != "none" {
		w, h := 1280, 720
		if v != "" {
			if w, h, err = pair(v); err != nil {
				return Config{}, fmt.Errorf("invalid video %q: %w", v, err)
			}
		}
		fps := 25
		if s := q.Get("fps"); s != "" {
			if fps, err = strconv.Atoi(s); err != nil || fps <= 0 {
				return Config{}, fmt.Errorf("invalid fps %q", s)
			}
		}
		cfg.Video = &VideoConfig{
			Codec:     q.Get("vcodec"),
			Width:     w,
			Height:    h,
			FrameRate: codec.Rational{Num: fps, Den: 1},
			Packets:   fps * seconds,
			HWConfigs: []codec.HWConfig{{Device: DeviceType, PixelFormat: HWFormat}},
		}
	}

	if a := q.Get("audio"); a != "none" {
		rate, channels := 48000, 2
		if a != "" {
			if rate, channels, err = pair(a); err != nil {
				return Config{}, fmt.Errorf("invalid audio %q: %w", a, err)
			}
		}
		const samples = 1024
		cfg.Audio = &AudioConfig{
			SampleRate: rate,
			Channels:   channels,
			Format:     codec.SampleFormatFLTP,
			Samples:    samples,
			Packets:    rate * seconds / samples,
		}
	}
	return cfg, nil
}

func pair(s string) (int, int, error) {
	a, b, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, fmt.Errorf("want AxB")
	}
	x, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}
