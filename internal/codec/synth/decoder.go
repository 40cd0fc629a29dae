package synth

import (
	"errors"
	"io"
	"sync"

	"github.com/muxable/framerelay/internal/codec"
)

var errClosed = errors.New("synth: use of closed object")

type decoderInfo struct {
	lib  *Library
	name string
	hw   []codec.HWConfig
}

func (d *decoderInfo) Name() string { return d.name }

func (d *decoderInfo) HWConfigs() []codec.HWConfig { return d.hw }

func (d *decoderInfo) Open(st *codec.Stream, cfg codec.DecoderConfig) (codec.Decoder, error) {
	dec := &decoder{lib: d.lib, media: st.Media}
	switch st.Media {
	case codec.MediaVideo:
		v := d.lib.cfg.Video
		dec.corrupt = toSet(v.Corrupt)
		dec.swFormat = v.Format
		if cfg.Device != nil && cfg.SelectFormat != nil {
			offered := make([]codec.PixelFormat, 0, len(d.hw)+1)
			for _, hw := range d.hw {
				offered = append(offered, hw.PixelFormat)
			}
			offered = append(offered, v.Format)
			if chosen := cfg.SelectFormat(offered); chosen != codec.PixelFormatNone && chosen != v.Format {
				dec.hwFormat = chosen
				dec.hw = true
			}
		}
	case codec.MediaAudio:
		dec.corrupt = toSet(d.lib.cfg.Audio.Corrupt)
	}
	d.lib.track(func(r *Resources) { r.Decoders++ })
	return dec, nil
}

type pending struct {
	index int
	pts   int64
}

type decoder struct {
	lib      *Library
	media    codec.MediaType
	corrupt  map[int]bool
	swFormat codec.PixelFormat
	hw       bool
	hwFormat codec.PixelFormat

	pending  *pending
	flushing bool

	video codec.VideoFrame
	audio codec.AudioFrame

	closeOnce sync.Once
	closed    bool
}

func toSet(xs []int) map[int]bool {
	m := make(map[int]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func (d *decoder) SendPacket(p *codec.Packet) error {
	if d.closed {
		return errClosed
	}
	if p == nil {
		d.flushing = true
		return nil
	}
	if d.pending != nil {
		return codec.ErrAgain
	}
	idx, ok := packetIndex(p)
	if !ok || d.corrupt[idx] {
		return &codec.Error{Op: "avcodec_send_packet", Code: -1094995529, Msg: "Invalid data found when processing input"}
	}
	d.pending = &pending{index: idx, pts: p.PTS}
	return nil
}

func (d *decoder) next() (*pending, error) {
	if d.closed {
		return nil, errClosed
	}
	if d.pending == nil {
		if d.flushing {
			return nil, io.EOF
		}
		return nil, codec.ErrAgain
	}
	p := d.pending
	d.pending = nil
	return p, nil
}

func (d *decoder) ReceiveVideo() (*codec.VideoFrame, error) {
	if d.media != codec.MediaVideo {
		return nil, codec.ErrAgain
	}
	p, err := d.next()
	if err != nil {
		return nil, err
	}
	v := d.lib.cfg.Video
	f := &d.video
	f.Width, f.Height, f.PTS = v.Width, v.Height, p.pts
	if d.hw {
		f.Format = d.hwFormat
		f.Planes, f.Strides = nil, nil
		f.Native = &surface{index: p.index, width: v.Width, height: v.Height, pts: p.pts}
		return f, nil
	}
	f.Format = d.swFormat
	f.Native = nil
	fillPicture(f, byte(p.index))
	return f, nil
}

func (d *decoder) ReceiveAudio() (*codec.AudioFrame, error) {
	if d.media != codec.MediaAudio {
		return nil, codec.ErrAgain
	}
	p, err := d.next()
	if err != nil {
		return nil, err
	}
	a := d.lib.cfg.Audio
	f := &d.audio
	f.Samples, f.Format, f.Channels, f.SampleRate, f.PTS = a.Samples, a.Format, a.Channels, a.SampleRate, p.pts

	bps := a.Format.BytesPerSample()
	if a.Format.IsPlanar() {
		if len(f.Data) != a.Channels {
			f.Data = make([][]byte, a.Channels)
		}
		for ch := range f.Data {
			f.Data[ch] = fill(f.Data[ch], a.Samples*bps, byte(ch+1))
		}
	} else {
		if len(f.Data) != 1 {
			f.Data = make([][]byte, 1)
		}
		f.Data[0] = fill(f.Data[0], a.Samples*a.Channels*bps, 0)
		for i := range f.Data[0] {
			f.Data[0][i] = byte((i/bps)%a.Channels + 1)
		}
	}
	return f, nil
}

func (d *decoder) Close() error {
	d.closeOnce.Do(func() {
		d.closed = true
		d.lib.track(func(r *Resources) { r.Decoders-- })
	})
	return nil
}

func fill(b []byte, n int, v byte) []byte {
	if cap(b) < n {
		b = make([]byte, n)
	}
	b = b[:n]
	for i := range b {
		b[i] = v
	}
	return b
}

// fillPicture paints a flat picture whose luma encodes the frame index.
func fillPicture(f *codec.VideoFrame, luma byte) {
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	switch f.Format {
	case codec.PixelFormatNV12:
		if len(f.Planes) != 2 {
			f.Planes = make([][]byte, 2)
		}
		f.Planes[0] = fill(f.Planes[0], f.Width*f.Height, luma)
		f.Planes[1] = fill(f.Planes[1], cw*2*ch, 128)
		f.Strides = []int{f.Width, cw * 2}
	default:
		if len(f.Planes) != 3 {
			f.Planes = make([][]byte, 3)
		}
		f.Planes[0] = fill(f.Planes[0], f.Width*f.Height, luma)
		f.Planes[1] = fill(f.Planes[1], cw*ch, 128)
		f.Planes[2] = fill(f.Planes[2], cw*ch, 128)
		f.Strides = []int{f.Width, cw, cw}
	}
}
