package wire

import (
	"fmt"

	"github.com/muxable/framerelay/internal/codec"
)

// grow resizes buf to n bytes, reallocating only when it must.
func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}

// VideoSize is the payload size of a YUV420P picture.
func VideoSize(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

// VideoPacketizer frames YUV420P pictures. The returned buffer is reused by
// the next Pack call.
type VideoPacketizer struct {
	buf []byte
}

func (p *VideoPacketizer) Pack(f *codec.VideoFrame, pts uint32) ([]byte, error) {
	if f.Format != codec.PixelFormatYUV420P {
		return nil, fmt.Errorf("wire: cannot pack %s video", f.Format)
	}
	if len(f.Planes) < 3 || len(f.Strides) < 3 {
		return nil, fmt.Errorf("wire: frame has %d planes, want 3", len(f.Planes))
	}
	p.buf = grow(p.buf, HeaderSize+VideoSize(f.Width, f.Height))
	PutVideoHeader(p.buf, ResolutionIndex(f.Width, f.Height), pts)

	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	off := HeaderSize
	for i, dims := range [3][2]int{{f.Width, f.Height}, {cw, ch}, {cw, ch}} {
		w, h := dims[0], dims[1]
		plane, stride := f.Planes[i], f.Strides[i]
		if stride < w || len(plane) < stride*(h-1)+w {
			return nil, fmt.Errorf("wire: plane %d too small for %dx%d", i, w, h)
		}
		for y := 0; y < h; y++ {
			off += copy(p.buf[off:off+w], plane[y*stride:])
		}
	}
	return p.buf, nil
}

// AudioPacketizer frames sample blocks, interleaving planar layouts. The
// returned buffer is reused by the next Pack call.
type AudioPacketizer struct {
	buf []byte
}

func (p *AudioPacketizer) Pack(f *codec.AudioFrame, pts uint32) ([]byte, error) {
	bps := f.Format.BytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("wire: unknown sample format %s", f.Format)
	}
	if f.Channels <= 0 || f.Channels > 0xFF {
		return nil, fmt.Errorf("wire: invalid channel count %d", f.Channels)
	}
	size := f.Samples * f.Channels * bps
	p.buf = grow(p.buf, HeaderSize+size)
	PutAudioHeader(p.buf, bps, f.Channels, SampleRateIndex(f.SampleRate), pts)
	payload := p.buf[HeaderSize:]

	if !f.Format.IsPlanar() {
		if len(f.Data) < 1 || len(f.Data[0]) < size {
			return nil, fmt.Errorf("wire: packed audio shorter than %d bytes", size)
		}
		copy(payload, f.Data[0][:size])
		return p.buf, nil
	}

	if len(f.Data) < f.Channels {
		return nil, fmt.Errorf("wire: %d planes for %d channels", len(f.Data), f.Channels)
	}
	for ch := 0; ch < f.Channels; ch++ {
		if len(f.Data[ch]) < f.Samples*bps {
			return nil, fmt.Errorf("wire: channel %d shorter than %d samples", ch, f.Samples)
		}
	}
	off := 0
	for s := 0; s < f.Samples; s++ {
		for ch := 0; ch < f.Channels; ch++ {
			off += copy(payload[off:off+bps], f.Data[ch][s*bps:])
		}
	}
	return p.buf, nil
}
