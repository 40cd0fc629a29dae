package synth

import (
	"fmt"
	"sync"

	"github.com/muxable/framerelay/internal/codec"
)

// surface stands in for a device-resident picture.
type surface struct {
	index         int
	width, height int
	pts           int64
}

type device struct {
	lib *Library
	typ codec.HWDeviceType
	sw  codec.VideoFrame

	closeOnce sync.Once
	closed    bool
}

func (d *device) Type() codec.HWDeviceType { return d.typ }

// Transfer yields NV12, the layout most hardware decoders download to.
func (d *device) Transfer(f *codec.VideoFrame) (*codec.VideoFrame, error) {
	if d.closed {
		return nil, errClosed
	}
	s, ok := f.Native.(*surface)
	if !ok {
		return nil, fmt.Errorf("av_hwframe_transfer_data: frame is not on a %s surface", d.typ)
	}
	d.sw.Width, d.sw.Height, d.sw.PTS = s.width, s.height, s.pts
	d.sw.Format = codec.PixelFormatNV12
	fillPicture(&d.sw, byte(s.index))
	return &d.sw, nil
}

func (d *device) Close() error {
	d.closeOnce.Do(func() {
		d.closed = true
		d.lib.track(func(r *Resources) { r.Devices-- })
	})
	return nil
}

// scaler resamples with nearest-neighbour lookups into YUV420P.
type scaler struct {
	lib      *Library
	src, dst codec.VideoShape
	out      codec.VideoFrame

	closeOnce sync.Once
	closed    bool
}

func newScaler(l *Library, src, dst codec.VideoShape) *scaler {
	s := &scaler{lib: l, src: src, dst: dst}
	cw, ch := (dst.Width+1)/2, (dst.Height+1)/2
	s.out = codec.VideoFrame{
		Width:   dst.Width,
		Height:  dst.Height,
		Format:  codec.PixelFormatYUV420P,
		Planes:  [][]byte{make([]byte, dst.Width*dst.Height), make([]byte, cw*ch), make([]byte, cw*ch)},
		Strides: []int{dst.Width, cw, cw},
	}
	return s
}

func (s *scaler) Scale(src *codec.VideoFrame) (*codec.VideoFrame, error) {
	if s.closed {
		return nil, errClosed
	}
	if src.Shape() != s.src {
		return nil, &codec.Error{Op: "sws_scale", Code: -22, Msg: "Invalid argument"}
	}
	sample(s.out.Planes[0], s.out.Strides[0], s.dst.Width, s.dst.Height,
		src.Planes[0], src.Strides[0], src.Width, src.Height, 1, 0)

	scw, sch := (src.Width+1)/2, (src.Height+1)/2
	dcw, dch := (s.dst.Width+1)/2, (s.dst.Height+1)/2
	if src.Format == codec.PixelFormatNV12 {
		sample(s.out.Planes[1], s.out.Strides[1], dcw, dch, src.Planes[1], src.Strides[1], scw, sch, 2, 0)
		sample(s.out.Planes[2], s.out.Strides[2], dcw, dch, src.Planes[1], src.Strides[1], scw, sch, 2, 1)
	} else {
		sample(s.out.Planes[1], s.out.Strides[1], dcw, dch, src.Planes[1], src.Strides[1], scw, sch, 1, 0)
		sample(s.out.Planes[2], s.out.Strides[2], dcw, dch, src.Planes[2], src.Strides[2], scw, sch, 1, 0)
	}
	s.out.PTS = src.PTS
	return &s.out, nil
}

// sample point-samples a plane. step and offset address interleaved
// chroma.
func sample(dst []byte, dstride, dw, dh int, src []byte, sstride, sw, sh, step, offset int) {
	for y := 0; y < dh; y++ {
		sy := y * sh / dh
		row := src[sy*sstride:]
		out := dst[y*dstride:]
		for x := 0; x < dw; x++ {
			out[x] = row[(x*sw/dw)*step+offset]
		}
	}
}

func (s *scaler) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		s.lib.track(func(r *Resources) { r.Scalers-- })
	})
	return nil
}
