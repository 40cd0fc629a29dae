package av

/*
#cgo pkg-config: libswscale libavutil
#include <libswscale/swscale.h>
#include <libavutil/frame.h>
*/
import "C"
import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/muxable/framerelay/internal/codec"
)

var errNoNativeFrame = errors.New("frame has no native handle")

type scaler struct {
	swsctx *C.struct_SwsContext
	dst    *AVFrame
	out    codec.VideoFrame
}

var _ codec.Scaler = (*scaler)(nil)

func swsFlags(filter codec.ScaleFilter) C.int {
	if filter == codec.ScaleBilinear {
		return C.SWS_BILINEAR
	}
	return C.SWS_POINT
}

func (l *Library) NewScaler(src, dst codec.VideoShape, filter codec.ScaleFilter) (codec.Scaler, error) {
	swsctx := C.sws_getContext(
		C.int(src.Width), C.int(src.Height), C.enum_AVPixelFormat(src.Format),
		C.int(dst.Width), C.int(dst.Height), C.enum_AVPixelFormat(dst.Format),
		swsFlags(filter), nil, nil, nil)
	if swsctx == nil {
		return nil, &codec.Error{Op: "sws_getContext", Code: -22, Msg: fmt.Sprintf("cannot scale %s to %s", src, dst)}
	}

	frame := NewAVFrame()
	if frame == nil {
		C.sws_freeContext(swsctx)
		return nil, fmt.Errorf("av_frame_alloc: %w", codec.ErrNoMemory)
	}
	frame.frame.width = C.int(dst.Width)
	frame.frame.height = C.int(dst.Height)
	frame.frame.format = C.int(dst.Format)
	if averr := C.av_frame_get_buffer(frame.frame, 0); averr < 0 {
		frame.Close()
		C.sws_freeContext(swsctx)
		return nil, av_err("av_frame_get_buffer", averr)
	}
	return &scaler{swsctx: swsctx, dst: frame}, nil
}

// Scale converts src into the scaler's own frame.
func (s *scaler) Scale(src *codec.VideoFrame) (*codec.VideoFrame, error) {
	in, ok := src.Native.(*C.AVFrame)
	if !ok {
		return nil, errNoNativeFrame
	}
	if averr := C.av_frame_make_writable(s.dst.frame); averr < 0 {
		return nil, av_err("av_frame_make_writable", averr)
	}
	ret := C.sws_scale(s.swsctx,
		(**C.uint8_t)(unsafe.Pointer(&in.data[0])), &in.linesize[0],
		0, in.height,
		(**C.uint8_t)(unsafe.Pointer(&s.dst.frame.data[0])), &s.dst.frame.linesize[0])
	if ret < 0 {
		return nil, av_err("sws_scale", ret)
	}
	s.dst.frame.pts = in.pts
	s.dst.frame.best_effort_timestamp = in.best_effort_timestamp
	fillVideo(&s.out, s.dst.frame)
	return &s.out, nil
}

func (s *scaler) Close() error {
	if s.dst != nil {
		s.dst.Close()
		s.dst = nil
	}
	if s.swsctx != nil {
		C.sws_freeContext(s.swsctx)
		s.swsctx = nil
	}
	return nil
}
