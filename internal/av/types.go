package av

/*
#cgo pkg-config: libavcodec libavformat libavutil
#include <libavcodec/avcodec.h>
#include <libavformat/avformat.h>
*/
import "C"
import (
	"unsafe"

	"github.com/muxable/framerelay/internal/codec"
)

// These are useful to avoid leaking the cgo interface.

type AVPacket struct {
	packet *C.AVPacket
}

func NewAVPacket() *AVPacket {
	packet := C.av_packet_alloc()
	if packet == nil {
		return nil
	}
	return &AVPacket{packet: packet}
}

func (p *AVPacket) Close() error {
	C.av_packet_free(&p.packet)
	return nil
}

type AVFrame struct {
	frame *C.AVFrame
}

func NewAVFrame() *AVFrame {
	frame := C.av_frame_alloc()
	if frame == nil {
		return nil
	}
	return &AVFrame{frame: frame}
}

func (f *AVFrame) Close() error {
	C.av_frame_free(&f.frame)
	return nil
}

func rational(r C.AVRational) codec.Rational {
	return codec.Rational{Num: int(r.num), Den: int(r.den)}
}

func cbytes(p *C.uint8_t, n int) []byte {
	if p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

// chromaRows is the number of chroma rows of a 4:2:0 picture.
func chromaRows(height int) int {
	return (height + 1) / 2
}

// fillVideo points dst at the planes of f. Hardware frames keep no planes.
func fillVideo(dst *codec.VideoFrame, f *C.AVFrame) {
	dst.Width = int(f.width)
	dst.Height = int(f.height)
	dst.Format = codec.PixelFormat(f.format)
	dst.PTS = int64(f.best_effort_timestamp)
	if dst.PTS == codec.NoPTS {
		dst.PTS = int64(f.pts)
	}
	dst.Native = f
	dst.Planes = dst.Planes[:0]
	dst.Strides = dst.Strides[:0]
	if f.hw_frames_ctx != nil {
		return
	}

	var rows []int
	switch dst.Format {
	case codec.PixelFormatNV12:
		rows = []int{dst.Height, chromaRows(dst.Height)}
	default:
		rows = []int{dst.Height, chromaRows(dst.Height), chromaRows(dst.Height)}
	}
	for i, n := range rows {
		stride := int(f.linesize[i])
		dst.Planes = append(dst.Planes, cbytes(f.data[i], stride*n))
		dst.Strides = append(dst.Strides, stride)
	}
}

func fillAudio(dst *codec.AudioFrame, f *C.AVFrame) {
	dst.Samples = int(f.nb_samples)
	dst.Format = codec.SampleFormat(f.format)
	dst.Channels = int(f.ch_layout.nb_channels)
	dst.SampleRate = int(f.sample_rate)
	dst.PTS = int64(f.best_effort_timestamp)
	if dst.PTS == codec.NoPTS {
		dst.PTS = int64(f.pts)
	}
	dst.Native = f

	bps := dst.Format.BytesPerSample()
	dst.Data = dst.Data[:0]
	if dst.Format.IsPlanar() {
		planes := unsafe.Slice(f.extended_data, dst.Channels)
		for _, p := range planes {
			dst.Data = append(dst.Data, cbytes(p, dst.Samples*bps))
		}
		return
	}
	dst.Data = append(dst.Data, cbytes(f.data[0], dst.Samples*dst.Channels*bps))
}
