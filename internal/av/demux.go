package av

/*
#cgo pkg-config: libavformat libavutil
#include <errno.h>
#include <stdlib.h>
#include <libavformat/avformat.h>
#include "callbacks.h"
*/
import "C"
import (
	"context"
	"fmt"
	"unsafe"

	"github.com/mattn/go-pointer"
	"github.com/muxable/framerelay/internal/codec"
	"go.uber.org/zap"
)

var (
	crtsptransport = C.CString("rtsp_transport")
	ctcp           = C.CString("tcp")
	cudp           = C.CString("udp")
)

type DemuxContext struct {
	avformatctx *C.AVFormatContext
	opaque      unsafe.Pointer
	streams     map[codec.MediaType]*codec.Stream
	logger      *zap.Logger
}

var _ codec.Container = (*DemuxContext)(nil)

func (l *Library) OpenInput(ctx context.Context, url string, opts codec.InputOptions) (codec.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	avformatctx := C.avformat_alloc_context()
	if avformatctx == nil {
		return nil, fmt.Errorf("avformat_alloc_context: %w", codec.ErrNoMemory)
	}

	interrupt := opts.Interrupt
	if interrupt == nil {
		interrupt = func() bool { return ctx.Err() != nil }
	}
	opaque := pointer.Save(interrupt)
	C.relay_set_interrupt(avformatctx, opaque)

	var dict *C.AVDictionary
	defer C.av_dict_free(&dict)
	transport := ctcp
	if opts.Transport == codec.TransportUDP {
		transport = cudp
	}
	if averr := C.av_dict_set(&dict, crtsptransport, transport, 0); averr < 0 {
		C.avformat_free_context(avformatctx)
		pointer.Unref(opaque)
		return nil, av_err("av_dict_set", averr)
	}

	curl := C.CString(url)
	defer C.free(unsafe.Pointer(curl))
	if averr := C.avformat_open_input(&avformatctx, curl, nil, &dict); averr < 0 {
		// avformat_open_input frees the context on failure.
		pointer.Unref(opaque)
		return nil, av_err("avformat_open_input", averr)
	}

	return &DemuxContext{
		avformatctx: avformatctx,
		opaque:      opaque,
		streams:     make(map[codec.MediaType]*codec.Stream),
		logger:      l.logger.With(zap.String("url", url)),
	}, nil
}

func (c *DemuxContext) FindStreamInfo() error {
	if averr := C.avformat_find_stream_info(c.avformatctx, nil); averr < 0 {
		return av_err("avformat_find_stream_info", averr)
	}
	return nil
}

func (c *DemuxContext) stream(index int) *C.AVStream {
	streams := unsafe.Slice(c.avformatctx.streams, int(c.avformatctx.nb_streams))
	return streams[index]
}

func (c *DemuxContext) BestStream(media codec.MediaType) (*codec.Stream, error) {
	if st, ok := c.streams[media]; ok {
		return st, nil
	}
	ret := C.av_find_best_stream(c.avformatctx, C.enum_AVMediaType(media), -1, -1, nil, 0)
	if ret < 0 {
		return nil, fmt.Errorf("av_find_best_stream %s: %w", media, codec.ErrStreamNotFound)
	}

	avstream := c.stream(int(ret))
	par := avstream.codecpar
	st := &codec.Stream{
		Index:     int(ret),
		Media:     media,
		TimeBase:  rational(avstream.time_base),
		FrameRate: rational(avstream.avg_frame_rate),
		Codec: codec.CodecParameters{
			ID:         int(par.codec_id),
			Name:       C.GoString(C.avcodec_get_name(par.codec_id)),
			Width:      int(par.width),
			Height:     int(par.height),
			Format:     int(par.format),
			SampleRate: int(par.sample_rate),
			Channels:   int(par.ch_layout.nb_channels),
		},
		Native: avstream,
	}
	if !st.FrameRate.Valid() {
		st.FrameRate = rational(avstream.r_frame_rate)
	}
	c.streams[media] = st
	c.logger.Debug("found stream",
		zap.Stringer("media", media),
		zap.Int("index", st.Index),
		zap.String("codec", st.Codec.Name),
		zap.Stringer("time_base", st.TimeBase))
	return st, nil
}

func (c *DemuxContext) mediaOf(index int) codec.MediaType {
	for media, st := range c.streams {
		if st.Index == index {
			return media
		}
	}
	return codec.MediaUnknown
}

func (c *DemuxContext) ReadPacket() (*codec.Packet, error) {
	p := NewAVPacket()
	if p == nil {
		return nil, fmt.Errorf("av_packet_alloc: %w", codec.ErrNoMemory)
	}
	if averr := C.av_read_frame(c.avformatctx, p.packet); averr < 0 {
		p.Close()
		return nil, av_err("av_read_frame", averr)
	}
	index := int(p.packet.stream_index)
	pkt := &codec.Packet{
		Media:       c.mediaOf(index),
		StreamIndex: index,
		PTS:         int64(p.packet.pts),
		DTS:         int64(p.packet.dts),
		Data:        cbytes(p.packet.data, int(p.packet.size)),
		Native:      p.packet,
	}
	pkt.OnRelease(func() { p.Close() })
	return pkt, nil
}

// IOError reports a failed byte stream. Interrupts and EAGAIN do not count.
func (c *DemuxContext) IOError() bool {
	pb := c.avformatctx.pb
	if pb == nil || pb.error >= 0 {
		return false
	}
	return pb.error != averrorExit && pb.error != AVERROR(C.EAGAIN)
}

func (c *DemuxContext) Close() error {
	if c.avformatctx == nil {
		return nil
	}
	C.avformat_close_input(&c.avformatctx)
	pointer.Unref(c.opaque)
	c.opaque = nil
	return nil
}
