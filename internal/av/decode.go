package av

/*
#cgo pkg-config: libavcodec libavformat libavutil
#include <libavcodec/avcodec.h>
#include <libavformat/avformat.h>
#include <libavutil/hwcontext.h>
#include "callbacks.h"
*/
import "C"
import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/mattn/go-pointer"
	"github.com/muxable/framerelay/internal/codec"
)

type decoderInfo struct {
	avcodec *C.AVCodec
}

func (l *Library) FindDecoder(st *codec.Stream) (codec.DecoderInfo, error) {
	avstream, ok := st.Native.(*C.AVStream)
	if !ok {
		return nil, fmt.Errorf("stream %d has no native handle: %w", st.Index, codec.ErrDecoderNotFound)
	}
	avcodec := C.avcodec_find_decoder(avstream.codecpar.codec_id)
	if avcodec == nil {
		return nil, fmt.Errorf("%s: %w", st.Codec.Name, codec.ErrDecoderNotFound)
	}
	return &decoderInfo{avcodec: avcodec}, nil
}

func (d *decoderInfo) Name() string {
	return C.GoString(d.avcodec.name)
}

// HWConfigs lists the device-context configurations of the decoder.
func (d *decoderInfo) HWConfigs() []codec.HWConfig {
	var configs []codec.HWConfig
	for i := 0; ; i++ {
		cfg := C.avcodec_get_hw_config(d.avcodec, C.int(i))
		if cfg == nil {
			return configs
		}
		if cfg.methods&C.AV_CODEC_HW_CONFIG_METHOD_HW_DEVICE_CTX == 0 {
			continue
		}
		configs = append(configs, codec.HWConfig{
			Device:      codec.HWDeviceType(C.GoString(C.av_hwdevice_get_type_name(cfg.device_type))),
			PixelFormat: codec.PixelFormat(cfg.pix_fmt),
		})
	}
}

func (d *decoderInfo) Open(st *codec.Stream, cfg codec.DecoderConfig) (codec.Decoder, error) {
	avstream := st.Native.(*C.AVStream)
	decoderctx := C.avcodec_alloc_context3(d.avcodec)
	if decoderctx == nil {
		return nil, fmt.Errorf("avcodec_alloc_context3: %w", codec.ErrNoMemory)
	}
	dec := &DecodeContext{decoderctx: decoderctx, media: st.Media}

	if averr := C.avcodec_parameters_to_context(decoderctx, avstream.codecpar); averr < 0 {
		dec.Close()
		return nil, av_err("avcodec_parameters_to_context", averr)
	}
	decoderctx.pkt_timebase = avstream.time_base

	if dev, ok := cfg.Device.(*hwDevice); ok && cfg.SelectFormat != nil {
		decoderctx.hw_device_ctx = C.av_buffer_ref(dev.ref)
		if decoderctx.hw_device_ctx == nil {
			dec.Close()
			return nil, fmt.Errorf("av_buffer_ref: %w", codec.ErrNoMemory)
		}
		dec.opaque = pointer.Save(cfg.SelectFormat)
		C.relay_set_get_format(decoderctx, dec.opaque)
	}

	if averr := C.avcodec_open2(decoderctx, d.avcodec, nil); averr < 0 {
		dec.Close()
		return nil, av_err("avcodec_open2", averr)
	}

	dec.frame = NewAVFrame()
	if dec.frame == nil {
		dec.Close()
		return nil, fmt.Errorf("av_frame_alloc: %w", codec.ErrNoMemory)
	}
	return dec, nil
}

type DecodeContext struct {
	decoderctx *C.AVCodecContext
	media      codec.MediaType
	opaque     unsafe.Pointer
	frame      *AVFrame

	video codec.VideoFrame
	audio codec.AudioFrame
}

var _ codec.Decoder = (*DecodeContext)(nil)

// SendPacket queues p for decoding; a nil packet enters draining mode.
func (c *DecodeContext) SendPacket(p *codec.Packet) error {
	var pkt *C.AVPacket
	if p != nil {
		native, ok := p.Native.(*C.AVPacket)
		if !ok {
			return errors.New("avcodec_send_packet: packet has no native handle")
		}
		pkt = native
	}
	if averr := C.avcodec_send_packet(c.decoderctx, pkt); averr < 0 {
		return av_err("avcodec_send_packet", averr)
	}
	return nil
}

func (c *DecodeContext) receive() error {
	C.av_frame_unref(c.frame.frame)
	if averr := C.avcodec_receive_frame(c.decoderctx, c.frame.frame); averr < 0 {
		return av_err("avcodec_receive_frame", averr)
	}
	return nil
}

func (c *DecodeContext) ReceiveVideo() (*codec.VideoFrame, error) {
	if c.media != codec.MediaVideo {
		return nil, codec.ErrAgain
	}
	if err := c.receive(); err != nil {
		return nil, err
	}
	fillVideo(&c.video, c.frame.frame)
	return &c.video, nil
}

func (c *DecodeContext) ReceiveAudio() (*codec.AudioFrame, error) {
	if c.media != codec.MediaAudio {
		return nil, codec.ErrAgain
	}
	if err := c.receive(); err != nil {
		return nil, err
	}
	fillAudio(&c.audio, c.frame.frame)
	return &c.audio, nil
}

func (c *DecodeContext) Close() error {
	if c.frame != nil {
		c.frame.Close()
		c.frame = nil
	}
	if c.decoderctx != nil {
		C.avcodec_free_context(&c.decoderctx)
	}
	if c.opaque != nil {
		pointer.Unref(c.opaque)
		c.opaque = nil
	}
	return nil
}
