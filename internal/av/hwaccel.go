package av

/*
#cgo pkg-config: libavutil
#include <stdlib.h>
#include <libavutil/hwcontext.h>
#include <libavutil/frame.h>
*/
import "C"
import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/muxable/framerelay/internal/codec"
)

var errNotHardwareFrame = errors.New("frame is not hardware resident")

type hwDevice struct {
	typ codec.HWDeviceType
	ref *C.AVBufferRef
	sw  *AVFrame
	out codec.VideoFrame
}

var _ codec.HWDevice = (*hwDevice)(nil)

func (l *Library) NewHWDevice(typ codec.HWDeviceType) (codec.HWDevice, error) {
	cname := C.CString(string(typ))
	defer C.free(unsafe.Pointer(cname))
	avtype := C.av_hwdevice_find_type_by_name(cname)
	if avtype == C.AV_HWDEVICE_TYPE_NONE {
		return nil, fmt.Errorf("unknown hardware device type %q", typ)
	}

	var ref *C.AVBufferRef
	if averr := C.av_hwdevice_ctx_create(&ref, avtype, nil, nil, 0); averr < 0 {
		return nil, av_err("av_hwdevice_ctx_create", averr)
	}
	sw := NewAVFrame()
	if sw == nil {
		C.av_buffer_unref(&ref)
		return nil, fmt.Errorf("av_frame_alloc: %w", codec.ErrNoMemory)
	}
	return &hwDevice{typ: typ, ref: ref, sw: sw}, nil
}

func (d *hwDevice) Type() codec.HWDeviceType {
	return d.typ
}

// Transfer downloads a hardware frame. The result is owned by the device.
func (d *hwDevice) Transfer(f *codec.VideoFrame) (*codec.VideoFrame, error) {
	hw, ok := f.Native.(*C.AVFrame)
	if !ok || hw.hw_frames_ctx == nil {
		return nil, errNotHardwareFrame
	}
	C.av_frame_unref(d.sw.frame)
	if averr := C.av_hwframe_transfer_data(d.sw.frame, hw, 0); averr < 0 {
		return nil, av_err("av_hwframe_transfer_data", averr)
	}
	d.sw.frame.pts = hw.pts
	d.sw.frame.best_effort_timestamp = hw.best_effort_timestamp
	fillVideo(&d.out, d.sw.frame)
	return &d.out, nil
}

func (d *hwDevice) Close() error {
	if d.sw != nil {
		d.sw.Close()
		d.sw = nil
	}
	if d.ref != nil {
		C.av_buffer_unref(&d.ref)
	}
	return nil
}
