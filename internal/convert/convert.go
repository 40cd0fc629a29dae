// Package convert normalizes decoded pictures to the relay's output shape.
package convert

import (
	"errors"
	"fmt"

	"github.com/muxable/framerelay/internal/codec"
)

// OutputFormat is the pixel format of every converted frame.
const OutputFormat = codec.PixelFormatYUV420P

var errNoDevice = errors.New("hardware frame without a device")

type key struct {
	src, dst codec.VideoShape
}

// readyState is the built scaler and the shapes it was built for.
type readyState struct {
	key    key
	scaler codec.Scaler
}

// Converter transfers hardware frames to memory and rescales them. It is
// owned by a single goroutine. A nil state means no scaler has been built
// since the last invalidation.
type Converter struct {
	lib      codec.Library
	device   codec.HWDevice
	hwFormat codec.PixelFormat
	filter   codec.ScaleFilter

	state    *readyState
	rebuilds int
}

// New returns a converter. device and hwFormat describe the decoder's
// hardware attachment and may be nil and PixelFormatNone.
func New(lib codec.Library, device codec.HWDevice, hwFormat codec.PixelFormat) *Converter {
	return &Converter{lib: lib, device: device, hwFormat: hwFormat, filter: codec.ScalePoint}
}

// Target resolves a requested shape against a frame: a native request takes
// the frame's dimensions, and the format is always OutputFormat.
func Target(want codec.VideoShape, f *codec.VideoFrame) codec.VideoShape {
	if want.Width <= 0 || want.Height <= 0 {
		return codec.VideoShape{Width: f.Width, Height: f.Height, Format: OutputFormat}
	}
	return codec.VideoShape{Width: want.Width, Height: want.Height, Format: OutputFormat}
}

// Convert returns f in the target shape. The result is either f itself or a
// frame owned by the converter, valid until the next call.
func (c *Converter) Convert(f *codec.VideoFrame, want codec.VideoShape) (*codec.VideoFrame, error) {
	if c.hwFormat != codec.PixelFormatNone && f.Format == c.hwFormat {
		if c.device == nil {
			return nil, errNoDevice
		}
		sw, err := c.device.Transfer(f)
		if err != nil {
			return nil, fmt.Errorf("transfer from %s: %w", c.device.Type(), err)
		}
		f = sw
	}

	dst := Target(want, f)
	src := f.Shape()
	if src == dst {
		return f, nil
	}

	k := key{src: src, dst: dst}
	if c.state == nil || c.state.key != k {
		if err := c.rebuild(k); err != nil {
			return nil, err
		}
	}
	out, err := c.state.scaler.Scale(f)
	if err != nil {
		return nil, fmt.Errorf("scale %s to %s: %w", src, dst, err)
	}
	return out, nil
}

func (c *Converter) rebuild(k key) error {
	c.Invalidate()
	s, err := c.lib.NewScaler(k.src, k.dst, c.filter)
	if err != nil {
		return fmt.Errorf("create scaler %s to %s: %w", k.src, k.dst, err)
	}
	c.state = &readyState{key: k, scaler: s}
	c.rebuilds++
	return nil
}

// Rebuilds returns how many scalers were built.
func (c *Converter) Rebuilds() int {
	return c.rebuilds
}

// Invalidate drops the current scaler so the next conversion rebuilds it.
func (c *Converter) Invalidate() {
	if c.state == nil {
		return
	}
	c.state.scaler.Close()
	c.state = nil
}

func (c *Converter) Close() error {
	if c.state == nil {
		return nil
	}
	err := c.state.scaler.Close()
	c.state = nil
	return err
}
