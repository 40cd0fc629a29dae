// Package codec defines the contracts between the relay pipeline and the
// media library that demuxes, decodes and scales for it.
//
// Two implementations exist: internal/av binds FFmpeg through cgo and
// internal/codec/synth generates deterministic streams in memory.
package codec

import "context"

// Library is the entry point of a media backend.
type Library interface {
	// OpenInput opens url. The call may block on the network; it returns
	// ErrExit once opts.Interrupt reports true.
	OpenInput(ctx context.Context, url string, opts InputOptions) (Container, error)
	// FindDecoder resolves a decoder for the stream's codec.
	FindDecoder(st *Stream) (DecoderInfo, error)
	NewHWDevice(typ HWDeviceType) (HWDevice, error)
	NewScaler(src, dst VideoShape, filter ScaleFilter) (Scaler, error)
}

// InputOptions are applied when opening an input.
type InputOptions struct {
	Transport Transport
	// Interrupt is polled during blocking I/O for the lifetime of the
	// container. Returning true aborts the pending call.
	Interrupt func() bool
}

// Container is an opened input.
type Container interface {
	FindStreamInfo() error
	// BestStream returns the preferred stream of the given media type or an
	// error wrapping ErrStreamNotFound.
	BestStream(media MediaType) (*Stream, error)
	// ReadPacket returns the next packet in arrival order, or io.EOF.
	ReadPacket() (*Packet, error)
	// IOError reports whether the underlying byte stream failed for good.
	IOError() bool
	Close() error
}

// DecoderInfo describes an available decoder before it is opened.
type DecoderInfo interface {
	Name() string
	HWConfigs() []HWConfig
	Open(st *Stream, cfg DecoderConfig) (Decoder, error)
}

// DecoderConfig carries the optional hardware attachment of a decoder.
type DecoderConfig struct {
	Device HWDevice
	// SelectFormat picks the output pixel format among those the decoder
	// offers. Returning PixelFormatNone rejects them all.
	SelectFormat func(offered []PixelFormat) PixelFormat
}

// Decoder follows the send/receive model: SendPacket may return ErrAgain
// while output is pending, the receive calls return ErrAgain when more input
// is needed and io.EOF once a flush (nil packet) has fully drained.
type Decoder interface {
	SendPacket(p *Packet) error
	ReceiveVideo() (*VideoFrame, error)
	ReceiveAudio() (*AudioFrame, error)
	Close() error
}

// HWDevice is an opened hardware acceleration device.
type HWDevice interface {
	Type() HWDeviceType
	// Transfer copies a hardware-resident frame into CPU memory.
	Transfer(f *VideoFrame) (*VideoFrame, error)
	Close() error
}

// Scaler converts frames of one shape into another. The returned frame is
// owned by the scaler and reused on the next call.
type Scaler interface {
	Scale(src *VideoFrame) (*VideoFrame, error)
	Close() error
}
