package source

import (
	"errors"
	"fmt"

	"github.com/muxable/framerelay/internal/codec"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrHWDeviceUnavailable wraps failures to create the hardware device.
var ErrHWDeviceUnavailable = errors.New("hardware device unavailable")

// DefaultHWCodecs are the codecs decoded on hardware when it is requested.
var DefaultHWCodecs = []string{"hevc"}

// Negotiator opens decoders for the streams of a container.
type Negotiator struct {
	Library codec.Library
	Logger  *zap.Logger

	// Device is the hardware device type to probe for; empty selects the
	// platform default.
	Device codec.HWDeviceType
	// Codecs lists the codec names eligible for hardware decode. "*"
	// matches every codec.
	Codecs []string
}

// DecodeContext is an opened decoder bound to its stream.
type DecodeContext struct {
	Stream  *codec.Stream
	Decoder codec.Decoder
	Device  codec.HWDevice

	// HWFormat is the pixel format of hardware-resident frames, or
	// PixelFormatNone for software decode.
	HWFormat codec.PixelFormat

	logger *zap.Logger
}

// Hardware reports whether the decoder outputs device-resident frames.
func (dc *DecodeContext) Hardware() bool {
	return dc.Device != nil
}

// selectFormat is installed as the decoder's format callback.
func (dc *DecodeContext) selectFormat(offered []codec.PixelFormat) codec.PixelFormat {
	for _, f := range offered {
		if f == dc.HWFormat {
			return f
		}
	}
	dc.logger.Error("failed to get hardware surface format", zap.Stringer("want", dc.HWFormat))
	return codec.PixelFormatNone
}

// Close releases the decoder, then the device.
func (dc *DecodeContext) Close() error {
	var err error
	if dc.Decoder != nil {
		err = multierr.Append(err, dc.Decoder.Close())
		dc.Decoder = nil
	}
	if dc.Device != nil {
		err = multierr.Append(err, dc.Device.Close())
		dc.Device = nil
	}
	return err
}

func (n *Negotiator) eligible(name string) bool {
	codecs := n.Codecs
	if len(codecs) == 0 {
		codecs = DefaultHWCodecs
	}
	for _, c := range codecs {
		if c == "*" || c == name {
			return true
		}
	}
	return false
}

func (n *Negotiator) device() codec.HWDeviceType {
	if n.Device == "" {
		return DefaultHWDevice
	}
	return n.Device
}

// OpenStream opens a decoder for the best stream of the given media type.
// With hardware set, eligible video codecs must support the configured
// device: the error then wraps codec.ErrHWConfigNotFound or
// ErrHWDeviceUnavailable and the caller may retry without hardware.
func (n *Negotiator) OpenStream(c codec.Container, media codec.MediaType, hardware bool) (*DecodeContext, error) {
	logger := n.Logger
	if logger == nil {
		logger = zap.L()
	}

	st, err := c.BestStream(media)
	if err != nil {
		return nil, err
	}
	info, err := n.Library.FindDecoder(st)
	if err != nil {
		return nil, fmt.Errorf("%s stream %d: %w", media, st.Index, err)
	}

	dc := &DecodeContext{
		Stream:   st,
		HWFormat: codec.PixelFormatNone,
		logger:   logger.With(zap.Stringer("media", media), zap.String("decoder", info.Name())),
	}
	var cfg codec.DecoderConfig
	if media == codec.MediaVideo && hardware && n.eligible(info.Name()) {
		typ := n.device()
		hw, ok := findHWConfig(info.HWConfigs(), typ)
		if !ok {
			return nil, fmt.Errorf("decoder %s does not support device %s: %w", info.Name(), typ, codec.ErrHWConfigNotFound)
		}
		dev, err := n.Library.NewHWDevice(typ)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrHWDeviceUnavailable, typ, err)
		}
		dc.Device = dev
		dc.HWFormat = hw.PixelFormat
		cfg.Device = dev
		cfg.SelectFormat = dc.selectFormat
	}

	dec, err := info.Open(st, cfg)
	if err != nil {
		if dc.Device != nil {
			err = multierr.Append(err, dc.Device.Close())
		}
		return nil, fmt.Errorf("open decoder %s: %w", info.Name(), err)
	}
	dc.Decoder = dec
	dc.logger.Info("decoder opened", zap.Bool("hardware", dc.Hardware()))
	return dc, nil
}

func findHWConfig(configs []codec.HWConfig, typ codec.HWDeviceType) (codec.HWConfig, bool) {
	for _, cfg := range configs {
		if cfg.Device == typ {
			return cfg, true
		}
	}
	return codec.HWConfig{}, false
}
