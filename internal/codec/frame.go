package codec

// Packet is one compressed unit. Ownership moves with the pointer: whoever
// holds it last calls Release.
type Packet struct {
	Media       MediaType
	StreamIndex int
	PTS         int64
	DTS         int64
	Data        []byte

	// Native is the backend's packet handle.
	Native any

	release func()
}

// OnRelease registers f to run when the packet is released.
func (p *Packet) OnRelease(f func()) {
	p.release = f
}

// Release frees backend resources held by the packet. It is safe to call on
// a nil packet and more than once.
func (p *Packet) Release() {
	if p == nil || p.release == nil {
		return
	}
	f := p.release
	p.release = nil
	f()
}

// VideoFrame is a decoded picture. Frames handed out by a Decoder, HWDevice
// or Scaler stay valid until the next call on the same object.
type VideoFrame struct {
	Width   int
	Height  int
	Format  PixelFormat
	PTS     int64
	Planes  [][]byte
	Strides []int

	// Native is the backend's frame handle. Hardware-resident frames carry
	// no Planes and can only be reached through it.
	Native any
}

func (f *VideoFrame) Shape() VideoShape {
	return VideoShape{Width: f.Width, Height: f.Height, Format: f.Format}
}

// AudioFrame is a block of decoded samples. Data holds one slice per channel
// for planar formats and a single interleaved slice otherwise.
type AudioFrame struct {
	Samples    int
	Format     SampleFormat
	Channels   int
	SampleRate int
	PTS        int64
	Data       [][]byte

	Native any
}
