package relay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muxable/framerelay/internal/codec"
	"github.com/muxable/framerelay/internal/codec/synth"
	"github.com/muxable/framerelay/internal/events"
	"github.com/muxable/framerelay/internal/wire"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type collector struct {
	mu     sync.Mutex
	frames [][]byte
	at     []time.Time
	codes  []Code
	msgs   []string

	onFrame func(h wire.Header)
}

func (c *collector) OnFrame(buf []byte) {
	b := append([]byte(nil), buf...)
	c.mu.Lock()
	c.frames = append(c.frames, b)
	c.at = append(c.at, time.Now())
	c.mu.Unlock()
	if c.onFrame != nil {
		h, err := wire.ParseHeader(b)
		if err == nil {
			c.onFrame(h)
		}
	}
}

func (c *collector) OnError(code Code, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
	c.msgs = append(c.msgs, msg)
}

type received struct {
	video, audio [][]byte
	videoAt      []time.Time
	codes        []Code
}

func (c *collector) snapshot(t *testing.T) received {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var r received
	for i, b := range c.frames {
		h, err := wire.ParseHeader(b)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		switch h.Media {
		case codec.MediaVideo:
			r.video = append(r.video, b)
			r.videoAt = append(r.videoAt, c.at[i])
		case codec.MediaAudio:
			r.audio = append(r.audio, b)
		}
	}
	r.codes = append(r.codes, c.codes...)
	return r
}

func count(codes []Code, code Code) int {
	n := 0
	for _, c := range codes {
		if c == code {
			n++
		}
	}
	return n
}

func newTestPlayer(t *testing.T, lib codec.Library, cfg Config) (*Player, *collector) {
	t.Helper()
	cfg.Library = lib
	cfg.Logger = zaptest.NewLogger(t)
	p := NewPlayer(cfg)
	c := &collector{}
	p.SetSink(c)
	return p, c
}

func waitDone(t *testing.T, p *Player, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(timeout):
		t.Fatalf("session did not finish within %s (state %s)", timeout, p.State())
	}
}

func stopAndCheck(t *testing.T, p *Player, lib *synth.Library) {
	t.Helper()
	if err := p.StopPlay(); err != nil {
		t.Fatalf("StopPlay: %v", err)
	}
	if live := lib.Live(); live.Total() != 0 {
		t.Errorf("live resources after stop: %+v", live)
	}
	if s := p.State(); s != StateStopped {
		t.Errorf("state = %s, want stopped", s)
	}
}

func TestPlayer_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		Video: &synth.VideoConfig{Width: 256, Height: 144, FrameRate: codec.Rational{Num: 25, Den: 1}, Packets: 100},
		Audio: &synth.AudioConfig{Packets: 50},
	})
	p, c := newTestPlayer(t, lib, Config{})
	p.SetFrameDiscard(false)

	if err := p.StartPlay(Options{URL: "rtsp://camera/stream"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 15*time.Second)
	stopAndCheck(t, p, lib)

	r := c.snapshot(t)
	if len(r.video) != 100 {
		t.Errorf("got %d video frames, want 100", len(r.video))
	}
	if len(r.audio) != 50 {
		t.Errorf("got %d audio frames, want 50", len(r.audio))
	}
	if len(r.codes) != 1 || r.codes[0] != CodeEndOfStream {
		t.Errorf("got errors %v, want only end of stream", r.codes)
	}

	interval := 40 * time.Millisecond
	for k := 1; k < len(r.videoAt); k++ {
		if d := r.videoAt[k].Sub(r.videoAt[0]); d < time.Duration(k)*interval-time.Millisecond {
			t.Fatalf("video frame %d emitted %s after the first, want at least %s", k, d, time.Duration(k)*interval)
		}
	}

	for k, b := range r.video {
		h, _ := wire.ParseHeader(b)
		if h.Resolution != 0 {
			t.Fatalf("frame %d: resolution index %d, want 0", k, h.Resolution)
		}
		if want := uint32(k * 40); h.PTS != want {
			t.Fatalf("frame %d: pts %d, want %d", k, h.PTS, want)
		}
		if len(b) != wire.HeaderSize+wire.VideoSize(256, 144) {
			t.Fatalf("frame %d: %d bytes", k, len(b))
		}
	}
	if lib.ScalerBuilds() != 0 {
		t.Errorf("built %d scalers for native yuv420p", lib.ScalerBuilds())
	}
}

func TestPlayer_FrameDiscard(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		Video: &synth.VideoConfig{Width: 256, Height: 144, FrameRate: codec.Rational{Num: 100, Den: 1}, Packets: 20},
	})
	p, c := newTestPlayer(t, lib, Config{})

	if err := p.StartPlay(Options{URL: "rtsp://camera/stream"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 5*time.Second)
	stopAndCheck(t, p, lib)

	r := c.snapshot(t)
	if len(r.video) != 10 {
		t.Errorf("got %d video frames with discard on, want 10", len(r.video))
	}
	for k, b := range r.video {
		h, _ := wire.ParseHeader(b)
		// Even packets survive: the second of every pair is dropped.
		if want := uint32(20 * k); h.PTS != want {
			t.Errorf("frame %d: pts %d, want %d", k, h.PTS, want)
		}
	}
}

func TestPlayer_StopDuringOpen(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		BlockOpen: true,
		Video:     &synth.VideoConfig{Packets: 10},
	})
	p, c := newTestPlayer(t, lib, Config{})

	if err := p.StartPlay(Options{URL: "rtsp://camera/stream", Retries: 3}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- p.StopPlay() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StopPlay did not return while the input was opening")
	}

	if live := lib.Live(); live.Total() != 0 {
		t.Errorf("live resources after stop: %+v", live)
	}
	r := c.snapshot(t)
	if len(r.video)+len(r.audio) != 0 || len(r.codes) != 0 {
		t.Errorf("got %d frames and errors %v after a stop during open", len(r.video)+len(r.audio), r.codes)
	}
	if err := p.StopPlay(); err != nil {
		t.Errorf("second StopPlay: %v", err)
	}
}

func TestPlayer_OpenFailure(t *testing.T) {
	lib := synth.New(synth.Config{
		OpenFailures: 100,
		Video:        &synth.VideoConfig{Packets: 10},
	})
	bus := events.New()
	states := make(chan events.StateChanged, 16)
	defer bus.OnStateChanged(func(e events.StateChanged) { states <- e })()

	p, c := newTestPlayer(t, lib, Config{Bus: bus})
	if err := p.StartPlay(Options{URL: "rtsp://camera/stream", Retries: 2}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	if n := lib.Opens(); n != 3 {
		t.Errorf("made %d open attempts, want 3", n)
	}
	r := c.snapshot(t)
	if len(r.codes) != 1 || r.codes[0] != CodeOpenFailure {
		t.Errorf("got errors %v, want one open failure", r.codes)
	}

	for {
		select {
		case e := <-states:
			if e.To == StateRunning.String() {
				t.Fatalf("session reached running: %+v", e)
			}
			if e.To == StateStopped.String() {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no stopped transition published")
		}
	}
}

func TestPlayer_AudioOnly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		Audio: &synth.AudioConfig{Packets: 10},
	})
	p, c := newTestPlayer(t, lib, Config{})
	if err := p.StartPlay(Options{URL: "rtsp://mic/stream"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	r := c.snapshot(t)
	if len(r.video) != 0 || len(r.audio) != 10 {
		t.Fatalf("got %d video and %d audio frames, want 0 and 10", len(r.video), len(r.audio))
	}
	h, _ := wire.ParseHeader(r.audio[1])
	if h.BytesPerSample != 1 || h.Channels != 2 || h.SampleRate != 5 {
		t.Errorf("header %+v", h)
	}
	if h.PTS != 21 {
		t.Errorf("pts %d, want 21", h.PTS)
	}
	if len(r.audio[1]) != wire.HeaderSize+1024*2 {
		t.Errorf("audio frame is %d bytes", len(r.audio[1]))
	}
	if count(r.codes, CodeStreamNotFound) != 0 {
		t.Errorf("missing video reported: %v", r.codes)
	}
}

func TestPlayer_NoStreams(t *testing.T) {
	lib := synth.New(synth.Config{})
	p, c := newTestPlayer(t, lib, Config{})
	if err := p.StartPlay(Options{URL: "rtsp://empty"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	if r := c.snapshot(t); len(r.codes) != 1 || r.codes[0] != CodeStreamNotFound {
		t.Errorf("got errors %v, want one stream not found", r.codes)
	}
}

func TestPlayer_StallTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		StallAfter: 5,
		Video:      &synth.VideoConfig{Width: 256, Height: 144, FrameRate: codec.Rational{Num: 100, Den: 1}, Packets: 20},
	})
	p, c := newTestPlayer(t, lib, Config{StallWindow: 100 * time.Millisecond})
	p.SetFrameDiscard(false)
	if err := p.StartPlay(Options{URL: "rtsp://camera/stream"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	r := c.snapshot(t)
	if len(r.video) != 5 {
		t.Errorf("got %d frames before the stall, want 5", len(r.video))
	}
	if len(r.codes) != 1 || r.codes[0] != CodeStallTimeout {
		t.Errorf("got errors %v, want one stall timeout", r.codes)
	}
}

func TestPlayer_ReadFailures(t *testing.T) {
	tests := []struct {
		name      string
		cfg       synth.Config
		frames    int
		wantCodes []Code
	}{
		{
			name:      "transient",
			cfg:       synth.Config{ReadFailures: map[int]int{3: 4}},
			frames:    8,
			wantCodes: []Code{CodeReadFailure, CodeEndOfStream},
		},
		{
			name:      "persistent",
			cfg:       synth.Config{FailAfter: 5},
			frames:    5,
			wantCodes: []Code{CodeReadFailure},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			tt.cfg.Video = &synth.VideoConfig{Width: 256, Height: 144, FrameRate: codec.Rational{Num: 100, Den: 1}, Packets: 8}
			lib := synth.New(tt.cfg)
			p, c := newTestPlayer(t, lib, Config{})
			p.SetFrameDiscard(false)
			if err := p.StartPlay(Options{URL: "rtsp://camera/stream"}); err != nil {
				t.Fatal(err)
			}
			waitDone(t, p, 2*time.Second)
			stopAndCheck(t, p, lib)

			r := c.snapshot(t)
			if len(r.video) != tt.frames {
				t.Errorf("got %d frames, want %d", len(r.video), tt.frames)
			}
			if len(r.codes) != len(tt.wantCodes) {
				t.Fatalf("got errors %v, want %v", r.codes, tt.wantCodes)
			}
			for i := range tt.wantCodes {
				if r.codes[i] != tt.wantCodes[i] {
					t.Fatalf("got errors %v, want %v", r.codes, tt.wantCodes)
				}
			}
		})
	}
}

func TestPlayer_Timestamps(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		Video: &synth.VideoConfig{
			Width: 256, Height: 144,
			FrameRate: codec.Rational{Num: 100, Den: 1},
			TimeBase:  codec.Rational{Num: 1, Den: 1000},
			Packets:   4,
			PTS: func(i int) int64 {
				switch i {
				case 0:
					return codec.NoPTS
				case 1:
					return -40
				}
				return int64(i * 10)
			},
		},
	})
	p, c := newTestPlayer(t, lib, Config{})
	p.SetFrameDiscard(false)
	if err := p.StartPlay(Options{URL: "rtsp://camera/stream"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	r := c.snapshot(t)
	if len(r.video) != 3 {
		t.Fatalf("got %d frames, want 3 with the negative pts dropped", len(r.video))
	}
	for i, want := range []uint32{0, 20, 30} {
		h, _ := wire.ParseHeader(r.video[i])
		if h.PTS != want {
			t.Errorf("frame %d: pts %d, want %d", i, h.PTS, want)
		}
	}
}

func TestPlayer_ChangeResolutionFromCallback(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		Video: &synth.VideoConfig{Width: 640, Height: 360, FrameRate: codec.Rational{Num: 100, Den: 1}, Packets: 6},
	})
	p, c := newTestPlayer(t, lib, Config{})
	p.SetFrameDiscard(false)
	var once sync.Once
	c.onFrame = func(h wire.Header) {
		once.Do(func() {
			if err := p.ChangeResolution(256, 144); err != nil {
				t.Error(err)
			}
		})
	}
	if err := p.StartPlay(Options{URL: "rtsp://camera/stream"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	r := c.snapshot(t)
	if len(r.video) != 6 {
		t.Fatalf("got %d frames, want 6", len(r.video))
	}
	for i, b := range r.video {
		h, _ := wire.ParseHeader(b)
		want, size := 0, wire.VideoSize(256, 144)
		if i == 0 {
			want, size = 1, wire.VideoSize(640, 360)
		}
		if h.Resolution != want || len(b) != wire.HeaderSize+size {
			t.Errorf("frame %d: resolution %d with %d bytes", i, h.Resolution, len(b))
		}
	}
	if n := lib.ScalerBuilds(); n != 1 {
		t.Errorf("built %d scalers, want 1", n)
	}
}

func TestPlayer_ChangeResolutionLatestWins(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		Video: &synth.VideoConfig{Width: 640, Height: 360, FrameRate: codec.Rational{Num: 100, Den: 1}, Packets: 4},
	})
	p, c := newTestPlayer(t, lib, Config{})
	p.SetFrameDiscard(false)
	var once sync.Once
	c.onFrame = func(h wire.Header) {
		once.Do(func() {
			for _, r := range [][2]int{{1280, 720}, {800, 600}, {320, 240}} {
				if err := p.ChangeResolution(r[0], r[1]); err != nil {
					t.Error(err)
				}
			}
		})
	}
	if err := p.StartPlay(Options{URL: "rtsp://camera/stream"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	r := c.snapshot(t)
	if len(r.video) != 4 {
		t.Fatalf("got %d frames, want 4", len(r.video))
	}
	for i, b := range r.video[1:] {
		if b[1] != 0xFF {
			t.Errorf("frame %d: resolution byte %#x, want 0xff", i+1, b[1])
		}
		if n := len(b) - wire.HeaderSize; n != 115200 {
			t.Errorf("frame %d: %d payload bytes, want 115200", i+1, n)
		}
	}
}

func TestPlayer_StartUnlistedResolution(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		Video: &synth.VideoConfig{Width: 256, Height: 144, FrameRate: codec.Rational{Num: 100, Den: 1}, Packets: 2},
	})
	p, c := newTestPlayer(t, lib, Config{})
	p.SetFrameDiscard(false)
	if err := p.StartPlay(Options{URL: "rtsp://camera/stream", Width: 320, Height: 240}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	for i, b := range c.snapshot(t).video {
		if b[1] != 0 || len(b) != wire.HeaderSize+wire.VideoSize(256, 144) {
			t.Errorf("frame %d: resolution byte %#x with %d bytes, want native", i, b[1], len(b))
		}
	}
	if lib.ScalerBuilds() != 0 {
		t.Errorf("built %d scalers", lib.ScalerBuilds())
	}
}

func TestPlayer_Hardware(t *testing.T) {
	hevc := &synth.VideoConfig{
		Codec: "hevc", Width: 256, Height: 144,
		FrameRate: codec.Rational{Num: 100, Den: 1},
		Packets:   4,
		HWConfigs: []codec.HWConfig{{Device: synth.DeviceType, PixelFormat: synth.HWFormat}},
	}
	tests := []struct {
		name     string
		devices  []codec.HWDeviceType
		scalers  int
		hardware bool
	}{
		{name: "accelerated", scalers: 1, hardware: true},
		{name: "device unavailable", devices: []codec.HWDeviceType{"cuda"}, scalers: 0, hardware: true},
		{name: "software requested", scalers: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			lib := synth.New(synth.Config{Video: hevc, HWDevices: tt.devices})
			p, c := newTestPlayer(t, lib, Config{HWDevice: synth.DeviceType})
			p.SetFrameDiscard(false)
			if err := p.StartPlay(Options{URL: "rtsp://camera/stream", Hardware: tt.hardware}); err != nil {
				t.Fatal(err)
			}
			waitDone(t, p, 2*time.Second)
			stopAndCheck(t, p, lib)

			r := c.snapshot(t)
			if len(r.video) != 4 {
				t.Errorf("got %d frames, want 4", len(r.video))
			}
			if n := lib.ScalerBuilds(); n != tt.scalers {
				t.Errorf("built %d scalers, want %d", n, tt.scalers)
			}
			if len(r.codes) != 1 || r.codes[0] != CodeEndOfStream {
				t.Errorf("got errors %v", r.codes)
			}
		})
	}
}

func TestPlayer_CorruptPacket(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{
		Video: &synth.VideoConfig{Width: 256, Height: 144, FrameRate: codec.Rational{Num: 100, Den: 1}, Packets: 5, Corrupt: []int{2}},
	})
	p, c := newTestPlayer(t, lib, Config{})
	p.SetFrameDiscard(false)
	if err := p.StartPlay(Options{URL: "rtsp://camera/stream"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, 2*time.Second)
	stopAndCheck(t, p, lib)

	r := c.snapshot(t)
	if len(r.video) != 4 {
		t.Errorf("got %d frames, want 4", len(r.video))
	}
	if count(r.codes, CodeDecodeFailure) != 1 || count(r.codes, CodeEndOfStream) != 1 {
		t.Errorf("got errors %v", r.codes)
	}
}

func TestPlayer_StartTwice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lib := synth.New(synth.Config{BlockOpen: true, Video: &synth.VideoConfig{Packets: 1}})
	p, _ := newTestPlayer(t, lib, Config{})

	if err := p.StartPlay(Options{URL: "rtsp://a"}); err != nil {
		t.Fatal(err)
	}
	first := p.SessionID()
	if err := p.StartPlay(Options{URL: "rtsp://b"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second StartPlay: %v, want ErrAlreadyRunning", err)
	}
	stopAndCheck(t, p, lib)

	if err := p.StartPlay(Options{URL: "rtsp://b"}); err != nil {
		t.Fatalf("StartPlay after stop: %v", err)
	}
	if p.SessionID() == first {
		t.Error("session id reused")
	}
	stopAndCheck(t, p, lib)
}

func TestPlayer_Validation(t *testing.T) {
	if err := NewPlayer(Config{}).StartPlay(Options{URL: "rtsp://a"}); !errors.Is(err, ErrNoLibrary) {
		t.Errorf("without library: %v", err)
	}

	lib := synth.New(synth.Config{})
	p, _ := newTestPlayer(t, lib, Config{})
	if err := p.StartPlay(Options{}); !errors.Is(err, ErrNoURL) {
		t.Errorf("without url: %v", err)
	}
	if err := p.ChangeResolution(-1, 5); !errors.Is(err, ErrInvalidResolution) {
		t.Errorf("negative resolution: %v", err)
	}
	if err := p.ChangeResolution(333, 333); err != nil {
		t.Errorf("unlisted resolution: %v", err)
	}
	if s := p.targetShape(); s.Width != 333 || s.Height != 333 {
		t.Errorf("unlisted resolution stored as %s", s)
	}
	if err := p.ChangeResolution(0, 720); err != nil {
		t.Errorf("zero width: %v", err)
	}
	if s := p.targetShape(); !s.IsNative() {
		t.Errorf("0x720 stored as %s, want native", s)
	}
	if err := p.ChangeResolution(1280, 0); err != nil || !p.targetShape().IsNative() {
		t.Errorf("zero height: %v, shape %s", err, p.targetShape())
	}
	if err := p.StartPlay(Options{URL: "rtsp://a", Retries: -1}); err == nil {
		t.Error("negative retries accepted")
	}

	if p.State() != StateIdle {
		t.Errorf("state %s, want idle", p.State())
	}
	if err := p.StopPlay(); err != nil {
		t.Errorf("StopPlay without session: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Error("Done not closed without a session")
	}
}
