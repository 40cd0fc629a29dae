// Package relay decodes one live audio/video input and hands normalized,
// self-describing frames to a Sink.
//
// A Player runs at most one session at a time. Each session owns a demux
// goroutine feeding two bounded queues, and one decode goroutine per media
// type draining them:
//
//	demux ──► video queue ──► decode ─ discard ─ convert ─ pace ─ pack ──► Sink
//	      └─► audio queue ──► decode ─ pack ──────────────────────────────► Sink
//
// See internal/wire for the frame layout.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/muxable/framerelay/internal/codec"
	"github.com/muxable/framerelay/internal/events"
	"github.com/muxable/framerelay/internal/pacer"
	"github.com/muxable/framerelay/internal/queue"
	"github.com/muxable/framerelay/internal/source"
	"github.com/muxable/framerelay/internal/wire"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning    = errors.New("relay: a session is already running")
	ErrNoLibrary         = errors.New("relay: no media library configured")
	ErrNoURL             = errors.New("relay: no input url")
	ErrInvalidResolution = errors.New("relay: invalid resolution")
)

// State is the lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Transport = codec.Transport

const (
	TransportTCP = codec.TransportTCP
	TransportUDP = codec.TransportUDP
)

// Options are fixed for the lifetime of a session.
type Options struct {
	URL       string
	Transport Transport
	// Width and Height select the output size. A zero dimension or a size
	// missing from the resolution table keeps the source size.
	Width, Height int
	Hardware      bool
	// Retries is the number of extra open attempts.
	Retries int
}

// Config configures a Player. Only Library is required.
type Config struct {
	Library codec.Library
	Logger  *zap.Logger
	Clock   clock.Clock
	Bus     *events.Bus

	QueueCapacity int
	// DiscardEvery is N for the drop-every-Nth-frame policy.
	DiscardEvery int
	StallWindow  time.Duration
	RetryDelay   time.Duration

	HWDevice codec.HWDeviceType
	HWCodecs []string
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Player is the host-facing controller. All methods are safe for
// concurrent use, except that StopPlay must not be called from a Sink
// callback: it waits for the goroutine running that callback.
type Player struct {
	cfg     Config
	logger  *zap.Logger
	discard *pacer.Discarder

	sinkMu sync.RWMutex
	funcs  SinkFuncs
	sink   Sink

	shapeMu sync.Mutex
	shape   codec.VideoShape

	mu   sync.Mutex
	sess *session
}

func NewPlayer(cfg Config) *Player {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = queue.DefaultCapacity
	}
	if cfg.DiscardEvery <= 0 {
		cfg.DiscardEvery = pacer.DefaultDiscardEvery
	}
	if cfg.StallWindow == 0 {
		cfg.StallWindow = source.DefaultStallWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = source.DefaultRetryDelay
	}
	return &Player{
		cfg:     cfg,
		logger:  cfg.Logger,
		discard: pacer.NewDiscarder(cfg.DiscardEvery, true),
		sink:    SinkFuncs{},
	}
}

// SetSink replaces the frame and error receiver, including any callbacks
// set before.
func (p *Player) SetSink(s Sink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	if s == nil {
		s = SinkFuncs{}
	}
	p.sink = s
}

func (p *Player) SetSendDataCallback(f func(buf []byte)) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.funcs.Frame = f
	p.sink = p.funcs
}

func (p *Player) SetExceptionCallback(f func(code Code, msg string)) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.funcs.Error = f
	p.sink = p.funcs
}

func (p *Player) currentSink() Sink {
	p.sinkMu.RLock()
	defer p.sinkMu.RUnlock()
	return p.sink
}

// StartPlay starts a session and returns without waiting for the input to
// open; failures are reported through the sink.
func (p *Player) StartPlay(opts Options) error {
	if p.cfg.Library == nil {
		return ErrNoLibrary
	}
	if opts.URL == "" {
		return ErrNoURL
	}
	if opts.Retries < 0 {
		return fmt.Errorf("relay: negative retry budget %d", opts.Retries)
	}
	shape, err := parseShape(opts.Width, opts.Height)
	if err != nil {
		return err
	}
	if !shape.IsNative() && wire.ResolutionIndex(shape.Width, shape.Height) == wire.IndexUnknown {
		p.logger.Warn("unsupported output resolution, using source size", zap.Int("width", shape.Width), zap.Int("height", shape.Height))
		shape = codec.VideoShape{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.sess; s != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyRunning
		}
	}

	p.setShape(shape)
	p.discard.Reset()
	s := newSession(p, opts)
	p.sess = s
	s.logger.Info("starting session",
		zap.String("url", opts.URL),
		zap.Stringer("transport", opts.Transport),
		zap.Bool("hardware", opts.Hardware),
		zap.Int("retries", opts.Retries))
	s.start()
	return nil
}

// StopPlay stops the current session and returns once every goroutine has
// exited and all resources are released. It is a no-op without a session.
func (p *Player) StopPlay() error {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.stop()
}

// ChangeResolution changes the output size of the current and future
// sessions. A zero width or height selects the source size. Sizes outside
// the resolution table are honored and carry index -1 in the header.
func (p *Player) ChangeResolution(width, height int) error {
	shape, err := parseShape(width, height)
	if err != nil {
		return err
	}
	p.setShape(shape)
	p.logger.Info("output resolution changed", zap.Int("width", shape.Width), zap.Int("height", shape.Height))
	return nil
}

// SetFrameDiscard toggles the drop-every-Nth-frame policy.
func (p *Player) SetFrameDiscard(enabled bool) error {
	p.discard.SetEnabled(enabled)
	return nil
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return StateIdle
	}
	return State(p.sess.state.Load())
}

// Done is closed once the current session has fully shut down, whether it
// was stopped or ended on its own.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return closedChan
	}
	return p.sess.done
}

func (p *Player) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ""
	}
	return p.sess.id
}

func parseShape(width, height int) (codec.VideoShape, error) {
	if width < 0 || height < 0 {
		return codec.VideoShape{}, fmt.Errorf("%w: %dx%d", ErrInvalidResolution, width, height)
	}
	if width == 0 || height == 0 {
		return codec.VideoShape{}, nil
	}
	return codec.VideoShape{Width: width, Height: height, Format: codec.PixelFormatYUV420P}, nil
}

func (p *Player) setShape(s codec.VideoShape) {
	p.shapeMu.Lock()
	p.shape = s
	p.shapeMu.Unlock()
}

func (p *Player) targetShape() codec.VideoShape {
	p.shapeMu.Lock()
	defer p.shapeMu.Unlock()
	return p.shape
}
