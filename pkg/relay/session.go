package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/muxable/framerelay/internal/codec"
	"github.com/muxable/framerelay/internal/convert"
	"github.com/muxable/framerelay/internal/events"
	"github.com/muxable/framerelay/internal/metrics"
	"github.com/muxable/framerelay/internal/pacer"
	"github.com/muxable/framerelay/internal/queue"
	"github.com/muxable/framerelay/internal/source"
	"github.com/muxable/framerelay/internal/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type session struct {
	id      string
	p       *Player
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	// stopRequested silences the sink once the host asked to stop.
	stopRequested atomic.Bool
	stopOnce      sync.Once
	state         atomic.Int32

	audioQ *queue.Queue
	videoQ *queue.Queue

	demuxDone chan struct{}
	audioDone chan struct{}
	videoDone chan struct{}
	done      chan struct{}

	// Set by the demux goroutine before the first packet is queued.
	input *source.Input
	audio *source.DecodeContext
	video *source.DecodeContext

	// Owned by the video goroutine.
	conv *convert.Converter

	releaseErr error
}

func newSession(p *Player, opts Options) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:        id,
		p:         p,
		opts:      opts,
		logger:    p.logger.With(zap.String("session", id)),
		metrics:   metrics.For(id),
		ctx:       ctx,
		cancel:    cancel,
		audioQ:    queue.New(p.cfg.QueueCapacity),
		videoQ:    queue.New(p.cfg.QueueCapacity),
		demuxDone: make(chan struct{}),
		audioDone: make(chan struct{}),
		videoDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *session) start() {
	s.transition(StateStarting)
	go s.demux()
	go s.runAudio()
	go s.runVideo()
	go s.supervise()
}

// transition moves the state forward; it never goes back.
func (s *session) transition(to State) {
	for {
		from := State(s.state.Load())
		if from >= to {
			return
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.logger.Info("session state changed", zap.Stringer("from", from), zap.Stringer("to", to))
			s.p.cfg.Bus.Publish(events.StateChanged{Session: s.id, From: from.String(), To: to.String()})
			return
		}
	}
}

func (s *session) stopQueues() {
	s.audioQ.Stop()
	s.videoQ.Stop()
}

// shutdown tears the session down from the inside after a fatal error.
func (s *session) shutdown() {
	s.cancel()
	s.stopQueues()
}

func (s *session) stop() error {
	first := false
	s.stopOnce.Do(func() {
		first = true
		s.stopRequested.Store(true)
		s.transition(StateStopping)
		s.cancel()
		s.stopQueues()
	})
	<-s.done
	if !first {
		return nil
	}
	return s.releaseErr
}

// supervise joins the decode goroutines, then the demuxer, and releases
// everything they owned.
func (s *session) supervise() {
	<-s.audioDone
	<-s.videoDone
	<-s.demuxDone

	s.releaseErr = s.release()
	if s.releaseErr != nil {
		s.logger.Error("failed to release session resources", zap.Error(s.releaseErr))
	}
	s.transition(StateStopped)
	s.cancel()
	close(s.done)
}

func (s *session) release() error {
	s.audioQ.Drain()
	s.videoQ.Drain()

	var err error
	if s.conv != nil {
		err = multierr.Append(err, s.conv.Close())
	}
	if s.video != nil {
		err = multierr.Append(err, s.video.Close())
	}
	if s.audio != nil {
		err = multierr.Append(err, s.audio.Close())
	}
	if s.input != nil {
		err = multierr.Append(err, s.input.Close())
	}
	s.metrics.Delete()
	return err
}

func (s *session) report(code Code, err error) {
	if s.stopRequested.Load() {
		return
	}
	msg := err.Error()
	s.logger.Warn("session error", zap.Stringer("code", code), zap.Error(err))
	s.metrics.Error(code.String())
	s.p.cfg.Bus.Publish(events.ErrorRaised{Session: s.id, Code: int(code), Message: msg})
	s.p.currentSink().OnError(code, msg)
}

func (s *session) deliver(media codec.MediaType, buf []byte) {
	if s.stopRequested.Load() {
		return
	}
	s.p.currentSink().OnFrame(buf)
	s.metrics.FrameEmitted(media.String())
}

func (s *session) sleep(d time.Duration) {
	t := s.p.cfg.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

func (s *session) demux() {
	defer close(s.demuxDone)
	defer s.transition(StateStopping)
	defer s.stopQueues()

	opener := &source.Opener{
		Library:     s.p.cfg.Library,
		Clock:       s.p.cfg.Clock,
		Logger:      s.logger,
		Retries:     s.opts.Retries,
		RetryDelay:  s.p.cfg.RetryDelay,
		StallWindow: s.p.cfg.StallWindow,
		OnAttempt:   func(int) { s.metrics.OpenAttempt() },
	}
	in, err := opener.Open(s.ctx, s.opts.URL, s.opts.Transport)
	if err != nil {
		s.report(CodeOpenFailure, err)
		return
	}
	s.input = in

	if !s.negotiate() {
		return
	}
	s.transition(StateRunning)
	s.readLoop()
}

// negotiate opens a decoder per media type. It returns false when the
// session cannot continue.
func (s *session) negotiate() bool {
	n := &source.Negotiator{
		Library: s.p.cfg.Library,
		Logger:  s.logger,
		Device:  s.p.cfg.HWDevice,
		Codecs:  s.p.cfg.HWCodecs,
	}
	for _, media := range []codec.MediaType{codec.MediaVideo, codec.MediaAudio} {
		dc, err := s.openStream(n, media)
		switch {
		case err == nil:
		case errors.Is(err, codec.ErrStreamNotFound), errors.Is(err, codec.ErrDecoderNotFound):
			s.logger.Warn("stream unavailable", zap.Stringer("media", media), zap.Error(err))
		case errors.Is(err, codec.ErrNoMemory):
			s.report(CodeResourceExhaustion, err)
			return false
		default:
			s.report(CodeDecodeFailure, err)
		}
		if media == codec.MediaVideo {
			s.video = dc
		} else {
			s.audio = dc
		}
	}

	if s.video == nil && s.audio == nil {
		s.report(CodeStreamNotFound, fmt.Errorf("%s: no audio or video stream", s.opts.URL))
		return false
	}
	if s.video == nil {
		s.videoQ.Stop()
	}
	if s.audio == nil {
		s.audioQ.Stop()
	}
	return true
}

// openStream falls back to software decode when the hardware path is not
// available for the stream.
func (s *session) openStream(n *source.Negotiator, media codec.MediaType) (*source.DecodeContext, error) {
	hw := media == codec.MediaVideo && s.opts.Hardware
	dc, err := n.OpenStream(s.input, media, hw)
	if hw && (errors.Is(err, codec.ErrHWConfigNotFound) || errors.Is(err, source.ErrHWDeviceUnavailable)) {
		s.logger.Warn("hardware decode unavailable, using software", zap.Error(err))
		dc, err = n.OpenStream(s.input, media, false)
	}
	return dc, err
}

func (s *session) readLoop() {
	outage := false
	for s.ctx.Err() == nil {
		pkt, err := s.input.ReadPacket()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("read %s: %w", s.opts.URL, err)
			switch {
			case errors.Is(err, io.EOF):
				s.report(CodeEndOfStream, err)
				s.flush()
				return
			case errors.Is(err, source.ErrStallTimeout):
				s.report(CodeStallTimeout, err)
				s.flush()
				return
			case errors.Is(err, codec.ErrNoMemory):
				s.report(CodeResourceExhaustion, err)
				s.shutdown()
				return
			case s.input.IOError():
				s.report(CodeReadFailure, err)
				s.flush()
				return
			}
			if !outage {
				s.report(CodeReadFailure, err)
				outage = true
			}
			s.sleep(s.p.cfg.RetryDelay)
			continue
		}
		outage = false
		s.route(pkt)
	}
}

func (s *session) route(pkt *codec.Packet) {
	var q *queue.Queue
	switch {
	case s.video != nil && pkt.StreamIndex == s.video.Stream.Index:
		q = s.videoQ
	case s.audio != nil && pkt.StreamIndex == s.audio.Stream.Index:
		q = s.audioQ
	default:
		pkt.Release()
		return
	}
	if !q.Put(pkt) {
		pkt.Release()
		return
	}
	s.metrics.QueueDepth(pkt.Media.String(), q.Len())
}

// flush asks both decoders to drain before the queues close.
func (s *session) flush() {
	if s.video != nil {
		s.videoQ.Put(nil)
	}
	if s.audio != nil {
		s.audioQ.Put(nil)
	}
}

// decode sends pkt (nil to flush) and drains the decoder. It returns false
// when the goroutine must exit.
func (s *session) decode(dc *source.DecodeContext, pkt *codec.Packet, drain func() bool) bool {
	defer pkt.Release()

	err := dc.Decoder.SendPacket(pkt)
	if errors.Is(err, codec.ErrAgain) {
		if !drain() {
			return false
		}
		err = dc.Decoder.SendPacket(pkt)
	}
	if err != nil {
		return s.decodeError(dc.Stream.Media, err)
	}
	return drain()
}

func (s *session) decodeError(media codec.MediaType, err error) bool {
	err = fmt.Errorf("decode %s: %w", media, err)
	if errors.Is(err, codec.ErrNoMemory) {
		s.report(CodeResourceExhaustion, err)
		s.shutdown()
		return false
	}
	s.report(CodeDecodeFailure, err)
	return true
}

func (s *session) runVideo() {
	defer close(s.videoDone)
	defer s.videoQ.Stop()

	var (
		pk   wire.VideoPacketizer
		pace *pacer.Pacer
	)
	for {
		pkt, ok := s.videoQ.Get()
		if !ok {
			s.logger.Debug("video decode loop exited")
			return
		}
		if s.ctx.Err() != nil {
			pkt.Release()
			continue
		}
		dc := s.video
		if pace == nil {
			pace = pacer.New(s.p.cfg.Clock, dc.Stream.FrameRate)
			s.conv = convert.New(s.p.cfg.Library, dc.Device, dc.HWFormat)
		}
		if !s.decode(dc, pkt, func() bool { return s.drainVideo(dc, &pk) }) {
			return
		}
		if pkt != nil {
			if err := pace.Wait(s.ctx); err != nil {
				s.logger.Debug("pacing interrupted", zap.Error(err))
			}
		}
	}
}

func (s *session) drainVideo(dc *source.DecodeContext, pk *wire.VideoPacketizer) bool {
	for {
		f, err := dc.Decoder.ReceiveVideo()
		if errors.Is(err, codec.ErrAgain) || errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			return s.decodeError(codec.MediaVideo, err)
		}
		if !s.emitVideo(dc, pk, f) {
			return false
		}
	}
}

func (s *session) emitVideo(dc *source.DecodeContext, pk *wire.VideoPacketizer, f *codec.VideoFrame) bool {
	if s.p.discard.Drop() {
		s.metrics.FrameDiscarded()
		return true
	}
	ms, ok := wire.PTSMillis(f.PTS, dc.Stream.TimeBase)
	if !ok {
		s.metrics.FrameDropped("video", metrics.ReasonNegativePTS)
		return true
	}

	before := s.conv.Rebuilds()
	out, err := s.conv.Convert(f, s.p.targetShape())
	if s.conv.Rebuilds() != before {
		s.metrics.ScalerRebuilt()
	}
	if err == nil {
		var buf []byte
		if buf, err = pk.Pack(out, ms); err == nil {
			s.deliver(codec.MediaVideo, buf)
			return true
		}
	}
	if errors.Is(err, codec.ErrNoMemory) {
		s.report(CodeResourceExhaustion, err)
		s.shutdown()
		return false
	}
	s.report(CodeConversionFailure, err)
	s.metrics.FrameDropped("video", metrics.ReasonConversion)
	return true
}

func (s *session) runAudio() {
	defer close(s.audioDone)
	defer s.audioQ.Stop()

	var pk wire.AudioPacketizer
	for {
		pkt, ok := s.audioQ.Get()
		if !ok {
			s.logger.Debug("audio decode loop exited")
			return
		}
		if s.ctx.Err() != nil {
			pkt.Release()
			continue
		}
		dc := s.audio
		if !s.decode(dc, pkt, func() bool { return s.drainAudio(dc, &pk) }) {
			return
		}
	}
}

func (s *session) drainAudio(dc *source.DecodeContext, pk *wire.AudioPacketizer) bool {
	for {
		f, err := dc.Decoder.ReceiveAudio()
		if errors.Is(err, codec.ErrAgain) || errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			return s.decodeError(codec.MediaAudio, err)
		}
		ms, ok := wire.PTSMillis(f.PTS, dc.Stream.TimeBase)
		if !ok {
			s.metrics.FrameDropped("audio", metrics.ReasonNegativePTS)
			continue
		}
		buf, err := pk.Pack(f, ms)
		if err != nil {
			s.report(CodeConversionFailure, err)
			s.metrics.FrameDropped("audio", metrics.ReasonConversion)
			continue
		}
		s.deliver(codec.MediaAudio, buf)
	}
}
