package egress

import (
	"errors"
	"io"
	"sync"

	"github.com/muxable/framerelay/internal/codec"
	"github.com/muxable/framerelay/internal/wire"
	"github.com/muxable/framerelay/pkg/relay"
	"github.com/pion/rtp"
	"github.com/pion/rtpio/pkg/rtpio"
	"go.uber.org/zap"
)

// RTP clock ticks per wire millisecond.
const (
	videoTicksPerMs = 90
	audioTicksPerMs = 48
)

// RTPConfig configures an RTPSender. Audio uses PayloadType+1 and SSRC+1.
type RTPConfig struct {
	MTU         uint16
	PayloadType uint8
	SSRC        uint32
}

func (c RTPConfig) withDefaults() RTPConfig {
	if c.MTU <= rtpHeaderSize {
		c.MTU = 1200
	}
	if c.PayloadType == 0 {
		c.PayloadType = 96
	}
	return c
}

// RTPSender writes every relay frame as a run of RTP packets. The whole
// frame, header included, is the payload; the RTP timestamp is derived from
// its pts.
type RTPSender struct {
	logger *zap.Logger

	mu    sync.Mutex
	w     rtpio.RTPWriter
	video *packetizer
	audio *packetizer
}

var _ relay.Sink = (*RTPSender)(nil)

func NewRTPSender(w io.Writer, cfg RTPConfig, logger *zap.Logger) *RTPSender {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.L()
	}
	return &RTPSender{
		logger: logger,
		w:      rtpio.NewRTPWriter(w),
		video:  newPacketizer(cfg.MTU, cfg.PayloadType, cfg.SSRC, chunkPayloader{}, rtp.NewRandomSequencer()),
		audio:  newPacketizer(cfg.MTU, cfg.PayloadType+1, cfg.SSRC+1, chunkPayloader{}, rtp.NewRandomSequencer()),
	}
}

func (s *RTPSender) OnFrame(buf []byte) {
	if err := s.send(buf); err != nil {
		s.logger.Warn("failed to send rtp frame", zap.Error(err))
	}
}

func (s *RTPSender) send(buf []byte) error {
	h, err := wire.ParseHeader(buf)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var packets []*rtp.Packet
	if h.Media == codec.MediaVideo {
		packets = s.video.Packetize(buf, h.PTS*videoTicksPerMs)
	} else {
		packets = s.audio.Packetize(buf, h.PTS*audioTicksPerMs)
	}
	for _, p := range packets {
		if err := s.w.WriteRTP(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *RTPSender) OnError(code relay.Code, msg string) {
	s.logger.Debug("relay error", zap.Stringer("code", code), zap.String("message", msg))
}

var ErrSequenceGap = errors.New("egress: rtp sequence gap")

type partial struct {
	seq      uint16
	started  bool
	skipping bool
	buf      []byte
}

// Reassembler rebuilds relay frames from RTPSender packets, one run per
// SSRC. A frame with a missing packet is discarded.
type Reassembler struct {
	streams map[uint32]*partial
}

func NewReassembler() *Reassembler {
	return &Reassembler{streams: make(map[uint32]*partial)}
}

// Push adds a packet and returns the frame once its last packet arrived.
// After ErrSequenceGap the rest of the broken frame is skipped.
func (r *Reassembler) Push(p *rtp.Packet) ([]byte, error) {
	st, ok := r.streams[p.SSRC]
	if !ok {
		st = &partial{}
		r.streams[p.SSRC] = st
	}
	if st.started && p.SequenceNumber != st.seq+1 {
		st.buf = st.buf[:0]
		st.seq = p.SequenceNumber
		st.skipping = !p.Marker
		return nil, ErrSequenceGap
	}
	st.started = true
	st.seq = p.SequenceNumber
	if st.skipping {
		st.skipping = !p.Marker
		return nil, nil
	}
	st.buf = append(st.buf, p.Payload...)
	if !p.Marker {
		return nil, nil
	}
	frame := append([]byte(nil), st.buf...)
	st.buf = st.buf[:0]
	return frame, nil
}

// ReadFrames feeds packets from src into r and calls fn with every complete
// frame. Broken frames are skipped. It returns the first read error.
func (r *Reassembler) ReadFrames(src rtpio.RTPReader, fn func([]byte)) error {
	for {
		p, err := src.ReadRTP()
		if err != nil {
			return err
		}
		frame, err := r.Push(p)
		if errors.Is(err, ErrSequenceGap) {
			continue
		}
		if frame != nil {
			fn(frame)
		}
	}
}
