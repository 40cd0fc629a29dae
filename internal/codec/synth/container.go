package synth

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/muxable/framerelay/internal/codec"
)

const (
	videoStreamIndex = 0
	audioStreamIndex = 1
)

type slot struct {
	media codec.MediaType
	index int
	at    time.Duration
}

type container struct {
	lib       *Library
	interrupt func() bool
	streams   map[codec.MediaType]*codec.Stream
	schedule  []slot

	pos      int
	failures map[int]int
	ioErr    bool
	start    time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newContainer(l *Library, opts codec.InputOptions) *container {
	c := &container{
		lib:       l,
		interrupt: opts.Interrupt,
		streams:   make(map[codec.MediaType]*codec.Stream),
		failures:  make(map[int]int),
		done:      make(chan struct{}),
	}
	for k, v := range l.cfg.ReadFailures {
		c.failures[k] = v
	}
	if v := l.cfg.Video; v != nil {
		c.streams[codec.MediaVideo] = &codec.Stream{
			Index:     videoStreamIndex,
			Media:     codec.MediaVideo,
			TimeBase:  v.TimeBase,
			FrameRate: v.FrameRate,
			Codec: codec.CodecParameters{
				Name:   v.Codec,
				Width:  v.Width,
				Height: v.Height,
				Format: int(v.Format),
			},
		}
		for i := 0; i < v.Packets; i++ {
			at := time.Duration(int64(i) * int64(time.Second) * int64(v.FrameRate.Den) / int64(v.FrameRate.Num))
			c.schedule = append(c.schedule, slot{media: codec.MediaVideo, index: i, at: at})
		}
	}
	if a := l.cfg.Audio; a != nil {
		c.streams[codec.MediaAudio] = &codec.Stream{
			Index:    audioStreamIndex,
			Media:    codec.MediaAudio,
			TimeBase: a.TimeBase,
			Codec: codec.CodecParameters{
				Name:       a.Codec,
				Format:     int(a.Format),
				SampleRate: a.SampleRate,
				Channels:   a.Channels,
			},
		}
		for i := 0; i < a.Packets; i++ {
			at := time.Duration(int64(i) * int64(a.Samples) * int64(time.Second) / int64(a.SampleRate))
			c.schedule = append(c.schedule, slot{media: codec.MediaAudio, index: i, at: at})
		}
	}
	sort.SliceStable(c.schedule, func(i, j int) bool {
		return c.schedule[i].at < c.schedule[j].at
	})
	return c
}

func (c *container) FindStreamInfo() error {
	return c.lib.cfg.StreamInfoError
}

func (c *container) BestStream(media codec.MediaType) (*codec.Stream, error) {
	st, ok := c.streams[media]
	if !ok {
		return nil, fmt.Errorf("no %s stream: %w", media, codec.ErrStreamNotFound)
	}
	return st, nil
}

func (c *container) interrupted() bool {
	return c.interrupt != nil && c.interrupt()
}

func (c *container) ReadPacket() (*codec.Packet, error) {
	cfg := c.lib.cfg
	if c.ioErr {
		return nil, &codec.Error{Op: "av_read_frame", Code: -5, Msg: "Input/output error"}
	}
	if cfg.StallAfter > 0 && c.pos >= cfg.StallAfter {
		for !c.interrupted() {
			select {
			case <-c.done:
				return nil, fmt.Errorf("av_read_frame: %w", codec.ErrExit)
			case <-time.After(time.Millisecond):
			}
		}
		return nil, fmt.Errorf("av_read_frame: %w", codec.ErrExit)
	}
	if c.interrupted() {
		return nil, fmt.Errorf("av_read_frame: %w", codec.ErrExit)
	}
	if cfg.FailAfter > 0 && c.pos >= cfg.FailAfter {
		c.ioErr = true
		return nil, &codec.Error{Op: "av_read_frame", Code: -5, Msg: "Input/output error"}
	}
	if n := c.failures[c.pos]; n > 0 {
		c.failures[c.pos] = n - 1
		return nil, &codec.Error{Op: "av_read_frame", Code: -11, Msg: "Resource temporarily unavailable"}
	}
	if c.pos >= len(c.schedule) {
		return nil, io.EOF
	}

	s := c.schedule[c.pos]
	if cfg.Realtime {
		if c.pos == 0 {
			c.start = cfg.Clock.Now()
		}
		if d := c.start.Add(s.at).Sub(cfg.Clock.Now()); d > 0 {
			cfg.Clock.Sleep(d)
		}
	}
	c.pos++

	st := c.streams[s.media]
	pts := c.pts(s)
	data := make([]byte, 5)
	data[0] = byte(s.media)
	binary.BigEndian.PutUint32(data[1:], uint32(s.index))
	return &codec.Packet{
		Media:       s.media,
		StreamIndex: st.Index,
		PTS:         pts,
		DTS:         pts,
		Data:        data,
	}, nil
}

func (c *container) pts(s slot) int64 {
	cfg := c.lib.cfg
	if s.media == codec.MediaVideo {
		v := cfg.Video
		if v.PTS != nil {
			return v.PTS(s.index)
		}
		return int64(s.index) * int64(v.TimeBase.Den) * int64(v.FrameRate.Den) / (int64(v.TimeBase.Num) * int64(v.FrameRate.Num))
	}
	a := cfg.Audio
	if a.PTS != nil {
		return a.PTS(s.index)
	}
	return int64(s.index) * int64(a.Samples) * int64(a.TimeBase.Den) / (int64(a.TimeBase.Num) * int64(a.SampleRate))
}

func (c *container) IOError() bool {
	return c.ioErr
}

func (c *container) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.lib.track(func(r *Resources) { r.Containers-- })
	})
	return nil
}

func packetIndex(p *codec.Packet) (int, bool) {
	if len(p.Data) < 5 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(p.Data[1:])), true
}
