// Package pacer bounds video emission to the source frame rate and sheds
// frames when asked to.
package pacer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/muxable/framerelay/internal/codec"
)

// DefaultDiscardEvery drops every second frame while discarding is on.
const DefaultDiscardEvery = 2

// Interval is the whole-microsecond frame period for fps, or 0 when the
// rate is unknown.
func Interval(fps codec.Rational) time.Duration {
	if !fps.Valid() {
		return 0
	}
	us := int64(1_000_000) * int64(fps.Den) / int64(fps.Num)
	return time.Duration(us) * time.Microsecond
}

// Pacer keeps a monotonic deadline that advances one frame period per Wait.
// A frame that runs late does not push the schedule back, so subsequent
// waits are shorter until the pacer has caught up.
type Pacer struct {
	clock    clock.Clock
	interval time.Duration
	deadline time.Time
	started  bool
}

func New(clk clock.Clock, fps codec.Rational) *Pacer {
	if clk == nil {
		clk = clock.New()
	}
	return &Pacer{clock: clk, interval: Interval(fps)}
}

func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait advances the deadline and sleeps until it passes.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.interval == 0 {
		return ctx.Err()
	}
	now := p.clock.Now()
	if !p.started {
		p.deadline = now
		p.started = true
	}
	p.deadline = p.deadline.Add(p.interval)

	d := p.deadline.Sub(now)
	if d <= 0 {
		return ctx.Err()
	}
	t := p.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Discarder drops every Nth frame while enabled. Drop is called by the video
// goroutine only; SetEnabled may be called from anywhere.
type Discarder struct {
	every   uint64
	enabled atomic.Bool
	count   uint64
}

// NewDiscarder returns a discarder dropping every nth frame. n below 2
// never drops.
func NewDiscarder(n int, enabled bool) *Discarder {
	d := &Discarder{}
	if n > 1 {
		d.every = uint64(n)
	}
	d.enabled.Store(enabled)
	return d
}

func (d *Discarder) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

func (d *Discarder) Enabled() bool {
	return d.enabled.Load()
}

// Drop counts a frame and reports whether it should be discarded. Frames
// are only counted while discarding is enabled.
func (d *Discarder) Drop() bool {
	if d.every == 0 || !d.enabled.Load() {
		return false
	}
	d.count++
	return d.count%d.every == 0
}

// Reset restarts the count for a new decode cycle.
func (d *Discarder) Reset() {
	d.count = 0
}
