// Package source opens network inputs and negotiates their decoders.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/muxable/framerelay/internal/codec"
	"go.uber.org/zap"
)

// DefaultRetryDelay is the pause between failed open attempts.
const DefaultRetryDelay = 10 * time.Millisecond

// ErrStallTimeout is returned by Input.ReadPacket when no packet arrived
// within the stall window.
var ErrStallTimeout = errors.New("input stalled")

// OpenError is returned once every open attempt failed.
type OpenError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Opener opens inputs with a retry budget and a stall guard.
type Opener struct {
	Library codec.Library
	Clock   clock.Clock
	Logger  *zap.Logger

	// Retries is the number of extra attempts after the first one.
	Retries     int
	RetryDelay  time.Duration
	StallWindow time.Duration

	// OnAttempt, if set, runs before every attempt.
	OnAttempt func(attempt int)
}

// Input is an opened container guarded against stalls.
type Input struct {
	codec.Container
	guard *StallGuard
}

// ReadPacket reads the next packet and records progress.
func (in *Input) ReadPacket() (*codec.Packet, error) {
	p, err := in.Container.ReadPacket()
	if err != nil {
		if errors.Is(err, codec.ErrExit) && in.guard.Stalled() {
			return nil, fmt.Errorf("%w: no data for %s", ErrStallTimeout, in.guard.Window())
		}
		return nil, err
	}
	in.guard.Touch()
	return p, nil
}

func (o *Opener) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.L()
	}
	return o.Logger
}

// Open opens url, retrying until the budget runs out or ctx is cancelled.
func (o *Opener) Open(ctx context.Context, url string, transport codec.Transport) (*Input, error) {
	clk := o.Clock
	if clk == nil {
		clk = clock.New()
	}
	delay := o.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	window := o.StallWindow
	if window == 0 {
		window = DefaultStallWindow
	}
	attempts := o.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	guard := NewStallGuard(ctx, clk, window)
	opts := codec.InputOptions{Transport: transport, Interrupt: guard.Interrupted}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &OpenError{URL: url, Attempts: attempt - 1, Err: err}
		}
		if o.OnAttempt != nil {
			o.OnAttempt(attempt)
		}
		guard.Touch()
		c, err := o.Library.OpenInput(ctx, url, opts)
		if err == nil {
			if err := c.FindStreamInfo(); err != nil {
				c.Close()
				return nil, &OpenError{URL: url, Attempts: attempt, Err: fmt.Errorf("find stream info: %w", err)}
			}
			o.logger().Debug("input opened", zap.String("url", url), zap.Int("attempt", attempt))
			return &Input{Container: c, guard: guard}, nil
		}

		lastErr = err
		o.logger().Warn("failed to open input", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == attempts {
			break
		}
		t := clk.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &OpenError{URL: url, Attempts: attempt, Err: ctx.Err()}
		case <-t.C:
		}
	}
	return nil, &OpenError{URL: url, Attempts: attempts, Err: lastErr}
}
