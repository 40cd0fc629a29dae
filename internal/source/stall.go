package source

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultStallWindow is how long an input may go without progress.
const DefaultStallWindow = 10 * time.Second

// StallGuard aborts blocking input calls once the session is cancelled or
// no progress was made for the configured window. Interrupted is called from
// backend threads, so all state is atomic.
type StallGuard struct {
	ctx    context.Context
	clock  clock.Clock
	window time.Duration

	last    atomic.Int64
	stalled atomic.Bool
}

func NewStallGuard(ctx context.Context, clk clock.Clock, window time.Duration) *StallGuard {
	if clk == nil {
		clk = clock.New()
	}
	g := &StallGuard{ctx: ctx, clock: clk, window: window}
	g.Touch()
	return g
}

// Touch records progress.
func (g *StallGuard) Touch() {
	g.last.Store(g.clock.Now().UnixNano())
	g.stalled.Store(false)
}

// Interrupted is the backend's interrupt callback.
func (g *StallGuard) Interrupted() bool {
	if g.ctx.Err() != nil {
		return true
	}
	if g.window <= 0 {
		return false
	}
	if time.Duration(g.clock.Now().UnixNano()-g.last.Load()) > g.window {
		g.stalled.Store(true)
		return true
	}
	return false
}

// Stalled reports whether the last interruption was caused by the window.
func (g *StallGuard) Stalled() bool {
	return g.stalled.Load()
}

func (g *StallGuard) Window() time.Duration {
	return g.window
}
