// Package egress carries relay frames out of the process: to in-process
// subscribers, to gRPC clients and as RTP over UDP.
package egress

import (
	"errors"
	"sync"

	"github.com/muxable/framerelay/pkg/relay"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("egress: broadcaster closed")

// Subscription is one consumer of a Broadcaster. C is closed when the
// subscription or the broadcaster is closed.
type Subscription struct {
	C <-chan []byte

	ch chan []byte
	b  *Broadcaster
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
}

// Broadcaster fans frames out to subscribers. Each subscriber buffers up to
// the depth it asked for; once full, the oldest frame is dropped for each
// new one.
type Broadcaster struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

var _ relay.Sink = (*Broadcaster)(nil)

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.L()
	}
	return &Broadcaster{logger: logger, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber buffering up to n frames.
func (b *Broadcaster) Subscribe(n int) (*Subscription, error) {
	if n < 1 {
		n = 1
	}
	ch := make(chan []byte, n)
	s := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// OnFrame copies buf once and queues it for every subscriber.
func (b *Broadcaster) OnFrame(buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.subs) == 0 {
		return
	}
	frame := append([]byte(nil), buf...)
	for s := range b.subs {
		select {
		case s.ch <- frame:
			continue
		default:
		}
		// Backlogged: drop the oldest frame. Only writers hold the lock, so
		// the send below cannot block.
		select {
		case <-s.ch:
		default:
		}
		s.ch <- frame
	}
}

func (b *Broadcaster) OnError(code relay.Code, msg string) {
	b.logger.Warn("relay error", zap.Stringer("code", code), zap.String("message", msg))
}

// Close closes every subscription. Later frames are ignored.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	return nil
}
