// Package queue couples the demuxer to the decoders with bounded, stoppable
// packet queues.
package queue

import (
	"sync"

	"github.com/muxable/framerelay/internal/codec"
)

// DefaultCapacity is the per-stream queue depth used by the relay.
const DefaultCapacity = 128

// Queue is a blocking FIFO of packets. A nil packet is a legal item; the
// demuxer uses it to ask a decoder to flush.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items   []*codec.Packet
	head    int
	size    int
	stopped bool
}

func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{items: make([]*codec.Packet, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put blocks while the queue is full. It returns false without taking
// ownership of p once the queue has been stopped.
func (q *Queue) Put(p *codec.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == len(q.items) && !q.stopped {
		q.notFull.Wait()
	}
	if q.stopped {
		return false
	}
	q.items[(q.head+q.size)%len(q.items)] = p
	q.size++
	q.notEmpty.Signal()
	return true
}

// Get blocks until a packet is available. After Stop it keeps returning
// queued packets and then reports ok=false.
func (q *Queue) Get() (p *codec.Packet, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.stopped {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		return nil, false
	}
	p = q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.notFull.Signal()
	return p, true
}

// Stop wakes every blocked caller. It is idempotent and cannot be undone.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Drain releases whatever is left in a stopped queue.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if !q.stopped || q.size == 0 {
			q.mu.Unlock()
			return n
		}
		p := q.items[q.head]
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.size--
		q.mu.Unlock()

		p.Release()
		n++
	}
}
