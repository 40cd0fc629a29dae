// Package events broadcasts session lifecycle changes in-process.
package events

import (
	"github.com/kelindar/event"
)

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeErrorRaised
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChanged is published on every session state transition.
type StateChanged struct {
	Session string
	From    string
	To      string
}

func (e StateChanged) Type() uint32 { return TypeStateChanged }

// ErrorRaised is published for every error reported to the sink.
type ErrorRaised struct {
	Session string
	Code    int
	Message string
}

func (e ErrorRaised) Type() uint32 { return TypeErrorRaised }

// Bus wraps a kelindar/event dispatcher. Handlers run asynchronously, in
// publication order per subscriber.
type Bus struct {
	dispatcher *event.Dispatcher
}

func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish publishes ev. Publishing on a nil bus is a no-op.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StateChanged:
		event.Publish(b.dispatcher, e)
	case ErrorRaised:
		event.Publish(b.dispatcher, e)
	}
}

// OnStateChanged subscribes h and returns the unsubscribe function.
func (b *Bus) OnStateChanged(h func(StateChanged)) func() {
	return event.Subscribe(b.dispatcher, h)
}

// OnError subscribes h and returns the unsubscribe function.
func (b *Bus) OnError(h func(ErrorRaised)) func() {
	return event.Subscribe(b.dispatcher, h)
}
