package relay

import "fmt"

// Code classifies failures reported through Sink.OnError.
type Code int

const (
	CodeOpenFailure Code = iota + 1
	CodeStreamNotFound
	CodeDecodeFailure
	CodeConversionFailure
	CodeResourceExhaustion
	CodeStallTimeout
	CodeReadFailure
	CodeEndOfStream
)

var codeNames = map[Code]string{
	CodeOpenFailure:        "open_failure",
	CodeStreamNotFound:     "stream_not_found",
	CodeDecodeFailure:      "decode_failure",
	CodeConversionFailure:  "conversion_failure",
	CodeResourceExhaustion: "resource_exhaustion",
	CodeStallTimeout:       "stall_timeout",
	CodeReadFailure:        "read_failure",
	CodeEndOfStream:        "end_of_stream",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Sink receives the output of a session. Both methods are called from the
// session's decode goroutines, audio and video concurrently. The buffer
// passed to OnFrame is reused after the call returns.
type Sink interface {
	OnFrame(buf []byte)
	OnError(code Code, msg string)
}

// SinkFuncs adapts a pair of callbacks to a Sink. Nil callbacks are skipped.
type SinkFuncs struct {
	Frame func(buf []byte)
	Error func(code Code, msg string)
}

func (s SinkFuncs) OnFrame(buf []byte) {
	if s.Frame != nil {
		s.Frame(buf)
	}
}

func (s SinkFuncs) OnError(code Code, msg string) {
	if s.Error != nil {
		s.Error(code, msg)
	}
}

type tee []Sink

// Tee returns a Sink delivering to every sink in order.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

func (t tee) OnFrame(buf []byte) {
	for _, s := range t {
		s.OnFrame(buf)
	}
}

func (t tee) OnError(code Code, msg string) {
	for _, s := range t {
		s.OnError(code, msg)
	}
}
