package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrAgain means the decoder needs more input (or more draining) first.
	ErrAgain = errors.New("resource temporarily unavailable")
	// ErrExit is returned by blocking calls aborted through the interrupt callback.
	ErrExit = errors.New("immediate exit requested")

	ErrStreamNotFound   = errors.New("stream not found")
	ErrDecoderNotFound  = errors.New("decoder not found")
	ErrHWConfigNotFound = errors.New("hardware configuration not found")
	ErrNoMemory         = errors.New("cannot allocate memory")
)

// Error is a backend failure carrying the library's numeric code.
type Error struct {
	Op   string
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Msg, e.Code)
}
