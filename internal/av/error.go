package av

/*
#cgo pkg-config: libavutil
#include <errno.h>
#include <libavutil/error.h>
*/
import "C"
import (
	"bytes"
	"fmt"
	"io"
	"unsafe"

	"github.com/muxable/framerelay/internal/codec"
)

// FFERRTAG values, which cgo cannot evaluate.
const (
	averrorEOF  = -541478725 // AVERROR_EOF
	averrorExit = -1414092869 // AVERROR_EXIT
)

func AVERROR(code C.int) C.int {
	return -code
}

func av_err(prefix string, averr C.int) error {
	switch averr {
	case averrorEOF:
		return io.EOF
	case AVERROR(C.EAGAIN):
		return fmt.Errorf("%s: %w", prefix, codec.ErrAgain)
	case AVERROR(C.ENOMEM):
		return fmt.Errorf("%s: %w", prefix, codec.ErrNoMemory)
	case averrorExit:
		return fmt.Errorf("%s: %w", prefix, codec.ErrExit)
	}
	errlen := 1024
	b := make([]byte, errlen)
	C.av_strerror(averr, (*C.char)(unsafe.Pointer(&b[0])), C.size_t(errlen))
	return &codec.Error{Op: prefix, Code: int(averr), Msg: string(b[:bytes.IndexByte(b, 0)])}
}
