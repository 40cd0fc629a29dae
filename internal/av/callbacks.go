package av

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"

	"github.com/mattn/go-pointer"
	"github.com/muxable/framerelay/internal/codec"
)

//export goInterruptCallback
func goInterruptCallback(opaque unsafe.Pointer) C.int {
	interrupt, ok := pointer.Restore(opaque).(func() bool)
	if ok && interrupt() {
		return 1
	}
	return 0
}

//export goGetFormatCallback
func goGetFormatCallback(opaque unsafe.Pointer, fmts *C.int, n C.int) C.int {
	selectFormat, ok := pointer.Restore(opaque).(func([]codec.PixelFormat) codec.PixelFormat)
	if !ok || n <= 0 {
		return C.int(codec.PixelFormatNone)
	}
	offered := make([]codec.PixelFormat, int(n))
	for i, f := range unsafe.Slice(fmts, int(n)) {
		offered[i] = codec.PixelFormat(f)
	}
	return C.int(selectFormat(offered))
}
