// Package av implements codec.Library on top of FFmpeg (libavformat,
// libavcodec, libavutil and libswscale, version 6 or later) through cgo.
package av

/*
#cgo pkg-config: libavutil
#include <libavutil/log.h>
*/
import "C"
import (
	"github.com/muxable/framerelay/internal/codec"
	"go.uber.org/zap"
)

func init() {
	C.av_log_set_level(C.AV_LOG_ERROR)
}

type Library struct {
	logger *zap.Logger
}

var _ codec.Library = (*Library)(nil)

func New(logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.L()
	}
	return &Library{logger: logger}
}
