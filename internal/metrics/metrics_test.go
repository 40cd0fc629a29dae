package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	r := For("test-session-1")
	defer r.Delete()

	r.FrameEmitted("video")
	r.FrameEmitted("video")
	r.FrameEmitted("audio")
	r.FrameDiscarded()
	r.FrameDropped("video", ReasonNegativePTS)
	r.Error("decode_failure")
	r.QueueDepth("video", 7)
	r.ScalerRebuilt()
	r.OpenAttempt()

	if got := testutil.ToFloat64(framesEmitted.WithLabelValues("test-session-1", "video")); got != 2 {
		t.Errorf("video frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(framesEmitted.WithLabelValues("test-session-1", "audio")); got != 1 {
		t.Errorf("audio frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("test-session-1", "video")); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(pipelineErrors.WithLabelValues("test-session-1", "decode_failure")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestRecorder_Delete(t *testing.T) {
	r := For("test-session-2")
	r.FrameEmitted("video")
	r.FrameDiscarded()

	before := testutil.CollectAndCount(framesEmitted)
	r.Delete()
	if after := testutil.CollectAndCount(framesEmitted); after != before-1 {
		t.Errorf("series after delete = %d, want %d", after, before-1)
	}
	if got := testutil.CollectAndCount(framesDiscarded); got != 0 {
		t.Errorf("discarded series = %d, want 0", got)
	}
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.FrameEmitted("video")
	r.Error("x")
	r.Delete()
}
