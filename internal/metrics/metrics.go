// Package metrics provides Prometheus metrics for relay sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "framerelay"

var (
	framesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "frames_emitted_total",
		Help:      "Frames handed to the sink",
	}, []string{"session", "media"})

	framesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "frames_discarded_total",
		Help:      "Video frames shed by the discard policy",
	}, []string{"session"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped before emission",
	}, []string{"session", "media", "reason"})

	pipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "errors_total",
		Help:      "Errors reported to the sink",
	}, []string{"session", "code"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Packets waiting in a decode queue",
	}, []string{"session", "media"})

	scalerRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "scaler_rebuilds_total",
		Help:      "Scaling contexts built",
	}, []string{"session"})

	openAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "open_attempts_total",
		Help:      "Input open attempts",
	}, []string{"session"})
)

// Drop reasons.
const (
	ReasonNegativePTS = "negative_pts"
	ReasonConversion  = "conversion"
)

// Recorder records the metrics of one session. A nil Recorder records
// nothing.
type Recorder struct {
	session string
}

func For(session string) *Recorder {
	return &Recorder{session: session}
}

func (r *Recorder) FrameEmitted(media string) {
	if r == nil {
		return
	}
	framesEmitted.WithLabelValues(r.session, media).Inc()
}

func (r *Recorder) FrameDiscarded() {
	if r == nil {
		return
	}
	framesDiscarded.WithLabelValues(r.session).Inc()
}

func (r *Recorder) FrameDropped(media, reason string) {
	if r == nil {
		return
	}
	framesDropped.WithLabelValues(r.session, media, reason).Inc()
}

func (r *Recorder) Error(code string) {
	if r == nil {
		return
	}
	pipelineErrors.WithLabelValues(r.session, code).Inc()
}

func (r *Recorder) QueueDepth(media string, depth int) {
	if r == nil {
		return
	}
	queueDepth.WithLabelValues(r.session, media).Set(float64(depth))
}

func (r *Recorder) ScalerRebuilt() {
	if r == nil {
		return
	}
	scalerRebuilds.WithLabelValues(r.session).Inc()
}

func (r *Recorder) OpenAttempt() {
	if r == nil {
		return
	}
	openAttempts.WithLabelValues(r.session).Inc()
}

// Delete removes every series of the session.
func (r *Recorder) Delete() {
	if r == nil {
		return
	}
	labels := prometheus.Labels{"session": r.session}
	framesEmitted.DeletePartialMatch(labels)
	framesDiscarded.DeletePartialMatch(labels)
	framesDropped.DeletePartialMatch(labels)
	pipelineErrors.DeletePartialMatch(labels)
	queueDepth.DeletePartialMatch(labels)
	scalerRebuilds.DeletePartialMatch(labels)
	openAttempts.DeletePartialMatch(labels)
}
