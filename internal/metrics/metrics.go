// Package metrics provides Prometheus collectors for recording sessions and
// capture streams.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Save outcome labels.
const (
	OutcomeSaved     = "saved"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

var (
	recordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenrec",
		Subsystem: "recorder",
		Name:      "recordings_started_total",
		Help:      "Recordings that entered the recording state",
	})

	recordingsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenrec",
		Subsystem: "recorder",
		Name:      "recordings_finished_total",
		Help:      "Finalized recordings by outcome",
	}, []string{"outcome"})

	chunks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenrec",
		Subsystem: "recorder",
		Name:      "chunks_total",
		Help:      "Non-empty encoded chunks appended to a session",
	})

	emptyChunks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenrec",
		Subsystem: "recorder",
		Name:      "empty_chunks_total",
		Help:      "Zero-length encoder flushes that were discarded",
	})

	recordedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "screenrec",
		Subsystem: "recorder",
		Name:      "recorded_bytes_total",
		Help:      "Encoded bytes accumulated across sessions",
	})

	openStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "screenrec",
		Subsystem: "capture",
		Name:      "open_streams",
		Help:      "Capture streams currently open",
	})

	droppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screenrec",
		Subsystem: "capture",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped because a subscriber fell behind",
	}, []string{"kind"})
)

// RecordingStarted counts an Idle to Recording transition.
func RecordingStarted() {
	recordingsStarted.Inc()
}

// RecordingFinished counts a finalized recording with one of the Outcome labels.
func RecordingFinished(outcome string) {
	recordingsFinished.WithLabelValues(outcome).Inc()
}

// ChunkReceived records one encoder flush of n bytes.
func ChunkReceived(n int) {
	if n == 0 {
		emptyChunks.Inc()
		return
	}
	chunks.Inc()
	recordedBytes.Add(float64(n))
}

// StreamOpened increments the open capture stream gauge.
func StreamOpened() {
	openStreams.Inc()
}

// StreamClosed decrements the open capture stream gauge.
func StreamClosed() {
	openStreams.Dec()
}

// FrameDropped counts a dropped frame for a track kind.
func FrameDropped(kind string) {
	droppedFrames.WithLabelValues(kind).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
