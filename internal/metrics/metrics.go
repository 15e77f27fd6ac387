// Package metrics holds the Prometheus collectors for ingestion sources.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so packages can take one as an optional dependency.
type Metrics struct {
	// Source lifecycle
	SourcesCreated  prometheus.Counter
	SourcesReady    prometheus.Gauge
	SourcesReleased prometheus.Counter
	CloseEvents     *prometheus.CounterVec
	ReadyLatency    prometheus.Histogram

	// Frame intake
	FramesPushed   *prometheus.CounterVec
	FramesRejected *prometheus.CounterVec
	FrameSize      *prometheus.HistogramVec
	KeyFrames      prometheus.Counter

	// Consumers
	ActiveReaders prometheus.Gauge
	ReaderAttach  prometheus.Counter

	// Consumer queues
	QueueDrops *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		SourcesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "rawingest_sources_created_total",
			Help: "Total number of sources created by producers",
		}),
		SourcesReady: f.NewGauge(prometheus.GaugeOpts{
			Name: "rawingest_sources_ready",
			Help: "Number of sources currently ready and discoverable",
		}),
		SourcesReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "rawingest_sources_released_total",
			Help: "Total number of sources released by their producer",
		}),
		CloseEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rawingest_close_events_total",
				Help: "Close notifications delivered, by reason",
			},
			[]string{"reason"},
		),
		ReadyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rawingest_ready_latency_seconds",
			Help:    "Time from source creation to readiness",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 3, 5, 10},
		}),

		FramesPushed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rawingest_frames_pushed_total",
				Help: "Frames accepted and dispatched, by codec",
			},
			[]string{"codec"},
		),
		FramesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rawingest_frames_rejected_total",
				Help: "Frames rejected at intake, by reason",
			},
			[]string{"reason"},
		),
		FrameSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rawingest_frame_size_bytes",
				Help:    "Size of accepted frames in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B to ~1MB
			},
			[]string{"codec"},
		),
		KeyFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "rawingest_keyframes_total",
			Help: "Total number of key frames accepted",
		}),

		ActiveReaders: f.NewGauge(prometheus.GaugeOpts{
			Name: "rawingest_active_readers",
			Help: "Consumers currently attached across all sources",
		}),
		ReaderAttach: f.NewCounter(prometheus.CounterOpts{
			Name: "rawingest_reader_attach_total",
			Help: "Total number of consumer attachments",
		}),

		QueueDrops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rawingest_consumer_queue_drops_total",
				Help: "Frames dropped by full consumer queues, by track class",
			},
			[]string{"class"},
		),
	}
}

// SourceCreated records a new source.
func (m *Metrics) SourceCreated() {
	if m == nil {
		return
	}
	m.SourcesCreated.Inc()
}

// SourceReady records a source becoming ready after waited seconds.
func (m *Metrics) SourceReady(waited float64) {
	if m == nil {
		return
	}
	m.SourcesReady.Inc()
	m.ReadyLatency.Observe(waited)
}

// SourceLeftReady records a ready source entering Closing or Released.
func (m *Metrics) SourceLeftReady() {
	if m == nil {
		return
	}
	m.SourcesReady.Dec()
}

// SourceReleased records a producer release.
func (m *Metrics) SourceReleased() {
	if m == nil {
		return
	}
	m.SourcesReleased.Inc()
}

// Closed records a delivered close notification.
func (m *Metrics) Closed(reason string) {
	if m == nil {
		return
	}
	m.CloseEvents.WithLabelValues(reason).Inc()
}

// FramePushed records an accepted frame.
func (m *Metrics) FramePushed(codec string, size int, keyframe bool) {
	if m == nil {
		return
	}
	m.FramesPushed.WithLabelValues(codec).Inc()
	m.FrameSize.WithLabelValues(codec).Observe(float64(size))
	if keyframe {
		m.KeyFrames.Inc()
	}
}

// FrameRejected records a rejected push.
func (m *Metrics) FrameRejected(reason string) {
	if m == nil {
		return
	}
	m.FramesRejected.WithLabelValues(reason).Inc()
}

// ReaderAttached records a consumer attaching.
func (m *Metrics) ReaderAttached() {
	if m == nil {
		return
	}
	m.ActiveReaders.Inc()
	m.ReaderAttach.Inc()
}

// ReadersDetached records n consumers leaving.
func (m *Metrics) ReadersDetached(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ActiveReaders.Sub(float64(n))
}

// QueueDropped records a frame evicted from a full consumer queue.
func (m *Metrics) QueueDropped(class string) {
	if m == nil {
		return
	}
	m.QueueDrops.WithLabelValues(class).Inc()
}
