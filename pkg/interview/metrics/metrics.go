// Package metrics exposes Prometheus metrics for interview sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for interview sessions. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session lifecycle
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	PhaseChanges    *prometheus.CounterVec

	// Media
	MediaConnectsTotal *prometheus.CounterVec
	TracksBound        prometheus.Gauge
	PlaybackRetries    prometheus.Counter
	AutoplayPrompts    prometheus.Counter

	// Conversation
	TranscriptUpdates *prometheus.CounterVec
	DataMessages      *prometheus.CounterVec

	// Teardown
	TeardownErrors *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_interview"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of interviews currently active",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of interview start attempts by outcome",
		},
		[]string{"outcome"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Interview duration in seconds",
			Buckets:   []float64{30, 60, 300, 600, 900, 1800, 3600},
		},
	)

	phaseChanges := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of lifecycle phase transitions",
		},
		[]string{"from", "to"},
	)

	mediaConnects := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_connects_total",
			Help:      "Total number of media room connection attempts by status",
		},
		[]string{"status"},
	)

	tracksBound := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_tracks_bound",
			Help:      "Number of remote audio tracks bound to playback",
		},
	)

	playbackRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_retries_total",
			Help:      "Total number of blocked playback attempts",
		},
	)

	autoplayPrompts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoplay_prompts_total",
			Help:      "Total number of times user interaction was requested to enable audio",
		},
	)

	transcriptUpdates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_updates_total",
			Help:      "Total number of user transcript updates by result",
		},
		[]string{"result"},
	)

	dataMessages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_messages_total",
			Help:      "Total number of media room data messages by type",
		},
		[]string{"type"},
	)

	teardownErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_errors_total",
			Help:      "Total number of failed teardown steps",
		},
		[]string{"step"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		phaseChanges,
		mediaConnects,
		tracksBound,
		playbackRetries,
		autoplayPrompts,
		transcriptUpdates,
		dataMessages,
		teardownErrors,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		SessionsTotal:      sessionsTotal,
		SessionDuration:    sessionDuration,
		PhaseChanges:       phaseChanges,
		MediaConnectsTotal: mediaConnects,
		TracksBound:        tracksBound,
		PlaybackRetries:    playbackRetries,
		AutoplayPrompts:    autoplayPrompts,
		TranscriptUpdates:  transcriptUpdates,
		DataMessages:       dataMessages,
		TeardownErrors:     teardownErrors,
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStart records the outcome of a start attempt: "ok" or a setup error
// kind.
func (m *Metrics) RecordStart(outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPhase(from, to string) {
	if m == nil {
		return
	}
	m.PhaseChanges.WithLabelValues(from, to).Inc()
}

// RecordMediaConnect records a media room connection attempt.
func (m *Metrics) RecordMediaConnect(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MediaConnectsTotal.WithLabelValues(status).Inc()
}

// RecordSessionActive records an interview becoming active.
func (m *Metrics) RecordSessionActive() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records an active interview ending.
func (m *Metrics) RecordSessionEnd(duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) SetTracksBound(n int) {
	if m == nil {
		return
	}
	m.TracksBound.Set(float64(n))
}

func (m *Metrics) RecordPlaybackRetry() {
	if m == nil {
		return
	}
	m.PlaybackRetries.Inc()
}

func (m *Metrics) RecordAutoplayPrompt() {
	if m == nil {
		return
	}
	m.AutoplayPrompts.Inc()
}

// RecordTranscript records a transcript update that was "appended" or
// "coalesced".
func (m *Metrics) RecordTranscript(result string) {
	if m == nil {
		return
	}
	m.TranscriptUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDataMessage(kind string) {
	if m == nil {
		return
	}
	m.DataMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordTeardownError(step string) {
	if m == nil {
		return
	}
	m.TeardownErrors.WithLabelValues(step).Inc()
}
