package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice assistant client.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
type Metrics struct {
	// Stream element metrics
	ElementBytes    *prometheus.CounterVec
	ElementFailures *prometheus.CounterVec

	// Pipeline metrics
	PipelineRuns      *prometheus.CounterVec
	PipelineDuration  *prometheus.HistogramVec
	PipelineFailures  *prometheus.CounterVec
	UploadStatusCodes *prometheus.CounterVec

	// Control loop metrics
	EventsHandled *prometheus.CounterVec
	ControlState  prometheus.Gauge
	Volume        prometheus.Gauge
	PromptCount   prometheus.Gauge
}

// NewMetrics creates and registers all metrics on registerer.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		ElementBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceassistant_element_bytes_total",
			Help: "Bytes produced by each stream element role",
		}, []string{"role"}),
		ElementFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceassistant_element_failures_total",
			Help: "Stream element workers that exited with an error",
		}, []string{"role"}),

		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceassistant_pipeline_runs_total",
			Help: "Pipeline sessions started",
		}, []string{"pipeline"}),
		PipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voiceassistant_pipeline_duration_seconds",
			Help:    "Duration of pipeline sessions",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}, []string{"pipeline"}),
		PipelineFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceassistant_pipeline_failures_total",
			Help: "Pipeline sessions that ended in failure",
		}, []string{"pipeline"}),
		UploadStatusCodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceassistant_upload_responses_total",
			Help: "Upload responses by HTTP status code",
		}, []string{"code"}),

		EventsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voiceassistant_events_handled_total",
			Help: "Events consumed by the control loop",
		}, []string{"kind"}),
		ControlState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voiceassistant_control_state",
			Help: "Current control state (0 idle, 1 recording, 2 playing)",
		}),
		Volume: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voiceassistant_volume",
			Help: "Current playback volume in [0, 100]",
		}),
		PromptCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voiceassistant_prompt_count",
			Help: "Persisted number of recorded prompts",
		}),
	}
}

func (m *Metrics) AddElementBytes(role string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ElementBytes.WithLabelValues(role).Add(float64(n))
}

func (m *Metrics) IncElementFailure(role string) {
	if m == nil {
		return
	}
	m.ElementFailures.WithLabelValues(role).Inc()
}

func (m *Metrics) IncPipelineRun(pipeline string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) ObservePipelineDuration(pipeline string, seconds float64) {
	if m == nil {
		return
	}
	m.PipelineDuration.WithLabelValues(pipeline).Observe(seconds)
}

func (m *Metrics) IncPipelineFailure(pipeline string) {
	if m == nil {
		return
	}
	m.PipelineFailures.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) IncUploadStatus(code string) {
	if m == nil {
		return
	}
	m.UploadStatusCodes.WithLabelValues(code).Inc()
}

func (m *Metrics) IncEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsHandled.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetControlState(state int) {
	if m == nil {
		return
	}
	m.ControlState.Set(float64(state))
}

func (m *Metrics) SetVolume(volume int) {
	if m == nil {
		return
	}
	m.Volume.Set(float64(volume))
}

func (m *Metrics) SetPromptCount(count int32) {
	if m == nil {
		return
	}
	m.PromptCount.Set(float64(count))
}
