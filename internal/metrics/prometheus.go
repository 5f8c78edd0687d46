package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"audioscribe/internal/cost"
	"audioscribe/internal/models"
)

// Metrics contains all Prometheus metrics for the transcription service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Intake
	UploadsAccepted prometheus.Counter
	UploadsRejected *prometheus.CounterVec
	InflightUploads prometheus.Gauge

	// Jobs
	JobsFinished *prometheus.CounterVec
	QueueDepth   prometheus.Gauge

	// Transcription
	TranscriptionAttempts prometheus.Counter
	TranscriptionRetries  prometheus.Counter
	TranscriptionFailures *prometheus.CounterVec
	TranscriptionDuration prometheus.Histogram
	ConversionDuration    prometheus.Histogram

	// Cost
	CostTotal    prometheus.Counter
	DailySpend   prometheus.Gauge
	MonthlySpend prometheus.Gauge
	BudgetAlerts *prometheus.CounterVec
}

// NewMetrics registers every metric on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		UploadsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "audioscribe_uploads_accepted_total",
			Help: "Total number of uploads admitted as jobs",
		}),
		UploadsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audioscribe_uploads_rejected_total",
			Help: "Total number of uploads rejected at intake",
		}, []string{"code"}),
		InflightUploads: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audioscribe_inflight_uploads",
			Help: "Uploads currently holding a throttle slot",
		}),

		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audioscribe_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		}, []string{"status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audioscribe_pipeline_queue_depth",
			Help: "Jobs waiting for a pipeline worker",
		}),

		TranscriptionAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "audioscribe_transcription_attempts_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "audioscribe_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audioscribe_transcription_failures_total",
			Help: "Transcriptions that ended in failure, by error code",
		}, []string{"code"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audioscribe_transcription_duration_seconds",
			Help:    "Wall time of transcription calls including retries",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		}),
		ConversionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audioscribe_conversion_duration_seconds",
			Help:    "Time spent transcoding uploads",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		CostTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "audioscribe_cost_dollars_total",
			Help: "Accumulated transcription cost since start",
		}),
		DailySpend: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audioscribe_daily_spend_dollars",
			Help: "Spend for the current day",
		}),
		MonthlySpend: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audioscribe_monthly_spend_dollars",
			Help: "Spend for the current month",
		}),
		BudgetAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audioscribe_budget_alerts_total",
			Help: "Budget alerts raised, by level",
		}, []string{"level"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) UploadAccepted() {
	if m == nil {
		return
	}
	m.UploadsAccepted.Inc()
}

func (m *Metrics) UploadRejected(code string) {
	if m == nil {
		return
	}
	m.UploadsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.InflightUploads.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) JobFinished(status models.JobStatus) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Attempt() {
	if m == nil {
		return
	}
	m.TranscriptionAttempts.Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// Transcribed records the outcome of one client call.
func (m *Metrics) Transcribed(seconds float64, failureCode string) {
	if m == nil {
		return
	}
	m.TranscriptionDuration.Observe(seconds)
	if failureCode != "" {
		m.TranscriptionFailures.WithLabelValues(failureCode).Inc()
	}
}

func (m *Metrics) Converted(seconds float64) {
	if m == nil {
		return
	}
	m.ConversionDuration.Observe(seconds)
}

// OnRecord implements cost.Observer.
func (m *Metrics) OnRecord(est cost.Estimate, daily, monthly models.UsageEntry) {
	if m == nil {
		return
	}
	m.CostTotal.Add(est.Cost)
	m.DailySpend.Set(daily.Cost)
	m.MonthlySpend.Set(monthly.Cost)
}

// OnAlert implements cost.Observer.
func (m *Metrics) OnAlert(alert models.BudgetAlert) {
	if m == nil {
		return
	}
	m.BudgetAlerts.WithLabelValues(string(alert.Level)).Inc()
}
