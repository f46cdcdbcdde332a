// Package metrics provides Prometheus metrics for the worker service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the worker.
type Metrics struct {
	// Photos processed (total)
	PhotosProcessed *prometheus.CounterVec

	// Pipeline step duration histogram
	StepDuration *prometheus.HistogramVec

	// Queue depth per queue and state
	QueueDepth *prometheus.GaugeVec

	// FTP uploads accepted or failed
	FTPUploads *prometheus.CounterVec

	// CDN purge URL results
	CDNPurgedURLs *prometheus.CounterVec

	// Album settings cache lookups
	CacheLookups *prometheus.CounterVec

	// Photos recovered by the stale-processing sweep
	SweepRecovered prometheus.Counter

	// Worker status (1 = running, 0 = stopped)
	WorkerStatus prometheus.Gauge
}

// New creates all worker metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all worker metrics on the given registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PhotosProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_photos_processed_total",
			Help: "Total number of photo processing attempts by outcome",
		}, []string{"outcome"}), // outcome: completed, failed, retried, dropped

		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worker_step_duration_seconds",
			Help:    "Time spent in each pipeline step",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"step"}), // step: download, decode, derive, upload, commit

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Current number of tasks per queue and state",
		}, []string{"queue", "state"}), // state: waiting, active, delayed, failed

		FTPUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_ftp_uploads_total",
			Help: "Total FTP uploads by result",
		}, []string{"result"}), // result: accepted, failed

		CDNPurgedURLs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_cdn_purged_urls_total",
			Help: "Total CDN purge URLs by result",
		}, []string{"result"}), // result: purged, failed

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_album_cache_lookups_total",
			Help: "Album settings cache lookups by result",
		}, []string{"result"}), // result: hit, miss

		SweepRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "worker_sweep_recovered_total",
			Help: "Total photos demoted from stale processing back to pending",
		}),

		WorkerStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worker_status",
			Help: "Worker status (1 = running, 0 = stopped)",
		}),
	}
}

// IncProcessed increments the photos processed counter.
func (m *Metrics) IncProcessed(outcome string) {
	m.PhotosProcessed.WithLabelValues(outcome).Inc()
}

// ObserveStep records the duration of one pipeline step.
func (m *Metrics) ObserveStep(step string, seconds float64) {
	m.StepDuration.WithLabelValues(step).Observe(seconds)
}

// SetQueueDepth sets the depth gauge for one queue state.
func (m *Metrics) SetQueueDepth(queue, state string, count int) {
	m.QueueDepth.WithLabelValues(queue, state).Set(float64(count))
}

// IncFTPUpload increments the FTP uploads counter.
func (m *Metrics) IncFTPUpload(result string) {
	m.FTPUploads.WithLabelValues(result).Inc()
}

// AddCDNPurged adds to the CDN purge result counters.
func (m *Metrics) AddCDNPurged(result string, count int) {
	m.CDNPurgedURLs.WithLabelValues(result).Add(float64(count))
}

// IncCacheLookup increments the album cache lookup counter.
func (m *Metrics) IncCacheLookup(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}

// AddSweepRecovered adds to the sweep recovery counter.
func (m *Metrics) AddSweepRecovered(count int) {
	m.SweepRecovered.Add(float64(count))
}

// SetWorkerRunning sets the worker status to running.
func (m *Metrics) SetWorkerRunning() {
	m.WorkerStatus.Set(1)
}

// SetWorkerStopped sets the worker status to stopped.
func (m *Metrics) SetWorkerStopped() {
	m.WorkerStatus.Set(0)
}
