package status

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the Monitor's aggregate counters as Prometheus gauges,
// wiring the prometheus/client_golang dependency the retrieval pack
// carries (cklxx-elephant.ai's go.mod) into the Status Monitor's
// telemetry surface. The CLI may register this collector with its own
// registry; the engine never depends on it directly.
type Metrics struct {
	monitor *Monitor

	running   prometheus.Gauge
	completed prometheus.Gauge
	failed    prometheus.Gauge
	skipped   prometheus.Gauge
	batch     prometheus.Gauge
	rateLimit prometheus.Gauge
}

// NewMetrics builds a Metrics collector bound to monitor.
func NewMetrics(monitor *Monitor) *Metrics {
	return &Metrics{
		monitor: monitor,
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kse_running_specs",
			Help: "Number of specs currently running.",
		}),
		completed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kse_completed_specs",
			Help: "Number of specs that completed successfully.",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kse_failed_specs",
			Help: "Number of specs that reached a final failure.",
		}),
		skipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kse_skipped_specs",
			Help: "Number of specs skipped due to a failed dependency.",
		}),
		batch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kse_current_batch",
			Help: "Index of the batch currently executing.",
		}),
		rateLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kse_rate_limit_signals_total",
			Help: "Total rate-limit signals observed this run.",
		}),
	}
}

// Collectors returns the gauges for registration with a
// prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.running, m.completed, m.failed, m.skipped, m.batch, m.rateLimit}
}

// Refresh pulls the latest snapshot from the bound Monitor into the
// gauges. Callers invoke this on a schedule (e.g. before every /metrics
// scrape) since the engine has no push-based telemetry channel.
func (m *Metrics) Refresh() {
	snap := m.monitor.Snapshot()
	m.running.Set(float64(snap.RunningSpecs))
	m.completed.Set(float64(snap.CompletedSpecs))
	m.failed.Set(float64(snap.FailedSpecs))
	m.skipped.Set(float64(snap.SkippedSpecs))
	m.batch.Set(float64(snap.CurrentBatch))
	m.rateLimit.Set(float64(snap.RateLimit.SignalCount))
}
