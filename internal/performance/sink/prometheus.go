package sink

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

const namespace = "stampede"

// Prometheus exposes the latest snapshot as Prometheus metrics. It is
// both a metrics.Reporter and a prometheus.Collector: Report stores the
// snapshot and Collect renders it on scrape.
type Prometheus struct {
	mu       sync.RWMutex
	snapshot *metrics.Snapshot

	registry *prometheus.Registry

	requests    *prometheus.Desc
	failures    *prometheus.Desc
	duration    *prometheus.Desc
	responses   *prometheus.Desc
	bytes       *prometheus.Desc
	activeVUs   *prometheus.Desc
	rps         *prometheus.Desc
	errorRate   *prometheus.Desc
	phase       *prometheus.Desc
	taskLatency *prometheus.Desc
}

// NewPrometheus creates the sink and registers it with a private
// registry served by Handler. constLabels are attached to every series.
func NewPrometheus(constLabels prometheus.Labels) *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewDesc(namespace+"_requests_total",
			"Requests issued, by task.", []string{"task"}, constLabels),
		failures: prometheus.NewDesc(namespace+"_request_failures_total",
			"Failed requests, by task.", []string{"task"}, constLabels),
		duration: prometheus.NewDesc(namespace+"_request_duration_seconds",
			"Request latency across all tasks.", nil, constLabels),
		taskLatency: prometheus.NewDesc(namespace+"_task_duration_seconds",
			"Request latency, by task.", []string{"task"}, constLabels),
		responses: prometheus.NewDesc(namespace+"_responses_total",
			"Responses received, by status code.", []string{"status"}, constLabels),
		bytes: prometheus.NewDesc(namespace+"_received_bytes_total",
			"Response bytes received.", nil, constLabels),
		activeVUs: prometheus.NewDesc(namespace+"_active_vus",
			"Virtual users currently running.", nil, constLabels),
		rps: prometheus.NewDesc(namespace+"_requests_per_second",
			"Average request rate since the start of the run.", nil, constLabels),
		errorRate: prometheus.NewDesc(namespace+"_error_rate",
			"Fraction of failed requests.", nil, constLabels),
		phase: prometheus.NewDesc(namespace+"_phase",
			"Current load phase (1 for the active phase).", []string{"phase"}, constLabels),
	}
	p.registry.MustRegister(p)
	return p
}

// Report implements metrics.Reporter.
func (p *Prometheus) Report(snapshot *metrics.Snapshot) error {
	p.mu.Lock()
	p.snapshot = snapshot
	p.mu.Unlock()
	return nil
}

// Registry returns the registry the sink is registered with.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Describe implements prometheus.Collector.
func (p *Prometheus) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		p.requests, p.failures, p.duration, p.taskLatency, p.responses,
		p.bytes, p.activeVUs, p.rps, p.errorRate, p.phase,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (p *Prometheus) Collect(ch chan<- prometheus.Metric) {
	p.mu.RLock()
	s := p.snapshot
	p.mu.RUnlock()
	if s == nil {
		return
	}

	for name, ts := range s.Tasks {
		ch <- prometheus.MustNewConstMetric(p.requests, prometheus.CounterValue, float64(ts.Requests), name)
		ch <- prometheus.MustNewConstMetric(p.failures, prometheus.CounterValue, float64(ts.Failures), name)
		ch <- summary(p.taskLatency, ts.Latency, name)
	}
	for code, n := range s.StatusCodes {
		ch <- prometheus.MustNewConstMetric(p.responses, prometheus.CounterValue, float64(n), strconv.Itoa(code))
	}

	ch <- summary(p.duration, s.Latency)
	ch <- prometheus.MustNewConstMetric(p.bytes, prometheus.CounterValue, float64(s.TotalBytes))
	ch <- prometheus.MustNewConstMetric(p.activeVUs, prometheus.GaugeValue, float64(s.ActiveVUs))
	ch <- prometheus.MustNewConstMetric(p.rps, prometheus.GaugeValue, s.RPS)
	ch <- prometheus.MustNewConstMetric(p.errorRate, prometheus.GaugeValue, s.ErrorRate)

	for _, ph := range []metrics.Phase{metrics.PhaseInit, metrics.PhaseRampUp, metrics.PhaseSteady, metrics.PhaseRampDown, metrics.PhaseDone} {
		v := 0.0
		if s.CurrentPhase == ph {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(p.phase, prometheus.GaugeValue, v, string(ph))
	}
}

// summary renders latency as a constant summary. The sum is
// reconstructed from the mean.
func summary(desc *prometheus.Desc, l metrics.LatencyStats, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstSummary(desc,
		uint64(l.Count),
		l.Mean.Seconds()*float64(l.Count),
		map[float64]float64{
			0.5:  l.P50.Seconds(),
			0.9:  l.P90.Seconds(),
			0.95: l.P95.Seconds(),
			0.99: l.P99.Seconds(),
		},
		labels...)
}

var (
	_ metrics.Reporter     = (*Prometheus)(nil)
	_ prometheus.Collector = (*Prometheus)(nil)
)
