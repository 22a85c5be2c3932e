// Package metrics records stage lifecycle events as Prometheus metrics and
// exports them as a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lex00/wetwire-vpn-go/internal/orchestrator"
)

const metricsNamespace = "wetwire_vpn"

// Collector implements orchestrator.Observer on top of Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	stageResults  *prometheus.CounterVec
	handlePolls   *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
}

var _ orchestrator.Observer = (*Collector)(nil)

// NewCollector returns a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Time taken to materialize a stage.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"stage"},
		),
		stageResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stage_results_total",
				Help:      "Stage outcomes by result: materialized, resumed or failed.",
			}, []string{"stage", "result"},
		),
		handlePolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handle_polls_total",
				Help:      "Polls spent waiting for a collaborator to allocate a handle.",
			}, []string{"stage", "handle"},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_stage_success_timestamp_seconds",
				Help:      "Unix time of the last stage that completed.",
			},
		),
	}
	c.registry.MustRegister(c)
	return c
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.stageDuration.Describe(ch)
	c.stageResults.Describe(ch)
	c.handlePolls.Describe(ch)
	c.lastSuccess.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.stageDuration.Collect(ch)
	c.stageResults.Collect(ch)
	c.handlePolls.Collect(ch)
	c.lastSuccess.Collect(ch)
}

func (c *Collector) StageStarted(string) {}

func (c *Collector) StageCompleted(stage string, elapsed time.Duration, resumed bool) {
	if resumed {
		c.stageResults.WithLabelValues(stage, "resumed").Inc()
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	c.stageResults.WithLabelValues(stage, "materialized").Inc()
	c.lastSuccess.SetToCurrentTime()
}

func (c *Collector) StageFailed(stage string, _ error) {
	c.stageResults.WithLabelValues(stage, "failed").Inc()
}

func (c *Collector) HandlePolled(stage, handle string, _ int) {
	c.handlePolls.WithLabelValues(stage, handle).Inc()
}

// Gatherer exposes the registry.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// WriteTextfile writes the metrics in the text exposition format. The file
// is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
