package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Deployment stages observed by StageDuration.
const (
	StageSigner  = "signer"
	StageFactory = "factory"
	StageSubmit  = "submit"
	StageConfirm = "confirm"
)

// Metrics holds the collectors of one deployer process. A deployer exits
// after a single run, so there is no scrape endpoint; the registry is
// written to a node_exporter textfile instead.
type Metrics struct {
	registry *prometheus.Registry

	deploymentsTotal *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	gasUsed          prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		deploymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deployments_total",
				Help: "Total number of contract deployments by contract and outcome",
			},
			[]string{"contract", "outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deployment_stage_duration_seconds",
				Help:    "Duration of each deployment stage in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		gasUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deployment_gas_used",
			Help: "Gas used by the last confirmed contract creation",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordOutcome counts one finished deployment. outcome is either
// "confirmed" or the lowercase failure code.
func (m *Metrics) RecordOutcome(contract, outcome string) {
	if m == nil {
		return
	}
	m.deploymentsTotal.WithLabelValues(contract, outcome).Inc()
}

// StageDuration records how long a stage took.
func (m *Metrics) StageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordGasUsed stores the gas consumed by the creation transaction.
func (m *Metrics) RecordGasUsed(gas uint64) {
	if m == nil {
		return
	}
	m.gasUsed.Set(float64(gas))
}

// WriteTextfile writes the registry in Prometheus text format to path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
