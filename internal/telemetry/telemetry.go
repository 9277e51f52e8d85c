// Package telemetry holds the process-wide log sink and the prometheus
// metrics recorded by fleet operations.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

// Operation results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics is a private registry of operation counters. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	stages        *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docluster",
				Name:      "operations_total",
				Help:      "Droplet operations by kind and result",
			},
			[]string{"op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "docluster",
				Name:      "operation_duration_seconds",
				Help:      "Duration of droplet operations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
			},
			[]string{"op"},
		),
		stages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docluster",
				Name:      "creation_stage_total",
				Help:      "Creation state transitions by stage and result",
			},
			[]string{"stage", "result"},
		),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docluster",
				Name:      "transfer_bytes_total",
				Help:      "Bytes moved over SFTP by direction",
			},
			[]string{"direction"},
		),
	}
	m.registry.MustRegister(m.operations, m.duration, m.stages, m.transferBytes)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOperation records one finished operation.
func (m *Metrics) ObserveOperation(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// ObserveStage records the outcome of one creation state transition.
func (m *Metrics) ObserveStage(stage string, err error) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage, resultLabel(err)).Inc()
}

// AddTransferBytes records bytes moved in direction "up" or "down".
func (m *Metrics) AddTransferBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

func resultLabel(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// Push sends the registry to a pushgateway once, the usual pattern for
// short-lived batch jobs. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if job == "" {
		job = "docluster"
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	log.Debug().Str("url", url).Str("job", job).Msg("Pushed metrics")
	return nil
}
