// Package telemetry provides the monitoring sinks the processing loop
// reports to: a Prometheus-backed monitor for deployments and a log-only
// monitor for development.
package telemetry

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/janhalen/azure-smartmail/internal/service"
)

// PrometheusMonitor implements service.Monitor with Prometheus metrics and
// structured logs.
type PrometheusMonitor struct {
	logger     *slog.Logger
	registry   *prometheus.Registry
	heartbeat  prometheus.Gauge
	handled    prometheus.Counter
	exceptions prometheus.Counter
	tenantID   string
}

var _ service.Monitor = (*PrometheusMonitor)(nil)

// NewPrometheusMonitor creates a monitor registering its metrics, labelled by
// tenant, on the given registry.
func NewPrometheusMonitor(registry *prometheus.Registry, tenantID string) *PrometheusMonitor {
	labels := prometheus.Labels{"tenant": tenantID}

	m := &PrometheusMonitor{
		logger:   slog.Default().With("tenant", tenantID),
		registry: registry,
		tenantID: tenantID,
		heartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "smartmail_heartbeat_timestamp_seconds",
			Help:        "Unix time of the most recent scan-cycle heartbeat.",
			ConstLabels: labels,
		}),
		handled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "smartmail_messages_handled_total",
			Help:        "Messages successfully distributed and recorded.",
			ConstLabels: labels,
		}),
		exceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "smartmail_exceptions_total",
			Help:        "Recovered and fatal exceptions reported by the loop.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(m.heartbeat, m.handled, m.exceptions)
	return m
}

// Info logs a structured info event.
func (m *PrometheusMonitor) Info(msg string, fields map[string]any) {
	m.logger.Info(msg, attrs(fields)...)
}

// Warning logs a structured warning event.
func (m *PrometheusMonitor) Warning(msg string, fields map[string]any) {
	m.logger.Warn(msg, attrs(fields)...)
}

// Exception logs a structured error event and counts it.
func (m *PrometheusMonitor) Exception(msg string, fields map[string]any) {
	m.exceptions.Inc()
	m.logger.Error(msg, attrs(fields)...)
}

// Heartbeat records the liveness signal.
func (m *PrometheusMonitor) Heartbeat() {
	m.heartbeat.SetToCurrentTime()
}

// MessageHandled counts one completed message.
func (m *PrometheusMonitor) MessageHandled() {
	m.handled.Inc()
}

// MessageTrace records a per-message diagnostic event.
func (m *PrometheusMonitor) MessageTrace(messageID, msg string) {
	m.logger.Debug(msg, "message_id", messageID)
}

// Handler exposes the metrics endpoint for the registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func attrs(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
