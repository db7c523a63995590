package telemetry

import (
	"log/slog"

	"github.com/janhalen/azure-smartmail/internal/service"
)

// LogMonitor is a metrics-free monitor writing everything to the logger.
// Used in development and by the offline config checker.
type LogMonitor struct {
	logger *slog.Logger
}

var _ service.Monitor = (*LogMonitor)(nil)

// NewLogMonitor creates a log-only monitor scoped to a tenant.
func NewLogMonitor(tenantID string) *LogMonitor {
	return &LogMonitor{logger: slog.Default().With("tenant", tenantID)}
}

// Info logs a structured info event.
func (m *LogMonitor) Info(msg string, fields map[string]any) {
	m.logger.Info(msg, attrs(fields)...)
}

// Warning logs a structured warning event.
func (m *LogMonitor) Warning(msg string, fields map[string]any) {
	m.logger.Warn(msg, attrs(fields)...)
}

// Exception logs a structured error event.
func (m *LogMonitor) Exception(msg string, fields map[string]any) {
	m.logger.Error(msg, attrs(fields)...)
}

// Heartbeat logs the liveness signal.
func (m *LogMonitor) Heartbeat() {
	m.logger.Debug("heartbeat")
}

// MessageHandled logs one completed message.
func (m *LogMonitor) MessageHandled() {
	m.logger.Debug("message handled")
}

// MessageTrace logs a per-message diagnostic event.
func (m *LogMonitor) MessageTrace(messageID, msg string) {
	m.logger.Debug(msg, "message_id", messageID)
}
