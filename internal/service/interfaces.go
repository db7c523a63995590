// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/janhalen/azure-smartmail/internal/model"
)

// AuditStore is the persistent audit log. Writes are append-only; the read
// side exists solely for deduplication lookups and recency-cache warm starts.
type AuditStore interface {
	// SaveAuditEntry appends one row. The caller fans a multi-key decision
	// out into one entry per key.
	SaveAuditEntry(ctx context.Context, entry *model.AuditEntry) error

	// ContainsMessage reports whether a completed distribution for this
	// (tenant, message id) pair exists with an email timestamp within
	// tolerance of receivedAt.
	ContainsMessage(ctx context.Context, tenantID, messageID string, receivedAt time.Time, tolerance time.Duration) (bool, error)

	// RecentProcessed returns the most recently processed records for a
	// tenant, oldest first, bounded by limit.
	RecentProcessed(ctx context.Context, tenantID string, limit int) ([]model.ProcessedItemRecord, error)

	Close() error
}

// Monitor is the telemetry sink. Implementations must never return control
// flow to the caller based on sink failures; the core treats telemetry as
// fire-and-forget.
type Monitor interface {
	Info(msg string, fields map[string]any)
	Warning(msg string, fields map[string]any)
	Exception(msg string, fields map[string]any)

	// Heartbeat signals liveness once per scan cycle.
	Heartbeat()
	// MessageHandled counts one successfully distributed and recorded message.
	MessageHandled()
	// MessageTrace records a per-message diagnostic event.
	MessageTrace(messageID, msg string)
}

// RetryOptions configures the bounded fixed-delay retry used for mailbox
// provider operations.
type RetryOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// StoreRetryOptions configures reconnect behavior for the audit store:
// exponential backoff with jitter between attempts.
type StoreRetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
}
