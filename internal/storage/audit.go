package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/janhalen/azure-smartmail/internal/model"
)

// maxTextLen bounds the extracted text stored per audit row.
const maxTextLen = 4000

// maxFieldLen bounds the free-form string columns.
const maxFieldLen = 512

// SaveAuditEntry appends one audit row. Text is sanitized and truncated to
// the column budget before insertion.
func (s *SQLiteStore) SaveAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit entry must not be nil")
	}

	return s.withReconnect(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (
				message_id, timestamp_in, timestamp_out, timestamp_email_ms,
				sender, classification, confidence, decision_source, text,
				sorting_threshold, sorting_threshold_type, model_classification,
				tenant_id, model_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			truncate(entry.MessageID, maxFieldLen),
			entry.TimeIn.UTC().Format(time.RFC3339Nano),
			entry.TimeOut.UTC().Format(time.RFC3339Nano),
			entry.TimeEmail.UnixMilli(),
			truncate(entry.Sender, maxFieldLen),
			truncate(entry.Classification, maxFieldLen),
			entry.Confidence,
			truncate(string(entry.DecisionSource), maxFieldLen),
			sanitizeText(entry.Text, maxTextLen),
			entry.Threshold,
			truncate(entry.ThresholdType, maxFieldLen),
			truncate(entry.ModelCategory, maxFieldLen),
			entry.TenantID,
			truncate(entry.ModelVersion, maxFieldLen),
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
		return nil
	})
}

// ContainsMessage reports whether a completed distribution exists for this
// tenant and message id with an email timestamp within tolerance.
func (s *SQLiteStore) ContainsMessage(ctx context.Context, tenantID, messageID string, receivedAt time.Time, tolerance time.Duration) (bool, error) {
	var count int
	err := s.withReconnect(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM audit_log
			WHERE tenant_id = ? AND message_id = ?
			AND ABS(timestamp_email_ms - ?) < ?`,
			tenantID, messageID, receivedAt.UnixMilli(), tolerance.Milliseconds(),
		).Scan(&count)
	})
	if err != nil {
		return false, fmt.Errorf("failed to query audit log: %w", err)
	}
	return count > 0, nil
}

// RecentProcessed returns the most recently processed records for a tenant,
// oldest first, for recency-cache warm starts.
func (s *SQLiteStore) RecentProcessed(ctx context.Context, tenantID string, limit int) ([]model.ProcessedItemRecord, error) {
	if limit <= 0 {
		limit = 500
	}

	var records []model.ProcessedItemRecord
	err := s.withReconnect(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT message_id, timestamp_email_ms FROM audit_log
			WHERE tenant_id = ?
			ORDER BY timestamp_email_ms DESC
			LIMIT ?`,
			tenantID, limit,
		)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		records = records[:0]
		for rows.Next() {
			var record model.ProcessedItemRecord
			var ms int64
			if err := rows.Scan(&record.MessageID, &ms); err != nil {
				return err
			}
			record.ReceivedAt = time.UnixMilli(ms).UTC()
			records = append(records, record)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load processed records: %w", err)
	}

	// query is newest-first; flip so the oldest seeds the cache first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// sanitizeText replaces runes needing more than two UTF-8 bytes with a space
// and truncates to the column budget.
func sanitizeText(text string, limit int) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if utf8.RuneLen(r) > 2 {
			b.WriteByte(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return truncate(b.String(), limit)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
