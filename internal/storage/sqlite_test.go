package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhalen/azure-smartmail/internal/model"
	"github.com/janhalen/azure-smartmail/internal/service"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"), service.StoreRetryOptions{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEntry(tenantID, messageID string, receivedAt time.Time) *model.AuditEntry {
	return &model.AuditEntry{
		TimeIn:         receivedAt.Add(time.Second),
		TimeOut:        receivedAt.Add(2 * time.Second),
		TimeEmail:      receivedAt,
		MessageID:      messageID,
		Sender:         "borger@gmail.com",
		Classification: "vand",
		DecisionSource: model.SourceModel,
		Text:           "Aflæsning af vandmåler",
		ThresholdType:  model.ThresholdTypeDefault,
		ModelCategory:  "Vand",
		TenantID:       tenantID,
		ModelVersion:   "v3",
		Confidence:     0.97,
		Threshold:      0.8,
	}
}

func TestSQLiteStore_SaveAndContains(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	receivedAt := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveAuditEntry(ctx, testEntry("tenant-1", "msg-1", receivedAt)))

	tests := []struct {
		name       string
		tenantID   string
		messageID  string
		receivedAt time.Time
		want       bool
	}{
		{"exact timestamp", "tenant-1", "msg-1", receivedAt, true},
		{"within tolerance", "tenant-1", "msg-1", receivedAt.Add(500 * time.Millisecond), true},
		{"just outside tolerance", "tenant-1", "msg-1", receivedAt.Add(time.Second), false},
		{"other message", "tenant-1", "msg-2", receivedAt, false},
		{"other tenant", "tenant-2", "msg-1", receivedAt, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ContainsMessage(ctx, tt.tenantID, tt.messageID, tt.receivedAt, 900*time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLiteStore_RecentProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"msg-a", "msg-b", "msg-c"} {
		require.NoError(t, store.SaveAuditEntry(ctx, testEntry("tenant-1", id, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.SaveAuditEntry(ctx, testEntry("tenant-2", "other", base)))

	t.Run("oldest first", func(t *testing.T) {
		records, err := store.RecentProcessed(ctx, "tenant-1", 10)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "msg-a", records[0].MessageID)
		assert.Equal(t, "msg-c", records[2].MessageID)
		assert.Equal(t, base, records[0].ReceivedAt)
	})

	t.Run("limit drops the oldest", func(t *testing.T) {
		records, err := store.RecentProcessed(ctx, "tenant-1", 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "msg-b", records[0].MessageID)
		assert.Equal(t, "msg-c", records[1].MessageID)
	})

	t.Run("unknown tenant is empty", func(t *testing.T) {
		records, err := store.RecentProcessed(ctx, "tenant-9", 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestSQLiteStore_MultiKeyDecisionKeepsOneRowPerKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	receivedAt := time.Now().UTC().Truncate(time.Millisecond)

	first := testEntry("tenant-1", "msg-1", receivedAt)
	first.Classification = "vand"
	second := testEntry("tenant-1", "msg-1", receivedAt)
	second.Classification = "arkiv"

	require.NoError(t, store.SaveAuditEntry(ctx, first))
	require.NoError(t, store.SaveAuditEntry(ctx, second))

	var count int
	require.NoError(t, store.db.QueryRow(
		`SELECT COUNT(*) FROM audit_log WHERE tenant_id = ? AND message_id = ?`,
		"tenant-1", "msg-1").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestSQLiteStore_NilEntry(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.SaveAuditEntry(context.Background(), nil))
}

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{
			name:  "ascii passes",
			in:    "hello world",
			limit: 100,
			want:  "hello world",
		},
		{
			name:  "danish letters are two bytes and survive",
			in:    "blåbærgrød",
			limit: 100,
			want:  "blåbærgrød",
		},
		{
			name:  "wide runes become spaces",
			in:    "god sag \U0001F600 tak ❤",
			limit: 100,
			want:  "god sag   tak  ",
		},
		{
			name:  "truncated by rune count",
			in:    "æøåæøåæøå",
			limit: 4,
			want:  "æøåæ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeText(tt.in, tt.limit))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcd", 2))
	assert.Equal(t, strings.Repeat("x", 5), truncate(strings.Repeat("x", 50), 5))
}
