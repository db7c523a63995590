// Package dedup prevents reprocessing of messages with a bounded in-process
// recency cache fronting the persistent audit store.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/janhalen/azure-smartmail/internal/model"
	"github.com/janhalen/azure-smartmail/internal/service"
)

// DefaultCapacity bounds the recency cache when no capacity is configured.
const DefaultCapacity = 2000

// DefaultTolerance absorbs clock and precision differences between the
// mailbox source and the store when comparing received timestamps.
const DefaultTolerance = 900 * time.Millisecond

type recordKey struct {
	id         string
	receivedAt int64
}

// Tracker answers "have we seen this message". The cache evicts FIFO (oldest
// inserted first) and is owned exclusively by one tenant's loop; no locking.
type Tracker struct {
	store     service.AuditStore
	present   map[recordKey]struct{}
	order     []recordKey
	tenantID  string
	tolerance time.Duration
	capacity  int
}

// NewTracker creates a tracker for one tenant. capacity <= 0 selects
// DefaultCapacity; tolerance <= 0 selects DefaultTolerance.
func NewTracker(store service.AuditStore, tenantID string, capacity int, tolerance time.Duration) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Tracker{
		store:     store,
		present:   make(map[recordKey]struct{}, capacity),
		order:     make([]recordKey, 0, capacity),
		tenantID:  tenantID,
		tolerance: tolerance,
		capacity:  capacity,
	}
}

// WarmStart seeds the cache, oldest record first.
func (t *Tracker) WarmStart(records []model.ProcessedItemRecord) {
	for _, r := range records {
		t.insert(keyFor(r.MessageID, r.ReceivedAt))
	}
}

// Seen reports whether the message was already processed. A cache miss falls
// through to the store; a store hit is promoted into the cache. A miss in
// both is reported unseen and does not mark the message.
func (t *Tracker) Seen(ctx context.Context, messageID string, receivedAt time.Time) (bool, error) {
	key := keyFor(messageID, receivedAt)
	if _, ok := t.present[key]; ok {
		return true, nil
	}

	inStore, err := t.store.ContainsMessage(ctx, t.tenantID, messageID, receivedAt, t.tolerance)
	if err != nil {
		return false, fmt.Errorf("dedup store lookup: %w", err)
	}
	if inStore {
		t.insert(key)
		return true, nil
	}

	return false, nil
}

// Mark records a completed decision cycle for the message. The mark means
// "seen", not "done": it is applied whether or not distribution succeeded.
func (t *Tracker) Mark(messageID string, receivedAt time.Time) {
	t.insert(keyFor(messageID, receivedAt))
}

// Len returns the number of cached records.
func (t *Tracker) Len() int {
	return len(t.order)
}

func (t *Tracker) insert(key recordKey) {
	if _, ok := t.present[key]; ok {
		return
	}
	if len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.present, oldest)
	}
	t.order = append(t.order, key)
	t.present[key] = struct{}{}
}

func keyFor(messageID string, receivedAt time.Time) recordKey {
	return recordKey{id: messageID, receivedAt: receivedAt.UnixMilli()}
}
