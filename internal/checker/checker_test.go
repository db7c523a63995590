package checker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhalen/azure-smartmail/internal/arbiter"
	"github.com/janhalen/azure-smartmail/internal/common"
	"github.com/janhalen/azure-smartmail/internal/dedup"
	"github.com/janhalen/azure-smartmail/internal/distribute"
	"github.com/janhalen/azure-smartmail/internal/mailbox"
	"github.com/janhalen/azure-smartmail/internal/model"
	"github.com/janhalen/azure-smartmail/internal/rules"
	"github.com/janhalen/azure-smartmail/internal/service"
	"github.com/janhalen/azure-smartmail/internal/telemetry"
)

// memProvider is an in-memory mailbox provider with a fixed folder tree, a
// message inventory and a recorded action log.
type memProvider struct {
	messages  map[string]*model.Message
	folders   map[string]bool
	actions   []string
	failFetch bool
	failMove  bool
}

func newMemProvider() *memProvider {
	return &memProvider{
		messages: make(map[string]*model.Message),
		folders: map[string]bool{
			"shared@kommune.dk/Inbox":    true,
			"shared@kommune.dk/Ufordelt": true,
			"shared@kommune.dk/Vand":     true,
		},
	}
}

func (p *memProvider) add(msg *model.Message) {
	p.messages[msg.ID] = msg
}

func (p *memProvider) RootFolder(_ context.Context, mb string) (mailbox.Folder, error) {
	return mailbox.Folder{ID: mb, DisplayName: "root", Mailbox: mb}, nil
}

func (p *memProvider) ChildFolder(_ context.Context, parent mailbox.Folder, name string) (mailbox.Folder, error) {
	id := parent.ID + "/" + name
	if !p.folders[id] {
		return mailbox.Folder{}, common.ErrFolderNotFound
	}
	return mailbox.Folder{ID: id, DisplayName: name, Mailbox: parent.Mailbox}, nil
}

func (p *memProvider) CreateFolder(_ context.Context, parent mailbox.Folder, name string) (mailbox.Folder, error) {
	id := parent.ID + "/" + name
	p.folders[id] = true
	return mailbox.Folder{ID: id, DisplayName: name, Mailbox: parent.Mailbox}, nil
}

func (p *memProvider) ListSince(_ context.Context, _ mailbox.Folder, since time.Time) ([]mailbox.MessageRef, error) {
	var refs []mailbox.MessageRef
	for _, msg := range p.messages {
		if msg.ReceivedAt.After(since) {
			refs = append(refs, mailbox.MessageRef{ID: msg.ID, Subject: msg.Subject, ReceivedAt: msg.ReceivedAt})
		}
	}
	return refs, nil
}

func (p *memProvider) Fetch(_ context.Context, _, messageID string) (*model.Message, error) {
	if p.failFetch {
		return nil, &common.RetryableError{Err: common.ErrProviderRejected, Retryable: false}
	}
	msg, ok := p.messages[messageID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return msg, nil
}

func (p *memProvider) Move(_ context.Context, _, messageID string, folder mailbox.Folder) error {
	if p.failMove {
		return common.ErrProviderRejected
	}
	p.actions = append(p.actions, "move "+messageID+" -> "+folder.ID)
	return nil
}

func (p *memProvider) Copy(_ context.Context, _, messageID string, folder mailbox.Folder) error {
	p.actions = append(p.actions, "copy "+messageID+" -> "+folder.ID)
	return nil
}

func (p *memProvider) Forward(_ context.Context, _, messageID string, to []string, _ string) error {
	p.actions = append(p.actions, "forward "+messageID+" -> "+to[0])
	return nil
}

var _ mailbox.Provider = (*memProvider)(nil)

// memStore is an in-memory audit store.
type memStore struct {
	entries []*model.AuditEntry
	saveErr error
}

func (s *memStore) SaveAuditEntry(_ context.Context, entry *model.AuditEntry) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memStore) ContainsMessage(_ context.Context, tenantID, messageID string, receivedAt time.Time, tolerance time.Duration) (bool, error) {
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.MessageID == messageID {
			diff := e.TimeEmail.Sub(receivedAt)
			if diff < 0 {
				diff = -diff
			}
			if diff < tolerance {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *memStore) RecentProcessed(_ context.Context, tenantID string, limit int) ([]model.ProcessedItemRecord, error) {
	var out []model.ProcessedItemRecord
	for _, e := range s.entries {
		if e.TenantID == tenantID {
			out = append(out, model.ProcessedItemRecord{MessageID: e.MessageID, ReceivedAt: e.TimeEmail})
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

var _ service.AuditStore = (*memStore)(nil)

type fixture struct {
	provider *memProvider
	store    *memStore
	monitor  *telemetry.Recorder
	tracker  *dedup.Tracker
	checker  *Checker
}

func newFixture(t *testing.T, provider *memProvider) *fixture {
	t.Helper()
	ctx := context.Background()
	store := &memStore{}
	monitor := &telemetry.Recorder{}
	retry := service.RetryOptions{MaxAttempts: 1, Delay: time.Millisecond}

	engine, err := rules.NewEngine([]rules.RuleSpec{
		{
			Name:      "water meters",
			Keys:      []string{"vand"},
			Condition: rules.ConditionSpec{Type: rules.TypeSubjectContains, Token: "vandmåler"},
		},
	})
	require.NoError(t, err)

	arb := arbiter.New(engine, nil, nil, monitor, arbiter.Config{})

	router, err := distribute.NewRouter(ctx, provider, []model.Destination{
		{Key: model.FallbackKey, Method: model.MethodMove, Mailbox: "shared@kommune.dk", FolderPath: []string{"Ufordelt"}},
		{Key: "vand", Method: model.MethodMove, Mailbox: "shared@kommune.dk", FolderPath: []string{"Vand"}},
	}, monitor, distribute.Config{SourceMailbox: "shared@kommune.dk", Retry: retry})
	require.NoError(t, err)

	tracker := dedup.NewTracker(store, "tenant-1", 100, time.Second)

	chk, err := New(ctx, provider, arb, router, tracker, store, monitor, nil, Config{
		StartTime:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		TenantID:      "tenant-1",
		ModelVersion:  "v3",
		SourceFolders: [][]string{{"Inbox"}},
		SourceMailbox: "shared@kommune.dk",
		ScanInterval:  time.Minute,
		Lookback:      28 * time.Hour,
		Retry:         retry,
	})
	require.NoError(t, err)

	return &fixture{provider: provider, store: store, monitor: monitor, tracker: tracker, checker: chk}
}

func TestNew_FailsOnUnresolvableSourceFolder(t *testing.T) {
	provider := newMemProvider()
	_, err := New(context.Background(), provider, nil, nil, nil, &memStore{}, &telemetry.Recorder{}, nil, Config{
		TenantID:      "tenant-1",
		SourceMailbox: "shared@kommune.dk",
		SourceFolders: [][]string{{"Findes", "Ikke"}},
		Retry:         service.RetryOptions{MaxAttempts: 1, Delay: time.Millisecond},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve source folder")
}

func TestRunCycle_UnmatchedMessageGoesToFallback(t *testing.T) {
	provider := newMemProvider()
	provider.add(&model.Message{
		ID:         "msg-1",
		ProviderID: "msg-1",
		Subject:    "Jeg har en hund",
		Body:       "Hvad gør jeg?",
		Sender:     "hund@gmail.com",
		ReceivedAt: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
	})
	f := newFixture(t, provider)

	f.checker.runCycle(context.Background())

	assert.Equal(t, []string{"move msg-1 -> shared@kommune.dk/Ufordelt"}, provider.actions)
	require.Len(t, f.store.entries, 1)
	entry := f.store.entries[0]
	assert.Equal(t, "msg-1", entry.MessageID)
	assert.Equal(t, "hund@gmail.com", entry.Sender)
	assert.Equal(t, model.FallbackKey, entry.Classification)
	assert.Equal(t, model.SourceFallback, entry.DecisionSource)
	assert.Equal(t, model.NoModelConfidence, entry.Confidence)
	assert.Equal(t, "tenant-1", entry.TenantID)
	assert.Equal(t, "v3", entry.ModelVersion)
	assert.Equal(t, 1, f.monitor.Handled)
	assert.Equal(t, StateRecording, f.checker.State())
}

func TestRunCycle_RuleMatchMovesToConfiguredFolder(t *testing.T) {
	provider := newMemProvider()
	provider.add(&model.Message{
		ID:         "msg-2",
		ProviderID: "msg-2",
		Subject:    "Aflæsning af vandmåler",
		Sender:     "borger@gmail.com",
		ReceivedAt: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
	})
	f := newFixture(t, provider)

	f.checker.runCycle(context.Background())

	assert.Equal(t, []string{"move msg-2 -> shared@kommune.dk/Vand"}, provider.actions)
	require.Len(t, f.store.entries, 1)
	assert.Equal(t, "vand", f.store.entries[0].Classification)
	assert.Equal(t, model.RuleSource("water meters"), f.store.entries[0].DecisionSource)
}

func TestRunCycle_SeenMessagesAreSkipped(t *testing.T) {
	provider := newMemProvider()
	provider.add(&model.Message{
		ID:         "msg-3",
		ProviderID: "msg-3",
		Subject:    "Jeg har en hund",
		ReceivedAt: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
	})
	f := newFixture(t, provider)

	f.checker.runCycle(context.Background())
	f.checker.runCycle(context.Background())

	assert.Len(t, provider.actions, 1, "second cycle must not redistribute")
	assert.Len(t, f.store.entries, 1)
	assert.Equal(t, 1, f.monitor.Handled)
}

func TestRunCycle_DistributionFailureLeavesNoAuditRow(t *testing.T) {
	provider := newMemProvider()
	provider.failMove = true
	provider.add(&model.Message{
		ID:         "msg-4",
		ProviderID: "msg-4",
		Subject:    "Jeg har en hund",
		ReceivedAt: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
	})
	f := newFixture(t, provider)

	f.checker.runCycle(context.Background())

	assert.Empty(t, f.store.entries)
	assert.Equal(t, 0, f.monitor.Handled)
	assert.NotEmpty(t, f.monitor.ByKind("exception"))

	// the cycle completed, so the recency cache has the message
	seen, err := f.tracker.Seen(context.Background(), "msg-4", time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRunCycle_FetchFailureRoutesToFallback(t *testing.T) {
	provider := newMemProvider()
	provider.failFetch = true
	provider.add(&model.Message{
		ID:         "msg-5",
		ProviderID: "msg-5",
		Subject:    "Utilgængelig",
		ReceivedAt: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
	})
	f := newFixture(t, provider)

	f.checker.runCycle(context.Background())

	assert.Equal(t, []string{"move msg-5 -> shared@kommune.dk/Ufordelt"}, provider.actions)
	require.Len(t, f.store.entries, 1)
	assert.Equal(t, model.ThresholdTypePredictionFailed, f.store.entries[0].ThresholdType)
	assert.NotEmpty(t, f.monitor.ByKind("exception"))
}

func TestRunCycle_AuditFailureStillMarksMessage(t *testing.T) {
	provider := newMemProvider()
	provider.add(&model.Message{
		ID:         "msg-6",
		ProviderID: "msg-6",
		Subject:    "Jeg har en hund",
		ReceivedAt: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC),
	})
	f := newFixture(t, provider)
	f.store.saveErr = common.ErrStoreUnavailable

	f.checker.runCycle(context.Background())

	assert.Len(t, provider.actions, 1, "distribution happened")
	assert.Empty(t, f.store.entries)
	assert.NotEmpty(t, f.monitor.ByKind("exception"))

	// dedup still answers true from the cache despite the missing row
	seen, err := f.tracker.Seen(context.Background(), "msg-6", time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestScanSince(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, newMemProvider())
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, start, f.checker.scanSince(now), "first scan uses the absolute start time")

	f.checker.initialRun = false
	assert.Equal(t, now.Add(-28*time.Hour), f.checker.scanSince(now), "later scans use the rolling lookback")

	// the window never reaches back before the start time
	early := start.Add(time.Hour)
	assert.Equal(t, start, f.checker.scanSince(early))
}
