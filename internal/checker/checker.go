// Package checker drives the scan, decide, distribute, record cycle for one
// mailbox tenant.
package checker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/janhalen/azure-smartmail/internal/arbiter"
	"github.com/janhalen/azure-smartmail/internal/classify"
	"github.com/janhalen/azure-smartmail/internal/common"
	"github.com/janhalen/azure-smartmail/internal/dedup"
	"github.com/janhalen/azure-smartmail/internal/distribute"
	"github.com/janhalen/azure-smartmail/internal/mailbox"
	"github.com/janhalen/azure-smartmail/internal/model"
	"github.com/janhalen/azure-smartmail/internal/service"
)

// State is the loop's current phase within a scan cycle.
type State string

// Processing loop states.
const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateDeciding     State = "deciding"
	StateDistributing State = "distributing"
	StateRecording    State = "recording"
	StateTerminated   State = "terminated"
)

// Config holds per-tenant loop settings.
type Config struct {
	// StartTime bounds the very first scan; later scans use a rolling
	// lookback window clamped to it.
	StartTime    time.Time
	TenantID     string
	ModelVersion string
	// SourceFolders are folder paths below the source mailbox root.
	SourceFolders [][]string
	SourceMailbox string
	// FallbackKey routes messages whose retrieval failed. Empty means
	// model.FallbackKey.
	FallbackKey  string
	ScanInterval time.Duration
	Lookback     time.Duration
	Retry        service.RetryOptions
	Threshold    float64
}

// Checker owns one tenant's processing loop: mailbox connection, recency
// cache and audit stream are exclusive to it, so message handling is strictly
// sequential and needs no locking.
type Checker struct {
	startTime  time.Time
	provider   mailbox.Provider
	arbiter    *arbiter.Arbiter
	router     *distribute.Router
	tracker    *dedup.Tracker
	store      service.AuditStore
	monitor    service.Monitor
	classifier classify.Classifier
	logger     *slog.Logger

	tenantID      string
	modelVersion  string
	sourceMailbox string
	fallbackKey   string
	state         State
	folders       []mailbox.Folder
	scanInterval  time.Duration
	lookback      time.Duration
	retry         service.RetryOptions
	threshold     float64
	initialRun    bool
}

// New resolves the tenant's source folders and assembles the loop.
// classifier may be nil when the tenant has no model configured.
func New(ctx context.Context, provider mailbox.Provider, arb *arbiter.Arbiter, router *distribute.Router, tracker *dedup.Tracker, store service.AuditStore, monitor service.Monitor, classifier classify.Classifier, cfg Config) (*Checker, error) {
	c := &Checker{
		startTime:     cfg.StartTime,
		provider:      provider,
		arbiter:       arb,
		router:        router,
		tracker:       tracker,
		store:         store,
		monitor:       monitor,
		classifier:    classifier,
		logger:        slog.Default().With("tenant", cfg.TenantID),
		tenantID:      cfg.TenantID,
		modelVersion:  cfg.ModelVersion,
		sourceMailbox: cfg.SourceMailbox,
		fallbackKey:   strings.ToLower(cfg.FallbackKey),
		state:         StateIdle,
		scanInterval:  cfg.ScanInterval,
		lookback:      cfg.Lookback,
		retry:         cfg.Retry,
		threshold:     cfg.Threshold,
		initialRun:    true,
	}
	if c.fallbackKey == "" {
		c.fallbackKey = model.FallbackKey
	}
	if c.scanInterval <= 0 {
		c.scanInterval = time.Minute
	}
	if c.lookback <= 0 {
		c.lookback = 28 * time.Hour
	}

	for _, path := range cfg.SourceFolders {
		folder, err := c.resolveSourceFolder(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("resolve source folder %v: %w", path, err)
		}
		c.folders = append(c.folders, folder)
	}
	if len(c.folders) == 0 {
		return nil, fmt.Errorf("%w: tenant %q has no source folders", common.ErrInvalidConfig, cfg.TenantID)
	}

	return c, nil
}

func (c *Checker) resolveSourceFolder(ctx context.Context, path []string) (mailbox.Folder, error) {
	var folder mailbox.Folder
	err := common.WithRetry(ctx, func() error {
		root, rootErr := c.provider.RootFolder(ctx, c.sourceMailbox)
		if rootErr != nil {
			return rootErr
		}
		folder = root
		for _, segment := range path {
			child, childErr := c.provider.ChildFolder(ctx, folder, segment)
			if childErr != nil {
				return childErr
			}
			folder = child
		}
		return nil
	}, c.retry)
	return folder, err
}

// State returns the loop's current phase.
func (c *Checker) State() State {
	return c.state
}

// Run executes scan cycles until ctx is cancelled. Cancellation is honored at
// the inter-scan sleep and between messages, never in the middle of a single
// message's distribution.
func (c *Checker) Run(ctx context.Context) error {
	if c.classifier != nil {
		if err := c.classifier.Warmup(ctx); err != nil {
			c.monitor.Exception("classifier warmup failed", map[string]any{"error": err.Error()})
		}
	}

	c.warmStartCache(ctx)
	c.logBanner()

	for {
		c.monitor.Heartbeat()
		c.runCycle(ctx)
		c.state = StateIdle

		select {
		case <-ctx.Done():
			c.state = StateTerminated
			c.logger.Info("processing loop terminated")
			return ctx.Err()
		case <-time.After(c.scanInterval):
		}
	}
}

// warmStartCache seeds the recency cache from recent audit rows. A store
// failure here only costs cold-start lookups, so it is logged and ignored.
func (c *Checker) warmStartCache(ctx context.Context) {
	records, err := c.store.RecentProcessed(ctx, c.tenantID, dedup.DefaultCapacity/4)
	if err != nil {
		c.logger.Warn("recency cache warm start failed", "error", err)
		return
	}
	c.tracker.WarmStart(records)
	c.logger.Info("recency cache warmed", "records", len(records))
}

func (c *Checker) logBanner() {
	c.logger.Info("mail check service initialized",
		"source_mailbox", c.sourceMailbox,
		"source_folders", len(c.folders),
		"scan_interval", c.scanInterval,
		"lookback", c.lookback,
		"destinations", len(c.router.Destinations()),
		"model_version", c.modelVersion)
	for key, dest := range c.router.Destinations() {
		c.logger.Info("destination",
			"key", key,
			"method", dest.Method,
			"mailbox", dest.Mailbox,
			"folder", dest.FolderPath)
	}
}

// scanSince returns the received-time lower bound for this cycle: the
// configured absolute start on the first run, afterwards a rolling lookback
// window that never reaches back before the start time.
func (c *Checker) scanSince(now time.Time) time.Time {
	if c.initialRun {
		return c.startTime
	}
	since := now.Add(-c.lookback)
	if since.Before(c.startTime) {
		return c.startTime
	}
	return since
}

func (c *Checker) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	since := c.scanSince(time.Now())
	c.initialRun = false

	for _, folder := range c.folders {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.state = StateScanning
		var refs []mailbox.MessageRef
		err := common.WithRetry(ctx, func() error {
			var listErr error
			refs, listErr = c.provider.ListSince(ctx, folder, since)
			return listErr
		}, c.retry)
		if err != nil {
			c.monitor.Exception("folder scan failed", map[string]any{
				"cycle":  cycleID,
				"folder": folder.DisplayName,
				"error":  err.Error(),
			})
			continue
		}

		newCount, seenCount := 0, 0
		for _, ref := range refs {
			select {
			case <-ctx.Done():
				return
			default:
			}

			seen, err := c.tracker.Seen(ctx, ref.ID, ref.ReceivedAt)
			if err != nil {
				c.monitor.Exception("dedup lookup failed, aborting cycle", map[string]any{
					"cycle":      cycleID,
					"message_id": ref.ID,
					"error":      err.Error(),
				})
				return
			}
			if seen {
				seenCount++
				continue
			}

			newCount++
			c.handleMessage(ctx, folder, ref)
		}

		c.logger.Info("folder scan complete",
			"cycle", cycleID,
			"folder", folder.DisplayName,
			"since", since,
			"total", len(refs),
			"new", newCount,
			"already_processed", seenCount)
	}
}

// handleMessage runs one message through decide, distribute and record. It
// never returns an error: every failure is reported and the loop moves on to
// the next candidate.
func (c *Checker) handleMessage(ctx context.Context, folder mailbox.Folder, ref mailbox.MessageRef) {
	timeIn := time.Now()

	msg, fetchErr := c.fetchMessage(ctx, ref)
	c.monitor.MessageTrace(ref.ID, "new message, processing")

	c.state = StateDeciding
	var decision model.RoutingDecision
	if fetchErr != nil {
		// retrieval failed: route what we know about the message to fallback
		c.monitor.Exception("message retrieval failed, routing to fallback", map[string]any{
			"message_id": ref.ID,
			"subject":    ref.Subject,
			"error":      fetchErr.Error(),
		})
		msg = &model.Message{
			ID:         ref.ID,
			ProviderID: ref.ID,
			Subject:    ref.Subject,
			ReceivedAt: ref.ReceivedAt,
		}
		decision = model.RoutingDecision{
			Source:        model.SourceFallback,
			Keys:          []string{c.fallbackKey},
			Confidence:    0,
			Threshold:     c.threshold,
			ThresholdType: model.ThresholdTypePredictionFailed,
		}
	} else {
		decision = c.arbiter.Decide(ctx, msg)
	}

	c.state = StateDistributing
	if err := c.router.Distribute(ctx, msg, decision.Keys); err != nil {
		// marked in the in-memory cache only: nothing reaches the audit
		// store, so the message surfaces again after a restart or eviction
		c.monitor.Exception("distribution failed", map[string]any{
			"message_id": msg.ID,
			"subject":    msg.Subject,
			"keys":       decision.Keys,
			"error":      err.Error(),
		})
		c.tracker.Mark(msg.ID, msg.ReceivedAt)
		return
	}

	c.state = StateRecording
	c.tracker.Mark(msg.ID, msg.ReceivedAt)
	c.recordDecision(ctx, msg, decision, timeIn)
	c.monitor.MessageHandled()
	c.monitor.MessageTrace(msg.ID, "message handled")
}

func (c *Checker) fetchMessage(ctx context.Context, ref mailbox.MessageRef) (*model.Message, error) {
	var msg *model.Message
	err := common.WithRetry(ctx, func() error {
		var fetchErr error
		msg, fetchErr = c.provider.Fetch(ctx, c.sourceMailbox, ref.ID)
		return fetchErr
	}, c.retry)
	return msg, err
}

// recordDecision writes one audit row per routing key. The store already
// performs one reconnect-and-retry internally; a failure past that is fatal
// for the write but the message stays deduplicated, an explicit and
// documented inconsistency window.
func (c *Checker) recordDecision(ctx context.Context, msg *model.Message, decision model.RoutingDecision, timeIn time.Time) {
	timeOut := time.Now()
	for _, key := range decision.Keys {
		entry := &model.AuditEntry{
			TimeIn:         timeIn,
			TimeOut:        timeOut,
			TimeEmail:      msg.ReceivedAt,
			MessageID:      msg.ID,
			Sender:         msg.Sender,
			Classification: key,
			DecisionSource: decision.Source,
			Text:           msg.CombinedText(),
			ThresholdType:  decision.ThresholdType,
			ModelCategory:  decision.ModelCategory,
			TenantID:       c.tenantID,
			ModelVersion:   c.modelVersion,
			Confidence:     decision.Confidence,
			Threshold:      decision.Threshold,
		}
		if err := c.store.SaveAuditEntry(ctx, entry); err != nil {
			c.monitor.Exception("audit write failed", map[string]any{
				"message_id": msg.ID,
				"key":        key,
				"error":      err.Error(),
			})
			return
		}
	}
}
