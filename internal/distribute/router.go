// Package distribute maps routing keys to destinations and executes
// move/copy/forward actions with conflict resolution and retry.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/janhalen/azure-smartmail/internal/common"
	"github.com/janhalen/azure-smartmail/internal/mailbox"
	"github.com/janhalen/azure-smartmail/internal/model"
	"github.com/janhalen/azure-smartmail/internal/service"
)

// Mode selects how destinations are executed.
type Mode string

// Router modes. Production performs the configured action; test_copy turns
// move into copy and skips forwards; stdout only logs what would happen.
const (
	ModeProduction Mode = "production"
	ModeTestCopy   Mode = "test_copy"
	ModeStdout     Mode = "stdout"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProduction, ModeTestCopy, ModeStdout:
		return Mode(s), nil
	case "":
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("unknown distribution mode %q", s)
	}
}

// methodOrder fixes execution priority: non-destructive actions first so a
// late failure cannot leave earlier side effects inconsistent with the audit.
var methodOrder = map[model.Method]int{
	model.MethodCopy:    0,
	model.MethodForward: 1,
	model.MethodMove:    2,
}

type resolvedDestination struct {
	dest   model.Destination
	folder mailbox.Folder
}

// Config holds router construction settings.
type Config struct {
	// SourceMailbox is the mailbox the routed messages live in.
	SourceMailbox string
	Mode          Mode
	// AutoCreate creates missing destination folders during validation
	// instead of failing startup.
	AutoCreate bool
	// FallbackKey names the destination for unplaceable messages. Empty
	// means model.FallbackKey.
	FallbackKey string
	Retry       service.RetryOptions
}

// Router executes routing decisions against the mailbox provider.
type Router struct {
	provider      mailbox.Provider
	monitor       service.Monitor
	destinations  map[string]resolvedDestination
	sourceMailbox string
	mode          Mode
	fallbackKey   string
	retry         service.RetryOptions
}

// NewRouter validates every destination up front: the method must be known,
// move/copy folders must resolve (or be created when auto-create is on), and
// the distinguished fallback key must exist. Any violation is a fatal
// configuration error.
func NewRouter(ctx context.Context, provider mailbox.Provider, destinations []model.Destination, monitor service.Monitor, cfg Config) (*Router, error) {
	r := &Router{
		provider:      provider,
		monitor:       monitor,
		destinations:  make(map[string]resolvedDestination, len(destinations)),
		sourceMailbox: cfg.SourceMailbox,
		mode:          cfg.Mode,
		fallbackKey:   strings.ToLower(cfg.FallbackKey),
		retry:         cfg.Retry,
	}
	if r.mode == "" {
		r.mode = ModeProduction
	}
	if r.fallbackKey == "" {
		r.fallbackKey = model.FallbackKey
	}

	for _, dest := range destinations {
		if _, err := model.ParseMethod(string(dest.Method)); err != nil {
			return nil, fmt.Errorf("%w: destination %q: %v", common.ErrInvalidConfig, dest.Key, err)
		}

		resolved := resolvedDestination{dest: dest}
		if dest.Method == model.MethodMove || dest.Method == model.MethodCopy {
			folder, err := r.resolveFolder(ctx, dest, cfg.AutoCreate)
			if err != nil {
				return nil, fmt.Errorf("%w: destination %q: %v", common.ErrInvalidConfig, dest.Key, err)
			}
			resolved.folder = folder
		}

		r.destinations[strings.ToLower(dest.Key)] = resolved
	}

	if _, ok := r.destinations[r.fallbackKey]; !ok {
		return nil, fmt.Errorf("%w: no %q key in destinations", common.ErrInvalidConfig, r.fallbackKey)
	}

	return r, nil
}

// resolveFolder walks the destination's folder path segment by segment,
// creating missing segments when autoCreate is set.
func (r *Router) resolveFolder(ctx context.Context, dest model.Destination, autoCreate bool) (mailbox.Folder, error) {
	if len(dest.FolderPath) == 0 {
		return mailbox.Folder{}, fmt.Errorf("no folder path for %s destination", dest.Method)
	}

	var folder mailbox.Folder
	err := common.WithRetry(ctx, func() error {
		root, rootErr := r.provider.RootFolder(ctx, dest.Mailbox)
		if rootErr != nil {
			return rootErr
		}
		folder = root
		for _, segment := range dest.FolderPath {
			child, childErr := r.provider.ChildFolder(ctx, folder, segment)
			if errors.Is(childErr, common.ErrFolderNotFound) && autoCreate {
				child, childErr = r.provider.CreateFolder(ctx, folder, segment)
			}
			if childErr != nil {
				return childErr
			}
			folder = child
		}
		return nil
	}, r.retry)
	if err != nil {
		return mailbox.Folder{}, err
	}
	return folder, nil
}

// Destinations returns the validated destinations keyed by routing key.
func (r *Router) Destinations() map[string]model.Destination {
	out := make(map[string]model.Destination, len(r.destinations))
	for key, resolved := range r.destinations {
		out[key] = resolved.dest
	}
	return out
}

// Distribute executes the decision's keys against the provider. Key lookups
// are case-insensitive; unknown keys fall back per key. A batch requesting
// more than one move is aborted entirely and redirected to fallback. A nil
// return means every destination succeeded.
func (r *Router) Distribute(ctx context.Context, msg *model.Message, keys []string) error {
	if len(keys) == 0 {
		keys = []string{r.fallbackKey}
	}

	resolved := make([]resolvedDestination, len(keys))
	for i, key := range keys {
		resolved[i] = r.lookup(key)
	}

	if countMoves(resolved) > 1 {
		r.monitor.Warning("multiple move destinations in one decision, redirecting to fallback", map[string]any{
			"message_id": msg.ID,
			"keys":       keys,
		})
		resolved = []resolvedDestination{r.destinations[r.fallbackKey]}
	}

	sort.SliceStable(resolved, func(i, j int) bool {
		return methodOrder[resolved[i].dest.Method] < methodOrder[resolved[j].dest.Method]
	})

	var errs []error
	for _, dest := range resolved {
		if err := r.execute(ctx, msg, dest); err != nil {
			errs = append(errs, fmt.Errorf("key %q: %w", dest.dest.Key, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) lookup(key string) resolvedDestination {
	if dest, ok := r.destinations[strings.ToLower(key)]; ok {
		return dest
	}
	slog.Warn("no destination for routing key, using fallback", "key", key)
	return r.destinations[r.fallbackKey]
}

func countMoves(destinations []resolvedDestination) int {
	n := 0
	for _, d := range destinations {
		if d.dest.Method == model.MethodMove {
			n++
		}
	}
	return n
}

func (r *Router) execute(ctx context.Context, msg *model.Message, dest resolvedDestination) error {
	slog.Info("distributing message",
		"message_id", msg.ID,
		"key", dest.dest.Key,
		"method", dest.dest.Method,
		"mailbox", dest.dest.Mailbox,
		"mode", r.mode)

	switch r.mode {
	case ModeStdout:
		return nil
	case ModeTestCopy:
		if dest.dest.Method == model.MethodForward {
			return nil
		}
		return r.withRetry(ctx, func() error {
			return r.provider.Copy(ctx, r.sourceMailbox, msg.ProviderID, dest.folder)
		})
	default:
	}

	switch dest.dest.Method {
	case model.MethodMove:
		return r.withRetry(ctx, func() error {
			return r.provider.Move(ctx, r.sourceMailbox, msg.ProviderID, dest.folder)
		})
	case model.MethodCopy:
		return r.withRetry(ctx, func() error {
			return r.provider.Copy(ctx, r.sourceMailbox, msg.ProviderID, dest.folder)
		})
	case model.MethodForward:
		return r.withRetry(ctx, func() error {
			return r.provider.Forward(ctx, r.sourceMailbox, msg.ProviderID, []string{dest.dest.Mailbox}, "")
		})
	default:
		return fmt.Errorf("unknown destination method %q", dest.dest.Method)
	}
}

func (r *Router) withRetry(ctx context.Context, op func() error) error {
	return common.WithRetry(ctx, op, r.retry)
}
