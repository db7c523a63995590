// Package config defines the immutable configuration loaded once at startup
// and passed into every component constructor.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/janhalen/azure-smartmail/internal/common"
	"github.com/janhalen/azure-smartmail/internal/distribute"
	"github.com/janhalen/azure-smartmail/internal/extract"
	"github.com/janhalen/azure-smartmail/internal/model"
	"github.com/janhalen/azure-smartmail/internal/rules"
)

// Config is the full application configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tenants  []TenantConfig `mapstructure:"tenants"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig locates the audit store.
type DatabaseConfig struct {
	Path              string        `mapstructure:"path"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// MetricsConfig configures the optional metrics listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// GraphConfig holds the app-only credentials for one tenant's mailbox access.
type GraphConfig struct {
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	BaseURL      string `mapstructure:"base_url"`
}

// ModelConfig configures the optional classifier. An empty Provider means no
// model is configured and arbitration skips the model stage entirely.
type ModelConfig struct {
	Provider  string  `mapstructure:"provider"`
	APIKey    string  `mapstructure:"api_key"`
	Name      string  `mapstructure:"name"`
	BaseURL   string  `mapstructure:"base_url"`
	Version   string  `mapstructure:"version"`
	Threshold float64 `mapstructure:"threshold"`
}

// DestinationConfig is the configuration form of a destination.
type DestinationConfig struct {
	Key     string   `mapstructure:"key"`
	Method  string   `mapstructure:"method"`
	Mailbox string   `mapstructure:"mailbox"`
	Folder  []string `mapstructure:"folder"`
}

// RecipientConfig maps a known display name to a forwarding address for the
// name-match extractor.
type RecipientConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

// RetryConfig bounds mailbox provider retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// TenantConfig is one mailbox account with its own rules, destinations and
// audit stream.
type TenantConfig struct {
	ID                string              `mapstructure:"id"`
	Graph             GraphConfig         `mapstructure:"graph"`
	SourceMailbox     string              `mapstructure:"source_mailbox"`
	SourceFolders     [][]string          `mapstructure:"source_folders"`
	Rules             []rules.RuleSpec    `mapstructure:"rules"`
	Recipients        []RecipientConfig   `mapstructure:"recipients"`
	UseNameMatcher    bool                `mapstructure:"use_name_matcher"`
	Destinations      []DestinationConfig `mapstructure:"destinations"`
	AutoCreateFolders bool                `mapstructure:"auto_create_folders"`
	// AutoForwardUnmapped registers a forward destination for every rule key
	// and recipient address missing from the destination map.
	AutoForwardUnmapped bool `mapstructure:"auto_forward_unmapped"`
	// FallbackKey overrides the routing key used when no stage places a
	// message. Empty means the default key.
	FallbackKey   string        `mapstructure:"fallback_key"`
	Mode          string        `mapstructure:"mode"`
	Model         ModelConfig   `mapstructure:"model"`
	Categories    []string      `mapstructure:"categories"`
	CacheCapacity int           `mapstructure:"cache_capacity"`
	Retry         RetryConfig   `mapstructure:"retry"`
	ScanInterval  time.Duration `mapstructure:"scan_interval"`
	Lookback      time.Duration `mapstructure:"lookback"`
	StartTime     time.Time     `mapstructure:"start_time"`
	ModelVersion  string        `mapstructure:"model_version"`
}

// Defaults applied during validation.
const (
	DefaultScanInterval = time.Minute
	DefaultLookback     = 28 * time.Hour
)

// Validate checks the whole configuration and fails fast on the first
// violation; the process must not begin its loops on bad config.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path", common.ErrMissingConfig)
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("%w: at least one tenant", common.ErrMissingConfig)
	}

	seen := make(map[string]struct{}, len(c.Tenants))
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if err := t.validate(); err != nil {
			return fmt.Errorf("tenant %q: %w", t.ID, err)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("%w: duplicate tenant id %q", common.ErrInvalidConfig, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

func (t *TenantConfig) validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: tenant id", common.ErrMissingConfig)
	}
	if t.SourceMailbox == "" {
		return fmt.Errorf("%w: source_mailbox", common.ErrMissingConfig)
	}
	if len(t.SourceFolders) == 0 {
		return fmt.Errorf("%w: source_folders", common.ErrMissingConfig)
	}

	// reject unknown condition types and bad patterns at load time
	if _, err := rules.NewEngine(t.Rules); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}

	if _, err := distribute.ParseMode(t.Mode); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}

	hasFallback := false
	destKeys := make(map[string]struct{}, len(t.Destinations))
	for _, d := range t.Destinations {
		key := strings.ToLower(d.Key)
		if key == "" {
			return fmt.Errorf("%w: destination with empty key", common.ErrInvalidConfig)
		}
		if _, dup := destKeys[key]; dup {
			return fmt.Errorf("%w: duplicate destination key %q", common.ErrInvalidConfig, key)
		}
		destKeys[key] = struct{}{}

		method, err := model.ParseMethod(d.Method)
		if err != nil {
			return fmt.Errorf("%w: destination %q: %v", common.ErrInvalidConfig, d.Key, err)
		}
		if d.Mailbox == "" {
			return fmt.Errorf("%w: destination %q has no mailbox", common.ErrInvalidConfig, d.Key)
		}
		if (method == model.MethodMove || method == model.MethodCopy) && len(d.Folder) == 0 {
			return fmt.Errorf("%w: destination %q needs a folder path", common.ErrInvalidConfig, d.Key)
		}
		if key == t.EffectiveFallbackKey() {
			hasFallback = true
		}
	}
	if !hasFallback {
		return fmt.Errorf("%w: no %q key in destinations", common.ErrInvalidConfig, t.EffectiveFallbackKey())
	}

	if t.Model.Provider != "" {
		if t.Model.Threshold < 0 || t.Model.Threshold > 1 {
			return fmt.Errorf("%w: model threshold %v outside [0, 1]", common.ErrInvalidConfig, t.Model.Threshold)
		}
		if len(t.Categories) == 0 {
			return fmt.Errorf("%w: model configured without categories", common.ErrMissingConfig)
		}
	}

	return nil
}

// Normalize fills defaults and expands the destination map: when
// auto-forwarding is enabled, every rule key and recipient address without an
// explicit destination becomes a forward destination, as long as the tenant
// runs in production mode.
func (t *TenantConfig) Normalize() {
	if t.ScanInterval <= 0 {
		t.ScanInterval = DefaultScanInterval
	}
	if t.Lookback <= 0 {
		t.Lookback = DefaultLookback
	}
	if t.Mode == "" {
		t.Mode = string(distribute.ModeProduction)
	}

	if !t.AutoForwardUnmapped || t.Mode != string(distribute.ModeProduction) {
		return
	}

	known := make(map[string]struct{}, len(t.Destinations))
	for _, d := range t.Destinations {
		known[strings.ToLower(d.Key)] = struct{}{}
	}

	addForward := func(address string) {
		key := strings.ToLower(address)
		if _, ok := known[key]; ok {
			return
		}
		known[key] = struct{}{}
		t.Destinations = append(t.Destinations, DestinationConfig{
			Key:     key,
			Method:  string(model.MethodForward),
			Mailbox: key,
		})
	}

	for _, r := range t.Recipients {
		addForward(r.Address)
	}
	for _, rule := range t.Rules {
		for _, key := range rule.Keys {
			addForward(key)
		}
	}
}

// EffectiveFallbackKey is the tenant's fallback routing key, lower-cased,
// falling back to the built-in default when unset.
func (t *TenantConfig) EffectiveFallbackKey() string {
	if t.FallbackKey == "" {
		return model.FallbackKey
	}
	return strings.ToLower(t.FallbackKey)
}

// DestinationModels converts the destination configs to domain destinations.
func (t *TenantConfig) DestinationModels() []model.Destination {
	out := make([]model.Destination, len(t.Destinations))
	for i, d := range t.Destinations {
		out[i] = model.Destination{
			Key:        strings.ToLower(d.Key),
			Method:     model.Method(d.Method),
			Mailbox:    d.Mailbox,
			FolderPath: d.Folder,
		}
	}
	return out
}

// RecipientModels converts the recipient configs for the name matcher.
func (t *TenantConfig) RecipientModels() []extract.Recipient {
	out := make([]extract.Recipient, len(t.Recipients))
	for i, r := range t.Recipients {
		out[i] = extract.Recipient{Name: r.Name, Address: r.Address}
	}
	return out
}
