package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/janhalen/azure-smartmail/internal/arbiter"
	"github.com/janhalen/azure-smartmail/internal/checker"
	"github.com/janhalen/azure-smartmail/internal/classify"
	"github.com/janhalen/azure-smartmail/internal/common"
	"github.com/janhalen/azure-smartmail/internal/config"
	"github.com/janhalen/azure-smartmail/internal/dedup"
	"github.com/janhalen/azure-smartmail/internal/distribute"
	"github.com/janhalen/azure-smartmail/internal/extract"
	"github.com/janhalen/azure-smartmail/internal/mailbox"
	"github.com/janhalen/azure-smartmail/internal/rules"
	"github.com/janhalen/azure-smartmail/internal/service"
	"github.com/janhalen/azure-smartmail/internal/storage"
	"github.com/janhalen/azure-smartmail/internal/telemetry"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the mail check service",
		Long:  `Starts one processing loop per configured tenant and runs until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context())
		},
	}
}

func runService(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.NewSQLiteStore(config.ExpandPath(cfg.Database.Path), service.StoreRetryOptions{
		MaxAttempts: cfg.Database.ReconnectAttempts,
		BaseDelay:   cfg.Database.ReconnectDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("failed to close audit store", "error", closeErr)
		}
	}()

	registry := prometheus.NewRegistry()
	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, registry)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(cfg.Tenants))
	for i := range cfg.Tenants {
		tenant := cfg.Tenants[i]
		chk, buildErr := buildTenant(ctx, tenant, store, registry)
		if buildErr != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("tenant %q: %w", tenant.ID, buildErr)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if runErr := chk.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				errCh <- fmt.Errorf("tenant %q: %w", tenant.ID, runErr)
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

// buildTenant wires one tenant's full pipeline: mailbox provider, rule
// engine, name matcher, classifier, arbiter, router, recency cache and loop.
func buildTenant(ctx context.Context, t config.TenantConfig, store service.AuditStore, registry *prometheus.Registry) (*checker.Checker, error) {
	monitor := telemetry.NewPrometheusMonitor(registry, t.ID)

	provider, err := mailbox.NewGraphClient(ctx, mailbox.GraphConfig{
		TenantID:     t.Graph.TenantID,
		ClientID:     t.Graph.ClientID,
		ClientSecret: t.Graph.ClientSecret,
		BaseURL:      t.Graph.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	engine, err := rules.NewEngine(t.Rules)
	if err != nil {
		return nil, err
	}

	var names *extract.NameMatcher
	if t.UseNameMatcher {
		names = extract.NewNameMatcher(t.RecipientModels())
	}

	var classifier classify.Classifier
	if t.Model.Provider != "" {
		switch t.Model.Provider {
		case "openai":
			c, clsErr := classify.NewOpenAIClassifier(classify.OpenAIConfig{
				APIKey:     t.Model.APIKey,
				Model:      t.Model.Name,
				BaseURL:    t.Model.BaseURL,
				Categories: t.Categories,
			})
			if clsErr != nil {
				return nil, clsErr
			}
			classifier = c
		default:
			return nil, fmt.Errorf("%w: unknown model provider %q", common.ErrInvalidConfig, t.Model.Provider)
		}
	}

	fallbackKey := t.EffectiveFallbackKey()
	arb := arbiter.New(engine, names, classifier, monitor, arbiter.Config{
		Threshold:   t.Model.Threshold,
		FallbackKey: fallbackKey,
	})

	mode, err := distribute.ParseMode(t.Mode)
	if err != nil {
		return nil, err
	}
	retry := service.RetryOptions{MaxAttempts: t.Retry.MaxAttempts, Delay: t.Retry.Delay}
	router, err := distribute.NewRouter(ctx, provider, t.DestinationModels(), monitor, distribute.Config{
		SourceMailbox: t.SourceMailbox,
		Mode:          mode,
		AutoCreate:    t.AutoCreateFolders,
		FallbackKey:   fallbackKey,
		Retry:         retry,
	})
	if err != nil {
		return nil, err
	}

	tracker := dedup.NewTracker(store, t.ID, t.CacheCapacity, 0)

	modelVersion := t.ModelVersion
	if modelVersion == "" {
		modelVersion = t.Model.Version
	}

	return checker.New(ctx, provider, arb, router, tracker, store, monitor, classifier, checker.Config{
		StartTime:     t.StartTime,
		TenantID:      t.ID,
		ModelVersion:  modelVersion,
		SourceFolders: t.SourceFolders,
		SourceMailbox: t.SourceMailbox,
		FallbackKey:   fallbackKey,
		ScanInterval:  t.ScanInterval,
		Lookback:      t.Lookback,
		Retry:         retry,
		Threshold:     t.Model.Threshold,
	})
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(registry))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listener started", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics listener failed", "error", err)
	}
}
