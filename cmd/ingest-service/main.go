/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// ingest-service runs the foreclosure ingestion pipeline: one pass by
// default, or a daemon loop with the end-of-day reconciliation sweep and
// the post-enrichment alert pass.
//
// Exit codes: 0 success, 2 configuration error, 3 every adapter
// circuit-broken, 4 yield anomaly across every adapter, 1 otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/database"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/adapter"
	"github.com/jordigilh/foreclosurewatch/pkg/alert"
	"github.com/jordigilh/foreclosurewatch/pkg/enrich"
	"github.com/jordigilh/foreclosurewatch/pkg/ingest"
	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/metrics"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
	"github.com/jordigilh/foreclosurewatch/pkg/reconcile"
	"github.com/jordigilh/foreclosurewatch/pkg/shared/circuitbreaker"
	sharedhttp "github.com/jordigilh/foreclosurewatch/pkg/shared/http"
	"github.com/jordigilh/foreclosurewatch/pkg/shared/logging"
	"github.com/jordigilh/foreclosurewatch/pkg/storage"
)

const (
	exitOK             = 0
	exitFailure        = 1
	exitConfig         = 2
	exitCircuitBroken  = 3
	exitYieldAnomaly   = 4
	enrichmentBatchCap = 200
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath    = flag.String("config", "config.yaml", "path to the YAML configuration")
		savedSearchID = flag.String("saved-search", "", "run ingestion for one saved search id")
		daemon        = flag.Bool("daemon", false, "keep running: ingest on an interval, reconcile daily, alert after enrichment")
		interval      = flag.Duration("interval", 6*time.Hour, "ingestion interval in daemon mode")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := buildService(ctx, cfg, logger)
	if err != nil {
		logger.Error("service wiring failed", zap.Error(err))
		if errors.IsType(err, errors.ErrorTypeConfiguration) {
			return exitConfig
		}
		return exitFailure
	}
	defer service.close()

	service.ops.StartAsync()
	service.ops.SetReady(true)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.ops.Stop(shutdownCtx)
	}()

	if err := config.Watch(ctx, *configPath, logger, service.reloadConfig); err != nil {
		logger.Warn("config hot-reload unavailable", zap.Error(err))
	}

	if *daemon {
		return service.runDaemon(ctx, *savedSearchID, *interval)
	}
	return service.runOnce(ctx, *savedSearchID)
}

// service holds the wired pipeline.
type service struct {
	cfg          *config.Config
	logger       *zap.Logger
	redisClient  *redis.Client
	orchestrator *ingest.Orchestrator
	enricher     *enrich.Worker
	alerts       *alert.Engine
	reconciler   *reconcile.Job
	watermark    *storage.RedisWatermark
	ops          *metrics.Server
	closers      []func()
}

func buildService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service, error) {
	db, err := database.Connect(ctx, cfg.Database, logger.With(logging.Component("database")))
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	properties := storage.NewPropertyRepository(db, logger.With(logging.Component("properties")))
	events := storage.NewEventRepository(db, logger.With(logging.Component("events")))
	timeline := storage.NewTimelineRepository(db, logger.With(logging.Component("timeline")))
	searches := storage.NewSavedSearchRepository(db, logger.With(logging.Component("searches")))
	alertHistory := storage.NewAlertHistoryRepository(db, logger.With(logging.Component("alert-history")))
	queues := storage.NewRedisQueues(redisClient, logger.With(logging.Component("queues")))
	baseline := storage.NewRedisBaselineTracker(redisClient, logger.With(logging.Component("baseline")))
	watermark := storage.NewRedisWatermark(redisClient)

	breakers := circuitbreaker.NewManager(gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     cfg.Ingestion.BreakerOpenDuration.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Ingestion.BreakerTripAfter)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpdateCircuitBreakerState(name, to)
			logger.Warn("adapter circuit breaker transition",
				logging.Adapter(name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	registry := adapter.NewDefaultRegistry()
	deps := adapter.Deps{
		ListClient:        sharedhttp.NewClientWithTimeout(cfg.Ingestion.ListTimeout.Std()),
		DetailClient:      sharedhttp.NewClientWithTimeout(cfg.Ingestion.DetailTimeout.Std()),
		Logger:            logger.With(logging.Component("adapter")),
		DetailConcurrency: cfg.Ingestion.DetailConcurrency,
		DetailBatchDelay:  cfg.Ingestion.DetailBatchDelay.Std(),
	}
	adapters, err := registry.BuildAll(cfg.Adapters, deps)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, err
	}

	profile, _ := registry.Profile("NJ")
	upserter := ingest.NewUpserter(properties, events, timeline, storage.NewKeyMutex(),
		logger.With(logging.Component("upsert")))

	svc := &service{
		cfg:         cfg,
		logger:      logger,
		redisClient: redisClient,
		watermark:   watermark,
		ops:         metrics.NewServer(cfg.Server.ListenPort, logger.With(logging.Component("ops"))),
	}

	svc.orchestrator = ingest.NewOrchestrator(ingest.OrchestratorDeps{
		Adapters: adapters,
		Profile:  profile,
		Upserter: upserter,
		Searches: searches,
		DLQ:      queues,
		Baseline: baseline,
		Breakers: breakers,
		Reliability: func(adapterID string) float64 {
			return svc.currentConfig().ReliabilityFor(adapterID)
		},
		SourceType: func(adapterID string) property.SourceType {
			return sourceTypeFor(svc.currentConfig(), adapterID)
		},
		Config: cfg.Ingestion,
		Logger: logger.With(logging.Component("orchestrator")),
	})

	model, err := enrich.NewModel(ctx, cfg.Enrichment)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, err
	}
	enrichClient := enrich.NewClient(model, cfg.Enrichment, logger.With(logging.Component("enrichment")))
	svc.enricher = enrich.NewWorker(enrichClient, properties, events, logger.With(logging.Component("enrichment")))

	notifiers := []alert.Notifier{alert.NewConsoleNotifier(logger.With(logging.Component("alerts")))}
	if cfg.Alerts.SlackWebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlackNotifier(cfg.Alerts.SlackWebhookURL, logger.With(logging.Component("alerts"))))
	}
	svc.alerts = alert.NewEngine(alert.EngineDeps{
		Properties: properties,
		Events:     events,
		Timeline:   timeline,
		Searches:   searches,
		History:    alertHistory,
		Notifiers:  notifiers,
		Cooldown:   time.Duration(cfg.Alerts.CooldownDays) * 24 * time.Hour,
		DigestCap:  cfg.Alerts.DigestCap,
		Logger:     logger.With(logging.Component("alerts")),
	})

	svc.reconciler = reconcile.NewJob(events, timeline, queues, logger.With(logging.Component("reconcile")))

	svc.closers = append(svc.closers, func() { db.Close() }, func() { _ = redisClient.Close() })
	return svc, nil
}

func (s *service) close() {
	for _, closer := range s.closers {
		closer()
	}
}

// reloadConfig swaps the reliability table on hot reload. Adapters and
// stores keep their wiring; only per-adapter trust changes live.
func (s *service) reloadConfig(updated *config.Config) {
	s.cfg = updated
	s.logger.Info("adapter reliability table reloaded", zap.Int("adapters", len(updated.Adapters)))
}

func (s *service) currentConfig() *config.Config {
	return s.cfg
}

func sourceTypeFor(cfg *config.Config, adapterID string) property.SourceType {
	for _, a := range cfg.Adapters {
		if a.ID == adapterID {
			switch a.Type {
			case "manual":
				return property.SourceManual
			case "api":
				return property.SourceAPI
			}
		}
	}
	return property.SourceScraper
}

// runOnce executes ingestion, drains enrichment, then the alert pass.
func (s *service) runOnce(ctx context.Context, savedSearchID string) int {
	result, err := s.ingestOnce(ctx, savedSearchID)
	if err != nil {
		s.logger.Error("ingestion failed", zap.Error(err))
		return exitFailure
	}

	if analyzed, err := s.enricher.Run(ctx, enrichmentBatchCap); err != nil {
		s.logger.Warn("enrichment pass incomplete", zap.Error(err))
	} else {
		s.logger.Info("enrichment pass complete", zap.Int("analyzed", analyzed))
	}

	s.alertPass(ctx)

	switch {
	case result.AllFailedWith(errors.ErrorTypeCircuitOpen):
		return exitCircuitBroken
	case result.AllFailedWith(errors.ErrorTypeAnomaly):
		return exitYieldAnomaly
	}
	for _, summary := range result.Summaries {
		if summary.Error != "" {
			s.logger.Warn("adapter finished with error",
				logging.Adapter(summary.AdapterID),
				zap.String("error", summary.Error))
		}
	}
	return exitOK
}

func (s *service) ingestOnce(ctx context.Context, savedSearchID string) (*ingest.IngestionResult, error) {
	if savedSearchID != "" {
		id, err := uuid.Parse(savedSearchID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "saved-search id is not a UUID")
		}
		return s.orchestrator.RunSavedSearch(ctx, id)
	}
	return s.orchestrator.Run(ctx, listing.SearchParams{State: "NJ"})
}

func (s *service) alertPass(ctx context.Context) {
	now := time.Now().UTC()
	lastRun, err := s.watermark.Get(ctx, now)
	if err != nil {
		s.logger.Warn("alert watermark unreadable, using 24h window", zap.Error(err))
		lastRun = now.Add(-24 * time.Hour)
	}

	report, err := s.alerts.Run(ctx, lastRun)
	if err != nil {
		s.logger.Error("alert pass failed", zap.Error(err))
		return
	}
	if err := s.watermark.Set(ctx, now); err != nil {
		s.logger.Warn("failed to persist alert watermark", zap.Error(err))
	}
	s.logger.Info("alert pass complete",
		zap.Int("candidates", report.Candidates),
		zap.Int("digests", report.Digests),
		zap.Int("notified", report.Notified),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("errors", report.Errors))
}

// runDaemon loops: ingest every interval, alert RunDelay after each
// ingestion (so enrichment settles first), reconcile at the configured
// local hour.
func (s *service) runDaemon(ctx context.Context, savedSearchID string, interval time.Duration) int {
	s.logger.Info("daemon mode",
		zap.Duration("interval", interval),
		zap.Int("reconciliation_hour", s.cfg.Reconciliation.Hour))

	ingestTicker := time.NewTicker(interval)
	defer ingestTicker.Stop()

	reconcileTimer := time.NewTimer(time.Until(reconcile.NextRunAfter(time.Now(), s.cfg.Reconciliation.Hour)))
	defer reconcileTimer.Stop()

	runPipeline := func() {
		if _, err := s.ingestOnce(ctx, savedSearchID); err != nil {
			s.logger.Error("ingestion failed", zap.Error(err))
			return
		}
		if _, err := s.enricher.Run(ctx, enrichmentBatchCap); err != nil {
			s.logger.Warn("enrichment pass incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Alerts.RunDelay.Std()):
		}
		s.alertPass(ctx)
	}

	runPipeline()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down")
			return exitOK
		case <-ingestTicker.C:
			runPipeline()
		case <-reconcileTimer.C:
			if marked, err := s.reconciler.Run(ctx); err != nil {
				s.logger.Error("reconciliation failed", zap.Error(err))
			} else {
				s.logger.Info("reconciliation complete", zap.Int("marked", marked))
			}
			reconcileTimer.Reset(time.Until(reconcile.NextRunAfter(time.Now(), s.cfg.Reconciliation.Hour)))
		}
	}
}
