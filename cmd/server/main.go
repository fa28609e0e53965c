package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/alert"
	"github.com/revguard/revguard/internal/backfill"
	"github.com/revguard/revguard/internal/breaker"
	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/detect"
	"github.com/revguard/revguard/internal/entitlement"
	"github.com/revguard/revguard/internal/gateway"
	"github.com/revguard/revguard/internal/identity"
	"github.com/revguard/revguard/internal/ingest"
	"github.com/revguard/revguard/internal/normalize"
	"github.com/revguard/revguard/internal/pipeline"
	"github.com/revguard/revguard/internal/queue"
	"github.com/revguard/revguard/internal/retry"
	"github.com/revguard/revguard/internal/scheduler"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/internal/vault"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/database"
	"github.com/revguard/revguard/pkg/events"
	"github.com/revguard/revguard/pkg/models"
)

// ingestionSources is every billing provider the C7 pipeline runs a
// dedicated worker goroutine for.
var ingestionSources = []models.Source{
	models.SourceStripe,
	models.SourceApple,
	models.SourceGoogle,
	models.SourceRecurly,
	models.SourceBraintree,
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting revguard")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := storage.Migrate(context.Background(), db.Pool); err != nil {
		logger.Fatal("failed to apply migrations", zap.Error(err))
	}
	logger.Info("applied database migrations")

	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	bus := events.NewBus(logger)
	logger.Info("initialized event bus")

	breakers := breaker.NewRegistry(logger)

	// Repositories
	orgs := storage.NewOrgRepo(db.Pool)
	apiKeys := storage.NewAPIKeyRepo(db.Pool)
	entitlementRepo := storage.NewEntitlementRepo(db.Pool)
	products := storage.NewProductRepo(db.Pool)
	canonicalEvents := storage.NewCanonicalEventRepo(db.Pool)
	identityRepo := storage.NewIdentityRepo(db.Pool)
	issues := storage.NewIssueRepo(db.Pool)
	webhookLogs := storage.NewWebhookLogRepo(db.Pool)
	alertConfigs := storage.NewAlertConfigRepo(db.Pool)
	auditLog := storage.NewAuditLogRepo(db.Pool)
	connections := storage.NewBillingConnectionRepo(db.Pool)
	accessChecks := storage.NewAccessCheckRepo(db.Pool)

	// Credential vault
	cryptVault, err := vault.New(cfg.Vault.MasterKey, cfg.Vault.PreviousKey, cfg.Vault.PBKDF2Iterations)
	if err != nil {
		logger.Fatal("failed to initialize vault", zap.Error(err))
	}
	vaultService := vault.NewService(db, cryptVault, logger)

	var appleRootCA []byte
	if cfg.Providers.AppleRootCAPath != "" {
		appleRootCA, err = os.ReadFile(cfg.Providers.AppleRootCAPath)
		if err != nil {
			logger.Fatal("failed to read apple root CA", zap.Error(err))
		}
	}
	normalizers := normalize.NewRegistry(appleRootCA, nil)
	logger.Info("initialized provider normalizers")

	// C8/C9: identity resolution and entitlement state machine
	identityResolver := identity.New(identityRepo, redisCache, logger)
	entitlementEngine := entitlement.New(entitlementRepo, products, logger)

	// C10: anomaly detection, publishing newly opened issues to the bus
	detectionEngine := detect.NewEngine(issues, logger)
	detectionEngine.SetBus(bus)
	detectionEngine.Register(detect.NewDuplicateBillingDetector(redisCache))
	detectionEngine.Register(detect.NewUnrevokedRefundDetector())
	detectionEngine.Register(detect.NewCrossPlatformConflictDetector(entitlementRepo))
	detectionEngine.Register(detect.NewRenewalAnomalyDetector(redisCache))
	detectionEngine.Register(detect.NewWebhookDeliveryGapDetector(connections))
	detectionEngine.Register(detect.NewDataFreshnessDetector(connections, canonicalEvents))
	detectionEngine.Register(detect.NewVerifiedPaidNoAccessDetector())
	detectionEngine.Register(detect.NewVerifiedAccessNoPaymentDetector())
	logger.Info("initialized detection engine")

	// C11: alert dispatch, subscribed to the same bus
	dispatchPolicy := retry.Policy{
		Base:        cfg.Alerting.WebhookBaseBackoff,
		Cap:         cfg.Alerting.WebhookMaxBackoff,
		MaxAttempts: cfg.Alerting.WebhookMaxAttempts,
	}
	dispatcher := alert.New(alertConfigs, cfg.Alerting.SlackBotToken, dispatchPolicy, breakers, logger)
	dispatcher.Subscribe(bus)
	logger.Info("initialized alert dispatcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// C7: one ingestion worker per billing source
	q := queue.New(redisCache.Client, logger)
	for _, source := range ingestionSources {
		worker := pipeline.New(
			source,
			fmt.Sprintf("revguard-%s-1", source),
			q,
			canonicalEvents,
			webhookLogs,
			normalizers,
			identityResolver,
			entitlementEngine,
			detectionEngine,
			logger,
		)
		go func(src models.Source) {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("pipeline worker stopped", zap.String("source", string(src)), zap.Error(err))
			}
		}(source)
	}
	logger.Info("started pipeline workers", zap.Int("count", len(ingestionSources)))

	// C6: webhook receiver
	limiter := gateway.NewRateLimiter(redisCache, logger)
	receiver := ingest.New(orgs, connections, vaultService, normalizers, webhookLogs, q, limiter, logger)

	// C12: historical backfill engine, replaying provider history through
	// the same C7 queue a live webhook delivery uses. Apple has no
	// importer: App Store Server Notifications has no equivalent
	// "list historical transactions" API surface to page through.
	backfillEngine := backfill.New(connections, vaultService, webhookLogs, q, redisCache, logger)
	backfillEngine.RegisterImporter(models.SourceStripe, backfill.NewStripeImporter())
	backfillEngine.RegisterImporter(models.SourceGoogle, backfill.NewGoogleImporter())
	backfillEngine.RegisterImporter(models.SourceRecurly, backfill.NewRecurlyImporter())
	backfillEngine.RegisterImporter(models.SourceBraintree, backfill.NewBraintreeImporter())
	logger.Info("initialized backfill engine")

	gw := gateway.NewGateway(gateway.Deps{
		DB:           db,
		Cache:        redisCache,
		Logger:       logger,
		AdminToken:   cfg.Server.AdminToken,
		Bus:          bus,
		APIKeys:      apiKeys,
		Orgs:         orgs,
		Issues:       issues,
		AlertConfig:  alertConfigs,
		Audit:        auditLog,
		Breakers:     breakers,
		Backfill:     backfillEngine,
		AccessChecks: accessChecks,
		Entitlements: entitlementRepo,
		Connections:  connections,
		Identity:     identityResolver,
		Detector:     detectionEngine,
	}, receiver)
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	// C13: periodic reconciliation across every organization
	recon := scheduler.New(db.Pool, orgs, issues, detectionEngine, cfg.Monitoring.ReconciliationInterval, logger)
	recon.Start(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel() // stop pipeline workers and the health metrics loop

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
