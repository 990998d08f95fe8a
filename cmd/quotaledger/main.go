package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/quotaledger/app/controllers"
	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/app/repository"
	"github.com/ManuelReschke/quotaledger/internal/pkg/archive"
	"github.com/ManuelReschke/quotaledger/internal/pkg/billing"
	"github.com/ManuelReschke/quotaledger/internal/pkg/cache"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
	"github.com/ManuelReschke/quotaledger/internal/pkg/database"
	"github.com/ManuelReschke/quotaledger/internal/pkg/env"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/idempotency"
	"github.com/ManuelReschke/quotaledger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
	"github.com/ManuelReschke/quotaledger/internal/pkg/patreon"
	"github.com/ManuelReschke/quotaledger/internal/pkg/paypal"
	"github.com/ManuelReschke/quotaledger/internal/pkg/ratelimit"
	"github.com/ManuelReschke/quotaledger/internal/pkg/reconcile"
	"github.com/ManuelReschke/quotaledger/internal/pkg/retention"
	"github.com/ManuelReschke/quotaledger/internal/pkg/router"
	"github.com/ManuelReschke/quotaledger/internal/pkg/subscription"
	"github.com/ManuelReschke/quotaledger/internal/pkg/usage"
	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
	"github.com/ManuelReschke/quotaledger/internal/pkg/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fiberlog.Info("[Server] Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		fiberlog.Errorf("[Server] HTTP shutdown: %v", err)
	}
	// accepted deliveries are already claimed; drain them before exit
	if err := manager.Stop(ctx); err != nil {
		fiberlog.Errorf("[Server] Worker drain incomplete: %v", err)
	}
}

// NewApplication loads configuration, connects storage and wires every
// component. It exits the process on misconfiguration.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()

	cfg, err := config.Load(nil, env.IsProduction())
	if err != nil {
		log.Fatalf("Refusing to start: %v", err)
	}

	database.SetupDatabase()
	cache.SetupCache()
	db := database.GetDB()

	m := metrics.New()
	queue := jobqueue.NewQueue(cfg.Processing.Workers, cfg.Processing.QueueSize, cfg.Processing.WebhookTimeout, m)
	manager := jobqueue.NewManager(queue)

	paypalClient := paypal.NewClient(&cfg.Providers.Paypal)
	patreonClient := patreon.NewClient(&cfg.Providers.Patreon)

	svc := billing.NewServiceFromDB(db, &cfg.Providers,
		subscription.WithMetrics(m),
		subscription.WithMaxRetries(cfg.Processing.MaxConflictRetries),
	)
	guard := idempotency.NewGuard(db)
	processor := webhook.NewProcessor(
		verifier.NewDefaultRegistry(&cfg.Providers, paypalClient),
		guard,
		events.NewRouter(),
		svc,
		queue,
		m,
	)
	ledger := usage.NewLedger(db, svc, m)

	reconciler := reconcile.NewJob(db, svc,
		reconcile.NewFetchers(&cfg.Providers, paypalClient, patreonClient),
		reconcile.WithLock(cache.GetClient()),
		reconcile.WithMetrics(m),
		reconcile.WithConcurrency(cfg.Processing.ReconcileConcurrency),
	)

	var archiver retention.Archiver
	if cfg.Archive.Bucket != "" {
		client, err := archive.NewClient(context.Background(), &cfg.Archive)
		if err != nil {
			log.Fatalf("Archive storage: %v", err)
		}
		archiver = client
	}
	pruner := retention.NewJob(guard, archiver, cfg.Processing.RetentionWindow, m)

	if err := manager.Schedule("reconcile", cfg.Processing.ReconcileSchedule, func(ctx context.Context) error {
		_, err := reconciler.Run(ctx, models.ReconciliationTriggerSchedule)
		if errors.Is(err, reconcile.ErrAlreadyRunning) {
			return nil
		}
		return err
	}); err != nil {
		log.Fatal(err)
	}
	if err := manager.Schedule("retention", cfg.Processing.RetentionSchedule, func(ctx context.Context) error {
		_, err := pruner.Run(ctx)
		return err
	}); err != nil {
		log.Fatal(err)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app, &router.Deps{
		Config:        cfg,
		Webhooks:      controllers.NewWebhookController(processor),
		Quota:         controllers.NewQuotaController(ledger),
		Subscriptions: controllers.NewSubscriptionController(svc, ledger),
		Admin: controllers.NewAdminController(
			repository.NewFactory(db).GetRepositories(),
			reconciler,
			svc,
			manager,
			queue.GetStats,
		),
		Metrics: m,
		Storage: ratelimit.NewStorage(cache.GetClient()),
		Health: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	return app, manager
}
