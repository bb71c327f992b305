package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/ReelBoard/app/controllers"
	"github.com/ManuelReschke/ReelBoard/app/repository"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/billing"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/cache"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/config"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/database"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/entitlements"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/env"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/gateway"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/ledger"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/mail"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/router"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/scheduler"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/security"
	"github.com/ManuelReschke/ReelBoard/internal/pkg/session"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app, sweeper, err := NewApplication(context.Background(), cfg)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.AppHost, cfg.AppPort)); err != nil {
			log.Errorf("[HTTP] Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	sweeper.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[HTTP] Shutdown: %v", err)
	}
}

// NewApplication wires the payments core and returns the HTTP app and the
// started expiry scheduler.
func NewApplication(ctx context.Context, cfg *config.Config) (*fiber.App, *scheduler.Manager, error) {
	if err := database.SetupDatabase(cfg.DB); err != nil {
		return nil, nil, err
	}
	repos := repository.NewFactory(database.GetDB()).GetRepositories()

	box, err := security.NewCredentialBox(cfg.CredentialsKey)
	if err != nil {
		return nil, nil, fmt.Errorf("credentials key: %w", err)
	}
	registry := gateway.NewRegistry(box, gateway.NewHTTPClient(cfg.GatewayHTTPTimeout))

	// The gateway cache and the sweep lock degrade to process-local
	// versions when the cache server is down at startup.
	var gatewayCache gateway.Cache = gateway.NewMemoryCache()
	var locker scheduler.Locker
	if client, err := cache.SetupCache(ctx, cfg.Cache); err == nil {
		gatewayCache = cache.NewRedisCache(client, "reelboard:")
		locker = cache.NewLocker(client)
	}
	store := gateway.NewStore(repos.Gateway, gatewayCache, registry, gateway.StoreOptions{
		CacheTTL:     cfg.GatewayCacheTTL,
		SingleActive: cfg.GatewaySingleActive,
	})

	engine := entitlements.NewEngine(repos.Subscription, cfg.TrialLength)
	payments := ledger.New(repos.Payment, engine)
	checkout := billing.NewCheckout(store, registry, payments, engine, cfg.PublicDomain)
	ingestor := billing.NewIngestor(store, registry, payments, repos.WebhookEvents)

	sweeper := scheduler.NewManager(repos.Subscription, engine, scheduler.Options{
		DailySpec:  cfg.SweepDailySpec,
		HourlySpec: cfg.SweepHourlySpec,
		BatchSize:  cfg.SweepBatchSize,
		LockTTL:    cfg.SweepLockTTL,
		PendingTTL: cfg.PendingPaymentTTL,
	})
	if locker != nil {
		sweeper.SetLocker(locker)
	}
	sweeper.SetPendingExpirer(payments)
	if cfg.SMTPEnabled() {
		sweeper.SetNotifier(mail.NewNotifier(mail.NewMailer(cfg.SMTP), repos.Subscription, pricingURL(cfg.FrontendResultURL)))
	}
	if err := sweeper.Start(); err != nil {
		return nil, nil, fmt.Errorf("start scheduler: %w", err)
	}

	sessions, err := session.NewSessionStore(cfg.Cache, !cfg.IsDev())
	if err != nil {
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Sessions: sessions,
		Plans:    engine,
		Payments: controllers.NewPaymentController(checkout, ingestor, cfg.FrontendResultURL),
		Pricing:  controllers.NewPricingController(engine, payments),
		Gateways: controllers.NewAdminGatewayController(store, registry),
	})

	return app, sweeper, nil
}

// pricingURL points expiry mails at the frontend pricing page.
func pricingURL(frontendResultURL string) string {
	u, err := url.Parse(frontendResultURL)
	if err != nil {
		return frontendResultURL
	}
	u.Path, u.RawQuery, u.Fragment = "/pricing", "", ""
	return u.String()
}
