// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"billing-sync-service/internal/config"
	"billing-sync-service/internal/db"
	"billing-sync-service/internal/gateway"
	paymentHandler "billing-sync-service/internal/handlers/payment"
	plansHandler "billing-sync-service/internal/handlers/plans"
	reconcileHandler "billing-sync-service/internal/handlers/reconcile"
	tenantHandler "billing-sync-service/internal/handlers/tenant"
	webhookHandler "billing-sync-service/internal/handlers/webhook"
	wsHandler "billing-sync-service/internal/handlers/websocket"
	"billing-sync-service/internal/ledger"
	"billing-sync-service/internal/metrics"
	"billing-sync-service/internal/middleware"
	"billing-sync-service/internal/pkg/cache"
	"billing-sync-service/internal/pkg/jwt"
	"billing-sync-service/internal/repository/postgres"
	"billing-sync-service/internal/scheduler"
	"billing-sync-service/internal/service/plans"
	"billing-sync-service/internal/service/provisioning"
	"billing-sync-service/internal/service/reconcile"
	"billing-sync-service/internal/service/tenancy"
	"billing-sync-service/internal/websocket"
	wsHandlers "billing-sync-service/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

const (
	shutdownTimeout  = 10 * time.Second
	reconcileTimeout = 15 * time.Minute
)

type Server struct {
	cfg    config.AppConfig
	logger *zap.Logger
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start wires every dependency and serves until ctx is cancelled. The HTTP
// server, websocket hub and scheduler share one errgroup, so the first of
// them to fail stops the rest.
func (s *Server) Start(ctx context.Context) error {
	logger := s.logger

	// ----- PostgreSQL -----
	if s.cfg.DBAutoMigrate {
		if err := db.RunMigrations(s.cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database migrations applied")
	}
	pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: s.cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()

	// ----- Redis -----
	redisClient, err := db.NewRedis(ctx, db.RedisConfig{
		ClusterMode: s.cfg.RedisCluster,
		Addresses:   []string{s.cfg.RedisAddr},
		Password:    s.cfg.RedisPass,
		PoolSize:    10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()
	store := cache.NewStore(redisClient, "billing:")

	// ----- Metrics -----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ----- JWT -----
	jwtManager, err := jwt.LoadAndBuild(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT keys: %w", err)
	}

	// ----- External services -----
	ledgerClient, err := ledger.NewClient(ledger.Config{
		BaseURL:           s.cfg.Ledger.BaseURL,
		APIKey:            s.cfg.Ledger.APIKey,
		Timeout:           s.cfg.Ledger.Timeout,
		ScanPerPage:       s.cfg.Ledger.ScanPerPage,
		RequestsPerSecond: s.cfg.Ledger.RequestsPerSecond,
		Burst:             s.cfg.Ledger.Burst,
	}, logger)
	if err != nil {
		return err
	}
	stripeGateway, err := gateway.NewStripe(gateway.Config{
		SecretKey:     s.cfg.Stripe.SecretKey,
		WebhookSecret: s.cfg.Stripe.WebhookSecret,
	})
	if err != nil {
		return err
	}

	// ----- Repositories -----
	subscriptionRepo := postgres.NewSubscriptionRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)
	tenantRepo := postgres.NewTenantRepository(pool)
	planRepo := postgres.NewPlanRepository(postgres.NewDB(pool))

	// ----- WebSocket Hub -----
	hub := websocket.NewHub(jwtManager.Verifier, logger)

	// ----- Services -----
	resolver := tenancy.NewResolver(tenantRepo, ledgerClient, logger)
	customerService := tenancy.NewCustomerService(tenantRepo, ledgerClient, logger)
	catalog := plans.NewCatalog(ledgerClient, planRepo, store, s.cfg.PlanCacheTTL, logger)
	engine := reconcile.NewEngine(ledgerClient, subscriptionRepo, resolver, logger,
		reconcile.WithNotifier(hub),
		reconcile.WithMetrics(m),
	)
	flow := provisioning.NewFlow(provisioning.Deps{
		Gateway:       stripeGateway,
		Ledger:        ledgerClient,
		Tenants:       tenantRepo,
		Subscriptions: subscriptionRepo,
		Payments:      paymentRepo,
		Plans:         catalog,
		Limiter:       store,
		Notifier:      hub,
		Metrics:       m,
	}, provisioning.Config{
		SuccessURL: s.cfg.Stripe.SuccessURL,
		CancelURL:  s.cfg.Stripe.CancelURL,
	}, logger)
	webhooks := provisioning.NewWebhookProcessor(stripeGateway, paymentRepo, store, s.cfg.WebhookDedupeTTL, m, logger)

	if err := hub.RegisterHandler(wsHandlers.NewBillingHandler(flow)); err != nil {
		return err
	}

	// ----- Scheduler -----
	var sched *scheduler.Scheduler
	if s.cfg.ReconcileSchedule != "" {
		sched = scheduler.New(logger)
		err := sched.Add("reconcile", s.cfg.ReconcileSchedule, reconcileTimeout, func(ctx context.Context) error {
			_, err := engine.Run(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}

	// ----- HTTP -----
	webhookGuard, err := middleware.AllowCIDRs(s.cfg.Stripe.WebhookAllowedCIDRs, logger)
	if err != nil {
		return err
	}

	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.SecurityHeaders(s.cfg.Env == "production"),
		middleware.CORSMiddleware(s.cfg.CORSOrigins),
	)
	SetupRouter(router, reg, &Handlers{
		PaymentHandler:   paymentHandler.NewPaymentHandler(flow, customerService),
		PlansHandler:     plansHandler.NewPlansHandler(catalog),
		ReconcileHandler: reconcileHandler.NewReconcileHandler(engine, logger),
		TenantHandler:    tenantHandler.NewTenantHandler(customerService),
		WebhookHandler:   webhookHandler.NewWebhookHandler(webhooks, logger),
		WSHandler:        wsHandler.NewWebSocketHandler(hub, s.cfg.CORSOrigins, logger),
		AuthMiddleware:   middleware.NewAuthMiddleware(jwtManager.Verifier),
		WebhookGuard:     webhookGuard,
		Health: NewHealth(map[string]Check{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		}),
	})

	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
