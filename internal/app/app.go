package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/storefront-payments/internal/cache"
	"github.com/xenking/storefront-payments/internal/domain/auth"
	"github.com/xenking/storefront-payments/internal/domain/cart"
	"github.com/xenking/storefront-payments/internal/domain/order"
	"github.com/xenking/storefront-payments/internal/domain/payment"
	"github.com/xenking/storefront-payments/internal/domain/pricing"
	"github.com/xenking/storefront-payments/internal/events"
	"github.com/xenking/storefront-payments/internal/gateway"
	"github.com/xenking/storefront-payments/internal/handler"
	"github.com/xenking/storefront-payments/internal/repository"
	"github.com/xenking/storefront-payments/pkg/health"
	"github.com/xenking/storefront-payments/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	addressRepo := repository.NewAddressRepository(pool)
	cartRepo := repository.NewCartRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)

	var eventLog payment.EventLog = repository.NewEventLogRepository(pool)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer func() { _ = rdb.Close() }()

		eventLog = cache.NewEventLog(eventLog, rdb, cfg.Redis.Prefix, cfg.Redis.TTL)
		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		lg.Info("Processed event cache enabled", zap.Strings("addrs", cfg.Redis.Addrs))
	}

	var notifier payment.Notifier = payment.NopNotifier{}
	if len(cfg.Kafka.Brokers) > 0 {
		kn := events.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = kn.Close() }()

		notifier = kn
		healthSvc.AddReadinessCheck("kafka", 3*time.Second, func(ctx context.Context) error {
			return events.Ping(ctx, cfg.Kafka.Brokers)
		})
		lg.Info("Settlement notifications enabled", zap.String("topic", cfg.Kafka.Topic))
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Domain services.
	stripeGateway := gateway.NewStripe(gateway.Config{
		SecretKey:         cfg.Stripe.SecretKey,
		WebhookSecret:     cfg.Stripe.WebhookSecret,
		MaxNetworkRetries: cfg.Stripe.MaxNetworkRetries,
		Timeout:           cfg.Stripe.Timeout,
		Tolerance:         cfg.Stripe.Tolerance,
	}, lg)

	orderService := order.NewService(
		pricing.NewEngine(productRepo),
		orderRepo,
		addressRepo,
		stripeGateway,
		sessionRepo,
		cfg.Stripe.Currency,
	)
	cartService := cart.NewService(cartRepo, productRepo)

	reconciler, err := payment.NewReconciler(stripeGateway, sessionRepo, orderRepo, cartRepo, eventLog, payment.Options{
		Notifier:       notifier,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create reconciler")
	}

	// Settle carts left uncleared by a previous run, then keep retrying
	// clears that fail while serving.
	go reconciler.RunCartClearRetry(ctx, cfg.Checkout.CartClearRetry, 0)

	// HTTP handlers.
	h := handler.New(
		handler.Config{
			FrontendURL:     cfg.Checkout.FrontendURL,
			SuccessPath:     cfg.Checkout.SuccessPath,
			CancelPath:      cfg.Checkout.CancelPath,
			AllowedOrigins:  cfg.CORS.Origins,
			MaxWebhookBytes: cfg.Checkout.MaxWebhookBytes,
			ListLimit:       cfg.Checkout.ListLimit,
		},
		orderService,
		cartService,
		stripeGateway,
		reconciler,
		auth.NewTokens([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer),
	)

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				// Processor redeliveries must not be throttled away.
				Skip: func(r *http.Request) bool {
					return strings.HasPrefix(r.URL.Path, "/webhooks/")
				},
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("shop-api", m),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
