package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/handlers"
	"github.com/hanko-field/commerce/internal/payments"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/config"
	"github.com/hanko-field/commerce/internal/platform/events"
	pfirestore "github.com/hanko-field/commerce/internal/platform/firestore"
	"github.com/hanko-field/commerce/internal/platform/idempotency"
	"github.com/hanko-field/commerce/internal/platform/observability"
	"github.com/hanko-field/commerce/internal/platform/secrets"
	"github.com/hanko-field/commerce/internal/repositories"
	"github.com/hanko-field/commerce/internal/repositories/postgres"
	"github.com/hanko-field/commerce/internal/services"
)

const (
	shutdownTimeout   = 10 * time.Second
	closeTimeout      = 5 * time.Second
	tokenVerifyWindow = 5 * time.Second
	idempotencyPrefix = "commerce:idempotency:"
)

// closer collects teardown functions and runs them in reverse order.
type closer struct {
	logger *zap.Logger
	fns    []func(context.Context) error
	names  []string
}

func (c *closer) add(name string, fn func(context.Context) error) {
	c.names = append(c.names, name)
	c.fns = append(c.fns, fn)
}

func (c *closer) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := c.fns[i](ctx); err != nil {
			c.logger.Warn("close error", zap.String("component", c.names[i]), zap.Error(err))
		}
		cancel()
	}
}

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	cleanup := &closer{logger: logger}
	defer cleanup.run()

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(firstNonEmpty(os.Getenv("API_SECRET_PROJECT_ID"), os.Getenv("API_FIREBASE_PROJECT_ID"))),
		secrets.WithFallbackFile(firstNonEmpty(os.Getenv("API_SECRET_FALLBACK_FILE"), ".secrets.local")),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	cleanup.add("secrets", func(context.Context) error { return fetcher.Close() })

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	provider, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	cleanup.add("postgres", provider.Close)

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(ctx, provider, postgres.MigrateUp); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
		logger.Info("database migrations applied")
	}

	idempotencyStore, idempotencyCheck, err := newIdempotencyStore(ctx, cfg, cleanup)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err), zap.String("backend", cfg.Idempotency.Backend))
	}

	var checks []repositories.DependencyCheck
	if idempotencyCheck != nil {
		checks = append(checks, *idempotencyCheck)
	}
	registry, err := postgres.NewRegistry(provider, postgres.WithDependencyChecks(checks...))
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	publisher, err := newEventPublisher(ctx, cfg, logger.Named("events"), cleanup)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err), zap.String("backend", cfg.Events.Backend))
	}

	serviceLogger := observability.ServiceLogger(logger.Named("services"))
	meter := otel.GetMeterProvider().Meter("github.com/hanko-field/commerce")

	ledger, err := services.NewStockLedger(registry.Catalog(), serviceLogger)
	if err != nil {
		logger.Fatal("failed to initialise stock ledger", zap.Error(err))
	}
	addresses, err := services.NewAddressSnapshotResolver(registry.Addresses())
	if err != nil {
		logger.Fatal("failed to initialise address resolver", zap.Error(err))
	}
	numbers, err := services.NewOrderNumberGenerator(services.OrderNumberGeneratorDeps{
		Counters: registry.Counters(),
		Prefix:   cfg.Checkout.OrderNumberPrefix,
		Location: cfg.Checkout.Location,
	})
	if err != nil {
		logger.Fatal("failed to initialise order number generator", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:        registry.Carts(),
		Orders:       registry.Orders(),
		Ledger:       ledger,
		Addresses:    addresses,
		OrderNumbers: numbers,
		UnitOfWork:   registry,
		Pricing: services.PricingConfig{
			Currency:              cfg.Checkout.Currency,
			TaxRate:               cfg.Checkout.TaxRate,
			ShippingFee:           cfg.Checkout.ShippingFee,
			FreeShippingThreshold: cfg.Checkout.FreeShippingThreshold,
		},
		Events: publisher,
		Meter:  meter,
		Logger: serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}
	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     registry.Orders(),
		Ledger:     ledger,
		UnitOfWork: registry,
		Events:     publisher,
		Meter:      meter,
		Logger:     serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.Error(err), zap.String("mode", cfg.Auth.Mode))
	}

	var stripeWebhook *payments.StripeWebhook
	if secret := strings.TrimSpace(cfg.Stripe.WebhookSecret); secret != "" {
		stripeWebhook, err = payments.NewStripeWebhook(secret)
		if err != nil {
			logger.Fatal("failed to initialise stripe webhook", zap.Error(err))
		}
	} else {
		logger.Warn("stripe webhook secret not configured; /webhooks/stripe disabled")
	}

	idempotent := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLease(idempotencyLease(cfg.Server.RequestTimeout)),
	)

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, checkoutService, idempotent)
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService, idempotent)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, orderService)
	paymentHandlers := handlers.NewPaymentHandlers(orderService, stripeWebhook)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthRepository(registry.Health()),
		handlers.WithHealthVersion(firstNonEmpty(os.Getenv("API_BUILD_VERSION"), "dev")),
		handlers.WithHealthStartedAt(startedAt),
	)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := observability.NewHTTPMetrics(metricsRegistry)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
			httpMetrics.Middleware,
		),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(httpMetrics.Handler()),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(paymentHandlers.WebhookRoutes),
		handlers.WithInternalRoutes(paymentHandlers.InternalRoutes),
		handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	serverErr := make(chan error, 1)
	go func() {
		serverLogger.Info("commerce api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-shutdown:
		logger.Info("shutdown signal received; draining requests")
	case err := <-serverErr:
		logger.Error("http server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeLocal:
		verifier, err := auth.NewLocalVerifier(cfg.Auth.LocalSigningKey)
		if err != nil {
			return nil, err
		}
		return auth.NewAuthenticator(verifier), nil
	case config.AuthModeFirebase, "":
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, tokenVerifyWindow)
		if err != nil {
			return nil, err
		}
		return auth.NewAuthenticator(verifier), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

// newIdempotencyStore returns the configured store and, for networked backends, a non-critical
// readiness probe.
func newIdempotencyStore(ctx context.Context, cfg config.Config, cleanup *closer) (idempotency.Store, *repositories.DependencyCheck, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendMemory, "":
		return idempotency.NewMemoryStore(), nil, nil
	case config.IdempotencyBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		client, err := provider.Client(ctx)
		if err != nil {
			return nil, nil, err
		}
		cleanup.add("firestore", func(context.Context) error { return provider.Close() })
		check := repositories.DependencyCheck{Name: "firestore", Check: provider.Ping}
		return idempotency.NewFirestoreStore(client, ""), &check, nil
	case config.IdempotencyBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		cleanup.add("redis", func(context.Context) error { return client.Close() })
		check := repositories.DependencyCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		}
		return idempotency.NewRedisStore(client, idempotencyPrefix), &check, nil
	default:
		return nil, nil, fmt.Errorf("unknown idempotency backend %q", cfg.Idempotency.Backend)
	}
}

// newEventPublisher returns nil when events are disabled; the services then skip publishing.
func newEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger, cleanup *closer) (services.OrderEventPublisher, error) {
	switch cfg.Events.Backend {
	case config.EventsBackendNone, "":
		return nil, nil
	case config.EventsBackendPubSub:
		project := firstNonEmpty(cfg.Events.PubSubProject, cfg.Firebase.ProjectID)
		client, err := pubsub.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Events.PubSubTopic))
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		cleanup.add("pubsub", func(context.Context) error {
			publisher.Stop()
			return client.Close()
		})
		logger.Info("publishing order events to pubsub", zap.String("project", project), zap.String("topic", cfg.Events.PubSubTopic))
		return publisher, nil
	case config.EventsBackendKafka:
		publisher, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger)
		if err != nil {
			return nil, err
		}
		cleanup.add("kafka", func(context.Context) error { return publisher.Close() })
		logger.Info("publishing order events to kafka", zap.Strings("brokers", cfg.Events.KafkaBrokers), zap.String("topic", cfg.Events.KafkaTopic))
		return publisher, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.OIDC.JWKSURL) == "" {
		return nil
	}
	if strings.TrimSpace(cfg.OIDC.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(cfg.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, logger)
	return validator.RequireOIDC(cfg.OIDC.Audience, []string{cfg.OIDC.Issuer})
}

func traceProjectID(cfg config.Config) string {
	return firstNonEmpty(cfg.Firebase.ProjectID, cfg.Firestore.ProjectID)
}

// idempotencyLease outlives the request timeout so a slow request keeps its key.
func idempotencyLease(requestTimeout time.Duration) time.Duration {
	if lease := 2 * requestTimeout; lease > idempotency.DefaultLease {
		return lease
	}
	return idempotency.DefaultLease
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
