package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/storefront/internal/backend"
	"github.com/hanko-field/storefront/internal/cartsync"
	"github.com/hanko-field/storefront/internal/checkout"
	"github.com/hanko-field/storefront/internal/cleanup"
	"github.com/hanko-field/storefront/internal/handlers"
	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/config"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/platform/jobs"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/platform/secrets"
	"github.com/hanko-field/storefront/internal/repositories"
	firestoreRepo "github.com/hanko-field/storefront/internal/repositories/firestore"
	memoryRepo "github.com/hanko-field/storefront/internal/repositories/memory"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("STOREFRONT_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("storefront")
	ctx = observability.WithLogger(ctx, logger)
	meter := otel.Meter("github.com/hanko-field/storefront")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcherOpts := append(secrets.OptionsFromEnv(envValues),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithMeter(meter),
	)
	fetcher, err := secrets.NewFetcher(ctx, fetcherOpts...)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var checks []repositories.DependencyCheck

	var (
		mirror          repositories.CartMirrorRepository
		reconciliations repositories.ReconciliationRepository
		firestoreProv   *pfirestore.Provider
	)
	switch cfg.Checkout.Storage {
	case config.StorageFirestore:
		firestoreProv = pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProv.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		cartMirror, err := firestoreRepo.NewCartMirrorRepository(firestoreProv)
		if err != nil {
			logger.Fatal("failed to initialise cart mirror repository", zap.Error(err))
		}
		markers, err := firestoreRepo.NewReconciliationRepository(firestoreProv)
		if err != nil {
			logger.Fatal("failed to initialise reconciliation repository", zap.Error(err))
		}
		mirror, reconciliations = cartMirror, markers
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Critical: true,
			Timeout:  1500 * time.Millisecond,
			Check:    firestoreProv.Ping,
		})
	default:
		logger.Warn("checkout storage is in-memory; reconciliation markers are lost on restart")
		mirror = memoryRepo.NewCartMirrorRepository()
		reconciliations = memoryRepo.NewReconciliationRepository()
	}

	backendClient, err := backend.NewClient(cfg.Backend.BaseURL,
		backend.WithServiceToken(cfg.Backend.ServiceToken),
		backend.WithReadRetries(cfg.Backend.ReadRetries),
		backend.WithHTTPClient(&http.Client{
			Timeout:   cfg.Backend.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
	if err != nil {
		logger.Fatal("failed to initialise backend client", zap.Error(err))
	}
	checks = append(checks, repositories.DependencyCheck{
		Name:     "backend",
		Critical: true,
		Timeout:  2 * time.Second,
		Check:    backendClient.Ping,
	})

	paymentManager, err := newPaymentManager(cfg.Payments, backendClient, observability.EventLogger(logger.Named("payments")))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var publisher checkout.MarkerPublisher
	if topicName := strings.TrimSpace(cfg.PubSub.ReconciliationTopic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(topicName)
		markerPublisher, err := jobs.NewPubSubMarkerPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise reconciliation publisher", zap.Error(err))
		}
		defer markerPublisher.Stop()
		publisher = markerPublisher
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topicName)
				}
				return nil
			},
		})
	}
	checks = append(checks, secretManagerCheck(fetcher))

	recorder, err := checkout.NewMarkerRecorder(reconciliations, publisher)
	if err != nil {
		logger.Fatal("failed to initialise reconciliation recorder", zap.Error(err))
	}

	cleanupService, err := cleanup.New(cleanup.Deps{
		Carts:   backendClient.Carts(),
		Mirror:  mirror,
		Timeout: cfg.Checkout.CleanupTimeout,
		Logger:  observability.EventLogger(logger.Named("cleanup")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart cleanup", zap.Error(err))
	}

	synchronizer, err := cartsync.New(cartsync.Deps{
		Carts:   backendClient.Carts(),
		Catalog: backendClient.Catalog(),
		Mirror:  mirror,
		Logger:  observability.EventLogger(logger.Named("cartsync")),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart synchronizer", zap.Error(err))
	}

	metricsObserver, err := checkout.NewMetricsObserver(meter)
	if err != nil {
		logger.Fatal("failed to initialise checkout metrics", zap.Error(err))
	}
	checkoutEvents := observability.EventLogger(logger.Named("checkout"))
	observers := []checkout.Observer{checkout.LogObserver(checkoutEvents), metricsObserver}

	registry, err := checkout.NewRegistry(func(buyer checkout.Buyer, attempt checkout.Attempt, gateway checkout.Gateway) (*checkout.Orchestrator, error) {
		return checkout.New(buyer, attempt, checkout.Deps{
			Orders:         backendClient.Orders(),
			Payments:       paymentManager,
			Gateway:        gateway,
			Cleanup:        cleanupService,
			Reconciliation: recorder,
			Observers:      observers,
			Logger:         checkoutEvents,
			Currency:       cfg.Checkout.Currency,
			StepTimeout:    cfg.Checkout.StepTimeout,
		})
	},
		checkout.WithSessionTTL(cfg.Checkout.SessionTTL),
		checkout.WithHandoffTTL(cfg.Checkout.HandoffTTL),
		checkout.WithQuietPeriod(cfg.Checkout.AddressQuietPeriod),
	)
	if err != nil {
		logger.Fatal("failed to initialise checkout registry", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase,
		auth.WithRevocationCheck(cfg.Security.Environment == "production"),
	)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier,
		auth.WithUserGetter(firebaseVerifier),
		auth.WithAnonymousBuyers(cfg.Checkout.AllowAnonymous),
	)

	idempotencyStore := idempotency.NewMemoryStore()
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotency.Logger(observability.EventLogger(logger.Named("idempotency")))),
	)

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, registry, synchronizer,
		handlers.WithSubmitRateLimiter(handlers.NewBuyerRateLimiter(cfg.RateLimits.SubmitPerMinute, cfg.RateLimits.SubmitBurst, time.Now)),
		handlers.WithIdempotency(idempotencyMiddleware),
	)

	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthRepository(healthRepo),
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
	)

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	backgroundWG.Add(2)
	go func() {
		defer backgroundWG.Done()
		sweepLogger := logger.Named("checkout")
		registry.Run(backgroundCtx, cfg.Checkout.SweepInterval, func(removed int) {
			sweepLogger.Info("expired checkout sessions closed", zap.Int("count", removed))
		})
	}()
	go func() {
		defer backgroundWG.Done()
		sweepLogger := logger.Named("idempotency")
		idempotency.RunSweeper(backgroundCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, func(removed int, err error) {
			if err != nil {
				sweepLogger.Error("idempotency cleanup error", zap.Error(err))
				return
			}
			sweepLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
		})
	}()

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger.Named("http")),
		),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
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
	go func() {
		serverLogger.Info("storefront checkout listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	stopBackground()
	backgroundWG.Wait()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("checkout sessions did not close cleanly", zap.Error(err))
	}
	if err := cleanupService.Wait(shutdownCtx); err != nil {
		logger.Warn("cart cleanups still running at shutdown", zap.Error(err))
	}
}

func newPaymentManager(cfg config.PaymentsConfig, client *backend.Client, logger observability.EventFunc) (*payments.Manager, error) {
	providers := map[string]payments.Provider{
		payments.ProviderBackend: client.Payments(),
	}
	if strings.TrimSpace(cfg.StripeAPIKey) != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:         cfg.StripeAPIKey,
			PublishableKey: cfg.StripePublishableKey,
			AccountID:      cfg.StripeAccountID,
			SigningSecret:  cfg.GatewaySigningSecret,
			Logger:         payments.StripeLogger(logger),
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderStripe] = stripeProvider
	}

	opts := []payments.ManagerOption{payments.WithCurrencyRoutes(cfg.CurrencyRoutes)}
	if cfg.DefaultProvider != "" {
		opts = append(opts, payments.WithDefaultProvider(cfg.DefaultProvider))
	}
	if cfg.PreferredProvider != "" {
		opts = append(opts, payments.WithPreferredProvider(cfg.PreferredProvider))
	}
	return payments.NewManager(providers, opts...)
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const secretHealthReference = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["STOREFRONT_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["STOREFRONT_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if cfg.Firestore.ProjectID != "" {
		return cfg.Firestore.ProjectID
	}
	return cfg.Firebase.ProjectID
}

// requiredSecretNames lists the secrets that must resolve for the current environment. Local
// runs may omit them; any other environment fails fast.
func requiredSecretNames(env map[string]string) []string {
	environment := strings.ToLower(strings.TrimSpace(env["STOREFRONT_SECURITY_ENVIRONMENT"]))
	if environment == "" || environment == "local" || environment == "test" {
		return nil
	}
	names := []string{"Backend.ServiceToken"}
	if strings.TrimSpace(env["STOREFRONT_PAYMENTS_STRIPE_API_KEY"]) != "" {
		names = append(names, "Payments.StripeAPIKey", "Payments.GatewaySigningSecret")
	}
	return names
}
