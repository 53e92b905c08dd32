package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditledger/internal/observability"
	"github.com/MarkoPoloResearchLab/creditledger/internal/pricing"
	"github.com/MarkoPoloResearchLab/creditledger/internal/redislock"
	"github.com/MarkoPoloResearchLab/creditledger/internal/webhook"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store-driver"
	flagListenAddr         = "listen-addr"
	flagCatalogFile        = "catalog-file"
	flagWebhookSecret      = "webhook-secret"
	flagAdminToken         = "admin-token"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagAllowedOrigins     = "allowed-origins"
	flagProviderURL        = "provider-url"
	flagProviderToken      = "provider-token"
	flagProviderTimeout    = "provider-timeout"
	flagRequestTimeout     = "request-timeout"
	flagSweepInterval      = "sweep-interval"
	flagSweepStaleAfter    = "sweep-stale-after"
	flagRedisURL           = "redis-url"
	flagMaxAttempts        = "max-attempts"
	flagLogLevel           = "log-level"
	envPrefix              = "CREDITD"
	defaultDatabaseURL     = "sqlite:///tmp/creditledger.db"
	defaultListenAddr      = ":8080"
	defaultLogLevel        = "info"
	sweeperLockKey         = "creditledger:generation-sweeper"
	defaultSweepInterval   = time.Minute
	defaultSweepStaleAfter = 10 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL   string
	StoreDriver   string
	CatalogFile   string
	ProviderURL   string
	ProviderToken string
	RedisURL      string
	MaxAttempts   int
	LogLevel      string
	HTTP          httpapi.Config
	Sweep         sweepConfig
}

// sweepConfig drives the stale generation sweeper.
type sweepConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// validate applies defaults. A job is only stale once the provider could no longer be working on it, so
// StaleAfter must exceed providerTimeout.
func (cfg *sweepConfig) validate(providerTimeout time.Duration) error {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultSweepStaleAfter
	}
	if cfg.StaleAfter <= providerTimeout {
		return fmt.Errorf("%s %s must exceed %s %s", flagSweepStaleAfter, cfg.StaleAfter, flagProviderTimeout, providerTimeout)
	}
	return nil
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP server with generation billing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagStoreDriver, storeDriverGorm, "store implementation: gorm or pgx (pgx requires PostgreSQL)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagCatalogFile, "", "TOML file with grant amounts, store aliases and generation costs")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret expected in the webhook Authorization header (required)")
	cmd.Flags().String(flagAdminToken, "", "bearer token for /admin endpoints; admin endpoints reject every call when empty")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagProviderURL, "", "generation provider endpoint (required)")
	cmd.Flags().String(flagProviderToken, "", "bearer token sent to the generation provider")
	cmd.Flags().Duration(flagProviderTimeout, 0, "bound on a single provider call (e.g. 2m)")
	cmd.Flags().Duration(flagRequestTimeout, 0, "bound on ledger calls made by a request (e.g. 5s)")
	cmd.Flags().Duration(flagSweepInterval, 0, "how often stale generation jobs are swept")
	cmd.Flags().Duration(flagSweepStaleAfter, 0, "age after which a debited job is refunded; must exceed provider-timeout")
	cmd.Flags().String(flagRedisURL, "", "redis URL for the cross-instance sweeper lock; a process-local lock is used when empty")
	cmd.Flags().Int(flagMaxAttempts, 0, "retries for a conflicting balance update")
	cmd.Flags().String(flagLogLevel, defaultLogLevel, "info or debug")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagStoreDriver, flagListenAddr, flagCatalogFile, flagWebhookSecret, flagAdminToken,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagAllowedOrigins, flagProviderURL, flagProviderToken,
		flagProviderTimeout, flagRequestTimeout, flagSweepInterval, flagSweepStaleAfter, flagRedisURL, flagMaxAttempts, flagLogLevel,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
	cfg.CatalogFile = strings.TrimSpace(v.GetString(flagCatalogFile))
	cfg.ProviderURL = strings.TrimSpace(v.GetString(flagProviderURL))
	cfg.ProviderToken = strings.TrimSpace(v.GetString(flagProviderToken))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.MaxAttempts = v.GetInt(flagMaxAttempts)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(v.GetString(flagLogLevel)))
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		WebhookSecret:     v.GetString(flagWebhookSecret),
		AdminToken:        v.GetString(flagAdminToken),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		ProviderTimeout:   v.GetDuration(flagProviderTimeout),
	}
	cfg.Sweep = sweepConfig{
		Interval:   v.GetDuration(flagSweepInterval),
		StaleAfter: v.GetDuration(flagSweepStaleAfter),
	}

	if cfg.ProviderURL == "" {
		return fmt.Errorf("%s is required", flagProviderURL)
	}
	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPGX:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", flagStoreDriver, storeDriverGorm, storeDriverPGX, cfg.StoreDriver)
	}
	if cfg.MaxAttempts < 0 {
		return fmt.Errorf("%s must not be negative", flagMaxAttempts)
	}
	if err := cfg.HTTP.Validate(); err != nil {
		return err
	}
	return cfg.Sweep.validate(cfg.HTTP.ProviderTimeout)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	prices, err := pricing.LoadFile(cfg.CatalogFile)
	if err != nil {
		return err
	}

	stores, err := openStores(ctx, cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer stores.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	service, err := ledger.NewService(stores.ledger, prices.Catalog, func() time.Time { return time.Now().UTC() },
		ledger.WithOperationLogger(observability.OperationLoggers{observability.NewZapOperationLogger(logger), metrics}),
		ledger.WithMaxAttempts(cfg.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	provider, err := generation.NewHTTPProvider(cfg.ProviderURL, cfg.ProviderToken, nil)
	if err != nil {
		return err
	}
	orchestrator, err := generation.NewOrchestrator(generation.OrchestratorConfig{
		Ledger:          service,
		Jobs:            stores.jobs,
		Provider:        provider,
		Costs:           prices.Costs,
		Logger:          logger.Named("generation"),
		ProviderTimeout: cfg.HTTP.ProviderTimeout,
	})
	if err != nil {
		return err
	}

	lock, closeLock, err := newSweeperLock(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer closeLock()
	sweeper, err := generation.NewSweeper(generation.SweeperConfig{
		Ledger:     service,
		Jobs:       stores.jobs,
		Lock:       lock,
		Metrics:    metrics,
		Logger:     logger.Named("sweeper"),
		Interval:   cfg.Sweep.Interval,
		StaleAfter: cfg.Sweep.StaleAfter,
	})
	if err != nil {
		return err
	}

	processor, err := webhook.NewProcessor(service, logger.Named("webhook"), metrics)
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(cfg.HTTP, httpapi.Dependencies{
		Ledger:            service,
		Generator:         orchestrator,
		Webhooks:          processor,
		Metrics:           metrics.Handler(),
		GenerationMetrics: metrics,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := sweeper.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return httpapi.Serve(groupCtx, cfg.HTTP, router, logger)
	})
	return group.Wait()
}

func newSweeperLock(ctx context.Context, redisURL string) (generation.Lock, func(), error) {
	if redisURL == "" {
		return generation.NewLocalLock(), func() {}, nil
	}
	client, err := redislock.NewClient(ctx, redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis connect: %w", err)
	}
	lock, err := redislock.New(client, sweeperLockKey, 0)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return lock, func() { _ = client.Close() }, nil
}
