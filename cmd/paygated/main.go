package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tokligence/paygate/internal/adapter/loopback"
	adapteropenai "github.com/tokligence/paygate/internal/adapter/openai"
	adapterrouter "github.com/tokligence/paygate/internal/adapter/router"
	"github.com/tokligence/paygate/internal/anonymous"
	"github.com/tokligence/paygate/internal/config"
	"github.com/tokligence/paygate/internal/execution"
	"github.com/tokligence/paygate/internal/health"
	"github.com/tokligence/paygate/internal/httpserver"
	"github.com/tokligence/paygate/internal/invoice"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/ledger/file"
	"github.com/tokligence/paygate/internal/ledger/postgres"
	"github.com/tokligence/paygate/internal/ledger/sqlite"
	"github.com/tokligence/paygate/internal/logging"
	"github.com/tokligence/paygate/internal/metrics"
	"github.com/tokligence/paygate/internal/pricing"
	"github.com/tokligence/paygate/internal/ratelimit"
	"github.com/tokligence/paygate/internal/rewards"
	"github.com/tokligence/paygate/internal/verifier"
	"github.com/tokligence/paygate/internal/workflow"
)

func main() {
	decimal.MarshalJSONWithoutQuotes = true

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger, closeLog, err := logging.New(logging.Options{Level: level, File: cfg.LogFile, MaxBytes: 300 * 1024 * 1024})
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer closeLog()
	logger.Info("paygate starting", zap.String("env", cfg.Environment), zap.String("network", cfg.Network))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open ledger", zap.String("backend", cfg.LedgerBackend), zap.Error(err))
	}
	defer store.Close()

	collector := metrics.NewCollector()

	prices := pricing.NewStore()
	prices.SetLogger(logger)
	if cfg.PricingFile != "" {
		n, err := prices.Load(cfg.PricingFile)
		if err != nil {
			logger.Fatal("load pricing", zap.String("path", cfg.PricingFile), zap.Error(err))
		}
		logger.Info("pricing loaded", zap.String("path", cfg.PricingFile), zap.Int("models", n))
		if cfg.PricingRefresh > 0 {
			prices.StartAutoRefresh(cfg.PricingFile, cfg.PricingRefresh, ctx.Done())
		}
	}

	chat, err := buildRouter(cfg, logger)
	if err != nil {
		logger.Fatal("configure execution routes", zap.Error(err))
	}
	exec := execution.New(chat, execution.Config{
		MaxTokens:   cfg.ExecutionMaxTokens,
		Temperature: cfg.ExecutionTemperature,
	}, logger, collector)

	policy, err := invoice.ParsePolicy(cfg.VerifyPolicy)
	if err != nil {
		logger.Fatal("verify policy", zap.Error(err))
	}
	opts := []invoice.Option{invoice.WithLogger(logger), invoice.WithMetrics(collector)}
	v, err := buildVerifier(cfg)
	if err != nil {
		logger.Fatal("configure verifier", zap.String("verifier", cfg.Verifier), zap.Error(err))
	}
	if v != nil {
		opts = append(opts, invoice.WithVerifier(v))
	}
	engine := invoice.New(store, invoice.Config{
		TTL:             cfg.InvoiceTTL,
		Network:         cfg.Network,
		Recipient:       cfg.Recipient,
		Currency:        cfg.Currency,
		ExplorerBaseURL: cfg.ExplorerBaseURL,
		Policy:          policy,
		VerifyTimeout:   cfg.VerifyTimeout,
		ExecTimeout:     cfg.ExecutionTimeout,
	}, opts...)
	defer engine.Close()

	sessions, err := buildSessions(ctx, cfg)
	if err != nil {
		logger.Fatal("open workflow sessions", zap.String("backend", cfg.SessionBackend), zap.Error(err))
	}
	coordinator := workflow.NewCoordinator(engine, store, sessions, prices, exec, logger)

	go invoice.Reaper{
		Engine:   engine,
		Sessions: coordinator,
		Interval: cfg.ReaperInterval,
		Grace:    cfg.ReaperGrace,
		IdleTTL:  cfg.SessionIdleTTL,
		Logger:   logger,
	}.Run(ctx)

	limiter, err := buildLimiter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open rate limit store", zap.String("backend", cfg.RateLimitBackend), zap.Error(err))
	}
	if limiter != nil {
		defer limiter.Close()
	}

	probes := []health.Probe{health.LedgerProbe(store)}
	if p, ok := sessions.(health.Pinger); ok {
		probes = append(probes, health.PingProbe("sessions", "cache", false, p))
	}
	if cfg.ExecutionURL != "" {
		probes = append(probes, health.HTTPProbe("execution_upstream", cfg.ExecutionURL, nil))
	}

	httpSrv := httpserver.New(httpserver.Options{
		Engine:    engine,
		Entries:   store,
		Pricing:   prices,
		Executor:  exec,
		Workflows: coordinator,
		Anonymous: anonymous.New(store, logger, collector),
		Checkin:   rewards.NewCheckin(store, cfg.DailyReward, logger, nil),
		Metrics:   collector,
		Health:    health.New(health.Config{}, probes...),
		Limiter:   limiter,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ExecutionTimeout + cfg.VerifyTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("paygate listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("paygate stopped")
}

func openStore(cfg config.Config) (ledger.Store, error) {
	opts := ledger.Options{Retention: cfg.Retention, StoreSensitive: cfg.StoreSensitive}
	switch cfg.LedgerBackend {
	case "sqlite":
		return sqlite.New(cfg.LedgerPath, opts)
	case "postgres":
		return postgres.New(cfg.LedgerDSN, postgres.PoolConfig{}, opts)
	case "file":
		return file.New(cfg.LedgerPath, cfg.TokensPath, opts)
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}

// buildRouter registers loopback and, when execution_url is set, the upstream
// chat completions endpoint. Unrouted models go upstream when it exists.
func buildRouter(cfg config.Config, logger *zap.Logger) (*adapterrouter.Router, error) {
	r := adapterrouter.New()
	if err := r.RegisterAdapter("loopback", loopback.New()); err != nil {
		return nil, err
	}
	fallback := "loopback"
	if cfg.ExecutionURL != "" {
		upstream, err := adapteropenai.New(adapteropenai.Config{
			URL:            cfg.ExecutionURL,
			APIKey:         cfg.ExecutionAPIKey,
			AuthHeader:     cfg.ExecutionAuthHeader,
			RequestTimeout: cfg.ExecutionTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("upstream adapter: %w", err)
		}
		if err := r.RegisterAdapter("upstream", upstream); err != nil {
			return nil, err
		}
		fallback = "upstream"
	}
	for _, rule := range cfg.ModelRoutes {
		if err := r.RegisterRoute(rule.Pattern, rule.Target); err != nil {
			logger.Warn("route rule rejected", zap.String("pattern", rule.Pattern), zap.String("target", rule.Target), zap.Error(err))
		}
	}
	if err := r.SetFallback(fallback); err != nil {
		return nil, err
	}
	logger.Info("execution routes configured", zap.String("fallback", fallback), zap.Int("rules", len(cfg.ModelRoutes)))
	return r, nil
}

func buildVerifier(cfg config.Config) (verifier.Verifier, error) {
	poller := verifier.Poller{
		MaxAttempts: cfg.VerifyMaxAttempts,
		Interval:    cfg.VerifyInterval,
		MaxInterval: cfg.VerifyMaxInterval,
	}
	if cfg.VerifyRPS > 0 {
		poller.Limiter = rate.NewLimiter(rate.Limit(cfg.VerifyRPS), 1)
	}
	switch cfg.Verifier {
	case "none", "":
		return nil, nil
	case "aleo":
		return verifier.NewAleo(verifier.AleoConfig{
			RPCURL:    cfg.RPCURL,
			Recipient: cfg.Recipient,
			Decimals:  int32(cfg.Decimals),
			Poller:    poller,
		})
	case "evm":
		return verifier.DialEVM(cfg.RPCURL, verifier.EVMConfig{
			Recipient: cfg.Recipient,
			Decimals:  int32(cfg.Decimals),
			Poller:    poller,
		})
	}
	return nil, fmt.Errorf("unknown verifier %q", cfg.Verifier)
}

func buildSessions(ctx context.Context, cfg config.Config) (workflow.SessionStore, error) {
	if cfg.SessionBackend != "redis" {
		return workflow.NewMemorySessionStore(), nil
	}
	client, err := workflow.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return workflow.NewRedisSessionStore(client, "paygate:sessions", cfg.SessionIdleTTL), nil
}

func buildLimiter(ctx context.Context, cfg config.Config, logger *zap.Logger) (*ratelimit.Limiter, error) {
	if cfg.RateLimitRPS <= 0 {
		return nil, nil
	}
	var store ratelimit.Store
	if cfg.RateLimitBackend == "redis" {
		client, err := workflow.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		store = ratelimit.NewRedisStore(client, "paygate:ratelimit")
	}
	return ratelimit.NewLimiter(ratelimit.Config{
		Store:             store,
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             float64(cfg.RateLimitBurst),
		Logger:            logger,
	}), nil
}
