package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swapvault/gateway/auth"
	"swapvault/gateway/middleware"
	"swapvault/observability/logging"
	telemetry "swapvault/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "swap-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup("swap-gateway", cfg.Environment)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("swap-gateway"))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer store.Close()

	verifier := auth.NewVerifier(cfg.secretsByKey(), auth.Options{
		TimestampSkew: cfg.TimestampSkew,
		NonceTTL:      cfg.NonceTTL,
		NonceCapacity: cfg.NonceCapacity,
		Persistence:   store,
	})
	if err := verifier.Hydrate(context.Background()); err != nil {
		logger.Warn("hydrate nonce cache", "err", err)
	}

	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	queue := NewWebhookQueue(
		WithTaskCapacity(cfg.QueueCapacity),
		WithHistoryCapacity(cfg.QueueHistory),
		WithQueueTTL(cfg.QueueTTL),
	)

	var enforcer *PolicyEnforcer
	if cfg.PolicyPath != "" {
		policies, loadErr := LoadPolicies(cfg.PolicyPath)
		if loadErr != nil {
			return fmt.Errorf("load policies: %w", loadErr)
		}
		enforcer, err = NewPolicyEnforcer(policies)
		if err != nil {
			return fmt.Errorf("init policies: %w", err)
		}
	}

	var exporter *SettlementExporter
	if cfg.ExportDir != "" {
		exporter = NewSettlementExporter(store, cfg.ExportDir, logger)
	}

	authn := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.JWTSecret != "",
		HMACSecret: cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
	}, logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"escrow-writes": {RatePerSecond: cfg.RatePerSecond, Burst: cfg.RateBurst},
		"reads":         {RatePerSecond: cfg.RatePerSecond * 4, Burst: cfg.RateBurst * 4},
	})
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "swap-gateway",
		LogRequests: true,
		Enabled:     true,
	}, logger)
	cors := middleware.CORS(middleware.CORSConfig{})

	server := NewServer(verifier, node, store, enforcer, exporter, logger)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := NewEventWatcher(node, store, queue, logger, cfg.PollInterval, cfg.EventBatchSize)
	go watcher.Run(stopCtx)
	worker := NewWebhookWorker(store, queue, logger)
	go worker.Run(stopCtx)
	if exporter != nil {
		go exporter.Run(stopCtx)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(authn, limiter, obs, cors),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("swap gateway listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
