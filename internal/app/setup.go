package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/internal/circuitbreaker"
	"github.com/mselser95/pool-settler/internal/scheduler"
	"github.com/mselser95/pool-settler/pkg/config"
	"github.com/mselser95/pool-settler/pkg/healthprobe"
	"github.com/mselser95/pool-settler/pkg/httpserver"
)

// New creates a new application instance.
func New(cfg *config.Config, logger *zap.Logger, opts *Options) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	components, err := NewComponents(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup components: %w", err)
	}

	breaker, err := setupCircuitBreaker(cfg, logger, components)
	if err != nil {
		components.Close()
		cancel()
		return nil, fmt.Errorf("setup circuit breaker: %w", err)
	}

	var sched *scheduler.Service
	if !opts.DisableScheduler {
		sched, err = setupScheduler(cfg, logger, components, breaker)
		if err != nil {
			components.Close()
			cancel()
			return nil, fmt.Errorf("setup scheduler: %w", err)
		}
	}

	healthChecker := setupHealthChecker(components)
	httpServer := setupHTTPServer(cfg, logger, healthChecker, components, breaker)

	return &App{
		cfg:           cfg,
		logger:        logger,
		healthChecker: healthChecker,
		httpServer:    httpServer,
		components:    components,
		breaker:       breaker,
		scheduler:     sched,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func setupHealthChecker(components *Components) *healthprobe.HealthChecker {
	hc := healthprobe.New()
	hc.AddCheck("store", components.Store.Ping)
	if components.redis != nil {
		hc.AddCheck("redis", func(ctx context.Context) error {
			return components.redis.Ping(ctx).Err()
		})
	}
	return hc
}

func setupHTTPServer(
	cfg *config.Config,
	logger *zap.Logger,
	healthChecker *healthprobe.HealthChecker,
	components *Components,
	breaker *circuitbreaker.BalanceCircuitBreaker,
) *httpserver.Server {
	var breakerStatus httpserver.BreakerStatus
	if breaker != nil {
		breakerStatus = breaker
	}

	return httpserver.New(&httpserver.Config{
		Port:          cfg.HTTPPort,
		Logger:        logger,
		HealthChecker: healthChecker,
		Resolutions: httpserver.NewResolutionHandler(
			components.Orchestrator,
			components.Store,
			components.Reconciler,
			breakerStatus,
			logger,
		),
		RunTimeout: runTimeout(cfg),
	})
}

// runTimeout bounds one resolution triggered over HTTP: every step may use
// all of its attempts at the maximum backoff.
func runTimeout(cfg *config.Config) (timeout time.Duration) {
	perStep := time.Duration(cfg.StepMaxAttempts) * (cfg.StepMaxBackoff + cfg.RPCCallTimeout)
	return 6*perStep + cfg.RPCCallTimeout
}

// setupCircuitBreaker watches the fee payer's ledger balance. Returns nil
// when disabled.
func setupCircuitBreaker(
	cfg *config.Config,
	logger *zap.Logger,
	components *Components,
) (*circuitbreaker.BalanceCircuitBreaker, error) {
	if !cfg.BreakerEnabled {
		logger.Info("circuit-breaker-disabled",
			zap.String("note", "BREAKER_ENABLED=false, runs are never gated on payer balance"))
		return nil, nil
	}

	breaker, err := circuitbreaker.New(&circuitbreaker.Config{
		CheckInterval:   cfg.BreakerCheckInterval,
		SpendMultiplier: cfg.BreakerSpendMultiplier,
		MinLamports:     cfg.BreakerMinLamports,
		HysteresisRatio: cfg.BreakerHysteresisRatio,
		Ledger:          components.Ledger,
		Payer:           components.Payer.PublicKey(),
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}

	logger.Info("circuit-breaker-configured",
		zap.Duration("check-interval", cfg.BreakerCheckInterval),
		zap.Uint64("min-lamports", cfg.BreakerMinLamports),
		zap.Float64("spend-multiplier", cfg.BreakerSpendMultiplier),
		zap.Float64("hysteresis-ratio", cfg.BreakerHysteresisRatio),
		zap.String("payer", components.Payer.PublicKey().String()))

	return breaker, nil
}

func setupScheduler(
	cfg *config.Config,
	logger *zap.Logger,
	components *Components,
	breaker *circuitbreaker.BalanceCircuitBreaker,
) (*scheduler.Service, error) {
	var gate scheduler.Gate
	if breaker != nil {
		gate = breaker
	}

	return scheduler.New(&scheduler.Config{
		Source:        components.Store,
		Runner:        components.Orchestrator,
		Gate:          gate,
		Interval:      cfg.SchedulerInterval,
		MaxConcurrent: cfg.SchedulerMaxConcurrent,
		Logger:        logger,
	})
}
