package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/pkg/types"
)

// AccountFetcher reads account snapshots. chain.Client and test fakes
// implement it.
type AccountFetcher interface {
	FetchAccount(ctx context.Context, handle types.Handle) (*chain.Snapshot, error)
}

// spendWindow is how many balance decreases feed the average spend.
const spendWindow = 20

// BalanceCircuitBreaker watches the fee payer's balance and gates new
// resolution runs. Thresholds follow recent spend and use hysteresis to
// prevent rapid state changes.
type BalanceCircuitBreaker struct {
	enabled atomic.Bool // Atomic for lock-free reads

	// Configuration
	checkInterval   time.Duration
	ledger          AccountFetcher
	payer           types.Handle
	logger          *zap.Logger
	spendMultiplier float64 // Multiplier for avg spend between checks
	minLamports     float64 // Absolute minimum balance
	hysteresisRatio float64 // Re-enable at ratio * disable threshold

	// Protected by mutex
	mu               sync.RWMutex
	lastBalance      uint64    // Last checked balance (lamports)
	lastCheck        time.Time // When we last checked
	recentSpend      []float64 // Rolling window of balance decreases
	disableThreshold float64   // Current disable threshold
	enableThreshold  float64   // Current enable threshold
}

// Config holds circuit breaker configuration.
type Config struct {
	CheckInterval   time.Duration
	SpendMultiplier float64
	MinLamports     uint64
	HysteresisRatio float64
	Ledger          AccountFetcher
	Payer           types.Handle
	Logger          *zap.Logger
}

// Status holds current circuit breaker status for debugging.
type Status struct {
	Enabled          bool      `json:"enabled"`
	LastBalance      uint64    `json:"lastBalance"`
	LastCheck        time.Time `json:"lastCheck"`
	DisableThreshold float64   `json:"disableThreshold"`
	EnableThreshold  float64   `json:"enableThreshold"`
	AvgSpend         float64   `json:"avgSpend"`
	RecentSpendCount int       `json:"recentSpendCount"`
}

// New creates a new circuit breaker with the given configuration.
func New(cfg *Config) (breaker *BalanceCircuitBreaker, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger cannot be nil")
	}
	if cfg.Payer.IsZero() {
		return nil, errors.New("payer cannot be empty")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.CheckInterval <= 0 {
		return nil, errors.New("check interval must be positive")
	}
	if cfg.SpendMultiplier <= 0 {
		return nil, errors.New("spend multiplier must be positive")
	}
	if cfg.MinLamports == 0 {
		return nil, errors.New("min lamports must be positive")
	}
	if cfg.HysteresisRatio < 1.0 {
		return nil, errors.New("hysteresis ratio must be >= 1.0")
	}

	minLamports := float64(cfg.MinLamports)
	breaker = &BalanceCircuitBreaker{
		checkInterval:    cfg.CheckInterval,
		ledger:           cfg.Ledger,
		payer:            cfg.Payer,
		logger:           cfg.Logger,
		spendMultiplier:  cfg.SpendMultiplier,
		minLamports:      minLamports,
		hysteresisRatio:  cfg.HysteresisRatio,
		recentSpend:      make([]float64, 0, spendWindow),
		disableThreshold: minLamports, // Start with minimum
		enableThreshold:  minLamports * cfg.HysteresisRatio,
	}

	// Start enabled by default
	breaker.enabled.Store(true)

	CircuitBreakerEnabled.Set(1)
	CircuitBreakerDisableThreshold.Set(breaker.disableThreshold)
	CircuitBreakerEnableThreshold.Set(breaker.enableThreshold)
	CircuitBreakerAvgSpend.Set(0)

	return breaker, nil
}

// IsEnabled returns true if new resolution runs may start.
// This is lock-free and safe to call from hot paths.
func (b *BalanceCircuitBreaker) IsEnabled() (enabled bool) {
	return b.enabled.Load()
}

// RecordSpend adds a balance decrease to the rolling window and recalculates
// thresholds.
func (b *BalanceCircuitBreaker) RecordSpend(lamports uint64) {
	if lamports == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recordSpendLocked(float64(lamports))
}

func (b *BalanceCircuitBreaker) recordSpendLocked(spend float64) {
	b.recentSpend = append(b.recentSpend, spend)
	if len(b.recentSpend) > spendWindow {
		b.recentSpend = b.recentSpend[1:]
	}

	avgSpend := average(b.recentSpend)

	b.disableThreshold = math.Max(avgSpend*b.spendMultiplier, b.minLamports)
	b.enableThreshold = b.disableThreshold * b.hysteresisRatio

	CircuitBreakerAvgSpend.Set(avgSpend)
	CircuitBreakerDisableThreshold.Set(b.disableThreshold)
	CircuitBreakerEnableThreshold.Set(b.enableThreshold)

	b.logger.Debug("thresholds-updated",
		zap.Float64("avg-spend", avgSpend),
		zap.Int("spend-count", len(b.recentSpend)),
		zap.Float64("disable-threshold", b.disableThreshold),
		zap.Float64("enable-threshold", b.enableThreshold))
}

// CheckBalance reads the payer balance and updates enabled state based on
// thresholds. A decrease since the previous check is recorded as spend.
func (b *BalanceCircuitBreaker) CheckBalance(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		CircuitBreakerCheckDuration.Observe(time.Since(start).Seconds())
	}()

	snap, err := b.ledger.FetchAccount(ctx, b.payer)
	if err != nil {
		b.logger.Error("failed-to-check-balance",
			zap.Error(err),
			zap.String("payer", b.payer.String()))
		return fmt.Errorf("fetch payer balance: %w", err)
	}
	balance := snap.Lamports

	b.mu.Lock()
	if !b.lastCheck.IsZero() && balance < b.lastBalance {
		b.recordSpendLocked(float64(b.lastBalance - balance))
	}
	b.lastBalance = balance
	b.lastCheck = time.Now()
	disableThreshold := b.disableThreshold
	enableThreshold := b.enableThreshold
	b.mu.Unlock()

	CircuitBreakerBalance.Set(float64(balance))

	currentlyEnabled := b.enabled.Load()
	value := float64(balance)

	// State transition logic with hysteresis
	shouldDisable := currentlyEnabled && value < disableThreshold
	shouldEnable := !currentlyEnabled && value >= enableThreshold

	switch {
	case shouldDisable:
		b.enabled.Store(false)
		CircuitBreakerEnabled.Set(0)
		CircuitBreakerStateChanges.Inc()

		b.logger.Warn("circuit-breaker-disabled",
			zap.Uint64("balance", balance),
			zap.Float64("disable-threshold", disableThreshold),
			zap.Float64("enable-threshold", enableThreshold))
	case shouldEnable:
		b.enabled.Store(true)
		CircuitBreakerEnabled.Set(1)
		CircuitBreakerStateChanges.Inc()

		b.logger.Info("circuit-breaker-enabled",
			zap.Uint64("balance", balance),
			zap.Float64("disable-threshold", disableThreshold),
			zap.Float64("enable-threshold", enableThreshold))
	default:
		b.logger.Debug("balance-checked",
			zap.Uint64("balance", balance),
			zap.Bool("enabled", currentlyEnabled),
			zap.Float64("disable-threshold", disableThreshold),
			zap.Float64("enable-threshold", enableThreshold))
	}

	return nil
}

// Start begins the background monitoring loop that periodically checks balance.
// This runs until the context is cancelled.
func (b *BalanceCircuitBreaker) Start(ctx context.Context) {
	b.logger.Info("circuit-breaker-started",
		zap.Duration("check-interval", b.checkInterval),
		zap.Float64("spend-multiplier", b.spendMultiplier),
		zap.Float64("min-lamports", b.minLamports),
		zap.Float64("hysteresis-ratio", b.hysteresisRatio))

	// Check balance immediately on startup
	if err := b.CheckBalance(ctx); err != nil {
		b.logger.Error("initial-balance-check-failed", zap.Error(err))
	}

	go b.monitorLoop(ctx)
}

// monitorLoop is the background goroutine that periodically checks balance.
func (b *BalanceCircuitBreaker) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(b.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("circuit-breaker-stopped")
			return
		case <-ticker.C:
			if err := b.CheckBalance(ctx); err != nil {
				// Log error but continue monitoring
				b.logger.Error("balance-check-error", zap.Error(err))
			}
		}
	}
}

// GetStatus returns current circuit breaker status for debugging and HTTP endpoints.
func (b *BalanceCircuitBreaker) GetStatus() (status Status) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Status{
		Enabled:          b.enabled.Load(),
		LastBalance:      b.lastBalance,
		LastCheck:        b.lastCheck,
		DisableThreshold: b.disableThreshold,
		EnableThreshold:  b.enableThreshold,
		AvgSpend:         average(b.recentSpend),
		RecentSpendCount: len(b.recentSpend),
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
