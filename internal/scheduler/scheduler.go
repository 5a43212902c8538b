// Package scheduler triggers resolution runs for pools whose window has
// closed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mselser95/pool-settler/internal/settlement"
	"github.com/mselser95/pool-settler/pkg/types"
)

// PoolSource lists pools that are due for resolution.
type PoolSource interface {
	LoadExpiredPools(ctx context.Context, now time.Time) ([]types.Pool, error)
}

// Runner runs one resolution. *settlement.Orchestrator implements it.
type Runner interface {
	RunResolution(ctx context.Context, poolID uint64) (*settlement.Result, error)
}

// Gate reports whether new runs may start.
type Gate interface {
	IsEnabled() bool
}

// Service polls the mirror store for expired pools and runs their
// resolutions, at most one run per pool at a time.
type Service struct {
	source        PoolSource
	runner        Runner
	gate          Gate
	interval      time.Duration
	maxConcurrent int
	logger        *zap.Logger
	now           func() time.Time

	group *errgroup.Group

	mu       sync.Mutex
	inFlight map[uint64]struct{}
}

// Config holds scheduler configuration.
type Config struct {
	Source        PoolSource
	Runner        Runner
	Gate          Gate // optional
	Interval      time.Duration
	MaxConcurrent int
	Logger        *zap.Logger
	Now           func() time.Time
}

// New creates a scheduler.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Source == nil {
		return nil, errors.New("pool source cannot be nil")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	group := &errgroup.Group{}
	group.SetLimit(maxConcurrent)

	return &Service{
		source:        cfg.Source,
		runner:        cfg.Runner,
		gate:          cfg.Gate,
		interval:      cfg.Interval,
		maxConcurrent: maxConcurrent,
		logger:        cfg.Logger,
		now:           now,
		group:         group,
		inFlight:      make(map[uint64]struct{}),
	}, nil
}

// Run starts the polling loop and blocks until ctx is cancelled and every
// dispatched run has returned.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("scheduler-starting",
		zap.Duration("interval", s.interval),
		zap.Int("max-concurrent", s.maxConcurrent))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial tick
	err := s.Tick(ctx)
	if err != nil {
		s.logger.Error("initial-tick-failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler-stopping")
			s.Wait()
			return ctx.Err()
		case <-ticker.C:
			err := s.Tick(ctx)
			if err != nil {
				s.logger.Error("tick-failed", zap.Error(err))
			}
		}
	}
}

// Tick dispatches a run for every expired pool that has no run in flight.
// Dispatch is non-blocking: pools left over when all slots are busy are
// picked up by a later tick.
func (s *Service) Tick(ctx context.Context) error {
	TicksTotal.Inc()

	if s.gate != nil && !s.gate.IsEnabled() {
		SkipsTotal.WithLabelValues("gate-closed").Inc()
		s.logger.Warn("scheduler-gate-closed")
		return nil
	}

	pools, err := s.source.LoadExpiredPools(ctx, s.now().UTC())
	if err != nil {
		TickErrorsTotal.Inc()
		return fmt.Errorf("load expired pools: %w", err)
	}

	dispatched := 0
	for i := range pools {
		id := pools[i].ID

		if !s.claim(id) {
			SkipsTotal.WithLabelValues("in-flight").Inc()
			continue
		}

		started := s.group.TryGo(func() error {
			defer s.release(id)
			s.run(ctx, id)
			return nil
		})
		if !started {
			s.release(id)
			SkipsTotal.WithLabelValues("at-capacity").Inc()
			continue
		}

		dispatched++
		DispatchesTotal.Inc()
	}

	s.logger.Debug("tick-complete",
		zap.Int("expired-pools", len(pools)),
		zap.Int("dispatched", dispatched))

	return nil
}

// Wait blocks until every dispatched run has returned.
func (s *Service) Wait() {
	_ = s.group.Wait()
}

// InFlight reports the number of runs currently executing.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Service) claim(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	InFlightRuns.Set(float64(len(s.inFlight)))
	return true
}

func (s *Service) release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, id)
	InFlightRuns.Set(float64(len(s.inFlight)))
}

func (s *Service) run(ctx context.Context, id uint64) {
	logger := s.logger.With(zap.Uint64("pool-id", id))

	res, err := s.runner.RunResolution(ctx, id)
	switch {
	case errors.Is(err, types.ErrResolutionInProgress), errors.Is(err, types.ErrAlreadyFinalized):
		logger.Debug("resolution-skipped", zap.Error(err))
	case err != nil:
		logger.Error("resolution-failed", zap.Error(err))
	case res.Kind == settlement.Halted:
		logger.Warn("resolution-halted-will-retry",
			zap.String("status", res.Status.String()),
			zap.Error(res.Err()))
	default:
		logger.Debug("resolution-returned",
			zap.String("result", res.Kind.String()),
			zap.String("status", res.Status.String()))
	}
}
