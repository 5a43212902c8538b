package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mselser95/pool-settler/internal/settlement"
	"github.com/mselser95/pool-settler/pkg/types"
)

type staticSource struct {
	mu    sync.Mutex
	pools []types.Pool
	err   error
	calls int
}

func (s *staticSource) LoadExpiredPools(context.Context, time.Time) ([]types.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.pools, s.err
}

func (s *staticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// blockingRunner records calls and blocks each run until release is closed.
type blockingRunner struct {
	mu      sync.Mutex
	calls   map[uint64]int
	started chan uint64
	release chan struct{}
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		calls:   make(map[uint64]int),
		started: make(chan uint64, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) RunResolution(ctx context.Context, poolID uint64) (*settlement.Result, error) {
	r.mu.Lock()
	r.calls[poolID]++
	r.mu.Unlock()

	r.started <- poolID
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	if r.err != nil {
		return nil, r.err
	}
	return &settlement.Result{PoolID: poolID, Kind: settlement.Completed, Status: types.PoolWeightsFinalized}, nil
}

func (r *blockingRunner) Calls(poolID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[poolID]
}

type gate bool

func (g gate) IsEnabled() bool { return bool(g) }

func pools(ids ...uint64) []types.Pool {
	out := make([]types.Pool, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.Pool{ID: id, Status: types.PoolActive})
	}
	return out
}

func waitStarted(t *testing.T, r *blockingRunner, n int) []uint64 {
	t.Helper()

	var ids []uint64
	for i := 0; i < n; i++ {
		select {
		case id := <-r.started:
			ids = append(ids, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for run %d of %d", len(ids)+1, n)
		}
	}
	return ids
}

func newService(t *testing.T, cfg Config) *Service {
	t.Helper()

	cfg.Logger = zaptest.NewLogger(t)
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	svc, err := New(&cfg)
	require.NoError(t, err)
	return svc
}

func TestNew_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	source := &staticSource{}
	runner := newBlockingRunner()

	tests := []struct {
		name   string
		cfg    *Config
		errMsg string
	}{
		{name: "nil-config", cfg: nil, errMsg: "config cannot be nil"},
		{name: "nil-source", cfg: &Config{Runner: runner, Logger: logger, Interval: time.Second}, errMsg: "pool source cannot be nil"},
		{name: "nil-runner", cfg: &Config{Source: source, Logger: logger, Interval: time.Second}, errMsg: "runner cannot be nil"},
		{name: "nil-logger", cfg: &Config{Source: source, Runner: runner, Interval: time.Second}, errMsg: "logger cannot be nil"},
		{name: "zero-interval", cfg: &Config{Source: source, Runner: runner, Logger: logger}, errMsg: "interval must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := New(tt.cfg)
			require.EqualError(t, err, tt.errMsg)
			assert.Nil(t, svc)
		})
	}
}

func TestTick_OneRunPerPool(t *testing.T) {
	source := &staticSource{pools: pools(1, 2)}
	runner := newBlockingRunner()
	svc := newService(t, Config{Source: source, Runner: runner, MaxConcurrent: 4})
	ctx := context.Background()

	require.NoError(t, svc.Tick(ctx))
	assert.ElementsMatch(t, []uint64{1, 2}, waitStarted(t, runner, 2))

	// Both still running: a second tick dispatches nothing.
	require.NoError(t, svc.Tick(ctx))
	assert.Equal(t, 2, svc.InFlight())

	close(runner.release)
	svc.Wait()

	assert.Equal(t, 1, runner.Calls(1))
	assert.Equal(t, 1, runner.Calls(2))
	assert.Zero(t, svc.InFlight())
}

func TestTick_AtCapacityLeavesPoolsForLaterTick(t *testing.T) {
	source := &staticSource{pools: pools(1, 2, 3)}
	runner := newBlockingRunner()
	svc := newService(t, Config{Source: source, Runner: runner, MaxConcurrent: 1})
	ctx := context.Background()

	require.NoError(t, svc.Tick(ctx))
	first := waitStarted(t, runner, 1)
	assert.Equal(t, []uint64{1}, first)
	assert.Equal(t, 1, svc.InFlight())

	close(runner.release)
	svc.Wait()
	assert.Zero(t, runner.Calls(2))

	source.mu.Lock()
	source.pools = pools(2)
	source.mu.Unlock()

	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	assert.Equal(t, 1, runner.Calls(1))
	assert.Equal(t, 1, runner.Calls(2))
}

func TestTick_GateClosed(t *testing.T) {
	source := &staticSource{pools: pools(1)}
	runner := newBlockingRunner()
	svc := newService(t, Config{Source: source, Runner: runner, Gate: gate(false)})

	require.NoError(t, svc.Tick(context.Background()))
	svc.Wait()

	assert.Zero(t, source.Calls())
	assert.Zero(t, runner.Calls(1))
}

func TestTick_SourceError(t *testing.T) {
	source := &staticSource{err: errors.New("connection refused")}
	svc := newService(t, Config{Source: source, Runner: newBlockingRunner(), Gate: gate(true)})

	err := svc.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load expired pools")
}

func TestTick_RunErrorReleasesPool(t *testing.T) {
	source := &staticSource{pools: pools(7)}
	runner := newBlockingRunner()
	runner.err = types.ErrResolutionInProgress
	close(runner.release)
	svc := newService(t, Config{Source: source, Runner: runner})
	ctx := context.Background()

	require.NoError(t, svc.Tick(ctx))
	svc.Wait()
	require.NoError(t, svc.Tick(ctx))
	svc.Wait()

	assert.Equal(t, 2, runner.Calls(7))
	assert.Zero(t, svc.InFlight())
}

func TestRun_StopsOnCancel(t *testing.T) {
	source := &staticSource{pools: pools(1)}
	runner := newBlockingRunner()
	svc := newService(t, Config{Source: source, Runner: runner, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx)
	}()

	waitStarted(t, runner, 1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, svc.InFlight())
	assert.Equal(t, 1, runner.Calls(1))
}
