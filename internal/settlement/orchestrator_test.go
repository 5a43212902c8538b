package settlement

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/internal/lock"
	"github.com/mselser95/pool-settler/internal/reconcile"
	"github.com/mselser95/pool-settler/internal/session"
	"github.com/mselser95/pool-settler/internal/storage"
	"github.com/mselser95/pool-settler/internal/testutil"
	"github.com/mselser95/pool-settler/pkg/cache"
	"github.com/mselser95/pool-settler/pkg/types"
)

var (
	testEnd = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	testNow = testEnd.Add(24 * time.Hour)
)

// recordingStore records every pool status write that succeeded.
type recordingStore struct {
	*storage.MemoryStorage

	mu       sync.Mutex
	statuses []types.PoolStatus
}

func (s *recordingStore) SavePoolStatus(ctx context.Context, id uint64, status types.PoolStatus, at time.Time) error {
	err := s.MemoryStorage.SavePoolStatus(ctx, id, status, at)
	if err == nil {
		s.mu.Lock()
		s.statuses = append(s.statuses, status)
		s.mu.Unlock()
	}
	return err
}

func (s *recordingStore) observed() []types.PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PoolStatus(nil), s.statuses...)
}

// flakyReconciler fails its first n calls.
type flakyReconciler struct {
	next     Reconciler
	failures int
}

func (f *flakyReconciler) Reconcile(ctx context.Context, pool *types.Pool) (*reconcile.Report, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("mirror write failed")
	}
	return f.next.Reconcile(ctx, pool)
}

type harness struct {
	cfg    Config
	fc     *testutil.FakeChain
	store  *recordingStore
	orch   *Orchestrator
	locker *lock.LocalLocker
	pool   *types.Pool
	bets   []types.Bet
}

type harnessOptions struct {
	bets      int
	protocol  testutil.ProtocolFixture
	noTarget  bool
	configure func(*Config)
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	fc := testutil.NewFakeChain(testutil.TestHandle("program"), testutil.TestHandle("delegation"))
	store := &recordingStore{MemoryStorage: storage.NewMemoryStorage(logger)}

	if opts.bets == 0 {
		opts.bets = 2
	}
	if opts.protocol.PoolCount == 0 {
		opts.protocol.PoolCount = 5
	}
	target := testutil.Uint64(1)
	if opts.noTarget {
		target = nil
	}

	bets := make([]testutil.BetFixture, 0, opts.bets)
	for i := 0; i < opts.bets; i++ {
		bets = append(bets, testutil.BetFixture{Deposit: uint64(100 * (i + 1))})
	}

	testutil.SeedProtocol(fc, opts.protocol)
	pool := testutil.SeedPool(t, fc, store, testutil.PoolFixture{
		ID:      1,
		EndTime: testEnd,
		Target:  target,
		Vault:   10_000,
		Bets:    bets,
	})

	now := func() time.Time { return testNow }

	rec, err := reconcile.New(&reconcile.Config{
		Store:   store,
		Ledger:  fc.Ledger(),
		Deriver: fc.Deriver(),
		Logger:  logger,
		Now:     now,
	})
	require.NoError(t, err)

	payer, err := session.NewKeypairFromSeed(make([]byte, ed25519.SeedSize))
	require.NoError(t, err)

	locker := lock.NewLocalLocker()
	cfg := &Config{
		Store:             store,
		Ledger:            fc.Ledger(),
		Enclave:           fc.Enclave(),
		Session:           &session.Context{Payer: payer},
		Deriver:           fc.Deriver(),
		Reconciler:        rec,
		Locker:            locker,
		DelegationProgram: fc.Delegation(),
		EnclaveValidator:  testutil.TestHandle("validator"),
		BatchSize:         10,
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		StaleAfter:        10 * time.Minute,
		Logger:            logger,
		Now:               now,
	}
	if opts.configure != nil {
		opts.configure(cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)

	storedBets, err := store.LoadBetsForPool(ctx, pool.ID)
	require.NoError(t, err)

	return &harness{cfg: *cfg, fc: fc, store: store, orch: orch, locker: locker, pool: pool, bets: storedBets}
}

func (h *harness) loadPool(t *testing.T) *types.Pool {
	t.Helper()
	pool, err := h.store.LoadPool(context.Background(), h.pool.ID)
	require.NoError(t, err)
	return pool
}

func (h *harness) loadRecord(t *testing.T) *types.ResolutionRecord {
	t.Helper()
	rec, err := h.store.LoadResolution(context.Background(), h.pool.ID)
	require.NoError(t, err)
	return rec
}

func (h *harness) totalSubmits() int {
	return len(h.fc.Submissions())
}

func assertMonotonic(t *testing.T, statuses []types.PoolStatus) {
	t.Helper()
	for i := 1; i < len(statuses); i++ {
		assert.GreaterOrEqual(t, statuses[i], statuses[i-1], "status regressed at write %d", i)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestRunResolution_CompletesPool(t *testing.T) {
	h := newHarness(t, harnessOptions{protocol: testutil.ProtocolFixture{FeeBps: 250}})
	ctx := context.Background()

	res, err := h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)
	assert.NoError(t, res.Err())
	assert.Equal(t, types.PoolWeightsFinalized, res.Status)

	pool := h.loadPool(t)
	assert.Equal(t, types.PoolWeightsFinalized, pool.Status)
	assert.NotNil(t, pool.ResolvedAt)
	assert.NotNil(t, pool.ReconciledAt)
	assert.Equal(t, uint64(300), pool.TotalWeight)

	assert.Equal(t, []types.PoolStatus{
		types.PoolAwaitingResolution,
		types.PoolDelegated,
		types.PoolResolvedOnEnclave,
		types.PoolWeightsCalculated,
		types.PoolBetsUndelegated,
		types.PoolUndelegated,
		types.PoolWeightsFinalized,
	}, h.store.observed())

	for _, op := range []struct{ endpoint, name string }{
		{testutil.Ledger, chain.OpDelegatePool},
		{testutil.Enclave, chain.OpResolvePool},
		{testutil.Enclave, chain.OpBatchCalculateWeights},
		{testutil.Enclave, chain.OpBatchUndelegateBets},
		{testutil.Enclave, chain.OpUndelegatePool},
		{testutil.Ledger, chain.OpFinalizeWeights},
	} {
		assert.Equal(t, 1, h.fc.SubmitCount(op.endpoint, op.name), op.name)
	}

	// 10_000 vault, 2.5% fee.
	bets, err := h.store.LoadBetsForPool(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Len(t, bets, 2)
	var sum, weights uint64
	for _, b := range bets {
		assert.Equal(t, types.BetCalculated, b.Status)
		require.NotNil(t, b.Reward)
		sum += *b.Reward
		weights += b.Weight
	}
	assert.Equal(t, uint64(9_750), sum)
	assert.Equal(t, pool.TotalWeight, weights)

	rec := h.loadRecord(t)
	assert.Equal(t, types.RunCompleted, rec.RunState)
	assert.NotNil(t, rec.ArchivedAt)
	require.Len(t, rec.Steps, len(Steps()))
	for i, step := range Steps() {
		assert.Equal(t, step.String(), rec.Steps[i].Step)
		assert.True(t, rec.Steps[i].Completed())
		assert.Len(t, rec.Steps[i].Confirmations, 1)
	}
}

func TestRunResolution_SecondRunSubmitsNothing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	res, err := h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind)
	submits := h.totalSubmits()

	_, err = h.orch.RunResolution(ctx, h.pool.ID)
	assert.ErrorIs(t, err, types.ErrAlreadyFinalized)
	assert.Equal(t, submits, h.totalSubmits())
}

func TestRunResolution_ResolveRejectedHaltsThenResumes(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	h.fc.FailSubmit(testutil.Enclave, chain.OpResolvePool, testutil.Failure{
		Err: &chain.RejectedError{Endpoint: testutil.Enclave, Op: chain.OpResolvePool, Code: -32002, Message: "stale account"},
	})

	res, err := h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Halted, res.Kind)
	require.NotNil(t, res.Halt)
	assert.Equal(t, "Resolve", res.Halt.Step)
	assert.True(t, chain.IsRejected(res.Err()))
	assert.Equal(t, types.PoolDelegated, res.Status)
	assert.Equal(t, types.PoolDelegated, h.loadPool(t).Status)

	// A rejection is not retried.
	assert.Equal(t, 1, h.fc.SubmitCount(testutil.Enclave, chain.OpResolvePool))

	rec := h.loadRecord(t)
	assert.Equal(t, types.RunHalted, rec.RunState)
	require.NotNil(t, rec.Step("Resolve"))
	assert.Contains(t, rec.Step("Resolve").Error, "stale account")
	assert.False(t, rec.Step("Resolve").Completed())
	assert.True(t, rec.Step("DelegatePool").Completed())

	res, err = h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)

	assert.Equal(t, 1, h.fc.SubmitCount(testutil.Ledger, chain.OpDelegatePool))
	assert.Equal(t, 2, h.fc.SubmitCount(testutil.Enclave, chain.OpResolvePool))
	assertMonotonic(t, h.store.observed())
}

func TestRunResolution_ResumedUndelegateOnlySubmitsRemainingBet(t *testing.T) {
	h := newHarness(t, harnessOptions{
		bets:      3,
		configure: func(c *Config) { c.MaxAttempts = 1 },
	})
	ctx := context.Background()

	h.fc.FailSubmit(testutil.Enclave, chain.OpBatchUndelegateBets, testutil.Failure{
		Err:   &chain.UnavailableError{Endpoint: testutil.Enclave, Op: chain.OpBatchUndelegateBets, Err: context.DeadlineExceeded},
		Apply: 2,
	})

	res, err := h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Halted, res.Kind)
	assert.Equal(t, "UndelegateBets", res.Halt.Step)
	assert.Equal(t, types.PoolWeightsCalculated, h.loadPool(t).Status)

	res, err = h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)

	var undelegations []testutil.Submission
	for _, s := range h.fc.Submissions() {
		if s.Op == chain.OpBatchUndelegateBets {
			undelegations = append(undelegations, s)
		}
	}
	require.Len(t, undelegations, 2)
	assert.Len(t, undelegations[0].Handles, 3)
	assert.Equal(t, []types.Handle{h.bets[2].Handle}, undelegations[1].Handles)

	assert.Equal(t, 1, h.fc.SubmitCount(testutil.Enclave, chain.OpBatchCalculateWeights))
	assert.Equal(t, 1, h.fc.SubmitCount(testutil.Ledger, chain.OpDelegatePool))
	assertMonotonic(t, h.store.observed())
}

func TestRunResolution_TransientRetriedWithinRun(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.fc.FailSubmit(testutil.Ledger, chain.OpFinalizeWeights, testutil.Failure{
		Err:   &chain.UnavailableError{Endpoint: testutil.Ledger, Op: chain.OpFinalizeWeights, Err: errors.New("502")},
		Times: 2,
	})

	res, err := h.orch.RunResolution(context.Background(), h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)
	assert.Equal(t, 3, h.fc.SubmitCount(testutil.Ledger, chain.OpFinalizeWeights))
}

func TestRunResolution_TransientExhaustedHalts(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.fc.FailSubmit(testutil.Enclave, chain.OpUndelegatePool, testutil.Failure{
		Err:   &chain.UnavailableError{Endpoint: testutil.Enclave, Op: chain.OpUndelegatePool, Err: errors.New("timeout")},
		Times: 3,
	})

	res, err := h.orch.RunResolution(context.Background(), h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Halted, res.Kind)
	assert.Equal(t, "UndelegatePool", res.Halt.Step)
	assert.True(t, chain.IsTransient(res.Err()))
	assert.Equal(t, types.PoolBetsUndelegated, h.loadPool(t).Status)
	assert.Equal(t, 3, h.fc.SubmitCount(testutil.Enclave, chain.OpUndelegatePool))
}

func TestRunResolution_LostResponseIsNotResubmitted(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	// The pool is delegated but the response never arrives.
	h.fc.FailSubmit(testutil.Ledger, chain.OpDelegatePool, testutil.Failure{
		Err:   &chain.UnavailableError{Endpoint: testutil.Ledger, Op: chain.OpDelegatePool, Err: context.DeadlineExceeded},
		Apply: 1,
	})

	res, err := h.orch.RunResolution(context.Background(), h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)

	assert.Equal(t, 1, h.fc.SubmitCount(testutil.Ledger, chain.OpDelegatePool))
	rec := h.loadRecord(t)
	assert.True(t, rec.Step("DelegatePool").AlreadyApplied)
}

func TestRunResolution_MirrorBehindChain(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	handles := make([]types.Handle, 0, len(h.bets))
	for _, b := range h.bets {
		handles = append(handles, b.Handle)
	}
	require.NoError(t, h.fc.Settle(ctx, h.pool.Handle, 1, handles))
	submits := h.totalSubmits()

	res, err := h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)

	assert.Equal(t, submits, h.totalSubmits())
	assert.Equal(t, types.PoolWeightsFinalized, h.loadPool(t).Status)
	assertMonotonic(t, h.store.observed())

	rec := h.loadRecord(t)
	for _, step := range Steps() {
		require.NotNil(t, rec.Step(step.String()), step.String())
		assert.True(t, rec.Step(step.String()).AlreadyApplied, step.String())
	}
}

func TestRunResolution_ValidationErrorsMakeNoExternalCalls(t *testing.T) {
	ctx := context.Background()

	t.Run("pool-not-found", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		_, err := h.orch.RunResolution(ctx, 99)
		assert.ErrorIs(t, err, types.ErrPoolNotFound)
		assert.Zero(t, h.fc.FetchCount(testutil.Ledger))
	})

	t.Run("not-due", func(t *testing.T) {
		h := newHarness(t, harnessOptions{configure: func(c *Config) {
			c.Now = func() time.Time { return testEnd.Add(-time.Minute) }
		}})
		res, err := h.orch.RunResolution(ctx, h.pool.ID)
		require.NoError(t, err)
		assert.Equal(t, NotDue, res.Kind)
		assert.ErrorIs(t, res.Err(), types.ErrPoolNotExpired)
		assert.Zero(t, h.fc.FetchCount(testutil.Ledger))
		assert.Equal(t, types.PoolActive, h.loadPool(t).Status)
	})

	t.Run("run-in-progress", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		require.NoError(t, h.store.StartResolution(ctx, &types.ResolutionRecord{
			PoolID:      h.pool.ID,
			RunID:       "other-run",
			RunState:    types.RunRunning,
			HeartbeatAt: testNow.Add(-time.Minute),
		}, ""))
		_, err := h.orch.RunResolution(ctx, h.pool.ID)
		assert.ErrorIs(t, err, types.ErrResolutionInProgress)
		assert.Zero(t, h.fc.FetchCount(testutil.Ledger))
	})

	t.Run("lease-held", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		unlock, err := h.locker.Acquire(ctx, LockKey(h.pool.ID), time.Hour)
		require.NoError(t, err)
		defer unlock()

		_, err = h.orch.RunResolution(ctx, h.pool.ID)
		assert.ErrorIs(t, err, types.ErrResolutionInProgress)
		assert.Zero(t, h.fc.FetchCount(testutil.Ledger))
	})
}

func TestRunResolution_StaleRunIsTakenOver(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	require.NoError(t, h.store.StartResolution(ctx, &types.ResolutionRecord{
		PoolID:      h.pool.ID,
		RunID:       "crashed-run",
		RunState:    types.RunRunning,
		HeartbeatAt: testNow.Add(-time.Hour),
	}, ""))

	res, err := h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Kind)
	assert.NotEqual(t, "crashed-run", res.RunID)
}

// gatedClient runs hooks around submits of one operation.
type gatedClient struct {
	chain.Client
	op     string
	before func(ctx context.Context)
	after  func()
}

func (c *gatedClient) Submit(ctx context.Context, op chain.Operation) (string, error) {
	if op.Name == c.op && c.before != nil {
		c.before(ctx)
	}
	confirmation, err := c.Client.Submit(ctx, op)
	if op.Name == c.op && c.after != nil {
		c.after()
	}
	return confirmation, err
}

func TestRunResolution_SupersededRunLeavesRecordToNewOwner(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	stale := h.cfg
	stale.Enclave = &gatedClient{Client: h.cfg.Enclave, op: chain.OpResolvePool, before: func(context.Context) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}}
	staleOrch, err := New(&stale)
	require.NoError(t, err)

	done := make(chan *Result, 1)
	go func() {
		res, err := staleOrch.RunResolution(ctx, h.pool.ID)
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case <-entered:
	case res := <-done:
		t.Fatalf("first run finished before Resolve: %+v", res)
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached Resolve")
	}

	// Another replica finds the heartbeat stale an hour later.
	fresh := h.cfg
	fresh.Locker = lock.NewLocalLocker()
	fresh.Now = func() time.Time { return testNow.Add(time.Hour) }
	freshOrch, err := New(&fresh)
	require.NoError(t, err)

	winner, err := freshOrch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, winner.Kind, "halt: %v", winner.Halt)

	close(release)
	loser := <-done
	require.NotNil(t, loser)
	assert.Equal(t, Halted, loser.Kind)
	assert.NotEqual(t, winner.RunID, loser.RunID)

	rec := h.loadRecord(t)
	assert.Equal(t, winner.RunID, rec.RunID)
	assert.Equal(t, types.RunCompleted, rec.RunState)
	assert.NotNil(t, rec.ArchivedAt)
	assert.Equal(t, types.PoolWeightsFinalized, h.loadPool(t).Status)
	assertMonotonic(t, h.store.observed())
}

func TestRunResolution_CallerCancellationDoesNotStopStartedRun(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := h.cfg
	cfg.Ledger = &gatedClient{Client: h.cfg.Ledger, op: chain.OpDelegatePool, after: cancel}
	orch, err := New(&cfg)
	require.NoError(t, err)

	res, err := orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)
	assert.Error(t, ctx.Err())
	assert.Equal(t, types.PoolWeightsFinalized, h.loadPool(t).Status)
	assert.Equal(t, types.RunCompleted, h.loadRecord(t).RunState)
}

func TestStop_HaltsInFlightRun(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	var orch *Orchestrator
	cfg := h.cfg
	cfg.Ledger = &gatedClient{Client: h.cfg.Ledger, op: chain.OpDelegatePool, after: func() { orch.Stop() }}
	// Hold Resolve until the stop reaches the run.
	cfg.Enclave = &gatedClient{Client: h.cfg.Enclave, op: chain.OpResolvePool, before: func(ctx context.Context) {
		<-ctx.Done()
	}}
	orch, err := New(&cfg)
	require.NoError(t, err)

	res, err := orch.RunResolution(context.Background(), h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Halted, res.Kind)
	assert.Equal(t, "Resolve", res.Halt.Step)
	assert.ErrorIs(t, res.Err(), context.Canceled)
	assert.Equal(t, types.PoolDelegated, h.loadPool(t).Status)

	rec := h.loadRecord(t)
	assert.Equal(t, types.RunHalted, rec.RunState)
	assert.Equal(t, res.RunID, rec.RunID)
}

func TestRunResolution_ProtocolChecks(t *testing.T) {
	tests := []struct {
		name     string
		protocol testutil.ProtocolFixture
		wantErr  error
	}{
		{name: "paused", protocol: testutil.ProtocolFixture{Paused: true, PoolCount: 5}, wantErr: types.ErrProtocolPaused},
		{name: "unallocated-id", protocol: testutil.ProtocolFixture{PoolCount: 1}, wantErr: types.ErrUnknownPool},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{protocol: tt.protocol})

			res, err := h.orch.RunResolution(context.Background(), h.pool.ID)
			require.NoError(t, err)
			require.Equal(t, Halted, res.Kind)
			assert.Equal(t, "DelegatePool", res.Halt.Step)
			assert.ErrorIs(t, res.Err(), tt.wantErr)
			assert.Zero(t, h.totalSubmits())
			assert.Equal(t, types.PoolAwaitingResolution, h.loadPool(t).Status)
		})
	}
}

type refusingAuthenticator struct {
	calls int
}

func (a *refusingAuthenticator) Authenticate(context.Context, *session.Keypair) (session.Token, error) {
	a.calls++
	return session.Token{}, errors.New("connection refused")
}

func TestRunResolution_EnclaveUnreachableHaltsBeforeEnclaveSubmit(t *testing.T) {
	auth := &refusingAuthenticator{}

	h := newHarness(t, harnessOptions{configure: func(c *Config) {
		tokens, err := cache.NewRistrettoCache[session.Token](&cache.RistrettoConfig{
			Name:        "orchestrator-test",
			NumCounters: 100,
			MaxCost:     10,
			BufferItems: 64,
			Logger:      c.Logger,
		})
		require.NoError(t, err)
		t.Cleanup(tokens.Close)

		manager, err := session.NewManager(&session.ManagerConfig{
			Keypair:        c.Session.Payer,
			Authenticator:  auth,
			Cache:          tokens,
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			Logger:         c.Logger,
		})
		require.NoError(t, err)
		c.Session.Enclave = manager
		c.MaxAttempts = 1
	}})

	res, err := h.orch.RunResolution(context.Background(), h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Halted, res.Kind)
	assert.Equal(t, "Resolve", res.Halt.Step)
	assert.ErrorIs(t, res.Err(), session.ErrEnclaveUnreachable)
	assert.Equal(t, 3, auth.calls)
	assert.Equal(t, types.PoolDelegated, h.loadPool(t).Status)
	assert.Zero(t, h.fc.SubmitCount(testutil.Enclave, chain.OpResolvePool))
}

func TestRunResolution_TargetFromOracleIsPinned(t *testing.T) {
	h := newHarness(t, harnessOptions{
		noTarget: true,
		configure: func(c *Config) {
			c.Oracle = StaticOracle(7)
		},
	})
	ctx := context.Background()

	h.fc.FailSubmit(testutil.Enclave, chain.OpResolvePool, testutil.Failure{
		Err: &chain.RejectedError{Endpoint: testutil.Enclave, Op: chain.OpResolvePool, Message: "busy"},
	})

	res, err := h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Halted, res.Kind)

	rec := h.loadRecord(t)
	require.NotNil(t, rec.Target)
	assert.Equal(t, uint64(7), *rec.Target)

	h.orch.oracle = StaticOracle(9)
	res, err = h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)

	for _, s := range h.fc.Submissions() {
		if s.Op == chain.OpResolvePool {
			assert.Equal(t, uint64(7), s.Args["target"])
		}
	}
}

func TestRunResolution_ReconcileFailureRetriggers(t *testing.T) {
	var flaky *flakyReconciler
	h := newHarness(t, harnessOptions{configure: func(c *Config) {
		flaky = &flakyReconciler{next: c.Reconciler, failures: 1}
		c.Reconciler = flaky
	}})
	ctx := context.Background()

	res, err := h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Halted, res.Kind)
	assert.Equal(t, StepReconcile, res.Halt.Step)
	assert.Equal(t, types.PoolWeightsFinalized, h.loadPool(t).Status)
	assert.Nil(t, h.loadPool(t).ReconciledAt)
	submits := h.totalSubmits()

	res, err = h.orch.RunResolution(ctx, h.pool.ID)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Kind, "halt: %v", res.Halt)
	assert.Equal(t, submits, h.totalSubmits())
	assert.NotNil(t, h.loadPool(t).ReconciledAt)
}

func TestFeedOracle(t *testing.T) {
	fc := testutil.NewFakeChain(testutil.TestHandle("program"), testutil.TestHandle("delegation"))
	feed := testutil.TestHandle("feed")
	pool := &types.Pool{ID: 1, EndTime: testEnd}
	oracle := NewFeedOracle(fc.Ledger(), feed)
	ctx := context.Background()

	_, err := oracle.Outcome(ctx, pool)
	assert.ErrorIs(t, err, chain.ErrNotFound)

	fc.Put(testutil.Ledger, feed, &testutil.Account{Body: map[string]any{
		"value":       uint64(42),
		"publishedAt": testEnd.Add(-time.Minute).Unix(),
	}})
	_, err = oracle.Outcome(ctx, pool)
	assert.ErrorIs(t, err, ErrFeedStale)
	assert.Equal(t, Transient, classify(err))

	fc.Update(testutil.Ledger, feed, func(a *testutil.Account) {
		a.Body["publishedAt"] = testEnd.Add(time.Minute).Unix()
	})
	v, err := oracle.Outcome(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}
