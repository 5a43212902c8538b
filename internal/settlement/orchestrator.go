package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/internal/lock"
	"github.com/mselser95/pool-settler/internal/reconcile"
	"github.com/mselser95/pool-settler/internal/session"
	"github.com/mselser95/pool-settler/internal/storage"
	"github.com/mselser95/pool-settler/pkg/address"
	"github.com/mselser95/pool-settler/pkg/types"
)

// Store is the slice of the mirror store the orchestrator uses.
type Store interface {
	LoadPool(ctx context.Context, id uint64) (*types.Pool, error)
	SavePoolStatus(ctx context.Context, id uint64, status types.PoolStatus, at time.Time) error
	SyncPool(ctx context.Context, id uint64, sync storage.PoolSync) error
	LoadBetsForPool(ctx context.Context, poolID uint64) ([]types.Bet, error)
	LoadResolution(ctx context.Context, poolID uint64) (*types.ResolutionRecord, error)
	StartResolution(ctx context.Context, rec *types.ResolutionRecord, prevRunID string) error
	UpdateResolution(ctx context.Context, rec *types.ResolutionRecord) error
	SaveResolutionStep(ctx context.Context, poolID uint64, runID string, step types.StepResult, at time.Time) error
	ArchiveResolution(ctx context.Context, poolID uint64, runID string, at time.Time) error
}

// Reconciler applies finalized weights to the mirror.
type Reconciler interface {
	Reconcile(ctx context.Context, pool *types.Pool) (*reconcile.Report, error)
}

// Config holds configuration for an Orchestrator.
type Config struct {
	Store      Store
	Ledger     chain.Client
	Enclave    chain.Client
	Session    *session.Context
	Deriver    *address.Deriver
	Reconciler Reconciler
	Locker     lock.Locker
	Oracle     OracleSource

	DelegationProgram types.Handle
	EnclaveValidator  types.Handle

	BatchSize      int
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StaleAfter     time.Duration
	// RunTimeout bounds a started run. Defaults to StaleAfter so a live run
	// never outlasts its lease.
	RunTimeout time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// Orchestrator runs pool resolution sagas.
type Orchestrator struct {
	store      Store
	ledger     chain.Client
	enclave    chain.Client
	session    *session.Context
	deriver    *address.Deriver
	reconciler Reconciler
	locker     lock.Locker
	oracle     OracleSource

	delegation types.Handle
	validator  types.Handle

	batchSize      int
	maxAttempts    uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
	staleAfter     time.Duration
	runTimeout     time.Duration

	// lifetime ends every in-flight run on Stop.
	lifetime context.Context
	stop     context.CancelFunc

	logger *zap.Logger
	now    func() time.Time
}

// ResultKind is the upward signal of a run.
type ResultKind int

const (
	Completed ResultKind = iota
	Halted
	NotDue
)

func (k ResultKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Halted:
		return "halted"
	case NotDue:
		return "not-due"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the outcome of RunResolution.
type Result struct {
	PoolID uint64            `json:"poolId"`
	Kind   ResultKind        `json:"-"`
	Status types.PoolStatus  `json:"status"`
	RunID  string            `json:"runId,omitempty"`
	Halt   *HaltError        `json:"-"`
	Report *reconcile.Report `json:"report,omitempty"`
}

// Err returns the halt, types.ErrPoolNotExpired for a pool that is not due,
// or nil on completion.
func (r *Result) Err() error {
	switch r.Kind {
	case Halted:
		return r.Halt
	case NotDue:
		return types.ErrPoolNotExpired
	default:
		return nil
	}
}

// New creates an Orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Ledger == nil || cfg.Enclave == nil {
		return nil, errors.New("ledger and enclave clients are required")
	}

	if cfg.Session == nil || cfg.Session.Payer == nil {
		return nil, errors.New("session with payer is required")
	}

	if cfg.Deriver == nil {
		return nil, errors.New("deriver cannot be nil")
	}

	if cfg.Reconciler == nil {
		return nil, errors.New("reconciler cannot be nil")
	}

	if cfg.DelegationProgram.IsZero() {
		return nil, errors.New("delegation program cannot be empty")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	o := &Orchestrator{
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		enclave:        cfg.Enclave,
		session:        cfg.Session,
		deriver:        cfg.Deriver,
		reconciler:     cfg.Reconciler,
		locker:         cfg.Locker,
		oracle:         cfg.Oracle,
		delegation:     cfg.DelegationProgram,
		validator:      cfg.EnclaveValidator,
		batchSize:      cfg.BatchSize,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		staleAfter:     cfg.StaleAfter,
		runTimeout:     cfg.RunTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}

	if o.locker == nil {
		o.locker = lock.NewLocalLocker()
	}
	if o.batchSize <= 0 {
		o.batchSize = 10
	}
	if o.maxAttempts == 0 {
		o.maxAttempts = 5
	}
	if o.initialBackoff <= 0 {
		o.initialBackoff = 500 * time.Millisecond
	}
	if o.maxBackoff <= 0 {
		o.maxBackoff = 10 * time.Second
	}
	if o.staleAfter <= 0 {
		o.staleAfter = 10 * time.Minute
	}
	if o.runTimeout <= 0 {
		o.runTimeout = o.staleAfter
	}
	if o.now == nil {
		o.now = time.Now
	}

	o.lifetime, o.stop = context.WithCancel(context.Background())

	return o, nil
}

// Stop cancels every in-flight run. Each halts at its current step and the
// next trigger resumes it.
func (o *Orchestrator) Stop() {
	o.stop()
}

// runContext detaches a started run from its caller. Only the run timeout
// and Stop end it.
func (o *Orchestrator) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.runTimeout)
	stopped := context.AfterFunc(o.lifetime, cancel)
	return runCtx, func() {
		stopped()
		cancel()
	}
}

// LockKey is the lease key guarding a pool's saga.
func LockKey(poolID uint64) string {
	return "pool:" + strconv.FormatUint(poolID, 10)
}

// RunResolution drives pool poolID from its current status to
// WeightsFinalized and reconciles its bets.
//
// Validation failures (unknown pool, already finalized, run in progress) are
// returned as errors before any external call. A pool whose window is still
// open yields NotDue. Any failure after the run starts yields Halted with the
// failing step; the pool keeps its last confirmed status. Once started, a
// run ignores cancellation of ctx.
func (o *Orchestrator) RunResolution(ctx context.Context, poolID uint64) (*Result, error) {
	pool, err := o.store.LoadPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("load pool %d: %w", poolID, err)
	}

	now := o.now().UTC()

	if pool.Status.Terminal() && pool.ReconciledAt != nil {
		return nil, fmt.Errorf("pool %d: %w", poolID, types.ErrAlreadyFinalized)
	}

	if !pool.Expired(now) {
		RunsTotal.WithLabelValues(NotDue.String()).Inc()
		o.logger.Debug("resolution-not-due",
			zap.Uint64("pool-id", poolID),
			zap.Time("end-time", pool.EndTime))
		return &Result{PoolID: poolID, Kind: NotDue, Status: pool.Status}, nil
	}

	prev, err := o.store.LoadResolution(ctx, poolID)
	switch {
	case errors.Is(err, types.ErrResolutionNotFound):
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("load resolution of pool %d: %w", poolID, err)
	}

	if prev != nil && prev.InFlight(now, o.staleAfter) {
		return nil, fmt.Errorf("pool %d run %s: %w", poolID, prev.RunID, types.ErrResolutionInProgress)
	}

	unlock, err := o.locker.Acquire(ctx, LockKey(poolID), o.staleAfter)
	if errors.Is(err, lock.ErrLockHeld) {
		return nil, fmt.Errorf("pool %d: %w", poolID, types.ErrResolutionInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease for pool %d: %w", poolID, err)
	}
	defer unlock()

	r, err := o.begin(ctx, pool, prev)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := o.runContext(ctx)
	defer cancel()

	return r.execute(runCtx), nil
}

// begin opens a new run, carrying over the previous run's confirmed steps
// and chosen target.
func (o *Orchestrator) begin(ctx context.Context, pool *types.Pool, prev *types.ResolutionRecord) (*run, error) {
	now := o.now().UTC()

	rec := &types.ResolutionRecord{
		PoolID:      pool.ID,
		RunID:       uuid.NewString(),
		RunState:    types.RunRunning,
		HeartbeatAt: now,
		CreatedAt:   now,
	}
	var prevRunID string
	if prev != nil {
		prevRunID = prev.RunID
		rec.CreatedAt = prev.CreatedAt
		rec.Target = prev.Target
		rec.Steps = append(rec.Steps, prev.Steps...)
	}

	err := o.store.StartResolution(ctx, rec, prevRunID)
	if err != nil {
		return nil, fmt.Errorf("start resolution of pool %d: %w", pool.ID, err)
	}

	logger := o.logger.With(
		zap.Uint64("pool-id", pool.ID),
		zap.String("run-id", rec.RunID))
	logger.Info("resolution-started", zap.Stringer("status", pool.Status))

	return &run{
		o:      o,
		pool:   pool,
		rec:    rec,
		logger: logger,
	}, nil
}

// run is the state of one saga invocation.
type run struct {
	o      *Orchestrator
	pool   *types.Pool
	rec    *types.ResolutionRecord
	bets   []types.Bet
	logger *zap.Logger

	sessionReady bool
}

func (r *run) execute(ctx context.Context) *Result {
	step := StepFor(r.pool.Status)

	if r.pool.Status == types.PoolActive {
		err := r.o.store.SavePoolStatus(ctx, r.pool.ID, types.PoolAwaitingResolution, r.o.now().UTC())
		if err != nil {
			return r.halt(ctx, step.String(), wrapStore("save pool status", err))
		}
		r.pool.Status = types.PoolAwaitingResolution
	}

	bets, err := r.o.store.LoadBetsForPool(ctx, r.pool.ID)
	if err != nil {
		return r.halt(ctx, step.String(), wrapStore("load bets", err))
	}
	r.bets = bets

	for step != StepDone {
		outcome, err := r.runStep(ctx, step)

		next, disposition := Next(step, outcome)
		if disposition != Advance {
			return r.halt(ctx, step.String(), err)
		}

		err = r.advance(ctx, step, outcome)
		if err != nil {
			return r.halt(ctx, step.String(), err)
		}
		step = next
	}

	return r.finish(ctx)
}

// runStep executes step with bounded exponential backoff on transient
// outcomes. It returns Rejected once attempts are exhausted.
func (r *run) runStep(ctx context.Context, step Step) (Outcome, error) {
	start := time.Now()
	var outcome Outcome
	var lastErr error

	attempt := func() error {
		outcome, lastErr = r.attempt(ctx, step)
		StepOutcomesTotal.WithLabelValues(step.String(), outcome.String()).Inc()

		_, disposition := Next(step, outcome)
		switch disposition {
		case Retry:
			return lastErr
		case Halt:
			return retry.Unrecoverable(lastErr)
		default:
			return nil
		}
	}

	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(r.o.maxAttempts),
		retry.Delay(r.o.initialBackoff),
		retry.MaxDelay(r.o.maxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("resolution-step-retry",
				zap.String("step", step.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}))

	StepDurationSeconds.WithLabelValues(step.String()).Observe(time.Since(start).Seconds())

	if err == nil {
		return outcome, nil
	}
	if lastErr == nil {
		// Context ended before an attempt ran.
		lastErr = err
	}
	if outcome == Transient {
		return Rejected, fmt.Errorf("%s: retries exhausted: %w", step, lastErr)
	}
	return Rejected, lastErr
}

// attempt runs one guarded execution of step.
func (r *run) attempt(ctx context.Context, step Step) (Outcome, error) {
	if step.enclave() {
		err := r.ensureSession(ctx)
		if err != nil {
			return classify(err), err
		}
	}

	err := r.markStarted(ctx, step)
	if err != nil {
		return classify(err), err
	}

	switch step {
	case StepDelegatePool:
		return r.delegatePool(ctx)
	case StepResolve:
		return r.resolve(ctx)
	case StepCalculateWeights:
		return r.calculateWeights(ctx)
	case StepUndelegateBets:
		return r.undelegateBets(ctx)
	case StepUndelegatePool:
		return r.undelegatePool(ctx)
	case StepFinalizeWeights:
		return r.finalizeWeights(ctx)
	default:
		return Rejected, fmt.Errorf("unknown step %s", step)
	}
}

func (s Step) enclave() bool {
	switch s {
	case StepResolve, StepCalculateWeights, StepUndelegateBets, StepUndelegatePool:
		return true
	default:
		return false
	}
}

// ensureSession authenticates against the enclave once per run so an
// unreachable enclave halts before the first enclave submit.
func (r *run) ensureSession(ctx context.Context) error {
	if r.sessionReady || r.o.session.Enclave == nil {
		return nil
	}
	_, err := r.o.session.Enclave.Token(ctx)
	if err != nil {
		return err
	}
	r.sessionReady = true
	return nil
}

func (r *run) stepResult(step Step) types.StepResult {
	if existing := r.rec.Step(step.String()); existing != nil {
		return *existing
	}
	return types.StepResult{Step: step.String()}
}

func (r *run) saveStep(ctx context.Context, res types.StepResult) error {
	r.rec.PutStep(res)
	r.rec.HeartbeatAt = r.o.now().UTC()
	err := r.o.store.SaveResolutionStep(ctx, r.pool.ID, r.rec.RunID, res, r.rec.HeartbeatAt)
	return wrapStore("save resolution step", err)
}

// markStarted persists the step start before any external call.
func (r *run) markStarted(ctx context.Context, step Step) error {
	res := r.stepResult(step)
	if res.StartedAt == nil {
		now := r.o.now().UTC()
		res.StartedAt = &now
	}
	res.Error = ""
	return r.saveStep(ctx, res)
}

// confirm persists one external confirmation for step.
func (r *run) confirm(ctx context.Context, step Step, confirmation string) error {
	res := r.stepResult(step)
	res.Confirmations = append(res.Confirmations, confirmation)
	err := r.saveStep(ctx, res)
	if err != nil {
		return err
	}
	r.logger.Info("resolution-step-confirmed",
		zap.String("step", step.String()),
		zap.String("confirmation", confirmation))
	return nil
}

// advance records step as completed and moves the pool status forward. A
// skipped remainder completes every step from step onward.
func (r *run) advance(ctx context.Context, step Step, outcome Outcome) error {
	last := step
	if outcome == SkipRemainder {
		last = StepFinalizeWeights
		r.logger.Info("resolution-remainder-already-applied", zap.String("step", step.String()))
	}

	for s := step; s <= last; s++ {
		res := r.stepResult(s)
		now := r.o.now().UTC()
		res.CompletedAt = &now
		res.AlreadyApplied = outcome != Confirmed
		res.Error = ""

		err := r.saveStep(ctx, res)
		if err != nil {
			return err
		}

		err = r.o.store.SavePoolStatus(ctx, r.pool.ID, s.Completes(), now)
		if err != nil {
			return wrapStore("save pool status", err)
		}
		r.pool.Status = s.Completes()

		r.logger.Info("resolution-step-completed",
			zap.String("step", s.String()),
			zap.Stringer("outcome", outcome),
			zap.Stringer("status", r.pool.Status))
	}

	return nil
}

// finish enriches the mirror, reconciles bets and closes the run.
func (r *run) finish(ctx context.Context) *Result {
	r.enrich(ctx)

	report, err := r.o.reconciler.Reconcile(ctx, r.pool)
	if err != nil {
		return r.halt(ctx, StepReconcile, err)
	}

	now := r.o.now().UTC()
	r.rec.RunState = types.RunCompleted
	r.rec.HeartbeatAt = now
	err = r.o.store.UpdateResolution(ctx, r.rec)
	if err != nil {
		return r.halt(ctx, StepReconcile, wrapStore("update resolution", err))
	}

	if report.Pending == 0 {
		err = r.o.store.ArchiveResolution(ctx, r.pool.ID, r.rec.RunID, now)
		if err != nil {
			r.logger.Warn("resolution-archive-failed", zap.Error(err))
		}
	}

	RunsTotal.WithLabelValues(Completed.String()).Inc()
	r.logger.Info("resolution-completed",
		zap.Int("calculated", report.Calculated),
		zap.Int("claimed", report.Claimed),
		zap.Int("pending", report.Pending))

	return &Result{
		PoolID: r.pool.ID,
		Kind:   Completed,
		Status: r.pool.Status,
		RunID:  r.rec.RunID,
		Report: report,
	}
}

// enrich refreshes the pool's ledger counters. Failures leave the mirror
// stale and are only logged.
func (r *run) enrich(ctx context.Context) {
	snap, err := r.o.ledger.FetchAccount(ctx, r.poolHandle())
	if err != nil {
		r.logger.Warn("pool-enrichment-failed", zap.Error(err))
		return
	}

	state, err := chain.DecodePool(snap)
	if err != nil {
		r.logger.Warn("pool-enrichment-failed", zap.Error(err))
		return
	}

	sync := storage.PoolSync{
		Target:            state.Target,
		Resolved:          state.Resolved,
		WeightFinalized:   state.WeightFinalized,
		TotalParticipants: state.TotalParticipants,
		TotalWeight:       state.TotalWeight,
		SyncedAt:          r.o.now().UTC(),
	}
	err = r.o.store.SyncPool(ctx, r.pool.ID, sync)
	if err != nil {
		r.logger.Warn("pool-enrichment-failed", zap.Error(err))
		return
	}

	r.pool.Target = state.Target
	r.pool.Resolved = state.Resolved
	r.pool.WeightFinalized = state.WeightFinalized
	r.pool.TotalParticipants = state.TotalParticipants
	r.pool.TotalWeight = state.TotalWeight
}

// halt closes the run as halted. The record write uses a context detached
// from cancellation so a cancelled run still leaves its checkpoint. A
// superseded run leaves the record to its new owner.
func (r *run) halt(ctx context.Context, step string, err error) *Result {
	if err == nil {
		err = errors.New("halted without error")
	}
	he := &HaltError{PoolID: r.pool.ID, Step: step, Err: err}

	now := r.o.now().UTC()
	r.rec.RunState = types.RunHalted
	r.rec.HeartbeatAt = now

	res := types.StepResult{Step: step}
	if existing := r.rec.Step(step); existing != nil {
		res = *existing
	}
	res.Error = err.Error()
	r.rec.PutStep(res)

	superseded := errors.Is(err, types.ErrRunSuperseded)
	if !superseded {
		saveErr := r.o.store.UpdateResolution(context.WithoutCancel(ctx), r.rec)
		superseded = errors.Is(saveErr, types.ErrRunSuperseded)
		if saveErr != nil && !superseded {
			r.logger.Error("resolution-checkpoint-failed", zap.Error(saveErr))
		}
	}
	if superseded {
		r.logger.Warn("resolution-run-superseded", zap.String("step", step))
	}

	HaltsTotal.WithLabelValues(step).Inc()
	RunsTotal.WithLabelValues(Halted.String()).Inc()
	r.logger.Error("resolution-halted",
		zap.String("step", step),
		zap.Stringer("status", r.pool.Status),
		zap.Error(err))

	return &Result{
		PoolID: r.pool.ID,
		Kind:   Halted,
		Status: r.pool.Status,
		RunID:  r.rec.RunID,
		Halt:   he,
	}
}
