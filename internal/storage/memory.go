package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/pkg/types"
)

// MemoryStorage implements Store in process memory. Values are copied on the
// way in and out so callers never share state with the store.
type MemoryStorage struct {
	mu          sync.RWMutex
	pools       map[uint64]types.Pool
	bets        map[string]types.Bet
	resolutions map[uint64]types.ResolutionRecord
	logger      *zap.Logger
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	logger.Info("memory-storage-initialized")
	return &MemoryStorage{
		pools:       make(map[uint64]types.Pool),
		bets:        make(map[string]types.Bet),
		resolutions: make(map[uint64]types.ResolutionRecord),
		logger:      logger,
	}
}

func (m *MemoryStorage) LoadPool(_ context.Context, id uint64) (*types.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[id]
	if !ok {
		return nil, types.ErrPoolNotFound
	}
	return copyPool(pool), nil
}

func (m *MemoryStorage) UpsertPool(_ context.Context, pool *types.Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *copyPool(*pool)
	if existing, ok := m.pools[pool.ID]; ok {
		next.Target = existing.Target
		next.Resolved = existing.Resolved
		next.WeightFinalized = existing.WeightFinalized
		next.Status = existing.Status
		next.ResolvedAt = existing.ResolvedAt
		next.ReconciledAt = existing.ReconciledAt
	}
	m.pools[pool.ID] = next
	return nil
}

func (m *MemoryStorage) SavePoolStatus(_ context.Context, id uint64, status types.PoolStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[id]
	if !ok {
		return types.ErrPoolNotFound
	}
	if status < pool.Status {
		return fmt.Errorf("pool %d %s -> %s: %w", id, pool.Status, status, types.ErrStatusRegression)
	}

	pool.Status = status
	if status >= types.PoolResolvedOnEnclave && pool.ResolvedAt == nil {
		pool.ResolvedAt = timePtr(at)
	}
	pool.SyncedAt = at
	m.pools[id] = pool

	m.logger.Debug("pool-status-saved", zap.Uint64("pool-id", id), zap.Stringer("status", status))
	return nil
}

func (m *MemoryStorage) SyncPool(_ context.Context, id uint64, sync PoolSync) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[id]
	if !ok {
		return types.ErrPoolNotFound
	}
	if sync.Target != nil {
		pool.Target = uint64Ptr(*sync.Target)
	}
	pool.Resolved = pool.Resolved || sync.Resolved
	pool.WeightFinalized = pool.WeightFinalized || sync.WeightFinalized
	pool.TotalParticipants = sync.TotalParticipants
	pool.TotalWeight = sync.TotalWeight
	pool.SyncedAt = sync.SyncedAt
	m.pools[id] = pool
	return nil
}

func (m *MemoryStorage) MarkPoolReconciled(_ context.Context, id uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[id]
	if !ok {
		return types.ErrPoolNotFound
	}
	if pool.ReconciledAt == nil {
		pool.ReconciledAt = timePtr(at)
	}
	m.pools[id] = pool
	return nil
}

func (m *MemoryStorage) LoadExpiredPools(_ context.Context, now time.Time) ([]types.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pools []types.Pool
	for _, pool := range m.pools {
		if !pool.Expired(now) {
			continue
		}
		if pool.Status.Terminal() && pool.ReconciledAt != nil {
			continue
		}
		pools = append(pools, *copyPool(pool))
	}

	sort.Slice(pools, func(i, j int) bool {
		if !pools[i].EndTime.Equal(pools[j].EndTime) {
			return pools[i].EndTime.Before(pools[j].EndTime)
		}
		return pools[i].ID < pools[j].ID
	})
	return pools, nil
}

func (m *MemoryStorage) UpsertBet(_ context.Context, bet *types.Bet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := copyBet(*bet)
	if existing, ok := m.bets[bet.ID]; ok {
		next.Weight = existing.Weight
		next.Status = existing.Status
		next.Reward = existing.Reward
		next.ClaimTx = existing.ClaimTx
		next.ResolvedAt = existing.ResolvedAt
	}
	m.bets[bet.ID] = next
	return nil
}

func (m *MemoryStorage) LoadBetsForPool(_ context.Context, poolID uint64) ([]types.Bet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bets []types.Bet
	for _, bet := range m.bets {
		if bet.PoolID == poolID {
			bets = append(bets, copyBet(bet))
		}
	}
	sort.Slice(bets, func(i, j int) bool { return bets[i].ID < bets[j].ID })
	return bets, nil
}

func (m *MemoryStorage) LoadBet(_ context.Context, betID string) (*types.Bet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bet, ok := m.bets[betID]
	if !ok {
		return nil, types.ErrBetNotFound
	}
	out := copyBet(bet)
	return &out, nil
}

func (m *MemoryStorage) SaveBetOutcome(_ context.Context, outcome types.BetOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bet, ok := m.bets[outcome.BetID]
	if !ok {
		return types.ErrBetNotFound
	}
	if bet.Status == types.BetClaimed {
		return types.ErrAlreadyClaimed
	}
	if outcome.Status < bet.Status {
		return fmt.Errorf("bet %s %s -> %s: %w", bet.ID, bet.Status, outcome.Status, types.ErrStatusRegression)
	}

	bet.Weight = outcome.Weight
	bet.Reward = uint64Ptr(outcome.Reward)
	bet.Status = outcome.Status
	if bet.ResolvedAt == nil {
		bet.ResolvedAt = timePtr(outcome.ResolvedAt)
	}
	bet.SyncedAt = outcome.ResolvedAt
	m.bets[bet.ID] = bet
	return nil
}

func (m *MemoryStorage) ClaimBet(_ context.Context, betID string, txRef string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bet, ok := m.bets[betID]
	if !ok {
		return types.ErrBetNotFound
	}
	switch bet.Status {
	case types.BetCalculated:
	case types.BetClaimed:
		return types.ErrAlreadyClaimed
	default:
		return fmt.Errorf("bet %s is %s: %w", betID, bet.Status, types.ErrNotClaimable)
	}

	bet.Status = types.BetClaimed
	bet.ClaimTx = txRef
	bet.SyncedAt = at
	m.bets[betID] = bet
	return nil
}

func (m *MemoryStorage) LoadResolution(_ context.Context, poolID uint64) (*types.ResolutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.resolutions[poolID]
	if !ok {
		return nil, types.ErrResolutionNotFound
	}
	return copyResolution(rec), nil
}

func (m *MemoryStorage) StartResolution(_ context.Context, rec *types.ResolutionRecord, prevRunID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.resolutions[rec.PoolID]
	if ok && stored.RunID != prevRunID {
		return fmt.Errorf("pool %d run %s: %w", rec.PoolID, stored.RunID, types.ErrResolutionInProgress)
	}

	m.resolutions[rec.PoolID] = *copyResolution(*rec)
	return nil
}

func (m *MemoryStorage) UpdateResolution(_ context.Context, rec *types.ResolutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.resolutions[rec.PoolID]
	if !ok || stored.RunID != rec.RunID {
		return fmt.Errorf("pool %d run %s: %w", rec.PoolID, rec.RunID, types.ErrRunSuperseded)
	}

	m.resolutions[rec.PoolID] = *copyResolution(*rec)
	return nil
}

func (m *MemoryStorage) SaveResolutionStep(
	_ context.Context,
	poolID uint64,
	runID string,
	step types.StepResult,
	at time.Time,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.resolutions[poolID]
	if !ok {
		return types.ErrResolutionNotFound
	}
	if rec.RunID != runID {
		return fmt.Errorf("pool %d run %s: %w", poolID, runID, types.ErrRunSuperseded)
	}

	next := copyResolution(rec)
	next.PutStep(copyStep(step))
	next.HeartbeatAt = at
	m.resolutions[poolID] = *next
	return nil
}

func (m *MemoryStorage) ArchiveResolution(_ context.Context, poolID uint64, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.resolutions[poolID]
	if !ok {
		return types.ErrResolutionNotFound
	}
	if rec.RunID != runID {
		return fmt.Errorf("pool %d run %s: %w", poolID, runID, types.ErrRunSuperseded)
	}
	if rec.ArchivedAt == nil {
		rec.ArchivedAt = timePtr(at)
	}
	m.resolutions[poolID] = rec
	return nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(context.Context) error {
	return nil
}

// Close is a no-op for memory storage.
func (m *MemoryStorage) Close() error {
	m.logger.Info("closing-memory-storage")
	return nil
}

func copyPool(p types.Pool) *types.Pool {
	if p.Target != nil {
		p.Target = uint64Ptr(*p.Target)
	}
	if p.ResolvedAt != nil {
		p.ResolvedAt = timePtr(*p.ResolvedAt)
	}
	if p.ReconciledAt != nil {
		p.ReconciledAt = timePtr(*p.ReconciledAt)
	}
	return &p
}

func copyBet(b types.Bet) types.Bet {
	if b.Prediction != nil {
		b.Prediction = append([]byte(nil), b.Prediction...)
	}
	if b.Reward != nil {
		b.Reward = uint64Ptr(*b.Reward)
	}
	if b.ResolvedAt != nil {
		b.ResolvedAt = timePtr(*b.ResolvedAt)
	}
	return b
}

func copyStep(s types.StepResult) types.StepResult {
	if s.StartedAt != nil {
		s.StartedAt = timePtr(*s.StartedAt)
	}
	if s.CompletedAt != nil {
		s.CompletedAt = timePtr(*s.CompletedAt)
	}
	if s.Confirmations != nil {
		s.Confirmations = append([]string(nil), s.Confirmations...)
	}
	return s
}

func copyResolution(r types.ResolutionRecord) *types.ResolutionRecord {
	if r.Target != nil {
		r.Target = uint64Ptr(*r.Target)
	}
	if r.ArchivedAt != nil {
		r.ArchivedAt = timePtr(*r.ArchivedAt)
	}
	steps := make([]types.StepResult, 0, len(r.Steps))
	for _, s := range r.Steps {
		steps = append(steps, copyStep(s))
	}
	r.Steps = steps
	return &r
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}
