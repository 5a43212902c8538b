// Package reconcile applies finalized weights to mirrored bets and handles
// the claim transition.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/pkg/address"
	"github.com/mselser95/pool-settler/pkg/types"
)

// Store is the slice of the mirror store the reconciler writes.
type Store interface {
	LoadBetsForPool(ctx context.Context, poolID uint64) ([]types.Bet, error)
	SaveBetOutcome(ctx context.Context, outcome types.BetOutcome) error
	MarkPoolReconciled(ctx context.Context, id uint64, at time.Time) error
	ClaimBet(ctx context.Context, betID string, txRef string, at time.Time) error
}

// Config holds configuration for a Reconciler.
type Config struct {
	Store   Store
	Ledger  chain.Client
	Deriver *address.Deriver
	Logger  *zap.Logger
	Now     func() time.Time
}

// Reconciler writes bet outcomes for finalized pools.
type Reconciler struct {
	store   Store
	ledger  chain.Client
	deriver *address.Deriver
	logger  *zap.Logger
	now     func() time.Time
}

// Report summarizes one reconciliation pass.
type Report struct {
	PoolID        uint64 `json:"poolId"`
	Gross         uint64 `json:"gross"`
	Fee           uint64 `json:"fee"`
	Distributable uint64 `json:"distributable"`
	Calculated    int    `json:"calculated"`
	Claimed       int    `json:"claimed"`
	Pending       int    `json:"pending"`
}

// New creates a Reconciler.
func New(cfg *Config) (*Reconciler, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Ledger == nil {
		return nil, errors.New("ledger cannot be nil")
	}

	if cfg.Deriver == nil {
		return nil, errors.New("deriver cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Reconciler{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		deriver: cfg.Deriver,
		logger:  cfg.Logger,
		now:     now,
	}, nil
}

type betWeight struct {
	bet     types.Bet
	weight  uint64
	pending bool
}

// Reconcile reads the finalized pool, its vault and every bet from the
// ledger and writes each bet's weight and reward. It is idempotent: claimed
// bets are left alone and repeated passes write the same values. Nothing is
// written when the ledger weights do not add up to the pool total.
func (r *Reconciler) Reconcile(ctx context.Context, pool *types.Pool) (*Report, error) {
	if pool.Status != types.PoolWeightsFinalized {
		return nil, fmt.Errorf("pool %d is %s: %w", pool.ID, pool.Status, types.ErrPoolNotFinalized)
	}

	protocol, err := r.fetchProtocol(ctx)
	if err != nil {
		return nil, err
	}

	poolHandle := pool.Handle
	if poolHandle.IsZero() {
		poolHandle = r.deriver.Pool(pool.Admin, pool.ID)
	}

	poolSnap, err := r.ledger.FetchAccount(ctx, poolHandle)
	if err != nil {
		return nil, fmt.Errorf("fetch pool %d: %w", pool.ID, err)
	}
	state, err := chain.DecodePool(poolSnap)
	if err != nil {
		return nil, fmt.Errorf("decode pool %d: %w", pool.ID, err)
	}
	if !state.WeightFinalized {
		return nil, fmt.Errorf("ledger pool %d: %w", pool.ID, types.ErrPoolNotFinalized)
	}

	vault, err := r.ledger.FetchAccount(ctx, r.deriver.Vault(pool.Admin, pool.ID))
	if err != nil {
		return nil, fmt.Errorf("fetch vault of pool %d: %w", pool.ID, err)
	}

	bets, err := r.store.LoadBetsForPool(ctx, pool.ID)
	if err != nil {
		return nil, fmt.Errorf("load bets for pool %d: %w", pool.ID, err)
	}

	report := &Report{PoolID: pool.ID}
	entries := make([]betWeight, 0, len(bets))
	var weightSum, claimedRewards uint64

	for _, bet := range bets {
		entry, err := r.betWeight(ctx, bet)
		if err != nil {
			return nil, err
		}
		if entry.pending {
			report.Pending++
		} else {
			weightSum += entry.weight
		}
		if bet.Status == types.BetClaimed && bet.Reward != nil {
			claimedRewards += *bet.Reward
		}
		entries = append(entries, entry)
	}

	if weightSum > state.TotalWeight || (report.Pending == 0 && weightSum != state.TotalWeight) {
		r.logger.Error("reconcile-weight-mismatch",
			zap.Uint64("pool-id", pool.ID),
			zap.Uint64("bet-weight-sum", weightSum),
			zap.Uint64("pool-total-weight", state.TotalWeight))
		return nil, fmt.Errorf("pool %d: sum %d, total %d: %w", pool.ID, weightSum, state.TotalWeight, types.ErrWeightMismatch)
	}

	// Claimed rewards have already left the vault.
	report.Gross = vault.Lamports + claimedRewards
	report.Fee = protocol.Fee(report.Gross)
	report.Distributable = report.Gross - report.Fee

	stakes := make([]Stake, len(entries))
	for i, entry := range entries {
		stakes[i] = Stake{Weight: entry.weight, Pending: entry.pending}
		if entry.bet.Status == types.BetClaimed && entry.bet.Reward != nil {
			stakes[i].Claimed = entry.bet.Reward
		}
	}
	rewards := Distribute(report.Distributable, state.TotalWeight, stakes)

	now := r.now().UTC()
	for i, entry := range entries {
		switch {
		case entry.bet.Status == types.BetClaimed:
			report.Claimed++
			continue
		case entry.pending:
			continue
		}

		err = r.store.SaveBetOutcome(ctx, types.BetOutcome{
			BetID:      entry.bet.ID,
			Weight:     entry.weight,
			Reward:     rewards[i],
			Status:     types.BetCalculated,
			ResolvedAt: now,
		})
		if errors.Is(err, types.ErrAlreadyClaimed) {
			// Claimed between load and write.
			report.Claimed++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save outcome of bet %s: %w", entry.bet.ID, err)
		}
		report.Calculated++
		BetsReconciledTotal.Inc()
	}

	if report.Pending == 0 {
		err = r.store.MarkPoolReconciled(ctx, pool.ID, now)
		if err != nil {
			return nil, fmt.Errorf("mark pool %d reconciled: %w", pool.ID, err)
		}
	}

	r.logger.Info("pool-reconciled",
		zap.Uint64("pool-id", pool.ID),
		zap.Int("calculated", report.Calculated),
		zap.Int("claimed", report.Claimed),
		zap.Int("pending", report.Pending),
		zap.Uint64("distributable", report.Distributable),
		zap.Uint64("fee", report.Fee))

	return report, nil
}

func (r *Reconciler) fetchProtocol(ctx context.Context) (*types.Protocol, error) {
	snap, err := r.ledger.FetchAccount(ctx, r.deriver.Protocol())
	if err != nil {
		return nil, fmt.Errorf("fetch protocol: %w", err)
	}
	protocol, err := chain.DecodeProtocol(snap)
	if err != nil {
		return nil, fmt.Errorf("decode protocol: %w", err)
	}
	return protocol, nil
}

func (r *Reconciler) betWeight(ctx context.Context, bet types.Bet) (betWeight, error) {
	handle := bet.Handle
	if handle.IsZero() {
		handle = r.deriver.Bet(bet.Bettor, bet.PoolID)
	}

	snap, err := r.ledger.FetchAccount(ctx, handle)
	if err != nil {
		return betWeight{}, fmt.Errorf("fetch bet %s: %w", bet.ID, err)
	}
	state, err := chain.DecodeBet(snap)
	if err != nil {
		return betWeight{}, fmt.Errorf("decode bet %s: %w", bet.ID, err)
	}

	if !state.WeightComputed {
		return betWeight{bet: bet, pending: true}, nil
	}
	return betWeight{bet: bet, weight: state.Weight}, nil
}

// Claim records a depositor's claim. It succeeds exactly once per bet; a
// repeat fails with types.ErrAlreadyClaimed and changes nothing.
func (r *Reconciler) Claim(ctx context.Context, betID string, txRef string) error {
	if txRef == "" {
		return errors.New("claim transaction reference cannot be empty")
	}

	err := r.store.ClaimBet(ctx, betID, txRef, r.now().UTC())
	switch {
	case err == nil:
		ClaimsTotal.WithLabelValues("claimed").Inc()
		r.logger.Info("bet-claimed", zap.String("bet-id", betID), zap.String("tx", txRef))
		return nil
	case errors.Is(err, types.ErrAlreadyClaimed):
		ClaimsTotal.WithLabelValues("already-claimed").Inc()
		return err
	default:
		ClaimsTotal.WithLabelValues("refused").Inc()
		return err
	}
}

// Stake is one bet's part in a distribution.
type Stake struct {
	Weight  uint64
	Pending bool
	// Claimed holds the reward already paid out, which never changes.
	Claimed *uint64
}

// Distribute splits amount across stakes pro rata to total, rounding each
// share down. Claimed stakes keep their paid reward and pending stakes get
// nothing. When no stake is pending and the weights add up to total, the
// rounding remainder goes to the largest unclaimed stake (the first one on
// ties) so the shares sum to amount.
func Distribute(amount, total uint64, stakes []Stake) []uint64 {
	shares := make([]uint64, len(stakes))
	if total == 0 {
		return shares
	}

	bigAmount := new(big.Int).SetUint64(amount)
	bigTotal := new(big.Int).SetUint64(total)

	var assigned, claimed, weightSum uint64
	pending := false
	largest := -1
	for i, s := range stakes {
		switch {
		case s.Claimed != nil:
			shares[i] = *s.Claimed
			claimed += *s.Claimed
			weightSum += s.Weight
			continue
		case s.Pending:
			pending = true
			continue
		}

		share := new(big.Int).SetUint64(s.Weight)
		share.Mul(share, bigAmount)
		share.Quo(share, bigTotal)
		shares[i] = share.Uint64()

		assigned += shares[i]
		weightSum += s.Weight
		if largest < 0 || s.Weight > stakes[largest].Weight {
			largest = i
		}
	}

	if pending || weightSum != total || largest < 0 || stakes[largest].Weight == 0 {
		return shares
	}
	if paid := claimed + assigned; paid < amount {
		shares[largest] += amount - paid
	}
	return shares
}
