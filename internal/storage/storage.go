// Package storage is the mirror store: a local projection of pool and bet
// accounts plus the resolution records that checkpoint each saga.
package storage

import (
	"context"
	"time"

	"github.com/mselser95/pool-settler/pkg/types"
)

// Store is the mirror store.
type Store interface {
	// LoadPool returns the pool or types.ErrPoolNotFound.
	LoadPool(ctx context.Context, id uint64) (*types.Pool, error)

	// UpsertPool inserts a pool or refreshes its descriptive fields. Status is
	// only written on insert.
	UpsertPool(ctx context.Context, pool *types.Pool) error

	// SavePoolStatus moves a pool forward to status. Writing the current
	// status is a no-op; a lower status fails with types.ErrStatusRegression.
	// The first status at or past ResolvedOnEnclave stamps resolved_at.
	SavePoolStatus(ctx context.Context, id uint64, status types.PoolStatus, at time.Time) error

	// SyncPool refreshes the pool's ledger-derived counters.
	SyncPool(ctx context.Context, id uint64, sync PoolSync) error

	// MarkPoolReconciled records that every bet of a finalized pool has an
	// outcome.
	MarkPoolReconciled(ctx context.Context, id uint64, at time.Time) error

	// LoadExpiredPools returns pools whose window closed at or before now and
	// that are not yet finalized and reconciled.
	LoadExpiredPools(ctx context.Context, now time.Time) ([]types.Pool, error)

	// UpsertBet inserts a bet or refreshes its deposit fields.
	UpsertBet(ctx context.Context, bet *types.Bet) error

	// LoadBetsForPool returns the pool's bets ordered by id.
	LoadBetsForPool(ctx context.Context, poolID uint64) ([]types.Bet, error)

	// LoadBet returns the bet or types.ErrBetNotFound.
	LoadBet(ctx context.Context, betID string) (*types.Bet, error)

	// SaveBetOutcome writes a reconciled weight and reward. Claimed bets are
	// never modified: the call fails with types.ErrAlreadyClaimed.
	SaveBetOutcome(ctx context.Context, outcome types.BetOutcome) error

	// ClaimBet moves a bet from Calculated to Claimed exactly once.
	ClaimBet(ctx context.Context, betID string, txRef string, at time.Time) error

	// LoadResolution returns the pool's record or types.ErrResolutionNotFound.
	LoadResolution(ctx context.Context, poolID uint64) (*types.ResolutionRecord, error)

	// StartResolution writes rec as a new run. It applies only when the pool
	// has no record (prevRunID empty) or the stored record still belongs to
	// prevRunID; otherwise it fails with types.ErrResolutionInProgress.
	StartResolution(ctx context.Context, rec *types.ResolutionRecord, prevRunID string) error

	// UpdateResolution rewrites the record of run rec.RunID. It fails with
	// types.ErrRunSuperseded when another run owns the record.
	UpdateResolution(ctx context.Context, rec *types.ResolutionRecord) error

	// SaveResolutionStep replaces one step checkpoint of run runID and sets
	// the heartbeat to at. It fails with types.ErrRunSuperseded when another
	// run owns the record.
	SaveResolutionStep(ctx context.Context, poolID uint64, runID string, step types.StepResult, at time.Time) error

	// ArchiveResolution stamps the record of run runID archived.
	ArchiveResolution(ctx context.Context, poolID uint64, runID string, at time.Time) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// PoolSync carries ledger-derived pool fields.
type PoolSync struct {
	Target            *uint64
	Resolved          bool
	WeightFinalized   bool
	TotalParticipants uint64
	TotalWeight       uint64
	SyncedAt          time.Time
}
