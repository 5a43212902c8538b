package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/pkg/types"
)

// PostgresStorage implements Store using PostgreSQL.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// PostgresConfig holds PostgreSQL configuration.
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
	Logger   *zap.Logger
}

// NewPostgresStorage creates a new PostgreSQL storage.
func NewPostgresStorage(cfg *PostgresConfig) (*PostgresStorage, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Test connection
	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	cfg.Logger.Info("postgres-storage-connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return &PostgresStorage{
		db:     db,
		logger: cfg.Logger,
	}, nil
}

// EnsureSchema creates the mirror tables if they do not exist.
func (p *PostgresStorage) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const poolColumns = `id, handle, admin, start_time, end_time, target, resolved, weight_finalized,
	total_participants, total_weight, status, resolved_at, reconciled_at, synced_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPool(row rowScanner) (*types.Pool, error) {
	var pool types.Pool
	err := row.Scan(
		&pool.ID,
		&pool.Handle,
		&pool.Admin,
		&pool.StartTime,
		&pool.EndTime,
		&pool.Target,
		&pool.Resolved,
		&pool.WeightFinalized,
		&pool.TotalParticipants,
		&pool.TotalWeight,
		&pool.Status,
		&pool.ResolvedAt,
		&pool.ReconciledAt,
		&pool.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// LoadPool loads a pool by id.
func (p *PostgresStorage) LoadPool(ctx context.Context, id uint64) (*types.Pool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)

	pool, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load pool %d: %w", id, err)
	}
	return pool, nil
}

// UpsertPool inserts a pool or refreshes its descriptive fields.
func (p *PostgresStorage) UpsertPool(ctx context.Context, pool *types.Pool) error {
	query := `
		INSERT INTO pools (
			id, handle, admin, start_time, end_time, target, resolved, weight_finalized,
			total_participants, total_weight, status, synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle,
			admin = EXCLUDED.admin,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			total_participants = EXCLUDED.total_participants,
			total_weight = EXCLUDED.total_weight,
			synced_at = EXCLUDED.synced_at
	`

	_, err := p.db.ExecContext(ctx, query,
		pool.ID,
		pool.Handle,
		pool.Admin,
		pool.StartTime,
		pool.EndTime,
		pool.Target,
		pool.Resolved,
		pool.WeightFinalized,
		pool.TotalParticipants,
		pool.TotalWeight,
		pool.Status,
		pool.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert pool %d: %w", pool.ID, err)
	}
	return nil
}

// SavePoolStatus advances a pool's status.
func (p *PostgresStorage) SavePoolStatus(ctx context.Context, id uint64, status types.PoolStatus, at time.Time) error {
	var resolvedAt *time.Time
	if status >= types.PoolResolvedOnEnclave {
		resolvedAt = &at
	}

	query := `
		UPDATE pools
		SET status = $2, resolved_at = COALESCE(resolved_at, $3), synced_at = $4
		WHERE id = $1 AND status <= $2
	`

	res, err := p.db.ExecContext(ctx, query, id, status, resolvedAt, at)
	if err != nil {
		return fmt.Errorf("save pool %d status: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save pool %d status: %w", id, err)
	}
	if n == 1 {
		p.logger.Debug("pool-status-saved", zap.Uint64("pool-id", id), zap.Stringer("status", status))
		return nil
	}

	var current types.PoolStatus
	err = p.db.QueryRowContext(ctx, `SELECT status FROM pools WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrPoolNotFound
	}
	if err != nil {
		return fmt.Errorf("save pool %d status: %w", id, err)
	}
	return fmt.Errorf("pool %d %s -> %s: %w", id, current, status, types.ErrStatusRegression)
}

// SyncPool refreshes ledger-derived counters.
func (p *PostgresStorage) SyncPool(ctx context.Context, id uint64, sync PoolSync) error {
	query := `
		UPDATE pools
		SET target = COALESCE($2, target), resolved = resolved OR $3, weight_finalized = weight_finalized OR $4,
			total_participants = $5, total_weight = $6, synced_at = $7
		WHERE id = $1
	`

	res, err := p.db.ExecContext(ctx, query,
		id, sync.Target, sync.Resolved, sync.WeightFinalized,
		sync.TotalParticipants, sync.TotalWeight, sync.SyncedAt)
	if err != nil {
		return fmt.Errorf("sync pool %d: %w", id, err)
	}
	return expectOneRow(res, types.ErrPoolNotFound)
}

// MarkPoolReconciled stamps reconciled_at once.
func (p *PostgresStorage) MarkPoolReconciled(ctx context.Context, id uint64, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE pools SET reconciled_at = COALESCE(reconciled_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark pool %d reconciled: %w", id, err)
	}
	return expectOneRow(res, types.ErrPoolNotFound)
}

// LoadExpiredPools returns closed pools that still need work.
func (p *PostgresStorage) LoadExpiredPools(ctx context.Context, now time.Time) ([]types.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools
		WHERE end_time <= $1 AND (status < $2 OR reconciled_at IS NULL)
		ORDER BY end_time, id`

	rows, err := p.db.QueryContext(ctx, query, now, types.PoolWeightsFinalized)
	if err != nil {
		return nil, fmt.Errorf("load expired pools: %w", err)
	}
	defer rows.Close()

	var pools []types.Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, *pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load expired pools: %w", err)
	}
	return pools, nil
}

const betColumns = `id, handle, bettor, pool_id, deposit, prediction, weight, status, reward, claim_tx,
	resolved_at, synced_at`

func scanBet(row rowScanner) (*types.Bet, error) {
	var bet types.Bet
	var claimTx sql.NullString
	err := row.Scan(
		&bet.ID,
		&bet.Handle,
		&bet.Bettor,
		&bet.PoolID,
		&bet.Deposit,
		&bet.Prediction,
		&bet.Weight,
		&bet.Status,
		&bet.Reward,
		&claimTx,
		&bet.ResolvedAt,
		&bet.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	bet.ClaimTx = claimTx.String
	return &bet, nil
}

// UpsertBet inserts a bet or refreshes its deposit fields.
func (p *PostgresStorage) UpsertBet(ctx context.Context, bet *types.Bet) error {
	query := `
		INSERT INTO bets (id, handle, bettor, pool_id, deposit, prediction, weight, status, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			deposit = EXCLUDED.deposit,
			prediction = EXCLUDED.prediction,
			synced_at = EXCLUDED.synced_at
	`

	_, err := p.db.ExecContext(ctx, query,
		bet.ID, bet.Handle, bet.Bettor, bet.PoolID, bet.Deposit, bet.Prediction,
		bet.Weight, bet.Status, bet.SyncedAt)
	if err != nil {
		return fmt.Errorf("upsert bet %s: %w", bet.ID, err)
	}
	return nil
}

// LoadBetsForPool returns a pool's bets.
func (p *PostgresStorage) LoadBetsForPool(ctx context.Context, poolID uint64) ([]types.Bet, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+betColumns+` FROM bets WHERE pool_id = $1 ORDER BY id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("load bets for pool %d: %w", poolID, err)
	}
	defer rows.Close()

	var bets []types.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		bets = append(bets, *bet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load bets for pool %d: %w", poolID, err)
	}
	return bets, nil
}

// LoadBet loads one bet.
func (p *PostgresStorage) LoadBet(ctx context.Context, betID string) (*types.Bet, error) {
	bet, err := scanBet(p.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, betID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrBetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bet %s: %w", betID, err)
	}
	return bet, nil
}

// SaveBetOutcome writes a reconciled outcome unless the bet is claimed.
func (p *PostgresStorage) SaveBetOutcome(ctx context.Context, outcome types.BetOutcome) error {
	query := `
		UPDATE bets
		SET weight = $2, reward = $3, status = $4, resolved_at = COALESCE(resolved_at, $5), synced_at = $5
		WHERE id = $1 AND status < $6 AND status <= $4
	`

	res, err := p.db.ExecContext(ctx, query,
		outcome.BetID, outcome.Weight, outcome.Reward, outcome.Status, outcome.ResolvedAt, types.BetClaimed)
	if err != nil {
		return fmt.Errorf("save bet %s outcome: %w", outcome.BetID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save bet %s outcome: %w", outcome.BetID, err)
	}
	if n == 1 {
		return nil
	}

	current, err := p.betStatus(ctx, outcome.BetID)
	if err != nil {
		return err
	}
	if current == types.BetClaimed {
		return types.ErrAlreadyClaimed
	}
	return fmt.Errorf("bet %s %s -> %s: %w", outcome.BetID, current, outcome.Status, types.ErrStatusRegression)
}

// ClaimBet performs the Calculated -> Claimed compare-and-set.
func (p *PostgresStorage) ClaimBet(ctx context.Context, betID string, txRef string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bets SET status = $2, claim_tx = $3, synced_at = $4 WHERE id = $1 AND status = $5`,
		betID, types.BetClaimed, txRef, at, types.BetCalculated)
	if err != nil {
		return fmt.Errorf("claim bet %s: %w", betID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim bet %s: %w", betID, err)
	}
	if n == 1 {
		return nil
	}

	current, err := p.betStatus(ctx, betID)
	if err != nil {
		return err
	}
	if current == types.BetClaimed {
		return types.ErrAlreadyClaimed
	}
	return fmt.Errorf("bet %s is %s: %w", betID, current, types.ErrNotClaimable)
}

func (p *PostgresStorage) betStatus(ctx context.Context, betID string) (types.BetStatus, error) {
	var status types.BetStatus
	err := p.db.QueryRowContext(ctx, `SELECT status FROM bets WHERE id = $1`, betID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.ErrBetNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load bet %s status: %w", betID, err)
	}
	return status, nil
}

const resolutionColumns = `pool_id, run_id, run_state, target, steps, heartbeat_at, created_at, archived_at`

// LoadResolution loads a pool's resolution record.
func (p *PostgresStorage) LoadResolution(ctx context.Context, poolID uint64) (*types.ResolutionRecord, error) {
	var rec types.ResolutionRecord
	var steps []byte

	err := p.db.QueryRowContext(ctx,
		`SELECT `+resolutionColumns+` FROM resolution_records WHERE pool_id = $1`, poolID,
	).Scan(&rec.PoolID, &rec.RunID, &rec.RunState, &rec.Target, &steps, &rec.HeartbeatAt, &rec.CreatedAt, &rec.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrResolutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load resolution %d: %w", poolID, err)
	}

	err = json.Unmarshal(steps, &rec.Steps)
	if err != nil {
		return nil, fmt.Errorf("decode resolution %d steps: %w", poolID, err)
	}

	return &rec, nil
}

// StartResolution inserts a record or takes over the row of run prevRunID.
// The conflict update only fires while the stored run is still prevRunID.
func (p *PostgresStorage) StartResolution(ctx context.Context, rec *types.ResolutionRecord, prevRunID string) error {
	steps, err := encodeSteps(rec.Steps)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO resolution_records (` + resolutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pool_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			run_state = EXCLUDED.run_state,
			target = EXCLUDED.target,
			steps = EXCLUDED.steps,
			heartbeat_at = EXCLUDED.heartbeat_at,
			created_at = EXCLUDED.created_at,
			archived_at = EXCLUDED.archived_at
		WHERE resolution_records.run_id = $9
	`

	res, err := p.db.ExecContext(ctx, query,
		rec.PoolID, rec.RunID, string(rec.RunState), rec.Target, steps, rec.HeartbeatAt, rec.CreatedAt, rec.ArchivedAt,
		prevRunID)
	if err != nil {
		return fmt.Errorf("start resolution %d: %w", rec.PoolID, err)
	}
	return expectOneRow(res, fmt.Errorf("pool %d run %s: %w", rec.PoolID, rec.RunID, types.ErrResolutionInProgress))
}

// UpdateResolution rewrites the mutable fields of the record owned by
// rec.RunID.
func (p *PostgresStorage) UpdateResolution(ctx context.Context, rec *types.ResolutionRecord) error {
	steps, err := encodeSteps(rec.Steps)
	if err != nil {
		return err
	}

	query := `
		UPDATE resolution_records
		SET run_state = $3, target = $4, steps = $5, heartbeat_at = $6, archived_at = $7
		WHERE pool_id = $1 AND run_id = $2
	`

	res, err := p.db.ExecContext(ctx, query,
		rec.PoolID, rec.RunID, string(rec.RunState), rec.Target, steps, rec.HeartbeatAt, rec.ArchivedAt)
	if err != nil {
		return fmt.Errorf("update resolution %d: %w", rec.PoolID, err)
	}
	return expectOneRow(res, fmt.Errorf("pool %d run %s: %w", rec.PoolID, rec.RunID, types.ErrRunSuperseded))
}

// SaveResolutionStep replaces one step under a row lock.
func (p *PostgresStorage) SaveResolutionStep(
	ctx context.Context,
	poolID uint64,
	runID string,
	step types.StepResult,
	at time.Time,
) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT run_id, steps FROM resolution_records WHERE pool_id = $1 FOR UPDATE`, poolID,
	).Scan(&owner, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrResolutionNotFound
	}
	if err != nil {
		return fmt.Errorf("lock resolution %d: %w", poolID, err)
	}
	if owner != runID {
		return fmt.Errorf("pool %d run %s: %w", poolID, runID, types.ErrRunSuperseded)
	}

	rec := types.ResolutionRecord{}
	err = json.Unmarshal(raw, &rec.Steps)
	if err != nil {
		return fmt.Errorf("decode resolution %d steps: %w", poolID, err)
	}
	rec.PutStep(step)

	steps, err := encodeSteps(rec.Steps)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE resolution_records SET steps = $2, heartbeat_at = $3 WHERE pool_id = $1`,
		poolID, steps, at)
	if err != nil {
		return fmt.Errorf("save resolution %d step %s: %w", poolID, step.Step, err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit step tx: %w", err)
	}
	return nil
}

// ArchiveResolution stamps archived_at on the record owned by runID.
func (p *PostgresStorage) ArchiveResolution(ctx context.Context, poolID uint64, runID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE resolution_records SET archived_at = COALESCE(archived_at, $3) WHERE pool_id = $1 AND run_id = $2`,
		poolID, runID, at)
	if err != nil {
		return fmt.Errorf("archive resolution %d: %w", poolID, err)
	}
	return expectOneRow(res, fmt.Errorf("pool %d run %s: %w", poolID, runID, types.ErrRunSuperseded))
}

// Ping checks the connection.
func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection.
func (p *PostgresStorage) Close() error {
	p.logger.Info("closing-postgres-storage")
	return p.db.Close()
}

func encodeSteps(steps []types.StepResult) ([]byte, error) {
	if steps == nil {
		steps = []types.StepResult{}
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	return raw, nil
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
