package testutil

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mselser95/pool-settler/internal/storage"
	"github.com/mselser95/pool-settler/pkg/types"
)

// TestHandle returns a deterministic handle for label.
func TestHandle(label string) types.Handle {
	return types.Handle(sha256.Sum256([]byte(label)))
}

// ProtocolFixture describes the protocol singleton.
type ProtocolFixture struct {
	FeeBps    uint16
	Paused    bool
	PoolCount uint64
}

// BetFixture describes one bet in a pool.
type BetFixture struct {
	ID      string
	Bettor  types.Handle
	Deposit uint64
	// Weight is what batchCalculateWeights assigns. Zero means the deposit.
	Weight uint64
}

// PoolFixture describes a pool and the accounts around it.
type PoolFixture struct {
	ID        uint64
	Admin     types.Handle
	StartTime time.Time
	EndTime   time.Time
	Target    *uint64
	Status    types.PoolStatus
	Vault     uint64
	Bets      []BetFixture
}

// SeedProtocol puts the protocol account on the ledger.
func SeedProtocol(fc *FakeChain, p ProtocolFixture) {
	fc.Put(Ledger, fc.Deriver().Protocol(), &Account{
		Owner:    fc.Program(),
		Lamports: 1_000_000,
		Body: map[string]any{
			"feeBps":    p.FeeBps,
			"paused":    p.Paused,
			"treasury":  TestHandle("treasury").String(),
			"poolCount": p.PoolCount,
		},
	})
}

// SeedPool puts a pool in its pre-resolution state on the ledger: pool owned
// by the program, vault funded, bets delegated to the enclave. The mirror
// rows are written to store when it is non-nil.
func SeedPool(t *testing.T, fc *FakeChain, store storage.Store, fx PoolFixture) *types.Pool {
	t.Helper()

	if fx.Admin.IsZero() {
		fx.Admin = TestHandle("admin")
	}
	if fx.EndTime.IsZero() {
		fx.EndTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if fx.StartTime.IsZero() {
		fx.StartTime = fx.EndTime.Add(-24 * time.Hour)
	}

	d := fc.Deriver()
	poolHandle := d.Pool(fx.Admin, fx.ID)

	var deposits uint64
	for _, b := range fx.Bets {
		deposits += b.Deposit
	}

	poolBody := map[string]any{
		"id":                fx.ID,
		"admin":             fx.Admin.String(),
		"startTime":         fx.StartTime.Unix(),
		"endTime":           fx.EndTime.Unix(),
		"resolved":          false,
		"weightFinalized":   false,
		"totalParticipants": uint64(len(fx.Bets)),
		"totalWeight":       uint64(0),
	}
	if fx.Target != nil {
		poolBody["target"] = *fx.Target
	}
	fc.Put(Ledger, poolHandle, &Account{Owner: fc.Program(), Lamports: 2_000_000, Body: poolBody})

	vault := fx.Vault
	if vault == 0 {
		vault = deposits
	}
	fc.Put(Ledger, d.Vault(fx.Admin, fx.ID), &Account{Owner: fc.Program(), Lamports: vault, Body: map[string]any{}})

	pool := &types.Pool{
		ID:                fx.ID,
		Handle:            poolHandle,
		Admin:             fx.Admin,
		StartTime:         fx.StartTime,
		EndTime:           fx.EndTime,
		Target:            fx.Target,
		TotalParticipants: uint64(len(fx.Bets)),
		Status:            fx.Status,
		SyncedAt:          fx.EndTime,
	}

	ctx := context.Background()
	if store != nil {
		require.NoError(t, store.UpsertPool(ctx, pool))
	}

	for i, b := range fx.Bets {
		if b.ID == "" {
			b.ID = fmt.Sprintf("bet-%d-%d", fx.ID, i)
		}
		if b.Bettor.IsZero() {
			b.Bettor = TestHandle(b.ID)
		}

		handle := d.Bet(b.Bettor, fx.ID)
		body := map[string]any{
			"bettor":         b.Bettor.String(),
			"poolId":         fx.ID,
			"deposit":        b.Deposit,
			"weightComputed": false,
			"claimed":        false,
		}
		fc.Put(Ledger, handle, &Account{Owner: fc.Delegation(), Lamports: 1_000, Body: body})
		fc.Put(Enclave, handle, &Account{Owner: fc.Program(), Lamports: 1_000, Body: body})
		if b.Weight != 0 {
			fc.SetWeight(handle, b.Weight)
		}

		if store != nil {
			require.NoError(t, store.UpsertBet(ctx, &types.Bet{
				ID:       b.ID,
				Handle:   handle,
				Bettor:   b.Bettor,
				PoolID:   fx.ID,
				Deposit:  b.Deposit,
				Status:   types.BetActive,
				SyncedAt: fx.EndTime,
			}))
		}
	}

	return pool
}

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 {
	return &v
}
