package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mselser95/pool-settler/internal/testutil"
	"github.com/mselser95/pool-settler/pkg/address"
	"github.com/mselser95/pool-settler/pkg/types"
)

func newDeriveCmd(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()

	cmd := &cobra.Command{}
	cmd.Flags().String("admin", "", "")
	cmd.Flags().String("bettor", "", "")
	cmd.Flags().Uint64("pool-id", 0, "")
	for k, v := range flags {
		require.NoError(t, cmd.Flags().Set(k, v))
	}
	return cmd
}

func TestDeriveHandle(t *testing.T) {
	d := address.NewDeriver(testutil.TestHandle("program"))
	admin := testutil.TestHandle("admin")
	bettor := testutil.TestHandle("bettor")

	tests := []struct {
		name   string
		kind   string
		flags  map[string]string
		want   types.Handle
		errMsg string
	}{
		{name: "protocol", kind: "protocol", want: d.Protocol()},
		{name: "pool", kind: "pool", flags: map[string]string{"admin": admin.String(), "pool-id": "7"}, want: d.Pool(admin, 7)},
		{name: "vault", kind: "vault", flags: map[string]string{"admin": admin.String(), "pool-id": "7"}, want: d.Vault(admin, 7)},
		{name: "bet", kind: "bet", flags: map[string]string{"bettor": bettor.String(), "pool-id": "7"}, want: d.Bet(bettor, 7)},
		{name: "pool-missing-admin", kind: "pool", errMsg: "--admin is required for pool"},
		{name: "bet-missing-bettor", kind: "bet", errMsg: "--bettor is required for bet"},
		{name: "bad-admin", kind: "vault", flags: map[string]string{"admin": "0OIl"}, errMsg: "parse --admin"},
		{name: "unknown-kind", kind: "escrow", errMsg: `unknown account kind "escrow"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := deriveHandle(newDeriveCmd(t, tt.flags), d, tt.kind)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintStatus(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	completed := end.Add(time.Minute)
	pool := &types.Pool{ID: 4, Status: types.PoolDelegated, EndTime: end}

	t.Run("no-record", func(t *testing.T) {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetOut(&out)

		require.NoError(t, printStatus(cmd, pool, nil))
		assert.Contains(t, out.String(), "Pool 4  status=Delegated")
		assert.Contains(t, out.String(), "No resolution run recorded")
	})

	t.Run("halted-run", func(t *testing.T) {
		var out bytes.Buffer
		cmd := &cobra.Command{}
		cmd.SetOut(&out)

		rec := &types.ResolutionRecord{
			PoolID:      4,
			RunID:       "run-4",
			RunState:    types.RunHalted,
			Target:      testutil.Uint64(2),
			HeartbeatAt: completed,
			Steps: []types.StepResult{
				{Step: "DelegatePool", CompletedAt: &completed, Confirmations: []string{"c1"}},
				{Step: "ResolvePool", Error: "rejected by enclave"},
			},
		}

		require.NoError(t, printStatus(cmd, pool, rec))
		text := out.String()
		assert.Contains(t, text, "Run run-4  state=halted")
		assert.Contains(t, text, "Target 2")
		assert.Contains(t, text, "DelegatePool")
		assert.Contains(t, text, "rejected by enclave")
	})
}
