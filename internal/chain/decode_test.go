package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mselser95/pool-settler/pkg/types"
)

func snapshotOf(body string) *Snapshot {
	return &Snapshot{Handle: types.Handle{1}, Data: []byte(body)}
}

func TestDecodePool_KeyAliases(t *testing.T) {
	admin := types.Handle{5}

	tests := []struct {
		name string
		body string
	}{
		{
			name: "camel-case",
			body: `{"id":3,"admin":"` + admin.String() + `","startTime":100,"endTime":"200","target":42,` +
				`"resolved":true,"weightFinalized":true,"totalParticipants":2,"totalWeight":"1000"}`,
		},
		{
			name: "snake-case",
			body: `{"pool_id":"3","authority":"` + admin.String() + `","start_time":"100","end_time":200,"outcome":"42",` +
				`"is_resolved":"true","weight_finalized":true,"total_participants":2,"total_weight":1000}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePool(snapshotOf(tt.body))
			require.NoError(t, err)

			assert.Equal(t, uint64(3), p.ID)
			assert.Equal(t, admin, p.Admin)
			assert.Equal(t, time.Unix(100, 0).UTC(), p.StartTime)
			assert.Equal(t, time.Unix(200, 0).UTC(), p.EndTime)
			require.NotNil(t, p.Target)
			assert.Equal(t, uint64(42), *p.Target)
			assert.True(t, p.Resolved)
			assert.True(t, p.WeightFinalized)
			assert.Equal(t, uint64(2), p.TotalParticipants)
			assert.Equal(t, uint64(1000), p.TotalWeight)
		})
	}
}

func TestDecodePool_Malformed(t *testing.T) {
	_, err := DecodePool(snapshotOf(`{"totalWeight":-5}`))
	assert.Error(t, err)

	_, err = DecodePool(snapshotOf(`{"admin":"short"}`))
	assert.Error(t, err)

	_, err = DecodePool(&Snapshot{})
	assert.Error(t, err)
}

func TestDecodeBet(t *testing.T) {
	bettor := types.Handle{8}
	b, err := DecodeBet(snapshotOf(`{"bettor":"` + bettor.String() + `","poolId":1,"deposit":"250",` +
		`"weight":null,"is_weight_added":false,"claimed":false}`))
	require.NoError(t, err)

	assert.Equal(t, bettor, b.Bettor)
	assert.Equal(t, uint64(250), b.Deposit)
	assert.Zero(t, b.Weight)
	assert.False(t, b.WeightComputed)

	b, err = DecodeBet(snapshotOf(`{"bettor":"` + bettor.String() + `","weight":"77","weightComputed":true}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(77), b.Weight)
	assert.True(t, b.WeightComputed)
}

func TestDecodeProtocol(t *testing.T) {
	p, err := DecodeProtocol(snapshotOf(`{"fee_bps":250,"paused":false,"pool_count":"12"}`))
	require.NoError(t, err)
	assert.Equal(t, uint16(250), p.FeeBps)
	assert.False(t, p.Paused)
	assert.Equal(t, uint64(12), p.PoolCount)

	_, err = DecodeProtocol(snapshotOf(`{"feeBps":10001}`))
	assert.Error(t, err)
}

func TestDecodeFeed(t *testing.T) {
	f, err := DecodeFeed(snapshotOf(`{"price":"31337","timestamp":1700000000}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(31337), f.Value)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), f.PublishedAt)

	_, err = DecodeFeed(snapshotOf(`{"timestamp":1}`))
	assert.Error(t, err)
}

func TestDecodeConfirmation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "object", raw: `{"confirmation":"abc"}`, want: "abc"},
		{name: "signature-key", raw: `{"signature":"def"}`, want: "def"},
		{name: "bare-string", raw: `"ghi"`, want: "ghi"},
		{name: "empty-object", raw: `{}`, wantErr: true},
		{name: "empty-string", raw: `""`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeConfirmation([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
