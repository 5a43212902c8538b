package address

import (
	"crypto/ed25519"
	"testing"

	"github.com/mselser95/pool-settler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handleFromSeed(seed byte) types.Handle {
	var h types.Handle
	for i := range h {
		h[i] = seed
	}
	return h
}

func TestDerive_Deterministic(t *testing.T) {
	program := handleFromSeed(9)
	admin := handleFromSeed(1)

	first, firstNonce := NewDeriver(program).Derive(NamespacePool, admin, 42)
	second, secondNonce := NewDeriver(program).Derive(NamespacePool, admin, 42)

	assert.Equal(t, first, second)
	assert.Equal(t, firstNonce, secondNonce)
}

func TestDerive_InputsChangeHandle(t *testing.T) {
	d := NewDeriver(handleFromSeed(9))
	admin := handleFromSeed(1)
	base, _ := d.Derive(NamespacePool, admin, 1)

	tests := []struct {
		name      string
		namespace string
		owner     types.Handle
		id        uint64
	}{
		{name: "different-id", namespace: NamespacePool, owner: admin, id: 2},
		{name: "different-owner", namespace: NamespacePool, owner: handleFromSeed(2), id: 1},
		{name: "different-namespace", namespace: NamespaceVault, owner: admin, id: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := d.Derive(tt.namespace, tt.owner, tt.id)
			assert.NotEqual(t, base, got)
		})
	}

	other, _ := NewDeriver(handleFromSeed(8)).Derive(NamespacePool, admin, 1)
	assert.NotEqual(t, base, other, "program id must be part of the derivation")
}

func TestDerive_OffCurve(t *testing.T) {
	d := NewDeriver(handleFromSeed(3))

	for id := uint64(0); id < 64; id++ {
		h, nonce := d.Derive(NamespaceBet, handleFromSeed(byte(id)), id)
		assert.False(t, onCurve(h), "derived handle for id %d is on curve", id)
		assert.LessOrEqual(t, int(nonce), MaxNonce)
	}
}

func TestOnCurve_PublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	h, err := types.HandleFromBytes(pub)
	require.NoError(t, err)
	assert.True(t, onCurve(h), "ed25519 public keys are curve points")
}

func TestDeriver_Helpers(t *testing.T) {
	d := NewDeriver(handleFromSeed(5))
	admin := handleFromSeed(6)

	pool, _ := d.Derive(NamespacePool, admin, 7)
	vault, _ := d.Derive(NamespaceVault, admin, 7)
	bet, _ := d.Derive(NamespaceBet, admin, 7)
	protocol, _ := d.Derive(NamespaceProtocol, d.Program(), 0)

	assert.Equal(t, pool, d.Pool(admin, 7))
	assert.Equal(t, vault, d.Vault(admin, 7))
	assert.Equal(t, bet, d.Bet(admin, 7))
	assert.Equal(t, protocol, d.Protocol())
}
