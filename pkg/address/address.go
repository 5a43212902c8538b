// Package address derives deterministic account handles owned by the pool
// program. Derivation is pure: every process that knows the program id can
// recompute the same handle without shared state.
package address

import (
	"crypto/sha256"
	"encoding/binary"

	"filippo.io/edwards25519"
	"github.com/mselser95/pool-settler/pkg/types"
)

// Namespaces used by the pool program.
const (
	NamespaceProtocol = "protocol"
	NamespacePool     = "pool"
	NamespaceVault    = "vault"
	NamespaceBet      = "bet"
)

// MaxNonce is the first nonce tried; the search counts down from here.
const MaxNonce = 255

var derivationMarker = []byte("ProgramDerivedAddress")

// Deriver maps (namespace, owner, id) to program-owned handles.
type Deriver struct {
	program types.Handle
}

// NewDeriver creates a deriver for the given program id.
func NewDeriver(program types.Handle) *Deriver {
	return &Deriver{program: program}
}

// Program returns the program id handles are derived under.
func (d *Deriver) Program() types.Handle {
	return d.program
}

// Derive returns the handle for (namespace, owner, id) and the nonce that
// pushed it off the ed25519 curve, so no private key can exist for it.
func (d *Deriver) Derive(namespace string, owner types.Handle, id uint64) (types.Handle, uint8) {
	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], id)

	for nonce := MaxNonce; nonce >= 0; nonce-- {
		h := sha256.New()
		h.Write([]byte(namespace))
		h.Write(owner[:])
		h.Write(idBytes[:])
		h.Write([]byte{byte(nonce)})
		h.Write(d.program[:])
		h.Write(derivationMarker)

		var candidate types.Handle
		copy(candidate[:], h.Sum(nil))
		if !onCurve(candidate) {
			return candidate, uint8(nonce)
		}
	}

	// Each candidate is on the curve with probability ~1/2; 256 misses in a
	// row does not happen for sha256 output.
	panic("address: no off-curve handle found")
}

// Protocol returns the singleton protocol account handle.
func (d *Deriver) Protocol() types.Handle {
	h, _ := d.Derive(NamespaceProtocol, d.program, 0)
	return h
}

// Pool returns the pool account handle for an administrator's pool id.
func (d *Deriver) Pool(admin types.Handle, poolID uint64) types.Handle {
	h, _ := d.Derive(NamespacePool, admin, poolID)
	return h
}

// Vault returns the handle of the account holding a pool's deposits.
func (d *Deriver) Vault(admin types.Handle, poolID uint64) types.Handle {
	h, _ := d.Derive(NamespaceVault, admin, poolID)
	return h
}

// Bet returns the handle of a depositor's bet in a pool.
func (d *Deriver) Bet(bettor types.Handle, poolID uint64) types.Handle {
	h, _ := d.Derive(NamespaceBet, bettor, poolID)
	return h
}

func onCurve(h types.Handle) bool {
	_, err := new(edwards25519.Point).SetBytes(h[:])
	return err == nil
}
