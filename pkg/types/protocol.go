package types

import "math/bits"

// MaxFeeBps is 100%.
const MaxFeeBps = 10_000

// Protocol is the singleton protocol account.
type Protocol struct {
	FeeBps    uint16
	Paused    bool
	Treasury  Handle
	PoolCount uint64
}

// Fee returns the protocol cut of amount, rounded down.
func (p Protocol) Fee(amount uint64) uint64 {
	bps := uint64(p.FeeBps)
	if bps > MaxFeeBps {
		bps = MaxFeeBps
	}
	hi, lo := bits.Mul64(amount, bps)
	fee, _ := bits.Div64(hi, lo, MaxFeeBps)
	return fee
}

// Allocated reports whether the ledger has handed out poolID.
func (p Protocol) Allocated(poolID uint64) bool {
	return poolID < p.PoolCount
}
