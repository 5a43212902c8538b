package types

import (
	"fmt"
	"time"
)

// BetStatus is the mirrored lifecycle position of a bet.
type BetStatus int

const (
	BetInitialized BetStatus = iota
	BetDelegated
	BetActive
	BetCalculated
	BetClaimed
)

var betStatusNames = [...]string{
	BetInitialized: "Initialized",
	BetDelegated:   "Delegated",
	BetActive:      "Active",
	BetCalculated:  "Calculated",
	BetClaimed:     "Claimed",
}

func (s BetStatus) String() string {
	if s < BetInitialized || s > BetClaimed {
		return fmt.Sprintf("BetStatus(%d)", int(s))
	}
	return betStatusNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s BetStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *BetStatus) UnmarshalText(b []byte) error {
	for i, name := range betStatusNames {
		if name == string(b) {
			*s = BetStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown bet status %q", b)
}

// Settled reports whether the reconciler has nothing left to do for the bet.
func (s BetStatus) Settled() bool {
	return s >= BetCalculated
}

// Bet is the mirror projection of a bet account.
type Bet struct {
	ID         string     `json:"id"`
	Handle     Handle     `json:"handle"`
	Bettor     Handle     `json:"bettor"`
	PoolID     uint64     `json:"poolId"`
	Deposit    uint64     `json:"deposit"`
	Prediction []byte     `json:"prediction,omitempty"`
	Weight     uint64     `json:"weight"`
	Status     BetStatus  `json:"status"`
	Reward     *uint64    `json:"reward,omitempty"`
	ClaimTx    string     `json:"claimTx,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	SyncedAt   time.Time  `json:"syncedAt"`
}

// BetOutcome is the reconciler's write for a single bet.
type BetOutcome struct {
	BetID      string
	Weight     uint64
	Reward     uint64
	Status     BetStatus
	ResolvedAt time.Time
}
