package types

import (
	"fmt"
	"time"
)

// PoolStatus is the mirrored lifecycle position of a pool. Values are ordered
// and a pool only ever moves to a higher value.
type PoolStatus int

const (
	PoolActive PoolStatus = iota
	PoolAwaitingResolution
	PoolDelegated
	PoolResolvedOnEnclave
	PoolWeightsCalculated
	PoolBetsUndelegated
	PoolUndelegated
	PoolWeightsFinalized
)

var poolStatusNames = [...]string{
	PoolActive:             "Active",
	PoolAwaitingResolution: "AwaitingResolution",
	PoolDelegated:          "Delegated",
	PoolResolvedOnEnclave:  "ResolvedOnEnclave",
	PoolWeightsCalculated:  "WeightsCalculated",
	PoolBetsUndelegated:    "BetsUndelegated",
	PoolUndelegated:        "PoolUndelegated",
	PoolWeightsFinalized:   "WeightsFinalized",
}

func (s PoolStatus) String() string {
	if s < PoolActive || s > PoolWeightsFinalized {
		return fmt.Sprintf("PoolStatus(%d)", int(s))
	}
	return poolStatusNames[s]
}

// Terminal reports whether no further resolution steps apply.
func (s PoolStatus) Terminal() bool {
	return s == PoolWeightsFinalized
}

// ParsePoolStatus is the inverse of PoolStatus.String.
func ParsePoolStatus(s string) (PoolStatus, error) {
	for i, name := range poolStatusNames {
		if name == s {
			return PoolStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown pool status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s PoolStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PoolStatus) UnmarshalText(b []byte) error {
	v, err := ParsePoolStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Pool is the mirror projection of a pool account.
type Pool struct {
	ID                uint64     `json:"id"`
	Handle            Handle     `json:"handle"`
	Admin             Handle     `json:"admin"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           time.Time  `json:"endTime"`
	Target            *uint64    `json:"target,omitempty"`
	Resolved          bool       `json:"resolved"`
	WeightFinalized   bool       `json:"weightFinalized"`
	TotalParticipants uint64     `json:"totalParticipants"`
	TotalWeight       uint64     `json:"totalWeight"`
	Status            PoolStatus `json:"status"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	ReconciledAt      *time.Time `json:"reconciledAt,omitempty"`
	SyncedAt          time.Time  `json:"syncedAt"`
}

// Expired reports whether the pool's window has closed at now.
func (p *Pool) Expired(now time.Time) bool {
	return !now.Before(p.EndTime)
}
