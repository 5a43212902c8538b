package settlement

import (
	"errors"
	"fmt"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/internal/session"
	"github.com/mselser95/pool-settler/pkg/types"
)

// ErrFeedStale is returned while the oracle feed has not published since the
// pool closed.
var ErrFeedStale = errors.New("oracle feed not updated since pool end")

// ErrNoTarget is returned when no resolution outcome is available.
var ErrNoTarget = errors.New("no resolution target available")

// HaltError stops a saga at Step. The pool stays at its last confirmed status
// and a later run resumes from there.
type HaltError struct {
	PoolID uint64
	Step   string
	Err    error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("pool %d halted at %s: %v", e.PoolID, e.Step, e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// storeError marks a failed mirror write or read made inside a step.
type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("mirror %s: %v", e.op, e.err)
}

func (e *storeError) Unwrap() error {
	return e.err
}

func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storeError{op: op, err: err}
}

// classify maps a step error onto the outcome the transition function
// understands.
func classify(err error) Outcome {
	var se *storeError
	switch {
	case err == nil:
		return Confirmed
	case errors.Is(err, session.ErrEnclaveUnreachable):
		return Rejected
	case errors.Is(err, types.ErrRunSuperseded), errors.Is(err, types.ErrStatusRegression):
		return Rejected
	case errors.Is(err, ErrFeedStale):
		return Transient
	case chain.IsTransient(err):
		return Transient
	case errors.As(err, &se):
		return Transient
	default:
		return Rejected
	}
}
