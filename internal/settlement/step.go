// Package settlement drives a pool through its resolution saga: delegate to
// the enclave, resolve, compute weights, return bets and pool to the ledger,
// finalize, then hand off to the reconciler.
package settlement

import (
	"fmt"

	"github.com/mselser95/pool-settler/pkg/types"
)

// Step is one saga step. Steps run strictly in declaration order.
type Step int

const (
	StepDelegatePool Step = iota + 1
	StepResolve
	StepCalculateWeights
	StepUndelegateBets
	StepUndelegatePool
	StepFinalizeWeights
	// StepDone is reached after FinalizeWeights or a skipped remainder.
	StepDone
)

// StepReconcile names halts raised by the post-finalize reconciliation.
const StepReconcile = "ReconcileBets"

var stepNames = map[Step]string{
	StepDelegatePool:     "DelegatePool",
	StepResolve:          "Resolve",
	StepCalculateWeights: "CalculateWeights",
	StepUndelegateBets:   "UndelegateBets",
	StepUndelegatePool:   "UndelegatePool",
	StepFinalizeWeights:  "FinalizeWeights",
	StepDone:             "Done",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// Steps lists the executable steps in order.
func Steps() []Step {
	return []Step{
		StepDelegatePool,
		StepResolve,
		StepCalculateWeights,
		StepUndelegateBets,
		StepUndelegatePool,
		StepFinalizeWeights,
	}
}

// Precondition is the pool status a step starts from.
func (s Step) Precondition() types.PoolStatus {
	return types.PoolStatus(int(s))
}

// Completes is the pool status a confirmed step moves the pool to.
func (s Step) Completes() types.PoolStatus {
	return types.PoolStatus(int(s) + 1)
}

// StepFor returns the step that runs from status. Statuses before
// AwaitingResolution map to DelegatePool; the terminal status maps to
// StepDone.
func StepFor(status types.PoolStatus) Step {
	switch {
	case status <= types.PoolAwaitingResolution:
		return StepDelegatePool
	case status >= types.PoolWeightsFinalized:
		return StepDone
	default:
		return Step(int(status))
	}
}

// Outcome is what one attempt of a step observed.
type Outcome int

const (
	// Confirmed means the external call was submitted and confirmed.
	Confirmed Outcome = iota
	// AlreadyApplied means the guard found the effect already on-chain.
	AlreadyApplied
	// SkipRemainder means the guard found the pool already finalized on
	// the ledger, so every later step is already applied too.
	SkipRemainder
	// Transient means the attempt failed in a way worth retrying.
	Transient
	// Rejected means an external authority or a local check refused.
	Rejected
)

var outcomeNames = [...]string{
	Confirmed:      "confirmed",
	AlreadyApplied: "already-applied",
	SkipRemainder:  "skip-remainder",
	Transient:      "transient",
	Rejected:       "rejected",
}

func (o Outcome) String() string {
	if o < Confirmed || o > Rejected {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Disposition tells the orchestrator what to do with the step Next returns.
type Disposition int

const (
	// Advance runs the returned step next.
	Advance Disposition = iota
	// Retry runs the same step again after backoff.
	Retry
	// Halt stops the saga at the current step.
	Halt
)

func (d Disposition) String() string {
	switch d {
	case Advance:
		return "advance"
	case Retry:
		return "retry"
	case Halt:
		return "halt"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// Next is the saga transition function. It has no side effects.
func Next(step Step, outcome Outcome) (Step, Disposition) {
	if step >= StepDone {
		return StepDone, Advance
	}

	switch outcome {
	case Confirmed, AlreadyApplied:
		return step + 1, Advance
	case SkipRemainder:
		return StepDone, Advance
	case Transient:
		return step, Retry
	default:
		return step, Halt
	}
}
