package types

import "time"

// RunState describes the most recent saga run recorded for a pool.
type RunState string

const (
	RunRunning   RunState = "running"
	RunHalted    RunState = "halted"
	RunCompleted RunState = "completed"
)

// StepResult is the checkpoint for one resolution step.
type StepResult struct {
	Step           string     `json:"step"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Confirmations  []string   `json:"confirmations,omitempty"`
	AlreadyApplied bool       `json:"alreadyApplied,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Completed reports whether the step's external effect is durably recorded.
func (s *StepResult) Completed() bool {
	return s.CompletedAt != nil
}

// ResolutionRecord is the durable checkpoint of a pool's resolution saga.
type ResolutionRecord struct {
	PoolID      uint64       `json:"poolId"`
	RunID       string       `json:"runId"`
	RunState    RunState     `json:"runState"`
	Target      *uint64      `json:"target,omitempty"`
	Steps       []StepResult `json:"steps"`
	HeartbeatAt time.Time    `json:"heartbeatAt"`
	CreatedAt   time.Time    `json:"createdAt"`
	ArchivedAt  *time.Time   `json:"archivedAt,omitempty"`
}

// Step returns the checkpoint for name, or nil.
func (r *ResolutionRecord) Step(name string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Step == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// PutStep inserts or replaces the checkpoint for step.Step, keeping order of
// first insertion.
func (r *ResolutionRecord) PutStep(step StepResult) {
	if existing := r.Step(step.Step); existing != nil {
		*existing = step
		return
	}
	r.Steps = append(r.Steps, step)
}

// InFlight reports whether another run may still be executing: it is marked
// running and has written a heartbeat within staleAfter.
func (r *ResolutionRecord) InFlight(now time.Time, staleAfter time.Duration) bool {
	if r.RunState != RunRunning || r.ArchivedAt != nil {
		return false
	}
	return now.Sub(r.HeartbeatAt) < staleAfter
}
