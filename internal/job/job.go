// Package job holds the data model shared by the router, dispatcher and
// broadcaster: the Job lifecycle state machine and the immutable Result.
package job

import (
	"fmt"
	"sync"
	"time"
)

// State is the job lifecycle state. Terminal states are final: any
// transition out of them is rejected.
type State int8

const (
	Queued State = iota
	Running
	Retrying
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int8(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Operations every panel driver implements.
const (
	OpBalance = "balance"
	OpSignup  = "signup"
	OpCredit  = "credit"
	OpDebit   = "debit"
)

// Job is one authorized unit of work. Created by the router in state
// Queued; mutated only by the dispatcher afterwards.
type Job struct {
	ID          string
	Identity    string
	Principal   int64
	Target      string
	Op          string
	Args        map[string]string
	SubmittedAt time.Time

	// Per-identity operation defaults resolved at routing time.
	Timeout    time.Duration
	Screenshot bool

	mu        sync.Mutex
	state     State
	attempts  int
	cancelled bool
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetState transitions the job. Transitions out of a terminal state are
// rejected so a finished job can never be resurrected.
func (j *Job) SetState(next State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return fmt.Errorf("job %s: state %s is terminal, cannot move to %s", j.ID, j.state, next)
	}
	j.state = next
	return nil
}

// BeginAttempt marks the job Running and returns the 1-based attempt
// number, or an error when the job is already terminal.
func (j *Job) BeginAttempt() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return j.attempts, fmt.Errorf("job %s: already %s", j.ID, j.state)
	}
	j.state = Running
	j.attempts++
	return j.attempts, nil
}

// Attempts returns how many dispatch attempts have started.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Cancel flags the job for cancellation. It reports whether the flag
// was newly set; cancelling a terminal job has no effect.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() || j.cancelled {
		return false
	}
	j.cancelled = true
	return true
}

// CancelRequested reports whether cancellation has been flagged.
func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}
