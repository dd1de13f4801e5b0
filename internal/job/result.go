package job

import (
	"time"

	"agentdesk/internal/driver"
)

// FailKind labels why a job failed. It mirrors the error taxonomy the
// orchestration engine reports to callers.
type FailKind string

const (
	FailNone              FailKind = ""
	FailTransient         FailKind = "transient"
	FailFatal             FailKind = "fatal"
	FailResourceExhausted FailKind = "resource_exhausted"
	FailUnknownTarget     FailKind = "unknown_target"
	FailCancelled         FailKind = "cancelled"
)

// Result is the immutable outcome of one job. Exactly one of the
// success payload fields is set for a successful job, depending on the
// operation; FailKind/FailMessage are set for failures.
type Result struct {
	JobID    string        `json:"job_id"`
	Identity string        `json:"identity"`
	Target   string        `json:"target"`
	Op       string        `json:"op"`
	OK       bool          `json:"ok"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`

	Balance      *float64             `json:"balance,omitempty"`
	Confirmation *driver.Confirmation `json:"confirmation,omitempty"`

	// Screenshot references a diagnostic capture attached by the driver
	// on failure (or on success when the identity asks for one).
	Screenshot string `json:"screenshot,omitempty"`

	FailKind    FailKind `json:"fail_kind,omitempty"`
	FailMessage string   `json:"fail_message,omitempty"`
}

// Success builds the base success result for a job.
func Success(j *Job, dur time.Duration) Result {
	return Result{
		JobID:    j.ID,
		Identity: j.Identity,
		Target:   j.Target,
		Op:       j.Op,
		OK:       true,
		Attempts: j.Attempts(),
		Duration: dur,
	}
}

// Failure builds a failure result for a job.
func Failure(j *Job, kind FailKind, msg string, dur time.Duration) Result {
	return Result{
		JobID:       j.ID,
		Identity:    j.Identity,
		Target:      j.Target,
		Op:          j.Op,
		OK:          false,
		Attempts:    j.Attempts(),
		Duration:    dur,
		FailKind:    kind,
		FailMessage: msg,
	}
}
