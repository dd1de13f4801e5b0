package storage

import (
	"errors"
	"time"

	"agentdesk/internal/job"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free append-only JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is one finished job in the audit log.
// Keep it compact and schema-stable.
type JobRecord struct {
	At        time.Time `json:"at"`
	JobID     string    `json:"job_id"`
	Identity  string    `json:"identity"`
	Principal int64     `json:"principal"`
	Target    string    `json:"target"`
	Op        string    `json:"op"`
	OK        bool      `json:"ok"`
	FailKind  string    `json:"fail_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	TookMS    int64     `json:"took_ms"`
	Balance   *float64  `json:"balance,omitempty"`
	Account   string    `json:"account,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
}

// Record flattens a job result into an audit row.
func Record(res job.Result, principal int64) JobRecord {
	r := JobRecord{
		At:        time.Now(),
		JobID:     res.JobID,
		Identity:  res.Identity,
		Principal: principal,
		Target:    res.Target,
		Op:        res.Op,
		OK:        res.OK,
		FailKind:  string(res.FailKind),
		Error:     res.FailMessage,
		Attempts:  res.Attempts,
		TookMS:    res.Duration.Milliseconds(),
		Balance:   res.Balance,
	}
	if c := res.Confirmation; c != nil {
		r.Account = c.Username
		r.Amount = c.Amount
	}
	return r
}
