// Package driver defines the capability contract every panel automation
// driver implements, the driver error taxonomy, and the process-wide
// registry that maps a target type to a driver constructor.
package driver

import "context"

// Confirmation is the receipt returned by mutating panel operations.
type Confirmation struct {
	Username string  `json:"username"`
	Amount   float64 `json:"amount,omitempty"`
	Ref      string  `json:"ref,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Driver is the fixed capability contract for one panel target type.
//
// All calls may block on browser automation internally; callers bound
// them with the context. Balance doubles as the pool's health probe, so
// implementations should keep it cheap (no navigation when the session
// is already on the panel).
type Driver interface {
	// Release tears the underlying automation session down. Idempotent.
	Release(ctx context.Context) error

	Balance(ctx context.Context) (float64, error)
	Signup(ctx context.Context, fullName, username string) (Confirmation, error)
	Credit(ctx context.Context, username string, amount float64) (Confirmation, error)
	Debit(ctx context.Context, username string, amount float64) (Confirmation, error)
}

// Constructor builds a fresh driver for one target type. Constructors are
// pure factories: no side effects beyond allocating the driver's backing
// resources (browser context, panel login).
type Constructor func(ctx context.Context) (Driver, error)
