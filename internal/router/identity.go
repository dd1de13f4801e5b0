package router

import (
	"time"
)

// RateConfig bounds job submission for one identity.
type RateConfig struct {
	// Cap is the number of jobs the identity may start per Window.
	// Zero means unlimited.
	Cap    int           `json:"cap"`
	Window time.Duration `json:"window"`
	// PrincipalCap additionally bounds each individual principal under
	// the identity. Zero disables the per-principal limit.
	PrincipalCap int `json:"principal_cap"`
}

// Defaults are per-identity operation defaults applied at routing time.
type Defaults struct {
	Timeout    time.Duration `json:"timeout"`
	Screenshot bool          `json:"screenshot"`
}

// Schedule is a recurring job bound to an identity, run by the
// scheduler with no principal.
type Schedule struct {
	Name string            `json:"name"`
	Spec string            `json:"spec"` // cron expression
	Op   string            `json:"op"`
	Args map[string]string `json:"args"`
}

// Identity is one configured bot identity: its credentials, the single
// panel target it is bound to, and its authorization envelope.
type Identity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BotToken string `json:"bot_token"`
	APIKey   string `json:"api_key"`

	// Target is the panel type every job from this identity runs against.
	Target string `json:"target"`

	// Channel receives result fan-out in addition to the requester.
	Channel int64 `json:"channel"`
	// Targets are extra fan-out chat ids.
	Targets []int64 `json:"targets"`

	// AllowedOps empty means all operations are allowed.
	AllowedOps []string `json:"allowed_ops"`
	// AllowedPrincipals empty means any principal may use the identity.
	AllowedPrincipals []int64 `json:"allowed_principals"`

	Active    bool       `json:"active"`
	Rate      RateConfig `json:"rate"`
	Defaults  Defaults   `json:"defaults"`
	Schedules []Schedule `json:"schedules"`
}

func (id *Identity) allowsPrincipal(principal int64) bool {
	if len(id.AllowedPrincipals) == 0 {
		return true
	}
	for _, p := range id.AllowedPrincipals {
		if p == principal {
			return true
		}
	}
	return false
}

func (id *Identity) allowsOp(op string) bool {
	if len(id.AllowedOps) == 0 {
		return true
	}
	for _, o := range id.AllowedOps {
		if o == op {
			return true
		}
	}
	return false
}
