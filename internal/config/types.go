// Package config loads and watches the engine's configuration file.
// JSON and YAML are both accepted; YAML is coerced to JSON so one
// strict decoder (DisallowUnknownFields) covers both. Durations are
// written as strings ("30s", "2m") and parsed at conversion time.
package config

import (
	"fmt"
	"strings"
	"time"

	"agentdesk/internal/broadcast"
	"agentdesk/internal/dispatch"
	"agentdesk/internal/driver/panda"
	"agentdesk/internal/pool"
	"agentdesk/internal/router"
	"agentdesk/internal/storage"
	"agentdesk/pkg/logx"
)

type Config struct {
	Logging    LoggingConfig           `json:"logging"`
	Pool       PoolConfig              `json:"pool"`
	Dispatcher DispatcherConfig        `json:"dispatcher"`
	Broadcast  BroadcastConfig         `json:"broadcast"`
	API        APIConfig               `json:"api"`
	Storage    StorageConfig           `json:"storage"`
	Targets    map[string]TargetConfig `json:"targets"`
	Identities []IdentityConfig        `json:"identities"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    string `json:"file"`
}

type PoolConfig struct {
	GlobalMax        int    `json:"global_max"`
	DefaultPerTarget int    `json:"default_per_target"`
	AcquireTimeout   string `json:"acquire_timeout"`
	ProbeTimeout     string `json:"probe_timeout"`
	ReleaseTimeout   string `json:"release_timeout"`
}

type DispatcherConfig struct {
	Workers             int     `json:"workers"`
	QueueSize           int     `json:"queue_size"`
	MaxRetries          int     `json:"max_retries"`
	RetryBase           string  `json:"retry_base"`
	RetryMaxDelay       string  `json:"retry_max_delay"`
	RetryJitter         float64 `json:"retry_jitter"`
	DefaultTimeout      string  `json:"default_timeout"`
	AcquireTimeout      string  `json:"acquire_timeout"`
	HistorySize         int     `json:"history_size"`
	CircuitTripFailures int     `json:"circuit_trip_failures"`
	CircuitBaseDelay    string  `json:"circuit_base_delay"`
	CircuitMaxDelay     string  `json:"circuit_max_delay"`
	CircuitResetAfter   string  `json:"circuit_reset_after"`
}

type BroadcastConfig struct {
	SendTimeout string  `json:"send_timeout"`
	Retries     int     `json:"retries"`
	RetryDelay  string  `json:"retry_delay"`
	PerSecond   float64 `json:"per_second"`
}

// APIConfig configures the HTTP surface. Empty Listen disables it.
type APIConfig struct {
	Listen          string `json:"listen"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// TargetConfig describes one game panel.
type TargetConfig struct {
	BaseURL        string   `json:"base_url"`
	BalanceURL     string   `json:"balance_url"`
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	Headless       *bool    `json:"headless"`
	ScreenshotDir  string   `json:"screenshot_dir"`
	LoginRetries   int      `json:"login_retries"`
	StepTimeout    string   `json:"step_timeout"`
	MaxSessions    int      `json:"max_sessions"`
	TransientMatch []string `json:"transient_match"`
}

type RateConfigRaw struct {
	Cap          int    `json:"cap"`
	Window       string `json:"window"`
	PrincipalCap int    `json:"principal_cap"`
}

type DefaultsRaw struct {
	Timeout    string `json:"timeout"`
	Screenshot bool   `json:"screenshot"`
}

type ScheduleRaw struct {
	Name string            `json:"name"`
	Spec string            `json:"spec"`
	Op   string            `json:"op"`
	Args map[string]string `json:"args"`
}

type IdentityConfig struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	BotToken          string        `json:"bot_token"`
	APIKey            string        `json:"api_key"`
	Target            string        `json:"target"`
	Channel           int64         `json:"channel"`
	Targets           []int64       `json:"targets"`
	AllowedOps        []string      `json:"allowed_ops"`
	AllowedPrincipals []int64       `json:"allowed_principals"`
	Disabled          bool          `json:"disabled"`
	Rate              RateConfigRaw `json:"rate"`
	Defaults          DefaultsRaw   `json:"defaults"`
	Schedules         []ScheduleRaw `json:"schedules"`
}

// Validate cross-checks the document before it is committed.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("config: no targets configured")
	}
	for name, t := range c.Targets {
		if strings.TrimSpace(t.BaseURL) == "" {
			return fmt.Errorf("config: target %q has no base_url", name)
		}
		if t.Username == "" || t.Password == "" {
			return fmt.Errorf("config: target %q has no panel credentials", name)
		}
	}
	if len(c.Identities) == 0 {
		return fmt.Errorf("config: no identities configured")
	}
	seen := map[string]bool{}
	for i, id := range c.Identities {
		if id.ID == "" {
			return fmt.Errorf("config: identities[%d] has no id", i)
		}
		if seen[id.ID] {
			return fmt.Errorf("config: duplicate identity %q", id.ID)
		}
		seen[id.ID] = true
		if _, ok := c.Targets[id.Target]; !ok {
			return fmt.Errorf("config: identity %q references unknown target %q", id.ID, id.Target)
		}
		if id.BotToken == "" && id.APIKey == "" {
			return fmt.Errorf("config: identity %q has neither bot_token nor api_key", id.ID)
		}
	}
	// Parse all duration fields once so a typo fails at load, not at use.
	if _, err := c.PoolSettings(); err != nil {
		return err
	}
	if _, err := c.DispatchSettings(); err != nil {
		return err
	}
	if _, err := c.BroadcastSettings(); err != nil {
		return err
	}
	if _, err := c.RouterIdentities(); err != nil {
		return err
	}
	if _, err := c.StorageSettings(); err != nil {
		return err
	}
	return nil
}

func (c *Config) LogSettings() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File != "", Path: c.Logging.File},
	}
}

func (c *Config) PoolSettings() (pool.Config, error) {
	acquire, err := ParseDurationField("pool.acquire_timeout", c.Pool.AcquireTimeout)
	if err != nil {
		return pool.Config{}, err
	}
	probe, err := ParseDurationField("pool.probe_timeout", c.Pool.ProbeTimeout)
	if err != nil {
		return pool.Config{}, err
	}
	release, err := ParseDurationField("pool.release_timeout", c.Pool.ReleaseTimeout)
	if err != nil {
		return pool.Config{}, err
	}
	perTarget := make(map[string]int)
	for name, t := range c.Targets {
		if t.MaxSessions > 0 {
			perTarget[name] = t.MaxSessions
		}
	}
	return pool.Config{
		GlobalMax:        c.Pool.GlobalMax,
		DefaultPerTarget: c.Pool.DefaultPerTarget,
		PerTarget:        perTarget,
		AcquireTimeout:   acquire,
		ProbeTimeout:     probe,
		ReleaseTimeout:   release,
	}, nil
}

func (c *Config) DispatchSettings() (dispatch.Config, error) {
	d := c.Dispatcher
	out := dispatch.Config{
		Workers:             d.Workers,
		QueueSize:           d.QueueSize,
		MaxRetries:          d.MaxRetries,
		RetryJitter:         d.RetryJitter,
		HistorySize:         d.HistorySize,
		CircuitTripFailures: d.CircuitTripFailures,
	}

	var err error
	parse := func(path, raw string, dst *time.Duration) {
		if err != nil {
			return
		}
		*dst, err = ParseDurationField(path, raw)
	}
	parse("dispatcher.retry_base", d.RetryBase, &out.RetryBase)
	parse("dispatcher.retry_max_delay", d.RetryMaxDelay, &out.RetryMaxDelay)
	parse("dispatcher.default_timeout", d.DefaultTimeout, &out.DefaultTimeout)
	parse("dispatcher.acquire_timeout", d.AcquireTimeout, &out.AcquireTimeout)
	parse("dispatcher.circuit_base_delay", d.CircuitBaseDelay, &out.CircuitBaseDelay)
	parse("dispatcher.circuit_max_delay", d.CircuitMaxDelay, &out.CircuitMaxDelay)
	parse("dispatcher.circuit_reset_after", d.CircuitResetAfter, &out.CircuitResetAfter)
	if err != nil {
		return dispatch.Config{}, err
	}

	out.TransientMatch = make(map[string][]string)
	for name, t := range c.Targets {
		if len(t.TransientMatch) > 0 {
			out.TransientMatch[name] = t.TransientMatch
		}
	}
	return out, nil
}

func (c *Config) BroadcastSettings() (broadcast.Config, error) {
	send, err := ParseDurationField("broadcast.send_timeout", c.Broadcast.SendTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	delay, err := ParseDurationField("broadcast.retry_delay", c.Broadcast.RetryDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		SendTimeout: send,
		Retries:     c.Broadcast.Retries,
		RetryDelay:  delay,
		PerSecond:   c.Broadcast.PerSecond,
	}, nil
}

func (c *Config) StorageSettings() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Storage.Driver, Path: c.Storage.Path, BusyTimeout: busy}, nil
}

// PandaSettings converts one target block into a panda driver config.
func (t TargetConfig) PandaSettings() (panda.Config, error) {
	step, err := ParseDurationField("targets.step_timeout", t.StepTimeout)
	if err != nil {
		return panda.Config{}, err
	}
	headless := true
	if t.Headless != nil {
		headless = *t.Headless
	}
	return panda.Config{
		BaseURL:       strings.TrimRight(t.BaseURL, "/"),
		BalanceURL:    t.BalanceURL,
		Username:      t.Username,
		Password:      t.Password,
		Headless:      headless,
		ScreenshotDir: t.ScreenshotDir,
		LoginRetries:  t.LoginRetries,
		StepTimeout:   step,
	}, nil
}

// RouterIdentities converts the identity blocks into the router's
// runtime form.
func (c *Config) RouterIdentities() ([]router.Identity, error) {
	out := make([]router.Identity, 0, len(c.Identities))
	for _, ic := range c.Identities {
		window, err := ParseDurationOrDefault(
			fmt.Sprintf("identities[%s].rate.window", ic.ID), ic.Rate.Window, time.Minute)
		if err != nil {
			return nil, err
		}
		timeout, err := ParseDurationField(
			fmt.Sprintf("identities[%s].defaults.timeout", ic.ID), ic.Defaults.Timeout)
		if err != nil {
			return nil, err
		}

		id := router.Identity{
			ID:                ic.ID,
			Name:              ic.Name,
			BotToken:          ic.BotToken,
			APIKey:            ic.APIKey,
			Target:            ic.Target,
			Channel:           ic.Channel,
			Targets:           ic.Targets,
			AllowedOps:        ic.AllowedOps,
			AllowedPrincipals: ic.AllowedPrincipals,
			Active:            !ic.Disabled,
			Rate: router.RateConfig{
				Cap:          ic.Rate.Cap,
				Window:       window,
				PrincipalCap: ic.Rate.PrincipalCap,
			},
			Defaults: router.Defaults{Timeout: timeout, Screenshot: ic.Defaults.Screenshot},
		}
		for _, s := range ic.Schedules {
			if s.Spec == "" || s.Op == "" {
				return nil, fmt.Errorf("config: identity %q schedule %q needs spec and op", ic.ID, s.Name)
			}
			id.Schedules = append(id.Schedules, router.Schedule{
				Name: s.Name, Spec: s.Spec, Op: s.Op, Args: s.Args,
			})
		}
		out = append(out, id)
	}
	return out, nil
}
