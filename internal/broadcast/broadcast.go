// Package broadcast fans a job result out to every configured
// destination for the owning identity. Deliveries are independent: one
// failing chat never blocks or fails the others, and the caller gets a
// per-target report rather than a single collapsed error.
package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agentdesk/internal/job"
	"agentdesk/internal/notify"
	"agentdesk/internal/router"
	"agentdesk/pkg/logx"
)

// Delivery is the outcome for one target.
type Delivery struct {
	Target notify.Target `json:"target"`
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
}

// Report collects per-target outcomes for one broadcast.
type Report struct {
	JobID      string     `json:"job_id"`
	Deliveries []Delivery `json:"deliveries"`
}

// Failed returns the targets that did not receive the result.
func (r Report) Failed() []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries {
		if !d.OK {
			out = append(out, d)
		}
	}
	return out
}

// Config tunes delivery behavior.
type Config struct {
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
	// Retries is extra attempts per target.
	Retries    int
	RetryDelay time.Duration
	// PerSecond throttles outbound sends across all targets. Telegram
	// rejects bursts well below 30 msg/s.
	PerSecond float64
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.PerSecond <= 0 {
		c.PerSecond = 20
	}
	return c
}

// Service is the broadcaster.
type Service struct {
	cfg     Config
	sink    notify.Sink
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, sink notify.Sink, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sink:    sink,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), 1),
	}
}

// Targets resolves the fan-out set for one result: the requesting
// principal first, then the identity's channel, then its extra chats.
// Duplicates are dropped, order is preserved.
func Targets(id *router.Identity, requester int64) []notify.Target {
	var out []notify.Target
	seen := make(map[int64]struct{})
	add := func(chat int64, label string) {
		if chat == 0 {
			return
		}
		if _, dup := seen[chat]; dup {
			return
		}
		seen[chat] = struct{}{}
		out = append(out, notify.Target{ChatID: chat, Label: label})
	}
	add(requester, "requester")
	if id != nil {
		add(id.Channel, "channel")
		for _, t := range id.Targets {
			add(t, "extra")
		}
	}
	return out
}

// Broadcast renders the result once and delivers it to every target
// concurrently. It always returns a full report; it never returns
// early on a failed target.
func (s *Service) Broadcast(ctx context.Context, res job.Result, id *router.Identity, requester int64) Report {
	targets := Targets(id, requester)
	rep := Report{JobID: res.JobID, Deliveries: make([]Delivery, len(targets))}
	if len(targets) == 0 {
		return rep
	}

	payload := notify.Payload{Text: Format(res, id)}
	if res.Screenshot != "" {
		payload.ScreenshotPath = res.Screenshot
	}

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t notify.Target) {
			defer wg.Done()
			rep.Deliveries[i] = s.deliver(ctx, res.Identity, t, payload)
		}(i, t)
	}
	wg.Wait()

	if failed := rep.Failed(); len(failed) > 0 {
		s.log.Warn("broadcast partially failed",
			logx.String("job", res.JobID),
			logx.Int("targets", len(targets)),
			logx.Int("failed", len(failed)))
	}
	return rep
}

func (s *Service) deliver(ctx context.Context, identityID string, t notify.Target, p notify.Payload) Delivery {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Delivery{Target: t, Error: ctx.Err().Error()}
			case <-time.After(s.cfg.RetryDelay):
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return Delivery{Target: t, Error: err.Error()}
		}

		sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.sink.Send(sctx, identityID, t, p)
		cancel()
		if err == nil {
			return Delivery{Target: t, OK: true}
		}
		lastErr = err
		s.log.Debug("delivery attempt failed",
			logx.Int64("chat", t.ChatID), logx.Int("attempt", attempt+1), logx.Err(err))
	}
	return Delivery{Target: t, Error: lastErr.Error()}
}
