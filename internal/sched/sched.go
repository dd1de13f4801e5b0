// Package sched runs per-identity recurring jobs (balance sweeps and
// the like) on cron schedules from the identity config. Scheduled jobs
// go through the same authorization and dispatch path as interactive
// ones, with principal 0.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentdesk/internal/broadcast"
	"agentdesk/internal/job"
	"agentdesk/internal/router"
	"agentdesk/pkg/logx"
)

// Runner executes one operation end to end: route, dispatch, fan out.
// Scheduled runs have no principal and no reply chat.
type Runner interface {
	Execute(ctx context.Context, identityID string, principal, replyTo int64, op string, args map[string]string) (job.Result, broadcast.Report, error)
}

// runTimeout bounds one scheduled run end to end, retries included.
const runTimeout = 5 * time.Minute

// Service owns the cron runner. Apply swaps the full schedule set; the
// cron instance is rebuilt so removed schedules stop firing.
type Service struct {
	run Runner
	log logx.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(run Runner, log logx.Logger) *Service {
	return &Service{run: run, log: log}
}

// Apply installs the schedules for the given identity snapshot. Safe to
// call on every config reload.
func (s *Service) Apply(ids []*router.Identity) error {
	c := cron.New()
	count := 0
	for _, id := range ids {
		if !id.Active {
			continue
		}
		for _, sc := range id.Schedules {
			identityID, schedule := id.ID, sc
			_, err := c.AddFunc(sc.Spec, func() { s.fire(identityID, schedule) })
			if err != nil {
				return fmt.Errorf("sched: identity %q schedule %q: %w", id.ID, sc.Name, err)
			}
			count++
		}
	}

	s.mu.Lock()
	old := s.cron
	s.cron = c
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	c.Start()
	s.log.Info("schedules applied", logx.Int("count", count))
	return nil
}

// Stop halts the cron runner and waits for running jobs to return.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Service) fire(identityID string, sc router.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	log := s.log.With(
		logx.String("identity", identityID),
		logx.String("schedule", sc.Name),
		logx.String("op", sc.Op),
	)
	log.Debug("scheduled job firing")

	res, _, err := s.run.Execute(ctx, identityID, 0, 0, sc.Op, sc.Args)
	switch {
	case err != nil:
		log.Warn("scheduled job rejected", logx.Err(err))
	case !res.OK:
		log.Warn("scheduled job failed",
			logx.String("job", res.JobID),
			logx.String("kind", string(res.FailKind)),
			logx.String("err", res.FailMessage))
	default:
		log.Debug("scheduled job done", logx.String("job", res.JobID), logx.Duration("dur", res.Duration))
	}
}
