// Package telegram runs one Telegram bot per configured identity and
// translates chat commands into engine operations. It also implements
// the outbound notify.Sink, so result fan-out goes through the same
// per-identity bots.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"agentdesk/internal/broadcast"
	"agentdesk/internal/job"
	"agentdesk/internal/notify"
	"agentdesk/internal/router"
	"agentdesk/pkg/logx"
)

// Engine is the slice of the application the transport drives.
type Engine interface {
	// Execute routes, dispatches and fans out one operation. replyTo is
	// the chat the request came from (0 for scheduled jobs).
	Execute(ctx context.Context, identityID string, principal, replyTo int64, op string, args map[string]string) (job.Result, broadcast.Report, error)
	// CancelJob flags an in-flight job owned by the identity.
	CancelJob(identityID, jobID string) bool
	// StatusText renders the /status reply for one identity.
	StatusText(identityID string) string
}

type Config struct {
	PollTimeout time.Duration
	// ExecuteTimeout bounds one command end to end.
	ExecuteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 5 * time.Minute
	}
	return c
}

type botHandle struct {
	identity string
	token    string
	tb       *tele.Bot
}

// Service manages the per-identity bots.
type Service struct {
	cfg Config
	eng Engine
	log logx.Logger

	mu   sync.Mutex
	bots map[string]*botHandle
}

func New(cfg Config, eng Engine, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), eng: eng, log: log, bots: make(map[string]*botHandle)}
}

// Apply reconciles running bots against the identity snapshot: new
// identities get a bot, removed ones are stopped, token changes
// restart. Identities without a bot token are API-only and skipped.
func (s *Service) Apply(ids []*router.Identity) error {
	want := make(map[string]*router.Identity)
	for _, id := range ids {
		if id.Active && id.BotToken != "" {
			want[id.ID] = id
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, h := range s.bots {
		id, keep := want[key]
		if keep && id.BotToken == h.token {
			delete(want, key)
			continue
		}
		go h.tb.Stop()
		delete(s.bots, key)
		s.log.Info("bot stopped", logx.String("identity", key))
	}

	var firstErr error
	for key, id := range want {
		h, err := s.startBot(id)
		if err != nil {
			s.log.Error("bot start failed", logx.String("identity", key), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.bots[key] = h
		s.log.Info("bot started", logx.String("identity", key), logx.String("name", id.Name))
	}
	return firstErr
}

// Stop halts every bot.
func (s *Service) Stop() {
	s.mu.Lock()
	bots := s.bots
	s.bots = make(map[string]*botHandle)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range bots {
		wg.Add(1)
		go func(h *botHandle) {
			defer wg.Done()
			h.tb.Stop()
		}(h)
	}
	wg.Wait()
}

func (s *Service) startBot(id *router.Identity) (*botHandle, error) {
	tb, err := tele.NewBot(tele.Settings{
		Token:  id.BotToken,
		Poller: &tele.LongPoller{Timeout: s.cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}

	h := &botHandle{identity: id.ID, token: id.BotToken, tb: tb}
	tb.Handle(tele.OnText, func(c tele.Context) error {
		return s.handle(h, c)
	})
	go tb.Start()
	return h, nil
}

// handle processes one inbound message. Long-running operations block
// here; telebot runs each update in its own goroutine.
func (s *Service) handle(h *botHandle, c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}

	cmd, err := parseCommand(m.Text)
	if errors.Is(err, errNotCommand) {
		return nil
	}
	if err != nil {
		return c.Reply(err.Error())
	}

	switch cmd.op {
	case verbHelp:
		return c.Reply(helpText)
	case verbStatus:
		return c.Reply(s.eng.StatusText(h.identity), tele.ModeMarkdown)
	case verbCancel:
		if s.eng.CancelJob(h.identity, cmd.args["job_id"]) {
			return c.Reply("🛑 cancellation requested")
		}
		return c.Reply("job not found or already finished")
	}

	if err := c.Reply("⏳ on it..."); err != nil {
		s.log.Debug("ack reply failed", logx.Err(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecuteTimeout)
	defer cancel()

	_, _, err = s.eng.Execute(ctx, h.identity, m.Sender.ID, m.Chat.ID, cmd.op, cmd.args)
	if err != nil {
		return c.Reply(rejectionText(err))
	}
	// The result itself arrives through the broadcaster; nothing more
	// to say here.
	return nil
}

// rejectionText maps routing rejections to operator-friendly replies.
func rejectionText(err error) string {
	var re *router.Error
	if !errors.As(err, &re) {
		return "⚠️ " + err.Error()
	}
	switch re.Reason {
	case router.Unauthorized:
		return "🚫 you are not allowed to use this bot"
	case router.OperationNotAllowed:
		return "🚫 this operation is not enabled for this bot"
	case router.RateLimited:
		return "🐢 rate limit reached, try again shortly"
	case router.InvalidArguments:
		return "✏️ " + re.Message
	default:
		return "⚠️ " + re.Message
	}
}

// Send implements notify.Sink over the identity's own bot.
func (s *Service) Send(ctx context.Context, identityID string, t notify.Target, p notify.Payload) error {
	s.mu.Lock()
	h := s.bots[identityID]
	s.mu.Unlock()
	if h == nil {
		return fmt.Errorf("telegram: identity %q has no running bot", identityID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rcpt := tele.ChatID(t.ChatID)
	if p.ScreenshotPath != "" {
		photo := &tele.Photo{File: tele.FromDisk(p.ScreenshotPath), Caption: p.Text}
		_, err := h.tb.Send(rcpt, photo, tele.ModeMarkdown)
		if err == nil {
			return nil
		}
		// Fall back to text when the capture is gone or too large.
		if !strings.Contains(err.Error(), "context") {
			_, terr := h.tb.Send(rcpt, p.Text, tele.ModeMarkdown)
			return terr
		}
		return err
	}
	_, err := h.tb.Send(rcpt, p.Text, tele.ModeMarkdown)
	return err
}
