// Package panda drives a PandaMaster-style agent panel through headless
// Chrome. One Driver owns one Chrome process with one logged-in panel
// session; the pool decides how many exist and who uses them.
package panda

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"agentdesk/internal/driver"
	"agentdesk/pkg/logx"
)

// CaptchaSolver turns a captcha image into its text. The panel shows a
// captcha on every login; without a solver the driver cannot build a
// session for panels that require one.
type CaptchaSolver interface {
	Solve(ctx context.Context, png []byte) (string, error)
}

// Config holds per-panel settings.
type Config struct {
	BaseURL string `json:"base_url"`
	// BalanceURL is the panel's agent API endpoint; balance checks go
	// through it directly instead of scraping the dashboard.
	BalanceURL string `json:"balance_url"`
	Username   string `json:"username"`
	Password   string `json:"password"`

	Headless      bool   `json:"headless"`
	ScreenshotDir string `json:"screenshot_dir"`

	// LoginRetries is attempts per New call; captcha solving is flaky.
	LoginRetries int           `json:"login_retries"`
	StepTimeout  time.Duration `json:"step_timeout"`

	Solver CaptchaSolver `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.LoginRetries <= 0 {
		c.LoginRetries = 2
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Second
	}
	return c
}

// Panel page paths.
const (
	loginPath     = "/default.aspx"
	dashboardPath = "/Store.aspx"
)

// Panel element selectors.
const (
	selLoginUser   = "#txtLoginName"
	selLoginPass   = "#txtLoginPass"
	selCaptchaIn   = "#txtVerifyCode"
	selCaptchaImg  = "#ImageCheck"
	selLoginBtn    = "#btnLogin"
	selMsgBox      = "#mb_msg"
	selMsgOK       = "#mb_btn_ok"
	selAlertOK     = "#customAlert > div:nth-child(2) > button"
	selSearchInput = "#txtSearch"
)

// Driver is one live panel session.
type Driver struct {
	cfg Config
	log logx.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// Register binds a panel target to the driver registry.
func Register(reg *driver.Registry, target string, cfg Config, log logx.Logger) error {
	return reg.Register(target, func(ctx context.Context) (driver.Driver, error) {
		d, err := New(ctx, cfg, log.With(logx.String("target", target)))
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// New spawns Chrome and logs into the panel. The returned driver is
// ready for operations; callers own it until Release.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Driver, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, driver.Fatalf("panel credentials not configured")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("incognito", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	// Chrome's lifetime is bound to the driver, not to the acquire ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	d := &Driver{
		cfg:           cfg,
		log:           log,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	if err := d.login(ctx); err != nil {
		d.teardown()
		return nil, err
	}
	return d, nil
}

// Release quits Chrome. Safe to call more than once.
func (d *Driver) Release(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.teardown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) teardown() {
	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
}

// run executes chromedp actions against the session's browser, bounded
// by both the caller's ctx and the per-step timeout.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := mergeContext(d.browserCtx, ctx)
	defer cancel()
	return chromedp.Run(rctx, actions...)
}

// login fills the form, solves the captcha when the panel shows one,
// and waits for the dashboard.
func (d *Driver) login(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.LoginRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return driver.Wrap(driver.Transient, ctx.Err(), "login interrupted")
			case <-time.After(time.Second):
			}
		}
		if err := d.loginOnce(ctx); err != nil {
			lastErr = err
			d.log.Warn("panel login attempt failed", logx.Int("attempt", attempt), logx.Err(err))
			continue
		}
		d.log.Info("panel login ok", logx.String("agent", d.cfg.Username))
		return nil
	}
	return lastErr
}

func (d *Driver) loginOnce(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()

	err := d.run(sctx,
		chromedp.Navigate(d.cfg.BaseURL+loginPath),
		chromedp.WaitVisible(selLoginUser, chromedp.ByQuery),
		chromedp.SetValue(selLoginUser, d.cfg.Username, chromedp.ByQuery),
		chromedp.SetValue(selLoginPass, d.cfg.Password, chromedp.ByQuery),
	)
	if err != nil {
		return driver.Wrap(driver.Transient, err, "login form not reachable")
	}

	if code, err := d.solveCaptcha(ctx); err != nil {
		return err
	} else if code != "" {
		cctx, ccancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
		err = d.run(cctx, chromedp.SetValue(selCaptchaIn, code, chromedp.ByQuery))
		ccancel()
		if err != nil {
			return driver.Wrap(driver.Transient, err, "captcha input rejected")
		}
	}

	lctx, lcancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer lcancel()
	var loc string
	err = d.run(lctx,
		chromedp.Click(selLoginBtn, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Location(&loc),
	)
	if err != nil {
		return driver.Wrap(driver.Transient, err, "login submit failed")
	}

	if msg := d.readMsgBox(ctx); msg != "" && strings.Contains(strings.ToLower(msg), "incorrect") {
		if strings.Contains(strings.ToLower(msg), "password") {
			return driver.Fatalf("panel rejected credentials: %s", msg)
		}
		// Incorrect captcha: retryable.
		return driver.Transientf("login rejected: %s", msg)
	}

	wctx, wcancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer wcancel()
	if err := d.run(wctx, waitLocation(d.cfg.BaseURL+dashboardPath)); err != nil {
		return driver.Wrap(driver.Transient, err, "dashboard did not load")
	}
	d.dismissAlert(ctx)
	return nil
}

// solveCaptcha returns the solved code, or "" when the login page has
// no captcha.
func (d *Driver) solveCaptcha(ctx context.Context) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var img []byte
	if err := d.run(pctx, chromedp.Screenshot(selCaptchaImg, &img, chromedp.ByQuery)); err != nil {
		return "", nil // no captcha on this panel
	}
	if d.cfg.Solver == nil {
		return "", driver.Fatalf("panel requires captcha but no solver is configured")
	}
	code, err := d.cfg.Solver.Solve(ctx, img)
	if err != nil {
		return "", driver.Wrap(driver.Transient, err, "captcha solve failed")
	}
	return code, nil
}

// readMsgBox returns the panel's modal message text, or "".
func (d *Driver) readMsgBox(ctx context.Context) string {
	mctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var msg string
	if err := d.run(mctx, chromedp.Text(selMsgBox, &msg, chromedp.ByQuery)); err != nil {
		return ""
	}
	dctx, dcancel := context.WithTimeout(ctx, time.Second)
	_ = d.run(dctx, chromedp.Click(selMsgOK, chromedp.ByQuery))
	dcancel()
	return strings.TrimSpace(msg)
}

// dismissAlert closes the post-login announcement popup if present.
func (d *Driver) dismissAlert(ctx context.Context) {
	actx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = d.run(actx, chromedp.Click(selAlertOK, chromedp.ByQuery))
}

// capture saves a full-page screenshot for diagnostics and returns its
// path, or "" when capture is disabled or fails.
func (d *Driver) capture(tag string) string {
	if d.cfg.ScreenshotDir == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(d.browserCtx, 5*time.Second)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, 80)); err != nil {
		d.log.Debug("screenshot capture failed", logx.Err(err))
		return ""
	}
	name := fmt.Sprintf("%s-%s.png", tag, time.Now().Format("20060102-150405.000"))
	path := filepath.Join(d.cfg.ScreenshotDir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		d.log.Debug("screenshot write failed", logx.Err(err))
		return ""
	}
	return path
}

// failf builds a classified error with a diagnostic screenshot attached.
func (d *Driver) failf(kind driver.ErrorKind, cause error, format string, args ...any) error {
	e := driver.Wrap(kind, cause, fmt.Sprintf(format, args...))
	e.Screenshot = d.capture("fail")
	return e
}

// waitLocation polls until the page URL matches want.
func waitLocation(want string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for {
			var loc string
			if err := chromedp.Location(&loc).Do(ctx); err != nil {
				return err
			}
			if strings.EqualFold(strings.TrimRight(loc, "/"), strings.TrimRight(want, "/")) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}
	})
}

// mergeContext derives from the browser context but stops when either
// parent ends, so one slow operation cannot outlive its job.
func mergeContext(browser, op context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(browser)
	stop := context.AfterFunc(op, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
