package panda

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"agentdesk/internal/driver"
	"agentdesk/pkg/logx"
)

var apiClient = &http.Client{Timeout: 10 * time.Second}

// Balance fetches the agent balance through the panel's service API.
// It is much cheaper than scraping the dashboard, which also makes it
// the health probe the session pool runs before every reuse.
func (d *Driver) Balance(ctx context.Context) (float64, error) {
	if d.cfg.BalanceURL == "" {
		return 0, driver.Fatalf("panel has no balance endpoint configured")
	}

	params := url.Values{
		"action":      {"agentLogin"},
		"agentName":   {d.cfg.Username},
		"agentPasswd": {md5hex(d.cfg.Password)},
		"time":        {strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BalanceURL+"?"+params.Encode(), nil)
	if err != nil {
		return 0, driver.Wrap(driver.Fatal, err, "bad balance request")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return 0, driver.Wrap(driver.Transient, err, "balance endpoint unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, driver.Transientf("balance endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Code    string      `json:"code"`
		Balance json.Number `json:"balance"`
		Msg     string      `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, driver.Wrap(driver.Transient, err, "balance response not parseable")
	}
	if body.Code != "200" {
		return 0, driver.Fatalf("agent login rejected: %s", body.Msg)
	}
	v, err := body.Balance.Float64()
	if err != nil {
		return 0, driver.Wrap(driver.Fatal, err, "balance not numeric")
	}
	return v, nil
}

// Signup creates a player account. When username is empty one is
// derived from the full name; the generated password equals the
// username and is handed back in the confirmation.
func (d *Driver) Signup(ctx context.Context, fullName, username string) (driver.Confirmation, error) {
	var zero driver.Confirmation
	if username == "" {
		username = generateUsername(fullName)
	}
	password := username
	nickname := strings.ReplaceAll(fullName, " ", "")
	if len(nickname) > 10 {
		nickname = nickname[:10]
	}

	if err := d.openPanel(ctx, "Create Player"); err != nil {
		return zero, err
	}
	frame, err := d.nestedFrame(ctx)
	if err != nil {
		return zero, err
	}

	sctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()
	err = d.run(sctx,
		chromedp.WaitVisible("#txtAccount", chromedp.ByQuery, chromedp.FromNode(frame)),
		chromedp.SetValue("#txtAccount", username, chromedp.ByQuery, chromedp.FromNode(frame)),
		chromedp.SetValue("#txtNickName", nickname, chromedp.ByQuery, chromedp.FromNode(frame)),
		chromedp.SetValue("#txtLogonPass", password, chromedp.ByQuery, chromedp.FromNode(frame)),
		chromedp.SetValue("#txtLogonPass2", password, chromedp.ByQuery, chromedp.FromNode(frame)),
		chromedp.Click("Create Player", chromedp.BySearch, chromedp.FromNode(frame)),
	)
	if err != nil {
		return zero, d.failf(driver.Transient, err, "signup form failed")
	}

	msg := d.readMsgBox(ctx)
	if !strings.Contains(msg, "Added successfully") {
		return zero, d.failf(driver.Fatal, nil, "signup rejected: %s", orUnknown(msg))
	}
	d.log.Info("player created", logx.String("username", username))
	return driver.Confirmation{
		Username: username,
		Message:  fmt.Sprintf("%s (password: %s)", msg, password),
	}, nil
}

// Credit loads funds onto a player account.
func (d *Driver) Credit(ctx context.Context, username string, amount float64) (driver.Confirmation, error) {
	return d.transact(ctx, username, amount, "Recharge")
}

// Debit pulls funds off a player account.
func (d *Driver) Debit(ctx context.Context, username string, amount float64) (driver.Confirmation, error) {
	return d.transact(ctx, username, amount, "Redeem")
}

func (d *Driver) transact(ctx context.Context, username string, amount float64, action string) (driver.Confirmation, error) {
	var zero driver.Confirmation
	if amount < 0 {
		amount = -amount
	}

	found, err := d.findPlayer(ctx, username)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, driver.Fatalf("player %q not found on panel", username)
	}

	if err := d.openPanel(ctx, action); err != nil {
		return zero, err
	}
	frame, err := d.nestedFrame(ctx)
	if err != nil {
		return zero, err
	}

	sctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()
	err = d.run(sctx,
		chromedp.WaitVisible("#txtAddGold", chromedp.ByQuery, chromedp.FromNode(frame)),
		chromedp.SetValue("#txtAddGold", strconv.FormatFloat(amount, 'f', -1, 64), chromedp.ByQuery, chromedp.FromNode(frame)),
		chromedp.SetValue("#txtReason", "bot transaction", chromedp.ByQuery, chromedp.FromNode(frame)),
		chromedp.Click(action, chromedp.BySearch, chromedp.FromNode(frame)),
	)
	if err != nil {
		return zero, d.failf(driver.Transient, err, "%s form failed", strings.ToLower(action))
	}

	msg := d.readMsgBox(ctx)
	if !strings.Contains(msg, "Confirmed successful") {
		return zero, d.failf(driver.Fatal, nil, "%s rejected: %s", strings.ToLower(action), orUnknown(msg))
	}
	d.log.Info("transaction confirmed",
		logx.String("action", strings.ToLower(action)),
		logx.String("username", username),
		logx.Float64("amount", amount))
	return driver.Confirmation{Username: username, Amount: amount, Message: msg}, nil
}

// openPanel navigates back to the dashboard and opens one of its menu
// panels by link text.
func (d *Driver) openPanel(ctx context.Context, linkText string) error {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()

	err := d.run(sctx,
		chromedp.Navigate(d.cfg.BaseURL+dashboardPath),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return d.failf(driver.Transient, err, "dashboard not reachable")
	}
	d.dismissAlert(ctx)

	cctx, ccancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer ccancel()
	if err := d.run(cctx, chromedp.Click(linkText, chromedp.BySearch)); err != nil {
		return d.failf(driver.Transient, err, "panel link %q not found", linkText)
	}
	return nil
}

// nestedFrame locates the panel's working iframe. The panel stacks its
// forms in the fourth iframe of the page.
func (d *Driver) nestedFrame(ctx context.Context) (*cdp.Node, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()

	var nodes []*cdp.Node
	if err := d.run(sctx, chromedp.Nodes("iframe", &nodes, chromedp.ByQueryAll)); err != nil {
		return nil, d.failf(driver.Transient, err, "panel frames not enumerable")
	}
	if len(nodes) < 4 {
		return nil, d.failf(driver.Transient, nil, "panel frame not ready (%d frames)", len(nodes))
	}
	return nodes[3], nil
}

// findPlayer searches the player table inside the main content frame.
// The frame is same-origin, so a direct DOM walk is simpler and more
// robust than frame-hopping.
func (d *Driver) findPlayer(ctx context.Context, username string) (bool, error) {
	want := strings.ToLower(strings.TrimSpace(username))

	sctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()

	script := fmt.Sprintf(`(() => {
		const doc = document.getElementById('frm_main_content').contentWindow.document;
		const input = doc.querySelector('%s');
		if (!input) return [];
		return Array.from(doc.querySelectorAll('#item tbody tr td:nth-child(3)'))
			.slice(0, 5)
			.map(td => td.textContent.trim().toLowerCase());
	})()`, selSearchInput)

	err := d.run(sctx,
		chromedp.Navigate(d.cfg.BaseURL+dashboardPath),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.SetValue(selSearchInput, want, chromedp.BySearch),
		chromedp.Click("Search", chromedp.BySearch),
		chromedp.Sleep(500*time.Millisecond),
	)
	if err != nil {
		return false, d.failf(driver.Transient, err, "player search failed")
	}

	var names []string
	vctx, vcancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer vcancel()
	if err := d.run(vctx, chromedp.Evaluate(script, &names)); err != nil {
		return false, d.failf(driver.Transient, err, "player table not readable")
	}
	for _, n := range names {
		if n == want {
			return true, nil
		}
	}
	return false, nil
}

// generateUsername derives a panel username from a player's full name:
// a short prefix from their initials padded with digits to seven chars.
func generateUsername(fullName string) string {
	parts := strings.Fields(strings.ToLower(fullName))
	base := "pmuser"
	if len(parts) > 0 {
		base = fmt.Sprintf("pm%c%c", parts[0][0], parts[len(parts)-1][0])
	}
	if len(base) > 5 {
		base = base[:5]
	}
	u := fmt.Sprintf("%s%03d", base, rand.Intn(1000))
	for len(u) < 7 {
		u += strconv.Itoa(rand.Intn(10))
	}
	return u
}

func md5hex(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

func orUnknown(msg string) string {
	if msg == "" {
		return "no panel response"
	}
	return msg
}
