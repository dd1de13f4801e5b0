package broadcast

import (
	"fmt"
	"strings"
	"time"

	"agentdesk/internal/job"
	"agentdesk/internal/router"
)

// Format renders one result as Telegram Markdown. The same text goes
// to every target so requester and channel see identical facts.
func Format(res job.Result, id *router.Identity) string {
	name := res.Identity
	if id != nil && id.Name != "" {
		name = id.Name
	}

	var b strings.Builder
	if res.OK {
		fmt.Fprintf(&b, "✅ *%s* — %s succeeded\n", name, opTitle(res.Op))
	} else {
		fmt.Fprintf(&b, "❌ *%s* — %s failed\n", name, opTitle(res.Op))
	}
	fmt.Fprintf(&b, "Job: `%s`\n", res.JobID)

	switch {
	case res.Balance != nil:
		fmt.Fprintf(&b, "Balance: *%.2f*\n", *res.Balance)
	case res.Confirmation != nil:
		c := res.Confirmation
		if c.Username != "" {
			fmt.Fprintf(&b, "Account: `%s`\n", c.Username)
		}
		if c.Amount != 0 {
			fmt.Fprintf(&b, "Amount: *%.2f*\n", c.Amount)
		}
		if c.Ref != "" {
			fmt.Fprintf(&b, "Ref: `%s`\n", c.Ref)
		}
		if c.Message != "" {
			fmt.Fprintf(&b, "%s\n", c.Message)
		}
	}

	if !res.OK {
		fmt.Fprintf(&b, "Reason: %s (%s)\n", res.FailMessage, res.FailKind)
	}
	if res.Attempts > 1 {
		fmt.Fprintf(&b, "Attempts: %d\n", res.Attempts)
	}
	fmt.Fprintf(&b, "Took: %s", res.Duration.Round(10*time.Millisecond))
	return b.String()
}

func opTitle(op string) string {
	switch op {
	case job.OpBalance:
		return "balance check"
	case job.OpSignup:
		return "signup"
	case job.OpCredit:
		return "credit"
	case job.OpDebit:
		return "debit"
	default:
		return op
	}
}
