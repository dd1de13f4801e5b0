package telegram

import (
	"errors"
	"strings"

	"agentdesk/internal/job"
)

var errNotCommand = errors.New("not a command")

// command is one parsed bot command.
type command struct {
	// op is a job operation, or one of the local verbs below.
	op   string
	args map[string]string
}

// Local verbs handled by the transport itself.
const (
	verbStatus = "status"
	verbCancel = "cancel"
	verbHelp   = "help"
)

const helpText = `Commands:
/balance — agent balance on the panel
/signup <full name> [@username] — create a player account
/credit <username> <amount> — load funds
/debit <username> <amount> — pull funds
/status — pool and recent jobs
/cancel <job-id> — cancel a queued or retrying job
/help — this text`

// parseCommand turns a message like "/credit bob 50" into an operation
// and its arguments. Argument validation proper happens in the router;
// this only maps shapes.
func parseCommand(text string) (command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return command{}, errNotCommand
	}
	fields := strings.Fields(text)
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Strip the @botname suffix Telegram appends in groups.
	if i := strings.IndexByte(verb, '@'); i >= 0 {
		verb = verb[:i]
	}
	rest := fields[1:]

	switch verb {
	case "balance":
		return command{op: job.OpBalance}, nil
	case "signup":
		if len(rest) == 0 {
			return command{}, errors.New("usage: /signup <full name> [@username]")
		}
		args := map[string]string{}
		// An optional trailing @token requests a specific username;
		// everything else is the full name.
		if last := rest[len(rest)-1]; len(rest) >= 2 && strings.HasPrefix(last, "@") {
			args["username"] = strings.TrimPrefix(last, "@")
			rest = rest[:len(rest)-1]
		}
		args["full_name"] = strings.Join(rest, " ")
		return command{op: job.OpSignup, args: args}, nil
	case "credit", "debit":
		if len(rest) != 2 {
			return command{}, errors.New("usage: /" + verb + " <username> <amount>")
		}
		op := job.OpCredit
		if verb == "debit" {
			op = job.OpDebit
		}
		return command{op: op, args: map[string]string{"username": rest[0], "amount": rest[1]}}, nil
	case verbStatus:
		return command{op: verbStatus}, nil
	case verbCancel:
		if len(rest) != 1 {
			return command{}, errors.New("usage: /cancel <job-id>")
		}
		return command{op: verbCancel, args: map[string]string{"job_id": rest[0]}}, nil
	case verbHelp, "start":
		return command{op: verbHelp}, nil
	default:
		return command{}, errors.New("unknown command; try /help")
	}
}
