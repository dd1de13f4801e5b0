package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentdesk/internal/broadcast"
	"agentdesk/internal/job"
	"agentdesk/internal/storage"
	"agentdesk/pkg/logx"
)

// Execute is the single path every transport and the scheduler use:
// authorize, dispatch to a terminal result, fan the result out, audit.
// Routing rejections return an error and no job ever exists; a job that
// ran always comes back as a Result, failed or not.
func (a *App) Execute(ctx context.Context, identityID string, principal, replyTo int64, op string, args map[string]string) (job.Result, broadcast.Report, error) {
	// Capture the identity alongside the job so a concurrent reload
	// cannot change the fan-out set mid-flight.
	id := a.rt.Identity(identityID)

	j, err := a.rt.Route(identityID, principal, op, args)
	if err != nil {
		a.log.Debug("request rejected",
			logx.String("identity", identityID), logx.Int64("principal", principal),
			logx.String("op", op), logx.Err(err))
		return job.Result{}, broadcast.Report{}, err
	}

	res := a.disp.Submit(ctx, j)

	// Fan-out and audit run on their own clock: the caller's deadline
	// may already be spent, and the result must still reach the channel.
	bctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rep := a.bcast.Broadcast(bctx, res, id, replyTo)
	for _, d := range rep.Deliveries {
		a.collector.ObserveDelivery(d.OK)
	}

	if a.store != nil {
		if err := a.store.AppendJob(bctx, storage.Record(res, principal)); err != nil {
			a.log.Warn("audit append failed", logx.String("job", res.JobID), logx.Err(err))
		}
	}
	return res, rep, nil
}

// CancelJob flags an in-flight job, but only for the identity that owns
// it.
func (a *App) CancelJob(identityID, jobID string) bool {
	j := a.disp.Job(jobID)
	if j == nil || j.Identity != identityID {
		return false
	}
	return a.disp.Cancel(jobID)
}

// StatusText renders the /status reply: pool occupancy for the
// identity's target plus its recent jobs.
func (a *App) StatusText(identityID string) string {
	id := a.rt.Identity(identityID)
	if id == nil {
		return "identity not configured"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* → `%s`\n", id.Name, id.Target)

	for _, st := range a.pool.Snapshot() {
		if st.Target != id.Target {
			continue
		}
		fmt.Fprintf(&b, "Sessions: %d/%d (%d idle, %d waiting)\n",
			st.Total, st.Cap, st.Idle, st.Waiters)
	}

	ds := a.disp.Snapshot()
	fmt.Fprintf(&b, "Dispatcher: %d running, %d queued\n", ds.InFlight, ds.QueueDepth)
	if ds.CircuitsOpen > 0 {
		fmt.Fprintf(&b, "⚠️ %d target circuit(s) open\n", ds.CircuitsOpen)
	}

	items := a.disp.History(0)
	printed := 0
	for i := len(items) - 1; i >= 0 && printed < 5; i-- {
		h := items[i]
		if h.Identity != identityID {
			continue
		}
		if printed == 0 {
			b.WriteString("\nRecent:\n")
		}
		mark := "✅"
		if !h.OK {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s `%s` %s %s\n", mark, h.ID, h.Op, h.Duration.Round(time.Second))
		printed++
	}
	return strings.TrimRight(b.String(), "\n")
}
