// Package digest runs the scheduled fleet-status digest: a periodic
// summary of worker states, delivery throughput, and crash health posted
// back onto the Relay Link's outbound channel when AGENT_RELAY_DIGEST_CRON
// is configured.
//
// Scheduled with github.com/adhocore/gronx — a direct dependency already
// declared in this stack's go.mod for exactly this kind of due-check
// polling rather than a full cron daemon.
package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentrelay/broker/pkg/logger"
	"github.com/agentrelay/broker/pkg/types"
)

// pollInterval is how often the scheduler checks whether the configured
// cron expression is due; gronx evaluates due-ness to the minute, so
// anything finer is unnecessary.
const pollInterval = time.Minute

// Snapshot is the data a digest summarizes. Populated by the broker root
// from the Spawner and Delivery Supervisor on each run.
type Snapshot struct {
	Workers         []types.WorkerInfo
	PendingDeliveries int
	HealthScore     int
}

// Publisher sends the rendered digest text somewhere (a Relay channel, a
// log line); kept abstract so digest doesn't need to import relaylink.
type Publisher interface {
	PublishDigest(ctx context.Context, text string) error
}

// Scheduler polls a cron expression and renders+publishes a digest each
// time it comes due.
type Scheduler struct {
	expr      string
	gron      gronx.Gronx
	publisher Publisher
	snapshot  func() Snapshot
}

// New constructs a Scheduler. cronExpr is the standard 5-field cron
// expression from AGENT_RELAY_DIGEST_CRON; an empty expression means
// digests are disabled, and Run returns immediately.
func New(cronExpr string, publisher Publisher, snapshot func() Snapshot) *Scheduler {
	return &Scheduler{
		expr:      strings.TrimSpace(cronExpr),
		gron:      gronx.New(),
		publisher: publisher,
		snapshot:  snapshot,
	}
}

// Run polls until ctx is cancelled, publishing a digest each time the
// configured schedule comes due. A no-op if no cron expression was set.
func (s *Scheduler) Run(ctx context.Context) {
	if s.expr == "" {
		return
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.expr, now)
			if err != nil {
				logger.WarnCF("digest", "invalid cron expression", map[string]any{"expr": s.expr, "err": err.Error()})
				return
			}
			if !due {
				continue
			}
			text := Render(s.snapshot())
			if err := s.publisher.PublishDigest(ctx, text); err != nil {
				logger.WarnCF("digest", "publish failed", map[string]any{"err": err.Error()})
			}
		}
	}
}

// Render formats a Snapshot as the digest's plain-text body.
func Render(snap Snapshot) string {
	byState := map[types.WorkerState]int{}
	for _, w := range snap.Workers {
		byState[w.State]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Fleet digest: %d workers (ready=%d active=%d exited=%d), %d deliveries pending, health=%d/100\n",
		len(snap.Workers), byState[types.WorkerReady], byState[types.WorkerActive], byState[types.WorkerExited],
		snap.PendingDeliveries, snap.HealthScore)
	for _, w := range snap.Workers {
		fmt.Fprintf(&b, "  - %s (%s) owner=%s state=%s\n", w.Name, w.CLI, w.Owner, w.State)
	}
	return b.String()
}
