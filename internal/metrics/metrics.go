// Package metrics keeps a handful of in-process counters describing daemon
// activity since startup — jobs submitted, finished, skipped, and killed —
// exposed to clients over GET_STATS/STATS_DATA the same way internal/dispatch
// renders INFO_DATA: a plain text block, not a structured payload. Shaped as
// a struct of fields snapshotted on demand, collapsed to atomic counters
// since the daemon updates these far more often than anyone polls them.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Counters tracks job outcome totals for the life of one daemon process.
// Every field is updated with sync/atomic so dispatch.Conn goroutines can
// bump it without contending on the registry mutex.
type Counters struct {
	startTime time.Time

	submitted int64
	finished  int64
	skipped   int64
	killed    int64
}

// New creates a Counters starting from the current time.
func New() *Counters {
	return &Counters{startTime: time.Now()}
}

// IncSubmitted records a NEWJOB accepted into the registry.
func (c *Counters) IncSubmitted() { atomic.AddInt64(&c.submitted, 1) }

// IncFinished records an ENDJOB that completed execution (not skipped).
func (c *Counters) IncFinished() { atomic.AddInt64(&c.finished, 1) }

// IncSkipped records a job that never ran because of a failed dependency or
// unmet GPU requirement.
func (c *Counters) IncSkipped() { atomic.AddInt64(&c.skipped, 1) }

// IncKilled records a running job whose PID was handed out by KILL_ALL.
func (c *Counters) IncKilled() { atomic.AddInt64(&c.killed, 1) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	UptimeSeconds int64
	Submitted     int64
	Finished      int64
	Skipped       int64
	Killed        int64
}

// Snapshot reads the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Submitted:     atomic.LoadInt64(&c.submitted),
		Finished:      atomic.LoadInt64(&c.finished),
		Skipped:       atomic.LoadInt64(&c.skipped),
		Killed:        atomic.LoadInt64(&c.killed),
	}
}

// Render formats a Snapshot as the plain text block sent back over
// STATS_DATA, one "key: value" line per counter, matching the register of
// internal/dispatch's formatInfo.
func (s Snapshot) Render() string {
	return fmt.Sprintf(
		"Uptime: %ds\nSubmitted: %d\nFinished: %d\nSkipped: %d\nKilled: %d\n",
		s.UptimeSeconds, s.Submitted, s.Finished, s.Skipped, s.Killed,
	)
}
