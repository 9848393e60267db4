// Package usage persists a durable history of finished jobs — the in-memory
// registry forgets a job the moment CLEAR_FINISHED (or REMOVEJOB) drops it,
// so the daemon additionally archives every terminal job here before that
// happens, giving `ts history` something to query after the fact.
package usage

import "time"

// JobHistoryRecord captures one finished or skipped job for durable storage:
// identity, outcome, timing, node, and sync state, with jobid numeric and
// the three CPU timing fields the daemon actually tracks (user/system/real).
type JobHistoryRecord struct {
	// Database ID (set after insert)
	ID int64

	JobID   int32
	Command string
	Label   string

	// Outcome
	Status       string // "finished", "skipped"
	Errorlevel   int32
	ErrorMessage string

	// Timing
	StartedAt   time.Time
	CompletedAt time.Time
	UserMs      float64
	SystemMs    float64
	RealMs      float64

	// Node identification
	NodeID string

	// Sync status
	Synced bool
}
