package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PublishFunc sends a batch of job history records to an external system
// (e.g. Redis, for a fleet-wide job history index). Returns an error if the
// publish fails.
type PublishFunc func(ctx context.Context, records []JobHistoryRecord) error

// SyncerConfig holds configuration for the background syncer.
type SyncerConfig struct {
	// Store is the local job history database
	Store *Store

	// PublishFn sends records to the external system
	PublishFn PublishFunc

	// Interval between sync cycles (default: 60s)
	Interval time.Duration

	// BatchSize is the max records per sync cycle (default: 50)
	BatchSize int

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Syncer periodically syncs unsynced job history records to an external
// system.
type Syncer struct {
	store     *Store
	publishFn PublishFunc
	interval  time.Duration
	batchSize int
	logFn     func(level, msg string)
}

// NewSyncer creates a new job history syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 50
	}
	return &Syncer{
		store:     cfg.Store,
		publishFn: cfg.PublishFn,
		interval:  interval,
		batchSize: batchSize,
		logFn:     cfg.LogFn,
	}
}

// Start runs the sync loop until the context is cancelled.
func (s *Syncer) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

// SyncOnce performs a single sync cycle. Exported for testing.
func (s *Syncer) SyncOnce(ctx context.Context) {
	s.syncOnce(ctx)
}

func (s *Syncer) syncOnce(ctx context.Context) {
	records, err := s.store.QueryUnsynced(s.batchSize)
	if err != nil {
		s.log("warning", fmt.Sprintf("job history sync: query failed: %v", err))
		return
	}
	if len(records) == 0 {
		return
	}

	if err := s.publishFn(ctx, records); err != nil {
		s.log("warning", fmt.Sprintf("job history sync: publish failed (%d records): %v", len(records), err))
		return
	}

	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if err := s.store.MarkSynced(ids); err != nil {
		s.log("warning", fmt.Sprintf("job history sync: mark synced failed: %v", err))
		return
	}

	s.log("info", fmt.Sprintf("job history sync: published %d records", len(records)))
}

func (s *Syncer) log(level, msg string) {
	if s.logFn != nil {
		s.logFn(level, msg)
	}
}

// RedisPublisher builds a PublishFunc that pushes each record as a JSON
// entry onto a Redis list — an optional mirror for users running a fleet
// of daemons who want one shared job history index, entirely disjoint from
// the local daemon's own operation.
func RedisPublisher(client *redis.Client, key string) PublishFunc {
	return func(ctx context.Context, records []JobHistoryRecord) error {
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("usage: marshal record %d: %w", r.JobID, err)
			}
			if err := client.RPush(ctx, key, data).Err(); err != nil {
				return fmt.Errorf("usage: publish record %d: %w", r.JobID, err)
			}
		}
		return nil
	}
}
