package usage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "history_test.db")
}

func TestOpenStore(t *testing.T) {
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()
}

func TestOpenStoreCreatesFile(t *testing.T) {
	path := tempDBPath(t)
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file should exist after OpenStore")
	}
}

func TestInsertAndQueryUnsynced(t *testing.T) {
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Second)
	record := JobHistoryRecord{
		JobID:       1,
		Command:     "sleep 3",
		Label:       "nightly",
		Status:      "finished",
		Errorlevel:  0,
		StartedAt:   now,
		CompletedAt: now.Add(3 * time.Second),
		UserMs:      10,
		SystemMs:    5,
		RealMs:      3000,
		NodeID:      "test-node",
	}

	if err := store.Insert(record); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	records, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	r := records[0]
	if r.JobID != 1 {
		t.Errorf("JobID = %d, want 1", r.JobID)
	}
	if r.Command != "sleep 3" {
		t.Errorf("Command = %q, want %q", r.Command, "sleep 3")
	}
	if r.RealMs != 3000 {
		t.Errorf("RealMs = %v, want 3000", r.RealMs)
	}
	if r.NodeID != "test-node" {
		t.Errorf("NodeID = %q, want %q", r.NodeID, "test-node")
	}
	if r.ID == 0 {
		t.Error("ID should be set after insert")
	}
}

func TestInsertDuplicateIgnored(t *testing.T) {
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	record := JobHistoryRecord{
		JobID:       42,
		Command:     "echo dup",
		Status:      "finished",
		StartedAt:   now,
		CompletedAt: now,
		NodeID:      "node1",
	}

	if err := store.Insert(record); err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	// Second insert with same job_id should not error
	if err := store.Insert(record); err != nil {
		t.Fatalf("duplicate Insert should not error: %v", err)
	}

	records, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record after duplicate insert, got %d", len(records))
	}
}

func TestMarkSynced(t *testing.T) {
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	for i, id := range []int32{1, 2, 3} {
		if err := store.Insert(JobHistoryRecord{
			JobID:       id,
			Command:     "echo x",
			Status:      "finished",
			StartedAt:   now,
			CompletedAt: now.Add(time.Duration(i) * time.Second),
			NodeID:      "node1",
		}); err != nil {
			t.Fatalf("Insert %d: %v", id, err)
		}
	}

	records, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 unsynced, got %d", len(records))
	}

	if err := store.MarkSynced([]int64{records[0].ID, records[1].ID}); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	remaining, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced after mark: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected 1 remaining unsynced, got %d", len(remaining))
	}
	if remaining[0].JobID != 3 {
		t.Errorf("remaining JobID = %d, want 3", remaining[0].JobID)
	}
}

func TestMarkSyncedEmpty(t *testing.T) {
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if err := store.MarkSynced(nil); err != nil {
		t.Fatalf("MarkSynced(nil): %v", err)
	}
	if err := store.MarkSynced([]int64{}); err != nil {
		t.Fatalf("MarkSynced([]): %v", err)
	}
}

func TestQueryUnsyncedLimit(t *testing.T) {
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := store.Insert(JobHistoryRecord{
			JobID:       int32(i + 1),
			Command:     fmt.Sprintf("job-%d", i),
			Status:      "finished",
			StartedAt:   now,
			CompletedAt: now,
			NodeID:      "node1",
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	records, err := store.QueryUnsynced(2)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records with limit=2, got %d", len(records))
	}
}

func TestInsertWithErrorMessage(t *testing.T) {
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	record := JobHistoryRecord{
		JobID:        99,
		Command:      "oom-job",
		Status:       "finished",
		Errorlevel:   137,
		StartedAt:    now,
		CompletedAt:  now,
		ErrorMessage: "out of memory",
		NodeID:       "node1",
	}

	if err := store.Insert(record); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	records, err := store.QueryUnsynced(10)
	if err != nil {
		t.Fatalf("QueryUnsynced: %v", err)
	}
	if records[0].ErrorMessage != "out of memory" {
		t.Errorf("ErrorMessage = %q, want %q", records[0].ErrorMessage, "out of memory")
	}
}

func TestQueryRecentOrdersNewestFirst(t *testing.T) {
	store, err := OpenStore(tempDBPath(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		if err := store.Insert(JobHistoryRecord{
			JobID: int32(i), Command: "x", Status: "finished",
			StartedAt: now, CompletedAt: now, NodeID: "node1",
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	recent, err := store.QueryRecent(10)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(recent) != 3 || recent[0].JobID != 3 {
		t.Fatalf("expected newest-first ordering starting with job 3, got %+v", recent)
	}
}
