package metrics

import "testing"

func TestCountersSnapshot(t *testing.T) {
	c := New()
	c.IncSubmitted()
	c.IncSubmitted()
	c.IncFinished()
	c.IncSkipped()
	c.IncKilled()

	snap := c.Snapshot()
	if snap.Submitted != 2 {
		t.Errorf("Submitted = %d, want 2", snap.Submitted)
	}
	if snap.Finished != 1 {
		t.Errorf("Finished = %d, want 1", snap.Finished)
	}
	if snap.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", snap.Skipped)
	}
	if snap.Killed != 1 {
		t.Errorf("Killed = %d, want 1", snap.Killed)
	}
}

func TestSnapshotRender(t *testing.T) {
	snap := Snapshot{UptimeSeconds: 5, Submitted: 3, Finished: 2, Skipped: 1, Killed: 0}
	out := snap.Render()
	want := "Uptime: 5s\nSubmitted: 3\nFinished: 2\nSkipped: 1\nKilled: 0\n"
	if out != want {
		t.Errorf("Render() = %q, want %q", out, want)
	}
}
