package listfmt

import (
	"strings"
	"testing"

	"github.com/aceteam-ai/tsd/internal/registry"
)

func TestHeaderIncludesSlotSummary(t *testing.T) {
	h := Header(4, 2)
	if !strings.Contains(h, "[run=2/4]") {
		t.Fatalf("expected slot summary in header, got %q", h)
	}
	if !strings.Contains(h, "ID") || !strings.Contains(h, "Command") {
		t.Fatalf("expected column names in header, got %q", h)
	}
}

func TestLineSkippedShowsNoOutput(t *testing.T) {
	j := &registry.Job{JobID: 1, Command: []byte("echo hi"), State: registry.Skipped, StoreOutput: true}
	line := Line(j, 200)
	if !strings.Contains(line, "(no output)") {
		t.Fatalf("expected (no output) for skipped job, got %q", line)
	}
}

func TestLineQueuedStoreOutputShowsFilePlaceholder(t *testing.T) {
	j := &registry.Job{JobID: 2, Command: []byte("echo hi"), State: registry.Queued, StoreOutput: true}
	line := Line(j, 200)
	if !strings.Contains(line, "(file)") {
		t.Fatalf("expected (file) placeholder, got %q", line)
	}
}

func TestLineNoStoreOutputShowsStdout(t *testing.T) {
	j := &registry.Job{JobID: 3, Command: []byte("echo hi"), State: registry.Running, StoreOutput: false}
	line := Line(j, 200)
	if !strings.Contains(line, "stdout") {
		t.Fatalf("expected stdout marker, got %q", line)
	}
}

func TestLineLongCommandIsShortened(t *testing.T) {
	j := &registry.Job{JobID: 4, Command: []byte(strings.Repeat("x", 500)), State: registry.Queued}
	line := Line(j, 60)
	if !strings.Contains(line, "...") {
		t.Fatalf("expected truncated command, got %q", line)
	}
}

func TestLineLabelIsBracketed(t *testing.T) {
	j := &registry.Job{JobID: 5, Command: []byte("echo hi"), Label: []byte("mylabel"), State: registry.Queued}
	line := Line(j, 200)
	if !strings.Contains(line, "[mylabel]") {
		t.Fatalf("expected bracketed label, got %q", line)
	}
}

func TestLineDependencyPrefix(t *testing.T) {
	j := &registry.Job{JobID: 6, Command: []byte("echo hi"), DoDepend: true, DependOn: []int32{1, 2}, State: registry.Queued}
	line := Line(j, 200)
	if !strings.Contains(line, "[1,2]&&") {
		t.Fatalf("expected dependency prefix, got %q", line)
	}
}
