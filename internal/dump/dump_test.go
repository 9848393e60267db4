package dump

import (
	"bytes"
	"strings"
	"testing"

	"github.com/aceteam-ai/tsd/internal/registry"
)

func TestWriteShellDumpIncludesHeaderAndJobs(t *testing.T) {
	reg := registry.New()
	reg.Insert(&registry.Job{Command: []byte("echo queued"), State: registry.Queued})
	reg.Insert(&registry.Job{Command: []byte("echo done"), State: registry.Finished, Result: &registry.Result{Errorlevel: 0}})

	var buf bytes.Buffer
	if err := WriteShellDump(&buf, reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()

	if !strings.HasPrefix(out, "#!/bin/sh") {
		t.Fatalf("expected shell shebang header, got %q", out[:20])
	}
	if !strings.Contains(out, "ts echo queued") {
		t.Fatalf("expected queued job re-emitted as a ts command, got %q", out)
	}
	if !strings.Contains(out, "# [2] exitcode=0: echo done") {
		t.Fatalf("expected finished job as a comment, got %q", out)
	}
}
