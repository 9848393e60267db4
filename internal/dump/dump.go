// Package dump persists the job registry to a shell script on shutdown: a
// commented explanation header, FINISHED jobs recorded as comments, and the
// rest re-emitted as literal "ts <command>" lines so a restarted daemon's
// queue can be manually resubmitted. Explicitly lossy on quoting — no
// attempt is made at a fully correct shell-escaping round trip.
package dump

import (
	"fmt"
	"io"

	"github.com/aceteam-ai/tsd/internal/registry"
)

const header = `#!/bin/sh
# - task spooler (ts) job dump
# This file has been created because a SIGTERM killed your queue server.
# Jobs are listed in queue order; finished ones appear as comments.
# The commands running or to be run are stored as you would probably run
# them. Take care - some quotes may have got broken.

`

// WriteShellDump writes the header, then every job in enqueue order: a
// "#" comment for FINISHED/SKIPPED jobs recording their outcome, and a bare
// "ts <command>" line for anything still queued, allocating, or running.
func WriteShellDump(w io.Writer, reg *registry.Registry) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}

	var writeErr error
	reg.IterInOrder(func(j *registry.Job) bool {
		var line string
		if j.IsTerminal() {
			line = finishedComment(j)
		} else {
			line = fmt.Sprintf("ts %s\n", j.Command)
		}
		if _, err := io.WriteString(w, line); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	return writeErr
}

func finishedComment(j *registry.Job) string {
	elevel := int32(-1)
	if j.Result != nil {
		elevel = j.Result.Errorlevel
	}
	return fmt.Sprintf("# [%d] exitcode=%d: %s\n", j.JobID, elevel, j.Command)
}
