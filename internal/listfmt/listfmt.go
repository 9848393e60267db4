// Package listfmt renders the job table printed by LIST: fixed-width
// ID/User/State/Output/E-Level/Time/GPUs columns followed by a label (if
// any) and a term-width-truncated command.
package listfmt

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/aceteam-ai/tsd/internal/registry"
)

var (
	colorRunning  = color.New(color.FgGreen)
	colorFinished = color.New(color.FgBlue)
	colorSkipped  = color.New(color.Faint)
	colorQueued   = color.New(color.FgYellow)
)

// colorState renders a job's state field with a small color scheme: green
// for actively running, yellow while still waiting, blue once finished,
// faint once skipped, plain otherwise. Disabled automatically by the color package when stdout
// isn't a terminal.
func colorState(j *registry.Job) string {
	state := j.State.String()
	switch j.State {
	case registry.Running:
		return colorRunning.Sprint(state)
	case registry.Finished:
		return colorFinished.Sprint(state)
	case registry.Skipped:
		return colorSkipped.Sprint(state)
	case registry.Queued, registry.Allocating, registry.HoldingClient:
		return colorQueued.Sprint(state)
	default:
		return state
	}
}

// Header renders the column header line, including the trailing
// [run=busy/max] slot summary.
func Header(maxSlots, busySlots int32) string {
	return fmt.Sprintf("%-4s %-15s %-10s %-20s %-8s %-6s %-5s %s [run=%d/%d]",
		"ID", "User", "State", "Output", "E-Level", "Time", "GPUs", "Command", busySlots, maxSlots)
}

// Line renders one job's row, truncating the command to fit termWidth the
// same way the original shortens long command lines rather than wrapping
// them.
func Line(j *registry.Job, termWidth int32) string {
	username := lookupUsername(j.UID)
	state := colorState(j)
	output := outputShown(j)

	elevel := ""
	timeField := ""
	if j.Result != nil {
		elevel = strconv.Itoa(int(j.Result.Errorlevel))
		timeField = fmt.Sprintf("%.2f", j.Result.RealMs/1000)
	}

	fixedWidth := 4 + 1 + 15 + 1 + 10 + 1 + max(20, len(output)) + 1 + 8 + 1 + 6 + 1 + 5 + 1
	dependStr := dependPrefix(j)
	labelPart := ""
	if len(j.Label) > 0 {
		labelPart = fmt.Sprintf("[%s] ", shorten(string(j.Label), 20))
	}

	budget := int(termWidth) - fixedWidth - len(dependStr) - len(labelPart)
	command := shorten(string(j.Command), max(20, budget))

	return fmt.Sprintf("%-4d %-15s %-10s %-20s %-8s %-6s %-5d %s%s%s",
		j.JobID, username, state, output, elevel, timeField, gpuCount(j), dependStr, labelPart, command)
}

func gpuCount(j *registry.Job) int {
	if len(j.GPUNums) > 0 {
		return len(j.GPUNums)
	}
	return int(j.NumGPUs)
}

func outputShown(j *registry.Job) string {
	switch {
	case j.State == registry.Skipped:
		return "(no output)"
	case !j.StoreOutput:
		return "stdout"
	case j.State == registry.Queued || j.State == registry.Allocating:
		return "(file)"
	case j.OutputFilename == "":
		return "(...)"
	default:
		return j.OutputFilename
	}
}

func dependPrefix(j *registry.Job) string {
	if !j.DoDepend || len(j.DependOn) == 0 {
		return ""
	}
	parts := make([]string, len(j.DependOn))
	for i, id := range j.DependOn {
		parts[i] = strconv.Itoa(int(id))
	}
	return "[" + strings.Join(parts, ",") + "]&& "
}

func shorten(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, max(maxWidth-3, 1), "") + "..."
}

func lookupUsername(uid uint32) string {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return strconv.FormatUint(uint64(uid), 10)
	}
	return u.Username
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
