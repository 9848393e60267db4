package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aceteam-ai/tsd/internal/listfmt"
	"github.com/aceteam-ai/tsd/internal/registry"
	"github.com/aceteam-ai/tsd/internal/wire"
)

func secondsToDuration(seconds int32) time.Duration {
	return time.Duration(seconds) * time.Second
}

// --- LIST --------------------------------------------------------------------

func (c *Conn) handleList(req wire.Msg) bool {
	termWidth := req.TermWidth()
	if termWidth <= 0 {
		termWidth = 150
	}

	header := listfmt.Header(c.ctx.Slots.GetMax(), c.ctx.Slots.Busy())
	if !c.sendLine(req.UID, header) {
		return false
	}

	ok := true
	c.ctx.Registry.IterInOrder(func(j *registry.Job) bool {
		if !c.sendLine(req.UID, listfmt.Line(j, termWidth)) {
			ok = false
			return false
		}
		return true
	})
	if !ok {
		return false
	}

	return c.send(wire.NewMsg(req.UID, wire.LIST_LINE)) // zero-size terminator, Size()==0
}

func (c *Conn) sendLine(uid int32, line string) bool {
	m := wire.NewMsg(uid, wire.LIST_LINE)
	m.SetSize(int32(len(line)))
	if !c.send(m) {
		return false
	}
	return wire.SendBytes(c.nc, []byte(line)) == nil
}

// --- GET_VERSION ---------------------------------------------------------------

func (c *Conn) handleGetVersion(req wire.Msg) bool {
	reply := wire.NewMsg(req.UID, wire.VERSION)
	reply.SetVersion(wire.ProtocolVersion)
	return c.send(reply)
}

// --- INFO ----------------------------------------------------------------------

func (c *Conn) handleInfo(req wire.Msg) bool {
	job, ok := c.ctx.Registry.Get(req.JobID())
	var body string
	if !ok {
		body = fmt.Sprintf("job %d not found\n", req.JobID())
	} else {
		body = formatInfo(job)
	}
	reply := wire.NewMsg(req.UID, wire.INFO_DATA)
	reply.SetSize(int32(len(body)))
	if !c.send(reply) {
		return false
	}
	return wire.SendBytes(c.nc, []byte(body)) == nil
}

func formatInfo(j *registry.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Jobid: %d\n", j.JobID)
	fmt.Fprintf(&b, "Command: %s\n", j.Command)
	if len(j.Label) > 0 {
		fmt.Fprintf(&b, "Label: %s\n", j.Label)
	}
	fmt.Fprintf(&b, "State: %s\n", j.State)
	fmt.Fprintf(&b, "Slots required: %d\n", j.NumSlots)
	if j.NumGPUs > 0 || len(j.GPUNums) > 0 {
		fmt.Fprintf(&b, "GPUs requested: %d\n", j.NumGPUs)
	}
	if j.PID != 0 {
		fmt.Fprintf(&b, "PID: %d\n", j.PID)
	}
	if j.Result != nil {
		fmt.Fprintf(&b, "Error level: %d\n", j.Result.Errorlevel)
		fmt.Fprintf(&b, "Times: user=%.3f system=%.3f real=%.3f\n", j.Result.UserMs/1000, j.Result.SystemMs/1000, j.Result.RealMs/1000)
	}
	if j.DoDepend && len(j.DependOn) > 0 {
		parts := make([]string, len(j.DependOn))
		for i, id := range j.DependOn {
			parts[i] = strconv.Itoa(int(id))
		}
		fmt.Fprintf(&b, "Depends on: %s\n", strings.Join(parts, ","))
	}
	return b.String()
}

// --- LAST_ID ---------------------------------------------------------------

func (c *Conn) handleLastID(req wire.Msg) bool {
	reply := wire.NewMsg(req.UID, wire.LAST_ID)
	reply.SetJobID(c.ctx.Registry.LastJobID())
	return c.send(reply)
}

// --- ASK_OUTPUT --------------------------------------------------------------

func (c *Conn) handleAskOutput(req wire.Msg) bool {
	job, ok := c.ctx.Registry.Get(req.JobID())
	reply := wire.NewMsg(req.UID, wire.ANSWER_OUTPUT)
	if !ok || job.OutputFilename == "" {
		reply.SetSize(0)
		return c.send(reply)
	}
	path := job.OutputFilename
	reply.SetSize(int32(len(path)))
	if !c.send(reply) {
		return false
	}
	return wire.SendBytes(c.nc, []byte(path)) == nil
}

// --- KILL_SERVER ---------------------------------------------------------------

func (c *Conn) handleKillServer(ctx context.Context) bool {
	c.log("info", "KILL_SERVER requested by uid %d", c.uid)
	c.ctx.Shutdown(ctx)
	return false
}

// --- CLEAR_FINISHED --------------------------------------------------------------

func (c *Conn) handleClearFinished(ctx context.Context) bool {
	c.ctx.Registry.ClearFinished()
	c.ctx.Reschedule(ctx)
	return true
}

// --- REMOVEJOB -------------------------------------------------------------------

func (c *Conn) handleRemoveJob(ctx context.Context, req wire.Msg) bool {
	result := c.ctx.Registry.Remove(req.JobID())
	switch result {
	case registry.RemoveBusy:
		c.sendLine(req.UID, fmt.Sprintf("job %d is running, cannot be removed\n", req.JobID()))
		return false
	case registry.RemoveNotFound:
		c.sendLine(req.UID, fmt.Sprintf("job %d not found\n", req.JobID()))
		return false
	}
	reply := wire.NewMsg(req.UID, wire.REMOVEJOB_OK)
	reply.SetState(int32(result))
	if !c.send(reply) {
		return false
	}
	c.ctx.Reschedule(ctx)
	return true
}

// --- WAITJOB / WAIT_RUNNING_JOB --------------------------------------------------

func (c *Conn) handleWaitJob(ctx context.Context, req wire.Msg) bool {
	jobID := req.JobID()
	for {
		job, ok := c.ctx.Registry.Get(jobID)
		if !ok {
			reply := wire.NewMsg(req.UID, wire.WAITJOB_OK)
			reply.SetResult(-1, 0, 0, 0, true)
			return c.send(reply)
		}
		if job.IsTerminal() {
			reply := wire.NewMsg(req.UID, wire.WAITJOB_OK)
			if job.Result != nil {
				reply.SetResult(job.Result.Errorlevel, job.Result.UserMs, job.Result.SystemMs, job.Result.RealMs, job.Result.Skipped)
			}
			return c.send(reply)
		}

		ch := c.ctx.Park(jobID)
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			c.ctx.Unpark(jobID, ch)
			return false
		}
	}
}

func (c *Conn) handleWaitRunningJob(ctx context.Context, req wire.Msg) bool {
	jobID := req.JobID()
	for {
		job, ok := c.ctx.Registry.Get(jobID)
		if !ok || (job.State != registry.Queued && job.State != registry.Allocating) {
			reply := wire.NewMsg(req.UID, wire.WAITJOB_OK)
			return c.send(reply)
		}

		ch := c.ctx.Park(jobID)
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			c.ctx.Unpark(jobID, ch)
			return false
		}
	}
}

// --- SET_MAX_SLOTS / GET_MAX_SLOTS -----------------------------------------------

func (c *Conn) handleSetMaxSlots(ctx context.Context, req wire.Msg) bool {
	c.ctx.Slots.SetMax(req.MaxSlots())
	c.ctx.Reschedule(ctx)
	return true
}

func (c *Conn) handleGetMaxSlots(req wire.Msg) bool {
	reply := wire.NewMsg(req.UID, wire.GET_MAX_SLOTS_OK)
	reply.SetMaxSlots(c.ctx.Slots.GetMax())
	return c.send(reply)
}

// --- URGENT ----------------------------------------------------------------------

func (c *Conn) handleUrgent(ctx context.Context, req wire.Msg) bool {
	if !c.ctx.Registry.Urgent(req.JobID()) {
		c.sendLine(req.UID, fmt.Sprintf("job %d not found or not queued\n", req.JobID()))
		return false
	}
	c.ctx.Reschedule(ctx)
	reply := wire.NewMsg(req.UID, wire.URGENT_OK)
	return c.send(reply)
}

// --- GET_STATE -------------------------------------------------------------------

func (c *Conn) handleGetState(req wire.Msg) bool {
	job, ok := c.ctx.Registry.Get(req.JobID())
	if !ok {
		c.sendLine(req.UID, fmt.Sprintf("job %d not found\n", req.JobID()))
		return false
	}
	reply := wire.NewMsg(req.UID, wire.ANSWER_STATE)
	reply.SetState(int32(job.State))
	return c.send(reply)
}

// --- SWAP_JOBS ---------------------------------------------------------------------

func (c *Conn) handleSwapJobs(ctx context.Context, req wire.Msg) bool {
	a, b := req.SwapJobIDs()
	if !c.ctx.Registry.Swap(a, b) {
		c.sendLine(req.UID, fmt.Sprintf("cannot swap %d and %d: one is missing or not queued\n", a, b))
		return false
	}
	reply := wire.NewMsg(req.UID, wire.SWAP_JOBS_OK)
	if !c.send(reply) {
		return false
	}
	c.ctx.Reschedule(ctx)
	return true
}

// --- COUNT_RUNNING -----------------------------------------------------------------

func (c *Conn) handleCountRunning(req wire.Msg) bool {
	var n int32
	c.ctx.Registry.IterInOrder(func(j *registry.Job) bool {
		if j.State == registry.Running {
			n++
		}
		return true
	})
	reply := wire.NewMsg(req.UID, wire.COUNT_RUNNING)
	reply.SetCountRunning(n)
	return c.send(reply)
}

// --- KILL_ALL --------------------------------------------------------------------

func (c *Conn) handleKillAll(req wire.Msg) bool {
	var pids []int32
	c.ctx.Registry.IterInOrder(func(j *registry.Job) bool {
		if j.State == registry.Running && j.PID != 0 {
			pids = append(pids, j.PID)
		}
		return true
	})
	for range pids {
		c.ctx.Metrics.IncKilled()
	}

	reply := wire.NewMsg(req.UID, wire.COUNT_RUNNING)
	reply.SetCountRunning(int32(len(pids)))
	if !c.send(reply) {
		return false
	}
	return wire.SendInts(c.nc, pids) == nil
}

// --- GET_LABEL / GET_CMD -----------------------------------------------------------

func (c *Conn) handleGetLabel(req wire.Msg) bool {
	job, ok := c.ctx.Registry.Get(req.JobID())
	reply := wire.NewMsg(req.UID, wire.GET_LABEL)
	var label []byte
	if ok {
		label = job.Label
	}
	reply.SetSize(int32(len(label)))
	if !c.send(reply) {
		return false
	}
	return wire.SendBytes(c.nc, label) == nil
}

func (c *Conn) handleGetCmd(req wire.Msg) bool {
	job, ok := c.ctx.Registry.Get(req.JobID())
	reply := wire.NewMsg(req.UID, wire.GET_CMD)
	var cmd []byte
	if ok {
		cmd = job.Command
	}
	reply.SetSize(int32(len(cmd)))
	if !c.send(reply) {
		return false
	}
	return wire.SendBytes(c.nc, cmd) == nil
}

// --- GET_GPU_WAIT_TIME / SET_GPU_WAIT_TIME -----------------------------------------

func (c *Conn) handleGetGPUWaitTime(req wire.Msg) bool {
	reply := wire.NewMsg(req.UID, wire.GET_GPU_WAIT_TIME)
	reply.SetGPUWaitTime(int32(c.ctx.Scheduler.GPUWaitTime().Seconds()))
	return c.send(reply)
}

func (c *Conn) handleSetGPUWaitTime(ctx context.Context, req wire.Msg) bool {
	seconds := req.GPUWaitTime()
	c.ctx.Scheduler.SetGPUWaitTime(secondsToDuration(seconds))
	c.ctx.Reschedule(ctx)
	return true
}

// --- GET_STATS ---------------------------------------------------------------

func (c *Conn) handleGetStats(req wire.Msg) bool {
	body := c.ctx.Metrics.Snapshot().Render()
	reply := wire.NewMsg(req.UID, wire.STATS_DATA)
	reply.SetSize(int32(len(body)))
	if !c.send(reply) {
		return false
	}
	return wire.SendBytes(c.nc, []byte(body)) == nil
}
