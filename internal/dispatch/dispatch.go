// Package dispatch implements the per-connection protocol handler: one Conn
// per accepted socket, reading a request Msg and writing back exactly the
// reply contract that request type specifies, then looping for the next
// request on the same connection (most requests are one-shot; NEWJOB and
// the WAIT* family keep the connection alive across an admission or
// terminal-state wait).
package dispatch

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/aceteam-ai/tsd/internal/daemon"
	"github.com/aceteam-ai/tsd/internal/depend"
	"github.com/aceteam-ai/tsd/internal/registry"
	"github.com/aceteam-ai/tsd/internal/scheduler"
	"github.com/aceteam-ai/tsd/internal/wire"
)

// LogFunc is the level/format/args logging call shape used across this
// codebase.
type LogFunc = func(level, format string, args ...any)

// Conn handles the full request lifecycle of one accepted connection.
type Conn struct {
	nc     net.Conn
	ctx    *daemon.Context
	log    LogFunc
	uid    uint32
	closed bool

	// runningJobID is the job this connection was handed a RUNJOB ticket
	// for and has acked with RUNJOB_OK, pending its ENDJOB on this same
	// connection. Zero means none. Used by Serve's cleanup path to release
	// a job whose runner connection drops before sending ENDJOB.
	runningJobID int32
}

// errorlevelBrokenConnection is the distinguished errorlevel recorded when
// a runner connection is lost after admission but before ENDJOB.
const errorlevelBrokenConnection int32 = -2

// New wraps an accepted connection. uid is the credential read off the
// socket's peer by the caller (daemon.Server, via SO_PEERCRED on Linux).
func New(nc net.Conn, ctx *daemon.Context, uid uint32, log LogFunc) *Conn {
	if log == nil {
		log = func(string, string, ...any) {}
	}
	return &Conn{nc: nc, ctx: ctx, uid: uid, log: log}
}

// Serve runs the request loop until the connection closes or ctx is
// cancelled (server shutdown). It never returns an error the caller must
// act on — connection-level failures just end the loop.
func (c *Conn) Serve(ctx context.Context) {
	defer c.nc.Close()
	defer c.abandonRunningJob(ctx)
	for {
		req, err := wire.Decode(c.nc)
		if err != nil {
			if err != io.EOF {
				c.log("debug", "connection read error: %v", err)
			}
			return
		}

		if !c.dispatch(ctx, req) {
			return
		}
	}
}

// abandonRunningJob releases a job this connection was entrusted with
// (RUNJOB_OK sent, ENDJOB never received) when the connection ends for any
// other reason. Without this, a runner whose connection drops after
// admission leaves its job stuck RUNNING and leaks its slots forever.
func (c *Conn) abandonRunningJob(ctx context.Context) {
	jobID := c.runningJobID
	if jobID == 0 {
		return
	}
	c.runningJobID = 0
	job, ok := c.ctx.Registry.Get(jobID)
	if !ok || job.IsTerminal() {
		return
	}
	c.finishAbandonedJob(ctx, job)
}

// finishAbandonedJob transitions job to FINISHED with the distinguished
// broken-connection errorlevel and releases the slots it was admitted
// with — the counterpart of handleEndJob's cleanup for a runner that never
// gets to send one.
func (c *Conn) finishAbandonedJob(ctx context.Context, job *registry.Job) {
	job.Result = &registry.Result{Errorlevel: errorlevelBrokenConnection}
	job.State = registry.Finished
	c.ctx.Metrics.IncFinished()
	c.ctx.Slots.Release(job.NumSlots)
	c.ctx.ArchiveJob(job)
	c.ctx.NotifyTerminalOrRunning(job.JobID)
	c.ctx.Reschedule(ctx)
}

// dispatch handles one request and reports whether the connection should
// keep reading further requests (false means the handler already closed
// out the connection's purpose, e.g. KILL_SERVER or a dropped WAITJOB).
func (c *Conn) dispatch(ctx context.Context, req wire.Msg) bool {
	switch req.Type {
	case wire.NEWJOB:
		return c.handleNewJob(ctx, req)
	case wire.LIST:
		return c.handleList(req)
	case wire.GET_VERSION:
		return c.handleGetVersion(req)
	case wire.INFO:
		return c.handleInfo(req)
	case wire.LAST_ID:
		return c.handleLastID(req)
	case wire.ASK_OUTPUT:
		return c.handleAskOutput(req)
	case wire.KILL_SERVER:
		return c.handleKillServer(ctx)
	case wire.CLEAR_FINISHED:
		return c.handleClearFinished(ctx)
	case wire.REMOVEJOB:
		return c.handleRemoveJob(ctx, req)
	case wire.WAITJOB:
		return c.handleWaitJob(ctx, req)
	case wire.WAIT_RUNNING_JOB:
		return c.handleWaitRunningJob(ctx, req)
	case wire.SET_MAX_SLOTS:
		return c.handleSetMaxSlots(ctx, req)
	case wire.GET_MAX_SLOTS:
		return c.handleGetMaxSlots(req)
	case wire.URGENT:
		return c.handleUrgent(ctx, req)
	case wire.GET_STATE:
		return c.handleGetState(req)
	case wire.SWAP_JOBS:
		return c.handleSwapJobs(ctx, req)
	case wire.COUNT_RUNNING:
		return c.handleCountRunning(req)
	case wire.KILL_ALL:
		return c.handleKillAll(req)
	case wire.GET_LABEL:
		return c.handleGetLabel(req)
	case wire.GET_CMD:
		return c.handleGetCmd(req)
	case wire.GET_GPU_WAIT_TIME:
		return c.handleGetGPUWaitTime(req)
	case wire.SET_GPU_WAIT_TIME:
		return c.handleSetGPUWaitTime(ctx, req)
	case wire.REMINDER:
		return c.handleReminder(ctx, req)
	case wire.ENDJOB:
		return c.handleEndJob(ctx, req)
	case wire.GET_STATS:
		return c.handleGetStats(req)
	default:
		c.log("warn", "unexpected message type %d from uid %d", req.Type, c.uid)
		return false
	}
}

func (c *Conn) send(m wire.Msg) bool {
	if err := wire.Encode(c.nc, m); err != nil {
		c.log("debug", "write error: %v", err)
		return false
	}
	return true
}

// --- NEWJOB ------------------------------------------------------------------

func (c *Conn) handleNewJob(ctx context.Context, req wire.Msg) bool {
	nj := req.NewJob()
	command, err := wire.RecvBytes(c.nc, nj.CommandSize)
	if err != nil {
		return false
	}
	label, err := wire.RecvBytes(c.nc, nj.LabelSize)
	if err != nil {
		return false
	}
	env, err := wire.RecvBytes(c.nc, nj.EnvSize)
	if err != nil {
		return false
	}

	gpuReq, err := wire.Decode(c.nc)
	if err != nil {
		return false
	}
	numGPUs, wait, hasOverride, overrideSize, dependCount := gpuReq.GPURequest()
	requireElevel := gpuReq.RequireElevel()

	var gpuOverride []int32
	if hasOverride {
		gpuOverride, err = wire.RecvInts(c.nc, overrideSize)
		if err != nil {
			return false
		}
	}

	dependOn, err := wire.RecvInts(c.nc, dependCount)
	if err != nil {
		return false
	}
	dependOn = depend.ResolveSentinels(dependOn, c.ctx.Registry.LastJobID())

	job := &registry.Job{
		UID:                c.uid,
		Command:            command,
		Label:              label,
		Environment:        env,
		State:              registry.Queued,
		StoreOutput:        nj.StoreOutput,
		ShouldKeepFinished: nj.ShouldKeepFinished,
		WaitEnqueuing:      nj.WaitEnqueuing,
		NumSlots:           nj.NumSlots,
		NumGPUs:            numGPUs,
		WaitFreeGPUs:       wait,
		GPUNums:            gpuOverride,
		DoDepend:           dependCount > 0,
		DependOn:           dependOn,
		RequireElevel:      requireElevel,
	}

	jobID := c.ctx.Registry.Insert(job)
	c.ctx.Metrics.IncSubmitted()

	reply := wire.NewMsg(req.UID, wire.NEWJOB_OK)
	reply.SetJobID(jobID)
	if !c.send(reply) {
		c.ctx.Registry.Remove(jobID)
		return false
	}

	ticketCh := c.ctx.RegisterRunner(jobID)
	c.ctx.Reschedule(ctx)

	select {
	case ticket := <-ticketCh:
		return c.deliverRunTicket(ctx, ticket)
	case <-ctx.Done():
		c.ctx.UnregisterRunner(jobID)
		return false
	}
}

// deliverRunTicket sends RUNJOB and waits for the client's RUNJOB_OK/ENDJOB
// handshake that reports back exec results. For a pre-resolver skip the job
// is already terminal and never runs — the client is still blocked reading
// on this connection (it sent NEWJOB and is waiting for its instruction), so
// it gets a one-way ENDJOB notification carrying the skipped Result instead
// of a RUNJOB; the client recognizes it needs no ack and simply exits,
// closing the connection, which ends this Conn's Serve loop on the next EOF.
func (c *Conn) deliverRunTicket(ctx context.Context, ticket scheduler.RunTicket) bool {
	if ticket.PreSkip {
		c.ctx.Metrics.IncSkipped()
		c.ctx.ArchiveJob(ticket.Job)
		notice := wire.NewMsg(0, wire.ENDJOB)
		notice.SetJobID(ticket.Job.JobID)
		if ticket.Job.Result != nil {
			notice.SetResult(ticket.Job.Result.Errorlevel, ticket.Job.Result.UserMs, ticket.Job.Result.SystemMs, ticket.Job.Result.RealMs, true)
		} else {
			notice.SetResult(-1, 0, 0, 0, true)
		}
		return c.send(notice)
	}

	runjob := wire.NewMsg(0, wire.RUNJOB)
	runjob.SetJobID(ticket.Job.JobID)
	runjob.SetSize(int32(len(ticket.CUDAVisibleDevs)))
	// Admission (scheduler.admitOne) already consumed this job's slots
	// before handing us the ticket, so every failure branch from here on
	// must release them — a dropped connection must not leak slots.
	if !c.send(runjob) {
		c.finishAbandonedJob(ctx, ticket.Job)
		return false
	}
	if err := wire.SendBytes(c.nc, []byte(ticket.CUDAVisibleDevs)); err != nil {
		c.finishAbandonedJob(ctx, ticket.Job)
		return false
	}

	ticket.Job.State = registry.Running
	ticket.Job.StartedAt = time.Now()
	c.ctx.NotifyTerminalOrRunning(ticket.Job.JobID)

	ack, err := wire.Decode(c.nc)
	if err != nil || ack.Type != wire.RUNJOB_OK {
		c.finishAbandonedJob(ctx, ticket.Job)
		return false
	}
	_, pid, ofilenameSize := ack.Output()
	ticket.Job.PID = pid
	if ofilenameSize > 0 {
		ofilename, err := wire.RecvBytes(c.nc, ofilenameSize)
		if err != nil {
			c.finishAbandonedJob(ctx, ticket.Job)
			return false
		}
		ticket.Job.OutputFilename = string(ofilename)
	}

	// RUNJOB_OK is in: the client now owns running the job and will send
	// ENDJOB on this same connection. Remember that so Serve's cleanup
	// path can release the job if this connection drops before then.
	c.runningJobID = ticket.Job.JobID
	return true
}

// --- ENDJOB ------------------------------------------------------------------

func (c *Conn) handleEndJob(ctx context.Context, req wire.Msg) bool {
	jobID := req.JobID()
	if c.runningJobID == jobID {
		c.runningJobID = 0
	}
	job, ok := c.ctx.Registry.Get(jobID)
	if !ok {
		return true
	}

	errorlevel, userMs, systemMs, realMs, skipped := req.Result()
	job.Result = &registry.Result{
		Errorlevel: errorlevel,
		UserMs:     userMs,
		SystemMs:   systemMs,
		RealMs:     realMs,
		Skipped:    skipped,
	}
	job.State = registry.Finished
	if skipped {
		c.ctx.Metrics.IncSkipped()
	} else {
		c.ctx.Metrics.IncFinished()
	}
	c.ctx.Slots.Release(job.NumSlots)
	c.ctx.ArchiveJob(job)
	c.ctx.NotifyTerminalOrRunning(jobID)
	c.ctx.Reschedule(ctx)
	return true
}

// --- REMINDER ----------------------------------------------------------------

func (c *Conn) handleReminder(ctx context.Context, req wire.Msg) bool {
	jobID := req.JobID()
	if c.ctx.Scheduler.AllowReminder(jobID) {
		c.ctx.Reschedule(ctx)
	}
	return true
}
