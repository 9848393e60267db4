// Package daemon provides the server-side bootstrap and the shared Context
// threaded through every dispatcher handler: the registry, slot accountant,
// GPU allocator, scheduler, and the two connection-side waiting tables
// (parked WAITJOB connections and pending RUNJOB tickets).
//
// Grouping these as a single struct passed to each handler keeps the global
// singletons each handler needs in one place, following the same
// narrow-mutex-guarded-struct shape used across this codebase.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/aceteam-ai/tsd/internal/gpu"
	"github.com/aceteam-ai/tsd/internal/metrics"
	"github.com/aceteam-ai/tsd/internal/registry"
	"github.com/aceteam-ai/tsd/internal/scheduler"
	"github.com/aceteam-ai/tsd/internal/slots"
	"github.com/aceteam-ai/tsd/internal/usage"
)

// Context is the process-wide daemon state: one instance lives for the life
// of the server, created at startup and torn down on SIGTERM.
type Context struct {
	Registry  *registry.Registry
	Slots     *slots.Accountant
	Allocator *gpu.Allocator
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Counters

	// Usage is the optional durable job history store. Nil disables
	// archiving entirely; set it after NewContext if the daemon was
	// started with history tracking enabled.
	Usage *usage.Store
	// NodeID tags archived history rows, for fleets mirroring several
	// daemons' history into one Redis index.
	NodeID string

	park  *ParkTable
	run   *RunTable
	logFn func(level, format string, args ...any)

	shutdownOnce sync.Once
	shutdownFn   func()
}

// NewContext wires a fresh daemon Context. detector supplies free GPU
// indices; maxSlots and gpuWaitTime seed the initial runtime configuration
// (both are mutable afterward via SET_MAX_SLOTS / SET_GPU_WAIT_TIME).
func NewContext(detector gpu.Detector, maxSlots int32, gpuWaitTime time.Duration, logFn func(level, format string, args ...any)) *Context {
	reg := registry.New()
	acct := slots.New(maxSlots)
	alloc := gpu.New(detector)

	c := &Context{
		Registry:  reg,
		Slots:     acct,
		Allocator: alloc,
		Metrics:   metrics.New(),
		park:      newParkTable(),
		run:       newRunTable(),
		logFn:     logFn,
	}
	c.Scheduler = scheduler.New(reg, acct, alloc, c, gpuWaitTime)
	return c
}

func (c *Context) log(level, format string, args ...any) {
	if c.logFn != nil {
		c.logFn(level, format, args...)
	}
}

// Reschedule re-runs the admission scan. Dispatcher handlers call this as
// the last step after any mutation that could change what's runnable.
func (c *Context) Reschedule(ctx context.Context) {
	c.Scheduler.Tick(ctx)
}

// ArchiveJob durably records a job that just reached a terminal state.
// Best-effort and nil-safe: a disabled or failing history store must never
// affect the live queue, so failures are logged, not propagated.
func (c *Context) ArchiveJob(job *registry.Job) {
	if c.Usage == nil {
		return
	}
	status := "finished"
	var errorlevel int32
	var userMs, systemMs, realMs float64
	if job.Result != nil {
		errorlevel = job.Result.Errorlevel
		userMs, systemMs, realMs = job.Result.UserMs, job.Result.SystemMs, job.Result.RealMs
		if job.Result.Skipped {
			status = "skipped"
		}
	}
	rec := usage.JobHistoryRecord{
		JobID:       job.JobID,
		Command:     string(job.Command),
		Label:       string(job.Label),
		Status:      status,
		Errorlevel:  errorlevel,
		StartedAt:   job.StartedAt,
		CompletedAt: time.Now(),
		UserMs:      userMs,
		SystemMs:    systemMs,
		RealMs:      realMs,
		NodeID:      c.NodeID,
	}
	if err := c.Usage.Insert(rec); err != nil {
		c.log("warn", "usage: archive job %d: %v", job.JobID, err)
	}
}

// SetShutdownFunc registers the callback Server uses to stop accepting
// connections and unlink the socket. Called once, from Server.Run.
func (c *Context) SetShutdownFunc(fn func()) {
	c.shutdownFn = fn
}

// Shutdown triggers a graceful KILL_SERVER shutdown. Safe to call more than
// once or concurrently; only the first call acts.
func (c *Context) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		if c.shutdownFn != nil {
			c.shutdownFn()
		}
	})
}

// --- scheduler.Notifier implementation --------------------------------------

// RunReady implements scheduler.Notifier: deliver the ticket to whichever
// connection registered itself as the runner for this job (see RunTable).
func (c *Context) RunReady(ticket scheduler.RunTicket) {
	c.run.deliver(ticket.Job.JobID, ticket)
	if ticket.Job.IsTerminal() {
		c.park.notify(ticket.Job.JobID)
	}
}

// Reminder implements scheduler.Notifier: schedule a deferred Tick after the
// configured GPU wait time. Fires on its own goroutine; a REMINDER message
// from the client also drives a Tick directly, this is the daemon-initiated
// half of that handshake so a client that never resends REMINDER still gets
// re-evaluated once.
func (c *Context) Reminder(job *registry.Job, after time.Duration) {
	go func() {
		timer := time.NewTimer(after)
		defer timer.Stop()
		<-timer.C
		c.Reschedule(context.Background())
	}()
}

// --- connection-facing accessors --------------------------------------------

// RegisterRunner records that conn is the connection that will receive the
// RUNJOB ticket for jobID once the scheduler admits it — the connection
// that sent NEWJOB in the first place.
func (c *Context) RegisterRunner(jobID int32) <-chan scheduler.RunTicket {
	return c.run.register(jobID)
}

// UnregisterRunner cleans up a runner registration when the connection
// drops before admission; the job itself stays in the registry.
func (c *Context) UnregisterRunner(jobID int32) {
	c.run.unregister(jobID)
}

// Park registers a connection's interest in jobID reaching a terminal state
// (WAITJOB) or leaving QUEUED/ALLOCATING (WAIT_RUNNING_JOB, checked by the
// caller against current state before parking).
func (c *Context) Park(jobID int32) <-chan struct{} {
	return c.park.park(jobID)
}

// Unpark releases a parked wait registration without waiting (connection
// dropped).
func (c *Context) Unpark(jobID int32, ch <-chan struct{}) {
	c.park.unpark(jobID, ch)
}

// NotifyTerminalOrRunning wakes parked connections when a job's state
// changes in a way WAIT_RUNNING_JOB cares about (leaving QUEUED/ALLOCATING)
// even if not yet terminal.
func (c *Context) NotifyTerminalOrRunning(jobID int32) {
	c.park.notify(jobID)
}

// ParkTable tracks connections blocked on WAITJOB/WAIT_RUNNING_JOB, keyed by
// jobid. Each parked connection owns a distinct channel; the table only
// holds the write (close) side, so Job never holds a reference back to any
// connection.
type ParkTable struct {
	mu      sync.Mutex
	waiters map[int32][]chan struct{}
}

func newParkTable() *ParkTable {
	return &ParkTable{waiters: make(map[int32][]chan struct{})}
}

func (p *ParkTable) park(jobID int32) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.waiters[jobID] = append(p.waiters[jobID], ch)
	return ch
}

func (p *ParkTable) unpark(jobID int32, target <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	chans := p.waiters[jobID]
	for i, ch := range chans {
		if ch == target {
			p.waiters[jobID] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

func (p *ParkTable) notify(jobID int32) {
	p.mu.Lock()
	chans := p.waiters[jobID]
	delete(p.waiters, jobID)
	p.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// RunTable tracks the single connection (per job) waiting to receive a
// RUNJOB ticket once the scheduler admits that job.
type RunTable struct {
	mu      sync.Mutex
	pending map[int32]chan scheduler.RunTicket
}

func newRunTable() *RunTable {
	return &RunTable{pending: make(map[int32]chan scheduler.RunTicket)}
}

func (t *RunTable) register(jobID int32) <-chan scheduler.RunTicket {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan scheduler.RunTicket, 1)
	t.pending[jobID] = ch
	return ch
}

func (t *RunTable) unregister(jobID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, jobID)
}

func (t *RunTable) deliver(jobID int32, ticket scheduler.RunTicket) {
	t.mu.Lock()
	ch, ok := t.pending[jobID]
	if ok {
		delete(t.pending, jobID)
	}
	t.mu.Unlock()

	if ok {
		ch <- ticket
	}
}
