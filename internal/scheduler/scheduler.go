// Package scheduler implements the core admission state machine: scanning
// the registry in enqueue order (after urgency/swap reordering), picking
// the first job that is QUEUED, dependency-ready, fits in slots, and — if
// GPU-requesting — can be allocated, then issuing a RUN ticket to the
// connection waiting on that job.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aceteam-ai/tsd/internal/depend"
	"github.com/aceteam-ai/tsd/internal/gpu"
	"github.com/aceteam-ai/tsd/internal/registry"
	"github.com/aceteam-ai/tsd/internal/slots"
)

// RunTicket is handed to the connection that should run a job: either
// "proceed" (with an optional GPU allocation to publish as
// CUDA_VISIBLE_DEVICES) or "skip" (dependency failure the scheduler itself
// detected before ever handing the job to a runner).
type RunTicket struct {
	Job              *registry.Job
	LastErrorlevel   int32 // set on skip tickets only (-1 dependency, 0 GPU); not sent on RUNJOB
	CUDAVisibleDevs  string
	PreSkip          bool // true if the resolver already decided SKIPPED
}

// Notifier is how the scheduler hands work back out to waiting connections.
// RunReady is called exactly once per admitted job, from within a Tick, so
// implementations must not block.
type Notifier interface {
	// RunReady delivers a RUNJOB ticket to the connection that submitted
	// (or is waiting to run) the given job.
	RunReady(ticket RunTicket)
	// Reminder schedules a re-evaluation after the configured GPU wait time
	// for a job that could not get GPUs yet.
	Reminder(job *registry.Job, after time.Duration)
}

// Scheduler drives admission. It holds no job state itself — the Registry,
// Accountant, and Allocator are the sources of truth; Scheduler only
// sequences calls into them.
type Scheduler struct {
	reg        *registry.Registry
	slots      *slots.Accountant
	allocator  *gpu.Allocator
	notifier   Notifier

	mu            sync.Mutex
	gpuWaitTime   time.Duration
	limiters      map[int32]*rate.Limiter
}

// New creates a Scheduler wired to its collaborators.
func New(reg *registry.Registry, acct *slots.Accountant, alloc *gpu.Allocator, notifier Notifier, gpuWaitTime time.Duration) *Scheduler {
	return &Scheduler{
		reg:         reg,
		slots:       acct,
		allocator:   alloc,
		notifier:    notifier,
		gpuWaitTime: gpuWaitTime,
		limiters:    make(map[int32]*rate.Limiter),
	}
}

// SetGPUWaitTime reconfigures the retry interval used for wait_free_gpus
// jobs.
func (s *Scheduler) SetGPUWaitTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpuWaitTime = d
}

// GPUWaitTime returns the configured retry interval.
func (s *Scheduler) GPUWaitTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gpuWaitTime
}

// reminderLimiter returns (creating if needed) the rate limiter bounding how
// often job's connection may re-trigger a REMINDER-driven Tick. This
// replaces a bare time.Sleep loop on the daemon side: a misbehaving or
// out-of-sync client hammering REMINDER cannot force more scheduling work
// than gpu_wait_time allows.
func (s *Scheduler) reminderLimiter(jobID int32) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[jobID]
	if !ok || lim.Limit() != rate.Every(s.gpuWaitTime) {
		lim = rate.NewLimiter(rate.Every(s.gpuWaitTime), 1)
		s.limiters[jobID] = lim
	}
	return lim
}

// AllowReminder reports whether a REMINDER for jobID may proceed to a Tick
// right now, per the configured gpu_wait_time pacing.
func (s *Scheduler) AllowReminder(jobID int32) bool {
	return s.reminderLimiter(jobID).Allow()
}

// forgetLimiter drops a job's reminder limiter once it leaves the
// GPU-waiting posture (admitted, skipped, or removed).
func (s *Scheduler) forgetLimiter(jobID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, jobID)
}

// Tick performs one admission scan. It is called after every registry
// mutation that could change what's runnable (NEWJOB, ENDJOB, REMOVEJOB,
// CLEAR_FINISHED, URGENT, SWAP, SET_MAX_SLOTS, SET_GPU_WAIT_TIME, REMINDER).
// Admission follows enqueue order: a job blocked on a dependency never lets
// a later job "jump" it unless that later job is itself ready and fits —
// achieved here by evaluating candidates strictly in order and admitting the
// first eligible one per scan, then rescanning until a scan admits nothing.
func (s *Scheduler) Tick(ctx context.Context) {
	for {
		admitted := s.admitOne(ctx)
		if !admitted {
			return
		}
	}
}

// admitOne scans once and admits at most one job, returning whether it did.
func (s *Scheduler) admitOne(ctx context.Context) bool {
	var chosen *registry.Job
	var chosenSkip bool
	var chosenErrlevel int32

	s.reg.IterInOrder(func(j *registry.Job) bool {
		if j.State != registry.Queued {
			return true
		}

		switch depend.Evaluate(j, s.reg) {
		case depend.NotReady:
			return true // not this job's turn; keep scanning (readiness is advisory)
		case depend.ReadySkip:
			chosen = j
			chosenSkip = true
			chosenErrlevel = -1
			return false
		}

		if !s.slots.TryAdmit(j.NumSlots) {
			return true
		}

		if j.NumGPUs > 0 || len(j.GPUNums) > 0 {
			alloc, err := s.allocator.Allocate(ctx, j.NumGPUs, j.GPUNums)
			if err != nil || alloc.Outcome != gpu.Allocated {
				s.slots.Release(j.NumSlots)
				if j.WaitFreeGPUs {
					s.notifier.Reminder(j, s.GPUWaitTime())
					return true // try the next job; this one waits for a REMINDER
				}
				// Not waiting: treat as skip — caller (dispatcher) decides
				// exact semantics via PreSkip below.
				chosen = j
				chosenSkip = true
				chosenErrlevel = 0
				return false
			}
			j.State = registry.Allocating
			chosen = j
			s.notifier.RunReady(RunTicket{Job: j, CUDAVisibleDevs: alloc.CUDAVisibleDevices()})
			return false
		}

		j.State = registry.Allocating
		chosen = j
		s.notifier.RunReady(RunTicket{Job: j, CUDAVisibleDevs: "-1"})
		return false
	})

	if chosen == nil {
		return false
	}
	s.forgetLimiter(chosen.JobID)
	if chosenSkip {
		depend.ApplySkip(chosen)
		s.notifier.RunReady(RunTicket{Job: chosen, PreSkip: true, LastErrorlevel: chosenErrlevel})
	}
	return true
}
