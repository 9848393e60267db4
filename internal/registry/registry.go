package registry

import "sync"

// RemoveResult reports the outcome of a Remove call.
type RemoveResult int

const (
	RemoveOK RemoveResult = iota
	RemoveBusy
	RemoveNotFound
)

// Registry is the ordered collection of all known jobs, keyed by a
// monotonically assigned jobid. It is safe for concurrent use — every
// exported method takes the single internal mutex, which is what makes
// registry mutations atomic with respect to other connections under Go's
// goroutine-per-connection model.
type Registry struct {
	mu        sync.Mutex
	order     []int32 // enqueue order; Insert appends, Swap/Urgent reorder, Remove/ClearFinished prune
	byID      map[int32]*Job
	lastJobID int32
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[int32]*Job)}
}

// Insert assigns the next jobid to job and stores it, returning the assigned
// id. job.JobID is overwritten unconditionally.
func (r *Registry) Insert(job *Job) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastJobID++
	job.JobID = r.lastJobID
	r.byID[job.JobID] = job
	r.order = append(r.order, job.JobID)
	return job.JobID
}

// LastJobID returns the most recently assigned jobid, or 0 if none yet.
func (r *Registry) LastJobID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastJobID
}

// Get looks up a job by id. The returned pointer is shared with the
// registry — callers mutating it must do so only from within a dispatcher
// handler (the single point of serialized mutation).
func (r *Registry) Get(id int32) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[id]
	return j, ok
}

// Remove deletes a job. RUNNING and ALLOCATING jobs cannot be removed.
func (r *Registry) Remove(id int32) RemoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok {
		return RemoveNotFound
	}
	if j.OccupiesSlots() {
		return RemoveBusy
	}
	delete(r.byID, id)
	r.order = removeID(r.order, id)
	return RemoveOK
}

// ClearFinished removes every FINISHED/SKIPPED job whose ShouldKeepFinished
// is false.
func (r *Registry) ClearFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0:0]
	for _, id := range r.order {
		j := r.byID[id]
		if j.IsTerminal() && !j.ShouldKeepFinished {
			delete(r.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// IterInOrder calls fn for every job in enqueue order (as adjusted by Swap
// and Urgent). Stops early if fn returns false.
func (r *Registry) IterInOrder(fn func(*Job) bool) {
	r.mu.Lock()
	ids := append([]int32(nil), r.order...)
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		j, ok := r.byID[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if !fn(j) {
			return
		}
	}
}

// Swap exchanges the queue positions of two QUEUED jobs without changing
// their ids. Rejected (returns false) if either job is missing or not
// QUEUED. swap(a,a) is defined as a no-op success.
func (r *Registry) Swap(a, b int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a == b {
		_, ok := r.byID[a]
		return ok
	}

	ja, okA := r.byID[a]
	jb, okB := r.byID[b]
	if !okA || !okB || ja.State != Queued || jb.State != Queued {
		return false
	}

	ia, ib := -1, -1
	for i, id := range r.order {
		if id == a {
			ia = i
		}
		if id == b {
			ib = i
		}
	}
	if ia < 0 || ib < 0 {
		return false
	}
	r.order[ia], r.order[ib] = r.order[ib], r.order[ia]
	return true
}

// Urgent moves a QUEUED job to the front of the queued segment of the order.
// A no-op if the job is already first among queued jobs. Returns false if
// the job is missing or not QUEUED.
func (r *Registry) Urgent(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok || j.State != Queued {
		return false
	}

	idx := -1
	firstQueuedIdx := -1
	for i, oid := range r.order {
		o := r.byID[oid]
		if firstQueuedIdx < 0 && o.State == Queued {
			firstQueuedIdx = i
		}
		if oid == id {
			idx = i
		}
	}
	if idx < 0 {
		return false
	}
	if idx == firstQueuedIdx {
		return true // already first among queued jobs
	}

	// Remove from idx, reinsert at firstQueuedIdx.
	r.order = append(r.order[:idx], r.order[idx+1:]...)
	r.order = append(r.order[:firstQueuedIdx], append([]int32{id}, r.order[firstQueuedIdx:]...)...)
	return true
}

func removeID(order []int32, id int32) []int32 {
	out := order[:0:0]
	for _, o := range order {
		if o != id {
			out = append(out, o)
		}
	}
	return out
}
