// Package depend implements the dependency resolver: -1 sentinel resolution
// at submission time, readiness checks, and the require_elevel
// skip-on-failure transition.
package depend

import "github.com/aceteam-ai/tsd/internal/registry"

// ResolveSentinels replaces every -1 entry in dependOn with lastJobID (the
// job submitted immediately before this one), silently dropping it if no job
// has been submitted yet. Concrete entries pass through unchanged. Called
// once at submission time: after this call DependOn holds only concrete
// ids.
func ResolveSentinels(dependOn []int32, lastJobID int32) []int32 {
	resolved := make([]int32, 0, len(dependOn))
	for _, d := range dependOn {
		if d == -1 {
			if lastJobID == 0 {
				continue // no prior job exists yet; drop silently
			}
			resolved = append(resolved, lastJobID)
			continue
		}
		resolved = append(resolved, d)
	}
	return resolved
}

// Outcome is the result of evaluating a job's dependencies.
type Outcome int

const (
	// NotReady means at least one dependency has not reached a terminal
	// state yet.
	NotReady Outcome = iota
	// Ready means every dependency is FINISHED or SKIPPED and the job may
	// proceed through normal admission.
	Ready
	// ReadySkip means every dependency is terminal, but require_elevel is
	// set and at least one dependency failed (or was itself skipped) — the
	// job must transition directly to SKIPPED without consuming a slot.
	ReadySkip
)

// Evaluate determines whether job is dependency-ready, and if so whether it
// should run or skip. A named dependency that no longer exists in the
// registry (e.g. removed) is treated as satisfied.
func Evaluate(job *registry.Job, reg *registry.Registry) Outcome {
	if !job.DoDepend || len(job.DependOn) == 0 {
		return Ready
	}

	anyFailed := false
	for _, depID := range job.DependOn {
		dep, ok := reg.Get(depID)
		if !ok {
			continue // dependency gone: treated as satisfied
		}
		if !dep.IsTerminal() {
			return NotReady
		}
		if dep.State == registry.Skipped {
			anyFailed = true
			continue
		}
		if dep.Result != nil && dep.Result.Errorlevel != 0 {
			anyFailed = true
		}
	}

	if job.RequireElevel && anyFailed {
		return ReadySkip
	}
	return Ready
}

// ApplySkip transitions job to SKIPPED with a fixed errorlevel/skip result,
// consuming no slot.
func ApplySkip(job *registry.Job) {
	job.State = registry.Skipped
	job.Result = &registry.Result{Errorlevel: -1, Skipped: true}
}
