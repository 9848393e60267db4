package gpu

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// Outcome reports the result of an allocation attempt.
type Outcome int

const (
	// Allocated means indices were assigned successfully.
	Allocated Outcome = iota
	// Insufficient means fewer free GPUs exist than requested.
	Insufficient
)

// Allocation is the result of a successful Allocate call.
type Allocation struct {
	Outcome Outcome
	Indices []int32 // assigned device indices, in CUDA_VISIBLE_DEVICES order
}

// CUDAVisibleDevices renders the allocation as the value to publish for
// CUDA_VISIBLE_DEVICES: comma-joined indices, or "-1" when none were
// requested.
func (a Allocation) CUDAVisibleDevices() string {
	if len(a.Indices) == 0 {
		return "-1"
	}
	s := ""
	for i, idx := range a.Indices {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", idx)
	}
	return s
}

// Allocator implements admission-time GPU selection. It holds no
// reservation between scheduling attempts — every call re-queries the
// detector, so a second job asking for GPUs sees the first job's devices as
// busy only once the first job's process is actually running.
type Allocator struct {
	detector Detector
}

// New creates an Allocator backed by the given GPU oracle.
func New(detector Detector) *Allocator {
	return &Allocator{detector: detector}
}

// Allocate reconciles a request for `requested` GPUs against the oracle's
// current free set, honoring an explicit override when present.
//
// If override is non-empty it is accepted verbatim with no check against
// the oracle.
func (a *Allocator) Allocate(ctx context.Context, requested int32, override []int32) (Allocation, error) {
	if requested <= 0 && len(override) == 0 {
		return Allocation{Outcome: Allocated}, nil
	}

	if len(override) > 0 {
		return Allocation{Outcome: Allocated, Indices: append([]int32(nil), override...)}, nil
	}

	free, err := a.detector.FreeIndices(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("gpu: querying free devices: %w", err)
	}

	if int32(len(free)) < requested {
		return Allocation{Outcome: Insufficient}, nil
	}

	shuffled := append([]int(nil), free...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	indices := make([]int32, requested)
	for i := range indices {
		indices[i] = int32(shuffled[i])
	}
	return Allocation{Outcome: Allocated, Indices: indices}, nil
}
