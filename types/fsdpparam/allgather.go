package fsdpparam

import (
	"sync"

	"github.com/pkg/errors"
)

// Event is the minimal accelerator-event contract this package needs: a
// completion marker a stream can wait on. The
// concrete implementation lives in internal/accel; it is referenced here
// only as an interface to avoid a dependency cycle (internal/accel never
// needs to know about FSDPParam).
type Event interface {
	// Wait returns once the event has fired; accel.Event's implementation
	// blocks the calling goroutine until then.
	Wait()
}

// AllGatherResult is the handle a Collectives.AllGather call returns: the
// contiguous output buffer. It carries no completion marker of its own; the
// copy-out event travels beside it in AllGatherState.
type AllGatherResult struct {
	// Buffer is the contiguous all-gather output, later split by
	// AllGatherCopyOut into per-param UnshardedView slices.
	Buffer TensorView
}

// AllGatherState bundles a pending AllGatherResult with the event marking
// its copy-out as complete.
type AllGatherState struct {
	Result *AllGatherResult
	Event  Event
}

// AllGatherStateHolder is a single-slot handoff: it carries at most one
// in-flight (AllGatherResult, Event) pair, enabling
// implicit one-step prefetch overlap between consecutive groups.
type AllGatherStateHolder struct {
	mu       sync.Mutex
	occupied bool
	state    AllGatherState
}

// Put stores state in the holder. Calling Put while the holder is already
// occupied is a configuration error: it would mean two
// overlapping prefetch windows, which the single-slot design forbids.
func (h *AllGatherStateHolder) Put(state AllGatherState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.occupied {
		return errors.New("fsdpparam: AllGatherStateHolder.Put called while already occupied")
	}
	h.state = state
	h.occupied = true
	return nil
}

// Pop removes and returns the held state, if any. It returns ok=false if the
// holder was empty; this is the common, benign case.
func (h *AllGatherStateHolder) Pop() (state AllGatherState, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.occupied {
		return AllGatherState{}, false
	}
	state = h.state
	h.state = AllGatherState{}
	h.occupied = false
	return state, true
}

// Occupied reports whether the holder currently carries a pending state.
func (h *AllGatherStateHolder) Occupied() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.occupied
}
