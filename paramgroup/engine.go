package paramgroup

import (
	"context"

	"github.com/gomlx/fsdp/types/fsdpparam"
	"golang.org/x/sync/errgroup"
)

// Engine owns the single shared AllGatherStateHolder that lets one group's
// completed all-gather hand off to the next group's unshard, and sequences
// FSDPParamGroups through a training step.
type Engine struct {
	Groups []*FSDPParamGroup

	holder *fsdpparam.AllGatherStateHolder

	// prefetchOrder is an optional hint for explicit backward prefetch,
	// recording which group to unshard next after a given group's
	// pre-backward -- never required for correctness, since Unshard is
	// already idempotent against an in-flight or already-unsharded group.
	prefetchOrder map[*FSDPParamGroup]*FSDPParamGroup
}

// NewEngine wires groups together under one shared AllGatherStateHolder,
// replacing whatever holder each group was constructed with.
func NewEngine(groups []*FSDPParamGroup) *Engine {
	holder := &fsdpparam.AllGatherStateHolder{}
	for _, g := range groups {
		g.Holder = holder
	}
	return &Engine{Groups: groups, holder: holder}
}

// SetBackwardPrefetchOrder records, for each adjacent pair in order, which
// group should be prefetched once the earlier one enters pre-backward. This
// is a scheduling hint only.
func (e *Engine) SetBackwardPrefetchOrder(order []*FSDPParamGroup) {
	e.prefetchOrder = make(map[*FSDPParamGroup]*FSDPParamGroup, len(order))
	for i := 0; i+1 < len(order); i++ {
		e.prefetchOrder[order[i]] = order[i+1]
	}
}

// PrefetchNext returns the group hinted to unshard next after g enters
// pre-backward, or nil if no hint was registered for g.
func (e *Engine) PrefetchNext(g *FSDPParamGroup) *FSDPParamGroup {
	if e.prefetchOrder == nil {
		return nil
	}
	return e.prefetchOrder[g]
}

// FinalizeAll calls FinalizeBackward on every group concurrently. One
// group's fatal transport error does not stop the others' default-stream
// waits from being issued; the first error encountered is returned to the
// caller once all groups have finished.
func (e *Engine) FinalizeAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, group := range e.Groups {
		group := group
		g.Go(func() error {
			return group.FinalizeBackward()
		})
	}
	return g.Wait()
}
