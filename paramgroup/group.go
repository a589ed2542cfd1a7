// Package paramgroup implements FSDPParamGroup, the per-group state machine
// that orchestrates unshard/reshard around forward/backward, tracks the
// group's TrainingState and ShardedState, and drives the collectives
// transport across the group's streams.
package paramgroup

import (
	"context"

	"github.com/gomlx/fsdp/collectives"
	"github.com/gomlx/fsdp/internal/accel"
	"github.com/gomlx/fsdp/internal/gradscale"
	"github.com/gomlx/fsdp/internal/telemetry"
	"github.com/gomlx/fsdp/types/fsdpparam"
	"github.com/gomlx/fsdp/types/mesh"
	"github.com/pkg/errors"
)

// FSDPParamGroup is a tree node owning a contiguous batch of parameters that
// communicate together.
type FSDPParamGroup struct {
	Params    []*fsdpparam.FSDPParam
	Mesh      *mesh.MeshInfo
	Streams   accel.StreamSet
	Transport collectives.Transport
	Config    Config

	// Holder is the single-slot AllGatherStateHolder shared across the
	// whole sequence of groups in one Engine: it hands off
	// one group's all-gather result to the next group's wait_for_unshard,
	// bounding the overlap window to one step.
	Holder *fsdpparam.AllGatherStateHolder

	state        fsdpparam.TrainingState
	shardedState fsdpparam.ShardedState

	pendingAllGather *fsdpparam.AllGatherResult
	rsEvent          *accel.Event

	preFactor, postFactor float64

	// requiresGradSync, when false, makes PostBackward skip reduce-scatter;
	// the harvested gradients are cleared and not kept.
	requiresGradSync bool

	// device and dtype are fixed at construction; all params in the group
	// share one orig dtype.
	device string

	logger telemetry.Logger
}

// SetLogger installs l as the group's diagnostic sink. A nil Logger is
// valid and discards everything.
func (g *FSDPParamGroup) SetLogger(l telemetry.Logger) { g.logger = telemetry.OrDefault(l) }

// New constructs a group over params, sharded according to m. It returns a
// configuration error if params have mixed OrigDType, or if worldSize can't be computed.
func New(params []*fsdpparam.FSDPParam, m *mesh.MeshInfo, device string, transport collectives.Transport, cfg Config) (*FSDPParamGroup, error) {
	if len(params) == 0 {
		return nil, errors.New("paramgroup: a group must own at least one parameter")
	}
	dtype := params[0].OrigDType
	for _, p := range params[1:] {
		if p.OrigDType != dtype {
			return nil, errors.Errorf("paramgroup: FSDP expects uniform original parameter dtype, got %s and %s", dtype, p.OrigDType)
		}
	}
	worldSize := m.DataParallelWorldSize()
	factors, err := gradscale.Compute(worldSize)
	if err != nil {
		return nil, errors.Wrap(err, "paramgroup: computing gradient divide factors")
	}

	logger := telemetry.OrDefault(nil)
	for _, p := range params {
		if spec, err := m.ParamShardingSpec(p.OrigShape); err == nil {
			logger.Printf("paramgroup: param sharding %s", spec.ToStableHLO())
		}
	}

	return &FSDPParamGroup{
		Params:            params,
		Mesh:              m,
		Streams:           accel.NewStreamSet(),
		Transport:         transport,
		Config:            cfg,
		Holder:            &fsdpparam.AllGatherStateHolder{},
		state:             fsdpparam.Idle,
		shardedState:      fsdpparam.Sharded,
		preFactor:         factors.Pre,
		postFactor:        factors.Post,
		requiresGradSync:  true,
		device:            device,
		logger:            logger,
	}, nil
}

// State returns the group's current TrainingState.
func (g *FSDPParamGroup) State() fsdpparam.TrainingState { return g.state }

// ShardedState returns the group's current ShardedState: this always
// equals the state of every contained parameter, which toSharded/
// toUnsharded maintain by construction.
func (g *FSDPParamGroup) ShardedState() fsdpparam.ShardedState { return g.shardedState }

// SetRequiresGradSync toggles whether PostBackward reduce-scatters the
// harvested gradients. When false, PostBackward still harvests and clears
// them and reshards, but launches no reduce-scatter and keeps no copy of
// the gradients.
func (g *FSDPParamGroup) SetRequiresGradSync(v bool) { g.requiresGradSync = v }

// PreFactor and PostFactor expose the gradient divide factors for tests
// asserting that pre*post equals the world size exactly.
func (g *FSDPParamGroup) PreFactor() float64  { return g.preFactor }
func (g *FSDPParamGroup) PostFactor() float64 { return g.postFactor }

func (g *FSDPParamGroup) useAllGatherStream() bool {
	return g.state == fsdpparam.Forward || g.state == fsdpparam.PreBackward
}

func (g *FSDPParamGroup) copyInStreamForUnshard() *accel.Stream {
	if g.useAllGatherStream() {
		return g.Streams.AllGatherCopyIn
	}
	return g.Streams.Default
}

func (g *FSDPParamGroup) allGatherStreamForUnshard() *accel.Stream {
	if g.useAllGatherStream() {
		return g.Streams.AllGather
	}
	return g.Streams.Default
}

// Unshard launches an all-gather unless one is already pending or the group
// is already UNSHARDED, in which case it is a no-op.
func (g *FSDPParamGroup) Unshard(ctx context.Context) error {
	if g.pendingAllGather != nil {
		return nil // already called, pending wait
	}
	if g.shardedState == fsdpparam.Unsharded {
		g.logger.Printf("paramgroup: unshard no-op, group already unsharded")
		return nil
	}
	req := collectives.AllGatherRequest{
		CopyInStream: g.copyInStreamForUnshard(),
		CommStream:   g.allGatherStreamForUnshard(),
		Device:       g.device,
		DType:        g.Params[0].OrigDType,
	}
	if groups, err := g.Mesh.ShardReplicaGroups(); err == nil {
		req.ReplicaGroups = groups
	} else {
		return errors.Wrap(err, "paramgroup: computing all-gather replica groups")
	}
	result, err := g.Transport.AllGather(ctx, g.Params, req)
	if err != nil {
		return errors.Wrap(err, "paramgroup: all-gather failed")
	}
	g.pendingAllGather = result
	return nil
}

func (g *FSDPParamGroup) waitAllGatherStreamsOnEvent(ev *accel.Event) {
	g.Streams.AllGatherCopyIn.WaitEvent(ev)
	g.Streams.AllGather.WaitEvent(ev)
}

// WaitForUnshard completes a pending unshard: it runs the copy-out, installs
// the unsharded views, and (in FORWARD with implicit prefetch) hands off the
// completion event to the shared holder for the next group.
// Calling it with no pending all-gather is a benign no-op.
func (g *FSDPParamGroup) WaitForUnshard() error {
	if g.pendingAllGather == nil {
		return nil
	}
	if g.state == fsdpparam.Forward {
		if prev, ok := g.Holder.Pop(); ok {
			g.waitAllGatherStreamsOnEvent(prev.Event.(*accel.Event))
		} else {
			g.logger.Printf("paramgroup: no prefetched all-gather state handed off, unshard ran uncovered")
		}
	}

	copyReq := collectives.CopyOutRequest{}
	if groups, err := g.Mesh.ShardReplicaGroups(); err == nil {
		copyReq.ReplicaGroups = groups
	}
	if err := g.Transport.AllGatherCopyOut(g.pendingAllGather, g.Params, copyReq); err != nil {
		return errors.Wrap(err, "paramgroup: all-gather copy-out failed")
	}
	for _, p := range g.Params {
		p.InitUnshardedParam()
	}
	g.shardedState = fsdpparam.Unsharded

	copyOutEvent := accel.NewEvent()
	copyOutEvent.Record()

	if g.state == fsdpparam.Forward {
		if err := g.Holder.Put(fsdpparam.AllGatherState{Result: g.pendingAllGather, Event: copyOutEvent}); err != nil {
			return errors.Wrap(err, "paramgroup: publishing all-gather state")
		}
	} else {
		g.waitAllGatherStreamsOnEvent(copyOutEvent)
	}
	g.pendingAllGather = nil
	return nil
}

// Reshard drops the unsharded storage and restores the sharded form.
func (g *FSDPParamGroup) Reshard() {
	if g.shardedState != fsdpparam.Sharded {
		for _, p := range g.Params {
			p.ToSharded()
		}
		g.shardedState = fsdpparam.Sharded
	} else {
		g.logger.Printf("paramgroup: reshard no-op, group already sharded")
	}
}

// PreForward runs the group's pre-forward sequence: set FORWARD, unshard,
// wait, and install the post-backward hook on any grad-requiring inputs.
// The caller supplies the already-flattened forward inputs
// and gets back the (unchanged) values plus an autograd.Handle-shaped hook
// (via installHook) to wire into its own autograd engine.
func (g *FSDPParamGroup) PreForward(ctx context.Context, inputs []fsdpparam.GradInput) ([]any, *HookHandle, error) {
	g.state = fsdpparam.Forward
	if err := g.Unshard(ctx); err != nil {
		return nil, nil, err
	}
	if err := g.WaitForUnshard(); err != nil {
		return nil, nil, err
	}
	values, handle := installHook(g, inputs)
	return values, handle, nil
}

// PostForward reshards (if the group's ReshardPolicy calls for it after
// every forward) and returns the group to IDLE.
func (g *FSDPParamGroup) PostForward() {
	if g.Config.ReshardAfterForward == RESHARD_ALWAYS {
		g.Reshard()
	}
	g.state = fsdpparam.Idle
}

// PreBackward sets PRE_BACKWARD, unshards (a no-op if already prefetched or
// unsharded), and waits.
func (g *FSDPParamGroup) PreBackward(ctx context.Context) error {
	g.state = fsdpparam.PreBackward
	if err := g.Unshard(ctx); err != nil {
		return err
	}
	return g.WaitForUnshard()
}

// PostBackward harvests unsharded gradients, reshards, and (if any
// gradients were found, and grad sync is enabled) launches reduce-scatter.
// It is invoked from the autograd hook bridge; see FinalizeBackward for the
// no-hook fallback.
func (g *FSDPParamGroup) PostBackward() error {
	g.state = fsdpparam.PostBackward

	var withGrad []*fsdpparam.FSDPParam
	var grads []fsdpparam.TensorView
	for _, p := range g.Params {
		if p.Cell.Unsharded == nil || p.Cell.Unsharded.Grad == nil {
			continue
		}
		withGrad = append(withGrad, p)
		grads = append(grads, *p.Cell.Unsharded.Grad)
		p.Cell.Unsharded.Grad = nil
	}
	g.Reshard()

	if len(withGrad) == 0 {
		return nil
	}
	if !g.requiresGradSync {
		// Gradient accumulation: stash into ShardedStorage-adjacent state is
		// out of scope for this no-sync path without a real tensor library;
		// callers accumulating across microbatches are expected to keep
		// their own buffer and re-enable sync before the last microbatch.
		return nil
	}

	req := collectives.ReduceScatterRequest{
		Stream:      g.Streams.ReduceScatter,
		InputDType:  g.Params[0].OrigDType,
		OutputDType: g.Params[0].OrigDType,
		Device:      g.device,
		PreFactor:   g.preFactor,
		PostFactor:  g.postFactor,
	}
	if groups, err := g.Mesh.ShardReplicaGroups(); err == nil {
		req.ReplicaGroups = groups
	} else {
		return errors.Wrap(err, "paramgroup: computing reduce-scatter replica groups")
	}
	ev, err := g.Transport.ReduceScatter(context.Background(), withGrad, grads, req)
	if err != nil {
		return errors.Wrap(err, "paramgroup: reduce-scatter failed")
	}
	g.rsEvent = ev
	return nil
}

// FinalizeBackward is called once per group after the backward pass
// completes. If the group never fired its post-backward hook (no
// grad-requiring forward input reached the autograd hook bridge), it runs
// PostBackward directly. It then makes the default stream wait on any
// pending reduce-scatter event (see accel.Stream.WaitEvent), and returns the
// group to IDLE.
func (g *FSDPParamGroup) FinalizeBackward() error {
	if g.shardedState == fsdpparam.Unsharded {
		if err := g.PostBackward(); err != nil {
			return err
		}
	}
	if g.rsEvent != nil {
		g.Streams.Default.WaitEvent(g.rsEvent)
		g.rsEvent = nil
	}
	g.state = fsdpparam.Idle
	return nil
}
