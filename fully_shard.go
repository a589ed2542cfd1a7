// Package fsdp wires the parameter-group state machine, the autograd hook
// bridge, and module-tree discovery into the single entry point higher
// layers call: FullyShard.
package fsdp

import (
	"context"

	"github.com/gomlx/fsdp/autograd"
	"github.com/gomlx/fsdp/collectives"
	"github.com/gomlx/fsdp/paramgroup"
	"github.com/gomlx/fsdp/types/fsdpparam"
	"github.com/gomlx/fsdp/types/mesh"
	"github.com/pkg/errors"
)

// Group is the handle FullyShard returns: the installed param group plus
// the forward/backward entry points a module wrapper calls around its own
// compute.
type Group struct {
	inner *paramgroup.FSDPParamGroup
}

// FullyShard builds an FSDPParamGroup over params (already discovered via
// fsdpparam.BuildModuleBindings and sharded by the caller into per-rank
// ShardViews), sharded according to m, communicating over transport. It
// installs a group on a module subtree: the caller still owns running its
// own forward through Group.Forward, and calling
// PreBackward/FinalizeBackward around backward.
func FullyShard(params []*fsdpparam.FSDPParam, m *mesh.MeshInfo, device string, transport collectives.Transport, reshardAfterForward bool) (*Group, error) {
	cfg := paramgroup.DefaultConfig()
	if !reshardAfterForward {
		cfg.ReshardAfterForward = paramgroup.RESHARD_NEVER
	}
	inner, err := paramgroup.New(params, m, device, transport, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "fsdp: FullyShard")
	}
	return &Group{inner: inner}, nil
}

// Forward runs the group's pre-forward sequence, calls fn with the
// (possibly hook-wrapped) values, then runs post-forward. The handle passed
// to fn -- non-nil if any input required gradient -- must be kept by the
// caller's autograd graph and invoked exactly once when gradients reach it.
func (g *Group) Forward(ctx context.Context, inputs []fsdpparam.GradInput, fn func(values []any, handle *autograd.Handle) (any, error)) (any, error) {
	values, handle, err := g.inner.PreForward(ctx, inputs)
	if err != nil {
		return nil, err
	}
	out, err := fn(values, handle)
	g.inner.PostForward()
	return out, err
}

// PreBackward runs the group's pre-backward unshard/wait sequence. Callers
// that drive backward passes outside of this package's autograd bridge
// call this before the group's parameters are read for gradient
// computation.
func (g *Group) PreBackward(ctx context.Context) error {
	return g.inner.PreBackward(ctx)
}

// FinalizeBackward is the post-step entry point: called once per group
// after the backward pass completes, whether or not the post-backward hook
// fired.
func (g *Group) FinalizeBackward() error {
	return g.inner.FinalizeBackward()
}

// SetRequiresGradSync toggles gradient sync: when false, PostBackward
// harvests and clears the gradients and reshards but launches no
// reduce-scatter and keeps no copy of the gradients, until re-enabled.
func (g *Group) SetRequiresGradSync(v bool) { g.inner.SetRequiresGradSync(v) }

// Inner exposes the underlying FSDPParamGroup for callers that need direct
// access to State/ShardedState or to compose several groups under one
// paramgroup.Engine.
func (g *Group) Inner() *paramgroup.FSDPParamGroup { return g.inner }
