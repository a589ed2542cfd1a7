// Package autograd bridges the param-group state machine to an external
// autograd engine: it models an identity op whose backward fires a group's
// post-backward exactly once per backward pass.
//
// The real autograd graph construction lives in the caller's tensor/autograd
// library; this package only provides the Handle a caller wires into that
// library's custom-op mechanism.
package autograd

import "github.com/gomlx/fsdp/types/fsdpparam"

// Handle is returned by InstallPostBackwardHook when at least one input
// requires gradient. The caller's autograd engine must invoke Backward
// exactly once, when gradients start flowing back through the wrapped
// inputs -- typically from the custom identity op's backward closure.
type Handle struct {
	notifier fsdpparam.PostBackwardNotifier
	fired    bool
}

// Backward fires the bound group's PostBackward on its first call; later
// calls are no-ops. grads is returned unchanged, matching the identity op's
// backward contract (RegisterPostBackwardHook.backward in the original
// implementation returns its incoming grads verbatim).
func (h *Handle) Backward(grads []any) ([]any, error) {
	if h == nil {
		return grads, nil
	}
	if !h.fired {
		h.fired = true
		if err := h.notifier.PostBackward(); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

// Fired reports whether Backward has already run.
func (h *Handle) Fired() bool {
	return h != nil && h.fired
}

// InstallPostBackwardHook is the hook bridge. It inspects
// inputs (already flattened from a forward call's args/kwargs by the
// caller), and for any that RequiresGrad, conceptually routes them through
// an identity op whose backward calls notifier.PostBackward(). It returns
// the (unchanged) values in the same order, plus a Handle the caller must
// wire into its autograd engine -- or nil if no input required gradient, in
// which case the group has no hook firing and must rely on
// FSDPParamGroup.FinalizeBackward as a fallback.
func InstallPostBackwardHook(notifier fsdpparam.PostBackwardNotifier, inputs []fsdpparam.GradInput) (values []any, handle *Handle) {
	values = make([]any, len(inputs))
	anyRequiresGrad := false
	for i, in := range inputs {
		values[i] = in.Value
		if in.RequiresGrad {
			anyRequiresGrad = true
		}
	}
	if !anyRequiresGrad {
		return values, nil
	}
	return values, &Handle{notifier: notifier}
}
