package fsdpparam

import "github.com/gomlx/fsdp/internal/stablehlo/types/shapes"

// TensorView is the thin contract this engine needs from the tensor library,
// treated as an external collaborator: device placement, dtype, numel, and a
// raw, contiguous byte buffer it can slice or view without copying. Real
// element-wise ops, reshape, and allocation live entirely outside this
// package.
type TensorView struct {
	Shape  shapes.Shape
	DType  string // mirrors dtypes.DType.String(); kept decoupled from gopjrt here
	Device string
	Data   []byte
}

// Numel returns the number of elements described by Shape.
func (t *TensorView) Numel() int {
	if t == nil {
		return 0
	}
	n := 1
	for _, d := range t.Shape.Dimensions {
		n *= d
	}
	return n
}

// ShardView is a parameter's always-resident local shard.
type ShardView struct {
	Tensor TensorView
}

// UnshardedView is a view over a slice of the group's contiguous all-gather
// output buffer. It exists only while the owning FSDPParam is Unsharded.
type UnshardedView struct {
	Tensor TensorView
	// Grad holds the harvested gradient once backward populates it; nil
	// otherwise. PostBackward reads and then clears this.
	Grad *TensorView
}

// ParamCell is the tagged-parameter-cell design note: a single stable-identity
// object that a bound module observes through ModuleHandle.SetParamCell.
// FSDP toggles its State and active view in place; the module never needs a
// new pointer installed.
type ParamCell struct {
	State     ShardedState
	Shard     *ShardView
	Unsharded *UnshardedView

	// ShardedGrad holds the reduce-scattered gradient's local shard, once
	// PostBackward's reduce-scatter completes. It is distinct storage from
	// Shard, which always holds the parameter's own weight value -- an
	// optimizer step reads Shard and ShardedGrad together and must never
	// see the weight overwritten by its own gradient.
	ShardedGrad *TensorView
}

// ToSharded switches the cell to its sharded view, dropping the unsharded
// backing.
func (c *ParamCell) ToSharded(shard *ShardView) {
	c.State = Sharded
	c.Shard = shard
	c.Unsharded = nil
}

// ToUnsharded switches the cell to its unsharded view. The sharded storage
// remains allocated but callers must treat it as unused for
// compute while Unsharded.
func (c *ParamCell) ToUnsharded(view *UnshardedView) {
	c.State = Unsharded
	c.Unsharded = view
}

// ModuleHandle is the minimal contract this engine needs from the "module
// tree" collaborator: the ability to bind a stable ParamCell pointer under a
// named attribute once, at construction time.
type ModuleHandle interface {
	// SetParamCell installs cell as the attribute named attrName's live
	// value. Called once per (module, attrName) pair at FSDPParam
	// construction; FSDP never calls this again -- all later transitions
	// mutate the cell in place.
	SetParamCell(attrName string, cell *ParamCell)
}

// ModuleBinding names one attribute, on one module, that a parameter is
// bound to. A parameter may have more than one binding when it (or its
// owning submodule) is shared across the module tree.
type ModuleBinding struct {
	Module   ModuleHandle
	AttrName string
}
