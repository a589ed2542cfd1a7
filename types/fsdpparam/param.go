package fsdpparam

import (
	"github.com/gomlx/fsdp/internal/stablehlo/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FSDPParam holds the per-parameter state of one sharded parameter: the
// original dtype/shape, the module bindings it must keep in sync, its
// always-resident sharded storage, and the transient unsharded views created
// between unshard and reshard.
type FSDPParam struct {
	OrigDType dtypes.DType
	OrigShape shapes.Shape
	Bindings  []ModuleBinding

	// Cell is the stable-identity tagged cell every binding observes.
	Cell *ParamCell

	// shardSize is the number of workers the parameter is sharded across
	// along dim 0; needed to recompute the ceil-division padded numel.
	shardSize int

	// unshardedInitialized tracks whether InitUnshardedParam has already run
	// for the current unshard; it stays idempotent within one iteration.
	unshardedInitialized bool
}

// NewFSDPParam records shard, the caller-provided local slice for shardRank
// of origShape sharded along dim 0 across shardSize workers, as the
// always-resident sharded storage, and binds the parameter's cell into every
// module in bindings. It does not slice, pad or move any data itself;
// ShardedNumel reports the ceiling-division per-worker size. bindings must be
// non-empty: a parameter unreachable from any bound module is a
// configuration error.
func NewFSDPParam(origDType dtypes.DType, origShape shapes.Shape, shardRank, shardSize int, bindings []ModuleBinding, shard *ShardView) (*FSDPParam, error) {
	if len(bindings) == 0 {
		return nil, errors.New("fsdpparam: parameter is not reachable from any bound module")
	}
	if shardSize <= 0 {
		return nil, errors.Errorf("fsdpparam: shardSize must be positive, got %d", shardSize)
	}
	if shardRank < 0 || shardRank >= shardSize {
		return nil, errors.Errorf("fsdpparam: shardRank %d out of range [0, %d)", shardRank, shardSize)
	}
	if origShape.Rank() == 0 {
		return nil, errors.New("fsdpparam: cannot shard a rank-0 (scalar) parameter along dim 0")
	}

	p := &FSDPParam{
		OrigDType: origDType,
		OrigShape: origShape,
		Bindings:  append([]ModuleBinding(nil), bindings...),
		shardSize: shardSize,
		Cell:      &ParamCell{},
	}
	p.Cell.ToSharded(shard)
	for _, b := range p.Bindings {
		b.Module.SetParamCell(b.AttrName, p.Cell)
	}
	return p, nil
}

// ShardedNumel returns ceil(orig_numel / shard_size), the per-worker element
// count after padding.
func (p *FSDPParam) ShardedNumel() int {
	origNumel := 1
	for _, d := range p.OrigShape.Dimensions {
		origNumel *= d
	}
	return ceilDiv(origNumel, p.shardSize)
}

func ceilDiv(numel, shardSize int) int {
	if shardSize <= 0 {
		return numel
	}
	return (numel + shardSize - 1) / shardSize
}

// ToSharded releases the unsharded view and restores the sharded-tensor cell
// on every bound module. Because all bindings observe the
// same ParamCell pointer, one mutation is visible to all of them.
func (p *FSDPParam) ToSharded() {
	shard := p.Cell.Shard
	p.Cell.ToSharded(shard)
	p.unshardedInitialized = false
}

// ToUnsharded installs the unsharded view backed by the group's all-gather
// output buffer as the live parameter cell content.
func (p *FSDPParam) ToUnsharded(view *UnshardedView) {
	p.Cell.ToUnsharded(view)
}

// InitUnshardedParam is called once per training iteration after the first
// copy-out. In a real autograd integration this is where the view gets
// bound into the graph so gradients accumulate into the contiguous
// all-gather buffer; here it is a no-op marker kept idempotent within one
// iteration.
func (p *FSDPParam) InitUnshardedParam() {
	if p.unshardedInitialized {
		return
	}
	p.unshardedInitialized = true
}

// UnshardedInitialized reports whether InitUnshardedParam has already run
// for the current unshard cycle; exposed for tests asserting the
// one-call-per-iteration contract.
func (p *FSDPParam) UnshardedInitialized() bool {
	return p.unshardedInitialized
}
