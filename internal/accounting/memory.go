// Package accounting is a test-only helper computing the symbolic
// peak-memory formulas a group of FSDPParamGroups obeys, in bytes. It
// summarizes ShardedNumel/unsharded numel times dtype width; it never
// touches a real allocator and has no place in the production engine.
package accounting

// BlockFootprint is one transformer block's (or other tree node's) numel
// figures, used to compute forward/backward peaks across a sequence of
// blocks unsharded one at a time.
type BlockFootprint struct {
	ShardedNumel   int
	UnshardedNumel int
}

// Totals sums sharded/unsharded numel across all blocks, plus the largest
// single block's unsharded numel -- the three quantities the peak-memory
// formulas are expressed in terms of.
type Totals struct {
	ShardedTotal      int
	UnshardedTotal    int
	MaxBlockUnsharded int
}

// Sum computes Totals over blocks.
func Sum(blocks []BlockFootprint) Totals {
	var t Totals
	for _, b := range blocks {
		t.ShardedTotal += b.ShardedNumel
		t.UnshardedTotal += b.UnshardedNumel
		if b.UnshardedNumel > t.MaxBlockUnsharded {
			t.MaxBlockUnsharded = b.UnshardedNumel
		}
	}
	return t
}

// bytes converts a numel-weighted quantity (possibly fractional, e.g.
// 3.5 * maxBlockUnsharded) to bytes at dtypeWidth bytes per element.
func bytes(elems float64, dtypeWidth int) int64 {
	return int64(elems * float64(dtypeWidth))
}

// AfterInit returns current resident memory right after FSDP construction,
// before any forward pass: every block's shard, plus one block's worth of
// unsharded storage reserved for the currently-prefetched block.
func (t Totals) AfterInit(dtypeWidth int) int64 {
	return bytes(float64(t.ShardedTotal+t.MaxBlockUnsharded), dtypeWidth)
}

// ForwardPeakReshardAlways is the forward peak when reshard_after_forward is
// true: up to three blocks' worth of unsharded storage overlap (current,
// prefetched next, and the one finishing reshard), plus any non-block
// parameters and every block's always-resident shard.
func (t Totals) ForwardPeakReshardAlways(nonBlockNumel int, dtypeWidth int) int64 {
	elems := 3*float64(t.MaxBlockUnsharded) + float64(nonBlockNumel) + float64(t.ShardedTotal)
	return bytes(elems, dtypeWidth)
}

// BackwardPeakReshardAlways is the corresponding backward peak: the extra
// half-block term accounts for the unsharded gradient buffer overlapping a
// prefetched block's unsharded parameter, and sharded storage is now
// doubled (params plus harvested, not-yet-reduced gradients).
func (t Totals) BackwardPeakReshardAlways(nonBlockNumel int, dtypeWidth int) int64 {
	elems := 3.5*float64(t.MaxBlockUnsharded) + float64(nonBlockNumel) + 2*float64(t.ShardedTotal)
	return bytes(elems, dtypeWidth)
}

// ForwardPeakReshardNever is the forward peak when reshard_after_forward is
// false: every block's unsharded storage stays resident through the whole
// forward, on top of the always-resident shards and one extra
// currently-prefetched block.
func (t Totals) ForwardPeakReshardNever(dtypeWidth int) int64 {
	elems := float64(t.ShardedTotal) + float64(t.UnshardedTotal) + float64(t.MaxBlockUnsharded)
	return bytes(elems, dtypeWidth)
}

// BackwardPeakReshardNever is the backward-pass analogue, with half a
// block's worth of extra headroom for the in-flight gradient buffer instead
// of a full extra block.
func (t Totals) BackwardPeakReshardNever(dtypeWidth int) int64 {
	elems := float64(t.ShardedTotal) + float64(t.UnshardedTotal) + 1.5*float64(t.MaxBlockUnsharded)
	return bytes(elems, dtypeWidth)
}

// AfterOptimizerStep accounts for Adam: sharded params, sharded grads, and
// two sharded moment buffers, all at dtypeWidth.
func (t Totals) AfterOptimizerStep(dtypeWidth int) int64 {
	return bytes(4*float64(t.ShardedTotal), dtypeWidth)
}

// AfterZeroGrad drops the gradient buffer, leaving params and two moments.
func (t Totals) AfterZeroGrad(dtypeWidth int) int64 {
	return bytes(3*float64(t.ShardedTotal), dtypeWidth)
}
