// Package collectives defines the transport contract a param group needs:
// all-gather-into-buffer, copy-out-to-views, and reduce-scatter-with-pre/post
// -scaling. The actual collective-communication implementation (NCCL-alike,
// or in tests an in-memory stand-in) lives outside this module's scope --
// these are the interfaces FSDPParamGroup calls against.
package collectives

import (
	"context"

	"github.com/gomlx/fsdp/internal/accel"
	"github.com/gomlx/fsdp/types/fsdpparam"
	"github.com/gomlx/gopjrt/dtypes"
)

// ReplicaGroups is the transport's device-grouping argument, e.g. from
// mesh.MeshInfo.ShardReplicaGroups.
type ReplicaGroups = [][]int

// AllGatherRequest carries the parameters needed for one all-gather call.
type AllGatherRequest struct {
	ReplicaGroups  ReplicaGroups
	AsyncOp        bool
	CopyInStream   *accel.Stream
	CommStream     *accel.Stream
	Device         string
	DType          dtypes.DType
}

// CopyOutRequest carries the parameters needed for one all_gather_copy_out
// call.
type CopyOutRequest struct {
	ReplicaGroups ReplicaGroups
}

// ReduceScatterRequest carries the parameters needed for one reduce-scatter
// call, including the pre/post scaling factors. Scaling
// order is pre- then post- and must be preserved by any implementation.
type ReduceScatterRequest struct {
	ReplicaGroups ReplicaGroups
	Stream        *accel.Stream
	InputDType    dtypes.DType
	OutputDType   dtypes.DType
	Device        string
	PreFactor     float64
	PostFactor    float64
}

// Transport is the collective-communication contract FSDPParamGroup
// consumes. Implementations must return non-nil errors for
// transport failures; the engine treats those as fatal and does
// not retry.
type Transport interface {
	// AllGather concatenates each param's local shard into one contiguous
	// buffer on req.CopyInStream (casting to req.DType if needed), enqueues
	// the all-gather on req.CommStream, and returns a handle to the output
	// buffer.
	AllGather(ctx context.Context, params []*fsdpparam.FSDPParam, req AllGatherRequest) (*fsdpparam.AllGatherResult, error)

	// AllGatherCopyOut splits result's gathered buffer into per-param
	// UnshardedView slices without a data copy where strides permit, and
	// installs them via fsdpparam.FSDPParam.ToUnsharded.
	AllGatherCopyOut(result *fsdpparam.AllGatherResult, params []*fsdpparam.FSDPParam, req CopyOutRequest) error

	// ReduceScatter scales grads by 1/req.PreFactor, reduce-scatters them by
	// summation, scales the local shard by 1/req.PostFactor, writes the
	// result into each param's sharded gradient slot, and returns an event
	// marking completion.
	ReduceScatter(ctx context.Context, params []*fsdpparam.FSDPParam, grads []fsdpparam.TensorView, req ReduceScatterRequest) (*accel.Event, error)
}
