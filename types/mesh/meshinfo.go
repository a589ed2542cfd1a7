// Package mesh describes the process mesh an FSDPParamGroup is sharded over.
//
// A MeshInfo wraps one or two shardy.DeviceMesh axes: a required shard axis
// (plain FSDP) and an optional replicate axis (HSDP). Replica-group math is
// delegated to shardy.DeviceMesh.ComputeReplicaGroups rather than
// re-implemented here.
package mesh

import (
	"github.com/gomlx/fsdp/internal/stablehlo/types/shapes"
	"github.com/gomlx/fsdp/internal/stablehlo/types/shardy"
	"github.com/pkg/errors"
)

// MeshInfo records the shard dimension (required) and replicate dimension
// (optional, HSDP) of a data-parallel process mesh.
type MeshInfo struct {
	// ShardMesh is the device mesh containing the shard axis. In plain FSDP
	// this is the only mesh; in HSDP it is usually the same mesh as
	// ReplicateMesh with a different axis name.
	ShardMesh *shardy.DeviceMesh
	ShardAxis string

	// ReplicateMesh and ReplicateAxis are nil/"" for plain FSDP (no HSDP).
	ReplicateMesh *shardy.DeviceMesh
	ReplicateAxis string
}

// NewMeshInfo builds a plain (non-HSDP) MeshInfo sharded along shardAxis of mesh.
func NewMeshInfo(shardMesh *shardy.DeviceMesh, shardAxis string) (*MeshInfo, error) {
	if shardMesh == nil {
		return nil, errors.New("mesh: ShardMesh cannot be nil")
	}
	if _, err := shardMesh.AxisSize(shardAxis); err != nil {
		return nil, errors.Wrapf(err, "mesh: invalid shard axis %q", shardAxis)
	}
	return &MeshInfo{ShardMesh: shardMesh, ShardAxis: shardAxis}, nil
}

// NewHSDPMeshInfo builds a MeshInfo with both a shard and a replicate axis.
func NewHSDPMeshInfo(shardMesh *shardy.DeviceMesh, shardAxis string, replicateMesh *shardy.DeviceMesh, replicateAxis string) (*MeshInfo, error) {
	m, err := NewMeshInfo(shardMesh, shardAxis)
	if err != nil {
		return nil, err
	}
	if replicateMesh == nil {
		return nil, errors.New("mesh: ReplicateMesh cannot be nil for HSDP")
	}
	if _, err := replicateMesh.AxisSize(replicateAxis); err != nil {
		return nil, errors.Wrapf(err, "mesh: invalid replicate axis %q", replicateAxis)
	}
	m.ReplicateMesh = replicateMesh
	m.ReplicateAxis = replicateAxis
	return m, nil
}

// IsHSDP reports whether this mesh also defines a replicate dimension.
func (m *MeshInfo) IsHSDP() bool {
	return m.ReplicateMesh != nil
}

// ShardSize returns the number of workers along the shard axis.
func (m *MeshInfo) ShardSize() int {
	size, err := m.ShardMesh.AxisSize(m.ShardAxis)
	if err != nil {
		// Constructors validate the axis exists; this would indicate the mesh
		// was mutated after construction, which is a programming error.
		panic(err)
	}
	return size
}

// ReplicateSize returns the number of workers along the replicate axis, or 1
// if this is not an HSDP mesh.
func (m *MeshInfo) ReplicateSize() int {
	if !m.IsHSDP() {
		return 1
	}
	size, err := m.ReplicateMesh.AxisSize(m.ReplicateAxis)
	if err != nil {
		panic(err)
	}
	return size
}

// DataParallelWorldSize returns shard_size * replicate_size.
func (m *MeshInfo) DataParallelWorldSize() int {
	return m.ShardSize() * m.ReplicateSize()
}

// ShardReplicaGroups returns the replica groups that participate together in
// the shard-dimension all-gather / reduce-scatter collectives.
func (m *MeshInfo) ShardReplicaGroups() ([][]int, error) {
	groups, err := m.ShardMesh.ComputeReplicaGroups([]string{m.ShardAxis})
	if err != nil {
		return nil, errors.Wrap(err, "mesh: computing shard replica groups")
	}
	return groups, nil
}

// ReplicateReplicaGroups returns the replica groups for the replicate
// dimension. It errors if this mesh has no replicate axis.
func (m *MeshInfo) ReplicateReplicaGroups() ([][]int, error) {
	if !m.IsHSDP() {
		return nil, errors.New("mesh: MeshInfo has no replicate axis")
	}
	groups, err := m.ReplicateMesh.ComputeReplicaGroups([]string{m.ReplicateAxis})
	if err != nil {
		return nil, errors.Wrap(err, "mesh: computing replicate replica groups")
	}
	return groups, nil
}

// ParamShardingSpec describes how a full (unsharded) parameter of origShape
// is laid out once FSDP shards its dim 0 across this mesh's shard axis: dim
// 0 sharded on ShardAxis, every other dim replicated. It is a descriptive
// artifact only -- logging and diagnostics -- the actual shard/unshard
// bookkeeping lives on FSDPParam and never consults it.
func (m *MeshInfo) ParamShardingSpec(origShape shapes.Shape) (*shardy.ShardingSpec, error) {
	if origShape.Rank() == 0 {
		return nil, errors.New("mesh: cannot describe sharding of a rank-0 (scalar) parameter")
	}
	spec := shardy.NewShardingSpec(m.ShardMesh).AddShardedAxis(m.ShardAxis)
	if err := spec.ValidateShape(origShape); err != nil {
		return nil, errors.Wrap(err, "mesh: building param sharding spec")
	}
	return spec, nil
}
