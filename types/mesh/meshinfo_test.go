package mesh_test

import (
	"testing"

	"github.com/gomlx/fsdp/internal/stablehlo/types/shardy"
	"github.com/gomlx/fsdp/types/mesh"
	"github.com/stretchr/testify/require"
)

func TestNewMeshInfo(t *testing.T) {
	dm, err := shardy.NewDeviceMesh("mesh", []int{4}, []string{"data"})
	require.NoError(t, err)

	m, err := mesh.NewMeshInfo(dm, "data")
	require.NoError(t, err)
	require.False(t, m.IsHSDP())
	require.Equal(t, 4, m.ShardSize())
	require.Equal(t, 1, m.ReplicateSize())
	require.Equal(t, 4, m.DataParallelWorldSize())

	groups, err := m.ShardReplicaGroups()
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

	_, err = m.ReplicateReplicaGroups()
	require.Error(t, err)
}

func TestNewMeshInfo_InvalidAxis(t *testing.T) {
	dm, err := shardy.NewDeviceMesh("mesh", []int{4}, []string{"data"})
	require.NoError(t, err)

	_, err = mesh.NewMeshInfo(dm, "bogus")
	require.Error(t, err)

	_, err = mesh.NewMeshInfo(nil, "data")
	require.Error(t, err)
}

func TestNewHSDPMeshInfo(t *testing.T) {
	shardDM, err := shardy.NewDeviceMesh("mesh", []int{2, 2}, []string{"data", "replica"})
	require.NoError(t, err)

	m, err := mesh.NewHSDPMeshInfo(shardDM, "data", shardDM, "replica")
	require.NoError(t, err)
	require.True(t, m.IsHSDP())
	require.Equal(t, 2, m.ShardSize())
	require.Equal(t, 2, m.ReplicateSize())
	require.Equal(t, 4, m.DataParallelWorldSize())

	groups, err := m.ReplicateReplicaGroups()
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)
}

func TestNewHSDPMeshInfo_InvalidReplicateAxis(t *testing.T) {
	shardDM, err := shardy.NewDeviceMesh("mesh", []int{2, 2}, []string{"data", "replica"})
	require.NoError(t, err)

	_, err = mesh.NewHSDPMeshInfo(shardDM, "data", shardDM, "bogus")
	require.Error(t, err)

	_, err = mesh.NewHSDPMeshInfo(shardDM, "data", nil, "replica")
	require.Error(t, err)
}
