package fsdpparam_test

import (
	"testing"

	"github.com/gomlx/fsdp/internal/stablehlo/types/shapes"
	"github.com/gomlx/fsdp/types/fsdpparam"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

type fakeModule struct {
	cells map[string]*fsdpparam.ParamCell
}

func newFakeModule() *fakeModule {
	return &fakeModule{cells: map[string]*fsdpparam.ParamCell{}}
}

func (m *fakeModule) SetParamCell(attrName string, cell *fsdpparam.ParamCell) {
	m.cells[attrName] = cell
}

func TestNewFSDPParam_ShardedNumelAndBinding(t *testing.T) {
	mod := newFakeModule()
	bindings := []fsdpparam.ModuleBinding{{Module: mod, AttrName: "weight"}}
	shard := &fsdpparam.ShardView{}

	p, err := fsdpparam.NewFSDPParam(dtypes.Float32, shapes.Make(dtypes.Float32, 10, 4), 0, 4, bindings, shard)
	require.NoError(t, err)

	// 10x4 = 40 elements across 4 workers -> ceil(40/4) = 10 per shard.
	require.Equal(t, 10, p.ShardedNumel())

	require.Equal(t, fsdpparam.Sharded, p.Cell.State)
	require.Same(t, p.Cell, mod.cells["weight"])
}

func TestNewFSDPParam_RejectsEmptyBindings(t *testing.T) {
	_, err := fsdpparam.NewFSDPParam(dtypes.Float32, shapes.Make(dtypes.Float32, 4), 0, 2, nil, &fsdpparam.ShardView{})
	require.Error(t, err)
}

func TestNewFSDPParam_RejectsScalarShape(t *testing.T) {
	mod := newFakeModule()
	bindings := []fsdpparam.ModuleBinding{{Module: mod, AttrName: "bias"}}
	_, err := fsdpparam.NewFSDPParam(dtypes.Float32, shapes.Make(dtypes.Float32), 0, 2, bindings, &fsdpparam.ShardView{})
	require.Error(t, err)
}

func TestNewFSDPParam_RejectsBadShardRank(t *testing.T) {
	mod := newFakeModule()
	bindings := []fsdpparam.ModuleBinding{{Module: mod, AttrName: "w"}}
	_, err := fsdpparam.NewFSDPParam(dtypes.Float32, shapes.Make(dtypes.Float32, 8), 4, 4, bindings, &fsdpparam.ShardView{})
	require.Error(t, err)
}

func TestFSDPParam_ToUnshardedToSharded(t *testing.T) {
	mod := newFakeModule()
	bindings := []fsdpparam.ModuleBinding{{Module: mod, AttrName: "w"}}
	shard := &fsdpparam.ShardView{}
	p, err := fsdpparam.NewFSDPParam(dtypes.Float32, shapes.Make(dtypes.Float32, 8), 0, 2, bindings, shard)
	require.NoError(t, err)

	view := &fsdpparam.UnshardedView{}
	p.ToUnsharded(view)
	require.Equal(t, fsdpparam.Unsharded, p.Cell.State)

	require.False(t, p.UnshardedInitialized())
	p.InitUnshardedParam()
	require.True(t, p.UnshardedInitialized())
	p.InitUnshardedParam() // idempotent
	require.True(t, p.UnshardedInitialized())

	p.ToSharded()
	require.Equal(t, fsdpparam.Sharded, p.Cell.State)
	require.False(t, p.UnshardedInitialized())
}
