package fsdpparam

import "github.com/pkg/errors"

// ParamID is an opaque, identity-comparable key for one original parameter
// tensor -- e.g. a pointer address the caller's module-tree walk derives
// from the tensor itself. Two NamedParam entries sharing a ParamID describe
// the same underlying storage, i.e. a shared parameter.
type ParamID any

// NamedParam is one (module, attribute) pair discovered while walking a
// module tree, before any FSDP construction happens.
type NamedParam struct {
	Module ModuleHandle
	Name   string
	ID     ParamID
}

// BuildModuleBindings groups named, duplicate-preserving module-tree
// traversal results by parameter identity, the way the reference
// implementation's _get_param_module_infos does: every (module, attrName)
// pair that resolves to the same underlying parameter becomes one entry's
// extra ModuleBinding, rather than being deduplicated away. This is what
// lets a shared parameter end up with multiple bindings that all observe
// the same ParamCell.
//
// wanted lists the ParamIDs the caller actually wants FSDPParam objects for,
// in the order they should be returned. It is a configuration error for any
// of them to be missing from named.
func BuildModuleBindings(wanted []ParamID, named []NamedParam) ([][]ModuleBinding, error) {
	byID := make(map[any][]ModuleBinding)
	for _, np := range named {
		byID[np.ID] = append(byID[np.ID], ModuleBinding{Module: np.Module, AttrName: np.Name})
	}

	result := make([][]ModuleBinding, len(wanted))
	for i, id := range wanted {
		bindings, ok := byID[id]
		if !ok || len(bindings) == 0 {
			return nil, errors.Errorf("fsdpparam: parameter %v is not reachable from the bound module tree", id)
		}
		result[i] = bindings
	}
	return result, nil
}
