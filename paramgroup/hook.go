package paramgroup

import (
	"github.com/gomlx/fsdp/autograd"
	"github.com/gomlx/fsdp/types/fsdpparam"
)

// HookHandle is the paramgroup-facing alias for autograd.Handle: PreForward
// returns one so callers wire it into their own autograd engine without
// importing the autograd package directly.
type HookHandle = autograd.Handle

// installHook bridges a group into the autograd hook bridge. FSDPParamGroup
// satisfies fsdpparam.PostBackwardNotifier structurally via its own
// PostBackward method, so this is the only place paramgroup needs to know
// about the autograd package.
func installHook(g *FSDPParamGroup, inputs []fsdpparam.GradInput) ([]any, *HookHandle) {
	return autograd.InstallPostBackwardHook(g, inputs)
}
