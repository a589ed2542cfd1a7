package autograd_test

import (
	"testing"

	"github.com/gomlx/fsdp/autograd"
	"github.com/gomlx/fsdp/types/fsdpparam"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	calls int
	err   error
}

func (n *fakeNotifier) PostBackward() error {
	n.calls++
	return n.err
}

func TestInstallPostBackwardHook_NoGradReturnsNilHandle(t *testing.T) {
	notifier := &fakeNotifier{}
	values, handle := autograd.InstallPostBackwardHook(notifier, []fsdpparam.GradInput{
		{Value: "a", RequiresGrad: false},
		{Value: "b", RequiresGrad: false},
	})
	require.Equal(t, []any{"a", "b"}, values)
	require.Nil(t, handle)
}

func TestInstallPostBackwardHook_FiresExactlyOnce(t *testing.T) {
	notifier := &fakeNotifier{}
	values, handle := autograd.InstallPostBackwardHook(notifier, []fsdpparam.GradInput{
		{Value: "a", RequiresGrad: false},
		{Value: "b", RequiresGrad: true},
	})
	require.Equal(t, []any{"a", "b"}, values)
	require.NotNil(t, handle)
	require.False(t, handle.Fired())

	grads := []any{"grad-a", "grad-b"}
	out, err := handle.Backward(grads)
	require.NoError(t, err)
	require.Equal(t, grads, out)
	require.Equal(t, 1, notifier.calls)
	require.True(t, handle.Fired())

	// Second call is a no-op: PostBackward must not fire twice.
	_, err = handle.Backward(grads)
	require.NoError(t, err)
	require.Equal(t, 1, notifier.calls)
}

func TestHandle_BackwardPropagatesNotifierError(t *testing.T) {
	notifier := &fakeNotifier{err: require.AnError}
	_, handle := autograd.InstallPostBackwardHook(notifier, []fsdpparam.GradInput{{Value: "a", RequiresGrad: true}})
	_, err := handle.Backward([]any{"g"})
	require.Error(t, err)
}

func TestHandle_NilHandleBackwardIsNoop(t *testing.T) {
	var handle *autograd.Handle
	grads := []any{"g"}
	out, err := handle.Backward(grads)
	require.NoError(t, err)
	require.Equal(t, grads, out)
	require.False(t, handle.Fired())
}
