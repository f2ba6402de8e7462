package node_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeflow-dev/edgeflow/node"
)

type scriptedRole struct {
	calls       []string
	setupErr    error
	runErr      error
	teardownErr error
}

func (r *scriptedRole) Kind() string { return "scripted" }
func (r *scriptedRole) Setup(ctx context.Context) error {
	r.calls = append(r.calls, "setup")
	return r.setupErr
}
func (r *scriptedRole) RunLoop(ctx context.Context) error {
	r.calls = append(r.calls, "run")
	return r.runErr
}
func (r *scriptedRole) Teardown(ctx context.Context) error {
	r.calls = append(r.calls, "teardown")
	return r.teardownErr
}

func TestExecuteRunsSetupRunLoopTeardownInOrder(t *testing.T) {
	r := &scriptedRole{}
	err := node.Execute(context.Background(), "n1", r)
	require.NoError(t, err)
	require.Equal(t, []string{"setup", "run", "teardown"}, r.calls)
}

func TestExecuteSkipsRunLoopWhenSetupFails(t *testing.T) {
	r := &scriptedRole{setupErr: errors.New("boom")}
	err := node.Execute(context.Background(), "n1", r)
	require.Error(t, err)

	var fault *node.FaultError
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "setup", fault.Stage)
	require.Equal(t, []string{"setup"}, r.calls)
}

func TestExecuteStillRunsTeardownAfterRunLoopError(t *testing.T) {
	r := &scriptedRole{runErr: errors.New("run failed")}
	err := node.Execute(context.Background(), "n1", r)
	require.Error(t, err)

	var fault *node.FaultError
	require.ErrorAs(t, err, &fault)
	require.Equal(t, "run_loop", fault.Stage)
	require.Equal(t, []string{"setup", "run", "teardown"}, r.calls)
}

func TestExecuteRecoversPanicInRunLoop(t *testing.T) {
	r := &panicRole{}
	err := node.Execute(context.Background(), "n1", r)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic recovery")
}

type panicRole struct{}

func (r *panicRole) Kind() string                       { return "panicker" }
func (r *panicRole) Setup(ctx context.Context) error    { return nil }
func (r *panicRole) Teardown(ctx context.Context) error { return nil }
func (r *panicRole) RunLoop(ctx context.Context) error {
	panic("nope")
}

func TestBuildReturnsErrorForUnregisteredPath(t *testing.T) {
	_, err := node.Build("nodes/does-not-exist", node.BootstrapContext{})
	require.Error(t, err)
}

func TestRegisterAndBuildRoundTrip(t *testing.T) {
	node.Register("nodes/test-echo", func(ctx node.BootstrapContext) (node.Role, error) {
		return &scriptedRole{}, nil
	})

	role, err := node.Build("nodes/test-echo", node.BootstrapContext{Config: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.Equal(t, "scripted", role.Kind())
}

func TestNewBaseAssignsDistinctInstanceIDs(t *testing.T) {
	a := node.NewBase("n", nil, nil)
	b := node.NewBase("n", nil, nil)
	require.NotEmpty(t, a.InstanceID)
	require.NotEqual(t, a.InstanceID, b.InstanceID)
}
