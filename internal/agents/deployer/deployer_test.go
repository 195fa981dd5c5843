package deployer

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/state"
	"OpenAgent-Runtime/pkg/logger"
)

func newDeployer(t *testing.T, store state.Store, cfg Config, opts ...agent.Option) *Agent {
	t.Helper()
	opts = append([]agent.Option{agent.WithLogLevel(logger.LevelError)}, opts...)
	d, err := New(store, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Initialize(context.Background()))
	return d
}

func deploy(t *testing.T, d *Agent, app string) Deployment {
	t.Helper()
	value, err := d.ExecuteTask(context.Background(), agent.Task{Type: TaskDeployLocal, Payload: map[string]any{"app": app}})
	require.NoError(t, err)
	return value.(Deployment)
}

func TestDeployLocalAllocatesFirstFreePort(t *testing.T) {
	d := newDeployer(t, state.NewMemoryStore(), Config{})

	assert.Equal(t, 8000, deploy(t, d, "TerraAgent").Port)
	assert.Equal(t, 8001, deploy(t, d, "TerraFlow").Port)

	_, err := d.ExecuteTask(context.Background(), agent.Task{Type: TaskStopDeployment, Payload: map[string]any{"app": "TerraAgent"}})
	require.NoError(t, err)
	assert.Equal(t, 8000, deploy(t, d, "TerraLevy").Port)
}

func TestDeployLocalRejectsRunningAppAndExhaustion(t *testing.T) {
	ctx := context.Background()
	d := newDeployer(t, state.NewMemoryStore(), Config{PortStart: 9100, PortEnd: 9101})
	deploy(t, d, "a")

	_, err := d.ExecuteTask(ctx, agent.Task{Type: TaskDeployLocal, Payload: map[string]any{"app": "a"}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	_, err = d.ExecuteTask(ctx, agent.Task{Type: TaskDeployLocal, Payload: map[string]any{"app": "b"}})
	assert.True(t, xerrors.HasCode(err, CodePortsExhausted))
}

func TestDeployLocalProbeSkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	d := newDeployer(t, state.NewMemoryStore(), Config{PortStart: busy, PortEnd: busy + 50, ProbePorts: true})
	dep := deploy(t, d, "probe")
	assert.NotEqual(t, busy, dep.Port)
}

func TestRestartNormalizesRunningDeployments(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	d := newDeployer(t, store, Config{})
	deploy(t, d, "TerraAgent")
	_, err := d.ExecuteTask(ctx, agent.Task{Type: TaskDeployWeb, Payload: map[string]any{"app": "site", "url": "https://example.org/app"}})
	require.NoError(t, err)

	// 不调用 Shutdown，模拟进程崩溃后重启。
	restarted := newDeployer(t, store, Config{}, agent.WithID(d.ID()))
	value, err := restarted.ExecuteTask(ctx, agent.Task{Type: TaskDeploymentStatus, Payload: map[string]any{"app": "TerraAgent"}})
	require.NoError(t, err)
	assert.Equal(t, DeploymentStopped, value.(Deployment).Status)

	value, err = restarted.ExecuteTask(ctx, agent.Task{Type: TaskDeploymentStatus, Payload: map[string]any{"app": "site"}})
	require.NoError(t, err)
	assert.Equal(t, DeploymentPublished, value.(Deployment).Status)

	value, err = restarted.ExecuteTask(ctx, agent.Task{Type: TaskDeploymentStatus, Payload: map[string]any{"app": "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, DeploymentNotLaunched, value.(Deployment).Status)
}

func TestShutdownStopsRunningDeployments(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	d := newDeployer(t, store, Config{})
	deploy(t, d, "TerraAgent")
	require.NoError(t, d.Shutdown(ctx, false))

	record, ok, err := store.LoadAgentState(ctx, d.ID())
	require.NoError(t, err)
	require.True(t, ok)
	var st persisted
	require.NoError(t, json.Unmarshal(record.Data, &st))
	assert.Equal(t, DeploymentStopped, st.Deployments["TerraAgent"].Status)
}

func TestLegacyListStateIsMigrated(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveAgentState(ctx, state.Record{
		AgentID: "deployer-1",
		Schema:  schemaName,
		Version: 1,
		Data:    json.RawMessage(`[{"app":"TerraFlow","port":8004,"status":"running"},{"app":"TerraLevy","port":8005,"status":"exited"}]`),
	}))

	d := newDeployer(t, store, Config{}, agent.WithID("deployer-1"))
	deployments := d.Deployments()
	require.Len(t, deployments, 2)
	assert.Equal(t, "TerraFlow", deployments[0].App)
	assert.Equal(t, 8004, deployments[0].Port)
	assert.Equal(t, DeploymentStopped, deployments[0].Status)
	assert.Equal(t, DeploymentStopped, deployments[1].Status)
}

func TestDeployWebValidatesURL(t *testing.T) {
	d := newDeployer(t, state.NewMemoryStore(), Config{})
	_, err := d.ExecuteTask(context.Background(), agent.Task{Type: TaskDeployWeb, Payload: map[string]any{"app": "site", "url": "ftp://nope"}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
