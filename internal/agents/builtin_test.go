package agents

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAgent-Runtime/internal/agent"
	"OpenAgent-Runtime/internal/config"
	"OpenAgent-Runtime/internal/runtime"
	"OpenAgent-Runtime/internal/state"
	"OpenAgent-Runtime/pkg/logger"
)

func quiet() agent.Option {
	return agent.WithLogger(logger.NewAgentLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), "test", logger.LevelError))
}

func TestRegisterAllBuildsEnabledAgents(t *testing.T) {
	disabled := false
	roster := config.AgentRoster{Agents: []config.AgentDefinition{
		{Kind: "debugger", ID: "dbg", LogLevel: "info"},
		{Kind: "deployer", ID: "dep", LogLevel: "info", Deployer: &config.DeployerConfig{PortStart: 9100, PortEnd: 9110}},
		{Kind: "vcs", ID: "git", LogLevel: "info", Enabled: &disabled},
	}}
	rt := runtime.New()
	ids, err := RegisterAll(rt, roster, state.NewMemoryStore(), quiet())
	require.NoError(t, err)
	assert.Equal(t, []string{"dbg", "dep"}, ids)

	_, err = rt.Agent("git")
	assert.Error(t, err)

	require.NoError(t, rt.InitializeAll(context.Background()))
	for _, d := range rt.Describe() {
		assert.Equal(t, agent.StatusReady, d.Status, d.ID)
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	_, err := Build(config.AgentDefinition{Kind: "coordinator"}, state.NewMemoryStore())
	assert.Error(t, err)
}

func TestRegisterAllStopsOnDuplicateID(t *testing.T) {
	roster := config.AgentRoster{Agents: []config.AgentDefinition{
		{Kind: "debugger", ID: "same"},
		{Kind: "vcs", ID: "same"},
	}}
	ids, err := RegisterAll(runtime.New(), roster, state.NewMemoryStore(), quiet())
	require.Error(t, err)
	assert.Equal(t, []string{"same"}, ids)
}

func TestBuildFailureReturnsNilInterface(t *testing.T) {
	for _, kind := range []string{"debugger", "deployer", "vcs"} {
		built, err := Build(config.AgentDefinition{Kind: kind}, nil, quiet())
		require.Error(t, err, kind)
		// assert.Nil 会把装着 nil 指针的接口也当作 nil。
		assert.True(t, built == nil, kind)
	}
}
