package debugger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/state"
	"OpenAgent-Runtime/pkg/logger"
)

func newDebugger(t *testing.T, store state.Store, opts ...agent.Option) *Agent {
	t.Helper()
	opts = append([]agent.Option{agent.WithLogLevel(logger.LevelError)}, opts...)
	d, err := New(store, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Initialize(context.Background()))
	return d
}

func TestReportLifecycleSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	d := newDebugger(t, store)

	assert.True(t, d.HasCapability(agent.CapabilityDebugging))
	assert.True(t, d.HasCapability(agent.CapabilityCodeAnalysis))

	value, err := d.ExecuteTask(ctx, agent.Task{Type: TaskCreateReport, Payload: map[string]any{
		"title": "nil pointer in parser", "severity": "HIGH",
	}})
	require.NoError(t, err)
	report := value.(Report)
	assert.Equal(t, "high", report.Severity)
	assert.Equal(t, ReportOpen, report.Status)

	_, err = d.ExecuteTask(ctx, agent.Task{Type: TaskResolveReport, Payload: map[string]any{
		"id": report.ID, "resolution": "guard added",
	}})
	require.NoError(t, err)

	restarted := newDebugger(t, store, agent.WithID(d.ID()))
	reports := restarted.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, ReportResolved, reports[0].Status)
	assert.Equal(t, "guard added", reports[0].Resolution)
}

func TestReportValidation(t *testing.T) {
	ctx := context.Background()
	d := newDebugger(t, state.NewMemoryStore())

	_, err := d.ExecuteTask(ctx, agent.Task{Type: TaskCreateReport, Payload: map[string]any{"title": "  "}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = d.ExecuteTask(ctx, agent.Task{Type: TaskCreateReport, Payload: map[string]any{"title": "x", "severity": "apocalyptic"}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = d.ExecuteTask(ctx, agent.Task{Type: TaskGetReport, Payload: map[string]any{"id": "missing"}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	assert.Empty(t, d.Reports())
}

func TestListReportsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	d := newDebugger(t, state.NewMemoryStore())
	for _, title := range []string{"a", "b"} {
		_, err := d.ExecuteTask(ctx, agent.Task{Type: TaskCreateReport, Payload: map[string]any{"title": title}})
		require.NoError(t, err)
	}
	first := d.Reports()[0]
	_, err := d.ExecuteTask(ctx, agent.Task{Type: TaskResolveReport, Payload: map[string]any{"id": first.ID}})
	require.NoError(t, err)

	_, err = d.ExecuteTask(ctx, agent.Task{Type: TaskResolveReport, Payload: map[string]any{"id": first.ID}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	value, err := d.ExecuteTask(ctx, agent.Task{Type: TaskListReports, Payload: map[string]any{"status": "open"}})
	require.NoError(t, err)
	open := value.([]Report)
	require.Len(t, open, 1)
	assert.NotEqual(t, first.ID, open[0].ID)
}
