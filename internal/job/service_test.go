package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenAgent-Runtime/internal/agent"
	"OpenAgent-Runtime/internal/agents/debugger"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/runtime"
	"OpenAgent-Runtime/internal/state"
	"OpenAgent-Runtime/pkg/logger"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestSubmitValidatesTarget(t *testing.T) {
	ctx := context.Background()
	rt := runtime.New()
	dbg, err := debugger.New(state.NewMemoryStore(), agent.WithID("dbg"),
		agent.WithLogger(logger.NewAgentLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), "debugger", logger.LevelError)))
	require.NoError(t, err)
	require.NoError(t, rt.Register(dbg))

	service := NewService(NewMemoryStore(), NewMemoryQueue(4), rt, 0)

	_, err = service.Submit(ctx, SubmitRequest{AgentID: "", Task: agent.Task{Type: debugger.TaskListReports}})
	assert.True(t, xerrors.HasCode(err, CodeJobValidation))

	_, err = service.Submit(ctx, SubmitRequest{AgentID: "ghost", Task: agent.Task{Type: debugger.TaskListReports}})
	assert.True(t, xerrors.HasCode(err, runtime.CodeAgentNotFound))

	_, err = service.Submit(ctx, SubmitRequest{AgentID: "dbg", Task: agent.Task{Type: "deploy_local"}})
	assert.True(t, xerrors.HasCode(err, agent.CodeUnsupportedTask))

	j, err := service.Submit(ctx, SubmitRequest{ID: "fixed", AgentID: "dbg", Task: agent.Task{Type: debugger.TaskListReports}})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, j.MaxRetries)
	assert.Equal(t, StatusPending, j.Status)

	again, err := service.Submit(ctx, SubmitRequest{ID: "fixed", AgentID: "dbg", Task: agent.Task{Type: debugger.TaskListReports}})
	require.NoError(t, err)
	assert.Equal(t, j.CreatedAt, again.CreatedAt, "resubmitting the same id returns the existing job")

	listed, err := service.List(ctx, WithAgent("dbg"))
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestSubmitMarksJobFailedWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, nil, 3)

	_, err := service.Submit(ctx, SubmitRequest{ID: "lost", AgentID: "dbg", Task: agent.Task{Type: "create_report"}})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeJobPublish))

	j, err := store.Get(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, string(CodeJobPublish), j.ErrorCode)
}

func TestWaitUntilCompletedHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), nil, 3)
	j, err := service.Submit(context.Background(), SubmitRequest{AgentID: "dbg", Task: agent.Task{Type: "create_report"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = service.WaitUntilCompleted(ctx, j.ID, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessorDrivesRealAgent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt := runtime.New()
	dbg, err := debugger.New(state.NewMemoryStore(), agent.WithID("dbg"),
		agent.WithLogger(logger.NewAgentLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), "debugger", logger.LevelError)))
	require.NoError(t, err)
	require.NoError(t, rt.Register(dbg))
	require.NoError(t, rt.InitializeAll(ctx))

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, rt, 3)
	startProcessor(t, ctx, NewProcessor(rt, store, queue, queue, WithRetryDelay(0)))

	j, err := service.Submit(ctx, SubmitRequest{AgentID: "dbg", Task: agent.Task{
		Type:    debugger.TaskCreateReport,
		Payload: map[string]any{"title": "race in scheduler"},
	}})
	require.NoError(t, err)

	done, err := service.WaitUntilCompleted(ctx, j.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, done.Status, done.LastError)
	assert.Contains(t, string(done.Result), "race in scheduler")
	assert.Len(t, dbg.Reports(), 1)
}
