package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/observability/alerting"
	"OpenAgent-Runtime/internal/runtime"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	// fail 返回非 nil 时作为本次执行的错误。
	fail func(call int32) error
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, agentID string, task agent.Task) runtime.Result {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return runtime.Result{Error: runtime.ErrorInfoFrom(xerrors.Wrap(xerrors.CodeCanceled, ctx.Err(), "canceled"))}
		}
	}
	call := f.processed.Add(1)
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return runtime.Result{Error: runtime.ErrorInfoFrom(err)}
		}
	}
	return runtime.Result{Success: true, Value: map[string]any{"agent": agentID, "task": string(task.Type)}}
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

func startProcessor(t *testing.T, ctx context.Context, p *Processor) {
	t.Helper()
	go func() {
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, nil, 3)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithWorkerCount(8)))

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{AgentID: fmt.Sprintf("agent-%d", i%4), Task: agent.Task{Type: "list_reports"}}); err != nil {
			t.Fatalf("提交作业失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := service.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded == total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("作业未能及时处理，已完成 %d", stats.Succeeded)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if got := int(executor.processed.Load()); got != total {
		t.Fatalf("expected each job executed once, got %d executions", got)
	}
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{fail: func(call int32) error {
		if call < 3 {
			return xerrors.New(agent.CodeBusy, "busy")
		}
		return nil
	}}
	service := NewService(store, queue, nil, 3)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithRetryDelay(0)))

	submitted, err := service.Submit(ctx, SubmitRequest{AgentID: "dbg", Task: agent.Task{Type: "create_report"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", done)
	}
	if len(done.Result) == 0 {
		t.Fatalf("expected result to be stored")
	}
}

func TestProcessorStopsOnNonRetryableError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingAlerts{}
	executor := &fakeExecutor{fail: func(int32) error {
		return xerrors.New(agent.CodeHandlerFailure, "handler exploded")
	}}
	service := NewService(store, queue, nil, 5)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithRetryDelay(0), WithAlertDispatcher(alerts)))

	submitted, err := service.Submit(ctx, SubmitRequest{AgentID: "dbg", Task: agent.Task{Type: "create_report"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Attempts != 1 || done.ErrorCode != string(agent.CodeHandlerFailure) {
		t.Fatalf("expected single terminal failure, got %+v", done)
	}
	if len(alerts.codes()) != 0 {
		t.Fatalf("handler failures are not alert-worthy, got %v", alerts.codes())
	}
}

func TestProcessorAlertsWhenRetriesExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingAlerts{}
	executor := &fakeExecutor{fail: func(int32) error {
		return xerrors.New(agent.CodeBusy, "busy")
	}}
	service := NewService(store, queue, nil, 2)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithRetryDelay(0), WithAlertDispatcher(alerts)))

	submitted, err := service.Submit(ctx, SubmitRequest{AgentID: "dbg", Task: agent.Task{Type: "create_report"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Attempts != 2 || done.ErrorCode != string(agent.CodeBusy) {
		t.Fatalf("expected exhausted job, got %+v", done)
	}
	codes := alerts.codes()
	if len(codes) != 1 || codes[0] != CodeJobExhausted {
		t.Fatalf("expected one exhaustion alert, got %v", codes)
	}
}

type fallbackRecovery struct{}

func (fallbackRecovery) Recover(_ context.Context, j *Job, cause error) (any, error) {
	return map[string]string{"degraded": j.ID, "cause": string(xerrors.CodeOf(cause))}, nil
}

func TestProcessorRecordsDegradedResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{fail: func(int32) error {
		return xerrors.New(agent.CodeHandlerFailure, "handler exploded")
	}}
	service := NewService(store, queue, nil, 3)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithRecoveryHandler(fallbackRecovery{})))

	submitted, err := service.Submit(ctx, SubmitRequest{AgentID: "dbg", Task: agent.Task{Type: "create_report"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Fatalf("expected degraded success, got %+v", done)
	}
	if want := `"cause":"HANDLER_FAILURE"`; !strings.Contains(string(done.Result), want) {
		t.Fatalf("expected %s in result %s", want, done.Result)
	}
}

func TestRequeueRecoversInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)

	for _, id := range []string{"pending", "running", "stuck"} {
		if err := store.Create(ctx, &Job{ID: id, AgentID: "dbg", Status: StatusPending, MaxRetries: 2}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "running"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	store.mu.Lock()
	store.jobs["stuck"].Status = StatusRunning
	store.jobs["stuck"].Attempts = 2
	store.mu.Unlock()

	p := NewProcessor(&fakeExecutor{}, store, queue, queue)
	n, err := p.Requeue(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 jobs requeued, got %d", n)
	}
	stuck, _ := store.Get(ctx, "stuck")
	if stuck.Status != StatusFailed {
		t.Fatalf("expected exhausted running job to fail, got %s", stuck.Status)
	}
	running, _ := store.Get(ctx, "running")
	if running.Status != StatusPending || running.Attempts != 1 {
		t.Fatalf("expected interrupted job back to pending, got %+v", running)
	}
}

