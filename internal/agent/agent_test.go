package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/state"
	"OpenAgent-Runtime/pkg/logger"
)

type item struct {
	Name string `json:"name"`
}

type createItemPayload struct {
	Name string `json:"name"`
}

type itemsState struct {
	Items []item `json:"items"`
}

type itemsBehavior struct {
	mu       sync.Mutex
	items    []item
	calls    map[TaskType]int
	started  chan struct{}
	release  chan struct{}
	hookWait chan struct{}
	hooked   atomic.Int32
	// afterCreate 在 create_item 修改内存集合之后调用。
	afterCreate func()
	snapshots   atomic.Int32
}

func newItemsBehavior() *itemsBehavior {
	return &itemsBehavior{
		calls:   make(map[TaskType]int),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (b *itemsBehavior) count(taskType TaskType) {
	b.mu.Lock()
	b.calls[taskType]++
	b.mu.Unlock()
}

func (b *itemsBehavior) callsOf(taskType TaskType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[taskType]
}

func (b *itemsBehavior) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.items))
	for _, it := range b.items {
		out = append(out, it.Name)
	}
	return out
}

func (b *itemsBehavior) RegisterHandlers(t *HandlerTable) error {
	if err := RegisterTyped(t, "create_item", func(_ context.Context, p createItemPayload) (any, error) {
		b.count("create_item")
		if p.Name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "name is required")
		}
		b.mu.Lock()
		b.items = append(b.items, item{Name: p.Name})
		size := len(b.items)
		b.mu.Unlock()
		if b.afterCreate != nil {
			b.afterCreate()
		}
		return size, nil
	}, Mutating(), WithDescription("create an item")); err != nil {
		return err
	}
	if err := t.Register("list_items", func(context.Context, Task) (any, error) {
		b.count("list_items")
		return b.names(), nil
	}); err != nil {
		return err
	}
	if err := t.Register("fail", func(context.Context, Task) (any, error) {
		b.count("fail")
		return nil, errBoom
	}); err != nil {
		return err
	}
	if err := t.Register("panic", func(context.Context, Task) (any, error) {
		panic("handler exploded")
	}); err != nil {
		return err
	}
	return t.Register("block", func(ctx context.Context, _ Task) (any, error) {
		b.count("block")
		b.started <- struct{}{}
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		b.mu.Lock()
		b.items = append(b.items, item{Name: "blocked"})
		b.mu.Unlock()
		return nil, nil
	}, Mutating())
}

func (b *itemsBehavior) StateSchema() Schema {
	return Schema{Name: "test.items", Version: 2, Migrate: func(from int, data json.RawMessage) (json.RawMessage, error) {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return nil, err
		}
		var st itemsState
		for _, n := range names {
			st.Items = append(st.Items, item{Name: n})
		}
		return json.Marshal(st)
	}}
}

func (b *itemsBehavior) Restore(_ context.Context, snapshot *Snapshot) error {
	var st itemsState
	if err := snapshot.Decode(&st); err != nil {
		return err
	}
	b.mu.Lock()
	b.items = st.Items
	b.mu.Unlock()
	return nil
}

func (b *itemsBehavior) Snapshot(context.Context) (any, error) {
	b.snapshots.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return itemsState{Items: append([]item(nil), b.items...)}, nil
}

// OnShutdown ignores ctx on purpose so the forced-shutdown test exercises the budget.
func (b *itemsBehavior) OnShutdown(context.Context, bool) error {
	b.hooked.Add(1)
	if b.hookWait != nil {
		<-b.hookWait
	}
	return nil
}

var errBoom = stdErrors.New("boom")

// flakyStore 包装 MemoryStore，可切换为不可用并统计写入次数；与 SQL 和 Redis 后端一样遵守 ctx。
type flakyStore struct {
	*state.MemoryStore
	down  atomic.Bool
	saves atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: state.NewMemoryStore()}
}

func (s *flakyStore) LoadAgentState(ctx context.Context, id string) (state.Record, bool, error) {
	if s.down.Load() {
		return state.Record{}, false, xerrors.New(state.CodeStoreUnavailable, "store down")
	}
	return s.MemoryStore.LoadAgentState(ctx, id)
}

func (s *flakyStore) SaveAgentState(ctx context.Context, record state.Record) error {
	if s.down.Load() {
		return stdErrors.New("connection refused")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.saves.Add(1)
	return s.MemoryStore.SaveAgentState(ctx, record)
}

func quietLogger() *logger.AgentLogger {
	return logger.NewAgentLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), "test", logger.LevelDebug)
}

func newTestAgent(t *testing.T, store state.Store, b *itemsBehavior, opts ...Option) *Agent {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	a, err := New(Spec{Name: "items", Capabilities: []Capability{CapabilityDebugging}, Priority: PriorityHigh}, store, b, opts...)
	require.NoError(t, err)
	return a
}

func TestExampleScenarioSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	first := newItemsBehavior()
	a := newTestAgent(t, store, first)

	require.NoError(t, a.Initialize(ctx))
	assert.Equal(t, StatusReady, a.Status())
	assert.Empty(t, first.names())

	value, err := a.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "A"}})
	require.NoError(t, err)
	assert.Equal(t, 1, value)
	assert.Len(t, first.names(), 1)

	require.NoError(t, a.Shutdown(ctx, false))
	assert.Equal(t, StatusStopped, a.Status())

	second := newItemsBehavior()
	b := newTestAgent(t, store, second, WithID(a.ID()))
	require.NoError(t, b.Initialize(ctx))
	assert.Equal(t, []string{"A"}, second.names())
}

func TestNewValidatesSpec(t *testing.T) {
	store := state.NewMemoryStore()
	_, err := New(Spec{}, store, newItemsBehavior())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = New(Spec{Name: "x", Capabilities: []Capability{"teleport"}}, store, newItemsBehavior())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = New(Spec{Name: "x"}, nil, newItemsBehavior())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	a, err := New(Spec{Name: "x", Capabilities: []Capability{CapabilityMonitoring, CapabilityDebugging, CapabilityMonitoring}}, store, newItemsBehavior(), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, StatusUninitialized, a.Status())
	assert.Equal(t, TypeTaskSpecific, a.Identity().Type)
	assert.Equal(t, PriorityMedium, a.Identity().Priority)
	assert.Equal(t, []Capability{CapabilityDebugging, CapabilityMonitoring}, a.Identity().Capabilities)
	assert.NotEmpty(t, a.ID())
}

func TestInitializeTwiceDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	seed := newTestAgent(t, store, newItemsBehavior())
	require.NoError(t, seed.Initialize(ctx))
	_, err := seed.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "A"}})
	require.NoError(t, err)
	_, err = seed.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "B"}})
	require.NoError(t, err)

	b := newItemsBehavior()
	a := newTestAgent(t, store, b, WithID(seed.ID()))
	require.NoError(t, a.Initialize(ctx))
	firstRestore := b.names()
	require.NoError(t, a.Initialize(ctx))
	assert.Equal(t, firstRestore, b.names())
	assert.Equal(t, []string{"A", "B"}, b.names())
}

func TestDispatchInvokesExactlyOneHandler(t *testing.T) {
	ctx := context.Background()
	b := newItemsBehavior()
	a := newTestAgent(t, state.NewMemoryStore(), b)
	require.NoError(t, a.Initialize(ctx))

	value, err := a.ExecuteTask(ctx, Task{Type: "list_items"})
	require.NoError(t, err)
	assert.Empty(t, value)
	assert.Equal(t, 1, b.callsOf("list_items"))
	assert.Equal(t, 0, b.callsOf("create_item"))
	assert.Equal(t, 0, b.callsOf("fail"))
}

func TestUnsupportedTaskMutatesNothing(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	b := newItemsBehavior()
	a := newTestAgent(t, store, b)
	require.NoError(t, a.Initialize(ctx))

	_, err := a.ExecuteTask(ctx, Task{Type: "delete_everything"})
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
	assert.Equal(t, StatusReady, a.Status())
	assert.Equal(t, int32(0), store.saves.Load())
	assert.Empty(t, b.names())
}

func TestBusyRejectsConcurrentTask(t *testing.T) {
	ctx := context.Background()
	b := newItemsBehavior()
	a := newTestAgent(t, state.NewMemoryStore(), b)
	require.NoError(t, a.Initialize(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := a.ExecuteTask(ctx, Task{Type: "block"})
		done <- err
	}()
	<-b.started
	assert.Equal(t, StatusBusy, a.Status())

	_, err := a.ExecuteTask(ctx, Task{Type: "block"})
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.True(t, xerrors.RetryableError(err))

	close(b.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, b.callsOf("block"))
	assert.Equal(t, StatusReady, a.Status())
}

func TestHandlerFailureKeepsCauseAndAgentReady(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, state.NewMemoryStore(), newItemsBehavior())
	require.NoError(t, a.Initialize(ctx))

	_, err := a.ExecuteTask(ctx, Task{Type: "fail"})
	require.Error(t, err)
	assert.True(t, IsHandlerFailure(err))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StatusReady, a.Status())

	_, err = a.ExecuteTask(ctx, Task{Type: "panic"})
	require.Error(t, err)
	assert.True(t, IsHandlerFailure(err))
	assert.Equal(t, StatusReady, a.Status())

	_, err = a.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "A", "extra": true}})
	require.Error(t, err)
	assert.True(t, IsHandlerFailure(err))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestExecuteRequiresReady(t *testing.T) {
	a := newTestAgent(t, state.NewMemoryStore(), newItemsBehavior())
	_, err := a.ExecuteTask(context.Background(), Task{Type: "list_items"})
	assert.True(t, xerrors.HasCode(err, CodeNotReady))
}

func TestInitializeFailureIsReportedAndRetryable(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	store.down.Store(true)
	a := newTestAgent(t, store, newItemsBehavior())

	err := a.Initialize(ctx)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
	assert.True(t, xerrors.HasCode(err, state.CodeStoreUnavailable))
	assert.Equal(t, StatusFailed, a.Status())

	store.down.Store(false)
	require.NoError(t, a.Initialize(ctx))
	assert.Equal(t, StatusReady, a.Status())
}

func TestMutatingTaskSurfacesStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	a := newTestAgent(t, store, newItemsBehavior())
	require.NoError(t, a.Initialize(ctx))

	store.down.Store(true)
	_, err := a.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "A"}})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, state.CodeStoreUnavailable))
	assert.False(t, xerrors.RetryableError(err))
	assert.Equal(t, StatusReady, a.Status())
}

func TestMutationPersistsAfterCallerCancels(t *testing.T) {
	store := newFlakyStore()
	b := newItemsBehavior()
	a := newTestAgent(t, store, b)
	require.NoError(t, a.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	b.afterCreate = cancel
	_, err := a.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "A"}})
	require.NoError(t, err)

	record, ok, err := store.LoadAgentState(context.Background(), a.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"items":[{"name":"A"}]}`, string(record.Data))
}

func TestRestoreRejectsForeignAndNewerSchemas(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveAgentState(ctx, state.Record{AgentID: "foreign", Schema: "other.thing", Version: 1, Data: json.RawMessage(`{}`)}))
	require.NoError(t, store.SaveAgentState(ctx, state.Record{AgentID: "future", Schema: "test.items", Version: 9, Data: json.RawMessage(`{}`)}))
	require.NoError(t, store.SaveAgentState(ctx, state.Record{AgentID: "odd", Schema: "test.items", Version: 2, Data: json.RawMessage(`{"things":[]}`)}))

	for _, id := range []string{"foreign", "future", "odd"} {
		a := newTestAgent(t, store, newItemsBehavior(), WithID(id))
		err := a.Initialize(ctx)
		require.Error(t, err, id)
		assert.True(t, xerrors.HasCode(err, CodeSchemaMismatch), id)
		assert.Equal(t, StatusFailed, a.Status(), id)
	}
}

func TestRestoreMigratesOlderSchema(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveAgentState(ctx, state.Record{AgentID: "legacy", Schema: "test.items", Version: 1, Data: json.RawMessage(`["A","B"]`)}))

	b := newItemsBehavior()
	a := newTestAgent(t, store, b, WithID("legacy"))
	require.NoError(t, a.Initialize(ctx))
	assert.Equal(t, []string{"A", "B"}, b.names())

	require.NoError(t, a.Shutdown(ctx, false))
	record, ok, err := store.LoadAgentState(ctx, "legacy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, record.Version)
}

func TestShutdownFlushesMutations(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	b := newItemsBehavior()
	a := newTestAgent(t, store, b)
	require.NoError(t, a.Initialize(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := a.ExecuteTask(ctx, Task{Type: "block"})
		done <- err
	}()
	<-b.started

	shutdown := make(chan error, 1)
	go func() { shutdown <- a.Shutdown(ctx, false) }()
	require.Eventually(t, func() bool { return a.Status() == StatusShuttingDown }, time.Second, time.Millisecond)

	close(b.release)
	require.NoError(t, <-done)
	require.NoError(t, <-shutdown)
	assert.Equal(t, StatusStopped, a.Status())
	assert.Equal(t, int32(1), b.hooked.Load())

	record, ok, err := store.LoadAgentState(ctx, a.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"items":[{"name":"blocked"}]}`, string(record.Data))
}

func TestShutdownNeverOverwritesUnrestoredState(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	original := state.Record{AgentID: "keep", Schema: "test.items", Version: 2, Data: json.RawMessage(`{"items":[{"name":"A"}]}`)}
	require.NoError(t, store.SaveAgentState(ctx, original))

	a := newTestAgent(t, store, newItemsBehavior(), WithID("keep"))
	require.NoError(t, a.Shutdown(ctx, false))

	record, _, err := store.LoadAgentState(ctx, "keep")
	require.NoError(t, err)
	assert.JSONEq(t, string(original.Data), string(record.Data))
}

func TestShutdownIsIdempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	b := newItemsBehavior()
	a := newTestAgent(t, state.NewMemoryStore(), b)
	require.NoError(t, a.Initialize(ctx))

	require.NoError(t, a.Shutdown(ctx, false))
	require.NoError(t, a.Shutdown(ctx, true))
	assert.Equal(t, int32(1), b.hooked.Load())

	_, err := a.ExecuteTask(ctx, Task{Type: "list_items"})
	assert.True(t, xerrors.HasCode(err, CodeNotReady))
	err = a.Initialize(ctx)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
	assert.Equal(t, StatusStopped, a.Status())
}

func TestForceShutdownAbandonsSlowHook(t *testing.T) {
	ctx := context.Background()
	b := newItemsBehavior()
	b.hookWait = make(chan struct{})
	defer close(b.hookWait)
	a := newTestAgent(t, state.NewMemoryStore(), b, WithForceTimeout(30*time.Millisecond))
	require.NoError(t, a.Initialize(ctx))

	start := time.Now()
	err := a.Shutdown(ctx, true)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusStopped, a.Status())
}

func TestAbandonedHookNeverOverwritesSuccessor(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	old := newItemsBehavior()
	old.hookWait = make(chan struct{})
	first := newTestAgent(t, store, old, WithID("shared"), WithForceTimeout(20*time.Millisecond))
	require.NoError(t, first.Initialize(ctx))
	_, err := first.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "A"}})
	require.NoError(t, err)

	err = first.Shutdown(ctx, true)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
	assert.Equal(t, StatusStopped, first.Status())

	second := newTestAgent(t, store, newItemsBehavior(), WithID("shared"))
	require.NoError(t, second.Initialize(ctx))
	_, err = second.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "B"}})
	require.NoError(t, err)
	saves := store.saves.Load()

	// 放行滞留的钩子，旧实例随后生成快照但不能写回。
	close(old.hookWait)
	require.Eventually(t, func() bool { return old.snapshots.Load() == 2 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return store.saves.Load() != saves }, 50*time.Millisecond, 5*time.Millisecond)

	record, _, err := store.LoadAgentState(ctx, "shared")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[{"name":"A"},{"name":"B"}]}`, string(record.Data))
}

func TestAbandonedTaskNeverOverwritesSuccessor(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	old := newItemsBehavior()
	first := newTestAgent(t, store, old, WithID("shared"), WithForceTimeout(20*time.Millisecond))
	require.NoError(t, first.Initialize(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := first.ExecuteTask(ctx, Task{Type: "block"})
		done <- err
	}()
	<-old.started
	err := first.Shutdown(ctx, true)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTimeout))
	assert.Equal(t, StatusStopped, first.Status())
	assert.Equal(t, int32(0), old.hooked.Load())

	second := newTestAgent(t, store, newItemsBehavior(), WithID("shared"))
	require.NoError(t, second.Initialize(ctx))
	_, err = second.ExecuteTask(ctx, Task{Type: "create_item", Payload: map[string]any{"name": "B"}})
	require.NoError(t, err)

	close(old.release)
	err = <-done
	require.Error(t, err)
	assert.False(t, xerrors.RetryableError(err))

	record, _, err := store.LoadAgentState(ctx, "shared")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[{"name":"B"}]}`, string(record.Data))
}

func TestDescriptorListsTasks(t *testing.T) {
	a := newTestAgent(t, state.NewMemoryStore(), newItemsBehavior())
	d := a.Descriptor()
	assert.Equal(t, "items", d.Name)
	assert.Equal(t, StatusUninitialized, d.Status)
	require.Len(t, d.Tasks, 5)
	assert.Equal(t, TaskType("block"), d.Tasks[0].Type)

	var create TaskDescriptor
	for _, td := range d.Tasks {
		if td.Type == "create_item" {
			create = td
		}
	}
	assert.True(t, create.Mutating)
	require.NotNil(t, create.Payload)
	_, ok := create.Payload.Properties.Get("name")
	assert.True(t, ok)

	encoded, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"priority":"high"`)
}

func TestHandlerTableRejectsDuplicates(t *testing.T) {
	table := newHandlerTable()
	noop := func(context.Context, Task) (any, error) { return nil, nil }
	require.NoError(t, table.Register("a", noop))
	err := table.Register("a", noop)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
	assert.True(t, xerrors.HasCode(table.Register("", noop), xerrors.CodeInvalidArgument))
	assert.True(t, xerrors.HasCode(table.Register("b", nil), xerrors.CodeInvalidArgument))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("Critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	var decoded Priority
	require.NoError(t, decoded.UnmarshalText([]byte("low")))
	assert.Equal(t, PriorityLow, decoded)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}
