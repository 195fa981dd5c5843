package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/state"
	"OpenAgent-Runtime/pkg/logger"
)

// DefaultForceTimeout 是强制关闭时清理动作的默认时间预算。
const DefaultForceTimeout = 5 * time.Second

// Spec 描述构造智能体所需的静态信息。
type Spec struct {
	Name         string
	Type         Type
	Capabilities []Capability
	Priority     Priority
}

func (s *Spec) normalize() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	if s.Type == "" {
		s.Type = TypeTaskSpecific
	}
	if !s.Type.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的智能体类型: %s", s.Type))
	}
	if s.Priority == 0 {
		s.Priority = PriorityMedium
	}
	if !s.Priority.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的优先级: %d", int(s.Priority)))
	}
	seen := make(map[Capability]struct{}, len(s.Capabilities))
	caps := make([]Capability, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		if !c.Valid() {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的能力: %s", c))
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	s.Capabilities = caps
	return nil
}

// Identity 是智能体的不可变身份信息。
type Identity struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         Type         `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	Priority     Priority     `json:"priority"`
}

// Descriptor 是供外部编排查询的稳定结构。
type Descriptor struct {
	Identity
	Status Status           `json:"status"`
	Tasks  []TaskDescriptor `json:"tasks"`
}

// Behavior 由具体智能体实现，提供处理函数表与状态的序列化方式。
type Behavior interface {
	RegisterHandlers(table *HandlerTable) error
	StateSchema() Schema
	// Restore 用快照替换内存集合，snapshot 为 nil 表示从空状态开始。
	Restore(ctx context.Context, snapshot *Snapshot) error
	// Snapshot 返回可 JSON 序列化的完整持久化状态。
	Snapshot(ctx context.Context) (any, error)
}

// ShutdownHook 可选实现，在关闭时的最终写回之前调用。
type ShutdownHook interface {
	OnShutdown(ctx context.Context, force bool) error
}

// Option 定义可选配置。
type Option func(*options)

type options struct {
	id           string
	logLevel     logger.Level
	log          *logger.AgentLogger
	forceTimeout time.Duration
	now          func() time.Time
}

// WithID 复用已有 ID，使新实例能接管之前持久化的状态。
func WithID(id string) Option {
	return func(o *options) { o.id = strings.TrimSpace(id) }
}

// WithLogLevel 设置智能体日志的最低级别。
func WithLogLevel(level logger.Level) Option {
	return func(o *options) { o.logLevel = level }
}

// WithLogger 直接指定日志句柄，主要用于测试。
func WithLogger(log *logger.AgentLogger) Option {
	return func(o *options) { o.log = log }
}

// WithForceTimeout 设置强制关闭的时间预算。
func WithForceTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.forceTimeout = timeout
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Agent 是所有智能体共享的基础运行时。
//
// 同一实例上的任务按状态门串行执行：ready 时进入 busy，busy 时到达的任务
// 立即以 AGENT_BUSY 拒绝，由调用方决定是否重试。不同实例之间完全并行。
type Agent struct {
	identity     Identity
	store        state.Store
	behavior     Behavior
	handlers     *HandlerTable
	schema       Schema
	log          *logger.AgentLogger
	forceTimeout time.Duration
	now          func() time.Time

	mu           sync.Mutex
	status       Status
	work         chan struct{} // 非空表示有任务或初始化正在进行
	initializing bool
	// flushable 仅在最近一次初始化成功后为真，避免未恢复的实例覆盖持久化状态。
	flushable bool
	// abandoned 在强制关闭超出预算后置位，此后滞留的处理函数或清理动作不再写回。
	abandoned bool
}

// New 构造一个处于 uninitialized 状态的智能体，除分配身份与绑定日志外没有副作用。
func New(spec Spec, store state.Store, behavior Behavior, opts ...Option) (*Agent, error) {
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "状态存储不能为空")
	}
	if behavior == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体行为不能为空")
	}

	o := options{logLevel: logger.LevelInfo, forceTimeout: DefaultForceTimeout, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	schema := behavior.StateSchema()
	if err := schema.validate(); err != nil {
		return nil, err
	}
	table := newHandlerTable()
	if err := behavior.RegisterHandlers(table); err != nil {
		return nil, err
	}
	table.sealed = true

	log := o.log
	if log == nil {
		log = logger.ForAgent(spec.Name, o.logLevel)
	}

	return &Agent{
		identity: Identity{
			ID:           id,
			Name:         spec.Name,
			Type:         spec.Type,
			Capabilities: spec.Capabilities,
			Priority:     spec.Priority,
		},
		store:        store,
		behavior:     behavior,
		handlers:     table,
		schema:       schema,
		log:          log.With("agent_id", id),
		forceTimeout: o.forceTimeout,
		now:          o.now,
		status:       StatusUninitialized,
	}, nil
}

// ID 返回智能体 ID。
func (a *Agent) ID() string { return a.identity.ID }

// Name 返回智能体名称。
func (a *Agent) Name() string { return a.identity.Name }

// Identity 返回身份信息的副本。
func (a *Agent) Identity() Identity {
	id := a.identity
	id.Capabilities = append([]Capability(nil), a.identity.Capabilities...)
	return id
}

// HasCapability 判断是否声明了某项能力。
func (a *Agent) HasCapability(c Capability) bool {
	for _, declared := range a.identity.Capabilities {
		if declared == c {
			return true
		}
	}
	return false
}

// Status 返回当前状态。
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Logger 返回绑定到该智能体的日志句柄。
func (a *Agent) Logger() *logger.AgentLogger { return a.log }

// SupportedTasks 返回已注册的任务类型。
func (a *Agent) SupportedTasks() []TaskType { return a.handlers.Types() }

// Descriptor 返回当前的可查询描述。
func (a *Agent) Descriptor() Descriptor {
	return Descriptor{
		Identity: a.Identity(),
		Status:   a.Status(),
		Tasks:    a.handlers.Descriptors(),
	}
}

// Initialize 从状态存储恢复内存集合。
//
// 对 ready 的实例再次调用会重新加载并整体替换集合；失败时状态变为 failed
// 并返回 INITIALIZATION_FAILURE，failed 的实例可以再次尝试。
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.initializing || a.status == StatusBusy:
		a.mu.Unlock()
		return xerrors.New(CodeBusy, "智能体正在执行其他操作", xerrors.WithMetadata("agent_id", a.identity.ID))
	case a.status == StatusStopped || a.status == StatusShuttingDown:
		status := a.status
		a.mu.Unlock()
		return xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("智能体处于 %s 状态，无法初始化", status),
			xerrors.WithMetadata("agent_id", a.identity.ID), xerrors.WithRetryable(false))
	}
	a.initializing = true
	a.flushable = false
	work := make(chan struct{})
	a.work = work
	if a.status == StatusReady {
		a.status = StatusBusy
	}
	a.mu.Unlock()

	start := a.now()
	restoreErr := a.restore(ctx)

	a.mu.Lock()
	a.initializing = false
	a.work = nil
	close(work)
	a.flushable = restoreErr == nil
	stopping := a.status == StatusShuttingDown || a.status == StatusStopped
	if !stopping {
		if restoreErr == nil {
			a.status = StatusReady
		} else {
			a.status = StatusFailed
		}
	}
	status := a.status
	a.mu.Unlock()

	if restoreErr != nil {
		a.log.Error("初始化失败", "error", restoreErr)
		logger.Audit().Warn("agent.initialize", "agent_id", a.identity.ID, "agent", a.identity.Name,
			"status", string(status), "error", restoreErr.Error())
		return xerrors.Wrap(xerrors.CodeInitializationFailure, restoreErr, "恢复智能体状态失败",
			xerrors.WithMetadata("agent_id", a.identity.ID))
	}
	if stopping {
		return xerrors.New(xerrors.CodeInitializationFailure, "初始化期间智能体已关闭",
			xerrors.WithMetadata("agent_id", a.identity.ID), xerrors.WithRetryable(false))
	}
	a.log.Info("初始化完成", "duration_ms", a.now().Sub(start).Milliseconds())
	logger.Audit().Info("agent.initialize", "agent_id", a.identity.ID, "agent", a.identity.Name, "status", string(status))
	return nil
}

func (a *Agent) restore(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("恢复状态时发生 panic: %v", r)
		}
	}()
	record, ok, err := a.store.LoadAgentState(ctx, a.identity.ID)
	if err != nil {
		return err
	}
	var snapshot *Snapshot
	if ok {
		snapshot, err = snapshotFromRecord(a.schema, record)
		if err != nil {
			return err
		}
	}
	return a.behavior.Restore(ctx, snapshot)
}

// ExecuteTask 在 ready 状态下执行一个任务。
//
// 未知任务类型返回 UNSUPPORTED_TASK 且不触碰状态；处理函数的错误包装为
// HANDLER_FAILURE，原始错误仍可通过 errors.Is/As 取得。声明为 Mutating 的
// 处理函数成功后，在返回前把完整快照写回存储。
func (a *Agent) ExecuteTask(ctx context.Context, task Task) (any, error) {
	work, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer a.release(work)

	entry, ok := a.handlers.lookup(task.Type)
	if !ok {
		a.log.Warn("不支持的任务类型", "task_type", string(task.Type))
		return nil, xerrors.New(CodeUnsupportedTask,
			fmt.Sprintf("智能体 %s 不支持任务类型 %q", a.identity.Name, task.Type),
			xerrors.WithMetadata("agent_id", a.identity.ID),
			xerrors.WithMetadata("task_type", string(task.Type)))
	}

	start := a.now()
	value, err := invoke(ctx, entry.fn, task)
	if err != nil {
		a.log.Warn("任务执行失败", "task_type", string(task.Type), "error", err)
		return nil, xerrors.Wrap(CodeHandlerFailure, err, fmt.Sprintf("任务 %s 执行失败", task.Type),
			xerrors.WithMetadata("agent_id", a.identity.ID),
			xerrors.WithMetadata("task_type", string(task.Type)))
	}
	if entry.mutating {
		// 处理函数已经成功，写回不随调用方取消而中断。
		if err := a.persist(context.WithoutCancel(ctx)); err != nil {
			a.log.Error("任务完成但状态写回失败", "task_type", string(task.Type), "error", err)
			// 内存中的修改已经生效，原样重试会重复执行。
			return nil, xerrors.Wrap(state.CodeStoreUnavailable, err, "任务结果未能持久化",
				xerrors.WithMetadata("task_type", string(task.Type)), xerrors.WithRetryable(false))
		}
	}
	a.log.Debug("任务完成", "task_type", string(task.Type), "duration_ms", a.now().Sub(start).Milliseconds())
	return value, nil
}

// Persist 立即把完整快照写回存储，与任务一样需要占用执行槽。
func (a *Agent) Persist(ctx context.Context) error {
	work, err := a.acquire()
	if err != nil {
		return err
	}
	defer a.release(work)
	return a.persist(ctx)
}

func (a *Agent) acquire() (chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.status {
	case StatusReady:
	case StatusBusy:
		return nil, xerrors.New(CodeBusy, fmt.Sprintf("智能体 %s 正在执行任务", a.identity.Name),
			xerrors.WithMetadata("agent_id", a.identity.ID))
	default:
		return nil, xerrors.New(CodeNotReady, fmt.Sprintf("智能体 %s 处于 %s 状态", a.identity.Name, a.status),
			xerrors.WithMetadata("agent_id", a.identity.ID),
			xerrors.WithMetadata("status", string(a.status)))
	}
	work := make(chan struct{})
	a.status = StatusBusy
	a.work = work
	return work, nil
}

func (a *Agent) release(work chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusBusy {
		a.status = StatusReady
	}
	if a.work == work {
		a.work = nil
	}
	close(work)
}

func invoke(ctx context.Context, fn HandlerFunc, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("处理函数 panic: %v", r)
		}
	}()
	return fn(ctx, task)
}

func (a *Agent) persist(ctx context.Context) error {
	snapshot, err := a.snapshot(ctx)
	if err != nil {
		return xerrors.Wrap(state.CodeStateCorrupted, err, "生成状态快照失败")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return xerrors.Wrap(state.CodeStateCorrupted, err, "序列化状态快照失败")
	}
	record := state.Record{
		AgentID:   a.identity.ID,
		Schema:    a.schema.Name,
		Version:   a.schema.Version,
		Data:      data,
		UpdatedAt: a.now().UnixMilli(),
	}
	if err := a.writable(ctx); err != nil {
		return err
	}
	if err := a.store.SaveAgentState(ctx, record); err != nil {
		if xerrors.HasCode(err, state.CodeStoreUnavailable) {
			return err
		}
		return xerrors.Wrap(state.CodeStoreUnavailable, err, "保存智能体状态失败",
			xerrors.WithMetadata("agent_id", a.identity.ID))
	}
	return nil
}

// writable 在真正写入前确认实例仍有权写回。
func (a *Agent) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "写回前上下文已结束",
			xerrors.WithMetadata("agent_id", a.identity.ID))
	}
	a.mu.Lock()
	abandoned := a.abandoned
	a.mu.Unlock()
	if abandoned {
		return xerrors.New(xerrors.CodeTimeout, "智能体已在强制关闭中放弃写回",
			xerrors.WithMetadata("agent_id", a.identity.ID), xerrors.WithRetryable(false))
	}
	return nil
}

func (a *Agent) abandon() {
	a.mu.Lock()
	a.abandoned = true
	a.mu.Unlock()
}

// Shutdown 进入 shutting_down，等待进行中的任务，调用 ShutdownHook 并做最后一次
// 写回，最终总是到达 stopped。force 为真时上述动作受 forceTimeout 约束，超时即放弃。
// 重复调用是空操作。
func (a *Agent) Shutdown(ctx context.Context, force bool) error {
	a.mu.Lock()
	if a.status == StatusStopped || a.status == StatusShuttingDown {
		a.mu.Unlock()
		return nil
	}
	previous := a.status
	a.status = StatusShuttingDown
	work := a.work
	a.mu.Unlock()

	runCtx := ctx
	cancel := func() {}
	if force {
		runCtx, cancel = context.WithTimeout(ctx, a.forceTimeout)
	}
	defer cancel()

	var errs []error
	drained := true
	if work != nil {
		select {
		case <-work:
		case <-runCtx.Done():
			drained = false
			a.abandon()
			errs = append(errs, xerrors.Wrap(xerrors.CodeTimeout, runCtx.Err(), "等待进行中的任务超时"))
		}
	}

	if drained {
		if err := runBounded(runCtx, force, func(ctx context.Context) error { return a.finalize(ctx, force) }); err != nil {
			if force && runCtx.Err() != nil {
				a.abandon()
			}
			errs = append(errs, err)
		}
	} else {
		a.log.Warn("进行中的任务未结束，跳过最终写回")
	}

	a.mu.Lock()
	a.status = StatusStopped
	a.mu.Unlock()

	err := stdErrors.Join(errs...)
	if err != nil {
		a.log.Warn("关闭过程中出现错误", "force", force, "error", err)
	} else {
		a.log.Info("已停止", "force", force)
	}
	logger.Audit().Info("agent.shutdown", "agent_id", a.identity.ID, "agent", a.identity.Name,
		"previous_status", string(previous), "force", force, "clean", err == nil)
	return err
}

func (a *Agent) finalize(ctx context.Context, force bool) error {
	var errs []error
	if hook, ok := a.behavior.(ShutdownHook); ok {
		if err := safeHook(ctx, hook, force); err != nil {
			errs = append(errs, err)
		}
	}
	a.mu.Lock()
	flush := a.flushable
	a.mu.Unlock()
	if flush {
		if err := a.persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func (a *Agent) snapshot(ctx context.Context) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("生成快照时发生 panic: %v", r)
		}
	}()
	return a.behavior.Snapshot(ctx)
}

func safeHook(ctx context.Context, hook ShutdownHook, force bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("关闭钩子 panic: %v", r)
		}
	}()
	return hook.OnShutdown(ctx, force)
}

// runBounded 在 bounded 为真时把 fn 放到独立 goroutine 中执行，ctx 到期即放弃等待。
func runBounded(ctx context.Context, bounded bool, fn func(context.Context) error) error {
	if !bounded {
		return fn(ctx)
	}
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "关闭清理超出时间预算，已放弃")
	}
}
