// Package runtime 管理同一进程内的多个智能体：注册、查询、生命周期与任务提交。
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/observability/alerting"
	"OpenAgent-Runtime/internal/observability/metrics"
	"OpenAgent-Runtime/pkg/logger"
)

// CodeAgentNotFound 表示请求的智能体未注册。
const CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
}

// Managed 是运行时管理的智能体需要提供的能力，嵌入 *agent.Agent 即可满足。
type Managed interface {
	ID() string
	Name() string
	Status() agent.Status
	Descriptor() agent.Descriptor
	Initialize(ctx context.Context) error
	ExecuteTask(ctx context.Context, task agent.Task) (any, error)
	Shutdown(ctx context.Context, force bool) error
}

// ErrorInfo 是任务失败时返回给调用方的错误描述。
type ErrorInfo struct {
	Code      xerrors.Code `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

// Result 是一次任务提交的结果。
type Result struct {
	Success bool       `json:"success"`
	Value   any        `json:"value,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// Err 将失败的结果还原为 error，成功时返回 nil。
func (r Result) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return xerrors.New(r.Error.Code, r.Error.Message, xerrors.WithRetryable(r.Error.Retryable))
}

// ErrorInfoFrom 从 error 构建 ErrorInfo。
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{
		Code:      xerrors.CodeOf(err),
		Message:   err.Error(),
		Retryable: xerrors.RetryableError(err),
	}
}

// Filter 用于筛选 Describe 的结果。
type Filter func(agent.Descriptor) bool

// WithCapability 只保留声明了能力 c 的智能体。
func WithCapability(c agent.Capability) Filter {
	return func(d agent.Descriptor) bool {
		for _, declared := range d.Capabilities {
			if declared == c {
				return true
			}
		}
		return false
	}
}

// WithType 只保留指定类型。
func WithType(t agent.Type) Filter {
	return func(d agent.Descriptor) bool { return d.Type == t }
}

// WithStatus 只保留指定状态。
func WithStatus(s agent.Status) Filter {
	return func(d agent.Descriptor) bool { return d.Status == s }
}

// Option 定义可选配置。
type Option func(*Runtime)

// WithMetrics 配置指标记录器。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(r *Runtime) { r.metrics = recorder }
}

// WithAlerts 配置告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(r *Runtime) { r.alerts = dispatcher }
}

// WithInitConcurrency 限制 InitializeAll 的并发度。
func WithInitConcurrency(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.initLimit = n
		}
	}
}

// Runtime 持有进程内的全部智能体。它本身不做基于能力的路由，调用方指定智能体 ID。
type Runtime struct {
	mu        sync.RWMutex
	agents    map[string]Managed
	order     []string
	metrics   *metrics.Recorder
	alerts    alerting.Dispatcher
	initLimit int
	log       *slog.Logger
}

// New 创建空的运行时。
func New(opts ...Option) *Runtime {
	r := &Runtime{
		agents:    make(map[string]Managed),
		initLimit: 4,
		log:       logger.Named("runtime"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if err := r.metrics.ObserveAgentStatuses(r.statusCounts); err != nil {
		r.log.Warn("注册智能体状态指标失败", slog.Any("error", err))
	}
	return r
}

// Register 注册智能体，ID 重复时返回 CONFLICT。
func (r *Runtime) Register(a Managed) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体不能为空")
	}
	id := strings.TrimSpace(a.ID())
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体缺少 ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 已注册", id))
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	r.log.Info("智能体已注册", slog.String("agent_id", id), slog.String("agent", a.Name()))
	return nil
}

// Agent 按 ID 查找智能体。
func (r *Runtime) Agent(id string) (Managed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, xerrors.New(CodeAgentNotFound, fmt.Sprintf("智能体 %s 不存在", id),
			xerrors.WithMetadata("agent_id", id))
	}
	return a, nil
}

// Describe 返回满足全部过滤条件的智能体描述，按优先级降序、名称升序排列。
func (r *Runtime) Describe(filters ...Filter) []agent.Descriptor {
	agents := r.snapshot()
	out := make([]agent.Descriptor, 0, len(agents))
	for _, a := range agents {
		d := a.Descriptor()
		keep := true
		for _, f := range filters {
			if f != nil && !f(d) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Initialize 初始化单个智能体。
func (r *Runtime) Initialize(ctx context.Context, id string) error {
	a, err := r.Agent(id)
	if err != nil {
		return err
	}
	return r.initialize(ctx, a)
}

func (r *Runtime) initialize(ctx context.Context, a Managed) error {
	err := a.Initialize(ctx)
	r.metrics.RecordLifecycle(ctx, a.Name(), "initialize", err)
	if err != nil {
		r.log.Error("智能体初始化失败", slog.String("agent_id", a.ID()), slog.Any("error", err))
		r.alert(ctx, err, a.ID(), "")
	}
	return err
}

// InitializeAll 并行初始化全部智能体。单个失败不会中断其他智能体，
// 返回值汇总所有失败。
func (r *Runtime) InitializeAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(r.initLimit)
	for _, a := range r.snapshot() {
		g.Go(func() error {
			if err := r.initialize(ctx, a); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ExecuteTask 向指定智能体提交任务并把结果转换为 Result。
func (r *Runtime) ExecuteTask(ctx context.Context, id string, task agent.Task) Result {
	a, err := r.Agent(id)
	if err != nil {
		return Result{Error: ErrorInfoFrom(err)}
	}
	start := time.Now()
	value, err := a.ExecuteTask(ctx, task)
	code := ""
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	r.metrics.RecordTask(ctx, a.Name(), string(task.Type), code, time.Since(start))
	if err != nil {
		r.alert(ctx, err, id, string(task.Type))
		return Result{Error: ErrorInfoFrom(err)}
	}
	return Result{Success: true, Value: value}
}

// Shutdown 关闭单个智能体。
func (r *Runtime) Shutdown(ctx context.Context, id string, force bool) error {
	a, err := r.Agent(id)
	if err != nil {
		return err
	}
	return r.shutdown(ctx, a, force)
}

func (r *Runtime) shutdown(ctx context.Context, a Managed, force bool) error {
	err := a.Shutdown(ctx, force)
	r.metrics.RecordLifecycle(ctx, a.Name(), "shutdown", err)
	if err != nil {
		r.log.Warn("智能体关闭时出现错误", slog.String("agent_id", a.ID()), slog.Any("error", err))
	}
	return err
}

// ShutdownAll 按注册的逆序依次关闭全部智能体。
func (r *Runtime) ShutdownAll(ctx context.Context, force bool) error {
	agents := r.snapshot()
	var errs []error
	for i := len(agents) - 1; i >= 0; i-- {
		if err := r.shutdown(ctx, agents[i], force); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", agents[i].ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) snapshot() []Managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Managed, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

func (r *Runtime) statusCounts() map[string]int64 {
	counts := make(map[string]int64)
	for _, a := range r.snapshot() {
		counts[string(a.Status())]++
	}
	return counts
}

func (r *Runtime) alert(ctx context.Context, err error, agentID, taskType string) {
	if r.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := r.alerts.Notify(ctx, alerting.FromError(err, agentID, taskType)); notifyErr != nil {
		r.log.Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}
