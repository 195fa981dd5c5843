// Package deployer 提供本地与 Web 部署记录的智能体。
//
// 它只做部署簿记：分配端口、记录发布地址与运行状态，不真正启动进程。
package deployer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/state"
)

const (
	Name = "deployer"

	TaskDeployLocal      agent.TaskType = "deploy_local"
	TaskDeployWeb        agent.TaskType = "deploy_web"
	TaskStopDeployment   agent.TaskType = "stop_deployment"
	TaskDeploymentStatus agent.TaskType = "deployment_status"
	TaskListDeployments  agent.TaskType = "list_deployments"

	schemaName    = "deployer.deployments"
	schemaVersion = 2

	DefaultPortStart = 8000
	DefaultPortEnd   = 9000
)

// CodePortsExhausted 表示端口区间内没有可用端口。
const CodePortsExhausted xerrors.Code = "PORTS_EXHAUSTED"

func init() {
	xerrors.Register(CodePortsExhausted, xerrors.Attributes{
		Message:  "no free port available",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// DeploymentStatus 描述一次部署的运行状态。
type DeploymentStatus string

const (
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentStopped   DeploymentStatus = "stopped"
	DeploymentPublished DeploymentStatus = "published"
	// DeploymentNotLaunched 只出现在查询结果中，不会被持久化。
	DeploymentNotLaunched DeploymentStatus = "not_launched"
)

// Kind 区分本地部署与 Web 发布。
type Kind string

const (
	KindLocal Kind = "local"
	KindWeb   Kind = "web"
)

// Deployment 是一个应用最近一次的部署记录，以应用名为 key。
type Deployment struct {
	ID        string           `json:"id"`
	App       string           `json:"app"`
	Kind      Kind             `json:"kind"`
	Port      int              `json:"port,omitempty"`
	URL       string           `json:"url,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Status    DeploymentStatus `json:"status"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// Config 配置端口区间与是否探测端口占用。
type Config struct {
	PortStart int
	PortEnd   int // 不含
	// ProbePorts 为真时通过监听 127.0.0.1 确认端口未被其他进程占用。
	ProbePorts bool
}

func (c *Config) applyDefaults() {
	if c.PortStart <= 0 {
		c.PortStart = DefaultPortStart
	}
	if c.PortEnd <= c.PortStart {
		c.PortEnd = DefaultPortEnd
	}
}

type deployLocalPayload struct {
	App string `json:"app"`
}

type deployWebPayload struct {
	App      string `json:"app"`
	URL      string `json:"url"`
	Provider string `json:"provider,omitempty"`
}

type appPayload struct {
	App string `json:"app"`
}

type listPayload struct {
	Status DeploymentStatus `json:"status,omitempty"`
}

// StopResult 是 stop_deployment 的返回值。
type StopResult struct {
	App     string           `json:"app"`
	Status  DeploymentStatus `json:"status"`
	Stopped bool             `json:"stopped"`
}

type persisted struct {
	Deployments map[string]Deployment `json:"deployments"`
}

// legacyDeployment 是 v1 的列表形态。
type legacyDeployment struct {
	App    string `json:"app"`
	Port   int    `json:"port"`
	Status string `json:"status"`
}

// Agent 维护部署记录。
type Agent struct {
	*agent.Agent

	cfg         Config
	mu          sync.RWMutex
	deployments map[string]Deployment
	now         func() time.Time
	probe       func(port int) bool
}

// New 创建 deployer 智能体。
func New(store state.Store, cfg Config, opts ...agent.Option) (*Agent, error) {
	cfg.applyDefaults()
	d := &Agent{cfg: cfg, deployments: make(map[string]Deployment), now: time.Now}
	if cfg.ProbePorts {
		d.probe = portFree
	}
	base, err := agent.New(agent.Spec{
		Name:         Name,
		Type:         agent.TypeTaskSpecific,
		Capabilities: []agent.Capability{agent.CapabilityLocalDeployment, agent.CapabilityWebDeployment, agent.CapabilityMonitoring},
		Priority:     agent.PriorityMedium,
	}, store, d, opts...)
	if err != nil {
		return nil, err
	}
	d.Agent = base
	return d, nil
}

// RegisterHandlers 实现 agent.Behavior。
func (d *Agent) RegisterHandlers(t *agent.HandlerTable) error {
	if err := agent.RegisterTyped(t, TaskDeployLocal, d.deployLocal,
		agent.Mutating(), agent.WithDescription("在本机端口区间内分配端口并登记运行")); err != nil {
		return err
	}
	if err := agent.RegisterTyped(t, TaskDeployWeb, d.deployWeb,
		agent.Mutating(), agent.WithDescription("登记应用的 Web 发布地址")); err != nil {
		return err
	}
	if err := agent.RegisterTyped(t, TaskStopDeployment, d.stopDeployment,
		agent.Mutating(), agent.WithDescription("停止运行中的本地部署")); err != nil {
		return err
	}
	if err := agent.RegisterTyped(t, TaskDeploymentStatus, d.deploymentStatus,
		agent.WithDescription("查询应用的部署状态")); err != nil {
		return err
	}
	return agent.RegisterTyped(t, TaskListDeployments, d.listDeployments,
		agent.WithDescription("列出部署记录"))
}

// StateSchema 实现 agent.Behavior，v1 的列表形态会迁移为按应用名索引的 map。
func (d *Agent) StateSchema() agent.Schema {
	return agent.Schema{Name: schemaName, Version: schemaVersion, Migrate: migrate}
}

func migrate(from int, data json.RawMessage) (json.RawMessage, error) {
	if from != 1 {
		return nil, fmt.Errorf("不支持从 v%d 迁移", from)
	}
	var legacy []legacyDeployment
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}
	out := persisted{Deployments: make(map[string]Deployment, len(legacy))}
	for _, item := range legacy {
		if item.App == "" {
			return nil, fmt.Errorf("v1 记录缺少 app 字段")
		}
		out.Deployments[item.App] = Deployment{
			ID:     uuid.NewString(),
			App:    item.App,
			Kind:   KindLocal,
			Port:   item.Port,
			Status: DeploymentStatus(item.Status),
		}
	}
	return json.Marshal(out)
}

// Restore 实现 agent.Behavior。重启意味着之前的进程不复存在，
// 因此 running 的记录一律恢复为 stopped。
func (d *Agent) Restore(_ context.Context, snapshot *agent.Snapshot) error {
	var st persisted
	if err := snapshot.Decode(&st); err != nil {
		return err
	}
	deployments := make(map[string]Deployment, len(st.Deployments))
	normalized := 0
	for app, dep := range st.Deployments {
		if dep.App == "" {
			dep.App = app
		}
		if dep.App != app {
			return xerrors.New(agent.CodeSchemaMismatch, fmt.Sprintf("部署 key %q 与应用名 %q 不一致", app, dep.App))
		}
		switch dep.Status {
		case DeploymentRunning:
			dep.Status = DeploymentStopped
			normalized++
		case DeploymentStopped, DeploymentPublished:
		case "exited":
			dep.Status = DeploymentStopped
		default:
			return xerrors.New(agent.CodeSchemaMismatch, fmt.Sprintf("部署 %s 状态未知: %q", app, dep.Status))
		}
		deployments[app] = dep
	}
	d.mu.Lock()
	d.deployments = deployments
	d.mu.Unlock()
	if normalized > 0 && d.Agent != nil {
		d.Logger().Warn("重启前仍在运行的部署已标记为 stopped", "count", normalized)
	}
	return nil
}

// Snapshot 实现 agent.Behavior。
func (d *Agent) Snapshot(context.Context) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := persisted{Deployments: make(map[string]Deployment, len(d.deployments))}
	for app, dep := range d.deployments {
		out.Deployments[app] = dep
	}
	return out, nil
}

// OnShutdown 实现 agent.ShutdownHook，停止所有运行中的本地部署。
func (d *Agent) OnShutdown(_ context.Context, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now().UnixMilli()
	stopped := 0
	for app, dep := range d.deployments {
		if dep.Status != DeploymentRunning {
			continue
		}
		dep.Status = DeploymentStopped
		dep.UpdatedAt = now
		d.deployments[app] = dep
		stopped++
	}
	if stopped > 0 {
		d.Logger().Info("关闭时停止运行中的部署", "count", stopped, "force", force)
	}
	return nil
}

// Deployments 返回按应用名排序的部署副本。
func (d *Agent) Deployments() []Deployment {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked("")
}

func (d *Agent) deployLocal(ctx context.Context, p deployLocalPayload) (any, error) {
	app, err := normalizeApp(p.App)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.deployments[app]; ok && existing.Status == DeploymentRunning {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("%s 已在端口 %d 运行", app, existing.Port))
	}
	port, err := d.allocatePortLocked(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now().UnixMilli()
	dep := Deployment{
		ID:        uuid.NewString(),
		App:       app,
		Kind:      KindLocal,
		Port:      port,
		Status:    DeploymentRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.deployments[app] = dep
	d.Logger().Info("本地部署已登记", "app", app, "port", port)
	return dep, nil
}

// allocatePortLocked 返回区间内第一个未被运行中部署占用的端口。
func (d *Agent) allocatePortLocked(ctx context.Context) (int, error) {
	held := make(map[int]struct{}, len(d.deployments))
	for _, dep := range d.deployments {
		if dep.Status == DeploymentRunning && dep.Port > 0 {
			held[dep.Port] = struct{}{}
		}
	}
	for port := d.cfg.PortStart; port < d.cfg.PortEnd; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, taken := held[port]; taken {
			continue
		}
		if d.probe != nil && !d.probe(port) {
			continue
		}
		return port, nil
	}
	return 0, xerrors.New(CodePortsExhausted,
		fmt.Sprintf("端口区间 [%d, %d) 内没有可用端口", d.cfg.PortStart, d.cfg.PortEnd))
}

func (d *Agent) deployWeb(_ context.Context, p deployWebPayload) (any, error) {
	app, err := normalizeApp(p.App)
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的发布地址: %q", p.URL))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.deployments[app]; ok && existing.Status == DeploymentRunning {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("%s 仍在本地运行，请先停止", app))
	}
	now := d.now().UnixMilli()
	dep := Deployment{
		ID:        uuid.NewString(),
		App:       app,
		Kind:      KindWeb,
		URL:       target.String(),
		Provider:  p.Provider,
		Status:    DeploymentPublished,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.deployments[app] = dep
	return dep, nil
}

func (d *Agent) stopDeployment(_ context.Context, p appPayload) (any, error) {
	app, err := normalizeApp(p.App)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dep, ok := d.deployments[app]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("%s 尚未部署", app))
	}
	if dep.Status != DeploymentRunning {
		return StopResult{App: app, Status: dep.Status}, nil
	}
	dep.Status = DeploymentStopped
	dep.UpdatedAt = d.now().UnixMilli()
	d.deployments[app] = dep
	return StopResult{App: app, Status: dep.Status, Stopped: true}, nil
}

func (d *Agent) deploymentStatus(_ context.Context, p appPayload) (any, error) {
	app, err := normalizeApp(p.App)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	dep, ok := d.deployments[app]
	if !ok {
		return Deployment{App: app, Status: DeploymentNotLaunched}, nil
	}
	return dep, nil
}

func (d *Agent) listDeployments(_ context.Context, p listPayload) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked(p.Status), nil
}

func (d *Agent) sortedLocked(status DeploymentStatus) []Deployment {
	out := make([]Deployment, 0, len(d.deployments))
	for _, dep := range d.deployments {
		if status != "" && dep.Status != status {
			continue
		}
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].App < out[j].App })
	return out
}

func normalizeApp(app string) (string, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "app 不能为空")
	}
	return app, nil
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
