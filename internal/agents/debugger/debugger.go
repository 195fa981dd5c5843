// Package debugger 提供记录与跟踪问题报告的智能体。
package debugger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/state"
)

const (
	Name = "debugger"

	TaskCreateReport  agent.TaskType = "create_report"
	TaskResolveReport agent.TaskType = "resolve_report"
	TaskListReports   agent.TaskType = "list_reports"
	TaskGetReport     agent.TaskType = "get_report"

	schemaName    = "debugger.reports"
	schemaVersion = 1
)

// ReportStatus 表示报告是否已处理。
type ReportStatus string

const (
	ReportOpen     ReportStatus = "open"
	ReportResolved ReportStatus = "resolved"
)

// Report 是一条问题报告。
type Report struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Severity    string       `json:"severity"`
	Source      string       `json:"source,omitempty"`
	Status      ReportStatus `json:"status"`
	Resolution  string       `json:"resolution,omitempty"`
	CreatedAt   int64        `json:"created_at"`
	ResolvedAt  int64        `json:"resolved_at,omitempty"`
}

type createReportPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Source      string `json:"source,omitempty"`
}

type resolveReportPayload struct {
	ID         string `json:"id"`
	Resolution string `json:"resolution,omitempty"`
}

type listReportsPayload struct {
	Status ReportStatus `json:"status,omitempty"`
}

type getReportPayload struct {
	ID string `json:"id"`
}

type persisted struct {
	Reports map[string]Report `json:"reports"`
}

// Agent 在内存中维护报告集合，并通过基础运行时持久化。
type Agent struct {
	*agent.Agent

	mu      sync.RWMutex
	reports map[string]Report
	now     func() time.Time
}

// New 创建 debugger 智能体。
func New(store state.Store, opts ...agent.Option) (*Agent, error) {
	d := &Agent{reports: make(map[string]Report), now: time.Now}
	base, err := agent.New(agent.Spec{
		Name:         Name,
		Type:         agent.TypeTaskSpecific,
		Capabilities: []agent.Capability{agent.CapabilityDebugging, agent.CapabilityCodeAnalysis},
		Priority:     agent.PriorityHigh,
	}, store, d, opts...)
	if err != nil {
		return nil, err
	}
	d.Agent = base
	return d, nil
}

// RegisterHandlers 实现 agent.Behavior。
func (d *Agent) RegisterHandlers(t *agent.HandlerTable) error {
	if err := agent.RegisterTyped(t, TaskCreateReport, d.createReport,
		agent.Mutating(), agent.WithDescription("记录一条新的问题报告")); err != nil {
		return err
	}
	if err := agent.RegisterTyped(t, TaskResolveReport, d.resolveReport,
		agent.Mutating(), agent.WithDescription("将报告标记为已解决")); err != nil {
		return err
	}
	if err := agent.RegisterTyped(t, TaskListReports, d.listReports,
		agent.WithDescription("按状态列出报告")); err != nil {
		return err
	}
	return agent.RegisterTyped(t, TaskGetReport, d.getReport,
		agent.WithDescription("查询单条报告"))
}

// StateSchema 实现 agent.Behavior。
func (d *Agent) StateSchema() agent.Schema {
	return agent.Schema{Name: schemaName, Version: schemaVersion}
}

// Restore 实现 agent.Behavior。
func (d *Agent) Restore(_ context.Context, snapshot *agent.Snapshot) error {
	var st persisted
	if err := snapshot.Decode(&st); err != nil {
		return err
	}
	reports := make(map[string]Report, len(st.Reports))
	for id, report := range st.Reports {
		if report.ID == "" {
			report.ID = id
		}
		if report.ID != id {
			return xerrors.New(agent.CodeSchemaMismatch, fmt.Sprintf("报告 key %q 与 ID %q 不一致", id, report.ID))
		}
		if report.Status != ReportOpen && report.Status != ReportResolved {
			return xerrors.New(agent.CodeSchemaMismatch, fmt.Sprintf("报告 %s 状态未知: %q", id, report.Status))
		}
		reports[id] = report
	}
	d.mu.Lock()
	d.reports = reports
	d.mu.Unlock()
	return nil
}

// Snapshot 实现 agent.Behavior。
func (d *Agent) Snapshot(context.Context) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := persisted{Reports: make(map[string]Report, len(d.reports))}
	for id, report := range d.reports {
		out.Reports[id] = report
	}
	return out, nil
}

// Reports 返回按创建时间排序的报告副本。
func (d *Agent) Reports() []Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked("")
}

func (d *Agent) createReport(_ context.Context, p createReportPayload) (any, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "title 不能为空")
	}
	severity, err := normalizeSeverity(p.Severity)
	if err != nil {
		return nil, err
	}
	report := Report{
		ID:          uuid.NewString(),
		Title:       title,
		Description: p.Description,
		Severity:    severity,
		Source:      p.Source,
		Status:      ReportOpen,
		CreatedAt:   d.now().UnixMilli(),
	}
	d.mu.Lock()
	d.reports[report.ID] = report
	d.mu.Unlock()
	d.Logger().Info("创建报告", "report_id", report.ID, "severity", severity)
	return report, nil
}

func (d *Agent) resolveReport(_ context.Context, p resolveReportPayload) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	report, ok := d.reports[p.ID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("报告 %s 不存在", p.ID))
	}
	if report.Status == ReportResolved {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("报告 %s 已解决", p.ID))
	}
	report.Status = ReportResolved
	report.Resolution = p.Resolution
	report.ResolvedAt = d.now().UnixMilli()
	d.reports[p.ID] = report
	return report, nil
}

func (d *Agent) listReports(_ context.Context, p listReportsPayload) (any, error) {
	if p.Status != "" && p.Status != ReportOpen && p.Status != ReportResolved {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的报告状态: %s", p.Status))
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked(p.Status), nil
}

func (d *Agent) getReport(_ context.Context, p getReportPayload) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	report, ok := d.reports[p.ID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("报告 %s 不存在", p.ID))
	}
	return report, nil
}

func (d *Agent) sortedLocked(status ReportStatus) []Report {
	out := make([]Report, 0, len(d.reports))
	for _, report := range d.reports {
		if status != "" && report.Status != status {
			continue
		}
		out = append(out, report)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

func normalizeSeverity(value string) (string, error) {
	switch s := strings.ToLower(strings.TrimSpace(value)); s {
	case "":
		return "medium", nil
	case "low", "medium", "high", "critical":
		return s, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的严重程度: %s", value))
	}
}
