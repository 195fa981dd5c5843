package agent

import (
	"fmt"
	"strings"
)

// Capability 描述智能体能够承担的工作类别，构造后不可变。
type Capability string

const (
	CapabilityDebugging       Capability = "debugging"
	CapabilityCodeAnalysis    Capability = "code_analysis"
	CapabilityVersionControl  Capability = "version_control"
	CapabilityLocalDeployment Capability = "local_deployment"
	CapabilityWebDeployment   Capability = "web_deployment"
	CapabilityMonitoring      Capability = "monitoring"
)

// Valid 判断是否为已知能力。
func (c Capability) Valid() bool {
	switch c {
	case CapabilityDebugging, CapabilityCodeAnalysis, CapabilityVersionControl,
		CapabilityLocalDeployment, CapabilityWebDeployment, CapabilityMonitoring:
		return true
	default:
		return false
	}
}

// Type 区分专用执行型智能体与协调型智能体。
type Type string

const (
	TypeTaskSpecific Type = "task_specific"
	TypeCoordinator  Type = "coordinator"
)

// Valid 判断是否为已知类型。
func (t Type) Valid() bool {
	return t == TypeTaskSpecific || t == TypeCoordinator
}

// Priority 是提供给外部调度器的排序提示，运行时本身不据此排队。
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Valid 判断是否为已知优先级。
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority 将配置中的字符串解析为优先级。
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("未知的优先级: %q", value)
	}
}

// MarshalText 以名称形式输出，便于 JSON/YAML 阅读。
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("未知的优先级: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status 是单个智能体实例的生命周期状态，只由基础运行时修改。
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusReady         Status = "ready"
	StatusBusy          Status = "busy"
	StatusShuttingDown  Status = "shutting_down"
	StatusStopped       Status = "stopped"
	StatusFailed        Status = "failed"
)

// IsTerminal 判断状态是否不可再迁移。failed 允许重新初始化，因此不算终态。
func (s Status) IsTerminal() bool {
	return s == StatusStopped
}

// Valid 判断是否为已知状态。
func (s Status) Valid() bool {
	switch s {
	case StatusUninitialized, StatusReady, StatusBusy, StatusShuttingDown, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// TaskType 是任务类型标签，每个具体智能体定义自己的封闭集合。
type TaskType string
