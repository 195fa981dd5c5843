package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"OpenAgent-Runtime/pkg/logger"
)

// AgentRoster 是 YAML 智能体清单的顶层结构。
type AgentRoster struct {
	Defaults AgentDefaults     `yaml:"defaults"`
	Agents   []AgentDefinition `yaml:"agents"`
}

// AgentDefaults 为未显式配置的字段提供默认值。
type AgentDefaults struct {
	LogLevel string `yaml:"logLevel"`
}

// AgentDefinition 描述一个要启动的内置智能体。
type AgentDefinition struct {
	// Kind 取值 debugger、deployer、vcs。
	Kind string `yaml:"kind"`
	// ID 固定后重启可以恢复同一份持久化状态，留空时随机生成。
	ID       string          `yaml:"id"`
	Enabled  *bool           `yaml:"enabled"`
	LogLevel string          `yaml:"logLevel"`
	Deployer *DeployerConfig `yaml:"deployer"`
}

// DeployerConfig 是 deployer 智能体的端口参数。
type DeployerConfig struct {
	PortStart  int  `yaml:"portStart"`
	PortEnd    int  `yaml:"portEnd"`
	ProbePorts bool `yaml:"probePorts"`
}

// IsEnabled 未设置 enabled 时视为启用。
func (d AgentDefinition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Level 返回解析后的日志级别。
func (d AgentDefinition) Level() logger.Level {
	level, err := logger.ParseLevel(d.LogLevel)
	if err != nil {
		return logger.LevelInfo
	}
	return level
}

// DefaultRoster 在未提供清单文件时启动全部内置智能体。
func DefaultRoster() AgentRoster {
	roster := AgentRoster{Agents: []AgentDefinition{
		{Kind: "debugger", ID: "debugger"},
		{Kind: "deployer", ID: "deployer"},
		{Kind: "vcs", ID: "vcs"},
	}}
	roster.applyDefaults()
	return roster
}

// LoadAgentDefinitions 读取 YAML 清单，path 为空时返回默认清单。
func LoadAgentDefinitions(path string) (AgentRoster, error) {
	if path == "" {
		return DefaultRoster(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return AgentRoster{}, fmt.Errorf("读取智能体清单失败: %w", err)
	}
	var roster AgentRoster
	if err := yaml.Unmarshal(raw, &roster); err != nil {
		return AgentRoster{}, fmt.Errorf("解析智能体清单失败: %w", err)
	}
	roster.applyDefaults()
	if err := roster.Validate(); err != nil {
		return AgentRoster{}, err
	}
	return roster, nil
}

func (r *AgentRoster) applyDefaults() {
	if r.Defaults.LogLevel == "" {
		r.Defaults.LogLevel = string(logger.LevelInfo)
	}
	for i := range r.Agents {
		def := &r.Agents[i]
		def.Kind = strings.ToLower(strings.TrimSpace(def.Kind))
		def.ID = strings.TrimSpace(def.ID)
		if def.LogLevel == "" {
			def.LogLevel = r.Defaults.LogLevel
		}
	}
}

// Validate 检查清单内部一致性：kind 合法、日志级别可解析、id 不重复。
func (r AgentRoster) Validate() error {
	seen := make(map[string]struct{}, len(r.Agents))
	for i, def := range r.Agents {
		switch def.Kind {
		case "debugger", "deployer", "vcs":
		case "":
			return fmt.Errorf("第 %d 个智能体缺少 kind", i+1)
		default:
			return fmt.Errorf("未知的智能体类型: %s", def.Kind)
		}
		if _, err := logger.ParseLevel(def.LogLevel); err != nil {
			return fmt.Errorf("智能体 %s 的日志级别无效: %w", def.Kind, err)
		}
		if def.Deployer != nil && def.Kind != "deployer" {
			return fmt.Errorf("只有 deployer 可以配置 deployer 段 (%s)", def.Kind)
		}
		if def.ID == "" {
			continue
		}
		if _, ok := seen[def.ID]; ok {
			return errors.New("智能体 id 重复: " + def.ID)
		}
		seen[def.ID] = struct{}{}
	}
	return nil
}

// Enabled 返回启用的定义。
func (r AgentRoster) Enabled() []AgentDefinition {
	out := make([]AgentDefinition, 0, len(r.Agents))
	for _, def := range r.Agents {
		if def.IsEnabled() {
			out = append(out, def)
		}
	}
	return out
}
