// Package agents 根据清单构造内置智能体。
package agents

import (
	"fmt"

	"OpenAgent-Runtime/internal/agent"
	"OpenAgent-Runtime/internal/agents/debugger"
	"OpenAgent-Runtime/internal/agents/deployer"
	"OpenAgent-Runtime/internal/agents/vcs"
	"OpenAgent-Runtime/internal/config"
	"OpenAgent-Runtime/internal/runtime"
	"OpenAgent-Runtime/internal/state"
)

// Build 按定义创建单个智能体，extra 追加在清单派生的选项之后。
func Build(def config.AgentDefinition, store state.Store, extra ...agent.Option) (runtime.Managed, error) {
	opts := []agent.Option{agent.WithLogLevel(def.Level())}
	if def.ID != "" {
		opts = append(opts, agent.WithID(def.ID))
	}
	opts = append(opts, extra...)

	var (
		built runtime.Managed
		err   error
	)
	switch def.Kind {
	case "debugger":
		var a *debugger.Agent
		a, err = debugger.New(store, opts...)
		built = a
	case "deployer":
		var cfg deployer.Config
		if def.Deployer != nil {
			cfg = deployer.Config{
				PortStart:  def.Deployer.PortStart,
				PortEnd:    def.Deployer.PortEnd,
				ProbePorts: def.Deployer.ProbePorts,
			}
		}
		var a *deployer.Agent
		a, err = deployer.New(store, cfg, opts...)
		built = a
	case "vcs":
		var a *vcs.Agent
		a, err = vcs.New(store, opts...)
		built = a
	default:
		return nil, fmt.Errorf("未知的智能体类型: %s", def.Kind)
	}
	if err != nil {
		return nil, err
	}
	return built, nil
}

// RegisterAll 构造清单中启用的智能体并注册到运行时，返回注册的 id。
func RegisterAll(rt *runtime.Runtime, roster config.AgentRoster, store state.Store, extra ...agent.Option) ([]string, error) {
	var ids []string
	for _, def := range roster.Enabled() {
		a, err := Build(def, store, extra...)
		if err != nil {
			return ids, fmt.Errorf("构造智能体 %s 失败: %w", def.Kind, err)
		}
		if err := rt.Register(a); err != nil {
			return ids, err
		}
		ids = append(ids, a.ID())
	}
	return ids, nil
}
