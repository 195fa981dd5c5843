// Package vcs 提供登记仓库与记录提交历史的智能体。
package vcs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/state"
)

const (
	Name = "vcs"

	TaskRegisterRepository agent.TaskType = "register_repository"
	TaskCommit             agent.TaskType = "commit"
	TaskListRepositories   agent.TaskType = "list_repositories"
	TaskRepositoryLog      agent.TaskType = "repository_log"

	schemaName    = "vcs.repositories"
	schemaVersion = 1

	defaultBranch   = "main"
	defaultLogLimit = 20
)

// Commit 是一次提交记录。
type Commit struct {
	ID        string `json:"id"`
	Parent    string `json:"parent,omitempty"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
}

// Repository 是一个登记的仓库及其提交历史，Commits 按时间正序。
type Repository struct {
	Name      string   `json:"name"`
	Path      string   `json:"path,omitempty"`
	Branch    string   `json:"branch"`
	Commits   []Commit `json:"commits"`
	CreatedAt int64    `json:"created_at"`
}

// Summary 是列出仓库时的精简视图。
type Summary struct {
	Name    string `json:"name"`
	Path    string `json:"path,omitempty"`
	Branch  string `json:"branch"`
	Head    string `json:"head,omitempty"`
	Commits int    `json:"commits"`
}

type registerPayload struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Branch string `json:"branch,omitempty"`
}

type commitPayload struct {
	Repository string `json:"repository"`
	Message    string `json:"message"`
	Author     string `json:"author,omitempty"`
}

type logPayload struct {
	Repository string `json:"repository"`
	Limit      int    `json:"limit,omitempty"`
}

type listPayload struct{}

type persisted struct {
	Repositories map[string]Repository `json:"repositories"`
}

// Agent 维护仓库集合。
type Agent struct {
	*agent.Agent

	mu    sync.RWMutex
	repos map[string]Repository
	now   func() time.Time
}

// New 创建 vcs 智能体。
func New(store state.Store, opts ...agent.Option) (*Agent, error) {
	v := &Agent{repos: make(map[string]Repository), now: time.Now}
	base, err := agent.New(agent.Spec{
		Name:         Name,
		Type:         agent.TypeTaskSpecific,
		Capabilities: []agent.Capability{agent.CapabilityVersionControl},
		Priority:     agent.PriorityMedium,
	}, store, v, opts...)
	if err != nil {
		return nil, err
	}
	v.Agent = base
	return v, nil
}

// RegisterHandlers 实现 agent.Behavior。
func (v *Agent) RegisterHandlers(t *agent.HandlerTable) error {
	if err := agent.RegisterTyped(t, TaskRegisterRepository, v.register, agent.Mutating()); err != nil {
		return err
	}
	if err := agent.RegisterTyped(t, TaskCommit, v.commit, agent.Mutating()); err != nil {
		return err
	}
	if err := agent.RegisterTyped(t, TaskListRepositories, v.list); err != nil {
		return err
	}
	return agent.RegisterTyped(t, TaskRepositoryLog, v.log)
}

// StateSchema 实现 agent.Behavior。
func (v *Agent) StateSchema() agent.Schema {
	return agent.Schema{Name: schemaName, Version: schemaVersion}
}

// Restore 实现 agent.Behavior。
func (v *Agent) Restore(_ context.Context, snapshot *agent.Snapshot) error {
	var st persisted
	if err := snapshot.Decode(&st); err != nil {
		return err
	}
	repos := make(map[string]Repository, len(st.Repositories))
	for name, repo := range st.Repositories {
		if repo.Name == "" {
			repo.Name = name
		}
		if repo.Name != name {
			return xerrors.New(agent.CodeSchemaMismatch, fmt.Sprintf("仓库 key %q 与名称 %q 不一致", name, repo.Name))
		}
		repo.Commits = append([]Commit(nil), repo.Commits...)
		repos[name] = repo
	}
	v.mu.Lock()
	v.repos = repos
	v.mu.Unlock()
	return nil
}

// Snapshot 实现 agent.Behavior。
func (v *Agent) Snapshot(context.Context) (any, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := persisted{Repositories: make(map[string]Repository, len(v.repos))}
	for name, repo := range v.repos {
		repo.Commits = append([]Commit(nil), repo.Commits...)
		out.Repositories[name] = repo
	}
	return out, nil
}

// Repositories 返回按名称排序的仓库摘要。
func (v *Agent) Repositories() []Summary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.summariesLocked()
}

func (v *Agent) register(_ context.Context, p registerPayload) (any, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "仓库名称不能为空")
	}
	branch := strings.TrimSpace(p.Branch)
	if branch == "" {
		branch = defaultBranch
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.repos[name]; exists {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("仓库 %s 已登记", name))
	}
	repo := Repository{Name: name, Path: p.Path, Branch: branch, Commits: []Commit{}, CreatedAt: v.now().UnixMilli()}
	v.repos[name] = repo
	return summarize(repo), nil
}

func (v *Agent) commit(_ context.Context, p commitPayload) (any, error) {
	message := strings.TrimSpace(p.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提交信息不能为空")
	}
	author := strings.TrimSpace(p.Author)
	if author == "" {
		author = "agentd"
	}
	name := strings.TrimSpace(p.Repository)
	v.mu.Lock()
	defer v.mu.Unlock()
	repo, ok := v.repos[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("仓库 %s 不存在", name))
	}
	parent := ""
	if n := len(repo.Commits); n > 0 {
		parent = repo.Commits[n-1].ID
	}
	ts := v.now().UnixMilli()
	c := Commit{
		ID:        commitID(repo.Name, parent, message, author, ts),
		Parent:    parent,
		Message:   message,
		Author:    author,
		Timestamp: ts,
	}
	repo.Commits = append(append([]Commit(nil), repo.Commits...), c)
	v.repos[repo.Name] = repo
	return c, nil
}

func (v *Agent) list(context.Context, listPayload) (any, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.summariesLocked(), nil
}

// log 返回最新在前的提交历史。
func (v *Agent) log(_ context.Context, p logPayload) (any, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	name := strings.TrimSpace(p.Repository)
	v.mu.RLock()
	defer v.mu.RUnlock()
	repo, ok := v.repos[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("仓库 %s 不存在", name))
	}
	out := make([]Commit, 0, min(limit, len(repo.Commits)))
	for i := len(repo.Commits) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, repo.Commits[i])
	}
	return out, nil
}

func (v *Agent) summariesLocked() []Summary {
	out := make([]Summary, 0, len(v.repos))
	for _, repo := range v.repos {
		out = append(out, summarize(repo))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func summarize(repo Repository) Summary {
	s := Summary{Name: repo.Name, Path: repo.Path, Branch: repo.Branch, Commits: len(repo.Commits)}
	if n := len(repo.Commits); n > 0 {
		s.Head = repo.Commits[n-1].ID
	}
	return s
}

func commitID(repo, parent, message, author string, ts int64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%d", repo, parent, message, author, ts)))
	return hex.EncodeToString(sum[:])
}
