package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/runtime"
	"OpenAgent-Runtime/pkg/logger"
)

// DefaultMaxRetries 是未显式指定时的最大尝试次数。
const DefaultMaxRetries = 3

// SubmitRequest 描述一次异步任务提交。
type SubmitRequest struct {
	// ID 可选，重复提交同一 ID 时返回已有作业。
	ID         string     `json:"id,omitempty"`
	AgentID    string     `json:"agent_id"`
	Task       agent.Task `json:"task"`
	MaxRetries int        `json:"max_retries,omitempty"`
}

// AgentLookup 用于在入队前校验目标智能体，通常由 *runtime.Runtime 实现。
type AgentLookup interface {
	Agent(id string) (runtime.Managed, error)
}

// Service 负责作业的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	agents     AgentLookup
	maxRetries int
}

// NewService 构造作业服务，agents 为 nil 时不做目标校验。
func NewService(store Store, producer Producer, agents AgentLookup, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, agents: agents, maxRetries: maxRetries}
}

// Submit 创建一个新的作业并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		return nil, xerrors.New(CodeJobValidation, "目标智能体不能为空")
	}
	if strings.TrimSpace(string(req.Task.Type)) == "" {
		return nil, xerrors.New(CodeJobValidation, "任务类型不能为空")
	}
	if err := s.checkTarget(req.AgentID, req.Task.Type); err != nil {
		return nil, err
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	j := &Job{
		ID:         jobID,
		AgentID:    req.AgentID,
		Task:       req.Task.Clone(),
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
	if err := s.store.Create(ctx, j); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("作业入队成功",
		slog.String("job_id", jobID),
		slog.String("agent_id", j.AgentID),
		slog.String("task_type", string(j.Task.Type)),
		slog.Int("max_retries", j.MaxRetries),
	)
	return j, nil
}

func (s *Service) checkTarget(agentID string, taskType agent.TaskType) error {
	if s.agents == nil {
		return nil
	}
	target, err := s.agents.Agent(agentID)
	if err != nil {
		return err
	}
	for _, t := range target.Descriptor().Tasks {
		if t.Type == taskType {
			return nil
		}
	}
	return xerrors.New(agent.CodeUnsupportedTask,
		fmt.Sprintf("智能体 %s 不支持任务类型 %s", agentID, taskType),
		xerrors.WithMetadata("task_type", string(taskType)))
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的作业统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询作业状态直到结束或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
