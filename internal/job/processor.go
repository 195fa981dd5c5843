package job

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/observability/alerting"
	"OpenAgent-Runtime/internal/observability/metrics"
	"OpenAgent-Runtime/internal/runtime"
	"OpenAgent-Runtime/pkg/logger"
)

// Executor 定义了处理器所需的运行时能力，由 *runtime.Runtime 实现。
type Executor interface {
	ExecuteTask(ctx context.Context, agentID string, task agent.Task) runtime.Result
}

// RecoveryHandler 定义了作业以不可重试错误结束时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回非 nil 的值时作为降级结果写入作业，返回 nil 则按失败处理。
	Recover(ctx context.Context, job *Job, cause error) (any, error)
}

// Processor 负责从队列消费作业并交给运行时执行，重试策略由它负责。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	retryDelay  time.Duration
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	metrics     *metrics.Recorder
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryDelay 设置重投前的基础等待时间，实际等待随尝试次数线性增长。
func WithRetryDelay(delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if delay >= 0 {
			p.retryDelay = delay
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithProcessorMetrics 配置指标记录器。
func WithProcessorMetrics(recorder *metrics.Recorder) ProcessorOption {
	return func(p *Processor) { p.metrics = recorder }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		retryDelay:  200 * time.Millisecond,
		logger:      logger.Named("job"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动作业处理循环，阻塞直到 ctx 取消或队列出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	j, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrJobExhausted) {
			if markErr := p.store.MarkFailed(ctx, jobID, CodeJobExhausted, err.Error(), true); markErr != nil {
				return markErr
			}
			p.emitAlert(ctx, j, CodeJobExhausted, err, "exhausted")
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobStorage, err, "claim")
		return err
	}
	p.metrics.RecordJob(ctx, j.AgentID, "claimed")

	result := p.executor.ExecuteTask(ctx, j.AgentID, j.Task.Clone())
	if !result.Success {
		return p.handleExecutionFailure(ctx, j, result.Err())
	}
	return p.complete(ctx, j, result.Value, "succeeded")
}

func (p *Processor) complete(ctx context.Context, j *Job, value any, transition string) error {
	encoded, err := encodeResult(value)
	if err != nil {
		wrapped := xerrors.Wrap(agent.CodeHandlerFailure, err, "任务结果无法序列化")
		return p.fail(ctx, j, wrapped, true)
	}
	if err := p.store.MarkSucceeded(ctx, j.ID, encoded); err != nil {
		p.logger.Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", j.ID))
		return err
	}
	p.metrics.RecordJob(ctx, j.AgentID, transition)
	logger.Audit().Info("作业执行成功",
		slog.String("job_id", j.ID),
		slog.String("agent_id", j.AgentID),
		slog.String("task_type", string(j.Task.Type)),
		slog.Int("attempts", j.Attempts),
		slog.String("outcome", transition),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, j *Job, execErr error) error {
	retryable := xerrors.RetryableError(execErr)
	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, j, execErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeJobCompensate, recErr, "作业补偿失败")
			p.logger.Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("job_id", j.ID))
			p.emitAlert(ctx, j, CodeJobCompensate, wrapped, "compensate")
		case fallback != nil:
			p.emitAlert(ctx, j, xerrors.CodeOf(execErr), execErr, "degraded")
			return p.complete(ctx, j, fallback, "degraded")
		}
	}
	terminal := !retryable || j.Attempts >= j.MaxRetries
	return p.fail(ctx, j, execErr, terminal)
}

func (p *Processor) fail(ctx context.Context, j *Job, execErr error, terminal bool) error {
	code := xerrors.CodeOf(execErr)
	if err := p.store.MarkFailed(ctx, j.ID, code, execErr.Error(), terminal); err != nil {
		p.logger.Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", j.ID))
		return err
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", j.ID),
		slog.String("agent_id", j.AgentID),
		slog.String("task_type", string(j.Task.Type)),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", j.Attempts),
		slog.Int("max_retries", j.MaxRetries),
	)

	if terminal {
		p.metrics.RecordJob(ctx, j.AgentID, "failed")
		stage := "terminal"
		if xerrors.RetryableError(execErr) {
			stage = "exhausted"
			p.emitAlert(ctx, j, CodeJobExhausted, execErr, stage)
		} else if xerrors.ShouldAlert(execErr) {
			p.emitAlert(ctx, j, code, execErr, stage)
		}
		return nil
	}

	p.metrics.RecordJob(ctx, j.AgentID, "retried")
	if delay := p.retryDelay * time.Duration(j.Attempts); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			// 作业保持 pending，重启后由 Requeue 恢复。
			return nil
		case <-timer.C:
		}
	}
	if err := p.producer.Publish(ctx, j.ID); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", j.ID))
	}
	p.logger.Debug("作业已重新排队", slog.String("job_id", j.ID), slog.Int("attempts", j.Attempts))
	return nil
}

// Requeue 将存储中仍处于 pending 或 running 的作业重新投递，用于进程重启后恢复。
// running 状态的作业会先回到 pending，本次尝试计入次数。
func (p *Processor) Requeue(ctx context.Context) (int, error) {
	if p.store == nil || p.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	var pending []*Job
	for offset := 0; ; offset += 100 {
		page, err := p.store.List(ctx, ListOptions{
			Limit:    100,
			Offset:   offset,
			Statuses: []Status{StatusPending, StatusRunning},
			Order:    SortByUpdatedAsc,
		})
		if err != nil {
			return 0, err
		}
		pending = append(pending, page...)
		if len(page) < 100 {
			break
		}
	}

	count := 0
	for _, j := range pending {
		if j.Status == StatusRunning {
			terminal := j.Attempts >= j.MaxRetries
			if err := p.store.MarkFailed(ctx, j.ID, CodeJobConflict, "进程重启时作业仍在运行", terminal); err != nil {
				return count, err
			}
			if terminal {
				continue
			}
		}
		if err := p.producer.Publish(ctx, j.ID); err != nil {
			return count, xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", j.ID))
		}
		count++
	}
	return count, nil
}

func (p *Processor) emitAlert(ctx context.Context, j *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || j == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause_code"] = string(xerrors.CodeOf(cause))
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		AgentID:    j.AgentID,
		TaskType:   string(j.Task.Type),
		JobID:      j.ID,
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", j.ID),
			slog.String("stage", stage),
		)
	}
}

func encodeResult(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}
