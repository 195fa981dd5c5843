package agent

import (
	xerrors "OpenAgent-Runtime/internal/errors"
)

const (
	CodeUnsupportedTask xerrors.Code = "UNSUPPORTED_TASK"
	CodeBusy            xerrors.Code = "AGENT_BUSY"
	CodeHandlerFailure  xerrors.Code = "HANDLER_FAILURE"
	CodeNotReady        xerrors.Code = "AGENT_NOT_READY"
	CodeSchemaMismatch  xerrors.Code = "STATE_SCHEMA_MISMATCH"
)

func init() {
	xerrors.Register(CodeUnsupportedTask, xerrors.Attributes{
		Message:  "unsupported task type",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBusy, xerrors.Attributes{
		Message:   "agent is busy",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeHandlerFailure, xerrors.Attributes{
		Message:  "task handler failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeNotReady, xerrors.Attributes{
		Message:  "agent is not ready",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSchemaMismatch, xerrors.Attributes{
		Message:  "persisted state schema mismatch",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsBusy 判断错误是否为忙碌拒绝。
func IsBusy(err error) bool { return xerrors.HasCode(err, CodeBusy) }

// IsUnsupported 判断错误是否为未知任务类型。
func IsUnsupported(err error) bool { return xerrors.HasCode(err, CodeUnsupportedTask) }

// IsHandlerFailure 判断错误是否来自任务处理函数。
func IsHandlerFailure(err error) bool { return xerrors.HasCode(err, CodeHandlerFailure) }
