package state

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "OpenAgent-Runtime/internal/errors"
)

// Record 是一个智能体持久化状态的完整快照。
//
// Data 的结构完全由具体智能体决定，存储层只负责按 AgentID 整体读写。
// Schema/Version 用于恢复时校验与迁移。
type Record struct {
	AgentID   string          `json:"agent_id"`
	Schema    string          `json:"schema"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at"`
}

// Store 抽象了按智能体 ID 存取状态的持久化后端。
//
// 实现需要保证同一 key 的读写原子：并发的 LoadAgentState 不会读到写了一半的记录。
// 不同 key 之间不应共享全局锁。
type Store interface {
	// LoadAgentState 返回最近一次保存的记录，不存在时返回 false 而非错误。
	LoadAgentState(ctx context.Context, agentID string) (Record, bool, error)
	// SaveAgentState 整体替换该智能体的记录。
	SaveAgentState(ctx context.Context, record Record) error
	DeleteAgentState(ctx context.Context, agentID string) error
	Close() error
}

const (
	CodeStoreUnavailable xerrors.Code = "STORE_UNAVAILABLE"
	CodeStateCorrupted   xerrors.Code = "STATE_CORRUPTED"
)

func init() {
	xerrors.Register(CodeStoreUnavailable, xerrors.Attributes{
		Message:   "state store unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeStateCorrupted, xerrors.Attributes{
		Message:  "persisted state is corrupted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

func unavailable(op, agentID string, err error) error {
	return xerrors.Wrap(CodeStoreUnavailable, err, op+" 失败",
		xerrors.WithMetadata("agent_id", agentID))
}

func corrupted(agentID string, err error) error {
	return xerrors.Wrap(CodeStateCorrupted, err, "无法解析持久化状态",
		xerrors.WithMetadata("agent_id", agentID))
}

func validateRecord(record Record) error {
	if err := validateAgentID(record.AgentID); err != nil {
		return err
	}
	if strings.TrimSpace(record.Schema) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "状态 schema 不能为空")
	}
	if len(record.Data) > 0 && !json.Valid(record.Data) {
		return xerrors.New(xerrors.CodeInvalidArgument, "状态数据不是合法 JSON")
	}
	return nil
}

func validateAgentID(agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	return nil
}

func cloneRecord(record Record) Record {
	if record.Data != nil {
		record.Data = append(json.RawMessage(nil), record.Data...)
	}
	return record
}
