package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/state"
)

// MigrateFunc 将旧版本的数据转换为当前版本。
type MigrateFunc func(fromVersion int, data json.RawMessage) (json.RawMessage, error)

// Schema 标识具体智能体持久化文档的结构。恢复时名称必须一致，
// 版本更高的记录会被拒绝，版本更低的记录交给 Migrate 处理。
type Schema struct {
	Name    string
	Version int
	Migrate MigrateFunc
}

func (s Schema) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "状态 schema 名称不能为空")
	}
	if s.Version <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "状态 schema 版本必须为正数")
	}
	return nil
}

// Snapshot 是交给 Restore 的已校验持久化状态，版本总是当前版本。
type Snapshot struct {
	Schema    string
	Version   int
	Data      json.RawMessage
	UpdatedAt time.Time
}

// Decode 严格解码快照数据，出现未知字段时失败。
func (s *Snapshot) Decode(out any) error {
	if s == nil || len(s.Data) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(s.Data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return xerrors.Wrap(CodeSchemaMismatch, err, fmt.Sprintf("无法按 %s v%d 解析状态", s.Schema, s.Version))
	}
	return nil
}

// snapshotFromRecord 校验记录与 schema 的匹配关系，必要时执行迁移。
func snapshotFromRecord(schema Schema, record state.Record) (*Snapshot, error) {
	if record.Schema != schema.Name {
		return nil, xerrors.New(CodeSchemaMismatch,
			fmt.Sprintf("状态 schema 为 %q，期望 %q", record.Schema, schema.Name))
	}
	if record.Version > schema.Version {
		return nil, xerrors.New(CodeSchemaMismatch,
			fmt.Sprintf("状态版本 v%d 高于支持的 v%d", record.Version, schema.Version))
	}
	data := record.Data
	if record.Version < schema.Version {
		if schema.Migrate == nil {
			return nil, xerrors.New(CodeSchemaMismatch,
				fmt.Sprintf("状态版本 v%d 无法迁移到 v%d", record.Version, schema.Version))
		}
		migrated, err := schema.Migrate(record.Version, data)
		if err != nil {
			return nil, xerrors.Wrap(CodeSchemaMismatch, err,
				fmt.Sprintf("从 v%d 迁移状态失败", record.Version))
		}
		data = migrated
	}
	snapshot := &Snapshot{Schema: schema.Name, Version: schema.Version, Data: data}
	if record.UpdatedAt > 0 {
		snapshot.UpdatedAt = time.UnixMilli(record.UpdatedAt)
	}
	return snapshot, nil
}
