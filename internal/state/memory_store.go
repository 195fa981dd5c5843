package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 将状态保存在进程内存中，主要用于测试和单机演示。
// 每个 key 的值是不可变快照，读写都通过克隆完成，因此无需全局锁。
type MemoryStore struct {
	records sync.Map
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// LoadAgentState 实现 Store 接口。
func (m *MemoryStore) LoadAgentState(_ context.Context, agentID string) (Record, bool, error) {
	if err := validateAgentID(agentID); err != nil {
		return Record{}, false, err
	}
	value, ok := m.records.Load(agentID)
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(value.(Record)), true, nil
}

// SaveAgentState 实现 Store 接口。
func (m *MemoryStore) SaveAgentState(_ context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	record = cloneRecord(record)
	if record.UpdatedAt == 0 {
		record.UpdatedAt = m.now().UnixMilli()
	}
	m.records.Store(record.AgentID, record)
	return nil
}

// DeleteAgentState 实现 Store 接口。
func (m *MemoryStore) DeleteAgentState(_ context.Context, agentID string) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	m.records.Delete(agentID)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
