package state

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"OpenAgent-Runtime/internal/storage/sqldb"
)

// SQLStore 将状态保存在 agent_states 表中，每个智能体一行。
// 写入使用单条 upsert 语句，依赖数据库的行级原子性。
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	owned   bool
	now     func() time.Time
}

// NewSQLStore 使用已有连接创建 SQLStore，调用方负责执行迁移与关闭连接。
func NewSQLStore(db *sql.DB, dialect sqldb.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// OpenSQLStore 建立连接、执行迁移并返回拥有该连接的 SQLStore。
func OpenSQLStore(ctx context.Context, cfg sqldb.Config) (*SQLStore, error) {
	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, unavailable("连接状态数据库", "", err)
	}
	if err := sqldb.Migrate(ctx, db, cfg.Dialect); err != nil {
		db.Close()
		return nil, unavailable("执行状态迁移", "", err)
	}
	store := NewSQLStore(db, cfg.Dialect)
	store.owned = true
	return store, nil
}

// DB 暴露底层连接，便于与任务存储共享连接池。
func (s *SQLStore) DB() *sql.DB { return s.db }

// LoadAgentState 实现 Store 接口。
func (s *SQLStore) LoadAgentState(ctx context.Context, agentID string) (Record, bool, error) {
	if err := validateAgentID(agentID); err != nil {
		return Record{}, false, err
	}
	query := s.dialect.Rebind(`SELECT schema_name, schema_version, data, updated_at FROM agent_states WHERE agent_id = ?`)
	record := Record{AgentID: agentID}
	var data string
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&record.Schema, &record.Version, &data, &record.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, unavailable("查询智能体状态", agentID, err)
	}
	record.Data = []byte(data)
	return record, true, nil
}

// SaveAgentState 实现 Store 接口。
func (s *SQLStore) SaveAgentState(ctx context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = s.now().UnixMilli()
	}
	data := string(record.Data)
	if data == "" {
		data = "null"
	}
	if _, err := s.db.ExecContext(ctx, s.upsertQuery(), record.AgentID, record.Schema, record.Version, data, record.UpdatedAt); err != nil {
		return unavailable("保存智能体状态", record.AgentID, err)
	}
	return nil
}

// DeleteAgentState 实现 Store 接口。
func (s *SQLStore) DeleteAgentState(ctx context.Context, agentID string) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM agent_states WHERE agent_id = ?`), agentID); err != nil {
		return unavailable("删除智能体状态", agentID, err)
	}
	return nil
}

// Close 仅在连接由 SQLStore 自己创建时关闭。
func (s *SQLStore) Close() error {
	if s.owned && s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) upsertQuery() string {
	switch s.dialect {
	case sqldb.DialectMySQL:
		return `INSERT INTO agent_states (agent_id, schema_name, schema_version, data, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE schema_name = VALUES(schema_name), schema_version = VALUES(schema_version),
        data = VALUES(data), updated_at = VALUES(updated_at)`
	default:
		return s.dialect.Rebind(`INSERT INTO agent_states (agent_id, schema_name, schema_version, data, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (agent_id) DO UPDATE SET schema_name = excluded.schema_name, schema_version = excluded.schema_version,
        data = excluded.data, updated_at = excluded.updated_at`)
	}
}

var _ Store = (*SQLStore)(nil)
