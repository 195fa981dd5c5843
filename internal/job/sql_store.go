package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"OpenAgent-Runtime/internal/agent"
	xerrors "OpenAgent-Runtime/internal/errors"
	"OpenAgent-Runtime/internal/storage/sqldb"
)

const jobColumns = `id, agent_id, task_type, payload, task_context, status, attempts, max_retries,
        last_error, error_code, result, created_at, updated_at`

// SQLStore 使用 jobs 表记录作业状态，支持 MySQL、PostgreSQL 与 SQLite。
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	owned   bool
}

// NewSQLStore 使用已有连接创建 SQLStore，表结构由 sqldb.Migrate 负责。
func NewSQLStore(db *sql.DB, dialect sqldb.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLStore 建立连接、执行迁移并返回拥有该连接的 SQLStore。
func OpenSQLStore(ctx context.Context, cfg sqldb.Config) (*SQLStore, error) {
	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobStorage, err, "连接作业数据库失败")
	}
	if err := sqldb.Migrate(ctx, db, cfg.Dialect); err != nil {
		db.Close()
		return nil, xerrors.Wrap(CodeJobStorage, err, "执行作业表迁移失败")
	}
	store := NewSQLStore(db, cfg.Dialect)
	store.owned = true
	return store, nil
}

// Create 插入新的作业记录。
func (s *SQLStore) Create(ctx context.Context, j *Job) error {
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(j.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}

	now := time.Now().UnixMilli()
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	payload, err := marshalMap(j.Task.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 payload 失败")
	}
	taskContext, err := marshalMap(j.Task.Context)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 context 失败")
	}

	stmt := s.dialect.Rebind(`INSERT INTO jobs
        (id, agent_id, task_type, payload, task_context, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`)
	_, err = s.db.ExecContext(ctx, stmt,
		j.ID,
		j.AgentID,
		string(j.Task.Type),
		payload,
		taskContext,
		string(j.Status),
		j.Attempts,
		j.MaxRetries,
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		if s.dialect.IsDuplicateKey(err) {
			return ErrJobConflict
		}
		return xerrors.Wrap(CodeJobStorage, err, "插入作业失败")
	}
	return nil
}

// Get 查询指定作业。
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(CodeJobStorage, err, "查询作业失败")
	}
	return j, nil
}

// Claim 将作业标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	stmt := s.dialect.Rebind(`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`)
	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), time.Now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(CodeJobStorage, err, "更新作业状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(CodeJobStorage, err, "获取影响行数失败")
	}
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return j, nil
	}
	switch j.Status {
	case StatusSucceeded, StatusFailed:
		return j, ErrJobCompleted
	case StatusRunning:
		return j, ErrJobConflict
	default:
		if j.Attempts >= j.MaxRetries {
			return j, ErrJobExhausted
		}
		return j, ErrJobConflict
	}
}

// MarkSucceeded 将作业标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	stmt := s.dialect.Rebind(`UPDATE jobs SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`)
	var value sql.NullString
	if len(result) > 0 {
		value = sql.NullString{String: string(result), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, stmt, string(StatusSucceeded), value, time.Now().UnixMilli(), id)
	if err != nil {
		return xerrors.Wrap(CodeJobStorage, err, "标记作业成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败，非终态的作业回到 pending。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	stmt := s.dialect.Rebind(`UPDATE jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, stmt, string(status), lastError, string(code), time.Now().UnixMilli(), id)
	if err != nil {
		return xerrors.Wrap(CodeJobStorage, err, "标记作业失败状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合条件的作业。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM jobs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobStorage, err, "查询作业列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(CodeJobStorage, err, "解析作业记录失败")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(CodeJobStorage, err, "遍历作业失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的作业聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(CodeJobStorage, err, "查询作业统计失败")
	}
	return stats, nil
}

// Close 仅在连接由 SQLStore 自己创建时关闭。
func (s *SQLStore) Close() error {
	if s == nil || !s.owned || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                    Job
		taskType, status     string
		payload, taskContext sql.NullString
		lastError, errorCode sql.NullString
		result               sql.NullString
	)
	if err := row.Scan(
		&j.ID,
		&j.AgentID,
		&taskType,
		&payload,
		&taskContext,
		&status,
		&j.Attempts,
		&j.MaxRetries,
		&lastError,
		&errorCode,
		&result,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Task.Type = agent.TaskType(taskType)
	j.Status = Status(status)
	j.LastError = lastError.String
	j.ErrorCode = errorCode.String
	var err error
	if j.Task.Payload, err = unmarshalMap(payload); err != nil {
		return nil, fmt.Errorf("解析 payload 失败: %w", err)
	}
	if j.Task.Context, err = unmarshalMap(taskContext); err != nil {
		return nil, fmt.Errorf("解析 context 失败: %w", err)
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	return &j, nil
}

func marshalMap(values map[string]any) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.TaskType != "" {
		conditions = append(conditions, "task_type = ?")
		args = append(args, string(opts.TaskType))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)
