package state

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenAgent-Runtime/internal/errors"
)

const defaultRedisPrefix = "agentd:state:"

// RedisConfig 描述 Redis 状态存储的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 以 "前缀 + agentID" 为 key 保存完整记录。SET 本身是原子的，
// 因此同一 key 的读者不会看到部分写入。
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
	now    func() time.Time
}

// NewRedisStore 建立连接并确认 Redis 可达。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("连接 Redis", "", err)
	}
	store := NewRedisStoreFromClient(client, cfg.KeyPrefix)
	store.owned = true
	return store, nil
}

// NewRedisStoreFromClient 复用已有的客户端，调用方负责关闭。
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// LoadAgentState 实现 Store 接口。
func (s *RedisStore) LoadAgentState(ctx context.Context, agentID string) (Record, bool, error) {
	if err := validateAgentID(agentID); err != nil {
		return Record{}, false, err
	}
	payload, err := s.client.Get(ctx, s.key(agentID)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, unavailable("读取 Redis 状态", agentID, err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, false, corrupted(agentID, err)
	}
	return record, true, nil
}

// SaveAgentState 实现 Store 接口。
func (s *RedisStore) SaveAgentState(ctx context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = s.now().UnixMilli()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化状态失败")
	}
	if err := s.client.Set(ctx, s.key(record.AgentID), payload, 0).Err(); err != nil {
		return unavailable("写入 Redis 状态", record.AgentID, err)
	}
	return nil
}

// DeleteAgentState 实现 Store 接口。
func (s *RedisStore) DeleteAgentState(ctx context.Context, agentID string) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(agentID)).Err(); err != nil {
		return unavailable("删除 Redis 状态", agentID, err)
	}
	return nil
}

// Close 仅在客户端由 RedisStore 自己创建时关闭。
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) key(agentID string) string {
	return s.prefix + agentID
}

var _ Store = (*RedisStore)(nil)
