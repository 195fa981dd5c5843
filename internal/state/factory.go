package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"OpenAgent-Runtime/internal/storage/sqldb"
)

// Config 描述状态存储后端。Driver 取值 memory、file、mysql、postgres、sqlite、redis。
type Config struct {
	Driver          string
	Dir             string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Redis           RedisConfig
}

// Open 根据配置创建对应的 Store。
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Dir)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	case "mysql", "postgres", "postgresql", "sqlite", "sqlite3":
		dialect, err := sqldb.ParseDialect(driver)
		if err != nil {
			return nil, err
		}
		return OpenSQLStore(ctx, sqldb.Config{
			Dialect:         dialect,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("不支持的状态存储驱动: %s", cfg.Driver)
	}
}
