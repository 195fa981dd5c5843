package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OpenAgent-Runtime/internal/state"
	"OpenAgent-Runtime/internal/storage/sqldb"
	"OpenAgent-Runtime/pkg/logger"
)

// Config 描述了 agentd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  logger.Config  `json:"logging"`
	State    StateConfig    `json:"state"`
	Jobs     JobsConfig     `json:"jobs"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	// Metrics 为假时不暴露 /metrics。
	Metrics *bool `json:"metrics,omitempty"`
	// MetricsAddress 非空时在独立端口暴露指标，API 端口不再挂载 /metrics。
	MetricsAddress string `json:"metrics_address"`
}

// MetricsEnabled 返回是否暴露指标端点，默认开启。
func (s ServerConfig) MetricsEnabled() bool {
	return s.Metrics == nil || *s.Metrics
}

// StateConfig 描述智能体状态存储，driver 取值 memory、file、redis、mysql、postgres、sqlite。
type StateConfig struct {
	Driver                 string      `json:"driver"`
	Dir                    string      `json:"dir"`
	DSN                    string      `json:"dsn"`
	MaxOpenConns           int         `json:"max_open_conns"`
	MaxIdleConns           int         `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds"`
	Redis                  RedisConfig `json:"redis"`
}

// RedisConfig 是状态存储与作业队列共用的 Redis 连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// StoreConfig 转换为 state.Open 所需的参数。
func (s StateConfig) StoreConfig() state.Config {
	return state.Config{
		Driver:          s.Driver,
		Dir:             s.Dir,
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: time.Duration(s.ConnMaxLifetimeSeconds) * time.Second,
		Redis: state.RedisConfig{
			Address:   s.Redis.Address,
			Password:  s.Redis.Password,
			DB:        s.Redis.DB,
			KeyPrefix: s.Redis.KeyPrefix,
		},
	}
}

// JobsConfig 描述异步作业的存储、队列与处理参数。
type JobsConfig struct {
	Enabled      bool           `json:"enabled"`
	Store        JobStoreConfig `json:"store"`
	Queue        QueueConfig    `json:"queue"`
	Workers      int            `json:"workers"`
	MaxRetries   int            `json:"max_retries"`
	RetryDelayMS int            `json:"retry_delay_ms"`
	// RequeueOnStart 为真时启动阶段重新投递未完成的作业。
	RequeueOnStart bool `json:"requeue_on_start"`
}

// RetryDelay 返回重投的基础等待时间。
func (j JobsConfig) RetryDelay() time.Duration {
	return time.Duration(j.RetryDelayMS) * time.Millisecond
}

// JobStoreConfig 描述作业存储，driver 取值 memory、mysql、postgres、sqlite。
type JobStoreConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// SQLConfig 转换为 sqldb.Open 所需的参数，仅在 driver 为 SQL 方言时有效。
func (s JobStoreConfig) SQLConfig() (sqldb.Config, error) {
	dialect, err := sqldb.ParseDialect(s.Driver)
	if err != nil {
		return sqldb.Config{}, err
	}
	return sqldb.Config{
		Dialect:      dialect,
		DSN:          s.DSN,
		MaxOpenConns: s.MaxOpenConns,
		MaxIdleConns: s.MaxIdleConns,
	}, nil
}

// QueueConfig 描述作业队列，driver 取值 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Capacity int            `json:"capacity"`
	Name     string         `json:"name"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// AlertingConfig 描述告警渠道，日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	// AgentsFile 指向 YAML 格式的智能体清单。
	AgentsFile             string `json:"agents_file"`
	InitConcurrency        int    `json:"init_concurrency"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// ShutdownTimeout 返回进程退出时留给 ShutdownAll 的时间。
func (r RuntimeConfig) ShutdownTimeout() time.Duration {
	return time.Duration(r.ShutdownTimeoutSeconds) * time.Second
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.AgentsFile != "" {
		c.Runtime.AgentsFile = resolve(baseDir, c.Runtime.AgentsFile)
	}
	if c.Runtime.InitConcurrency <= 0 {
		c.Runtime.InitConcurrency = 4
	}
	if c.Runtime.ShutdownTimeoutSeconds <= 0 {
		c.Runtime.ShutdownTimeoutSeconds = 15
	}

	c.State.Driver = strings.ToLower(strings.TrimSpace(c.State.Driver))
	if c.State.Driver == "" {
		c.State.Driver = "memory"
	}
	if c.State.Driver == "file" {
		if c.State.Dir == "" {
			c.State.Dir = filepath.Join(c.Runtime.DataDir, "state")
		} else {
			c.State.Dir = resolve(baseDir, c.State.Dir)
		}
	}
	if isSQLite(c.State.Driver) {
		c.State.DSN = resolveSQLiteDSN(baseDir, c.State.DSN)
	}

	c.Jobs.Store.Driver = strings.ToLower(strings.TrimSpace(c.Jobs.Store.Driver))
	if c.Jobs.Store.Driver == "" {
		c.Jobs.Store.Driver = "memory"
	}
	if isSQLite(c.Jobs.Store.Driver) {
		c.Jobs.Store.DSN = resolveSQLiteDSN(baseDir, c.Jobs.Store.DSN)
	}
	c.Jobs.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Jobs.Queue.Driver))
	if c.Jobs.Queue.Driver == "" {
		c.Jobs.Queue.Driver = "memory"
	}
	if c.Jobs.Queue.Capacity <= 0 {
		c.Jobs.Queue.Capacity = 256
	}
	if c.Jobs.Queue.Driver == "redis" && c.Jobs.Queue.Redis.Address == "" {
		c.Jobs.Queue.Redis = c.State.Redis
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.MaxRetries <= 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Jobs.RetryDelayMS <= 0 {
		c.Jobs.RetryDelayMS = 200
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

func (c *Config) validate() error {
	switch c.State.Driver {
	case "memory", "file", "redis", "mysql", "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("不支持的状态存储驱动: %s", c.State.Driver)
	}
	if c.State.Driver == "redis" && c.State.Redis.Address == "" {
		return errors.New("state.redis.address 不能为空")
	}
	switch c.Jobs.Store.Driver {
	case "memory", "mysql", "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("不支持的作业存储驱动: %s", c.Jobs.Store.Driver)
	}
	switch c.Jobs.Queue.Driver {
	case "memory":
	case "redis":
		if c.Jobs.Queue.Redis.Address == "" {
			return errors.New("jobs.queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Jobs.Queue.RabbitMQ.URL == "" {
			return errors.New("jobs.queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的作业队列驱动: %s", c.Jobs.Queue.Driver)
	}
	return nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func isSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}

// resolveSQLiteDSN 把相对路径的 sqlite 数据库文件解析到配置文件所在目录，保留 file: 前缀与查询参数。
func resolveSQLiteDSN(baseDir, dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" || strings.HasPrefix(trimmed, ":memory:") || strings.Contains(trimmed, "mode=memory") {
		return dsn
	}
	prefix := ""
	rest := trimmed
	if strings.HasPrefix(rest, "file:") {
		prefix = "file:"
		rest = strings.TrimPrefix(rest, "file:")
	}
	file, query, hasQuery := strings.Cut(rest, "?")
	if file == "" || filepath.IsAbs(file) {
		return dsn
	}
	resolved := prefix + filepath.Join(baseDir, file)
	if hasQuery {
		resolved += "?" + query
	}
	return resolved
}
