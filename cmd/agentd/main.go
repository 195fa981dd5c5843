package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"OpenAgent-Runtime/internal/agents"
	"OpenAgent-Runtime/internal/api"
	"OpenAgent-Runtime/internal/config"
	"OpenAgent-Runtime/internal/job"
	"OpenAgent-Runtime/internal/observability/alerting"
	"OpenAgent-Runtime/internal/observability/metrics"
	"OpenAgent-Runtime/internal/runtime"
	"OpenAgent-Runtime/internal/state"
	"OpenAgent-Runtime/pkg/logger"
)

// CLI 定义 agentd 的命令行。
type CLI struct {
	Config string `short:"c" help:"JSON 配置文件路径。" env:"AGENTD_CONFIG" default:"configs/agentd.json" type:"path"`

	Serve    ServeCmd    `cmd:"" default:"1" help:"启动智能体运行时与 API 服务。"`
	Validate ValidateCmd `cmd:"" help:"校验配置文件与智能体清单。"`
	Version  VersionCmd  `cmd:"" help:"显示版本信息。"`
}

// VersionCmd 输出构建版本。
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("agentd %s\n", version)
	return nil
}

// ValidateCmd 只加载配置，不启动任何组件。
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	roster, err := config.LoadAgentDefinitions(cfg.Runtime.AgentsFile)
	if err != nil {
		return err
	}
	fmt.Printf("配置有效: state=%s jobs=%t queue=%s\n", cfg.State.Driver, cfg.Jobs.Enabled, cfg.Jobs.Queue.Driver)
	for _, def := range roster.Enabled() {
		fmt.Printf("  - %s id=%q log_level=%s\n", def.Kind, def.ID, def.LogLevel)
	}
	return nil
}

// ServeCmd 运行守护进程直到收到 SIGINT/SIGTERM。
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	return run(ctx, cfg)
}

// main 是 agentd 守护进程的入口。
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("加载 .env 失败: %v", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agentd"),
		kong.Description("OpenAgent 智能体运行时守护进程"),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli); err != nil {
		log.Fatalf("agentd 运行失败: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("agentd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	recorder, err := metrics.New()
	if err != nil {
		return fmt.Errorf("初始化指标失败: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = recorder.Shutdown(shutdownCtx)
	}()

	alerts := buildAlerts(cfg.Alerting)

	store, err := state.Open(ctx, cfg.State.StoreConfig())
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}
	defer store.Close()

	roster, err := config.LoadAgentDefinitions(cfg.Runtime.AgentsFile)
	if err != nil {
		return err
	}

	rt := runtime.New(
		runtime.WithMetrics(recorder),
		runtime.WithAlerts(alerts),
		runtime.WithInitConcurrency(cfg.Runtime.InitConcurrency),
	)
	ids, err := agents.RegisterAll(rt, roster, store)
	if err != nil {
		return err
	}
	log.Info("智能体已注册", slog.Any("agents", ids))

	// 初始化失败的智能体保持 failed，其余照常服务。
	if err := rt.InitializeAll(ctx); err != nil {
		log.Error("部分智能体初始化失败", slog.Any("error", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout())
		defer cancel()
		if err := rt.ShutdownAll(shutdownCtx, false); err != nil {
			log.Error("关闭智能体失败", slog.Any("error", err))
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	serverOpts := []api.Option{}
	if cfg.Server.MetricsEnabled() {
		if cfg.Server.MetricsAddress != "" {
			group.Go(func() error {
				return ignoreCanceled(metrics.StartServer(groupCtx, cfg.Server.MetricsAddress, recorder.Handler()))
			})
		} else {
			serverOpts = append(serverOpts, api.WithMetrics(recorder))
		}
	}

	if cfg.Jobs.Enabled {
		service, processor, err := buildJobs(ctx, cfg.Jobs, rt, recorder, alerts)
		if err != nil {
			return err
		}
		defer service.Close()
		if cfg.Jobs.RequeueOnStart {
			count, err := processor.Requeue(ctx)
			if err != nil {
				return fmt.Errorf("恢复未完成作业失败: %w", err)
			}
			log.Info("未完成作业已重新投递", slog.Int("count", count))
		}
		group.Go(func() error {
			return ignoreCanceled(processor.Start(groupCtx))
		})
		serverOpts = append(serverOpts, api.WithJobs(service))
	}

	server := api.NewServer(cfg.Server.Address, rt, serverOpts...)
	group.Go(func() error {
		return ignoreCanceled(server.Start(groupCtx))
	})

	err = group.Wait()
	log.Info("agentd 正在退出")
	return err
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func buildJobs(ctx context.Context, cfg config.JobsConfig, rt *runtime.Runtime, recorder *metrics.Recorder, alerts alerting.Dispatcher) (*job.Service, *job.Processor, error) {
	var store job.Store
	if cfg.Store.Driver == "memory" {
		store = job.NewMemoryStore()
	} else {
		sqlCfg, err := cfg.Store.SQLConfig()
		if err != nil {
			return nil, nil, err
		}
		sqlStore, err := job.OpenSQLStore(ctx, sqlCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("打开作业存储失败: %w", err)
		}
		store = sqlStore
	}

	var queue job.Queue
	switch cfg.Queue.Driver {
	case "redis":
		q, err := job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Name,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("连接 Redis 队列失败: %w", err)
		}
		queue = q
	case "rabbitmq":
		q, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.Name,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
		}
		queue = q
	default:
		queue = job.NewMemoryQueue(cfg.Queue.Capacity)
	}

	service := job.NewService(store, queue, rt, cfg.MaxRetries)
	processor := job.NewProcessor(rt, store, queue, queue,
		job.WithWorkerCount(cfg.Workers),
		job.WithRetryDelay(cfg.RetryDelay()),
		job.WithAlertDispatcher(alerts),
		job.WithProcessorMetrics(recorder),
	)
	return service, processor, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
