package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"OpenMCP-Conductor/internal/agent"
	"OpenMCP-Conductor/internal/board"
	"OpenMCP-Conductor/internal/config"
	"OpenMCP-Conductor/internal/knowledge"
	mcpserver "OpenMCP-Conductor/internal/mcp"
	"OpenMCP-Conductor/internal/observability/alerting"
	"OpenMCP-Conductor/internal/orchestrator"
	"OpenMCP-Conductor/internal/storage/mysql"
	"OpenMCP-Conductor/internal/task"
	"OpenMCP-Conductor/pkg/logger"
)

// version 由构建时通过 -ldflags 注入。
var version = "dev"

// envSpec 汇总 MCP 命令可用的环境变量（前缀 CONDUCTOR_）。
type envSpec struct {
	Config   string `envconfig:"CONFIG"`
	LogLevel string `envconfig:"LOG_LEVEL"`
	DataDir  string `envconfig:"DATA_DIR" default:"data"`
}

// main 是 MCP stdio 服务的入口。编排状态与 conductord 共享同一配置，
// 使用 MySQL/Redis 后端时两个进程可以同时运行。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("conductor-mcp 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	var env envSpec
	if err := envconfig.Process("conductor", &env); err != nil {
		return err
	}

	cfg, err := loadConfig(env)
	if err != nil {
		return err
	}

	// stdio 被 MCP 传输占用，日志必须全部走 stderr 或文件。
	outputs := cfg.Logging.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	level := cfg.Logging.Level
	if env.LogLevel != "" {
		level = env.LogLevel
	}
	if err := logger.Init(logger.Config{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var taskStore task.Store
	switch cfg.Storage.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	var registry agent.Registry
	switch cfg.Storage.Driver {
	case "", "memory":
		registry = agent.NewMemoryRegistry(cfg.Orchestrator.MaxAgents)
	case "mysql":
		reg, err := agent.NewMySQLRegistry(cfg.Storage.DSN, cfg.Orchestrator.MaxAgents)
		if err != nil {
			return err
		}
		registry = reg
	}

	var taskQueue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(1024)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}

	var reports mysql.ReportRepository
	switch cfg.Storage.ReportLog.Driver {
	case "", "file":
		repo, err := mysql.NewFileReportRepository(cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		reports = repo
	case "mysql":
		repo, err := mysql.NewSQLReportRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		reports = repo
	default:
		return fmt.Errorf("未知的上报日志驱动: %s", cfg.Storage.ReportLog.Driver)
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	var alerts alerting.Dispatcher
	{
		var notifiers []alerting.Notifier
		if cfg.Alerting.DingTalkWebhook != "" {
			notifiers = append(notifiers, &alerting.DingTalkNotifier{
				Sender: &alerting.DingTalkWebhookSender{URL: cfg.Alerting.DingTalkWebhook},
			})
		}
		if cfg.Alerting.SlackWebhook != "" {
			notifiers = append(notifiers, &alerting.SlackNotifier{
				Sender:    &alerting.SlackWebhookSender{URL: cfg.Alerting.SlackWebhook},
				ChannelID: cfg.Alerting.SlackChannel,
			})
		}
		if len(notifiers) > 0 {
			alerts = alerting.NewFanout(notifiers...)
		}
	}

	orch := orchestrator.New(taskStore, registry,
		orchestrator.WithProducer(taskQueue),
		orchestrator.WithReportLog(reports),
		orchestrator.WithKnowledgeProvider(knowledgeProvider),
		orchestrator.WithAlertDispatcher(alerts),
		orchestrator.WithDefaultPriority(cfg.Orchestrator.DefaultPriority),
	)
	defer func() {
		if err := orch.Close(); err != nil {
			logger.L().Warn("关闭编排服务失败", "error", err)
		}
	}()

	// 看板同步仅在没有 conductord 消费事件时需要在本进程内启动。
	if cfg.Board.Enabled {
		httpClient := &http.Client{Timeout: time.Duration(cfg.Board.TimeoutSeconds) * time.Second}
		client, err := board.NewClient(cfg.Board.BaseURL, cfg.Board.ProjectID, cfg.Board.Token, httpClient)
		if err != nil {
			return err
		}
		mapping, err := board.LoadMapping(cfg.Board.MappingPath)
		if err != nil {
			return err
		}
		syncer := board.NewSyncer(client, taskStore, taskQueue, mapping,
			board.WithWorkerCount(cfg.TaskQueue.Worker),
			board.WithAlertDispatcher(alerts),
		)
		syncCtx, syncCancel := context.WithCancel(ctx)
		defer syncCancel()
		go func() {
			if err := syncer.Start(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("看板同步器异常退出", "error", err)
			}
		}()
	}

	return mcpserver.NewServer(orch, version).Run(ctx)
}

// loadConfig 读取配置文件；文件缺失时退化为纯内存的开发配置。
func loadConfig(env envSpec) (*config.Config, error) {
	path := env.Config
	if path == "" {
		path = os.Getenv("CONDUCTOR_CONFIG")
	}
	if path != "" {
		return config.Load(path)
	}
	defaultPath := "configs/conductor.json"
	if _, err := os.Stat(defaultPath); err == nil {
		return config.Load(defaultPath)
	}
	return &config.Config{
		Storage: config.StorageConfig{
			Driver:    "memory",
			ReportLog: config.ReportLogConfig{Driver: "file"},
		},
		TaskQueue:    config.TaskQueueConfig{Driver: "memory", Worker: 2},
		Orchestrator: config.OrchestratorConfig{DefaultPriority: 100},
		Logging:      config.LoggingConfig{Level: "info", Format: "json", OutputPaths: []string{"stderr"}},
		Runtime:      config.RuntimeConfig{DataDir: env.DataDir},
	}, nil
}
