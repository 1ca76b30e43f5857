package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenMCP-Conductor/internal/agent"
	"OpenMCP-Conductor/internal/api"
	"OpenMCP-Conductor/internal/auth"
	"OpenMCP-Conductor/internal/board"
	"OpenMCP-Conductor/internal/config"
	"OpenMCP-Conductor/internal/knowledge"
	"OpenMCP-Conductor/internal/observability/alerting"
	"OpenMCP-Conductor/internal/orchestrator"
	"OpenMCP-Conductor/internal/storage/mysql"
	"OpenMCP-Conductor/internal/task"
	"OpenMCP-Conductor/pkg/logger"
)

// main 是 Conductor 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("conductord 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CONDUCTOR_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "conductor.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
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

	taskStore, err := buildTaskStore(cfg)
	if err != nil {
		return err
	}

	registry, err := buildAgentRegistry(cfg)
	if err != nil {
		return err
	}

	taskQueue, err := buildTaskQueue(cfg)
	if err != nil {
		return err
	}

	reports, err := buildReportLog(ctx, cfg)
	if err != nil {
		return err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	alerts := buildAlertDispatcher(cfg.Alerting)

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

	if cfg.Board.Enabled {
		syncer, err := buildBoardSyncer(cfg, taskStore, taskQueue, alerts)
		if err != nil {
			return err
		}
		syncCtx, syncCancel := context.WithCancel(ctx)
		defer syncCancel()
		go func() {
			if err := syncer.Start(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("看板同步器异常退出", "error", err)
			}
		}()
	}

	authService, err := buildAuthService(ctx, cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, orch, authService)
	logger.L().Info("conductord 启动", "address", cfg.Server.Address)
	return server.Start(ctx)
}

func buildTaskStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildAgentRegistry(cfg *config.Config) (agent.Registry, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return agent.NewMemoryRegistry(cfg.Orchestrator.MaxAgents), nil
	case "mysql":
		return agent.NewMySQLRegistry(cfg.Storage.DSN, cfg.Orchestrator.MaxAgents)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}

func buildReportLog(ctx context.Context, cfg *config.Config) (mysql.ReportRepository, error) {
	switch cfg.Storage.ReportLog.Driver {
	case "", "file":
		return mysql.NewFileReportRepository(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLReportRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的上报日志驱动: %s", cfg.Storage.ReportLog.Driver)
	}
}

// buildAlertDispatcher 根据配置装配告警渠道，未配置任何渠道时返回 nil。
func buildAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhookSender{URL: cfg.DingTalkWebhook},
		})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhookSender{URL: cfg.SlackWebhook},
			ChannelID: cfg.SlackChannel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func buildBoardSyncer(cfg *config.Config, store task.Store, consumer task.Consumer, alerts alerting.Dispatcher) (*board.Syncer, error) {
	httpClient := &http.Client{Timeout: time.Duration(cfg.Board.TimeoutSeconds) * time.Second}
	client, err := board.NewClient(cfg.Board.BaseURL, cfg.Board.ProjectID, cfg.Board.Token, httpClient)
	if err != nil {
		return nil, err
	}
	mapping, err := board.LoadMapping(cfg.Board.MappingPath)
	if err != nil {
		return nil, err
	}
	return board.NewSyncer(client, store, consumer, mapping,
		board.WithWorkerCount(cfg.TaskQueue.Worker),
		board.WithAlertDispatcher(alerts),
	), nil
}

func buildAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	if cfg.Auth.Mode == "" || cfg.Auth.Mode == string(auth.ModeDisabled) {
		return nil, nil
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	switch cfg.Auth.Store.Driver {
	case "", "memory":
		memStore, err := auth.NewMemoryStore(seeds)
		if err != nil {
			return nil, err
		}
		store = memStore
		seeds = nil // 已在构造时注入
	case "mysql":
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("未知的用户目录驱动: %s", cfg.Auth.Store.Driver)
	}

	return auth.NewService(ctx, auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
		Seeds: seeds,
	}, store)
}
