package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 conductord 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	TaskQueue    TaskQueueConfig    `json:"task_queue"`
	Board        BoardConfig        `json:"board"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Logging      LoggingConfig      `json:"logging"`
	Alerting     AlertingConfig     `json:"alerting"`
	Auth         AuthConfig         `json:"auth"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 REST API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务、智能体与上报记录的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`

	ReportLog ReportLogConfig `json:"report_log"`
}

// ReportLogConfig 控制进度与阻塞上报的落盘方式。
type ReportLogConfig struct {
	Driver string `json:"driver"`
}

// TaskQueueConfig 控制任务事件队列的驱动与参数。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// BoardConfig 描述外部看板服务的访问方式。
type BoardConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	TokenEnv       string `json:"token_env"`
	ProjectID      string `json:"project_id"`
	MappingPath    string `json:"mapping_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// KnowledgeConfig 描述阻塞排查建议知识库的加载方式。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// OrchestratorConfig 控制任务分配的行为参数。
type OrchestratorConfig struct {
	DefaultPriority int `json:"default_priority"`
	MaxAgents       int `json:"max_agents"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AlertingConfig 控制阻塞与同步失败的告警推送渠道。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// AuthConfig 控制 REST API 的身份认证方式。
type AuthConfig struct {
	Mode  string         `json:"mode"`
	JWT   JWTConfig      `json:"jwt"`
	Seeds []AuthSeed     `json:"seeds"`
	Store AuthStoreProxy `json:"store"`
}

// JWTConfig 描述本地 JWT 签发所需的参数。
type JWTConfig struct {
	Secret     string   `json:"secret"`
	SecretEnv  string   `json:"secret_env"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  int64    `json:"access_ttl_seconds"`
	RefreshTTL int64    `json:"refresh_ttl_seconds"`
}

// AuthSeed 描述启动时注入的初始账号。
type AuthSeed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// AuthStoreProxy 选择用户目录的存储后端。
type AuthStoreProxy struct {
	Driver string `json:"driver"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.ReportLog.Driver == "" {
		c.Storage.ReportLog.Driver = "file"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}

	if c.Board.TimeoutSeconds <= 0 {
		c.Board.TimeoutSeconds = 15
	}
	if c.Board.MappingPath != "" && !filepath.IsAbs(c.Board.MappingPath) {
		c.Board.MappingPath = filepath.Join(baseDir, c.Board.MappingPath)
	}
	if c.Board.Token == "" && c.Board.TokenEnv != "" {
		c.Board.Token = os.Getenv(c.Board.TokenEnv)
	}

	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Orchestrator.DefaultPriority <= 0 {
		c.Orchestrator.DefaultPriority = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store.Driver == "" {
		c.Auth.Store.Driver = "memory"
	}
	if c.Auth.JWT.Secret == "" && c.Auth.JWT.SecretEnv != "" {
		c.Auth.JWT.Secret = os.Getenv(c.Auth.JWT.SecretEnv)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
