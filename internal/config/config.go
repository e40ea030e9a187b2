package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/gateway"
	"solstice-agent/internal/memory"
	"solstice-agent/internal/router"
	"solstice-agent/pkg/logger"
)

// EnvPrefix 是环境变量覆盖的前缀。
const EnvPrefix = "SOLSTICE"

// Config 描述了 agent 运行时在启动阶段需要加载的全部配置。
type Config struct {
	Server           ServerConfig      `mapstructure:"server"`
	Provider         ProviderConfig    `mapstructure:"provider"`
	Agents           []router.Identity `mapstructure:"agents"`
	Routing          RoutingConfig     `mapstructure:"routing"`
	Memory           MemoryConfig      `mapstructure:"memory"`
	Scheduler        SchedulerConfig   `mapstructure:"scheduler"`
	Gateway          GatewayConfig     `mapstructure:"gateway"`
	Engine           EngineConfig      `mapstructure:"engine"`
	Logging          logger.Config     `mapstructure:"logging"`
	Alerting         AlertingConfig    `mapstructure:"alerting"`
	PersonalitiesDir string            `mapstructure:"personalities_dir"`
	DataDir          string            `mapstructure:"data_dir"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	MetricsAddress string        `mapstructure:"metrics_address"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	APITokens      []string      `mapstructure:"api_tokens"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ProviderConfig 是 agent 未单独指定时使用的模型后端。
type ProviderConfig struct {
	Name          string        `mapstructure:"name"`
	Model         string        `mapstructure:"model"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	ContextWindow int           `mapstructure:"context_window"`
}

// RoutingConfig 描述多 agent 的路由规则。
type RoutingConfig struct {
	Default  string        `mapstructure:"default"`
	Rules    []router.Rule `mapstructure:"rules"`
	PoolSize int           `mapstructure:"pool_size"`
}

// MemoryConfig 选择记忆存储后端。
type MemoryConfig struct {
	Driver            string             `mapstructure:"driver"`
	Scope             string             `mapstructure:"scope"`
	Dir               string             `mapstructure:"dir"`
	MaxLoadedMessages int                `mapstructure:"max_loaded_messages"`
	Redis             memory.RedisConfig `mapstructure:"redis"`
	Postgres          PostgresConfig     `mapstructure:"postgres"`
}

// PostgresConfig 描述 Postgres 连接。
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SchedulerConfig 控制定时任务。Disabled 只停止后台触发，任务管理仍然可用。
type SchedulerConfig struct {
	Disabled   bool           `mapstructure:"disabled"`
	Interval   time.Duration  `mapstructure:"interval"`
	JobTimeout time.Duration  `mapstructure:"job_timeout"`
	MaxJobs    int            `mapstructure:"max_jobs"`
	Timezone   string         `mapstructure:"timezone"`
	Store      JobStoreConfig `mapstructure:"store"`
	Delivery   DeliveryConfig `mapstructure:"delivery"`
}

// JobStoreConfig 选择任务存储：file 或 mysql。
type JobStoreConfig struct {
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	DSN    string `mapstructure:"dsn"`
}

// DeliveryConfig 描述结果投递：出站队列的驱动与文件兜底目录。
type DeliveryConfig struct {
	Driver     string                   `mapstructure:"driver"`
	ResultsDir string                   `mapstructure:"results_dir"`
	Redis      gateway.RedisQueueConfig `mapstructure:"redis"`
	RabbitMQ   gateway.RabbitMQConfig   `mapstructure:"rabbitmq"`
}

// GatewayConfig 描述入站消息队列。
type GatewayConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Workers int         `mapstructure:"workers"`
	Queue   QueueConfig `mapstructure:"queue"`
}

// QueueConfig 选择队列驱动：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string                   `mapstructure:"driver"`
	Size     int                      `mapstructure:"size"`
	Redis    gateway.RedisQueueConfig `mapstructure:"redis"`
	RabbitMQ gateway.RabbitMQConfig   `mapstructure:"rabbitmq"`
}

// EngineConfig 调整对话循环与上下文压缩。
type EngineConfig struct {
	MaxRounds       int           `mapstructure:"max_rounds"`
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	ToolFanout      int           `mapstructure:"tool_fanout"`
	KeepRecent      int           `mapstructure:"keep_recent"`
	Threshold       float64       `mapstructure:"threshold"`
	BackgroundLimit int           `mapstructure:"background_limit"`
	ConfirmTools    []string      `mapstructure:"confirm_tools"`
	SummaryModel    string        `mapstructure:"summary_model"`
}

// AlertingConfig 配置告警渠道，留空表示不启用。
type AlertingConfig struct {
	WebhookURL      string            `mapstructure:"webhook_url"`
	WebhookHeaders  map[string]string `mapstructure:"webhook_headers"`
	SlackWebhookURL string            `mapstructure:"slack_webhook_url"`
	SlackChannel    string            `mapstructure:"slack_channel"`
}

// envOverrides 列出可通过 SOLSTICE_* 环境变量覆盖的字段。
type envOverrides struct {
	Provider      string `envconfig:"PROVIDER"`
	Model         string `envconfig:"MODEL"`
	APIKey        string `envconfig:"API_KEY"`
	BaseURL       string `envconfig:"BASE_URL"`
	DataDir       string `envconfig:"DATA_DIR"`
	ServerAddress string `envconfig:"SERVER_ADDRESS"`
	MemoryDriver  string `envconfig:"MEMORY_DRIVER"`
	MemoryScope   string `envconfig:"MEMORY_SCOPE"`
	RedisAddress  string `envconfig:"REDIS_ADDRESS"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	MySQLDSN      string `envconfig:"MYSQL_DSN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	APIToken      string `envconfig:"API_TOKEN"`
}

// Load 解析指定路径的 YAML 配置文件。path 为空时只使用环境变量与默认值，
// 相对路径基于当前目录解析。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取配置文件失败")
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析环境变量失败")
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Provider.Name, env.Provider)
	set(&c.Provider.Model, env.Model)
	set(&c.Provider.APIKey, env.APIKey)
	set(&c.Provider.BaseURL, env.BaseURL)
	set(&c.DataDir, env.DataDir)
	set(&c.Server.Address, env.ServerAddress)
	set(&c.Memory.Driver, env.MemoryDriver)
	set(&c.Memory.Scope, env.MemoryScope)
	set(&c.Memory.Redis.Address, env.RedisAddress)
	set(&c.Memory.Postgres.DSN, env.PostgresDSN)
	set(&c.Logging.Level, env.LogLevel)
	if env.APIToken != "" {
		c.Server.APITokens = append(c.Server.APITokens, env.APIToken)
	}
	if env.MySQLDSN != "" {
		c.Scheduler.Store.DSN = env.MySQLDSN
		if c.Scheduler.Store.Driver == "" {
			c.Scheduler.Store.Driver = "mysql"
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	resolve := func(p, fallback string) string {
		if p == "" {
			p = fallback
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 5 * time.Minute
	}

	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	if c.Provider.Model == "" {
		if c.Provider.Name == "ollama" {
			c.Provider.Model = "llama3.1"
		} else {
			c.Provider.Model = "gpt-4o-mini"
		}
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 2 * time.Minute
	}
	if c.Provider.Retries <= 0 {
		c.Provider.Retries = 3
	}

	if len(c.Agents) == 0 {
		c.Agents = []router.Identity{{Name: router.DefaultAgent, Personality: "default"}}
	}
	if c.Routing.Default == "" {
		c.Routing.Default = router.DefaultAgent
	}

	c.DataDir = resolve(c.DataDir, "data")
	if c.Memory.Driver == "" {
		c.Memory.Driver = "file"
	}
	if c.Memory.Scope == "" {
		c.Memory.Scope = memory.ScopeGlobal
	}
	c.Memory.Dir = resolve(c.Memory.Dir, filepath.Join(c.DataDir, "memory"))
	if c.Memory.MaxLoadedMessages <= 0 {
		c.Memory.MaxLoadedMessages = memory.DefaultMaxLoadedMessages
	}

	if c.Scheduler.Store.Driver == "" {
		c.Scheduler.Store.Driver = "file"
	}
	c.Scheduler.Store.Dir = resolve(c.Scheduler.Store.Dir, filepath.Join(c.DataDir, "cron"))
	c.Scheduler.Delivery.ResultsDir = resolve(c.Scheduler.Delivery.ResultsDir, filepath.Join(c.DataDir, "results"))
	if c.Scheduler.Delivery.Driver == "" {
		c.Scheduler.Delivery.Driver = "file"
	}
	if c.Scheduler.Delivery.Redis.Queue == "" {
		c.Scheduler.Delivery.Redis.Queue = "solstice:outbox"
	}
	if c.Scheduler.Delivery.RabbitMQ.Queue == "" {
		c.Scheduler.Delivery.RabbitMQ.Queue = "solstice.outbox"
	}

	if c.Gateway.Workers <= 0 {
		c.Gateway.Workers = 4
	}
	if c.Gateway.Queue.Driver == "" {
		c.Gateway.Queue.Driver = "memory"
	}

	if c.Engine.BackgroundLimit <= 0 {
		c.Engine.BackgroundLimit = 10
	}

	if c.PersonalitiesDir != "" && !filepath.IsAbs(c.PersonalitiesDir) {
		c.PersonalitiesDir = filepath.Join(baseDir, c.PersonalitiesDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查枚举字段与必填项。
func (c *Config) Validate() error {
	check := func(field, value string, allowed ...string) error {
		if slices.Contains(allowed, value) {
			return nil
		}
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("%s: unsupported value %q (valid: %s)", field, value, strings.Join(allowed, ", ")))
	}
	if err := check("provider.name", c.Provider.Name, "openai", "openrouter", "ollama"); err != nil {
		return err
	}
	if err := check("memory.driver", c.Memory.Driver, "file", "redis", "postgres"); err != nil {
		return err
	}
	if err := check("memory.scope", c.Memory.Scope, memory.ScopeGlobal, memory.ScopeAgent); err != nil {
		return err
	}
	if err := check("scheduler.store.driver", c.Scheduler.Store.Driver, "file", "mysql"); err != nil {
		return err
	}
	if err := check("scheduler.delivery.driver", c.Scheduler.Delivery.Driver, "file", "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if err := check("gateway.queue.driver", c.Gateway.Queue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if c.Memory.Driver == "redis" && c.Memory.Redis.Address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "memory.redis.address is required")
	}
	if c.Memory.Driver == "postgres" && c.Memory.Postgres.DSN == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "memory.postgres.dsn is required")
	}
	if c.Scheduler.Store.Driver == "mysql" && c.Scheduler.Store.DSN == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "scheduler.store.dsn is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "agent name is required")
		}
		if seen[a.Name] {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("agent %q defined twice", a.Name))
		}
		seen[a.Name] = true
	}
	return nil
}

// Location 返回调度器使用的时区，未配置时为本地时区。
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "scheduler.timezone")
	}
	return loc, nil
}
