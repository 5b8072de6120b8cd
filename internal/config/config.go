package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	xerrors "EVMQuery-Chain/internal/errors"
)

const (
	// DefaultChainID 是未指定链时使用的以太坊主网。
	DefaultChainID = "1"
	// DefaultMaxRetries 是生成与评审循环的最大尝试次数。
	DefaultMaxRetries = 5
	// DefaultModel 是默认的大模型名称。
	DefaultModel = "gpt-4o-mini"
	// DefaultExplorerURL 是 Etherscan 多链 API 入口。
	DefaultExplorerURL = "https://api.etherscan.io/v2/api"
)

// Config 描述了 evmqueryd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" toml:"server"`
	Logging   LoggingConfig   `json:"logging" toml:"logging"`
	LLM       LLMConfig       `json:"llm" toml:"llm"`
	Web3      Web3Config      `json:"web3" toml:"web3"`
	Explorer  ExplorerConfig  `json:"explorer" toml:"explorer"`
	Agent     AgentConfig     `json:"agent" toml:"agent"`
	Storage   StorageConfig   `json:"storage" toml:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue" toml:"task_queue"`
	Metrics   MetricsConfig   `json:"metrics" toml:"metrics"`
	Auth      AuthConfig      `json:"auth" toml:"auth"`
	Runtime   RuntimeConfig   `json:"runtime" toml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address" toml:"address"`
}

// LoggingConfig 对应 pkg/logger 的配置项。
type LoggingConfig struct {
	Level       string   `json:"level" toml:"level"`
	Format      string   `json:"format" toml:"format"`
	OutputPaths []string `json:"output_paths" toml:"output_paths"`
	MaxSizeMB   int      `json:"max_size_mb" toml:"max_size_mb"`
	MaxBackups  int      `json:"max_backups" toml:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days" toml:"max_age_days"`
	AuditPath   string   `json:"audit_path" toml:"audit_path"`
}

// LLMConfig 用于配置大模型的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" toml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" toml:"openai"`
	Retry    RetryConfig  `json:"retry" toml:"retry"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。密钥优先取配置，其次取 *_env 指定的环境变量。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key" toml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" toml:"api_key_env"`
	BaseURL        string  `json:"base_url" toml:"base_url"`
	BaseURLEnv     string  `json:"base_url_env" toml:"base_url_env"`
	Model          string  `json:"model" toml:"model"`
	Temperature    float64 `json:"temperature" toml:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" toml:"timeout_seconds"`
}

// Timeout 返回 HTTP 超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// RetryConfig 控制瞬时故障重试。
type RetryConfig struct {
	MaxTries          uint `json:"max_tries" toml:"max_tries"`
	InitialIntervalMS int  `json:"initial_interval_ms" toml:"initial_interval_ms"`
	MaxIntervalMS     int  `json:"max_interval_ms" toml:"max_interval_ms"`
}

// Web3Config 包含链定义文件与兜底 RPC 地址。
type Web3Config struct {
	ChainConfig    string `json:"chain_config" toml:"chain_config"`
	RPCURL         string `json:"rpc_url" toml:"rpc_url"`
	DefaultChainID string `json:"default_chain_id" toml:"default_chain_id"`
}

// ExplorerConfig 描述合约元数据来源及其缓存。
type ExplorerConfig struct {
	APIKey         string      `json:"api_key" toml:"api_key"`
	BaseURL        string      `json:"base_url" toml:"base_url"`
	TimeoutSeconds int         `json:"timeout_seconds" toml:"timeout_seconds"`
	Cache          CacheConfig `json:"cache" toml:"cache"`
}

// Timeout 返回请求超时时间。
func (e ExplorerConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// CacheConfig 选择元数据缓存后端：file、redis 或 none。
type CacheConfig struct {
	Driver string      `json:"driver" toml:"driver"`
	Dir    string      `json:"dir" toml:"dir"`
	Redis  RedisConfig `json:"redis" toml:"redis"`
}

// RedisConfig 是 Redis 连接参数，缓存与队列共用。
type RedisConfig struct {
	Address    string `json:"address" toml:"address"`
	Password   string `json:"password" toml:"password"`
	DB         int    `json:"db" toml:"db"`
	TTLSeconds int    `json:"ttl_seconds" toml:"ttl_seconds"`
	Queue      string `json:"queue" toml:"queue"`
	BlockWait  int    `json:"block_wait" toml:"block_wait"`
}

// AgentConfig 控制规划循环。
type AgentConfig struct {
	MaxRetries        int `json:"max_retries" toml:"max_retries"`
	LLMTimeoutSeconds int `json:"llm_timeout_seconds" toml:"llm_timeout_seconds"`
}

// LLMTimeout 返回单次模型调用的超时时间，0 表示不额外限制。
func (a AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(a.LLMTimeoutSeconds) * time.Second
}

// StorageConfig 描述查询历史与任务状态的存储。
type StorageConfig struct {
	History   HistoryConfig   `json:"history" toml:"history"`
	TaskStore TaskStoreConfig `json:"task_store" toml:"task_store"`
}

// HistoryConfig 选择 memory（JSON 行文件）或 mysql。
type HistoryConfig struct {
	Driver                 string `json:"driver" toml:"driver"`
	DSN                    string `json:"dsn" toml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" toml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" toml:"conn_max_idle_time_seconds"`
}

// TaskStoreConfig 控制异步任务的重试次数。
type TaskStoreConfig struct {
	Driver  string `json:"driver" toml:"driver"`
	Retries int    `json:"retries" toml:"retries"`
}

// TaskQueueConfig 选择异步队列实现。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" toml:"driver"`
	Worker   int            `json:"worker" toml:"worker"`
	Buffer   int            `json:"buffer" toml:"buffer"`
	Redis    RedisConfig    `json:"redis" toml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" toml:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" toml:"url"`
	Queue      string `json:"queue" toml:"queue"`
	Prefetch   int    `json:"prefetch" toml:"prefetch"`
	Durable    bool   `json:"durable" toml:"durable"`
	AutoDelete bool   `json:"auto_delete" toml:"auto_delete"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Path    string `json:"path" toml:"path"`
}

// AuthConfig 控制 HTTP API 的身份认证，mode 可选 disabled、api_key、jwt。
type AuthConfig struct {
	Mode      string         `json:"mode" toml:"mode"`
	JWTSecret string         `json:"jwt_secret" toml:"jwt_secret"`
	Issuer    string         `json:"issuer" toml:"issuer"`
	APIKeys   []APIKeyConfig `json:"api_keys" toml:"api_keys"`
}

// APIKeyConfig 描述一个静态访问密钥。
type APIKeyConfig struct {
	Name        string   `json:"name" toml:"name"`
	Key         string   `json:"key" toml:"key"`
	Permissions []string `json:"permissions" toml:"permissions"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" toml:"data_dir"`
}

// LoadDotEnv 依次加载存在的 .env 文件，已存在的环境变量不会被覆盖。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "load env file", xerrors.WithMetadata("path", p))
		}
	}
	return nil
}

// Load 解析配置文件：.toml 使用 TOML，其余按 JSON 处理。路径为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if strings.TrimSpace(path) != "" {
		baseDir = filepath.Dir(path)
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "parse toml config", xerrors.WithMetadata("path", path))
		}
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "read config file", xerrors.WithMetadata("path", path))
	}
	if err := json.Unmarshal(content, cfg); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "parse json config", xerrors.WithMetadata("path", path))
	}
	return nil
}

// applyEnv 使用环境变量覆盖密钥与端点。
func (c *Config) applyEnv() {
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.BaseURLEnv == "" {
		c.LLM.OpenAI.BaseURLEnv = "OPENAI_BASE_URL"
	}
	if v := strings.TrimSpace(os.Getenv(c.LLM.OpenAI.APIKeyEnv)); v != "" {
		c.LLM.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(c.LLM.OpenAI.BaseURLEnv)); v != "" {
		c.LLM.OpenAI.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ETHERSCAN_API_KEY")); v != "" {
		c.Explorer.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ETHERSCAN_API_URL")); v != "" {
		c.Explorer.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EVMQUERY_RPC_URL")); v != "" {
		c.Web3.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EVMQUERY_CHAIN_ID")); v != "" {
		c.Web3.DefaultChainID = v
	}
	if v := strings.TrimSpace(os.Getenv("EVMQUERY_JWT_SECRET")); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("EVMQUERY_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.MaxRetries = n
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = DefaultModel
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.Web3.DefaultChainID == "" {
		c.Web3.DefaultChainID = DefaultChainID
	}
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	if c.Explorer.BaseURL == "" {
		c.Explorer.BaseURL = DefaultExplorerURL
	}
	if c.Explorer.TimeoutSeconds <= 0 {
		c.Explorer.TimeoutSeconds = 30
	}
	if c.Explorer.Cache.Driver == "" {
		c.Explorer.Cache.Driver = "file"
	}
	if c.Agent.MaxRetries == 0 {
		c.Agent.MaxRetries = DefaultMaxRetries
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "evmqueryd"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
	if c.Explorer.Cache.Dir == "" {
		c.Explorer.Cache.Dir = filepath.Join(c.Runtime.DataDir, "contracts")
	} else {
		c.Explorer.Cache.Dir = resolvePath(baseDir, c.Explorer.Cache.Dir)
	}
}

// Validate 检查枚举字段与数值范围。
func (c *Config) Validate() error {
	if c.Agent.MaxRetries < 1 {
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("agent.max_retries must be at least 1, got %d", c.Agent.MaxRetries))
	}
	checks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"llm.provider", c.LLM.Provider, []string{"openai"}},
		{"explorer.cache.driver", c.Explorer.Cache.Driver, []string{"file", "redis", "none"}},
		{"storage.history.driver", c.Storage.History.Driver, []string{"memory", "mysql"}},
		{"storage.task_store.driver", c.Storage.TaskStore.Driver, []string{"memory"}},
		{"task_queue.driver", c.TaskQueue.Driver, []string{"memory", "redis", "rabbitmq"}},
		{"auth.mode", c.Auth.Mode, []string{"disabled", "api_key", "jwt"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("%s must be one of %s, got %q", check.field, strings.Join(check.allowed, "|"), check.value))
		}
	}
	if c.Storage.History.Driver == "mysql" && strings.TrimSpace(c.Storage.History.DSN) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "storage.history.dsn is required for mysql")
	}
	if c.Auth.Mode == "jwt" && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "auth.jwt_secret is required for jwt mode")
	}
	return nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
