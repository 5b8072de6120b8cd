package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"EVMQuery-Chain/internal/agent"
	"EVMQuery-Chain/internal/auth"
	"EVMQuery-Chain/internal/config"
	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/explorer"
	"EVMQuery-Chain/internal/llm"
	"EVMQuery-Chain/internal/llm/openai"
	"EVMQuery-Chain/internal/observability/metrics"
	"EVMQuery-Chain/internal/storage/mysql"
	redisstore "EVMQuery-Chain/internal/storage/redis"
	"EVMQuery-Chain/internal/task"
	"EVMQuery-Chain/internal/web3/provider"
	"EVMQuery-Chain/pkg/logger"
)

// closers 按注册的相反顺序释放资源。
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// components 汇总一次进程运行需要的依赖。
type components struct {
	agent    *agent.Agent
	registry *provider.Registry
	history  mysql.QueryRepository
	metrics  *metrics.Metrics
	closers  closers
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
			RotationConfig: logger.RotationConfig{
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAgeDays: cfg.Logging.MaxAgeDays,
			},
		},
	})
}

func buildModel(cfg *config.Config) (llm.Client, error) {
	client, err := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.OpenAI.APIKey,
		BaseURL:     cfg.LLM.OpenAI.BaseURL,
		Model:       cfg.LLM.OpenAI.Model,
		Temperature: cfg.LLM.OpenAI.Temperature,
		Timeout:     cfg.LLM.OpenAI.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	return llm.NewRetryingClient(client, llm.RetryConfig{
		MaxTries:        cfg.LLM.Retry.MaxTries,
		InitialInterval: time.Duration(cfg.LLM.Retry.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.LLM.Retry.MaxIntervalMS) * time.Millisecond,
	}), nil
}

func buildMetadata(ctx context.Context, cfg *config.Config, cl *closers) (explorer.Provider, error) {
	source, err := explorer.NewEtherscan(explorer.EtherscanConfig{
		APIKey:  cfg.Explorer.APIKey,
		BaseURL: cfg.Explorer.BaseURL,
		Timeout: cfg.Explorer.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	var cache explorer.Cache
	switch cfg.Explorer.Cache.Driver {
	case "file":
		fc, err := explorer.NewFileCache(cfg.Explorer.Cache.Dir)
		if err != nil {
			return nil, err
		}
		cache = fc
	case "redis":
		rc, err := redisstore.NewContractCache(ctx, redisstore.Config{
			Address:  cfg.Explorer.Cache.Redis.Address,
			Password: cfg.Explorer.Cache.Redis.Password,
			DB:       cfg.Explorer.Cache.Redis.DB,
			TTL:      time.Duration(cfg.Explorer.Cache.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		cl.add(rc.Close)
		cache = rc
	}
	return explorer.NewCachedProvider(source, cache), nil
}

func buildHistory(ctx context.Context, cfg *config.Config, cl *closers) (mysql.QueryRepository, error) {
	h := cfg.Storage.History
	switch h.Driver {
	case "mysql":
		repo, err := mysql.NewSQLQueryRepository(ctx, mysql.Config{
			DSN:             h.DSN,
			MaxOpenConns:    h.MaxOpenConns,
			MaxIdleConns:    h.MaxIdleConns,
			ConnMaxLifetime: time.Duration(h.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(h.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		cl.add(repo.Close)
		return repo, nil
	default:
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create data dir")
		}
		return mysql.NewMemoryQueryRepository(cfg.Runtime.DataDir)
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	q := cfg.TaskQueue
	switch q.Driver {
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   q.Redis.Address,
			Password:  q.Redis.Password,
			DB:        q.Redis.DB,
			Queue:     q.Redis.Queue,
			BlockWait: time.Duration(q.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        q.RabbitMQ.URL,
			Queue:      q.RabbitMQ.Queue,
			Prefetch:   q.RabbitMQ.Prefetch,
			Durable:    q.RabbitMQ.Durable,
			AutoDelete: q.RabbitMQ.AutoDelete,
		})
	case "", "memory":
		return task.NewMemoryQueue(q.Buffer), nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("unknown task queue driver %q", q.Driver))
	}
}

// buildComponents 组装 Agent 及其依赖，失败时释放已创建的资源。
func buildComponents(ctx context.Context, cfg *config.Config, extra ...agent.Option) (c *components, err error) {
	c = &components{metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = c.closers.Close()
		}
	}()

	model, err := buildModel(cfg)
	if err != nil {
		return nil, err
	}
	metadata, err := buildMetadata(ctx, cfg, &c.closers)
	if err != nil {
		return nil, err
	}
	c.registry, err = provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	c.closers.add(func() error { c.registry.Close(); return nil })
	c.history, err = buildHistory(ctx, cfg, &c.closers)
	if err != nil {
		return nil, err
	}

	opts := []agent.Option{
		agent.WithMaxRetries(cfg.Agent.MaxRetries),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout()),
		agent.WithChainID(c.registry.DefaultChainID()),
		agent.WithHistory(c.history),
		agent.WithMetrics(c.metrics),
	}
	c.agent = agent.New(model, metadata, c.metrics.InstrumentReader(c.registry), append(opts, extra...)...)
	return c, nil
}

func buildAuth(cfg *config.Config) (*auth.Service, error) {
	keys := make([]auth.APIKey, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKey{Name: k.Name, Key: k.Key, Permissions: k.Permissions})
	}
	return auth.NewService(auth.Config{
		Mode:      auth.Mode(cfg.Auth.Mode),
		APIKeys:   keys,
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
	})
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "evmqueryd %s (commit %s, built %s)\n", version, commit, buildTime)
}
