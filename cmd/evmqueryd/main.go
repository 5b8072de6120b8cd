package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"EVMQuery-Chain/internal/action"
	"EVMQuery-Chain/internal/agent"
	"EVMQuery-Chain/internal/api"
	"EVMQuery-Chain/internal/config"
	"EVMQuery-Chain/internal/task"
	"EVMQuery-Chain/pkg/logger"
)

// appEnv 在命令之间传递根上下文与全局参数。
type appEnv struct {
	ctx context.Context
	cli *CLI
}

// load 读取 .env 与配置文件并初始化日志。
func (rt *appEnv) load() (*config.Config, error) {
	if err := config.LoadDotEnv(rt.cli.EnvFile...); err != nil {
		return nil, err
	}
	path := rt.cli.Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := initLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("evmqueryd"),
		kong.Description("Natural-language read-only queries against EVM smart contracts."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := kctx.Run(&appEnv{ctx: ctx, cli: &cli})
	_ = logger.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "evmqueryd: %s\n", err)
		os.Exit(1)
	}
}

// Run 启动 API 与异步任务处理器。
func (c *ServeCmd) Run(rt *appEnv) error {
	cfg, err := rt.load()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Address = c.Addr
	}
	if c.Workers > 0 {
		cfg.TaskQueue.Worker = c.Workers
	}

	comps, err := buildComponents(rt.ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.closers.Close()

	queue, err := buildQueue(rt.ctx, cfg)
	if err != nil {
		return err
	}
	store := task.NewMemoryStore()
	service := task.NewService(store, queue, cfg.Storage.TaskStore.Retries)
	defer service.Close()

	processor := task.NewProcessor(comps.agent, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithObserver(comps.metrics),
	)
	processorCtx, cancel := context.WithCancel(rt.ctx)
	defer cancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	authSvc, err := buildAuth(cfg)
	if err != nil {
		return err
	}
	opts := []api.Option{
		api.WithTasks(service),
		api.WithHistory(comps.agent),
		api.WithChains(comps.registry),
		api.WithAuth(authSvc),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, api.WithMetrics(comps.metrics, cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, comps.agent, opts...)
	return server.Start(rt.ctx)
}

// Run 执行一次查询并输出回复。
func (c *QueryCmd) Run(rt *appEnv) error {
	text := strings.TrimSpace(strings.Join(c.Text, " "))
	if text == "" {
		return errors.New("query text is empty")
	}
	cfg, err := rt.load()
	if err != nil {
		return err
	}
	if c.ChainID != "" {
		cfg.Web3.DefaultChainID = c.ChainID
	}
	if c.Retries > 0 {
		cfg.Agent.MaxRetries = c.Retries
	}
	var extra []agent.Option
	if c.NoCache {
		extra = append(extra, agent.WithoutMetadataCache())
	}
	comps, err := buildComponents(rt.ctx, cfg, extra...)
	if err != nil {
		return err
	}
	defer comps.closers.Close()

	act := action.New(comps.agent)
	if !act.Validate(action.MapSettings{action.SettingExplorerAPIKey: cfg.Explorer.APIKey}) {
		return fmt.Errorf("%s is not configured", action.SettingExplorerAPIKey)
	}
	result := act.Handle(rt.ctx, text, func(m action.Message) {
		if !c.JSON {
			fmt.Println(m.Text)
		}
	})
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	if !result.Success {
		return errors.New(result.Error)
	}
	return nil
}

// Run 打印最近的查询记录。
func (c *HistoryCmd) Run(rt *appEnv) error {
	cfg, err := rt.load()
	if err != nil {
		return err
	}
	var cl closers
	defer cl.Close()
	repo, err := buildHistory(rt.ctx, cfg, &cl)
	if err != nil {
		return err
	}
	records, err := repo.ListLatest(rt.ctx, c.Limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// Run 使用 auth.jwt_secret 签发令牌。
func (c *TokenCmd) Run(rt *appEnv) error {
	cfg, err := rt.load()
	if err != nil {
		return err
	}
	svc, err := buildAuth(cfg)
	if err != nil {
		return err
	}
	token, err := svc.Issue(c.Subject, c.Permissions, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// Run 打印动作元数据，不需要加载配置。
func (c *DescribeCmd) Run(*appEnv) error {
	return writeDescriptor(os.Stdout)
}

func writeDescriptor(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(action.New(nil).Describe())
}

// Run 打印版本信息。
func (c *VersionCmd) Run(*appEnv) error {
	printVersion(os.Stdout)
	return nil
}
