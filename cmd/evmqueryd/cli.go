package main

import (
	"time"

	"github.com/alecthomas/kong"
)

// 构建信息，通过 -ldflags 注入。
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// CLI 定义 evmqueryd 的命令行结构。
type CLI struct {
	Config  string   `short:"c" env:"EVMQUERY_CONFIG" default:"configs/evmquery.toml" help:"Config file (.toml or .json)"`
	EnvFile []string `name:"env-file" default:".env" help:"Dotenv files loaded before the config (repeatable)"`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP API and the async query processor"`
	Query    QueryCmd    `cmd:"" help:"Answer one natural-language contract query and exit"`
	History  HistoryCmd  `cmd:"" help:"Print the latest recorded queries"`
	Token    TokenCmd    `cmd:"" help:"Mint a bearer token for auth.mode = jwt"`
	Describe DescribeCmd `cmd:"" help:"Print the QUERY_EVM action metadata as JSON"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// ServeCmd 启动 API 服务。
type ServeCmd struct {
	Addr    string `help:"Override server.address"`
	Workers int    `help:"Override task_queue.worker"`
}

// QueryCmd 执行一次查询。
type QueryCmd struct {
	Text    []string `arg:"" help:"Query text, e.g. \"what's the USDC balance of vitalik.eth\""`
	JSON    bool     `help:"Print the raw result envelope as JSON"`
	NoCache bool     `name:"no-cache" help:"Skip the contract metadata cache"`
	ChainID string   `name:"chain-id" help:"Override web3.default_chain_id"`
	Retries int      `help:"Override agent.max_retries"`
}

// HistoryCmd 打印最近的查询记录。
type HistoryCmd struct {
	Limit int `short:"n" default:"10" help:"Number of records"`
}

// TokenCmd 签发 API 访问令牌。
type TokenCmd struct {
	Subject     string        `arg:"" help:"Token subject (caller name)"`
	Permissions []string      `short:"p" default:"queries:read,queries:write" help:"Granted permissions"`
	TTL         time.Duration `default:"24h" help:"Token lifetime"`
}

// DescribeCmd 输出动作元数据，供宿主注册使用。
type DescribeCmd struct{}

// VersionCmd 打印版本信息。
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
