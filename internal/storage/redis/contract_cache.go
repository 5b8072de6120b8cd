package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/explorer"
)

const defaultKeyPrefix = "evmquery:contract"

// Config 描述 Redis 缓存连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// ContractCache 使用 Redis 字符串缓存合约 ABI 与源码，TTL 为 0 表示永不过期。
type ContractCache struct {
	client goredis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewContractCache 连接 Redis 并校验可用性。
func NewContractCache(ctx context.Context, cfg Config) (*ContractCache, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "redis address is empty")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect redis")
	}
	return NewContractCacheWithClient(client, cfg), nil
}

// NewContractCacheWithClient 复用已有连接。
func NewContractCacheWithClient(client goredis.UniversalClient, cfg Config) *ContractCache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &ContractCache{client: client, ttl: cfg.TTL, prefix: prefix}
}

// Key 返回缓存键，地址统一为小写。
func (c *ContractCache) Key(chainID, address string) string {
	return c.prefix + ":" + chainID + ":" + explorer.NormalizeAddress(address)
}

// Get 实现 explorer.Cache。
func (c *ContractCache) Get(ctx context.Context, chainID, address string) (explorer.ContractData, bool, error) {
	raw, err := c.client.Get(ctx, c.Key(chainID, address)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return explorer.ContractData{}, false, nil
	}
	if err != nil {
		return explorer.ContractData{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis get contract")
	}
	var data explorer.ContractData
	if err := json.Unmarshal(raw, &data); err != nil {
		return explorer.ContractData{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode cached contract")
	}
	return data, true, nil
}

// Put 实现 explorer.Cache。
func (c *ContractCache) Put(ctx context.Context, chainID, address string, data explorer.ContractData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode contract")
	}
	if err := c.client.Set(ctx, c.Key(chainID, address), raw, c.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis set contract")
	}
	return nil
}

// Close 关闭底层连接。
func (c *ContractCache) Close() error {
	return c.client.Close()
}

var _ explorer.Cache = (*ContractCache)(nil)
