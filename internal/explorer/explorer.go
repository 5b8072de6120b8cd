package explorer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/pkg/logger"
)

// ContractData 是区块浏览器返回的合约元数据。
type ContractData struct {
	ABI        json.RawMessage `json:"abi"`
	SourceCode string          `json:"sourceCode"`
}

// ParseABI 将 ABI JSON 解析为 go-ethereum 结构。
func (d ContractData) ParseABI() (abi.ABI, error) {
	if len(d.ABI) == 0 {
		return abi.ABI{}, xerrors.New(xerrors.CodeContractMetadata, "contract abi is empty")
	}
	parsed, err := abi.JSON(strings.NewReader(string(d.ABI)))
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(xerrors.CodeContractMetadata, err, "parse contract abi")
	}
	return parsed, nil
}

// Provider 返回指定链与地址的合约元数据。
type Provider interface {
	GetContractData(ctx context.Context, chainID, address string, useCache bool) (ContractData, error)
}

// Source 直接访问远端，不做缓存。
type Source interface {
	Fetch(ctx context.Context, chainID, address string) (ContractData, error)
}

// Cache 是跨请求持久化的元数据缓存，需要容忍并发读取。
type Cache interface {
	Get(ctx context.Context, chainID, address string) (ContractData, bool, error)
	Put(ctx context.Context, chainID, address string, data ContractData) error
}

// CachedProvider 在 Source 前叠加一层写穿缓存。
type CachedProvider struct {
	source Source
	cache  Cache
}

// NewCachedProvider 组合远端与缓存；cache 为 nil 时每次都访问远端。
func NewCachedProvider(source Source, cache Cache) *CachedProvider {
	return &CachedProvider{source: source, cache: cache}
}

// GetContractData 实现 Provider。缓存读写失败只记录日志。
func (p *CachedProvider) GetContractData(ctx context.Context, chainID, address string, useCache bool) (ContractData, error) {
	log := logger.FromContext(ctx).With("chain_id", chainID, "address", address)
	key := NormalizeAddress(address)

	if useCache && p.cache != nil {
		data, ok, err := p.cache.Get(ctx, chainID, key)
		switch {
		case err != nil:
			log.Warn("contract cache read failed", "error", err)
		case ok:
			log.Debug("using cached contract metadata")
			return data, nil
		}
	}

	data, err := p.source.Fetch(ctx, chainID, key)
	if err != nil {
		return ContractData{}, err
	}
	if p.cache != nil {
		if err := p.cache.Put(ctx, chainID, key, data); err != nil {
			log.Warn("contract cache write failed", "error", err)
		}
	}
	return data, nil
}

// NormalizeAddress 统一为小写，作为缓存键。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
