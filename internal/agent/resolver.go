package agent

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/explorer"
	"EVMQuery-Chain/internal/plan"
	"EVMQuery-Chain/internal/web3"
	"EVMQuery-Chain/pkg/logger"
)

// proxyProbeNames 是识别代理合约时查找的无参只读函数。
var proxyProbeNames = []string{"implementation", "getImplementation"}

// ContractContext 是一次请求内共享的合约上下文，创建后不再修改。
type ContractContext struct {
	ChainID string
	// Address 是用户给出的合约地址，所有调用都发往该地址。
	Address common.Address
	// Implementation 仅在代理解析成功时非零。
	Implementation common.Address
	ABI            abi.ABI
	ReadOnly       []plan.FunctionDescriptor
	SourceCode     string
}

// Resolver 获取合约 ABI 与源码，并透明地解析一层代理。
// 多级代理不会继续向下解析。
type Resolver struct {
	metadata explorer.Provider
	reader   web3.ContractReader
	useCache bool
}

// NewResolver 创建解析器，默认使用元数据缓存。
func NewResolver(metadata explorer.Provider, reader web3.ContractReader) *Resolver {
	return &Resolver{metadata: metadata, reader: reader, useCache: true}
}

// BypassCache 让后续解析跳过缓存直接访问区块浏览器，结果仍会写回缓存。
func (r *Resolver) BypassCache() *Resolver {
	r.useCache = false
	return r
}

// Resolve 返回合约上下文。原地址的元数据获取失败是致命错误；
// 代理探测失败只记录日志并退回代理自身的 ABI。
func (r *Resolver) Resolve(ctx context.Context, chainID, address string) (*ContractContext, error) {
	if r.metadata == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "contract metadata provider is not configured")
	}
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidGoal, "contract is not a valid address", xerrors.WithMetadata("contract", address))
	}
	log := logger.FromContext(ctx).With("chain_id", chainID, "contract", address)

	data, err := r.metadata.GetContractData(ctx, chainID, address, r.useCache)
	if err != nil {
		return nil, asMetadataError(err, address)
	}
	parsed, err := data.ParseABI()
	if err != nil {
		return nil, err
	}

	cc := &ContractContext{
		ChainID:    chainID,
		Address:    common.HexToAddress(address),
		ABI:        parsed,
		SourceCode: data.SourceCode,
	}

	if probe, ok := findProxyProbe(parsed); ok {
		log.Info("proxy contract detected, resolving implementation", "probe", probe.Name)
		if err := r.resolveImplementation(ctx, cc, probe); err != nil {
			log.Warn("proxy resolution failed, using proxy abi", "error", err)
		} else {
			log.Info("using implementation abi", "implementation", cc.Implementation.Hex())
		}
	}

	cc.ReadOnly = plan.ReadOnlyFunctions(cc.ABI)
	return cc, nil
}

func (r *Resolver) resolveImplementation(ctx context.Context, cc *ContractContext, probe abi.Method) error {
	if r.reader == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "contract reader is not configured")
	}
	values, err := r.reader.ReadContract(ctx, web3.ContractCall{Address: cc.Address, Method: probe})
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return xerrors.New(xerrors.CodeExecution, "implementation probe returned nothing")
	}
	impl, ok := values[0].(common.Address)
	if !ok {
		return xerrors.New(xerrors.CodeExecution, "implementation probe did not return an address")
	}
	if impl == (common.Address{}) {
		return xerrors.New(xerrors.CodeExecution, "implementation address is zero")
	}

	data, err := r.metadata.GetContractData(ctx, cc.ChainID, impl.Hex(), r.useCache)
	if err != nil {
		return err
	}
	parsed, err := data.ParseABI()
	if err != nil {
		return err
	}
	cc.Implementation = impl
	cc.ABI = parsed
	cc.SourceCode = data.SourceCode
	return nil
}

// findProxyProbe 只接受无参的只读函数作为探测目标。
func findProxyProbe(parsed abi.ABI) (abi.Method, bool) {
	for _, name := range proxyProbeNames {
		method, ok := parsed.Methods[name]
		if ok && len(method.Inputs) == 0 && method.IsConstant() {
			return method, true
		}
	}
	return abi.Method{}, false
}

func asMetadataError(err error, address string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeContractMetadata, err, "", xerrors.WithMetadata("contract", address))
}
