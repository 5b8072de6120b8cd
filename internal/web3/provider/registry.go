package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"EVMQuery-Chain/internal/config"
	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/web3"
	"EVMQuery-Chain/internal/web3/ethereum"
)

// Registry manages chain clients keyed by decimal chain id.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients. A
// bare rpc_url without a chains file registers the default chain id only.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "load chain definitions")
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll(clients)
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("chain %s uses unsupported type %s", name, chain.Type))
		}
		if _, dup := clients[chain.ChainID]; dup {
			closeAll(clients)
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("chain id %s is defined more than once", chain.ChainID))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    name,
			ChainID: chain.ChainID,
			RPCURL:  chain.RPCURL,
			Notes:   chain.Description,
		})
		if err != nil {
			closeAll(clients)
			return nil, err
		}
		clients[chain.ChainID] = client
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChainID)
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		if defaultChain == "" {
			defaultChain = config.DefaultChainID
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", ChainID: defaultChain, RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients[defaultChain] = client
	}
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "no chain rpc endpoint configured")
	}

	if defaultChain == "" {
		defaultChain = sortedKeys(clients)[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("default chain %s is not configured", defaultChain))
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// NewStaticRegistry wraps already constructed clients.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) *Registry {
	copied := make(map[string]web3.Client, len(clients))
	for id, c := range clients {
		copied[id] = c
	}
	return &Registry{defaultChain: defaultChain, clients: copied}
}

// DefaultChainID returns the chain id used when a request does not name one.
func (r *Registry) DefaultChainID() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the client for chainID, or the default chain when empty.
func (r *Registry) Client(chainID string) (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain registry is not initialised")
	}
	if chainID == "" {
		chainID = r.defaultChain
	}
	client, ok := r.clients[chainID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("chain %s is not configured", chainID))
	}
	return client, nil
}

// ReadContract routes to the default chain so the registry can stand in for
// a single-chain reader.
func (r *Registry) ReadContract(ctx context.Context, call web3.ContractCall) ([]any, error) {
	client, err := r.Client("")
	if err != nil {
		return nil, err
	}
	return client.ReadContract(ctx, call)
}

// Snapshots queries every registered chain and returns snapshots keyed by
// chain id together with per-chain errors.
func (r *Registry) Snapshots(ctx context.Context) (map[string]web3.ChainSnapshot, map[string]error) {
	snapshots := make(map[string]web3.ChainSnapshot)
	failures := make(map[string]error)
	if r == nil {
		return snapshots, failures
	}
	for _, id := range sortedKeys(r.clients) {
		snap, err := r.clients[id].FetchChainSnapshot(ctx)
		if err != nil {
			failures[id] = err
			continue
		}
		snapshots[id] = snap
	}
	return snapshots, failures
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// ChainIDs returns the registered chain ids in sorted order.
func (r *Registry) ChainIDs() []string {
	if r == nil {
		return nil
	}
	return sortedKeys(r.clients)
}

func closeAll(clients map[string]web3.Client) {
	for id, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, id)
	}
}

func sortedKeys(clients map[string]web3.Client) []string {
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
