package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	ChainID string
	RPCURL  string
	Notes   string
}

// Backend is the subset of ethclient.Client the reader depends on.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	chainID   string
	notes     string
	rpcClient *gethrpc.Client
	backend   Backend
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint. HTTP endpoints connect lazily
// on the first call.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "rpc url is not configured", xerrors.WithMetadata("chain", cfg.Name))
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "dial ethereum node", xerrors.WithMetadata("chain", cfg.Name))
	}

	return &Client{
		name:      cfg.Name,
		chainID:   cfg.ChainID,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}, nil
}

// NewClientWithBackend wraps an existing backend, for example a fake in tests.
func NewClientWithBackend(cfg Config, backend Backend) *Client {
	return &Client{name: cfg.Name, chainID: cfg.ChainID, notes: cfg.Notes, backend: backend}
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

func (c *Client) currentBackend() (Backend, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ethereum client is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ethereum client has no backend")
	}
	return c.backend, nil
}

// ReadContract packs the arguments, issues eth_call against the latest block
// and unpacks the outputs.
func (c *Client) ReadContract(ctx context.Context, call web3.ContractCall) ([]any, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return nil, err
	}
	method := call.Method
	meta := xerrors.WithMetadata("method", method.Name)

	packed, err := method.Inputs.Pack(call.Args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "pack call arguments", meta)
	}
	data := make([]byte, 0, len(method.ID)+len(packed))
	data = append(data, method.ID...)
	data = append(data, packed...)

	to := call.Address
	out, err := backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "eth_call timed out", meta)
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "eth_call failed", meta)
	}
	if len(out) == 0 && len(method.Outputs) > 0 {
		return nil, xerrors.New(xerrors.CodeExecution, "empty result, contract may have no code at this address",
			meta, xerrors.WithMetadata("address", to.Hex()))
	}
	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "unpack call result", meta)
	}
	return values, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "fetch chain id")
	}
	if c.chainID != "" && chainID.String() != c.chainID {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("node reports chain id %s, configured %s", chainID.String(), c.chainID),
			xerrors.WithMetadata("chain", c.name))
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "fetch block number")
	}
	return web3.ChainSnapshot{
		ChainID:     chainID.String(),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

var _ web3.Client = (*Client)(nil)
