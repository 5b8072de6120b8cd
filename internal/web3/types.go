package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// ContractCall is a single read-only invocation of one ABI method.
type ContractCall struct {
	Address common.Address
	Method  abi.Method
	Args    []any
}

// ContractReader executes view/pure calls against a live contract.
type ContractReader interface {
	ReadContract(ctx context.Context, call ContractCall) ([]any, error)
}

// ContractReaderFunc adapts a function to ContractReader.
type ContractReaderFunc func(ctx context.Context, call ContractCall) ([]any, error)

// ReadContract implements ContractReader.
func (f ContractReaderFunc) ReadContract(ctx context.Context, call ContractCall) ([]any, error) {
	return f(ctx, call)
}

// Client is the read-only surface every chain implementation provides.
type Client interface {
	ContractReader
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
