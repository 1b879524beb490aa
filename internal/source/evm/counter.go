package evm

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// CallClient captures the read-only contract call used by Counter.
type CallClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Counter reads the authoritative pledge total from the contract.
type Counter struct {
	client   CallClient
	contract common.Address
	abi      *abi.ABI
	method   string
}

// NewCounter builds a counter calling method (pledge_count by default) on contract.
func NewCounter(client CallClient, contract string, a *abi.ABI, method string) (*Counter, error) {
	if method == "" {
		method = "pledge_count"
	}
	if a == nil {
		var err error
		if a, err = PledgeABI(); err != nil {
			return nil, err
		}
	}
	if _, ok := a.Methods[method]; !ok {
		return nil, fmt.Errorf("method %s not found in abi", method)
	}
	return &Counter{
		client:   client,
		contract: common.HexToAddress(contract),
		abi:      a,
		method:   method,
	}, nil
}

// Count returns the current total at the latest block.
func (c *Counter) Count(ctx context.Context) (uint64, error) {
	data, err := c.abi.Pack(c.method)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", c.method, err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", c.method, err)
	}
	vals, err := c.abi.Unpack(c.method, out)
	if err != nil {
		return 0, fmt.Errorf("unpack %s: %w", c.method, err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%s: expected 1 output, got %d", c.method, len(vals))
	}
	n, ok := vals[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("%s: unexpected output %v", c.method, vals[0])
	}
	return n.Uint64(), nil
}
