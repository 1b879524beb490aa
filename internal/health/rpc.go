package health

import (
	"context"
	"fmt"

	"github.com/devblac/pledge-feed/internal/source/evm"
)

// RPCChecker pings the configured EVM endpoints.
type RPCChecker struct {
	clients map[string]evm.BlockClient
}

// NewRPCChecker creates a checker keyed by source id.
func NewRPCChecker(clients map[string]evm.BlockClient) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping fetches the latest header from every endpoint and returns the last failure.
func (c *RPCChecker) Ping(ctx context.Context) error {
	var lastErr error
	for id, cli := range c.clients {
		if _, err := cli.HeaderByNumber(ctx, nil); err != nil {
			lastErr = fmt.Errorf("evm source %s: %w", id, err)
		}
	}
	return lastErr
}
