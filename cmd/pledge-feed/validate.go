package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/pledge-feed/internal/config"
	"github.com/devblac/pledge-feed/internal/source/evm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

const defaultRPCTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping the RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		ctx, cancel := context.WithTimeout(cmd.Context(), defaultRPCTimeout)
		defer cancel()

		src := cfg.Source
		chainID, err := pingEVM(ctx, src)
		if err != nil {
			fmt.Fprintf(out, "- source %s (evm): ERROR %v\n", src.ID, err)
			return fmt.Errorf("validate: source %s failed connectivity", src.ID)
		}
		fmt.Fprintf(out, "- source %s (evm): chainId %s OK\n", src.ID, chainID)

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

// pingEVM reads the chain id and checks that the contract has code.
func pingEVM(ctx context.Context, src config.Source) (string, error) {
	cli, err := evm.NewRPCClient(src.RPCURL)
	if err != nil {
		return "", err
	}
	defer cli.Close()

	id, err := cli.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("call eth_chainId: %w", err)
	}
	code, err := cli.CodeAt(ctx, common.HexToAddress(src.Contract), nil)
	if err != nil {
		return "", fmt.Errorf("read contract code: %w", err)
	}
	if len(code) == 0 {
		return "", fmt.Errorf("no contract deployed at %s", src.Contract)
	}
	return id.String(), nil
}
