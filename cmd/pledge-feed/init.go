package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1

global:
  db_path: pledge-feed.db
  confirmations: 2
  log_level: info

source:
  id: mainnet
  type: evm
  rpc_url: ${RPC_URL}
  contract: "0x0000000000000000000000000000000000000000"
  event: "Pledged(address indexed,uint256)"
  start_block: "latest-50000"
  backfill_chunk: 2000
  poll_interval: 12s
  count_interval: 30s

feed:
  page_size: 20
  page_increment: 20
  load_threshold: 0.8
  settle_delay: 500ms
  highlight_duration: 600ms
  explorer_url: https://etherscan.io

# ens:
#   rpc_url: https://mainnet.example/rpc   # defaults to source.rpc_url
#   cache_size: 1024
#   retry_after: 10m

# announce:
#   sinks: [slack]
#   where: ["signer != 0x0000000000000000000000000000000000000000"]
#   dedupe_ttl: 24h
#   max_per_minute: 30

sinks: []
# sinks:
#   - id: slack
#     type: slack
#     webhook_url: https://hooks.slack.com/services/XXX
#     template: "New pledge from {{display_name .}} {{ago .Timestamp}} ({{.Total}} total) {{.ExplorerURL}}"

api:
  addr: ":8081"
`

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", cfgPath, err)
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s; set RPC_URL and the contract address before running\n", cfgPath)
		return nil
	},
}
