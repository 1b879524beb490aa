package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/devblac/pledge-feed/internal/logging"
	"github.com/devblac/pledge-feed/internal/source/ens"
	"github.com/devblac/pledge-feed/internal/source/evm"
	"github.com/devblac/pledge-feed/internal/source/replay"
	"github.com/spf13/cobra"
)

var (
	replayBatch    int
	replayPageSize int
	replayMore     int
	replayJSON     bool
	replayENSRPC   string
	replayExplorer string
)

func init() {
	replayCmd.Flags().IntVar(&replayBatch, "batch", 100, "Records per delivered batch; the first batch is the initial load")
	replayCmd.Flags().IntVar(&replayPageSize, "page-size", feed.DefaultPageSize, "Initial window size")
	replayCmd.Flags().IntVar(&replayMore, "more", 0, "Load-more requests to issue after the last batch")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the final snapshot as JSON")
	replayCmd.Flags().StringVar(&replayENSRPC, "ens-rpc", "", "Resolve signer ENS names through this mainnet RPC endpoint")
	replayCmd.Flags().StringVar(&replayExplorer, "explorer", feed.DefaultExplorerURL, "Block explorer base URL for links")
}

var replayCmd = &cobra.Command{
	Use:   "replay [file.jsonl]",
	Short: "Feed recorded raw events through the feed and print the window",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open replay file: %w", err)
			}
			defer f.Close()
			in = f
		}
		log := logging.NewWithLevel(os.Getenv("LOG_LEVEL"))
		out := cmd.OutOrStdout()

		opts := feed.DefaultOptions()
		opts.PageSize = replayPageSize
		opts.SettleDelay = 0
		var resolver *ens.Resolver
		if replayENSRPC != "" {
			cli, err := evm.NewRPCClient(replayENSRPC)
			if err != nil {
				return err
			}
			defer cli.Close()
			if resolver, err = ens.NewResolver(cli, ens.Options{}, log); err != nil {
				return err
			}
			opts.Names = resolver
		}
		ctrl := feed.NewController(opts, log)
		defer ctrl.Close()

		reader := replay.NewReader(in, replayBatch, log)
		for n := 1; ; n++ {
			batch, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			obs, err := ctrl.OnBatch(batch)
			if err != nil {
				return err
			}
			if !replayJSON {
				fmt.Fprintf(out, "batch %d: received=%d dropped=%d new=%d store=%d\n",
					n, obs.Received, obs.Dropped, len(obs.New), obs.StoreSize)
			}
		}
		for i := 0; i < replayMore; i++ {
			if !ctrl.RequestLoadMore() {
				break
			}
		}

		snap := ctrl.Snapshot()
		if resolver != nil {
			for signer := range snap.Profiles {
				if _, err := resolver.Resolve(cmd.Context(), signer); err != nil {
					log.Warn("ens lookup failed", "signer", signer, "error", err)
				}
			}
			snap = ctrl.Snapshot()
		}
		if replayJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		renderSnapshot(out, snap, replayExplorer, time.Now())
		return nil
	},
}

// renderSnapshot prints one line per pledge in the window. Highlighted
// arrivals are marked with "*".
func renderSnapshot(w io.Writer, snap feed.Snapshot, explorer string, now time.Time) {
	fresh := make(map[string]bool, len(snap.NewKeys))
	for _, k := range snap.NewKeys {
		fresh[k] = true
	}
	fmt.Fprintf(w, "state=%s showing %d of %d\n", snap.State, len(snap.Events), snap.StoreSize)
	for _, ev := range snap.Events {
		mark := " "
		if fresh[ev.Key()] {
			mark = "*"
		}
		name := feed.TruncateAddress(ev.Signer)
		if p, ok := snap.Profiles[ev.Signer]; ok {
			name = p.DisplayName
		}
		fmt.Fprintf(w, "%s %s  %s  %s\n", mark, name, feed.TimeAgo(ev.Timestamp, now), feed.ExplorerURL(explorer, ev))
	}
}
