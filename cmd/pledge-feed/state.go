package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/devblac/pledge-feed/internal/config"
	"github.com/devblac/pledge-feed/internal/storage"
	"github.com/spf13/cobra"
)

const stateTimeLayout = "2006-01-02 15:04:05"

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the scan cursor and announcement delivery per sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		cursors, err := store.ListCursors(cmd.Context())
		if err != nil {
			return err
		}
		stats, err := store.ListSinkStats(cmd.Context())
		if err != nil {
			return err
		}
		return writeState(cmd.OutOrStdout(), cursors, stats)
	},
}

func writeState(out io.Writer, cursors []storage.Cursor, stats []storage.SinkStats) error {
	if len(cursors) == 0 {
		fmt.Fprintln(out, "no cursors recorded yet")
	} else {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tHEIGHT\tHASH\tUPDATED")
		for _, c := range cursors {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.SourceID, c.Height, c.Hash, c.UpdatedAt.UTC().Format(stateTimeLayout))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(stats) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SINK\tSENT\tFAILED\tLAST")
	for _, st := range stats {
		last := "-"
		if !st.LastSend.IsZero() {
			last = st.LastSend.UTC().Format(stateTimeLayout)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", st.SinkID, st.Sent, st.Failed, last)
	}
	return w.Flush()
}
