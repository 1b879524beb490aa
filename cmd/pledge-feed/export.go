package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/pledge-feed/internal/config"
	"github.com/devblac/pledge-feed/internal/storage"
	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportLimit  int
)

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum announcements to export (0 = all)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the announcement ledger as json or csv",
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

		anns, err := store.ListAnnouncements(cmd.Context(), exportLimit)
		if err != nil {
			return err
		}
		return writeAnnouncements(cmd.OutOrStdout(), exportFormat, anns)
	},
}

type exportRow struct {
	ID        string `json:"id"`
	Signer    string `json:"signer"`
	Timestamp int64  `json:"timestamp"`
	TxHash    string `json:"tx_hash,omitempty"`
	EventKey  string `json:"event_key"`
	CreatedAt string `json:"created_at"`
}

func writeAnnouncements(w io.Writer, format string, anns []storage.Announcement) error {
	rows := make([]exportRow, 0, len(anns))
	for _, a := range anns {
		rows = append(rows, exportRow{
			ID:        a.ID,
			Signer:    a.Signer,
			Timestamp: a.PledgedAt,
			TxHash:    a.TxHash,
			EventKey:  a.EventKey,
			CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"id", "signer", "timestamp", "tx_hash", "event_key", "created_at"}); err != nil {
			return err
		}
		for _, r := range rows {
			rec := []string{r.ID, r.Signer, strconv.FormatInt(r.Timestamp, 10), r.TxHash, r.EventKey, r.CreatedAt}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}
