package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devblac/pledge-feed/internal/config"
	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/devblac/pledge-feed/internal/storage"
)

func TestWriteAnnouncementsCSV(t *testing.T) {
	anns := []storage.Announcement{{
		ID: "a1", EventKey: "0xaa|100|0x1", Signer: "0xaa", PledgedAt: 100, TxHash: "0x1",
		CreatedAt: time.Unix(0, 0),
	}}
	var buf bytes.Buffer
	if err := writeAnnouncements(&buf, "csv", anns); err != nil {
		t.Fatalf("write: %v", err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(recs) != 2 || recs[1][1] != "0xaa" || recs[1][2] != "100" || recs[1][5] != "1970-01-01T00:00:00Z" {
		t.Fatalf("unexpected csv: %v", recs)
	}

	if err := writeAnnouncements(&buf, "xml", anns); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestReplayCommand(t *testing.T) {
	input := strings.Join([]string{
		`{"eventName":"Pledged","args":["0x1111111111111111111111111111111111111111",100],"transactionHash":"0xaaaaaaaaaaaa"}`,
		`{"eventName":"Pledged","args":["0x2222222222222222222222222222222222222222",200]}`,
		`{"eventName":"Pledged","args":{"signer":"0x3333333333333333333333333333333333333333","timestamp":300}}`,
		`garbage`,
	}, "\n")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs([]string{"replay", "--batch", "2", "--page-size", "2"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"batch 1: received=2 dropped=0 new=0 store=2",
		"batch 2: received=2 dropped=1 new=1 store=3",
		"state=partial showing 2 of 3",
		"* 0x3333...3333  1970-01-01  https://etherscan.io/address/0x3333333333333333333333333333333333333333",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in output:\n%s", want, got)
		}
	}
}

func TestRenderSnapshotUsesProfiles(t *testing.T) {
	signer := "0x1111111111111111111111111111111111111111"
	ev := feed.CanonicalEvent{Signer: signer, Timestamp: 1_700_000_000 - 90, TransactionHash: "0xabc"}
	snap := feed.Snapshot{
		Events:    []feed.CanonicalEvent{ev},
		NewKeys:   []string{ev.Key()},
		State:     feed.StateEnd,
		StoreSize: 1,
		Profiles:  map[string]feed.Profile{signer: {DisplayName: "alice.eth", Name: "alice.eth", Resolved: true}},
	}

	var out bytes.Buffer
	renderSnapshot(&out, snap, "https://sepolia.etherscan.io", time.Unix(1_700_000_000, 0))
	want := "* alice.eth  1m ago  https://sepolia.etherscan.io/tx/0xabc\n"
	if !strings.HasSuffix(out.String(), want) {
		t.Fatalf("got %q, want suffix %q", out.String(), want)
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("RPC_URL", "http://localhost:8545")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init", "--config", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}

	rootCmd.SetArgs([]string{"init", "--config", path})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected init to refuse overwrite")
	}
}

func TestWriteState(t *testing.T) {
	var buf bytes.Buffer
	stats := []storage.SinkStats{{SinkID: "slack", Sent: 3, Failed: 1}}
	if err := writeState(&buf, nil, stats); err != nil {
		t.Fatalf("write state: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "no cursors recorded yet") || !strings.Contains(out, "slack") {
		t.Fatalf("unexpected state output:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if fields := strings.Fields(lines[len(lines)-1]); len(fields) != 4 || fields[1] != "3" || fields[2] != "1" || fields[3] != "-" {
		t.Fatalf("unexpected sink row %q", lines[len(lines)-1])
	}
}
