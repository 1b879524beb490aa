package evm

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testContract  = "0x32aa964746ba2be65c71fe4a5cb3c4a023ca3e20"
	testSignature = "Pledged(address indexed,uint256)"
)

func pledgedLog(signer common.Address, ts int64, block uint64, tx string) types.Log {
	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{crypto.Keccak256Hash([]byte("Pledged(address,uint256)")), addrTopic(signer)},
		Data:        common.LeftPadBytes(big.NewInt(ts).Bytes(), 32),
		TxHash:      common.HexToHash(tx),
		BlockNumber: block,
	}
}

func TestEventMatcher_DecodesNamed(t *testing.T) {
	abis, err := LoadABIs(nil)
	if err != nil {
		t.Fatalf("load abis: %v", err)
	}
	m, err := NewEventMatcher(testContract, testSignature, DecodeNamed, abis)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}

	signer := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	rec, ok, err := m.Match(pledgedLog(signer, 1_700_000_000, 10, "0xabc"))
	if err != nil || !ok {
		t.Fatalf("match ok=%v err=%v", ok, err)
	}
	if rec.Shape != feed.ShapeNamed {
		t.Fatalf("unexpected shape %s", rec.Shape)
	}
	if rec.Named["signer"] != signer.Hex() {
		t.Fatalf("unexpected signer %v", rec.Named["signer"])
	}

	got := feed.Normalize([]feed.RawEventRecord{rec}, time.Unix(0, 0))
	if len(got) != 1 || got[0].Timestamp != 1_700_000_000 || got[0].TransactionHash != common.HexToHash("0xabc").Hex() {
		t.Fatalf("unexpected canonical events: %+v", got)
	}
}

func TestEventMatcher_DecodesPositional(t *testing.T) {
	m, err := NewEventMatcher(testContract, testSignature, DecodePositional, nil)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	signer := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	rec, ok, err := m.Match(pledgedLog(signer, 200, 10, "0xdef"))
	if err != nil || !ok {
		t.Fatalf("match ok=%v err=%v", ok, err)
	}
	if rec.Shape != feed.ShapePositional || len(rec.Positional) != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Positional[0] != signer.Hex() {
		t.Fatalf("unexpected signer %v", rec.Positional[0])
	}
	if ts := rec.Positional[1].(*big.Int); ts.Int64() != 200 {
		t.Fatalf("unexpected timestamp %s", ts)
	}
}

func TestEventMatcher_SkipsForeignLogs(t *testing.T) {
	m, err := NewEventMatcher(testContract, testSignature, DecodePositional, nil)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	lg := pledgedLog(common.Address{}, 1, 1, "0x1")
	lg.Address = common.HexToAddress("0x01")
	if _, ok, _ := m.Match(lg); ok {
		t.Fatalf("expected contract mismatch to be skipped")
	}
	lg = pledgedLog(common.Address{}, 1, 1, "0x1")
	lg.Topics[0] = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	if _, ok, _ := m.Match(lg); ok {
		t.Fatalf("expected topic mismatch to be skipped")
	}
}

func TestEventMatcher_UndecodableLogIsDroppedByFeed(t *testing.T) {
	m, err := NewEventMatcher(testContract, testSignature, DecodePositional, nil)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	lg := pledgedLog(common.Address{}, 1, 1, "0x1")
	lg.Topics = lg.Topics[:1]

	rec, ok, err := m.Match(lg)
	if !ok || err == nil {
		t.Fatalf("expected matched log with decode error, ok=%v err=%v", ok, err)
	}
	if got := feed.Normalize([]feed.RawEventRecord{rec}, time.Unix(0, 0)); len(got) != 0 {
		t.Fatalf("expected undecodable record to be dropped, got %+v", got)
	}
}

func TestCanonicalSignature(t *testing.T) {
	if got := canonicalSignature("Pledged(address indexed signer, uint256 timestamp)"); got != "Pledged(address,uint256)" {
		t.Fatalf("unexpected canonical signature %s", got)
	}
}

func TestLoadABIsPrefersCustomDir(t *testing.T) {
	dir := t.TempDir()
	custom := `[{"type":"function","name":"total_signers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}]`
	if err := os.WriteFile(filepath.Join(dir, "pledge.json"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write abi: %v", err)
	}
	abis, err := LoadABIs([]string{dir})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := FindMethod(abis, "total_signers"); !ok {
		t.Fatalf("custom method not found")
	}
	if a, ok := FindMethod(abis, "pledge_count"); !ok || a != abis[BuiltinABIKey] {
		t.Fatalf("builtin method not found")
	}
	if _, ok := FindMethod(abis, "missing"); ok {
		t.Fatalf("unexpected method")
	}
}
