package engine

import (
	"testing"

	"github.com/devblac/pledge-feed/internal/feed"
)

func evalAll(t *testing.T, exprs []string, args map[string]any) bool {
	t.Helper()
	preds, err := CompilePredicates(exprs)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, err := allPredicates(preds, args)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	return ok
}

func TestTimestampComparisons(t *testing.T) {
	args := EventArgs(feed.CanonicalEvent{Signer: "0xaa", Timestamp: 1_700_000_100})
	tests := []struct {
		expr string
		want bool
	}{
		{"timestamp > 1_700_000_000", true},
		{"timestamp <= 1.8e9", true},
		{"timestamp >= 1700000100", true},
		{"timestamp < 1000", false},
		{"timestamp == 1700000100", true},
		{"timestamp != 1700000100", false},
	}
	for _, tt := range tests {
		if got := evalAll(t, []string{tt.expr}, args); got != tt.want {
			t.Fatalf("%q = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestInAndContains(t *testing.T) {
	args := EventArgs(feed.CanonicalEvent{Signer: "0xBB", TransactionHash: "0xDEADbeef"})
	if !evalAll(t, []string{"signer in 0xaa, 0xbb,0xcc", "tx_hash contains dead"}, args) {
		t.Fatalf("expected predicates to pass")
	}
	if evalAll(t, []string{"signer in 0xaa,0xcc"}, args) {
		t.Fatalf("expected signer outside list to fail")
	}
}

func TestStringEquality(t *testing.T) {
	args := EventArgs(feed.CanonicalEvent{Signer: "0xAbC"})
	tests := []struct {
		expr string
		want bool
	}{
		{"signer == 0xabc", true},
		{"signer != 0xabc", false},
		{"signer != 0x0", true},
		{"tx_hash == ", true},
	}
	for _, tt := range tests {
		if got := evalAll(t, []string{tt.expr}, args); got != tt.want {
			t.Fatalf("%q = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestCompileRejects(t *testing.T) {
	for _, expr := range []string{
		"signer ~ 0x1",
		"amount > 5",
		"signer > 0x1",
		"timestamp > soon",
		"timestamp > 1.5",
		"signer in ,",
	} {
		if _, err := CompilePredicates([]string{expr}); err == nil {
			t.Fatalf("expected %q to be rejected", expr)
		}
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"100", 100, true},
		{"1_000", 1000, true},
		{"1.7e9", 1_700_000_000, true},
		{"-5", -5, true},
		{"0xabc", 0, false},
		{"2.5", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseInt(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("parseInt(%q) = %v,%v", tt.in, got, ok)
		}
	}
}
