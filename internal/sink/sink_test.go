package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devblac/pledge-feed/internal/feed"
)

func TestSlackSenderRendersTemplate(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewSlackSender(server.URL, "PLEDGE {{.SourceID}} {{short_addr .Signer}} {{.Short}}")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	ev := feed.CanonicalEvent{Signer: "0x1234567890abcdef", Timestamp: 100, TransactionHash: "0xfeed"}
	if err := sender.Send(context.Background(), NewPledgePayload("main", ev, 7, "")); err != nil {
		t.Fatalf("send: %v", err)
	}

	text, _ := got["text"].(string)
	if !strings.Contains(text, "PLEDGE main 0x1234...cdef 0x1234...cdef") {
		t.Fatalf("unexpected payload: %v", got)
	}
	if len(got) != 1 {
		t.Fatalf("slack body should only carry text: %v", got)
	}
}

func TestSinkBodies(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		got = nil
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	p := NewPledgePayload("main", feed.CanonicalEvent{Signer: "0xabcdef0123456789", Timestamp: 9, TransactionHash: "0xfeed"}, 4, "")

	teams, err := Build("teams", server.URL, "", "", "hi")
	if err != nil {
		t.Fatalf("teams: %v", err)
	}
	if err := teams.Send(context.Background(), p); err != nil {
		t.Fatalf("teams send: %v", err)
	}
	if got["@type"] != "MessageCard" || got["text"] != "hi" || got["summary"] != "New pledge from 0xabcd...6789" {
		t.Fatalf("teams body: %v", got)
	}

	hook, err := Build("webhook", "", server.URL, "put", "hi")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if err := hook.Send(context.Background(), p); err != nil {
		t.Fatalf("webhook send: %v", err)
	}
	if got["tx_hash"] != "0xfeed" || got["total"] != float64(4) || got["source_id"] != "main" {
		t.Fatalf("webhook body: %v", got)
	}
	if got["display_name"] != "0xabcd...6789" || got["explorer_url"] != "https://etherscan.io/tx/0xfeed" {
		t.Fatalf("webhook display fields: %v", got)
	}
}

func TestPayloadDisplayName(t *testing.T) {
	ev := feed.CanonicalEvent{Signer: "0xabcdef0123456789", Timestamp: 0}
	p := NewPledgePayload("main", ev, 3, "https://sepolia.etherscan.io")
	if p.DisplayName() != "0xabcd...6789" {
		t.Fatalf("fallback display name %q", p.DisplayName())
	}
	if p.ExplorerURL != "https://sepolia.etherscan.io/address/0xabcdef0123456789" {
		t.Fatalf("explorer url %q", p.ExplorerURL)
	}

	p = p.WithIdentity(feed.Identity{Name: "alice.eth", Avatar: "ipfs://avatar"})
	tmpl, err := parseTemplate("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := executeTemplate(tmpl, p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if want := "New pledge from alice.eth at 1970-01-01T00:00:00Z (3 total)"; out != want {
		t.Fatalf("got %q want %q", out, want)
	}

	tmpl, err = parseTemplate("{{display_name .}} pledged {{ago .Timestamp}} {{.Avatar}} {{.ExplorerURL}}")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err = executeTemplate(tmpl, p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if want := "alice.eth pledged 1970-01-01 ipfs://avatar https://sepolia.etherscan.io/address/0xabcdef0123456789"; out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestDefaultTemplate(t *testing.T) {
	tmpl, err := parseTemplate("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := executeTemplate(tmpl, PledgePayload{Signer: "0xabcdef0123456789", Timestamp: 0, Total: 3})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := "New pledge from 0xabcd...6789 at 1970-01-01T00:00:00Z (3 total)"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	err = sender.Send(context.Background(), PledgePayload{Signer: "0x1"})
	if err == nil {
		t.Fatalf("expected error on 502")
	}
	if code := ResponseCode(err); code != http.StatusBadGateway {
		t.Fatalf("expected 502 code, got %d", code)
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	if _, err := Build("email", "", "", "", ""); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Build("webhook", "", "http://x", "", ""); err != nil {
		t.Fatalf("webhook build: %v", err)
	}
}
