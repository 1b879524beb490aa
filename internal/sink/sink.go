package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/pledge-feed/internal/feed"
)

const defaultTemplate = "New pledge from {{display_name .}} at {{unix .Timestamp}}{{if .Total}} ({{.Total}} total){{end}}"

// PledgePayload is the data passed to sinks for one announced pledge. Name
// and Avatar are empty unless the signer has a verified ENS name.
type PledgePayload struct {
	SourceID    string
	Signer      string
	Name        string
	Avatar      string
	Timestamp   int64
	TxHash      string
	ExplorerURL string
	Total       uint64
}

// NewPledgePayload builds a payload from a canonical event. explorer is the
// block explorer base URL; empty selects feed.DefaultExplorerURL.
func NewPledgePayload(sourceID string, ev feed.CanonicalEvent, total uint64, explorer string) PledgePayload {
	return PledgePayload{
		SourceID:    sourceID,
		Signer:      ev.Signer,
		Timestamp:   ev.Timestamp,
		TxHash:      ev.TransactionHash,
		ExplorerURL: feed.ExplorerURL(explorer, ev),
		Total:       total,
	}
}

// WithIdentity attaches the signer's resolved name and avatar.
func (p PledgePayload) WithIdentity(id feed.Identity) PledgePayload {
	p.Name, p.Avatar = id.Name, id.Avatar
	return p
}

// Short returns the truncated signer address.
func (p PledgePayload) Short() string {
	return feed.TruncateAddress(p.Signer)
}

// DisplayName returns the ENS name, or the truncated address without one.
func (p PledgePayload) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Short()
}

type Sender interface {
	Send(ctx context.Context, payload PledgePayload) error
}

// StatusError reports a non-2xx sink response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink http status %d", e.Code)
}

// ResponseCode extracts the HTTP status carried by err, or 0.
func ResponseCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// bodyFunc shapes the JSON request body from the rendered text.
type bodyFunc func(text string, p PledgePayload) any

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	body    bodyFunc
	client  *http.Client
	headers map[string]string
}

func newHTTPSender(url, method, tmpl string, body bodyFunc, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, errors.New("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["Content-Type"]; !ok {
		headers["Content-Type"] = "application/json"
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		body:    body,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewWebhookSender builds a generic HTTP sink. The body carries the rendered
// text alongside every pledge field.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	return newHTTPSender(url, method, tmpl, func(text string, p PledgePayload) any {
		return map[string]any{
			"text":         text,
			"source_id":    p.SourceID,
			"signer":       p.Signer,
			"display_name": p.DisplayName(),
			"ens_name":     p.Name,
			"avatar":       p.Avatar,
			"timestamp":    p.Timestamp,
			"tx_hash":      p.TxHash,
			"explorer_url": p.ExplorerURL,
			"total":        p.Total,
		}
	}, headers)
}

// NewSlackSender posts {"text": ...} to a Slack incoming webhook.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return newHTTPSender(url, http.MethodPost, tmpl, func(text string, _ PledgePayload) any {
		return map[string]string{"text": text}
	}, nil)
}

// NewTeamsSender posts a MessageCard to a Teams incoming webhook.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	return newHTTPSender(url, http.MethodPost, tmpl, func(text string, p PledgePayload) any {
		return map[string]string{
			"@type":    "MessageCard",
			"@context": "https://schema.org/extensions",
			"summary":  "New pledge from " + p.DisplayName(),
			"title":    "New pledge",
			"text":     text,
		}
	}, nil)
}

// Build constructs a sender for a sink type (slack, teams or webhook).
func Build(kind, webhookURL, url, method, tmpl string) (Sender, error) {
	switch strings.ToLower(kind) {
	case "slack":
		return NewSlackSender(webhookURL, tmpl)
	case "teams":
		return NewTeamsSender(webhookURL, tmpl)
	case "webhook":
		return NewWebhookSender(url, method, tmpl, nil)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", kind)
	}
}

func (s *httpSender) Send(ctx context.Context, payload PledgePayload) error {
	text, err := executeTemplate(s.render, payload)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(s.body(text, payload))
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr":   feed.TruncateAddress,
		"display_name": PledgePayload.DisplayName,
		"unix": func(ts int64) string {
			return time.Unix(ts, 0).UTC().Format(time.RFC3339)
		},
		"ago": func(ts int64) string {
			return feed.TimeAgo(ts, time.Now())
		},
	}
	t, err := template.New("msg").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
