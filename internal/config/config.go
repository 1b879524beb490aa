package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version  int          `yaml:"version"`
	Global   GlobalConfig `yaml:"global"`
	Source   Source       `yaml:"source"`
	Feed     Feed         `yaml:"feed"`
	ENS      *ENS         `yaml:"ens,omitempty"`
	Announce *Announce    `yaml:"announce,omitempty"`
	Sinks    []Sink       `yaml:"sinks"`
	API      API          `yaml:"api"`
}

type GlobalConfig struct {
	DBPath        string `yaml:"db_path"`
	Confirmations uint64 `yaml:"confirmations"`
	LogLevel      string `yaml:"log_level"`
}

type Source struct {
	ID            string   `yaml:"id"`
	Type          string   `yaml:"type"`
	RPCURL        string   `yaml:"rpc_url"`
	Contract      string   `yaml:"contract"`
	Event         string   `yaml:"event"`
	Decode        string   `yaml:"decode"`
	CountMethod   string   `yaml:"count_method"`
	StartBlock    string   `yaml:"start_block"`
	ABIDirs       []string `yaml:"abi_dirs"`
	BackfillChunk uint64   `yaml:"backfill_chunk"`
	PollInterval  string   `yaml:"poll_interval"`
	CountInterval string   `yaml:"count_interval"`
}

// Feed tunes pagination and highlighting. Durations use time.ParseDuration syntax.
type Feed struct {
	PageSize          int     `yaml:"page_size"`
	PageIncrement     int     `yaml:"page_increment"`
	LoadThreshold     float64 `yaml:"load_threshold"`
	SettleDelay       string  `yaml:"settle_delay"`
	HighlightDuration string  `yaml:"highlight_duration"`
	ExplorerURL       string  `yaml:"explorer_url"`
}

// ENS turns on reverse resolution of signer names. RPCURL falls back to the
// source rpc_url and Registry to the mainnet ENS registry.
type ENS struct {
	RPCURL     string `yaml:"rpc_url"`
	Registry   string `yaml:"registry"`
	CacheSize  int    `yaml:"cache_size"`
	RetryAfter string `yaml:"retry_after"`
}

// Announce forwards newly arrived pledges to sinks.
type Announce struct {
	Sinks        []string `yaml:"sinks"`
	Where        []string `yaml:"where"`
	DedupeTTL    string   `yaml:"dedupe_ttl"`
	MaxPerMinute int      `yaml:"max_per_minute"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

type API struct {
	Addr string `yaml:"addr"`
}

const (
	DefaultEvent             = "Pledged(address indexed,uint256)"
	DefaultDBPath            = "pledge-feed.db"
	DefaultPollInterval      = "12s"
	DefaultCountInterval     = "30s"
	DefaultSettleDelay       = "500ms"
	DefaultHighlightDuration = "600ms"
	DefaultDedupeTTL         = "24h"
	DefaultExplorerURL       = "https://etherscan.io"
	DefaultENSRetryAfter     = "10m"
)

var (
	envPattern     = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Global.DBPath == "" {
		c.Global.DBPath = DefaultDBPath
	}
	if c.Source.Type == "" {
		c.Source.Type = "evm"
	}
	if c.Source.Event == "" {
		c.Source.Event = DefaultEvent
	}
	if c.Source.PollInterval == "" {
		c.Source.PollInterval = DefaultPollInterval
	}
	if c.Source.CountInterval == "" {
		c.Source.CountInterval = DefaultCountInterval
	}
	if c.Feed.SettleDelay == "" {
		c.Feed.SettleDelay = DefaultSettleDelay
	}
	if c.Feed.HighlightDuration == "" {
		c.Feed.HighlightDuration = DefaultHighlightDuration
	}
	if c.Feed.ExplorerURL == "" {
		c.Feed.ExplorerURL = DefaultExplorerURL
	}
	if c.ENS != nil {
		if c.ENS.RPCURL == "" {
			c.ENS.RPCURL = c.Source.RPCURL
		}
		if c.ENS.RetryAfter == "" {
			c.ENS.RetryAfter = DefaultENSRetryAfter
		}
	}
	if c.Announce != nil && c.Announce.DedupeTTL == "" {
		c.Announce.DedupeTTL = DefaultDedupeTTL
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source %s: %w", c.Source.ID, err)
	}
	if err := c.Feed.Validate(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	if c.ENS != nil {
		if err := c.ENS.Validate(); err != nil {
			return fmt.Errorf("ens: %w", err)
		}
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	if c.Announce != nil {
		if err := c.Announce.Validate(sinkIDs); err != nil {
			return fmt.Errorf("announce: %w", err)
		}
	}

	return nil
}

func (s *Source) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if strings.ToLower(s.Type) != "evm" {
		return fmt.Errorf("unsupported source type: %s", s.Type)
	}
	if s.RPCURL == "" {
		return errors.New("rpc_url is required for evm sources")
	}
	if s.Contract == "" {
		return errors.New("contract is required")
	}
	if !strings.Contains(s.Event, "(") {
		return fmt.Errorf("event must be a signature like Pledged(address indexed,uint256), got %q", s.Event)
	}
	switch strings.ToLower(s.Decode) {
	case "", "named", "positional":
	default:
		return fmt.Errorf("unsupported decode mode: %s", s.Decode)
	}
	if err := checkDuration("poll_interval", s.PollInterval); err != nil {
		return err
	}
	return checkDuration("count_interval", s.CountInterval)
}

// PollEvery returns the parsed poll interval, or zero when unset or invalid.
func (s Source) PollEvery() time.Duration {
	d, _ := time.ParseDuration(s.PollInterval)
	return d
}

// CountEvery returns the parsed count refresh interval, or zero when unset or invalid.
func (s Source) CountEvery() time.Duration {
	d, _ := time.ParseDuration(s.CountInterval)
	return d
}

func (f *Feed) Validate() error {
	if f.PageSize < 0 || f.PageIncrement < 0 {
		return errors.New("page_size and page_increment must not be negative")
	}
	if f.LoadThreshold < 0 || f.LoadThreshold >= 1 {
		return errors.New("load_threshold must be in [0, 1)")
	}
	if f.ExplorerURL != "" && !strings.HasPrefix(f.ExplorerURL, "http://") && !strings.HasPrefix(f.ExplorerURL, "https://") {
		return fmt.Errorf("explorer_url must be an http(s) url, got %q", f.ExplorerURL)
	}
	if err := checkDuration("settle_delay", f.SettleDelay); err != nil {
		return err
	}
	return checkDuration("highlight_duration", f.HighlightDuration)
}

// SettleEvery returns the parsed settle delay.
func (f Feed) SettleEvery() time.Duration {
	d, _ := time.ParseDuration(f.SettleDelay)
	return d
}

// HighlightFor returns the parsed highlight duration.
func (f Feed) HighlightFor() time.Duration {
	d, _ := time.ParseDuration(f.HighlightDuration)
	return d
}

func (e *ENS) Validate() error {
	if e.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if e.Registry != "" && !addressPattern.MatchString(e.Registry) {
		return fmt.Errorf("registry is not an address: %s", e.Registry)
	}
	if e.CacheSize < 0 {
		return errors.New("cache_size must not be negative")
	}
	return checkDuration("retry_after", e.RetryAfter)
}

// RetryEvery returns the parsed retry delay for failed lookups.
func (e ENS) RetryEvery() time.Duration {
	d, _ := time.ParseDuration(e.RetryAfter)
	return d
}

func (a *Announce) Validate(sinkIDs map[string]*Sink) error {
	if len(a.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	for _, sinkID := range a.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}
	if a.MaxPerMinute < 0 {
		return errors.New("max_per_minute must not be negative")
	}
	return checkDuration("dedupe_ttl", a.DedupeTTL)
}

// TTL returns the parsed dedupe TTL.
func (a Announce) TTL() time.Duration {
	d, _ := time.ParseDuration(a.DedupeTTL)
	return d
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func checkDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
