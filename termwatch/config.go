package termwatch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/termwatch/termwatch/internal/delivery"
	"github.com/hazyhaar/termwatch/termwatch/internal/diff"
	"github.com/hazyhaar/termwatch/termwatch/internal/fetch"
	"github.com/hazyhaar/termwatch/termwatch/internal/scan"
	"github.com/hazyhaar/termwatch/termwatch/internal/scheduler"
	"github.com/hazyhaar/termwatch/termwatch/internal/store"
	"github.com/hazyhaar/termwatch/termwatch/internal/summary"
)

// Config holds all termwatch configuration.
type Config struct {
	Database    DatabaseConfig        `yaml:"database"`
	Fetch       FetchConfig           `yaml:"fetch"`
	Diff        diff.Config           `yaml:"diff"`
	Classify    ClassifyConfig        `yaml:"classify"`
	Summary     SummaryConfig         `yaml:"summary"`
	Scan        scan.Config           `yaml:"scan"`
	Scheduler   scheduler.Config      `yaml:"scheduler"`
	Delivery    DeliveryConfig        `yaml:"delivery"`
	Export      ExportConfig          `yaml:"export"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Admin       AdminConfig           `yaml:"admin"`
	Documents   []DocumentConfig      `yaml:"documents"`
	Subscribers []delivery.Subscriber `yaml:"subscribers"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"` // Default: 10s.
}

// FetchConfig controls the HTTP fetcher.
type FetchConfig struct {
	Timeout      time.Duration          `yaml:"timeout"`
	MaxRedirects int                    `yaml:"max_redirects"`
	MaxRetries   int                    `yaml:"max_retries"`
	BaseBackoff  time.Duration          `yaml:"base_backoff"`
	MaxBackoff   time.Duration          `yaml:"max_backoff"`
	MaxBytes     int64                  `yaml:"max_bytes"`
	UserAgent    string                 `yaml:"user_agent"`
	Normalize    fetch.NormalizerConfig `yaml:"normalize"`
}

// ClassifyConfig points at an optional rule file; empty uses the built-in rules.
type ClassifyConfig struct {
	RulesFile string `yaml:"rules_file"`
}

// SummaryConfig selects the text-generation provider. No API key disables
// summaries.
type SummaryConfig struct {
	Provider      string         `yaml:"provider"` // openai, anthropic
	APIKey        string         `yaml:"api_key"`
	Model         string         `yaml:"model"`
	BaseURL       string         `yaml:"base_url"`
	Queue         summary.Config `yaml:"queue"`
	RetryInterval time.Duration  `yaml:"retry_interval"`
}

// DeliveryConfig sets the digest cadences and webhook delivery.
type DeliveryConfig struct {
	DailyCron  string `yaml:"daily_cron"`
	WeeklyCron string `yaml:"weekly_cron"`
	Webhooks   bool   `yaml:"webhooks"`
}

// ExportConfig locates the JSON feed. Empty path disables the export.
type ExportConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// MetricsConfig controls the pipeline timeseries.
type MetricsConfig struct {
	Retention     time.Duration `yaml:"retention"`      // Default: 30 days.
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 5s.
}

// AdminConfig controls the admin HTTP server.
type AdminConfig struct {
	Addr string `yaml:"addr"`
	// Token is the bearer token for /api/admin. Empty leaves the API open,
	// which is only sane on a loopback address.
	Token     string `yaml:"token"`
	RateLimit int    `yaml:"rate_limit"` // requests per IP per minute, 0 = off
}

// DocumentConfig registers a monitored document at startup.
type DocumentConfig struct {
	Service string `yaml:"service"`
	URL     string `yaml:"url"`
	Kind    string `yaml:"kind"`
	// Active, when set, is applied at every start. Left unset, a new
	// document starts active and an existing one keeps its stored state.
	Active  *bool  `yaml:"active"`
}

func (c *Config) defaults() {
	if c.Database.Path == "" {
		c.Database.Path = "termwatch.db"
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "Mozilla/5.0 (compatible; termwatch/1.0; +https://github.com/hazyhaar/termwatch)"
	}
	if c.Summary.Provider == "" {
		c.Summary.Provider = summary.ProviderOpenAI
	}
	if c.Summary.RetryInterval <= 0 {
		c.Summary.RetryInterval = 15 * time.Minute
	}
	if c.Delivery.DailyCron == "" {
		c.Delivery.DailyCron = "0 8 * * *"
	}
	if c.Delivery.WeeklyCron == "" {
		c.Delivery.WeeklyCron = "0 8 * * 1"
	}
	if c.Export.MaxEntries <= 0 {
		c.Export.MaxEntries = 200
	}
	if c.Metrics.Retention <= 0 {
		c.Metrics.Retention = 30 * 24 * time.Hour
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:8088"
	}
	for i := range c.Documents {
		if c.Documents[i].Kind == "" {
			c.Documents[i].Kind = store.KindOther
		}
	}
}

// env overrides keep secrets out of the config file.
func (c *Config) env() {
	if v := os.Getenv("TERMWATCH_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TERMWATCH_ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("TERMWATCH_LLM_PROVIDER"); v != "" {
		c.Summary.Provider = v
	}
	if v := os.Getenv("TERMWATCH_LLM_API_KEY"); v != "" {
		c.Summary.APIKey = v
	}
	if c.Summary.APIKey == "" {
		switch c.Summary.Provider {
		case summary.ProviderAnthropic:
			c.Summary.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case summary.ProviderOpenAI, "":
			c.Summary.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// Validate checks the parts of the config that defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Summary.Provider {
	case summary.ProviderOpenAI, summary.ProviderAnthropic:
	default:
		return fmt.Errorf("%w: summary.provider %q", ErrInvalidInput, c.Summary.Provider)
	}
	seen := make(map[string]bool, len(c.Documents))
	for i, d := range c.Documents {
		if d.Service == "" || d.URL == "" {
			return fmt.Errorf("%w: documents[%d] needs service and url", ErrInvalidInput, i)
		}
		switch d.Kind {
		case store.KindTerms, store.KindPrivacy, store.KindOther:
		default:
			return fmt.Errorf("%w: documents[%d] kind %q", ErrInvalidInput, i, d.Kind)
		}
		if seen[d.URL] {
			return fmt.Errorf("%w: duplicate document url %s", ErrInvalidInput, d.URL)
		}
		seen[d.URL] = true
	}
	subs := make(map[string]bool, len(c.Subscribers))
	for i, s := range c.Subscribers {
		if s.ID == "" {
			return fmt.Errorf("%w: subscribers[%d] needs an id", ErrInvalidInput, i)
		}
		if subs[s.ID] {
			return fmt.Errorf("%w: duplicate subscriber %s", ErrInvalidInput, s.ID)
		}
		subs[s.ID] = true
		if _, ok := delivery.Plans[s.Plan]; s.Plan != "" && !ok {
			return fmt.Errorf("%w: subscriber %s plan %q", ErrInvalidInput, s.ID, s.Plan)
		}
	}
	return nil
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// LoadConfig reads a YAML config file, applies environment overrides and
// defaults, and validates the result. Unknown keys are rejected. An empty
// path skips the file and builds the config from defaults and environment.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("termwatch: config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("termwatch: parse %s: %w", path, err)
		}
	}
	cfg.env()
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f FetchConfig) fetcher() fetch.Config {
	return fetch.Config{
		Timeout:      f.Timeout,
		MaxRedirects: f.MaxRedirects,
		MaxRetries:   f.MaxRetries,
		BaseBackoff:  f.BaseBackoff,
		MaxBackoff:   f.MaxBackoff,
		MaxBytes:     f.MaxBytes,
		UserAgent:    f.UserAgent,
	}
}
