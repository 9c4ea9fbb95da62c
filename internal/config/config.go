package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Rules    RulesConfig    `yaml:"rules"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Retry    RetryConfig    `yaml:"retry"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Search   SearchConfig   `yaml:"search"`
	Download DownloadConfig `yaml:"download"`
	Robots   RobotsConfig   `yaml:"robots"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// RulesConfig locates the source rule files.
type RulesConfig struct {
	Dir string `yaml:"dir"`
}

// FetchConfig controls the outbound HTTP client.
type FetchConfig struct {
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	ProxyURL       string            `yaml:"proxy_url"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig applies an optional process-wide token bucket on top of
// the adaptive per-host throttle.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// RetryConfig controls retry attempts and backoff for failed fetches.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// ThrottleConfig bounds the per-host state map.
type ThrottleConfig struct {
	HostTTL  Duration `yaml:"host_ttl"`
	MaxHosts int      `yaml:"max_hosts"`
}

// SearchConfig tunes aggregated multi-source search.
type SearchConfig struct {
	MaxResults int      `yaml:"max_results"`
	Timeout    Duration `yaml:"timeout"`
}

// DownloadConfig controls task execution and output.
type DownloadConfig struct {
	Concurrency     int      `yaml:"concurrency"`
	QueueSize       int      `yaml:"queue_size"`
	Dir             string   `yaml:"dir"`
	DefaultFormat   string   `yaml:"default_format"`
	MaxFailureRatio float64  `yaml:"max_failure_ratio"`
	TaskTTL         Duration `yaml:"task_ttl"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Formats lists the output formats the assembler can produce.
var Formats = []string{"txt", "epub"}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     DurationFrom(15 * time.Second),
			WriteTimeout:    DurationFrom(30 * time.Second),
			ShutdownTimeout: DurationFrom(10 * time.Second),
		},
		Rules: RulesConfig{
			Dir: "rules",
		},
		Fetch: FetchConfig{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Headers: map[string]string{
				"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
			},
			RequestTimeout: DurationFrom(15 * time.Second),
			MaxBodyBytes:   8 * 1024 * 1024,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   DurationFrom(500 * time.Millisecond),
			MaxDelay:    DurationFrom(8 * time.Second),
		},
		Throttle: ThrottleConfig{
			HostTTL:  DurationFrom(time.Hour),
			MaxHosts: 4096,
		},
		Search: SearchConfig{
			MaxResults: 30,
			Timeout:    DurationFrom(20 * time.Second),
		},
		Download: DownloadConfig{
			Concurrency:     8,
			QueueSize:       256,
			Dir:             "downloads",
			DefaultFormat:   "txt",
			MaxFailureRatio: 0.2,
			TaskTTL:         DurationFrom(30 * time.Minute),
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	cfg := Default()
	if err := decodeYAML(fh, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Environment overrides honoured by Resolve.
const (
	EnvRulesDir    = "NOVELDL_RULES_DIR"
	EnvDownloadDir = "NOVELDL_DOWNLOAD_DIR"
)

// Resolve loads the configuration for a command. A missing file is an
// error when the path was given explicitly; otherwise the built-in
// defaults apply. The NOVELDL_RULES_DIR and NOVELDL_DOWNLOAD_DIR
// environment variables override the corresponding directories either way.
func Resolve(path string, explicit bool) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		def := Default()
		cfg = &def
	}
	if dir := strings.TrimSpace(os.Getenv(EnvRulesDir)); dir != "" {
		cfg.Rules.Dir = dir
	}
	if dir := strings.TrimSpace(os.Getenv(EnvDownloadDir)); dir != "" {
		cfg.Download.Dir = dir
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the service configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if strings.TrimSpace(c.Rules.Dir) == "" {
		return errors.New("rules.dir must be set")
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if rl := c.Fetch.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("fetch.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay.Duration <= 0 {
		return fmt.Errorf("retry.base_delay must be > 0 (got %s)", c.Retry.BaseDelay)
	}
	if c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay (got %s < %s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Throttle.MaxHosts <= 0 {
		return fmt.Errorf("throttle.max_hosts must be > 0 (got %d)", c.Throttle.MaxHosts)
	}
	if c.Throttle.HostTTL.Duration <= 0 {
		return fmt.Errorf("throttle.host_ttl must be > 0 (got %s)", c.Throttle.HostTTL)
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be > 0 (got %d)", c.Search.MaxResults)
	}
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download.concurrency must be > 0 (got %d)", c.Download.Concurrency)
	}
	if c.Download.QueueSize <= 0 {
		return fmt.Errorf("download.queue_size must be > 0 (got %d)", c.Download.QueueSize)
	}
	if strings.TrimSpace(c.Download.Dir) == "" {
		return errors.New("download.dir must be set")
	}
	if !validFormat(c.Download.DefaultFormat) {
		return fmt.Errorf("download.default_format must be one of %v (got %q)", Formats, c.Download.DefaultFormat)
	}
	if c.Download.MaxFailureRatio < 0 || c.Download.MaxFailureRatio >= 1 {
		return fmt.Errorf("download.max_failure_ratio must be in [0, 1) (got %g)", c.Download.MaxFailureRatio)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" && strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	return nil
}

func validFormat(format string) bool {
	for _, f := range Formats {
		if f == format {
			return true
		}
	}
	return false
}

func (c *Config) normalise() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Rules.Dir = strings.TrimSpace(c.Rules.Dir)
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Download.Dir = strings.TrimSpace(c.Download.Dir)
	c.Download.DefaultFormat = strings.ToLower(strings.TrimSpace(c.Download.DefaultFormat))
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = map[string]string{}
	}

	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = c.Fetch.UserAgent
	}

	// Ensure overrides are de-duplicated and normalised to lower case.
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether the process-wide rate limit is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
