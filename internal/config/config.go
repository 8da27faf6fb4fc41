package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/screa/ip-hunter/internal/provision"
	"github.com/screa/ip-hunter/pkg/backoff"
	"github.com/screa/ip-hunter/pkg/ranges"
)

// Errors
var (
	ErrNoRanges           = errors.New("must specify at least one target range (--range or ranges in the config file)")
	ErrInvalidWorkers     = errors.New("workers must be at least 1")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrMissingCredentials = errors.New("provider endpoint and auth token are required")
	ErrMissingNetwork     = errors.New("floating network id is required (list candidates with `ip-hunter networks`)")
	ErrMissingFlavor      = errors.New("server flavor_ref is required for the nova provider")
	ErrUnsupportedFormat  = errors.New("unsupported config file format (use .yaml, .yml or .toml)")
	ErrUnknownPacing      = errors.New("unknown pacing distribution (use normal, exponential, uniform or none)")
)

// Providers
const (
	ProviderNeutron  = "neutron"
	ProviderNova     = "nova"
	ProviderSimulate = "simulate"
)

// Config holds the application configuration
type Config struct {
	Workers   int      `yaml:"workers" toml:"workers"`
	Provider  string   `yaml:"provider" toml:"provider"`
	Endpoint  string   `yaml:"endpoint" toml:"endpoint"`
	Token     string   `yaml:"token" toml:"token"`
	NetworkID string   `yaml:"network_id" toml:"network_id"`
	Ranges    []string `yaml:"ranges" toml:"ranges"`

	Server        provision.ServerSpec `yaml:"server" toml:"server"`
	PollInterval  Duration             `yaml:"poll_interval" toml:"poll_interval"`
	ActiveTimeout Duration             `yaml:"active_timeout" toml:"active_timeout"`

	Verbose     bool     `yaml:"verbose" toml:"verbose"`
	JSON        bool     `yaml:"json" toml:"json"`
	LogFile     string   `yaml:"log_file" toml:"log_file"`
	LogInterval Duration `yaml:"log_interval" toml:"log_interval"` // progress logging interval

	StatsFile    string   `yaml:"stats_file" toml:"stats_file"`
	ResumeStats  bool     `yaml:"resume_stats" toml:"resume_stats"`
	PersistEvery Duration `yaml:"persist_every" toml:"persist_every"`
	Ledger       string   `yaml:"ledger" toml:"ledger"`

	CallTimeout       Duration `yaml:"call_timeout" toml:"call_timeout"`
	ShutdownGrace     Duration `yaml:"shutdown_grace" toml:"shutdown_grace"`
	RequestRate       float64  `yaml:"request_rate" toml:"request_rate"` // acquisitions per second across all workers, 0 = unlimited
	Pacing            Pacing   `yaml:"pacing" toml:"pacing"`
	QuotaBackoff      Backoff  `yaml:"quota_backoff" toml:"quota_backoff"`
	TransientBackoff  Backoff  `yaml:"transient_backoff" toml:"transient_backoff"`
	StallAfter        Duration `yaml:"stall_after" toml:"stall_after"`
	NotifyEvery       int      `yaml:"notify_every" toml:"notify_every"`
	KeepLosingMatches bool     `yaml:"keep_losing_matches" toml:"keep_losing_matches"`

	Telegram Telegram `yaml:"telegram" toml:"telegram"`
	Simulate Simulate `yaml:"simulate" toml:"simulate"`
}

// Pacing spaces out a worker's attempts
type Pacing struct {
	Min          Duration `yaml:"min" toml:"min"`
	Max          Duration `yaml:"max" toml:"max"`
	Distribution string   `yaml:"distribution" toml:"distribution"`
}

// Backoff mirrors backoff.Policy in config form
type Backoff struct {
	Strategy   string   `yaml:"strategy" toml:"strategy"`
	Initial    Duration `yaml:"initial" toml:"initial"`
	Max        Duration `yaml:"max" toml:"max"`
	Multiplier float64  `yaml:"multiplier" toml:"multiplier"`
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`
}

// Telegram configures the notification bot
type Telegram struct {
	Token  string `yaml:"token" toml:"token"`
	ChatID string `yaml:"chat_id" toml:"chat_id"`
	APIURL string `yaml:"api_url" toml:"api_url"`
	Listen bool   `yaml:"listen" toml:"listen"`
}

// Simulate configures the offline provider
type Simulate struct {
	HitRate       float64  `yaml:"hit_rate" toml:"hit_rate"`
	QuotaRate     float64  `yaml:"quota_rate" toml:"quota_rate"`
	TransientRate float64  `yaml:"transient_rate" toml:"transient_rate"`
	Latency       Duration `yaml:"latency" toml:"latency"`
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	q, tr := backoff.DefaultQuota(), backoff.DefaultTransient()
	return &Config{
		Workers:          runtime.NumCPU(),
		Provider:         ProviderNeutron,
		PollInterval:     Duration(5 * time.Second),
		ActiveTimeout:    Duration(5 * time.Minute),
		LogInterval:      Duration(30 * time.Second),
		StatsFile:        "ip_statistics.json",
		PersistEvery:     Duration(time.Minute),
		CallTimeout:      Duration(provision.DefaultTimeout),
		ShutdownGrace:    Duration(45 * time.Second),
		Pacing:           Pacing{Distribution: string(backoff.Normal)},
		QuotaBackoff:     backoffFromPolicy(q),
		TransientBackoff: backoffFromPolicy(tr),
		StallAfter:       Duration(10 * time.Minute),
		NotifyEvery:      100,
		Telegram:         Telegram{Listen: true},
		Simulate:         Simulate{HitRate: 0.01, Latency: Duration(50 * time.Millisecond)},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return ErrInvalidWorkers
	}
	if len(c.Ranges) == 0 {
		return ErrNoRanges
	}
	if _, err := c.Matcher(); err != nil {
		return err
	}

	switch c.Provider {
	case ProviderNeutron:
		if c.Endpoint == "" || c.Token == "" {
			return ErrMissingCredentials
		}
		if c.NetworkID == "" {
			return ErrMissingNetwork
		}
	case ProviderNova:
		if c.Endpoint == "" || c.Token == "" {
			return ErrMissingCredentials
		}
		if c.Server.FlavorRef == "" {
			return ErrMissingFlavor
		}
	case ProviderSimulate:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider)
	}

	for name, d := range map[string]Duration{
		"call_timeout":   c.CallTimeout,
		"shutdown_grace": c.ShutdownGrace,
		"pacing.min":     c.Pacing.Min,
		"pacing.max":     c.Pacing.Max,
		"stall_after":    c.StallAfter,
		"persist_every":  c.PersistEvery,
		"log_interval":   c.LogInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if !backoff.Distribution(c.Pacing.Distribution).Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPacing, c.Pacing.Distribution)
	}
	if c.RequestRate < 0 {
		return fmt.Errorf("request_rate must not be negative")
	}
	if err := c.QuotaBackoff.Policy().Validate(); err != nil {
		return fmt.Errorf("quota_backoff: %w", err)
	}
	if err := c.TransientBackoff.Policy().Validate(); err != nil {
		return fmt.Errorf("transient_backoff: %w", err)
	}
	return nil
}

// Matcher parses the configured ranges
func (c *Config) Matcher() (*ranges.Matcher, error) {
	return ranges.Parse(c.Ranges)
}

// GetTargetDescription returns a human-readable description of the target
func (c *Config) GetTargetDescription() string {
	if len(c.Ranges) == 0 {
		return "no ranges"
	}
	return fmt.Sprintf("%d range(s): %s", len(c.Ranges), strings.Join(c.Ranges, ", "))
}

// PacerPolicy converts the pacing section
func (c *Config) PacerPolicy() backoff.Pacer {
	return backoff.Pacer{
		Min:          c.Pacing.Min.Duration(),
		Max:          c.Pacing.Max.Duration(),
		Distribution: backoff.Distribution(c.Pacing.Distribution),
	}
}

// Policy converts the config section into a backoff policy
func (b Backoff) Policy() backoff.Policy {
	return backoff.Policy{
		Strategy:   backoff.Strategy(b.Strategy),
		Initial:    b.Initial.Duration(),
		Max:        b.Max.Duration(),
		Multiplier: b.Multiplier,
		MaxRetries: b.MaxRetries,
	}
}

func backoffFromPolicy(p backoff.Policy) Backoff {
	return Backoff{
		Strategy:   string(p.Strategy),
		Initial:    Duration(p.Initial),
		Max:        Duration(p.Max),
		Multiplier: p.Multiplier,
		MaxRetries: p.MaxRetries,
	}
}

// LoadFile merges a YAML or TOML file over the current values
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides values from HUNTER_* environment variables
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("HUNTER_PROVIDER", &c.Provider)
	str("HUNTER_ENDPOINT", &c.Endpoint)
	str("HUNTER_AUTH_TOKEN", &c.Token)
	str("HUNTER_NETWORK_ID", &c.NetworkID)
	str("HUNTER_STATS_FILE", &c.StatsFile)
	str("HUNTER_LEDGER", &c.Ledger)
	str("HUNTER_TELEGRAM_TOKEN", &c.Telegram.Token)
	str("HUNTER_TELEGRAM_CHAT_ID", &c.Telegram.ChatID)

	if v, ok := lookup("HUNTER_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HUNTER_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v, ok := lookup("HUNTER_RANGES"); ok && v != "" {
		c.Ranges = SplitList(v)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Resolve builds the effective configuration: defaults, then the file, then the environment
func Resolve(path string, lookup LookupFunc) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// SplitList splits a comma or whitespace separated list
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
}
