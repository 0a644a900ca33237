package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultBurnSinkAddress is the unspendable fast-layer address receiving
	// burned discount tokens.
	DefaultBurnSinkAddress = "spark1pgssyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszykl0d2"
	// DefaultFeeSinkAddress receives request activation fees.
	DefaultFeeSinkAddress = "spark1pgssx7lqr7akm7ycnn9hxux0mq7q8thvht3dec4ctuwvcht9pdj3qed82tfs7p"
)

// Duration wraps time.Duration so it can be written as a human readable
// string in both TOML and YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses duration strings such as "1s" or "5m".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config captures the runtime configuration of the merchant daemon.
type Config struct {
	Env          string          `toml:"Env" yaml:"env"`
	DataDir      string          `toml:"DataDir" yaml:"data_dir"`
	BackendURL   string          `toml:"BackendURL" yaml:"backend_url"`
	AdminListen  string          `toml:"AdminListen" yaml:"admin_listen"`
	FiatCurrency string          `toml:"FiatCurrency" yaml:"fiat_currency"`
	Wallet       WalletConfig    `toml:"Wallet" yaml:"wallet"`
	Payments     PaymentsConfig  `toml:"Payments" yaml:"payments"`
	Oracle       OracleConfig    `toml:"Oracle" yaml:"oracle"`
	Backend      BackendConfig   `toml:"Backend" yaml:"backend"`
	Journal      JournalConfig   `toml:"Journal" yaml:"journal"`
	Log          LogConfig       `toml:"Log" yaml:"log"`
	Telemetry    TelemetryConfig `toml:"Telemetry" yaml:"telemetry"`
}

// WalletConfig points at the local wallet daemon.
type WalletConfig struct {
	RPCURL    string `toml:"RPCURL" yaml:"rpc_url"`
	RPCToken  string `toml:"RPCToken" yaml:"rpc_token"`
	EventsURL string `toml:"EventsURL" yaml:"events_url"`
	Network   string `toml:"Network" yaml:"network"`
}

// PaymentsConfig groups the payment-request lifecycle knobs.
type PaymentsConfig struct {
	PollInterval     Duration `toml:"PollInterval" yaml:"poll_interval"`
	QuoteTTL         Duration `toml:"QuoteTTL" yaml:"quote_ttl"`
	ActivationFeeUSD string   `toml:"ActivationFeeUSD" yaml:"activation_fee_usd"`
	FeeSinkAddress   string   `toml:"FeeSinkAddress" yaml:"fee_sink_address"`
	BurnSinkAddress  string   `toml:"BurnSinkAddress" yaml:"burn_sink_address"`
}

// OracleConfig controls the median rate oracle.
type OracleConfig struct {
	TTL          Duration `toml:"TTL" yaml:"ttl"`
	MaxDeviation float64  `toml:"MaxDeviation" yaml:"max_deviation"`
	Breaker      float64  `toml:"Breaker" yaml:"breaker"`
}

// BackendConfig throttles calls to the backend API.
type BackendConfig struct {
	Timeout   Duration `toml:"Timeout" yaml:"timeout"`
	RateLimit float64  `toml:"RateLimit" yaml:"rate_limit"`
	Burst     int      `toml:"Burst" yaml:"burst"`
}

// JournalConfig selects the activation-fee journal database.
type JournalConfig struct {
	Driver string `toml:"Driver" yaml:"driver"`
	DSN    string `toml:"DSN" yaml:"dsn"`
}

// LogConfig configures optional on-disk log rotation.
type LogConfig struct {
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
	Compress   bool   `toml:"Compress" yaml:"compress"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	Traces   bool   `toml:"Traces" yaml:"traces"`

	// SampleRatio below 1 samples that fraction of root spans.
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}

// Load loads the configuration from the given path. Files ending in .yaml or
// .yml are decoded as YAML, everything else as TOML. A missing file is created
// with defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "dev"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./low-data"
	}
	if strings.TrimSpace(c.BackendURL) == "" {
		c.BackendURL = "http://localhost:3000"
	}
	if strings.TrimSpace(c.AdminListen) == "" {
		c.AdminListen = "127.0.0.1:8089"
	}
	if strings.TrimSpace(c.FiatCurrency) == "" {
		c.FiatCurrency = "USD"
	}
	c.FiatCurrency = strings.ToUpper(strings.TrimSpace(c.FiatCurrency))
	if strings.TrimSpace(c.Wallet.RPCURL) == "" {
		c.Wallet.RPCURL = "http://localhost:9737/rpc"
	}
	if strings.TrimSpace(c.Wallet.Network) == "" {
		c.Wallet.Network = "mainnet"
	}
	if c.Payments.PollInterval.Duration <= 0 {
		c.Payments.PollInterval.Duration = time.Second
	}
	if c.Payments.QuoteTTL.Duration <= 0 {
		c.Payments.QuoteTTL.Duration = 5 * time.Minute
	}
	if strings.TrimSpace(c.Payments.ActivationFeeUSD) == "" {
		c.Payments.ActivationFeeUSD = "1"
	}
	if strings.TrimSpace(c.Payments.FeeSinkAddress) == "" {
		c.Payments.FeeSinkAddress = DefaultFeeSinkAddress
	}
	if strings.TrimSpace(c.Payments.BurnSinkAddress) == "" {
		c.Payments.BurnSinkAddress = DefaultBurnSinkAddress
	}
	if c.Oracle.TTL.Duration <= 0 {
		c.Oracle.TTL.Duration = 2 * time.Minute
	}
	if c.Oracle.MaxDeviation == 0 {
		c.Oracle.MaxDeviation = 0.05
	}
	if c.Oracle.Breaker == 0 {
		c.Oracle.Breaker = 0.25
	}
	if c.Backend.Timeout.Duration <= 0 {
		c.Backend.Timeout.Duration = 10 * time.Second
	}
	if c.Backend.RateLimit == 0 {
		c.Backend.RateLimit = 10
	}
	if c.Backend.Burst <= 0 {
		c.Backend.Burst = 20
	}
	if strings.TrimSpace(c.Journal.Driver) == "" {
		c.Journal.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Journal.DSN) == "" && c.Journal.Driver == "sqlite" {
		c.Journal.DSN = filepath.Join(c.DataDir, "journal.db")
	}
	if strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		c.Telemetry.Endpoint = "localhost:4318"
	}
}

func (c *Config) applyEnv() {
	c.Env = getenvDefault("LOW_ENV", c.Env)
	c.DataDir = getenvDefault("LOW_DATA_DIR", c.DataDir)
	c.BackendURL = getenvDefault("LOW_BACKEND_URL", c.BackendURL)
	c.AdminListen = getenvDefault("LOW_ADMIN_LISTEN", c.AdminListen)
	c.Wallet.RPCURL = getenvDefault("LOW_WALLET_RPC_URL", c.Wallet.RPCURL)
	c.Wallet.RPCToken = getenvDefault("LOW_WALLET_RPC_TOKEN", c.Wallet.RPCToken)
	c.Wallet.EventsURL = getenvDefault("LOW_WALLET_EVENTS_URL", c.Wallet.EventsURL)
	c.Journal.DSN = getenvDefault("LOW_JOURNAL_DSN", c.Journal.DSN)
	c.Telemetry.Endpoint = getenvDefault("LOW_OTEL_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.Headers = getenvDefault("LOW_OTEL_HEADERS", c.Telemetry.Headers)
	if raw := strings.TrimSpace(os.Getenv("LOW_BACKEND_RATE_LIMIT")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			c.Backend.RateLimit = v
		}
	}
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
