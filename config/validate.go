package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if err := validateURL("BackendURL", c.BackendURL); err != nil {
		return err
	}
	if err := validateURL("Wallet.RPCURL", c.Wallet.RPCURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.Wallet.EventsURL) != "" {
		if err := validateURL("Wallet.EventsURL", c.Wallet.EventsURL); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Wallet.Network)) {
	case "mainnet", "testnet", "regtest", "signet":
	default:
		return fmt.Errorf("config: unsupported wallet network %q", c.Wallet.Network)
	}
	if _, err := c.ActivationFee(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Payments.FeeSinkAddress) == "" {
		return fmt.Errorf("config: Payments.FeeSinkAddress required")
	}
	if strings.TrimSpace(c.Payments.BurnSinkAddress) == "" {
		return fmt.Errorf("config: Payments.BurnSinkAddress required")
	}
	if c.Payments.QuoteTTL.Duration < c.Payments.PollInterval.Duration {
		return fmt.Errorf("config: Payments.QuoteTTL must not be shorter than Payments.PollInterval")
	}
	if c.Oracle.MaxDeviation < 0 || c.Oracle.Breaker < 0 {
		return fmt.Errorf("config: oracle thresholds must be non-negative")
	}
	if c.Backend.RateLimit < 0 {
		return fmt.Errorf("config: Backend.RateLimit must be non-negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Journal.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported journal driver %q", c.Journal.Driver)
	}
	if strings.TrimSpace(c.Journal.DSN) == "" {
		return fmt.Errorf("config: Journal.DSN required")
	}
	return nil
}

// ActivationFee parses the configured activation fee in fiat units.
func (c *Config) ActivationFee() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(strings.TrimSpace(c.Payments.ActivationFeeUSD))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: invalid Payments.ActivationFeeUSD: %w", err)
	}
	if fee.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: Payments.ActivationFeeUSD must be non-negative")
	}
	return fee, nil
}

func validateURL(field, raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", field, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL", field)
	}
	return nil
}
