// Package config defines the runtime configuration for the rental broker:
// listen address, store backend, billing provider selection, fee schedule,
// job cadences, and operation timeouts. It also provides validation and
// defaulting helpers.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Provider names a billing-provider backend. The broker is polymorphic over
// the billing.Provider capability set; this value only selects which concrete
// implementation is constructed at startup.
type Provider string

const (
	// ProviderMock is the in-process provider used for development and tests.
	ProviderMock Provider = "mock"
	// ProviderOnchain is a settlement-network-backed provider supplied by the
	// embedding deployment. The broker core never depends on its internals.
	ProviderOnchain Provider = "onchain"
)

// Config holds all settings required to run the broker service.
// Use Validate to fill implicit defaults and to check for required fields.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `json:"addr"`
	// DBSource is the Postgres connection string. When empty the broker runs
	// on the in-memory store (development only).
	DBSource string `json:"db_source"`
	// BillingProvider selects the settlement backend. Default: mock.
	BillingProvider Provider `json:"billing_provider"`
	// PlatformFeePercent is the marketplace fee applied on top of resource
	// cost. Default: 5.
	PlatformFeePercent float64 `json:"platform_fee_percent"`
	// Currency is the settlement currency code. Default: USDC.
	Currency string `json:"currency"`
	// AccessBaseURL is the base URL embedded in issued access URLs.
	AccessBaseURL string `json:"access_base_url"`
	// CronSecret guards the external job-trigger endpoint. Required.
	CronSecret string `json:"cron_secret"`
	// MeterInterval is the usage-metering cadence. Default: 1m.
	MeterInterval time.Duration `json:"meter_interval"`
	// SweepInterval is the expiry-sweep cadence. Default: 1m.
	SweepInterval time.Duration `json:"sweep_interval"`
	// Debug enables verbose logging.
	Debug bool `json:"debug"`
	// Timeouts configures per-operation deadlines. See Timeouts.WithDefaults.
	Timeouts Timeouts `json:"timeouts"`
}

// Timeouts controls broker operation deadlines.
// Zero values will be replaced by sane defaults in WithDefaults.
type Timeouts struct {
	ProviderCall time.Duration // quote/challenge/verify/authorize/settle calls
	StoreCall    time.Duration // store reads and conditional updates
	Sweep        time.Duration // one full expiry-sweep batch
	Shutdown     time.Duration // graceful HTTP shutdown
}

// Load reads configuration from the environment. Callers typically run
// godotenv before this in development so a .env file can supply the values.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:            os.Getenv("SERVER_ADDR"),
		DBSource:        os.Getenv("DB_SOURCE"),
		BillingProvider: Provider(os.Getenv("BILLING_PROVIDER")),
		Currency:        os.Getenv("CURRENCY"),
		AccessBaseURL:   os.Getenv("ACCESS_BASE_URL"),
		CronSecret:      os.Getenv("CRON_SECRET"),
		Debug:           os.Getenv("DEBUG") == "true",
	}

	if v := os.Getenv("PLATFORM_FEE_PERCENT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New("PLATFORM_FEE_PERCENT must be a number")
		}
		cfg.PlatformFeePercent = f
	}
	if v := os.Getenv("METER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.New("METER_INTERVAL must be a duration, e.g. 1m")
		}
		cfg.MeterInterval = d
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.New("SWEEP_INTERVAL must be a duration, e.g. 1m")
		}
		cfg.SweepInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the configuration by applying implicit defaults and
// verifies that required fields are provided. Returns an error when CronSecret
// is empty or the provider name is unknown.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.BillingProvider == "" {
		c.BillingProvider = ProviderMock
	}
	if c.BillingProvider != ProviderMock && c.BillingProvider != ProviderOnchain {
		return errors.New("unknown billing provider: " + string(c.BillingProvider))
	}
	if c.PlatformFeePercent == 0 {
		c.PlatformFeePercent = 5.0
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100 {
		return errors.New("platform fee percent must be within [0, 100]")
	}
	if c.Currency == "" {
		c.Currency = "USDC"
	}
	if c.AccessBaseURL == "" {
		c.AccessBaseURL = "https://api.flow-ramarket.com"
	}
	if c.MeterInterval == 0 {
		c.MeterInterval = time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.CronSecret == "" {
		return errors.New("cron secret is required")
	}
	return nil
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	ProviderCall: 10s
//	StoreCall:    5s
//	Sweep:        60s
//	Shutdown:     15s
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.ProviderCall == 0 {
		tt.ProviderCall = 10 * time.Second
	}
	if tt.StoreCall == 0 {
		tt.StoreCall = 5 * time.Second
	}
	if tt.Sweep == 0 {
		tt.Sweep = 60 * time.Second
	}
	if tt.Shutdown == 0 {
		tt.Shutdown = 15 * time.Second
	}
	return tt
}
