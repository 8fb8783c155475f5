package config

import (
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := &Config{CronSecret: "s3cret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr default = %q", cfg.Addr)
	}
	if cfg.BillingProvider != ProviderMock {
		t.Fatalf("BillingProvider default = %q", cfg.BillingProvider)
	}
	if cfg.PlatformFeePercent != 5.0 {
		t.Fatalf("PlatformFeePercent default = %v", cfg.PlatformFeePercent)
	}
	if cfg.Currency != "USDC" {
		t.Fatalf("Currency default = %q", cfg.Currency)
	}
	if cfg.MeterInterval != time.Minute || cfg.SweepInterval != time.Minute {
		t.Fatalf("interval defaults = %v / %v", cfg.MeterInterval, cfg.SweepInterval)
	}
}

func TestValidate_RequiresCronSecret(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing cron secret")
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := &Config{CronSecret: "x", BillingProvider: "paypal"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestValidate_FeeBounds(t *testing.T) {
	cfg := &Config{CronSecret: "x", PlatformFeePercent: 120}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for fee above 100")
	}
}

func TestTimeouts_WithDefaults(t *testing.T) {
	tt := Timeouts{}.WithDefaults()
	if tt.ProviderCall != 10*time.Second {
		t.Fatalf("ProviderCall = %v", tt.ProviderCall)
	}
	if tt.StoreCall != 5*time.Second {
		t.Fatalf("StoreCall = %v", tt.StoreCall)
	}
	if tt.Sweep != 60*time.Second {
		t.Fatalf("Sweep = %v", tt.Sweep)
	}
	if tt.Shutdown != 15*time.Second {
		t.Fatalf("Shutdown = %v", tt.Shutdown)
	}

	custom := Timeouts{ProviderCall: time.Second}.WithDefaults()
	if custom.ProviderCall != time.Second {
		t.Fatalf("explicit value overridden: %v", custom.ProviderCall)
	}
}
