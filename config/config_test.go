package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleConfig = `
Service = "lendingd"
Environment = "test"
ListenAddress = ":9999"

[gateway]
RequestsPerMinute = 120
PageLimit = 50

[oracle]
Priority = ["chainlink", "manual"]
MaxAgeSeconds = 120

[[oracle.static]]
Asset = "USDC"
Price = "1000000000000000000"

[rates]
BaseRateBps = 200
Slope1Bps = 1000
Slope2Bps = 10000
KinkBps = 8000

[liquidation]
MinDebtUSD = "10000000000000000000"

[[market]]
Asset = "usdc"
SupplyCap = "5000000000000000000000000"
LiquidationThresholdBps = 8500
LiquidationBonusBps = 500
Active = true
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service != "lendingd" || cfg.ListenAddress != ":9999" {
		t.Fatalf("top level: %+v", cfg)
	}
	if cfg.Gateway.RequestsPerMinute != 120 || cfg.Gateway.PageLimit != 50 {
		t.Fatalf("gateway: %+v", cfg.Gateway)
	}
	if len(cfg.Oracle.Priority) != 2 || cfg.Oracle.Priority[0] != "chainlink" {
		t.Fatalf("oracle priority: %v", cfg.Oracle.Priority)
	}
	if len(cfg.Markets) != 1 || cfg.Markets[0].Asset != "usdc" {
		t.Fatalf("markets: %+v", cfg.Markets)
	}
	// Unspecified sections pick up operating defaults.
	if cfg.Keeper.AccrualIntervalSeconds != 15 || cfg.Keeper.RefreshIntervalSeconds != 60 {
		t.Fatalf("keeper defaults: %+v", cfg.Keeper)
	}
	if cfg.Risk.MinBorrowHealthBps != 10500 {
		t.Fatalf("risk default: %+v", cfg.Risk)
	}
	if cfg.Liquidation.MaxRatioBps != 5000 || cfg.Liquidation.MicroBandFloorBps != 9500 {
		t.Fatalf("liquidation defaults: %+v", cfg.Liquidation)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestEnsureDefaultsOnEmptyConfig(t *testing.T) {
	var cfg Config
	cfg.EnsureDefaults()
	if cfg.Service != "lendingd" || cfg.ListenAddress != ":8680" {
		t.Fatalf("identity defaults: %+v", cfg)
	}
	if cfg.Oracle.MaxAgeSeconds != 300 || cfg.Oracle.MaxChangeBps != 2000 {
		t.Fatalf("oracle defaults: %+v", cfg.Oracle)
	}
	if len(cfg.Oracle.Priority) != 1 || cfg.Oracle.Priority[0] != "manual" {
		t.Fatalf("oracle priority default: %v", cfg.Oracle.Priority)
	}
	if cfg.Rates.KinkBps != 8000 || cfg.Rates.MaxRateBps != 100000 {
		t.Fatalf("rate defaults: %+v", cfg.Rates)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaulted config should validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	market := func(mutate func(*Market)) Config {
		m := Market{Asset: "USDC", LiquidationThresholdBps: 8500, LiquidationBonusBps: 500}
		mutate(&m)
		cfg := Config{Markets: []Market{m}}
		cfg.EnsureDefaults()
		return cfg
	}

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "kink out of range",
			cfg: func() Config {
				cfg := market(func(*Market) {})
				cfg.Rates.KinkBps = 10000
				return cfg
			}(),
			want: "KinkBps",
		},
		{
			name: "missing asset",
			cfg:  market(func(m *Market) { m.Asset = "  " }),
			want: "missing Asset",
		},
		{
			name: "threshold out of range",
			cfg:  market(func(m *Market) { m.LiquidationThresholdBps = 10001 }),
			want: "LiquidationThresholdBps",
		},
		{
			name: "bonus too large",
			cfg:  market(func(m *Market) { m.LiquidationBonusBps = 5001 }),
			want: "LiquidationBonusBps",
		},
		{
			name: "malformed cap",
			cfg:  market(func(m *Market) { m.SupplyCap = "1e24" }),
			want: "SupplyCap",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want mention of %q", err, tc.want)
			}
		})
	}

	dup := Config{Markets: []Market{
		{Asset: "usdc", LiquidationThresholdBps: 8500},
		{Asset: "USDC", LiquidationThresholdBps: 8500},
	}}
	dup.EnsureDefaults()
	if err := dup.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("case-insensitive duplicate: %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	value, err := ParseAmount(" 1000000000000000000 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if value.Cmp(big.NewInt(1e18)) != 0 {
		t.Fatalf("value: %s", value)
	}

	value, err = ParseAmount("")
	if err != nil || value != nil {
		t.Fatalf("empty should be unset: %v %v", value, err)
	}

	if _, err := ParseAmount("-5"); err == nil {
		t.Fatalf("negative accepted")
	}
	if _, err := ParseAmount("12.5"); err == nil {
		t.Fatalf("fractional accepted")
	}
}
