package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level lendingd configuration, decoded from TOML.
type Config struct {
	Service       string      `toml:"Service"`
	Environment   string      `toml:"Environment"`
	LogLevel      string      `toml:"LogLevel"`
	ListenAddress string      `toml:"ListenAddress"`
	Keeper        Keeper      `toml:"keeper"`
	Gateway       Gateway     `toml:"gateway"`
	Oracle        Oracle      `toml:"oracle"`
	Rates         Rates       `toml:"rates"`
	Risk          Risk        `toml:"risk"`
	Liquidation   Liquidation `toml:"liquidation"`
	Markets       []Market    `toml:"market"`
	PausedModules []string    `toml:"PausedModules"`
}

// Keeper drives the background accrual and snapshot refresh loops.
type Keeper struct {
	AccrualIntervalSeconds int `toml:"AccrualIntervalSeconds"`
	RefreshIntervalSeconds int `toml:"RefreshIntervalSeconds"`
}

// Gateway configures the read-only HTTP surface.
type Gateway struct {
	RequestsPerMinute uint32 `toml:"RequestsPerMinute"`
	PageLimit         int    `toml:"PageLimit"`
}

// Oracle configures the price feed aggregator.
type Oracle struct {
	Priority        []string      `toml:"Priority"`
	MaxAgeSeconds   int           `toml:"MaxAgeSeconds"`
	MaxChangeBps    uint64        `toml:"MaxChangeBps"`
	CooldownSeconds int           `toml:"CooldownSeconds"`
	Static          []StaticQuote `toml:"static"`
}

// StaticQuote seeds the manual feed at startup. Prices are USD with
// eighteen decimals, expressed as decimal strings.
type StaticQuote struct {
	Asset string `toml:"Asset"`
	Price string `toml:"Price"`
}

// Rates are the default interest-rate curve parameters, in basis points.
// Markets inherit them unless they declare overrides.
type Rates struct {
	BaseRateBps        uint64 `toml:"BaseRateBps"`
	Slope1Bps          uint64 `toml:"Slope1Bps"`
	Slope2Bps          uint64 `toml:"Slope2Bps"`
	KinkBps            uint64 `toml:"KinkBps"`
	MaxRateBps         uint64 `toml:"MaxRateBps"`
	TargetRateBps      uint64 `toml:"TargetRateBps"`
	AdjustmentSpeedBps uint64 `toml:"AdjustmentSpeedBps"`
	BreakerMaxMoveBps  uint64 `toml:"BreakerMaxMoveBps"`
	BreakerCooldownSec int    `toml:"BreakerCooldownSec"`
}

// Risk holds portfolio gating defaults.
type Risk struct {
	MinBorrowHealthBps uint64 `toml:"MinBorrowHealthBps"`
}

// Liquidation mirrors the live liquidation policy. USD amounts are decimal
// strings with eighteen implied decimals; ratios are basis points.
type Liquidation struct {
	MinDebtUSD           string `toml:"MinDebtUSD"`
	MaxRatioBps          uint64 `toml:"MaxRatioBps"`
	ProtocolFeeBps       uint64 `toml:"ProtocolFeeBps"`
	EmergencyBonusBps    uint64 `toml:"EmergencyBonusBps"`
	MicroTargetHealthBps uint64 `toml:"MicroTargetHealthBps"`
	MicroBandFloorBps    uint64 `toml:"MicroBandFloorBps"`
	MicroMaxUSD          string `toml:"MicroMaxUSD"`
}

// Market lists one asset market. Caps are underlying base units as decimal
// strings; thresholds and bonuses are basis points.
type Market struct {
	Asset                   string `toml:"Asset"`
	Native                  bool   `toml:"Native"`
	SupplyCap               string `toml:"SupplyCap"`
	BorrowCap               string `toml:"BorrowCap"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `toml:"LiquidationBonusBps"`
	BorrowFactorBps         uint64 `toml:"BorrowFactorBps"`
	ReserveFactorBps        uint64 `toml:"ReserveFactorBps"`
	Active                  bool   `toml:"Active"`
}

// Load reads and validates the configuration at path.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureDefaults fills unset fields with sane operating values.
func (c *Config) EnsureDefaults() {
	if strings.TrimSpace(c.Service) == "" {
		c.Service = "lendingd"
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8680"
	}
	if c.Keeper.AccrualIntervalSeconds <= 0 {
		c.Keeper.AccrualIntervalSeconds = 15
	}
	if c.Keeper.RefreshIntervalSeconds <= 0 {
		c.Keeper.RefreshIntervalSeconds = 60
	}
	if c.Gateway.PageLimit <= 0 {
		c.Gateway.PageLimit = 100
	}
	if c.Oracle.MaxAgeSeconds <= 0 {
		c.Oracle.MaxAgeSeconds = 300
	}
	if c.Oracle.MaxChangeBps == 0 {
		c.Oracle.MaxChangeBps = 2000
	}
	if c.Oracle.CooldownSeconds <= 0 {
		c.Oracle.CooldownSeconds = 600
	}
	if len(c.Oracle.Priority) == 0 {
		c.Oracle.Priority = []string{"manual"}
	}
	if c.Rates.KinkBps == 0 {
		c.Rates.KinkBps = 8000
	}
	if c.Rates.MaxRateBps == 0 {
		c.Rates.MaxRateBps = 100000
	}
	if c.Risk.MinBorrowHealthBps == 0 {
		c.Risk.MinBorrowHealthBps = 10500
	}
	if c.Liquidation.MaxRatioBps == 0 {
		c.Liquidation.MaxRatioBps = 5000
	}
	if c.Liquidation.ProtocolFeeBps == 0 {
		c.Liquidation.ProtocolFeeBps = 100
	}
	if c.Liquidation.MicroTargetHealthBps == 0 {
		c.Liquidation.MicroTargetHealthBps = 10100
	}
	if c.Liquidation.MicroBandFloorBps == 0 {
		c.Liquidation.MicroBandFloorBps = 9500
	}
}

// Validate rejects configurations that cannot be wired into the engines.
func (c *Config) Validate() error {
	if c.Rates.KinkBps == 0 || c.Rates.KinkBps >= 10000 {
		return fmt.Errorf("config: KinkBps must be in (0, 10000), got %d", c.Rates.KinkBps)
	}
	seen := make(map[string]struct{}, len(c.Markets))
	for i, m := range c.Markets {
		asset := strings.ToUpper(strings.TrimSpace(m.Asset))
		if asset == "" {
			return fmt.Errorf("config: market %d missing Asset", i)
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("config: duplicate market %s", asset)
		}
		seen[asset] = struct{}{}
		if m.LiquidationThresholdBps == 0 || m.LiquidationThresholdBps > 10000 {
			return fmt.Errorf("config: market %s LiquidationThresholdBps must be in (0, 10000]", asset)
		}
		if m.LiquidationBonusBps > 5000 {
			return fmt.Errorf("config: market %s LiquidationBonusBps above 5000", asset)
		}
		if _, err := ParseAmount(m.SupplyCap); err != nil {
			return fmt.Errorf("config: market %s SupplyCap: %w", asset, err)
		}
		if _, err := ParseAmount(m.BorrowCap); err != nil {
			return fmt.Errorf("config: market %s BorrowCap: %w", asset, err)
		}
	}
	for _, q := range c.Oracle.Static {
		if _, err := ParseAmount(q.Price); err != nil {
			return fmt.Errorf("config: static quote %s: %w", q.Asset, err)
		}
	}
	if _, err := ParseAmount(c.Liquidation.MinDebtUSD); err != nil {
		return fmt.Errorf("config: MinDebtUSD: %w", err)
	}
	if _, err := ParseAmount(c.Liquidation.MicroMaxUSD); err != nil {
		return fmt.Errorf("config: MicroMaxUSD: %w", err)
	}
	return nil
}

// ParseAmount decodes a non-negative decimal string into a big.Int. Empty
// strings decode to nil, which downstream consumers treat as "unset".
func ParseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", raw)
	}
	return value, nil
}
