package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lendcore/config"
	"lendcore/gateway"
	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/observability/logging"
	"lendcore/observability/metrics"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LENDCORE_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup(cfg.Service, env, cfg.LogLevel)

	state := lending.NewMemoryState()
	tokens := lending.NewMemoryTokenBackend()

	manual := lending.NewManualFeed("manual")
	oracle := lending.NewFeedAggregator(cfg.Oracle.Priority, time.Duration(cfg.Oracle.MaxAgeSeconds)*time.Second, lending.PriceBreakerConfig{
		MaxChangeBps: cfg.Oracle.MaxChangeBps,
		Cooldown:     time.Duration(cfg.Oracle.CooldownSeconds) * time.Second,
	})
	oracle.Register(manual)
	for _, quote := range cfg.Oracle.Static {
		price, err := config.ParseAmount(quote.Price)
		if err != nil || price == nil {
			continue
		}
		manual.Set(quote.Asset, price, time.Now())
	}

	rates := lending.NewInterestRateEngine(lending.InterestRateParams{
		BaseRate:        bpsToRatio(cfg.Rates.BaseRateBps),
		Slope1:          bpsToRatio(cfg.Rates.Slope1Bps),
		Slope2:          bpsToRatio(cfg.Rates.Slope2Bps),
		Kink:            bpsToRatio(cfg.Rates.KinkBps),
		TargetRate:      optionalRatio(cfg.Rates.TargetRateBps),
		AdjustmentSpeed: optionalRatio(cfg.Rates.AdjustmentSpeedBps),
	}, bpsToRatio(cfg.Rates.MaxRateBps))
	if cfg.Rates.BreakerMaxMoveBps > 0 {
		for _, market := range cfg.Markets {
			rates.SetBreaker(market.Asset, lending.RateCircuitBreaker{
				Enabled:      true,
				MaxChangeBps: cfg.Rates.BreakerMaxMoveBps,
				Cooldown:     time.Duration(cfg.Rates.BreakerCooldownSec) * time.Second,
			})
		}
	}

	risk := lending.NewRiskEngine(state, oracle, bpsToRatio(cfg.Risk.MinBorrowHealthBps))

	liqCfg := lending.LiquidationConfig{
		MaxRatio:          bpsToRatio(cfg.Liquidation.MaxRatioBps),
		ProtocolFeeRate:   bpsToRatio(cfg.Liquidation.ProtocolFeeBps),
		EmergencyBonus:    bpsToRatio(cfg.Liquidation.EmergencyBonusBps),
		MicroTargetHealth: bpsToRatio(cfg.Liquidation.MicroTargetHealthBps),
		MicroBandFloor:    bpsToRatio(cfg.Liquidation.MicroBandFloorBps),
	}
	if minDebt, err := config.ParseAmount(cfg.Liquidation.MinDebtUSD); err == nil {
		liqCfg.MinDebtUSD = minDebt
	}
	if microMax, err := config.ParseAmount(cfg.Liquidation.MicroMaxUSD); err == nil {
		liqCfg.MicroMaxUSD = microMax
	}
	liq := lending.NewLiquidationEngine(state, risk, oracle, liqCfg)

	engine := lending.NewEngine(state, rates, risk, tokens, oracle)
	engine.SetLiquidation(liq)
	engine.SetLogger(logger)
	engine.SetMetrics(metrics.Lending())
	engine.SetPauses(nativecommon.NewStaticPauses(cfg.PausedModules...))

	for _, entry := range cfg.Markets {
		market, err := buildMarket(entry)
		if err != nil {
			logger.Error("invalid market config", "asset", entry.Asset, "error", err)
			os.Exit(1)
		}
		if err := engine.ListMarket(lending.CapabilityAdmin, market); err != nil {
			logger.Error("failed to list market", "asset", entry.Asset, "error", err)
			os.Exit(1)
		}
		risk.SetParams(entry.Asset, &lending.RiskParameters{
			LiquidationThreshold: bpsToRatio(entry.LiquidationThresholdBps),
			LiquidationBonus:     bpsToRatio(entry.LiquidationBonusBps),
			BorrowFactor:         optionalRatio(entry.BorrowFactorBps),
			SupplyCap:            market.SupplyCap,
			BorrowCap:            market.BorrowCap,
		})
		logger.Info("listed market", "asset", entry.Asset, "native", entry.Native)
	}

	server := gateway.New(gateway.Config{
		State:       state,
		Engine:      engine,
		Rates:       rates,
		Risk:        risk,
		Liquidation: liq,
		Oracle:      oracle,
		Logger:      logger,
		PageLimit:   cfg.Gateway.PageLimit,
		Quota: nativecommon.Quota{
			MaxRequestsPerEpoch: cfg.Gateway.RequestsPerMinute,
			EpochSeconds:        60,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go keeperLoop(ctx, time.Duration(cfg.Keeper.AccrualIntervalSeconds)*time.Second, func() {
		engine.AccrueAll()
	})
	go keeperLoop(ctx, time.Duration(cfg.Keeper.RefreshIntervalSeconds)*time.Second, func() {
		engine.RefreshAccounts(risk.AtRiskAccounts())
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", "error", err)
	}
}

func keeperLoop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func buildMarket(entry config.Market) (*lending.Market, error) {
	supplyCap, err := config.ParseAmount(entry.SupplyCap)
	if err != nil {
		return nil, err
	}
	borrowCap, err := config.ParseAmount(entry.BorrowCap)
	if err != nil {
		return nil, err
	}
	return &lending.Market{
		Asset:                strings.ToUpper(strings.TrimSpace(entry.Asset)),
		Native:               entry.Native,
		SupplyCap:            supplyCap,
		BorrowCap:            borrowCap,
		LiquidationThreshold: bpsToRatio(entry.LiquidationThresholdBps),
		LiquidationBonus:     bpsToRatio(entry.LiquidationBonusBps),
		ReserveFactorBps:     entry.ReserveFactorBps,
		IsActive:             entry.Active,
	}, nil
}

// bpsToRatio converts basis points into a 1e18 fixed-point ratio.
func bpsToRatio(bps uint64) *big.Int {
	ratio := new(big.Int).SetUint64(bps)
	ratio.Mul(ratio, big.NewInt(1e14))
	return ratio
}

func optionalRatio(bps uint64) *big.Int {
	if bps == 0 {
		return nil
	}
	return bpsToRatio(bps)
}
