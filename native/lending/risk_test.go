package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestHealthFactorInfiniteWithoutDebt(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("WETH", addrBob, amount(1))
	if _, err := env.engine.Supply(addrBob, "WETH", amount(1)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	hf, infinite, err := env.risk.CalculateHealthFactor(addrBob)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if !infinite || hf != nil {
		t.Fatalf("debt-free account should be infinite: hf=%v infinite=%v", hf, infinite)
	}
	if RiskLevel(hf, infinite) != 1 {
		t.Fatalf("infinite health should be level 1")
	}
}

func TestHealthFactorWeighting(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("USDC", addrAlice, amount(3_000))
	env.tokens.Credit("WETH", addrBob, amount(1))

	if _, err := env.engine.Supply(addrAlice, "USDC", amount(3_000)); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if _, err := env.engine.Supply(addrBob, "WETH", amount(1)); err != nil {
		t.Fatalf("collateral: %v", err)
	}
	if _, err := env.engine.Borrow(addrBob, "USDC", amount(850)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// $2000 collateral x 0.85 threshold / $850 debt = 2.0.
	hf, infinite, err := env.risk.CalculateHealthFactor(addrBob)
	if err != nil || infinite {
		t.Fatalf("health factor: hf=%v infinite=%v err=%v", hf, infinite, err)
	}
	mustEqualBig(t, hf, amount(2), "weighted health factor")

	threshold, err := env.risk.UserLiquidationThreshold(addrBob)
	if err != nil {
		t.Fatalf("user threshold: %v", err)
	}
	mustEqualBig(t, threshold, ratio(8_500), "collateral-weighted threshold")
}

func TestRiskParamsOverrideMarket(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("USDC", addrAlice, amount(3_000))
	env.tokens.Credit("WETH", addrBob, amount(1))

	if _, err := env.engine.Supply(addrAlice, "USDC", amount(3_000)); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if _, err := env.engine.Supply(addrBob, "WETH", amount(1)); err != nil {
		t.Fatalf("collateral: %v", err)
	}

	// A stricter per-asset threshold shrinks the weighted collateral.
	env.risk.SetParams("WETH", &RiskParameters{LiquidationThreshold: ratio(5_000)})
	if _, err := env.engine.Borrow(addrBob, "USDC", amount(850)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	hf, _, err := env.risk.CalculateHealthFactor(addrBob)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	// $2000 x 0.50 / $850.
	mustEqualBig(t, hf, wadDiv(amount(1_000), amount(850)), "override threshold applied")
}

func TestPartialRiskParamsLeaveThresholdIntact(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("USDC", addrAlice, amount(3_000))
	env.tokens.Credit("WETH", addrBob, amount(1))

	if _, err := env.engine.Supply(addrAlice, "USDC", amount(3_000)); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if _, err := env.engine.Supply(addrBob, "WETH", amount(1)); err != nil {
		t.Fatalf("collateral: %v", err)
	}

	// Params that set only a cap must not disturb the market's threshold:
	// the unset fields stay nil and the market values keep applying.
	env.risk.SetParams("WETH", &RiskParameters{BorrowCap: amount(100)})
	if _, err := env.engine.Borrow(addrBob, "USDC", amount(850)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	hf, infinite, err := env.risk.CalculateHealthFactor(addrBob)
	if err != nil || infinite {
		t.Fatalf("health factor: hf=%v infinite=%v err=%v", hf, infinite, err)
	}
	mustEqualBig(t, hf, amount(2), "market threshold still weights collateral")
}

func TestHealthFactorMonotonicity(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("USDC", addrAlice, amount(3_000))
	env.tokens.Credit("WETH", addrBob, amount(1))

	if _, err := env.engine.Supply(addrAlice, "USDC", amount(3_000)); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if _, err := env.engine.Supply(addrBob, "WETH", amount(1)); err != nil {
		t.Fatalf("collateral: %v", err)
	}
	if _, err := env.engine.Borrow(addrBob, "USDC", amount(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	base, _, err := env.risk.CalculateHealthFactor(addrBob)
	if err != nil {
		t.Fatalf("base health factor: %v", err)
	}

	// A higher collateral price strictly raises the health factor.
	env.manual.Set("WETH", amount(2_400), env.clock.Now())
	risen, _, err := env.risk.CalculateHealthFactor(addrBob)
	if err != nil {
		t.Fatalf("health factor after price rise: %v", err)
	}
	if risen.Cmp(base) <= 0 {
		t.Fatalf("price rise should raise health: %v -> %v", base, risen)
	}

	// More debt strictly lowers it again.
	if _, err := env.engine.Borrow(addrBob, "USDC", amount(200)); err != nil {
		t.Fatalf("second borrow: %v", err)
	}
	fallen, _, err := env.risk.CalculateHealthFactor(addrBob)
	if err != nil {
		t.Fatalf("health factor after more debt: %v", err)
	}
	if fallen.Cmp(risen) >= 0 {
		t.Fatalf("more debt should lower health: %v -> %v", risen, fallen)
	}
}

func TestRiskLevelBands(t *testing.T) {
	cases := []struct {
		hf    *big.Int
		level int
	}{
		{ratio(16_000), 1},
		{ratio(15_000), 1},
		{ratio(13_000), 2},
		{ratio(11_500), 3},
		{ratio(10_700), 4},
		{ratio(10_200), 5},
		{ratio(9_000), 5},
	}
	for _, tc := range cases {
		if got := RiskLevel(tc.hf, false); got != tc.level {
			t.Fatalf("RiskLevel(%v) = %d, want %d", tc.hf, got, tc.level)
		}
	}
}

func TestFrozenAssetBlocksBorrow(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("USDC", addrAlice, amount(1_000))
	if _, err := env.engine.Supply(addrAlice, "USDC", amount(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	env.risk.SetParams("USDC", &RiskParameters{IsFrozen: true})
	if _, err := env.engine.Borrow(addrAlice, "USDC", amount(10)); !errors.Is(err, errMarketFrozen) {
		t.Fatalf("frozen param borrow: got %v, want errMarketFrozen", err)
	}
}

func TestBorrowCapFromRiskParams(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("USDC", addrAlice, amount(2_000))
	if _, err := env.engine.Supply(addrAlice, "USDC", amount(2_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	env.risk.SetParams("USDC", &RiskParameters{BorrowCap: amount(100)})
	if _, err := env.engine.Borrow(addrAlice, "USDC", amount(150)); !errors.Is(err, ErrBorrowCapExceeded) {
		t.Fatalf("cap from params: got %v, want ErrBorrowCapExceeded", err)
	}
	if _, err := env.engine.Borrow(addrAlice, "USDC", amount(90)); err != nil {
		t.Fatalf("borrow inside cap: %v", err)
	}
}

func TestBorrowFactorInflatesNewDebt(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("USDC", addrAlice, amount(5_000))
	env.tokens.Credit("WETH", addrBob, amount(1))

	if _, err := env.engine.Supply(addrAlice, "USDC", amount(5_000)); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if _, err := env.engine.Supply(addrBob, "WETH", amount(1)); err != nil {
		t.Fatalf("collateral: %v", err)
	}

	// With a 2x borrow factor the $900 request is assessed as $1800 of
	// debt: 1700/1800 < 1.05 and the borrow is rejected.
	env.risk.SetParams("USDC", &RiskParameters{BorrowFactor: amount(2)})
	if _, err := env.engine.Borrow(addrBob, "USDC", amount(900)); !errors.Is(err, ErrHealthTooLow) {
		t.Fatalf("borrow-factor weighted debt: got %v, want ErrHealthTooLow", err)
	}
	if _, err := env.engine.Borrow(addrBob, "USDC", amount(800)); err != nil {
		t.Fatalf("borrow inside weighted limit: %v", err)
	}
}

func TestSnapshotAndRegistries(t *testing.T) {
	env := newTestEnv(t)
	env.tokens.Credit("USDC", addrAlice, amount(3_000))
	env.tokens.Credit("WETH", addrBob, amount(1))

	if _, err := env.engine.Supply(addrAlice, "USDC", amount(3_000)); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if _, err := env.engine.Supply(addrBob, "WETH", amount(1)); err != nil {
		t.Fatalf("collateral: %v", err)
	}
	if _, err := env.engine.Borrow(addrBob, "USDC", amount(1_500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	snapshot := env.risk.Snapshot(addrBob)
	if snapshot == nil {
		t.Fatalf("snapshot missing after borrow")
	}
	mustEqualBig(t, snapshot.TotalCollateralUSD, amount(2_000), "snapshot collateral")
	mustEqualBig(t, snapshot.TotalBorrowUSD, amount(1_500), "snapshot debt")
	if snapshot.IsLiquidatable {
		t.Fatalf("healthy account flagged liquidatable")
	}
	if snapshot.RiskLevel != 3 {
		// HF 1700/1500 = 1.133 lands in the 1.10..1.25 band.
		t.Fatalf("risk level: %d", snapshot.RiskLevel)
	}

	// Collateral price collapse pushes the account below the trigger.
	env.manual.Set("WETH", amount(1_700), env.clock.Now())
	env.engine.RefreshAccounts(env.risk.AtRiskAccounts())

	snapshot = env.risk.Snapshot(addrBob)
	if !snapshot.IsLiquidatable {
		t.Fatalf("underwater account not flagged: hf=%v", snapshot.HealthFactor)
	}
	rows := env.liq.LiquidatablePositions(0, 10)
	if len(rows) != 1 || rows[0].Account != addrBob {
		t.Fatalf("liquidatable registry: %+v", rows)
	}

	system, err := env.risk.SystemMetrics()
	if err != nil {
		t.Fatalf("system metrics: %v", err)
	}
	if system.AccountsAtRisk != 1 || system.Liquidatable != 1 {
		t.Fatalf("system metrics: %+v", system)
	}
}

func TestRiskSinkReceivesUpdates(t *testing.T) {
	env := newTestEnv(t)

	var gotCollateral, gotDebt *big.Int
	env.risk.SetSink(riskSinkFunc(func(collateralUSD, debtUSD *big.Int) {
		gotCollateral, gotDebt = collateralUSD, debtUSD
	}))

	env.tokens.Credit("WETH", addrBob, amount(1))
	if _, err := env.engine.Supply(addrBob, "WETH", amount(1)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	mustEqualBig(t, gotCollateral, amount(2_000), "sink collateral")
	mustEqualBig(t, gotDebt, big.NewInt(0), "sink debt")
}

type riskSinkFunc func(collateralUSD, debtUSD *big.Int)

func (f riskSinkFunc) UpdateUserRiskData(_ common.Address, collateralUSD, debtUSD *big.Int) {
	f(collateralUSD, debtUSD)
}
