package lending

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Portfolio analytics sit beside the hard risk gates: they inform keepers and
// dashboards and never drive state transitions, so fractional precision via
// decimals is acceptable here where the ledger itself stays in integer wad
// math.

// zScores for the supported VaR confidence levels.
var zScores = map[int]decimal.Decimal{
	90: decimal.RequireFromString("1.282"),
	95: decimal.RequireFromString("1.645"),
	99: decimal.RequireFromString("2.326"),
}

func usdDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

// ConcentrationRisk computes the Herfindahl-Hirschman Index over the
// account's per-asset collateral exposure, scaled to [0, 10000].
func (r *RiskEngine) ConcentrationRisk(account common.Address) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, errNotAuthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	positions, err := r.state.AccountPositions(account)
	if err != nil {
		return decimal.Zero, err
	}
	exposures := make([]decimal.Decimal, 0, len(positions))
	total := decimal.Zero
	for _, position := range positions {
		if position.SupplyShares.Sign() == 0 {
			continue
		}
		market, err := r.state.Market(position.Asset)
		if err != nil {
			return decimal.Zero, err
		}
		usd, err := r.valueOf(position.Asset, redeemSupply(position.SupplyShares, market), nil)
		if err != nil {
			return decimal.Zero, err
		}
		value := usdDecimal(usd)
		exposures = append(exposures, value)
		total = total.Add(value)
	}
	if total.IsZero() {
		return decimal.Zero, nil
	}
	hhi := decimal.Zero
	scale := decimal.NewFromInt(10_000)
	for _, value := range exposures {
		share := value.Div(total)
		hhi = hhi.Add(share.Mul(share))
	}
	return hhi.Mul(scale), nil
}

// ValueAtRisk estimates parametric VaR for the account's collateral:
// collateral × z(confidence) × volatility × sqrt(horizonDays). Supported
// confidence levels are 90, 95 and 99 percent.
func (r *RiskEngine) ValueAtRisk(account common.Address, confidence int, portfolioVolatility decimal.Decimal, horizonDays int) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, errNotAuthorized
	}
	z, ok := zScores[confidence]
	if !ok {
		return decimal.Zero, errInvalidAmount
	}
	if horizonDays <= 0 {
		return decimal.Zero, errInvalidAmount
	}
	r.mu.Lock()
	values, err := r.accountValuesLocked(account, nil)
	r.mu.Unlock()
	if err != nil {
		return decimal.Zero, err
	}
	sqrtHorizon := decimal.NewFromFloat(math.Sqrt(float64(horizonDays)))
	return usdDecimal(values.collateralUSD).Mul(z).Mul(portfolioVolatility).Mul(sqrtHorizon), nil
}

// StressScenario applies a signed collateral price shock in basis points;
// -2000 models a 20% drawdown.
type StressScenario struct {
	Name          string
	PriceShockBps int64
}

// StressResult reports the hypothetical post-shock account health.
type StressResult struct {
	Scenario       string
	HealthFactor   *big.Int
	Infinite       bool
	IsLiquidatable bool
}

// StressTest evaluates each scenario against current positions without
// mutating any state.
func (r *RiskEngine) StressTest(account common.Address, scenarios []StressScenario) ([]StressResult, error) {
	if r == nil {
		return nil, errNotAuthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	positions, err := r.state.AccountPositions(account)
	if err != nil {
		return nil, err
	}
	basePrices := make(map[string]*big.Int, len(positions))
	for _, position := range positions {
		if _, ok := basePrices[position.Asset]; ok {
			continue
		}
		price, err := r.oracle.GetPrice(position.Asset)
		if err != nil {
			return nil, err
		}
		basePrices[position.Asset] = price
	}

	results := make([]StressResult, 0, len(scenarios))
	for _, scenario := range scenarios {
		overrides := make(priceOverride, len(basePrices))
		shock := big.NewInt(10_000 + scenario.PriceShockBps)
		if shock.Sign() < 0 {
			shock.SetInt64(0)
		}
		for asset, price := range basePrices {
			shocked := new(big.Int).Mul(price, shock)
			overrides[asset] = shocked.Quo(shocked, basisPoints)
		}
		values, err := r.accountValuesLocked(account, overrides)
		if err != nil {
			return nil, err
		}
		hf, infinite := healthFactor(values)
		results = append(results, StressResult{
			Scenario:       scenario.Name,
			HealthFactor:   cloneBig(hf),
			Infinite:       infinite,
			IsLiquidatable: !infinite && hf.Cmp(liquidationTrigger()) < 0,
		})
	}
	return results, nil
}
