package lending

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol-wide boundaries, 1e18 fixed point. An account becomes liquidatable
// strictly below liquidationTrigger; it is tracked as at-risk below
// atRiskBoundary.
var (
	liquidationTrigger = func() *big.Int { return cloneBig(wad) }
	atRiskBoundary     = func() *big.Int { return bpsMul(wad, 15_000) }

	riskLevelBands = []uint64{15_000, 12_500, 11_000, 10_500, 10_000}
)

// RiskDataSink receives per-account risk pushes after every account-affecting
// operation. Typically backed by an off-process risk dashboard.
type RiskDataSink interface {
	UpdateUserRiskData(account common.Address, collateralUSD, debtUSD *big.Int)
}

// accountValues is the priced view of an account used by every health
// computation.
type accountValues struct {
	collateralUSD *big.Int // unweighted
	weightedUSD   *big.Int // liquidation-threshold weighted
	debtUSD       *big.Int
}

// RiskEngine computes health factors, gates borrow/withdraw, and maintains
// the at-risk registry bounding system-wide scans.
type RiskEngine struct {
	mu     sync.Mutex
	state  State
	oracle PriceFeed
	params map[string]*RiskParameters

	// minBorrowHealth is the post-operation floor applied to borrows and
	// withdrawals, a safety margin above the liquidation trigger.
	minBorrowHealth *big.Int

	atRisk    *accountSet
	snapshots map[common.Address]*PortfolioSnapshot
	sink      RiskDataSink
}

// NewRiskEngine wires a risk engine over the shared state and price feed.
// minBorrowHealth must exceed 1e18.
func NewRiskEngine(state State, oracle PriceFeed, minBorrowHealth *big.Int) *RiskEngine {
	if minBorrowHealth == nil || minBorrowHealth.Cmp(wad) <= 0 {
		minBorrowHealth = bpsMul(wad, 10_500)
	}
	return &RiskEngine{
		state:           state,
		oracle:          oracle,
		params:          make(map[string]*RiskParameters),
		minBorrowHealth: cloneBig(minBorrowHealth),
		atRisk:          newAccountSet(),
		snapshots:       make(map[common.Address]*PortfolioSnapshot),
	}
}

// SetSink wires the push target for per-account risk data.
func (r *RiskEngine) SetSink(sink RiskDataSink) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// SetParams installs per-asset risk parameters.
func (r *RiskEngine) SetParams(asset string, params *RiskParameters) {
	if r == nil || params == nil {
		return
	}
	r.mu.Lock()
	r.params[normaliseAsset(asset)] = params.Clone()
	r.mu.Unlock()
}

func (r *RiskEngine) paramsFor(asset string) *RiskParameters {
	if params, ok := r.params[normaliseAsset(asset)]; ok {
		return params
	}
	return nil
}

// priceOverride lets stress scenarios reprice assets without mutating state.
type priceOverride map[string]*big.Int

func (r *RiskEngine) valueOf(asset string, amount *big.Int, overrides priceOverride) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if overrides != nil {
		if price, ok := overrides[normaliseAsset(asset)]; ok {
			return wadMul(amount, price), nil
		}
	}
	return r.oracle.GetAssetValue(asset, amount)
}

// accountValuesLocked prices every position the account holds. An oracle
// failure for any required asset aborts the whole computation. Overrides
// apply to collateral valuation only; stress scenarios shock collateral
// prices while debt stays at market.
func (r *RiskEngine) accountValuesLocked(account common.Address, overrides priceOverride) (accountValues, error) {
	values := accountValues{
		collateralUSD: big.NewInt(0),
		weightedUSD:   big.NewInt(0),
		debtUSD:       big.NewInt(0),
	}
	positions, err := r.state.AccountPositions(account)
	if err != nil {
		return values, err
	}
	for _, position := range positions {
		market, err := r.state.Market(position.Asset)
		if err != nil {
			return values, err
		}
		threshold := market.LiquidationThreshold
		if params := r.paramsFor(position.Asset); params != nil && params.LiquidationThreshold != nil {
			threshold = params.LiquidationThreshold
		}
		if position.SupplyShares.Sign() > 0 {
			underlying := redeemSupply(position.SupplyShares, market)
			usd, err := r.valueOf(position.Asset, underlying, overrides)
			if err != nil {
				return values, err
			}
			values.collateralUSD.Add(values.collateralUSD, usd)
			values.weightedUSD.Add(values.weightedUSD, wadMul(usd, threshold))
		}
		if position.BorrowShares.Sign() > 0 {
			owed := owedBorrow(position.BorrowShares, market)
			usd, err := r.valueOf(position.Asset, owed, nil)
			if err != nil {
				return values, err
			}
			values.debtUSD.Add(values.debtUSD, usd)
		}
	}
	return values, nil
}

func healthFactor(values accountValues) (*big.Int, bool) {
	if values.debtUSD.Sign() == 0 {
		return nil, true
	}
	return wadDiv(values.weightedUSD, values.debtUSD), false
}

// CalculateHealthFactor returns the threshold-weighted health factor. The
// second result reports the infinite (debt-free) case, in which the returned
// value is nil.
func (r *RiskEngine) CalculateHealthFactor(account common.Address) (*big.Int, bool, error) {
	if r == nil {
		return nil, false, errNotAuthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	values, err := r.accountValuesLocked(account, nil)
	if err != nil {
		return nil, false, err
	}
	hf, infinite := healthFactor(values)
	return hf, infinite, nil
}

// UserLiquidationThreshold reports the collateral-value-weighted average
// threshold across the account's held assets.
func (r *RiskEngine) UserLiquidationThreshold(account common.Address) (*big.Int, error) {
	if r == nil {
		return nil, errNotAuthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	values, err := r.accountValuesLocked(account, nil)
	if err != nil {
		return nil, err
	}
	if values.collateralUSD.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return wadDiv(values.weightedUSD, values.collateralUSD), nil
}

// IsBorrowAllowed validates a prospective borrow: listed and unfrozen asset,
// borrow cap headroom, and a post-borrow health factor at or above the
// minimum margin.
func (r *RiskEngine) IsBorrowAllowed(account common.Address, asset string, amount *big.Int) error {
	if r == nil {
		return errNotAuthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	market, err := r.state.Market(asset)
	if err != nil {
		return err
	}
	if market.IsFrozen {
		return errMarketFrozen
	}
	params := r.paramsFor(asset)
	if params != nil && params.IsFrozen {
		return errMarketFrozen
	}
	cap := market.BorrowCap
	if params != nil && params.BorrowCap != nil {
		cap = params.BorrowCap
	}
	if cap != nil && cap.Sign() > 0 {
		projected := new(big.Int).Add(market.TotalBorrowUnderlying, amount)
		if projected.Cmp(cap) > 0 {
			return errBorrowCapExceeded
		}
	}

	values, err := r.accountValuesLocked(account, nil)
	if err != nil {
		return err
	}
	addedUSD, err := r.valueOf(asset, amount, nil)
	if err != nil {
		return err
	}
	if params != nil && params.BorrowFactor != nil && params.BorrowFactor.Sign() > 0 {
		addedUSD = wadMul(addedUSD, params.BorrowFactor)
	}
	values.debtUSD.Add(values.debtUSD, addedUSD)
	hf, infinite := healthFactor(values)
	if !infinite && hf.Cmp(r.minBorrowHealth) < 0 {
		return errHealthTooLow
	}
	return nil
}

// IsWithdrawAllowed validates a prospective withdrawal against the account's
// share balance and post-withdraw health. The health check is skipped when
// the account carries no debt.
func (r *RiskEngine) IsWithdrawAllowed(account common.Address, asset string, amount *big.Int) error {
	if r == nil {
		return errNotAuthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	market, err := r.state.Market(asset)
	if err != nil {
		return err
	}
	position, err := r.state.Position(account, asset)
	if err != nil {
		return err
	}
	if position == nil || redeemSupply(position.SupplyShares, market).Cmp(amount) < 0 {
		return errInsufficientShares
	}

	values, err := r.accountValuesLocked(account, nil)
	if err != nil {
		return err
	}
	if values.debtUSD.Sign() == 0 {
		return nil
	}
	removedUSD, err := r.valueOf(asset, amount, nil)
	if err != nil {
		return err
	}
	threshold := market.LiquidationThreshold
	if params := r.paramsFor(asset); params != nil && params.LiquidationThreshold != nil {
		threshold = params.LiquidationThreshold
	}
	values.weightedUSD.Sub(values.weightedUSD, wadMul(removedUSD, threshold))
	if values.weightedUSD.Sign() < 0 {
		values.weightedUSD.SetInt64(0)
	}
	hf, infinite := healthFactor(values)
	if !infinite && hf.Cmp(r.minBorrowHealth) < 0 {
		return errHealthTooLow
	}
	return nil
}

// ValidateSupplyCap rejects a deposit that would push the market past its
// supply cap.
func (r *RiskEngine) ValidateSupplyCap(asset string, amount *big.Int) error {
	if r == nil {
		return errNotAuthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	market, err := r.state.Market(asset)
	if err != nil {
		return err
	}
	cap := market.SupplyCap
	if params := r.paramsFor(asset); params != nil && params.SupplyCap != nil {
		cap = params.SupplyCap
	}
	if cap != nil && cap.Sign() > 0 {
		projected := new(big.Int).Add(market.TotalSupplyUnderlying, amount)
		if projected.Cmp(cap) > 0 {
			return errSupplyCapExceeded
		}
	}
	return nil
}

// IsLiquidationAllowed reports whether the account's health factor is below
// the protocol-wide trigger.
func (r *RiskEngine) IsLiquidationAllowed(account common.Address) (bool, error) {
	hf, infinite, err := r.CalculateHealthFactor(account)
	if err != nil {
		return false, err
	}
	if infinite {
		return false, nil
	}
	return hf.Cmp(liquidationTrigger()) < 0, nil
}

// RiskLevel buckets a health factor into bands 1 (safest) through 5
// (critical). An infinite health factor is level 1.
func RiskLevel(hf *big.Int, infinite bool) int {
	if infinite || hf == nil {
		return 1
	}
	level := 1
	for _, band := range riskLevelBands {
		if hf.Cmp(bpsMul(wad, band)) >= 0 {
			break
		}
		level++
	}
	if level > 5 {
		level = 5
	}
	return level
}

// RefreshSnapshot recomputes and caches the account's portfolio snapshot,
// keeps the at-risk registry current, and pushes to the risk sink.
func (r *RiskEngine) RefreshSnapshot(account common.Address, now int64) (*PortfolioSnapshot, error) {
	if r == nil {
		return nil, errNotAuthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	values, err := r.accountValuesLocked(account, nil)
	if err != nil {
		return nil, err
	}
	hf, infinite := healthFactor(values)
	snapshot := &PortfolioSnapshot{
		Account:            account,
		TotalCollateralUSD: values.collateralUSD,
		TotalBorrowUSD:     values.debtUSD,
		HealthFactor:       cloneBig(hf),
		Infinite:           infinite,
		IsLiquidatable:     !infinite && hf.Cmp(liquidationTrigger()) < 0,
		RiskLevel:          RiskLevel(hf, infinite),
		LastUpdate:         now,
	}
	r.snapshots[account] = snapshot

	if !infinite && hf.Cmp(atRiskBoundary()) < 0 {
		r.atRisk.Add(account)
	} else {
		r.atRisk.Remove(account)
	}

	if r.sink != nil {
		r.sink.UpdateUserRiskData(account, cloneBig(values.collateralUSD), cloneBig(values.debtUSD))
	}
	return snapshot, nil
}

// Snapshot returns the cached snapshot, or nil when the account has never
// been refreshed.
func (r *RiskEngine) Snapshot(account common.Address) *PortfolioSnapshot {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[account]
}

// AtRiskAccounts returns the registry membership.
func (r *RiskEngine) AtRiskAccounts() []common.Address {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.atRisk.All()
}

// SystemRisk summarises the tracked boundary accounts.
type SystemRisk struct {
	AccountsAtRisk  int
	AverageHealthBp *big.Int // mean health factor of at-risk accounts, 1e18
	Liquidatable    int
}

// SystemMetrics scans only the at-risk registry, keeping the aggregate cost
// proportional to the boundary population.
func (r *RiskEngine) SystemMetrics() (SystemRisk, error) {
	if r == nil {
		return SystemRisk{}, errNotAuthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := SystemRisk{AverageHealthBp: big.NewInt(0)}
	members := r.atRisk.All()
	out.AccountsAtRisk = len(members)
	if len(members) == 0 {
		return out, nil
	}
	sum := new(big.Int)
	for _, account := range members {
		values, err := r.accountValuesLocked(account, nil)
		if err != nil {
			return out, err
		}
		hf, infinite := healthFactor(values)
		if infinite {
			continue
		}
		sum.Add(sum, hf)
		if hf.Cmp(liquidationTrigger()) < 0 {
			out.Liquidatable++
		}
	}
	out.AverageHealthBp = sum.Quo(sum, big.NewInt(int64(len(members))))
	return out, nil
}

// redeemSupply converts supply shares to underlying, rounding down so the
// pool never over-credits a claim.
func redeemSupply(shares *big.Int, market *Market) *big.Int {
	if shares == nil || shares.Sign() == 0 || market.TotalSupplyShares.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDivDown(shares, market.TotalSupplyUnderlying, market.TotalSupplyShares)
}

// owedBorrow converts borrow shares to underlying owed, rounding up so debt
// is never understated.
func owedBorrow(shares *big.Int, market *Market) *big.Int {
	if shares == nil || shares.Sign() == 0 || market.TotalBorrowShares.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDivUp(shares, market.TotalBorrowUnderlying, market.TotalBorrowShares)
}
