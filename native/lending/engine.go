package lending

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "lendcore/native/common"
)

const moduleName = "lending"

// TokenBackend mirrors the derivative-token collaborators: a receipt token
// and a debt token per listed asset, plus movement of the underlying itself.
// Calls are atomic with the invoking operation; any failure aborts it.
type TokenBackend interface {
	MintReceipt(asset string, account common.Address, shares *big.Int) error
	BurnReceipt(asset string, account common.Address, shares *big.Int) error
	TransferReceipt(asset string, from, to common.Address, shares *big.Int) error
	MintDebt(asset string, account common.Address, shares *big.Int) error
	BurnDebt(asset string, account common.Address, shares *big.Int) error
	PullUnderlying(asset string, from common.Address, amount *big.Int) error
	PushUnderlying(asset string, to common.Address, amount *big.Int) error
}

// MetricsRecorder receives operation events and aggregate gauges. The
// prometheus implementation lives in observability/metrics.
type MetricsRecorder interface {
	OperationCommitted(op, asset string)
	LiquidationExecuted(volumeUSD float64)
	SetAggregates(tvlUSD, borrowedUSD float64, accountsAtRisk int)
}

// ActionPauses exposes per-flow switches beneath the global pause.
type ActionPauses struct {
	Supply    bool
	Withdraw  bool
	Borrow    bool
	Repay     bool
	Liquidate bool
}

// Engine owns the share ledger and orchestrates accrual, validation and
// mutation for every user operation. All state-changing entry points
// serialize on one mutex: each commits fully or rejects before any mutation,
// matching the sequential execution model of the reference environment.
type Engine struct {
	mu     sync.Mutex
	state  State
	rates  *InterestRateEngine
	risk   *RiskEngine
	liq    *LiquidationEngine
	tokens TokenBackend
	oracle PriceFeed

	pauses       nativecommon.PauseView
	actionPauses ActionPauses

	metrics MetricsRecorder
	log     *slog.Logger
	now     func() time.Time

	aggregates ProtocolMetrics
}

// NewEngine wires the ledger over its collaborators. The liquidation engine
// attaches afterwards via SetLiquidation because it needs the ledger in turn.
func NewEngine(state State, rates *InterestRateEngine, risk *RiskEngine, tokens TokenBackend, oracle PriceFeed) *Engine {
	engine := &Engine{
		state:  state,
		rates:  rates,
		risk:   risk,
		tokens: tokens,
		oracle: oracle,
		now:    time.Now,
		aggregates: ProtocolMetrics{
			TotalValueLockedUSD: big.NewInt(0),
			TotalBorrowedUSD:    big.NewInt(0),
			WeightedSupplyAPY:   big.NewInt(0),
			WeightedBorrowAPY:   big.NewInt(0),
		},
	}
	if rates != nil {
		rates.SetUtilisationSource(func(asset string) (*big.Int, bool) {
			market, err := state.Market(asset)
			if err != nil {
				return nil, false
			}
			return Utilisation(market.TotalBorrowUnderlying, market.TotalSupplyUnderlying), true
		})
	}
	return engine
}

// SetPauses wires the global pause view checked at every entry point.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetLiquidation attaches the liquidation engine.
func (e *Engine) SetLiquidation(liq *LiquidationEngine) {
	if e == nil {
		return
	}
	e.liq = liq
}

// SetMetrics wires the metrics recorder.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	if e == nil {
		return
	}
	e.metrics = m
}

// SetLogger wires structured logging for non-fatal side effects.
func (e *Engine) SetLogger(log *slog.Logger) {
	if e == nil {
		return
	}
	e.log = log
}

// SetClock overrides the time source, primarily for tests.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// SetActionPauses replaces the per-flow pause switches. Admin capability is
// checked before anything else.
func (e *Engine) SetActionPauses(capability Capability, pauses ActionPauses) error {
	if !capability.Has(CapabilityAdmin) {
		return errNotAuthorized
	}
	e.mu.Lock()
	e.actionPauses = pauses
	e.mu.Unlock()
	return nil
}

// ListMarket registers a market. Admin capability required.
func (e *Engine) ListMarket(capability Capability, market *Market) error {
	if !capability.Has(CapabilityAdmin) {
		return errNotAuthorized
	}
	if market == nil {
		return errMarketNotListed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	market.LastAccrualTime = e.now().Unix()
	return e.state.PutMarket(market)
}

// WithdrawReserves moves accrued protocol reserves out of a market. Admin
// capability required.
func (e *Engine) WithdrawReserves(capability Capability, asset string, to common.Address, amount *big.Int) error {
	if !capability.Has(CapabilityAdmin) {
		return errNotAuthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	market, err := e.state.Market(asset)
	if err != nil {
		return err
	}
	if market.Reserves.Cmp(amount) < 0 {
		return errInsufficientLiquid
	}
	if err := e.tokens.PushUnderlying(market.Asset, to, amount); err != nil {
		return err
	}
	market.Reserves = new(big.Int).Sub(market.Reserves, amount)
	return e.state.PutMarket(market)
}

func (e *Engine) guard(action string) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	paused := false
	switch action {
	case "supply":
		paused = e.actionPauses.Supply
	case "withdraw":
		paused = e.actionPauses.Withdraw
	case "borrow":
		paused = e.actionPauses.Borrow
	case "repay":
		paused = e.actionPauses.Repay
	case "liquidate":
		paused = e.actionPauses.Liquidate
	}
	if paused {
		return nativecommon.ErrModulePaused
	}
	return nil
}

// openMarket validates the market is usable for the operation and accrues it
// up to now. Frozen markets still allow repay and liquidation. The accrued
// market is persisted immediately so validation that reads through state sees
// current totals; accrual is always a valid commit on its own.
func (e *Engine) openMarket(asset string, allowFrozen bool, now int64) (*Market, error) {
	market, err := e.state.Market(asset)
	if err != nil {
		return nil, err
	}
	if !market.IsActive {
		return nil, errMarketInactive
	}
	if market.IsFrozen && !allowFrozen {
		return nil, errMarketFrozen
	}
	e.accrueLocked(market, now)
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	return market, nil
}

// unwind reverses an already-applied token movement after a later call in the
// same operation failed. Failure here cannot be rolled back further, only
// reported.
func (e *Engine) unwind(op string, fn func() error) {
	if err := fn(); err != nil && e.log != nil {
		e.log.Error("token compensation failed", "op", op, "err", err)
	}
}

// accrueLocked compounds the market and tolerates a missing price for the
// size-tier input; the tier layer simply sees a zero market size then.
func (e *Engine) accrueLocked(market *Market, now int64) {
	var sizeUSD *big.Int
	if usd, err := e.oracle.GetAssetValue(market.Asset, market.TotalSupplyUnderlying); err == nil {
		sizeUSD = usd
	}
	e.rates.Accrue(market, now, sizeUSD)
}

// Supply deposits amount of asset for the account and mints receipt shares.
// The minted share count is returned.
func (e *Engine) Supply(account common.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errMarketNotListed
	}
	if err := e.guard("supply"); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().Unix()

	market, err := e.openMarket(asset, false, now)
	if err != nil {
		return nil, err
	}
	if err := e.risk.ValidateSupplyCap(market.Asset, amount); err != nil {
		return nil, err
	}

	// First depositor bootstraps 1:1; afterwards shares round down so the
	// rounding remainder stays with the pool.
	var shares *big.Int
	if market.TotalSupplyShares.Sign() == 0 {
		shares = cloneBig(amount)
	} else {
		shares = mulDivDown(amount, market.TotalSupplyShares, market.TotalSupplyUnderlying)
	}
	if shares.Sign() == 0 {
		return nil, errInvalidAmount
	}

	position, err := e.positionFor(account, market.Asset)
	if err != nil {
		return nil, err
	}

	// All token movement happens before any ledger mutation; a failure after
	// the pull returns the funds and leaves the ledger untouched.
	if err := e.tokens.PullUnderlying(market.Asset, account, amount); err != nil {
		return nil, err
	}
	if err := e.tokens.MintReceipt(market.Asset, account, shares); err != nil {
		e.unwind("supply", func() error { return e.tokens.PushUnderlying(market.Asset, account, amount) })
		return nil, err
	}

	position.SupplyShares = new(big.Int).Add(position.SupplyShares, shares)
	market.TotalSupplyUnderlying = new(big.Int).Add(market.TotalSupplyUnderlying, amount)
	market.TotalSupplyShares = new(big.Int).Add(market.TotalSupplyShares, shares)
	if err := e.commit(market, position); err != nil {
		return nil, err
	}
	e.afterCommit("supply", market.Asset, now, account)
	return shares, nil
}

// Withdraw redeems amount of underlying by burning the matching receipt
// shares, which round up against the caller.
func (e *Engine) Withdraw(account common.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errMarketNotListed
	}
	if err := e.guard("withdraw"); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().Unix()

	market, err := e.openMarket(asset, false, now)
	if err != nil {
		return nil, err
	}
	if err := e.risk.IsWithdrawAllowed(account, market.Asset, amount); err != nil {
		return nil, err
	}
	liquidity := new(big.Int).Sub(market.TotalSupplyUnderlying, market.TotalBorrowUnderlying)
	if liquidity.Cmp(amount) < 0 {
		return nil, errInsufficientLiquid
	}

	position, err := e.positionFor(account, market.Asset)
	if err != nil {
		return nil, err
	}
	shares := mulDivUp(amount, market.TotalSupplyShares, market.TotalSupplyUnderlying)
	if shares.Cmp(position.SupplyShares) > 0 {
		shares = cloneBig(position.SupplyShares)
	}
	if shares.Sign() == 0 {
		return nil, errInsufficientShares
	}

	if err := e.tokens.BurnReceipt(market.Asset, account, shares); err != nil {
		return nil, err
	}
	if err := e.tokens.PushUnderlying(market.Asset, account, amount); err != nil {
		e.unwind("withdraw", func() error { return e.tokens.MintReceipt(market.Asset, account, shares) })
		return nil, err
	}

	position.SupplyShares = new(big.Int).Sub(position.SupplyShares, shares)
	market.TotalSupplyShares = new(big.Int).Sub(market.TotalSupplyShares, shares)
	market.TotalSupplyUnderlying = new(big.Int).Sub(market.TotalSupplyUnderlying, amount)

	if err := e.commit(market, position); err != nil {
		return nil, err
	}
	e.afterCommit("withdraw", market.Asset, now, account)
	return shares, nil
}

// Borrow draws amount of asset against the account's collateral. Debt shares
// round up so debt is never understated.
func (e *Engine) Borrow(account common.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errMarketNotListed
	}
	if err := e.guard("borrow"); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().Unix()

	market, err := e.openMarket(asset, false, now)
	if err != nil {
		return nil, err
	}
	if err := e.risk.IsBorrowAllowed(account, market.Asset, amount); err != nil {
		return nil, err
	}
	liquidity := new(big.Int).Sub(market.TotalSupplyUnderlying, market.TotalBorrowUnderlying)
	if liquidity.Cmp(amount) < 0 {
		return nil, errInsufficientLiquid
	}

	var shares *big.Int
	if market.TotalBorrowShares.Sign() == 0 {
		shares = cloneBig(amount)
	} else {
		shares = mulDivUp(amount, market.TotalBorrowShares, market.TotalBorrowUnderlying)
	}

	position, err := e.positionFor(account, market.Asset)
	if err != nil {
		return nil, err
	}

	if err := e.tokens.PushUnderlying(market.Asset, account, amount); err != nil {
		return nil, err
	}
	if err := e.tokens.MintDebt(market.Asset, account, shares); err != nil {
		e.unwind("borrow", func() error { return e.tokens.PullUnderlying(market.Asset, account, amount) })
		return nil, err
	}

	position.BorrowShares = new(big.Int).Add(position.BorrowShares, shares)
	market.TotalBorrowUnderlying = new(big.Int).Add(market.TotalBorrowUnderlying, amount)
	market.TotalBorrowShares = new(big.Int).Add(market.TotalBorrowShares, shares)
	if err := e.commit(market, position); err != nil {
		return nil, err
	}
	e.afterCommit("borrow", market.Asset, now, account)
	return shares, nil
}

// Repay settles up to amount of the account's outstanding debt, clamped to
// what is actually owed. For native-asset markets the surplus of an
// overpayment is refunded; for token markets only the clamped amount is
// pulled. The settled amount is returned.
func (e *Engine) Repay(account common.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errMarketNotListed
	}
	if err := e.guard("repay"); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().Unix()

	market, err := e.openMarket(asset, true, now)
	if err != nil {
		return nil, err
	}
	position, err := e.positionFor(account, market.Asset)
	if err != nil {
		return nil, err
	}
	owed := owedBorrow(position.BorrowShares, market)
	if owed.Sign() == 0 {
		return nil, errNoDebtToRepay
	}
	paid := minBig(amount, owed)

	// Full settlement clears the share balance exactly; partial repayments
	// round the cancelled shares down so residual debt is never understated.
	var shares *big.Int
	if paid.Cmp(owed) == 0 {
		shares = cloneBig(position.BorrowShares)
	} else {
		shares = mulDivDown(paid, market.TotalBorrowShares, market.TotalBorrowUnderlying)
	}

	// A native transfer delivers the caller's full amount, so the pull takes
	// all of it and the surplus goes back explicitly. Token markets pull only
	// the clamped amount.
	pull := paid
	if market.Native {
		pull = cloneBig(amount)
	}
	if err := e.tokens.PullUnderlying(market.Asset, account, pull); err != nil {
		return nil, err
	}
	if refund := new(big.Int).Sub(pull, paid); refund.Sign() > 0 {
		if err := e.tokens.PushUnderlying(market.Asset, account, refund); err != nil {
			e.unwind("repay", func() error { return e.tokens.PushUnderlying(market.Asset, account, pull) })
			return nil, err
		}
	}
	if err := e.tokens.BurnDebt(market.Asset, account, shares); err != nil {
		e.unwind("repay", func() error { return e.tokens.PushUnderlying(market.Asset, account, paid) })
		return nil, err
	}

	position.BorrowShares = new(big.Int).Sub(position.BorrowShares, shares)
	market.TotalBorrowShares = new(big.Int).Sub(market.TotalBorrowShares, shares)
	market.TotalBorrowUnderlying = new(big.Int).Sub(market.TotalBorrowUnderlying, paid)
	if market.TotalBorrowUnderlying.Sign() < 0 {
		market.TotalBorrowUnderlying.SetInt64(0)
	}

	if err := e.commit(market, position); err != nil {
		return nil, err
	}
	e.afterCommit("repay", market.Asset, now, account)
	return paid, nil
}

// AccrueAll compounds every listed market, for periodic keeper callers.
func (e *Engine) AccrueAll() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().Unix()
	for _, asset := range e.state.MarketAssets() {
		market, err := e.state.Market(asset)
		if err != nil {
			continue
		}
		e.accrueLocked(market, now)
		if err := e.state.PutMarket(market); err != nil && e.log != nil {
			e.log.Warn("accrual persist failed", "asset", asset, "err", err)
		}
	}
	e.refreshAggregatesLocked(now)
}

// RefreshAccounts recomputes snapshots for the given accounts, for keepers.
func (e *Engine) RefreshAccounts(accounts []common.Address) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().Unix()
	for _, account := range accounts {
		e.refreshAccountLocked(account, now)
	}
}

// Metrics returns the last aggregate refresh.
func (e *Engine) Metrics() ProtocolMetrics {
	if e == nil {
		return ProtocolMetrics{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.aggregates
	out.TotalValueLockedUSD = cloneBig(e.aggregates.TotalValueLockedUSD)
	out.TotalBorrowedUSD = cloneBig(e.aggregates.TotalBorrowedUSD)
	out.WeightedSupplyAPY = cloneBig(e.aggregates.WeightedSupplyAPY)
	out.WeightedBorrowAPY = cloneBig(e.aggregates.WeightedBorrowAPY)
	return out
}

func (e *Engine) positionFor(account common.Address, asset string) (*AccountPosition, error) {
	position, err := e.state.Position(account, asset)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = &AccountPosition{Account: account, Asset: asset}
		ensurePositionDefaults(position)
	}
	return position, nil
}

func (e *Engine) commit(market *Market, positions ...*AccountPosition) error {
	if err := e.state.PutMarket(market); err != nil {
		return err
	}
	for _, position := range positions {
		if position == nil {
			continue
		}
		if err := e.state.PutPosition(position); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) afterCommit(op, asset string, now int64, accounts ...common.Address) {
	for _, account := range accounts {
		e.refreshAccountLocked(account, now)
	}
	e.refreshAggregatesLocked(now)
	if e.metrics != nil {
		e.metrics.OperationCommitted(op, asset)
	}
}

func (e *Engine) refreshAccountLocked(account common.Address, now int64) {
	snapshot, err := e.risk.RefreshSnapshot(account, now)
	if err != nil {
		if e.log != nil {
			e.log.Warn("snapshot refresh failed", "account", account.Hex(), "err", err)
		}
		return
	}
	if e.liq != nil {
		e.liq.ObserveSnapshot(snapshot)
	}
}

// refreshAggregatesLocked recomputes TVL, utilisation and weighted APYs after
// every commit so the cached view never lags the ledger.
func (e *Engine) refreshAggregatesLocked(now int64) {
	tvl := new(big.Int)
	borrowed := new(big.Int)
	weightedSupply := new(big.Int)
	weightedBorrow := new(big.Int)
	for _, asset := range e.state.MarketAssets() {
		market, err := e.state.Market(asset)
		if err != nil || !market.IsActive {
			continue
		}
		supplyUSD, err := e.oracle.GetAssetValue(asset, market.TotalSupplyUnderlying)
		if err != nil {
			if e.log != nil {
				e.log.Warn("aggregate refresh skipped market", "asset", asset, "err", err)
			}
			continue
		}
		borrowUSD, err := e.oracle.GetAssetValue(asset, market.TotalBorrowUnderlying)
		if err != nil {
			continue
		}
		tvl.Add(tvl, supplyUSD)
		borrowed.Add(borrowed, borrowUSD)

		utilisation := Utilisation(market.TotalBorrowUnderlying, market.TotalSupplyUnderlying)
		borrowRate, supplyRate := e.rates.QuoteRates(asset, utilisation, market.ReserveFactorBps, supplyUSD)
		weightedSupply.Add(weightedSupply, wadMul(supplyRate, supplyUSD))
		weightedBorrow.Add(weightedBorrow, wadMul(borrowRate, borrowUSD))
	}
	if tvl.Sign() > 0 {
		weightedSupply = wadDiv(weightedSupply, tvl)
	}
	if borrowed.Sign() > 0 {
		weightedBorrow = wadDiv(weightedBorrow, borrowed)
	}
	atRisk := len(e.risk.AtRiskAccounts())
	e.aggregates = ProtocolMetrics{
		TotalValueLockedUSD: tvl,
		TotalBorrowedUSD:    borrowed,
		WeightedSupplyAPY:   weightedSupply,
		WeightedBorrowAPY:   weightedBorrow,
		AccountsAtRisk:      atRisk,
		LastUpdate:          now,
	}
	if e.metrics != nil {
		e.metrics.SetAggregates(usdDecimal(tvl).InexactFloat64(), usdDecimal(borrowed).InexactFloat64(), atRisk)
	}
}
