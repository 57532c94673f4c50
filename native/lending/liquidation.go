package lending

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// LiquidationConfig is the admin-owned policy for the liquidation engine.
// Liquidation itself is open to any caller; the keeper model is
// permissionless.
type LiquidationConfig struct {
	// MinDebtUSD rejects dust liquidations, 1e18 USD.
	MinDebtUSD *big.Int
	// MaxRatio caps a single liquidation at this 1e18 fraction of the
	// target's total debt value.
	MaxRatio *big.Int
	// ProtocolFeeRate is the 1e18 slice of the bonus retained by the
	// protocol.
	ProtocolFeeRate *big.Int
	// EmergencyMode replaces per-market bonuses with EmergencyBonus and is
	// gated by KillSwitch independently of the module pause.
	EmergencyMode  bool
	EmergencyBonus *big.Int
	KillSwitch     bool
	// Micro-liquidation: positions with health inside [MicroBandFloor, 1.0)
	// may be partially liquidated back up to MicroTargetHealth, bounded by
	// MicroMaxUSD per call.
	MicroTargetHealth *big.Int
	MicroBandFloor    *big.Int
	MicroMaxUSD       *big.Int
}

// Clone returns a deep copy of the config.
func (c LiquidationConfig) Clone() LiquidationConfig {
	return LiquidationConfig{
		MinDebtUSD:        cloneBigNil(c.MinDebtUSD),
		MaxRatio:          cloneBigNil(c.MaxRatio),
		ProtocolFeeRate:   cloneBigNil(c.ProtocolFeeRate),
		EmergencyMode:     c.EmergencyMode,
		EmergencyBonus:    cloneBigNil(c.EmergencyBonus),
		KillSwitch:        c.KillSwitch,
		MicroTargetHealth: cloneBigNil(c.MicroTargetHealth),
		MicroBandFloor:    cloneBigNil(c.MicroBandFloor),
		MicroMaxUSD:       cloneBigNil(c.MicroMaxUSD),
	}
}

// LiquidationAmounts breaks a priced liquidation into its parts, all
// collateral figures in collateral-asset units.
type LiquidationAmounts struct {
	DebtValueUSD       *big.Int
	CollateralValueUSD *big.Int
	// CollateralAmount is the total seized from the target, bonus included.
	CollateralAmount *big.Int
	Bonus            *big.Int
	ProtocolFee      *big.Int
	NetBonus         *big.Int
	// LiquidatorAmount is what the liquidator actually receives:
	// CollateralAmount less the protocol fee.
	LiquidatorAmount *big.Int
}

// LiquidationRecord is one executed liquidation, retained for keepers and
// audit trails.
type LiquidationRecord struct {
	ID               uuid.UUID
	Account          common.Address
	Liquidator       common.Address
	DebtAsset        string
	CollateralAsset  string
	DebtAmount       *big.Int
	CollateralAmount *big.Int
	VolumeUSD        *big.Int
	Micro            bool
	Timestamp        int64
}

// LiquidationStats tracks running totals plus a rolling 24h window that
// rolls over lazily at liquidation time.
type LiquidationStats struct {
	TotalCount      uint64
	TotalVolumeUSD  *big.Int
	WindowStart     int64
	WindowCount     uint64
	WindowVolumeUSD *big.Int
}

// LiquidatablePosition is the keeper-facing registry row.
type LiquidatablePosition struct {
	Account      common.Address
	HealthFactor *big.Int
	TotalDebtUSD *big.Int
}

type liquidatableEntry struct {
	healthFactor *big.Int
	debtUSD      *big.Int
}

const statsWindowSeconds = 24 * 3600
const recentRecordCap = 256

// LiquidationEngine validates and prices liquidations and tracks the
// liquidatable-position registry and execution statistics. Mutation of
// ledger state stays with the ledger engine.
type LiquidationEngine struct {
	mu     sync.Mutex
	state  State
	risk   *RiskEngine
	oracle PriceFeed
	cfg    LiquidationConfig

	positions *accountSet
	entries   map[common.Address]liquidatableEntry

	stats   LiquidationStats
	records []LiquidationRecord
}

// NewLiquidationEngine constructs the engine with sane policy defaults where
// the config leaves fields nil.
func NewLiquidationEngine(state State, risk *RiskEngine, oracle PriceFeed, cfg LiquidationConfig) *LiquidationEngine {
	return &LiquidationEngine{
		state:     state,
		risk:      risk,
		oracle:    oracle,
		cfg:       withPolicyDefaults(cfg),
		positions: newAccountSet(),
		entries:   make(map[common.Address]liquidatableEntry),
		stats:     LiquidationStats{TotalVolumeUSD: big.NewInt(0), WindowVolumeUSD: big.NewInt(0)},
	}
}

// withPolicyDefaults deep-copies the config and fills the fields the pricing
// path requires. MinDebtUSD and MicroMaxUSD stay nil when unset: no floor, no
// cap.
func withPolicyDefaults(cfg LiquidationConfig) LiquidationConfig {
	cloned := cfg.Clone()
	if cloned.MaxRatio == nil || cloned.MaxRatio.Sign() == 0 {
		cloned.MaxRatio = bpsMul(wad, 5_000)
	}
	if cloned.ProtocolFeeRate == nil {
		cloned.ProtocolFeeRate = bpsMul(wad, 100)
	}
	if cloned.MicroTargetHealth == nil || cloned.MicroTargetHealth.Sign() == 0 {
		cloned.MicroTargetHealth = bpsMul(wad, 10_100)
	}
	if cloned.MicroBandFloor == nil || cloned.MicroBandFloor.Sign() == 0 {
		cloned.MicroBandFloor = bpsMul(wad, 9_500)
	}
	return cloned
}

// SetConfig replaces the policy. Admin capability required.
func (l *LiquidationEngine) SetConfig(capability Capability, cfg LiquidationConfig) error {
	if !capability.Has(CapabilityAdmin) {
		return errNotAuthorized
	}
	l.mu.Lock()
	l.cfg = withPolicyDefaults(cfg)
	l.mu.Unlock()
	return nil
}

// Config returns a copy of the active policy.
func (l *LiquidationEngine) Config() LiquidationConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Clone()
}

// ValidateLiquidation checks the target is liquidatable and the requested
// size is inside policy bounds. State stays untouched.
func (l *LiquidationEngine) ValidateLiquidation(account common.Address, debtAsset string, debtAmount *big.Int, collateralAsset string) error {
	if l == nil {
		return errNotLiquidatable
	}
	cfg := l.Config()
	if cfg.KillSwitch {
		return errLiquidationHalted
	}
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return errInvalidAmount
	}

	debtMarket, err := l.state.Market(debtAsset)
	if err != nil {
		return err
	}
	if !debtMarket.IsActive {
		return errLiquidationDisabled
	}
	collateralMarket, err := l.state.Market(collateralAsset)
	if err != nil {
		return err
	}
	if !cfg.EmergencyMode && (collateralMarket.LiquidationBonus == nil || collateralMarket.LiquidationBonus.Sign() == 0) {
		return errLiquidationDisabled
	}

	liquidatable, err := l.risk.IsLiquidationAllowed(account)
	if err != nil {
		return err
	}
	if !liquidatable {
		return errNotLiquidatable
	}

	debtValueUSD, err := l.oracle.GetAssetValue(debtAsset, debtAmount)
	if err != nil {
		return err
	}
	if cfg.MinDebtUSD != nil && cfg.MinDebtUSD.Sign() > 0 && debtValueUSD.Cmp(cfg.MinDebtUSD) < 0 {
		return errLiquidationTooSmall
	}
	snapshot := l.risk.Snapshot(account)
	totalDebtUSD := big.NewInt(0)
	if snapshot != nil {
		totalDebtUSD = snapshot.TotalBorrowUSD
	}
	if totalDebtUSD.Sign() > 0 {
		maxUSD := wadMul(totalDebtUSD, cfg.MaxRatio)
		if debtValueUSD.Cmp(maxUSD) > 0 {
			return errLiquidationTooLarge
		}
	}
	return nil
}

// CalculateLiquidationAmounts prices a liquidation of debtAmount against the
// collateral asset, using the collateral market's bonus or the emergency
// bonus when emergency mode is engaged.
func (l *LiquidationEngine) CalculateLiquidationAmounts(debtAsset string, debtAmount *big.Int, collateralAsset string) (LiquidationAmounts, error) {
	out := LiquidationAmounts{}
	if l == nil {
		return out, errNotLiquidatable
	}
	cfg := l.Config()

	collateralMarket, err := l.state.Market(collateralAsset)
	if err != nil {
		return out, err
	}
	bonusRate := collateralMarket.LiquidationBonus
	if cfg.EmergencyMode {
		bonusRate = cfg.EmergencyBonus
	}
	if bonusRate == nil {
		bonusRate = big.NewInt(0)
	}

	debtPrice, err := l.oracle.GetPrice(debtAsset)
	if err != nil {
		return out, err
	}
	collateralPrice, err := l.oracle.GetPrice(collateralAsset)
	if err != nil {
		return out, err
	}
	if collateralPrice.Sign() == 0 {
		return out, errPriceInvalid
	}

	out.DebtValueUSD = wadMul(debtAmount, debtPrice)
	out.CollateralValueUSD = wadMul(out.DebtValueUSD, new(big.Int).Add(wad, bonusRate))
	out.CollateralAmount = wadDiv(out.CollateralValueUSD, collateralPrice)
	out.Bonus = wadDiv(wadMul(out.DebtValueUSD, bonusRate), collateralPrice)
	out.ProtocolFee = wadMul(out.Bonus, cfg.ProtocolFeeRate)
	out.NetBonus = new(big.Int).Sub(out.Bonus, out.ProtocolFee)
	out.LiquidatorAmount = new(big.Int).Sub(out.CollateralAmount, out.ProtocolFee)
	return out, nil
}

// CalculateOptimalLiquidation sizes a micro-liquidation: the smallest debt
// repayment restoring the target just above the micro band, bounded by the
// policy's USD cap and the caller's maxDebtAmount. Zero means the account is
// outside the micro band.
func (l *LiquidationEngine) CalculateOptimalLiquidation(account common.Address, debtAsset string, maxDebtAmount *big.Int) (*big.Int, error) {
	if l == nil {
		return big.NewInt(0), errNotLiquidatable
	}
	cfg := l.Config()

	hf, infinite, err := l.risk.CalculateHealthFactor(account)
	if err != nil {
		return nil, err
	}
	if infinite || hf.Cmp(liquidationTrigger()) >= 0 || hf.Cmp(cfg.MicroBandFloor) < 0 {
		return big.NewInt(0), nil
	}

	l.risk.mu.Lock()
	values, err := l.risk.accountValuesLocked(account, nil)
	l.risk.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// requiredDebtReduction = totalDebt - weightedCollateral/targetHF, all
	// in USD terms.
	sustainable := wadDiv(values.weightedUSD, cfg.MicroTargetHealth)
	requiredUSD := new(big.Int).Sub(values.debtUSD, sustainable)
	if requiredUSD.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	if cfg.MicroMaxUSD != nil && cfg.MicroMaxUSD.Sign() > 0 && requiredUSD.Cmp(cfg.MicroMaxUSD) > 0 {
		requiredUSD = cloneBig(cfg.MicroMaxUSD)
	}

	debtPrice, err := l.oracle.GetPrice(debtAsset)
	if err != nil {
		return nil, err
	}
	if debtPrice.Sign() == 0 {
		return nil, errPriceInvalid
	}
	required := wadDiv(requiredUSD, debtPrice)
	if maxDebtAmount != nil && maxDebtAmount.Sign() > 0 {
		required = minBig(required, maxDebtAmount)
	}
	return required, nil
}

// ObserveSnapshot keeps the liquidatable registry aligned with the risk
// engine's snapshots.
func (l *LiquidationEngine) ObserveSnapshot(snapshot *PortfolioSnapshot) {
	if l == nil || snapshot == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if snapshot.IsLiquidatable {
		l.positions.Add(snapshot.Account)
		l.entries[snapshot.Account] = liquidatableEntry{
			healthFactor: cloneBig(snapshot.HealthFactor),
			debtUSD:      cloneBig(snapshot.TotalBorrowUSD),
		}
		return
	}
	l.positions.Remove(snapshot.Account)
	delete(l.entries, snapshot.Account)
}

// LiquidatablePositions pages the currently liquidatable accounts for
// keeper consumption.
func (l *LiquidationEngine) LiquidatablePositions(offset, limit int) []LiquidatablePosition {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts := l.positions.Page(offset, limit)
	out := make([]LiquidatablePosition, 0, len(accounts))
	for _, account := range accounts {
		entry := l.entries[account]
		out = append(out, LiquidatablePosition{
			Account:      account,
			HealthFactor: cloneBig(entry.healthFactor),
			TotalDebtUSD: cloneBig(entry.debtUSD),
		})
	}
	return out
}

// Stats returns a copy of the running statistics.
func (l *LiquidationEngine) Stats() LiquidationStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.stats
	out.TotalVolumeUSD = cloneBig(l.stats.TotalVolumeUSD)
	out.WindowVolumeUSD = cloneBig(l.stats.WindowVolumeUSD)
	return out
}

// RecentRecords returns up to n most recent executions, newest first.
func (l *LiquidationEngine) RecentRecords(n int) []LiquidationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	out := make([]LiquidationRecord, 0, n)
	for i := len(l.records) - 1; i >= len(l.records)-n; i-- {
		out = append(out, l.records[i])
	}
	return out
}

func (l *LiquidationEngine) record(rec LiquidationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.Timestamp-l.stats.WindowStart >= statsWindowSeconds {
		l.stats.WindowStart = rec.Timestamp
		l.stats.WindowCount = 0
		l.stats.WindowVolumeUSD = big.NewInt(0)
	}
	l.stats.TotalCount++
	l.stats.TotalVolumeUSD = new(big.Int).Add(l.stats.TotalVolumeUSD, rec.VolumeUSD)
	l.stats.WindowCount++
	l.stats.WindowVolumeUSD = new(big.Int).Add(l.stats.WindowVolumeUSD, rec.VolumeUSD)
	l.records = append(l.records, rec)
	if len(l.records) > recentRecordCap {
		l.records = l.records[len(l.records)-recentRecordCap:]
	}
}

// Liquidate repays debtAmount of the target's debt from the liquidator and
// seizes priced collateral plus bonus. Open to any caller; a losing
// concurrent attempt fails re-validation against the updated state.
func (e *Engine) Liquidate(liquidator, account common.Address, debtAsset string, debtAmount *big.Int, collateralAsset string) (LiquidationAmounts, error) {
	if e == nil || e.liq == nil {
		return LiquidationAmounts{}, errNotLiquidatable
	}
	if err := e.guard("liquidate"); err != nil {
		return LiquidationAmounts{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidateLocked(liquidator, account, debtAsset, debtAmount, collateralAsset, false)
}

// MicroLiquidate performs a bounded partial liquidation sized by
// CalculateOptimalLiquidation. It shares the application path with Liquidate
// rather than re-entering it.
func (e *Engine) MicroLiquidate(liquidator, account common.Address, debtAsset string, maxDebtAmount *big.Int, collateralAsset string) (LiquidationAmounts, error) {
	if e == nil || e.liq == nil {
		return LiquidationAmounts{}, errNotLiquidatable
	}
	if err := e.guard("liquidate"); err != nil {
		return LiquidationAmounts{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	amount, err := e.liq.CalculateOptimalLiquidation(account, debtAsset, maxDebtAmount)
	if err != nil {
		return LiquidationAmounts{}, err
	}
	if amount.Sign() == 0 {
		return LiquidationAmounts{}, errNotLiquidatable
	}
	return e.liquidateLocked(liquidator, account, debtAsset, amount, collateralAsset, true)
}

func (e *Engine) liquidateLocked(liquidator, account common.Address, debtAsset string, debtAmount *big.Int, collateralAsset string, micro bool) (LiquidationAmounts, error) {
	none := LiquidationAmounts{}
	now := e.now().Unix()

	debtMarket, err := e.openMarket(debtAsset, true, now)
	if err != nil {
		return none, err
	}
	collateralMarket, err := e.openMarket(collateralAsset, true, now)
	if err != nil {
		return none, err
	}
	// Same-asset liquidations mutate one market, not two detached copies.
	if collateralMarket.Asset == debtMarket.Asset {
		collateralMarket = debtMarket
	}

	// Snapshot must be current before the ratio check re-reads it.
	if _, err := e.risk.RefreshSnapshot(account, now); err != nil {
		return none, err
	}
	if err := e.liq.ValidateLiquidation(account, debtMarket.Asset, debtAmount, collateralMarket.Asset); err != nil {
		return none, err
	}
	amounts, err := e.liq.CalculateLiquidationAmounts(debtMarket.Asset, debtAmount, collateralMarket.Asset)
	if err != nil {
		return none, err
	}

	debtPosition, err := e.positionFor(account, debtMarket.Asset)
	if err != nil {
		return none, err
	}
	owed := owedBorrow(debtPosition.BorrowShares, debtMarket)
	if owed.Sign() == 0 {
		return none, errNoDebtToRepay
	}
	if debtAmount.Cmp(owed) > 0 {
		return none, errLiquidationTooLarge
	}

	collateralPosition, err := e.positionFor(account, collateralMarket.Asset)
	if err != nil {
		return none, err
	}
	if collateralMarket.Asset == debtMarket.Asset {
		collateralPosition = debtPosition
	}
	if redeemSupply(collateralPosition.SupplyShares, collateralMarket).Cmp(amounts.CollateralAmount) < 0 {
		return none, errInsufficientShares
	}
	liquidatorPosition, err := e.positionFor(liquidator, collateralMarket.Asset)
	if err != nil {
		return none, err
	}

	// All share amounts derive from the pre-liquidation totals.
	var debtShares *big.Int
	if debtAmount.Cmp(owed) == 0 {
		debtShares = cloneBig(debtPosition.BorrowShares)
	} else {
		debtShares = mulDivDown(debtAmount, debtMarket.TotalBorrowShares, debtMarket.TotalBorrowUnderlying)
	}
	seizeShares := mulDivUp(amounts.CollateralAmount, collateralMarket.TotalSupplyShares, collateralMarket.TotalSupplyUnderlying)
	if seizeShares.Cmp(collateralPosition.SupplyShares) > 0 {
		seizeShares = cloneBig(collateralPosition.SupplyShares)
	}
	feeShares := mulDivDown(amounts.ProtocolFee, collateralMarket.TotalSupplyShares, collateralMarket.TotalSupplyUnderlying)
	if feeShares.Cmp(seizeShares) > 0 {
		feeShares = cloneBig(seizeShares)
	}
	liquidatorShares := new(big.Int).Sub(seizeShares, feeShares)

	// Token movement precedes every ledger mutation. A failure mid-sequence
	// reverses the applied calls and leaves the ledger untouched.
	var undo []func() error
	fail := func(cause error) (LiquidationAmounts, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			e.unwind("liquidate", undo[i])
		}
		return none, cause
	}
	if err := e.tokens.PullUnderlying(debtMarket.Asset, liquidator, debtAmount); err != nil {
		return none, err
	}
	undo = append(undo, func() error { return e.tokens.PushUnderlying(debtMarket.Asset, liquidator, debtAmount) })
	if err := e.tokens.BurnDebt(debtMarket.Asset, account, debtShares); err != nil {
		return fail(err)
	}
	undo = append(undo, func() error { return e.tokens.MintDebt(debtMarket.Asset, account, debtShares) })
	if err := e.tokens.TransferReceipt(collateralMarket.Asset, account, liquidator, liquidatorShares); err != nil {
		return fail(err)
	}
	undo = append(undo, func() error {
		return e.tokens.TransferReceipt(collateralMarket.Asset, liquidator, account, liquidatorShares)
	})
	if feeShares.Sign() > 0 {
		if err := e.tokens.BurnReceipt(collateralMarket.Asset, account, feeShares); err != nil {
			return fail(err)
		}
	}

	// Retire the repaid debt.
	debtPosition.BorrowShares = new(big.Int).Sub(debtPosition.BorrowShares, debtShares)
	debtMarket.TotalBorrowShares = new(big.Int).Sub(debtMarket.TotalBorrowShares, debtShares)
	debtMarket.TotalBorrowUnderlying = new(big.Int).Sub(debtMarket.TotalBorrowUnderlying, debtAmount)

	// Seize collateral: the liquidator's slice moves as shares, the protocol
	// fee is burned out of the pool into reserves.
	collateralPosition.SupplyShares = new(big.Int).Sub(collateralPosition.SupplyShares, seizeShares)
	liquidatorPosition.SupplyShares = new(big.Int).Add(liquidatorPosition.SupplyShares, liquidatorShares)
	collateralMarket.TotalSupplyShares = new(big.Int).Sub(collateralMarket.TotalSupplyShares, feeShares)
	collateralMarket.TotalSupplyUnderlying = new(big.Int).Sub(collateralMarket.TotalSupplyUnderlying, amounts.ProtocolFee)
	collateralMarket.Reserves = new(big.Int).Add(collateralMarket.Reserves, amounts.ProtocolFee)

	if err := e.commit(debtMarket, debtPosition); err != nil {
		return none, err
	}
	if err := e.commit(collateralMarket, collateralPosition, liquidatorPosition); err != nil {
		return none, err
	}

	e.liq.record(LiquidationRecord{
		ID:               uuid.New(),
		Account:          account,
		Liquidator:       liquidator,
		DebtAsset:        debtMarket.Asset,
		CollateralAsset:  collateralMarket.Asset,
		DebtAmount:       cloneBig(debtAmount),
		CollateralAmount: cloneBig(amounts.CollateralAmount),
		VolumeUSD:        cloneBig(amounts.DebtValueUSD),
		Micro:            micro,
		Timestamp:        now,
	})
	if e.metrics != nil {
		e.metrics.LiquidationExecuted(usdDecimal(amounts.DebtValueUSD).InexactFloat64())
	}
	e.afterCommit("liquidate", debtMarket.Asset, now, account, liquidator)
	return amounts, nil
}
