package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Market captures the pooled accounting state for a single listed asset.
// Amounts are denominated in the asset's smallest unit; indexes are 1e18
// fixed point and start at 1.0.
type Market struct {
	// Asset is the listing symbol, e.g. "USDC".
	Asset string
	// Native marks the execution environment's value-bearing asset. Native
	// repayments refund overpayment instead of pulling a clamped amount.
	Native bool
	// TotalSupplyUnderlying is the aggregate liquidity deposited by lenders,
	// including interest credited to them through accrual.
	TotalSupplyUnderlying *big.Int
	// TotalBorrowUnderlying tracks outstanding debt across all accounts,
	// including accrued interest.
	TotalBorrowUnderlying *big.Int
	// TotalSupplyShares and TotalBorrowShares back the share ledger used to
	// convert between underlying amounts and proportional claims.
	TotalSupplyShares *big.Int
	TotalBorrowShares *big.Int
	// SupplyIndex and BorrowIndex are the cumulative interest indexes. They
	// never decrease and are compounded once per distinct timestamp.
	SupplyIndex *big.Int
	BorrowIndex *big.Int
	// LastAccrualTime is the unix second the indexes were last compounded.
	LastAccrualTime int64
	// Reserves holds underlying routed to the protocol through the reserve
	// factor and liquidation fees.
	Reserves *big.Int

	SupplyCap *big.Int
	BorrowCap *big.Int
	// LiquidationThreshold and LiquidationBonus are 1e18 fixed-point ratios.
	LiquidationThreshold *big.Int
	LiquidationBonus     *big.Int
	ReserveFactorBps     uint64
	IsActive             bool
	IsFrozen             bool
}

// Clone returns a deep copy of the market. Optional caps keep nil as
// "no cap".
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	out := *m
	out.TotalSupplyUnderlying = cloneBigNil(m.TotalSupplyUnderlying)
	out.TotalBorrowUnderlying = cloneBigNil(m.TotalBorrowUnderlying)
	out.TotalSupplyShares = cloneBigNil(m.TotalSupplyShares)
	out.TotalBorrowShares = cloneBigNil(m.TotalBorrowShares)
	out.SupplyIndex = cloneBigNil(m.SupplyIndex)
	out.BorrowIndex = cloneBigNil(m.BorrowIndex)
	out.Reserves = cloneBigNil(m.Reserves)
	out.SupplyCap = cloneBigNil(m.SupplyCap)
	out.BorrowCap = cloneBigNil(m.BorrowCap)
	out.LiquidationThreshold = cloneBigNil(m.LiquidationThreshold)
	out.LiquidationBonus = cloneBigNil(m.LiquidationBonus)
	return &out
}

// AccountPosition stores the share balances for one (account, asset) pair.
// Positions are created on first use and settle to zero rather than being
// removed.
type AccountPosition struct {
	Account      common.Address
	Asset        string
	SupplyShares *big.Int
	BorrowShares *big.Int
}

// Clone returns a deep copy of the position.
func (p *AccountPosition) Clone() *AccountPosition {
	if p == nil {
		return nil
	}
	out := *p
	out.SupplyShares = cloneBigNil(p.SupplyShares)
	out.BorrowShares = cloneBigNil(p.BorrowShares)
	return &out
}

// PortfolioSnapshot is the risk engine's cached view of an account. Debt-free
// accounts carry an infinite health factor, reported via Infinite rather than
// a sentinel magnitude.
type PortfolioSnapshot struct {
	Account            common.Address
	TotalCollateralUSD *big.Int
	TotalBorrowUSD     *big.Int
	HealthFactor       *big.Int
	Infinite           bool
	IsLiquidatable     bool
	RiskLevel          int
	LastUpdate         int64
}

// RiskParameters groups the per-asset limits consumed by the risk and
// liquidation engines. Configuration is admin-owned; the core only reads it.
type RiskParameters struct {
	LiquidationThreshold *big.Int // 1e18 ratio
	LiquidationBonus     *big.Int // 1e18 ratio
	BorrowFactor         *big.Int // 1e18 ratio applied to borrow value
	SupplyCap            *big.Int
	BorrowCap            *big.Int
	IsFrozen             bool
}

// Clone returns a deep copy of the risk parameters.
func (p *RiskParameters) Clone() *RiskParameters {
	if p == nil {
		return nil
	}
	return &RiskParameters{
		LiquidationThreshold: cloneBigNil(p.LiquidationThreshold),
		LiquidationBonus:     cloneBigNil(p.LiquidationBonus),
		BorrowFactor:         cloneBigNil(p.BorrowFactor),
		SupplyCap:            cloneBigNil(p.SupplyCap),
		BorrowCap:            cloneBigNil(p.BorrowCap),
		IsFrozen:             p.IsFrozen,
	}
}

// Capability identifies what a caller is entitled to do. It is checked once
// at the operation boundary, before any other validation.
type Capability uint8

const (
	CapabilityUser Capability = 1 << iota
	CapabilityKeeper
	CapabilityAdmin
)

// Has reports whether the capability set includes the requested grant.
func (c Capability) Has(want Capability) bool { return c&want != 0 }

// ProtocolMetrics is the aggregate view refreshed after every state-changing
// operation.
type ProtocolMetrics struct {
	TotalValueLockedUSD *big.Int
	TotalBorrowedUSD    *big.Int
	// WeightedSupplyAPY and WeightedBorrowAPY are TVL-weighted 1e18 annual
	// rates across all active markets.
	WeightedSupplyAPY *big.Int
	WeightedBorrowAPY *big.Int
	AccountsAtRisk    int
	LastUpdate        int64
}
