package lending

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// State is the persistence boundary for markets and positions. The ledger
// engine is the only writer; the risk and liquidation engines read through
// it.
type State interface {
	Market(asset string) (*Market, error)
	PutMarket(market *Market) error
	MarketAssets() []string
	Position(account common.Address, asset string) (*AccountPosition, error)
	PutPosition(position *AccountPosition) error
	AccountPositions(account common.Address) ([]*AccountPosition, error)
}

// MemoryState keeps the full ledger in process memory. The daemon uses it as
// its working set; tests use it directly. Reads hand out deep copies and
// writes install deep copies, so callers never share a live record and the
// gateway can read while the keepers write.
type MemoryState struct {
	mu        sync.RWMutex
	markets   map[string]*Market
	positions map[common.Address]map[string]*AccountPosition
}

// NewMemoryState constructs an empty state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		markets:   make(map[string]*Market),
		positions: make(map[common.Address]map[string]*AccountPosition),
	}
}

// Market returns a copy of the market for the asset, or errMarketNotListed.
func (s *MemoryState) Market(asset string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	market, ok := s.markets[normaliseAsset(asset)]
	if !ok {
		return nil, errMarketNotListed
	}
	return market.Clone(), nil
}

// PutMarket lists or replaces a market, defaulting nil accounting fields.
// The stored record is detached from the caller's copy.
func (s *MemoryState) PutMarket(market *Market) error {
	if market == nil {
		return errMarketNotListed
	}
	stored := market.Clone()
	stored.Asset = normaliseAsset(stored.Asset)
	ensureMarketDefaults(stored)
	s.mu.Lock()
	s.markets[stored.Asset] = stored
	s.mu.Unlock()
	return nil
}

// MarketAssets returns the listed asset symbols in stable order.
func (s *MemoryState) MarketAssets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]string, 0, len(s.markets))
	for asset := range s.markets {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Position returns a copy of the (account, asset) position or nil when none
// exists yet.
func (s *MemoryState) Position(account common.Address, asset string) (*AccountPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAsset, ok := s.positions[account]
	if !ok {
		return nil, nil
	}
	return byAsset[normaliseAsset(asset)].Clone(), nil
}

// PutPosition stores the position, creating the per-account map on first use.
// The stored record is detached from the caller's copy.
func (s *MemoryState) PutPosition(position *AccountPosition) error {
	if position == nil {
		return nil
	}
	stored := position.Clone()
	stored.Asset = normaliseAsset(stored.Asset)
	ensurePositionDefaults(stored)
	s.mu.Lock()
	byAsset, ok := s.positions[stored.Account]
	if !ok {
		byAsset = make(map[string]*AccountPosition)
		s.positions[stored.Account] = byAsset
	}
	byAsset[stored.Asset] = stored
	s.mu.Unlock()
	return nil
}

// AccountPositions returns copies of every position held by the account,
// sorted by asset for deterministic iteration.
func (s *MemoryState) AccountPositions(account common.Address) ([]*AccountPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAsset, ok := s.positions[account]
	if !ok {
		return nil, nil
	}
	assets := make([]string, 0, len(byAsset))
	for asset := range byAsset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	out := make([]*AccountPosition, 0, len(assets))
	for _, asset := range assets {
		out = append(out, byAsset[asset].Clone())
	}
	return out, nil
}

func ensureMarketDefaults(market *Market) {
	if market.TotalSupplyUnderlying == nil {
		market.TotalSupplyUnderlying = bigIntZero()
	}
	if market.TotalBorrowUnderlying == nil {
		market.TotalBorrowUnderlying = bigIntZero()
	}
	if market.TotalSupplyShares == nil {
		market.TotalSupplyShares = bigIntZero()
	}
	if market.TotalBorrowShares == nil {
		market.TotalBorrowShares = bigIntZero()
	}
	if market.SupplyIndex == nil || market.SupplyIndex.Sign() == 0 {
		market.SupplyIndex = cloneBig(wad)
	}
	if market.BorrowIndex == nil || market.BorrowIndex.Sign() == 0 {
		market.BorrowIndex = cloneBig(wad)
	}
	if market.Reserves == nil {
		market.Reserves = bigIntZero()
	}
	if market.LiquidationThreshold == nil {
		market.LiquidationThreshold = cloneBig(wad)
	}
	if market.LiquidationBonus == nil {
		market.LiquidationBonus = bigIntZero()
	}
}

func ensurePositionDefaults(position *AccountPosition) {
	if position.SupplyShares == nil {
		position.SupplyShares = bigIntZero()
	}
	if position.BorrowShares == nil {
		position.BorrowShares = bigIntZero()
	}
}
