package lending

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// PriceData carries a validated USD price quote for an asset. Prices are 1e18
// fixed point.
type PriceData struct {
	Price      *big.Int
	Timestamp  time.Time
	Confidence *big.Int
	Valid      bool
	Source     string
}

// Clone returns a deep copy of the quote so callers cannot mutate shared
// state.
func (p PriceData) Clone() PriceData {
	clone := PriceData{Timestamp: p.Timestamp, Valid: p.Valid, Source: p.Source}
	if p.Price != nil {
		clone.Price = new(big.Int).Set(p.Price)
	}
	if p.Confidence != nil {
		clone.Confidence = new(big.Int).Set(p.Confidence)
	}
	return clone
}

// PriceFeed is the oracle contract consumed by the core. A failed, invalid or
// stale price aborts the requesting operation; implementations never return a
// zero price as a fallback.
type PriceFeed interface {
	GetPrice(asset string) (*big.Int, error)
	GetPriceData(asset string) (PriceData, error)
	GetAssetValue(asset string, amount *big.Int) (*big.Int, error)
	IsPriceValid(asset string) (bool, uint64)
}

// PriceSource is a single upstream feed consulted by the aggregator.
type PriceSource interface {
	Name() string
	Quote(asset string) (PriceData, error)
}

// priceBreaker halts reads for an asset after an excessive single-update
// move. Once tripped it stays tripped until an explicit reset after the
// cooldown elapses.
type priceBreaker struct {
	maxChangeBps uint64
	cooldown     time.Duration
	lastPrice    *big.Int
	trippedAt    time.Time
	tripped      bool
}

func (b *priceBreaker) observe(price *big.Int, now time.Time) bool {
	if b.tripped {
		return false
	}
	if b.lastPrice != nil && b.lastPrice.Sign() > 0 && b.maxChangeBps > 0 {
		diff := new(big.Int).Sub(price, b.lastPrice)
		diff.Abs(diff)
		changeBps := new(big.Int).Mul(diff, basisPoints)
		changeBps.Quo(changeBps, b.lastPrice)
		if changeBps.Cmp(new(big.Int).SetUint64(b.maxChangeBps)) > 0 {
			b.tripped = true
			b.trippedAt = now
			return false
		}
	}
	b.lastPrice = new(big.Int).Set(price)
	return true
}

// FeedAggregator consults registered sources in priority order until one
// yields a fresh, positive quote, and guards accepted prices with a per-asset
// circuit breaker.
type FeedAggregator struct {
	mu       sync.RWMutex
	priority []string
	sources  map[string]PriceSource
	maxAge   time.Duration
	breakers map[string]*priceBreaker
	breakCfg PriceBreakerConfig
	now      func() time.Time
}

// PriceBreakerConfig bounds single-update price movement per asset.
type PriceBreakerConfig struct {
	MaxChangeBps uint64
	Cooldown     time.Duration
}

// NewFeedAggregator constructs an aggregator with the supplied source
// priority and freshness window.
func NewFeedAggregator(priority []string, maxAge time.Duration, breaker PriceBreakerConfig) *FeedAggregator {
	return &FeedAggregator{
		priority: append([]string{}, priority...),
		sources:  make(map[string]PriceSource),
		maxAge:   maxAge,
		breakers: make(map[string]*priceBreaker),
		breakCfg: breaker,
		now:      time.Now,
	}
}

// SetClock overrides the time source, primarily for tests.
func (a *FeedAggregator) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Register adds or replaces a source under its identifier. Unknown
// identifiers are appended to the priority list.
func (a *FeedAggregator) Register(source PriceSource) {
	if a == nil || source == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(source.Name()))
	if name == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[name] = source
	for _, entry := range a.priority {
		if entry == name {
			return
		}
	}
	a.priority = append(a.priority, name)
}

// ResetBreaker clears a tripped breaker once the cooldown has elapsed.
func (a *FeedAggregator) ResetBreaker(asset string) error {
	if a == nil {
		return errPriceInvalid
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	breaker, ok := a.breakers[normaliseAsset(asset)]
	if !ok || !breaker.tripped {
		return nil
	}
	if a.now().Sub(breaker.trippedAt) < breaker.cooldown {
		return fmt.Errorf("%w: cooldown not elapsed", errPriceBreakerTripped)
	}
	breaker.tripped = false
	breaker.lastPrice = nil
	return nil
}

// GetPriceData walks the priority list until a usable quote is found, then
// runs it through the circuit breaker.
func (a *FeedAggregator) GetPriceData(asset string) (PriceData, error) {
	if a == nil {
		return PriceData{}, errPriceInvalid
	}
	sym := normaliseAsset(asset)
	if sym == "" {
		return PriceData{}, errPriceInvalid
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	breaker, ok := a.breakers[sym]
	if !ok {
		breaker = &priceBreaker{maxChangeBps: a.breakCfg.MaxChangeBps, cooldown: a.breakCfg.Cooldown}
		a.breakers[sym] = breaker
	}
	if breaker.tripped {
		return PriceData{}, errPriceBreakerTripped
	}

	now := a.now()
	var cutoff time.Time
	if a.maxAge > 0 {
		cutoff = now.Add(-a.maxAge)
	}

	lastErr := error(nil)
	for _, name := range a.priority {
		source := a.sources[name]
		if source == nil {
			continue
		}
		quote, err := source.Quote(sym)
		if err != nil {
			lastErr = err
			continue
		}
		if !quote.Valid || quote.Price == nil || quote.Price.Sign() <= 0 {
			lastErr = errPriceInvalid
			continue
		}
		if a.maxAge > 0 && quote.Timestamp.Before(cutoff) {
			lastErr = errPriceStale
			continue
		}
		if !breaker.observe(quote.Price, now) {
			return PriceData{}, errPriceBreakerTripped
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = name
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = errPriceInvalid
	}
	return PriceData{}, lastErr
}

// GetPrice returns the validated 1e18 USD price for the asset.
func (a *FeedAggregator) GetPrice(asset string) (*big.Int, error) {
	data, err := a.GetPriceData(asset)
	if err != nil {
		return nil, err
	}
	return data.Price, nil
}

// GetAssetValue converts an underlying amount into its 1e18 USD value.
func (a *FeedAggregator) GetAssetValue(asset string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	price, err := a.GetPrice(asset)
	if err != nil {
		return nil, err
	}
	return wadMul(amount, price), nil
}

// IsPriceValid reports whether a usable quote exists and its age in seconds.
func (a *FeedAggregator) IsPriceValid(asset string) (bool, uint64) {
	data, err := a.GetPriceData(asset)
	if err != nil {
		return false, 0
	}
	a.mu.RLock()
	now := a.now()
	a.mu.RUnlock()
	age := now.Sub(data.Timestamp)
	if age < 0 {
		age = 0
	}
	return true, uint64(age / time.Second)
}

// ManualFeed is an in-memory source used in tests and for operator overrides
// during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	name   string
	quotes map[string]PriceData
}

// NewManualFeed constructs an empty manual source with the given identifier.
func NewManualFeed(name string) *ManualFeed {
	return &ManualFeed{name: name, quotes: make(map[string]PriceData)}
}

// Name implements PriceSource.
func (m *ManualFeed) Name() string { return m.name }

// Set stores a quote for the asset at the given timestamp.
func (m *ManualFeed) Set(asset string, price *big.Int, ts time.Time) {
	if m == nil || price == nil || price.Sign() <= 0 {
		return
	}
	m.mu.Lock()
	m.quotes[normaliseAsset(asset)] = PriceData{
		Price:     new(big.Int).Set(price),
		Timestamp: ts,
		Valid:     true,
		Source:    m.name,
	}
	m.mu.Unlock()
}

// Quote implements PriceSource.
func (m *ManualFeed) Quote(asset string) (PriceData, error) {
	if m == nil {
		return PriceData{}, errPriceInvalid
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	quote, ok := m.quotes[normaliseAsset(asset)]
	if !ok {
		return PriceData{}, fmt.Errorf("%w: no quote for %s", errPriceInvalid, asset)
	}
	return quote.Clone(), nil
}

func normaliseAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
