package lending

import (
	"math/big"
	"sync"
	"time"
)

// InterestRateParams shapes the kinked borrow curve for one asset. All rates
// and ratios are 1e18 fixed point; annualised rates are divided by the
// seconds in a year to obtain per-second compounding rates.
type InterestRateParams struct {
	BaseRate *big.Int
	Slope1   *big.Int
	Slope2   *big.Int
	Kink     *big.Int
	// TargetRate, when non-nil, smooths the composite borrow rate toward it
	// at AdjustmentSpeed per update (1e18 fraction of the gap).
	TargetRate      *big.Int
	AdjustmentSpeed *big.Int
}

// Clone returns a deep copy of the parameter set.
func (p *InterestRateParams) Clone() *InterestRateParams {
	if p == nil {
		return nil
	}
	return &InterestRateParams{
		BaseRate:        cloneBig(p.BaseRate),
		Slope1:          cloneBig(p.Slope1),
		Slope2:          cloneBig(p.Slope2),
		Kink:            cloneBig(p.Kink),
		TargetRate:      cloneBigNil(p.TargetRate),
		AdjustmentSpeed: cloneBigNil(p.AdjustmentSpeed),
	}
}

// RateCircuitBreaker bounds per-update movement of an asset's borrow rate and
// hard-caps it at an emergency threshold.
type RateCircuitBreaker struct {
	Enabled            bool
	MaxChangeBps       uint64
	EmergencyThreshold *big.Int
	Cooldown           time.Duration
	LastTrigger        time.Time
	Triggered          bool
}

// RateSample is one rate-history observation.
type RateSample struct {
	Timestamp  int64
	BorrowRate *big.Int
	SupplyRate *big.Int
}

const rateHistoryCapacity = 100

// rateHistory is a fixed-capacity circular buffer of rate samples.
type rateHistory struct {
	samples [rateHistoryCapacity]RateSample
	next    int
	count   int
}

func (h *rateHistory) push(sample RateSample) {
	h.samples[h.next] = sample
	h.next = (h.next + 1) % rateHistoryCapacity
	if h.count < rateHistoryCapacity {
		h.count++
	}
}

// recent returns up to n samples, newest first.
func (h *rateHistory) recent(n int) []RateSample {
	if n <= 0 || h.count == 0 {
		return nil
	}
	if n > h.count {
		n = h.count
	}
	out := make([]RateSample, 0, n)
	pos := h.next
	for i := 0; i < n; i++ {
		pos--
		if pos < 0 {
			pos = rateHistoryCapacity - 1
		}
		out = append(out, h.samples[pos])
	}
	return out
}

// borrowVariance computes the population variance of the last n borrow rates
// in 1e18 terms (variance of wad-scaled rates, divided back to wad scale).
func (h *rateHistory) borrowVariance(n int) *big.Int {
	samples := h.recent(n)
	if len(samples) < 2 {
		return big.NewInt(0)
	}
	count := big.NewInt(int64(len(samples)))
	mean := new(big.Int)
	for _, s := range samples {
		mean.Add(mean, s.BorrowRate)
	}
	mean.Quo(mean, count)
	variance := new(big.Int)
	for _, s := range samples {
		diff := new(big.Int).Sub(s.BorrowRate, mean)
		variance.Add(variance, diff.Mul(diff, diff))
	}
	variance.Quo(variance, count)
	return variance.Quo(variance, wad)
}

// tvl tier boundaries in 1e18 USD.
var (
	tierLargeUSD = new(big.Int).Mul(big.NewInt(100_000_000), wad)
	tierMidUSD   = new(big.Int).Mul(big.NewInt(10_000_000), wad)
	tierSmallUSD = new(big.Int).Mul(big.NewInt(1_000_000), wad)
)

// InterestRateEngine derives borrow and supply rates from utilisation and
// layered market conditions, and owns index accrual for every market.
type InterestRateEngine struct {
	mu       sync.Mutex
	defaults InterestRateParams
	params   map[string]*InterestRateParams
	breakers map[string]*RateCircuitBreaker
	history  map[string]*rateHistory

	emergency    map[string]bool
	volatility   map[string]volatilityState
	volWindow    time.Duration
	correlations map[string]map[string]*big.Int

	// lastBorrowRate feeds the circuit-breaker clamp.
	lastBorrowRate map[string]*big.Int

	// utilisationOf lets the correlation layer look up peer markets without
	// the rate engine owning ledger state.
	utilisationOf func(asset string) (*big.Int, bool)

	maxRate *big.Int
	now     func() time.Time
}

type volatilityState struct {
	multiplier *big.Int
	observedAt time.Time
}

// NewInterestRateEngine constructs a rate engine with the supplied default
// curve. maxRate caps every composite rate; the emergency override uses half
// of it.
func NewInterestRateEngine(defaults InterestRateParams, maxRate *big.Int) *InterestRateEngine {
	return &InterestRateEngine{
		defaults:       *defaults.Clone(),
		params:         make(map[string]*InterestRateParams),
		breakers:       make(map[string]*RateCircuitBreaker),
		history:        make(map[string]*rateHistory),
		emergency:      make(map[string]bool),
		volatility:     make(map[string]volatilityState),
		volWindow:      5 * time.Minute,
		correlations:   make(map[string]map[string]*big.Int),
		lastBorrowRate: make(map[string]*big.Int),
		maxRate:        cloneBig(maxRate),
		now:            time.Now,
	}
}

// SetClock overrides the time source, primarily for tests.
func (e *InterestRateEngine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// SetParams installs a per-asset curve override.
func (e *InterestRateEngine) SetParams(asset string, params *InterestRateParams) {
	if e == nil || params == nil {
		return
	}
	e.mu.Lock()
	e.params[normaliseAsset(asset)] = params.Clone()
	e.mu.Unlock()
}

// SetBreaker installs a circuit breaker for the asset's composite rate.
func (e *InterestRateEngine) SetBreaker(asset string, breaker RateCircuitBreaker) {
	if e == nil {
		return
	}
	cloned := breaker
	cloned.EmergencyThreshold = cloneBig(breaker.EmergencyThreshold)
	e.mu.Lock()
	e.breakers[normaliseAsset(asset)] = &cloned
	e.mu.Unlock()
}

// SetEmergency flags or clears emergency mode for an asset.
func (e *InterestRateEngine) SetEmergency(asset string, on bool) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.emergency[normaliseAsset(asset)] = on
	e.mu.Unlock()
}

// SetCorrelation records the correlation coefficient (1e18) between two
// assets, symmetric in both directions.
func (e *InterestRateEngine) SetCorrelation(a, b string, coefficient *big.Int) {
	if e == nil || coefficient == nil {
		return
	}
	a, b = normaliseAsset(a), normaliseAsset(b)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		peers := e.correlations[pair[0]]
		if peers == nil {
			peers = make(map[string]*big.Int)
			e.correlations[pair[0]] = peers
		}
		peers[pair[1]] = cloneBig(coefficient)
	}
}

// SetUtilisationSource wires the lookup used by the correlation layer.
func (e *InterestRateEngine) SetUtilisationSource(fn func(asset string) (*big.Int, bool)) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.utilisationOf = fn
	e.mu.Unlock()
}

// RefreshVolatility derives the asset's volatility multiplier from the
// variance of its recent borrow rates, clamped to [0.5x, 3x]. The multiplier
// goes stale after the price-validity window and is then ignored.
func (e *InterestRateEngine) RefreshVolatility(asset string, window int) {
	if e == nil {
		return
	}
	sym := normaliseAsset(asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.history[sym]
	if hist == nil {
		return
	}
	variance := hist.borrowVariance(window)
	stddev := new(big.Int).Sqrt(new(big.Int).Mul(variance, wad))
	multiplier := new(big.Int).Add(wad, new(big.Int).Mul(stddev, big.NewInt(10)))
	multiplier = clampBig(multiplier, halfWad(), tripleWad())
	e.volatility[sym] = volatilityState{multiplier: multiplier, observedAt: e.now()}
}

func halfWad() *big.Int   { return new(big.Int).Quo(wad, big.NewInt(2)) }
func tripleWad() *big.Int { return new(big.Int).Mul(wad, big.NewInt(3)) }

// Utilisation computes totalBorrow/totalSupply in 1e18 terms, zero when the
// market holds no supply.
func Utilisation(totalBorrow, totalSupply *big.Int) *big.Int {
	if totalBorrow == nil || totalBorrow.Sign() == 0 || totalSupply == nil || totalSupply.Sign() == 0 {
		return big.NewInt(0)
	}
	return wadDiv(totalBorrow, totalSupply)
}

// CalculateRates returns the composite (borrowRate, supplyRate) for the asset
// given current utilisation, reserve factor and USD market size. The layered
// adjustments apply in a fixed order so the result is reproducible.
func (e *InterestRateEngine) CalculateRates(asset string, utilisation *big.Int, reserveFactorBps uint64, marketSizeUSD *big.Int) (*big.Int, *big.Int) {
	if e == nil {
		return big.NewInt(0), big.NewInt(0)
	}
	sym := normaliseAsset(asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calculateRatesLocked(sym, utilisation, reserveFactorBps, marketSizeUSD, true)
}

// QuoteRates computes the same composite rates as CalculateRates without
// recording the result: the circuit-breaker baseline and trigger state stay
// untouched, so read paths may quote freely.
func (e *InterestRateEngine) QuoteRates(asset string, utilisation *big.Int, reserveFactorBps uint64, marketSizeUSD *big.Int) (*big.Int, *big.Int) {
	if e == nil {
		return big.NewInt(0), big.NewInt(0)
	}
	sym := normaliseAsset(asset)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calculateRatesLocked(sym, utilisation, reserveFactorBps, marketSizeUSD, false)
}

// calculateRatesLocked evaluates the layered composite. record controls
// whether the outcome updates lastBorrowRate and the breaker trigger state;
// quotes pass false so they cannot shift the clamp baseline.
func (e *InterestRateEngine) calculateRatesLocked(sym string, utilisation *big.Int, reserveFactorBps uint64, marketSizeUSD *big.Int, record bool) (*big.Int, *big.Int) {
	params := e.paramsFor(sym)
	utilisation = cloneBig(utilisation)

	// Layer 1: emergency override short-circuits the remaining layers.
	if e.emergency[sym] {
		halfMax := new(big.Int).Quo(e.maxRate, big.NewInt(2))
		borrow := minBig(wadMul(utilisation, halfMax), halfMax)
		doubled := reserveFactorBps * 2
		if doubled > 10_000 {
			doubled = 10_000
		}
		supply := supplyRateFrom(borrow, utilisation, doubled)
		if record {
			e.lastBorrowRate[sym] = cloneBig(borrow)
		}
		return borrow, supply
	}

	borrow := kinkedRate(params, utilisation)

	// Layer 2: volatility multiplier, ignored once stale.
	if vol, ok := e.volatility[sym]; ok && vol.multiplier != nil {
		if e.volWindow <= 0 || e.now().Sub(vol.observedAt) <= e.volWindow {
			borrow = wadMul(borrow, vol.multiplier)
		}
	}

	// Layer 3: utilisation pressure around the optimal point.
	if params.Kink != nil && params.Kink.Sign() > 0 {
		halfKink := new(big.Int).Quo(params.Kink, big.NewInt(2))
		switch {
		case utilisation.Cmp(params.Kink) > 0:
			excess := new(big.Int).Sub(utilisation, params.Kink)
			penalty := new(big.Int).Add(wad, wadMul(excess, excess))
			borrow = wadMul(borrow, penalty)
		case utilisation.Cmp(halfKink) < 0:
			discount := new(big.Int).Sub(wad, new(big.Int).Quo(wad, big.NewInt(20)))
			borrow = wadMul(borrow, discount)
		}
	}

	// Layer 4: market-size tiering by USD TVL.
	if marketSizeUSD != nil && marketSizeUSD.Sign() > 0 {
		switch {
		case marketSizeUSD.Cmp(tierLargeUSD) >= 0:
			borrow = bpsMul(borrow, 9_000)
		case marketSizeUSD.Cmp(tierMidUSD) >= 0:
			borrow = bpsMul(borrow, 9_500)
		case marketSizeUSD.Cmp(tierSmallUSD) < 0:
			borrow = bpsMul(borrow, 12_000)
		}
	}

	// Layer 5: premium for stressed correlated peers.
	if peers := e.correlations[sym]; len(peers) > 0 && e.utilisationOf != nil {
		highCorr := bpsMul(wad, 8_000)
		premium := new(big.Int)
		for peer, coefficient := range peers {
			if coefficient == nil || coefficient.Cmp(highCorr) <= 0 {
				continue
			}
			peerUtil, ok := e.utilisationOf(peer)
			if !ok {
				continue
			}
			peerKink := e.paramsFor(peer).Kink
			if peerKink == nil || peerUtil.Cmp(peerKink) <= 0 {
				continue
			}
			excess := new(big.Int).Sub(peerUtil, peerKink)
			premium.Add(premium, wadMul(coefficient, excess))
		}
		if premium.Sign() > 0 {
			borrow.Add(borrow, wadMul(borrow, premium))
		}
	}

	// Layer 6: circuit-breaker clamp against the previous composite rate.
	if breaker := e.breakers[sym]; breaker != nil && breaker.Enabled {
		if last := e.lastBorrowRate[sym]; last != nil && breaker.MaxChangeBps > 0 {
			bound := bpsMul(last, breaker.MaxChangeBps)
			lo := new(big.Int).Sub(last, bound)
			if lo.Sign() < 0 {
				lo.SetInt64(0)
			}
			hi := new(big.Int).Add(last, bound)
			borrow = clampBig(borrow, lo, hi)
		}
		if breaker.EmergencyThreshold != nil && breaker.EmergencyThreshold.Sign() > 0 &&
			borrow.Cmp(breaker.EmergencyThreshold) > 0 {
			borrow = cloneBig(breaker.EmergencyThreshold)
			if record {
				breaker.Triggered = true
				breaker.LastTrigger = e.now()
			}
		}
	}

	// Layer 7: smoothing toward the configured target.
	if params.TargetRate != nil && params.TargetRate.Sign() > 0 &&
		params.AdjustmentSpeed != nil && params.AdjustmentSpeed.Sign() > 0 {
		gap := new(big.Int).Sub(params.TargetRate, borrow)
		borrow.Add(borrow, wadMul(gap, params.AdjustmentSpeed))
	}

	if e.maxRate != nil && e.maxRate.Sign() > 0 && borrow.Cmp(e.maxRate) > 0 {
		borrow = cloneBig(e.maxRate)
	}
	if borrow.Sign() < 0 {
		borrow.SetInt64(0)
	}

	if record {
		e.lastBorrowRate[sym] = cloneBig(borrow)
	}
	return borrow, supplyRateFrom(borrow, utilisation, reserveFactorBps)
}

// kinkedRate evaluates the base curve: linear in utilisation up to the kink,
// then steeper via slope2.
func kinkedRate(params *InterestRateParams, utilisation *big.Int) *big.Int {
	rate := cloneBig(params.BaseRate)
	if utilisation.Sign() == 0 {
		return rate
	}
	kink := params.Kink
	if kink == nil || kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, wadMul(utilisation, params.Slope1))
	}
	rate.Add(rate, wadMul(kink, params.Slope1))
	excess := new(big.Int).Sub(utilisation, kink)
	return rate.Add(rate, wadMul(excess, params.Slope2))
}

func supplyRateFrom(borrowRate, utilisation *big.Int, reserveFactorBps uint64) *big.Int {
	if borrowRate == nil || borrowRate.Sign() == 0 || utilisation == nil || utilisation.Sign() == 0 {
		return big.NewInt(0)
	}
	keepBps := uint64(10_000)
	if reserveFactorBps < keepBps {
		keepBps -= reserveFactorBps
	} else {
		keepBps = 0
	}
	return bpsMul(wadMul(utilisation, borrowRate), keepBps)
}

func (e *InterestRateEngine) paramsFor(sym string) *InterestRateParams {
	if params, ok := e.params[sym]; ok && params != nil {
		return params
	}
	return &e.defaults
}

// Accrue compounds the market's indexes up to now and credits accrued borrow
// interest to suppliers and reserves. Re-entering an already accrued
// timestamp is a no-op, so concurrent attempts settle to one state change.
func (e *InterestRateEngine) Accrue(market *Market, now int64, marketSizeUSD *big.Int) {
	if e == nil || market == nil {
		return
	}
	if now <= market.LastAccrualTime {
		return
	}
	elapsed := now - market.LastAccrualTime
	sym := normaliseAsset(market.Asset)

	utilisation := Utilisation(market.TotalBorrowUnderlying, market.TotalSupplyUnderlying)

	e.mu.Lock()
	borrowRate, supplyRate := e.calculateRatesLocked(sym, utilisation, market.ReserveFactorBps, marketSizeUSD, true)
	hist := e.history[sym]
	if hist == nil {
		hist = &rateHistory{}
		e.history[sym] = hist
	}
	hist.push(RateSample{Timestamp: now, BorrowRate: cloneBig(borrowRate), SupplyRate: cloneBig(supplyRate)})
	e.mu.Unlock()

	dt := big.NewInt(elapsed)
	yearSeconds := big.NewInt(secondsPerYear)

	// index *= 1 + ratePerSecond*elapsed, in 1e18 terms.
	borrowGrowth := new(big.Int).Mul(borrowRate, dt)
	borrowGrowth.Quo(borrowGrowth, yearSeconds)
	supplyGrowth := new(big.Int).Mul(supplyRate, dt)
	supplyGrowth.Quo(supplyGrowth, yearSeconds)
	market.BorrowIndex = wadMul(market.BorrowIndex, new(big.Int).Add(wad, borrowGrowth))
	market.SupplyIndex = wadMul(market.SupplyIndex, new(big.Int).Add(wad, supplyGrowth))

	if market.TotalBorrowUnderlying != nil && market.TotalBorrowUnderlying.Sign() > 0 {
		interest := wadMul(market.TotalBorrowUnderlying, borrowGrowth)
		if interest.Sign() > 0 {
			reserveCut := bpsMul(interest, market.ReserveFactorBps)
			market.TotalBorrowUnderlying = new(big.Int).Add(market.TotalBorrowUnderlying, interest)
			supplierShare := new(big.Int).Sub(interest, reserveCut)
			market.TotalSupplyUnderlying = new(big.Int).Add(market.TotalSupplyUnderlying, supplierShare)
			market.Reserves = new(big.Int).Add(market.Reserves, reserveCut)
		}
	}

	market.LastAccrualTime = now
}

// History returns up to n recent samples for the asset, newest first.
func (e *InterestRateEngine) History(asset string, n int) []RateSample {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.history[normaliseAsset(asset)]
	if hist == nil {
		return nil
	}
	return hist.recent(n)
}

// BorrowRateVariance exposes the volatility proxy over the last n samples.
func (e *InterestRateEngine) BorrowRateVariance(asset string, n int) *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.history[normaliseAsset(asset)]
	if hist == nil {
		return big.NewInt(0)
	}
	return hist.borrowVariance(n)
}
