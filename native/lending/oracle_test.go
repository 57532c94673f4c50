package lending

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestAggregatorPriorityFallback(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	primary := NewManualFeed("primary")
	secondary := NewManualFeed("secondary")
	agg := NewFeedAggregator([]string{"primary", "secondary"}, time.Hour, PriceBreakerConfig{})
	agg.SetClock(clock.Now)
	agg.Register(primary)
	agg.Register(secondary)

	secondary.Set("WETH", amount(2_000), clock.Now())

	data, err := agg.GetPriceData("WETH")
	if err != nil {
		t.Fatalf("fallback quote: %v", err)
	}
	if data.Source != "secondary" {
		t.Fatalf("source: %s", data.Source)
	}
	mustEqualBig(t, data.Price, amount(2_000), "fallback price")

	// Once the primary has a quote, it wins.
	primary.Set("WETH", amount(2_100), clock.Now())
	data, err = agg.GetPriceData("WETH")
	if err != nil {
		t.Fatalf("primary quote: %v", err)
	}
	if data.Source != "primary" {
		t.Fatalf("source after primary set: %s", data.Source)
	}
}

func TestAggregatorStaleness(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := NewManualFeed("manual")
	agg := NewFeedAggregator([]string{"manual"}, time.Hour, PriceBreakerConfig{})
	agg.SetClock(clock.Now)
	agg.Register(feed)

	feed.Set("USDC", amount(1), clock.Now())
	if _, err := agg.GetPrice("USDC"); err != nil {
		t.Fatalf("fresh quote: %v", err)
	}

	clock.Advance(2 * time.Hour)
	_, err := agg.GetPrice("USDC")
	if !errors.Is(err, errPriceStale) {
		t.Fatalf("stale quote: got %v, want errPriceStale", err)
	}
	if !errors.Is(err, ErrOracle) {
		t.Fatalf("stale error should carry the oracle class, got %v", err)
	}

	valid, _ := agg.IsPriceValid("USDC")
	if valid {
		t.Fatalf("stale quote reported valid")
	}
}

func TestAggregatorMissingQuote(t *testing.T) {
	feed := NewManualFeed("manual")
	agg := NewFeedAggregator([]string{"manual"}, time.Hour, PriceBreakerConfig{})
	agg.Register(feed)

	if _, err := agg.GetPrice("DOGE"); !errors.Is(err, errPriceInvalid) {
		t.Fatalf("missing quote: got %v, want errPriceInvalid", err)
	}
	if _, err := agg.GetAssetValue("DOGE", amount(1)); !errors.Is(err, ErrOracle) {
		t.Fatalf("asset value without quote: got %v, want ErrOracle", err)
	}
}

func TestPriceBreakerTripAndReset(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := NewManualFeed("manual")
	agg := NewFeedAggregator([]string{"manual"}, time.Hour, PriceBreakerConfig{
		MaxChangeBps: 2_000,
		Cooldown:     10 * time.Minute,
	})
	agg.SetClock(clock.Now)
	agg.Register(feed)

	feed.Set("WETH", amount(2_000), clock.Now())
	if _, err := agg.GetPrice("WETH"); err != nil {
		t.Fatalf("baseline quote: %v", err)
	}

	// A 50% move trips the breaker and reads stay halted.
	feed.Set("WETH", amount(1_000), clock.Now())
	if _, err := agg.GetPrice("WETH"); !errors.Is(err, errPriceBreakerTripped) {
		t.Fatalf("tripping move: want errPriceBreakerTripped")
	}
	if _, err := agg.GetPrice("WETH"); !errors.Is(err, errPriceBreakerTripped) {
		t.Fatalf("breaker should stay tripped")
	}

	// Reset is refused inside the cooldown and allowed after it.
	if err := agg.ResetBreaker("WETH"); !errors.Is(err, errPriceBreakerTripped) {
		t.Fatalf("premature reset: got %v", err)
	}
	clock.Advance(11 * time.Minute)
	if err := agg.ResetBreaker("WETH"); err != nil {
		t.Fatalf("reset after cooldown: %v", err)
	}
	if _, err := agg.GetPrice("WETH"); err != nil {
		t.Fatalf("quote after reset: %v", err)
	}
}

func TestGetAssetValue(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	feed := NewManualFeed("manual")
	agg := NewFeedAggregator([]string{"manual"}, time.Hour, PriceBreakerConfig{})
	agg.SetClock(clock.Now)
	agg.Register(feed)
	feed.Set("WETH", amount(2_000), clock.Now())

	value, err := agg.GetAssetValue("weth", new(big.Int).Quo(amount(1), big.NewInt(2)))
	if err != nil {
		t.Fatalf("asset value: %v", err)
	}
	mustEqualBig(t, value, amount(1_000), "half a WETH in USD")

	if _, err := agg.GetAssetValue("WETH", big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: got %v, want ErrInvalidAmount", err)
	}
}

func TestManualFeedIgnoresBadQuotes(t *testing.T) {
	feed := NewManualFeed("manual")
	feed.Set("USDC", big.NewInt(0), time.Now())
	feed.Set("USDC", nil, time.Now())
	if _, err := feed.Quote("USDC"); err == nil {
		t.Fatalf("zero and nil prices should not be stored")
	}
}
