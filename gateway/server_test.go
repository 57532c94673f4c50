package gateway

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
)

var (
	gwAlice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	gwBob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func ratioBps(bps int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(bps), big.NewInt(1e14))
}

type testStack struct {
	state  *lending.MemoryState
	tokens *lending.MemoryTokenBackend
	manual *lending.ManualFeed
	engine *lending.Engine
	rates  *lending.InterestRateEngine
	risk   *lending.RiskEngine
	server *Server
}

// newTestStack wires the full engine stack behind a server with a 25-row page
// limit and seeds a simple book: alice supplies 2000 USDC, bob supplies one
// WETH at $2000 and borrows 1000 USDC against it.
func newTestStack(t *testing.T, quota nativecommon.Quota) *testStack {
	t.Helper()

	state := lending.NewMemoryState()
	tokens := lending.NewMemoryTokenBackend()
	manual := lending.NewManualFeed("manual")
	oracle := lending.NewFeedAggregator([]string{"manual"}, time.Hour, lending.PriceBreakerConfig{})
	oracle.Register(manual)
	manual.Set("USDC", usd(1), time.Now())
	manual.Set("WETH", usd(2_000), time.Now())

	rates := lending.NewInterestRateEngine(lending.InterestRateParams{
		BaseRate: ratioBps(200),
		Slope1:   ratioBps(1_000),
		Slope2:   ratioBps(10_000),
		Kink:     ratioBps(8_000),
	}, usd(10))
	risk := lending.NewRiskEngine(state, oracle, nil)
	liq := lending.NewLiquidationEngine(state, risk, oracle, lending.LiquidationConfig{})

	engine := lending.NewEngine(state, rates, risk, tokens, oracle)
	engine.SetLiquidation(liq)

	for _, asset := range []string{"USDC", "WETH"} {
		err := engine.ListMarket(lending.CapabilityAdmin, &lending.Market{
			Asset:                asset,
			LiquidationThreshold: ratioBps(8_500),
			LiquidationBonus:     ratioBps(500),
			IsActive:             true,
		})
		if err != nil {
			t.Fatalf("list market %s: %v", asset, err)
		}
	}

	tokens.Credit("USDC", gwAlice, usd(2_000))
	tokens.Credit("WETH", gwBob, usd(1))
	if _, err := engine.Supply(gwAlice, "USDC", usd(2_000)); err != nil {
		t.Fatalf("seed supply: %v", err)
	}
	if _, err := engine.Supply(gwBob, "WETH", usd(1)); err != nil {
		t.Fatalf("seed collateral: %v", err)
	}
	if _, err := engine.Borrow(gwBob, "USDC", usd(1_000)); err != nil {
		t.Fatalf("seed borrow: %v", err)
	}

	server := New(Config{
		State:       state,
		Engine:      engine,
		Rates:       rates,
		Risk:        risk,
		Liquidation: liq,
		Oracle:      oracle,
		PageLimit:   25,
		Quota:       quota,
	})
	return &testStack{
		state:  state,
		tokens: tokens,
		manual: manual,
		engine: engine,
		rates:  rates,
		risk:   risk,
		server: server,
	}
}

func (ts *testStack) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestStack(t, nativecommon.Quota{})
	rec := ts.get(t, "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}

func TestListMarkets(t *testing.T) {
	ts := newTestStack(t, nativecommon.Quota{})

	rec := ts.get(t, "/v1/lending/markets")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body struct {
		Markets []marketPayload `json:"markets"`
	}
	decodeBody(t, rec, &body)
	if len(body.Markets) != 2 {
		t.Fatalf("market count: %d", len(body.Markets))
	}

	var usdc *marketPayload
	for i := range body.Markets {
		if body.Markets[i].Asset == "USDC" {
			usdc = &body.Markets[i]
		}
	}
	if usdc == nil {
		t.Fatalf("USDC missing from listing")
	}
	if usdc.TotalSupplyUnderlying != usd(2_000).String() {
		t.Fatalf("USDC supply: %s", usdc.TotalSupplyUnderlying)
	}
	if usdc.TotalBorrowUnderlying != usd(1_000).String() {
		t.Fatalf("USDC borrows: %s", usdc.TotalBorrowUnderlying)
	}
	// 1000 borrowed of 2000 supplied.
	if usdc.Utilisation != "500000000000000000" {
		t.Fatalf("USDC utilisation: %s", usdc.Utilisation)
	}
	if usdc.BorrowRate == "0" {
		t.Fatalf("borrow rate should be nonzero at 50%% utilisation")
	}
}

func TestGetMarket(t *testing.T) {
	ts := newTestStack(t, nativecommon.Quota{})

	// Asset lookup is case-insensitive.
	rec := ts.get(t, "/v1/lending/markets/usdc")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var market marketPayload
	decodeBody(t, rec, &market)
	if market.Asset != "USDC" || !market.Active {
		t.Fatalf("market payload: %+v", market)
	}

	rec = ts.get(t, "/v1/lending/markets/DOGE")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown asset status: %d", rec.Code)
	}
}

func TestMarketReadsDoNotMoveRates(t *testing.T) {
	ts := newTestStack(t, nativecommon.Quota{})
	ts.rates.SetBreaker("USDC", lending.RateCircuitBreaker{Enabled: true, MaxChangeBps: 1_000})

	// Reads quote; only accrual records. Any drift across identical GETs
	// means the read path is walking the breaker baseline.
	read := func() marketPayload {
		rec := ts.get(t, "/v1/lending/markets/USDC")
		if rec.Code != http.StatusOK {
			t.Fatalf("status: %d", rec.Code)
		}
		var market marketPayload
		decodeBody(t, rec, &market)
		return market
	}
	first := read()
	for i := 0; i < 5; i++ {
		if got := read(); got.BorrowRate != first.BorrowRate || got.SupplyRate != first.SupplyRate {
			t.Fatalf("rates drifted across reads: %s/%s -> %s/%s",
				first.BorrowRate, first.SupplyRate, got.BorrowRate, got.SupplyRate)
		}
	}
}

func TestGetPortfolio(t *testing.T) {
	ts := newTestStack(t, nativecommon.Quota{})

	rec := ts.get(t, "/v1/lending/positions/"+gwBob.Hex())
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body portfolioPayload
	decodeBody(t, rec, &body)
	if body.Account != gwBob.Hex() {
		t.Fatalf("account: %s", body.Account)
	}
	if len(body.Positions) != 2 {
		t.Fatalf("position count: %d", len(body.Positions))
	}
	// 1 WETH at $2000 with an 85% threshold over $1000 of debt.
	if body.HealthFactor != "1700000000000000000" {
		t.Fatalf("health factor: %s", body.HealthFactor)
	}
	if body.Liquidatable || body.Infinite {
		t.Fatalf("unexpected flags: %+v", body)
	}

	rec = ts.get(t, "/v1/lending/positions/not-an-address")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address status: %d", rec.Code)
	}
}

func TestListLiquidatable(t *testing.T) {
	ts := newTestStack(t, nativecommon.Quota{})

	rec := ts.get(t, "/v1/lending/liquidatable")
	var empty struct {
		Positions []liquidatablePayload `json:"positions"`
	}
	decodeBody(t, rec, &empty)
	if len(empty.Positions) != 0 {
		t.Fatalf("healthy book should list nothing: %+v", empty.Positions)
	}

	// $1100 collateral weighted to $935 against $1000 of debt.
	ts.manual.Set("WETH", usd(1_100), time.Now())
	ts.engine.RefreshAccounts([]common.Address{gwBob})

	rec = ts.get(t, "/v1/lending/liquidatable?limit=500")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body struct {
		Limit     int                   `json:"limit"`
		Positions []liquidatablePayload `json:"positions"`
	}
	decodeBody(t, rec, &body)
	if body.Limit != 25 {
		t.Fatalf("limit should clamp to page limit: %d", body.Limit)
	}
	if len(body.Positions) != 1 || body.Positions[0].Account != gwBob.Hex() {
		t.Fatalf("liquidatable rows: %+v", body.Positions)
	}
	if body.Positions[0].TotalDebtUSD != usd(1_000).String() {
		t.Fatalf("debt usd: %s", body.Positions[0].TotalDebtUSD)
	}
}

func TestGetStats(t *testing.T) {
	ts := newTestStack(t, nativecommon.Quota{})

	rec := ts.get(t, "/v1/lending/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body statsPayload
	decodeBody(t, rec, &body)
	if body.TotalValueLockedUSD != usd(4_000).String() {
		t.Fatalf("tvl: %s", body.TotalValueLockedUSD)
	}
	if body.TotalBorrowedUSD != usd(1_000).String() {
		t.Fatalf("borrowed: %s", body.TotalBorrowedUSD)
	}
	if body.LiquidationCount != 0 {
		t.Fatalf("liquidation count: %d", body.LiquidationCount)
	}
}

func TestQuotaLimitsRequests(t *testing.T) {
	ts := newTestStack(t, nativecommon.Quota{MaxRequestsPerEpoch: 2, EpochSeconds: 60})
	base := time.Unix(1_700_000_000, 0)
	now := base
	ts.server.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if rec := ts.get(t, "/v1/lending/markets"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	if rec := ts.get(t, "/v1/lending/markets"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-quota status: %d", rec.Code)
	}

	// Health and metrics stay outside the quota.
	if rec := ts.get(t, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz throttled: %d", rec.Code)
	}

	// A fresh epoch resets the counter.
	now = base.Add(61 * time.Second)
	if rec := ts.get(t, "/v1/lending/markets"); rec.Code != http.StatusOK {
		t.Fatalf("next epoch status: %d", rec.Code)
	}
}
