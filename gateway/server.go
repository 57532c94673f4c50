package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
)

// Server exposes the read-only HTTP surface over the in-process engines:
// market listings, account portfolios, the liquidatable registry and
// protocol aggregates. All mutations stay on the engine API.
type Server struct {
	state  lending.State
	engine *lending.Engine
	rates  *lending.InterestRateEngine
	risk   *lending.RiskEngine
	liq    *lending.LiquidationEngine
	oracle lending.PriceFeed
	log    *slog.Logger

	pageLimit int
	quota     nativecommon.Quota

	mu    sync.Mutex
	usage map[string]nativecommon.QuotaNow
	now   func() time.Time
}

// Config carries the server's collaborators and limits.
type Config struct {
	State       lending.State
	Engine      *lending.Engine
	Rates       *lending.InterestRateEngine
	Risk        *lending.RiskEngine
	Liquidation *lending.LiquidationEngine
	Oracle      lending.PriceFeed
	Logger      *slog.Logger
	PageLimit   int
	Quota       nativecommon.Quota
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = 100
	}
	return &Server{
		state:     cfg.State,
		engine:    cfg.Engine,
		rates:     cfg.Rates,
		risk:      cfg.Risk,
		liq:       cfg.Liquidation,
		oracle:    cfg.Oracle,
		log:       logger.With("component", "gateway"),
		pageLimit: pageLimit,
		quota:     cfg.Quota,
		usage:     make(map[string]nativecommon.QuotaNow),
		now:       time.Now,
	}
}

// SetClock overrides the quota clock. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/lending", func(sr chi.Router) {
		sr.Use(s.quotaMiddleware)
		sr.Get("/markets", s.listMarkets)
		sr.Get("/markets/{asset}", s.getMarket)
		sr.Get("/positions/{account}", s.getPortfolio)
		sr.Get("/liquidatable", s.listLiquidatable)
		sr.Get("/liquidations", s.listLiquidations)
		sr.Get("/stats", s.getStats)
	})

	return r
}

func (s *Server) quotaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.quota.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		caller := clientKey(r)
		epoch := s.quota.EpochID(s.now().Unix())

		s.mu.Lock()
		updated, err := nativecommon.CheckQuota(s.quota, epoch, s.usage[caller], 1)
		if err == nil {
			s.usage[caller] = updated
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("request rejected by quota", "caller", caller)
			writeJSONError(w, http.StatusTooManyRequests, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type marketPayload struct {
	Asset                 string `json:"asset"`
	Native                bool   `json:"native"`
	Active                bool   `json:"active"`
	Frozen                bool   `json:"frozen"`
	TotalSupplyUnderlying string `json:"totalSupplyUnderlying"`
	TotalBorrowUnderlying string `json:"totalBorrowUnderlying"`
	TotalSupplyShares     string `json:"totalSupplyShares"`
	TotalBorrowShares     string `json:"totalBorrowShares"`
	SupplyIndex           string `json:"supplyIndex"`
	BorrowIndex           string `json:"borrowIndex"`
	Reserves              string `json:"reserves"`
	SupplyCap             string `json:"supplyCap,omitempty"`
	BorrowCap             string `json:"borrowCap,omitempty"`
	LiquidationThreshold  string `json:"liquidationThreshold"`
	LiquidationBonus      string `json:"liquidationBonus"`
	ReserveFactorBps      uint64 `json:"reserveFactorBps"`
	Utilisation           string `json:"utilisation"`
	BorrowRate            string `json:"borrowRate"`
	SupplyRate            string `json:"supplyRate"`
	LastAccrualTime       int64  `json:"lastAccrualTime"`
}

// marketPayload quotes rates without recording them: a GET must not move the
// circuit-breaker baseline the accrual path clamps against.
func (s *Server) marketPayload(market *lending.Market) marketPayload {
	util := lending.Utilisation(market.TotalBorrowUnderlying, market.TotalSupplyUnderlying)
	var sizeUSD *big.Int
	if s.oracle != nil {
		if usd, err := s.oracle.GetAssetValue(market.Asset, market.TotalSupplyUnderlying); err == nil {
			sizeUSD = usd
		}
	}
	borrowRate, supplyRate := s.rates.QuoteRates(market.Asset, util, market.ReserveFactorBps, sizeUSD)
	return marketPayload{
		Asset:                 market.Asset,
		Native:                market.Native,
		Active:                market.IsActive,
		Frozen:                market.IsFrozen,
		TotalSupplyUnderlying: bigString(market.TotalSupplyUnderlying),
		TotalBorrowUnderlying: bigString(market.TotalBorrowUnderlying),
		TotalSupplyShares:     bigString(market.TotalSupplyShares),
		TotalBorrowShares:     bigString(market.TotalBorrowShares),
		SupplyIndex:           bigString(market.SupplyIndex),
		BorrowIndex:           bigString(market.BorrowIndex),
		Reserves:              bigString(market.Reserves),
		SupplyCap:             optionalBigString(market.SupplyCap),
		BorrowCap:             optionalBigString(market.BorrowCap),
		LiquidationThreshold:  bigString(market.LiquidationThreshold),
		LiquidationBonus:      bigString(market.LiquidationBonus),
		ReserveFactorBps:      market.ReserveFactorBps,
		Utilisation:           bigString(util),
		BorrowRate:            bigString(borrowRate),
		SupplyRate:            bigString(supplyRate),
		LastAccrualTime:       market.LastAccrualTime,
	}
}

func (s *Server) listMarkets(w http.ResponseWriter, _ *http.Request) {
	assets := s.state.MarketAssets()
	payload := make([]marketPayload, 0, len(assets))
	for _, asset := range assets {
		market, err := s.state.Market(asset)
		if err != nil {
			continue
		}
		payload = append(payload, s.marketPayload(market))
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": payload})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "asset")))
	market, err := s.state.Market(asset)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, s.marketPayload(market))
}

type positionPayload struct {
	Asset        string `json:"asset"`
	SupplyShares string `json:"supplyShares"`
	BorrowShares string `json:"borrowShares"`
}

type portfolioPayload struct {
	Account            string            `json:"account"`
	Positions          []positionPayload `json:"positions"`
	TotalCollateralUSD string            `json:"totalCollateralUsd,omitempty"`
	TotalBorrowUSD     string            `json:"totalBorrowUsd,omitempty"`
	HealthFactor       string            `json:"healthFactor,omitempty"`
	Infinite           bool              `json:"infinite"`
	Liquidatable       bool              `json:"liquidatable"`
	RiskLevel          int               `json:"riskLevel,omitempty"`
}

func (s *Server) getPortfolio(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "account")
	if !common.IsHexAddress(raw) {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid account address"))
		return
	}
	account := common.HexToAddress(raw)

	positions, err := s.state.AccountPositions(account)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	payload := portfolioPayload{
		Account:   account.Hex(),
		Positions: make([]positionPayload, 0, len(positions)),
	}
	for _, pos := range positions {
		payload.Positions = append(payload.Positions, positionPayload{
			Asset:        pos.Asset,
			SupplyShares: bigString(pos.SupplyShares),
			BorrowShares: bigString(pos.BorrowShares),
		})
	}
	if snapshot := s.risk.Snapshot(account); snapshot != nil {
		payload.TotalCollateralUSD = bigString(snapshot.TotalCollateralUSD)
		payload.TotalBorrowUSD = bigString(snapshot.TotalBorrowUSD)
		payload.HealthFactor = optionalBigString(snapshot.HealthFactor)
		payload.Infinite = snapshot.Infinite
		payload.Liquidatable = snapshot.IsLiquidatable
		payload.RiskLevel = snapshot.RiskLevel
	}
	writeJSON(w, http.StatusOK, payload)
}

type liquidatablePayload struct {
	Account      string `json:"account"`
	HealthFactor string `json:"healthFactor"`
	TotalDebtUSD string `json:"totalDebtUsd"`
}

func (s *Server) listLiquidatable(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", s.pageLimit)
	if limit > s.pageLimit {
		limit = s.pageLimit
	}
	rows := s.liq.LiquidatablePositions(offset, limit)
	payload := make([]liquidatablePayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, liquidatablePayload{
			Account:      row.Account.Hex(),
			HealthFactor: bigString(row.HealthFactor),
			TotalDebtUSD: bigString(row.TotalDebtUSD),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offset":    offset,
		"limit":     limit,
		"positions": payload,
	})
}

type liquidationPayload struct {
	ID               string `json:"id"`
	Account          string `json:"account"`
	Liquidator       string `json:"liquidator"`
	DebtAsset        string `json:"debtAsset"`
	CollateralAsset  string `json:"collateralAsset"`
	DebtAmount       string `json:"debtAmount"`
	CollateralAmount string `json:"collateralAmount"`
	VolumeUSD        string `json:"volumeUsd"`
	Micro            bool   `json:"micro"`
	Timestamp        int64  `json:"timestamp"`
}

func (s *Server) listLiquidations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.pageLimit)
	if limit > s.pageLimit {
		limit = s.pageLimit
	}
	records := s.liq.RecentRecords(limit)
	payload := make([]liquidationPayload, 0, len(records))
	for _, rec := range records {
		payload = append(payload, liquidationPayload{
			ID:               rec.ID.String(),
			Account:          rec.Account.Hex(),
			Liquidator:       rec.Liquidator.Hex(),
			DebtAsset:        rec.DebtAsset,
			CollateralAsset:  rec.CollateralAsset,
			DebtAmount:       bigString(rec.DebtAmount),
			CollateralAmount: bigString(rec.CollateralAmount),
			VolumeUSD:        bigString(rec.VolumeUSD),
			Micro:            rec.Micro,
			Timestamp:        rec.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidations": payload})
}

type statsPayload struct {
	TotalValueLockedUSD string `json:"totalValueLockedUsd"`
	TotalBorrowedUSD    string `json:"totalBorrowedUsd"`
	WeightedSupplyAPY   string `json:"weightedSupplyApy"`
	WeightedBorrowAPY   string `json:"weightedBorrowApy"`
	AccountsAtRisk      int    `json:"accountsAtRisk"`
	LastUpdate          int64  `json:"lastUpdate"`

	LiquidationCount       uint64 `json:"liquidationCount"`
	LiquidationVolumeUSD   string `json:"liquidationVolumeUsd"`
	Liquidations24hCount   uint64 `json:"liquidations24hCount"`
	Liquidations24hVolume  string `json:"liquidations24hVolumeUsd"`
	LiquidationWindowStart int64  `json:"liquidationWindowStart"`
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	metrics := s.engine.Metrics()
	stats := s.liq.Stats()
	writeJSON(w, http.StatusOK, statsPayload{
		TotalValueLockedUSD:    bigString(metrics.TotalValueLockedUSD),
		TotalBorrowedUSD:       bigString(metrics.TotalBorrowedUSD),
		WeightedSupplyAPY:      bigString(metrics.WeightedSupplyAPY),
		WeightedBorrowAPY:      bigString(metrics.WeightedBorrowAPY),
		AccountsAtRisk:         metrics.AccountsAtRisk,
		LastUpdate:             metrics.LastUpdate,
		LiquidationCount:       stats.TotalCount,
		LiquidationVolumeUSD:   bigString(stats.TotalVolumeUSD),
		Liquidations24hCount:   stats.WindowCount,
		Liquidations24hVolume:  bigString(stats.WindowVolumeUSD),
		LiquidationWindowStart: stats.WindowStart,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func optionalBigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
