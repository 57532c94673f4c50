package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	operations        *prometheus.CounterVec
	liquidations      prometheus.Counter
	liquidationVolume prometheus.Counter
	tvlUSD            prometheus.Gauge
	borrowedUSD       prometheus.Gauge
	accountsAtRisk    prometheus.Gauge
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_operations_total",
				Help: "Count of committed ledger operations by kind and asset.",
			}, []string{"op", "asset"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_liquidations_total",
				Help: "Count of executed liquidations.",
			}),
			liquidationVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_liquidation_volume_usd_total",
				Help: "Cumulative USD value of debt repaid through liquidations.",
			}),
			tvlUSD: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_tvl_usd",
				Help: "Total value of supplied collateral across all markets.",
			}),
			borrowedUSD: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_borrowed_usd",
				Help: "Total outstanding borrows across all markets.",
			}),
			accountsAtRisk: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_accounts_at_risk",
				Help: "Number of accounts currently below the at-risk health boundary.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.liquidations,
			lendingRegistry.liquidationVolume,
			lendingRegistry.tvlUSD,
			lendingRegistry.borrowedUSD,
			lendingRegistry.accountsAtRisk,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) OperationCommitted(op, asset string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if asset == "" {
		asset = "unknown"
	}
	m.operations.WithLabelValues(op, asset).Inc()
}

func (m *LendingMetrics) LiquidationExecuted(volumeUSD float64) {
	if m == nil {
		return
	}
	m.liquidations.Inc()
	if volumeUSD > 0 {
		m.liquidationVolume.Add(volumeUSD)
	}
}

func (m *LendingMetrics) SetAggregates(tvlUSD, borrowedUSD float64, accountsAtRisk int) {
	if m == nil {
		return
	}
	m.tvlUSD.Set(tvlUSD)
	m.borrowedUSD.Set(borrowedUSD)
	m.accountsAtRisk.Set(float64(accountsAtRisk))
}
