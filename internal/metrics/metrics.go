// Package metrics exposes engine health and trading activity counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Duration of one coordinator tick.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_total",
		Help: "Total coordinator ticks processed.",
	})

	RegimeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_volatility_regime",
		Help: "Current volatility regime as an ordinal (0=very_low .. 4=extreme).",
	})

	RegimeUnavailable = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_regime_unavailable_total",
		Help: "Ticks where the volatility regime could not be classified.",
	})

	PositionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_positions_open",
		Help: "Fully-established open positions.",
	})

	EntriesDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_entries_denied_total",
		Help: "Entry attempts denied, by reason.",
	}, []string{"reason"})

	PositionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_positions_opened_total",
		Help: "Positions opened.",
	})

	PositionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_positions_closed_total",
		Help: "Positions closed, by exit type.",
	}, []string{"exit"})

	PartialFills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_partial_fills_total",
		Help: "Combinations that required unwind remediation.",
	})

	NakedLegIncidents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_naked_leg_incidents_total",
		Help: "Remediation failures leaving one-sided exposure.",
	})

	BreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_breaker_trips_total",
		Help: "Circuit breaker trips, by breaker.",
	}, []string{"breaker"})

	PortfolioDelta = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_portfolio_delta",
		Help: "Aggregate portfolio delta.",
	})

	PortfolioTheta = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_portfolio_theta",
		Help: "Aggregate portfolio theta per day.",
	})
)

// Register installs every engine metric on the default registry.
func Register() {
	prometheus.MustRegister(
		TickDuration,
		TicksTotal,
		RegimeGauge,
		RegimeUnavailable,
		PositionsOpen,
		EntriesDenied,
		PositionsOpened,
		PositionsClosed,
		PartialFills,
		NakedLegIncidents,
		BreakerTrips,
		PortfolioDelta,
		PortfolioTheta,
	)
}
