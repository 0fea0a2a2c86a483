// Package observability holds the Prometheus metrics for the conversion
// pipeline and payout flow. Metrics are registered once via promauto and
// exposed on /metrics when the server enables it.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Conversion Pipeline Metrics ────────────────────────────────────────────

// ConversionsTotal counts processed conversion requests by API version and
// outcome (committed, inactive, rejected, failed).
var ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qube",
	Subsystem: "conversion",
	Name:      "requests_total",
	Help:      "Total conversion requests by API version and outcome.",
}, []string{"version", "outcome"})

// RewardAmount accumulates granted reward amounts by reward kind.
var RewardAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qube",
	Subsystem: "conversion",
	Name:      "reward_amount_total",
	Help:      "Total reward amount granted, by reward kind.",
}, []string{"kind"})

// RateLimitedTotal counts requests rejected by the per-key rate limit.
var RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qube",
	Subsystem: "conversion",
	Name:      "rate_limited_total",
	Help:      "Total requests rejected by the API key rate limit.",
})

// LedgerTxDuration observes the latency of the atomic ledger transaction.
var LedgerTxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "qube",
	Subsystem: "ledger",
	Name:      "transaction_seconds",
	Help:      "Duration of the atomic conversion ledger transaction.",
	Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
})

// ─── Click Tracking Metrics ─────────────────────────────────────────────────

// ClicksTotal counts recorded clicks by source.
var ClicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qube",
	Subsystem: "click",
	Name:      "recorded_total",
	Help:      "Total recorded clicks by source.",
}, []string{"source"})

// GeoLookupFailures counts failed country lookups.
var GeoLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qube",
	Subsystem: "click",
	Name:      "geo_failures_total",
	Help:      "Total failed IP country lookups.",
})

// ─── Postback Metrics ───────────────────────────────────────────────────────

// PostbacksTotal counts outbound partner postbacks by outcome
// (sent, unset_url, failed).
var PostbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qube",
	Subsystem: "postback",
	Name:      "outbound_total",
	Help:      "Total outbound ASP postbacks by outcome.",
}, []string{"outcome"})

// ─── Payout Metrics ─────────────────────────────────────────────────────────

// PayoutsTotal counts settlement attempts by outcome (settled, failed).
var PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qube",
	Subsystem: "payout",
	Name:      "settlements_total",
	Help:      "Total payout settlement attempts by outcome.",
}, []string{"outcome"})

// PayoutAmount accumulates settled payout amounts.
var PayoutAmount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "qube",
	Subsystem: "payout",
	Name:      "amount_total",
	Help:      "Total settled payout amount.",
})
