// Package metrics defines the coordinator's Prometheus collectors. A
// single Set is created at startup and threaded through the subsystems;
// the API server exposes it on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intendly"

// Set holds every coordinator metric.
type Set struct {
	registry *prometheus.Registry

	IntentsAdmitted   prometheus.Counter
	IntentsDuplicate  prometheus.Counter
	IntentsRejected   *prometheus.CounterVec
	BidsAccepted      prometheus.Counter
	BidsSuperseded    prometheus.Counter
	BidsRejected      *prometheus.CounterVec
	AuctionsSettled   prometheus.Counter
	AuctionsExpired   prometheus.Counter
	IntentsReaped     prometheus.Counter
	OpenAuctions      prometheus.Gauge
	SolverSessions    prometheus.Gauge
	ClientSessions    prometheus.Gauge
	BidAdmitLatency   prometheus.Histogram
	SessionsClosed    *prometheus.CounterVec
}

// NewSet builds and registers the full metric set on a fresh registry,
// including the standard Go runtime and process collectors.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		IntentsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_admitted_total",
			Help: "Intents accepted by the admission pipeline.",
		}),
		IntentsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_duplicate_total",
			Help: "Intent submissions that matched an existing hash.",
		}),
		IntentsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_rejected_total",
			Help: "Intent submissions rejected, by error kind.",
		}, []string{"kind"}),
		BidsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_accepted_total",
			Help: "Bids admitted into an auction.",
		}),
		BidsSuperseded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_superseded_total",
			Help: "Accepted bids replaced by a newer bid from the same solver.",
		}),
		BidsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_rejected_total",
			Help: "Bid submissions rejected, by error kind.",
		}, []string{"kind"}),
		AuctionsSettled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auctions_settled_total",
			Help: "Auctions that closed with a winning bid.",
		}),
		AuctionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auctions_expired_total",
			Help: "Auctions that closed without enough accepted bids.",
		}),
		IntentsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_reaped_total",
			Help: "Overdue intents expired by the reaper.",
		}),
		OpenAuctions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_auctions",
			Help: "Auctions currently inside their bidding window.",
		}),
		SolverSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "solver_sessions",
			Help: "Connected, authenticated solver sessions.",
		}),
		ClientSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "client_sessions",
			Help: "Connected, authenticated subscriber sessions.",
		}),
		BidAdmitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "bid_admit_seconds",
			Help:    "Wall time to validate, score, and persist one bid.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total",
			Help: "Sessions closed, by reason (disconnect, timeout, backpressure).",
		}, []string{"reason"}),
	}
}

// Handler returns the /metrics HTTP handler for this set.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
