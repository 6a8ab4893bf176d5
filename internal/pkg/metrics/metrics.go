package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts settlement outcomes: settled, noop, rolled_back
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credhub",
		Name:      "settlements_total",
		Help:      "Generation settlement attempts by outcome.",
	}, []string{"outcome"})

	// RefundsTotal counts refunds issued by kind: wallet, client_token, none
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credhub",
		Name:      "refunds_total",
		Help:      "Refunds issued during settlement by kind.",
	}, []string{"kind"})

	// AdmissionsTotal counts admission decisions: admitted, queued, and
	// dispatched for queued generations later drained into a freed slot
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credhub",
		Name:      "admissions_total",
		Help:      "Generation admission decisions.",
	}, []string{"result"})

	// QueueDepth tracks the number of queued generations
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "credhub",
		Name:      "queue_depth",
		Help:      "Generations currently waiting for a concurrency slot.",
	})

	// SweepItemsTotal counts sweep results per sweep kind
	SweepItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credhub",
		Name:      "sweep_items_total",
		Help:      "Items processed by reconciliation sweeps.",
	}, []string{"sweep", "result"})
)

// Handler exposes the prometheus scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
