package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_jobs_enqueued_total", Help: "Jobs created by enqueue"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsSucceeded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_jobs_retried_total", Help: "Jobs scheduled for retry after transient failure"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_jobs_failed_total", Help: "Jobs terminally failed"})
	JobsReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_jobs_reclaimed_total", Help: "Jobs reclaimed after heartbeat expiry"})
	GovernanceSkips    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_governance_skips_total", Help: "Jobs deferred by source governance"})
	BreakerOpens       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_breaker_opens_total", Help: "Circuit breaker openings"})
	CompsUpserted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_comps_upserted_total", Help: "Comp rows inserted or improved"})
	ValuationsComputed = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_valuations_computed_total", Help: "Valuation recomputes persisted"})
	ClaimableDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pricing_claimable_depth", Help: "Jobs claimable right now"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			GovernanceSkips,
			BreakerOpens,
			CompsUpserted,
			ValuationsComputed,
			ClaimableDepth,
		)
	})
	return promhttp.Handler()
}
