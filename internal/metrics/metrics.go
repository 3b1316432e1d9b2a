package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybroker_acquires_total",
			Help: "Acquire calls by config and outcome",
		},
		[]string{"config", "outcome"}, // acquired|fatal_request|exhausted|no_candidates
	)

	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybroker_reports_total",
			Help: "Outcome reports by kind",
		},
		[]string{"kind"}, // success|soft_failure|hard_failure|fatal
	)

	StrikesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keybroker_strikes_total",
			Help: "Hard-failure strikes recorded against credentials",
		},
	)

	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keybroker_pool_size",
			Help: "Credentials per pool state",
		},
		[]string{"state"}, // available|cooldown|dead
	)
)

var registerOnce sync.Once

// MustRegister registers the collectors exactly once; repeat calls are
// no-ops so multiple server instances can share one registry.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			AcquiresTotal,
			ReportsTotal,
			StrikesTotal,
			PoolSize,
		)
	})
}
