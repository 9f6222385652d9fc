package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ldapdeck/ldapdeck/internal/ldap"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapdeck_directory_operations_total",
		Help: "Directory operations executed, by operation and outcome.",
	}, []string{"operation", "outcome"})

	credentialEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapdeck_credential_cache_events_total",
		Help: "Credential cache saves, hits, misses and clears.",
	}, []string{"event"})

	poolGaugeOnce sync.Once
)

// registerPoolGauge publishes the live pool size. Guarded so tests that
// construct multiple servers do not re-register the collector.
func registerPoolGauge(pool *ldap.Pool) {
	poolGaugeOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ldapdeck_pool_sessions",
			Help: "Live sessions currently held by the connection pool.",
		}, func() float64 {
			return float64(pool.Stats().Size)
		})
	})
}

func observe(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	operationsTotal.WithLabelValues(operation, outcome).Inc()
}
