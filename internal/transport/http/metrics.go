package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyserve",
		Name:      "verifications_total",
		Help:      "Key verification requests by outcome.",
	}, []string{"outcome"})

	adminLoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keyserve",
		Name:      "admin_logins_total",
		Help:      "Admin login attempts by outcome.",
	}, []string{"outcome"})

	keysIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keyserve",
		Name:      "keys_issued_total",
		Help:      "License keys issued through the admin API.",
	})
)

// MetricsHandler exposes the Prometheus metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RegisterActiveKeysGauge exports the live count of consumable keys. The
// count is computed on scrape, so it tracks expiry and exhaustion without
// any bookkeeping in the store.
func RegisterActiveKeysGauge(count func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "keyserve",
		Name:      "active_keys",
		Help:      "License keys currently consumable.",
	}, count)
}
