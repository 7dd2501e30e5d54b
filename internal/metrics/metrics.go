// Package metrics exposes Prometheus instrumentation for the identity
// server. Collectors are registered on the default registry at init.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "sigil"

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	LoginRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "login_requests_total",
			Help:      "Device-trust login requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tokens_issued_total",
			Help:      "OAuth token responses by grant type",
		},
		[]string{"grant_type"},
	)

	RefreshReuseDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "refresh_reuse_detected_total",
			Help:      "Refresh token families revoked after reuse",
		},
	)

	PasskeyCeremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "passkey_ceremonies_total",
			Help:      "Completed WebAuthn ceremonies by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TrustCodeLoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "trust_code_logins_total",
			Help:      "Trust code login attempts by outcome",
		},
		[]string{"outcome"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "ws_connections",
			Help:      "Open realtime connections",
		},
	)

	PushDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "push_deliveries_total",
			Help:      "Web push deliveries by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code",
		},
		[]string{"route", "status"},
	)
)

func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

func RecordHTTPRequest(route string, status int) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
