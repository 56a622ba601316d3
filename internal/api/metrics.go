package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Requests handled by endpoint and outcome",
		},
		// outcome: response/accepted/empty/client_error/internal_error/rate_limited
		[]string{"endpoint", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "concent",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	clientErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "api",
			Name:      "client_errors_total",
			Help:      "Rejected client requests by error code",
		},
		[]string{"code"},
	)
)
