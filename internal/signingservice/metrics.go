package signingservice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	signed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concent",
		Subsystem: "signing_service",
		Name:      "requests_total",
		Help:      "Signing requests by outcome (signed or rejection reason)",
	}, []string{"outcome"})

	rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concent",
		Subsystem: "signing_service",
		Name:      "rejected_frames_total",
		Help:      "Frames answered with an error, by code",
	}, []string{"code"})
)
