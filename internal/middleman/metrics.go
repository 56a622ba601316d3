package middleman

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "concent",
		Subsystem: "middleman",
		Name:      "connected_clients",
		Help:      "Open control-plane connections",
	})

	signingServiceConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "concent",
		Subsystem: "middleman",
		Name:      "signing_service_connected",
		Help:      "1 while an authenticated signing service is attached",
	})

	trackedRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "concent",
		Subsystem: "middleman",
		Name:      "tracked_requests",
		Help:      "Requests forwarded to the signing service and not yet answered",
	})

	forwardedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "concent",
		Subsystem: "middleman",
		Name:      "forwarded_requests_total",
		Help:      "Requests forwarded to the signing service",
	})

	routedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "concent",
		Subsystem: "middleman",
		Name:      "routed_responses_total",
		Help:      "Signing service responses delivered to a control-plane connection",
	})

	droppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concent",
		Subsystem: "middleman",
		Name:      "dropped_messages_total",
		Help:      "Requests or responses that could not be delivered",
	}, []string{"reason"})

	rejectedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "concent",
		Subsystem: "middleman",
		Name:      "rejected_frames_total",
		Help:      "Frames that failed to decode, by side and error code",
	}, []string{"side", "code"})

	heartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "concent",
		Subsystem: "middleman",
		Name:      "heartbeats_sent_total",
		Help:      "Heartbeat frames written to the signing service",
	})
)
