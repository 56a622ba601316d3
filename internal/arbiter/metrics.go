package arbiter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var settleFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "concent",
	Subsystem: "arbiter",
	Name:      "settle_failures_total",
	Help:      "Expired subtasks whose settlement failed and was left for a later pass",
})
