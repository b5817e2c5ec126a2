package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the routing core, mirroring the teacher's
// per-package metrics.go files (manager/metrics.go, liveness/metrics.go).
var (
	metricDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "someip",
		Subsystem: "routing",
		Name:      "dispatched_total",
		Help:      "Messages routed, by message kind and outcome.",
	}, []string{"kind", "outcome"})

	metricFanout = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "someip",
		Subsystem: "routing",
		Name:      "notification_fanout_total",
		Help:      "Per-subscriber notification sends, by delivery kind.",
	}, []string{"delivery"})

	metricMailboxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "someip",
		Subsystem: "routing",
		Name:      "mailbox_dropped_total",
		Help:      "Messages dropped because a client's mailbox was full.",
	}, []string{"reason"})
)
