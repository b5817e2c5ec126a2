package endpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelProtocol = "protocol"
	labelRemote   = "remote"
)

var (
	metricQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "someip_endpoint_queue_depth",
			Help: "Pending send-queue depth for an endpoint",
		},
		[]string{labelProtocol, labelRemote},
	)

	metricReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "someip_endpoint_reconnects_total",
			Help: "Total reconnect attempts by a client endpoint",
		},
		[]string{labelProtocol, labelRemote},
	)

	metricQueueFull = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "someip_endpoint_queue_full_total",
			Help: "Sends rejected because the send queue was at capacity",
		},
		[]string{labelProtocol, labelRemote},
	)

	metricCookieResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "someip_endpoint_cookie_resyncs_total",
			Help: "Magic-cookie resyncs performed on a stream endpoint",
		},
		[]string{labelRemote},
	)
)
