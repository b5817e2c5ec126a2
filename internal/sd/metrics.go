package sd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the SD engine, mirroring the teacher's
// per-package metrics.go files (liveness/metrics.go, manager/metrics.go):
// a small promauto-registered set covering phase transitions, reboot
// detections, and subscriber churn.
var (
	metricOffersSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "someip",
		Subsystem: "sd",
		Name:      "offers_sent_total",
		Help:      "OfferService entries sent, by phase.",
	}, []string{"phase"})

	metricFindsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "someip",
		Subsystem: "sd",
		Name:      "finds_sent_total",
		Help:      "FindService entries sent.",
	}, []string{})

	metricRebootsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "someip",
		Subsystem: "sd",
		Name:      "peer_reboots_detected_total",
		Help:      "Peer reboots detected via session_id wrap or reboot flag.",
	}, []string{"multicast"})

	metricSubscribersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "someip",
		Subsystem: "sd",
		Name:      "subscribers_active",
		Help:      "Currently live eventgroup subscribers.",
	}, []string{"service_id", "eventgroup_id"})

	metricSubscribersExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "someip",
		Subsystem: "sd",
		Name:      "subscribers_expired_total",
		Help:      "Eventgroup subscribers removed on TTL elapse without refresh.",
	}, []string{})
)
