package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridgectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Name:      "messages_sent_total",
			Help:      "Messages handed to the link, by result.",
		},
		[]string{"result"},
	)
	messagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Name:      "messages_received_total",
			Help:      "Inbound messages queued for listener delivery.",
		},
	)
	listenerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Name:      "listener_panics_total",
			Help:      "Listener callbacks that panicked during delivery.",
		},
	)
	overlayTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgectl",
			Name:      "overlay_transitions_total",
			Help:      "Applied overlay visibility transitions.",
		},
		[]string{"state"},
	)
	paired = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bridgectl",
			Name:      "paired",
			Help:      "Live paired links by local side.",
		},
		[]string{"side"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			messagesSent,
			messagesReceived,
			listenerPanics,
			overlayTransitions,
			paired,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordMessageSent(accepted bool) {
	RegisterMetrics()
	result := "accepted"
	if !accepted {
		result = "refused"
	}
	messagesSent.WithLabelValues(result).Inc()
}

func RecordMessageReceived() {
	RegisterMetrics()
	messagesReceived.Inc()
}

func RecordListenerPanic() {
	RegisterMetrics()
	listenerPanics.Inc()
}

func RecordOverlayTransition(state string) {
	RegisterMetrics()
	overlayTransitions.WithLabelValues(state).Inc()
}

// SetPaired adjusts the live-link gauge for side by delta.
func SetPaired(side string, delta float64) {
	RegisterMetrics()
	paired.WithLabelValues(side).Add(delta)
}
