// Package metrics exposes Prometheus collectors for update handling.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tgbot"

// Handler outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomePanic = "panic"
)

var (
	once sync.Once

	updatesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_received_total",
			Help:      "Updates received by type.",
		},
		[]string{"type"},
	)

	updatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dropped_total",
			Help:      "Updates that matched no route.",
		},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler latency by route and outcome.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"route", "outcome"},
	)

	broadcastMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Broadcast deliveries by result (sent/blocked/failed).",
		},
		[]string{"result"},
	)

	webhookRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejected_total",
			Help:      "Webhook requests refused by reason.",
		},
		[]string{"reason"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			updatesReceived, updatesDropped, handlerDuration,
			broadcastMessages, webhookRejected,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func norm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}

func UpdateReceived(updateType string) {
	updatesReceived.WithLabelValues(norm(updateType)).Inc()
}

func UpdateDropped() {
	updatesDropped.Inc()
}

func ObserveHandler(route, outcome string, elapsed time.Duration) {
	handlerDuration.WithLabelValues(norm(route), norm(outcome)).Observe(elapsed.Seconds())
}

func BroadcastResult(result string) {
	broadcastMessages.WithLabelValues(norm(result)).Inc()
}

func WebhookRejected(reason string) {
	webhookRejected.WithLabelValues(norm(reason)).Inc()
}
