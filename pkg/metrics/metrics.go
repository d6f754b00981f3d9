// Package metrics exposes Prometheus collectors for finding mutations,
// searches and notifications.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Bulk item outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// Notification outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeError     = "error"
)

// Search modes.
const (
	ModeIndex    = "index"
	ModeDegraded = "degraded"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "transitions_total",
			Help:      "Workflow transitions applied, partitioned by transition key.",
		},
		[]string{"transition"},
	)

	bulkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "bulk_items_total",
			Help:      "Findings processed by bulk changes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	searchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "triage",
			Name:      "search_seconds",
			Help:      "Search latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"mode"},
	)

	searchRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "search_rejected_total",
			Help:      "Search requests rejected before execution, partitioned by reason.",
		},
		[]string{"reason"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "notifications_total",
			Help:      "Finding change notifications, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches the triage collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		transitionsTotal,
		bulkItemsTotal,
		searchSeconds,
		searchRejectedTotal,
		notificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveTransition counts one applied transition.
func ObserveTransition(key string) {
	transitionsTotal.WithLabelValues(key).Inc()
}

// ObserveBulkItem counts one bulk item outcome.
func ObserveBulkItem(outcome string) {
	bulkItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSearch records a search duration for a mode.
func ObserveSearch(mode string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	searchSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveSearchRejected counts a rejected search.
func ObserveSearchRejected(reason string) {
	searchRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveNotification counts a notification outcome.
func ObserveNotification(outcome string) {
	notificationsTotal.WithLabelValues(outcome).Inc()
}
