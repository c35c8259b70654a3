// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveriesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presents_email_deliveries_total",
			Help: "Email delivery status transitions by target kind and resulting status",
		},
		[]string{"target", "status"},
	)

	DispatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presents_dispatch_runs_total",
			Help: "Scheduled email dispatch runs by result",
		},
		[]string{"result"},
	)

	RecipientTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presents_recipient_tasks_total",
			Help: "Per-recipient send tasks by outcome",
		},
		[]string{"outcome"},
	)

	InvitationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presents_invitations_created_total",
			Help: "Event invitations created",
		},
	)

	ScheduledEmailsOverdue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presents_scheduled_emails_overdue",
			Help: "Scheduled emails still unsent past the grace window at the last check",
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presents_dispatch_duration_seconds",
			Help:    "Duration of a scheduled email dispatch run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)
