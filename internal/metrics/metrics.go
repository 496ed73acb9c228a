// Package metrics defines the Prometheus instruments exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_tasks_total",
			Help: "Tasks by terminal outcome",
		},
		[]string{"outcome", "profile"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_tasks_in_flight",
			Help: "Tasks admitted and not yet terminal",
		},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_backend_attempts_total",
			Help: "Backend attempts by result",
		},
		[]string{"backend", "result"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "switchboard_task_duration_seconds",
			Help: "Submit-to-outcome latency",
		},
		[]string{"outcome"},
	)

	CloudCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_cloud_calls_total",
			Help: "Cloud backend calls by cost class",
		},
		[]string{"cost_class"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchboard_queue_depth",
			Help: "Queued tasks per chat",
		},
		[]string{"chat_id"},
	)

	FeedbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_feedback_ratings_total",
			Help: "Feedback ratings recorded",
		},
	)
)
