package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Delivery metrics
	DeliveriesSucceeded prometheus.Counter
	DeliveriesFailed    prometheus.Counter
	DeliveriesNotFound  prometheus.Counter
	DeliveriesDeferred  prometheus.Counter
	DeliveryDuration    prometheus.Histogram
	DeliveryRetries     prometheus.Counter
	ThrottleHits        prometheus.Counter
	MalformedTasks      prometheus.Counter

	// Workflow metrics
	WorkflowSteps      *prometheus.CounterVec
	WorkflowRestarts   prometheus.Counter
	WorkflowsCompleted *prometheus.CounterVec

	// Queue metrics
	QueueOperations *prometheus.CounterVec
}

// New creates metrics without registering them, for tests.
func New(namespace string) *Metrics {
	m := &Metrics{
		DeliveriesSucceeded: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_succeeded_total"}),
		DeliveriesFailed:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_failed_total"}),
		DeliveriesNotFound:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_not_found_total"}),
		DeliveriesDeferred:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "deliveries_deferred_total"}),
		DeliveryDuration:    prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "delivery_duration_seconds"}),
		DeliveryRetries:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "delivery_retry_attempts_total"}),
		ThrottleHits:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "throttle_hits_total"}),
		MalformedTasks:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "malformed_tasks_total"}),
		WorkflowSteps:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "workflow_steps_total"}, []string{"activity", "status"}),
		WorkflowRestarts:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "workflow_checkpoint_restarts_total"}),
		WorkflowsCompleted:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "workflows_completed_total"}, []string{"kind", "status"}),
		QueueOperations:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "queue_operations_total"}, []string{"operation", "status"}),
	}
	return m
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		DeliveriesSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_succeeded_total",
			Help:      "Total number of messages delivered to the channel",
		}),
		DeliveriesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_failed_total",
			Help:      "Total number of deliveries that failed terminally",
		}),
		DeliveriesNotFound: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_not_found_total",
			Help:      "Total number of recipients marked not found",
		}),
		DeliveriesDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_deferred_total",
			Help:      "Total number of tasks deferred by the global throttle",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent processing one delivery task",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		DeliveryRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_retry_attempts_total",
			Help:      "Total number of delivery retry attempts",
		}),
		ThrottleHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "throttle_hits_total",
			Help:      "Total number of channel rate-limit responses",
		}),
		MalformedTasks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_tasks_total",
			Help:      "Total number of undeserializable tasks dead-lettered",
		}),
		WorkflowSteps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_steps_total",
			Help:      "Total number of executed workflow activities",
		}, []string{"activity", "status"}),
		WorkflowRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_checkpoint_restarts_total",
			Help:      "Total number of workflow checkpoint restarts",
		}),
		WorkflowsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_completed_total",
			Help:      "Total number of finished workflow instances",
		}, []string{"kind", "status"}),
		QueueOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_operations_total",
			Help:      "Total number of queue operations",
		}, []string{"operation", "status"}),
	}
}
