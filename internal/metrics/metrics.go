package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chekodel",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chekodel",
			Name:      "webhooks_received_total",
			Help:      "Incoming gateway webhooks by event type and event status.",
		},
		[]string{"event_type", "status"},
	)

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chekodel",
			Name:      "tasks_processed_total",
			Help:      "Queue task outcomes by task type.",
		},
		[]string{"task_type", "outcome"},
	)

	providerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chekodel",
			Name:      "provider_requests_total",
			Help:      "MyTax provider calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	relayDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chekodel",
			Name:      "relay_dispatches_total",
			Help:      "Relay dispatch results by final status.",
		},
		[]string{"status"},
	)

	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chekodel",
			Name:      "telegram_notifications_total",
			Help:      "Telegram notifications by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chekodel",
			Name:      "queue_depth",
			Help:      "Receipt tasks currently in each status.",
		},
		[]string{"status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			webhooksReceived,
			tasksProcessed,
			providerRequests,
			relayDeliveries,
			notificationsSent,
			queueDepth,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncWebhook counts an accepted webhook with its resulting event status.
func IncWebhook(eventType, status string) {
	webhooksReceived.WithLabelValues(eventType, status).Inc()
}

// IncTask counts a finished queue task attempt outcome.
func IncTask(taskType, outcome string) {
	tasksProcessed.WithLabelValues(taskType, outcome).Inc()
}

// IncProvider counts a MyTax provider call.
func IncProvider(operation, outcome string) {
	providerRequests.WithLabelValues(operation, outcome).Inc()
}

// IncRelay counts a relay dispatch by final status.
func IncRelay(status string) {
	relayDeliveries.WithLabelValues(status).Inc()
}

// IncNotification counts a Telegram notification attempt.
func IncNotification(event, outcome string) {
	notificationsSent.WithLabelValues(event, outcome).Inc()
}

// SetQueueDepth publishes the number of tasks in a status.
func SetQueueDepth(status string, count int64) {
	queueDepth.WithLabelValues(status).Set(float64(count))
}
