package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts inbound gateway webhooks by event type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgadmin",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Inbound gateway webhooks by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks webhook handling latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orgadmin",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookRetriesTotal counts retry-pass attempts by outcome.
	WebhookRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgadmin",
		Subsystem: "billing",
		Name:      "webhook_retries_total",
		Help:      "Webhook retry attempts by outcome.",
	}, []string{"outcome"})

	// SweepTransitionsTotal counts subscription transitions made by the lifecycle sweeper.
	SweepTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgadmin",
		Subsystem: "billing",
		Name:      "sweep_transitions_total",
		Help:      "Subscription transitions made by the lifecycle sweeper, by pass.",
	}, []string{"pass"})

	// SweepDuration tracks lifecycle sweep latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orgadmin",
		Subsystem: "billing",
		Name:      "sweep_duration_seconds",
		Help:      "Lifecycle sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// GatewayCallsTotal counts outbound payment gateway calls by operation and outcome.
	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgadmin",
		Subsystem: "billing",
		Name:      "gateway_calls_total",
		Help:      "Outbound payment gateway calls by operation and outcome.",
	}, []string{"op", "outcome"})

	// FollowUpJobsTotal counts gateway follow-up jobs by kind and outcome.
	FollowUpJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orgadmin",
		Subsystem: "jobqueue",
		Name:      "follow_up_jobs_total",
		Help:      "Gateway follow-up jobs by kind and outcome.",
	}, []string{"kind", "outcome"})
)
