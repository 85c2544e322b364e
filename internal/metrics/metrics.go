// Package metrics provides Prometheus metrics for feed ingestion.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks finished runs by status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feeddelta",
			Subsystem: "ingestion",
			Name:      "runs_total",
			Help:      "Total number of ingestion runs by final status",
		},
		[]string{"status"},
	)

	// FeedsTotal tracks finished feeds by status
	FeedsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feeddelta",
			Subsystem: "ingestion",
			Name:      "feeds_total",
			Help:      "Total number of feed attempts by final status",
		},
		[]string{"feed", "status"},
	)

	// FeedDuration tracks how long one feed takes from locate to cleanup
	FeedDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feeddelta",
			Subsystem: "ingestion",
			Name:      "feed_duration_seconds",
			Help:      "Duration of feed processing in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"feed"},
	)

	// StagedRowsTotal tracks rows copied into staging
	StagedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feeddelta",
			Subsystem: "ingestion",
			Name:      "staged_rows_total",
			Help:      "Total number of rows bulk loaded into staging",
		},
		[]string{"feed"},
	)

	// DeltaEventsTotal tracks generated delta events
	DeltaEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feeddelta",
			Subsystem: "delta",
			Name:      "events_total",
			Help:      "Total number of delta events generated",
		},
		[]string{"feed"},
	)

	// KafkaMessagesPublished tracks delta events published to Kafka
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feeddelta",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of delta events published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// HTTPRequestsTotal tracks API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feeddelta",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests served",
		},
		[]string{"method", "status_code"},
	)
)
