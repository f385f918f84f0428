package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	StreamsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coach_streams_opened_total",
			Help: "Guidance streams opened",
		},
	)

	StreamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coach_stream_outcomes_total",
			Help: "Guidance streams by terminal outcome",
		},
		[]string{"outcome"}, // completed, truncated, transport, status, timeout, cancelled, rejected
	)

	RecordsDecoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coach_stream_records_total",
			Help: "Complete stream records decoded",
		},
	)

	RecordsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coach_stream_records_malformed_total",
			Help: "Stream records skipped because they failed to decode",
		},
	)

	// Transcript metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coach_messages_published_total",
			Help: "Messages accepted into the transcript",
		},
		[]string{"sender"},
	)

	DuplicatesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coach_messages_suppressed_total",
			Help: "Publishes dropped by the deduplicator",
		},
		[]string{"reason"},
	)

	// Identity metrics
	SessionResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coach_session_resolutions_total",
			Help: "Session resolutions by path taken",
		},
		[]string{"path"}, // current, created, cached, failed
	)

	Migrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coach_migrations_total",
			Help: "Anonymous session migrations by result",
		},
		[]string{"result"}, // migrated, skipped, failed
	)
)
