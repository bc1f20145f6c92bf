package observe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageEvents counts handled events by stage and outcome
	// (pass, drop, auto, error, skipped).
	StageEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seta",
			Name:      "stage_events_total",
			Help:      "Events handled per pipeline stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	EventsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seta",
			Name:      "events_lost_total",
			Help:      "Malformed events skipped without processing",
		},
		[]string{"topic"},
	)

	// BacklogDropped counts events discarded from the in-process channel
	// because the topic had no consumer and its backlog was full.
	BacklogDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seta",
			Name:      "channel_backlog_dropped_total",
			Help:      "Events dropped from a full backlog of an unconsumed topic",
		},
		[]string{"topic"},
	)

	Drops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seta",
			Name:      "filter_drops_total",
			Help:      "Filtered fragments by stage and label",
		},
		[]string{"stage", "label"},
	)

	SavedTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seta",
			Name:      "saved_tokens_total",
			Help:      "Tokens kept away from generation",
		},
		[]string{"stage"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seta",
			Name:      "stage_duration_seconds",
			Help:      "Time spent handling one event",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "seta",
			Name:      "generation_latency_seconds",
			Help:      "Generation time from request to terminal event",
			Buckets:   []float64{.25, .5, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	DeltasPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seta",
			Name:      "generation_deltas_total",
			Help:      "Partial generation events published",
		},
	)

	SummariesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seta",
			Name:      "summaries_written_total",
			Help:      "Summaries committed",
		},
	)
)
