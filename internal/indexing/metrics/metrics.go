package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed tracks total blocks processed per chain
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_blocks_processed_total",
			Help: "Total number of blocks processed",
		},
		[]string{"chain"},
	)

	// EventsNormalized counts events turned into ledger records
	EventsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_events_normalized_total",
			Help: "Total number of events normalized into ledger records",
		},
		[]string{"chain", "kind"},
	)

	// EventsRejected counts malformed events that were skipped
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_events_rejected_total",
			Help: "Total number of malformed events skipped",
		},
		[]string{"chain", "reason"},
	)

	// ReorgsDetected tracks chain reorganizations
	ReorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_reorgs_total",
			Help: "Total number of chain reorganizations handled",
		},
		[]string{"chain"},
	)

	// ReorgDepth tracks how many blocks each reorg rolled back
	ReorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remitwatch_reorg_depth_blocks",
			Help:    "Depth of handled reorganizations in blocks",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 64},
		},
		[]string{"chain"},
	)

	// StatusTransitions counts ledger status changes
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_status_transitions_total",
			Help: "Total number of transaction status transitions",
		},
		[]string{"chain", "from", "to"},
	)

	// QueueDepth tracks batches waiting for the downstream stage
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remitwatch_queue_depth",
			Help: "Change batches waiting for the downstream stage",
		},
		[]string{"chain"},
	)

	// SourceRetries counts retried chain node calls
	SourceRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_source_retries_total",
			Help: "Total number of retried chain node calls",
		},
		[]string{"chain", "method"},
	)

	// SourceLatency tracks chain node call latency
	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remitwatch_source_latency_seconds",
			Help:    "Chain node call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	// StoreRetries counts retried ledger writes
	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_store_retries_total",
			Help: "Total number of retried ledger writes",
		},
		[]string{"chain"},
	)

	// FatalErrors counts conditions that halted ingestion
	FatalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_fatal_errors_total",
			Help: "Total number of fatal errors that halted ingestion",
		},
		[]string{"chain", "kind"},
	)

	// ChainLatestBlock tracks the latest block height of the chain
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remitwatch_chain_latest_block",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// CursorBlock tracks the last fully processed block
	CursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remitwatch_cursor_block",
			Help: "Last fully processed block",
		},
		[]string{"chain"},
	)

	// CursorState exposes the cursor state as a labeled 0/1 gauge
	CursorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remitwatch_cursor_state",
			Help: "Current cursor state (1 for the active state)",
		},
		[]string{"chain", "state"},
	)

	// BalanceDrift counts (address, currency) pairs found out of sync
	BalanceDrift = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_balance_drift_total",
			Help: "Balance entries that differed from a full recompute",
		},
		[]string{"chain"},
	)

	// DBConnections tracks database pool usage
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remitwatch_db_connections",
			Help: "Database pool connections by state",
		},
		[]string{"state"},
	)

	// EmitErrors counts failed downstream publishes
	EmitErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_emit_errors_total",
			Help: "Total number of failed status-change publishes",
		},
		[]string{"chain"},
	)

	// AlertsSent counts delivered alerts per channel
	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_alerts_sent_total",
			Help: "Total number of alerts delivered",
		},
		[]string{"channel", "type"},
	)

	// AlertsSuppressed counts alerts dropped by the cooldown
	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remitwatch_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by cooldown",
		},
		[]string{"type"},
	)
)
