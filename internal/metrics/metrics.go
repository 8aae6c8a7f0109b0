package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Database connection
	// ============================================
	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	// ============================================
	// NATS
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otc_nats_messages_published_total",
			Help: "Total number of lifecycle events published to NATS",
		},
		[]string{"event_type"},
	)

	NATSPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otc_nats_publish_errors_total",
			Help: "Total number of failed NATS publishes",
		},
		[]string{"event_type"},
	)

	// ============================================
	// x402 payment flow
	// ============================================
	PaymentRequirementsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otc_payment_requirements_issued_total",
		Help: "Total number of 402 responses carrying a payment requirement",
	})

	PaymentProofsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otc_payment_proofs_rejected_total",
			Help: "Total number of payment proofs rejected by validation",
		},
		[]string{"code"},
	)

	PaymentProofsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otc_payment_proofs_accepted_total",
		Help: "Total number of payment proofs that passed validation",
	})

	ExchangeRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_exchange_rate_usd_per_eur",
		Help: "Last fetched EUR/USD rate",
	})

	RateFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otc_rate_fetch_errors_total",
		Help: "Total number of failed exchange rate fetches",
	})

	// ============================================
	// Settlement lifecycle
	// ============================================
	SettlementsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otc_settlements",
			Help: "Number of settlements per status",
		},
		[]string{"status"},
	)

	SettlementTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otc_settlement_transitions_total",
			Help: "Total number of settlement status transitions",
		},
		[]string{"from", "to"},
	)

	LedgerEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otc_ledger_events_processed_total",
			Help: "Total number of vault events applied to the registry",
		},
		[]string{"event", "result"},
	)

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "otc_settlement_duration_seconds",
		Help:    "Time from SettlementCreated to settled",
		Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	// ============================================
	// Ledger steps
	// ============================================
	LedgerStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otc_ledger_step_duration_seconds",
			Help:    "Submit-to-receipt duration of ledger steps",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 180},
		},
		[]string{"step"},
	)

	LedgerStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otc_ledger_step_failures_total",
			Help: "Total number of failed ledger steps",
		},
		[]string{"step", "kind"},
	)

	// ============================================
	// Facilitator
	// ============================================
	CurrentBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_chain_current_block",
		Help: "Latest block height seen by the ledger client",
	})

	LastProcessedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_facilitator_last_processed_block",
		Help: "Last block whose vault events were fully applied",
	})

	FacilitatorTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otc_facilitator_ticks_total",
			Help: "Total number of facilitator polling ticks",
		},
		[]string{"result"},
	)

	FacilitatorBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_facilitator_native_balance_wei",
		Help: "Native gas balance of the facilitator account",
	})

	// ============================================
	// WebSocket
	// ============================================
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otc_websocket_connections",
		Help: "Number of open websocket connections",
	})
)
