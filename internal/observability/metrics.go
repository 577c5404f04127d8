package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the margin engine.
type Metrics struct {
	// --- Instruction processing ---
	InstructionsApplied  *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	InstructionDuration  *prometheus.HistogramVec
	EngineSequence       prometheus.Gauge

	// --- Market state ---
	FundingIndex prometheus.Gauge
	FundingRate  prometheus.Gauge
	OpenInterest prometheus.Gauge
	MarkPrice    prometheus.Gauge

	// --- Risk events ---
	Liquidations       prometheus.Counter
	LiquidationPenalty prometheus.Counter
	FundingAdvances    prometheus.Counter

	// --- Custody ---
	CustodyTransfers *prometheus.CounterVec

	// --- Outbound events ---
	EventsPublished prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Event archive ---
	ArchiveRowsWritten   prometheus.Counter
	ArchiveErrors        prometheus.Counter
	ArchiveBatchDuration prometheus.Histogram
	ArchiveLastSequence  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		InstructionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_instructions_applied_total",
			Help: "Instructions successfully applied by the engine",
		}, []string{"op"}),

		InstructionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_instructions_rejected_total",
			Help: "Instructions rejected (validation, arithmetic, auth)",
		}, []string{"op", "reason"}),

		InstructionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_instruction_duration_seconds",
			Help:    "Time to execute a single instruction",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_sequence",
			Help: "Sequence of the last applied instruction",
		}),

		FundingIndex: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_market_funding_index",
			Help: "Cumulative funding index (1e9 scale)",
		}),

		FundingRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_market_funding_rate_per_slot",
			Help: "Last computed funding rate per slot (1e9 scale)",
		}),

		OpenInterest: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_market_open_interest",
			Help: "Sum of absolute base exposure (1e9 scale)",
		}),

		MarkPrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_market_mark_price",
			Help: "Last price used to value positions (1e9 scale)",
		}),

		Liquidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Positions liquidated",
		}),

		LiquidationPenalty: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_liquidation_penalty_paid_total",
			Help: "Total penalty paid to liquidators (1e9 scale)",
		}),

		FundingAdvances: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_funding_advances_total",
			Help: "Funding index advances applied",
		}),

		CustodyTransfers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_custody_transfers_total",
			Help: "Collateral transfers executed",
		}, []string{"direction"}),

		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_events_published_total",
			Help: "Outbound envelopes published to NATS",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Envelopes dropped due to full publish channel",
		}),

		ArchiveRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_archive_rows_written_total",
			Help: "Envelopes written to the Postgres event archive",
		}),

		ArchiveErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_archive_errors_total",
			Help: "Failed archive flush attempts",
		}),

		ArchiveBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_archive_batch_duration_seconds",
			Help:    "Time to flush one archive batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		ArchiveLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_archive_last_sequence",
			Help: "Sequence of the last archived envelope",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// ObserveMarket updates the market gauges from a state snapshot.
func (m *Metrics) ObserveMarket(fundingIndex, fundingRate int64, openInterest, markPrice uint64) {
	m.FundingIndex.Set(float64(fundingIndex))
	m.FundingRate.Set(float64(fundingRate))
	m.OpenInterest.Set(float64(openInterest))
	m.MarkPrice.Set(float64(markPrice))
}
