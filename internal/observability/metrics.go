package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger.
type Metrics struct {
	// --- Market operations ---
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	TotalBorrows  prometheus.Gauge
	Utilization   prometheus.Gauge
	BorrowRate    prometheus.Gauge
	TreasuryWad   prometheus.Gauge

	// --- Liquidation ---
	LiquidationsCompleted *prometheus.CounterVec
	BadDebtTotal          prometheus.Gauge

	// --- Oracle ---
	OracleConfidence  *prometheus.GaugeVec
	OracleRiskScore   *prometheus.GaugeVec
	OracleSource      *prometheus.CounterVec
	OracleCheckpoints *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistOpsWritten prometheus.Counter
	PersistBatchDur   prometheus.Histogram
	PersistBatchSize  prometheus.Histogram
	PersistErrors     *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ops_applied_total",
			Help: "State-changing operations committed",
		}, []string{"op_type"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ops_rejected_total",
			Help: "Operations rejected before mutation",
		}, []string{"op_type", "category"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_op_duration_seconds",
			Help:    "Time spent inside the engine per operation",
			Buckets: opBuckets,
		}, []string{"op_type"}),

		TotalBorrows: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_total_borrows_wad",
			Help: "Market-wide accrued borrow total",
		}),

		Utilization: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_utilization_bps",
			Help: "Current utilization in basis points",
		}),

		BorrowRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_borrow_rate_bps",
			Help: "Current annualized borrow rate in basis points",
		}),

		TreasuryWad: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_treasury_wad",
			Help: "Accumulated protocol fees",
		}),

		LiquidationsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidations_completed_total",
			Help: "Completed liquidations (settled/bad_debt)",
		}, []string{"outcome"}),

		BadDebtTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_bad_debt_total_wad",
			Help: "Isolated bad debt across all borrowers",
		}),

		OracleConfidence: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_oracle_confidence_bps",
			Help: "Last evaluated price confidence per asset",
		}, []string{"asset"}),

		OracleRiskScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_oracle_risk_score",
			Help: "Last evaluated oracle risk score per asset (0-100)",
		}, []string{"asset"}),

		OracleSource: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_oracle_source_total",
			Help: "Price resolutions by source",
		}, []string{"asset", "source"}),

		OracleCheckpoints: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_oracle_checkpoints_total",
			Help: "Last-known-good checkpoints by outcome",
		}, []string{"asset", "outcome"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Records not mirrored to NATS (full channel or publish failure)",
		}),

		PersistOpsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_ops_written_total",
			Help: "Operation records written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Operation records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_http_requests_total",
			Help: "HTTP requests",
		}, []string{"endpoint", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
