package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the option ledger.
type Metrics struct {
	// --- Engine ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// --- Book ---
	OrdersOpen    *prometheus.GaugeVec
	FillsTotal    *prometheus.CounterVec
	PremiumVolume *prometheus.CounterVec

	// --- Ledger & vaults ---
	SeriesRegistered prometheus.Counter
	VaultAssets      *prometheus.GaugeVec
	VaultShares      *prometheus.GaugeVec
	VaultExercised   *prometheus.GaugeVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistFillsWritten  prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optlob_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op_type"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optlob_ops_rejected_total",
			Help: "Operations rejected (duplicate, validation, transfer)",
		}, []string{"op_type", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optlob_op_apply_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op_type"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optlob_sequence",
			Help: "Current global sequence number",
		}),

		OrdersOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optlob_orders_open",
			Help: "Resting orders currently on the book",
		}, []string{"instrument", "side"}),

		FillsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optlob_fills_total",
			Help: "Maker fills produced by market orders",
		}, []string{"instrument"}),

		PremiumVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optlob_premium_volume",
			Help: "Cumulative premium traded in raw quote units",
		}, []string{"instrument"}),

		SeriesRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optlob_series_registered_total",
			Help: "Option series registered",
		}),

		VaultAssets: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optlob_vault_assets",
			Help: "Unassigned collateral held per vault",
		}, []string{"instrument"}),

		VaultShares: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optlob_vault_shares",
			Help: "Shares outstanding per vault",
		}, []string{"instrument"}),

		VaultExercised: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optlob_vault_exercised",
			Help: "Cumulative exercised collateral per vault",
		}, []string{"instrument"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optlob_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optlob_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optlob_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optlob_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optlob_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optlob_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistFillsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optlob_persist_fills_written_total",
			Help: "Fill rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "optlob_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "optlob_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "optlob_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "optlob_persist_last_sequence",
			Help: "Last persisted sequence",
		}),
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
