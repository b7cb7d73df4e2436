package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики оркестратора.
var (
	// NodeRunsTotal — завершённые вызовы RunNode по исходу
	// (completed, replayed, device_error, validation_error, predecessor_failed, canceled).
	NodeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vestra_node_runs_total",
		Help: "Total run_node calls by outcome",
	}, []string{"outcome"})

	// NodeRunDuration — длительность операции прибора.
	NodeRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vestra_node_run_duration_seconds",
		Help:    "Duration of instrument operations",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"instrument_type", "operation"})

	// InstrumentQueueDepth — длина очереди прибора.
	InstrumentQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vestra_instrument_queue_depth",
		Help: "Number of node runs waiting in an instrument queue",
	}, []string{"instrument"})

	// ClaimsGranted — выданные диспетчером захваты приборов.
	ClaimsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vestra_instrument_claims_granted_total",
		Help: "Instrument claims granted by the dispatcher",
	}, []string{"instrument"})

	// ClaimConflicts — проигранные условные захваты.
	ClaimConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vestra_claim_conflicts_total",
		Help: "Conditional claims that lost a race",
	}, []string{"resource"})

	// InstrumentsConnected — приборы с установленным соединением.
	InstrumentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vestra_instruments_connected",
		Help: "Number of instruments with an established connection",
	})

	// FlowGraphReloads — перезагрузки flows.json по результату (ok, error).
	FlowGraphReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vestra_flow_graph_reloads_total",
		Help: "Flow graph reloads by result",
	}, []string{"result"})

	// ScheduledStarts — запуски flow по расписанию (ok, error).
	ScheduledStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vestra_scheduled_starts_total",
		Help: "Flow runs started by schedules",
	}, []string{"schedule", "result"})

	// HTTPRequestsTotal — запросы к HTTP API.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vestra_http_requests_total",
		Help: "Total HTTP requests handled by the API",
	}, []string{"method", "code"})
)
