package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EscrowMetrics aggregates the service's Prometheus instruments. A nil
// receiver disables recording, so wiring metrics stays optional.
type EscrowMetrics struct {
	cacheLookups    *prometheus.CounterVec
	ledgerReads     *prometheus.CounterVec
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	eventsProjected *prometheus.CounterVec
	sseClients      prometheus.Gauge
}

// New registers all escrow instruments on the given registerer.
func New(reg prometheus.Registerer) *EscrowMetrics {
	factory := promauto.With(reg)
	return &EscrowMetrics{
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_cache_lookups_total",
			Help: "Agreement cache lookups by result (hit, miss, bypass).",
		}, []string{"result"}),
		ledgerReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_reads_total",
			Help: "Ledger view function calls by function and outcome.",
		}, []string{"fn", "outcome"}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_commands_total",
			Help: "Submitted escrow commands by operation and outcome.",
		}, []string{"op", "outcome"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_command_duration_seconds",
			Help:    "End to end command latency including confirmation wait.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		eventsProjected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_events_projected_total",
			Help: "Ledger events decoded by the projector, by kind.",
		}, []string{"kind"}),
		sseClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_sse_clients",
			Help: "Currently connected SSE subscribers.",
		}),
	}
}

func (m *EscrowMetrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *EscrowMetrics) RecordLedgerRead(fn, outcome string) {
	if m == nil {
		return
	}
	m.ledgerReads.WithLabelValues(fn, outcome).Inc()
}

func (m *EscrowMetrics) RecordCommand(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(op, outcome).Inc()
	m.commandDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *EscrowMetrics) RecordEventProjected(kind string) {
	if m == nil {
		return
	}
	m.eventsProjected.WithLabelValues(kind).Inc()
}

func (m *EscrowMetrics) SetSSEClients(n int) {
	if m == nil {
		return
	}
	m.sseClients.Set(float64(n))
}
