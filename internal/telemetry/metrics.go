package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// busStates — все значения, которые может принимать vss_bus_state.
var busStates = []string{"DISABLED", "DISCONNECTED", "CONNECTING", "CONNECTED"}

var (
	// BusState — текущее состояние соединения с шиной (1 у активного).
	BusState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vss_bus_state",
		Help: "Current message bus connection state",
	}, []string{"state"})

	// BusReconnectAttempts — попытки переподключения к шине.
	BusReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vss_bus_reconnect_attempts_total",
		Help: "Total message bus reconnect attempts",
	})

	BusDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vss_bus_deliveries_total",
		Help: "Consumed bus messages by queue and outcome (ack, requeue, dead_letter)",
	}, []string{"queue", "outcome"})

	SlotTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vss_slot_transitions_total",
		Help: "Slot FSM transitions by target state",
	}, []string{"to"})

	SlotsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vss_slots",
		Help: "Number of slots by status",
	}, []string{"status"})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vss_active_calls",
		Help: "Calls currently in progress",
	})

	// ScriptRuns — запуски GACS по типу и итогу.
	ScriptRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vss_gacs_runs_total",
		Help: "Automation script runs by kind and status",
	}, []string{"kind", "status"})

	ScriptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vss_gacs_run_duration_seconds",
		Help:    "Automation script run duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// RecoveryRuns — запуски DRP по типу и итогу.
	RecoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vss_drp_runs_total",
		Help: "Recovery operations by kind and status",
	}, []string{"kind", "status"})

	RecoveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vss_drp_run_duration_seconds",
		Help:    "Recovery operation duration",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"kind"})

	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vss_commands_processed_total",
		Help: "Bus commands handled by the slot service",
	}, []string{"type", "result"})

	HubSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vss_hub_sessions",
		Help: "Connected event hub sessions",
	})

	// HubDeliveries — доставки событий по категории и итогу (sent/filtered/dropped).
	HubDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vss_hub_deliveries_total",
		Help: "Event hub deliveries by category and result",
	}, []string{"category", "result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vss_http_requests_total",
		Help: "HTTP requests by service",
	}, []string{"service"})
)

// SetBusState выставляет 1 текущему состоянию шины и 0 остальным.
func SetBusState(state string) {
	for _, s := range busStates {
		v := 0.0
		if s == state {
			v = 1
		}
		BusState.WithLabelValues(s).Set(v)
	}
}
