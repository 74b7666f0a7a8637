package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	storeChanges   *prometheus.CounterVec
	staleDiscards  *prometheus.CounterVec
	pageLoads      *prometheus.CounterVec
	sendOutcomes   *prometheus.CounterVec
	eventsApplied  *prometheus.CounterVec
	reconnects     prometheus.Counter
	readReceipts   prometheus.Counter
	typingUsers    prometheus.Gauge
	onlineUsers    prometheus.Gauge
	assistantState *prometheus.CounterVec
}

// New builds the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		storeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "store_changes_total",
			Help:      "Conversation store mutations by operation.",
		}, []string{"op"}),
		staleDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_responses_total",
			Help:      "Responses discarded because their conversation is no longer active.",
		}, []string{"kind"}),
		pageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "page_loads_total",
			Help:      "Page fetches by direction and result.",
		}, []string{"direction", "result"}),
		sendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Optimistic sends by outcome.",
		}, []string{"outcome"}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_applied_total",
			Help:      "Live events applied by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "socket_reconnects_total",
			Help:      "Live channel reconnects.",
		}),
		readReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "read_receipts_total",
			Help:      "Mark-read calls emitted.",
		}),
		typingUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "typing_users",
			Help:      "Users currently shown as typing across conversations.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "online_users",
			Help:      "Users currently reported online.",
		}),
		assistantState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "assistant_streams_total",
			Help:      "Assistant streams by final state.",
		}, []string{"state"}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "go_goroutines",
		Help: "Number of active goroutines.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })

	m.registry.MustRegister(
		m.storeChanges,
		m.staleDiscards,
		m.pageLoads,
		m.sendOutcomes,
		m.eventsApplied,
		m.reconnects,
		m.readReceipts,
		m.typingUsers,
		m.onlineUsers,
		m.assistantState,
		goroutines,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StoreChange(op string) {
	if m == nil {
		return
	}
	m.storeChanges.WithLabelValues(op).Inc()
}

func (m *Metrics) StaleDiscard(kind string) {
	if m == nil {
		return
	}
	m.staleDiscards.WithLabelValues(kind).Inc()
}

func (m *Metrics) PageLoad(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pageLoads.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) SendOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sendOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ReadReceipt() {
	if m == nil {
		return
	}
	m.readReceipts.Inc()
}

func (m *Metrics) SetTypingUsers(n int) {
	if m == nil {
		return
	}
	m.typingUsers.Set(float64(n))
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) AssistantFinished(state string) {
	if m == nil {
		return
	}
	m.assistantState.WithLabelValues(state).Inc()
}
