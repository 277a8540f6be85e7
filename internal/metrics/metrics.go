package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/internal/models"
)

const namespace = "parley"

// Send paths.
const (
	PathLive = "live"
	PathREST = "rest"
)

// Metrics groups the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	ReconnectsScheduled prometheus.Counter
	MalformedFrames     prometheus.Counter
	InboundEvents       *prometheus.CounterVec
	Sends               *prometheus.CounterVec
	SendFailures        prometheus.Counter
	ParkedMessages      prometheus.Counter
	ConnectionStatus    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an unexpected disconnect.",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be decoded.",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Decoded inbound events by type.",
		}, []string{"type"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound messages by delivery path.",
		}, []string{"path"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Messages marked failed after the fallback request failed.",
		}),
		ParkedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parked_messages_total",
			Help:      "Live messages that arrived for an unknown conversation.",
		}),
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		}),
	}
	m.registry.MustRegister(
		m.ReconnectsScheduled,
		m.MalformedFrames,
		m.InboundEvents,
		m.Sends,
		m.SendFailures,
		m.ParkedMessages,
		m.ConnectionStatus,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.Inc()
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *Metrics) Inbound(ev models.InboundEvent) {
	if m == nil {
		return
	}
	var kind string
	switch ev.(type) {
	case models.HistoryEvent:
		kind = string(models.ServerFrameHistory)
	case models.PresenceEvent:
		kind = string(models.ServerFrameOnlineUsers)
	case models.TypingEvent:
		kind = string(models.ServerFrameTyping)
	case models.MessageEvent:
		kind = string(models.ServerFrameMessage)
	default:
		kind = "unknown"
	}
	m.InboundEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Sent(path string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(path).Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

func (m *Metrics) Parked() {
	if m == nil {
		return
	}
	m.ParkedMessages.Inc()
}

func (m *Metrics) SetStatus(s models.Status) {
	if m == nil {
		return
	}
	m.ConnectionStatus.Set(float64(s))
}
