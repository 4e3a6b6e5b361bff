// ABOUTME: Prometheus collectors for the opsbridge control plane
// ABOUTME: Observes commands, ingestion stages, alerts, auth failures and sockets

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/opsbridge/internal/agent"
	"github.com/2389/opsbridge/internal/ingest"
)

const namespace = "opsbridge"

// Metrics holds Prometheus metrics for the control plane. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Agent commands
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	// Ingestion
	snapshotsTotal      prometheus.Counter
	pushesDelivered     prometheus.Counter
	stageFailuresTotal  *prometheus.CounterVec
	alertsOpenedTotal   prometheus.Counter
	alertsResolvedTotal prometheus.Counter

	// Sockets
	framesTotal       *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec
	sessionsTotal     *prometheus.CounterVec
	dashboardSessions prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg. A nil registerer
// yields nil metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "commands_total",
			Help:      "Commands dispatched to agents by type and outcome",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to response or abandonment",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		snapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "snapshots_total",
			Help:      "Metrics snapshots accepted from agents",
		}),
		pushesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pushes_delivered_total",
			Help:      "Metrics pushes delivered to dashboard subscribers",
		}),
		stageFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "stage_failures_total",
			Help:      "Frame processing failures by stage",
		}, []string{"stage"}),
		alertsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "opened_total",
			Help:      "Alerts opened by threshold evaluation",
		}),
		alertsResolvedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "resolved_total",
			Help:      "Alerts resolved by threshold evaluation",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "frames_total",
			Help:      "Frames received from agents by type",
		}, []string{"type"}),
		authFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected socket authentications by channel and reason",
		}, []string{"channel", "reason"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "sessions_total",
			Help:      "Agent sessions ended by final state",
		}, []string{"state"}),
		dashboardSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "sessions",
			Help:      "Open dashboard sockets",
		}),
	}

	reg.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.snapshotsTotal,
		m.pushesDelivered,
		m.stageFailuresTotal,
		m.alertsOpenedTotal,
		m.alertsResolvedTotal,
		m.framesTotal,
		m.authFailuresTotal,
		m.sessionsTotal,
		m.dashboardSessions,
	)
	return m
}

// RegisterAgentGauge exposes the live agent count reported by count.
func RegisterAgentGauge(reg prometheus.Registerer, count func() int) {
	if reg == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "connected",
		Help:      "Agents currently registered",
	}, func() float64 { return float64(count()) }))
}

var (
	_ agent.Observer  = (*Metrics)(nil)
	_ ingest.Observer = (*Metrics)(nil)
)

// ObserveCommand implements agent.Observer.
func (m *Metrics) ObserveCommand(commandType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(commandType, outcome).Inc()
	m.commandDuration.WithLabelValues(commandType).Observe(elapsed.Seconds())
}

// ObserveSnapshot implements ingest.Observer.
func (m *Metrics) ObserveSnapshot(_ string, delivered int) {
	if m == nil {
		return
	}
	m.snapshotsTotal.Inc()
	m.pushesDelivered.Add(float64(delivered))
}

// ObserveStageFailure implements ingest.Observer.
func (m *Metrics) ObserveStageFailure(stage ingest.Stage) {
	if m == nil {
		return
	}
	m.stageFailuresTotal.WithLabelValues(string(stage)).Inc()
}

// ObserveAlerts implements ingest.Observer.
func (m *Metrics) ObserveAlerts(created, resolved int) {
	if m == nil {
		return
	}
	m.alertsOpenedTotal.Add(float64(created))
	m.alertsResolvedTotal.Add(float64(resolved))
}

// FrameReceived counts an inbound agent frame.
func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	if frameType == "" {
		frameType = "response"
	}
	m.framesTotal.WithLabelValues(frameType).Inc()
}

// AuthFailed counts a rejected socket authentication. channel is "agent" or
// "dashboard".
func (m *Metrics) AuthFailed(channel, reason string) {
	if m == nil {
		return
	}
	m.authFailuresTotal.WithLabelValues(channel, reason).Inc()
}

// SessionEnded counts a finished agent session by its final state.
func (m *Metrics) SessionEnded(state string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(state).Inc()
}

// DashboardOpened increments the open dashboard socket gauge.
func (m *Metrics) DashboardOpened() {
	if m == nil {
		return
	}
	m.dashboardSessions.Inc()
}

// DashboardClosed decrements the open dashboard socket gauge.
func (m *Metrics) DashboardClosed() {
	if m == nil {
		return
	}
	m.dashboardSessions.Dec()
}
