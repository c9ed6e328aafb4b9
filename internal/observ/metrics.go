package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsTotal      *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	DecisionsTotal     *prometheus.CounterVec
	PlanNotional       *prometheus.GaugeVec
	Mode               prometheus.Gauge
	EnvBias            prometheus.Gauge
	HeartbeatUnix      prometheus.Gauge
	CollaboratorErrors *prometheus.CounterVec
	InputRejections    *prometheus.CounterVec
	WeeklyTriggers     *prometheus.CounterVec
	AlertsTotal        *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_sessions_total",
			Help: "Session executions by session name and outcome",
		}, []string{"session", "outcome"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trader_session_duration_seconds",
			Help:    "Wall time spent executing one session",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"session"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_decisions_total",
			Help: "Decisions emitted by action and kind",
		}, []string{"action", "kind"}),
		PlanNotional: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_plan_notional_usd",
			Help: "Total notional of the last plan per session",
		}, []string{"session"}),
		Mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_risk_mode",
			Help: "Current risk mode (0=normal, 1=defense, 2=panic)",
		}),
		EnvBias: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_env_bias",
			Help: "Last env_bias used for planning",
		}),
		HeartbeatUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_heartbeat_unixtime",
			Help: "Unix time of the last scheduler loop iteration",
		}),
		CollaboratorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_collaborator_errors_total",
			Help: "Collaborator call failures by collaborator",
		}, []string{"collaborator"}),
		InputRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_input_rejections_total",
			Help: "Signals dropped or clamped during validation",
		}, []string{"reason"}),
		WeeklyTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_weekly_triggers_total",
			Help: "Weekly trigger firings by name and outcome",
		}, []string{"trigger", "outcome"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_alerts_total",
			Help: "Notifications by kind and delivery outcome",
		}, []string{"kind", "outcome"}),
	}

	m.Registry.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.DecisionsTotal,
		m.PlanNotional,
		m.Mode,
		m.EnvBias,
		m.HeartbeatUnix,
		m.CollaboratorErrors,
		m.InputRejections,
		m.WeeklyTriggers,
		m.AlertsTotal,
	)
	return m
}

// Handler serves the registry in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
