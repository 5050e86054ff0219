package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/zone"
)

const namespace = "ccplane"

// Telemetry is the process metrics registry. Nil until InitTelemetry.
var Telemetry *Metrics

// Metrics implements the zone and command metrics hooks on Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	commandsSubmitted  *prometheus.CounterVec
	commandsDispatched *prometheus.CounterVec
	commandsCompleted  *prometheus.CounterVec
	agentTimeouts      *prometheus.CounterVec
	provisionRequested *prometheus.CounterVec
	provisionFailed    *prometheus.CounterVec
	agents             *prometheus.GaugeVec
}

var (
	_ zone.Metrics    = (*Metrics)(nil)
	_ command.Metrics = (*Metrics)(nil)
)

// InitTelemetry creates the process registry and sets Telemetry.
func InitTelemetry() *Metrics {
	Telemetry = NewMetrics()
	return Telemetry
}

// NewMetrics creates a registry with ccplane and Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands", Name: "submitted_total",
			Help: "Commands accepted by the dispatcher.",
		}, []string{"zone"}),
		commandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands", Name: "dispatched_total",
			Help: "Commands transmitted to an agent.",
		}, []string{"zone"}),
		commandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands", Name: "completed_total",
			Help: "Commands that reached a terminal status.",
		}, []string{"zone", "status"}),
		agentTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agents", Name: "timeouts_total",
			Help: "Agents marked offline after missing the response timeout.",
		}, []string{"zone"}),
		provisionRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "zones", Name: "provision_requested_total",
			Help: "Provider create calls issued.",
		}, []string{"zone"}),
		provisionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "zones", Name: "provision_failed_total",
			Help: "Provider create calls that failed.",
		}, []string{"zone"}),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "agents", Name: "current",
			Help: "Agents by zone and status.",
		}, []string{"zone", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commandsSubmitted,
		m.commandsDispatched,
		m.commandsCompleted,
		m.agentTimeouts,
		m.provisionRequested,
		m.provisionFailed,
		m.agents,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CommandSubmitted(z string)  { m.commandsSubmitted.WithLabelValues(z).Inc() }
func (m *Metrics) CommandDispatched(z string) { m.commandsDispatched.WithLabelValues(z).Inc() }
func (m *Metrics) AgentTimeout(z string)      { m.agentTimeouts.WithLabelValues(z).Inc() }

func (m *Metrics) CommandCompleted(z string, status command.Status) {
	m.commandsCompleted.WithLabelValues(z, string(status)).Inc()
}

func (m *Metrics) ProvisionRequested(z string) { m.provisionRequested.WithLabelValues(z).Inc() }
func (m *Metrics) ProvisionFailed(z string)    { m.provisionFailed.WithLabelValues(z).Inc() }

func (m *Metrics) AgentsObserved(z string, c agent.Counts) {
	m.agents.WithLabelValues(z, string(agent.StatusIdle)).Set(float64(c.Idle))
	m.agents.WithLabelValues(z, string(agent.StatusBusy)).Set(float64(c.Busy))
	m.agents.WithLabelValues(z, string(agent.StatusOffline)).Set(float64(c.Offline))
	m.agents.WithLabelValues(z, string(agent.StatusTimeout)).Set(float64(c.Timeout))
}
