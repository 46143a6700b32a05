// Package metrics defines the prometheus collectors exported by the foreman.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "foreman"

// Metrics groups the collectors shared by the engine, the hunt service and
// the approval coordinator.
type Metrics struct {
	CheckIns          prometheus.Counter
	ActionsDispatched *prometheus.CounterVec
	DispatchErrors    prometheus.Counter
	RulesInstalled    prometheus.Gauge
	RulesExpired      prometheus.Counter
	HuntTransitions   *prometheus.CounterVec
	ApprovalsResolved *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_total",
			Help:      "Total number of endpoint check-ins evaluated.",
		}),
		ActionsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dispatched_total",
			Help:      "Total number of actions dispatched to endpoints.",
		}, []string{"flow"}),
		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Total number of failed rule dispatches.",
		}),
		RulesInstalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_installed",
			Help:      "Number of rules currently installed.",
		}),
		RulesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_expired_total",
			Help:      "Total number of rules swept after expiry.",
		}),
		HuntTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hunt_transitions_total",
			Help:      "Total number of hunt state transitions by target state.",
		}, []string{"state"}),
		ApprovalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Total number of approval requests resolved by final state.",
		}, []string{"state"}),
	}

	m.CheckIns = registerOrExisting(reg, m.CheckIns).(prometheus.Counter)
	m.ActionsDispatched = registerOrExisting(reg, m.ActionsDispatched).(*prometheus.CounterVec)
	m.DispatchErrors = registerOrExisting(reg, m.DispatchErrors).(prometheus.Counter)
	m.RulesInstalled = registerOrExisting(reg, m.RulesInstalled).(prometheus.Gauge)
	m.RulesExpired = registerOrExisting(reg, m.RulesExpired).(prometheus.Counter)
	m.HuntTransitions = registerOrExisting(reg, m.HuntTransitions).(*prometheus.CounterVec)
	m.ApprovalsResolved = registerOrExisting(reg, m.ApprovalsResolved).(*prometheus.CounterVec)
	return m
}

// NewUnregistered returns collectors that are not exported anywhere.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

func registerOrExisting(reg prometheus.Registerer, coll prometheus.Collector) prometheus.Collector {
	if err := reg.Register(coll); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return coll
}
