// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label keys for metrics.
const (
	Operation = "operation"
	Result    = "result"
	Condition = "condition"
	Kind      = "kind"

	ResultOK     = "ok"
	ResultError  = "error"
	ResultGaveUp = "gave_up"
)

// MetricsManager encapsulates the Prometheus collectors of the topology controller.
// A nil *MetricsManager is valid and records nothing.
type MetricsManager struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	polls      *prometheus.CounterVec
	rebalances *prometheus.CounterVec
	commands   *prometheus.CounterVec
}

// NewMetricsManager creates a new MetricsManager and registers its collectors on reg.
// The operator passes controller-runtime's metrics.Registry so everything is served on
// the manager metrics endpoint.
func NewMetricsManager(reg prometheus.Registerer) *MetricsManager {
	m := &MetricsManager{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rediscluster_topology_operations_total",
				Help: "Topology operations finished, by operation and result",
			},
			[]string{Operation, Result},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rediscluster_topology_operation_duration_seconds",
				Help:    "Wall time of topology operations",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{Operation},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rediscluster_convergence_polls_total",
				Help: "Convergence predicate evaluations that were not yet satisfied",
			},
			[]string{Condition},
		),
		rebalances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rediscluster_rebalance_attempts_total",
				Help: "Rebalance attempts, by result",
			},
			[]string{Result},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rediscluster_gateway_commands_total",
				Help: "Commands sent through the Redis command gateway",
			},
			[]string{Kind, Result},
		),
	}

	reg.MustRegister(m.operations, m.durations, m.polls, m.rebalances, m.commands)

	return m
}

// ObserveOperation records the outcome and duration of a topology operation.
func (m *MetricsManager) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, resultOf(err)).Inc()
	m.durations.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// IncPoll counts one unsatisfied evaluation of a convergence condition.
func (m *MetricsManager) IncPoll(condition string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(condition).Inc()
}

// IncRebalance counts a rebalance attempt; result is one of the Result* constants.
func (m *MetricsManager) IncRebalance(result string) {
	if m == nil {
		return
	}
	m.rebalances.WithLabelValues(result).Inc()
}

// IncCommand counts a gateway command of the given kind ("node" or "cluster").
func (m *MetricsManager) IncCommand(kind string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, resultOf(err)).Inc()
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
