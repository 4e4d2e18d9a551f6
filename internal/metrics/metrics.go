// Package metrics exposes the Master's ambient Prometheus gauges/counters:
// not a spec.md feature, but carried as the observability scaffolding the
// teacher repo always pairs with its domain logic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NodesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lattice_nodes_by_state",
		Help: "Number of nodes in each state (pending, paired).",
	}, []string{"state"})

	OperationsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lattice_operations_total",
		Help: "Total number of VM operations by terminal status.",
	}, []string{"operation_type", "status"})

	ActiveAgentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lattice_active_agent_connections",
		Help: "Number of agents currently connected over /ws/agent.",
	})

	WSOutboundQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lattice_ws_outbound_queue_depth_total",
		Help: "Sum of websocket outbound queue depth across all nodes.",
	})

	StaleOperationsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lattice_stale_operations_reaped_total",
		Help: "Total number of operations failed by the stale-operation sweep.",
	})

	TerminalSessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lattice_terminal_sessions_opened_total",
		Help: "Total number of terminal sessions opened, by kind.",
	}, []string{"kind"})
)
