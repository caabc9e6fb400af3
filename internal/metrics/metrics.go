// Package metrics holds the Prometheus collectors shared by the store, the
// supervisor and the HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "researchstate"

var (
	// TxDuration tracks store transaction latency by operation and outcome.
	TxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "tx_duration_seconds",
		Help:      "Store transaction duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"operation", "result"})

	// BusyRetries counts transactions retried after SQLITE_BUSY/LOCKED.
	BusyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "busy_retries_total",
		Help:      "Transactions retried because the database was locked",
	}, []string{"operation"})

	// WorkerConnections is the number of dedicated worker connections held.
	WorkerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "worker_connections",
		Help:      "Dedicated worker connections currently checked out",
	})

	NodesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "got",
		Name:      "nodes_pruned_total",
		Help:      "Thought nodes marked pruned by best-N selection",
	})

	CircuitBreaks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "got",
		Name:      "circuit_breaks_total",
		Help:      "Branches stopped by circuit breaking",
	})

	NodesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "got",
		Name:      "nodes_deleted_total",
		Help:      "Descendant nodes deleted by circuit breaking",
	})

	// ConflictsDetected counts conflicts opened or refreshed, by severity.
	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "facts",
		Name:      "conflicts_detected_total",
		Help:      "Fact conflicts detected by severity",
	}, []string{"severity"})

	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "facts",
		Name:      "conflicts_resolved_total",
		Help:      "Fact conflicts resolved by policy",
	}, []string{"policy"})

	// SweepDuration tracks supervisor sweep latency by task.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "sweep_duration_seconds",
		Help:      "Supervisor sweep duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"task"})

	AgentsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "agents_timed_out_total",
		Help:      "Agents moved to TIMEOUT after a missed heartbeat",
	})

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})
)
