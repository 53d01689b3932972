// Package stats registers prism's Prometheus metrics, one set per
// subsystem, following the namespace_subsystem_name + unit-suffix
// convention.
package stats

import "github.com/prometheus/client_golang/prometheus"

const namespace = "prism"

var (
	// federation
	FederationRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "federation", Name: "requests_total",
		Help: "Total federated operations, by op and outcome.",
	}, []string{"op", "outcome"})

	FederationShardLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "federation", Name: "shard_latency_seconds",
		Help: "Per-shard RPC latency observed by the scatter-gather coordinator.",
	}, []string{"op"})

	FederationPartialResultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "federation", Name: "partial_results_total",
		Help: "Searches that returned with one or more failed shards.",
	})

	// health
	HealthNodeState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "health", Name: "node_state",
		Help: "Current health state per node: 0=alive, 1=suspect, 2=dead.",
	}, []string{"node_id"})

	HealthTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "health", Name: "transitions_total",
		Help: "Node health state transitions, by kind.",
	}, []string{"kind"})

	// partition
	PartitionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "partition", Name: "state",
		Help: "Current cluster partition state: 0=healthy, 1=partitioned, 2=healing.",
	})

	QuorumLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "partition", Name: "quorum_lost_total",
		Help: "Count of transitions into a no-quorum partitioned state.",
	})

	// rebalance
	RebalanceOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "rebalance", Name: "operations_total",
		Help: "Rebalance shard-move operations, by terminal state.",
	}, []string{"state"})

	RebalanceBytesTransferred = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "rebalance", Name: "bytes_transferred",
		Help: "Bytes transferred so far for an in-flight rebalance operation.",
	}, []string{"collection", "shard", "to"})

	RebalancePhase = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "rebalance", Name: "phase",
		Help: "Current rebalance engine phase (ordinal, Idle=0..Failed=6).",
	})

	// ILM
	IlmRolloversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ilm", Name: "rollovers_total",
		Help: "Total index rollovers performed.",
	})

	IlmPhaseTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ilm", Name: "phase_transitions_total",
		Help: "Managed-index phase transitions, by target phase.",
	}, []string{"phase"})

	IlmManagedIndexes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "ilm", Name: "managed_indexes",
		Help: "Number of indexes currently tracked by the ILM driver.",
	})

	// cache
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total",
		Help: "L1 cache hits.",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total",
		Help: "L1 cache misses.",
	})
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
		Help: "L1 cache LRU evictions.",
	})
	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "size_bytes",
		Help: "Current total size of cached entries.",
	})
)

// Registry is prism's dedicated metrics registry; components register into
// it explicitly (via Register) rather than relying on the global default
// registerer, so a process embedding multiple prism instances in tests
// doesn't panic on duplicate registration.
var Registry = prometheus.NewRegistry()

// Register adds every prism metric to Registry. Safe to call once at
// process startup (cmd/prismd); tests that want isolated metrics can build
// their own prometheus.Registry and register a subset directly.
func Register() {
	Registry.MustRegister(
		FederationRequestsTotal,
		FederationShardLatencySeconds,
		FederationPartialResultsTotal,
		HealthNodeState,
		HealthTransitionsTotal,
		PartitionState,
		QuorumLostTotal,
		RebalanceOperationsTotal,
		RebalanceBytesTransferred,
		RebalancePhase,
		IlmRolloversTotal,
		IlmPhaseTransitionsTotal,
		IlmManagedIndexes,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheSizeBytes,
	)
}
