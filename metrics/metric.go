package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "BranchDB"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	BackfillSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "sessions_active",
		Help:      "backfill sessions being served",
	})
	BackfillChunksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "chunks_sent_total",
		Help:      "backfill chunks sent",
	})
	BackfillBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "bytes_sent_total",
		Help:      "backfill chunk bytes sent",
	})
	BackfillChunksApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "chunks_applied_total",
		Help:      "backfill chunks applied",
	})
	BackfillResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "results_total",
		Help:      "finished backfills by result",
	}, []string{"result"})

	BranchesPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "branch",
		Name:      "pruned_total",
		Help:      "branches removed by history gc",
	})

	RoleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "role_transitions_total",
		Help:      "shard replica role transitions",
	}, []string{"role"})
	ReplicatedWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "replicated_writes_total",
		Help:      "writes forwarded to secondaries by result",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		BackfillSessionsActive,
		BackfillChunksSent,
		BackfillBytesSent,
		BackfillChunksApplied,
		BackfillResults,
		BranchesPruned,
		RoleTransitions,
		ReplicatedWrites,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
