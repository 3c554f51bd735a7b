package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "AssetDB"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = Namespace
		},
	)

	OperationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "registry",
		Name:      "operation_total",
		Help:      "registry operations by kind and result",
	}, []string{"op", "result"})

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "registry",
		Name:      "operation_duration_seconds",
		Help:      "registry operation latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"op"})

	WriteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "replication",
		Name:      "write_total",
		Help:      "replicated writes by consistency level and result",
	}, []string{"level", "result"})

	ReplicationLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "replication",
		Name:      "lag_entries",
		Help:      "local head minus the sequence acknowledged by the peer",
	}, []string{"peer"})

	PeerReachable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "replication",
		Name:      "peer_reachable",
		Help:      "1 when the last contact with the peer succeeded",
	}, []string{"peer"})

	AppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "replication",
		Name:      "applied_total",
		Help:      "remote log entries applied by source node",
	}, []string{"source"})

	ConflictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "replication",
		Name:      "conflict_total",
		Help:      "conflicts detected by kind",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		OperationTotal,
		OperationDuration,
		WriteTotal,
		ReplicationLag,
		PeerReachable,
		AppliedTotal,
		ConflictTotal,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = Namespace
		},
	)
}
