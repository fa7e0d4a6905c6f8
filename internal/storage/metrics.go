package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the storage block manager.
type Metrics struct {
	BlocksWritten       *prometheus.CounterVec // blockvault_storage_blocks_written_total{kind}
	BytesWritten        prometheus.Counter     // blockvault_storage_bytes_written_total
	CacheHits           prometheus.Counter     // blockvault_storage_cache_hits_total
	CacheMisses         prometheus.Counter     // blockvault_storage_cache_misses_total
	BackendReads        prometheus.Counter     // blockvault_storage_backend_reads_total
	CoalescedReads      prometheus.Counter     // blockvault_storage_coalesced_reads_total
	ResidualAppends     prometheus.Counter     // blockvault_storage_residual_appends_total
	ReplicaCopies       prometheus.Counter     // blockvault_storage_replica_copies_total
	ReplicationFailures prometheus.Counter     // blockvault_storage_replication_failures_total
	CombinePasses       prometheus.Counter     // blockvault_storage_combine_passes_total
	BlocksCombined      prometheus.Counter     // blockvault_storage_blocks_combined_total
	BlocksFreed         prometheus.Counter     // blockvault_storage_blocks_freed_total
}

// NewMetrics registers the storage metrics with registry. A nil registry
// gets a private one so that several managers can coexist in one process.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)
	return &Metrics{
		BlocksWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvault_storage_blocks_written_total",
			Help: "Storage blocks written by kind (full, residual, combined)",
		}, []string{"kind"}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_bytes_written_total",
			Help: "Plaintext bytes written to storage blocks",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_cache_hits_total",
			Help: "Block reads served from the decrypted block cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_cache_misses_total",
			Help: "Block reads that missed the decrypted block cache",
		}),
		BackendReads: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_backend_reads_total",
			Help: "Physical block fetches from storage backends",
		}),
		CoalescedReads: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_coalesced_reads_total",
			Help: "Block reads that shared an in-flight fetch",
		}),
		ResidualAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_residual_appends_total",
			Help: "Writes appended to an existing residual block",
		}),
		ReplicaCopies: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_replica_copies_total",
			Help: "Replica copies pushed to additional backends",
		}),
		ReplicationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_replication_failures_total",
			Help: "Replica copies that failed",
		}),
		CombinePasses: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_combine_passes_total",
			Help: "Residual block combination passes",
		}),
		BlocksCombined: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_blocks_combined_total",
			Help: "Residual blocks merged into combined blocks",
		}),
		BlocksFreed: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_storage_blocks_freed_total",
			Help: "Storage blocks returned to the free list",
		}),
	}
}
