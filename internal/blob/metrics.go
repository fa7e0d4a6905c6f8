package blob

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the blob service.
type Metrics struct {
	BlobsIngested      *prometheus.CounterVec // blockvault_blob_ingested_total{result}
	ChunksDeduplicated prometheus.Counter
	BytesIngested      prometheus.Counter
	BytesDownloaded    prometheus.Counter
	PlacementRetries   prometheus.Counter
}

// NewMetrics registers the blob metrics with registry, or with a private
// registry when nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)
	return &Metrics{
		BlobsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockvault_blob_ingested_total",
			Help: "Ingested blobs by result (new, dedup)",
		}, []string{"result"}),
		ChunksDeduplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_blob_chunks_deduplicated_total",
			Help: "Chunks that matched an existing blob block",
		}),
		BytesIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_blob_bytes_ingested_total",
			Help: "Bytes consumed from upload streams",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_blob_bytes_downloaded_total",
			Help: "Bytes served from blob downloads and range reads",
		}),
		PlacementRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "blockvault_blob_placement_retries_total",
			Help: "Chunk reads retried because the chunk moved to another storage block",
		}),
	}
}
