package engine

import (
	"context"

	"github.com/blockvault/blockvault/internal/access"
	"github.com/blockvault/blockvault/internal/catalog"
)

// BlobStat describes one blob for operators.
type BlobStat struct {
	BlobID int64
	Size   int64
	Chunks int
	Access access.Statistics
}

// StatBlob reports the size, chunk count and access statistics of blobID.
func (e *Engine) StatBlob(ctx context.Context, blobID int64) (BlobStat, error) {
	size, err := e.Blobs.BlobSize(ctx, blobID)
	if err != nil {
		return BlobStat{}, err
	}
	chunks, err := e.Catalog.BlobChunks(ctx, blobID)
	if err != nil {
		return BlobStat{}, err
	}
	return BlobStat{
		BlobID: blobID,
		Size:   size,
		Chunks: len(chunks),
		Access: e.Access.FetchBlobStatistics(blobID),
	}, nil
}

// StoreStats reports storage block occupancy.
func (e *Engine) StoreStats(ctx context.Context) (catalog.StorageBlockStats, error) {
	return e.Storage.Stats(ctx)
}
