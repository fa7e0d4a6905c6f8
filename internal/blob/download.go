package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/blockvault/blockvault/internal/catalog"
	"github.com/blockvault/blockvault/internal/storage"
)

const (
	// maxPlacementAttempts bounds how often a chunk read follows the chunk
	// into a new storage block after a concurrent combination pass.
	maxPlacementAttempts = 3
	rangeReadConcurrency = 4
)

// DownloadBlob returns a reader streaming blobID part by part and records an
// access by userID.
func (s *Service) DownloadBlob(ctx context.Context, userID string, blobID int64) (io.ReadCloser, error) {
	chunks, err := s.chunks(ctx, blobID)
	if err != nil {
		return nil, err
	}
	if s.access != nil {
		s.access.AddBlobAccess(userID, blobID)
	}
	return &blobReader{ctx: ctx, svc: s, chunks: chunks}, nil
}

// DownloadBlobRange returns length bytes of blobID starting at offset. The
// parts overlapping the range are fetched in parallel.
func (s *Service) DownloadBlobRange(ctx context.Context, blobID, offset, length int64) ([]byte, error) {
	chunks, err := s.chunks(ctx, blobID)
	if err != nil {
		return nil, err
	}
	var size int64
	if n := len(chunks); n > 0 {
		size = chunks[n-1].BlobOffset + chunks[n-1].Size
	}
	if offset < 0 || length < 0 || offset > size || length > size-offset {
		return nil, fmt.Errorf("%d bytes at %d of blob %d with size %d: %w", length, offset, blobID, size, ErrInvalidRange)
	}

	out := make([]byte, length)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rangeReadConcurrency)
	for _, ch := range chunks {
		from := max(offset-ch.BlobOffset, 0)
		to := min(offset+length-ch.BlobOffset, ch.Size)
		if from >= to {
			continue
		}
		g.Go(func() error {
			data, err := s.readChunk(gctx, ch, from, to)
			if err != nil {
				return err
			}
			copy(out[ch.BlobOffset+from-offset:], data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.metrics.BytesDownloaded.Add(float64(length))
	return out, nil
}

func (s *Service) chunks(ctx context.Context, blobID int64) ([]catalog.Chunk, error) {
	chunks, err := s.catalog.BlobChunks(ctx, blobID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("blob %d: %w", blobID, ErrBlobNotFound)
	}
	return chunks, err
}

// readChunk returns bytes [from, to) of a chunk. The chunk's placement is
// checked again after the storage block was read: a combination pass may
// have moved the chunk and freed the block in between, in which case the
// read follows the chunk to its new block.
func (s *Service) readChunk(ctx context.Context, ch catalog.Chunk, from, to int64) ([]byte, error) {
	storageID, offset := ch.StorageBlockID, ch.StorageOffset
	for attempt := 1; ; attempt++ {
		data, readErr := s.storage.ReadBlock(ctx, storageID)
		if readErr != nil && !errors.Is(readErr, storage.ErrBlockFreed) {
			return nil, readErr
		}

		curID, curOffset, err := s.catalog.ChunkPlacement(ctx, ch.BlobBlockID)
		if err != nil {
			return nil, fmt.Errorf("resolve blob block %d: %w", ch.BlobBlockID, err)
		}
		moved := curID != storageID || curOffset != offset
		if !moved {
			if readErr != nil {
				return nil, fmt.Errorf("blob block %d still points at storage block %d: %w", ch.BlobBlockID, storageID,
					errors.Join(storage.ErrInvariantViolation, readErr))
			}
			start, end := offset+from, offset+to
			if end > int64(len(data)) {
				return nil, fmt.Errorf("blob block %d needs bytes up to %d of storage block %d holding %d: %w",
					ch.BlobBlockID, end, storageID, len(data), storage.ErrInvariantViolation)
			}
			return data[start:end], nil
		}

		if attempt == maxPlacementAttempts {
			return nil, fmt.Errorf("blob block %d: %w", ch.BlobBlockID, ErrPlacementUnstable)
		}
		s.metrics.PlacementRetries.Inc()
		s.logger.Debug().Int64("blob_block", ch.BlobBlockID).Int64("from", storageID).Int64("to", curID).
			Msg("Chunk moved during read, retrying")
		storageID, offset = curID, curOffset
	}
}

// blobReader streams a blob one chunk at a time.
type blobReader struct {
	ctx    context.Context
	svc    *Service
	chunks []catalog.Chunk
	next   int
	cur    []byte
}

func (r *blobReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.next >= len(r.chunks) {
			return 0, io.EOF
		}
		ch := r.chunks[r.next]
		data, err := r.svc.readChunk(r.ctx, ch, 0, ch.Size)
		if err != nil {
			return 0, err
		}
		r.next++
		r.cur = data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	r.svc.metrics.BytesDownloaded.Add(float64(n))
	return n, nil
}

func (r *blobReader) Close() error {
	r.cur = nil
	r.next = len(r.chunks)
	return nil
}
