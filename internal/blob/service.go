// Package blob ingests byte streams as deduplicated, content-addressed blobs
// and serves them back, whole or by range.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/blockvault/blockvault/internal/catalog"
	"github.com/blockvault/blockvault/internal/storage"
)

// BlockStore writes and reads storage blocks.
type BlockStore interface {
	BlockSize() int64
	WriteBlock(ctx context.Context, data []byte, commit storage.Commit) (storage.Placement, error)
	ReadBlock(ctx context.Context, id int64) ([]byte, error)
}

// AccessRecorder receives one event per blob download.
type AccessRecorder interface {
	AddBlobAccess(userID string, blobID int64)
}

// Config holds blob service configuration.
type Config struct {
	Catalog    *catalog.Catalog
	Storage    BlockStore
	Access     AccessRecorder // optional
	Registerer prometheus.Registerer
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Service ingests and downloads blobs.
type Service struct {
	catalog *catalog.Catalog
	storage BlockStore
	access  AccessRecorder
	metrics *Metrics
	pins    *pinSet
	now     func() time.Time
	logger  zerolog.Logger
}

// FileUpload is a finished upload handed over by the front door.
type FileUpload struct {
	ContainerID int64
	Path        string
	MediaType   string
	Body        io.Reader
}

// NewService creates a blob service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Catalog == nil || cfg.Storage == nil {
		return nil, fmt.Errorf("blob service requires catalog and storage")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		catalog: cfg.Catalog,
		storage: cfg.Storage,
		access:  cfg.Access,
		metrics: NewMetrics(cfg.Registerer),
		pins:    newPinSet(),
		now:     cfg.Now,
		logger:  cfg.Logger.With().Str("component", "blob").Logger(),
	}, nil
}

// Metrics returns the service's metrics.
func (s *Service) Metrics() *Metrics { return s.metrics }

// PinnedBlobBlocks lists the chunks that running ingestions use but no blob
// references yet. Garbage collection must keep them.
func (s *Service) PinnedBlobBlocks() []int64 { return s.pins.list() }

// Ingest consumes r and returns the id of the blob holding its content.
// isNew is false when identical content was already stored.
func (s *Service) Ingest(ctx context.Context, r io.Reader) (blobID int64, isNew bool, err error) {
	whole := sha256.New()
	chunker := NewChunker(io.TeeReader(r, whole), s.storage.BlockSize())

	var parts []catalog.BlobPart
	var pinned []int64
	defer func() { s.pins.release(pinned) }()

	var offset int64
	for {
		chunk, sum, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, false, err
		}
		id, err := s.storeChunk(ctx, chunk, sum)
		if err != nil {
			return 0, false, fmt.Errorf("store chunk at offset %d: %w", offset, err)
		}
		pinned = append(pinned, id)
		parts = append(parts, catalog.BlobPart{Offset: offset, BlobBlockID: id})
		offset += int64(len(chunk))
	}
	s.metrics.BytesIngested.Add(float64(offset))

	sum := hex.EncodeToString(whole.Sum(nil))
	existing, err := s.catalog.FindBlobByHash(ctx, sum)
	if err == nil {
		// A collected blob is recreated below from the chunks just pinned.
		touched, err := s.catalog.TouchBlob(ctx, existing.ID, s.now())
		if err != nil {
			return 0, false, err
		}
		if touched {
			// Chunk rows created above stay behind unreferenced until GC.
			s.metrics.BlobsIngested.WithLabelValues("dedup").Inc()
			return existing.ID, false, nil
		}
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return 0, false, err
	}

	blobID, err = s.catalog.CreateBlob(ctx, sum, parts, s.now())
	if errors.Is(err, catalog.ErrDuplicate) {
		winner, ferr := s.catalog.FindBlobByHash(ctx, sum)
		if ferr != nil {
			return 0, false, ferr
		}
		s.metrics.BlobsIngested.WithLabelValues("dedup").Inc()
		return winner.ID, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("create blob: %w", err)
	}

	s.metrics.BlobsIngested.WithLabelValues("new").Inc()
	s.logger.Debug().Int64("blob", blobID).Int("chunks", len(parts)).Int64("size", offset).Msg("Ingested blob")
	return blobID, true, nil
}

// storeChunk returns the id of a pinned blob block holding chunk, writing
// the chunk to storage only when no chunk with the same size and hash
// exists. The caller releases the pin.
func (s *Service) storeChunk(ctx context.Context, chunk []byte, sum string) (int64, error) {
	size := int64(len(chunk))
	id, ok, err := s.reuseChunk(ctx, size, sum)
	if err != nil || ok {
		return id, err
	}

	lostRace := false
	placement, err := s.storage.WriteBlock(ctx, chunk, func(ctx context.Context, p storage.Placement) error {
		created, err := s.catalog.CreateBlobBlock(ctx, size, sum, p.StorageBlockID, p.Offset, s.now())
		if errors.Is(err, catalog.ErrDuplicate) {
			lostRace = true
			return nil
		}
		if err != nil {
			return err
		}
		id = created
		s.pins.add(id)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !lostRace {
		return id, nil
	}

	// The bytes just written stay unreferenced; GC reclaims them.
	s.logger.Debug().Int64("storage_block", placement.StorageBlockID).Int64("offset", placement.Offset).Str("sha256", sum).
		Msg("Lost chunk insert race, adopting existing blob block")
	id, ok, err = s.reuseChunk(ctx, size, sum)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("blob block %s/%d vanished after a concurrent insert: %w", sum, size, catalog.ErrNotFound)
	}
	return id, nil
}

// reuseChunk pins an existing blob block with the given identity and
// restarts its grace period. ok is false when no such chunk exists or it
// was collected before the pin took effect.
func (s *Service) reuseChunk(ctx context.Context, size int64, sum string) (int64, bool, error) {
	existing, err := s.catalog.FindBlobBlock(ctx, size, sum)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	s.pins.add(existing.ID)
	touched, err := s.catalog.TouchBlobBlock(ctx, existing.ID, s.now())
	if err != nil || !touched {
		s.pins.release([]int64{existing.ID})
		return 0, false, err
	}
	s.metrics.ChunksDeduplicated.Inc()
	return existing.ID, true, nil
}

// StoreFile ingests upload.Body and attaches the blob to the logical file at
// (ContainerID, Path), creating the file or adding a new revision.
func (s *Service) StoreFile(ctx context.Context, upload FileUpload) (fileID, blobID int64, isNew bool, err error) {
	blobID, isNew, err = s.Ingest(ctx, upload.Body)
	if err != nil {
		return 0, 0, false, err
	}

	now := s.now()
	existing, err := s.catalog.FindFile(ctx, upload.ContainerID, upload.Path)
	switch {
	case err == nil:
		fileID = existing.ID
	case errors.Is(err, catalog.ErrNotFound):
		fileID, err = s.catalog.CreateFile(ctx, upload.ContainerID, upload.Path, upload.MediaType, blobID, now)
		if err == nil {
			return fileID, blobID, isNew, nil
		}
		if !errors.Is(err, catalog.ErrDuplicate) {
			return 0, 0, false, fmt.Errorf("create file %s: %w", upload.Path, err)
		}
		existing, err = s.catalog.FindFile(ctx, upload.ContainerID, upload.Path)
		if err != nil {
			return 0, 0, false, err
		}
		fileID = existing.ID
	default:
		return 0, 0, false, err
	}

	if err := s.catalog.AddRevision(ctx, fileID, blobID, now); err != nil {
		return 0, 0, false, fmt.Errorf("add revision to file %d: %w", fileID, err)
	}
	s.logger.Debug().Int64("file", fileID).Int64("blob", blobID).Msg("Added file revision")
	return fileID, blobID, isNew, nil
}

// BlobSize returns the total length of blobID.
func (s *Service) BlobSize(ctx context.Context, blobID int64) (int64, error) {
	size, err := s.catalog.BlobSize(ctx, blobID)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, fmt.Errorf("blob %d: %w", blobID, ErrBlobNotFound)
	}
	return size, err
}
