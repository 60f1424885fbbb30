// Package copier implements container-to-container copy and merge. Tiles
// stream from the source in storage order and land in the destination in
// bounded transactional chunks; the destination's layout dictates the
// write path, so copying between layouts is the same code path as
// copying within one.
package copier

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tilevault/tilevault/internal/bloom"
	"github.com/tilevault/tilevault/internal/content"
	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/internal/tileset"
	"github.com/tilevault/tilevault/pkg/tile"
)

// CopyType selects what a copy transfers.
type CopyType uint8

const (
	// CopyAll transfers tiles and metadata.
	CopyAll CopyType = iota
	// CopyTiles transfers tiles only.
	CopyTiles
	// CopyMetadata transfers metadata only.
	CopyMetadata
)

// String returns the copy type's CLI name.
func (t CopyType) String() string {
	switch t {
	case CopyAll:
		return "all"
	case CopyTiles:
		return "tiles"
	case CopyMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// ParseCopyType maps a CLI/config name to a CopyType.
func ParseCopyType(s string) (CopyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all":
		return CopyAll, nil
	case "tiles":
		return CopyTiles, nil
	case "metadata":
		return CopyMetadata, nil
	default:
		return CopyAll, fmt.Errorf("copier: unknown copy type %q", s)
	}
}

// DefaultChunkSize is the number of tiles per destination transaction.
const DefaultChunkSize = 2048

// Options configures a copy run.
type Options struct {
	// Type selects tiles, metadata, or both. Default CopyAll.
	Type CopyType

	// Mode is the duplicate policy applied to destination index rows.
	Mode tileset.DuplicateMode

	// ChunkSize bounds the rows per destination transaction.
	// DefaultChunkSize when zero.
	ChunkSize int

	// UpdateBounds recomputes the destination's bounds/minzoom/maxzoom
	// metadata from the copied tile extent.
	UpdateBounds bool

	// PrescreenFPR is the bloom false positive rate for the abort-mode
	// conflict prescreen. 0.01 when zero.
	PrescreenFPR float64
}

// Stats reports what a copy run did.
type Stats struct {
	TilesRead    uint64
	TilesWritten uint64
	TilesSkipped uint64
	BytesWritten uint64
	BlobsDeduped uint64
	MetadataKeys int
	Elapsed      time.Duration
}

// Copy transfers the selected content from src into dst. Tile chunks are
// each one transaction: an error mid-copy leaves the destination with
// only whole chunks applied, never a torn chunk. After a tile copy the
// destination's aggregate hash is recomputed and stamped.
func Copy(ctx context.Context, src, dst *tileset.Container, opts Options) (*Stats, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.PrescreenFPR <= 0 || opts.PrescreenFPR >= 1 {
		opts.PrescreenFPR = 0.01
	}
	stats := &Stats{}
	start := time.Now()

	if opts.Type != CopyTiles {
		if err := copyMetadata(ctx, src, dst, stats); err != nil {
			return nil, err
		}
	}
	if opts.Type != CopyMetadata {
		if err := copyTiles(ctx, src, dst, opts, stats); err != nil {
			return nil, err
		}
		if err := stampFormat(ctx, dst); err != nil {
			return nil, err
		}
		if _, err := dst.StampAggTilesHash(ctx); err != nil {
			return nil, err
		}
		if opts.UpdateBounds {
			if err := dst.UpdateBounds(ctx); err != nil {
				return nil, err
			}
		}
	}

	stats.Elapsed = time.Since(start)
	log.Printf("copier: %s -> %s done: read=%d written=%d skipped=%d deduped=%d meta=%d in %s",
		src.Name(), dst.Name(), stats.TilesRead, stats.TilesWritten, stats.TilesSkipped,
		stats.BlobsDeduped, stats.MetadataKeys, stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}

// copyMetadata transfers every metadata row except engine bookkeeping,
// which the destination recomputes for itself.
func copyMetadata(ctx context.Context, src, dst *tileset.Container, stats *Stats) error {
	meta, err := src.AllMetadata(ctx)
	if err != nil {
		return verrors.NewCopyError(verrors.CodeIo, "failed to read source metadata", err)
	}
	for key, value := range meta {
		if tileset.IsBookkeepingKey(key) || value == "" {
			continue
		}
		if err := dst.SetMetadataValue(ctx, key, value); err != nil {
			return verrors.NewCopyError(verrors.CodeIo,
				fmt.Sprintf("failed to copy metadata key %q", key), err)
		}
		stats.MetadataKeys++
	}
	return nil
}

func copyTiles(ctx context.Context, src, dst *tileset.Container, opts Options, stats *Stats) error {
	srcVariant, err := src.Variant(ctx)
	if err != nil {
		return err
	}
	dstVariant, err := dst.Variant(ctx)
	if err != nil {
		return err
	}

	prescreen, err := buildPrescreen(ctx, dst, opts)
	if err != nil {
		return err
	}

	var tracker *content.Tracker
	if dstVariant.IsNormalized() {
		tracker = content.NewTracker()
	}

	// Hash-bearing sources hand their stored hashes to hash-bearing
	// destinations, skipping recomputation.
	var stream *tileset.TileStream
	if srcVariant.HasHash() && dstVariant.HasHash() {
		stream, err = src.StreamTilesWithHash(ctx)
	} else {
		stream, err = src.StreamTiles(ctx)
	}
	if err != nil {
		return verrors.NewCopyError(verrors.CodeIo, "failed to open source stream", err)
	}
	defer stream.Close()

	chunk := make([]tileset.TileRecord, 0, opts.ChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := writeChunk(ctx, dst, dstVariant, opts, prescreen, chunk, stats); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	for stream.Next() {
		rec, recErr := stream.Record()
		if recErr != nil {
			// A source row the coordinate model cannot express has no
			// representation in any destination layout.
			return verrors.NewCopyError(verrors.CodeSchemaTranslation,
				"source row cannot be translated", recErr)
		}
		if rec.Data == nil {
			// Deletion markers are patch bookkeeping, not logical tiles.
			continue
		}
		stats.TilesRead++
		if tracker != nil {
			tracker.Observe(rec.ContentID(), len(rec.Data))
		}
		chunk = append(chunk, rec)
		if len(chunk) >= opts.ChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return verrors.NewCopyError(verrors.CodeIo, "source stream failed", err)
	}
	if err := flush(); err != nil {
		return err
	}

	if tracker != nil {
		stats.BlobsDeduped = tracker.Deduped()
	}
	return nil
}

// buildPrescreen loads the destination's occupied coordinates into a
// bloom filter when the copy would abort on a conflict. A miss proves
// the chunk is conflict-free; a hit is confirmed with an exact probe
// before the chunk transaction opens. The INSERT OR ABORT clause remains
// the authoritative guard.
func buildPrescreen(ctx context.Context, dst *tileset.Container, opts Options) (*bloom.Filter, error) {
	if opts.Mode != tileset.DuplicateAbort {
		return nil, nil
	}
	n, err := dst.TileCount(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	filter := bloom.NewWithEstimates(int(n), opts.PrescreenFPR)
	stream, err := dst.StreamCoords(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	for stream.Next() {
		coord, recErr := stream.Coord()
		if recErr != nil {
			continue
		}
		filter.AddCoord(coord)
	}
	if err := stream.Err(); err != nil {
		return nil, verrors.NewCopyError(verrors.CodeIo, "failed to prescreen destination", err)
	}
	return filter, nil
}

func writeChunk(ctx context.Context, dst *tileset.Container, dstVariant tileset.Variant,
	opts Options, prescreen *bloom.Filter, chunk []tileset.TileRecord, stats *Stats) error {

	if prescreen != nil {
		for _, rec := range chunk {
			if !prescreen.ContainsCoord(rec.Coord) {
				continue
			}
			occupied, err := dst.HasTile(ctx, rec.Coord)
			if err != nil {
				return err
			}
			if occupied {
				return verrors.NewWriteError(verrors.CodeConflict,
					fmt.Sprintf("tile %s already exists in %s", rec.Coord, dst.Name()), nil).
					WithDetails(map[string]interface{}{"coord": rec.Coord.String()})
			}
		}
	}

	tx, err := dst.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := tileset.NewTxWriter(ctx, tx, dstVariant, opts.Mode)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, rec := range chunk {
		if err := w.Insert(ctx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return verrors.NewCopyError(verrors.CodeIo, "failed to commit chunk", err)
	}

	stats.TilesWritten += w.Written()
	stats.TilesSkipped += w.Skipped()
	stats.BytesWritten += w.Bytes()

	if prescreen != nil {
		// Keep later chunks honest about rows this chunk just wrote.
		for _, rec := range chunk {
			prescreen.AddCoord(rec.Coord)
		}
	}
	return nil
}

// stampFormat fills a missing "format" metadata key by sniffing a stored
// payload. Containers that already declare a format keep it.
func stampFormat(ctx context.Context, dst *tileset.Container) error {
	existing, err := dst.MetadataValue(ctx, tileset.MetaFormat)
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}

	stream, err := dst.StreamTiles(ctx)
	if err != nil {
		return err
	}
	var sample []byte
	for stream.Next() {
		rec, recErr := stream.Record()
		if recErr == nil && rec.Data != nil {
			sample = rec.Data
			break
		}
	}
	streamErr := stream.Err()
	stream.Close()
	if streamErr != nil {
		return streamErr
	}
	if sample == nil {
		return nil
	}

	format := tile.DetectFormat(sample)
	if value := format.MetadataValue(); value != "" {
		return dst.SetMetadataValue(ctx, tileset.MetaFormat, value)
	}
	log.Printf("copier: [WARN] could not detect tile format for %s; leaving format metadata unset", dst.Name())
	return nil
}
