package tileset

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tilevault/tilevault/internal/content"
	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/pkg/tile"
)

// VerifyAggHash compares the stored agg_tiles_hash metadata against a
// fresh computation. A container that was never stamped fails with
// AGG_HASH_MISSING; drift fails with AGG_MISMATCH carrying both values.
func (c *Container) VerifyAggHash(ctx context.Context) error {
	stored, err := c.MetadataValue(ctx, MetaAggTilesHash)
	if err != nil {
		return err
	}
	if stored == "" {
		return verrors.NewVerifyError(verrors.CodeAggHashMissing,
			fmt.Sprintf("%s carries no agg_tiles_hash", c.Name()))
	}
	computed, err := c.AggTilesHash(ctx)
	if err != nil {
		return err
	}
	if stored != computed {
		return verrors.NewVerifyError(verrors.CodeAggMismatch,
			fmt.Sprintf("%s aggregate hash drifted", c.Name())).
			WithDetails(map[string]interface{}{
				"stored":   stored,
				"computed": computed,
			})
	}
	return nil
}

// TileHashMismatch reports one tile whose stored content hash does not
// match its payload.
type TileHashMismatch struct {
	Coord    tile.Coord
	Stored   string
	Computed string
}

// TileHashReport summarizes a per-tile hash verification run.
type TileHashReport struct {
	// Checked is the number of stored tiles whose hash was recomputed.
	Checked uint64

	// Mismatched is the total number of tiles that failed.
	Mismatched uint64

	// Mismatches lists the first failures, capped so a fully corrupted
	// container does not balloon the report.
	Mismatches []TileHashMismatch
}

// maxReportedMismatches caps the list VerifyTileHashes returns; a
// corrupted container can fail on every row and the count is what
// matters past this point.
const maxReportedMismatches = 32

// VerifyTileHashes recomputes the content hash of every stored tile in a
// hash-bearing layout and compares it to the stored value. The scan runs
// on the handle's single connection while workers hash in parallel.
// The error reports operational failures only; corruption lands in the
// report.
func (c *Container) VerifyTileHashes(ctx context.Context, workers int) (*TileHashReport, error) {
	if err := c.ensureIdle(); err != nil {
		return nil, err
	}
	variant, err := c.variantLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !variant.HasHash() {
		return nil, fmt.Errorf("tileset: %s layout stores no per-tile hashes", variant)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var scanSQL string
	if variant == VariantNormalized {
		scanSQL = `
			SELECT map.zoom_level, map.tile_column, map.tile_row, images.tile_data, images.tile_id
			FROM map JOIN images ON images.tile_id = map.tile_id`
	} else {
		scanSQL = `
			SELECT zoom_level, tile_column, tile_row, tile_data, tile_hash
			FROM tiles_with_hash WHERE tile_data IS NOT NULL`
	}

	type hashedRow struct {
		coord  tile.Coord
		data   []byte
		stored string
	}

	g, gctx := errgroup.WithContext(ctx)
	rowsCh := make(chan hashedRow, workers*2)

	var checked uint64
	g.Go(func() error {
		defer close(rowsCh)
		rows, err := c.db.QueryContext(gctx, scanSQL)
		if err != nil {
			return fmt.Errorf("tileset: failed to scan tiles for verification: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var z, x, y sql.NullInt64
			var data []byte
			var stored sql.NullString
			if err := rows.Scan(&z, &x, &y, &data, &stored); err != nil {
				return fmt.Errorf("tileset: failed to scan verification row: %w", err)
			}
			coord, ok := tile.FromRaw(z, x, y)
			if !ok {
				return verrors.NewStreamError(verrors.CodeInvalidTileIndex,
					fmt.Sprintf("unparseable tile index during verification (%v, %v, %v)",
						nullable(z), nullable(x), nullable(y)))
			}
			select {
			case rowsCh <- hashedRow{coord: coord, data: data, stored: stored.String}:
				checked++
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return rows.Err()
	})

	resultCh := make(chan TileHashMismatch, workers*2)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for row := range rowsCh {
				if computed := content.ID(row.data); computed != row.stored {
					select {
					case resultCh <- TileHashMismatch{Coord: row.coord, Stored: row.stored, Computed: computed}:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			return nil
		})
	}

	collectDone := make(chan struct{})
	var mismatches []TileHashMismatch
	var total uint64
	go func() {
		defer close(collectDone)
		for m := range resultCh {
			total++
			if len(mismatches) < maxReportedMismatches {
				mismatches = append(mismatches, m)
			}
		}
	}()

	err = g.Wait()
	close(resultCh)
	<-collectDone
	if err != nil {
		return nil, err
	}
	return &TileHashReport{Checked: checked, Mismatched: total, Mismatches: mismatches}, nil
}
