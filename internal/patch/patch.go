// Package patch computes and applies container patches. A patch is
// itself an MBTiles container: payload rows carry the tiles the target
// added or changed, NULL-payload rows mark the tiles it removed, and
// metadata stamps pin the aggregate hashes the base must have before
// application and will have after. Bin-diff patches wrap each payload in
// a delta envelope against the base's tile at the same coordinate.
package patch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/internal/tileset"
	"github.com/tilevault/tilevault/pkg/tile"
)

// Type selects how a patch stores changed payloads.
type Type uint8

const (
	// TypeWhole stores changed tiles as their full payload bytes.
	TypeWhole Type = iota
	// TypeBinDiff stores changed tiles as delta envelopes against the
	// base container's payload at the same coordinate.
	TypeBinDiff
)

// String returns the type's metadata/CLI name.
func (t Type) String() string {
	switch t {
	case TypeWhole:
		return "whole"
	case TypeBinDiff:
		return "bin-diff"
	default:
		return "unknown"
	}
}

// ParseType maps a CLI/config name to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "whole":
		return TypeWhole, nil
	case "bin-diff", "bindiff":
		return TypeBinDiff, nil
	default:
		return TypeWhole, fmt.Errorf("patch: unknown patch type %q", s)
	}
}

// typeFromMetadata decodes the patch_type stamp. Containers predating
// the stamp are whole patches.
func typeFromMetadata(v string) (Type, error) {
	if v == "" {
		return TypeWhole, nil
	}
	t, err := ParseType(v)
	if err != nil {
		return TypeWhole, verrors.NewPatchError(verrors.CodeBadPatchRow,
			fmt.Sprintf("container carries unknown patch_type %q", v), nil)
	}
	return t, nil
}

const defaultChunkSize = 2048

// ComputeOptions configures patch computation.
type ComputeOptions struct {
	// Type selects whole or bin-diff payload storage.
	Type Type

	// Variant is the patch container's layout. FlatWithHash when unset.
	Variant tileset.Variant

	// ChunkSize bounds the rows per patch-container transaction.
	ChunkSize int
}

// ComputeStats reports what a computed patch contains.
type ComputeStats struct {
	Added   uint64
	Changed uint64
	Removed uint64
	Elapsed time.Duration

	// AggBefore and AggAfter are the stamps written to the patch.
	AggBefore string
	AggAfter  string
}

// ApplyOptions configures patch application.
type ApplyOptions struct {
	// VerifyPatch checks the patch container's own aggregate stamp
	// before touching the base.
	VerifyPatch bool
}

// ApplyStats reports what an application did.
type ApplyStats struct {
	Upserted uint64
	Removed  uint64
	Elapsed  time.Duration

	// AggBefore is the base's hash at entry, AggAfter the committed one.
	AggBefore string
	AggAfter  string
}

// Cross-container diff queries. The target container is attached to the
// base handle under an alias; both sides read through their `tiles`
// views so the queries hold for every layout. A NULL payload on either
// side means the logical tile is absent there.
const (
	diffUpsertsSQL = `
		SELECT t.zoom_level, t.tile_column, t.tile_row, t.tile_data, b.tile_data,
		       (b.zoom_level IS NULL OR b.tile_data IS NULL) AS added
		FROM %[1]q.tiles AS t
		LEFT JOIN tiles AS b
		  ON b.zoom_level = t.zoom_level
		 AND b.tile_column = t.tile_column
		 AND b.tile_row = t.tile_row
		WHERE t.tile_data IS NOT NULL
		  AND (b.tile_data IS NULL OR t.tile_data IS NOT b.tile_data)
		ORDER BY t.zoom_level, t.tile_column, t.tile_row`

	diffRemovalsSQL = `
		SELECT b.zoom_level, b.tile_column, b.tile_row
		FROM tiles AS b
		LEFT JOIN %[1]q.tiles AS t
		  ON t.zoom_level = b.zoom_level
		 AND t.tile_column = b.tile_column
		 AND t.tile_row = b.tile_row
		WHERE b.tile_data IS NOT NULL
		  AND (t.zoom_level IS NULL OR t.tile_data IS NULL)
		ORDER BY b.zoom_level, b.tile_column, b.tile_row`
)

// Compute writes the patch that turns base into target to a new
// container at outPath. The patch is stamped with both aggregate hashes
// and its own, so application can refuse the wrong base and prove the
// right result.
func Compute(ctx context.Context, base, target *tileset.Container, outPath string, opts ComputeOptions) (*ComputeStats, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Variant == tileset.VariantUnknown {
		opts.Variant = tileset.VariantFlatWithHash
	}
	if _, err := os.Stat(outPath); err == nil {
		return nil, fmt.Errorf("patch: output %s already exists", outPath)
	}

	start := time.Now()
	stats := &ComputeStats{}

	baseAgg, err := base.AggTilesHash(ctx)
	if err != nil {
		return nil, err
	}
	targetAgg, err := target.AggTilesHash(ctx)
	if err != nil {
		return nil, err
	}
	stats.AggBefore = baseAgg
	stats.AggAfter = targetAgg

	out, err := tileset.OpenOrNew(ctx, outPath, opts.Variant)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	alias := "patch_" + uuid.NewString()[:8]
	if err := base.AttachAs(ctx, target.Path(), alias); err != nil {
		return nil, err
	}
	defer func() { _ = base.Detach(ctx, alias) }()

	if err := computeUpserts(ctx, base, out, alias, opts, stats); err != nil {
		return nil, err
	}
	if err := computeRemovals(ctx, base, out, alias, opts, stats); err != nil {
		return nil, err
	}

	for key, value := range map[string]string{
		tileset.MetaPatchType:     opts.Type.String(),
		tileset.MetaAggHashBefore: baseAgg,
		tileset.MetaAggHashAfter:  targetAgg,
	} {
		if err := out.SetMetadataValue(ctx, key, value); err != nil {
			return nil, err
		}
	}
	if _, err := out.StampAggTilesHash(ctx); err != nil {
		return nil, err
	}

	stats.Elapsed = time.Since(start)
	log.Printf("patch: computed %s patch %s -> %s: added=%d changed=%d removed=%d in %s",
		opts.Type, base.Name(), target.Name(), stats.Added, stats.Changed, stats.Removed,
		stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}

// computeUpserts streams the target rows the base lacks or stores with a
// different payload and writes them into the patch container.
func computeUpserts(ctx context.Context, base, out *tileset.Container, alias string, opts ComputeOptions, stats *ComputeStats) error {
	rows, err := base.DB().QueryContext(ctx, fmt.Sprintf(diffUpsertsSQL, alias))
	if err != nil {
		return verrors.NewPatchError(verrors.CodeIo, "failed to diff containers", err)
	}
	defer rows.Close()

	chunk := make([]tileset.TileRecord, 0, opts.ChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := out.InsertTiles(ctx, tileset.DuplicateAbort, chunk); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	for rows.Next() {
		var z, x, y sql.NullInt64
		var targetData, baseData []byte
		var added bool
		if err := rows.Scan(&z, &x, &y, &targetData, &baseData, &added); err != nil {
			return verrors.NewPatchError(verrors.CodeIo, "failed to scan diff row", err)
		}
		coord, ok := tile.FromRaw(z, x, y)
		if !ok {
			return verrors.Wrap(verrors.ErrCategoryPatch, verrors.CodeInvalidTileIndex,
				fmt.Sprintf("target row (%v, %v, %v) has invalid coordinates", z.Int64, x.Int64, y.Int64), nil)
		}

		payload := targetData
		if opts.Type == TypeBinDiff {
			payload = Encode(baseData, targetData)
		}
		chunk = append(chunk, tileset.TileRecord{Coord: coord, Data: payload})

		if added {
			stats.Added++
		} else {
			stats.Changed++
		}
		if len(chunk) >= opts.ChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return verrors.NewPatchError(verrors.CodeIo, "diff scan failed", err)
	}
	return flush()
}

// computeRemovals streams the base rows the target no longer has and
// writes deletion markers for them.
func computeRemovals(ctx context.Context, base, out *tileset.Container, alias string, opts ComputeOptions, stats *ComputeStats) error {
	rows, err := base.DB().QueryContext(ctx, fmt.Sprintf(diffRemovalsSQL, alias))
	if err != nil {
		return verrors.NewPatchError(verrors.CodeIo, "failed to diff containers", err)
	}
	defer rows.Close()

	chunk := make([]tileset.TileRecord, 0, opts.ChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := out.InsertTiles(ctx, tileset.DuplicateAbort, chunk); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	for rows.Next() {
		var z, x, y sql.NullInt64
		if err := rows.Scan(&z, &x, &y); err != nil {
			return verrors.NewPatchError(verrors.CodeIo, "failed to scan diff row", err)
		}
		coord, ok := tile.FromRaw(z, x, y)
		if !ok {
			return verrors.Wrap(verrors.ErrCategoryPatch, verrors.CodeInvalidTileIndex,
				fmt.Sprintf("base row (%v, %v, %v) has invalid coordinates", z.Int64, x.Int64, y.Int64), nil)
		}
		chunk = append(chunk, tileset.TileRecord{Coord: coord, Data: nil})
		stats.Removed++
		if len(chunk) >= opts.ChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return verrors.NewPatchError(verrors.CodeIo, "diff scan failed", err)
	}
	return flush()
}

// Apply replays the patch at patchPath onto base inside one transaction.
// The base must hash to the patch's before stamp or nothing happens; the
// transaction commits only if the rewritten base hashes to the after
// stamp. A failure at any point leaves the base byte-for-byte untouched.
func Apply(ctx context.Context, base *tileset.Container, patchPath string, opts ApplyOptions) (*ApplyStats, error) {
	start := time.Now()

	p, err := tileset.OpenReadonly(ctx, patchPath)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	ptypeRaw, err := p.MetadataValue(ctx, tileset.MetaPatchType)
	if err != nil {
		return nil, err
	}
	ptype, err := typeFromMetadata(ptypeRaw)
	if err != nil {
		return nil, err
	}
	before, err := p.MetadataValue(ctx, tileset.MetaAggHashBefore)
	if err != nil {
		return nil, err
	}
	after, err := p.MetadataValue(ctx, tileset.MetaAggHashAfter)
	if err != nil {
		return nil, err
	}
	if before == "" || after == "" {
		return nil, verrors.Wrap(verrors.ErrCategoryPatch, verrors.CodeAggHashMissing,
			fmt.Sprintf("%s is not a patch container: agg_tiles_hash_before_apply/after_apply stamps missing", p.Name()), nil)
	}

	if opts.VerifyPatch {
		if err := p.VerifyAggHash(ctx); err != nil {
			return nil, err
		}
	}

	baseAgg, err := base.AggTilesHash(ctx)
	if err != nil {
		return nil, err
	}
	if baseAgg != before {
		return nil, verrors.NewPatchError(verrors.CodeBaseMismatch,
			fmt.Sprintf("base %s hashes to %s, patch expects %s", base.Name(), baseAgg, before), nil).
			WithDetails(map[string]interface{}{"have": baseAgg, "want": before})
	}

	variant, err := base.Variant(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := p.StreamAllRows(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	tx, err := base.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := tileset.NewTxWriter(ctx, tx, variant, tileset.DuplicateOverride)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	for stream.Next() {
		rec, recErr := stream.Record()
		if recErr != nil {
			return nil, verrors.NewPatchError(verrors.CodeBadPatchRow,
				"patch row has invalid coordinates", recErr)
		}
		if rec.Data == nil {
			if err := w.Delete(ctx, rec.Coord); err != nil {
				return nil, err
			}
			continue
		}
		if ptype == TypeBinDiff {
			baseData, err := tileset.GetTileTx(ctx, tx, rec.Coord)
			if err != nil {
				return nil, err
			}
			decoded, err := Decode(baseData, rec.Data)
			if err != nil {
				return nil, fmt.Errorf("patch: tile %s: %w", rec.Coord, err)
			}
			rec.Data = decoded
			// The stored hash covered the envelope, not the payload.
			rec.Hash = ""
		}
		if err := w.Insert(ctx, rec); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, verrors.NewPatchError(verrors.CodeIo, "patch stream failed", err)
	}

	if _, err := tileset.PruneOrphanContent(ctx, tx, variant); err != nil {
		return nil, err
	}

	got, err := tileset.StampAggTilesHashTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if got != after {
		return nil, verrors.NewPatchError(verrors.CodeResultMismatch,
			fmt.Sprintf("patched base hashes to %s, patch promises %s", got, after), nil).
			WithDetails(map[string]interface{}{"have": got, "want": after})
	}
	if err := tx.Commit(); err != nil {
		return nil, verrors.NewPatchError(verrors.CodeIo, "failed to commit patch", err)
	}

	stats := &ApplyStats{
		Upserted:  w.Written(),
		Removed:   w.Deleted(),
		Elapsed:   time.Since(start),
		AggBefore: baseAgg,
		AggAfter:  got,
	}
	log.Printf("patch: applied %s to %s: upserted=%d removed=%d in %s",
		p.Name(), base.Name(), stats.Upserted, stats.Removed, stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}
