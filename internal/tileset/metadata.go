package tileset

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tilevault/tilevault/pkg/tile"
)

// Well-known metadata keys. The agg_tiles_hash family and patch_type are
// engine bookkeeping: they describe the container state the engine
// maintains, so copies recompute them instead of transferring them.
const (
	MetaName        = "name"
	MetaFormat      = "format"
	MetaBounds      = "bounds"
	MetaMinZoom     = "minzoom"
	MetaMaxZoom     = "maxzoom"
	MetaJSON        = "json"
	MetaAggTilesHash   = "agg_tiles_hash"
	MetaAggHashBefore  = "agg_tiles_hash_before_apply"
	MetaAggHashAfter   = "agg_tiles_hash_after_apply"
	MetaPatchType      = "patch_type"
)

// IsBookkeepingKey reports whether the engine owns the key's value for
// this container, making it unfit for metadata copies.
func IsBookkeepingKey(key string) bool {
	switch key {
	case MetaAggTilesHash, MetaAggHashBefore, MetaAggHashAfter, MetaPatchType:
		return true
	default:
		return false
	}
}

// MetadataValue returns the value stored under the key, or "" when the
// key is absent.
func (c *Container) MetadataValue(ctx context.Context, key string) (string, error) {
	if err := c.ensureIdle(); err != nil {
		return "", err
	}
	var value sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE name = ?1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tileset: failed to read metadata %q: %w", key, err)
	}
	return value.String, nil
}

// SetMetadataValue stores a value under the key, replacing any previous
// value. The "json" key must hold valid JSON. An empty value removes the
// key.
func (c *Container) SetMetadataValue(ctx context.Context, key, value string) error {
	if err := c.ensureIdle(); err != nil {
		return err
	}
	if c.readonly {
		return fmt.Errorf("tileset: %s is read-only", c.Name())
	}
	if value == "" {
		return c.deleteMetadataValue(ctx, key)
	}
	if err := ValidateMetadataValue(key, value); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (name, value) VALUES (?1, ?2)`, key, value)
	if err != nil {
		return fmt.Errorf("tileset: failed to set metadata %q: %w", key, err)
	}
	return nil
}

func (c *Container) deleteMetadataValue(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM metadata WHERE name = ?1`, key)
	if err != nil {
		return fmt.Errorf("tileset: failed to delete metadata %q: %w", key, err)
	}
	return nil
}

// AllMetadata returns every metadata row.
func (c *Container) AllMetadata(ctx context.Context) (map[string]string, error) {
	if err := c.ensureIdle(); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("tileset: failed to read metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("tileset: failed to scan metadata row: %w", err)
		}
		meta[name] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tileset: failed to read metadata rows: %w", err)
	}
	return meta, nil
}

// ValidateMetadataValue enforces the structural constraints metadata
// values carry: the "json" key must parse as JSON, zoom keys must be
// small integers.
func ValidateMetadataValue(key, value string) error {
	switch key {
	case MetaJSON:
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("tileset: metadata %q does not hold valid JSON", key)
		}
	case MetaMinZoom, MetaMaxZoom:
		z, err := strconv.Atoi(value)
		if err != nil || z < 0 || z > tile.MaxZoom {
			return fmt.Errorf("tileset: metadata %q holds invalid zoom %q", key, value)
		}
	}
	return nil
}

// UpdateBounds recomputes the "bounds" key from the tile extent at the
// deepest populated zoom, plus the minzoom/maxzoom keys. A container
// with no tiles keeps its existing values.
func (c *Container) UpdateBounds(ctx context.Context) error {
	if err := c.ensureIdle(); err != nil {
		return err
	}
	if c.readonly {
		return fmt.Errorf("tileset: %s is read-only", c.Name())
	}

	minZoom, maxZoom, ok, err := c.ZoomRange(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var minCol, maxCol, minRow, maxRow sql.NullInt64
	err = c.db.QueryRowContext(ctx, `
		SELECT MIN(tile_column), MAX(tile_column), MIN(tile_row), MAX(tile_row)
		FROM tiles WHERE zoom_level = ?1 AND tile_data IS NOT NULL`, maxZoom).
		Scan(&minCol, &maxCol, &minRow, &maxRow)
	if err != nil {
		return fmt.Errorf("tileset: failed to read tile extent: %w", err)
	}

	nw, ok1 := tile.FromRaw(nullInt(int64(maxZoom)), minCol, maxRow)
	se, ok2 := tile.FromRaw(nullInt(int64(maxZoom)), maxCol, minRow)
	if !ok1 || !ok2 {
		return fmt.Errorf("tileset: tile extent at zoom %d is unindexable", maxZoom)
	}

	bound := nw.Bound().Union(se.Bound())
	bounds := strings.Join([]string{
		formatCoord(bound.Min.Lon()),
		formatCoord(bound.Min.Lat()),
		formatCoord(bound.Max.Lon()),
		formatCoord(bound.Max.Lat()),
	}, ",")

	if err := c.SetMetadataValue(ctx, MetaBounds, bounds); err != nil {
		return err
	}
	if err := c.SetMetadataValue(ctx, MetaMinZoom, strconv.Itoa(int(minZoom))); err != nil {
		return err
	}
	return c.SetMetadataValue(ctx, MetaMaxZoom, strconv.Itoa(int(maxZoom)))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}
