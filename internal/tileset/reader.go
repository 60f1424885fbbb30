package tileset

import (
	"database/sql"
	"fmt"

	"context"

	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/pkg/tile"
)

// GetTile returns the payload stored at the XYZ coordinate, or nil when
// the container has no tile there. A stored deletion marker (NULL
// payload) also reads as nil.
func (c *Container) GetTile(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	if err := c.ensureIdle(); err != nil {
		return nil, err
	}
	coord, err := tile.New(z, x, y)
	if err != nil {
		return nil, verrors.NewCoordinateError(err.Error())
	}

	var data []byte
	err = c.db.QueryRowContext(ctx, selectTileSQL, coord.Z, coord.X, coord.TMSRow()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tileset: failed to read tile %s: %w", coord, err)
	}
	return data, nil
}

// GetTileAndHash returns the payload and its stored content hash. Flat
// containers store no hash, so the hash is empty there; the other
// layouts return the hash column as stored, which Verify checks against
// the payload.
func (c *Container) GetTileAndHash(ctx context.Context, z uint8, x, y uint32) ([]byte, string, error) {
	if err := c.ensureIdle(); err != nil {
		return nil, "", err
	}
	coord, err := tile.New(z, x, y)
	if err != nil {
		return nil, "", verrors.NewCoordinateError(err.Error())
	}
	variant, err := c.variantLocked(ctx)
	if err != nil {
		return nil, "", err
	}

	var data []byte
	var hash sql.NullString
	err = c.db.QueryRowContext(ctx, variant.selectTileAndHashSQL(), coord.Z, coord.X, coord.TMSRow()).Scan(&data, &hash)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("tileset: failed to read tile %s: %w", coord, err)
	}
	return data, hash.String, nil
}

// HasTile reports whether a payload-bearing tile occupies the XYZ
// coordinate.
func (c *Container) HasTile(ctx context.Context, coord tile.Coord) (bool, error) {
	if err := c.ensureIdle(); err != nil {
		return false, err
	}
	var one int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM tiles
		WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3
		  AND tile_data IS NOT NULL`,
		coord.Z, coord.X, coord.TMSRow()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tileset: failed to probe tile %s: %w", coord, err)
	}
	return true, nil
}

// GetTileTx reads a tile payload through an open transaction, so patch
// application can consult the pre-patch state of rows it is rewriting.
// Returns nil for a missing row or a deletion marker.
func GetTileTx(ctx context.Context, tx *sql.Tx, coord tile.Coord) ([]byte, error) {
	var data []byte
	err := tx.QueryRowContext(ctx, selectTileSQL, coord.Z, coord.X, coord.TMSRow()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tileset: failed to read tile %s in tx: %w", coord, err)
	}
	return data, nil
}

// TileCount returns the number of payload-bearing tiles in the logical
// set. Deletion markers do not count.
func (c *Container) TileCount(ctx context.Context) (uint64, error) {
	if err := c.ensureIdle(); err != nil {
		return 0, err
	}
	var n uint64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tiles WHERE tile_data IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("tileset: failed to count tiles: %w", err)
	}
	return n, nil
}

// ZoomRange returns the minimum and maximum zoom levels present, with
// ok=false for an empty container.
func (c *Container) ZoomRange(ctx context.Context) (minZoom, maxZoom uint8, ok bool, err error) {
	if err := c.ensureIdle(); err != nil {
		return 0, 0, false, err
	}
	var lo, hi sql.NullInt64
	err = c.db.QueryRowContext(ctx,
		`SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles WHERE tile_data IS NOT NULL`).Scan(&lo, &hi)
	if err != nil {
		return 0, 0, false, fmt.Errorf("tileset: failed to read zoom range: %w", err)
	}
	if !lo.Valid || !hi.Valid || lo.Int64 < 0 || hi.Int64 > tile.MaxZoom {
		return 0, 0, false, nil
	}
	return uint8(lo.Int64), uint8(hi.Int64), true, nil
}
