package tileset

import (
	"context"
	"database/sql"
	"fmt"

	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/pkg/tile"
)

// TileStream is a single-pass cursor over a container's rows. While a
// stream is open it holds the handle's only streaming slot: every other
// operation on the same Container fails with HANDLE_BUSY until Close.
//
// Rows that fail coordinate narrowing surface as per-item errors from
// Record, not as a stream-ending fault, so a consumer can skip bad rows
// or abort as it sees fit.
type TileStream struct {
	c        *Container
	rows     *sql.Rows
	withData bool
	withHash bool

	rec    TileRecord
	recErr error
	err    error
	closed bool
}

// StreamTiles opens a cursor over the logical tile set: coordinates plus
// payloads, in storage order. Flat-layout deletion markers stream with a
// nil payload.
func (c *Container) StreamTiles(ctx context.Context) (*TileStream, error) {
	return c.stream(ctx, streamTilesSQL, true)
}

// StreamCoords opens a cursor over coordinates only, skipping payload
// I/O. Useful for prescreens and existence checks.
func (c *Container) StreamCoords(ctx context.Context) (*TileStream, error) {
	return c.stream(ctx, streamCoordsSQL, false)
}

// StreamAllRows opens a cursor that includes deletion markers under
// every layout (the normalized join view hides them; this uses a LEFT
// JOIN instead). Patch application reads patch containers through this.
func (c *Container) StreamAllRows(ctx context.Context) (*TileStream, error) {
	variant, err := c.Variant(ctx)
	if err != nil {
		return nil, err
	}
	return c.stream(ctx, variant.scanAllSQL(), true)
}

// StreamTilesWithHash opens a payload cursor that also carries the
// stored content hash, available on hash-bearing layouts. Copies into
// another hash-bearing container reuse the hash instead of recomputing.
func (c *Container) StreamTilesWithHash(ctx context.Context) (*TileStream, error) {
	variant, err := c.Variant(ctx)
	if err != nil {
		return nil, err
	}
	if !variant.HasHash() {
		return nil, fmt.Errorf("tileset: %s layout stores no per-tile hashes", variant)
	}
	var query string
	if variant == VariantNormalized {
		query = `
			SELECT map.zoom_level, map.tile_column, map.tile_row, images.tile_data, images.tile_id
			FROM map JOIN images ON images.tile_id = map.tile_id`
	} else {
		query = `
			SELECT zoom_level, tile_column, tile_row, tile_data, tile_hash
			FROM tiles_with_hash WHERE tile_data IS NOT NULL`
	}
	s, err := c.stream(ctx, query, true)
	if err != nil {
		return nil, err
	}
	s.withHash = true
	return s, nil
}

func (c *Container) stream(ctx context.Context, query string, withData bool) (*TileStream, error) {
	if err := c.acquireStream(); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		c.releaseStream()
		return nil, fmt.Errorf("tileset: failed to open tile cursor: %w", err)
	}
	return &TileStream{c: c, rows: rows, withData: withData}, nil
}

// Next advances to the next row. It returns false when the cursor is
// exhausted or a cursor-level error occurred; check Err afterwards.
func (s *TileStream) Next() bool {
	if s.closed || !s.rows.Next() {
		s.err = s.rowsErr()
		return false
	}

	var z, x, y sql.NullInt64
	var data []byte
	var hash sql.NullString
	var scanErr error
	switch {
	case s.withHash:
		scanErr = s.rows.Scan(&z, &x, &y, &data, &hash)
	case s.withData:
		scanErr = s.rows.Scan(&z, &x, &y, &data)
	default:
		scanErr = s.rows.Scan(&z, &x, &y)
	}
	if scanErr != nil {
		s.err = fmt.Errorf("tileset: failed to scan tile row: %w", scanErr)
		return false
	}

	coord, ok := tile.FromRaw(z, x, y)
	if !ok {
		s.rec = TileRecord{}
		s.recErr = verrors.NewStreamError(verrors.CodeInvalidTileIndex,
			fmt.Sprintf("unparseable tile index (%v, %v, %v)", nullable(z), nullable(x), nullable(y)))
		return true
	}
	s.rec = TileRecord{Coord: coord, Data: data, Hash: hash.String}
	s.recErr = nil
	return true
}

// Record returns the current item: a valid record, or the row's decode
// error when the stored index was unparseable.
func (s *TileStream) Record() (TileRecord, error) {
	return s.rec, s.recErr
}

// Coord returns the current item's coordinate, with the same per-item
// error contract as Record.
func (s *TileStream) Coord() (tile.Coord, error) {
	return s.rec.Coord, s.recErr
}

// Err returns the cursor-level error, if any. Per-row decode errors do
// not end the stream and are not reported here.
func (s *TileStream) Err() error {
	return s.err
}

// Close releases the cursor and the handle's streaming slot. Safe to
// call more than once.
func (s *TileStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.rows.Close()
	s.c.releaseStream()
	return err
}

func (s *TileStream) rowsErr() error {
	if s.closed {
		return nil
	}
	if err := s.rows.Err(); err != nil {
		return fmt.Errorf("tileset: tile cursor failed: %w", err)
	}
	return nil
}

func nullable(v sql.NullInt64) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Int64
}
