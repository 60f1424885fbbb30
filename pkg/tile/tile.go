// Package tile provides the coordinate model shared by every TileVault
// component: XYZ addressing with validation, the XYZ/TMS row inversion,
// narrowing of raw values read back from SQLite, and payload format
// detection for stored tile blobs.
package tile

import (
	"database/sql"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level a coordinate may carry. Level 30 is
// already beyond every tiling pipeline this engine exchanges data with,
// and keeps 2^z-1 comfortably inside uint32 arithmetic.
const MaxZoom = 30

// Coord addresses a single tile in XYZ convention: row 0 is the top
// (north) edge. MBTiles files store rows in TMS convention (row 0 at the
// bottom), so every value crossing the storage boundary passes through
// InvertRow exactly once.
type Coord struct {
	// Z is the zoom level, 0..=MaxZoom
	Z uint8

	// X is the column, 0..=2^Z-1
	X uint32

	// Y is the XYZ row, 0..=2^Z-1
	Y uint32
}

// New validates and builds an XYZ coordinate. It fails with ErrOutOfRange
// when the zoom exceeds MaxZoom or either axis falls outside the grid for
// that zoom.
func New(z uint8, x, y uint32) (Coord, error) {
	if z > MaxZoom {
		return Coord{}, fmt.Errorf("tile: zoom %d exceeds maximum %d: %w", z, MaxZoom, ErrOutOfRange)
	}
	max := GridSize(z)
	if x >= max {
		return Coord{}, fmt.Errorf("tile: column %d out of range for zoom %d: %w", x, z, ErrOutOfRange)
	}
	if y >= max {
		return Coord{}, fmt.Errorf("tile: row %d out of range for zoom %d: %w", y, z, ErrOutOfRange)
	}
	return Coord{Z: z, X: x, Y: y}, nil
}

// GridSize returns the number of rows (and columns) of the tile grid at
// zoom z, i.e. 2^z.
func GridSize(z uint8) uint32 {
	return uint32(1) << z
}

// InvertRow maps an XYZ row to its TMS row and back: (2^z - 1) - y.
// The function is its own inverse; callers must pass a row already known
// to be valid for z.
func InvertRow(z uint8, y uint32) uint32 {
	return (uint32(1) << z) - 1 - y
}

// FromRaw narrows three nullable integers read from a tile row into a
// validated XYZ coordinate. The inputs are in storage (TMS) convention;
// the returned coordinate is XYZ. It reports false when any value is
// NULL, negative, beyond the grid for the row's zoom, or the zoom itself
// is out of range.
func FromRaw(z, x, y sql.NullInt64) (Coord, bool) {
	if !z.Valid || !x.Valid || !y.Valid {
		return Coord{}, false
	}
	if z.Int64 < 0 || z.Int64 > MaxZoom {
		return Coord{}, false
	}
	zz := uint8(z.Int64)
	max := int64(GridSize(zz))
	if x.Int64 < 0 || x.Int64 >= max {
		return Coord{}, false
	}
	if y.Int64 < 0 || y.Int64 >= max {
		return Coord{}, false
	}
	return Coord{Z: zz, X: uint32(x.Int64), Y: InvertRow(zz, uint32(y.Int64))}, true
}

// String renders the coordinate as "z/x/y" in XYZ convention.
func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// TMSRow returns the row index as stored on disk.
func (c Coord) TMSRow() uint32 {
	return InvertRow(c.Z, c.Y)
}

// MapTile converts the coordinate to its orb/maptile equivalent. Both
// types use XYZ rows, so the conversion is a plain widening.
func (c Coord) MapTile() maptile.Tile {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z))
}

// Bound returns the geographic extent of the tile in WGS84.
func (c Coord) Bound() orb.Bound {
	return c.MapTile().Bound()
}

// FromMapTile converts an orb/maptile tile into a validated coordinate.
func FromMapTile(t maptile.Tile) (Coord, error) {
	if t.Z > MaxZoom {
		return Coord{}, fmt.Errorf("tile: zoom %d exceeds maximum %d: %w", t.Z, MaxZoom, ErrOutOfRange)
	}
	return New(uint8(t.Z), t.X, t.Y)
}
