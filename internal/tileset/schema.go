package tileset

import (
	"context"
	"fmt"
	"strings"

	verrors "github.com/tilevault/tilevault/internal/errors"
)

// Variant identifies the physical layout of the tile tables inside an
// MBTiles container. All three layouts expose the same logical tile set
// through the `tiles` name; they differ in where the bytes live and
// whether content hashes are stored alongside them.
type Variant uint8

const (
	VariantUnknown Variant = iota

	// VariantFlat stores rows directly in a `tiles` table with no hash
	// column. Duplicate payloads are stored once per coordinate.
	VariantFlat

	// VariantFlatWithHash stores rows in `tiles_with_hash`, carrying the
	// payload's content hash per row, and exposes `tiles` as a view.
	VariantFlatWithHash

	// VariantNormalized splits coordinates (`map`) from payloads
	// (`images`, keyed by content hash) so identical payloads are stored
	// once. `tiles` is a join view.
	VariantNormalized

	// VariantNormalizedHashView is a normalized layout that additionally
	// exposes the `tiles_with_hash` view, letting hash-aware readers use
	// the same statements as the flat-with-hash layout.
	VariantNormalizedHashView
)

// String returns the variant's canonical name.
func (v Variant) String() string {
	switch v {
	case VariantFlat:
		return "flat"
	case VariantFlatWithHash:
		return "flat-with-hash"
	case VariantNormalized:
		return "normalized"
	case VariantNormalizedHashView:
		return "normalized(hash-view)"
	default:
		return "unknown"
	}
}

// ParseVariant maps a CLI/config name to a Variant. The normalized form
// always creates the hash view; detection distinguishes the two only for
// containers produced elsewhere.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flat":
		return VariantFlat, nil
	case "flat-with-hash":
		return VariantFlatWithHash, nil
	case "normalized":
		return VariantNormalizedHashView, nil
	default:
		return VariantUnknown, fmt.Errorf("tileset: unknown schema variant %q", s)
	}
}

// IsNormalized reports whether payloads live in a shared content table.
func (v Variant) IsNormalized() bool {
	return v == VariantNormalized || v == VariantNormalizedHashView
}

// HasHash reports whether the layout stores a content hash per tile.
func (v Variant) HasHash() bool {
	return v == VariantFlatWithHash || v.IsNormalized()
}

// Schema DDL. Column names and shapes follow the MBTiles layout
// conventions so containers interoperate with the wider tooling
// ecosystem.
const (
	createMetadataTable = `
		CREATE TABLE IF NOT EXISTS metadata (
			name  TEXT NOT NULL PRIMARY KEY,
			value TEXT
		)`

	createFlatTilesTable = `
		CREATE TABLE tiles (
			zoom_level  INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row    INTEGER NOT NULL,
			tile_data   BLOB,
			PRIMARY KEY (zoom_level, tile_column, tile_row)
		)`

	createTilesWithHashTable = `
		CREATE TABLE tiles_with_hash (
			zoom_level  INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row    INTEGER NOT NULL,
			tile_data   BLOB,
			tile_hash   TEXT,
			PRIMARY KEY (zoom_level, tile_column, tile_row)
		)`

	createFlatWithHashTilesView = `
		CREATE VIEW tiles AS
		SELECT zoom_level, tile_column, tile_row, tile_data
		FROM tiles_with_hash`

	createMapTable = `
		CREATE TABLE map (
			zoom_level  INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row    INTEGER NOT NULL,
			tile_id     TEXT,
			PRIMARY KEY (zoom_level, tile_column, tile_row)
		)`

	createImagesTable = `
		CREATE TABLE images (
			tile_id   TEXT NOT NULL PRIMARY KEY,
			tile_data BLOB
		)`

	createNormalizedTilesView = `
		CREATE VIEW tiles AS
		SELECT map.zoom_level  AS zoom_level,
		       map.tile_column AS tile_column,
		       map.tile_row    AS tile_row,
		       images.tile_data AS tile_data
		FROM map
		JOIN images ON images.tile_id = map.tile_id`

	createNormalizedHashView = `
		CREATE VIEW tiles_with_hash AS
		SELECT map.zoom_level  AS zoom_level,
		       map.tile_column AS tile_column,
		       map.tile_row    AS tile_row,
		       images.tile_data AS tile_data,
		       images.tile_id  AS tile_hash
		FROM map
		JOIN images ON images.tile_id = map.tile_id`

	// The MBTiles application id, "MPBX" in big-endian ASCII. Stamped on
	// every container this engine creates.
	setApplicationID = `PRAGMA application_id = 0x4d504258`
)

// createStatements returns the DDL for a fresh container of the given
// variant, in execution order.
func createStatements(v Variant) []string {
	switch v {
	case VariantFlat:
		return []string{createMetadataTable, createFlatTilesTable, setApplicationID}
	case VariantFlatWithHash:
		return []string{createMetadataTable, createTilesWithHashTable, createFlatWithHashTilesView, setApplicationID}
	case VariantNormalized:
		return []string{createMetadataTable, createMapTable, createImagesTable, createNormalizedTilesView, setApplicationID}
	case VariantNormalizedHashView:
		return []string{createMetadataTable, createMapTable, createImagesTable, createNormalizedTilesView, createNormalizedHashView, setApplicationID}
	default:
		return nil
	}
}

// Per-variant statements. The `tiles` name resolves to a table or view in
// every layout, so plain reads are uniform; hash-aware reads and all
// writes dispatch on the variant.
const (
	selectTileSQL = `
		SELECT tile_data FROM tiles
		WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3`

	selectTileAndHashFlatSQL = `
		SELECT tile_data, NULL AS tile_hash FROM tiles
		WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3`

	selectTileAndHashViewSQL = `
		SELECT tile_data, tile_hash FROM tiles_with_hash
		WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3`

	selectTileAndHashJoinSQL = `
		SELECT images.tile_data AS tile_data, images.tile_id AS tile_hash
		FROM map JOIN images ON images.tile_id = map.tile_id
		WHERE map.zoom_level = ?1 AND map.tile_column = ?2 AND map.tile_row = ?3`

	streamCoordsSQL = `
		SELECT zoom_level, tile_column, tile_row FROM tiles`

	streamTilesSQL = `
		SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles`

	// Payload-bearing rows only, in storage order. Deletion markers carry
	// NULL data and must not influence the digest, and the normalized
	// join view hides them anyway; the filter makes every layout agree.
	aggHashRowsSQL = `
		SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles
		WHERE tile_data IS NOT NULL
		ORDER BY zoom_level, tile_column, tile_row`

	insertFlatSQL = `
		INSERT %s INTO tiles (zoom_level, tile_column, tile_row, tile_data)
		VALUES (?1, ?2, ?3, ?4)`

	insertWithHashSQL = `
		INSERT %s INTO tiles_with_hash (zoom_level, tile_column, tile_row, tile_data, tile_hash)
		VALUES (?1, ?2, ?3, ?4, ?5)`

	insertMapSQL = `
		INSERT %s INTO map (zoom_level, tile_column, tile_row, tile_id)
		VALUES (?1, ?2, ?3, ?4)`

	// Content rows are immutable once written: the id is the hash of the
	// bytes, so a duplicate insert can never change the payload. OR IGNORE
	// regardless of the row-level duplicate mode.
	insertImagesSQL = `
		INSERT OR IGNORE INTO images (tile_id, tile_data)
		VALUES (?1, ?2)`

	deleteFlatSQL = `
		DELETE FROM tiles
		WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3`

	deleteWithHashSQL = `
		DELETE FROM tiles_with_hash
		WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3`

	deleteMapSQL = `
		DELETE FROM map
		WHERE zoom_level = ?1 AND tile_column = ?2 AND tile_row = ?3`

	// Prunes content rows no index row references, after deletions under
	// the normalized layouts.
	pruneOrphanImagesSQL = `
		DELETE FROM images
		WHERE tile_id NOT IN (SELECT DISTINCT tile_id FROM map WHERE tile_id IS NOT NULL)`

	// Full row scans for patch application. Unlike the `tiles` view these
	// must surface deletion markers, hence the LEFT JOIN for normalized
	// layouts.
	scanAllFlatSQL = `
		SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles`

	scanAllWithHashSQL = `
		SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles_with_hash`

	scanAllNormalizedSQL = `
		SELECT map.zoom_level, map.tile_column, map.tile_row, images.tile_data
		FROM map LEFT JOIN images ON images.tile_id = map.tile_id`
)

// selectTileAndHashSQL returns the hash-aware point read for the variant.
func (v Variant) selectTileAndHashSQL() string {
	switch v {
	case VariantFlat:
		return selectTileAndHashFlatSQL
	case VariantFlatWithHash, VariantNormalizedHashView:
		return selectTileAndHashViewSQL
	case VariantNormalized:
		return selectTileAndHashJoinSQL
	default:
		return ""
	}
}

// insertSQL returns the index-row insert for the variant with the
// duplicate-mode clause applied.
func (v Variant) insertSQL(mode DuplicateMode) string {
	switch v {
	case VariantFlat:
		return fmt.Sprintf(insertFlatSQL, mode.clause())
	case VariantFlatWithHash:
		return fmt.Sprintf(insertWithHashSQL, mode.clause())
	case VariantNormalized, VariantNormalizedHashView:
		return fmt.Sprintf(insertMapSQL, mode.clause())
	default:
		return ""
	}
}

// contentInsertSQL returns the payload insert for normalized layouts and
// "" for the others.
func (v Variant) contentInsertSQL() string {
	if v.IsNormalized() {
		return insertImagesSQL
	}
	return ""
}

// deleteSQL returns the index-row delete for the variant.
func (v Variant) deleteSQL() string {
	switch v {
	case VariantFlat:
		return deleteFlatSQL
	case VariantFlatWithHash:
		return deleteWithHashSQL
	case VariantNormalized, VariantNormalizedHashView:
		return deleteMapSQL
	default:
		return ""
	}
}

// scanAllSQL returns the full-row scan (deletion markers included) for
// the variant.
func (v Variant) scanAllSQL() string {
	switch v {
	case VariantFlat:
		return scanAllFlatSQL
	case VariantFlatWithHash:
		return scanAllWithHashSQL
	case VariantNormalized, VariantNormalizedHashView:
		return scanAllNormalizedSQL
	default:
		return ""
	}
}

// detectSchema classifies the tile layout of the database attached under
// schemaName ("main" for the container's own file). Exactly one physical
// layout must be present.
func detectSchema(ctx context.Context, q Querier, schemaName string) (Variant, error) {
	query := fmt.Sprintf(`
		SELECT name, type FROM %q.sqlite_master
		WHERE name IN ('tiles', 'tiles_with_hash', 'map', 'images')`, schemaName)

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return VariantUnknown, fmt.Errorf("tileset: failed to inspect schema: %w", err)
	}
	defer rows.Close()

	kinds := make(map[string]string, 4)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return VariantUnknown, fmt.Errorf("tileset: failed to scan schema row: %w", err)
		}
		kinds[name] = typ
	}
	if err := rows.Err(); err != nil {
		return VariantUnknown, fmt.Errorf("tileset: failed to read schema rows: %w", err)
	}

	flatTable := kinds["tiles"] == "table"
	hashTable := kinds["tiles_with_hash"] == "table"
	hashView := kinds["tiles_with_hash"] == "view"
	normalized := kinds["map"] == "table" && kinds["images"] == "table"

	layouts := 0
	for _, present := range []bool{flatTable, hashTable, normalized} {
		if present {
			layouts++
		}
	}
	switch {
	case layouts == 0:
		return VariantUnknown, verrors.NewSchemaError(verrors.CodeNoTileTable,
			fmt.Sprintf("no recognizable tile layout in %s", schemaName))
	case layouts > 1:
		return VariantUnknown, verrors.NewSchemaError(verrors.CodeMixedSchema,
			fmt.Sprintf("conflicting tile layouts in %s", schemaName))
	case normalized && hashView:
		return VariantNormalizedHashView, nil
	case normalized:
		return VariantNormalized, nil
	case hashTable:
		return VariantFlatWithHash, nil
	default:
		return VariantFlat, nil
	}
}
