package tileset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/tilevault/tilevault/internal/content"
	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/pkg/tile"
)

// DuplicateMode selects what happens when a write lands on an occupied
// coordinate.
type DuplicateMode uint8

const (
	// DuplicateIgnore keeps the existing row and drops the incoming one.
	DuplicateIgnore DuplicateMode = iota
	// DuplicateOverride replaces the existing row with the incoming one.
	DuplicateOverride
	// DuplicateAbort fails the whole batch, rolling back every row.
	DuplicateAbort
)

// String returns the mode's CLI name.
func (m DuplicateMode) String() string {
	switch m {
	case DuplicateIgnore:
		return "ignore"
	case DuplicateOverride:
		return "override"
	case DuplicateAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ParseDuplicateMode maps a CLI/config name to a DuplicateMode.
func ParseDuplicateMode(s string) (DuplicateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ignore":
		return DuplicateIgnore, nil
	case "override":
		return DuplicateOverride, nil
	case "abort":
		return DuplicateAbort, nil
	default:
		return DuplicateIgnore, fmt.Errorf("tileset: unknown duplicate mode %q", s)
	}
}

// clause returns the INSERT conflict clause for the mode.
func (m DuplicateMode) clause() string {
	switch m {
	case DuplicateOverride:
		return "OR REPLACE"
	case DuplicateAbort:
		return "OR ABORT"
	default:
		return "OR IGNORE"
	}
}

// TileRecord is one tile bound for storage. Data nil marks a deletion
// row (a patch tombstone): the index row is written with a NULL payload.
// Hash optionally carries the payload's content id when the source
// already stored one; left empty it is computed on demand.
type TileRecord struct {
	Coord tile.Coord
	Data  []byte
	Hash  string
}

// ContentID returns the record's content id, computing it when the
// source did not supply one. Deletion rows have no content id.
func (r *TileRecord) ContentID() string {
	if r.Data == nil {
		return ""
	}
	if r.Hash == "" {
		r.Hash = content.ID(r.Data)
	}
	return r.Hash
}

// TxWriter writes tile rows inside one transaction. It prepares the
// variant's statements once and tracks written/skipped counts from the
// driver's affected-row reports.
type TxWriter struct {
	variant Variant
	mode    DuplicateMode

	insertStmt  *sql.Stmt
	contentStmt *sql.Stmt
	deleteStmt  *sql.Stmt

	written uint64
	skipped uint64
	deleted uint64
	bytes   uint64
}

// NewTxWriter prepares write statements for the variant on the given
// transaction.
func NewTxWriter(ctx context.Context, tx *sql.Tx, variant Variant, mode DuplicateMode) (*TxWriter, error) {
	insertStmt, err := tx.PrepareContext(ctx, variant.insertSQL(mode))
	if err != nil {
		return nil, verrors.NewWriteError(verrors.CodeIo, "failed to prepare insert", err)
	}
	w := &TxWriter{variant: variant, mode: mode, insertStmt: insertStmt}

	if sqlText := variant.contentInsertSQL(); sqlText != "" {
		w.contentStmt, err = tx.PrepareContext(ctx, sqlText)
		if err != nil {
			insertStmt.Close()
			return nil, verrors.NewWriteError(verrors.CodeIo, "failed to prepare content insert", err)
		}
	}
	w.deleteStmt, err = tx.PrepareContext(ctx, variant.deleteSQL())
	if err != nil {
		w.Close()
		return nil, verrors.NewWriteError(verrors.CodeIo, "failed to prepare delete", err)
	}
	return w, nil
}

// Insert writes one record. The payload row goes first under normalized
// layouts so the index row never dangles.
func (w *TxWriter) Insert(ctx context.Context, rec TileRecord) error {
	z := rec.Coord.Z
	x := rec.Coord.X
	tmsRow := rec.Coord.TMSRow()

	var res sql.Result
	var err error
	switch w.variant {
	case VariantFlat:
		res, err = w.insertStmt.ExecContext(ctx, z, x, tmsRow, rec.Data)
	case VariantFlatWithHash:
		res, err = w.insertStmt.ExecContext(ctx, z, x, tmsRow, rec.Data, nullableID(rec.ContentID()))
	case VariantNormalized, VariantNormalizedHashView:
		id := rec.ContentID()
		if rec.Data != nil {
			if _, err := w.contentStmt.ExecContext(ctx, id, rec.Data); err != nil {
				return wrapWriteErr(err, rec.Coord)
			}
		}
		res, err = w.insertStmt.ExecContext(ctx, z, x, tmsRow, nullableID(id))
	default:
		return fmt.Errorf("tileset: cannot write variant %s", w.variant)
	}
	if err != nil {
		return wrapWriteErr(err, rec.Coord)
	}

	if affected, aerr := res.RowsAffected(); aerr == nil && affected == 0 {
		w.skipped++
	} else {
		w.written++
		w.bytes += uint64(len(rec.Data))
	}
	return nil
}

// Delete removes the index row at the coordinate. Content rows under
// normalized layouts are pruned separately once the batch is complete.
func (w *TxWriter) Delete(ctx context.Context, c tile.Coord) error {
	res, err := w.deleteStmt.ExecContext(ctx, c.Z, c.X, c.TMSRow())
	if err != nil {
		return wrapWriteErr(err, c)
	}
	if affected, aerr := res.RowsAffected(); aerr == nil {
		w.deleted += uint64(affected)
	}
	return nil
}

// Written returns the number of rows stored so far.
func (w *TxWriter) Written() uint64 { return w.written }

// Skipped returns the number of rows dropped by OR IGNORE conflicts.
func (w *TxWriter) Skipped() uint64 { return w.skipped }

// Deleted returns the number of rows removed so far.
func (w *TxWriter) Deleted() uint64 { return w.deleted }

// Bytes returns the payload bytes stored so far.
func (w *TxWriter) Bytes() uint64 { return w.bytes }

// Close releases the prepared statements. The transaction itself stays
// with the caller.
func (w *TxWriter) Close() error {
	for _, stmt := range []*sql.Stmt{w.insertStmt, w.contentStmt, w.deleteStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// nullableID converts an empty content id to SQL NULL.
func nullableID(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}

// wrapWriteErr maps SQLite constraint violations to CONFLICT and
// everything else to retryable IO, tagging the failing coordinate.
func wrapWriteErr(err error, c tile.Coord) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return verrors.NewWriteError(verrors.CodeConflict,
			fmt.Sprintf("tile %s already exists", c), err).
			WithDetails(map[string]interface{}{"coord": c.String()})
	}
	return verrors.NewWriteError(verrors.CodeIo,
		fmt.Sprintf("failed to write tile %s", c), err)
}

// InsertTiles writes a batch of records in one transaction. Any invalid
// coordinate in the batch fails the whole batch before a single row is
// written, regardless of duplicate mode: a malformed coordinate is
// corruption, not a collision. A conflict under DuplicateAbort rolls the
// batch back.
func (c *Container) InsertTiles(ctx context.Context, mode DuplicateMode, batch []TileRecord) error {
	for _, rec := range batch {
		if _, err := tile.New(rec.Coord.Z, rec.Coord.X, rec.Coord.Y); err != nil {
			return verrors.NewWriteError(verrors.CodeInvalidCoordinate,
				fmt.Sprintf("invalid coordinate %s in batch", rec.Coord), err)
		}
	}

	variant, err := c.Variant(ctx)
	if err != nil {
		return err
	}
	tx, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	w, err := NewTxWriter(ctx, tx, variant, mode)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, rec := range batch {
		if err := w.Insert(ctx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return verrors.NewWriteError(verrors.CodeIo, "failed to commit batch", err)
	}
	return nil
}

// PruneOrphanContent removes content rows no index row references.
// Only meaningful under normalized layouts; a no-op elsewhere.
func PruneOrphanContent(ctx context.Context, tx *sql.Tx, variant Variant) (int64, error) {
	if !variant.IsNormalized() {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx, pruneOrphanImagesSQL)
	if err != nil {
		return 0, verrors.NewWriteError(verrors.CodeIo, "failed to prune orphan content", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
