package tileset

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// AggTilesHash digests the whole logical tile set: for every
// payload-bearing row in storage order, the ASCII line "z x y\n"
// (storage-convention row) followed by the raw 16-byte MD5 of the
// payload. The digest is a function of the logical set alone, so the
// same tiles produce the same value in all three layouts. The empty set
// hashes to the MD5 of no input.
//
// The Querier parameter lets patch application recompute the digest
// inside its own transaction before deciding to commit.
func AggTilesHash(ctx context.Context, q Querier) (string, error) {
	rows, err := q.QueryContext(ctx, aggHashRowsSQL)
	if err != nil {
		return "", fmt.Errorf("tileset: failed to scan tiles for aggregate hash: %w", err)
	}
	defer rows.Close()

	agg := md5.New()
	for rows.Next() {
		var z, x, y int64
		var data []byte
		if err := rows.Scan(&z, &x, &y, &data); err != nil {
			return "", fmt.Errorf("tileset: failed to scan tile for aggregate hash: %w", err)
		}
		fmt.Fprintf(agg, "%d %d %d\n", z, x, y)
		sum := md5.Sum(data)
		agg.Write(sum[:])
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("tileset: aggregate hash scan failed: %w", err)
	}
	return hex.EncodeToString(agg.Sum(nil)), nil
}

// AggTilesHash computes the container's aggregate tile hash.
func (c *Container) AggTilesHash(ctx context.Context) (string, error) {
	if err := c.ensureIdle(); err != nil {
		return "", err
	}
	return AggTilesHash(ctx, c.db)
}

// StampAggTilesHash recomputes the aggregate hash and stores it under the
// agg_tiles_hash metadata key, returning the stored value.
func (c *Container) StampAggTilesHash(ctx context.Context) (string, error) {
	hash, err := c.AggTilesHash(ctx)
	if err != nil {
		return "", err
	}
	if err := c.SetMetadataValue(ctx, MetaAggTilesHash, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// StampAggTilesHashTx recomputes and stores the aggregate hash inside an
// open transaction, so patch application can bracket its result check
// and the metadata update in one commit.
func StampAggTilesHashTx(ctx context.Context, tx *sql.Tx) (string, error) {
	hash, err := AggTilesHash(ctx, tx)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (name, value) VALUES (?1, ?2)`,
		MetaAggTilesHash, hash)
	if err != nil {
		return "", fmt.Errorf("tileset: failed to stamp aggregate hash: %w", err)
	}
	return hash, nil
}
