// Package tileset implements the MBTiles container engine: opening and
// creating containers across the three physical layouts, point reads,
// transactional batch writes, streaming scans, metadata access, and the
// aggregate content hash that anchors verification and patching.
package tileset

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	verrors "github.com/tilevault/tilevault/internal/errors"
)

// Querier is the read surface shared by *sql.DB and *sql.Tx, so hashing
// and scans can run either on a live handle or inside a transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Container is a handle to one MBTiles file.
//
// The handle holds a single SQLite connection (MaxOpenConns 1): ATTACHed
// databases, transactions, and temporary state all live on that one
// connection, so pooling would silently split them. Cross-process
// concurrency is SQLite's problem; the busy timeout below makes
// concurrent handles wait for each other instead of failing immediately.
type Container struct {
	db       *sql.DB
	path     string
	readonly bool

	// cached layout; VariantUnknown until first detection
	variant Variant

	// set while a streaming cursor is open; all other operations on the
	// handle fail with HANDLE_BUSY until the stream is closed
	streaming atomic.Bool
}

const busyTimeoutMS = 5000

func openDB(path, mode string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&mode=%s", path, busyTimeoutMS, mode)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("tileset: failed to open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Open opens an existing container read-write. The file must exist.
func Open(ctx context.Context, path string) (*Container, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("tileset: %s: %w", path, err)
	}
	db, err := openDB(path, "rw")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("tileset: failed to connect to %s: %w", path, err)
	}
	return &Container{db: db, path: path}, nil
}

// OpenOrNew opens a container read-write, creating the file with the
// given layout when it does not exist. An existing container keeps its
// own layout; the variant argument applies only to fresh files.
func OpenOrNew(ctx context.Context, path string, variant Variant) (*Container, error) {
	db, err := openDB(path, "rwc")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("tileset: failed to connect to %s: %w", path, err)
	}
	c := &Container{db: db, path: path}

	detected, err := detectSchema(ctx, db, "main")
	switch {
	case err == nil:
		c.variant = detected
	case verrors.GetCode(err) == verrors.CodeNoTileTable:
		if err := c.initSchema(ctx, variant); err != nil {
			db.Close()
			return nil, err
		}
		c.variant = variant
	default:
		db.Close()
		return nil, err
	}
	return c, nil
}

// OpenReadonly opens an existing container for reading only.
func OpenReadonly(ctx context.Context, path string) (*Container, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("tileset: %s: %w", path, err)
	}
	db, err := openDB(path, "ro")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("tileset: failed to connect to %s: %w", path, err)
	}
	return &Container{db: db, path: path, readonly: true}, nil
}

// initSchema creates the tile tables, views, and metadata table for a
// fresh container.
func (c *Container) initSchema(ctx context.Context, variant Variant) error {
	stmts := createStatements(variant)
	if stmts == nil {
		return fmt.Errorf("tileset: cannot create container with variant %s", variant)
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("tileset: failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close releases the handle's connection.
func (c *Container) Close() error {
	return c.db.Close()
}

// Path returns the filesystem path the handle was opened with.
func (c *Container) Path() string {
	return c.path
}

// Name returns the container's display name: the file stem without the
// .mbtiles extension.
func (c *Container) Name() string {
	base := filepath.Base(c.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Readonly reports whether the handle was opened read-only.
func (c *Container) Readonly() bool {
	return c.readonly
}

// Variant returns the container's layout, detecting and caching it on
// first use.
func (c *Container) Variant(ctx context.Context) (Variant, error) {
	if err := c.ensureIdle(); err != nil {
		return VariantUnknown, err
	}
	return c.variantLocked(ctx)
}

// variantLocked detects without the borrow check, for callers already
// holding the stream slot or running inside another operation.
func (c *Container) variantLocked(ctx context.Context) (Variant, error) {
	if c.variant != VariantUnknown {
		return c.variant, nil
	}
	v, err := detectSchema(ctx, c.db, "main")
	if err != nil {
		return VariantUnknown, err
	}
	c.variant = v
	return v, nil
}

// AttachAs makes another container file visible to this handle's SQL
// under the given alias, for cross-container queries.
func (c *Container) AttachAs(ctx context.Context, path, alias string) error {
	if err := c.ensureIdle(); err != nil {
		return err
	}
	if err := validAlias(alias); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE ? AS %q", alias), path); err != nil {
		return fmt.Errorf("tileset: failed to attach %s as %s: %w", path, alias, err)
	}
	return nil
}

// Detach removes a previously attached alias.
func (c *Container) Detach(ctx context.Context, alias string) error {
	if err := validAlias(alias); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("DETACH DATABASE %q", alias)); err != nil {
		return fmt.Errorf("tileset: failed to detach %s: %w", alias, err)
	}
	return nil
}

// validAlias restricts attach aliases to identifier characters. Aliases
// are engine-generated, never user data; this guards against a generator
// bug turning into mangled SQL.
func validAlias(alias string) error {
	if alias == "" {
		return fmt.Errorf("tileset: empty attach alias")
	}
	for _, r := range alias {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return fmt.Errorf("tileset: invalid attach alias %q", alias)
		}
	}
	return nil
}

// Begin starts a write transaction on the handle.
func (c *Container) Begin(ctx context.Context) (*sql.Tx, error) {
	if err := c.ensureIdle(); err != nil {
		return nil, err
	}
	if c.readonly {
		return nil, fmt.Errorf("tileset: %s is read-only", c.Name())
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, verrors.NewWriteError(verrors.CodeIo, "failed to begin transaction", err)
	}
	return tx, nil
}

// DB exposes the handle's connection for read queries that live in other
// packages of the engine. The borrow contract still applies: callers go
// through the Container for anything long-lived.
func (c *Container) DB() Querier {
	return c.db
}

// ensureIdle fails when a streaming cursor currently borrows the handle.
func (c *Container) ensureIdle() error {
	if c.streaming.Load() {
		return verrors.NewStreamError(verrors.CodeHandleBusy,
			fmt.Sprintf("%s has an open streaming cursor", c.Name()))
	}
	return nil
}

// acquireStream takes the handle's single streaming slot.
func (c *Container) acquireStream() error {
	if !c.streaming.CompareAndSwap(false, true) {
		return verrors.NewStreamError(verrors.CodeHandleBusy,
			fmt.Sprintf("%s has an open streaming cursor", c.Name()))
	}
	return nil
}

// releaseStream returns the streaming slot.
func (c *Container) releaseStream() {
	c.streaming.Store(false)
}
