// Package integration provides end-to-end integration tests for
// TileVault: container round-trips, cross-layout copies, and the
// compute/publish/pull/apply patch cycle.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/tilevault/tilevault/internal/storage"
	"github.com/tilevault/tilevault/internal/tileset"
	"github.com/tilevault/tilevault/pkg/tile"
)

func mustCoord(t *testing.T, z uint8, x, y uint32) tile.Coord {
	t.Helper()
	c, err := tile.New(z, x, y)
	if err != nil {
		t.Fatalf("bad test coordinate: %v", err)
	}
	return c
}

// newContainer creates a fresh container under dir and registers its
// cleanup with the test.
func newContainer(t *testing.T, ctx context.Context, dir, name string, variant tileset.Variant) *tileset.Container {
	t.Helper()
	c, err := tileset.OpenOrNew(ctx, filepath.Join(dir, name), variant)
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// newTestStore returns the object store integration tests publish to.
// It respects TILEVAULT_STORAGE_TYPE=s3 from .env or the environment;
// the default is a local store in a temp directory.
func newTestStore(t *testing.T) storage.ObjectStore {
	t.Helper()

	// Try loading .env from project root (../../.env relative to test/integration)
	_ = godotenv.Load("../../.env")

	if os.Getenv("TILEVAULT_STORAGE_TYPE") == "s3" {
		// Map credentials
		if v := os.Getenv("TILEVAULT_AWS_ACCESS_KEY_ID"); v != "" {
			os.Setenv("AWS_ACCESS_KEY_ID", v)
		}
		if v := os.Getenv("TILEVAULT_AWS_SECRET_ACCESS_KEY"); v != "" {
			os.Setenv("AWS_SECRET_ACCESS_KEY", v)
		}

		bucket := os.Getenv("TILEVAULT_S3_BUCKET")
		if bucket == "" {
			t.Fatal("TILEVAULT_S3_BUCKET is required when TILEVAULT_STORAGE_TYPE=s3")
		}

		cfg := storage.DefaultS3Config()
		cfg.Region = os.Getenv("TILEVAULT_S3_REGION")
		cfg.Endpoint = os.Getenv("TILEVAULT_S3_ENDPOINT")
		cfg.UsePathStyle = os.Getenv("TILEVAULT_S3_PATH_STYLE") == "true"

		st, err := storage.NewS3Store(context.Background(), bucket, cfg)
		if err != nil {
			t.Fatalf("failed to initialize S3 store: %v", err)
		}
		t.Logf("running against S3 bucket %s", bucket)
		return st
	}

	dir, err := os.MkdirTemp("", "tilevault-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := storage.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	return st
}
