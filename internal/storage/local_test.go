package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tilevault-storage-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(filepath.Join(tempDir(t), "store"))
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	return store
}

func TestLocalStore_UploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	dir := tempDir(t)

	src := writeFile(t, dir, "world.mbtiles", []byte("tile payload bytes"))
	if err := store.Upload(ctx, src, "containers/world.mbtiles"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	exists, err := store.Exists(ctx, "containers/world.mbtiles")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if !exists {
		t.Fatal("uploaded key should exist")
	}

	dst := filepath.Join(dir, "pulled.mbtiles")
	if err := store.Download(ctx, "containers/world.mbtiles", dst); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != "tile payload bytes" {
		t.Errorf("downloaded content = %q, want %q", got, "tile payload bytes")
	}
}

func TestLocalStore_DownloadMissingKey(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	err := store.Download(ctx, "containers/absent.mbtiles", filepath.Join(tempDir(t), "out"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("download of missing key = %v, want ErrObjectNotFound", err)
	}
}

func TestLocalStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	src := writeFile(t, tempDir(t), "a.bin", []byte("x"))

	if err := store.Upload(ctx, src, "a.bin"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if err := store.Delete(ctx, "a.bin"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	exists, err := store.Exists(ctx, "a.bin")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if exists {
		t.Error("deleted key should not exist")
	}
	if err := store.Delete(ctx, "a.bin"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestLocalStore_ListKeys(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	dir := tempDir(t)

	uploads := map[string]string{
		"patches/rel-1.mbtiles":   "p1",
		"patches/rel-2.mbtiles":   "p2",
		"containers/base.mbtiles": "b",
	}
	for key, content := range uploads {
		src := writeFile(t, dir, filepath.Base(key), []byte(content))
		if err := store.Upload(ctx, src, key); err != nil {
			t.Fatalf("upload %s failed: %v", key, err)
		}
	}

	keys, err := store.ListKeys(ctx, "patches/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{"patches/rel-1.mbtiles", "patches/rel-2.mbtiles"}
	if len(keys) != len(want) {
		t.Fatalf("listed %d keys %v, want %d", len(keys), keys, len(want))
	}
	for i, key := range want {
		if keys[i] != key {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], key)
		}
	}
}

func TestLocalStore_MultipartETagIsContentDigest(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	dir := tempDir(t)

	one := writeFile(t, dir, "one.bin", []byte("same content"))
	two := writeFile(t, dir, "two.bin", []byte("same content"))

	etagOne, err := store.UploadMultipart(ctx, one, "one.bin")
	if err != nil {
		t.Fatalf("multipart upload failed: %v", err)
	}
	etagTwo, err := store.UploadMultipart(ctx, two, "two.bin")
	if err != nil {
		t.Fatalf("multipart upload failed: %v", err)
	}

	if len(etagOne) != 64 {
		t.Errorf("etag length = %d, want 64 hex chars", len(etagOne))
	}
	if etagOne != etagTwo {
		t.Errorf("identical content produced different etags: %q vs %q", etagOne, etagTwo)
	}
}
