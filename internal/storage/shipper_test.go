package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	verrors "github.com/tilevault/tilevault/internal/errors"
)

// countingStore wraps an ObjectStore and counts downloads per key, so
// tests can prove a cache hit skipped the artifact transfer.
type countingStore struct {
	ObjectStore

	mu        sync.Mutex
	downloads map[string]int
}

func newCountingStore(inner ObjectStore) *countingStore {
	return &countingStore{ObjectStore: inner, downloads: make(map[string]int)}
}

func (c *countingStore) Download(ctx context.Context, key, localPath string) error {
	c.mu.Lock()
	c.downloads[key]++
	c.mu.Unlock()
	return c.ObjectStore.Download(ctx, key, localPath)
}

func (c *countingStore) downloadCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads[key]
}

func TestDigest_EmptyFile(t *testing.T) {
	path := writeFile(t, tempDir(t), "empty.bin", nil)
	got, err := Digest(path)
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	const want = "af1349b9f5f9a1a6a0404dee36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	if got != want {
		t.Errorf("blake3 of empty file = %q, want %q", got, want)
	}
}

func TestPatchKey(t *testing.T) {
	one := PatchKey("world-2024")
	two := PatchKey("world-2024")

	if !strings.HasPrefix(one, "patches/world-2024-") {
		t.Errorf("key %q should start with patches/<stem>-", one)
	}
	if !strings.HasSuffix(one, ".mbtiles") {
		t.Errorf("key %q should end with .mbtiles", one)
	}
	if one == two {
		t.Errorf("two keys for the same stem should differ, both %q", one)
	}
}

func TestPublisher_PushCreatesArtifactAndSidecar(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	dir := tempDir(t)

	src := writeFile(t, dir, "world.mbtiles", []byte("container bytes"))
	pub := &Publisher{Store: store}

	receipt, err := pub.Push(ctx, src, "containers/world.mbtiles")
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if receipt.Key != "containers/world.mbtiles" {
		t.Errorf("receipt key = %q", receipt.Key)
	}
	if receipt.SidecarKey != "containers/world.mbtiles.b3" {
		t.Errorf("receipt sidecar key = %q", receipt.SidecarKey)
	}
	if len(receipt.Digest) != 64 {
		t.Errorf("receipt digest = %q, want 64 hex chars", receipt.Digest)
	}
	if receipt.Size != int64(len("container bytes")) {
		t.Errorf("receipt size = %d, want %d", receipt.Size, len("container bytes"))
	}

	for _, key := range []string{receipt.Key, receipt.SidecarKey} {
		exists, err := store.Exists(ctx, key)
		if err != nil {
			t.Fatalf("exists %s failed: %v", key, err)
		}
		if !exists {
			t.Errorf("key %s should exist after push", key)
		}
	}

	sidecarPath := filepath.Join(dir, "pulled.b3")
	if err := store.Download(ctx, receipt.SidecarKey, sidecarPath); err != nil {
		t.Fatalf("sidecar download failed: %v", err)
	}
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		t.Fatalf("failed to read sidecar: %v", err)
	}
	want := receipt.Digest + "  world.mbtiles\n"
	if string(raw) != want {
		t.Errorf("sidecar content = %q, want %q", raw, want)
	}
}

func TestFetcher_PullRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	dir := tempDir(t)

	src := writeFile(t, dir, "world.mbtiles", []byte("container bytes"))
	pub := &Publisher{Store: store}
	if _, err := pub.Push(ctx, src, "containers/world.mbtiles"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	dst := filepath.Join(dir, "work", "world.mbtiles")
	fetcher := &Fetcher{Store: store}
	if err := fetcher.Pull(ctx, "containers/world.mbtiles", dst); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read pulled file: %v", err)
	}
	if string(got) != "container bytes" {
		t.Errorf("pulled content = %q, want %q", got, "container bytes")
	}
	if _, err := os.Stat(dst + SidecarSuffix); err != nil {
		t.Errorf("sidecar should sit next to the pulled artifact: %v", err)
	}
}

func TestFetcher_PullRejectsTamperedArtifact(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	dir := tempDir(t)

	src := writeFile(t, dir, "world.mbtiles", []byte("container bytes"))
	pub := &Publisher{Store: store}
	if _, err := pub.Push(ctx, src, "containers/world.mbtiles"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	// Swap the stored artifact while leaving the sidecar in place.
	forged := writeFile(t, dir, "forged.mbtiles", []byte("not the container"))
	if err := store.Upload(ctx, forged, "containers/world.mbtiles"); err != nil {
		t.Fatalf("forged upload failed: %v", err)
	}

	dst := filepath.Join(dir, "work", "world.mbtiles")
	fetcher := &Fetcher{Store: store}
	err := fetcher.Pull(ctx, "containers/world.mbtiles", dst)
	if err == nil {
		t.Fatal("pull of tampered artifact should fail")
	}
	if verrors.GetCode(err) != verrors.CodeChecksumMismatch {
		t.Errorf("error code = %q, want %q", verrors.GetCode(err), verrors.CodeChecksumMismatch)
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Error("tampered artifact should not be left on disk")
	}
}

func TestFetcher_PullWithoutSidecarFails(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	dir := tempDir(t)

	src := writeFile(t, dir, "bare.mbtiles", []byte("unverifiable"))
	if err := store.Upload(ctx, src, "containers/bare.mbtiles"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	fetcher := &Fetcher{Store: store}
	err := fetcher.Pull(ctx, "containers/bare.mbtiles", filepath.Join(dir, "out.mbtiles"))
	if err == nil {
		t.Fatal("pull without a sidecar should fail")
	}
	if verrors.GetCode(err) != verrors.CodeObjectNotFound {
		t.Errorf("error code = %q, want %q", verrors.GetCode(err), verrors.CodeObjectNotFound)
	}
}

func TestFetcher_PullMissingArtifact(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	fetcher := &Fetcher{Store: store}
	err := fetcher.Pull(ctx, "containers/ghost.mbtiles", filepath.Join(tempDir(t), "out"))
	if err == nil {
		t.Fatal("pull of absent artifact should fail")
	}
	if verrors.GetCode(err) != verrors.CodeObjectNotFound {
		t.Errorf("error code = %q, want %q", verrors.GetCode(err), verrors.CodeObjectNotFound)
	}
}

func TestFetcher_SecondPullIsCacheHit(t *testing.T) {
	ctx := context.Background()
	inner := newLocalStore(t)
	store := newCountingStore(inner)
	dir := tempDir(t)

	src := writeFile(t, dir, "world.mbtiles", []byte("container bytes"))
	pub := &Publisher{Store: inner}
	if _, err := pub.Push(ctx, src, "containers/world.mbtiles"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	dst := filepath.Join(dir, "work", "world.mbtiles")
	fetcher := &Fetcher{Store: store}
	for i := 0; i < 2; i++ {
		if err := fetcher.Pull(ctx, "containers/world.mbtiles", dst); err != nil {
			t.Fatalf("pull %d failed: %v", i+1, err)
		}
	}

	if got := store.downloadCount("containers/world.mbtiles"); got != 1 {
		t.Errorf("artifact downloaded %d times, want 1 (second pull should hit the local copy)", got)
	}
	if got := store.downloadCount("containers/world.mbtiles.b3"); got != 2 {
		t.Errorf("sidecar downloaded %d times, want 2", got)
	}
}

func TestFetcher_PullAll(t *testing.T) {
	ctx := context.Background()
	inner := newLocalStore(t)
	store := newCountingStore(inner)
	dir := tempDir(t)

	pub := &Publisher{Store: inner}
	keys := []string{
		"patches/rel-1.mbtiles",
		"patches/rel-2.mbtiles",
		"patches/rel-3.mbtiles",
	}
	for i, key := range keys {
		src := writeFile(t, dir, filepath.Base(key), []byte(strings.Repeat("p", i+1)))
		if _, err := pub.Push(ctx, src, key); err != nil {
			t.Fatalf("push %s failed: %v", key, err)
		}
	}

	destDir := filepath.Join(dir, "incoming")
	fetcher := &Fetcher{Store: store, Concurrency: 2}

	result, err := fetcher.PullAll(ctx, keys, destDir)
	if err != nil {
		t.Fatalf("pull all failed: %v", err)
	}
	if len(result.LocalPaths) != 3 || result.Downloads != 3 || result.CacheHits != 0 {
		t.Errorf("first pull: paths=%d downloads=%d hits=%d, want 3/3/0",
			len(result.LocalPaths), result.Downloads, result.CacheHits)
	}
	for _, key := range keys {
		local, ok := result.LocalPaths[key]
		if !ok {
			t.Fatalf("no local path recorded for %s", key)
		}
		if _, err := os.Stat(local); err != nil {
			t.Errorf("pulled file for %s missing: %v", key, err)
		}
	}

	result, err = fetcher.PullAll(ctx, keys, destDir)
	if err != nil {
		t.Fatalf("second pull all failed: %v", err)
	}
	if result.Downloads != 0 || result.CacheHits != 3 {
		t.Errorf("second pull: downloads=%d hits=%d, want 0/3", result.Downloads, result.CacheHits)
	}
	for _, key := range keys {
		if got := store.downloadCount(key); got != 1 {
			t.Errorf("artifact %s downloaded %d times, want 1", key, got)
		}
	}
}

func TestFetcher_PullAllReportsEveryFailure(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	dir := tempDir(t)

	pub := &Publisher{Store: store}
	src := writeFile(t, dir, "rel-1.mbtiles", []byte("p1"))
	if _, err := pub.Push(ctx, src, "patches/rel-1.mbtiles"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	fetcher := &Fetcher{Store: store}
	keys := []string{"patches/rel-1.mbtiles", "patches/ghost.mbtiles"}
	result, err := fetcher.PullAll(ctx, keys, filepath.Join(dir, "incoming"))
	if err == nil {
		t.Fatal("pull all with a missing key should fail")
	}
	if len(result.LocalPaths) != 1 {
		t.Errorf("local paths = %d, want the one good key", len(result.LocalPaths))
	}
	if _, ok := result.LocalPaths["patches/rel-1.mbtiles"]; !ok {
		t.Error("the good key should still be pulled")
	}
}
