package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/semaphore"

	verrors "github.com/tilevault/tilevault/internal/errors"
)

// SidecarSuffix is appended to an artifact key to name its digest
// sidecar object.
const SidecarSuffix = ".b3"

// PatchKey returns a collision-free object key for a patch artifact
// derived from the container stem.
func PatchKey(stem string) string {
	return fmt.Sprintf("patches/%s-%s.mbtiles", stem, uuid.NewString()[:8])
}

// Digest returns the lowercase hex blake3 digest of a file.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("storage: failed to open %s for digest: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("storage: failed to digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Receipt describes a published artifact.
type Receipt struct {
	Key        string
	SidecarKey string
	Digest     string
	ETag       string
	Size       int64
}

// Publisher ships artifacts into an object store, writing a blake3
// digest sidecar next to each one so fetchers can verify what they pull.
type Publisher struct {
	Store ObjectStore
}

// Push uploads the file under key plus a "<key>.b3" sidecar carrying its
// digest in b3sum format.
func (p *Publisher) Push(ctx context.Context, localPath, key string) (*Receipt, error) {
	stat, err := os.Stat(localPath)
	if err != nil {
		return nil, verrors.NewStorageError(verrors.CodeUploadFailed,
			fmt.Sprintf("cannot publish %s", localPath), err)
	}
	digest, err := Digest(localPath)
	if err != nil {
		return nil, verrors.NewStorageError(verrors.CodeUploadFailed,
			fmt.Sprintf("cannot digest %s", localPath), err)
	}

	etag, err := p.Store.UploadMultipart(ctx, localPath, key)
	if err != nil {
		return nil, verrors.NewStorageError(verrors.CodeUploadFailed,
			fmt.Sprintf("failed to upload %s", key), err)
	}

	sidecar, err := os.CreateTemp("", "tilevault-sidecar-*")
	if err != nil {
		return nil, verrors.NewStorageError(verrors.CodeUploadFailed,
			"failed to stage digest sidecar", err)
	}
	defer os.Remove(sidecar.Name())
	if _, err := fmt.Fprintf(sidecar, "%s  %s\n", digest, filepath.Base(key)); err != nil {
		sidecar.Close()
		return nil, verrors.NewStorageError(verrors.CodeUploadFailed,
			"failed to stage digest sidecar", err)
	}
	if err := sidecar.Close(); err != nil {
		return nil, verrors.NewStorageError(verrors.CodeUploadFailed,
			"failed to stage digest sidecar", err)
	}

	sidecarKey := key + SidecarSuffix
	if err := p.Store.Upload(ctx, sidecar.Name(), sidecarKey); err != nil {
		return nil, verrors.NewStorageError(verrors.CodeUploadFailed,
			fmt.Sprintf("failed to upload %s", sidecarKey), err)
	}

	log.Printf("storage: published %s (%d bytes, blake3 %s)", key, stat.Size(), digest[:12])
	return &Receipt{
		Key:        key,
		SidecarKey: sidecarKey,
		Digest:     digest,
		ETag:       etag,
		Size:       stat.Size(),
	}, nil
}

// Fetcher pulls artifacts out of an object store and refuses to hand
// over anything whose digest does not match its sidecar.
type Fetcher struct {
	Store ObjectStore

	// Concurrency bounds parallel pulls in PullAll. 4 when zero.
	Concurrency int
}

// Pull fetches the artifact under key to localPath after verifying it
// against its digest sidecar. A local file that already matches the
// sidecar is kept as is, skipping the download.
func (f *Fetcher) Pull(ctx context.Context, key, localPath string) error {
	_, err := f.pull(ctx, key, localPath)
	return err
}

// pull reports whether the artifact was actually downloaded, so batch
// pulls can tell cache hits from transfers.
func (f *Fetcher) pull(ctx context.Context, key, localPath string) (bool, error) {
	want, err := f.pullDigest(ctx, key, localPath)
	if err != nil {
		return false, err
	}

	if _, statErr := os.Stat(localPath); statErr == nil {
		got, digErr := Digest(localPath)
		if digErr == nil && got == want {
			return false, nil
		}
	}

	if err := f.Store.Download(ctx, key, localPath); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, verrors.NewStorageError(verrors.CodeObjectNotFound,
				fmt.Sprintf("artifact %s is not in the store", key), err)
		}
		return false, verrors.NewStorageError(verrors.CodeDownloadFailed,
			fmt.Sprintf("failed to download %s", key), err)
	}

	got, err := Digest(localPath)
	if err != nil {
		return true, verrors.NewStorageError(verrors.CodeDownloadFailed,
			fmt.Sprintf("failed to digest %s", localPath), err)
	}
	if got != want {
		os.Remove(localPath)
		return true, verrors.NewStorageError(verrors.CodeChecksumMismatch,
			fmt.Sprintf("artifact %s failed digest verification", key), nil).
			WithDetails(map[string]interface{}{"want": want, "got": got})
	}
	return true, nil
}

// pullDigest fetches and parses the artifact's sidecar. The sidecar file
// stays next to the artifact as its verification record.
func (f *Fetcher) pullDigest(ctx context.Context, key, localPath string) (string, error) {
	sidecarPath := localPath + SidecarSuffix
	if err := os.MkdirAll(filepath.Dir(sidecarPath), 0755); err != nil {
		return "", verrors.NewStorageError(verrors.CodeDownloadFailed,
			"failed to create destination directory", err)
	}
	if err := f.Store.Download(ctx, key+SidecarSuffix, sidecarPath); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", verrors.NewStorageError(verrors.CodeObjectNotFound,
				fmt.Sprintf("artifact %s has no digest sidecar; refusing unverified pull", key), err)
		}
		return "", verrors.NewStorageError(verrors.CodeDownloadFailed,
			fmt.Sprintf("failed to download sidecar for %s", key), err)
	}

	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return "", verrors.NewStorageError(verrors.CodeDownloadFailed,
			fmt.Sprintf("failed to read sidecar for %s", key), err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", verrors.NewStorageError(verrors.CodeChecksumMismatch,
			fmt.Sprintf("sidecar for %s does not carry a blake3 digest", key), nil)
	}
	return strings.ToLower(fields[0]), nil
}

// PullResult reports what a batch pull did.
type PullResult struct {
	// LocalPaths maps each successfully pulled key to its local file.
	LocalPaths map[string]string
	CacheHits  int
	Downloads  int
}

// PullAll fetches every key into destDir with bounded concurrency. All
// pulls are attempted; the joined error reports every failure, and
// LocalPaths still lists the keys that made it.
func (f *Fetcher) PullAll(ctx context.Context, keys []string, destDir string) (*PullResult, error) {
	result := &PullResult{LocalPaths: make(map[string]string)}
	if len(keys) == 0 {
		return result, nil
	}

	concurrency := f.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, verrors.NewStorageError(verrors.CodeDownloadFailed,
			"failed to create destination directory", err)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		pullErrs []error
	)

	for _, key := range keys {
		localPath := filepath.Join(destDir, filepath.Base(filepath.FromSlash(key)))

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			pullErrs = append(pullErrs, fmt.Errorf("storage: pull of %s not started: %w", key, err))
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(key, localPath string) {
			defer sem.Release(1)
			defer wg.Done()

			downloaded, err := f.pull(ctx, key, localPath)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				pullErrs = append(pullErrs, err)
				return
			}
			result.LocalPaths[key] = localPath
			if downloaded {
				result.Downloads++
			} else {
				result.CacheHits++
			}
		}(key, localPath)
	}
	wg.Wait()

	if len(pullErrs) > 0 {
		return result, errors.Join(pullErrs...)
	}
	log.Printf("storage: pulled %d artifacts (%d cached) into %s",
		len(result.LocalPaths), result.CacheHits, destDir)
	return result, nil
}
