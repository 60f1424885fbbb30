// Package main implements the tilevault-patch binary.
// It applies a patch container to a base MBTiles container, optionally
// pulling the patch from the configured object store first. Application
// is bracketed by aggregate-hash checks: a wrong base is refused before
// any write, a wrong result is rolled back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tilevault/tilevault/internal/config"
	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/internal/patch"
	"github.com/tilevault/tilevault/internal/storage"
	"github.com/tilevault/tilevault/internal/tileset"
)

var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitOK         = 0
	exitStructural = 1
	exitRetryable  = 2
	exitUsage      = 3
)

func main() {
	var (
		basePath    string
		patchPath   string
		pullKey     string
		configFile  string
		verifyPatch bool
		showVersion bool
	)

	flag.StringVar(&basePath, "base", "", "Base .mbtiles container to apply the patch to")
	flag.StringVar(&patchPath, "patch", "", "Local patch container")
	flag.StringVar(&pullKey, "pull", "", "Object store key to pull the patch from")
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.BoolVar(&verifyPatch, "verify-patch", false, "Verify the patch container's own aggregate stamp before applying")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "TileVault Patch - patch application with hash verification\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tilevault-patch --base <v1.mbtiles> (--patch <p.mbtiles> | --pull <key>) [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tilevault-patch --base v1.mbtiles --patch v1-v2.mbtiles\n")
		fmt.Fprintf(os.Stderr, "  tilevault-patch --base v1.mbtiles --pull patches/v1-v2-1a2b3c4d.mbtiles --verify-patch\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_WORK_DIR            Working directory for pulled artifacts\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_STORAGE_TYPE        Object store backend (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_S3_BUCKET           S3 bucket for --pull\n")
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0  patch applied\n")
		fmt.Fprintf(os.Stderr, "  1  base or result hash mismatch, malformed patch\n")
		fmt.Fprintf(os.Stderr, "  2  retryable I/O failure (database contention, transfer)\n")
		fmt.Fprintf(os.Stderr, "  3  usage error\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tilevault-patch version %s (commit: %s)\n", version, commit)
		os.Exit(exitOK)
	}
	if basePath == "" || (patchPath == "") == (pullKey == "") {
		flag.Usage()
		os.Exit(exitUsage)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Printf("tilevault-patch: %v", err)
		os.Exit(exitUsage)
	}

	// A signal mid-apply cancels the context; the apply transaction
	// rolls back and the base stays at its before state.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, basePath, patchPath, pullKey, verifyPatch); err != nil {
		log.Printf("tilevault-patch: %v", err)
		os.Exit(exitFor(err))
	}
}

func run(ctx context.Context, cfg *config.Config, basePath, patchPath, pullKey string, verifyPatch bool) error {
	if pullKey != "" {
		local, err := pullPatch(ctx, cfg, pullKey)
		if err != nil {
			return err
		}
		patchPath = local
	}

	base, err := tileset.Open(ctx, basePath)
	if err != nil {
		return err
	}
	defer base.Close()

	stats, err := patch.Apply(ctx, base, patchPath, patch.ApplyOptions{VerifyPatch: verifyPatch})
	if err != nil {
		return err
	}

	fmt.Printf("Applied %s to %s\n", filepath.Base(patchPath), base.Name())
	fmt.Printf("  Upserted: %d\n", stats.Upserted)
	fmt.Printf("  Removed:  %d\n", stats.Removed)
	fmt.Printf("  Before:   %s\n", stats.AggBefore)
	fmt.Printf("  After:    %s\n", stats.AggAfter)
	fmt.Printf("  Elapsed:  %s\n", stats.Elapsed)
	return nil
}

// pullPatch fetches the patch artifact into the incoming directory and
// returns its local path. The fetch verifies the blake3 sidecar.
func pullPatch(ctx context.Context, cfg *config.Config, key string) (string, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return "", err
	}
	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		return "", err
	}
	fetcher := &storage.Fetcher{Store: store, Concurrency: cfg.Storage.Concurrency}

	local := filepath.Join(cfg.IncomingDir(), filepath.Base(filepath.FromSlash(key)))
	if err := fetcher.Pull(ctx, key, local); err != nil {
		return "", err
	}
	fmt.Printf("Pulled %s -> %s\n", key, local)
	return local, nil
}

func newObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Type {
	case "s3":
		sc := storage.DefaultS3Config()
		sc.Region = cfg.Storage.S3.Region
		sc.Endpoint = cfg.Storage.S3.Endpoint
		sc.UsePathStyle = cfg.Storage.S3.UsePathStyle
		return storage.NewS3Store(ctx, cfg.Storage.S3.Bucket, sc)
	default:
		return storage.NewLocalStore(cfg.Storage.Path)
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	cfg.Resolve()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func exitFor(err error) int {
	if err == nil {
		return exitOK
	}
	if verrors.IsRetryable(err) {
		return exitRetryable
	}
	return exitStructural
}
