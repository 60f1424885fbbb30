// Package main implements the tilevault-diff binary.
// It computes the patch container that turns one MBTiles container into
// another, and optionally publishes the result to an object store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
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
		targetPath  string
		outPath     string
		patchType   string
		configFile  string
		chunkSize   int
		push        bool
		showVersion bool
	)

	flag.StringVar(&basePath, "base", "", "Base .mbtiles container (the before state)")
	flag.StringVar(&targetPath, "target", "", "Target .mbtiles container (the after state)")
	flag.StringVar(&outPath, "out", "", "Path for the patch container (must not exist)")
	flag.StringVar(&patchType, "patch-type", "", "Payload encoding: whole, bin-diff (default: config value)")
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.IntVar(&chunkSize, "chunk-size", 0, "Rows per patch transaction (0 = config value)")
	flag.BoolVar(&push, "push", false, "Publish the patch to the configured object store")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "TileVault Diff - patch computation between containers\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tilevault-diff --base <old.mbtiles> --target <new.mbtiles> --out <patch.mbtiles> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tilevault-diff --base v1.mbtiles --target v2.mbtiles --out v1-v2.mbtiles\n")
		fmt.Fprintf(os.Stderr, "  tilevault-diff --base v1.mbtiles --target v2.mbtiles --out v1-v2.mbtiles --patch-type bin-diff --push\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_PATCH_TYPE          Payload encoding for computed patches\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_STORAGE_TYPE        Object store backend (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_S3_BUCKET           S3 bucket for --push\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tilevault-diff version %s (commit: %s)\n", version, commit)
		os.Exit(exitOK)
	}
	if basePath == "" || targetPath == "" || outPath == "" {
		flag.Usage()
		os.Exit(exitUsage)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Printf("tilevault-diff: %v", err)
		os.Exit(exitUsage)
	}

	if patchType == "" {
		patchType = cfg.Patch.Type
	}
	pt, err := patch.ParseType(patchType)
	if err != nil {
		log.Printf("tilevault-diff: %v", err)
		os.Exit(exitUsage)
	}

	opts := patch.ComputeOptions{
		Type:      pt,
		ChunkSize: cfg.Patch.ChunkSize,
	}
	if chunkSize > 0 {
		opts.ChunkSize = chunkSize
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, basePath, targetPath, outPath, opts, push); err != nil {
		log.Printf("tilevault-diff: %v", err)
		os.Exit(exitFor(err))
	}
}

func run(ctx context.Context, cfg *config.Config, basePath, targetPath, outPath string, opts patch.ComputeOptions, push bool) error {
	base, err := tileset.OpenReadonly(ctx, basePath)
	if err != nil {
		return err
	}
	defer base.Close()

	target, err := tileset.OpenReadonly(ctx, targetPath)
	if err != nil {
		return err
	}
	defer target.Close()

	stats, err := patch.Compute(ctx, base, target, outPath, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Patch written to %s\n", outPath)
	fmt.Printf("  Added:   %d\n", stats.Added)
	fmt.Printf("  Changed: %d\n", stats.Changed)
	fmt.Printf("  Removed: %d\n", stats.Removed)
	fmt.Printf("  Before:  %s\n", stats.AggBefore)
	fmt.Printf("  After:   %s\n", stats.AggAfter)
	fmt.Printf("  Elapsed: %s\n", stats.Elapsed)

	if !push {
		return nil
	}

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	pub := &storage.Publisher{Store: store}

	stem := strings.TrimSuffix(filepath.Base(outPath), filepath.Ext(outPath))
	key := path.Join(cfg.Storage.Prefix, storage.PatchKey(stem))

	receipt, err := pub.Push(ctx, outPath, key)
	if err != nil {
		return err
	}
	fmt.Printf("Published to %s\n", receipt.Key)
	fmt.Printf("  Digest:  %s\n", receipt.Digest)
	fmt.Printf("  Size:    %d bytes\n", receipt.Size)
	return nil
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
