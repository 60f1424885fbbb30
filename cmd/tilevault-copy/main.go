// Package main implements the tilevault-copy binary.
// It copies tiles and/or metadata between two MBTiles containers,
// translating between schema layouts and resolving coordinate
// collisions by the selected duplicate policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tilevault/tilevault/internal/config"
	"github.com/tilevault/tilevault/internal/copier"
	verrors "github.com/tilevault/tilevault/internal/errors"
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
		srcPath      string
		dstPath      string
		dstType      string
		copyType     string
		onDuplicate  string
		configFile   string
		chunkSize    int
		updateBounds bool
		showVersion  bool
	)

	flag.StringVar(&srcPath, "src", "", "Source .mbtiles container")
	flag.StringVar(&dstPath, "dst", "", "Destination .mbtiles container (created if missing)")
	flag.StringVar(&dstType, "dst-type", "", "Layout for a fresh destination: flat, flat-with-hash, normalized (default: source layout)")
	flag.StringVar(&copyType, "copy", "all", "What to copy: all, tiles, metadata")
	flag.StringVar(&onDuplicate, "on-duplicate", "ignore", "Collision policy: ignore, override, abort")
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.IntVar(&chunkSize, "chunk-size", 0, "Tiles per destination transaction (0 = config value)")
	flag.BoolVar(&updateBounds, "update-bounds", false, "Recompute bounds/minzoom/maxzoom metadata after the copy")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "TileVault Copy - container-to-container tile transfer\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tilevault-copy --src <a.mbtiles> --dst <b.mbtiles> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tilevault-copy --src raw.mbtiles --dst dedup.mbtiles --dst-type normalized\n")
		fmt.Fprintf(os.Stderr, "  tilevault-copy --src monthly.mbtiles --dst world.mbtiles --on-duplicate override\n")
		fmt.Fprintf(os.Stderr, "  tilevault-copy --src a.mbtiles --dst b.mbtiles --copy metadata\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_COPY_CHUNK_SIZE     Tiles per destination transaction\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_COPY_PRESCREEN_FPR  Bloom prescreen false positive rate\n")
		fmt.Fprintf(os.Stderr, "  TILEVAULT_COPY_UPDATE_BOUNDS  Recompute bounds metadata (true/false)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tilevault-copy version %s (commit: %s)\n", version, commit)
		os.Exit(exitOK)
	}
	if srcPath == "" || dstPath == "" {
		flag.Usage()
		os.Exit(exitUsage)
	}
	if srcPath == dstPath {
		fmt.Fprintf(os.Stderr, "source and destination are the same file\n")
		os.Exit(exitUsage)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Printf("tilevault-copy: %v", err)
		os.Exit(exitUsage)
	}

	ct, err := copier.ParseCopyType(copyType)
	if err != nil {
		log.Printf("tilevault-copy: %v", err)
		os.Exit(exitUsage)
	}
	mode, err := tileset.ParseDuplicateMode(onDuplicate)
	if err != nil {
		log.Printf("tilevault-copy: %v", err)
		os.Exit(exitUsage)
	}

	opts := copier.Options{
		Type:         ct,
		Mode:         mode,
		ChunkSize:    cfg.Copy.ChunkSize,
		UpdateBounds: cfg.Copy.UpdateBounds || updateBounds,
		PrescreenFPR: cfg.Copy.PrescreenFPR,
	}
	if chunkSize > 0 {
		opts.ChunkSize = chunkSize
	}

	// Ctrl-C mid-copy cancels the context; the open chunk transaction
	// rolls back and only whole chunks remain applied.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, srcPath, dstPath, dstType, opts); err != nil {
		log.Printf("tilevault-copy: %v", err)
		os.Exit(exitFor(err))
	}
}

func run(ctx context.Context, srcPath, dstPath, dstType string, opts copier.Options) error {
	src, err := tileset.OpenReadonly(ctx, srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	// A fresh destination inherits the source layout unless told otherwise.
	dstVariant, err := src.Variant(ctx)
	if err != nil {
		return err
	}
	if dstType != "" {
		dstVariant, err = tileset.ParseVariant(dstType)
		if err != nil {
			return err
		}
	}

	dst, err := tileset.OpenOrNew(ctx, dstPath, dstVariant)
	if err != nil {
		return err
	}
	defer dst.Close()

	stats, err := copier.Copy(ctx, src, dst, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Copied %s -> %s\n", src.Name(), dst.Name())
	fmt.Printf("  Tiles:    %d read, %d written, %d skipped\n",
		stats.TilesRead, stats.TilesWritten, stats.TilesSkipped)
	fmt.Printf("  Bytes:    %d\n", stats.BytesWritten)
	if stats.BlobsDeduped > 0 {
		fmt.Printf("  Deduped:  %d payload references\n", stats.BlobsDeduped)
	}
	if stats.MetadataKeys > 0 {
		fmt.Printf("  Metadata: %d keys\n", stats.MetadataKeys)
	}
	fmt.Printf("  Elapsed:  %s\n", stats.Elapsed)
	return nil
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
