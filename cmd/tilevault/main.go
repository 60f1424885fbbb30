// Package main implements the tilevault inspection binary.
// It reports container layout and contents, computes and stamps the
// aggregate tile hash, verifies container integrity, and edits metadata.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/tilevault/tilevault/internal/config"
	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/internal/tileset"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes by error class: structural and integrity failures exit 1,
// transient I/O exits 2 so wrappers can retry, usage errors exit 3.
const (
	exitOK         = 0
	exitStructural = 1
	exitRetryable  = 2
	exitUsage      = 3
)

func main() {
	var (
		dbPath      string
		configFile  string
		workers     int
		stamp       bool
		showVersion bool
	)

	flag.StringVar(&dbPath, "db", "", "Path to the .mbtiles container")
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.IntVar(&workers, "workers", 0, "Parallel hash checks for verify (0 = config value)")
	flag.BoolVar(&stamp, "stamp", false, "Store the aggregate hash after computing it (agg-hash)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "TileVault - MBTiles container inspection and verification\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tilevault --db <file.mbtiles> [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  info              Print layout, tile counts, and metadata\n")
		fmt.Fprintf(os.Stderr, "  detect            Print the schema variant and nothing else\n")
		fmt.Fprintf(os.Stderr, "  agg-hash          Compute the aggregate tile hash (--stamp stores it)\n")
		fmt.Fprintf(os.Stderr, "  verify            Check the stored aggregate hash and per-tile hashes\n")
		fmt.Fprintf(os.Stderr, "  set-meta <k> <v>  Set a metadata value (empty value deletes the key)\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tilevault --db world.mbtiles info\n")
		fmt.Fprintf(os.Stderr, "  tilevault --db world.mbtiles --stamp agg-hash\n")
		fmt.Fprintf(os.Stderr, "  tilevault --db world.mbtiles --workers 8 verify\n")
		fmt.Fprintf(os.Stderr, "  tilevault --db world.mbtiles set-meta attribution \"(c) OpenStreetMap\"\n")
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0 success, 1 structural/integrity failure, 2 transient I/O failure, 3 usage\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tilevault version %s (commit: %s)\n", version, commit)
		os.Exit(exitOK)
	}

	args := flag.Args()
	if dbPath == "" || len(args) == 0 {
		flag.Usage()
		os.Exit(exitUsage)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Printf("tilevault: %v", err)
		os.Exit(exitUsage)
	}
	if workers == 0 {
		workers = cfg.Verify.Workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	command := args[0]

	var runErr error
	switch command {
	case "info":
		runErr = withContainer(ctx, dbPath, true, runInfo)
	case "detect":
		runErr = withContainer(ctx, dbPath, true, runDetect)
	case "agg-hash":
		runErr = withContainer(ctx, dbPath, !stamp, func(ctx context.Context, c *tileset.Container) error {
			return runAggHash(ctx, c, stamp)
		})
	case "verify":
		runErr = withContainer(ctx, dbPath, true, func(ctx context.Context, c *tileset.Container) error {
			return runVerify(ctx, c, workers)
		})
	case "set-meta":
		if len(args) != 3 {
			fmt.Fprintf(os.Stderr, "set-meta requires a key and a value\n")
			os.Exit(exitUsage)
		}
		runErr = withContainer(ctx, dbPath, false, func(ctx context.Context, c *tileset.Container) error {
			return c.SetMetadataValue(ctx, args[1], args[2])
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		os.Exit(exitUsage)
	}

	if runErr != nil {
		log.Printf("tilevault: %v", runErr)
		os.Exit(exitFor(runErr))
	}
}

// loadConfig builds the effective configuration: defaults, then the
// optional config file, then environment overrides.
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

// withContainer opens the container, runs fn, and closes the handle.
func withContainer(ctx context.Context, path string, readonly bool, fn func(context.Context, *tileset.Container) error) error {
	var c *tileset.Container
	var err error
	if readonly {
		c, err = tileset.OpenReadonly(ctx, path)
	} else {
		c, err = tileset.Open(ctx, path)
	}
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func runInfo(ctx context.Context, c *tileset.Container) error {
	variant, err := c.Variant(ctx)
	if err != nil {
		return err
	}
	count, err := c.TileCount(ctx)
	if err != nil {
		return err
	}
	meta, err := c.AllMetadata(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Container: %s\n", c.Name())
	fmt.Printf("Path:      %s\n", c.Path())
	fmt.Printf("Layout:    %s\n", variant)
	fmt.Printf("Tiles:     %d\n", count)

	minZoom, maxZoom, ok, err := c.ZoomRange(ctx)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("Zooms:     %d-%d\n", minZoom, maxZoom)
	}

	if len(meta) > 0 {
		fmt.Printf("\nMetadata:\n")
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			value := meta[k]
			if len(value) > 96 {
				value = value[:93] + "..."
			}
			fmt.Printf("  %-28s %s\n", k, value)
		}
	}
	return nil
}

func runDetect(ctx context.Context, c *tileset.Container) error {
	variant, err := c.Variant(ctx)
	if err != nil {
		return err
	}
	fmt.Println(variant)
	return nil
}

func runAggHash(ctx context.Context, c *tileset.Container, stamp bool) error {
	var hash string
	var err error
	if stamp {
		hash, err = c.StampAggTilesHash(ctx)
	} else {
		hash, err = c.AggTilesHash(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func runVerify(ctx context.Context, c *tileset.Container, workers int) error {
	if err := c.VerifyAggHash(ctx); err != nil {
		return err
	}
	fmt.Printf("aggregate hash: ok\n")

	variant, err := c.Variant(ctx)
	if err != nil {
		return err
	}
	if !variant.HasHash() {
		fmt.Printf("per-tile hashes: not stored by the %s layout, skipped\n", variant)
		return nil
	}

	report, err := c.VerifyTileHashes(ctx, workers)
	if err != nil {
		return err
	}
	if report.Mismatched > 0 {
		for _, m := range report.Mismatches {
			log.Printf("tilevault: tile %s stored %s, payload hashes to %s", m.Coord, m.Stored, m.Computed)
		}
		return verrors.NewVerifyError(verrors.CodeTileHashMismatch,
			fmt.Sprintf("%d of %d tiles failed hash verification", report.Mismatched, report.Checked))
	}
	fmt.Printf("per-tile hashes: ok (%d tiles)\n", report.Checked)
	return nil
}

// exitFor maps an error to the binary's exit code classes.
func exitFor(err error) int {
	if err == nil {
		return exitOK
	}
	if verrors.IsRetryable(err) {
		return exitRetryable
	}
	return exitStructural
}
