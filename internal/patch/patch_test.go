package patch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	verrors "github.com/tilevault/tilevault/internal/errors"
	"github.com/tilevault/tilevault/internal/tileset"
	"github.com/tilevault/tilevault/pkg/tile"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tilevault-patch-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func mustCoord(t *testing.T, z uint8, x, y uint32) tile.Coord {
	t.Helper()
	c, err := tile.New(z, x, y)
	if err != nil {
		t.Fatalf("tile.New(%d, %d, %d): %v", z, x, y, err)
	}
	return c
}

func buildContainer(t *testing.T, dir, name string, v tileset.Variant, recs []tileset.TileRecord) *tileset.Container {
	t.Helper()
	c, err := tileset.OpenOrNew(context.Background(), filepath.Join(dir, name), v)
	if err != nil {
		t.Fatalf("OpenOrNew(%s): %v", name, err)
	}
	t.Cleanup(func() { c.Close() })
	if len(recs) > 0 {
		if err := c.InsertTiles(context.Background(), tileset.DuplicateAbort, recs); err != nil {
			t.Fatalf("InsertTiles(%s): %v", name, err)
		}
	}
	return c
}

// collectTiles snapshots the logical tile set as coord string -> payload.
func collectTiles(t *testing.T, c *tileset.Container) map[string][]byte {
	t.Helper()
	stream, err := c.StreamTiles(context.Background())
	if err != nil {
		t.Fatalf("StreamTiles: %v", err)
	}
	defer stream.Close()
	got := map[string][]byte{}
	for stream.Next() {
		rec, recErr := stream.Record()
		if recErr != nil {
			t.Fatalf("stream record: %v", recErr)
		}
		if rec.Data == nil {
			continue
		}
		got[rec.Coord.String()] = append([]byte(nil), rec.Data...)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream: %v", err)
	}
	return got
}

// baseRecords is a small tile set with payloads big enough for the delta
// matcher to find runs in.
func baseRecords(t *testing.T) []tileset.TileRecord {
	t.Helper()
	return []tileset.TileRecord{
		{Coord: mustCoord(t, 1, 0, 0), Data: randBytes(100, 2048)},
		{Coord: mustCoord(t, 1, 0, 1), Data: randBytes(101, 2048)},
		{Coord: mustCoord(t, 1, 1, 0), Data: randBytes(102, 2048)},
		{Coord: mustCoord(t, 1, 1, 1), Data: randBytes(103, 2048)},
		{Coord: mustCoord(t, 2, 2, 2), Data: randBytes(104, 512)},
		{Coord: mustCoord(t, 2, 3, 3), Data: randBytes(105, 512)},
	}
}

// targetRecords derives the revision: one tile edited in place, one
// removed, two added.
func targetRecords(t *testing.T) []tileset.TileRecord {
	t.Helper()
	recs := baseRecords(t)
	edited := append([]byte(nil), recs[2].Data...)
	copy(edited[500:], []byte("edited run in the middle of the payload"))
	recs[2].Data = edited
	recs[2].Hash = ""
	recs = recs[:len(recs)-1] // drop 2/3/3
	recs = append(recs,
		tileset.TileRecord{Coord: mustCoord(t, 3, 4, 4), Data: randBytes(106, 1024)},
		tileset.TileRecord{Coord: mustCoord(t, 3, 5, 5), Data: randBytes(107, 1024)},
	)
	return recs
}

func computeApplyRoundTrip(t *testing.T, ptype Type) {
	dir := tempDir(t)
	ctx := context.Background()

	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantFlat, baseRecords(t))
	target := buildContainer(t, dir, "target.mbtiles", tileset.VariantFlat, targetRecords(t))
	applied := buildContainer(t, dir, "applied.mbtiles", tileset.VariantFlat, baseRecords(t))

	patchPath := filepath.Join(dir, "rev.mbtiles")
	cstats, err := Compute(ctx, base, target, patchPath, ComputeOptions{Type: ptype})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if cstats.Added != 2 || cstats.Changed != 1 || cstats.Removed != 1 {
		t.Errorf("stats added=%d changed=%d removed=%d, want 2/1/1",
			cstats.Added, cstats.Changed, cstats.Removed)
	}

	astats, err := Apply(ctx, applied, patchPath, ApplyOptions{VerifyPatch: true})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if astats.Upserted != 3 || astats.Removed != 1 {
		t.Errorf("apply stats upserted=%d removed=%d, want 3/1", astats.Upserted, astats.Removed)
	}

	targetAgg, err := target.AggTilesHash(ctx)
	if err != nil {
		t.Fatalf("AggTilesHash: %v", err)
	}
	appliedAgg, err := applied.AggTilesHash(ctx)
	if err != nil {
		t.Fatalf("AggTilesHash: %v", err)
	}
	if appliedAgg != targetAgg {
		t.Errorf("applied base hashes to %s, target to %s", appliedAgg, targetAgg)
	}

	want := collectTiles(t, target)
	got := collectTiles(t, applied)
	if len(got) != len(want) {
		t.Fatalf("applied base has %d tiles, target %d", len(got), len(want))
	}
	for coord, payload := range want {
		if !bytes.Equal(got[coord], payload) {
			t.Errorf("tile %s differs after patch application", coord)
		}
	}

	// The stamp on the applied base must match what it now contains.
	if err := applied.VerifyAggHash(ctx); err != nil {
		t.Errorf("VerifyAggHash on applied base: %v", err)
	}
}

func TestComputeApply_Whole(t *testing.T) {
	computeApplyRoundTrip(t, TypeWhole)
}

func TestComputeApply_BinDiff(t *testing.T) {
	computeApplyRoundTrip(t, TypeBinDiff)
}

func TestCompute_BinDiffRowsAreEnvelopes(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantFlat, baseRecords(t))
	target := buildContainer(t, dir, "target.mbtiles", tileset.VariantFlat, targetRecords(t))

	patchPath := filepath.Join(dir, "rev.mbtiles")
	if _, err := Compute(ctx, base, target, patchPath, ComputeOptions{Type: TypeBinDiff}); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	p, err := tileset.OpenReadonly(ctx, patchPath)
	if err != nil {
		t.Fatalf("OpenReadonly: %v", err)
	}
	defer p.Close()

	if v, _ := p.MetadataValue(ctx, tileset.MetaPatchType); v != "bin-diff" {
		t.Errorf("patch_type = %q, want %q", v, "bin-diff")
	}
	for coord, payload := range collectTiles(t, p) {
		if !bytes.HasPrefix(payload, []byte(envelopeMagic)) {
			t.Errorf("patch row %s does not carry an envelope", coord)
		}
	}
}

func TestApply_BaseMismatch(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantFlat, baseRecords(t))
	target := buildContainer(t, dir, "target.mbtiles", tileset.VariantFlat, targetRecords(t))

	// The would-be base has drifted by one tile.
	drifted := append(baseRecords(t), tileset.TileRecord{
		Coord: mustCoord(t, 4, 8, 8), Data: randBytes(200, 64),
	})
	wrongBase := buildContainer(t, dir, "wrong.mbtiles", tileset.VariantFlat, drifted)
	beforeTiles := collectTiles(t, wrongBase)

	patchPath := filepath.Join(dir, "rev.mbtiles")
	if _, err := Compute(ctx, base, target, patchPath, ComputeOptions{}); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	_, err := Apply(ctx, wrongBase, patchPath, ApplyOptions{})
	if err == nil {
		t.Fatal("Apply accepted a base with the wrong aggregate hash")
	}
	if verrors.GetCode(err) != verrors.CodeBaseMismatch {
		t.Errorf("error code = %q, want %q", verrors.GetCode(err), verrors.CodeBaseMismatch)
	}

	afterTiles := collectTiles(t, wrongBase)
	if len(afterTiles) != len(beforeTiles) {
		t.Errorf("rejected apply changed the base: %d tiles, had %d", len(afterTiles), len(beforeTiles))
	}
}

func TestApply_ResultMismatchRollsBack(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantFlat, baseRecords(t))
	target := buildContainer(t, dir, "target.mbtiles", tileset.VariantFlat, targetRecords(t))
	applied := buildContainer(t, dir, "applied.mbtiles", tileset.VariantFlat, baseRecords(t))

	patchPath := filepath.Join(dir, "rev.mbtiles")
	if _, err := Compute(ctx, base, target, patchPath, ComputeOptions{}); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// Forge the promise so the post-apply check cannot hold.
	p, err := tileset.Open(ctx, patchPath)
	if err != nil {
		t.Fatalf("Open patch: %v", err)
	}
	if err := p.SetMetadataValue(ctx, tileset.MetaAggHashAfter, strings.Repeat("0", 32)); err != nil {
		t.Fatalf("SetMetadataValue: %v", err)
	}
	p.Close()

	beforeAgg, err := applied.AggTilesHash(ctx)
	if err != nil {
		t.Fatalf("AggTilesHash: %v", err)
	}

	_, err = Apply(ctx, applied, patchPath, ApplyOptions{})
	if err == nil {
		t.Fatal("Apply committed a result that contradicts the patch stamp")
	}
	if verrors.GetCode(err) != verrors.CodeResultMismatch {
		t.Errorf("error code = %q, want %q", verrors.GetCode(err), verrors.CodeResultMismatch)
	}

	afterAgg, err := applied.AggTilesHash(ctx)
	if err != nil {
		t.Fatalf("AggTilesHash: %v", err)
	}
	if afterAgg != beforeAgg {
		t.Error("failed apply left changes behind")
	}
}

func TestApply_RejectsUnstampedContainer(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantFlat, baseRecords(t))
	notAPatch := buildContainer(t, dir, "plain.mbtiles", tileset.VariantFlat, baseRecords(t))
	notAPatch.Close()

	_, err := Apply(ctx, base, filepath.Join(dir, "plain.mbtiles"), ApplyOptions{})
	if err == nil {
		t.Fatal("Apply accepted a container without patch stamps")
	}
	if verrors.GetCode(err) != verrors.CodeAggHashMissing {
		t.Errorf("error code = %q, want %q", verrors.GetCode(err), verrors.CodeAggHashMissing)
	}
}

func TestApply_VerifyPatchDetectsTamper(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantFlat, baseRecords(t))
	target := buildContainer(t, dir, "target.mbtiles", tileset.VariantFlat, targetRecords(t))
	applied := buildContainer(t, dir, "applied.mbtiles", tileset.VariantFlat, baseRecords(t))

	patchPath := filepath.Join(dir, "rev.mbtiles")
	if _, err := Compute(ctx, base, target, patchPath, ComputeOptions{}); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// Swap one patch payload without restamping.
	p, err := tileset.Open(ctx, patchPath)
	if err != nil {
		t.Fatalf("Open patch: %v", err)
	}
	err = p.InsertTiles(ctx, tileset.DuplicateOverride, []tileset.TileRecord{
		{Coord: mustCoord(t, 3, 4, 4), Data: []byte("tampered")},
	})
	if err != nil {
		t.Fatalf("InsertTiles: %v", err)
	}
	p.Close()

	_, err = Apply(ctx, applied, patchPath, ApplyOptions{VerifyPatch: true})
	if err == nil {
		t.Fatal("Apply accepted a tampered patch")
	}
	if verrors.GetCode(err) != verrors.CodeAggMismatch {
		t.Errorf("error code = %q, want %q", verrors.GetCode(err), verrors.CodeAggMismatch)
	}
}

func TestCompute_IdenticalContainers(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantFlat, baseRecords(t))
	same := buildContainer(t, dir, "same.mbtiles", tileset.VariantFlat, baseRecords(t))
	applied := buildContainer(t, dir, "applied.mbtiles", tileset.VariantFlat, baseRecords(t))

	patchPath := filepath.Join(dir, "rev.mbtiles")
	stats, err := Compute(ctx, base, same, patchPath, ComputeOptions{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if stats.Added != 0 || stats.Changed != 0 || stats.Removed != 0 {
		t.Errorf("identical containers produced a non-empty patch: %+v", stats)
	}
	if stats.AggBefore != stats.AggAfter {
		t.Errorf("identical containers got different stamps: %s != %s", stats.AggBefore, stats.AggAfter)
	}

	if _, err := Apply(ctx, applied, patchPath, ApplyOptions{VerifyPatch: true}); err != nil {
		t.Fatalf("Apply of empty patch: %v", err)
	}
	if agg, _ := applied.AggTilesHash(ctx); agg != stats.AggAfter {
		t.Errorf("applied base hashes to %s, want %s", agg, stats.AggAfter)
	}
}

func TestCompute_RefusesExistingOutput(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantFlat, baseRecords(t))
	target := buildContainer(t, dir, "target.mbtiles", tileset.VariantFlat, targetRecords(t))

	patchPath := filepath.Join(dir, "rev.mbtiles")
	if err := os.WriteFile(patchPath, []byte("occupied"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Compute(ctx, base, target, patchPath, ComputeOptions{}); err == nil {
		t.Fatal("Compute overwrote an existing file")
	}
}

func TestComputeApply_AcrossLayouts(t *testing.T) {
	dir := tempDir(t)
	ctx := context.Background()

	// Base and target live in different layouts; the patch applies onto
	// a normalized copy of the base.
	base := buildContainer(t, dir, "base.mbtiles", tileset.VariantNormalized, baseRecords(t))
	target := buildContainer(t, dir, "target.mbtiles", tileset.VariantFlat, targetRecords(t))
	applied := buildContainer(t, dir, "applied.mbtiles", tileset.VariantNormalized, baseRecords(t))

	patchPath := filepath.Join(dir, "rev.mbtiles")
	if _, err := Compute(ctx, base, target, patchPath, ComputeOptions{Type: TypeBinDiff}); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if _, err := Apply(ctx, applied, patchPath, ApplyOptions{VerifyPatch: true}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	targetAgg, _ := target.AggTilesHash(ctx)
	appliedAgg, _ := applied.AggTilesHash(ctx)
	if appliedAgg != targetAgg {
		t.Errorf("applied normalized base hashes to %s, flat target to %s", appliedAgg, targetAgg)
	}

	// Orphaned payload rows from the replaced and removed tiles must be
	// gone: every stored hash should verify against its payload.
	report, err := applied.VerifyTileHashes(ctx, 2)
	if err != nil {
		t.Fatalf("VerifyTileHashes: %v", err)
	}
	if report.Mismatched != 0 {
		t.Errorf("found %d hash mismatches after patch application", report.Mismatched)
	}
	if report.Checked == 0 {
		t.Error("hash verification checked no tiles")
	}
}

func TestParseType(t *testing.T) {
	cases := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"whole", TypeWhole, false},
		{"bin-diff", TypeBinDiff, false},
		{"BinDiff", TypeBinDiff, false},
		{"bsdiff", TypeWhole, true},
	}
	for _, tc := range cases {
		got, err := ParseType(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseType(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseType(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseType(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTypeFromMetadata(t *testing.T) {
	if got, err := typeFromMetadata(""); err != nil || got != TypeWhole {
		t.Errorf("typeFromMetadata(\"\") = %v, %v; want whole, nil", got, err)
	}
	if got, err := typeFromMetadata("bin-diff"); err != nil || got != TypeBinDiff {
		t.Errorf("typeFromMetadata(bin-diff) = %v, %v; want bin-diff, nil", got, err)
	}
	if _, err := typeFromMetadata("rsync"); err == nil {
		t.Error("typeFromMetadata accepted an unknown stamp")
	}
}
