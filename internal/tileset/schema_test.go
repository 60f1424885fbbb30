package tileset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	verrors "github.com/tilevault/tilevault/internal/errors"
)

func TestParseVariant(t *testing.T) {
	cases := []struct {
		in   string
		want Variant
		ok   bool
	}{
		{"flat", VariantFlat, true},
		{"FLAT", VariantFlat, true},
		{" flat-with-hash ", VariantFlatWithHash, true},
		{"normalized", VariantNormalizedHashView, true},
		{"pyramid", VariantUnknown, false},
		{"", VariantUnknown, false},
	}
	for _, tc := range cases {
		got, err := ParseVariant(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseVariant(%q) = %s, %v; want %s", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParseVariant(%q) should fail", tc.in)
		}
	}
}

func TestVariant_Predicates(t *testing.T) {
	if VariantFlat.HasHash() || VariantFlat.IsNormalized() {
		t.Error("flat should carry no hash and no content table")
	}
	if !VariantFlatWithHash.HasHash() || VariantFlatWithHash.IsNormalized() {
		t.Error("flat-with-hash should carry a hash but no content table")
	}
	if !VariantNormalized.HasHash() || !VariantNormalized.IsNormalized() {
		t.Error("normalized should carry both")
	}
	if !VariantNormalizedHashView.HasHash() || !VariantNormalizedHashView.IsNormalized() {
		t.Error("normalized(hash-view) should carry both")
	}
}

func TestDetectSchema_NoTileTable(t *testing.T) {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "tilevault-detect-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	// A database with only a metadata table has no tile layout.
	db, err := openDB(filepath.Join(dir, "empty.mbtiles"), "rwc")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, createMetadataTable); err != nil {
		t.Fatalf("failed to create metadata table: %v", err)
	}

	_, err = detectSchema(ctx, db, "main")
	if !errors.Is(err, verrors.NewSchemaError(verrors.CodeNoTileTable, "")) {
		t.Errorf("expected NO_TILE_TABLE, got %v", err)
	}
}

func TestDetectSchema_Mixed(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, VariantFlat)

	// Grafting a normalized layout next to the flat table makes the
	// container ambiguous.
	if _, err := c.db.ExecContext(ctx, createMapTable); err != nil {
		t.Fatalf("failed to create map table: %v", err)
	}
	if _, err := c.db.ExecContext(ctx, createImagesTable); err != nil {
		t.Fatalf("failed to create images table: %v", err)
	}

	_, err := detectSchema(ctx, c.db, "main")
	if !errors.Is(err, verrors.NewSchemaError(verrors.CodeMixedSchema, "")) {
		t.Errorf("expected MIXED_SCHEMA, got %v", err)
	}
}

func TestDetectSchema_AttachedAlias(t *testing.T) {
	ctx := context.Background()
	a := newTestContainer(t, VariantFlat)
	b := newTestContainer(t, VariantNormalizedHashView)

	if err := a.AttachAs(ctx, b.Path(), "peer"); err != nil {
		t.Fatalf("failed to attach: %v", err)
	}
	got, err := detectSchema(ctx, a.db, "peer")
	if err != nil {
		t.Fatalf("failed to detect attached schema: %v", err)
	}
	if got != VariantNormalizedHashView {
		t.Errorf("expected normalized(hash-view) via alias, got %s", got)
	}
}

func TestApplicationIDStamped(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t, VariantFlat)

	var appID int64
	if err := c.db.QueryRowContext(ctx, `PRAGMA application_id`).Scan(&appID); err != nil {
		t.Fatalf("failed to read application_id: %v", err)
	}
	if appID != 0x4d504258 {
		t.Errorf("expected MBTiles application id, got %#x", appID)
	}
}
