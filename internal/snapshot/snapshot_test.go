package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/store"
	"github.com/hyperengineering/rowsync/internal/sync"
)

func seededStore(t *testing.T, rows int) (*store.SQLiteStore, *schema.SyncSet) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	db := s.DB()
	if _, err := db.Exec(`CREATE TABLE item (id INTEGER PRIMARY KEY, region TEXT NOT NULL, label TEXT)`); err != nil {
		t.Fatal(err)
	}
	set, err := s.ReadSchema(context.Background(), schema.Setup{
		ScopeName: "catalog",
		Tables:    []string{"item"},
		Filters: []schema.Filter{{
			Table:      "item",
			Parameters: []string{"region"},
			Wheres:     []schema.FilterWhere{{Table: "item", Column: "region", Parameter: "region"}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Provision(context.Background(), set, provider.ProvisionTrackingTable|provider.ProvisionTriggers); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= rows; i++ {
		region := "north"
		if i%2 == 0 {
			region = "south"
		}
		if _, err := db.Exec(`INSERT INTO item (id, region, label) VALUES (?, ?, ?)`, i, region, "item"); err != nil {
			t.Fatal(err)
		}
	}
	return s, set
}

type recordingUploader struct {
	keys []string
}

func (u *recordingUploader) Upload(_ context.Context, key, filePath, _ string) error {
	if _, err := os.Stat(filePath); err != nil {
		return err
	}
	u.keys = append(u.keys, key)
	return nil
}

func (u *recordingUploader) PresignedURL(_ context.Context, key string) (string, time.Time, error) {
	return "https://s3.example.com/" + key, time.Now().Add(time.Minute), nil
}

func TestCreate_ExtractsEveryRowInParts(t *testing.T) {
	// Given: 500 rows on the source
	src, set := seededStore(t, 500)
	b := New(t.TempDir(), batch.Config{MaxRows: 100}, nil)

	// When: creating an unfiltered snapshot
	m, err := b.Create(context.Background(), src, set, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Then: 5 parts of 100 rows at the current watermark
	wm, _ := src.CurrentWatermark(context.Background())
	if m.Watermark() != wm {
		t.Errorf("watermark = %d, want %d", m.Watermark(), wm)
	}
	if len(m.Batch.Parts) != 5 || m.Batch.RowCount() != 500 || !m.Batch.Sealed() {
		t.Errorf("batch = %d parts / %d rows / sealed %v", len(m.Batch.Parts), m.Batch.RowCount(), m.Batch.Sealed())
	}

	// And: Load returns the same manifest and its parts are readable
	loaded, err := b.Load(context.Background(), "catalog", nil)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Batch.ID != m.Batch.ID || loaded.ParamsKey != DefaultParamsKey {
		t.Errorf("loaded = %+v", loaded)
	}
	n := 0
	for row, err := range b.Manager("catalog", nil).Rows(context.Background(), &loaded.Batch) {
		if err != nil {
			t.Fatal(err)
		}
		if row.Operation == sync.OperationDelete {
			t.Errorf("snapshot carries a tombstone for %v", row.PrimaryKey)
		}
		n++
	}
	if n != 500 {
		t.Errorf("read %d rows, want 500", n)
	}
}

func TestCreate_FilteredByParameters(t *testing.T) {
	src, set := seededStore(t, 10)
	b := New(t.TempDir(), batch.Config{}, nil)
	params := map[string]any{"region": "south"}

	m, err := b.Create(context.Background(), src, set, params)
	if err != nil {
		t.Fatal(err)
	}
	if m.Batch.RowCount() != 5 {
		t.Errorf("rows = %d, want 5", m.Batch.RowCount())
	}

	// Each parameter set has its own snapshot
	if _, err := b.Load(context.Background(), "catalog", map[string]any{"region": "north"}); !errors.Is(err, sync.ErrSnapshotNotFound) {
		t.Errorf("Load(north) error = %v, want ErrSnapshotNotFound", err)
	}
	if _, err := b.Load(context.Background(), "catalog", params); err != nil {
		t.Errorf("Load(south) error = %v", err)
	}
}

func TestCreate_KeepsOnlyPreviousGeneration(t *testing.T) {
	src, set := seededStore(t, 3)
	root := t.TempDir()
	b := New(root, batch.Config{}, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := b.Create(context.Background(), src, set, nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.Batch.ID)
	}

	dir := filepath.Join(root, "catalog", DefaultParamsKey)
	for i, id := range ids {
		_, err := os.Stat(filepath.Join(dir, id))
		if exists := err == nil; exists != (i > 0) {
			t.Errorf("generation %d exists = %v", i, exists)
		}
	}
}

func TestCreate_UploadsPartsAndManifest(t *testing.T) {
	src, set := seededStore(t, 5)
	up := &recordingUploader{}
	b := New(t.TempDir(), batch.Config{MaxRows: 2}, up)

	m, err := b.Create(context.Background(), src, set, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Then: three parts plus the manifest, manifest last
	if len(up.keys) != 4 || up.keys[3] != "catalog/default/manifest.json" {
		t.Fatalf("uploaded = %v", up.keys)
	}
	urls, err := b.PartURLs(context.Background(), m)
	if err != nil || len(urls) != 3 || !strings.HasPrefix(urls[0], "https://s3.example.com/catalog/default/") {
		t.Errorf("PartURLs = %v, %v", urls, err)
	}
}

func TestPartURLs_NotConfigured(t *testing.T) {
	b := New(t.TempDir(), batch.Config{}, nil)
	_, err := b.PartURLs(context.Background(), &Manifest{Batch: batch.Info{Parts: []batch.Part{{Path: "x"}}}})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}

func TestParamsKey(t *testing.T) {
	if ParamsKey(nil) != DefaultParamsKey {
		t.Error("empty params should map to the default key")
	}
	a := ParamsKey(map[string]any{"a": 1, "b": "x"})
	b := ParamsKey(map[string]any{"b": "x", "a": 1})
	if a != b || len(a) != 16 {
		t.Errorf("keys = %q / %q, want equal 16-char keys", a, b)
	}
	if a == ParamsKey(map[string]any{"a": 2, "b": "x"}) {
		t.Error("different params share a key")
	}
}

func TestOldestWatermark_CoversEveryParameterSet(t *testing.T) {
	// Given: no snapshots yet
	src, set := seededStore(t, 4)
	b := New(t.TempDir(), batch.Config{}, nil)
	ctx := context.Background()
	if _, ok, err := b.OldestWatermark(ctx, "catalog"); err != nil || ok {
		t.Fatalf("OldestWatermark on empty root = %v, %v; want none", ok, err)
	}

	// When: a filtered snapshot is taken before an unfiltered one
	north, err := b.Create(ctx, src, set, map[string]any{"region": "north"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.DB().Exec(`UPDATE item SET label = 'moved' WHERE id = 1`); err != nil {
		t.Fatal(err)
	}
	all, err := b.Create(ctx, src, set, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Then: the older filtered snapshot bounds the result
	wm, ok, err := b.OldestWatermark(ctx, "catalog")
	if err != nil || !ok {
		t.Fatalf("OldestWatermark = %v, %v", ok, err)
	}
	if wm != north.Watermark() || wm >= all.Watermark() {
		t.Errorf("oldest = %d, want %d (unfiltered at %d)", wm, north.Watermark(), all.Watermark())
	}
}
