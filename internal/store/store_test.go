package store

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
)

const testDDL = `
CREATE TABLE customer (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE sales_order (
	id INTEGER PRIMARY KEY,
	customer_id INTEGER NOT NULL REFERENCES customer(id),
	total REAL
);
`

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustExec(t *testing.T, s *SQLiteStore, query string, args ...any) {
	t.Helper()
	if _, err := s.DB().Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// provisionedStore returns a store with customer/sales_order provisioned for the "shop" scope.
func provisionedStore(t *testing.T, filters ...schema.Filter) (*SQLiteStore, *schema.SyncSet) {
	t.Helper()
	s := newTestStore(t)
	mustExec(t, s, testDDL)
	set, err := s.ReadSchema(context.Background(), schema.Setup{
		ScopeName: "shop",
		Tables:    []string{"sales_order", "customer"},
		Filters:   filters,
	})
	if err != nil {
		t.Fatalf("ReadSchema: %v", err)
	}
	if err := s.Provision(context.Background(), set, provider.ProvisionTrackingTable|provider.ProvisionTriggers); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return s, set
}

func collect(t *testing.T, seq iter.Seq2[sync.ChangeRow, error]) []sync.ChangeRow {
	t.Helper()
	var out []sync.ChangeRow
	for row, err := range seq {
		if err != nil {
			t.Fatalf("iterate changes: %v", err)
		}
		out = append(out, row)
	}
	return out
}

func TestReadSchema_DiscoversKeysAndRelations(t *testing.T) {
	// Given: two related tables
	s := newTestStore(t)
	mustExec(t, s, testDDL)

	// When: reading the schema declared child first
	set, err := s.ReadSchema(context.Background(), schema.Setup{ScopeName: "shop", Tables: []string{"sales_order", "customer"}})
	if err != nil {
		t.Fatalf("ReadSchema: %v", err)
	}

	// Then: keys, nullability and the foreign key are discovered
	order := set.Table("sales_order")
	if order == nil || len(order.Columns) != 3 || order.PrimaryKeys[0] != "id" {
		t.Fatalf("sales_order = %+v", order)
	}
	if len(set.Relations) != 1 || set.Relations[0].ParentTable != "customer" || set.Relations[0].ChildColumns[0] != "customer_id" {
		t.Errorf("Relations = %+v, want sales_order -> customer", set.Relations)
	}
	if got := set.Order(); got[0] != "customer" || got[1] != "sales_order" {
		t.Errorf("Order() = %v, want customer first", got)
	}
}

func TestReadSchema_MissingTable(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadSchema(context.Background(), schema.Setup{ScopeName: "shop", Tables: []string{"nope"}})
	if !errors.Is(err, sync.ErrSchema) {
		t.Errorf("ReadSchema(missing) error = %v, want ErrSchema", err)
	}
}

func TestProvision_TracksExistingRows(t *testing.T) {
	// Given: a table with rows written before provisioning
	s := newTestStore(t)
	mustExec(t, s, testDDL)
	mustExec(t, s, `INSERT INTO customer (id, name) VALUES (1, 'ada'), (2, 'grace')`)
	set, err := s.ReadSchema(context.Background(), schema.Setup{ScopeName: "shop", Tables: []string{"customer", "sales_order"}})
	if err != nil {
		t.Fatal(err)
	}

	// When: provisioning
	if err := s.Provision(context.Background(), set, provider.ProvisionAll); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	// Then: the existing rows are enumerated as inserts from zero
	rows := collect(t, s.ChangesSince(context.Background(), set, "customer", provider.ChangeQuery{}))
	if len(rows) != 2 {
		t.Fatalf("ChangesSince(0) = %d rows, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Operation != sync.OperationInsert {
			t.Errorf("row %v operation = %s, want insert", r.PrimaryKey, r.Operation)
		}
	}

	ok, err := s.IsProvisioned(context.Background(), set)
	if err != nil || !ok {
		t.Errorf("IsProvisioned = %v, %v; want true", ok, err)
	}

	// And: deprovisioning removes the tracking tables
	if err := s.Deprovision(context.Background(), set, provider.ProvisionAll); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if ok, _ := s.IsProvisioned(context.Background(), set); ok {
		t.Error("IsProvisioned after Deprovision = true, want false")
	}
}

func TestProvision_RejectsReservedKeyName(t *testing.T) {
	s := newTestStore(t)
	mustExec(t, s, `CREATE TABLE events (timestamp INTEGER PRIMARY KEY, body TEXT)`)
	set, err := s.ReadSchema(context.Background(), schema.Setup{ScopeName: "ev", Tables: []string{"events"}})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Provision(context.Background(), set, provider.ProvisionAll)
	if !errors.Is(err, sync.ErrProvisioning) || !errors.Is(err, ErrReservedColumn) {
		t.Errorf("Provision error = %v, want ErrProvisioning and ErrReservedColumn", err)
	}
}

func TestChangesSince_ClassifiesOperations(t *testing.T) {
	// Given: a provisioned store and a watermark captured after the first insert
	s, set := provisionedStore(t)
	ctx := context.Background()
	mustExec(t, s, `INSERT INTO customer (id, name) VALUES (1, 'ada'), (2, 'grace')`)
	since, err := s.LocalWatermark(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// When: one row is updated, one deleted and one inserted
	mustExec(t, s, `UPDATE customer SET name = 'ada lovelace' WHERE id = 1`)
	mustExec(t, s, `DELETE FROM customer WHERE id = 2`)
	mustExec(t, s, `INSERT INTO customer (id, name) VALUES (3, 'linus')`)

	// Then: live rows come back as update and insert, the deletion as a tombstone
	live := collect(t, s.ChangesSince(ctx, set, "customer", provider.ChangeQuery{Since: since}))
	if len(live) != 2 {
		t.Fatalf("live changes = %+v, want 2", live)
	}
	if live[0].Operation != sync.OperationUpdate || live[0].Values["name"] != "ada lovelace" {
		t.Errorf("live[0] = %+v, want update of ada", live[0])
	}
	if live[1].Operation != sync.OperationInsert || live[1].PrimaryKey[0] != int64(3) {
		t.Errorf("live[1] = %+v, want insert of 3", live[1])
	}

	dead := collect(t, s.ChangesSince(ctx, set, "customer", provider.ChangeQuery{Since: since, Tombstones: true}))
	if len(dead) != 1 || dead[0].Operation != sync.OperationDelete || dead[0].PrimaryKey[0] != int64(2) {
		t.Fatalf("tombstones = %+v, want delete of 2", dead)
	}
	if _, ok := dead[0].Values["name"]; ok {
		t.Error("tombstone carries non-key values, want key only")
	}

	// And: the clock moved past every write
	now, _ := s.LocalWatermark(ctx)
	for _, r := range append(live, dead...) {
		if r.Timestamp <= since || r.Timestamp > now {
			t.Errorf("row %v timestamp %d outside (%d, %d]", r.PrimaryKey, r.Timestamp, since, now)
		}
	}
}

func TestChangesSince_NotProvisioned(t *testing.T) {
	// Given: a schema read from tables that were never provisioned
	s := newTestStore(t)
	mustExec(t, s, testDDL)
	set, err := s.ReadSchema(context.Background(), schema.Setup{ScopeName: "shop", Tables: []string{"customer"}})
	if err != nil {
		t.Fatal(err)
	}

	// When: enumerating changes
	var got error
	for _, err := range s.ChangesSince(context.Background(), set, "customer", provider.ChangeQuery{}) {
		got = err
		break
	}

	// Then: the missing tracking table is reported
	if !errors.Is(got, ErrNotProvisioned) {
		t.Errorf("err = %v, want ErrNotProvisioned", got)
	}
}

func TestChangesSince_ExcludesTaggedScope(t *testing.T) {
	// Given: two rows, one tagged as written by peer "P"
	s, set := provisionedStore(t)
	ctx := context.Background()
	mustExec(t, s, `INSERT INTO customer (id, name) VALUES (1, 'ada'), (2, 'grace')`)

	tx, err := s.BeginApply(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.TagRow(ctx, set.Table("customer"), []any{int64(1)}, "P"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// When: enumerating for peer P
	rows := collect(t, s.ChangesSince(ctx, set, "customer", provider.ChangeQuery{ExcludeScopeID: "P"}))

	// Then: P's own row is not echoed back
	if len(rows) != 1 || rows[0].PrimaryKey[0] != int64(2) {
		t.Errorf("ChangesSince(exclude P) = %+v, want only row 2", rows)
	}

	// And: another peer still sees both, with the source tag
	rows = collect(t, s.ChangesSince(ctx, set, "customer", provider.ChangeQuery{ExcludeScopeID: "Q"}))
	if len(rows) != 2 || rows[0].SourceScopeID != "P" {
		t.Errorf("ChangesSince(exclude Q) = %+v, want both rows, first tagged P", rows)
	}
}

func TestChangesSince_FilterThroughJoin(t *testing.T) {
	// Given: orders filtered by customer name through a join
	filter := schema.Filter{
		Table:      "sales_order",
		Parameters: []string{"customer_name"},
		Joins: []schema.FilterJoin{{
			Type: schema.JoinInner, Table: "customer",
			LeftTable: "customer", LeftColumn: "id",
			RightTable: "sales_order", RightColumn: "customer_id",
		}},
		Wheres: []schema.FilterWhere{{Table: "customer", Column: "name", Parameter: "customer_name"}},
	}
	s, set := provisionedStore(t, filter)
	ctx := context.Background()
	mustExec(t, s, `INSERT INTO customer (id, name) VALUES (1, 'ada'), (2, 'grace')`)
	mustExec(t, s, `INSERT INTO sales_order (id, customer_id, total) VALUES (10, 1, 9.5), (11, 2, 3), (12, 1, 1)`)

	// When: enumerating with the parameter bound
	rows := collect(t, s.ChangesSince(ctx, set, "sales_order", provider.ChangeQuery{
		Parameters: map[string]any{"customer_name": "ada"},
	}))

	// Then: only ada's orders are selected
	if len(rows) != 2 || rows[0].PrimaryKey[0] != int64(10) || rows[1].PrimaryKey[0] != int64(12) {
		t.Errorf("filtered changes = %+v, want orders 10 and 12", rows)
	}

	// And: an unbound parameter does not restrict
	rows = collect(t, s.ChangesSince(ctx, set, "sales_order", provider.ChangeQuery{}))
	if len(rows) != 3 {
		t.Errorf("unfiltered changes = %d rows, want 3", len(rows))
	}

	// And: tombstones ignore the filter
	mustExec(t, s, `DELETE FROM sales_order WHERE id = 11`)
	dead := collect(t, s.ChangesSince(ctx, set, "sales_order", provider.ChangeQuery{
		Tombstones: true, Parameters: map[string]any{"customer_name": "ada"},
	}))
	if len(dead) != 1 || dead[0].PrimaryKey[0] != int64(11) {
		t.Errorf("tombstones = %+v, want order 11", dead)
	}
}

func TestApplyTx_GuardedWrites(t *testing.T) {
	// Given: a row written locally after watermark base
	s, set := provisionedStore(t)
	ctx := context.Background()
	customer := set.Table("customer")
	base, _ := s.LocalWatermark(ctx)
	mustExec(t, s, `INSERT INTO customer (id, name) VALUES (1, 'local')`)

	tx, err := s.BeginApply(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	// When: a peer updates it against the older base
	g := provider.Guard{Base: base, SenderScopeID: "P"}
	ok, err := tx.GuardedUpdate(ctx, customer, map[string]any{"id": int64(1), "name": "remote"}, g)
	if err != nil {
		t.Fatal(err)
	}

	// Then: the guard refuses
	if ok {
		t.Fatal("GuardedUpdate on a newer local row = true, want false")
	}
	info, err := tx.TrackingInfo(ctx, customer, []any{int64(1)})
	if err != nil {
		t.Fatal(err)
	}
	if !info.NewerThan(g) {
		t.Errorf("TrackingInfo = %+v, want newer than %+v", info, g)
	}

	// When: the row was last written by the same peer
	if err := tx.TagRow(ctx, customer, []any{int64(1)}, "P"); err != nil {
		t.Fatal(err)
	}
	ok, err = tx.GuardedUpdate(ctx, customer, map[string]any{"id": int64(1), "name": "remote"}, g)
	if err != nil {
		t.Fatal(err)
	}

	// Then: the update goes through
	if !ok {
		t.Fatal("GuardedUpdate on the sender's own row = false, want true")
	}
	row, err := tx.GetRow(ctx, customer, []any{int64(1)})
	if err != nil || row["name"] != "remote" {
		t.Errorf("GetRow = %v, %v; want name remote", row, err)
	}

	// And: the trigger cleared the tag
	info, _ = tx.TrackingInfo(ctx, customer, []any{int64(1)})
	if info.ScopeID != "" {
		t.Errorf("ScopeID after local trigger = %q, want empty", info.ScopeID)
	}

	// When: deleting under a guard that covers the latest write
	ok, err = tx.GuardedDelete(ctx, customer, []any{int64(1)}, provider.Guard{Base: info.Timestamp, SenderScopeID: "P"})
	if err != nil || !ok {
		t.Fatalf("GuardedDelete = %v, %v; want true", ok, err)
	}
	info, _ = tx.TrackingInfo(ctx, customer, []any{int64(1)})
	if !info.Tombstone {
		t.Error("tracking row is not a tombstone after delete")
	}
	if row, _ := tx.GetRow(ctx, customer, []any{int64(1)}); row != nil {
		t.Errorf("GetRow after delete = %v, want nil", row)
	}
}

func TestApplyTx_UpsertDecodesBatchValues(t *testing.T) {
	s, set := provisionedStore(t)
	ctx := context.Background()

	tx, err := s.BeginApply(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Upsert(ctx, set.Table("customer"), map[string]any{"id": int64(7), "name": "x"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Upsert(ctx, set.Table("customer"), map[string]any{"id": int64(7), "name": "y"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Upsert(ctx, set.Table("customer"), map[string]any{"name": "no key"}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("Upsert without key error = %v, want ErrMissingKey", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var name string
	if err := s.DB().QueryRow(`SELECT name FROM customer WHERE id = 7`).Scan(&name); err != nil || name != "y" {
		t.Errorf("name = %q, %v; want y", name, err)
	}
}

func TestResetTables_LeavesNoTombstones(t *testing.T) {
	s, set := provisionedStore(t)
	ctx := context.Background()
	mustExec(t, s, `INSERT INTO customer (id, name) VALUES (1, 'ada')`)
	mustExec(t, s, `INSERT INTO sales_order (id, customer_id) VALUES (10, 1)`)

	if err := s.ResetTables(ctx, set); err != nil {
		t.Fatalf("ResetTables: %v", err)
	}

	for _, name := range set.TableNames() {
		if rows := collect(t, s.ChangesSince(ctx, set, name, provider.ChangeQuery{Tombstones: true})); len(rows) != 0 {
			t.Errorf("%s tombstones after reset = %d, want 0", name, len(rows))
		}
	}
	var n int
	s.DB().QueryRow(`SELECT COUNT(*) FROM customer`).Scan(&n)
	if n != 0 {
		t.Errorf("customer rows after reset = %d, want 0", n)
	}
}

func TestResetTables_RewindsScope(t *testing.T) {
	// Given: a scope that has completed runs
	s, set := provisionedStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	written, err := s.WriteScope(ctx, &sync.ScopeInfo{
		Name:                    "shop",
		RemoteScopeID:           "server",
		LastSyncTimestamp:       7,
		LastServerSyncTimestamp: 9,
		LastSync:                &now,
	})
	if err != nil {
		t.Fatal(err)
	}

	// When: its tables are reset
	if err := s.ResetTables(ctx, set); err != nil {
		t.Fatalf("ResetTables: %v", err)
	}

	// Then: the scope reads as new but keeps its identity
	got, err := s.ReadScope(ctx, "shop")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsNewScope() || got.LastSyncTimestamp != 0 || got.LastServerSyncTimestamp != 0 {
		t.Errorf("scope after reset = %+v, want rewound", got)
	}
	if got.ID != written.ID || got.RemoteScopeID != "server" {
		t.Errorf("scope identity changed: %+v", got)
	}
}

func TestCleanTombstones_OnlyUpToWatermark(t *testing.T) {
	s, set := provisionedStore(t)
	ctx := context.Background()
	mustExec(t, s, `INSERT INTO customer (id, name) VALUES (1, 'a'), (2, 'b')`)
	mustExec(t, s, `DELETE FROM customer WHERE id = 1`)
	mark, _ := s.LocalWatermark(ctx)
	mustExec(t, s, `DELETE FROM customer WHERE id = 2`)

	n, err := s.CleanTombstones(ctx, set, mark)
	if err != nil {
		t.Fatalf("CleanTombstones: %v", err)
	}
	if n != 1 {
		t.Errorf("CleanTombstones removed %d, want 1", n)
	}
	dead := collect(t, s.ChangesSince(ctx, set, "customer", provider.ChangeQuery{Tombstones: true}))
	if len(dead) != 1 || dead[0].PrimaryKey[0] != int64(2) {
		t.Errorf("remaining tombstones = %+v, want only 2", dead)
	}
}

func TestScope_ReadWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: no scope yet
	if _, err := s.ReadScope(ctx, "shop"); !errors.Is(err, sync.ErrScopeNotFound) {
		t.Fatalf("ReadScope(missing) error = %v, want ErrScopeNotFound", err)
	}

	// When: writing a new scope
	written, err := s.WriteScope(ctx, &sync.ScopeInfo{Name: "shop", Schema: "{}"})
	if err != nil {
		t.Fatalf("WriteScope: %v", err)
	}
	if written.ID == "" {
		t.Fatal("WriteScope did not assign an id")
	}

	// And: upserting it with watermarks
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	written.LastSyncTimestamp = 42
	written.LastServerSyncTimestamp = 17
	written.RemoteScopeID = "server"
	written.LastSync = &at
	written.LastSyncDuration = 1500 * time.Millisecond
	if _, err := s.WriteScope(ctx, written); err != nil {
		t.Fatalf("WriteScope(update): %v", err)
	}

	// Then: it reads back whole
	got, err := s.ReadScope(ctx, "shop")
	if err != nil {
		t.Fatalf("ReadScope: %v", err)
	}
	if got.ID != written.ID || got.LastSyncTimestamp != 42 || got.LastServerSyncTimestamp != 17 ||
		got.RemoteScopeID != "server" || got.LastSyncDuration != 1500*time.Millisecond ||
		got.LastSync == nil || !got.LastSync.Equal(at) || got.IsNewScope() {
		t.Errorf("ReadScope = %+v, want %+v", got, written)
	}

	// When: deleting it
	if err := s.DeleteScope(ctx, "shop"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadScope(ctx, "shop"); !errors.Is(err, sync.ErrScopeNotFound) {
		t.Errorf("ReadScope after delete error = %v, want ErrScopeNotFound", err)
	}
}

func TestScopeHistory_MinPeerWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.MinPeerWatermark(ctx, "shop"); err != nil || ok {
		t.Fatalf("MinPeerWatermark(no peers) = ok %v, err %v; want false, nil", ok, err)
	}

	now := time.Now().UTC()
	for id, wm := range map[string]int64{"A": 30, "B": 12} {
		if err := s.WriteHistory(ctx, sync.ScopeHistory{ScopeID: id, ScopeName: "shop", LastSyncTimestamp: wm, LastSync: &now}); err != nil {
			t.Fatal(err)
		}
	}
	// B catches up
	if err := s.WriteHistory(ctx, sync.ScopeHistory{ScopeID: "B", ScopeName: "shop", LastSyncTimestamp: 50, LastSync: &now}); err != nil {
		t.Fatal(err)
	}

	wm, ok, err := s.MinPeerWatermark(ctx, "shop")
	if err != nil || !ok || wm != 30 {
		t.Errorf("MinPeerWatermark = %d, %v, %v; want 30, true, nil", wm, ok, err)
	}
	hist, err := s.ReadHistory(ctx, "shop")
	if err != nil || len(hist) != 2 {
		t.Errorf("ReadHistory = %d entries, %v; want 2", len(hist), err)
	}
}
