package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/hyperengineering/rowsync/internal/validation"
)

// Tracking table columns besides the primary key.
var trackingColumns = []string{
	"update_scope_id",
	"timestamp",
	"created_timestamp",
	"sync_row_is_tombstone",
	"last_change_datetime",
}

const nowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

const clockExpr = `(SELECT value FROM sync_clock WHERE id = 1)`

const bumpClockSQL = `UPDATE sync_clock SET value = value + 1 WHERE id = 1;`

func quote(name string) string {
	return `"` + name + `"`
}

func trackingTable(t *schema.Table) string {
	return t.Name + "_tracking"
}

func triggerName(t *schema.Table, op string) string {
	return t.Name + "_" + op + "_trigger"
}

// ReadSchema introspects the tables named in setup and returns a prepared SyncSet.
// Foreign keys to tables outside the setup are ignored.
func (s *SQLiteStore) ReadSchema(ctx context.Context, setup schema.Setup) (*schema.SyncSet, error) {
	set := &schema.SyncSet{ScopeName: setup.ScopeName, Filters: setup.Filters}
	inSetup := make(map[string]bool, len(setup.Tables))
	for _, name := range setup.Tables {
		inSetup[name] = true
	}

	for _, name := range setup.Tables {
		t, err := s.readTable(ctx, name)
		if err != nil {
			return nil, err
		}
		set.Tables = append(set.Tables, *t)
	}

	for _, name := range setup.Tables {
		rels, err := s.readRelations(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			if inSetup[r.ParentTable] {
				set.Relations = append(set.Relations, r)
			}
		}
	}

	if err := set.Prepare(); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *SQLiteStore) readTable(ctx context.Context, name string) (*schema.Table, error) {
	if v := validation.ValidateIdentifier("table", name); v != nil {
		return nil, fmt.Errorf("%w: %v", sync.ErrSchema, v)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quote(name)))
	if err != nil {
		return nil, fmt.Errorf("read table %s: %w", name, err)
	}
	defer rows.Close()

	t := &schema.Table{Name: name}
	type keyCol struct {
		name string
		pos  int
	}
	var keys []keyCol
	for rows.Next() {
		var (
			cid     int
			col     schema.Column
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table %s: %w", name, err)
		}
		col.Nullable = notNull == 0 && pk == 0
		t.Columns = append(t.Columns, col)
		if pk > 0 {
			keys = append(keys, keyCol{col.Name, pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read table %s: %w", name, err)
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("%w: table %q does not exist", sync.ErrSchema, name)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].pos < keys[j].pos })
	for _, k := range keys {
		t.PrimaryKeys = append(t.PrimaryKeys, k.name)
	}
	return t, nil
}

func (s *SQLiteStore) readRelations(ctx context.Context, child string) ([]schema.Relation, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, quote(child)))
	if err != nil {
		return nil, fmt.Errorf("read foreign keys of %s: %w", child, err)
	}
	defer rows.Close()

	byID := make(map[int]*schema.Relation)
	var ids []int
	for rows.Next() {
		var (
			id, seq                        int
			parent, from                   string
			to                             sql.NullString
			onUpdate, onDelete, matchQuery string
		)
		if err := rows.Scan(&id, &seq, &parent, &from, &to, &onUpdate, &onDelete, &matchQuery); err != nil {
			return nil, fmt.Errorf("scan foreign keys of %s: %w", child, err)
		}
		r, ok := byID[id]
		if !ok {
			r = &schema.Relation{
				Name:        fmt.Sprintf("fk_%s_%s_%d", child, parent, id),
				ChildTable:  child,
				ParentTable: parent,
			}
			byID[id] = r
			ids = append(ids, id)
		}
		r.ChildColumns = append(r.ChildColumns, from)
		r.ParentColumns = append(r.ParentColumns, to.String)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Ints(ids)
	out := make([]schema.Relation, 0, len(ids))
	for _, id := range ids {
		r := byID[id]
		// A foreign key without explicit columns references the parent's primary key.
		if r.ParentColumns[0] == "" {
			parent, err := s.readTable(ctx, r.ParentTable)
			if err != nil {
				return nil, err
			}
			r.ParentColumns = append([]string(nil), parent.PrimaryKeys...)
		}
		out = append(out, *r)
	}
	return out, nil
}

// Provision creates the selected artifacts for every table of set in one transaction.
// Existing rows get tracking entries so a first download picks them up.
func (s *SQLiteStore) Provision(ctx context.Context, set *schema.SyncSet, flags provider.ProvisionFlags) error {
	for _, name := range set.Order() {
		for _, k := range set.Table(name).PrimaryKeys {
			for _, reserved := range trackingColumns {
				if k == reserved {
					return fmt.Errorf("%w: %w: %s.%s", sync.ErrProvisioning, ErrReservedColumn, name, k)
				}
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", sync.ErrProvisioning, err)
	}
	defer tx.Rollback()

	for _, name := range set.Order() {
		t := set.Table(name)
		var stmts []string
		if flags.Has(provider.ProvisionTable) {
			stmts = append(stmts, createTableSQL(set, t))
		}
		if flags.Has(provider.ProvisionTrackingTable) {
			stmts = append(stmts, createTrackingSQL(t)...)
		}
		if flags.Has(provider.ProvisionTriggers) {
			stmts = append(stmts, createTriggersSQL(t)...)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: provision %s: %v", sync.ErrProvisioning, name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", sync.ErrProvisioning, err)
	}

	slog.Info("scope provisioned",
		"component", "store",
		"action", "provision",
		"scope", set.ScopeName,
		"tables", len(set.Tables),
	)
	return nil
}

// Deprovision drops triggers and tracking tables. Base tables are kept.
func (s *SQLiteStore) Deprovision(ctx context.Context, set *schema.SyncSet, flags provider.ProvisionFlags) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", sync.ErrProvisioning, err)
	}
	defer tx.Rollback()

	for _, name := range set.ReverseOrder() {
		t := set.Table(name)
		var stmts []string
		if flags.Has(provider.ProvisionTriggers) {
			for _, op := range []string{"insert", "update", "delete"} {
				stmts = append(stmts, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, quote(triggerName(t, op))))
			}
		}
		if flags.Has(provider.ProvisionTrackingTable) {
			stmts = append(stmts, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quote(trackingTable(t))))
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%w: deprovision %s: %v", sync.ErrProvisioning, name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", sync.ErrProvisioning, err)
	}

	slog.Info("scope deprovisioned",
		"component", "store",
		"action", "deprovision",
		"scope", set.ScopeName,
	)
	return nil
}

// IsProvisioned reports whether every table of set has its tracking table.
func (s *SQLiteStore) IsProvisioned(ctx context.Context, set *schema.SyncSet) (bool, error) {
	for _, t := range set.Tables {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
			trackingTable(&t)).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("check tracking table: %w", err)
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

func createTableSQL(set *schema.SyncSet, t *schema.Table) string {
	var defs []string
	for _, c := range t.Columns {
		def := quote(c.Name)
		if c.Type != "" {
			def += " " + c.Type
		}
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteList(t.PrimaryKeys)))
	for _, r := range set.Relations {
		if r.ChildTable != t.Name {
			continue
		}
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteList(r.ChildColumns), quote(r.ParentTable), quoteList(r.ParentColumns)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(t.Name), strings.Join(defs, ",\n\t"))
}

func createTrackingSQL(t *schema.Table) []string {
	var defs []string
	for _, k := range t.PrimaryKeys {
		def := quote(k)
		for _, c := range t.Columns {
			if c.Name == k && c.Type != "" {
				def += " " + c.Type
			}
		}
		defs = append(defs, def+" NOT NULL")
	}
	defs = append(defs,
		"update_scope_id TEXT",
		"timestamp INTEGER NOT NULL",
		"created_timestamp INTEGER NOT NULL",
		"sync_row_is_tombstone INTEGER NOT NULL DEFAULT 0",
		"last_change_datetime TEXT NOT NULL",
		fmt.Sprintf("PRIMARY KEY (%s)", quoteList(t.PrimaryKeys)),
	)

	tracking := quote(trackingTable(t))
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", tracking, strings.Join(defs, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (timestamp)", quote(trackingTable(t)+"_timestamp"), tracking),
		bumpClockSQL,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s, update_scope_id, timestamp, created_timestamp, sync_row_is_tombstone, last_change_datetime)
SELECT %s, NULL, %s, %s, 0, %s FROM %s`,
			tracking, quoteList(t.PrimaryKeys),
			qualifiedList("src", t.PrimaryKeys), clockExpr, clockExpr, nowExpr, quote(t.Name)+" AS src"),
	}
}

func createTriggersSQL(t *schema.Table) []string {
	tracking := quote(trackingTable(t))
	keys := quoteList(t.PrimaryKeys)
	conflict := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET", keys)

	insert := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s FOR EACH ROW
BEGIN
	%s
	INSERT INTO %s (%s, update_scope_id, timestamp, created_timestamp, sync_row_is_tombstone, last_change_datetime)
	VALUES (%s, NULL, %s, %s, 0, %s)
	%s update_scope_id = NULL, timestamp = excluded.timestamp, created_timestamp = excluded.created_timestamp,
		sync_row_is_tombstone = 0, last_change_datetime = excluded.last_change_datetime;
END`,
		quote(triggerName(t, "insert")), quote(t.Name), bumpClockSQL,
		tracking, keys, qualifiedList("new", t.PrimaryKeys), clockExpr, clockExpr, nowExpr, conflict)

	update := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s FOR EACH ROW
BEGIN
	%s
	INSERT INTO %s (%s, update_scope_id, timestamp, created_timestamp, sync_row_is_tombstone, last_change_datetime)
	VALUES (%s, NULL, %s, %s, 0, %s)
	%s update_scope_id = NULL, timestamp = excluded.timestamp,
		sync_row_is_tombstone = 0, last_change_datetime = excluded.last_change_datetime;
END`,
		quote(triggerName(t, "update")), quote(t.Name), bumpClockSQL,
		tracking, keys, qualifiedList("new", t.PrimaryKeys), clockExpr, clockExpr, nowExpr, conflict)

	del := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s FOR EACH ROW
BEGIN
	%s
	INSERT INTO %s (%s, update_scope_id, timestamp, created_timestamp, sync_row_is_tombstone, last_change_datetime)
	VALUES (%s, NULL, %s, %s, 1, %s)
	%s update_scope_id = NULL, timestamp = excluded.timestamp,
		sync_row_is_tombstone = 1, last_change_datetime = excluded.last_change_datetime;
END`,
		quote(triggerName(t, "delete")), quote(t.Name), bumpClockSQL,
		tracking, keys, qualifiedList("old", t.PrimaryKeys), clockExpr, clockExpr, nowExpr, conflict)

	return []string{insert, update, del}
}

func quoteList(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quote(n)
	}
	return strings.Join(q, ", ")
}

func qualifiedList(alias string, names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = alias + "." + quote(n)
	}
	return strings.Join(q, ", ")
}
