package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// ChangesSince streams the rows of table changed after q.Since, in key order.
// Live rows honour the table's filter; tombstones are always eligible since
// the joins of a filter cannot be evaluated for a row that no longer exists.
func (s *SQLiteStore) ChangesSince(ctx context.Context, set *schema.SyncSet, table string, q provider.ChangeQuery) iter.Seq2[sync.ChangeRow, error] {
	return func(yield func(sync.ChangeRow, error) bool) {
		t := set.Table(table)
		if t == nil {
			yield(sync.ChangeRow{}, fmt.Errorf("%w: %s", ErrUnknownTable, table))
			return
		}

		var (
			query string
			args  []any
			cols  []string
		)
		if q.Tombstones {
			query, args = tombstoneQuery(t, q)
			cols = t.PrimaryKeys
		} else {
			query, args = liveQuery(t, set.Filter(table), q)
			cols = t.ColumnNames()
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			if strings.Contains(err.Error(), "no such table") {
				err = fmt.Errorf("%w: %v", ErrNotProvisioned, err)
			}
			yield(sync.ChangeRow{}, fmt.Errorf("query changes of %s: %w", table, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			values := make([]any, len(cols))
			var (
				ts, created int64
				scopeID     sql.NullString
			)
			dest := make([]any, 0, len(cols)+3)
			for i := range values {
				dest = append(dest, &values[i])
			}
			dest = append(dest, &ts, &created, &scopeID)
			if err := rows.Scan(dest...); err != nil {
				yield(sync.ChangeRow{}, fmt.Errorf("scan changes of %s: %w", table, err))
				return
			}

			row := sync.ChangeRow{
				Table:         table,
				Values:        make(map[string]any, len(cols)),
				Timestamp:     ts,
				SourceScopeID: scopeID.String,
			}
			for i, c := range cols {
				row.Values[c] = readValue(values[i])
			}
			row.PrimaryKey = make([]any, len(t.PrimaryKeys))
			for i, k := range t.PrimaryKeys {
				row.PrimaryKey[i] = row.Values[k]
			}
			switch {
			case q.Tombstones:
				row.Operation = sync.OperationDelete
			case created > q.Since:
				row.Operation = sync.OperationInsert
			default:
				row.Operation = sync.OperationUpdate
			}

			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(sync.ChangeRow{}, fmt.Errorf("iterate changes of %s: %w", table, err))
		}
	}
}

func trackingPredicates(tracking string, q provider.ChangeQuery, tombstone int) (string, []any) {
	where := fmt.Sprintf(`%s."timestamp" > ? AND %s."sync_row_is_tombstone" = %d`, tracking, tracking, tombstone)
	args := []any{q.Since}
	if q.ExcludeScopeID != "" {
		where += fmt.Sprintf(` AND (%s."update_scope_id" IS NULL OR %s."update_scope_id" <> ?)`, tracking, tracking)
		args = append(args, q.ExcludeScopeID)
	}
	return where, args
}

func tombstoneQuery(t *schema.Table, q provider.ChangeQuery) (string, []any) {
	tracking := quote(trackingTable(t))
	where, args := trackingPredicates(tracking, q, 1)
	query := fmt.Sprintf(`SELECT %s, %s."timestamp", %s."created_timestamp", %s."update_scope_id"
FROM %s
WHERE %s
ORDER BY %s`,
		qualifiedList(tracking, t.PrimaryKeys), tracking, tracking, tracking,
		tracking, where, qualifiedList(tracking, t.PrimaryKeys))
	return query, args
}

func liveQuery(t *schema.Table, f *schema.Filter, q provider.ChangeQuery) (string, []any) {
	tracking := quote(trackingTable(t))
	base := quote(t.Name)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT DISTINCT %s, %s.\"timestamp\", %s.\"created_timestamp\", %s.\"update_scope_id\"\nFROM %s\n",
		qualifiedList(base, t.ColumnNames()), tracking, tracking, tracking, tracking)

	on := make([]string, len(t.PrimaryKeys))
	for i, k := range t.PrimaryKeys {
		on[i] = fmt.Sprintf("%s.%s = %s.%s", base, quote(k), tracking, quote(k))
	}
	fmt.Fprintf(&b, "INNER JOIN %s ON %s\n", base, strings.Join(on, " AND "))

	where, args := trackingPredicates(tracking, q, 0)
	if f != nil {
		for _, j := range f.Joins {
			kind := "INNER JOIN"
			if j.Type == schema.JoinLeft {
				kind = "LEFT JOIN"
			}
			fmt.Fprintf(&b, "%s %s ON %s.%s = %s.%s\n", kind, quote(j.Table),
				quote(j.LeftTable), quote(j.LeftColumn), quote(j.RightTable), quote(j.RightColumn))
		}
		for _, w := range f.Wheres {
			// An unbound parameter does not restrict the selection.
			where += fmt.Sprintf(" AND (%s.%s = ? OR ? IS NULL)", quote(w.Table), quote(w.Column))
			v, err := bindValue(nil, q.Parameters[w.Parameter])
			if err != nil {
				v = q.Parameters[w.Parameter]
			}
			args = append(args, v, v)
		}
	}

	fmt.Fprintf(&b, "WHERE %s\nORDER BY %s", where, qualifiedList(base, t.PrimaryKeys))
	return b.String(), args
}

// ResetTables deletes every row of set children first, then clears the tracking
// tables so no tombstones are left behind. In the same transaction the scope of set
// is rewound to a new scope, so a run interrupted after the reset bootstraps again.
func (s *SQLiteStore) ResetTables(ctx context.Context, set *schema.SyncSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, name := range set.ReverseOrder() {
		t := set.Table(name)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, quote(t.Name))); err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, quote(trackingTable(t)))); err != nil {
			return fmt.Errorf("reset tracking of %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE scope_info
		SET last_sync_timestamp = 0, last_server_sync_timestamp = 0, last_sync = NULL
		WHERE scope_name = ?
	`, set.ScopeName); err != nil {
		return fmt.Errorf("rewind scope %s: %w", set.ScopeName, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}

	slog.Info("tables reset",
		"component", "store",
		"action", "reset",
		"scope", set.ScopeName,
	)
	return nil
}

// CleanTombstones purges tombstones written at or before watermark.
func (s *SQLiteStore) CleanTombstones(ctx context.Context, set *schema.SyncSet, watermark int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, t := range set.Tables {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE "sync_row_is_tombstone" = 1 AND "timestamp" <= ?`,
			quote(trackingTable(&t))), watermark)
		if err != nil {
			return 0, fmt.Errorf("clean tombstones of %s: %w", t.Name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tombstone cleanup: %w", err)
	}
	return total, nil
}
