package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
)

// BeginApply opens an apply transaction on a dedicated connection. Foreign keys
// are checked at commit so rows of self-referencing tables may arrive in key order.
func (s *SQLiteStore) BeginApply(ctx context.Context) (provider.ApplyTx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, fmt.Errorf("defer foreign keys: %w", err)
	}
	return &applyTx{conn: conn, tx: tx}, nil
}

type applyTx struct {
	conn *sql.Conn
	tx   *sql.Tx
	done bool
}

func (a *applyTx) GetRow(ctx context.Context, t *schema.Table, key []any) (map[string]any, error) {
	args, err := keyArgs(t, key)
	if err != nil {
		return nil, err
	}
	cols := t.ColumnNames()
	rows, err := a.tx.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s`,
		quoteList(cols), quote(t.Name), keyWhere("", t.PrimaryKeys)), args...)
	if err != nil {
		return nil, fmt.Errorf("get row of %s: %w", t.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan row of %s: %w", t.Name, err)
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = readValue(values[i])
	}
	return row, nil
}

func (a *applyTx) TrackingInfo(ctx context.Context, t *schema.Table, key []any) (provider.TrackingInfo, error) {
	args, err := keyArgs(t, key)
	if err != nil {
		return provider.TrackingInfo{}, err
	}
	var (
		info      provider.TrackingInfo
		scopeID   sql.NullString
		tombstone int
	)
	err = a.tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT "update_scope_id", "timestamp", "sync_row_is_tombstone" FROM %s WHERE %s`,
		quote(trackingTable(t)), keyWhere("", t.PrimaryKeys)), args...).Scan(&scopeID, &info.Timestamp, &tombstone)
	if errors.Is(err, sql.ErrNoRows) {
		return provider.TrackingInfo{}, nil
	}
	if err != nil {
		return provider.TrackingInfo{}, fmt.Errorf("read tracking of %s: %w", t.Name, err)
	}
	info.Tracked = true
	info.Tombstone = tombstone == 1
	info.ScopeID = scopeID.String
	return info, nil
}

// Upsert writes every column of t, taking missing values as NULL.
func (a *applyTx) Upsert(ctx context.Context, t *schema.Table, values map[string]any) error {
	cols := t.ColumnNames()
	args := make([]any, len(cols))
	for i := range t.Columns {
		v, err := bindValue(&t.Columns[i], values[t.Columns[i].Name])
		if err != nil {
			return err
		}
		args[i] = v
	}
	for _, k := range t.PrimaryKeys {
		if values[k] == nil {
			return fmt.Errorf("%w: %s.%s", ErrMissingKey, t.Name, k)
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		quote(t.Name), quoteList(cols), placeholders, quoteList(t.PrimaryKeys), setExcluded(t))
	if _, err := a.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", t.Name, err)
	}
	return nil
}

// setExcluded assigns every non-key column from excluded. A key-only table
// reassigns its first key so the update trigger still fires.
func setExcluded(t *schema.Table) string {
	var sets []string
	for _, c := range t.Columns {
		if !t.IsPrimaryKey(c.Name) {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(c.Name), quote(c.Name)))
		}
	}
	if len(sets) == 0 {
		k := quote(t.PrimaryKeys[0])
		sets = append(sets, k+" = excluded."+k)
	}
	return strings.Join(sets, ", ")
}

// guardClause is true when no newer write from someone other than the sender exists.
func guardClause(t *schema.Table) string {
	tracking := quote(trackingTable(t))
	on := make([]string, len(t.PrimaryKeys))
	for i, k := range t.PrimaryKeys {
		on[i] = fmt.Sprintf("%s.%s = %s.%s", tracking, quote(k), quote(t.Name), quote(k))
	}
	return fmt.Sprintf(`NOT EXISTS (SELECT 1 FROM %s WHERE %s AND %s."timestamp" > ? AND (%s."update_scope_id" IS NULL OR %s."update_scope_id" <> ?))`,
		tracking, strings.Join(on, " AND "), tracking, tracking, tracking)
}

func (a *applyTx) GuardedUpdate(ctx context.Context, t *schema.Table, values map[string]any, g provider.Guard) (bool, error) {
	var (
		sets []string
		args []any
	)
	for i := range t.Columns {
		c := &t.Columns[i]
		if t.IsPrimaryKey(c.Name) {
			continue
		}
		v, err := bindValue(c, values[c.Name])
		if err != nil {
			return false, err
		}
		sets = append(sets, quote(c.Name)+" = ?")
		args = append(args, v)
	}
	if len(sets) == 0 {
		k := quote(t.PrimaryKeys[0])
		sets = append(sets, k+" = "+k)
	}

	key := make([]any, len(t.PrimaryKeys))
	for i, k := range t.PrimaryKeys {
		key[i] = values[k]
	}
	keyVals, err := keyArgs(t, key)
	if err != nil {
		return false, err
	}
	args = append(args, keyVals...)
	args = append(args, g.Base, g.SenderScopeID)

	res, err := a.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE %s AND %s`,
		quote(t.Name), strings.Join(sets, ", "), keyWhere(quote(t.Name), t.PrimaryKeys), guardClause(t)), args...)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (a *applyTx) GuardedDelete(ctx context.Context, t *schema.Table, key []any, g provider.Guard) (bool, error) {
	args, err := keyArgs(t, key)
	if err != nil {
		return false, err
	}
	args = append(args, g.Base, g.SenderScopeID)

	res, err := a.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s AND %s`,
		quote(t.Name), keyWhere(quote(t.Name), t.PrimaryKeys), guardClause(t)), args...)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (a *applyTx) Delete(ctx context.Context, t *schema.Table, key []any) error {
	args, err := keyArgs(t, key)
	if err != nil {
		return err
	}
	if _, err := a.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`,
		quote(t.Name), keyWhere("", t.PrimaryKeys)), args...); err != nil {
		return fmt.Errorf("delete from %s: %w", t.Name, err)
	}
	return nil
}

// TagRow sets the last writer without touching the clock; the triggers only watch base tables.
func (a *applyTx) TagRow(ctx context.Context, t *schema.Table, key []any, scopeID string) error {
	args, err := keyArgs(t, key)
	if err != nil {
		return err
	}
	var tag any
	if scopeID != "" {
		tag = scopeID
	}
	if _, err := a.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET "update_scope_id" = ? WHERE %s`,
		quote(trackingTable(t)), keyWhere("", t.PrimaryKeys)), append([]any{tag}, args...)...); err != nil {
		return fmt.Errorf("tag row of %s: %w", t.Name, err)
	}
	return nil
}

// Commit commits the transaction. SQLite keeps a transaction open when a deferred
// foreign key check fails at commit, so it is rolled back explicitly before the
// connection returns to the pool.
func (a *applyTx) Commit() error {
	if a.done {
		return sql.ErrTxDone
	}
	a.done = true
	defer a.conn.Close()

	if err := a.tx.Commit(); err != nil {
		a.conn.ExecContext(context.Background(), `ROLLBACK`)
		return err
	}
	return nil
}

func (a *applyTx) Rollback() error {
	if a.done {
		return nil
	}
	a.done = true
	defer a.conn.Close()

	err := a.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
